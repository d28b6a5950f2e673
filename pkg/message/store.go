// Package message implements the relay's message layer: the
// content-addressed, TTL-bounded message store with per-topic indexing and
// deduplication, and the at-least-once delivery engine with acknowledgement
// and bounded retry.
package message

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/getrelayd/relayd/pkg/logging"
	"github.com/getrelayd/relayd/pkg/rpc"
	"github.com/getrelayd/relayd/pkg/storage"
)

// Store key prefixes and channels.
const (
	topicKeyPrefix   = "topic:"
	pendingKeyPrefix = "pending:"

	// AddedChannel is the store pub/sub channel announcing newly stored
	// messages. Every relay instance sharing the store listens on it, so a
	// publish reaches subscribers connected elsewhere.
	AddedChannel = "relay:messages:added"
)

// Hash returns the dedup key for a (topic, message) pair: the hex sha256
// digest of their concatenation. Two publishes with identical topic and
// message collapse onto the same key.
func Hash(topic, message string) string {
	sum := sha256.Sum256([]byte(topic + message))
	return hex.EncodeToString(sum[:])
}

// Added is the typed event broadcast when a message is newly stored.
type Added struct {
	Params   rpc.PublishParams `json:"params"`
	SocketID string            `json:"socketId"`
}

// Store is the content-addressed message store. It owns the dedup and
// indexing policy over the external key/value store.
type Store struct {
	store  storage.Store
	logger *slog.Logger
	maxTTL time.Duration // ceiling applied to pending-request records
}

// NewStore creates a message store. maxTTL caps how long pending-delivery
// records survive in the external store.
func NewStore(store storage.Store, logger *slog.Logger, maxTTL time.Duration) *Store {
	return &Store{
		store:  store,
		logger: logging.Component(logger, "message"),
		maxTTL: maxTTL,
	}
}

// SetMessage stores a published message unless an identical (topic, message)
// pair is already present. Only a newly stored message announces an Added
// event — duplicates produce no storage write and no fan-out. Returns true
// when the message was newly stored.
func (s *Store) SetMessage(ctx context.Context, params rpc.PublishParams, socketID string) (bool, error) {
	key := Hash(params.Topic, params.Message)

	_, err := s.store.Get(ctx, key)
	if err == nil {
		s.logger.Debug("duplicate message ignored", "topic", params.Topic, "hash", key)
		return false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("checking message presence: %w", err)
	}

	if err := s.store.SAdd(ctx, topicKeyPrefix+params.Topic, key); err != nil {
		return false, fmt.Errorf("indexing message: %w", err)
	}
	ttl := time.Duration(params.TTL) * time.Second
	if err := s.store.Set(ctx, key, params.Message, ttl); err != nil {
		return false, fmt.Errorf("storing message: %w", err)
	}

	payload, err := json.Marshal(Added{Params: params, SocketID: socketID})
	if err != nil {
		return false, err
	}
	if err := s.store.Publish(ctx, AddedChannel, payload); err != nil {
		return false, fmt.Errorf("announcing message: %w", err)
	}

	s.logger.Debug("message stored", "topic", params.Topic, "hash", key, "ttl", params.TTL)
	return true, nil
}

// GetMessage returns the message body stored under the given dedup hash.
func (s *Store) GetMessage(ctx context.Context, hash string) (string, error) {
	return s.store.Get(ctx, hash)
}

// GetMessages returns all live message bodies for a topic. A hash whose body
// has expired is removed from the topic index on the way through — the index
// self-heals on read instead of needing a background sweep.
func (s *Store) GetMessages(ctx context.Context, topic string) ([]string, error) {
	hashes, err := s.store.SMembers(ctx, topicKeyPrefix+topic)
	if err != nil {
		return nil, fmt.Errorf("reading topic index: %w", err)
	}

	var messages []string
	for _, hash := range hashes {
		body, err := s.store.Get(ctx, hash)
		if errors.Is(err, storage.ErrNotFound) {
			if err := s.DeleteMessage(ctx, topic, hash); err != nil {
				s.logger.Warn("pruning expired message", "topic", topic, "hash", hash, "error", err)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		messages = append(messages, body)
	}
	return messages, nil
}

// DeleteMessage removes a message body and its topic index membership.
func (s *Store) DeleteMessage(ctx context.Context, topic, hash string) error {
	if err := s.store.Del(ctx, hash); err != nil {
		return err
	}
	return s.store.SRem(ctx, topicKeyPrefix+topic, hash)
}

// SetPendingRequest records an in-flight delivery keyed by its JSON-RPC
// request id. The value identifies the delivered content (topic plus dedup
// hash); the TTL is the configured ceiling, not the message's own TTL.
func (s *Store) SetPendingRequest(ctx context.Context, topic string, requestID int64, message string) error {
	key := pendingKeyPrefix + strconv.FormatInt(requestID, 10)
	value := topic + ":" + Hash(topic, message)
	if err := s.store.Set(ctx, key, value, 0); err != nil {
		return fmt.Errorf("storing pending request: %w", err)
	}
	return s.store.Expire(ctx, key, s.maxTTL)
}

// GetPendingRequest returns the pending-delivery record for a request id.
func (s *Store) GetPendingRequest(ctx context.Context, requestID int64) (string, error) {
	return s.store.Get(ctx, pendingKeyPrefix+strconv.FormatInt(requestID, 10))
}

// DeletePendingRequest removes the pending-delivery record for a request id.
func (s *Store) DeletePendingRequest(ctx context.Context, requestID int64) error {
	return s.store.Del(ctx, pendingKeyPrefix+strconv.FormatInt(requestID, 10))
}

// SubscribeAdded starts listening for Added events from the store channel.
// Undecodable payloads are logged and skipped.
func (s *Store) SubscribeAdded(ctx context.Context) (<-chan Added, func(), error) {
	raw, stop, err := s.store.Subscribe(ctx, AddedChannel)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan Added)
	go func() {
		defer close(out)
		for payload := range raw {
			var added Added
			if err := json.Unmarshal(payload, &added); err != nil {
				s.logger.Warn("dropping malformed added event", "error", err)
				continue
			}
			select {
			case out <- added:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, stop, nil
}
