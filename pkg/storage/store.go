// Package storage abstracts the external durable store backing the relay.
//
// The relay needs per-key TTL semantics, set membership for the per-topic
// message index, capped lists for webhook registrations, and pub/sub
// channels so a publish on one relay instance reaches subscribers connected
// to another. Redis provides all of this natively; the in-memory
// implementation mirrors the same contract for tests and standalone runs.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key is absent or has expired.
var ErrNotFound = errors.New("key not found")

// Store is the external key/value + set store consumed by the message layer.
// Implementations must provide atomic single-key operations; the relay never
// relies on cross-key transactions.
type Store interface {
	// Set writes value under key with the given TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Del removes a key. Removing an absent key is not an error.
	Del(ctx context.Context, key string) error

	// Expire sets the TTL of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// SAdd adds a member to the set stored under key.
	SAdd(ctx context.Context, key, member string) error

	// SMembers returns all members of the set under key. An absent set is empty.
	SMembers(ctx context.Context, key string) ([]string, error)

	// SRem removes a member from the set under key.
	SRem(ctx context.Context, key, member string) error

	// LPush prepends a value to the list under key.
	LPush(ctx context.Context, key, value string) error

	// LTrim trims the list under key to the inclusive range [start, stop].
	LTrim(ctx context.Context, key string, start, stop int64) error

	// LRange returns the list elements in the inclusive range [start, stop].
	// Negative indexes count from the end, -1 being the last element.
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Publish broadcasts payload on a channel to every subscriber, across
	// all processes sharing the store.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe starts listening on a channel. The returned stop function
	// releases the subscription and closes the channel.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)

	// Close releases the store's resources.
	Close() error
}
