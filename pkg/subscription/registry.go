// Package subscription tracks which connections are interested in which
// topics.
package subscription

import (
	"log/slog"
	"sync"

	"github.com/getrelayd/relayd/internal/id"
	"github.com/getrelayd/relayd/pkg/logging"
)

// Subscription represents one connection's interest in one topic.
type Subscription struct {
	// ID uniquely identifies the (topic, socket) pair until removed.
	ID string

	// Topic is the channel the subscriber watches.
	Topic string

	// SocketID is the owning connection.
	SocketID string

	// Method is the JSON-RPC method used for push notifications to this
	// subscriber; it follows the protocol variant used on subscribe.
	Method string

	// Legacy marks subscriptions created through the deprecated variant,
	// which opts out of cached-message replay.
	Legacy bool
}

// Registry is the in-memory subscription store, indexed by id and by topic.
// Safe for concurrent use.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	byID    map[string]Subscription
	byTopic map[string]map[string]struct{} // topic -> set of subscription ids
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logging.Component(logger, "subscription"),
		byID:    make(map[string]Subscription),
		byTopic: make(map[string]map[string]struct{}),
	}
}

// Set allocates a fresh subscription for the given topic and socket and
// returns its id.
func (r *Registry) Set(topic, socketID, method string, legacy bool) string {
	sub := Subscription{
		ID:       id.Hex32(),
		Topic:    topic,
		SocketID: socketID,
		Method:   method,
		Legacy:   legacy,
	}

	r.mu.Lock()
	r.byID[sub.ID] = sub
	ids, ok := r.byTopic[topic]
	if !ok {
		ids = make(map[string]struct{})
		r.byTopic[topic] = ids
	}
	ids[sub.ID] = struct{}{}
	r.mu.Unlock()

	r.logger.Debug("subscription added", "id", sub.ID, "topic", topic, "socketId", socketID)
	return sub.ID
}

// Lookup returns the subscription with the given id.
func (r *Registry) Lookup(subID string) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byID[subID]
	return sub, ok
}

// Get returns all subscriptions for the topic except those owned by
// excludeSocketID. The exclusion keeps a publisher from receiving an echo of
// its own publish on the same connection; the same client subscribed on a
// different connection is still returned.
func (r *Registry) Get(topic, excludeSocketID string) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byTopic[topic]
	subs := make([]Subscription, 0, len(ids))
	for subID := range ids {
		sub, ok := r.byID[subID]
		if !ok || sub.SocketID == excludeSocketID {
			continue
		}
		subs = append(subs, sub)
	}
	return subs
}

// Remove deletes a subscription from both indexes. Removing an unknown id is
// a no-op.
func (r *Registry) Remove(subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(subID)
}

// RemoveSocket deletes every subscription owned by the given connection.
// Called from the connection-close path.
func (r *Registry) RemoveSocket(socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for subID, sub := range r.byID {
		if sub.SocketID == socketID {
			r.removeLocked(subID)
		}
	}
}

func (r *Registry) removeLocked(subID string) {
	sub, ok := r.byID[subID]
	if !ok {
		return
	}
	delete(r.byID, subID)
	if ids, ok := r.byTopic[sub.Topic]; ok {
		delete(ids, subID)
		if len(ids) == 0 {
			delete(r.byTopic, sub.Topic)
		}
	}
}

// Len returns the number of active subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
