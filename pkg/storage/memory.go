package storage

import (
	"context"
	"sync"
	"time"
)

// subscriberBuffer bounds how many undelivered pub/sub payloads a slow
// subscriber can hold before further publishes to it are dropped.
const subscriberBuffer = 64

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type memorySubscriber struct {
	ch   chan []byte
	once sync.Once
}

func (s *memorySubscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Memory is an in-process Store with lazy per-key expiry and local pub/sub
// fan-out. Safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	keys   map[string]memoryEntry
	sets   map[string]map[string]struct{}
	lists  map[string][]string
	subs   map[string][]*memorySubscriber
	closed bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		keys:  make(map[string]memoryEntry),
		sets:  make(map[string]map[string]struct{}),
		lists: make(map[string][]string),
		subs:  make(map[string][]*memorySubscriber),
	}
}

var _ Store = (*Memory)(nil)

// Set writes value under key with the given TTL.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = entry
	return nil
}

// Get returns the value under key, expiring it lazily if its TTL has passed.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.keys[key]
	if !ok {
		return "", ErrNotFound
	}
	if entry.expired(time.Now()) {
		delete(m.keys, key)
		return "", ErrNotFound
	}
	return entry.value, nil
}

// Del removes a key.
func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

// Expire sets the TTL of an existing key. Absent keys are ignored.
func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.keys[key]
	if !ok {
		return nil
	}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	} else {
		entry.expiresAt = time.Time{}
	}
	m.keys[key] = entry
	return nil
}

// SAdd adds a member to a set.
func (m *Memory) SAdd(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

// SMembers returns all members of a set.
func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	return members, nil
}

// SRem removes a member from a set.
func (m *Memory) SRem(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.sets[key]; ok {
		delete(set, member)
		if len(set) == 0 {
			delete(m.sets, key)
		}
	}
	return nil
}

// LPush prepends a value to a list.
func (m *Memory) LPush(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append([]string{value}, m.lists[key]...)
	return nil
}

// LTrim trims a list to the inclusive range [start, stop].
func (m *Memory) LTrim(_ context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	from, to := normalizeRange(start, stop, int64(len(list)))
	if from > to {
		delete(m.lists, key)
		return nil
	}
	m.lists[key] = append([]string(nil), list[from:to+1]...)
	return nil
}

// LRange returns the list elements in the inclusive range [start, stop].
func (m *Memory) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	from, to := normalizeRange(start, stop, int64(len(list)))
	if from > to {
		return nil, nil
	}
	return append([]string(nil), list[from:to+1]...), nil
}

// normalizeRange resolves negative indexes and clamps to [0, length-1],
// following the Redis LRANGE convention.
func normalizeRange(start, stop, length int64) (int64, int64) {
	if start < 0 {
		start += length
	}
	if stop < 0 {
		stop += length
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	return start, stop
}

// Publish fans payload out to every local subscriber of the channel.
// A subscriber whose buffer is full misses the payload rather than blocking
// the publisher.
func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	subs := append([]*memorySubscriber(nil), m.subs[channel]...)
	m.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe registers a local subscriber on the channel.
func (m *Memory) Subscribe(_ context.Context, channel string) (<-chan []byte, func(), error) {
	sub := &memorySubscriber{ch: make(chan []byte, subscriberBuffer)}

	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], sub)
	m.mu.Unlock()

	stop := func() {
		m.mu.Lock()
		subs := m.subs[channel]
		for i, s := range subs {
			if s == sub {
				m.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		sub.close()
	}
	return sub.ch, stop, nil
}

// Close drops all state and closes every subscriber channel.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	m.keys = make(map[string]memoryEntry)
	m.sets = make(map[string]map[string]struct{})
	m.lists = make(map[string][]string)
	m.subs = make(map[string][]*memorySubscriber)
	return nil
}
