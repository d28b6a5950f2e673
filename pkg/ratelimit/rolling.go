// Package ratelimit provides the fixed-window rate limiting primitive used
// for per-connection message throttling.
//
// Unlike a token bucket, the RollingCounter counts units of work inside a
// fixed window at wall-clock second granularity: exactly Limit increments
// succeed per window, the Limit+1th fails. Each counter starts its own
// window at its first increment; there is no shared global window.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLimitExceeded is returned by Increment once the window capacity is used up.
var ErrLimitExceeded = errors.New("limit exceeded")

// RollingCounterOpts configures a RollingCounter.
type RollingCounterOpts struct {
	Limit    int           // increments allowed per window
	Interval time.Duration // window length
	Message  string        // human-readable reason carried by the failure
}

// RollingCounter is a fixed (non-sliding) window counter.
// It is safe for concurrent use.
type RollingCounter struct {
	limit    int
	interval int64 // seconds
	message  string

	mu          sync.Mutex
	windowStart int64 // unix seconds of the current window's first increment
	count       int
}

// NewRollingCounter creates a counter. The window opens at the first
// Increment call, not at construction.
func NewRollingCounter(opts RollingCounterOpts) *RollingCounter {
	message := opts.Message
	if message == "" {
		message = "limit reached"
	}
	interval := int64(opts.Interval / time.Second)
	if interval <= 0 {
		interval = 1
	}
	return &RollingCounter{
		limit:    opts.Limit,
		interval: interval,
		message:  message,
	}
}

// Increment records one unit of work. Within a live window the first Limit
// calls succeed; the next one fails with an error wrapping ErrLimitExceeded.
// Once the window has elapsed the count resets to 1 and a new window starts.
func (c *RollingCounter) Increment() error {
	now := time.Now().Unix()

	c.mu.Lock()
	defer c.mu.Unlock()

	if now-c.windowStart >= c.interval {
		c.windowStart = now
		c.count = 1
		return nil
	}

	c.count++
	if c.count > c.limit {
		return fmt.Errorf("%w: %s", ErrLimitExceeded, c.message)
	}
	return nil
}

// Count returns the number of increments recorded in the current window.
// A window that has already elapsed reports zero.
func (c *RollingCounter) Count() int {
	now := time.Now().Unix()

	c.mu.Lock()
	defer c.mu.Unlock()

	if now-c.windowStart >= c.interval {
		return 0
	}
	return c.count
}
