package dispatch

import (
	"sync"
	"time"
)

// RateLimiter is a fixed-window counter: at most limit units per window.
//
// The window resets lazily on the first call after now-start >= window.
// A limit <= 0 means unlimited.
type RateLimiter struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	count       int
	windowStart time.Time
	now         func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return newRateLimiterClock(limit, window, time.Now)
}

func newRateLimiterClock(limit int, window time.Duration, now func() time.Time) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{limit: limit, window: window, windowStart: now(), now: now}
}

// roll must be called with mu held.
func (r *RateLimiter) roll() {
	now := r.now()
	if now.Sub(r.windowStart) >= r.window {
		r.count = 0
		r.windowStart = now
	}
}

// TryConsume takes one unit if the window has room.
func (r *RateLimiter) TryConsume() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roll()
	if r.limit > 0 && r.count >= r.limit {
		return false
	}
	r.count++
	return true
}

// Available reports whether TryConsume would succeed right now, without consuming.
func (r *RateLimiter) Available() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roll()
	return r.limit <= 0 || r.count < r.limit
}

// Snapshot returns units used in the current window and the limit.
func (r *RateLimiter) Snapshot() (used, limit int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roll()
	return r.count, r.limit
}

// SetLimit changes the limit and window. The current window and its count are kept.
func (r *RateLimiter) SetLimit(limit int, window time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limit = limit
	if window > 0 {
		r.window = window
	}
}
