package tool

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window rate limiter: it tracks the timestamps of
// allowed calls and rejects new ones once the window is full.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time
	now    func() time.Time // for testing
}

// NewRateLimiter creates a rate limiter that allows limit calls per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow reports whether a call is permitted under the rate limit, recording
// it if so.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	kept := r.stamps[:0]
	for _, t := range r.stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.stamps = kept

	if len(r.stamps) >= r.limit {
		return false
	}
	r.stamps = append(r.stamps, now)
	return true
}

// Reset clears all recorded calls.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stamps = r.stamps[:0]
}
