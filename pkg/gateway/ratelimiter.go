package gateway

import (
	"sync"
	"time"
)

// DefaultRequestsPerMinute is the per-connection budget.
const DefaultRequestsPerMinute = 120

// ClientRateLimiter implements sliding window rate limiting per client
type ClientRateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	requests          []time.Time
	now               func() time.Time
}

// NewClientRateLimiter creates a limiter allowing requestsPerMinute
// requests in any one-minute window. A non-positive limit uses the default.
func NewClientRateLimiter(requestsPerMinute int) *ClientRateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = DefaultRequestsPerMinute
	}
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		now:               time.Now,
	}
}

// Allow records a request and reports whether it fits the window. Rejected
// requests are not counted.
func (r *ClientRateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.pruneLocked(now)

	if len(r.requests) >= r.requestsPerMinute {
		return false
	}
	r.requests = append(r.requests, now)
	return true
}

// UpdateLimit updates the rate limit
func (r *ClientRateLimiter) UpdateLimit(requestsPerMinute int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requestsPerMinute = requestsPerMinute
}

// Count returns the number of requests in the current window.
func (r *ClientRateLimiter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(r.now())
	return len(r.requests)
}

func (r *ClientRateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(r.requests) && !r.requests[i].After(cutoff) {
		i++
	}
	if i > 0 {
		r.requests = append(r.requests[:0], r.requests[i:]...)
	}
}
