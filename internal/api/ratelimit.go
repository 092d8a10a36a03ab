package api

import (
	"net/http"
	"sync"
	"time"
)

// DeleteRateLimiter is a token bucket shared by every caller of the routes
// it guards. Tokens refill lazily on each request.
type DeleteRateLimiter struct {
	mu       sync.Mutex
	capacity int
	tokens   int
	refill   time.Duration
	last     time.Time
	now      func() time.Time
}

// NewDeleteRateLimiter allows a burst of capacity requests and then one more
// per refill interval.
func NewDeleteRateLimiter(capacity int, refill time.Duration) *DeleteRateLimiter {
	return &DeleteRateLimiter{
		capacity: capacity,
		tokens:   capacity,
		refill:   refill,
		last:     time.Now(),
		now:      time.Now,
	}
}

// Allow takes a token if one is available.
func (l *DeleteRateLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.refill > 0 {
		if earned := int(now.Sub(l.last) / l.refill); earned > 0 {
			l.tokens = min(l.capacity, l.tokens+earned)
			l.last = l.last.Add(time.Duration(earned) * l.refill)
		}
	}
	if l.tokens >= l.capacity {
		l.last = now
	}
	if l.tokens == 0 {
		return false
	}
	l.tokens--
	return true
}

// Middleware answers 429 when the bucket is empty.
func (l *DeleteRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow() {
			w.Header().Set("Retry-After", "1")
			WriteProblem(w, r, http.StatusTooManyRequests, "Too many delete requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
