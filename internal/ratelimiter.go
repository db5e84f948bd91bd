package internal

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/samber/lo"
)

// RateLimiter admits at most limit hits per key in any window-long span.
// Keys are client IPs for auth routes and connection ids for websocket events.
type RateLimiter struct {
	mu     sync.Mutex
	seen   map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		seen:   map[string][]time.Time{},
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records a hit for key when it fits.
func (r *RateLimiter) Allow(key string) bool {
	ok, _ := r.Reserve(key)
	return ok
}

// Reserve is Allow that also says how long to back off when refused.
func (r *RateLimiter) Reserve(key string) (bool, time.Duration) {
	now := r.now()
	cutoff := now.Add(-r.window)

	r.mu.Lock()
	defer r.mu.Unlock()
	recent := lo.Filter(r.seen[key], func(at time.Time, _ int) bool { return at.After(cutoff) })
	if len(recent) < r.limit {
		r.seen[key] = append(recent, now)
		return true, 0
	}
	r.seen[key] = recent
	return false, recent[0].Add(r.window).Sub(now)
}

// Forget drops everything known about key.
func (r *RateLimiter) Forget(key string) {
	r.mu.Lock()
	delete(r.seen, key)
	r.mu.Unlock()
}

// throttled answers 429 with a Retry-After header when key is over its budget.
func throttled(w http.ResponseWriter, limiter *RateLimiter, key string) bool {
	ok, wait := limiter.Reserve(key)
	if ok {
		return false
	}
	seconds := int(wait.Round(time.Second) / time.Second)
	w.Header().Set("Retry-After", strconv.Itoa(max(seconds, 1)))
	http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
	return true
}
