package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter paces requests per user. The portal client and the HTTP API each
// hold their own.
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

// NewLimiter creates a new rate limiter
// requestsPerHour: total requests allowed per hour per user (e.g., 600)
// burst: max requests in a burst (e.g., 10)
// A non-positive requestsPerHour disables limiting.
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	r := rate.Inf
	if requestsPerHour > 0 {
		r = rate.Limit(float64(requestsPerHour) / 3600.0)
	}
	if burst < 1 {
		burst = 1
	}

	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

// GetLimiter returns the rate limiter for a specific user
func (l *Limiter) GetLimiter(userID string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[userID]
	l.mu.RUnlock()
	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists = l.limiters[userID]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[userID] = limiter
	}

	return limiter
}

// Allow checks if a request is allowed for the given user
func (l *Limiter) Allow(userID string) bool {
	return l.GetLimiter(userID).Allow()
}

// Wait blocks until the user may issue another request or ctx is done
func (l *Limiter) Wait(ctx context.Context, userID string) error {
	return l.GetLimiter(userID).Wait(ctx)
}

// Tokens returns the current number of available tokens for a user
func (l *Limiter) Tokens(userID string) float64 {
	return l.GetLimiter(userID).Tokens()
}

// Forget drops the limiter state of a user
func (l *Limiter) Forget(userID string) {
	l.mu.Lock()
	delete(l.limiters, userID)
	l.mu.Unlock()
}
