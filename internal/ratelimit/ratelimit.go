// Package ratelimit implements a per-principal token bucket rate limiter
// for the API gateways. Tokens are refilled lazily on each Allow call; idle
// buckets are reclaimed by Sweep, which the janitor calls periodically.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a principal has exhausted their token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter keeps an independent bucket per key (user ID or API key owner),
// so one caller cannot exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   float64 // max bucket capacity
	now     func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
		now:     time.Now,
	}
}

// Unlimited reports whether the limiter lets every call through.
func (l *Limiter) Unlimited() bool {
	return l == nil || l.rate <= 0
}

// Allow consumes one token from key's bucket. Returns ErrRateLimited if the
// bucket is empty. A nil Limiter allows everything.
func (l *Limiter) Allow(key string) error {
	if l.Unlimited() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(key)
	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// Remaining returns the whole tokens currently available to key.
func (l *Limiter) Remaining(key string) int {
	if l.Unlimited() {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.refill(key).tokens)
}

// refill tops up key's bucket for elapsed time, creating a full one on first use.
// Must be called with l.mu held.
func (l *Limiter) refill(key string) *bucket {
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.buckets[key] = b
		return b
	}
	b.tokens += now.Sub(b.lastFill).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now
	return b
}

// Sweep drops buckets untouched for longer than idle and returns how many
// were removed. A dropped bucket would have refilled to full anyway once
// idle exceeds burst/rate.
func (l *Limiter) Sweep(idle time.Duration) int {
	if l.Unlimited() {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	removed := 0
	for key, b := range l.buckets {
		if b.lastFill.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
