// Package ratelimit is a per-client token bucket for the HTTP surface.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter allows rpm requests per minute per client key, with bursts up to rpm.
type Limiter struct {
	now          func() time.Time
	capacity     float64
	refillPerSec float64

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New returns nil when rpm <= 0; a nil Limiter allows everything.
func New(rpm int) *Limiter {
	if rpm <= 0 {
		return nil
	}
	return &Limiter{
		now:          func() time.Time { return time.Now().UTC() },
		capacity:     float64(rpm),
		refillPerSec: float64(rpm) / 60.0,
		buckets:      make(map[string]*bucket),
	}
}

// Allow takes a token for key. When none is left it reports how many seconds
// until the next one.
func (l *Limiter) Allow(key string) (bool, int) {
	if l == nil {
		return true, 0
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: l.capacity - 1, lastRefill: now}
		return true, 0
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(l.capacity, b.tokens+(elapsed*l.refillPerSec))
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens -= 1
		return true, 0
	}

	deficit := 1 - b.tokens
	retrySeconds := int(math.Ceil(deficit / l.refillPerSec))
	if retrySeconds < 1 {
		retrySeconds = 1
	}
	return false, retrySeconds
}

// Prune drops buckets idle long enough to be full again.
func (l *Limiter) Prune() {
	if l == nil {
		return
	}
	full := time.Duration(l.capacity/l.refillPerSec*float64(time.Second)) + time.Second
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if now.Sub(b.lastRefill) > full {
			delete(l.buckets, key)
		}
	}
}
