// Package ratelimit bounds how many nonces each miner may submit per minute.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleAfter is how long a miner's bucket is kept after its last request.
const idleAfter = 10 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter holds one token bucket per miner. A bucket refills at perMinute tokens per minute and
// holds at most perMinute tokens, so a miner can never spend more than perMinute nonces in any
// minute-long burst. It is safe for concurrent use.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	perMinute int
	lastSweep time.Time

	now func() time.Time
}

// New creates a Limiter allowing perMinute units per key per minute. A non-positive perMinute
// disables limiting.
func New(perMinute int) *Limiter {
	return &Limiter{
		buckets:   make(map[string]*bucket),
		perMinute: perMinute,
		now:       time.Now,
	}
}

// Allow reports whether key may spend one unit now.
func (l *Limiter) Allow(key string) bool {
	return l.AllowN(key, 1)
}

// AllowN reports whether key may spend n units now and spends them if so. A refused request
// spends nothing, and n above the per-minute limit is never allowed.
func (l *Limiter) AllowN(key string, n int) bool {
	if l.perMinute <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > idleAfter {
		l.sweep(now)
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60), l.perMinute)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, n)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// sweep drops buckets idle long enough to have refilled completely.
func (l *Limiter) sweep(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > idleAfter {
			delete(l.buckets, key)
		}
	}
	l.lastSweep = now
}
