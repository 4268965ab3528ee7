package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryLimiter keeps per-key token buckets in process memory. It cannot
// coordinate across workers; use it only for single-process deployments and
// tests. Idle buckets are swept after bucketTTL.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	swept   time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

const bucketTTL = 2 * time.Hour

var _ Limiter = (*MemoryLimiter)(nil)

// NewMemory creates an empty in-process limiter.
func NewMemory() *MemoryLimiter {
	return &MemoryLimiter{buckets: make(map[string]*bucket), swept: time.Now()}
}

// Allow draws one token from the key's bucket. The bucket refills at
// limit/window with a burst of limit, which approximates the shared
// fixed-window policy for a single process.
func (l *MemoryLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.swept) > time.Minute {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > bucketTTL {
				delete(l.buckets, k)
			}
		}
		l.swept = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(float64(limit)/window.Seconds()), limit)}
		l.buckets[key] = b
	}
	b.seen = now

	if !b.lim.Allow() {
		return Decision{Allowed: false, Remaining: 0}, nil
	}
	remaining := int(b.lim.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Remaining: remaining}, nil
}
