package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter counts attempts in a fixed window backed by a shared Redis
// instance, so the limit holds across all worker processes. The increment
// and the TTL are applied in one transactional pipeline; increment-and-check
// is atomic because INCR is.
type RedisLimiter struct {
	client redis.Cmdable
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedis wraps an existing client.
func NewRedis(client redis.Cmdable) *RedisLimiter {
	return &RedisLimiter{client: client}
}

// Allow increments the counter for key and denies once the count exceeds
// limit. The key's TTL is set only when absent, so the window is fixed from
// the first attempt rather than sliding with every retry.
//
// If Redis is unreachable the limiter fails open: the decision allows the
// request and is marked Degraded, and the store error is returned for the
// caller to audit. The decision stands regardless of the error.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{Allowed: true, Remaining: limit - 1, Degraded: true},
			fmt.Errorf("ratelimit: counter store unavailable: %w", err)
	}

	count := int(incr.Val())
	if count > limit {
		return Decision{Allowed: false, Remaining: 0}, nil
	}
	return Decision{Allowed: true, Remaining: limit - count}, nil
}
