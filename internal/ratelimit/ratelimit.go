// Package ratelimit is ambient gateway infrastructure in front of the
// Request Coordinator: a fixed-window per-client request budget. It is not
// one of spec.md's three core components, but the teacher always carries
// exactly this kind of concern in front of its routing core, so it is kept
// here rather than dropped — see SPEC_FULL.md's Ambient Stack.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter defines the rate-limiting operations the HTTP layer needs,
// matching the teacher's own RateLimiter interface in
// pkg/plugins/gateway/ratelimiter/rate_limiter.go field-for-field.
type Limiter interface {
	// Get retrieves the current window's usage count for key.
	Get(ctx context.Context, key string) (int64, error)
	// Incr increments key's usage count by val and returns the new total.
	Incr(ctx context.Context, key string, val int64) (int64, error)
}

// redisLimiter is a fixed-window counter keyed by the window's own boundary
// timestamp rather than the teacher's modulo-rotated bin index
// (pkg/plugins/gateway/ratelimiter/redis.go's redisRateLimiter divides
// into a fixed BinSize ring of keys reused across windows; this proxy
// instead mints one fresh key per window and lets Redis's own TTL garbage
// collect it, so there is no ring to size and no risk of two distant
// windows aliasing onto the same bin). The teacher keys per-account for
// RPM/TPM budgets; this proxy has no account model, so the key is the
// caller-identifying string the HTTP layer resolves (client IP, or
// X-Client-Id if present) and the only tracked quantity is request count,
// not token count.
type redisLimiter struct {
	client     *redis.Client
	name       string
	windowSize time.Duration
}

// NewRedis returns a Limiter backed by Redis.
func NewRedis(client *redis.Client, windowSize time.Duration) Limiter {
	if windowSize < time.Second {
		windowSize = time.Second
	}
	return &redisLimiter{client: client, name: "kvcacheproxy", windowSize: windowSize}
}

func (l *redisLimiter) Get(ctx context.Context, key string) (int64, error) {
	val, err := l.client.Get(ctx, l.genKey(key)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return val, nil
}

// Incr increments the current window's counter. Unlike the teacher's
// pipeline, which re-arms the key's TTL on every single call, this only
// sets the expiry once — on the call that creates the key — so a steady
// stream of requests can never keep renewing the TTL and hold a window
// open past windowSize.
func (l *redisLimiter) Incr(ctx context.Context, key string, val int64) (int64, error) {
	k := l.genKey(key)
	count, err := l.client.IncrBy(ctx, k, val).Result()
	if err != nil {
		return 0, err
	}
	if count == val {
		if err := l.client.Expire(ctx, k, l.windowSize).Err(); err != nil {
			return 0, err
		}
	}
	return count, nil
}

func (l *redisLimiter) genKey(key string) string {
	windowSecs := int64(l.windowSize.Seconds())
	windowStart := time.Now().Unix() / windowSecs * windowSecs
	return fmt.Sprintf("%s/ratelimit/%s/%d", l.name, key, windowStart)
}

// Allow reports whether key is still under limit, incrementing its usage
// counter as a side effect. A zero limit disables rate limiting entirely.
func Allow(ctx context.Context, l Limiter, key string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	count, err := l.Incr(ctx, key, 1)
	if err != nil {
		return true, err // fail open: a Redis outage must not take the proxy down
	}
	return count <= int64(limit), nil
}
