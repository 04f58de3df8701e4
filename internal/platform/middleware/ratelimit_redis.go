package middleware

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisRateLimitPrefix = "gateway:ratelimit:"

// RedisLimiter counts requests per key in fixed windows stored in Redis, so
// every gateway replica shares the same budget. The window is BurstSize /
// RequestsPerSecond long and admits BurstSize requests.
type RedisLimiter struct {
	client   redis.Cmdable
	limit    int64
	window   time.Duration
	fallback Limiter
	now      func() time.Time
}

type RedisLimiterOption func(*RedisLimiter)

// WithFallback answers from l while Redis is unreachable.
func WithFallback(l Limiter) RedisLimiterOption {
	return func(r *RedisLimiter) {
		r.fallback = l
	}
}

func NewRedisLimiter(client redis.Cmdable, cfg RateLimitConfig, opts ...RedisLimiterOption) *RedisLimiter {
	window := time.Second
	limit := int64(cfg.BurstSize)
	if cfg.RequestsPerSecond > 0 && cfg.BurstSize > 0 {
		window = time.Duration(float64(cfg.BurstSize) / cfg.RequestsPerSecond * float64(time.Second))
	}
	if window < time.Second {
		window = time.Second
		limit = int64(math.Max(float64(cfg.BurstSize), math.Ceil(cfg.RequestsPerSecond)))
	}
	if limit < 1 {
		limit = 1
	}

	r := &RedisLimiter{
		client: client,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := r.now()
	slot := now.UnixNano() / int64(r.window)
	redisKey := redisRateLimitPrefix + key + ":" + strconv.FormatInt(slot, 10)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		if r.fallback != nil {
			return r.fallback.Allow(ctx, key)
		}
		return Decision{}, fmt.Errorf("redis rate limit: %w", err)
	}

	if incr.Val() <= r.limit {
		return Decision{Allowed: true}, nil
	}
	windowEnd := time.Unix(0, (slot+1)*int64(r.window))
	return Decision{RetryAfter: windowEnd.Sub(now)}, nil
}
