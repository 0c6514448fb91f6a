package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DistributedRateLimiter counts requests per fixed window in redis, so every
// permitd instance shares the same limits
type DistributedRateLimiter struct {
	redis  *redis.Client
	config *RateLimitConfig
	prefix string
}

// NewDistributedRateLimiter creates a new Redis-backed rate limiter
func NewDistributedRateLimiter(redisClient *redis.Client, config *RateLimitConfig, prefix string) *DistributedRateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if prefix == "" {
		prefix = "permitd:ratelimit"
	}

	return &DistributedRateLimiter{
		redis:  redisClient,
		config: config,
		prefix: prefix,
	}
}

func (rl *DistributedRateLimiter) key(key string) string {
	return fmt.Sprintf("%s:%s", rl.prefix, key)
}

// Allow counts one request against key's current window
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	redisKey := rl.key(key)

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("redis error: %w", err)
	}

	// The window starts with the first request; later ones must not extend it.
	resetIn := ttl.Val()
	if resetIn < 0 {
		if err := rl.redis.PExpire(ctx, redisKey, rl.config.WindowDuration).Err(); err != nil {
			return Decision{}, fmt.Errorf("redis error: %w", err)
		}
		resetIn = rl.config.WindowDuration
	}

	limit := rl.config.capacity()
	count := int(incr.Val())
	return Decision{
		Allowed:   count <= limit,
		Limit:     rl.config.RequestsPerWindow,
		Remaining: limit - count,
		ResetIn:   resetIn,
	}, nil
}

// Remaining returns the number of remaining requests in the window
func (rl *DistributedRateLimiter) Remaining(ctx context.Context, key string) (int, error) {
	count, err := rl.redis.Get(ctx, rl.key(key)).Int()
	if err == redis.Nil {
		return rl.config.capacity(), nil
	} else if err != nil {
		return 0, err
	}
	return max(rl.config.capacity()-count, 0), nil
}

// Reset clears the rate limit for a key
func (rl *DistributedRateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, rl.key(key)).Err()
}

// Limiters builds the actor and anonymous limiters from the service
// settings. With a redis client the counters are shared; without one they
// are kept in process.
func Limiters(redisClient *redis.Client, perMinute, burst, anonymousPerMinute int) (actor, anonymous Limiter) {
	actorCfg := &RateLimitConfig{RequestsPerWindow: perMinute, WindowDuration: time.Minute, BurstSize: burst}
	anonCfg := &RateLimitConfig{RequestsPerWindow: anonymousPerMinute, WindowDuration: time.Minute, BurstSize: burst}
	if redisClient == nil {
		return NewRateLimiter(actorCfg), NewRateLimiter(anonCfg)
	}
	return NewDistributedRateLimiter(redisClient, actorCfg, "permitd:ratelimit:actor"),
		NewDistributedRateLimiter(redisClient, anonCfg, "permitd:ratelimit:anon")
}
