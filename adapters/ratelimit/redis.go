package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/ports"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window limiter shared by every instance. The
// increment and its expiry run as one script.
type RedisLimiter struct {
	redis  redis.UniversalClient
	prefix string
}

var _ ports.RateLimiter = (*RedisLimiter)(nil)

// NewRedisLimiter creates a limiter whose counters live under prefix.
func NewRedisLimiter(client redis.UniversalClient, prefix string) *RedisLimiter {
	return &RedisLimiter{redis: client, prefix: prefix + ":rl:"}
}

// Allow increments the window counter for key and rejects past limit.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) error {
	count, err := incrementWithTTL(ctx, l.redis, l.prefix+key, window)
	if err != nil {
		return err
	}
	if count > int64(limit) {
		return core.ErrRateLimited
	}
	return nil
}

// RedisCounter counts events per key over a fixed window.
type RedisCounter struct {
	redis  redis.UniversalClient
	prefix string
}

var _ ports.Counter = (*RedisCounter)(nil)

// NewRedisCounter creates a counter whose keys live under prefix.
func NewRedisCounter(client redis.UniversalClient, prefix string) *RedisCounter {
	return &RedisCounter{redis: client, prefix: prefix + ":cnt:"}
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	return incrementWithTTL(ctx, c.redis, c.prefix+key, window)
}

// Count returns zero for a missing or expired key.
func (c *RedisCounter) Count(ctx context.Context, key string) (int64, error) {
	n, err := c.redis.Get(ctx, c.prefix+key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", core.ErrStorageUnavailable, err)
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

func (c *RedisCounter) Reset(ctx context.Context, key string) error {
	if err := c.redis.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStorageUnavailable, err)
	}
	return nil
}

// incrementScript opens the window on the first hit and repairs a key left
// without a TTL, so a counter can never outlive its window.
var incrementScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 or redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

func incrementWithTTL(ctx context.Context, client redis.UniversalClient, key string, ttl time.Duration) (int64, error) {
	count, err := incrementScript.Run(ctx, client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", core.ErrStorageUnavailable, err)
	}
	return count, nil
}
