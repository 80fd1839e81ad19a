package ratelimit

import (
	"context"
	"fmt"
	"time"

	"NetSentry/internal/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript trims, counts and conditionally records in one step.
// Scores are unix microseconds.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) < max then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, math.ceil(window / 1000))
	return 1
end
return 0
`)

// RedisLimiter shares sliding windows between instances through a Redis sorted set per key.
type RedisLimiter struct {
	client  redis.UniversalClient
	prefix  string
	window  time.Duration
	max     int
	timeout time.Duration
	now     func() time.Time
}

// NewRedisLimiter connects to addr and verifies the connection.
func NewRedisLimiter(addr, prefix string, window time.Duration, max int) (*RedisLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.WithComponent("ratelimit").Infof("Redis limiter connected to %s", addr)
	return NewRedisLimiterWithClient(client, prefix, window, max), nil
}

// NewRedisLimiterWithClient uses an existing client.
func NewRedisLimiterWithClient(client redis.UniversalClient, prefix string, window time.Duration, max int) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, window: window, max: max, timeout: time.Second, now: time.Now}
}

// WithClock replaces the time source used to score events.
func (r *RedisLimiter) WithClock(now func() time.Time) *RedisLimiter {
	r.now = now
	return r
}

// Allow fails closed: if Redis cannot be reached the event is rejected.
func (r *RedisLimiter) Allow(key string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	now := r.now().UnixMicro()
	res, err := slidingWindowScript.Run(ctx, r.client, []string{r.prefix + key},
		now, r.window.Microseconds(), r.max, fmt.Sprintf("%d-%s", now, uuid.NewString())).Int()
	if err != nil {
		logger.WithComponent("ratelimit").WithError(err).WithField("key", key).Warn("Redis limiter unavailable, rejecting")
		return false
	}
	return res == 1
}

// Close releases the Redis connection.
func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
