package ratelimit

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptHook answers every command in place of a server and keeps the
// arguments it was sent.
type scriptHook struct {
	mu    sync.Mutex
	args  [][]any
	reply any
	err   error
}

func (h *scriptHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *scriptHook) ProcessHook(redis.ProcessHook) redis.ProcessHook {
	return func(_ context.Context, cmd redis.Cmder) error {
		h.mu.Lock()
		h.args = append(h.args, cmd.Args())
		h.mu.Unlock()
		if h.err != nil {
			cmd.SetErr(h.err)
			return h.err
		}
		cmd.(*redis.Cmd).SetVal(h.reply)
		return nil
	}
}

func (h *scriptHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func hookedLimiter(t *testing.T, h *scriptHook, window time.Duration, max int) *RedisLimiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	client.AddHook(h)
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLimiterWithClient(client, "ns:test:", window, max)
}

func TestRedisLimiter_SendsWindowInMicroseconds(t *testing.T) {
	h := &scriptHook{reply: int64(1)}
	clock := newClock()
	l := hookedLimiter(t, h, 10*time.Second, 5).WithClock(clock.Now)

	assert.True(t, l.Allow("10.0.0.1"))

	require.Len(t, h.args, 1)
	args := h.args[0]
	require.Len(t, args, 8)
	assert.Equal(t, "evalsha", args[0])
	assert.Equal(t, 1, args[2])
	assert.Equal(t, "ns:test:10.0.0.1", args[3])
	assert.Equal(t, clock.Now().UnixMicro(), args[4])
	assert.Equal(t, int64(10_000_000), args[5])
	assert.Equal(t, 5, args[6])
	assert.NotEqual(t, args[7], "")
}

func TestRedisLimiter_RejectsAtCapacity(t *testing.T) {
	h := &scriptHook{reply: int64(0)}
	assert.False(t, hookedLimiter(t, h, time.Second, 1).Allow("k"))
}

func TestRedisLimiter_FailsClosed(t *testing.T) {
	t.Run("script error", func(t *testing.T) {
		h := &scriptHook{err: errors.New("LOADING Redis is loading the dataset in memory")}
		assert.False(t, hookedLimiter(t, h, time.Second, 5).Allow("k"))
	})

	t.Run("unreachable server", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
		l := NewRedisLimiterWithClient(client, "ns:", time.Second, 5)
		defer l.Close()
		assert.False(t, l.Allow("k"))
	})

	t.Run("constructor", func(t *testing.T) {
		_, err := NewRedisLimiter("127.0.0.1:1", "ns:", time.Second, 5)
		assert.Error(t, err)
	})
}

// The tests below run the Lua script on a real server. Point
// NETSENTRY_TEST_REDIS at a throwaway instance, e.g. localhost:6379.
func liveLimiter(t *testing.T, window time.Duration, max int) (*RedisLimiter, *redis.Client, string) {
	t.Helper()
	addr := os.Getenv("NETSENTRY_TEST_REDIS")
	if addr == "" {
		t.Skip("NETSENTRY_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	prefix := "ns:test:" + uuid.NewString() + ":"
	t.Cleanup(func() {
		_ = client.Del(context.Background(), prefix+"k").Err()
		_ = client.Close()
	})
	return NewRedisLimiterWithClient(client, prefix, window, max), client, prefix + "k"
}

func TestRedisLimiter_TrimBoundary(t *testing.T) {
	l, _, _ := liveLimiter(t, 10*time.Second, 2)
	clock := newClock()
	l.WithClock(clock.Now)
	start := clock.Now()

	assert.True(t, l.Allow("k"))
	clock.Advance(time.Second)
	assert.True(t, l.Allow("k"))
	clock.Advance(time.Second)
	assert.False(t, l.Allow("k"), "third event inside the window")

	clock.Advance(start.Add(10*time.Second - time.Microsecond).Sub(clock.Now()))
	assert.False(t, l.Allow("k"), "first event is still one microsecond inside the window")

	clock.Advance(time.Microsecond)
	assert.True(t, l.Allow("k"), "an event exactly one window old no longer counts")
	assert.False(t, l.Allow("k"))
}

func TestRedisLimiter_ExpiresKeyAfterWindow(t *testing.T) {
	l, client, key := liveLimiter(t, 10*time.Second, 5)
	require.True(t, l.Allow("k"))

	ttl, err := client.PTTL(context.Background(), key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 9*time.Second)
	assert.LessOrEqual(t, ttl, 10*time.Second)
}
