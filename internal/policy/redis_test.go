package policy

import (
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedisStore connects to TETHER_TEST_REDIS_ADDR when it is set
// and to an in-process miniredis otherwise.
func newTestRedisStore(t *testing.T) *RedisRateStore {
	t.Helper()
	addr := os.Getenv("TETHER_TEST_REDIS_ADDR")
	if addr == "" {
		addr = miniredis.RunT(t).Addr()
	}
	s := NewRedisRateStore(addr, "", 0)
	if err := s.Ping(t.Context()); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = s.Close() })
	// Unique key space per test run.
	s.prefix = "tether:test:" + uuid.NewString() + ":"
	return s
}

func TestRedisRateStore_FixedWindow(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := t.Context()
	start := time.Now()

	for want := 1; want <= 3; want++ {
		got, err := s.Hit(ctx, "execute-command", start.Add(time.Duration(want-1)*time.Second), time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	got, err := s.Hit(ctx, "other", start, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, got, "windows are per name")

	// Exactly one window after the start is still inside it.
	got, err = s.Hit(ctx, "execute-command", start.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 4, got)

	got, err = s.Hit(ctx, "execute-command", start.Add(time.Minute+time.Millisecond), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func TestRedisRateStore_BacksGate(t *testing.T) {
	s := newTestRedisStore(t)
	clock := newFakeClock()
	g := NewGate(originalTable(), WithRateStore(s), WithApprover(StaticApprover(true)), WithClock(clock.Now))

	assert.True(t, g.Authorize(t.Context(), "execute-command", nil))
	assert.True(t, g.Authorize(t.Context(), "execute-command", nil))
	assert.False(t, g.Authorize(t.Context(), "execute-command", nil))
}

func TestRedisRateStore_ExpiresIdleWindows(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisRateStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	t.Cleanup(func() { _ = s.Close() })

	_, err := s.Hit(t.Context(), "file-write", time.Now(), time.Minute)
	require.NoError(t, err)

	key := DefaultRedisPrefix + "file-write"
	assert.Equal(t, "1", mr.HGet(key, "count"))
	assert.Equal(t, 2*time.Minute, mr.TTL(key))

	mr.FastForward(2*time.Minute + time.Second)
	assert.False(t, mr.Exists(key))
}

func TestRedisRateStore_ServerError(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisRateStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "tether:err:")
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Ping(t.Context()))
	mr.SetError("ERR rate store offline")
	n, err := s.Hit(t.Context(), "execute-command", time.Now(), time.Minute)
	assert.Zero(t, n)
	assert.ErrorContains(t, err, "redis rate window execute-command: ")
	assert.ErrorContains(t, err, "rate store offline")

	g := NewGate(originalTable(), WithRateStore(s), WithApprover(StaticApprover(true)))
	d := g.Decide(t.Context(), "execute-command", nil)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRateStoreError, d.Reason)
	assert.Equal(t, "Tool call to execute-command was denied: rate limit state unavailable.", d.Denial("execute-command"))
}
