package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLimits = LimiterConfig{
	MaxAttempts: 3,
	Window:      time.Minute,
	Lockout:     5 * time.Minute,
}

func TestMemoryLimiter_LocksAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewMemoryLimiter(testLimits)
	limiter.now = func() time.Time { return now }

	remaining, err := limiter.Fail(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)

	remaining, _ = limiter.Fail(ctx, "10.0.0.1")
	assert.Equal(t, 1, remaining)

	retry, err := limiter.Check(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Zero(t, retry)

	remaining, _ = limiter.Fail(ctx, "10.0.0.1")
	assert.Equal(t, 0, remaining)

	retry, _ = limiter.Check(ctx, "10.0.0.1")
	assert.Equal(t, 5*time.Minute, retry)

	retry, _ = limiter.Check(ctx, "10.0.0.2")
	assert.Zero(t, retry)

	now = now.Add(5 * time.Minute)
	retry, _ = limiter.Check(ctx, "10.0.0.1")
	assert.Zero(t, retry)
}

func TestMemoryLimiter_WindowExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewMemoryLimiter(testLimits)
	limiter.now = func() time.Time { return now }

	_, _ = limiter.Fail(ctx, "k")
	_, _ = limiter.Fail(ctx, "k")

	now = now.Add(2 * time.Minute)
	remaining, _ := limiter.Fail(ctx, "k")
	assert.Equal(t, 2, remaining)
}

func TestMemoryLimiter_Reset(t *testing.T) {
	ctx := context.Background()
	limiter := NewMemoryLimiter(testLimits)

	for n := 0; n < 3; n++ {
		_, _ = limiter.Fail(ctx, "k")
	}
	retry, _ := limiter.Check(ctx, "k")
	assert.Positive(t, retry)

	require.NoError(t, limiter.Reset(ctx, "k"))
	retry, _ = limiter.Check(ctx, "k")
	assert.Zero(t, retry)
}

func TestLimiterConfigDefaults(t *testing.T) {
	cfg := LimiterConfig{}.withDefaults()
	assert.Equal(t, DefaultLimiterConfig(), cfg)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestRedisLimiter_LocksAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	limiter := NewRedisLimiter(rdb, testLimits)

	remaining, err := limiter.Fail(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
	assert.True(t, mr.Exists(attemptKeyPrefix+"10.0.0.1"))

	retry, err := limiter.Check(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Zero(t, retry)

	_, _ = limiter.Fail(ctx, "10.0.0.1")
	remaining, err = limiter.Fail(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	retry, err = limiter.Check(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Greater(t, retry, 4*time.Minute)
	assert.LessOrEqual(t, retry, 5*time.Minute)

	mr.FastForward(5*time.Minute + time.Second)
	retry, err = limiter.Check(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Zero(t, retry)
}

func TestRedisLimiter_WindowExpires(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	limiter := NewRedisLimiter(rdb, testLimits)

	_, _ = limiter.Fail(ctx, "k")
	_, _ = limiter.Fail(ctx, "k")

	mr.FastForward(2 * time.Minute)
	remaining, err := limiter.Fail(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
}

func TestRedisLimiter_Reset(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	limiter := NewRedisLimiter(rdb, testLimits)

	for n := 0; n < 3; n++ {
		_, _ = limiter.Fail(ctx, "k")
	}
	require.True(t, mr.Exists(lockKeyPrefix+"k"))

	require.NoError(t, limiter.Reset(ctx, "k"))
	assert.False(t, mr.Exists(lockKeyPrefix+"k"))

	retry, err := limiter.Check(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, retry)
}

type limiterBackend struct {
	name    string
	limiter AttemptLimiter
	advance func(time.Duration)
}

func newLimiterBackends(t *testing.T, cfg LimiterConfig) []limiterBackend {
	t.Helper()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	memory := NewMemoryLimiter(cfg)
	memory.now = func() time.Time { return now }

	mr, rdb := newTestRedis(t)

	return []limiterBackend{
		{name: "memory", limiter: memory, advance: func(d time.Duration) { now = now.Add(d) }},
		{name: "redis", limiter: NewRedisLimiter(rdb, cfg), advance: mr.FastForward},
	}
}

func TestLimiters_AfterLockoutExpires(t *testing.T) {
	cfg := LimiterConfig{MaxAttempts: 3, Window: 15 * time.Minute, Lockout: 10 * time.Minute}

	tests := []struct {
		name          string
		wait          time.Duration
		failures      int
		wantRemaining int
		wantLocked    bool
	}{
		{name: "one failure inside old window", wait: 11 * time.Minute, failures: 1, wantRemaining: 2},
		{name: "fresh budget locks again", wait: 11 * time.Minute, failures: 3, wantRemaining: 0, wantLocked: true},
		{name: "after old window", wait: 20 * time.Minute, failures: 2, wantRemaining: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, backend := range newLimiterBackends(t, cfg) {
				t.Run(backend.name, func(t *testing.T) {
					ctx := context.Background()
					for n := 0; n < cfg.MaxAttempts; n++ {
						_, err := backend.limiter.Fail(ctx, "k")
						require.NoError(t, err)
					}
					retry, err := backend.limiter.Check(ctx, "k")
					require.NoError(t, err)
					require.Positive(t, retry)

					backend.advance(tt.wait)

					var remaining int
					for n := 0; n < tt.failures; n++ {
						remaining, err = backend.limiter.Fail(ctx, "k")
						require.NoError(t, err)
					}
					assert.Equal(t, tt.wantRemaining, remaining)

					retry, err = backend.limiter.Check(ctx, "k")
					require.NoError(t, err)
					assert.Equal(t, tt.wantLocked, retry > 0)
				})
			}
		})
	}
}

func TestMemoryLimiter_PrunesExpiredEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewMemoryLimiter(testLimits)
	limiter.now = func() time.Time { return now }

	_, _ = limiter.Fail(ctx, "failed-once")
	for n := 0; n < testLimits.MaxAttempts; n++ {
		_, _ = limiter.Fail(ctx, "locked")
	}
	require.Len(t, limiter.attempts, 2)

	// window passed, lockout still running
	now = now.Add(2 * time.Minute)
	_, _ = limiter.Check(ctx, "other")
	assert.NotContains(t, limiter.attempts, "failed-once")
	assert.Contains(t, limiter.attempts, "locked")

	now = now.Add(testLimits.Lockout)
	_, _ = limiter.Check(ctx, "other")
	assert.Empty(t, limiter.attempts)
}
