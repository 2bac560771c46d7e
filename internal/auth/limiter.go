package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AttemptLimiter tracks failed logins per client key and locks the key out
// once the limit is reached inside the window.
type AttemptLimiter interface {
	// Check returns how long key remains locked out, or zero.
	Check(ctx context.Context, key string) (time.Duration, error)
	// Fail records a failed attempt and returns the attempts left before lockout.
	Fail(ctx context.Context, key string) (int, error)
	// Reset forgets all attempts for key.
	Reset(ctx context.Context, key string) error
}

// LimiterConfig holds the lockout policy shared by all limiter implementations.
type LimiterConfig struct {
	MaxAttempts int
	Window      time.Duration
	Lockout     time.Duration
}

// DefaultLimiterConfig allows 5 failures per 15 minutes and locks for 10 minutes.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		MaxAttempts: 5,
		Window:      15 * time.Minute,
		Lockout:     10 * time.Minute,
	}
}

func (c LimiterConfig) withDefaults() LimiterConfig {
	def := DefaultLimiterConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.Lockout <= 0 {
		c.Lockout = def.Lockout
	}
	return c
}

// LockoutError reports a rejected attempt while the client is locked out.
type LockoutError struct {
	RetryAfter time.Duration
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrTooManyAttempts, e.RetryAfter.Round(time.Second))
}

func (e *LockoutError) Is(target error) bool {
	return target == ErrTooManyAttempts
}

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// expired reports whether the state no longer affects future attempts.
func (s *attemptState) expired(now time.Time, window time.Duration) bool {
	if now.Before(s.lockedUntil) {
		return false
	}
	return s.count == 0 || now.Sub(s.firstAttempt) > window
}

const pruneInterval = time.Minute

// MemoryLimiter keeps attempt counters in process memory. Expired entries
// are pruned at most once per pruneInterval.
type MemoryLimiter struct {
	cfg       LimiterConfig
	now       func() time.Time
	lock      sync.Mutex
	attempts  map[string]*attemptState
	lastPrune time.Time
}

func NewMemoryLimiter(cfg LimiterConfig) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		attempts: make(map[string]*attemptState),
	}
}

func (m *MemoryLimiter) Check(_ context.Context, key string) (time.Duration, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.now()
	m.pruneLocked(now)

	state, ok := m.attempts[key]
	if !ok || !now.Before(state.lockedUntil) {
		return 0, nil
	}
	return state.lockedUntil.Sub(now), nil
}

// Fail counts a failure. Reaching the limit starts a lockout and clears the
// counter, so the next window begins with the first failure after it.
func (m *MemoryLimiter) Fail(_ context.Context, key string) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.now()
	m.pruneLocked(now)

	state, ok := m.attempts[key]
	if !ok {
		state = &attemptState{}
		m.attempts[key] = state
	}
	if state.count == 0 || now.Sub(state.firstAttempt) > m.cfg.Window {
		state.count = 0
		state.firstAttempt = now
	}

	state.count++
	if state.count >= m.cfg.MaxAttempts {
		state.lockedUntil = now.Add(m.cfg.Lockout)
		state.count = 0
		state.firstAttempt = time.Time{}
		return 0, nil
	}

	return m.cfg.MaxAttempts - state.count, nil
}

func (m *MemoryLimiter) Reset(_ context.Context, key string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.attempts, key)
	return nil
}

func (m *MemoryLimiter) pruneLocked(now time.Time) {
	if now.Sub(m.lastPrune) < pruneInterval {
		return
	}
	m.lastPrune = now
	for key, state := range m.attempts {
		if state.expired(now, m.cfg.Window) {
			delete(m.attempts, key)
		}
	}
}

const (
	attemptKeyPrefix = "login:attempts:"
	lockKeyPrefix    = "login:lock:"
)

// RedisLimiter shares attempt counters between processes through redis.
type RedisLimiter struct {
	rdb *redis.Client
	cfg LimiterConfig
}

func NewRedisLimiter(rdb *redis.Client, cfg LimiterConfig) *RedisLimiter {
	return &RedisLimiter{
		rdb: rdb,
		cfg: cfg.withDefaults(),
	}
}

func (r *RedisLimiter) Check(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.rdb.PTTL(ctx, lockKeyPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("read lockout: %w", err)
	}
	// missing keys report negative durations
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}

func (r *RedisLimiter) Fail(ctx context.Context, key string) (int, error) {
	attemptsKey := attemptKeyPrefix + key

	count, err := r.rdb.Incr(ctx, attemptsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("record attempt: %w", err)
	}
	if count == 1 {
		if err := r.rdb.PExpire(ctx, attemptsKey, r.cfg.Window).Err(); err != nil {
			return 0, fmt.Errorf("expire attempts: %w", err)
		}
	}

	// the counter is dropped on lockout, matching MemoryLimiter
	if int(count) >= r.cfg.MaxAttempts {
		pipe := r.rdb.TxPipeline()
		pipe.Set(ctx, lockKeyPrefix+key, "1", r.cfg.Lockout)
		pipe.Del(ctx, attemptsKey)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("lock out: %w", err)
		}
		return 0, nil
	}

	return r.cfg.MaxAttempts - int(count), nil
}

func (r *RedisLimiter) Reset(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, attemptKeyPrefix+key, lockKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("reset attempts: %w", err)
	}
	return nil
}
