package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	taxonomy "github.com/swarmguard/deepresearch/pkg/errors"
)

func TestRateLimiterBasic(t *testing.T) {
	rl := NewRateLimiter("t1", 5, 5, time.Second, 10)
	for i := 0; i < 5; i++ {
		require.True(t, rl.Allow(), "attempt %d", i)
	}
	assert.False(t, rl.Allow())
	time.Sleep(1100 * time.Millisecond)
	assert.True(t, rl.Allow())
}

func TestRateLimiterWindowCap(t *testing.T) {
	rl := NewRateLimiter("t2", 100, 100, time.Second, 2)
	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow(), "window cap should bite before token bucket empties")
}

func TestCircuitBreakerConsecutiveFailures(t *testing.T) {
	cb := newCircuitBreaker("svc", CircuitBreakerConfig{FailureThreshold: 3, RecoveryTimeout: 200 * time.Millisecond, HalfOpenMaxCalls: 1})
	for i := 0; i < 2; i++ {
		ok, err := cb.Allow()
		require.True(t, ok)
		require.NoError(t, err)
		cb.RecordResult(false)
	}
	assert.Equal(t, StateClosed, cb.State(), "should stay closed below threshold")

	ok, _ := cb.Allow()
	require.True(t, ok)
	cb.RecordResult(false)
	assert.Equal(t, StateOpen, cb.State())

	ok, err := cb.Allow()
	assert.False(t, ok)
	var circErr *taxonomy.CircuitOpenError
	assert.True(t, errors.As(err, &circErr))

	time.Sleep(250 * time.Millisecond)
	ok, err = cb.Allow()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, cb.State())
	cb.RecordResult(true)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	cb := newCircuitBreaker("svc2", CircuitBreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 1})
	cb.Allow()
	cb.RecordResult(false)
	cb.Allow()
	cb.RecordResult(true)
	cb.Allow()
	cb.RecordResult(false)
	assert.Equal(t, StateClosed, cb.State(), "an intervening success should reset the consecutive-failure count")
}

func TestRegistrySharesBreakerByName(t *testing.T) {
	reg := NewRegistry(DefaultCircuitBreakerConfig())
	a := reg.Get("tavily")
	b := reg.Get("tavily")
	assert.Same(t, a, b)
	c := reg.Get("perplexity")
	assert.NotSame(t, a, c)
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2, Jitter: JitterNone}
	v, err := Retry(context.Background(), cfg, nil, func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, taxonomy.New(taxonomy.KindTimeout, "slow")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	cfg := DefaultRetryConfig()
	cfg.BaseDelay = time.Millisecond
	_, err := Retry(context.Background(), cfg, nil, func() (int, error) {
		attempts++
		return 0, taxonomy.New(taxonomy.KindValidation, "bad input")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts, "non-transient errors should not be retried")
}

func TestCacheGetOrLoad(t *testing.T) {
	c := NewCache[string](2, time.Minute)
	defer c.Close()
	loads := 0
	load := func() (string, error) {
		loads++
		return "value", nil
	}
	v, err := c.GetOrLoad("k", load)
	require.NoError(t, err)
	assert.Equal(t, "value", v)
	v, err = c.GetOrLoad("k", load)
	require.NoError(t, err)
	assert.Equal(t, "value", v)
	assert.Equal(t, 1, loads, "second call should hit the cache")
}

func TestCacheEvictsLRUAtCapacity(t *testing.T) {
	c := NewCache[int](2, time.Minute)
	defer c.Close()
	c.Put("a", 1)
	c.Put("b", 2)
	c.Get("a")
	c.Put("c", 3)
	_, ok := c.Get("b")
	assert.False(t, ok, "b should have been evicted as least recently used")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestFallbackChain(t *testing.T) {
	v, err := FallbackChain(
		func() (string, error) { return "", errors.New("down") },
		func() (string, error) { return "", errors.New("also down") },
		func() (string, error) { return "backup", nil },
	)
	require.NoError(t, err)
	assert.Equal(t, "backup", v)
}

func TestCompositeStrategyOpensBreakerAfterThreshold(t *testing.T) {
	breaker := newCircuitBreaker("composite-svc", CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 1})
	strategy := CompositeStrategy{Breaker: breaker}
	err := strategy.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	})
	assert.Error(t, err)
	assert.Equal(t, StateOpen, breaker.State())

	err = strategy.Execute(context.Background(), func(ctx context.Context) error { return nil })
	var circErr *taxonomy.CircuitOpenError
	assert.True(t, errors.As(err, &circErr))
}
