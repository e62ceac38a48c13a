// Package resilience implements the orchestrator's resilience primitives:
// retry with backoff, circuit breakers, rate limiters, a result cache, and
// composable strategy chains. Retry records every attempt and its final
// outcome on the process-wide otel meter; Cache, Fallback/FallbackChain and
// CompositeStrategy record no metrics of their own.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"

	taxonomy "github.com/swarmguard/deepresearch/pkg/errors"
)

// JitterMode selects how backoff delay is randomized between attempts.
type JitterMode int

const (
	JitterNone JitterMode = iota
	JitterUniform
)

// RetryConfig controls Retry's backoff schedule.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      JitterMode
}

// DefaultRetryConfig matches spec's defaults: 3 attempts, 1s base, 60s cap,
// multiplier 2, uniform jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2,
		Jitter:      JitterUniform,
	}
}

// RetryableFunc decides whether err warrants another attempt. A nil func
// defaults to taxonomy.IsTransient applied to any *taxonomy.Error, and
// retries all other error types (unclassified errors are presumed
// transient).
type RetryableFunc func(error) bool

func defaultRetryable(err error) bool {
	if terr, ok := err.(*taxonomy.Error); ok {
		return terr.IsTransient()
	}
	return true
}

// delayFor computes the backoff sleep before attempt (1-indexed attempt
// number that just failed), per spec.md §4.1:
//
//	sleep = min(max_delay, base_delay * multiplier^(attempt-1)) * jitter_factor
//
// jitter_factor is 1 for JitterNone, uniform in [0.5, 1.0] for JitterUniform.
func delayFor(cfg RetryConfig, attempt int) time.Duration {
	raw := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	capped := math.Min(raw, float64(cfg.MaxDelay))
	factor := 1.0
	if cfg.Jitter == JitterUniform {
		factor = 0.5 + rand.Float64()*0.5
	}
	return time.Duration(capped * factor)
}

// Retry runs fn up to cfg.MaxAttempts times, sleeping between attempts per
// delayFor, stopping early once retryable returns false for the latest
// error. retryable may be nil to use defaultRetryable.
func Retry[T any](ctx context.Context, cfg RetryConfig, retryable RetryableFunc, fn func() (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if retryable == nil {
		retryable = defaultRetryable
	}

	meter := otel.Meter("deepresearch")
	attemptCounter, _ := meter.Int64Counter("deepresearch_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("deepresearch_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("deepresearch_resilience_retry_fail_total")

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if attempt == cfg.MaxAttempts || !retryable(err) {
			break
		}
		sleep := delayFor(cfg, attempt)
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
