package resilience

import (
	"context"
	"time"

	taxonomy "github.com/swarmguard/deepresearch/pkg/errors"
)

// CompositeStrategy chains the resilience primitives around a single call in
// a fixed, documented order (outermost first): RateLimiter, CircuitBreaker,
// Retry, Timeout. Fallback sits outside the composite entirely — callers
// wrap Execute itself in Fallback/FallbackChain, since a fallback target is
// usually a different backend with its own CompositeStrategy.
type CompositeStrategy struct {
	Limiter   *RateLimiter
	Breaker   *CircuitBreaker
	Retry     *RetryConfig
	Retryable RetryableFunc
	Timeout   time.Duration
}

// Execute runs fn through whichever of the strategy's stages are configured
// (nil fields are skipped), in RateLimiter -> CircuitBreaker -> Retry ->
// Timeout order.
func (s CompositeStrategy) Execute(ctx context.Context, fn func(context.Context) error) error {
	if s.Limiter != nil && !s.Limiter.Allow() {
		return taxonomy.New(taxonomy.KindRateLimit, "rate limit exceeded",
			taxonomy.WithSeverity(taxonomy.SeverityWarning),
			taxonomy.WithCategory(taxonomy.CategoryResource))
	}

	run := func(ctx context.Context) error {
		innerCtx := ctx
		var cancel context.CancelFunc
		if s.Timeout > 0 {
			innerCtx, cancel = context.WithTimeout(ctx, s.Timeout)
			defer cancel()
		}
		return fn(innerCtx)
	}

	attempt := func() (struct{}, error) {
		return struct{}{}, run(ctx)
	}

	if s.Breaker != nil {
		ok, err := s.Breaker.Allow()
		if !ok {
			return err
		}
		wrapped := attempt
		attempt = func() (struct{}, error) {
			v, err := wrapped()
			s.Breaker.RecordResult(err == nil)
			return v, err
		}
	}

	if s.Retry != nil {
		_, err := Retry(ctx, *s.Retry, s.Retryable, attempt)
		return err
	}
	_, err := attempt()
	return err
}
