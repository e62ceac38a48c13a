package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// RateLimiter is a token bucket with a secondary sliding-window cap, used to
// bound outbound calls to a single search/LLM backend. Refill is computed
// lazily on each Allow check from elapsed wall-clock time.
type RateLimiter struct {
	mu           sync.Mutex
	name         string
	capacity     int64
	fillRate     float64
	available    float64
	lastRefill   time.Time
	windowStart  time.Time
	windowDur    time.Duration
	windowCount  int64
	maxPerWindow int64
}

// NewRateLimiter builds a limiter for name with capacity tokens refilling at
// fillRate tokens/sec, plus a hard cap of maxPerWindow requests per windowDur
// (0 disables the window cap).
func NewRateLimiter(name string, capacity int64, fillRate float64, windowDur time.Duration, maxPerWindow int64) *RateLimiter {
	now := time.Now()
	return &RateLimiter{
		name:         name,
		capacity:     capacity,
		fillRate:     fillRate,
		available:    float64(capacity),
		lastRefill:   now,
		windowStart:  now,
		windowDur:    windowDur,
		maxPerWindow: maxPerWindow,
	}
}

// Allow attempts to consume one token.
func (r *RateLimiter) Allow() bool { return r.AllowN(1) }

// AllowN attempts to consume n tokens, counting the refusal on the otel
// meter so dashboards can distinguish token-bucket vs window drops.
func (r *RateLimiter) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	now := time.Now()
	meter := otel.GetMeterProvider().Meter("deepresearch")

	r.mu.Lock()
	defer r.mu.Unlock()

	if elapsed := now.Sub(r.lastRefill).Seconds(); elapsed > 0 {
		if refill := elapsed * r.fillRate; refill > 0 {
			r.available = minFloat(float64(r.capacity), r.available+refill)
			r.lastRefill = now
		}
	}

	if r.windowDur > 0 && now.Sub(r.windowStart) >= r.windowDur {
		r.windowStart = now
		r.windowCount = 0
	}

	if r.maxPerWindow > 0 && r.windowCount+n > r.maxPerWindow {
		counter, _ := meter.Int64Counter("deepresearch_ratelimiter_window_drops_total")
		counter.Add(context.Background(), 1, otelAttrName(r.name))
		return false
	}

	if float64(n) <= r.available {
		r.available -= float64(n)
		r.windowCount += n
		return true
	}
	counter, _ := meter.Int64Counter("deepresearch_ratelimiter_token_drops_total")
	counter.Add(context.Background(), 1, otelAttrName(r.name))
	return false
}

// ReserveAfter returns how long the caller must wait before n tokens are
// available, ignoring the window cap (callers use this for scheduling
// retries, not for hard admission).
func (r *RateLimiter) ReserveAfter(n int64) time.Duration {
	if n <= 0 {
		return 0
	}
	now := time.Now()
	need := float64(n)

	r.mu.Lock()
	defer r.mu.Unlock()

	if elapsed := now.Sub(r.lastRefill).Seconds(); elapsed > 0 {
		if refill := elapsed * r.fillRate; refill > 0 {
			r.available = minFloat(float64(r.capacity), r.available+refill)
			r.lastRefill = now
		}
	}
	if r.available >= need {
		return 0
	}
	shortfall := need - r.available
	if r.fillRate <= 0 {
		return time.Duration(1<<63 - 1)
	}
	return time.Duration(shortfall / r.fillRate * float64(time.Second))
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
