package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	taxonomy "github.com/swarmguard/deepresearch/pkg/errors"
)

// BreakerState is one of the three states a CircuitBreaker can be in.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// CircuitBreakerConfig controls the trip/recovery behavior of a breaker.
// Unlike a rate-based breaker, trips are driven purely by a run of
// consecutive failures — a single success anywhere in CLOSED resets the
// counter, matching spec.md §4.1.
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive failures before tripping OPEN
	RecoveryTimeout  time.Duration // cool-down before a HALF_OPEN probe is admitted
	HalfOpenMaxCalls int           // concurrent probes allowed while HALF_OPEN
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// CircuitBreaker is a named, consecutive-failure-count breaker: it opens
// after FailureThreshold consecutive failures, refuses calls for
// RecoveryTimeout, then admits up to HalfOpenMaxCalls concurrent probes; a
// single probe failure reopens it, and a probe success closes it.
type CircuitBreaker struct {
	name string
	cfg  CircuitBreakerConfig

	mu                sync.Mutex
	state             BreakerState
	consecutiveFails  int
	openedAt          time.Time
	halfOpenInFlight  int
}

func newCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	return &CircuitBreaker{name: name, cfg: cfg, state: StateClosed}
}

// Name returns the breaker's registry key.
func (c *CircuitBreaker) Name() string { return c.name }

// State returns the breaker's current state.
func (c *CircuitBreaker) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allow reports whether a call may proceed, transitioning OPEN -> HALF_OPEN
// once the recovery timeout has elapsed. It returns a *taxonomy.CircuitOpenError
// when the call is refused.
func (c *CircuitBreaker) Allow() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateOpen:
		remaining := c.cfg.RecoveryTimeout - time.Since(c.openedAt)
		if remaining > 0 {
			return false, taxonomy.NewCircuitOpen(c.name, remaining)
		}
		c.state = StateHalfOpen
		c.halfOpenInFlight = 0
	case StateHalfOpen:
		if c.halfOpenInFlight >= c.cfg.HalfOpenMaxCalls {
			return false, taxonomy.NewCircuitOpen(c.name, 0)
		}
	}
	if c.state == StateHalfOpen {
		c.halfOpenInFlight++
	}
	return true, nil
}

// RecordResult reports the outcome of a call previously admitted by Allow.
func (c *CircuitBreaker) RecordResult(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateHalfOpen:
		c.halfOpenInFlight--
		if c.halfOpenInFlight < 0 {
			c.halfOpenInFlight = 0
		}
		if success {
			c.closeLocked()
		} else {
			c.openLocked()
		}
	case StateClosed:
		if success {
			c.consecutiveFails = 0
			return
		}
		c.consecutiveFails++
		if c.consecutiveFails >= c.cfg.FailureThreshold {
			c.openLocked()
		}
	case StateOpen:
		// A result arriving after the breaker already reopened is ignored.
	}
}

func (c *CircuitBreaker) openLocked() {
	meter := otel.GetMeterProvider().Meter("deepresearch")
	c.state = StateOpen
	c.openedAt = time.Now()
	c.consecutiveFails = 0
	c.halfOpenInFlight = 0
	counter, _ := meter.Int64Counter("deepresearch_resilience_circuit_open_total")
	counter.Add(context.Background(), 1)
}

func (c *CircuitBreaker) closeLocked() {
	meter := otel.GetMeterProvider().Meter("deepresearch")
	c.state = StateClosed
	c.consecutiveFails = 0
	c.openedAt = time.Time{}
	counter, _ := meter.Int64Counter("deepresearch_resilience_circuit_closed_total")
	counter.Add(context.Background(), 1)
}

// Call wraps fn with the breaker's Allow/RecordResult protocol.
func (c *CircuitBreaker) Call(fn func() error) error {
	ok, err := c.Allow()
	if !ok {
		return err
	}
	callErr := fn()
	c.RecordResult(callErr == nil)
	return callErr
}

// Registry is a process-wide, name-keyed set of circuit breakers, lazily
// created on first lookup so every caller asking for the same backend name
// shares one breaker (spec.md §9 "global breaker registry").
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	defaults CircuitBreakerConfig
}

// NewRegistry creates a breaker registry using cfg for any breaker created
// without an explicit override.
func NewRegistry(cfg CircuitBreakerConfig) *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker), defaults: cfg}
}

// Get returns the named breaker, creating it with the registry's default
// config on first use.
func (r *Registry) Get(name string) *CircuitBreaker {
	return r.GetOrCreate(name, r.defaults)
}

// GetOrCreate returns the named breaker, creating it with cfg if absent.
// cfg is ignored if the breaker already exists.
func (r *Registry) GetOrCreate(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := newCircuitBreaker(name, cfg)
	r.breakers[name] = b
	return b
}

// Snapshot returns the current state of every registered breaker, keyed by
// name, for the error-stats / diagnostics surface.
func (r *Registry) Snapshot() map[string]BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]BreakerState, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}

// globalRegistry is the process-wide registry shared by every component
// that doesn't hold its own (search backends, LLM clients, task executors).
var globalRegistry = NewRegistry(DefaultCircuitBreakerConfig())

// Global returns the process-wide circuit breaker registry.
func Global() *Registry { return globalRegistry }
