package llm

import (
	"context"
	"sync"

	"github.com/swarmguard/deepresearch/pkg/core/resilience"
	taxonomy "github.com/swarmguard/deepresearch/pkg/errors"
)

// Registry holds every configured Model, keyed by its "provider:model-name"
// identifier, and wraps each Complete call in Retry + an independent
// CircuitBreaker per spec.md §4.4.
type Registry struct {
	mu     sync.RWMutex
	models map[string]Model
	retry  resilience.RetryConfig
}

// NewRegistry builds an empty model registry using retry for every call.
func NewRegistry(retry resilience.RetryConfig) *Registry {
	return &Registry{models: make(map[string]Model), retry: retry}
}

// Register associates identifier ("provider:model-name") with model.
func (r *Registry) Register(identifier string, model Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[identifier] = model
}

// Complete resolves identifier to its Model and runs Complete through
// Retry + CircuitBreaker, keyed by the same identifier so every stage
// calling the same model shares one breaker.
func (r *Registry) Complete(ctx context.Context, identifier, prompt string) (string, error) {
	r.mu.RLock()
	model, ok := r.models[identifier]
	r.mu.RUnlock()
	if !ok {
		return "", taxonomy.New(taxonomy.KindConfiguration, "no model registered for "+identifier)
	}

	breaker := resilience.Global().Get("llm:" + identifier)
	allowed, err := breaker.Allow()
	if !allowed {
		return "", err
	}

	out, callErr := resilience.Retry(ctx, r.retry, nil, func() (string, error) {
		return model.Complete(ctx, prompt)
	})
	breaker.RecordResult(callErr == nil)
	return out, callErr
}
