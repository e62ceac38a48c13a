package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/swarmguard/deepresearch/pkg/core/resilience"
	taxonomy "github.com/swarmguard/deepresearch/pkg/errors"
	"github.com/swarmguard/deepresearch/pkg/research/model"
)

// wrapped pairs one backend with its own rate limiter and circuit breaker,
// per spec.md §4.3 ("Per backend: a rate limiter... and an independent
// CircuitBreaker").
type wrapped struct {
	backend Backend
	limiter *resilience.RateLimiter
	breaker *resilience.CircuitBreaker
}

// Registry is the SearchBackendRegistry (C3): a name-keyed set of backends,
// each independently rate limited and circuit-broken, with a shared result
// cache and configurable retry policy.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]*wrapped
	retry    resilience.RetryConfig
	cache    *resilience.Cache[[]model.SearchHit]
	cacheTTL time.Duration
}

// NewRegistry builds an empty registry. cacheTTL of 0 disables caching.
func NewRegistry(cacheTTL time.Duration) *Registry {
	r := &Registry{
		backends: make(map[string]*wrapped),
		retry:    resilience.DefaultRetryConfig(),
		cacheTTL: cacheTTL,
	}
	if cacheTTL > 0 {
		r.cache = resilience.NewCache[[]model.SearchHit](1000, cacheTTL)
	}
	return r
}

// Register adds a backend, sizing its token bucket from the backend's
// advertised requests-per-minute.
func (r *Registry) Register(b Backend) {
	rpm := b.RequestsPerMinute()
	if rpm <= 0 {
		rpm = 30
	}
	limiter := resilience.NewRateLimiter(b.Name(), int64(rpm), float64(rpm)/60.0, time.Minute, int64(rpm))
	breaker := resilience.Global().Get("search:" + b.Name())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = &wrapped{backend: b, limiter: limiter, breaker: breaker}
}

// Names returns every registered backend name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.backends))
	for name := range r.backends {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) get(name string) (*wrapped, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.backends[name]
	return w, ok
}

func cacheKey(query, backend string, params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(backend)
	b.WriteByte('|')
	b.WriteString(query)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%v", k, params[k])
	}
	return b.String()
}

// Execute runs query against primaryBackend, falling back through fallbacks
// in order on exhaustion, per spec.md §4.3's five-step algorithm. It never
// returns an error to the caller for a total failure — on exhaustion across
// every backend it logs and returns an empty slice, since search results
// feeding a pipeline stage are best-effort.
func (r *Registry) Execute(ctx context.Context, query, primaryBackend string, fallbacks []string, params map[string]any) []model.SearchHit {
	chain := append([]string{primaryBackend}, fallbacks...)

	var lastErr error
	for _, name := range chain {
		w, ok := r.get(name)
		if !ok {
			continue
		}

		key := cacheKey(query, name, params)
		if r.cache != nil {
			if hits, found := r.cache.Get(key); found {
				return hits
			}
		}

		hits, err := r.callBackend(ctx, w, query, params)
		if err == nil {
			if r.cache != nil {
				r.cache.Put(key, hits)
			}
			return hits
		}
		lastErr = err
		slog.Warn("search backend failed, trying fallback", "backend", name, "query", query, "error", err)
	}

	slog.Error("search exhausted all backends", "query", query, "primary", primaryBackend, "last_error", lastErr)
	return []model.SearchHit{}
}

func (r *Registry) callBackend(ctx context.Context, w *wrapped, query string, params map[string]any) ([]model.SearchHit, error) {
	if !w.limiter.Allow() {
		return nil, taxonomy.New(taxonomy.KindRateLimit, w.backend.Name()+": local rate limit exceeded",
			taxonomy.WithSeverity(taxonomy.SeverityWarning), taxonomy.WithCategory(taxonomy.CategoryExternalService))
	}

	allowed, breakerErr := w.breaker.Allow()
	if !allowed {
		return nil, breakerErr
	}

	hits, err := resilience.Retry(ctx, r.retry, nil, func() ([]model.SearchHit, error) {
		return w.backend.Search(ctx, query, params)
	})
	w.breaker.RecordResult(err == nil)
	return hits, err
}
