// Package search implements the SearchBackendRegistry (spec.md §4.3): a
// uniform adapter over several search providers, each independently rate
// limited and circuit-broken, with cache-then-primary-then-fallback
// execution.
package search

import (
	"context"

	"github.com/swarmguard/deepresearch/pkg/research/model"
)

// Backend is one search provider adapter.
type Backend interface {
	// Name is the backend's registry key (e.g. "tavily", "arxiv").
	Name() string
	// Search issues one query against the backend and returns normalized hits.
	Search(ctx context.Context, query string, params map[string]any) ([]model.SearchHit, error)
	// RequestsPerMinute advertises the backend's published rate limit, used
	// to size its token bucket at registration time.
	RequestsPerMinute() int
}
