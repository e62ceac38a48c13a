package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	taxonomy "github.com/swarmguard/deepresearch/pkg/errors"
	"github.com/swarmguard/deepresearch/pkg/research/model"
)

// stubBackend is a controllable test double: it fails the first failCount
// calls then succeeds, recording every call it sees.
type stubBackend struct {
	name      string
	failCount int
	calls     int
	rpm       int
	result    []model.SearchHit
}

func (s *stubBackend) Name() string          { return s.name }
func (s *stubBackend) RequestsPerMinute() int {
	if s.rpm == 0 {
		return 600
	}
	return s.rpm
}

func (s *stubBackend) Search(ctx context.Context, query string, params map[string]any) ([]model.SearchHit, error) {
	s.calls++
	if s.calls <= s.failCount {
		return nil, taxonomy.New(taxonomy.KindServiceUnavailable, "temporarily down",
			taxonomy.WithSeverity(taxonomy.SeverityWarning))
	}
	return s.result, nil
}

func fastRetryRegistry(cacheTTL time.Duration) *Registry {
	r := NewRegistry(cacheTTL)
	r.retry.BaseDelay = time.Millisecond
	r.retry.MaxDelay = 5 * time.Millisecond
	return r
}

func TestExecuteReturnsPrimaryResultOnSuccess(t *testing.T) {
	r := fastRetryRegistry(0)
	primary := &stubBackend{name: "tavily", result: []model.SearchHit{{Title: "a"}}}
	r.Register(primary)

	hits := r.Execute(context.Background(), "q", "tavily", nil, nil)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].Title)
}

func TestExecuteRetriesBeforeSucceeding(t *testing.T) {
	r := fastRetryRegistry(0)
	primary := &stubBackend{name: "tavily", failCount: 2, result: []model.SearchHit{{Title: "ok"}}}
	r.Register(primary)

	hits := r.Execute(context.Background(), "q", "tavily", nil, nil)
	require.Len(t, hits, 1)
	assert.Equal(t, 3, primary.calls)
}

func TestExecuteFallsBackOnPrimaryExhaustion(t *testing.T) {
	r := fastRetryRegistry(0)
	r.retry.MaxAttempts = 1
	primary := &stubBackend{name: "tavily", failCount: 100}
	fallback := &stubBackend{name: "perplexity", result: []model.SearchHit{{Title: "fallback-hit"}}}
	r.Register(primary)
	r.Register(fallback)

	hits := r.Execute(context.Background(), "q", "tavily", []string{"perplexity"}, nil)
	require.Len(t, hits, 1)
	assert.Equal(t, "fallback-hit", hits[0].Title)
}

func TestExecuteReturnsEmptyWhenEveryBackendFails(t *testing.T) {
	r := fastRetryRegistry(0)
	r.retry.MaxAttempts = 1
	primary := &stubBackend{name: "tavily", failCount: 100}
	r.Register(primary)

	hits := r.Execute(context.Background(), "q", "tavily", nil, nil)
	assert.Empty(t, hits)
}

func TestExecuteCachesSuccessfulResult(t *testing.T) {
	r := fastRetryRegistry(time.Minute)
	primary := &stubBackend{name: "tavily", result: []model.SearchHit{{Title: "cached"}}}
	r.Register(primary)

	r.Execute(context.Background(), "q", "tavily", nil, nil)
	r.Execute(context.Background(), "q", "tavily", nil, nil)
	assert.Equal(t, 1, primary.calls, "second call should be served from cache")
}

func TestCacheKeyDistinguishesParams(t *testing.T) {
	k1 := cacheKey("q", "tavily", map[string]any{"depth": 1})
	k2 := cacheKey("q", "tavily", map[string]any{"depth": 2})
	assert.NotEqual(t, k1, k2)
}
