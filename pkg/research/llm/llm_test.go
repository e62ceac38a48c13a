package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/deepresearch/pkg/core/resilience"
	taxonomy "github.com/swarmguard/deepresearch/pkg/errors"
)

type stubModel struct {
	failCount int
	calls     int
	response  string
}

func (s *stubModel) Complete(ctx context.Context, prompt string) (string, error) {
	s.calls++
	if s.calls <= s.failCount {
		return "", taxonomy.New(taxonomy.KindServiceUnavailable, "down", taxonomy.WithSeverity(taxonomy.SeverityWarning))
	}
	return s.response, nil
}

func fastRegistry() *Registry {
	cfg := resilience.DefaultRetryConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	return NewRegistry(cfg)
}

func TestCompleteReturnsModelOutput(t *testing.T) {
	r := fastRegistry()
	r.Register("stub:test-1", &stubModel{response: "hello"})

	out, err := r.Complete(context.Background(), "stub:test-1", "prompt")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestCompleteRetriesTransientFailures(t *testing.T) {
	r := fastRegistry()
	m := &stubModel{failCount: 2, response: "eventually"}
	r.Register("stub:test-2", m)

	out, err := r.Complete(context.Background(), "stub:test-2", "prompt")
	require.NoError(t, err)
	assert.Equal(t, "eventually", out)
	assert.Equal(t, 3, m.calls)
}

func TestCompleteUnknownIdentifierErrors(t *testing.T) {
	r := fastRegistry()
	_, err := r.Complete(context.Background(), "missing:model", "prompt")
	require.Error(t, err)
	var te *taxonomy.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, taxonomy.KindConfiguration, te.Kind)
}
