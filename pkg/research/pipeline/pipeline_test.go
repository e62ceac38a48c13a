package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/deepresearch/internal/config"
	"github.com/swarmguard/deepresearch/pkg/core/resilience"
	"github.com/swarmguard/deepresearch/pkg/research/llm"
	"github.com/swarmguard/deepresearch/pkg/research/model"
	"github.com/swarmguard/deepresearch/pkg/research/search"
	"github.com/swarmguard/deepresearch/pkg/research/stages"
)

type stubBackend struct{ hits []model.SearchHit }

func (s *stubBackend) Name() string          { return "stub" }
func (s *stubBackend) RequestsPerMinute() int { return 600 }
func (s *stubBackend) Search(ctx context.Context, query string, params map[string]any) ([]model.SearchHit, error) {
	return s.hits, nil
}

type stubModel struct{ response string }

func (m *stubModel) Complete(ctx context.Context, prompt string) (string, error) {
	return m.response, nil
}

func testDeps(llmResponse string) stages.Deps {
	sr := search.NewRegistry(0)
	sr.Register(&stubBackend{hits: []model.SearchHit{{Title: "hit", URL: "http://x", Content: "c"}}})

	lr := llm.NewRegistry(resilience.DefaultRetryConfig())
	lr.Register("vendor-default", &stubModel{response: llmResponse})

	return stages.Deps{Search: sr, LLM: lr}
}

func TestLinearGraphRunsStartToEnd(t *testing.T) {
	graph := BuildLinear()
	cfg := config.Default()
	deps := testDeps("# Introduction\nintro\n# Conclusion\nwrap up")
	state := model.New("quantum computing")

	var progressValues []float64
	out, err := New(graph).Run(context.Background(), state, cfg, deps, func(f float64) {
		progressValues = append(progressValues, f)
	})

	require.NoError(t, err)
	assert.True(t, out.HasSection("Introduction"))
	assert.True(t, out.HasSection("Conclusion"))
	assert.NotEmpty(t, progressValues)
	assert.Equal(t, 1.0, progressValues[len(progressValues)-1])
}

func TestIterativeGraphLoopsUntilMaxDepthThenFinalizes(t *testing.T) {
	graph := BuildIterativeGraph()
	cfg := config.Default()
	cfg.MaxSearchDepth = 2
	deps := testDeps("# Introduction\nintro\n# Conclusion\nwrap up")
	state := model.New("topic")

	out, err := New(graph).Run(context.Background(), state, cfg, deps, nil)

	require.NoError(t, err)
	assert.Equal(t, cfg.MaxSearchDepth, out.Iteration())
	assert.False(t, out.HasSection("Reflection"))
	assert.False(t, out.HasSection("Knowledge Synthesis"))
}

func TestMultiAgentGraphFansOutAndIntegrates(t *testing.T) {
	graph := BuildMultiAgent()
	cfg := config.Default()
	cfg.MaxConcurrentResearchers = 2
	deps := testDeps("sub-question one\nsub-question two\nIntro text\n\nConclusion text")
	state := model.New("topic")

	out, err := New(graph).Run(context.Background(), state, cfg, deps, nil)

	require.NoError(t, err)
	assert.Equal(t, "Introduction", out.Sections[0].Title)
	assert.Equal(t, "Conclusion", out.Sections[len(out.Sections)-1].Title)
	assert.True(t, out.HasSection("sub-question one"))
	assert.True(t, out.HasSection("sub-question two"))
}

func TestMultiAgentGraphMergesFanOutInProducerOrder(t *testing.T) {
	cfg := config.Default()
	cfg.EnableParallelExecution = true
	cfg.MaxConcurrentResearchers = 3
	deps := testDeps("alpha\nbeta\ngamma\nIntro\n\nConclusion")
	state := model.New("topic")
	require.NoError(t, stages.SupervisorPlan(context.Background(), state, cfg, deps))

	// Reset sections so only fan-out output is observed, keeping the
	// sub_questions metadata SupervisorPlan recorded.
	state.Sections = nil

	err := New(&Graph{Start: "researcher_investigate", Nodes: map[string]*Node{
		"researcher_investigate": {
			Name: "researcher_investigate", Kind: KindFanOut,
			FanOut: &FanOut{Items: subQuestions, Stage: stages.ResearcherInvestigate},
			Next:   End,
		},
	}}).Run(context.Background(), state, cfg, deps, nil)
	require.NoError(t, err)

	require.Len(t, state.Sections, 3)
	assert.Equal(t, "alpha", state.Sections[0].Title)
	assert.Equal(t, "beta", state.Sections[1].Title)
	assert.Equal(t, "gamma", state.Sections[2].Title)
}

func TestForModeSelectsMatchingTopology(t *testing.T) {
	assert.Equal(t, "plan_report", ForMode(config.ModeLinear).Start)
	assert.Equal(t, "plan_report", ForMode(config.ModeIterativeGraph).Start)
	assert.Equal(t, "supervisor_plan", ForMode(config.ModeMultiAgent).Start)
	assert.Equal(t, "plan_report", ForMode(config.ResearchMode("unknown")).Start)
}

func TestRunPropagatesStageErrorWithNodeName(t *testing.T) {
	failing := func(ctx context.Context, state *model.ReportState, cfg config.Configuration, deps stages.Deps) error {
		return assertErr{}
	}
	graph := &Graph{Start: "boom", Nodes: map[string]*Node{
		"boom": {Name: "boom", Kind: KindStage, Stage: failing, Next: End},
	}}

	_, err := New(graph).Run(context.Background(), model.New("topic"), config.Default(), testDeps(""), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

type assertErr struct{}

func (assertErr) Error() string { return "stage exploded" }
