package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/deepresearch/internal/config"
	taxonomy "github.com/swarmguard/deepresearch/pkg/errors"
	"github.com/swarmguard/deepresearch/pkg/eventbus"
	"github.com/swarmguard/deepresearch/pkg/research/model"
	"github.com/swarmguard/deepresearch/pkg/scheduler"
)

func okRunner(topic string) Runner {
	return func(ctx context.Context, f *Flow, progress func(float64)) (*model.ReportState, error) {
		progress(0.5)
		st := model.New(topic)
		st.UpsertSection(&model.Section{Title: "Summary", Content: "done"})
		return st, nil
	}
}

func failRunner(errMsg string) Runner {
	return func(ctx context.Context, f *Flow, progress func(float64)) (*model.ReportState, error) {
		return nil, taxonomy.New(taxonomy.KindTask, errMsg)
	}
}

func blockingRunner(release <-chan struct{}) Runner {
	return func(ctx context.Context, f *Flow, progress func(float64)) (*model.ReportState, error) {
		select {
		case <-release:
			return model.New(f.Topic), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func newTestManager(run Runner, maxConcurrent int) *Manager {
	s := scheduler.New(4, eventbus.New())
	return New(s, eventbus.New(), run, maxConcurrent)
}

func TestCreateFlowStartsPending(t *testing.T) {
	m := newTestManager(okRunner("x"), 2)
	snap := m.CreateFlow("topic", config.Default(), nil, nil)
	assert.Equal(t, StatusPending, snap.Status)
	assert.Equal(t, "topic", snap.Topic)
}

func TestStartFlowRunsToCompletion(t *testing.T) {
	m := newTestManager(okRunner("topic"), 2)
	snap := m.CreateFlow("topic", config.Default(), nil, nil)
	require.NoError(t, m.StartFlow(context.Background(), snap.ID))

	deadline := time.Now().Add(time.Second)
	var got Snapshot
	for time.Now().Before(deadline) {
		got, _ = m.GetFlow(snap.ID, true)
		if got.Status == StatusCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 1.0, got.Progress)
	require.NotNil(t, got.Result)
}

func TestStartFlowFailurePropagates(t *testing.T) {
	m := newTestManager(failRunner("boom"), 2)
	snap := m.CreateFlow("topic", config.Default(), nil, nil)
	require.NoError(t, m.StartFlow(context.Background(), snap.ID))

	deadline := time.Now().Add(time.Second)
	var got Snapshot
	for time.Now().Before(deadline) {
		got, _ = m.GetFlow(snap.ID, true)
		if got.Status == StatusFailed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, StatusFailed, got.Status)
	assert.ErrorContains(t, got.Err, "boom")
}

func TestStartFlowRejectsOverConcurrencyCap(t *testing.T) {
	release := make(chan struct{})
	m := newTestManager(blockingRunner(release), 1)
	defer close(release)

	a := m.CreateFlow("a", config.Default(), nil, nil)
	b := m.CreateFlow("b", config.Default(), nil, nil)

	require.NoError(t, m.StartFlow(context.Background(), a.ID))
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, _ := m.GetFlow(a.ID, false)
		if got.Status == StatusRunning {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	err := m.StartFlow(context.Background(), b.ID)
	require.Error(t, err)
	var te *taxonomy.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, taxonomy.KindResource, te.Kind)
}

func TestCancelFlowTransitionsCancelledAndFreesSlot(t *testing.T) {
	release := make(chan struct{})
	m := newTestManager(blockingRunner(release), 1)

	a := m.CreateFlow("a", config.Default(), nil, nil)
	require.NoError(t, m.StartFlow(context.Background(), a.ID))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, _ := m.GetFlow(a.ID, false)
		if got.Status == StatusRunning {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	assert.True(t, m.CancelFlow(a.ID))
	got, _ := m.GetFlow(a.ID, false)
	assert.Equal(t, StatusCancelled, got.Status)

	// Admission release happens in taskFunc's deferred call once a's
	// runner observes ctx cancellation and returns, not synchronously
	// inside CancelFlow — so the freed slot must be polled for, not
	// assumed immediately available.
	b := m.CreateFlow("b", config.Default(), nil, nil)
	require.Eventually(t, func() bool {
		return m.StartFlow(context.Background(), b.ID) == nil
	}, time.Second, 5*time.Millisecond)
	close(release)
}

// TestCancelDuringRunDoesNotDoubleReleaseAdmission guards against the cap
// being silently defeated: cancelling a RUNNING flow must free exactly one
// admission slot, not two (CancelFlow releasing once for the cancel and
// taskFunc's deferred release firing a second time for the same flow).
// If it ever releases twice, a third flow could be admitted alongside a
// second one even though maxConcurrentFlows is 1.
func TestCancelDuringRunDoesNotDoubleReleaseAdmission(t *testing.T) {
	releaseA := make(chan struct{})
	m := newTestManager(blockingRunner(releaseA), 1)
	defer close(releaseA)

	a := m.CreateFlow("a", config.Default(), nil, nil)
	require.NoError(t, m.StartFlow(context.Background(), a.ID))
	require.Eventually(t, func() bool {
		got, _ := m.GetFlow(a.ID, false)
		return got.Status == StatusRunning
	}, time.Second, 5*time.Millisecond)

	assert.True(t, m.CancelFlow(a.ID))

	b := m.CreateFlow("b", config.Default(), nil, nil)
	require.Eventually(t, func() bool {
		return m.StartFlow(context.Background(), b.ID) == nil
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		got, _ := m.GetFlow(b.ID, false)
		return got.Status == StatusRunning
	}, time.Second, 5*time.Millisecond)

	// A single admission slot was freed by a's cancellation, not two: c
	// must be rejected while b still occupies it.
	c := m.CreateFlow("c", config.Default(), nil, nil)
	err := m.StartFlow(context.Background(), c.ID)
	require.Error(t, err)
	var te *taxonomy.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, taxonomy.KindResource, te.Kind)
}

func TestListFlowsFiltersByStatus(t *testing.T) {
	m := newTestManager(okRunner("x"), 2)
	m.CreateFlow("a", config.Default(), nil, nil)
	m.CreateFlow("b", config.Default(), nil, nil)

	pending := StatusPending
	all := m.ListFlows(nil)
	onlyPending := m.ListFlows(&pending)
	assert.Len(t, all, 2)
	assert.Len(t, onlyPending, 2)
}

func TestCleanupRemovesOldTerminalFlowsOnly(t *testing.T) {
	m := newTestManager(okRunner("topic"), 2)
	snap := m.CreateFlow("topic", config.Default(), nil, nil)
	require.NoError(t, m.StartFlow(context.Background(), snap.ID))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, _ := m.GetFlow(snap.ID, false)
		if got.Status == StatusCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Not yet old enough: nothing removed.
	assert.Equal(t, 0, m.Cleanup(time.Hour))

	m.mu.Lock()
	m.flows[snap.ID].CompletedAt = timePtr(time.Now().Add(-2 * time.Hour))
	m.mu.Unlock()

	assert.Equal(t, 1, m.Cleanup(time.Hour))
	_, ok := m.GetFlow(snap.ID, false)
	assert.False(t, ok)
}

func timePtr(t time.Time) *time.Time { return &t }
