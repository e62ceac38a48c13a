package flow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/deepresearch/internal/config"
	taxonomy "github.com/swarmguard/deepresearch/pkg/errors"
	"github.com/swarmguard/deepresearch/pkg/eventbus"
	"github.com/swarmguard/deepresearch/pkg/research/model"
	"github.com/swarmguard/deepresearch/pkg/scheduler"
)

// Event types published on the manager's bus.
const (
	EventFlowCreated   eventbus.Type = "FLOW_CREATED"
	EventFlowStarted   eventbus.Type = "FLOW_STARTED"
	EventFlowProgress  eventbus.Type = "FLOW_PROGRESS"
	EventFlowCompleted eventbus.Type = "FLOW_COMPLETED"
	EventFlowFailed    eventbus.Type = "FLOW_FAILED"
	EventFlowCancelled eventbus.Type = "FLOW_CANCELLED"
)

// Runner executes one flow's research pipeline to completion and is the
// manager's entry point into the PipelineEngine; progress lets the runner push monotonic
// [0,1] updates back to the manager as stages complete.
type Runner func(ctx context.Context, f *Flow, progress func(float64)) (*model.ReportState, error)

// Manager is the FlowManager (spec.md §4.6): it owns the flow registry,
// admits new flows against a concurrency cap, and drives each flow's
// execution as one task on the shared Scheduler.
type Manager struct {
	mu      sync.Mutex
	flows   map[string]*Flow
	order   []string // creation order, for listFlows stability

	scheduler *scheduler.Scheduler
	bus       *eventbus.Bus
	run       Runner

	maxConcurrent int32
	active        int32
	idSeq         int64

	startedCounter   metric.Int64Counter
	completedCounter metric.Int64Counter
	failedCounter    metric.Int64Counter
}

// New builds a Manager bounding concurrently RUNNING flows to
// maxConcurrentFlows (spec.md §4.9 MAX_CONCURRENT_FLOWS). run supplies the
// actual research pipeline; it is injected so this package never imports
// pkg/research/pipeline directly.
func New(sched *scheduler.Scheduler, bus *eventbus.Bus, run Runner, maxConcurrentFlows int) *Manager {
	if maxConcurrentFlows <= 0 {
		maxConcurrentFlows = 1
	}
	meter := otel.Meter("deepresearch")
	started, _ := meter.Int64Counter("deepresearch_flow_started_total")
	completed, _ := meter.Int64Counter("deepresearch_flow_completed_total")
	failed, _ := meter.Int64Counter("deepresearch_flow_failed_total")

	return &Manager{
		flows:            make(map[string]*Flow),
		scheduler:        sched,
		bus:              bus,
		run:              run,
		maxConcurrent:    int32(maxConcurrentFlows),
		startedCounter:   started,
		completedCounter: completed,
		failedCounter:    failed,
	}
}

func (m *Manager) nextID() string {
	m.idSeq++
	return fmt.Sprintf("flow-%d", m.idSeq)
}

// CreateFlow registers a PENDING flow for topic and returns its snapshot.
// It does not start execution — call StartFlow or StartAllPending for that.
func (m *Manager) CreateFlow(topic string, cfg config.Configuration, metadata map[string]any, previous *model.ReportState) Snapshot {
	m.mu.Lock()
	id := m.nextID()
	f := &Flow{
		ID: id, Topic: topic, Config: cfg, Metadata: metadata,
		PreviousResult: previous, State: model.New(topic),
		Status: StatusPending, Priority: scheduler.PriorityNormal,
		CreatedAt: time.Now(),
	}
	m.flows[id] = f
	m.order = append(m.order, id)
	m.mu.Unlock()

	m.publish(EventFlowCreated, f)
	return f.snapshot(false)
}

// GetFlow returns a snapshot of the flow, if present. includeResult controls
// whether a COMPLETED flow's report is attached.
func (m *Manager) GetFlow(id string, includeResult bool) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[id]
	if !ok {
		return Snapshot{}, false
	}
	return f.snapshot(includeResult), true
}

// ListFlows returns snapshots of every known flow in creation order,
// optionally filtered by status.
func (m *Manager) ListFlows(status *Status) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.order))
	for _, id := range m.order {
		f := m.flows[id]
		if status != nil && f.Status != *status {
			continue
		}
		out = append(out, f.snapshot(false))
	}
	return out
}

// StartFlow admits a single PENDING flow for execution. Returns a
// ResourceExhausted taxonomy error if the concurrency cap is already full.
func (m *Manager) StartFlow(ctx context.Context, id string) error {
	m.mu.Lock()
	f, ok := m.flows[id]
	if !ok {
		m.mu.Unlock()
		return taxonomy.New(taxonomy.KindNotFound, "no such flow: "+id)
	}
	if f.Status != StatusPending {
		m.mu.Unlock()
		return taxonomy.New(taxonomy.KindState, "flow not pending: "+string(f.Status))
	}
	m.mu.Unlock()

	if !m.tryAdmit() {
		return taxonomy.NewResourceExhausted("max concurrent flows reached", map[string]any{
			"flow_id": id, "max_concurrent_flows": m.maxConcurrent,
		})
	}

	m.mu.Lock()
	flowCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	started := time.Now()
	f.StartedAt = &started
	f.Status = StatusRunning
	taskID := m.scheduler.Register(
		"flow:"+id, m.taskFunc(f), nil, nil, f.Priority, nil, 0,
		[]string{"flow"}, map[string]any{"flow_id": id},
	)
	f.TaskID = taskID
	m.mu.Unlock()

	m.startedCounter.Add(context.Background(), 1)
	m.publish(EventFlowStarted, f)
	_, _ = m.scheduler.Execute(flowCtx, taskID, false)
	return nil
}

// StartAllPending admits every PENDING flow it can until the concurrency cap
// is reached; remaining flows stay PENDING for a later call.
func (m *Manager) StartAllPending(ctx context.Context) (started int, skipped int) {
	m.mu.Lock()
	var ids []string
	for _, id := range m.order {
		if m.flows[id].Status == StatusPending {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.StartFlow(ctx, id); err != nil {
			skipped++
			continue
		}
		started++
	}
	return started, skipped
}

// CancelFlow cancels a PENDING or RUNNING flow. Returns false if the flow
// does not exist or is already terminal. Admission release is owned solely
// by taskFunc's deferred release: a RUNNING flow's ctx cancellation makes
// m.run return, and taskFunc releases once there. CancelFlow must not also
// release, or a cancel-during-run double-decrements m.active.
func (m *Manager) CancelFlow(id string) bool {
	m.mu.Lock()
	f, ok := m.flows[id]
	if !ok || f.Status.terminal() {
		m.mu.Unlock()
		return false
	}
	f.Status = StatusCancelled
	completed := time.Now()
	f.CompletedAt = &completed
	f.Err = taxonomy.New(taxonomy.KindConcurrency, "flow cancelled")
	cancel := f.cancel
	taskID := f.TaskID
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if taskID != "" {
		m.scheduler.Cancel(taskID)
	}
	m.publish(EventFlowCancelled, f)
	return true
}

// Cleanup removes terminal flows older than maxAge, returning the count
// removed. Active (PENDING/RUNNING) flows are never removed regardless of
// age.
func (m *Manager) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	kept := m.order[:0:0]
	for _, id := range m.order {
		f := m.flows[id]
		if f.Status.terminal() && f.CompletedAt != nil && f.CompletedAt.Before(cutoff) {
			delete(m.flows, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return removed
}

func (m *Manager) tryAdmit() bool {
	for {
		cur := atomic.LoadInt32(&m.active)
		if cur >= m.maxConcurrent {
			return false
		}
		if atomic.CompareAndSwapInt32(&m.active, cur, cur+1) {
			return true
		}
	}
}

func (m *Manager) release() {
	atomic.AddInt32(&m.active, -1)
}

// taskFunc adapts a Flow's execution into a scheduler.Func, translating the
// pipeline's result/error into the flow's terminal state. Progress updates
// are monotonic: a regression is silently ignored.
func (m *Manager) taskFunc(f *Flow) scheduler.Func {
	return func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
		defer m.release()

		progress := func(p float64) {
			m.mu.Lock()
			if p > f.Progress && p <= 1.0 {
				f.Progress = p
			}
			m.mu.Unlock()
			m.publish(EventFlowProgress, f)
		}

		result, err := m.run(ctx, f, progress)

		m.mu.Lock()
		completed := time.Now()
		f.CompletedAt = &completed
		switch {
		case f.Status == StatusCancelled:
			m.mu.Unlock()
			return nil, err
		case err != nil:
			f.Status = StatusFailed
			f.Err = err
			m.mu.Unlock()
			m.failedCounter.Add(context.Background(), 1)
			m.publish(EventFlowFailed, f)
			return nil, err
		default:
			f.State = result
			f.Status = StatusCompleted
			f.Progress = 1.0
			m.mu.Unlock()
			m.completedCounter.Add(context.Background(), 1)
			m.publish(EventFlowCompleted, f)
			return result, nil
		}
	}
}

func (m *Manager) publish(t eventbus.Type, f *Flow) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: t, Payload: map[string]any{
		"flow_id": f.ID, "topic": f.Topic, "status": string(f.Status), "progress": f.Progress,
	}})
}
