package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	taxonomy "github.com/swarmguard/deepresearch/pkg/errors"
	"github.com/swarmguard/deepresearch/pkg/eventbus"
)

// Event types published on the scheduler's bus (spec.md §4.7).
const (
	EventTaskRegistered eventbus.Type = "TASK_REGISTERED"
	EventTaskReady      eventbus.Type = "TASK_READY"
	EventTaskStarted    eventbus.Type = "TASK_STARTED"
	EventTaskCompleted  eventbus.Type = "TASK_COMPLETED"
	EventTaskFailed     eventbus.Type = "TASK_FAILED"
	EventTaskCancelled  eventbus.Type = "TASK_CANCELLED"
	EventTaskTimeout    eventbus.Type = "TASK_TIMEOUT"
)

// Scheduler is a generic bounded-concurrency work pool. PENDING tasks are
// ordered by (priority desc, created_at asc); at most MaxWorkers run at
// once. Completion of a task re-evaluates every WAITING task that depended
// on it.
type Scheduler struct {
	mu         sync.Mutex
	tasks      map[string]*Task
	dependents map[string][]string // taskID -> tasks that depend on it
	ready      *priorityQueue
	running    int
	maxWorkers int
	wakeCh     chan struct{}
	bus        *eventbus.Bus

	idSeq int64

	completedCounter metric.Int64Counter
	failedCounter    metric.Int64Counter
}

// New builds a Scheduler bounded to maxWorkers concurrent RUNNING tasks,
// publishing lifecycle events on bus.
func New(maxWorkers int, bus *eventbus.Bus) *Scheduler {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	meter := otel.Meter("deepresearch")
	completed, _ := meter.Int64Counter("deepresearch_scheduler_tasks_completed_total")
	failed, _ := meter.Int64Counter("deepresearch_scheduler_tasks_failed_total")

	s := &Scheduler{
		tasks:            make(map[string]*Task),
		dependents:       make(map[string][]string),
		ready:            newPriorityQueue(),
		maxWorkers:       maxWorkers,
		wakeCh:           make(chan struct{}, 1),
		bus:              bus,
		completedCounter: completed,
		failedCounter:    failed,
	}
	go s.dispatchLoop()
	return s
}

func (s *Scheduler) nextID() string {
	s.idSeq++
	return fmt.Sprintf("task-%d", s.idSeq)
}

// Register creates a task in PENDING or, if any dependency isn't yet
// registered-and-completed, WAITING isn't decided at registration time —
// status starts PENDING; dependency gating happens at Execute.
func (s *Scheduler) Register(name string, fn Func, args []any, kwargs map[string]any, priority Priority, dependencies []string, timeout time.Duration, tags []string, metadata map[string]any) string {
	s.mu.Lock()
	id := s.nextID()
	t := &Task{
		ID: id, Name: name, fn: fn, Args: args, Kwargs: kwargs,
		Priority: priority, Dependencies: append([]string(nil), dependencies...),
		Timeout: timeout, Tags: append([]string(nil), tags...), Metadata: metadata,
		Status: StatusPending, CreatedAt: time.Now(),
	}
	s.tasks[id] = t
	for _, dep := range dependencies {
		s.dependents[dep] = append(s.dependents[dep], id)
	}
	s.mu.Unlock()

	s.publish(EventTaskRegistered, id, nil)
	return id
}

// Execute pre-checks dependencies and either marks the task WAITING (if any
// dependency is unfinished) or admits it to the ready queue. If wait is
// true, Execute blocks until the task reaches a terminal status and returns
// its result/error.
func (s *Scheduler) Execute(ctx context.Context, taskID string, wait bool) (any, error) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return nil, taxonomy.New(taxonomy.KindNotFound, "no such task: "+taskID)
	}
	if t.Status.terminal() {
		s.mu.Unlock()
		return nil, taxonomy.New(taxonomy.KindState, "task already terminal: "+string(t.Status))
	}
	t.submitted = true

	unmet := s.unmetDependenciesLocked(t)
	if len(unmet) > 0 {
		t.Status = StatusWaiting
		s.mu.Unlock()
		if wait {
			return s.awaitTerminal(ctx, taskID)
		}
		return nil, nil
	}
	heap.Push(s.ready, t)
	s.mu.Unlock()
	s.wake()

	if wait {
		return s.awaitTerminal(ctx, taskID)
	}
	return nil, nil
}

func (s *Scheduler) unmetDependenciesLocked(t *Task) []string {
	var unmet []string
	for _, dep := range t.Dependencies {
		dt, ok := s.tasks[dep]
		if !ok || dt.Status != StatusCompleted {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

func (s *Scheduler) awaitTerminal(ctx context.Context, taskID string) (any, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		t := s.tasks[taskID]
		if t != nil && t.Status.terminal() {
			result, err := t.Result, t.Err
			s.mu.Unlock()
			return result, err
		}
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel transitions a RUNNING/PENDING/WAITING task to CANCELLED, cancelling
// its underlying context if it is already running.
func (s *Scheduler) Cancel(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status.terminal() {
		return false
	}
	if t.cancel != nil {
		t.cancel()
	}
	s.finishLocked(t, StatusCancelled, nil, taxonomy.New(taxonomy.KindConcurrency, "cancelled"))
	return true
}

// GetTask returns a snapshot of the task, if present.
func (s *Scheduler) GetTask(taskID string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshot(), true
}

// ByStatus returns snapshots of every task currently in the given status.
func (s *Scheduler) ByStatus(status Status) []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Snapshot
	for _, t := range s.tasks {
		if t.Status == status {
			out = append(out, t.snapshot())
		}
	}
	return out
}

// ByTag returns snapshots of every task carrying the given tag.
func (s *Scheduler) ByTag(tag string) []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Snapshot
	for _, t := range s.tasks {
		for _, tg := range t.Tags {
			if tg == tag {
				out = append(out, t.snapshot())
				break
			}
		}
	}
	return out
}

// Metrics is the aggregate counts returned by the scheduler's metrics
// surface.
type Metrics struct {
	Running   int
	ByStatus  map[Status]int
	MaxWorkers int
}

// Metrics returns current scheduler-wide counts.
func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := Metrics{Running: s.running, MaxWorkers: s.maxWorkers, ByStatus: make(map[Status]int)}
	for _, t := range s.tasks {
		m.ByStatus[t.Status]++
	}
	return m
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) publish(t eventbus.Type, taskID string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: t, Payload: map[string]any{"task_id": taskID, "data": payload}})
}

// dispatchLoop pulls PENDING tasks off the ready heap while capacity
// allows, and separately runs a timeout sweep. It never holds s.mu while
// running a task.
func (s *Scheduler) dispatchLoop() {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for range mergeChans(s.wakeCh, ticker.C) {
		s.tryDispatch()
		s.sweepTimeouts()
	}
}

func mergeChans(wake <-chan struct{}, tick <-chan time.Time) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		for {
			select {
			case <-wake:
				out <- struct{}{}
			case <-tick:
				out <- struct{}{}
			}
		}
	}()
	return out
}

func (s *Scheduler) tryDispatch() {
	for {
		s.mu.Lock()
		if s.running >= s.maxWorkers || s.ready.Len() == 0 {
			s.mu.Unlock()
			return
		}
		t := heap.Pop(s.ready).(*Task)
		if t.Status != StatusPending {
			s.mu.Unlock()
			continue
		}
		s.running++
		t.Status = StatusRunning
		t.StartedAt = time.Now()
		ctx, cancel := context.WithCancel(context.Background())
		if t.Timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		}
		t.cancel = cancel
		s.mu.Unlock()

		s.publish(EventTaskStarted, t.ID, nil)
		go s.run(ctx, t)
	}
}

func (s *Scheduler) run(ctx context.Context, t *Task) {
	result, err := t.fn(ctx, t.Args, t.Kwargs)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.running--
	if t.cancel != nil {
		t.cancel()
	}
	if t.Status == StatusCancelled {
		return
	}
	if ctx.Err() == context.DeadlineExceeded {
		s.finishLocked(t, StatusTimeout, result, taxonomy.New(taxonomy.KindTimeout, "task timed out", taxonomy.WithSeverity(taxonomy.SeverityWarning)))
		return
	}
	if err != nil {
		s.finishLocked(t, StatusFailed, result, err)
		return
	}
	s.finishLocked(t, StatusCompleted, result, nil)
}

// finishLocked transitions t to a terminal status and re-evaluates its
// dependents. Caller must hold s.mu.
func (s *Scheduler) finishLocked(t *Task, status Status, result any, err error) {
	t.Status = status
	t.Result = result
	t.Err = err
	t.CompletedAt = time.Now()

	switch status {
	case StatusCompleted:
		s.completedCounter.Add(context.Background(), 1)
	case StatusFailed, StatusTimeout, StatusCancelled:
		s.failedCounter.Add(context.Background(), 1)
	}

	dependents := s.dependents[t.ID]
	for _, depID := range dependents {
		dt, ok := s.tasks[depID]
		if !ok || dt.Status != StatusWaiting || !dt.submitted {
			continue
		}
		if status != StatusCompleted {
			s.finishLocked(dt, StatusFailed, nil, taxonomy.NewDependencyError(dt.ID, t.ID, string(status)))
			continue
		}
		if len(s.unmetDependenciesLocked(dt)) == 0 {
			dt.Status = StatusPending
			heap.Push(s.ready, dt)
			go s.publish(EventTaskReady, dt.ID, nil)
			s.wake()
		}
	}

	ev := EventTaskCompleted
	switch status {
	case StatusFailed:
		ev = EventTaskFailed
	case StatusCancelled:
		ev = EventTaskCancelled
	case StatusTimeout:
		ev = EventTaskTimeout
	}
	go s.publish(ev, t.ID, nil)
}

func (s *Scheduler) sweepTimeouts() {
	// Timeouts are enforced via context.WithTimeout inside tryDispatch/run;
	// this hook exists for a future wall-clock sweep of tasks whose
	// underlying work ignores context cancellation. No-op today.
}
