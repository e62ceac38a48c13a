// Package flow implements FlowManager: admission, lifecycle, cancellation,
// and cleanup of research flows. A Flow is one scheduled research run over
// a single topic, executed as one Task on the shared scheduler.
package flow

import (
	"context"
	"time"

	"github.com/swarmguard/deepresearch/internal/config"
	"github.com/swarmguard/deepresearch/pkg/research/model"
	"github.com/swarmguard/deepresearch/pkg/scheduler"
)

// Status is a Flow's lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) active() bool { return s == StatusPending || s == StatusRunning }
func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Flow is one scheduled research run.
type Flow struct {
	ID              string
	Topic           string
	Config          config.Configuration
	Metadata        map[string]any
	PreviousResult  *model.ReportState
	State           *model.ReportState
	Status          Status
	Priority        scheduler.Priority
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	Err             error
	Progress        float64
	TaskID          string

	cancel context.CancelFunc
}

// Snapshot is a defensive copy of a Flow's observable fields — callers
// (control API, listFlows) never receive the live pointer the manager holds.
type Snapshot struct {
	ID             string
	Topic          string
	Config         config.Configuration
	Metadata       map[string]any
	Status         Status
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Err            error
	Progress       float64
	Result         *model.ReportState
}

func (f *Flow) snapshot(includeResult bool) Snapshot {
	s := Snapshot{
		ID: f.ID, Topic: f.Topic, Config: f.Config, Metadata: f.Metadata,
		Status: f.Status, CreatedAt: f.CreatedAt, StartedAt: f.StartedAt,
		CompletedAt: f.CompletedAt, Err: f.Err, Progress: f.Progress,
	}
	if includeResult && f.Status == StatusCompleted {
		s.Result = f.State
	}
	return s
}
