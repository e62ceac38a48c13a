// Package housekeeping runs periodic maintenance jobs — flow cleanup and
// error-reporter rollup — on a cron schedule instead of only on demand
// (spec.md §5 EXPANSION).
//
// Grounded on services/orchestrator/scheduler.go's Scheduler: same
// robfig/cron/v3 wrapper and AddSchedule/Stop shape, trimmed from a
// general workflow-trigger scheduler (cron + event-driven triggers over
// arbitrary workflows) down to the two fixed jobs this system needs.
package housekeeping

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Job is one unit of periodic maintenance work.
type Job struct {
	Name     string
	CronExpr string
	Run      func(ctx context.Context) error
}

// Scheduler drives a fixed set of Jobs on a cron.Cron instance.
type Scheduler struct {
	cron   *cron.Cron
	tracer trace.Tracer

	jobRuns metric.Int64Counter
	jobErrs metric.Int64Counter
}

// New builds a housekeeping scheduler with second-precision cron parsing,
// matching the teacher's cron.WithSeconds() option.
func New(meter metric.Meter) *Scheduler {
	jobRuns, _ := meter.Int64Counter("deepresearch_housekeeping_runs_total")
	jobErrs, _ := meter.Int64Counter("deepresearch_housekeeping_errors_total")
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		tracer:  otel.Tracer("deepresearch-housekeeping"),
		jobRuns: jobRuns,
		jobErrs: jobErrs,
	}
}

// AddJob registers job on the cron. Returns an error if job.CronExpr does
// not parse.
func (s *Scheduler) AddJob(job Job) error {
	_, err := s.cron.AddFunc(job.CronExpr, func() {
		ctx, span := s.tracer.Start(context.Background(), "housekeeping.run",
			trace.WithAttributes())
		defer span.End()

		start := time.Now()
		err := job.Run(ctx)
		s.jobRuns.Add(ctx, 1)
		if err != nil {
			s.jobErrs.Add(ctx, 1)
			span.RecordError(err)
			slog.Error("housekeeping job failed", "job", job.Name, "error", err)
			return
		}
		slog.Info("housekeeping job ran", "job", job.Name, "elapsed", time.Since(start))
	})
	return err
}

// Start begins running registered jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("housekeeping scheduler started")
}

// Stop waits for in-flight job runs to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		slog.Info("housekeeping scheduler stopped")
		return nil
	case <-ctx.Done():
		slog.Warn("housekeeping scheduler stop timed out")
		return ctx.Err()
	}
}
