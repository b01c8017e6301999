package reconcile

import (
	"context"
	"fmt"

	rcron "github.com/robfig/cron/v3"

	durable "github.com/goliatone/go-durable"
)

// Scheduler runs a reconciler on a cron schedule, so instances abandoned by
// a crashed peer get picked up without restarting this process.
type Scheduler struct {
	cron       *rcron.Cron
	reconciler *Reconciler
	logger     durable.Logger
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the scheduler logger.
func WithSchedulerLogger(logger durable.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewScheduler wraps reconciler in a cron runner.
func NewScheduler(reconciler *Reconciler, opts ...SchedulerOption) (*Scheduler, error) {
	if reconciler == nil {
		return nil, durable.NewError(durable.ErrInvalidArgument, "reconciler is required", nil, nil)
	}
	s := &Scheduler{
		cron:       rcron.New(),
		reconciler: reconciler,
		logger:     durable.NormalizeLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Schedule registers a reconciliation run on the cron expression. Runs
// overlapping a still-executing run are serialized per instance by the
// store's locks, not by the scheduler.
func (s *Scheduler) Schedule(expr string) (rcron.EntryID, error) {
	if expr == "" {
		return 0, durable.NewError(durable.ErrInvalidArgument, "cron expression is required", nil, nil)
	}
	id, err := s.cron.AddFunc(expr, func() {
		if err := s.reconciler.Run(context.Background()); err != nil {
			s.logger.Error("scheduled reconciliation finished with errors: %v", err)
		}
	})
	if err != nil {
		return 0, fmt.Errorf("failed to add reconciliation job: %w", err)
	}
	return id, nil
}

// Start launches the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for in-flight jobs.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
