package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"pickspulse/internal/jobs"
)

// Scheduler fires one pipeline refresh per day at a fixed local time.
// It funnels through the same Trigger entry point as manual triggers,
// so a refresh already in flight simply makes the scheduler skip that
// day's fire.
type Scheduler struct {
	runner   *Runner
	logger   *slog.Logger
	hour     int
	minute   int
	location *time.Location

	now func() time.Time
}

// NewScheduler creates a daily scheduler firing at hour:minute in loc.
func NewScheduler(runner *Runner, logger *slog.Logger, hour, minute int, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		runner:   runner,
		logger:   logger,
		hour:     hour,
		minute:   minute,
		location: loc,
		now:      time.Now,
	}
}

// Run blocks until ctx is cancelled, firing a pipeline trigger at each
// daily boundary.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		next := s.nextFire(s.now())
		wait := next.Sub(s.now())

		s.logger.InfoContext(ctx, "auto refresh scheduled",
			slog.Time("next_fire", next),
			slog.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.fire(ctx)
	}
}

// fire attempts one trigger, logging a skip when the pipeline is busy.
func (s *Scheduler) fire(ctx context.Context) {
	_, _, err := s.runner.Trigger(ctx)
	switch {
	case err == nil:
		s.logger.InfoContext(ctx, "auto refresh triggered")
	case errors.Is(err, jobs.ErrPipelineBusy):
		s.logger.InfoContext(ctx, "auto refresh skipped, pipeline busy")
	default:
		s.logger.ErrorContext(ctx, "auto refresh failed to trigger",
			slog.String("error", err.Error()))
	}
}

// nextFire returns the next hour:minute boundary strictly after now.
func (s *Scheduler) nextFire(now time.Time) time.Time {
	local := now.In(s.location)
	fire := time.Date(local.Year(), local.Month(), local.Day(), s.hour, s.minute, 0, 0, s.location)
	if !fire.After(local) {
		fire = fire.AddDate(0, 0, 1)
	}
	return fire
}
