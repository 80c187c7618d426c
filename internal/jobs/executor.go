package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"pickspulse/internal/infrastructure"
)

// RunOptions tweaks a single execution.
type RunOptions struct {
	// Env is appended to the process environment, e.g. PICKS_DATE for
	// the per-date picks job.
	Env map[string]string
	// Timeout overrides the executor default when positive.
	Timeout time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMetrics wires business metrics recording into the executor.
func WithMetrics(m *infrastructure.BusinessMetrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithNotify registers a callback invoked after every state transition,
// used to push live updates to WebSocket clients.
func WithNotify(fn func(name string, state RuntimeState)) ExecutorOption {
	return func(e *Executor) { e.notify = fn }
}

// Executor runs registered jobs to completion: busy gate, live state
// bookkeeping, output capture and exactly one history record per call.
type Executor struct {
	runner  Runner
	tracker *Tracker
	history HistoryStore
	logger  *slog.Logger
	timeout time.Duration

	metrics *infrastructure.BusinessMetrics
	notify  func(name string, state RuntimeState)

	now func() time.Time
}

// NewExecutor wires an executor from its collaborators. timeout is the
// default per-run limit.
func NewExecutor(runner Runner, tracker *Tracker, history HistoryStore, logger *slog.Logger, timeout time.Duration, opts ...ExecutorOption) *Executor {
	e := &Executor{
		runner:  runner,
		tracker: tracker,
		history: history,
		logger:  logger,
		timeout: timeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tracker exposes the runtime tracker for status snapshots.
func (e *Executor) Tracker() *Tracker {
	return e.tracker
}

// History exposes the history store for status snapshots.
func (e *Executor) History() HistoryStore {
	return e.history
}

// Run executes the named job to completion. It returns ErrUnknownJob for
// unregistered names and ErrJobBusy when the job is already running; a
// run that starts always produces exactly one history record, even when
// the script fails, times out, or cannot be launched.
func (e *Executor) Run(ctx context.Context, name string, opts RunOptions) (*JobRun, error) {
	def, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	if err := e.tracker.TryStart(name); err != nil {
		if e.metrics != nil {
			e.metrics.RecordRejectedTrigger(ctx, name)
		}
		return nil, fmt.Errorf("%w: %s", err, name)
	}

	if e.metrics != nil {
		e.metrics.ActiveJobs.Add(ctx, 1)
		defer e.metrics.ActiveJobs.Add(ctx, -1)
	}

	timeout := e.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	startedAt := e.now()
	e.tracker.SetMessage(name, fmt.Sprintf("Running %s", def.Label))
	e.publish(name)

	e.logger.InfoContext(ctx, "job started",
		slog.String("job", name),
		slog.String("script", def.Script))

	result, runErr := e.runner.Run(ctx, RunSpec{
		Script:  def.Script,
		Env:     opts.Env,
		Timeout: timeout,
	})
	if runErr != nil {
		// The process never started. Record it as a failed run so the
		// dashboard and history still see the attempt.
		result = RunResult{
			ExitCode: -1,
			Stderr:   runErr.Error(),
		}
	}

	finishedAt := e.now()
	run := &JobRun{
		ID:         uuid.New().String(),
		Name:       name,
		Label:      def.Label,
		ExitCode:   result.ExitCode,
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}

	errMsg := ""
	switch {
	case result.TimedOut:
		errMsg = fmt.Sprintf("%s timed out after %s", def.Label, timeout)
	case runErr != nil:
		errMsg = fmt.Sprintf("%s failed to start: %v", def.Label, runErr)
	case result.ExitCode != 0:
		errMsg = fmt.Sprintf("%s exited with code %d", def.Label, result.ExitCode)
	}

	e.tracker.Finish(name, result.ExitCode)
	if errMsg != "" {
		e.tracker.SetError(name, errMsg)
	} else {
		e.tracker.ClearError(name)
		e.tracker.SetMessage(name, fmt.Sprintf("%s finished in %s", def.Label, run.Duration().Round(time.Millisecond)))
	}
	e.publish(name)

	if err := e.history.Append(ctx, run); err != nil {
		e.logger.ErrorContext(ctx, "failed to record job history",
			slog.String("job", name),
			slog.String("error", err.Error()))
	}

	if e.metrics != nil {
		e.metrics.RecordJobRun(ctx, name, run.Duration(), run.ExitCode)
	}

	e.logger.InfoContext(ctx, "job finished",
		slog.String("job", name),
		slog.Int("exit_code", run.ExitCode),
		slog.Duration("duration", run.Duration()))

	return run, nil
}

// publish pushes the job's current snapshot to the notify callback.
func (e *Executor) publish(name string) {
	if e.notify == nil {
		return
	}
	if st, ok := e.tracker.Snapshot(name); ok {
		e.notify(name, st)
	}
}
