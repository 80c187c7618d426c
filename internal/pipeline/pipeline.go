package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pickspulse/internal/infrastructure"
	"pickspulse/internal/jobs"
)

// Stage names reported through the pipeline state.
const (
	StageIdle          = "idle"
	StageScheduleFetch = "schedule_fetch"
	StageInjuries      = "injuries"
	StageCBBScraper    = "cbb_scraper"
	StagePicksRefresh  = "picks_refresh"
)

// dateLayout is the wire format for pipeline dates.
const dateLayout = "2006-01-02"

// State is a point-in-time snapshot of the pipeline, safe to hand to
// pollers.
type State struct {
	Running        bool       `json:"running"`
	Stage          string     `json:"stage"`
	CurrentDate    string     `json:"current_date,omitempty"`
	ProcessedDates []string   `json:"processed_dates"`
	QueuedAt       *time.Time `json:"queued_at,omitempty"`
	LastFinishedAt *time.Time `json:"last_finished_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	LastMessage    string     `json:"last_message,omitempty"`
}

// Options configures a pipeline Runner.
type Options struct {
	// WindowDays is how many days past today the picks stage covers.
	WindowDays int
	// IncludeCBB enables the cbb_scraper stage.
	IncludeCBB bool
	// LogCap bounds the pipeline log; oldest entries are evicted.
	LogCap int
	// Location resolves "today" for the date window.
	Location *time.Location
}

// RunnerOption configures optional Runner collaborators.
type RunnerOption func(*Runner)

// WithMetrics wires business metrics recording into the runner.
func WithMetrics(m *infrastructure.BusinessMetrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithNotify registers callbacks invoked on every state change and log
// append, used to push live updates to WebSocket clients.
func WithNotify(onState func(State), onLog func(jobs.LogEntry)) RunnerOption {
	return func(r *Runner) {
		r.notifyState = onState
		r.notifyLog = onLog
	}
}

// Runner drives the full refresh pipeline: schedule fetch, injuries,
// optional CBB stats, then a picks refresh per date in the window. At
// most one run is in flight; every state transition happens under one
// mutex and every run terminates back in the idle stage.
type Runner struct {
	executor *jobs.Executor
	logger   *slog.Logger
	opts     Options

	mu    sync.Mutex
	state State
	log   []jobs.LogEntry // newest first

	metrics     *infrastructure.BusinessMetrics
	notifyState func(State)
	notifyLog   func(jobs.LogEntry)

	now func() time.Time
}

// NewRunner creates a pipeline runner on top of the job executor.
func NewRunner(executor *jobs.Executor, logger *slog.Logger, opts Options, ropts ...RunnerOption) *Runner {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	r := &Runner{
		executor: executor,
		logger:   logger,
		opts:     opts,
		state: State{
			Stage:          StageIdle,
			ProcessedDates: []string{},
		},
		now: time.Now,
	}
	for _, ro := range ropts {
		ro(r)
	}
	return r
}

// Trigger starts a pipeline run if none is in flight. The busy check
// and the transition to running are one atomic step; concurrent callers
// beyond the first get ErrPipelineBusy. The run itself proceeds
// asynchronously; the returned channel closes when it finishes.
func (r *Runner) Trigger(ctx context.Context) (time.Time, <-chan struct{}, error) {
	r.mu.Lock()
	if r.state.Running {
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.RecordRejectedTrigger(ctx, "pipeline")
		}
		return time.Time{}, nil, jobs.ErrPipelineBusy
	}

	queuedAt := r.now()
	r.state.Running = true
	r.state.Stage = StageScheduleFetch
	r.state.CurrentDate = ""
	r.state.ProcessedDates = []string{}
	r.state.QueuedAt = &queuedAt
	r.state.LastError = ""
	r.state.LastMessage = "Refresh queued"
	r.log = nil
	r.mu.Unlock()

	r.appendLog("Refresh queued")
	r.publish()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.run(context.WithoutCancel(ctx), queuedAt)
	}()

	return queuedAt, done, nil
}

// Snapshot returns a deep copy of the current state.
func (r *Runner) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cloneStateLocked()
}

// Log returns the pipeline log, newest first.
func (r *Runner) Log() []jobs.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]jobs.LogEntry, len(r.log))
	copy(out, r.log)
	return out
}

// Running reports whether a run is in flight.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Running
}

// run executes the stages. It always leaves the pipeline idle with
// last_finished_at set, whatever the individual stages did.
func (r *Runner) run(ctx context.Context, queuedAt time.Time) {
	var hadErrors bool

	defer func() {
		finishedAt := r.now()

		r.mu.Lock()
		r.state.Running = false
		r.state.Stage = StageIdle
		r.state.CurrentDate = ""
		r.state.LastFinishedAt = &finishedAt
		if r.state.LastError == "" {
			r.state.LastMessage = "Refresh complete"
		} else {
			r.state.LastMessage = "Refresh finished with errors"
		}
		r.mu.Unlock()

		r.appendLog(fmt.Sprintf("Refresh finished in %s", finishedAt.Sub(queuedAt).Round(time.Second)))
		r.publish()

		if r.metrics != nil {
			r.metrics.RecordPipelineRun(ctx, finishedAt.Sub(queuedAt), hadErrors)
		}
		r.logger.InfoContext(ctx, "pipeline run finished",
			slog.Bool("had_errors", hadErrors),
			slog.Duration("duration", finishedAt.Sub(queuedAt)))
	}()

	r.logger.InfoContext(ctx, "pipeline run started")

	// Schedule data is a prerequisite for the per-date picks stage, so a
	// failure here ends the run. The later stages degrade gracefully.
	if err := r.runStage(ctx, StageScheduleFetch, jobs.JobScheduleFetch, nil); err != nil {
		hadErrors = true
		r.setError(fmt.Sprintf("schedule fetch failed: %v", err))
		r.appendLog("Aborting refresh: schedule data unavailable")
		return
	}

	if err := r.runStage(ctx, StageInjuries, jobs.JobInjuries, nil); err != nil {
		hadErrors = true
		r.setError(fmt.Sprintf("injuries refresh failed: %v", err))
	}

	if r.opts.IncludeCBB {
		if err := r.runStage(ctx, StageCBBScraper, jobs.JobCBBScraper, nil); err != nil {
			hadErrors = true
			r.setError(fmt.Sprintf("cbb scraper failed: %v", err))
		}
	}

	for _, date := range r.dateWindow() {
		r.setStage(StagePicksRefresh, date)
		r.appendLog(fmt.Sprintf("Refreshing picks for %s", date))

		err := r.runJob(ctx, jobs.JobPicksRefresh, map[string]string{"PICKS_DATE": date})
		if err != nil {
			hadErrors = true
			r.setError(fmt.Sprintf("picks refresh for %s failed: %v", date, err))
			r.appendLog(fmt.Sprintf("Picks refresh for %s failed, continuing", date))
			continue
		}

		r.mu.Lock()
		r.state.ProcessedDates = append(r.state.ProcessedDates, date)
		r.mu.Unlock()
		r.appendLog(fmt.Sprintf("Picks refreshed for %s", date))
		r.publish()
	}
}

// runStage runs one single-job stage and logs its outcome.
func (r *Runner) runStage(ctx context.Context, stage, job string, env map[string]string) error {
	r.setStage(stage, "")
	r.appendLog(fmt.Sprintf("Running %s", jobs.Label(job)))

	if err := r.runJob(ctx, job, env); err != nil {
		r.appendLog(fmt.Sprintf("%s failed: %v", jobs.Label(job), err))
		return err
	}

	r.appendLog(fmt.Sprintf("%s complete", jobs.Label(job)))
	return nil
}

// runJob executes one job through the executor. A run that completes
// with a non-zero exit is reported as an error here so stages can record
// it, even though the executor itself treats it as data.
func (r *Runner) runJob(ctx context.Context, name string, env map[string]string) error {
	run, err := r.executor.Run(ctx, name, jobs.RunOptions{Env: env})
	if err != nil {
		return err
	}
	if !run.Succeeded() {
		return fmt.Errorf("exit code %d", run.ExitCode)
	}
	return nil
}

// dateWindow returns today plus the configured number of following
// days, ascending, in the configured location.
func (r *Runner) dateWindow() []string {
	today := r.now().In(r.opts.Location)
	dates := make([]string, 0, r.opts.WindowDays+1)
	for i := 0; i <= r.opts.WindowDays; i++ {
		dates = append(dates, today.AddDate(0, 0, i).Format(dateLayout))
	}
	return dates
}

func (r *Runner) setStage(stage, date string) {
	r.mu.Lock()
	r.state.Stage = stage
	r.state.CurrentDate = date
	if date != "" {
		r.state.LastMessage = fmt.Sprintf("Refreshing picks for %s", date)
	} else {
		r.state.LastMessage = fmt.Sprintf("Running %s", stage)
	}
	r.mu.Unlock()
	r.publish()
}

func (r *Runner) setError(msg string) {
	r.mu.Lock()
	r.state.LastError = msg
	r.mu.Unlock()
	r.publish()
}

// appendLog prepends a log entry (newest first) and evicts beyond cap.
func (r *Runner) appendLog(message string) {
	entry := jobs.LogEntry{Time: r.now(), Message: message}

	r.mu.Lock()
	r.log = append([]jobs.LogEntry{entry}, r.log...)
	if r.opts.LogCap > 0 && len(r.log) > r.opts.LogCap {
		r.log = r.log[:r.opts.LogCap]
	}
	r.mu.Unlock()

	if r.notifyLog != nil {
		r.notifyLog(entry)
	}
}

// publish pushes the current snapshot to the notify callback.
func (r *Runner) publish() {
	if r.notifyState == nil {
		return
	}
	r.notifyState(r.Snapshot())
}

// cloneStateLocked deep-copies the state. Caller holds r.mu.
func (r *Runner) cloneStateLocked() State {
	clone := r.state
	clone.ProcessedDates = make([]string, len(r.state.ProcessedDates))
	copy(clone.ProcessedDates, r.state.ProcessedDates)
	if r.state.QueuedAt != nil {
		ts := *r.state.QueuedAt
		clone.QueuedAt = &ts
	}
	if r.state.LastFinishedAt != nil {
		ts := *r.state.LastFinishedAt
		clone.LastFinishedAt = &ts
	}
	return clone
}
