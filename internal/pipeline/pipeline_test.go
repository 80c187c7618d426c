package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pickspulse/internal/jobs"
)

var fixedNow = time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

// recordingRunner captures every invocation and answers from a
// per-script result function.
type recordingRunner struct {
	mu      sync.Mutex
	specs   []jobs.RunSpec
	results func(spec jobs.RunSpec) jobs.RunResult
	gate    chan struct{} // when non-nil, every call blocks until closed
}

func (r *recordingRunner) Run(ctx context.Context, spec jobs.RunSpec) (jobs.RunResult, error) {
	r.mu.Lock()
	r.specs = append(r.specs, spec)
	gate := r.gate
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	if r.results != nil {
		return r.results(spec), nil
	}
	return jobs.RunResult{ExitCode: 0}, nil
}

func (r *recordingRunner) scripts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.specs))
	for i, spec := range r.specs {
		out[i] = spec.Script
	}
	return out
}

func (r *recordingRunner) picksDates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var dates []string
	for _, spec := range r.specs {
		if spec.Script == "picks_refresh.py" {
			dates = append(dates, spec.Env["PICKS_DATE"])
		}
	}
	return dates
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRunner(t *testing.T, runner jobs.Runner, opts Options) *Runner {
	t.Helper()
	tracker := jobs.NewTracker(10)
	history := jobs.NewMemoryHistory(50)
	exec := jobs.NewExecutor(runner, tracker, history, testLogger(), time.Minute)

	if opts.LogCap == 0 {
		opts.LogCap = 200
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	r := NewRunner(exec, testLogger(), opts)
	r.now = func() time.Time { return fixedNow }
	return r
}

func triggerAndWait(t *testing.T, r *Runner) {
	t.Helper()
	_, done, err := r.Trigger(context.Background())
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline run did not finish")
	}
}

func TestPipelineHappyPath(t *testing.T) {
	runner := &recordingRunner{}
	r := newTestRunner(t, runner, Options{WindowDays: 2, IncludeCBB: true})

	triggerAndWait(t, r)

	st := r.Snapshot()
	assert.False(t, st.Running)
	assert.Equal(t, StageIdle, st.Stage)
	assert.Empty(t, st.CurrentDate)
	assert.Empty(t, st.LastError)
	assert.Equal(t, "Refresh complete", st.LastMessage)
	require.NotNil(t, st.LastFinishedAt)
	require.NotNil(t, st.QueuedAt)

	// Only successfully refreshed dates, ascending.
	assert.Equal(t, []string{"2026-08-24", "2026-08-25", "2026-08-26"}, st.ProcessedDates)

	// Stage order: schedule, injuries, cbb, then picks per date.
	assert.Equal(t, []string{
		"schedule_fetch.py",
		"injuries.py",
		"cbb_scraper.py",
		"picks_refresh.py",
		"picks_refresh.py",
		"picks_refresh.py",
	}, runner.scripts())
	assert.Equal(t, []string{"2026-08-24", "2026-08-25", "2026-08-26"}, runner.picksDates())
}

func TestPipelinePerDateFailureContinues(t *testing.T) {
	runner := &recordingRunner{
		results: func(spec jobs.RunSpec) jobs.RunResult {
			if spec.Script == "picks_refresh.py" && spec.Env["PICKS_DATE"] == "2026-08-25" {
				return jobs.RunResult{ExitCode: 1, Stderr: "feed unavailable"}
			}
			return jobs.RunResult{ExitCode: 0}
		},
	}
	r := newTestRunner(t, runner, Options{WindowDays: 2})

	triggerAndWait(t, r)

	st := r.Snapshot()
	assert.False(t, st.Running)
	assert.Equal(t, StageIdle, st.Stage)

	// The failed date is skipped in processed_dates but later dates
	// still run.
	assert.Equal(t, []string{"2026-08-24", "2026-08-26"}, st.ProcessedDates)
	assert.Contains(t, st.LastError, "2026-08-25")
	assert.Equal(t, "Refresh finished with errors", st.LastMessage)
	assert.Equal(t, []string{"2026-08-24", "2026-08-25", "2026-08-26"}, runner.picksDates())

	// The failed date still leaves a failed record in history alongside
	// the successful ones.
	recent, err := r.executor.History().Recent(context.Background(), 0)
	require.NoError(t, err)

	picks := 0
	var failed []jobs.JobRun
	for _, run := range recent {
		if run.Name != jobs.JobPicksRefresh {
			continue
		}
		picks++
		if run.ExitCode != 0 {
			failed = append(failed, run)
		}
	}
	assert.Equal(t, 3, picks, "every date produces a history record")
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].ExitCode)
	assert.Equal(t, "feed unavailable", failed[0].Stderr)
}

func TestPipelineScheduleFetchFailureAborts(t *testing.T) {
	runner := &recordingRunner{
		results: func(spec jobs.RunSpec) jobs.RunResult {
			if spec.Script == "schedule_fetch.py" {
				return jobs.RunResult{ExitCode: 2}
			}
			return jobs.RunResult{ExitCode: 0}
		},
	}
	r := newTestRunner(t, runner, Options{WindowDays: 2, IncludeCBB: true})

	triggerAndWait(t, r)

	st := r.Snapshot()
	assert.False(t, st.Running)
	assert.Equal(t, StageIdle, st.Stage)
	assert.Contains(t, st.LastError, "schedule fetch failed")
	assert.Empty(t, st.ProcessedDates)
	require.NotNil(t, st.LastFinishedAt)

	// Nothing beyond the failed prerequisite ran.
	assert.Equal(t, []string{"schedule_fetch.py"}, runner.scripts())
}

func TestPipelineInjuriesFailureContinues(t *testing.T) {
	runner := &recordingRunner{
		results: func(spec jobs.RunSpec) jobs.RunResult {
			if spec.Script == "injuries.py" {
				return jobs.RunResult{ExitCode: 1}
			}
			return jobs.RunResult{ExitCode: 0}
		},
	}
	r := newTestRunner(t, runner, Options{WindowDays: 1})

	triggerAndWait(t, r)

	st := r.Snapshot()
	assert.Contains(t, st.LastError, "injuries")
	assert.Equal(t, []string{"2026-08-24", "2026-08-25"}, st.ProcessedDates,
		"injuries is not a prerequisite for the picks stage")
}

func TestPipelineSkipsCBBWhenDisabled(t *testing.T) {
	runner := &recordingRunner{}
	r := newTestRunner(t, runner, Options{WindowDays: 0, IncludeCBB: false})

	triggerAndWait(t, r)

	assert.Equal(t, []string{"schedule_fetch.py", "injuries.py", "picks_refresh.py"}, runner.scripts())
}

func TestPipelineBusyRejectsSecondTrigger(t *testing.T) {
	gate := make(chan struct{})
	runner := &recordingRunner{gate: gate}
	r := newTestRunner(t, runner, Options{WindowDays: 0})

	_, done, err := r.Trigger(context.Background())
	require.NoError(t, err)

	// Wait until the run actually holds the busy flag.
	require.Eventually(t, r.Running, time.Second, 5*time.Millisecond)

	_, _, err = r.Trigger(context.Background())
	assert.ErrorIs(t, err, jobs.ErrPipelineBusy)

	close(gate)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline run did not finish")
	}

	// Idle again, so a fresh trigger succeeds.
	triggerAndWait(t, r)
}

func TestPipelineLogResetPerRun(t *testing.T) {
	runner := &recordingRunner{}
	r := newTestRunner(t, runner, Options{WindowDays: 0})

	triggerAndWait(t, r)
	firstLen := len(r.Log())
	require.Greater(t, firstLen, 0)

	triggerAndWait(t, r)
	assert.Len(t, r.Log(), firstLen, "each run starts from an empty log")
}

func TestPipelineLogBounded(t *testing.T) {
	runner := &recordingRunner{}
	r := newTestRunner(t, runner, Options{WindowDays: 2, IncludeCBB: true, LogCap: 4})

	triggerAndWait(t, r)

	log := r.Log()
	require.Len(t, log, 4)
	// Newest first: the final entry of the run leads.
	assert.Contains(t, log[0].Message, "Refresh finished")
}

func TestPipelineSnapshotIsolation(t *testing.T) {
	runner := &recordingRunner{}
	r := newTestRunner(t, runner, Options{WindowDays: 1})

	triggerAndWait(t, r)

	st := r.Snapshot()
	require.NotEmpty(t, st.ProcessedDates)
	st.ProcessedDates[0] = "mutated"

	fresh := r.Snapshot()
	assert.Equal(t, "2026-08-24", fresh.ProcessedDates[0])
}
