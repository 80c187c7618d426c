package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runnerFunc adapts a function to the Runner interface.
type runnerFunc func(ctx context.Context, spec RunSpec) (RunResult, error)

func (f runnerFunc) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	return f(ctx, spec)
}

// gatedRunner blocks inside Run until released, so tests can hold a job
// in the running state. Only the first invocation is gated; later
// invocations pass straight through so the runner can be shared.
type gatedRunner struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
	result  RunResult
}

func newGatedRunner(result RunResult) *gatedRunner {
	return &gatedRunner{
		started: make(chan struct{}),
		release: make(chan struct{}),
		result:  result,
	}
}

func (g *gatedRunner) Run(ctx context.Context, _ RunSpec) (RunResult, error) {
	first := false
	g.once.Do(func() {
		first = true
		close(g.started)
	})
	if first {
		select {
		case <-g.release:
		case <-ctx.Done():
		}
	}
	return g.result, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestExecutor(t *testing.T, runner Runner) (*Executor, *MemoryHistory) {
	t.Helper()
	history := NewMemoryHistory(10)
	tracker := NewTracker(10)
	return NewExecutor(runner, tracker, history, testLogger(), time.Minute), history
}

func TestExecutorRunSuccess(t *testing.T) {
	runner := runnerFunc(func(_ context.Context, spec RunSpec) (RunResult, error) {
		assert.Equal(t, "injuries.py", spec.Script)
		return RunResult{ExitCode: 0, Stdout: "ok"}, nil
	})
	exec, history := newTestExecutor(t, runner)

	run, err := exec.Run(context.Background(), JobInjuries, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, JobInjuries, run.Name)
	assert.Equal(t, "Injuries Cache", run.Label)
	assert.Equal(t, 0, run.ExitCode)
	assert.Equal(t, "ok", run.Stdout)
	assert.True(t, run.Succeeded())
	assert.NotEmpty(t, run.ID)
	assert.False(t, run.FinishedAt.Before(run.StartedAt))

	// Job is idle again and the outcome is on the tracker.
	st, ok := exec.Tracker().Snapshot(JobInjuries)
	require.True(t, ok)
	assert.False(t, st.Running)
	require.NotNil(t, st.LastExitCode)
	assert.Equal(t, 0, *st.LastExitCode)
	assert.Empty(t, st.LastError)

	records, err := history.Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, run.ID, records[0].ID)
}

func TestExecutorRunUnknownJob(t *testing.T) {
	exec, history := newTestExecutor(t, runnerFunc(func(context.Context, RunSpec) (RunResult, error) {
		t.Fatal("runner must not be invoked for unknown jobs")
		return RunResult{}, nil
	}))

	run, err := exec.Run(context.Background(), "nope", RunOptions{})
	assert.Nil(t, run)
	assert.ErrorIs(t, err, ErrUnknownJob)

	records, err := history.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, records, "rejected triggers must not reach history")
}

func TestExecutorRunBusy(t *testing.T) {
	gate := newGatedRunner(RunResult{ExitCode: 0})
	exec, history := newTestExecutor(t, gate)

	firstDone := make(chan error, 1)
	go func() {
		_, err := exec.Run(context.Background(), JobScheduleFetch, RunOptions{})
		firstDone <- err
	}()

	<-gate.started

	// Second trigger while the first holds the job.
	run, err := exec.Run(context.Background(), JobScheduleFetch, RunOptions{})
	assert.Nil(t, run)
	assert.ErrorIs(t, err, ErrJobBusy)

	// A different job is unaffected by the busy one.
	other, err := exec.Run(context.Background(), JobInjuries, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, JobInjuries, other.Name)

	close(gate.release)
	require.NoError(t, <-firstDone)

	// Exactly one schedule_fetch record despite two triggers.
	records, err := history.Recent(context.Background(), 0)
	require.NoError(t, err)
	count := 0
	for _, rec := range records {
		if rec.Name == JobScheduleFetch {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestExecutorConcurrentTriggers(t *testing.T) {
	gate := newGatedRunner(RunResult{ExitCode: 0})
	exec, history := newTestExecutor(t, gate)

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	ran := 0
	busy := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := exec.Run(context.Background(), JobPicksRefresh, RunOptions{})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ran++
			case errors.Is(err, ErrJobBusy):
				busy++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	<-gate.started
	// Hold the gate until every other worker has attempted its trigger
	// against the running job, so the triggers are actually concurrent.
	for {
		mu.Lock()
		rejected := busy
		mu.Unlock()
		if rejected == workers-1 {
			break
		}
		runtime.Gosched()
	}
	close(gate.release)
	wg.Wait()

	assert.Equal(t, 1, ran, "exactly one concurrent trigger may execute")
	assert.Equal(t, workers-1, busy)

	records, err := history.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestExecutorNonZeroExitIsData(t *testing.T) {
	runner := runnerFunc(func(context.Context, RunSpec) (RunResult, error) {
		return RunResult{ExitCode: 3, Stderr: "boom"}, nil
	})
	exec, history := newTestExecutor(t, runner)

	run, err := exec.Run(context.Background(), JobCBBScraper, RunOptions{})
	require.NoError(t, err, "a failing script is a recorded outcome, not an error")
	assert.Equal(t, 3, run.ExitCode)
	assert.False(t, run.Succeeded())

	st, _ := exec.Tracker().Snapshot(JobCBBScraper)
	assert.Contains(t, st.LastError, "exited with code 3")
	assert.False(t, st.Running)

	records, err := history.Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 3, records[0].ExitCode)
	assert.Equal(t, "boom", records[0].Stderr)
}

func TestExecutorStartFailureRecorded(t *testing.T) {
	runner := runnerFunc(func(context.Context, RunSpec) (RunResult, error) {
		return RunResult{}, errors.New("interpreter missing")
	})
	exec, history := newTestExecutor(t, runner)

	run, err := exec.Run(context.Background(), JobInjuries, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, -1, run.ExitCode)
	assert.Contains(t, run.Stderr, "interpreter missing")

	st, _ := exec.Tracker().Snapshot(JobInjuries)
	assert.Contains(t, st.LastError, "failed to start")
	assert.False(t, st.Running)

	records, err := history.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestExecutorTimeoutRecorded(t *testing.T) {
	runner := runnerFunc(func(context.Context, RunSpec) (RunResult, error) {
		return RunResult{ExitCode: -1, TimedOut: true, Stderr: "[killed after 1s timeout]"}, nil
	})
	exec, _ := newTestExecutor(t, runner)

	run, err := exec.Run(context.Background(), JobScheduleFetch, RunOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, -1, run.ExitCode)

	st, _ := exec.Tracker().Snapshot(JobScheduleFetch)
	assert.Contains(t, st.LastError, "timed out")
}

func TestExecutorEnvPassedThrough(t *testing.T) {
	var gotEnv map[string]string
	runner := runnerFunc(func(_ context.Context, spec RunSpec) (RunResult, error) {
		gotEnv = spec.Env
		return RunResult{}, nil
	})
	exec, _ := newTestExecutor(t, runner)

	_, err := exec.Run(context.Background(), JobPicksRefresh, RunOptions{
		Env: map[string]string{"PICKS_DATE": "2026-08-24"},
	})
	require.NoError(t, err)
	assert.Equal(t, "2026-08-24", gotEnv["PICKS_DATE"])
}
