package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pickspulse/internal/jobs"
	"pickspulse/internal/pipeline"
	"pickspulse/internal/services"
)

// stubRunner answers every invocation with a fixed result, optionally
// blocking on a gate so tests can hold jobs in the running state.
type stubRunner struct {
	result jobs.RunResult
	gate   chan struct{}
}

func (s *stubRunner) Run(ctx context.Context, _ jobs.RunSpec) (jobs.RunResult, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
		}
	}
	return s.result, nil
}

type testEnv struct {
	router   chi.Router
	tracker  *jobs.Tracker
	executor *jobs.Executor
	pipeline *pipeline.Runner
}

func newTestEnv(t *testing.T, runner jobs.Runner) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tracker := jobs.NewTracker(10)
	history := jobs.NewMemoryHistory(20)
	executor := jobs.NewExecutor(runner, tracker, history, logger, time.Minute)
	runnerP := pipeline.NewRunner(executor, logger, pipeline.Options{
		WindowDays: 0,
		LogCap:     50,
		Location:   time.UTC,
	})
	service := services.NewJobService(executor, runnerP, logger)
	handler := NewJobsHandler(service, logger, nil)

	r := chi.NewRouter()
	r.Get("/api/jobs", handler.Status)
	r.Get("/api/jobs/history", handler.History)
	r.Post("/api/jobs/{name}/run", handler.RunJob)
	r.Mount("/api/pipeline", handler.PipelineRoutes())
	r.Get("/api/healthz", NewHealthHandler("test").Healthz)

	return &testEnv{
		router:   r,
		tracker:  tracker,
		executor: executor,
		pipeline: runnerP,
	}
}

func (e *testEnv) request(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestRunJobSuccess(t *testing.T) {
	env := newTestEnv(t, &stubRunner{result: jobs.RunResult{ExitCode: 0, Stdout: "done"}})

	rec := env.request(t, http.MethodPost, "/api/jobs/injuries/run")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "injuries", body["name"])
	assert.Equal(t, "Injuries Cache", body["label"])
	assert.Equal(t, float64(0), body["exit_code"])
	assert.Equal(t, "done", body["stdout"])
}

func TestRunJobUnknown(t *testing.T) {
	env := newTestEnv(t, &stubRunner{})

	rec := env.request(t, http.MethodPost, "/api/jobs/mystery/run")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	body := decodeBody(t, rec)
	assert.Equal(t, "/errors/unknown-job", body["type"])
	assert.Equal(t, "mystery", body["job"])
}

func TestRunJobBusy(t *testing.T) {
	env := newTestEnv(t, &stubRunner{})
	require.NoError(t, env.tracker.TryStart(jobs.JobScheduleFetch))

	rec := env.request(t, http.MethodPost, "/api/jobs/schedule_fetch/run")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	body := decodeBody(t, rec)
	assert.Equal(t, "/errors/job-busy", body["type"])
	assert.Equal(t, "schedule_fetch", body["job"])
}

func TestRunJobFailureStillOK(t *testing.T) {
	env := newTestEnv(t, &stubRunner{result: jobs.RunResult{ExitCode: 1, Stderr: "boom"}})

	// A script failure is a recorded outcome, not an HTTP error.
	rec := env.request(t, http.MethodPost, "/api/jobs/cbb_scraper/run")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["exit_code"])
	assert.Equal(t, "boom", body["stderr"])
}

func TestTriggerPipelineAccepted(t *testing.T) {
	env := newTestEnv(t, &stubRunner{})

	rec := env.request(t, http.MethodPost, "/api/pipeline/run")
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "accepted", body["status"])
	assert.NotEmpty(t, body["queued_at"])
}

func TestTriggerPipelineBusy(t *testing.T) {
	gate := make(chan struct{})
	env := newTestEnv(t, &stubRunner{gate: gate})
	defer close(gate)

	rec := env.request(t, http.MethodPost, "/api/pipeline/run")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, env.pipeline.Running, time.Second, 5*time.Millisecond)

	rec = env.request(t, http.MethodPost, "/api/pipeline/run")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	body := decodeBody(t, rec)
	assert.Equal(t, "/errors/pipeline-busy", body["type"])
}

func TestStatusSnapshot(t *testing.T) {
	env := newTestEnv(t, &stubRunner{})

	rec := env.request(t, http.MethodGet, "/api/jobs")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	jobsList, ok := body["jobs"].([]interface{})
	require.True(t, ok)
	assert.Len(t, jobsList, 4)

	pipelineState, ok := body["pipeline"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "idle", pipelineState["stage"])
	assert.Equal(t, false, pipelineState["running"])

	labels, ok := body["labels"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Schedule Fetcher", labels["schedule_fetch"])
}

func TestHistoryEndpoint(t *testing.T) {
	env := newTestEnv(t, &stubRunner{})

	for i := 0; i < 3; i++ {
		_, err := env.executor.Run(context.Background(), jobs.JobInjuries, jobs.RunOptions{})
		require.NoError(t, err)
	}

	rec := env.request(t, http.MethodGet, "/api/jobs/history?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	records, ok := body["history"].([]interface{})
	require.True(t, ok)
	assert.Len(t, records, 2)
}

func TestHistoryLimitValidation(t *testing.T) {
	env := newTestEnv(t, &stubRunner{})

	tests := []struct {
		name string
		path string
		code int
	}{
		{"non-numeric", "/api/jobs/history?limit=abc", http.StatusBadRequest},
		{"negative", "/api/jobs/history?limit=-1", http.StatusBadRequest},
		{"too large", "/api/jobs/history?limit=5000", http.StatusBadRequest},
		{"zero means all", "/api/jobs/history?limit=0", http.StatusOK},
		{"missing means all", "/api/jobs/history", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.request(t, http.MethodGet, tt.path)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, &stubRunner{})

	rec := env.request(t, http.MethodGet, "/api/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}
