package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pickspulse/internal/jobs"
	"pickspulse/internal/pipeline"
)

// StatusResponse is the full dashboard snapshot: per-job runtime state
// in display order, pipeline state and the pipeline log.
type StatusResponse struct {
	Jobs        []jobs.RuntimeState `json:"jobs"`
	Pipeline    pipeline.State      `json:"pipeline"`
	PipelineLog []jobs.LogEntry     `json:"pipeline_log"`
	Labels      map[string]string   `json:"labels"`
}

// HistoryResponse pairs retained run records with the current state so
// pollers get a consistent page in one request.
type HistoryResponse struct {
	History  []jobs.JobRun  `json:"history"`
	Pipeline pipeline.State `json:"pipeline"`
}

// JobService orchestrates the executor and pipeline runner for the
// transport layer.
type JobService struct {
	executor *jobs.Executor
	pipeline *pipeline.Runner
	logger   *slog.Logger
}

// NewJobService creates the service from its collaborators.
func NewJobService(executor *jobs.Executor, pipelineRunner *pipeline.Runner, logger *slog.Logger) *JobService {
	return &JobService{
		executor: executor,
		pipeline: pipelineRunner,
		logger:   logger.With(slog.String("component", "services.jobs")),
	}
}

// RunJob executes the named job synchronously. The sentinel errors
// jobs.ErrUnknownJob and jobs.ErrJobBusy pass through for the handler
// to map onto HTTP responses.
func (s *JobService) RunJob(ctx context.Context, name string) (*jobs.JobRun, error) {
	return s.executor.Run(ctx, name, jobs.RunOptions{})
}

// TriggerPipeline queues a full refresh, returning jobs.ErrPipelineBusy
// when one is already in flight.
func (s *JobService) TriggerPipeline(ctx context.Context) (time.Time, error) {
	queuedAt, _, err := s.pipeline.Trigger(ctx)
	return queuedAt, err
}

// Status assembles the dashboard snapshot.
func (s *JobService) Status(_ context.Context) *StatusResponse {
	runtime := s.executor.Tracker().SnapshotAll()

	states := make([]jobs.RuntimeState, 0, len(runtime))
	labels := make(map[string]string, len(runtime))
	for _, def := range jobs.Definitions() {
		labels[def.Name] = def.Label
		if st, ok := runtime[def.Name]; ok {
			states = append(states, st)
		}
	}

	return &StatusResponse{
		Jobs:        states,
		Pipeline:    s.pipeline.Snapshot(),
		PipelineLog: s.pipeline.Log(),
		Labels:      labels,
	}
}

// History returns up to limit retained run records, newest first.
func (s *JobService) History(ctx context.Context, limit int) (*HistoryResponse, error) {
	records, err := s.executor.History().Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("load run history: %w", err)
	}
	if records == nil {
		records = []jobs.JobRun{}
	}

	return &HistoryResponse{
		History:  records,
		Pipeline: s.pipeline.Snapshot(),
	}, nil
}
