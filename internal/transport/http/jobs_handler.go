package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "pickspulse/internal/errors"
	"pickspulse/internal/jobs"
	"pickspulse/internal/middleware"
	"pickspulse/internal/services"
)

// historyQuery binds the history endpoint's query parameters.
type historyQuery struct {
	Limit int `validate:"gte=0,lte=1000"`
}

// JobsHandler serves the job and pipeline endpoints.
type JobsHandler struct {
	service  *services.JobService
	logger   *slog.Logger
	tracer   trace.Tracer
	validate *validator.Validate
}

// NewJobsHandler creates the handler. tracer may be nil when tracing is
// disabled.
func NewJobsHandler(service *services.JobService, logger *slog.Logger, tracer trace.Tracer) *JobsHandler {
	return &JobsHandler{
		service:  service,
		logger:   logger.With(slog.String("component", "transport.jobs")),
		tracer:   tracer,
		validate: validator.New(),
	}
}

// PipelineRoutes returns the pipeline sub-router mounted at /api/pipeline.
func (h *JobsHandler) PipelineRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/run", h.TriggerPipeline)
	return r
}

// RunJob handles POST /api/jobs/{name}/run. It blocks until the script
// exits and returns the full run record.
func (h *JobsHandler) RunJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	if h.tracer != nil {
		var span trace.Span
		ctx, span = h.tracer.Start(ctx, "jobs.run",
			trace.WithAttributes(attribute.String("job", name)))
		defer span.End()
	}

	run, err := h.service.RunJob(ctx, name)
	if err != nil {
		h.renderJobError(w, r, name, err)
		return
	}

	h.logger.InfoContext(ctx, "job run completed",
		slog.String("job", name),
		slog.Int("exit_code", run.ExitCode),
		slog.String("request_id", middleware.GetRequestID(ctx)))

	render.JSON(w, r, run)
}

// TriggerPipeline handles POST /api/pipeline/run. The run proceeds in
// the background; the response only acknowledges the trigger.
func (h *JobsHandler) TriggerPipeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.tracer != nil {
		var span trace.Span
		ctx, span = h.tracer.Start(ctx, "pipeline.trigger")
		defer span.End()
	}

	queuedAt, err := h.service.TriggerPipeline(ctx)
	if err != nil {
		if errors.Is(err, jobs.ErrPipelineBusy) {
			apierrors.WriteProblem(w, apierrors.NewPipelineBusyProblem(r.URL.Path))
			return
		}
		h.renderInternal(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "pipeline refresh queued",
		slog.Time("queued_at", queuedAt),
		slog.String("request_id", middleware.GetRequestID(ctx)))

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]interface{}{
		"status":    "accepted",
		"queued_at": queuedAt.Format(time.RFC3339),
	})
}

// Status handles GET /api/jobs.
func (h *JobsHandler) Status(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.Status(r.Context()))
}

// History handles GET /api/jobs/history?limit=N.
func (h *JobsHandler) History(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	q := historyQuery{}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			render.Render(w, r, apierrors.ErrValidation("limit", "must be an integer"))
			return
		}
		q.Limit = limit
	}
	if err := h.validate.Struct(q); err != nil {
		render.Render(w, r, apierrors.ErrValidation("limit", "must be between 0 and 1000"))
		return
	}

	resp, err := h.service.History(ctx, q.Limit)
	if err != nil {
		h.renderInternal(w, r, err)
		return
	}

	render.JSON(w, r, resp)
}

// renderJobError maps executor sentinel errors onto problem responses.
func (h *JobsHandler) renderJobError(w http.ResponseWriter, r *http.Request, name string, err error) {
	switch {
	case errors.Is(err, jobs.ErrUnknownJob):
		apierrors.WriteProblem(w, apierrors.NewUnknownJobProblem(name, r.URL.Path))
	case errors.Is(err, jobs.ErrJobBusy):
		apierrors.WriteProblem(w, apierrors.NewJobBusyProblem(name, r.URL.Path))
	default:
		h.renderInternal(w, r, err)
	}
}

func (h *JobsHandler) renderInternal(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.ErrorContext(r.Context(), "request failed",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()))
	apierrors.WriteProblem(w, apierrors.NewProblemDetails(
		http.StatusInternalServerError,
		"/errors/internal-server-error",
		"Internal Server Error",
		"An unexpected error occurred",
		r.URL.Path,
	))
}
