package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"pickspulse/internal/config"
	"pickspulse/internal/middleware"
)

// RouterDeps bundles what the router needs from the application.
type RouterDeps struct {
	Config  *config.Config
	Logger  *slog.Logger
	Jobs    *JobsHandler
	Health  *HealthHandler
	WS      *WSHandler
	Metrics http.Handler // promhttp handler, nil disables /metrics
}

// NewRouter assembles the middleware chain and route tree.
func NewRouter(deps RouterDeps) chi.Router {
	cfg := deps.Config
	logger := deps.Logger

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.StructuredLogger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.SecurityHeaders)

	if cfg.Security.EnableCORS {
		r.Use(middleware.CORS(middleware.CORSConfig{
			AllowedOrigins: cfg.Security.AllowedOrigins,
			Logger:         logger,
		}))
	}

	if cfg.Security.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.Security.RateLimit.RPS, cfg.Security.RateLimit.Burst, logger)
		r.Use(limiter.Handler)
	}

	r.Route("/api", func(api chi.Router) {
		api.Get("/healthz", deps.Health.Healthz)

		// Status endpoints answer quickly; the job trigger blocks for
		// the full script run, so it carries its own longer timeout.
		api.Group(func(g chi.Router) {
			g.Use(middleware.Timeout(cfg.Server.WriteTimeout, logger))
			g.Get("/jobs", deps.Jobs.Status)
			g.Get("/jobs/history", deps.Jobs.History)
			g.Mount("/pipeline", deps.Jobs.PipelineRoutes())
		})

		api.Group(func(g chi.Router) {
			g.Use(middleware.Timeout(cfg.Server.JobTimeout, logger))
			g.Post("/jobs/{name}/run", deps.Jobs.RunJob)
		})
	})

	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Get("/ws", deps.WS.Serve)

	return r
}
