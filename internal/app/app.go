package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"pickspulse/internal/config"
	"pickspulse/internal/infrastructure"
	"pickspulse/internal/jobs"
	"pickspulse/internal/pipeline"
	"pickspulse/internal/services"
	transporthttp "pickspulse/internal/transport/http"
	"pickspulse/internal/websocket"
)

// Application wires the whole service together: config, logging,
// observability, job executor, pipeline runner, scheduler, WebSocket
// hub and the HTTP server.
type Application struct {
	cfg    *config.Config
	logger *slog.Logger

	otel     *infrastructure.OTelProviders
	hub      *websocket.Hub
	history  jobs.HistoryStore
	executor *jobs.Executor
	pipeline *pipeline.Runner
	schedule *pipeline.Scheduler
	server   *http.Server
}

// New builds the application from configuration.
func New() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	return NewWithConfig(cfg, logger)
}

// NewWithConfig builds the application from an explicit configuration,
// used by tests.
func NewWithConfig(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	app := &Application{
		cfg:    cfg,
		logger: logger,
	}

	otelProviders, err := infrastructure.InitializeOTel(nil, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize otel: %w", err)
	}
	app.otel = otelProviders

	var metrics *infrastructure.BusinessMetrics
	if otelProviders.Meter != nil {
		metrics, err = infrastructure.CreateBusinessMetrics(otelProviders.Meter)
		if err != nil {
			return nil, fmt.Errorf("create business metrics: %w", err)
		}
	}

	app.hub = websocket.NewHub(logger)

	app.history, err = newHistoryStore(cfg.History)
	if err != nil {
		return nil, err
	}

	tracker := jobs.NewTracker(cfg.Jobs.RuntimeLogCap)
	runner := jobs.NewScriptRunner(cfg.Jobs.Interpreter, cfg.Jobs.ScriptDir, cfg.Jobs.OutputCap)

	app.executor = jobs.NewExecutor(runner, tracker, app.history, logger, cfg.Jobs.Timeout,
		jobs.WithMetrics(metrics),
		jobs.WithNotify(func(_ string, state jobs.RuntimeState) {
			app.hub.Broadcast(websocket.TypeJobStatus, state)
		}),
	)

	loc, err := time.LoadLocation(cfg.Pipeline.Timezone)
	if err != nil {
		logger.Warn("unknown timezone, using local",
			slog.String("timezone", cfg.Pipeline.Timezone))
		loc = time.Local
	}

	app.pipeline = pipeline.NewRunner(app.executor, logger, pipeline.Options{
		WindowDays: cfg.Pipeline.WindowDays,
		IncludeCBB: cfg.Pipeline.IncludeCBB,
		LogCap:     cfg.Pipeline.LogCap,
		Location:   loc,
	},
		pipeline.WithMetrics(metrics),
		pipeline.WithNotify(
			func(state pipeline.State) {
				app.hub.Broadcast(websocket.TypePipelineStatus, state)
			},
			func(entry jobs.LogEntry) {
				app.hub.Broadcast(websocket.TypePipelineLog, entry)
			},
		),
	)

	if cfg.Pipeline.AutoRefreshEnabled {
		app.schedule = pipeline.NewScheduler(app.pipeline, logger,
			cfg.Pipeline.AutoRefreshHour, cfg.Pipeline.AutoRefreshMinute, loc)
	}

	service := services.NewJobService(app.executor, app.pipeline, logger)

	router := transporthttp.NewRouter(transporthttp.RouterDeps{
		Config: cfg,
		Logger: logger,
		Jobs:   transporthttp.NewJobsHandler(service, logger, otelProviders.Tracer),
		Health: transporthttp.NewHealthHandler(infrastructure.ServiceVersion),
		WS: transporthttp.NewWSHandler(app.hub, logger, cfg.Security.AllowedOrigins,
			cfg.WebSocket.ReadBufferSize, cfg.WebSocket.WriteBufferSize),
		Metrics: otelProviders.PrometheusHTTP,
	})

	app.server = &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	return app, nil
}

// newHistoryStore selects the configured history backend.
func newHistoryStore(cfg config.HistoryConfig) (jobs.HistoryStore, error) {
	switch cfg.Backend {
	case "sqlite":
		store, err := jobs.NewSQLiteHistory(cfg.Path, cfg.Capacity)
		if err != nil {
			return nil, fmt.Errorf("open sqlite history: %w", err)
		}
		return store, nil
	default:
		return jobs.NewMemoryHistory(cfg.Capacity), nil
	}
}

// Run starts the service and blocks until a signal or a fatal error.
func (app *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app.hub.Start()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.logger.Info("server starting",
			slog.String("addr", app.server.Addr))
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if app.schedule != nil {
		g.Go(func() error {
			if err := app.schedule.Run(gctx); err != nil && err != context.Canceled {
				return fmt.Errorf("scheduler: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return app.shutdown()
	})

	if err := g.Wait(); err != nil {
		return err
	}

	app.logger.Info("server stopped")
	return nil
}

// shutdown drains the HTTP server and releases resources.
func (app *Application) shutdown() error {
	app.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("server shutdown failed", slog.String("error", err.Error()))
	}

	app.hub.Stop()

	if err := app.history.Close(); err != nil {
		app.logger.Error("history close failed", slog.String("error", err.Error()))
	}

	if err := app.otel.Shutdown(ctx); err != nil {
		app.logger.Error("otel shutdown failed", slog.String("error", err.Error()))
	}

	infrastructure.CloseLogFile()
	return nil
}
