package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"RiskEngine/internal/config"
	"RiskEngine/internal/consumer"
	"RiskEngine/internal/infrastructure/detection"
	"RiskEngine/internal/infrastructure/distribution"
	"RiskEngine/internal/infrastructure/parser"
	"RiskEngine/internal/infrastructure/scheduler"
	"RiskEngine/internal/infrastructure/storage"
	"RiskEngine/internal/infrastructure/telegram"
	"RiskEngine/internal/logging"
	"RiskEngine/internal/metrics"
	"RiskEngine/internal/tracing"
	"RiskEngine/internal/usecase"
	"RiskEngine/pkg/logger"
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg    config.Config
	logger *slog.Logger

	repo      *storage.SQLRepository
	engine    *usecase.Engine
	scheduler *usecase.Scheduler
	metrics   *metrics.Metrics
	notifier  *telegram.Notifier

	shutdownTracing func(context.Context) error
}

// New validates cfg, opens storage and builds the engine with its adapters.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}

	repo, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, fmt.Errorf("open storage: %w", err)
	}

	m := metrics.New()

	codec, err := distribution.NewExportCodec(cfg.Distribution.PublicKey)
	if err != nil {
		_ = repo.Close()
		_ = shutdownTracing(ctx)
		return nil, err
	}

	client, err := distribution.NewClient(cfg.Distribution, parser.NewRegistry(), m, baseLogger.With("component", "distribution"))
	if err != nil {
		_ = repo.Close()
		_ = shutdownTracing(ctx)
		return nil, err
	}

	downloader := usecase.NewDownloader(usecase.DownloaderDeps{
		Distribution:  client,
		Verifier:      codec,
		Store:         repo,
		Metrics:       m,
		Logger:        baseLogger.With("component", "downloader"),
		RetentionDays: cfg.Risk.RetentionDays,
	})

	executor := detection.NewQuotaGuard(
		detection.NewHTTPExecutor(cfg.Detection.Endpoint, cfg.Detection.APIKey, cfg.Detection.Timeout),
		cfg.Detection.DailyQuota,
	)

	engine := usecase.NewEngine(usecase.EngineDeps{
		Fetcher:       downloader,
		Executor:      executor,
		Decoder:       codec,
		Packages:      repo,
		Store:         repo,
		Checkins:      repo,
		Policy:        repo,
		Registry:      consumer.NewRegistry(baseLogger.With("component", "consumers")),
		Scoring:       cfg.Scoring,
		Configuration: cfg.Risk.Providing(),
		Metrics:       m,
		Logger:        baseLogger.With("component", "engine"),
	})
	if err := engine.Load(ctx); err != nil {
		_ = repo.Close()
		_ = shutdownTracing(ctx)
		return nil, fmt.Errorf("load engine state: %w", err)
	}

	var notifier *telegram.Notifier
	if n := telegram.NewNotifier(cfg.Notifications.Telegram, baseLogger.With("component", "telegram")); n.Configured() {
		notifier = n
		engine.Subscribe(notifier.Consumer())
	}

	driver := scheduler.NewCronScheduler(
		cfg.Scheduler.CronExpression,
		cfg.Scheduler.Location(),
		logger.New(baseLogger, "cron"),
	)

	return &Application{
		cfg:             cfg,
		logger:          baseLogger,
		repo:            repo,
		engine:          engine,
		scheduler:       usecase.NewScheduler(driver, engine, cfg.Risk.RequestTimeout, baseLogger.With("component", "scheduler")),
		metrics:         m,
		notifier:        notifier,
		shutdownTracing: shutdownTracing,
	}, nil
}

// Engine exposes the risk engine to CLI commands.
func (a *Application) Engine() *usecase.Engine {
	return a.engine
}

// Repository exposes the durable store for policy and status commands.
func (a *Application) Repository() *storage.SQLRepository {
	return a.repo
}

// Config returns the configuration the application was built with.
func (a *Application) Config() config.Config {
	return a.cfg
}

// Run starts the background scheduler and the metrics endpoint, then blocks
// until ctx is done.
func (a *Application) Run(ctx context.Context) error {
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	var srv *http.Server
	serveErr := make(chan error, 1)
	if a.cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		srv = &http.Server{
			Addr:              a.cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("metrics endpoint listening", "address", a.cfg.Metrics.Address)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	a.logger.Info("risk engine started",
		"cron", a.cfg.Scheduler.CronExpression,
		"detection_mode", a.engine.Configuration().DetectionMode,
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		runErr = fmt.Errorf("metrics endpoint: %w", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		a.logger.Warn("scheduler stop failed", "error", err)
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("metrics shutdown failed", "error", err)
		}
	}
	return runErr
}

// Close waits for a detached run to persist its result, then releases
// storage and flushes traces and pending notifications.
func (a *Application) Close(ctx context.Context) error {
	if err := a.engine.Wait(ctx); err != nil {
		a.logger.Warn("risk run still in progress at shutdown", "error", err)
	}
	if a.notifier != nil {
		a.notifier.Wait()
	}
	return errors.Join(a.repo.Close(), a.shutdownTracing(ctx))
}
