package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"RiskEngine/internal/domain"
	"RiskEngine/internal/ports"
)

// Scheduler wires the cron-like driver with background risk requests.
type Scheduler struct {
	driver  ports.Scheduler
	engine  *Engine
	timeout time.Duration
	logger  *slog.Logger
}

// NewScheduler returns a helper to start/stop recurring risk requests.
func NewScheduler(driver ports.Scheduler, engine *Engine, timeout time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{driver: driver, engine: engine, timeout: timeout, logger: logger}
}

// Start registers the background trigger with the provided scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.engine == nil {
		return nil
	}
	return s.driver.Start(ctx, func(trigger time.Time) { s.Trigger(ctx, trigger) })
}

// Trigger issues one background request. Manual detection mode skips it.
func (s *Scheduler) Trigger(ctx context.Context, trigger time.Time) {
	if s.engine.Configuration().DetectionMode == domain.DetectionModeManual {
		s.logger.Debug("manual detection mode, background request skipped", "trigger", trigger)
		return
	}

	result, err := s.engine.RequestRisk(ctx, false, s.timeout)
	switch {
	case err == nil:
		s.logger.Info("background risk request finished",
			"trigger", trigger,
			"risk_level", result.CombinedRiskLevel.String(),
			"computed_at", result.ComputedAt,
		)
	case errors.Is(err, domain.ErrAlreadyRunning):
		s.logger.Debug("background risk request skipped, run in progress", "trigger", trigger)
	default:
		s.logger.Warn("background risk request failed", "trigger", trigger, "error", err)
	}
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}
