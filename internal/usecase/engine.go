package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	"RiskEngine/internal/consumer"
	"RiskEngine/internal/domain"
	"RiskEngine/internal/metrics"
	"RiskEngine/internal/ports"
	"RiskEngine/internal/risk"
	"RiskEngine/internal/tracing"
)

// PackageFetcher downloads missing packages of one kind.
type PackageFetcher interface {
	FetchIfNeeded(ctx context.Context, kind domain.PackageKind) domain.DownloadOutcome
}

// EngineDeps wires the collaborators of the risk engine.
type EngineDeps struct {
	Fetcher       PackageFetcher
	Executor      ports.DetectionExecutor
	Decoder       ports.TraceWarningDecoder
	Packages      ports.PackageStore
	Store         ports.ConfigurationStore
	Checkins      ports.CheckinStore
	Policy        ports.PolicyOracle
	Registry      *consumer.Registry
	Scoring       risk.ScoringConfiguration
	Configuration domain.RiskProvidingConfiguration
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	Now           func() time.Time
}

// Engine coordinates downloads, platform detection and risk calculation.
//
// At most one run executes at a time. A run is started by RequestRisk and
// owns the activity state and the cached result until it finishes; callers
// that arrive meanwhile fail fast with domain.ErrAlreadyRunning.
//
// The platform detection call cannot be cancelled. A caller's timeout only
// ends that caller's wait: the run continues in the background and its
// outcome still reaches every subscriber of the registry.
type Engine struct {
	fetcher  PackageFetcher
	executor ports.DetectionExecutor
	decoder  ports.TraceWarningDecoder
	packages ports.PackageStore
	store    ports.ConfigurationStore
	checkins ports.CheckinStore
	policy   ports.PolicyOracle
	registry *consumer.Registry
	scoring  risk.ScoringConfiguration
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
	done    chan struct{}

	// notifyMu orders registry deliveries across runs.
	notifyMu sync.Mutex

	state      atomic.Int32
	config     atomic.Pointer[domain.RiskProvidingConfiguration]
	cached     atomic.Pointer[domain.CachedRiskResult]
	generation atomic.Uint64
}

// NewEngine constructs the engine. Call Load before the first request to
// rehydrate persisted state.
func NewEngine(deps EngineDeps) *Engine {
	e := &Engine{
		fetcher:  deps.Fetcher,
		executor: deps.Executor,
		decoder:  deps.Decoder,
		packages: deps.Packages,
		store:    deps.Store,
		checkins: deps.Checkins,
		policy:   deps.Policy,
		registry: deps.Registry,
		scoring:  deps.Scoring,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		now:      deps.Now,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.registry == nil {
		e.registry = consumer.NewRegistry(e.logger)
	}
	if e.now == nil {
		e.now = time.Now
	}
	cfg := deps.Configuration
	e.config.Store(&cfg)
	return e
}

// Load rehydrates the cached result. A persisted configuration that differs
// from the current one invalidates the persisted result.
func (e *Engine) Load(ctx context.Context) error {
	current := e.Configuration()

	persisted, found, err := e.store.LoadConfiguration(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	changed := found && persisted != current
	if !found || changed {
		if err := e.store.SaveConfiguration(ctx, current); err != nil {
			return fmt.Errorf("save configuration: %w", err)
		}
	}

	if changed {
		e.logger.Info("configuration changed since last start, discarding cached result")
		if err := e.store.ClearResult(ctx); err != nil {
			return fmt.Errorf("clear result: %w", err)
		}
		return nil
	}

	result, err := e.store.LoadResult(ctx)
	if err != nil {
		return fmt.Errorf("load result: %w", err)
	}
	if result != nil {
		e.cached.Store(result)
		e.metrics.SetRiskLevel(result.CombinedRiskLevel)
		e.logger.Info("restored cached result",
			"computed_at", result.ComputedAt,
			"risk_level", result.CombinedRiskLevel.String(),
		)
	}
	return nil
}

// Subscribe registers c with the engine's registry.
func (e *Engine) Subscribe(c *consumer.Consumer) *consumer.Subscription {
	return e.registry.Subscribe(c)
}

// SubscribeContext registers c until ctx is done.
func (e *Engine) SubscribeContext(ctx context.Context, c *consumer.Consumer) *consumer.Subscription {
	return e.registry.SubscribeContext(ctx, c)
}

// Unsubscribe removes every registration of c.
func (e *Engine) Unsubscribe(c *consumer.Consumer) {
	e.registry.Unsubscribe(c)
}

// ActivityState returns the current activity state.
func (e *Engine) ActivityState() domain.ActivityState {
	return domain.ActivityState(e.state.Load())
}

// Configuration returns the active risk configuration.
func (e *Engine) Configuration() domain.RiskProvidingConfiguration {
	return *e.config.Load()
}

// CachedResult returns the current result, if any.
func (e *Engine) CachedResult() (domain.CachedRiskResult, bool) {
	if cached := e.cached.Load(); cached != nil {
		return *cached, true
	}
	return domain.CachedRiskResult{}, false
}

// NextDetectionDate is when the cached result becomes eligible for a
// background recomputation. It is zero when nothing is cached.
func (e *Engine) NextDetectionDate() time.Time {
	cached := e.cached.Load()
	if cached == nil {
		return time.Time{}
	}
	return cached.ComputedAt.Add(e.Configuration().RecomputeInterval)
}

// ManualDetectionState tells manual-mode users whether a detection may be
// started now.
func (e *Engine) ManualDetectionState() domain.ManualDetectionState {
	next := e.NextDetectionDate()
	if next.IsZero() || !e.now().Before(next) {
		return domain.ManualDetectionPossible
	}
	return domain.ManualDetectionWaiting
}

// SetConfiguration validates, persists and activates cfg. A changed value
// invalidates the cached result.
func (e *Engine) SetConfiguration(ctx context.Context, cfg domain.RiskProvidingConfiguration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg == e.Configuration() {
		return nil
	}
	if err := e.store.SaveConfiguration(ctx, cfg); err != nil {
		return fmt.Errorf("save configuration: %w", err)
	}
	e.config.Store(&cfg)
	return e.invalidate(ctx, "configuration changed")
}

// AuthorizationChanged invalidates the cached result after the platform
// authorization state changed.
func (e *Engine) AuthorizationChanged(ctx context.Context, authorized bool) error {
	return e.invalidate(ctx, fmt.Sprintf("authorization changed (authorized=%t)", authorized))
}

// RecordCheckin stores a check-in, assigning an identifier when it has none.
func (e *Engine) RecordCheckin(ctx context.Context, checkin domain.Checkin) (domain.Checkin, error) {
	if checkin.ID == "" {
		checkin.ID = ulid.Make().String()
	}
	if !checkin.End.After(checkin.Start) {
		return domain.Checkin{}, fmt.Errorf("checkin %s: end must be after start", checkin.ID)
	}
	if err := e.checkins.SaveCheckin(ctx, checkin); err != nil {
		return domain.Checkin{}, fmt.Errorf("save checkin: %w", err)
	}
	return checkin, nil
}

func (e *Engine) invalidate(ctx context.Context, reason string) error {
	e.generation.Add(1)
	e.cached.Store(nil)
	e.metrics.SetRiskLevel(domain.RiskLevelUnknown)
	e.logger.Info("cached result invalidated", "reason", reason)
	if err := e.store.ClearResult(ctx); err != nil {
		return fmt.Errorf("clear result: %w", err)
	}
	return nil
}

// requestToken delivers the outcome of one request exactly once.
type requestToken struct {
	once    sync.Once
	deliver func(domain.CachedRiskResult, error)
}

func (t *requestToken) complete(result domain.CachedRiskResult, err error) bool {
	delivered := false
	t.once.Do(func() {
		delivered = true
		t.deliver(result, err)
	})
	return delivered
}

// RequestRiskAsync starts a run and calls deliver exactly once with its
// outcome, with domain.ErrAlreadyRunning when another run is active, or with
// domain.ErrTimedOut when timeout elapses first. A non-positive timeout waits
// for the run.
func (e *Engine) RequestRiskAsync(ctx context.Context, userInitiated bool, timeout time.Duration, deliver func(domain.CachedRiskResult, error)) {
	token := &requestToken{deliver: deliver}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		e.metrics.RunFinished("already_running")
		token.complete(domain.CachedRiskResult{}, domain.NewRiskError(domain.RiskErrorAlreadyRunning, nil))
		return
	}
	e.running = true
	e.done = make(chan struct{})
	e.mu.Unlock()

	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			if token.complete(domain.CachedRiskResult{}, domain.NewRiskError(domain.RiskErrorTimedOut, fmt.Errorf("no outcome within %s", timeout))) {
				e.metrics.RunFinished("timed_out")
			}
		})
	}

	go func() {
		result, err := e.run(context.WithoutCancel(ctx), userInitiated)
		if timer != nil {
			timer.Stop()
		}
		token.complete(result, err)
	}()
}

// Wait blocks until the run in progress, if any, has persisted its outcome
// and returned to idle, or until ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestRisk runs RequestRiskAsync and waits for its outcome. Cancelling
// ctx ends the wait with domain.ErrTimedOut; the run itself continues.
func (e *Engine) RequestRisk(ctx context.Context, userInitiated bool, timeout time.Duration) (domain.CachedRiskResult, error) {
	type outcome struct {
		result domain.CachedRiskResult
		err    error
	}
	done := make(chan outcome, 1)

	e.RequestRiskAsync(ctx, userInitiated, timeout, func(result domain.CachedRiskResult, err error) {
		done <- outcome{result: result, err: err}
	})

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return domain.CachedRiskResult{}, domain.NewRiskError(domain.RiskErrorTimedOut, ctx.Err())
	}
}

func (e *Engine) run(ctx context.Context, userInitiated bool) (result domain.CachedRiskResult, err error) {
	runID := ulid.Make().String()
	logger := e.logger.With("run_id", runID)
	generation := e.generation.Load()

	ctx, span := tracing.StartSpan(ctx, "risk.run",
		attribute.String("run_id", runID),
		attribute.Bool("user_initiated", userInitiated),
	)
	defer func() { tracing.End(span, err) }()

	suppress, policyErr := e.policy.SuppressRiskCalculation(ctx)
	if policyErr != nil {
		logger.Warn("policy oracle unavailable, assuming no suppression", "error", policyErr)
	}

	if suppress {
		e.setState(domain.ActivityOnlyDownloadsRequested)
		e.setState(domain.ActivityDownloading)
		e.download(ctx, logger)
		return e.fail(logger, "deactivated", domain.NewRiskError(domain.RiskErrorDeactivatedByPolicy, nil))
	}

	e.setState(domain.ActivityRiskRequested)
	e.setState(domain.ActivityDownloading)
	outcomes := e.download(ctx, logger)

	now := e.now()
	cfg := e.Configuration()
	cached := e.cached.Load()
	valid := cached != nil && cached.FreshAt(now, cfg.ValidityDuration)

	newData := false
	var keysErr *domain.DownloadError
	for _, outcome := range outcomes {
		newData = newData || outcome.NewPackagesFetched
		if outcome.Kind == domain.PackageKindKeys && outcome.Error != nil {
			keysErr = outcome.Error
		}
	}

	reason, recompute := shouldRecompute(userInitiated, newData, cached, cfg, now)
	if !recompute {
		logger.Info("serving cached result", "age", cached.Age(now))
		return e.succeed(logger, "cached", *cached)
	}

	if keysErr != nil && !valid {
		stored, storeErr := e.packages.StoredIDs(ctx, domain.PackageKindKeys)
		if storeErr != nil || len(stored) == 0 {
			return e.fail(logger, "download_failed", domain.NewRiskError(domain.RiskErrorDownloadFailed, keysErr))
		}
		logger.Warn("download failed, detecting on stored packages", "error", keysErr)
	}

	logger.Info("recomputing risk", "reason", reason)
	e.setState(domain.ActivityDetecting)

	computed, err := e.compute(ctx, logger, cached, now)
	if err != nil {
		var pe *domain.PlatformError
		var re *domain.RiskError
		switch {
		case errors.As(err, &pe) && pe.Transient() && valid:
			logger.Info("transient platform error absorbed, cached result still valid", "error", err)
			e.metrics.DetectionFinished("suppressed")
			return e.succeed(logger, "cached", *cached)
		case errors.As(err, &re):
			return e.fail(logger, "failed", err)
		default:
			e.metrics.DetectionFinished("failed")
			return e.fail(logger, "failed", domain.NewRiskError(domain.RiskErrorPlatformDetectionFailed, err))
		}
	}
	e.metrics.DetectionFinished("ok")

	if e.generation.Load() == generation {
		e.cached.Store(&computed)
		e.metrics.SetRiskLevel(computed.CombinedRiskLevel)
		if err := e.store.SaveResult(ctx, computed); err != nil {
			logger.Error("persist result failed", "error", err)
		}
	} else {
		logger.Info("result computed under an invalidated state, not cached")
	}

	logger.Info("risk computed",
		"risk_level", computed.CombinedRiskLevel.String(),
		"changed", computed.RiskLevelChanged,
		"exposure_considered", computed.Exposure.Counts.Considered,
		"checkins_considered", computed.Checkin.Counts.Considered,
	)
	return e.succeed(logger, "computed", computed)
}

// shouldRecompute reports whether cached may not be served as is.
func shouldRecompute(userInitiated, newData bool, cached *domain.CachedRiskResult, cfg domain.RiskProvidingConfiguration, now time.Time) (string, bool) {
	switch {
	case userInitiated:
		return "user initiated", true
	case newData:
		return "new packages", true
	case cached == nil:
		return "no cached result", true
	case cached.Age(now) > cfg.RecomputeInterval:
		return "recompute interval elapsed", true
	case !cached.FreshAt(now, cfg.ValidityDuration):
		return "cached result expired", true
	default:
		return "", false
	}
}

func (e *Engine) compute(ctx context.Context, logger *slog.Logger, previous *domain.CachedRiskResult, now time.Time) (domain.CachedRiskResult, error) {
	windows, err := e.detect(ctx)
	if err != nil {
		return domain.CachedRiskResult{}, err
	}

	warnings, err := e.traceWarnings(ctx)
	if err != nil {
		return domain.CachedRiskResult{}, domain.NewRiskError(domain.RiskErrorDecodingFailed, err)
	}

	since := now.Add(-time.Duration(e.scoring.LookbackDays) * 24 * time.Hour)
	checkins, err := e.checkins.Checkins(ctx, since)
	if err != nil {
		return domain.CachedRiskResult{}, domain.NewRiskError(domain.RiskErrorDecodingFailed, fmt.Errorf("load checkins: %w", err))
	}
	logger.Debug("evidence collected", "windows", len(windows), "warnings", len(warnings), "checkins", len(checkins))

	exposure := risk.CalculateExposureRisk(risk.ExposureEvidence{Windows: windows, Now: now}, e.scoring)
	checkin := risk.CalculateCheckinRisk(risk.CheckinEvidence{Checkins: checkins, Warnings: warnings, Now: now}, e.scoring)
	combined := risk.Combine(exposure, checkin)

	changed := combined.RiskLevel != domain.RiskLevelUnknown
	if previous != nil {
		changed = previous.CombinedRiskLevel != combined.RiskLevel
	}

	return domain.CachedRiskResult{
		ComputedAt:        now,
		Exposure:          exposure,
		Checkin:           checkin,
		CombinedRiskLevel: combined.RiskLevel,
		RiskLevelByDate:   combined.RiskLevelByDate,
		RiskLevelChanged:  changed,
	}, nil
}

func (e *Engine) detect(ctx context.Context) (windows []domain.ExposureWindow, err error) {
	packages, err := e.packages.Packages(ctx, domain.PackageKindKeys)
	if err != nil {
		return nil, domain.NewRiskError(domain.RiskErrorDecodingFailed, fmt.Errorf("load key packages: %w", err))
	}

	ctx, span := tracing.StartSpan(ctx, "risk.detect", attribute.Int("packages", len(packages)))
	defer func() { tracing.End(span, err) }()

	return e.executor.Detect(ctx, e.scoring, packages)
}

func (e *Engine) traceWarnings(ctx context.Context) ([]domain.TraceWarning, error) {
	packages, err := e.packages.Packages(ctx, domain.PackageKindTraceWarnings)
	if err != nil {
		return nil, fmt.Errorf("load trace-warning packages: %w", err)
	}

	var warnings []domain.TraceWarning
	for _, pkg := range packages {
		decoded, err := e.decoder.DecodeTraceWarnings(pkg.Payload)
		if err != nil {
			return nil, fmt.Errorf("package %s: %w", pkg.ID, err)
		}
		warnings = append(warnings, decoded...)
	}
	return warnings, nil
}

func (e *Engine) download(ctx context.Context, logger *slog.Logger) []domain.DownloadOutcome {
	ctx, span := tracing.StartSpan(ctx, "risk.download")

	outcomes := make([]domain.DownloadOutcome, 0, len(domain.PackageKinds))
	var errs []error
	for _, kind := range domain.PackageKinds {
		outcome := e.fetcher.FetchIfNeeded(ctx, kind)
		if outcome.Error != nil {
			logger.Warn("download incomplete", "kind", string(kind), "error", outcome.Error)
			errs = append(errs, outcome.Error)
		}
		outcomes = append(outcomes, outcome)
	}

	tracing.End(span, errors.Join(errs...))
	return outcomes
}

func (e *Engine) succeed(logger *slog.Logger, outcome string, result domain.CachedRiskResult) (domain.CachedRiskResult, error) {
	e.metrics.RunFinished(outcome)
	logger.Debug("run finished", "outcome", outcome)
	e.finish(consumer.RiskEvent(result))
	return result, nil
}

func (e *Engine) fail(logger *slog.Logger, outcome string, err error) (domain.CachedRiskResult, error) {
	e.metrics.RunFinished(outcome)
	logger.Warn("run failed", "outcome", outcome, "error", err)
	e.finish(consumer.FailureEvent(err))
	return domain.CachedRiskResult{}, err
}

// finish releases the run slot and enters idle in one step, then delivers
// idle followed by terminal. A run started from an idle callback cannot
// publish its own states before terminal has been delivered.
func (e *Engine) finish(terminal consumer.Event) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	e.mu.Lock()
	e.running = false
	e.state.Store(int32(domain.ActivityIdle))
	close(e.done)
	e.done = nil
	e.mu.Unlock()

	e.metrics.SetActivityState(domain.ActivityIdle)
	e.registry.Notify(consumer.ActivityEvent(domain.ActivityIdle))
	e.registry.Notify(terminal)
}

func (e *Engine) setState(state domain.ActivityState) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	e.state.Store(int32(state))
	e.metrics.SetActivityState(state)
	e.registry.Notify(consumer.ActivityEvent(state))
}
