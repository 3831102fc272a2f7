package usecase

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RiskEngine/internal/consumer"
	"RiskEngine/internal/domain"
	"RiskEngine/internal/risk"
)

type spyFetcher struct {
	mu       sync.Mutex
	calls    []domain.PackageKind
	outcomes map[domain.PackageKind]domain.DownloadOutcome
}

func (f *spyFetcher) FetchIfNeeded(_ context.Context, kind domain.PackageKind) domain.DownloadOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, kind)
	outcome := f.outcomes[kind]
	outcome.Kind = kind
	return outcome
}

func (f *spyFetcher) setOutcome(kind domain.PackageKind, outcome domain.DownloadOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[kind] = outcome
}

func (f *spyFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recorder struct {
	consumer *consumer.Consumer

	mu       sync.Mutex
	states   []domain.ActivityState
	results  []domain.CachedRiskResult
	failures []error
}

func newRecorder() *recorder {
	r := &recorder{}
	r.consumer = &consumer.Consumer{
		OnRisk: func(result domain.CachedRiskResult) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.results = append(r.results, result)
		},
		OnFailure: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.failures = append(r.failures, err)
		},
		OnActivityStateChanged: func(state domain.ActivityState) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, state)
		},
	}
	return r
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states, r.results, r.failures = nil, nil, nil
}

func (r *recorder) snapshot() ([]domain.ActivityState, []domain.CachedRiskResult, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ActivityState(nil), r.states...),
		append([]domain.CachedRiskResult(nil), r.results...),
		append([]error(nil), r.failures...)
}

type engineHarness struct {
	engine   *Engine
	fetcher  *spyFetcher
	store    *memoryStore
	policy   *fakePolicy
	executor *fakeExecutor
	clock    *fakeClock
	recorder *recorder
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()

	h := &engineHarness{
		fetcher:  &spyFetcher{outcomes: map[domain.PackageKind]domain.DownloadOutcome{}},
		store:    newMemoryStore(),
		policy:   &fakePolicy{},
		executor: &fakeExecutor{},
		clock:    &fakeClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)},
		recorder: newRecorder(),
	}
	h.engine = NewEngine(EngineDeps{
		Fetcher:       h.fetcher,
		Executor:      h.executor,
		Decoder:       fakeDecoder{},
		Packages:      h.store,
		Store:         h.store,
		Checkins:      h.store,
		Policy:        h.policy,
		Registry:      consumer.NewRegistry(discardLogger()),
		Scoring:       risk.DefaultScoringConfiguration(),
		Configuration: domain.DefaultRiskProvidingConfiguration(),
		Logger:        discardLogger(),
		Now:           h.clock.Now,
	})
	h.engine.Subscribe(h.recorder.consumer)
	require.NoError(t, h.engine.Load(context.Background()))
	return h
}

func highExposureWindow(day domain.Date) domain.ExposureWindow {
	scans := make([]domain.ScanInstance, 5)
	for i := range scans {
		scans[i] = domain.ScanInstance{MinAttenuation: 45, TypicalAttenuation: 50, SecondsSinceLastScan: 300}
	}
	return domain.ExposureWindow{
		Date:                  day,
		Infectiousness:        domain.InfectiousnessHigh,
		ReportType:            domain.ReportTypeConfirmedTest,
		TransmissionRiskLevel: 8,
		ScanInstances:         scans,
	}
}

func TestRequestRiskNormalRunSequence(t *testing.T) {
	t.Parallel()
	h := newEngineHarness(t)
	h.executor.windows = []domain.ExposureWindow{highExposureWindow("2024-03-09")}

	result, err := h.engine.RequestRisk(context.Background(), false, time.Second)
	require.NoError(t, err)

	assert.Equal(t, domain.RiskLevelHigh, result.CombinedRiskLevel)
	assert.True(t, result.RiskLevelChanged)
	assert.Equal(t, h.clock.Now(), result.ComputedAt)

	states, results, failures := h.recorder.snapshot()
	assert.Equal(t, []domain.ActivityState{
		domain.ActivityRiskRequested,
		domain.ActivityDownloading,
		domain.ActivityDetecting,
		domain.ActivityIdle,
	}, states)
	require.Len(t, results, 1)
	assert.Empty(t, failures)
	assert.Equal(t, []domain.PackageKind{domain.PackageKindKeys, domain.PackageKindTraceWarnings}, h.fetcher.calls)

	persisted, err := h.store.LoadResult(context.Background())
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, domain.RiskLevelHigh, persisted.CombinedRiskLevel)
	assert.Equal(t, domain.ActivityIdle, h.engine.ActivityState())
}

func TestIdleSubscriberCanStartNextRun(t *testing.T) {
	t.Parallel()
	h := newEngineHarness(t)

	var (
		mu     sync.Mutex
		events []string
		once   sync.Once
	)
	record := func(event string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event)
	}

	followUp := make(chan error, 1)
	c := &consumer.Consumer{
		OnRisk: func(domain.CachedRiskResult) { record("risk") },
		OnActivityStateChanged: func(state domain.ActivityState) {
			record(state.String())
			if state != domain.ActivityIdle {
				return
			}
			once.Do(func() {
				h.engine.RequestRiskAsync(context.Background(), true, 0, func(_ domain.CachedRiskResult, err error) {
					followUp <- err
				})
			})
		},
	}
	h.engine.Subscribe(c)

	_, err := h.engine.RequestRisk(context.Background(), true, time.Second)
	require.NoError(t, err)

	select {
	case err := <-followUp:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("follow-up request never completed")
	}
	assert.Equal(t, int32(2), h.executor.calls.Load())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"riskRequested", "downloading", "detecting", "idle", "risk",
		"riskRequested", "downloading", "detecting", "idle", "risk",
	}, events)
	runtime.KeepAlive(c)
}

func TestRequestRiskTwiceDetectsAtMostOnce(t *testing.T) {
	t.Parallel()
	h := newEngineHarness(t)

	first, err := h.engine.RequestRisk(context.Background(), false, time.Second)
	require.NoError(t, err)
	h.recorder.reset()

	h.clock.Advance(time.Minute)
	second, err := h.engine.RequestRisk(context.Background(), false, time.Second)
	require.NoError(t, err)

	assert.Equal(t, int32(1), h.executor.calls.Load())
	assert.Equal(t, first.ComputedAt, second.ComputedAt)

	states, _, _ := h.recorder.snapshot()
	assert.Equal(t, []domain.ActivityState{
		domain.ActivityRiskRequested,
		domain.ActivityDownloading,
		domain.ActivityIdle,
	}, states)
}

func TestRequestRiskRecomputesOnEachTrigger(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		prepare func(h *engineHarness)
		user    bool
	}{
		{name: "user initiated", user: true, prepare: func(*engineHarness) {}},
		{name: "new packages", prepare: func(h *engineHarness) {
			h.fetcher.setOutcome(domain.PackageKindKeys, domain.DownloadOutcome{NewPackagesFetched: true})
		}},
		{name: "age alone", prepare: func(h *engineHarness) {
			h.clock.Advance(h.engine.Configuration().RecomputeInterval + time.Minute)
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newEngineHarness(t)

			_, err := h.engine.RequestRisk(context.Background(), false, time.Second)
			require.NoError(t, err)

			tc.prepare(h)
			_, err = h.engine.RequestRisk(context.Background(), tc.user, time.Second)
			require.NoError(t, err)

			assert.Equal(t, int32(2), h.executor.calls.Load())
		})
	}
}

func TestPolicySuppressionDownloadsWithoutDetection(t *testing.T) {
	t.Parallel()
	h := newEngineHarness(t)
	h.policy.suppress.Store(true)

	_, err := h.engine.RequestRisk(context.Background(), true, time.Second)

	require.ErrorIs(t, err, domain.ErrDeactivatedByPolicy)
	assert.Equal(t, int32(0), h.executor.calls.Load())
	assert.Equal(t, 2, h.fetcher.callCount())

	states, results, failures := h.recorder.snapshot()
	assert.Equal(t, []domain.ActivityState{
		domain.ActivityOnlyDownloadsRequested,
		domain.ActivityDownloading,
		domain.ActivityIdle,
	}, states)
	assert.Empty(t, results)
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], domain.ErrDeactivatedByPolicy)
}

func TestTransientPlatformErrorRespectsValidity(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		advance     time.Duration
		err         error
		wantFailure bool
	}{
		{name: "rate limited inside validity", advance: 5 * time.Hour, err: domain.NewPlatformError(domain.PlatformErrorRateLimited, nil)},
		{name: "inaccessible inside validity", advance: 5 * time.Hour, err: domain.NewPlatformError(domain.PlatformErrorDataInaccessible, nil)},
		{name: "rate limited outside validity", advance: 49 * time.Hour, err: domain.NewPlatformError(domain.PlatformErrorRateLimited, nil), wantFailure: true},
		{name: "internal error inside validity", advance: 5 * time.Hour, err: domain.NewPlatformError(domain.PlatformErrorInternal, nil), wantFailure: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newEngineHarness(t)

			first, err := h.engine.RequestRisk(context.Background(), false, time.Second)
			require.NoError(t, err)
			h.recorder.reset()

			h.executor.err = tc.err
			h.clock.Advance(tc.advance)
			result, err := h.engine.RequestRisk(context.Background(), false, time.Second)

			_, results, failures := h.recorder.snapshot()
			if tc.wantFailure {
				require.ErrorIs(t, err, domain.ErrPlatformDetectionFailed)
				assert.ErrorIs(t, err, tc.err)
				require.Len(t, failures, 1)
				assert.Empty(t, results)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, first.ComputedAt, result.ComputedAt)
			assert.Empty(t, failures)
			assert.Len(t, results, 1)
		})
	}
}

func TestDownloadFailureSurfacesWithoutAlternative(t *testing.T) {
	t.Parallel()
	h := newEngineHarness(t)
	h.fetcher.setOutcome(domain.PackageKindKeys, domain.DownloadOutcome{
		Error: domain.NewDownloadError(domain.DownloadErrorNetwork, errors.New("refused")),
	})

	_, err := h.engine.RequestRisk(context.Background(), false, time.Second)

	require.ErrorIs(t, err, domain.ErrDownloadFailed)
	assert.ErrorIs(t, err, &domain.DownloadError{Kind: domain.DownloadErrorNetwork})
	assert.Equal(t, int32(0), h.executor.calls.Load())
}

func TestDownloadFailureFallsBackToStoredPackages(t *testing.T) {
	t.Parallel()
	h := newEngineHarness(t)
	require.NoError(t, h.store.SavePackage(context.Background(), domain.Package{Kind: domain.PackageKindKeys, ID: domain.DayID("2024-03-09")}))
	h.fetcher.setOutcome(domain.PackageKindKeys, domain.DownloadOutcome{
		Error: domain.NewDownloadError(domain.DownloadErrorServerRejected, domain.ErrQuotaExhausted),
	})

	_, err := h.engine.RequestRisk(context.Background(), false, time.Second)

	require.NoError(t, err)
	assert.Equal(t, int32(1), h.executor.calls.Load())
}

func TestConcurrentRequestsRunOnce(t *testing.T) {
	t.Parallel()
	h := newEngineHarness(t)
	h.executor.release = make(chan struct{})

	const foreground, background = 30, 10
	results := make(chan error, foreground+background)

	var wg sync.WaitGroup
	for i := 0; i < foreground+background; i++ {
		userInitiated := i < foreground
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.RequestRisk(context.Background(), userInitiated, 5*time.Second)
			results <- err
		}()
	}

	alreadyRunning := 0
	for alreadyRunning < foreground+background-1 {
		select {
		case err := <-results:
			require.ErrorIs(t, err, domain.ErrAlreadyRunning)
			alreadyRunning++
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d callers reported alreadyRunning", alreadyRunning)
		}
	}

	close(h.executor.release)
	wg.Wait()
	close(results)

	var remaining []error
	for err := range results {
		remaining = append(remaining, err)
	}
	require.Len(t, remaining, 1)
	assert.NoError(t, remaining[0])
	assert.Equal(t, int32(1), h.executor.calls.Load())

	_, delivered, _ := h.recorder.snapshot()
	assert.Len(t, delivered, 1)
}

func TestTimedOutCallerIsNotReportedTwice(t *testing.T) {
	t.Parallel()
	h := newEngineHarness(t)
	h.executor.release = make(chan struct{})
	h.executor.started = make(chan struct{}, 1)

	var deliveries atomic.Int32
	var firstErr atomic.Value
	h.engine.RequestRiskAsync(context.Background(), true, 20*time.Millisecond, func(_ domain.CachedRiskResult, err error) {
		if deliveries.Add(1) == 1 && err != nil {
			firstErr.Store(err)
		}
	})

	<-h.executor.started
	require.Eventually(t, func() bool { return deliveries.Load() == 1 }, time.Second, 5*time.Millisecond)
	err, _ := firstErr.Load().(error)
	require.ErrorIs(t, err, domain.ErrTimedOut)

	close(h.executor.release)
	require.Eventually(t, func() bool {
		_, results, _ := h.recorder.snapshot()
		return len(results) == 1
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.engine.ActivityState() == domain.ActivityIdle }, time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), deliveries.Load())
	_, ok := h.engine.CachedResult()
	assert.True(t, ok)
}

func TestWaitBlocksUntilDetachedRunFinishes(t *testing.T) {
	t.Parallel()
	h := newEngineHarness(t)
	require.NoError(t, h.engine.Wait(context.Background()))

	h.executor.release = make(chan struct{})
	h.executor.started = make(chan struct{}, 1)

	_, err := h.engine.RequestRisk(context.Background(), true, 10*time.Millisecond)
	require.ErrorIs(t, err, domain.ErrTimedOut)
	<-h.executor.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.engine.Wait(ctx), context.DeadlineExceeded)

	close(h.executor.release)
	require.NoError(t, h.engine.Wait(context.Background()))

	assert.Equal(t, domain.ActivityIdle, h.engine.ActivityState())
	persisted, err := h.store.LoadResult(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, persisted)
}

func TestCallerContextEndsOnlyTheWait(t *testing.T) {
	t.Parallel()
	h := newEngineHarness(t)
	h.executor.release = make(chan struct{})
	h.executor.started = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := h.engine.RequestRisk(ctx, true, 0)
		errs <- err
	}()

	<-h.executor.started
	cancel()
	require.ErrorIs(t, <-errs, domain.ErrTimedOut)

	close(h.executor.release)
	require.Eventually(t, func() bool {
		_, ok := h.engine.CachedResult()
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestCheckinWarningsRaiseRisk(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 3, 9, 18, 0, 0, 0, time.UTC)
	h := newEngineHarness(t)
	h.engine.decoder = fakeDecoder{warnings: []domain.TraceWarning{{
		LocationIDHash:        "venue",
		StartIntervalNumber:   start.Unix() / int64(domain.WarningIntervalLength/time.Second),
		Period:                6,
		TransmissionRiskLevel: 8,
	}}}
	require.NoError(t, h.store.SavePackage(context.Background(), domain.Package{Kind: domain.PackageKindTraceWarnings, ID: domain.DayID("2024-03-09")}))

	checkin, err := h.engine.RecordCheckin(context.Background(), domain.Checkin{
		LocationIDHash: "venue",
		Start:          start,
		End:            start.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, checkin.ID)

	result, err := h.engine.RequestRisk(context.Background(), true, time.Second)
	require.NoError(t, err)

	assert.Equal(t, domain.RiskLevelHigh, result.CombinedRiskLevel)
	assert.Equal(t, domain.RiskLevelHigh, result.Checkin.RiskLevelByDate["2024-03-09"])
	assert.Equal(t, domain.RiskLevelUnknown, result.Exposure.RiskLevel)
}

func TestRecordCheckinRejectsEmptyInterval(t *testing.T) {
	t.Parallel()
	h := newEngineHarness(t)
	now := h.clock.Now()

	_, err := h.engine.RecordCheckin(context.Background(), domain.Checkin{LocationIDHash: "x", Start: now, End: now})
	assert.Error(t, err)
}

func TestLoadRestoresPersistedResult(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	cfg := domain.DefaultRiskProvidingConfiguration()
	require.NoError(t, store.SaveConfiguration(context.Background(), cfg))
	computed := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveResult(context.Background(), domain.CachedRiskResult{ComputedAt: computed, CombinedRiskLevel: domain.RiskLevelLow}))

	engine := NewEngine(EngineDeps{Store: store, Configuration: cfg, Logger: discardLogger()})
	require.NoError(t, engine.Load(context.Background()))

	result, ok := engine.CachedResult()
	require.True(t, ok)
	assert.Equal(t, domain.RiskLevelLow, result.CombinedRiskLevel)
	assert.Equal(t, computed.Add(cfg.RecomputeInterval), engine.NextDetectionDate())
}

func TestLoadDiscardsResultAfterConfigurationChange(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	old := domain.DefaultRiskProvidingConfiguration()
	require.NoError(t, store.SaveConfiguration(context.Background(), old))
	require.NoError(t, store.SaveResult(context.Background(), domain.CachedRiskResult{ComputedAt: time.Now()}))

	cfg := old
	cfg.RecomputeInterval = time.Hour
	engine := NewEngine(EngineDeps{Store: store, Configuration: cfg, Logger: discardLogger()})
	require.NoError(t, engine.Load(context.Background()))

	_, ok := engine.CachedResult()
	assert.False(t, ok)
	persisted, err := store.LoadResult(context.Background())
	require.NoError(t, err)
	assert.Nil(t, persisted)
	saved, found, err := store.LoadConfiguration(context.Background())
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, cfg, saved)
}

func TestSetConfigurationInvalidatesOnChange(t *testing.T) {
	t.Parallel()
	h := newEngineHarness(t)

	_, err := h.engine.RequestRisk(context.Background(), false, time.Second)
	require.NoError(t, err)

	require.NoError(t, h.engine.SetConfiguration(context.Background(), h.engine.Configuration()))
	_, ok := h.engine.CachedResult()
	assert.True(t, ok, "unchanged configuration keeps the result")

	cfg := h.engine.Configuration()
	cfg.DetectionMode = domain.DetectionModeManual
	require.NoError(t, h.engine.SetConfiguration(context.Background(), cfg))
	_, ok = h.engine.CachedResult()
	assert.False(t, ok)
	assert.Equal(t, domain.DetectionModeManual, h.engine.Configuration().DetectionMode)

	bad := cfg
	bad.ValidityDuration = 0
	assert.Error(t, h.engine.SetConfiguration(context.Background(), bad))
}

func TestAuthorizationChangeForcesRecompute(t *testing.T) {
	t.Parallel()
	h := newEngineHarness(t)

	_, err := h.engine.RequestRisk(context.Background(), false, time.Second)
	require.NoError(t, err)
	require.NoError(t, h.engine.AuthorizationChanged(context.Background(), false))

	_, err = h.engine.RequestRisk(context.Background(), false, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int32(2), h.executor.calls.Load())
}

func TestManualDetectionState(t *testing.T) {
	t.Parallel()
	h := newEngineHarness(t)

	assert.Equal(t, domain.ManualDetectionPossible, h.engine.ManualDetectionState())
	assert.True(t, h.engine.NextDetectionDate().IsZero())

	_, err := h.engine.RequestRisk(context.Background(), true, time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.ManualDetectionWaiting, h.engine.ManualDetectionState())

	h.clock.Advance(h.engine.Configuration().RecomputeInterval)
	assert.Equal(t, domain.ManualDetectionPossible, h.engine.ManualDetectionState())
}
