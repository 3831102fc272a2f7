package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"RiskEngine/internal/domain"
	"RiskEngine/internal/risk"
)

type fakeDistribution struct {
	mu       sync.Mutex
	days     map[domain.PackageKind][]domain.Date
	hours    map[domain.PackageKind][]int
	payloads map[domain.PackageID][]byte
	fetchErr map[domain.PackageID]error
	listErr  error
	fetches  []domain.PackageID
}

func newFakeDistribution() *fakeDistribution {
	return &fakeDistribution{
		days:     map[domain.PackageKind][]domain.Date{},
		hours:    map[domain.PackageKind][]int{},
		payloads: map[domain.PackageID][]byte{},
		fetchErr: map[domain.PackageID]error{},
	}
}

func (f *fakeDistribution) AvailableDays(_ context.Context, kind domain.PackageKind) ([]domain.Date, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]domain.Date(nil), f.days[kind]...), nil
}

func (f *fakeDistribution) AvailableHours(_ context.Context, kind domain.PackageKind, _ domain.Date) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.hours[kind]...), nil
}

func (f *fakeDistribution) FetchPackage(_ context.Context, _ domain.PackageKind, id domain.PackageID) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, id)
	if err := f.fetchErr[id]; err != nil {
		return nil, err
	}
	if payload, ok := f.payloads[id]; ok {
		return payload, nil
	}
	return []byte("ok:" + id.String()), nil
}

func (f *fakeDistribution) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetches)
}

type fakeVerifier struct{}

func (fakeVerifier) Verify(payload []byte) error {
	if string(payload) == "bad" {
		return errors.New("signature mismatch")
	}
	return nil
}

type packageKey struct {
	kind domain.PackageKind
	id   domain.PackageID
}

type memoryStore struct {
	mu         sync.Mutex
	packages   map[packageKey]domain.Package
	cfg        *domain.RiskProvidingConfiguration
	result     *domain.CachedRiskResult
	checkins   []domain.Checkin
	saveErr    error
	savedCount int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{packages: map[packageKey]domain.Package{}}
}

func (s *memoryStore) StoredIDs(_ context.Context, kind domain.PackageKind) (map[domain.PackageID]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := map[domain.PackageID]bool{}
	for key := range s.packages {
		if key.kind == kind {
			ids[key.id] = true
		}
	}
	return ids, nil
}

func (s *memoryStore) SavePackage(_ context.Context, pkg domain.Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	if !pkg.ID.IsHour() {
		for key := range s.packages {
			if key.kind == pkg.Kind && key.id.Day == pkg.ID.Day && key.id.IsHour() {
				delete(s.packages, key)
			}
		}
	}
	s.packages[packageKey{pkg.Kind, pkg.ID}] = pkg
	return nil
}

func (s *memoryStore) Packages(_ context.Context, kind domain.PackageKind) ([]domain.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Package
	for key, pkg := range s.packages {
		if key.kind == kind {
			out = append(out, pkg)
		}
	}
	return out, nil
}

func (s *memoryStore) PrunePackages(_ context.Context, kind domain.PackageKind, before domain.Date) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key := range s.packages {
		if key.kind == kind && key.id.Day.Before(before) {
			delete(s.packages, key)
			removed++
		}
	}
	return removed, nil
}

func (s *memoryStore) LastFetched(_ context.Context, kind domain.PackageKind) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last time.Time
	for key, pkg := range s.packages {
		if key.kind == kind && pkg.FetchedAt.After(last) {
			last = pkg.FetchedAt
		}
	}
	return last, !last.IsZero(), nil
}

func (s *memoryStore) LoadConfiguration(context.Context) (domain.RiskProvidingConfiguration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		return domain.RiskProvidingConfiguration{}, false, nil
	}
	return *s.cfg, true, nil
}

func (s *memoryStore) SaveConfiguration(_ context.Context, cfg domain.RiskProvidingConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = &cfg
	return nil
}

func (s *memoryStore) LoadResult(context.Context) (*domain.CachedRiskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return nil, nil
	}
	copied := *s.result
	return &copied, nil
}

func (s *memoryStore) SaveResult(_ context.Context, result domain.CachedRiskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = &result
	s.savedCount++
	return nil
}

func (s *memoryStore) ClearResult(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = nil
	return nil
}

func (s *memoryStore) SaveCheckin(_ context.Context, checkin domain.Checkin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkins = append(s.checkins, checkin)
	return nil
}

func (s *memoryStore) Checkins(_ context.Context, since time.Time) ([]domain.Checkin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Checkin
	for _, c := range s.checkins {
		if !c.End.Before(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakePolicy struct {
	suppress atomic.Bool
}

func (p *fakePolicy) SuppressRiskCalculation(context.Context) (bool, error) {
	return p.suppress.Load(), nil
}

type fakeExecutor struct {
	calls   atomic.Int32
	windows []domain.ExposureWindow
	err     error
	release chan struct{}
	started chan struct{}
}

func (e *fakeExecutor) Detect(context.Context, risk.ScoringConfiguration, []domain.Package) ([]domain.ExposureWindow, error) {
	e.calls.Add(1)
	if e.started != nil {
		select {
		case e.started <- struct{}{}:
		default:
		}
	}
	if e.release != nil {
		<-e.release
	}
	return e.windows, e.err
}

type fakeDecoder struct {
	warnings []domain.TraceWarning
}

func (d fakeDecoder) DecodeTraceWarnings([]byte) ([]domain.TraceWarning, error) {
	return d.warnings, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
