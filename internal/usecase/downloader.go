package usecase

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"RiskEngine/internal/domain"
	"RiskEngine/internal/metrics"
	"RiskEngine/internal/ports"
)

const defaultRetentionDays = 14

// DownloaderDeps wires the adapters used by the package downloader.
type DownloaderDeps struct {
	Distribution  ports.DistributionService
	Verifier      ports.PackageVerifier
	Store         ports.PackageStore
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	RetentionDays int
	Now           func() time.Time
}

// Downloader fetches the packages the local store is missing.
type Downloader struct {
	distribution  ports.DistributionService
	verifier      ports.PackageVerifier
	store         ports.PackageStore
	metrics       *metrics.Metrics
	logger        *slog.Logger
	retentionDays int
	now           func() time.Time

	mu          sync.Mutex
	lastFetched map[domain.PackageKind]domain.PackageID
}

// NewDownloader constructs the downloader.
func NewDownloader(deps DownloaderDeps) *Downloader {
	d := &Downloader{
		distribution:  deps.Distribution,
		verifier:      deps.Verifier,
		store:         deps.Store,
		metrics:       deps.Metrics,
		logger:        deps.Logger,
		retentionDays: deps.RetentionDays,
		now:           deps.Now,
		lastFetched:   make(map[domain.PackageKind]domain.PackageID),
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.retentionDays <= 0 {
		d.retentionDays = defaultRetentionDays
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// LastFetched returns the newest package identifier of kind known to be
// stored locally.
func (d *Downloader) LastFetched(kind domain.PackageKind) (domain.PackageID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.lastFetched[kind]
	return id, ok
}

// FetchIfNeeded downloads the delta between the server catalog and the local
// store. Packages that were fetched, verified and committed are kept even when
// later ones fail; the failures are reported in the outcome.
func (d *Downloader) FetchIfNeeded(ctx context.Context, kind domain.PackageKind) domain.DownloadOutcome {
	outcome := domain.DownloadOutcome{Kind: kind}
	logger := d.logger.With("kind", string(kind))

	today := domain.DateOf(d.now())
	earliest := today.AddDays(-(d.retentionDays - 1))

	stored, err := d.store.StoredIDs(ctx, kind)
	if err != nil {
		outcome.Error = asDownloadError(err, domain.DownloadErrorDiskFull)
		return outcome
	}
	d.trackStored(kind, stored)

	wanted, errs := d.delta(ctx, kind, stored, today, earliest)

	for _, id := range wanted {
		if err := d.fetchOne(ctx, kind, id); err != nil {
			logger.Warn("package not committed", "package", id.String(), "error", err)
			errs = append(errs, err)
			if errors.Is(err, domain.ErrQuotaExhausted) || errors.Is(err, &domain.DownloadError{Kind: domain.DownloadErrorDiskFull}) {
				break
			}
			continue
		}
		outcome.Fetched = append(outcome.Fetched, id)
		outcome.NewPackagesFetched = true
	}

	if removed, err := d.store.PrunePackages(ctx, kind, earliest); err != nil {
		logger.Warn("prune packages failed", "error", err)
	} else if removed > 0 {
		logger.Info("pruned expired packages", "removed", removed, "before", string(earliest))
	}

	if len(errs) > 0 {
		first := asDownloadError(errs[0], domain.DownloadErrorNetwork)
		outcome.Error = domain.NewDownloadError(first.Kind, errors.Join(errs...))
		outcome.QuotaExhausted = errors.Is(outcome.Error, domain.ErrQuotaExhausted)
	}

	logger.Info("download finished",
		"fetched", len(outcome.Fetched),
		"failed", len(errs),
		"quota_exhausted", outcome.QuotaExhausted,
	)
	return outcome
}

// delta lists the day packages inside the retention window and, while today
// has no day package yet, today's hour packages.
func (d *Downloader) delta(ctx context.Context, kind domain.PackageKind, stored map[domain.PackageID]bool, today, earliest domain.Date) ([]domain.PackageID, []error) {
	var errs []error

	days, err := d.distribution.AvailableDays(ctx, kind)
	if err != nil {
		return nil, []error{asDownloadError(err, domain.DownloadErrorNetwork)}
	}

	var wanted []domain.PackageID
	todayListed := false
	for _, day := range days {
		if day == today {
			todayListed = true
		}
		if day.Before(earliest) || today.Before(day) {
			continue
		}
		if id := domain.DayID(day); !stored[id] {
			wanted = append(wanted, id)
		}
	}

	if !todayListed {
		hours, err := d.distribution.AvailableHours(ctx, kind, today)
		if err != nil {
			errs = append(errs, asDownloadError(err, domain.DownloadErrorNetwork))
		}
		for _, hour := range hours {
			if id := domain.HourID(today, hour); !stored[id] {
				wanted = append(wanted, id)
			}
		}
	}

	slices.SortFunc(wanted, func(a, b domain.PackageID) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		default:
			return 0
		}
	})
	return wanted, errs
}

func (d *Downloader) fetchOne(ctx context.Context, kind domain.PackageKind, id domain.PackageID) error {
	payload, err := d.distribution.FetchPackage(ctx, kind, id)
	if err != nil {
		d.metrics.PackageDownloaded(kind, "failed")
		return asDownloadError(err, domain.DownloadErrorNetwork)
	}

	if err := d.verifier.Verify(payload); err != nil {
		d.metrics.PackageDownloaded(kind, "rejected")
		return domain.NewDownloadError(domain.DownloadErrorDecodeFailed, err)
	}

	err = d.store.SavePackage(ctx, domain.Package{
		Kind:      kind,
		ID:        id,
		Payload:   payload,
		FetchedAt: d.now().UTC(),
	})
	if err != nil {
		d.metrics.PackageDownloaded(kind, "failed")
		return asDownloadError(err, domain.DownloadErrorDiskFull)
	}

	d.metrics.PackageDownloaded(kind, "ok")
	d.track(kind, id)
	return nil
}

func (d *Downloader) trackStored(kind domain.PackageKind, stored map[domain.PackageID]bool) {
	for id := range stored {
		d.track(kind, id)
	}
}

func (d *Downloader) track(kind domain.PackageKind, id domain.PackageID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lastFetched[kind]; !ok || last.Less(id) {
		d.lastFetched[kind] = id
	}
}

func asDownloadError(err error, fallback domain.DownloadErrorKind) *domain.DownloadError {
	var de *domain.DownloadError
	if errors.As(err, &de) {
		return de
	}
	return domain.NewDownloadError(fallback, err)
}
