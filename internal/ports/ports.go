package ports

import (
	"context"
	"time"

	"RiskEngine/internal/domain"
	"RiskEngine/internal/risk"
)

// DistributionService exposes the remote catalog and payloads of packages.
// Implementations return *domain.DownloadError on failure.
type DistributionService interface {
	AvailableDays(ctx context.Context, kind domain.PackageKind) ([]domain.Date, error)
	AvailableHours(ctx context.Context, kind domain.PackageKind, day domain.Date) ([]int, error)
	FetchPackage(ctx context.Context, kind domain.PackageKind, id domain.PackageID) ([]byte, error)
}

// PackageVerifier checks signature and structure before a payload is stored.
type PackageVerifier interface {
	Verify(payload []byte) error
}

// TraceWarningDecoder extracts warnings from verified trace-warning packages.
type TraceWarningDecoder interface {
	DecodeTraceWarnings(payload []byte) ([]domain.TraceWarning, error)
}

// PackageStore keeps verified packages for detection. Saving a day package
// removes the hour packages of the same day.
type PackageStore interface {
	StoredIDs(ctx context.Context, kind domain.PackageKind) (map[domain.PackageID]bool, error)
	SavePackage(ctx context.Context, pkg domain.Package) error
	Packages(ctx context.Context, kind domain.PackageKind) ([]domain.Package, error)
	PrunePackages(ctx context.Context, kind domain.PackageKind, before domain.Date) (int, error)
	LastFetched(ctx context.Context, kind domain.PackageKind) (time.Time, bool, error)
}

// DetectionExecutor is the platform exposure-detection primitive. Errors are
// *domain.PlatformError. The call cannot be cancelled once started.
type DetectionExecutor interface {
	Detect(ctx context.Context, scoring risk.ScoringConfiguration, packages []domain.Package) ([]domain.ExposureWindow, error)
}

// ConfigurationStore persists the risk configuration and the last result.
type ConfigurationStore interface {
	LoadConfiguration(ctx context.Context) (domain.RiskProvidingConfiguration, bool, error)
	SaveConfiguration(ctx context.Context, cfg domain.RiskProvidingConfiguration) error
	LoadResult(ctx context.Context) (*domain.CachedRiskResult, error)
	SaveResult(ctx context.Context, result domain.CachedRiskResult) error
	ClearResult(ctx context.Context) error
}

// PolicyOracle reports whether recomputation must currently be suppressed.
type PolicyOracle interface {
	SuppressRiskCalculation(ctx context.Context) (bool, error)
}

// CheckinStore holds the user's recorded check-ins.
type CheckinStore interface {
	SaveCheckin(ctx context.Context, checkin domain.Checkin) error
	Checkins(ctx context.Context, since time.Time) ([]domain.Checkin, error)
}

// Scheduler controls when background risk requests execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
