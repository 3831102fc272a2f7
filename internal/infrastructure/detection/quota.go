package detection

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"RiskEngine/internal/domain"
	"RiskEngine/internal/ports"
	"RiskEngine/internal/risk"
)

var errQuotaExceeded = errors.New("daily detection quota exceeded")

// QuotaGuard caps platform detections at dailyQuota per rolling day,
// refilling one slot every 24h/dailyQuota.
type QuotaGuard struct {
	inner   ports.DetectionExecutor
	limiter *rate.Limiter
	now     func() time.Time
}

var _ ports.DetectionExecutor = (*QuotaGuard)(nil)

// NewQuotaGuard wraps inner. A non-positive quota disables the guard.
func NewQuotaGuard(inner ports.DetectionExecutor, dailyQuota int) *QuotaGuard {
	limit := rate.Inf
	if dailyQuota > 0 {
		limit = rate.Every(24 * time.Hour / time.Duration(dailyQuota))
	}
	return &QuotaGuard{
		inner:   inner,
		limiter: rate.NewLimiter(limit, max(dailyQuota, 1)),
		now:     time.Now,
	}
}

// Detect forwards to the wrapped executor when a slot is free and fails with
// a rate-limited platform error otherwise.
func (g *QuotaGuard) Detect(ctx context.Context, scoring risk.ScoringConfiguration, packages []domain.Package) ([]domain.ExposureWindow, error) {
	if !g.limiter.AllowN(g.now(), 1) {
		return nil, domain.NewPlatformError(domain.PlatformErrorRateLimited, errQuotaExceeded)
	}
	return g.inner.Detect(ctx, scoring, packages)
}
