package distribution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"RiskEngine/internal/catalog"
	"RiskEngine/internal/config"
	"RiskEngine/internal/domain"
	"RiskEngine/internal/metrics"
	"RiskEngine/internal/ports"
)

const (
	apiVersion     = "v1"
	maxPackageSize = 64 << 20

	defaultBreakerMaxFailures = 5
	defaultBreakerTimeout     = 30 * time.Second
	defaultRequestTimeout     = 30 * time.Second
)

// Client fetches catalogs and packages from the distribution service.
// Every call goes through a circuit breaker; only transport failures and
// 5xx responses count against it.
type Client struct {
	baseURL string
	country string
	parser  catalog.Parser
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  *slog.Logger
}

var _ ports.DistributionService = (*Client)(nil)

type statusError struct {
	code   int
	status string
}

func (e *statusError) Error() string { return "unexpected status " + e.status }

// NewClient resolves the catalog parser and prepares the breaker.
func NewClient(cfg config.DistributionConfig, parsers *catalog.Registry, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	parser, err := parsers.Resolve(cfg.CatalogFormat)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	maxFailures := cfg.Breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	breakerTimeout := cfg.Breaker.Timeout
	if breakerTimeout == 0 {
		breakerTimeout = defaultBreakerTimeout
	}
	requestTimeout := cfg.Timeout
	if requestTimeout == 0 {
		requestTimeout = defaultRequestTimeout
	}

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "distribution",
		MaxRequests: 1,
		Interval:    cfg.Breaker.Interval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			m.BreakerStateChanged(to.String())
		},
		IsSuccessful: func(err error) bool {
			return !tripsBreaker(err)
		},
	})

	return &Client{
		baseURL: cfg.BaseURL,
		country: cfg.Country,
		parser:  parser,
		http:    &http.Client{Timeout: requestTimeout},
		breaker: cb,
		logger:  logger,
	}, nil
}

// State returns the breaker state for status reporting.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

// AvailableDays lists the day packages the server offers for kind.
func (c *Client) AvailableDays(ctx context.Context, kind domain.PackageKind) ([]domain.Date, error) {
	body, err := c.get(ctx, c.path(kind))
	if err != nil {
		return nil, err
	}
	days, err := c.parser.ParseDays(body)
	if err != nil {
		return nil, domain.NewDownloadError(domain.DownloadErrorDecodeFailed, err)
	}
	return days, nil
}

// AvailableHours lists the hour packages of day. A day without an hour
// listing yields an empty slice.
func (c *Client) AvailableHours(ctx context.Context, kind domain.PackageKind, day domain.Date) ([]int, error) {
	body, err := c.get(ctx, c.path(kind, string(day), "hour"))
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	hours, err := c.parser.ParseHours(body)
	if err != nil {
		return nil, domain.NewDownloadError(domain.DownloadErrorDecodeFailed, err)
	}
	return hours, nil
}

// FetchPackage downloads the raw export archive of id.
func (c *Client) FetchPackage(ctx context.Context, kind domain.PackageKind, id domain.PackageID) ([]byte, error) {
	segments := []string{string(id.Day)}
	if id.IsHour() {
		segments = append(segments, "hour", strconv.Itoa(id.Hour))
	}
	return c.get(ctx, c.path(kind, segments...))
}

func (c *Client) path(kind domain.PackageKind, tail ...string) []string {
	return append([]string{"version", apiVersion, string(kind), "country", c.country, "date"}, tail...)
}

func (c *Client) get(ctx context.Context, segments []string) ([]byte, error) {
	endpoint, err := url.JoinPath(c.baseURL, segments...)
	if err != nil {
		return nil, domain.NewDownloadError(domain.DownloadErrorNetwork, fmt.Errorf("build url: %w", err))
	}

	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.do(ctx, endpoint)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.NewDownloadError(domain.DownloadErrorNetwork, errors.Join(domain.ErrQuotaExhausted, fmt.Errorf("distribution circuit open: %w", err)))
		}
		return nil, err
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, domain.NewDownloadError(domain.DownloadErrorNetwork, fmt.Errorf("new request: %w", err))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.NewDownloadError(domain.DownloadErrorNetwork, fmt.Errorf("do request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		se := &statusError{code: resp.StatusCode, status: resp.Status}
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, domain.NewDownloadError(domain.DownloadErrorServerRejected, errors.Join(domain.ErrQuotaExhausted, se))
		}
		return nil, domain.NewDownloadError(domain.DownloadErrorServerRejected, se)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPackageSize+1))
	if err != nil {
		return nil, domain.NewDownloadError(domain.DownloadErrorNoResponse, fmt.Errorf("read body: %w", err))
	}
	if len(body) > maxPackageSize {
		return nil, domain.NewDownloadError(domain.DownloadErrorDecodeFailed, fmt.Errorf("body exceeds %d bytes", maxPackageSize))
	}
	if len(body) == 0 {
		return nil, domain.NewDownloadError(domain.DownloadErrorNoResponse, errors.New("empty body"))
	}
	return body, nil
}

func tripsBreaker(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var de *domain.DownloadError
	if !errors.As(err, &de) {
		return true
	}
	switch de.Kind {
	case domain.DownloadErrorNetwork, domain.DownloadErrorNoResponse:
		return true
	}
	var se *statusError
	return errors.As(err, &se) && se.code >= http.StatusInternalServerError
}
