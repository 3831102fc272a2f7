package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"RiskEngine/internal/domain"
	"RiskEngine/internal/ports"
	"RiskEngine/internal/risk"
)

// HTTPExecutor delegates exposure detection to a platform service.
type HTTPExecutor struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

var _ ports.DetectionExecutor = (*HTTPExecutor)(nil)

type detectPackage struct {
	Kind    domain.PackageKind `json:"kind"`
	Day     domain.Date        `json:"day"`
	Hour    int                `json:"hour"`
	Payload []byte             `json:"payload"`
}

type detectRequest struct {
	Scoring  risk.ScoringConfiguration `json:"scoring"`
	Packages []detectPackage           `json:"packages"`
}

type detectResponse struct {
	ExposureWindows []domain.ExposureWindow `json:"exposureWindows"`
}

// NewHTTPExecutor creates a reusable HTTP client.
func NewHTTPExecutor(endpoint, apiKey string, timeout time.Duration) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPExecutor{
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
	}
}

// Detect submits the stored key packages and returns the matched windows.
func (e *HTTPExecutor) Detect(ctx context.Context, scoring risk.ScoringConfiguration, packages []domain.Package) ([]domain.ExposureWindow, error) {
	payload := detectRequest{Scoring: scoring, Packages: make([]detectPackage, 0, len(packages))}
	for _, pkg := range packages {
		payload.Packages = append(payload.Packages, detectPackage{
			Kind:    pkg.Kind,
			Day:     pkg.ID.Day,
			Hour:    pkg.ID.Hour,
			Payload: pkg.Payload,
		})
	}

	var resp detectResponse
	if err := e.post(ctx, "/detect", payload, &resp); err != nil {
		return nil, err
	}
	return resp.ExposureWindows, nil
}

func (e *HTTPExecutor) post(ctx context.Context, path string, payload any, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.NewPlatformError(domain.PlatformErrorInternal, fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return domain.NewPlatformError(domain.PlatformErrorInternal, fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return domain.NewPlatformError(domain.PlatformErrorCancelled, err)
		}
		return domain.NewPlatformError(domain.PlatformErrorInternal, fmt.Errorf("do request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.NewPlatformError(kindForStatus(resp.StatusCode), fmt.Errorf("unexpected status %s", resp.Status))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return domain.NewPlatformError(domain.PlatformErrorInternal, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func kindForStatus(code int) domain.PlatformErrorKind {
	switch code {
	case http.StatusTooManyRequests:
		return domain.PlatformErrorRateLimited
	case http.StatusServiceUnavailable, http.StatusLocked:
		return domain.PlatformErrorDataInaccessible
	default:
		return domain.PlatformErrorInternal
	}
}
