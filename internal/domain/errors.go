package domain

import (
	"errors"
	"fmt"
)

// DownloadErrorKind classifies package download failures.
type DownloadErrorKind string

const (
	DownloadErrorNetwork        DownloadErrorKind = "network"
	DownloadErrorServerRejected DownloadErrorKind = "serverRejected"
	DownloadErrorNoResponse     DownloadErrorKind = "noResponse"
	DownloadErrorDiskFull       DownloadErrorKind = "diskFull"
	DownloadErrorDecodeFailed   DownloadErrorKind = "decodeFailed"
)

// ErrQuotaExhausted marks a distribution rejection caused by request quota.
var ErrQuotaExhausted = errors.New("distribution quota exhausted")

// DownloadError is a non-fatal package download failure.
type DownloadError struct {
	Kind DownloadErrorKind
	Err  error
}

// NewDownloadError wraps err with a kind.
func NewDownloadError(kind DownloadErrorKind, err error) *DownloadError {
	return &DownloadError{Kind: kind, Err: err}
}

func (e *DownloadError) Error() string {
	if e.Err == nil {
		return "download failed: " + string(e.Kind)
	}
	return fmt.Sprintf("download failed (%s): %v", e.Kind, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Is matches another DownloadError of the same kind.
func (e *DownloadError) Is(target error) bool {
	t, ok := target.(*DownloadError)
	return ok && t.Err == nil && t.Kind == e.Kind
}

// PlatformErrorKind classifies failures of the platform detection primitive.
type PlatformErrorKind string

const (
	PlatformErrorRateLimited      PlatformErrorKind = "rateLimited"
	PlatformErrorDataInaccessible PlatformErrorKind = "dataInaccessible"
	PlatformErrorInternal         PlatformErrorKind = "internalError"
	PlatformErrorCancelled        PlatformErrorKind = "cancelled"
)

// PlatformError is returned by detection executors.
type PlatformError struct {
	Kind PlatformErrorKind
	Err  error
}

// NewPlatformError wraps err with a kind.
func NewPlatformError(kind PlatformErrorKind, err error) *PlatformError {
	return &PlatformError{Kind: kind, Err: err}
}

func (e *PlatformError) Error() string {
	if e.Err == nil {
		return "platform detection failed: " + string(e.Kind)
	}
	return fmt.Sprintf("platform detection failed (%s): %v", e.Kind, e.Err)
}

func (e *PlatformError) Unwrap() error { return e.Err }

// Is matches another PlatformError of the same kind.
func (e *PlatformError) Is(target error) bool {
	t, ok := target.(*PlatformError)
	return ok && t.Err == nil && t.Kind == e.Kind
}

// Transient reports whether a still-valid cached result may hide the error.
func (e *PlatformError) Transient() bool {
	return e.Kind == PlatformErrorRateLimited || e.Kind == PlatformErrorDataInaccessible
}

// RiskErrorKind is the engine's failure taxonomy.
type RiskErrorKind string

const (
	RiskErrorAlreadyRunning          RiskErrorKind = "alreadyRunning"
	RiskErrorDeactivatedByPolicy     RiskErrorKind = "deactivatedByPolicy"
	RiskErrorDownloadFailed          RiskErrorKind = "downloadFailed"
	RiskErrorPlatformDetectionFailed RiskErrorKind = "platformDetectionFailed"
	RiskErrorTimedOut                RiskErrorKind = "timedOut"
	RiskErrorDecodingFailed          RiskErrorKind = "decodingFailed"
	RiskErrorMissingConfiguration    RiskErrorKind = "missingConfiguration"
)

// RiskError is delivered to callers and consumers when no result can be served.
type RiskError struct {
	Kind RiskErrorKind
	Err  error
}

// Sentinels for errors.Is.
var (
	ErrAlreadyRunning          = &RiskError{Kind: RiskErrorAlreadyRunning}
	ErrDeactivatedByPolicy     = &RiskError{Kind: RiskErrorDeactivatedByPolicy}
	ErrDownloadFailed          = &RiskError{Kind: RiskErrorDownloadFailed}
	ErrPlatformDetectionFailed = &RiskError{Kind: RiskErrorPlatformDetectionFailed}
	ErrTimedOut                = &RiskError{Kind: RiskErrorTimedOut}
	ErrDecodingFailed          = &RiskError{Kind: RiskErrorDecodingFailed}
	ErrMissingConfiguration    = &RiskError{Kind: RiskErrorMissingConfiguration}
)

// NewRiskError wraps err with a kind.
func NewRiskError(kind RiskErrorKind, err error) *RiskError {
	return &RiskError{Kind: kind, Err: err}
}

func (e *RiskError) Error() string {
	if e.Err == nil {
		return "risk: " + string(e.Kind)
	}
	return fmt.Sprintf("risk: %s: %v", e.Kind, e.Err)
}

func (e *RiskError) Unwrap() error { return e.Err }

// Is matches a RiskError sentinel of the same kind.
func (e *RiskError) Is(target error) bool {
	t, ok := target.(*RiskError)
	return ok && t.Err == nil && t.Kind == e.Kind
}

// CallerLocal reports whether the failure concerns only the requesting caller.
func (e *RiskError) CallerLocal() bool {
	return e.Kind == RiskErrorAlreadyRunning || e.Kind == RiskErrorTimedOut
}
