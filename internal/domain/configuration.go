package domain

import (
	"fmt"
	"time"
)

// DetectionMode selects who triggers exposure detection.
type DetectionMode string

const (
	DetectionModeAutomatic DetectionMode = "automatic"
	DetectionModeManual    DetectionMode = "manual"
)

// Valid reports whether the mode is one of the known values.
func (m DetectionMode) Valid() bool {
	return m == DetectionModeAutomatic || m == DetectionModeManual
}

// ManualDetectionState tells a manual-mode user whether a refresh would run.
type ManualDetectionState string

const (
	ManualDetectionPossible ManualDetectionState = "possible"
	ManualDetectionWaiting  ManualDetectionState = "waiting"
)

// RiskProvidingConfiguration is an immutable value controlling recomputation.
type RiskProvidingConfiguration struct {
	ValidityDuration  time.Duration `json:"validityDuration" yaml:"validityDuration"`
	RecomputeInterval time.Duration `json:"recomputeInterval" yaml:"recomputeInterval"`
	DetectionMode     DetectionMode `json:"detectionMode" yaml:"detectionMode"`
}

// DefaultRiskProvidingConfiguration allows six detections a day and serves a
// result for two days.
func DefaultRiskProvidingConfiguration() RiskProvidingConfiguration {
	return RiskProvidingConfiguration{
		ValidityDuration:  48 * time.Hour,
		RecomputeInterval: 4 * time.Hour,
		DetectionMode:     DetectionModeAutomatic,
	}
}

// Validate checks that both durations are positive and the mode is known.
func (c RiskProvidingConfiguration) Validate() error {
	if c.ValidityDuration <= 0 {
		return fmt.Errorf("validity duration must be positive, got %s", c.ValidityDuration)
	}
	if c.RecomputeInterval <= 0 {
		return fmt.Errorf("recompute interval must be positive, got %s", c.RecomputeInterval)
	}
	if !c.DetectionMode.Valid() {
		return fmt.Errorf("unknown detection mode %q", c.DetectionMode)
	}
	return nil
}
