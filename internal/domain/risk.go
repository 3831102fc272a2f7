package domain

import (
	"fmt"
	"strings"
	"time"
)

// RiskLevel is the ordered classification unknown < low < high.
type RiskLevel int

const (
	RiskLevelUnknown RiskLevel = iota
	RiskLevelLow
	RiskLevelHigh
)

// String returns the lowercase level name.
func (l RiskLevel) String() string {
	switch l {
	case RiskLevelLow:
		return "low"
	case RiskLevelHigh:
		return "high"
	default:
		return "unknown"
	}
}

// MarshalText keeps persisted results readable.
func (l RiskLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText parses the names produced by MarshalText.
func (l *RiskLevel) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "unknown", "":
		*l = RiskLevelUnknown
	case "low":
		*l = RiskLevelLow
	case "high":
		*l = RiskLevelHigh
	default:
		return fmt.Errorf("unknown risk level %q", string(text))
	}
	return nil
}

// MaxRiskLevel returns the higher of two levels.
func MaxRiskLevel(a, b RiskLevel) RiskLevel {
	if a > b {
		return a
	}
	return b
}

const dateLayout = "2006-01-02"

// Date is a calendar day in UTC formatted as YYYY-MM-DD. Lexical order equals
// chronological order.
type Date string

// DateOf truncates t to its UTC calendar day.
func DateOf(t time.Time) Date {
	return Date(t.UTC().Format(dateLayout))
}

// ParseDate validates a YYYY-MM-DD string.
func ParseDate(value string) (Date, error) {
	parsed, err := time.Parse(dateLayout, strings.TrimSpace(value))
	if err != nil {
		return "", fmt.Errorf("parse date %q: %w", value, err)
	}
	return DateOf(parsed), nil
}

// Time returns midnight UTC of the day.
func (d Date) Time() time.Time {
	t, _ := time.Parse(dateLayout, string(d))
	return t
}

// AddDays shifts the date by n calendar days.
func (d Date) AddDays(n int) Date {
	return DateOf(d.Time().AddDate(0, 0, n))
}

// Before reports whether d is strictly earlier than other.
func (d Date) Before(other Date) bool {
	return d < other
}

// RiskLevelByDate maps calendar days to their risk level.
type RiskLevelByDate map[Date]RiskLevel

// MostRecent returns the latest date whose level is not unknown.
func (m RiskLevelByDate) MostRecent() (Date, RiskLevel, bool) {
	var (
		latest Date
		level  RiskLevel
		found  bool
	)
	for date, l := range m {
		if l == RiskLevelUnknown {
			continue
		}
		if !found || latest.Before(date) {
			latest, level, found = date, l, true
		}
	}
	return latest, level, found
}

// SupportingCounts summarises the evidence behind a calculation.
type SupportingCounts struct {
	Considered                 int  `json:"considered"`
	DaysWithLowRisk            int  `json:"daysWithLowRisk"`
	DaysWithHighRisk           int  `json:"daysWithHighRisk"`
	MostRecentDateWithLowRisk  Date `json:"mostRecentDateWithLowRisk,omitempty"`
	MostRecentDateWithHighRisk Date `json:"mostRecentDateWithHighRisk,omitempty"`
}

// CalculationResult is the output of a single risk calculator.
type CalculationResult struct {
	RiskLevel       RiskLevel        `json:"riskLevel"`
	RiskLevelByDate RiskLevelByDate  `json:"riskLevelByDate"`
	Counts          SupportingCounts `json:"counts"`
}

// CachedRiskResult is the engine's published outcome. Instances are replaced
// as a whole and must be treated as read-only by every holder, maps included.
type CachedRiskResult struct {
	ComputedAt        time.Time         `json:"computedAt"`
	Exposure          CalculationResult `json:"exposure"`
	Checkin           CalculationResult `json:"checkin"`
	CombinedRiskLevel RiskLevel         `json:"combinedRiskLevel"`
	RiskLevelByDate   RiskLevelByDate   `json:"riskLevelByDate"`
	RiskLevelChanged  bool              `json:"riskLevelChanged"`
}

// Age is the time elapsed between ComputedAt and now.
func (r CachedRiskResult) Age(now time.Time) time.Duration {
	return now.Sub(r.ComputedAt)
}

// FreshAt reports whether the result is younger than ttl at now.
func (r CachedRiskResult) FreshAt(now time.Time, ttl time.Duration) bool {
	if r.ComputedAt.IsZero() {
		return false
	}
	return r.Age(now) < ttl
}
