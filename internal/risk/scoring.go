// Package risk holds the pure risk calculators and the combiner that merges
// their per-day results.
package risk

import (
	"fmt"
	"sort"

	"RiskEngine/internal/domain"
)

// AttenuationBucket weights scan time whose typical attenuation is at most
// MaxAttenuation dB.
type AttenuationBucket struct {
	MaxAttenuation int     `yaml:"maxAttenuation" json:"maxAttenuation"`
	Weight         float64 `yaml:"weight" json:"weight"`
}

// InfectiousnessWeights maps platform infectiousness to a multiplier.
type InfectiousnessWeights struct {
	Standard float64 `yaml:"standard" json:"standard"`
	High     float64 `yaml:"high" json:"high"`
}

// ReportTypeWeights maps diagnosis report types to a multiplier.
type ReportTypeWeights struct {
	ConfirmedTest              float64 `yaml:"confirmedTest" json:"confirmedTest"`
	ConfirmedClinicalDiagnosis float64 `yaml:"confirmedClinicalDiagnosis" json:"confirmedClinicalDiagnosis"`
	SelfReport                 float64 `yaml:"selfReport" json:"selfReport"`
	Recursive                  float64 `yaml:"recursive" json:"recursive"`
}

// ScoringConfiguration is shared by both calculators and handed to the
// platform executor.
type ScoringConfiguration struct {
	AttenuationBuckets        []AttenuationBucket   `yaml:"attenuationBuckets" json:"attenuationBuckets"`
	Infectiousness            InfectiousnessWeights `yaml:"infectiousness" json:"infectiousness"`
	ReportTypes               ReportTypeWeights     `yaml:"reportTypes" json:"reportTypes"`
	TransmissionRiskValues    map[int]float64       `yaml:"transmissionRiskValues" json:"transmissionRiskValues"`
	MinimumWeightedMinutes    float64               `yaml:"minimumWeightedMinutes" json:"minimumWeightedMinutes"`
	ExposureLowRiskThreshold  float64               `yaml:"exposureLowRiskThreshold" json:"exposureLowRiskThreshold"`
	ExposureHighRiskThreshold float64               `yaml:"exposureHighRiskThreshold" json:"exposureHighRiskThreshold"`
	CheckinLowRiskThreshold   float64               `yaml:"checkinLowRiskThreshold" json:"checkinLowRiskThreshold"`
	CheckinHighRiskThreshold  float64               `yaml:"checkinHighRiskThreshold" json:"checkinHighRiskThreshold"`
	LookbackDays              int                   `yaml:"lookbackDays" json:"lookbackDays"`
}

// DefaultScoringConfiguration mirrors the values the distribution service
// ships by default.
func DefaultScoringConfiguration() ScoringConfiguration {
	return ScoringConfiguration{
		AttenuationBuckets: []AttenuationBucket{
			{MaxAttenuation: 55, Weight: 1.0},
			{MaxAttenuation: 63, Weight: 0.5},
			{MaxAttenuation: 73, Weight: 0.2},
		},
		Infectiousness: InfectiousnessWeights{Standard: 1.0, High: 1.6},
		ReportTypes: ReportTypeWeights{
			ConfirmedTest:              1.0,
			ConfirmedClinicalDiagnosis: 1.0,
			SelfReport:                 1.0,
			Recursive:                  1.0,
		},
		TransmissionRiskValues: map[int]float64{
			1: 0, 2: 0, 3: 0.6, 4: 0.8, 5: 1.0, 6: 1.2, 7: 1.4, 8: 1.6,
		},
		MinimumWeightedMinutes:    10,
		ExposureHighRiskThreshold: 15,
		CheckinHighRiskThreshold:  15,
		LookbackDays:              14,
	}
}

// Validate rejects configurations the calculators cannot apply.
func (c ScoringConfiguration) Validate() error {
	if len(c.AttenuationBuckets) == 0 {
		return fmt.Errorf("scoring: at least one attenuation bucket is required")
	}
	if c.LookbackDays <= 0 {
		return fmt.Errorf("scoring: lookback days must be positive, got %d", c.LookbackDays)
	}
	if c.ExposureHighRiskThreshold <= 0 || c.CheckinHighRiskThreshold <= 0 {
		return fmt.Errorf("scoring: high risk thresholds must be positive")
	}
	if c.ExposureLowRiskThreshold < 0 || c.ExposureLowRiskThreshold > c.ExposureHighRiskThreshold {
		return fmt.Errorf("scoring: exposure low threshold must be within [0, %g]", c.ExposureHighRiskThreshold)
	}
	if c.CheckinLowRiskThreshold < 0 || c.CheckinLowRiskThreshold > c.CheckinHighRiskThreshold {
		return fmt.Errorf("scoring: checkin low threshold must be within [0, %g]", c.CheckinHighRiskThreshold)
	}
	if len(c.TransmissionRiskValues) == 0 {
		return fmt.Errorf("scoring: transmission risk values are required")
	}
	return nil
}

func (c ScoringConfiguration) bucketWeight(typicalAttenuation int) float64 {
	buckets := append([]AttenuationBucket(nil), c.AttenuationBuckets...)
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].MaxAttenuation < buckets[j].MaxAttenuation
	})
	for _, b := range buckets {
		if typicalAttenuation <= b.MaxAttenuation {
			return b.Weight
		}
	}
	return 0
}

func (c ScoringConfiguration) infectiousnessWeight(value domain.Infectiousness) float64 {
	switch value {
	case domain.InfectiousnessStandard:
		return c.Infectiousness.Standard
	case domain.InfectiousnessHigh:
		return c.Infectiousness.High
	default:
		return 0
	}
}

func (c ScoringConfiguration) reportTypeWeight(value domain.ReportType) float64 {
	switch value {
	case domain.ReportTypeConfirmedTest:
		return c.ReportTypes.ConfirmedTest
	case domain.ReportTypeConfirmedClinicalDiagnosis:
		return c.ReportTypes.ConfirmedClinicalDiagnosis
	case domain.ReportTypeSelfReport:
		return c.ReportTypes.SelfReport
	case domain.ReportTypeRecursive:
		return c.ReportTypes.Recursive
	default:
		return 0
	}
}

func (c ScoringConfiguration) transmissionRiskValue(level int) float64 {
	return c.TransmissionRiskValues[level]
}

// earliestDate is the first day still inside the lookback horizon.
func (c ScoringConfiguration) earliestDate(today domain.Date) domain.Date {
	return today.AddDays(-(c.LookbackDays - 1))
}

// summarize derives overall level and supporting counts from per-day levels.
func summarize(levels domain.RiskLevelByDate, considered int) domain.CalculationResult {
	result := domain.CalculationResult{
		RiskLevel:       domain.RiskLevelUnknown,
		RiskLevelByDate: levels,
		Counts:          domain.SupportingCounts{Considered: considered},
	}

	for date, level := range levels {
		switch level {
		case domain.RiskLevelHigh:
			result.Counts.DaysWithHighRisk++
			if result.Counts.MostRecentDateWithHighRisk.Before(date) {
				result.Counts.MostRecentDateWithHighRisk = date
			}
		case domain.RiskLevelLow:
			result.Counts.DaysWithLowRisk++
			if result.Counts.MostRecentDateWithLowRisk.Before(date) {
				result.Counts.MostRecentDateWithLowRisk = date
			}
		}
	}

	switch {
	case result.Counts.DaysWithHighRisk > 0:
		result.RiskLevel = domain.RiskLevelHigh
	case result.Counts.DaysWithLowRisk > 0:
		result.RiskLevel = domain.RiskLevelLow
	}
	return result
}

// classify maps a day's total onto a level. Totals below lowThreshold leave
// the day unclassified.
func classify(total, lowThreshold, highThreshold float64) (domain.RiskLevel, bool) {
	switch {
	case total >= highThreshold:
		return domain.RiskLevelHigh, true
	case total >= lowThreshold:
		return domain.RiskLevelLow, true
	default:
		return domain.RiskLevelUnknown, false
	}
}
