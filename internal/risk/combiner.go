package risk

import "RiskEngine/internal/domain"

// CombinedResult merges the exposure and check-in results.
type CombinedResult struct {
	RiskLevel       domain.RiskLevel
	RiskLevelByDate domain.RiskLevelByDate
}

// Combine takes the higher level per date over the union of both date sets.
// The overall level is the level of the most recent date that is not unknown.
func Combine(exposure, checkin domain.CalculationResult) CombinedResult {
	merged := make(domain.RiskLevelByDate, len(exposure.RiskLevelByDate)+len(checkin.RiskLevelByDate))
	for date, level := range exposure.RiskLevelByDate {
		merged[date] = domain.MaxRiskLevel(merged[date], level)
	}
	for date, level := range checkin.RiskLevelByDate {
		merged[date] = domain.MaxRiskLevel(merged[date], level)
	}

	result := CombinedResult{RiskLevel: domain.RiskLevelUnknown, RiskLevelByDate: merged}
	if _, level, ok := merged.MostRecent(); ok {
		result.RiskLevel = level
	}
	return result
}
