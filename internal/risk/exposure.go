package risk

import (
	"time"

	"RiskEngine/internal/domain"
)

// ExposureEvidence is the input of the exposure-window calculator. Now pins
// the lookback horizon so the calculation stays reproducible.
type ExposureEvidence struct {
	Windows []domain.ExposureWindow
	Now     time.Time
}

// CalculateExposureRisk scores exposure windows and classifies every UTC day
// within the lookback horizon.
func CalculateExposureRisk(evidence ExposureEvidence, cfg ScoringConfiguration) domain.CalculationResult {
	earliest := cfg.earliestDate(domain.DateOf(evidence.Now))

	perDay := map[domain.Date]float64{}
	considered := 0
	for _, window := range evidence.Windows {
		if window.Date.Before(earliest) {
			continue
		}

		minutes := weightedMinutes(window, cfg)
		if minutes < cfg.MinimumWeightedMinutes {
			continue
		}

		value := cfg.infectiousnessWeight(window.Infectiousness) *
			cfg.reportTypeWeight(window.ReportType) *
			cfg.transmissionRiskValue(window.TransmissionRiskLevel)
		perDay[window.Date] += minutes * value
		considered++
	}

	levels := make(domain.RiskLevelByDate, len(perDay))
	for date, total := range perDay {
		if level, ok := classify(total, cfg.ExposureLowRiskThreshold, cfg.ExposureHighRiskThreshold); ok {
			levels[date] = level
		}
	}
	return summarize(levels, considered)
}

func weightedMinutes(window domain.ExposureWindow, cfg ScoringConfiguration) float64 {
	var total float64
	for _, scan := range window.ScanInstances {
		total += float64(scan.SecondsSinceLastScan) / 60 * cfg.bucketWeight(scan.TypicalAttenuation)
	}
	return total
}
