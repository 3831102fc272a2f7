package risk

import (
	"time"

	"RiskEngine/internal/domain"
)

// CheckinEvidence is the input of the check-in calculator.
type CheckinEvidence struct {
	Checkins []domain.Checkin
	Warnings []domain.TraceWarning
	Now      time.Time
}

// CalculateCheckinRisk matches recorded check-ins against warned venues and
// classifies every UTC day a matched check-in started on.
func CalculateCheckinRisk(evidence CheckinEvidence, cfg ScoringConfiguration) domain.CalculationResult {
	earliest := cfg.earliestDate(domain.DateOf(evidence.Now))

	byLocation := make(map[string][]domain.TraceWarning)
	for _, w := range evidence.Warnings {
		byLocation[w.LocationIDHash] = append(byLocation[w.LocationIDHash], w)
	}

	perDay := map[domain.Date]float64{}
	considered := 0
	for _, checkin := range evidence.Checkins {
		day := domain.DateOf(checkin.Start)
		if day.Before(earliest) {
			continue
		}

		var total float64
		matched := false
		for _, warning := range byLocation[checkin.LocationIDHash] {
			overlap := overlapMinutes(checkin.Start, checkin.End, warning.Start(), warning.End())
			if overlap <= 0 {
				continue
			}
			matched = true
			total += overlap * cfg.transmissionRiskValue(warning.TransmissionRiskLevel)
		}
		if !matched {
			continue
		}
		perDay[day] += total
		considered++
	}

	levels := make(domain.RiskLevelByDate, len(perDay))
	for date, total := range perDay {
		if level, ok := classify(total, cfg.CheckinLowRiskThreshold, cfg.CheckinHighRiskThreshold); ok {
			levels[date] = level
		}
	}
	return summarize(levels, considered)
}

func overlapMinutes(aStart, aEnd, bStart, bEnd time.Time) float64 {
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start).Minutes()
}
