package domain

import "time"

// WarningIntervalLength is the unit of TraceWarning interval numbers.
const WarningIntervalLength = 10 * time.Minute

// Checkin is a recorded presence at a venue or event.
type Checkin struct {
	ID             string    `json:"id"`
	LocationIDHash string    `json:"locationIdHash"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
}

// TraceWarning marks a venue as visited by an infected person during an
// interval.
type TraceWarning struct {
	LocationIDHash        string `json:"locationIdHash"`
	StartIntervalNumber   int64  `json:"startIntervalNumber"`
	Period                int64  `json:"period"`
	TransmissionRiskLevel int    `json:"transmissionRiskLevel"`
}

// Start returns the beginning of the warned interval.
func (w TraceWarning) Start() time.Time {
	return time.Unix(w.StartIntervalNumber*int64(WarningIntervalLength/time.Second), 0).UTC()
}

// End returns the end of the warned interval.
func (w TraceWarning) End() time.Time {
	return w.Start().Add(time.Duration(w.Period) * WarningIntervalLength)
}

// TraceWarningPackage is the decoded body of a trace-warning package.
type TraceWarningPackage struct {
	Warnings []TraceWarning `json:"warnings"`
}
