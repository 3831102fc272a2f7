package domain

// ActivityState is the engine-wide activity indicator.
type ActivityState int

const (
	ActivityIdle ActivityState = iota
	ActivityRiskRequested
	ActivityOnlyDownloadsRequested
	ActivityDownloading
	ActivityDetecting
)

// String returns the state name used in logs and metrics.
func (s ActivityState) String() string {
	switch s {
	case ActivityRiskRequested:
		return "riskRequested"
	case ActivityOnlyDownloadsRequested:
		return "onlyDownloadsRequested"
	case ActivityDownloading:
		return "downloading"
	case ActivityDetecting:
		return "detecting"
	default:
		return "idle"
	}
}
