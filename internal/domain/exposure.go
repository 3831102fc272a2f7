package domain

// Infectiousness is the platform estimate of the reporter's infectiousness on
// the day of the encounter.
type Infectiousness int

const (
	InfectiousnessNone Infectiousness = iota
	InfectiousnessStandard
	InfectiousnessHigh
)

// ReportType is how the reporting user's diagnosis was confirmed.
type ReportType int

const (
	ReportTypeUnknown ReportType = iota
	ReportTypeConfirmedTest
	ReportTypeConfirmedClinicalDiagnosis
	ReportTypeSelfReport
	ReportTypeRecursive
)

// ScanInstance is a single Bluetooth scan inside an exposure window.
type ScanInstance struct {
	MinAttenuation       int `json:"minAttenuation"`
	TypicalAttenuation   int `json:"typicalAttenuation"`
	SecondsSinceLastScan int `json:"secondsSinceLastScan"`
}

// ExposureWindow is a platform-reported period of proximity to another device.
type ExposureWindow struct {
	Date                  Date           `json:"date"`
	CalibrationConfidence int            `json:"calibrationConfidence"`
	Infectiousness        Infectiousness `json:"infectiousness"`
	ReportType            ReportType     `json:"reportType"`
	TransmissionRiskLevel int            `json:"transmissionRiskLevel"`
	ScanInstances         []ScanInstance `json:"scanInstances"`
}
