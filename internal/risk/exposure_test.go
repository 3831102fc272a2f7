package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RiskEngine/internal/domain"
)

func scans(typical, seconds, count int) []domain.ScanInstance {
	out := make([]domain.ScanInstance, count)
	for i := range out {
		out[i] = domain.ScanInstance{MinAttenuation: typical - 2, TypicalAttenuation: typical, SecondsSinceLastScan: seconds}
	}
	return out
}

func TestCalculateExposureRisk(t *testing.T) {
	t.Parallel()

	now := time.Date(2021, time.April, 12, 9, 0, 0, 0, time.UTC)
	evidence := ExposureEvidence{
		Now: now,
		Windows: []domain.ExposureWindow{
			{ // 20 weighted minutes * 1.6 * 1.0 * 1.0 = 32
				Date:                  "2021-04-10",
				Infectiousness:        domain.InfectiousnessHigh,
				ReportType:            domain.ReportTypeConfirmedTest,
				TransmissionRiskLevel: 5,
				ScanInstances:         scans(50, 600, 2),
			},
			{ // 12.5 weighted minutes * 1.0 * 1.0 * 0.6 = 7.5
				Date:                  "2021-04-11",
				Infectiousness:        domain.InfectiousnessStandard,
				ReportType:            domain.ReportTypeConfirmedTest,
				TransmissionRiskLevel: 3,
				ScanInstances:         scans(60, 1500, 1),
			},
			{ // outside the lookback horizon
				Date:                  "2021-03-01",
				Infectiousness:        domain.InfectiousnessHigh,
				ReportType:            domain.ReportTypeConfirmedTest,
				TransmissionRiskLevel: 8,
				ScanInstances:         scans(40, 3600, 1),
			},
			{ // below the minimum weighted minutes
				Date:                  "2021-04-12",
				Infectiousness:        domain.InfectiousnessHigh,
				ReportType:            domain.ReportTypeConfirmedTest,
				TransmissionRiskLevel: 8,
				ScanInstances:         scans(50, 300, 1),
			},
		},
	}

	result := CalculateExposureRisk(evidence, DefaultScoringConfiguration())

	assert.Equal(t, domain.RiskLevelHigh, result.RiskLevel)
	assert.Equal(t, domain.RiskLevelByDate{
		"2021-04-10": domain.RiskLevelHigh,
		"2021-04-11": domain.RiskLevelLow,
	}, result.RiskLevelByDate)
	assert.Equal(t, domain.SupportingCounts{
		Considered:                 2,
		DaysWithLowRisk:            1,
		DaysWithHighRisk:           1,
		MostRecentDateWithLowRisk:  "2021-04-11",
		MostRecentDateWithHighRisk: "2021-04-10",
	}, result.Counts)
}

func TestCalculateExposureRiskLowWhenOnlyMinorEncounters(t *testing.T) {
	t.Parallel()

	result := CalculateExposureRisk(ExposureEvidence{
		Now: time.Date(2021, time.April, 12, 0, 0, 0, 0, time.UTC),
		Windows: []domain.ExposureWindow{{
			Date:                  "2021-04-12",
			Infectiousness:        domain.InfectiousnessStandard,
			ReportType:            domain.ReportTypeSelfReport,
			TransmissionRiskLevel: 1,
			ScanInstances:         scans(50, 900, 1),
		}},
	}, DefaultScoringConfiguration())

	assert.Equal(t, domain.RiskLevelLow, result.RiskLevel)
	assert.Equal(t, 1, result.Counts.DaysWithLowRisk)
}

func TestCalculateExposureRiskLeavesDaysBelowLowThresholdUnclassified(t *testing.T) {
	t.Parallel()

	cfg := DefaultScoringConfiguration()
	cfg.ExposureLowRiskThreshold = 10

	result := CalculateExposureRisk(ExposureEvidence{
		Now: time.Date(2021, time.April, 12, 9, 0, 0, 0, time.UTC),
		Windows: []domain.ExposureWindow{
			{ // 32
				Date:                  "2021-04-10",
				Infectiousness:        domain.InfectiousnessHigh,
				ReportType:            domain.ReportTypeConfirmedTest,
				TransmissionRiskLevel: 5,
				ScanInstances:         scans(50, 600, 2),
			},
			{ // 7.5
				Date:                  "2021-04-11",
				Infectiousness:        domain.InfectiousnessStandard,
				ReportType:            domain.ReportTypeConfirmedTest,
				TransmissionRiskLevel: 3,
				ScanInstances:         scans(60, 1500, 1),
			},
		},
	}, cfg)

	assert.Equal(t, domain.RiskLevelHigh, result.RiskLevel)
	assert.Equal(t, domain.RiskLevelByDate{"2021-04-10": domain.RiskLevelHigh}, result.RiskLevelByDate)
	assert.Equal(t, 2, result.Counts.Considered)
	assert.Zero(t, result.Counts.DaysWithLowRisk)

	cfg.ExposureLowRiskThreshold = 40
	cfg.ExposureHighRiskThreshold = 50
	result = CalculateExposureRisk(ExposureEvidence{
		Now: time.Date(2021, time.April, 12, 9, 0, 0, 0, time.UTC),
		Windows: []domain.ExposureWindow{{
			Date:                  "2021-04-10",
			Infectiousness:        domain.InfectiousnessHigh,
			ReportType:            domain.ReportTypeConfirmedTest,
			TransmissionRiskLevel: 5,
			ScanInstances:         scans(50, 600, 2),
		}},
	}, cfg)
	assert.Equal(t, domain.RiskLevelUnknown, result.RiskLevel)
	assert.Empty(t, result.RiskLevelByDate)
}

func TestCalculateExposureRiskUnknownWithoutEvidence(t *testing.T) {
	t.Parallel()

	result := CalculateExposureRisk(ExposureEvidence{Now: time.Now()}, DefaultScoringConfiguration())

	assert.Equal(t, domain.RiskLevelUnknown, result.RiskLevel)
	assert.Empty(t, result.RiskLevelByDate)
	assert.Zero(t, result.Counts.Considered)
}

func TestCalculateExposureRiskIsDeterministic(t *testing.T) {
	t.Parallel()

	evidence := ExposureEvidence{
		Now: time.Date(2021, time.April, 12, 0, 0, 0, 0, time.UTC),
		Windows: []domain.ExposureWindow{
			{Date: "2021-04-05", Infectiousness: domain.InfectiousnessHigh, ReportType: domain.ReportTypeRecursive, TransmissionRiskLevel: 6, ScanInstances: scans(62, 420, 3)},
			{Date: "2021-04-05", Infectiousness: domain.InfectiousnessStandard, ReportType: domain.ReportTypeConfirmedTest, TransmissionRiskLevel: 4, ScanInstances: scans(70, 1200, 4)},
		},
	}
	cfg := DefaultScoringConfiguration()

	require.Equal(t, CalculateExposureRisk(evidence, cfg), CalculateExposureRisk(evidence, cfg))
}

func TestScoringConfigurationValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultScoringConfiguration().Validate())

	cfg := DefaultScoringConfiguration()
	cfg.AttenuationBuckets = nil
	require.Error(t, cfg.Validate())

	cfg = DefaultScoringConfiguration()
	cfg.LookbackDays = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultScoringConfiguration()
	cfg.CheckinLowRiskThreshold = cfg.CheckinHighRiskThreshold + 1
	require.Error(t, cfg.Validate())

	cfg = DefaultScoringConfiguration()
	cfg.ExposureLowRiskThreshold = -1
	require.Error(t, cfg.Validate())
}
