package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"RiskEngine/internal/domain"
)

func resultWith(levels domain.RiskLevelByDate) domain.CalculationResult {
	return domain.CalculationResult{RiskLevelByDate: levels}
}

func TestCombineTakesMaxPerDate(t *testing.T) {
	t.Parallel()

	exposure := resultWith(domain.RiskLevelByDate{
		"2021-04-01": domain.RiskLevelHigh,
		"2021-04-02": domain.RiskLevelLow,
	})
	checkin := resultWith(domain.RiskLevelByDate{
		"2021-04-02": domain.RiskLevelHigh,
		"2021-04-03": domain.RiskLevelLow,
	})

	combined := Combine(exposure, checkin)

	assert.Equal(t, domain.RiskLevelByDate{
		"2021-04-01": domain.RiskLevelHigh,
		"2021-04-02": domain.RiskLevelHigh,
		"2021-04-03": domain.RiskLevelLow,
	}, combined.RiskLevelByDate)
	assert.Equal(t, domain.RiskLevelLow, combined.RiskLevel, "overall level follows the most recent date")
}

func TestCombineIsCommutative(t *testing.T) {
	t.Parallel()

	a := resultWith(domain.RiskLevelByDate{"2021-04-01": domain.RiskLevelLow, "2021-04-04": domain.RiskLevelHigh})
	b := resultWith(domain.RiskLevelByDate{"2021-04-01": domain.RiskLevelHigh, "2021-04-02": domain.RiskLevelUnknown})

	assert.Equal(t, Combine(a, b), Combine(b, a))
}

func TestCombineSkipsUnknownMostRecentDate(t *testing.T) {
	t.Parallel()

	combined := Combine(
		resultWith(domain.RiskLevelByDate{"2021-04-01": domain.RiskLevelHigh}),
		resultWith(domain.RiskLevelByDate{"2021-04-05": domain.RiskLevelUnknown}),
	)

	assert.Equal(t, domain.RiskLevelHigh, combined.RiskLevel)
	assert.Equal(t, domain.RiskLevelUnknown, combined.RiskLevelByDate["2021-04-05"])
}

func TestCombineWithoutEvidenceIsUnknown(t *testing.T) {
	t.Parallel()

	combined := Combine(domain.CalculationResult{}, domain.CalculationResult{})

	assert.Equal(t, domain.RiskLevelUnknown, combined.RiskLevel)
	assert.Empty(t, combined.RiskLevelByDate)
}
