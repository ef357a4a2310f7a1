package agscore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int { return &v }

func strongInput() Input {
	return Input{
		FarmProfile: &FarmProfile{
			SizeHectares:      6,
			SoilQuality:       "Excellent",
			IrrigationAccess:  true,
			CropDiversity:     intp(4),
			FarmingExperience: 20,
		},
		FinancialHistory: &FinancialHistory{
			RepaymentRate:   0.97,
			IncomeStability: "very_stable",
			PreviousLoans:   6,
			CollateralValue: 250000,
		},
		ClimateData: &ClimateData{
			FloodRisk:         "very_low",
			DroughtRisk:       "very_low",
			TyphoonExposure:   "very_low",
			ClimateAdaptation: "excellent",
		},
	}
}

func TestCalculateStrongFarmer(t *testing.T) {
	now := time.Date(2025, 6, 1, 8, 30, 15, 0, time.UTC)
	r := Calculate("f-1", strongInput(), now)

	assert.Equal(t, Scores{FarmProfile: 40, Financial: 35, Climate: 25, Total: 100}, r.Scores)
	assert.Equal(t, "A", r.Risk.Tier)
	assert.Equal(t, "Low Risk", r.Risk.Description)
	assert.Equal(t, "green", r.Risk.Color)
	assert.Equal(t, "AGS_20250601_083015", r.AssessmentID)

	assert.Equal(t, 80000, r.Loan.MaxLoanAmount)
	assert.InDelta(t, 0.132, r.Loan.InterestRate, 1e-9)
	assert.Equal(t, 12, r.Loan.RepaymentPeriodMonths)
	assert.Equal(t, "minimal", r.Loan.CollateralRequirement)
	assert.Len(t, r.Loan.SpecialConditions, 3)
	assert.Contains(t, r.Loan.InputPackageTier, "Premium")

	assert.Equal(t, now.Add(180*24*time.Hour), r.Validity.ValidUntil)
	assert.Equal(t, "Annual reassessment recommended", r.Validity.ReassessmentRecommended)
	assert.Equal(t, ScoringVersion, r.Compliance.AuditTrail.ScoringVersion)
	require.Len(t, r.Compliance.ExplainableFactors, 4)
	assert.Equal(t, "Total AgScore: 100/100 - Weighted combination of all factors", r.Compliance.ExplainableFactors[3])

	assert.Equal(t, "₱250,000", r.Breakdown.Financial["collateral_value"])
	assert.Equal(t, "97.0%", r.Breakdown.Financial["repayment_rate"])
	assert.Equal(t, "Yes", r.Breakdown.FarmProfile["irrigation_access"])
	assert.Equal(t, "4 different crops", r.Breakdown.FarmProfile["crop_diversity"])
}

func TestCalculateEmptyInputUsesDefaults(t *testing.T) {
	r := Calculate("f-2", Input{}, time.Now())
	assert.Equal(t, 9, r.Scores.FarmProfile)
	assert.Equal(t, 5, r.Scores.Financial)
	assert.Equal(t, 8, r.Scores.Climate)
	assert.Equal(t, 22, r.Scores.Total)
	assert.Equal(t, "C", r.Risk.Tier)

	assert.Equal(t, 21000, r.Loan.MaxLoanAmount)
	assert.InDelta(t, 0.1944, r.Loan.InterestRate, 1e-9)
	assert.Len(t, r.Loan.SpecialConditions, 4)
	assert.Contains(t, r.Loan.SpecialConditions, "Co-signer or group guarantee required")
	assert.Equal(t, "Quarterly reassessment required", r.Validity.ReassessmentRecommended)
	assert.Equal(t, "Unknown", r.Breakdown.Climate["flood_risk"])
}

func TestFarmProfileSteps(t *testing.T) {
	tests := []struct {
		name string
		fp   FarmProfile
		want int
	}{
		{"small new farm", FarmProfile{SizeHectares: 0.4, SoilQuality: "poor"}, 2 + 2 + 2 + 2 + 2},
		{"half hectare", FarmProfile{SizeHectares: 0.5, SoilQuality: "fair", FarmingExperience: 2}, 4 + 4 + 2 + 2 + 4},
		{"mid farm", FarmProfile{SizeHectares: 2, SoilQuality: "good", IrrigationAccess: true, CropDiversity: intp(3), FarmingExperience: 10}, 8 + 6 + 6 + 5 + 8},
		{"odd soil", FarmProfile{SizeHectares: 1, SoilQuality: "loamy", CropDiversity: intp(2), FarmingExperience: 5}, 6 + 1 + 2 + 4 + 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FarmProfileScore(tt.fp))
		})
	}
}

func TestFinancialSteps(t *testing.T) {
	assert.Equal(t, 12+6+5+4, FinancialScore(FinancialHistory{RepaymentRate: 0.9, IncomeStability: "stable", PreviousLoans: 3, CollateralValue: 100000}))
	assert.Equal(t, 9+4+3+3, FinancialScore(FinancialHistory{RepaymentRate: 0.8, IncomeStability: "moderate", PreviousLoans: 1, CollateralValue: 50000}))
	assert.Equal(t, 6+2+1+2, FinancialScore(FinancialHistory{RepaymentRate: 0.7, IncomeStability: "unstable", CollateralValue: 25000}))
}

func TestClimateScoreUnknownValues(t *testing.T) {
	assert.Equal(t, 4+3+3+3, ClimateScore(ClimateData{FloodRisk: "medium", DroughtRisk: "MEDIUM", TyphoonExposure: "medium", ClimateAdaptation: "fair"}))
	assert.Equal(t, 2+2+2+2, ClimateScore(ClimateData{FloodRisk: "extreme", DroughtRisk: "?", TyphoonExposure: "x", ClimateAdaptation: "??"}))
	assert.Equal(t, 1+1+1+1, ClimateScore(ClimateData{FloodRisk: "very_high", DroughtRisk: "very_high", TyphoonExposure: "very_high", ClimateAdaptation: "none"}))
}

func TestTierBoundaries(t *testing.T) {
	assert.Equal(t, "A", Tier(80).Tier)
	assert.Equal(t, "B", Tier(79).Tier)
	assert.Equal(t, "B", Tier(60).Tier)
	assert.Equal(t, "C", Tier(59).Tier)
}

func TestRecommendTierB(t *testing.T) {
	r := Recommend(75, "B")
	assert.Equal(t, 55000, r.MaxLoanAmount)
	assert.InDelta(t, 0.1425, r.InterestRate, 1e-9)
	assert.Equal(t, 9, r.RepaymentPeriodMonths)
	assert.Contains(t, r.SpecialConditions, "Eligible for seasonal loan extensions")

	low := Recommend(60, "B")
	assert.NotContains(t, low.SpecialConditions, "Eligible for seasonal loan extensions")
}

func TestInputComplete(t *testing.T) {
	assert.True(t, strongInput().Complete())
	in := strongInput()
	in.ClimateData = nil
	assert.False(t, in.Complete())
}
