// Package agscore computes the AgScore, a 0-100 credit risk score for a
// farmer built from three weighted components: farm profile (40), financial
// history (35) and climate exposure (25).
package agscore

import (
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Component caps.
const (
	MaxFarmProfile = 40
	MaxFinancial   = 35
	MaxClimate     = 25
)

// ScoringVersion is recorded in every audit trail.
const ScoringVersion = "1.0.0"

// Validity is how long an assessment stays current.
const Validity = 180 * 24 * time.Hour

// FarmProfile describes the farm being assessed.
type FarmProfile struct {
	SizeHectares      float64 `json:"size_hectares"`
	SoilQuality       string  `json:"soil_quality"`
	IrrigationAccess  bool    `json:"irrigation_access"`
	CropDiversity     *int    `json:"crop_diversity,omitempty"`
	FarmingExperience float64 `json:"farming_experience"`
}

// FinancialHistory describes the farmer's credit track record.
type FinancialHistory struct {
	RepaymentRate   float64 `json:"repayment_rate"`
	IncomeStability string  `json:"income_stability"`
	PreviousLoans   int     `json:"previous_loans"`
	CollateralValue float64 `json:"collateral_value"`
}

// ClimateData describes the farm's exposure to weather risk. Empty risk
// fields are scored as "high" and an empty adaptation as "poor".
type ClimateData struct {
	FloodRisk         string `json:"flood_risk"`
	DroughtRisk       string `json:"drought_risk"`
	TyphoonExposure   string `json:"typhoon_exposure"`
	ClimateAdaptation string `json:"climate_adaptation"`
}

// Input is the assessment_data body of an assess-farmer request.
type Input struct {
	FarmProfile      *FarmProfile      `json:"farm_profile"`
	FinancialHistory *FinancialHistory `json:"financial_history"`
	ClimateData      *ClimateData      `json:"climate_data"`
}

// Complete reports whether every component is present.
func (in Input) Complete() bool {
	return in.FarmProfile != nil && in.FinancialHistory != nil && in.ClimateData != nil
}

// Scores are the component and total points.
type Scores struct {
	FarmProfile int `json:"baseline_farm_profile"`
	Financial   int `json:"financial_history"`
	Climate     int `json:"climate_sensor_data"`
	Total       int `json:"total_agscore"`
}

// RiskAssessment is the tier derived from the total.
type RiskAssessment struct {
	Tier        string `json:"risk_tier"`
	Description string `json:"risk_description"`
	Color       string `json:"risk_color"`
}

// LoanRecommendation is the suggested credit offer.
type LoanRecommendation struct {
	MaxLoanAmount         int      `json:"max_loan_amount"`
	InterestRate          float64  `json:"interest_rate"`
	RepaymentPeriodMonths int      `json:"repayment_period_months"`
	CollateralRequirement string   `json:"collateral_requirement"`
	ApprovalProbability   string   `json:"approval_probability"`
	SpecialConditions     []string `json:"special_conditions"`
	InputPackageTier      string   `json:"input_package_tier"`
}

// Breakdown renders the scored inputs as display strings.
type Breakdown struct {
	FarmProfile map[string]string `json:"farm_profile_details"`
	Financial   map[string]string `json:"financial_details"`
	Climate     map[string]string `json:"climate_details"`
}

// AuditTrail records how a score was produced.
type AuditTrail struct {
	AssessmentDate time.Time `json:"assessment_date"`
	ScoringVersion string    `json:"scoring_version"`
	DataSources    []string  `json:"data_sources"`
}

// Compliance is the explainability block required for lender review.
type Compliance struct {
	TransparentScoring bool       `json:"transparent_scoring"`
	ExplainableFactors []string   `json:"explainable_factors"`
	AuditTrail         AuditTrail `json:"audit_trail"`
}

// ValidityInfo states when the assessment should be redone.
type ValidityInfo struct {
	AssessmentDate          time.Time `json:"assessment_date"`
	ValidUntil              time.Time `json:"valid_until"`
	ReassessmentRecommended string    `json:"reassessment_recommended"`
}

// Result is a complete assessment.
type Result struct {
	FarmerID     string             `json:"farmer_id"`
	AssessmentID string             `json:"assessment_id"`
	Scores       Scores             `json:"scores"`
	Risk         RiskAssessment     `json:"risk_assessment"`
	Loan         LoanRecommendation `json:"loan_recommendations"`
	Breakdown    Breakdown          `json:"assessment_breakdown"`
	Compliance   Compliance         `json:"bsp_compliance"`
	Validity     ValidityInfo       `json:"validity"`
}

// Calculate scores in as of now. Missing components score as if every
// field held its zero value.
func Calculate(farmerID string, in Input, now time.Time) Result {
	fp := FarmProfile{}
	if in.FarmProfile != nil {
		fp = *in.FarmProfile
	}
	fh := FinancialHistory{}
	if in.FinancialHistory != nil {
		fh = *in.FinancialHistory
	}
	cd := ClimateData{}
	if in.ClimateData != nil {
		cd = *in.ClimateData
	}

	s := Scores{
		FarmProfile: FarmProfileScore(fp),
		Financial:   FinancialScore(fh),
		Climate:     ClimateScore(cd),
	}
	s.Total = s.FarmProfile + s.Financial + s.Climate
	risk := Tier(s.Total)
	now = now.UTC()

	return Result{
		FarmerID:     farmerID,
		AssessmentID: AssessmentID(now),
		Scores:       s,
		Risk:         risk,
		Loan:         Recommend(s.Total, risk.Tier),
		Breakdown: Breakdown{
			FarmProfile: farmBreakdown(fp),
			Financial:   financialBreakdown(fh),
			Climate:     climateBreakdown(cd),
		},
		Compliance: Compliance{
			TransparentScoring: true,
			ExplainableFactors: Explain(s),
			AuditTrail: AuditTrail{
				AssessmentDate: now,
				ScoringVersion: ScoringVersion,
				DataSources:    []string{"farm_profile", "financial_history", "climate_data"},
			},
		},
		Validity: ValidityInfo{
			AssessmentDate:          now,
			ValidUntil:              now.Add(Validity),
			ReassessmentRecommended: reassessment[risk.Tier],
		},
	}
}

// AssessmentID formats the assessment identifier AGS_YYYYMMDD_HHMMSS.
func AssessmentID(now time.Time) string {
	return "AGS_" + now.Format("20060102_150405")
}

// FarmProfileScore returns 0-40 points.
func FarmProfileScore(fp FarmProfile) int {
	score := stepF(fp.SizeHectares, []stepFloat{{5, 10}, {2, 8}, {1, 6}, {0.5, 4}}, 2)
	score += lookup(soilScores, fp.SoilQuality, "unknown", 1)
	if fp.IrrigationAccess {
		score += 6
	} else {
		score += 2
	}
	diversity := 1
	if fp.CropDiversity != nil {
		diversity = *fp.CropDiversity
	}
	score += stepF(float64(diversity), []stepFloat{{4, 6}, {3, 5}, {2, 4}}, 2)
	score += stepF(fp.FarmingExperience, []stepFloat{{15, 10}, {10, 8}, {5, 6}, {2, 4}}, 2)
	return min(score, MaxFarmProfile)
}

// FinancialScore returns 0-35 points.
func FinancialScore(fh FinancialHistory) int {
	score := stepF(fh.RepaymentRate, []stepFloat{{0.95, 15}, {0.90, 12}, {0.80, 9}, {0.70, 6}}, 2)
	score += lookup(stabilityScores, fh.IncomeStability, "unknown", 1)
	score += stepF(float64(fh.PreviousLoans), []stepFloat{{5, 7}, {3, 5}, {1, 3}}, 1)
	score += stepF(fh.CollateralValue, []stepFloat{{200000, 5}, {100000, 4}, {50000, 3}, {25000, 2}}, 1)
	return min(score, MaxFinancial)
}

// ClimateScore returns 0-25 points. Lower risk scores higher.
func ClimateScore(cd ClimateData) int {
	score := lookup(floodScores, cd.FloodRisk, "high", 2)
	score += lookup(droughtScores, cd.DroughtRisk, "high", 2)
	score += lookup(typhoonScores, cd.TyphoonExposure, "high", 2)
	score += lookup(adaptationScores, cd.ClimateAdaptation, "poor", 2)
	return min(score, MaxClimate)
}

// Tier maps a total score to its risk tier.
func Tier(total int) RiskAssessment {
	switch {
	case total >= 80:
		return RiskAssessment{Tier: "A", Description: "Low Risk", Color: "green"}
	case total >= 60:
		return RiskAssessment{Tier: "B", Description: "Medium Risk", Color: "yellow"}
	default:
		return RiskAssessment{Tier: "C", Description: "High Risk", Color: "red"}
	}
}

type tierTerms struct {
	maxLoan    int
	rate       float64
	months     int
	collateral string
	approval   string
	pkg        string
}

var terms = map[string]tierTerms{
	"A": {100000, 0.12, 12, "minimal", "high", "Premium Package - Full agricultural inputs with advanced options"},
	"B": {50000, 0.15, 9, "moderate", "medium", "Growth Package - Standard inputs with moderate options"},
	"C": {25000, 0.18, 6, "high", "low", "Basic Package - Essential inputs with basic options"},
}

var reassessment = map[string]string{
	"A": "Annual reassessment recommended",
	"B": "Semi-annual reassessment recommended",
	"C": "Quarterly reassessment required",
}

// Recommend builds the loan offer for a score within tier. The position of
// the score inside its 20-point band scales the limit up and the rate down.
func Recommend(total int, tier string) LoanRecommendation {
	t, ok := terms[tier]
	if !ok {
		t = terms["C"]
		tier = "C"
	}
	adj := float64(total%20) / 20
	return LoanRecommendation{
		MaxLoanAmount:         int(math.Floor(float64(t.maxLoan) * (0.8 + 0.4*adj))),
		InterestRate:          t.rate * (1.1 - 0.2*adj),
		RepaymentPeriodMonths: t.months,
		CollateralRequirement: t.collateral,
		ApprovalProbability:   t.approval,
		SpecialConditions:     specialConditions(total, tier),
		InputPackageTier:      t.pkg,
	}
}

func specialConditions(total int, tier string) []string {
	switch tier {
	case "A":
		c := []string{"Eligible for premium input packages", "Fast-track approval process"}
		if total >= 90 {
			c = append(c, "Eligible for unsecured loans up to ₱50,000")
		}
		return c
	case "B":
		c := []string{"Standard input packages recommended", "Regular monitoring required"}
		if total >= 70 {
			c = append(c, "Eligible for seasonal loan extensions")
		}
		return c
	default:
		c := []string{
			"Basic input packages only",
			"Enhanced monitoring and support required",
			"Mandatory agricultural training participation",
		}
		if total < 40 {
			c = append(c, "Co-signer or group guarantee required")
		}
		return c
	}
}

// Explain returns the human-readable scoring factors.
func Explain(s Scores) []string {
	return []string{
		fmt.Sprintf("Farm Profile Score: %d/%d - Based on farm size, soil quality, irrigation, crop diversity, and experience", s.FarmProfile, MaxFarmProfile),
		fmt.Sprintf("Financial History Score: %d/%d - Based on repayment rate, income stability, loan history, and collateral", s.Financial, MaxFinancial),
		fmt.Sprintf("Climate Risk Score: %d/%d - Based on flood, drought, typhoon risks and adaptation measures", s.Climate, MaxClimate),
		fmt.Sprintf("Total AgScore: %d/100 - Weighted combination of all factors", s.Total),
	}
}

var (
	soilScores       = map[string]int{"excellent": 8, "good": 6, "fair": 4, "poor": 2, "unknown": 1}
	stabilityScores  = map[string]int{"very_stable": 8, "stable": 6, "moderate": 4, "unstable": 2, "unknown": 1}
	floodScores      = map[string]int{"very_low": 8, "low": 6, "medium": 4, "high": 2, "very_high": 1}
	droughtScores    = map[string]int{"very_low": 7, "low": 5, "medium": 3, "high": 2, "very_high": 1}
	typhoonScores    = map[string]int{"very_low": 5, "low": 4, "medium": 3, "high": 2, "very_high": 1}
	adaptationScores = map[string]int{"excellent": 5, "good": 4, "fair": 3, "poor": 2, "none": 1}
)

type stepFloat struct {
	min    float64
	points int
}

// stepF returns the points of the first step whose threshold v meets.
func stepF(v float64, steps []stepFloat, otherwise int) int {
	for _, s := range steps {
		if v >= s.min {
			return s.points
		}
	}
	return otherwise
}

func lookup(table map[string]int, v, empty string, otherwise int) int {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		v = empty
	}
	if p, ok := table[v]; ok {
		return p
	}
	return otherwise
}

var printer = message.NewPrinter(language.English)

func farmBreakdown(fp FarmProfile) map[string]string {
	diversity := 1
	if fp.CropDiversity != nil {
		diversity = *fp.CropDiversity
	}
	irrigation := "No"
	if fp.IrrigationAccess {
		irrigation = "Yes"
	}
	return map[string]string{
		"farm_size":          fmt.Sprintf("%g hectares", fp.SizeHectares),
		"soil_quality":       orUnknown(fp.SoilQuality),
		"irrigation_access":  irrigation,
		"crop_diversity":     fmt.Sprintf("%d different crops", diversity),
		"farming_experience": fmt.Sprintf("%g years", fp.FarmingExperience),
	}
}

func financialBreakdown(fh FinancialHistory) map[string]string {
	collateral := printer.Sprintf("₱%.2f", fh.CollateralValue)
	if fh.CollateralValue == math.Trunc(fh.CollateralValue) {
		collateral = printer.Sprintf("₱%d", int64(fh.CollateralValue))
	}
	return map[string]string{
		"repayment_rate":   fmt.Sprintf("%.1f%%", fh.RepaymentRate*100),
		"income_stability": orUnknown(fh.IncomeStability),
		"previous_loans":   fmt.Sprintf("%d loans", fh.PreviousLoans),
		"collateral_value": collateral,
	}
}

func climateBreakdown(cd ClimateData) map[string]string {
	return map[string]string{
		"flood_risk":         orUnknown(cd.FloodRisk),
		"drought_risk":       orUnknown(cd.DroughtRisk),
		"typhoon_exposure":   orUnknown(cd.TyphoonExposure),
		"climate_adaptation": orUnknown(cd.ClimateAdaptation),
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
