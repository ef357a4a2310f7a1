package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FarmerProfile is the diagnosis-facing view of a farmer.
type FarmerProfile struct {
	FarmerID            uuid.UUID `json:"farmer_id"`
	OrganizationID      uuid.UUID `json:"organization_id"`
	FirstName           string    `json:"first_name"`
	LastName            string    `json:"last_name"`
	Province            string    `json:"province,omitempty"`
	Municipality        string    `json:"municipality,omitempty"`
	Barangay            string    `json:"barangay,omitempty"`
	FarmSizeHectares    float64   `json:"farm_size_hectares"`
	PrimaryCrops        []string  `json:"primary_crops"`
	SoilType            string    `json:"soil_type,omitempty"`
	IrrigationType      string    `json:"irrigation_type,omitempty"`
	FarmingExperience   int       `json:"farming_experience_years"`
	CardMemberID        string    `json:"card_member_id,omitempty"`
	IsCardMember        bool      `json:"is_card_member"`
	ProfileCompleteness float64   `json:"profile_completeness"`
	VerificationStatus  string    `json:"verification_status"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Diagnosis modes.
const (
	DiagnosisQuick   = "quick"
	DiagnosisRegular = "regular"
)

// Diagnosis session statuses.
const (
	SessionCompleted = "completed"
	SessionError     = "error"
)

// DiagnosisSession is one KaAni run.
type DiagnosisSession struct {
	ID             uuid.UUID       `json:"id"`
	SessionID      string          `json:"session_id"`
	OrganizationID uuid.UUID       `json:"organization_id"`
	FarmerID       uuid.UUID       `json:"farmer_id"`
	Mode           string          `json:"diagnosis_mode"`
	Provider       string          `json:"provider"`
	FarmerInput    json.RawMessage `json:"farmer_input"`
	AIAnalysis     json.RawMessage `json:"ai_analysis"`
	Confidence     float64         `json:"overall_confidence"`
	Status         string          `json:"status"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedBy      *uuid.UUID      `json:"created_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Recommendation priorities, highest first.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// ProductRecommendation links a diagnosis to a catalog item.
type ProductRecommendation struct {
	ID                uuid.UUID `json:"recommendation_id"`
	SessionID         string    `json:"session_id"`
	InputID           uuid.UUID `json:"input_id"`
	ProductName       string    `json:"product_name"`
	Category          string    `json:"category,omitempty"`
	Brand             string    `json:"brand,omitempty"`
	PackageSize       string    `json:"package_size,omitempty"`
	Priority          string    `json:"priority"`
	Reasoning         string    `json:"reasoning"`
	EstimatedQuantity string    `json:"estimated_quantity,omitempty"`
	Timing            string    `json:"timing,omitempty"`
	EstimatedCost     float64   `json:"estimated_cost"`
	Confidence        float64   `json:"confidence"`
}

// SeasonalGuidance is agronomic advice for a province and month.
type SeasonalGuidance struct {
	ID               uuid.UUID `json:"id"`
	Province         string    `json:"province"`
	Month            int       `json:"month"`
	Season           string    `json:"season"`
	RecommendedCrops []string  `json:"recommended_crops"`
	Advisories       []string  `json:"advisories"`
	WeatherOutlook   string    `json:"weather_outlook,omitempty"`
}

// ABTestAssignment records which arm a farmer sees in an experiment.
type ABTestAssignment struct {
	FarmerID       uuid.UUID      `json:"farmer_id"`
	TestName       string         `json:"test_name"`
	TestGroup      string         `json:"test_group"`
	Provider       string         `json:"provider"`
	TestParameters map[string]any `json:"test_parameters"`
	AssignedAt     time.Time      `json:"assigned_at"`
}

// ABTestResult is one recorded outcome for an experiment arm.
type ABTestResult struct {
	ID          uuid.UUID `json:"id"`
	TestName    string    `json:"test_name"`
	TestGroup   string    `json:"test_group"`
	FarmerID    uuid.UUID `json:"farmer_id"`
	MetricName  string    `json:"metric_name"`
	MetricValue float64   `json:"metric_value"`
	RecordedAt  time.Time `json:"recorded_at"`
}
