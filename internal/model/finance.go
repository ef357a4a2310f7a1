package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Assessment statuses.
const (
	AssessmentActive     = "active"
	AssessmentSuperseded = "superseded"
)

// AgScoreAssessment is a persisted AgScore result.
type AgScoreAssessment struct {
	ID                      uuid.UUID       `json:"id"`
	AssessmentID            string          `json:"assessment_id"`
	OrganizationID          uuid.UUID       `json:"organization_id"`
	FarmerID                uuid.UUID       `json:"farmer_id"`
	FarmProfileScore        int             `json:"baseline_farm_profile_score"`
	FinancialScore          int             `json:"financial_history_score"`
	ClimateScore            int             `json:"climate_sensor_score"`
	TotalScore              int             `json:"total_agscore"`
	RiskTier                string          `json:"risk_tier"`
	RiskDescription         string          `json:"risk_description"`
	MaxLoanAmount           int             `json:"max_loan_amount"`
	RecommendedInterestRate float64         `json:"recommended_interest_rate"`
	RepaymentPeriodMonths   int             `json:"repayment_period_months"`
	AssessmentData          json.RawMessage `json:"assessment_data"`
	Result                  json.RawMessage `json:"result"`
	Status                  string          `json:"status"`
	ValidUntil              time.Time       `json:"valid_until"`
	CreatedBy               *uuid.UUID      `json:"created_by,omitempty"`
	CreatedAt               time.Time       `json:"created_at"`
}

// LoanApplication is a loan booked by a financial partner.
type LoanApplication struct {
	ID             uuid.UUID `json:"id"`
	LoanID         string    `json:"loan_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	PartnerKeyID   uuid.UUID `json:"partner_key_id"`
	FarmerID       uuid.UUID `json:"farmer_id"`
	Amount         float64   `json:"amount"`
	Purpose        string    `json:"purpose"`
	InterestRate   float64   `json:"interest_rate"`
	TermMonths     int       `json:"term_months"`
	MonthlyPayment float64   `json:"monthly_payment"`
	Status         string    `json:"status"`
	AssessmentID   *string   `json:"assessment_id,omitempty"`
	MaturityDate   time.Time `json:"maturity_date"`
	CreatedAt      time.Time `json:"created_at"`
}

// PurchaseOrder is a buyer's offer against a produce listing.
type PurchaseOrder struct {
	ID            uuid.UUID `json:"id"`
	PONumber      string    `json:"po_number"`
	PartnerKeyID  uuid.UUID `json:"partner_key_id"`
	BuyerOrgID    uuid.UUID `json:"buyer_organization_id"`
	ListingID     uuid.UUID `json:"listing_id"`
	QuantityKg    float64   `json:"quantity"`
	OfferedPrice  float64   `json:"offered_price"`
	TotalAmount   float64   `json:"total_amount"`
	DeliveryTerms string    `json:"delivery_terms"`
	PaymentTerms  string    `json:"payment_terms"`
	Status        string    `json:"status"`
	ExpiresAt     time.Time `json:"expires_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// AuditEntry is a row of the mutation audit log as read back by the audit API.
type AuditEntry struct {
	ID           int64           `json:"id"`
	RequestID    string          `json:"request_id"`
	OrgID        uuid.UUID       `json:"organization_id"`
	ActorID      string          `json:"actor_id"`
	ActorRole    string          `json:"actor_role"`
	HTTPMethod   string          `json:"http_method"`
	Endpoint     string          `json:"endpoint"`
	Operation    string          `json:"operation"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	BeforeData   json.RawMessage `json:"before_data,omitempty"`
	AfterData    json.RawMessage `json:"after_data,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
