package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/magsasa-card/magsasa/internal/agscore"
	"github.com/magsasa-card/magsasa/internal/ctxutil"
	"github.com/magsasa-card/magsasa/internal/model"
	"github.com/magsasa-card/magsasa/internal/storage"
)

type assessRequest struct {
	FarmerID       uuid.UUID      `json:"farmer_id"`
	AssessmentData *agscore.Input `json:"assessment_data"`
}

// HandleAssessFarmer handles POST /api/agscore/assess-farmer.
func (h *Handlers) HandleAssessFarmer(w http.ResponseWriter, r *http.Request) {
	var req assessRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.FarmerID == uuid.Nil || req.AssessmentData == nil || !req.AssessmentData.Complete() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "farmer_id and assessment_data are required")
		return
	}
	farmer, ok := h.orgFarmer(w, r, req.FarmerID)
	if !ok {
		return
	}

	result := agscore.Calculate(farmer.ID.String(), *req.AssessmentData, h.now())
	inputJSON, err := json.Marshal(req.AssessmentData)
	if err != nil {
		h.writeInternalError(w, r, "failed to encode assessment data", err)
		return
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		h.writeInternalError(w, r, "failed to encode assessment result", err)
		return
	}

	userID := ctxutil.UserIDFromContext(r.Context())
	saved, err := h.db.SaveAssessment(r.Context(), model.AgScoreAssessment{
		AssessmentID:            result.AssessmentID,
		OrganizationID:          farmer.OrganizationID,
		FarmerID:                farmer.ID,
		FarmProfileScore:        result.Scores.FarmProfile,
		FinancialScore:          result.Scores.Financial,
		ClimateScore:            result.Scores.Climate,
		TotalScore:              result.Scores.Total,
		RiskTier:                result.Risk.Tier,
		RiskDescription:         result.Risk.Description,
		MaxLoanAmount:           result.Loan.MaxLoanAmount,
		RecommendedInterestRate: result.Loan.InterestRate,
		RepaymentPeriodMonths:   result.Loan.RepaymentPeriodMonths,
		AssessmentData:          inputJSON,
		Result:                  resultJSON,
		ValidUntil:              result.Validity.ValidUntil,
		CreatedBy:               &userID,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to save assessment", err)
		return
	}
	h.audit(r, "assess", "agscore_assessment", saved.ID.String(), nil, map[string]any{
		"assessment_id": saved.AssessmentID,
		"total_agscore": saved.TotalScore,
		"risk_tier":     saved.RiskTier,
	}, map[string]any{"farmer_id": farmer.ID.String()})
	h.metrics.ObserveAssessment(result.Risk.Tier)
	h.logger.Info("agscore assessment saved",
		"assessment_id", saved.AssessmentID,
		"farmer_id", farmer.ID,
		"total", saved.TotalScore,
		"tier", saved.RiskTier,
	)
	writeJSON(w, r, http.StatusOK, result)
}

// latestAssessment loads the farmer's active assessment in the caller's org.
func (h *Handlers) latestAssessment(w http.ResponseWriter, r *http.Request, notFoundMsg string) (model.AgScoreAssessment, bool) {
	farmerID, err := pathUUID(r, "farmer_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return model.AgScoreAssessment{}, false
	}
	a, err := h.db.GetLatestAssessment(r.Context(), ctxutil.OrgIDFromContext(r.Context()), farmerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, notFoundMsg)
			return model.AgScoreAssessment{}, false
		}
		h.writeInternalError(w, r, "failed to load assessment", err)
		return model.AgScoreAssessment{}, false
	}
	return a, true
}

// HandleGetFarmerAgScore handles GET /api/agscore/farmer/{farmer_id}.
func (h *Handlers) HandleGetFarmerAgScore(w http.ResponseWriter, r *http.Request) {
	a, ok := h.latestAssessment(w, r, "No AgScore assessment found for farmer")
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

// HandleGetRiskTier handles GET /api/agscore/risk-tier/{farmer_id}.
func (h *Handlers) HandleGetRiskTier(w http.ResponseWriter, r *http.Request) {
	a, ok := h.latestAssessment(w, r, "No risk assessment found for farmer")
	if !ok {
		return
	}
	risk := agscore.Tier(a.TotalScore)
	writeJSON(w, r, http.StatusOK, map[string]any{
		"farmer_id":        a.FarmerID,
		"assessment_id":    a.AssessmentID,
		"total_agscore":    a.TotalScore,
		"risk_tier":        a.RiskTier,
		"risk_description": a.RiskDescription,
		"risk_color":       risk.Color,
		"max_loan_amount":  a.MaxLoanAmount,
		"valid_until":      a.ValidUntil,
		"expired":          h.now().After(a.ValidUntil),
	})
}

// HandleAgScoreHistory handles GET /api/agscore/farmer/{farmer_id}/history.
func (h *Handlers) HandleAgScoreHistory(w http.ResponseWriter, r *http.Request) {
	farmerID, err := pathUUID(r, "farmer_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	list, err := h.db.ListAssessments(r.Context(), ctxutil.OrgIDFromContext(r.Context()), farmerID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list assessments", err)
		return
	}
	if list == nil {
		list = []model.AgScoreAssessment{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"farmer_id":   farmerID,
		"assessments": list,
		"total":       len(list),
	})
}
