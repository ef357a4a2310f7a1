package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/magsasa-card/magsasa/internal/ctxutil"
	"github.com/magsasa-card/magsasa/internal/kaani"
	"github.com/magsasa-card/magsasa/internal/model"
	"github.com/magsasa-card/magsasa/internal/storage"
)

// HandleKaaniHealth handles GET /api/kaani/health.
func (h *Handlers) HandleKaaniHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	provider := h.kaani.Provider()
	providerStatus := "operational"
	if err := provider.Ping(ctx); err != nil {
		h.logger.Warn("kaani provider ping failed", "provider", provider.Name(), "error", err)
		providerStatus = "unavailable"
	}
	dbStatus := "operational"
	if err := h.db.Ping(ctx); err != nil {
		dbStatus = "unavailable"
	}

	var stats any
	if s, err := h.db.GetKaaniStats(ctx); err == nil {
		stats = s
	} else {
		h.logger.Warn("kaani stats unavailable", "error", err)
	}

	status, code := "healthy", http.StatusOK
	if dbStatus != "operational" {
		status, code = "unhealthy", http.StatusServiceUnavailable
	} else if providerStatus != "operational" {
		status = "degraded"
	}
	writeJSON(w, r, code, map[string]any{
		"status":    status,
		"timestamp": h.now().UTC(),
		"components": map[string]any{
			"openai_provider":  map[string]string{"status": providerStatus, "provider": provider.Name()},
			"database":         map[string]string{"status": dbStatus},
			"diagnosis_engine": map[string]string{"status": "operational"},
		},
		"statistics": stats,
		"features": []string{
			"quick_diagnosis", "regular_diagnosis", "product_recommendations",
			"seasonal_guidance", "farmer_profiles", "ab_testing",
		},
	})
}

// HandleQuickDiagnosis handles POST /api/kaani/quick-diagnosis.
func (h *Handlers) HandleQuickDiagnosis(w http.ResponseWriter, r *http.Request) {
	h.diagnose(w, r, model.DiagnosisQuick)
}

// HandleRegularDiagnosis handles POST /api/kaani/regular-diagnosis.
func (h *Handlers) HandleRegularDiagnosis(w http.ResponseWriter, r *http.Request) {
	h.diagnose(w, r, model.DiagnosisRegular)
}

func (h *Handlers) diagnose(w http.ResponseWriter, r *http.Request, mode string) {
	var in kaani.FarmerInput
	if !h.decode(w, r, &in) {
		return
	}
	in.FarmerID = strings.TrimSpace(in.FarmerID)
	if in.FarmerID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "farmer_id is required")
		return
	}
	if err := in.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "Invalid farmer input data")
		return
	}
	if _, ok := h.orgFarmer(w, r, uuid.MustParse(in.FarmerID)); !ok {
		return
	}

	ctx := r.Context()
	userID := ctxutil.UserIDFromContext(ctx)
	caller := kaani.Caller{OrgID: ctxutil.OrgIDFromContext(ctx), UserID: &userID}
	result, err := h.kaani.Diagnose(ctx, caller, mode, in)
	if err != nil {
		var perr *kaani.ProviderError
		switch {
		case errors.Is(err, kaani.ErrInvalidInput):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "Invalid farmer input data")
		case errors.As(err, &perr):
			h.metrics.ObserveDiagnosis(mode, model.SessionError)
			writeErrorDetails(w, r, http.StatusBadGateway, model.ErrCodeInternalError, "Diagnosis failed",
				map[string]any{"session_id": perr.SessionID})
		default:
			h.writeInternalError(w, r, "failed to run diagnosis", err)
		}
		return
	}
	h.metrics.ObserveDiagnosis(mode, model.SessionCompleted)
	h.logger.Info("diagnosis completed",
		"session_id", result.SessionID,
		"mode", mode,
		"recommendations", len(result.ProductRecommendations),
	)
	if mode == model.DiagnosisQuick {
		writeJSON(w, r, http.StatusOK, result.Quick())
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// HandleGetDiagnosis handles GET /api/kaani/diagnosis/{session_id}.
func (h *Handlers) HandleGetDiagnosis(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.PathValue("session_id"))
	s, err := h.db.GetDiagnosisSession(r.Context(), ctxutil.OrgIDFromContext(r.Context()), sessionID)
	if err != nil {
		h.writeStorageError(w, r, err, "Diagnosis session not found", "failed to load diagnosis session")
		return
	}
	recs, err := h.db.ListSessionRecommendations(r.Context(), sessionID)
	if err != nil {
		h.writeInternalError(w, r, "failed to load recommendations", err)
		return
	}
	if recs == nil {
		recs = []model.ProductRecommendation{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"session":                 s,
		"product_recommendations": recs,
	})
}

// HandleCreateFarmerProfile handles POST /api/farmers/profile.
func (h *Handlers) HandleCreateFarmerProfile(w http.ResponseWriter, r *http.Request) {
	var p model.FarmerProfile
	if !h.decode(w, r, &p) {
		return
	}
	farmerID := ""
	if p.FarmerID != uuid.Nil {
		farmerID = p.FarmerID.String()
	}
	if missing := missingFields("farmer_id", farmerID, "first_name", p.FirstName, "last_name", p.LastName); len(missing) > 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, missing[0]+" is required")
		return
	}
	farmer, ok := h.orgFarmer(w, r, p.FarmerID)
	if !ok {
		return
	}
	p.OrganizationID = farmer.OrganizationID
	p.FirstName = strings.TrimSpace(p.FirstName)
	p.LastName = strings.TrimSpace(p.LastName)

	created, err := h.db.CreateFarmerProfile(r.Context(), p)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "Farmer profile already exists")
			return
		}
		h.writeInternalError(w, r, "failed to create farmer profile", err)
		return
	}
	h.audit(r, "create", "farmer_profile", created.FarmerID.String(), nil, created, nil)
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleGetFarmerProfile handles GET /api/farmers/profile/{id}.
func (h *Handlers) HandleGetFarmerProfile(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	p, err := h.db.GetFarmerProfile(r.Context(), ctxutil.OrgIDFromContext(r.Context()), id)
	if err != nil {
		h.writeStorageError(w, r, err, "Farmer profile not found", "failed to load farmer profile")
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

// HandleKaaniRecommended handles GET /api/products/kaani-recommended/{farmer_id}.
func (h *Handlers) HandleKaaniRecommended(w http.ResponseWriter, r *http.Request) {
	farmerID, err := pathUUID(r, "farmer_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	ctx := r.Context()
	p, err := h.db.GetFarmerProfile(ctx, ctxutil.OrgIDFromContext(ctx), farmerID)
	if err != nil {
		h.writeStorageError(w, r, err, "Farmer profile not found", "failed to load farmer profile")
		return
	}
	inputs, err := h.db.ListInputsForCrops(ctx, p.PrimaryCrops, 3)
	if err != nil {
		h.writeInternalError(w, r, "failed to load recommended products", err)
		return
	}
	reasoning := "Suitable for " + strings.Join(p.PrimaryCrops, ", ") + " cultivation"
	products := make([]map[string]any, 0, len(inputs))
	for _, in := range inputs {
		products = append(products, map[string]any{
			"product":               in,
			"reasoning":             reasoning,
			"recommendation_source": "farmer_profile_match",
		})
	}

	var guidance *model.SeasonalGuidance
	if p.Province != "" {
		g, ok, err := h.db.GetSeasonalGuidance(ctx, p.Province, int(h.now().Month()))
		if err != nil {
			h.writeInternalError(w, r, "failed to load seasonal guidance", err)
			return
		}
		if ok {
			guidance = &g
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"farmer_id":             farmerID,
		"primary_crops":         p.PrimaryCrops,
		"recommended_products":  products,
		"seasonal_guidance":     guidance,
		"total_recommendations": len(products),
	})
}

type matchDiagnosisRequest struct {
	SessionID string `json:"session_id"`
}

// HandleMatchDiagnosis handles POST /api/products/match-diagnosis.
func (h *Handlers) HandleMatchDiagnosis(w http.ResponseWriter, r *http.Request) {
	var req matchDiagnosisRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "session_id is required")
		return
	}
	ctx := r.Context()
	if _, err := h.db.GetDiagnosisSession(ctx, ctxutil.OrgIDFromContext(ctx), req.SessionID); err != nil {
		h.writeStorageError(w, r, err, "Diagnosis session not found", "failed to load diagnosis session")
		return
	}
	recs, err := h.db.ListSessionRecommendations(ctx, req.SessionID)
	if err != nil {
		h.writeInternalError(w, r, "failed to load recommendations", err)
		return
	}
	if recs == nil {
		recs = []model.ProductRecommendation{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"session_id":            req.SessionID,
		"matched_products":      recs,
		"total_recommendations": len(recs),
	})
}

type abAssignRequest struct {
	FarmerID uuid.UUID `json:"farmer_id"`
	TestName string    `json:"test_name"`
}

// HandleAssignFarmer handles POST /api/testing/assign-farmer.
func (h *Handlers) HandleAssignFarmer(w http.ResponseWriter, r *http.Request) {
	var req abAssignRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.TestName = strings.TrimSpace(req.TestName)
	if req.FarmerID == uuid.Nil || req.TestName == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "farmer_id and test_name are required")
		return
	}
	arm := kaani.AssignArm(req.FarmerID.String())
	a, err := h.db.UpsertABAssignment(r.Context(), model.ABTestAssignment{
		FarmerID:       req.FarmerID,
		TestName:       req.TestName,
		TestGroup:      arm.Group,
		Provider:       arm.Provider,
		TestParameters: arm.Parameters(),
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to assign farmer", err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

type abResultRequest struct {
	TestName    string    `json:"test_name"`
	FarmerID    uuid.UUID `json:"farmer_id"`
	MetricName  string    `json:"metric_name"`
	MetricValue *float64  `json:"metric_value"`
}

// HandleRecordABResult handles POST /api/testing/results.
func (h *Handlers) HandleRecordABResult(w http.ResponseWriter, r *http.Request) {
	var req abResultRequest
	if !h.decode(w, r, &req) {
		return
	}
	farmerID := ""
	if req.FarmerID != uuid.Nil {
		farmerID = req.FarmerID.String()
	}
	value := ""
	if req.MetricValue != nil {
		value = "set"
	}
	if missing := missingFields("test_name", req.TestName, "farmer_id", farmerID,
		"metric_name", req.MetricName, "metric_value", value); len(missing) > 0 {
		writeMissingFields(w, r, missing)
		return
	}
	res, err := h.db.InsertABResult(r.Context(), model.ABTestResult{
		TestName:    strings.TrimSpace(req.TestName),
		TestGroup:   kaani.AssignArm(farmerID).Group,
		FarmerID:    req.FarmerID,
		MetricName:  strings.TrimSpace(req.MetricName),
		MetricValue: *req.MetricValue,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to record test result", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, res)
}

// HandleABTestResults handles GET /api/testing/results/{test_name}.
func (h *Handlers) HandleABTestResults(w http.ResponseWriter, r *http.Request) {
	testName := strings.TrimSpace(r.PathValue("test_name"))
	groups, metrics, err := h.db.GetABTestStats(r.Context(), testName)
	if err != nil {
		h.writeInternalError(w, r, "failed to load test results", err)
		return
	}
	if groups == nil {
		groups = []storage.ABGroupStat{}
	}
	if metrics == nil {
		metrics = []storage.ABMetricStat{}
	}

	farmers, interactions := 0, 0
	for _, g := range groups {
		farmers += g.FarmerCount
	}
	for _, m := range metrics {
		interactions += m.TotalInteractions
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"test_name":           testName,
		"group_statistics":    groups,
		"performance_metrics": metrics,
		"summary": map[string]any{
			"total_farmers":      farmers,
			"total_interactions": interactions,
			"groups":             len(groups),
		},
	})
}
