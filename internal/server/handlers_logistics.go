package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/magsasa-card/magsasa/internal/ctxutil"
	"github.com/magsasa-card/magsasa/internal/model"
	"github.com/magsasa-card/magsasa/internal/pricing"
	"github.com/magsasa-card/magsasa/internal/storage"
)

// HandleListLogisticsOptions handles GET /api/logistics/options.
func (h *Handlers) HandleListLogisticsOptions(w http.ResponseWriter, r *http.Request) {
	minOrder, err := queryFloat(r, "min_order")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	opts, err := h.db.ListLogisticsOptions(r.Context(), storage.LogisticsFilter{
		MinOrder: minOrder,
		Location: strings.TrimSpace(r.URL.Query().Get("location")),
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to list logistics options", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"logistics_options": opts,
		"total_options":     len(opts),
	})
}

// HandleCreateLogisticsOption handles POST /api/logistics/options.
func (h *Handlers) HandleCreateLogisticsOption(w http.ResponseWriter, r *http.Request) {
	var o model.LogisticsOption
	if !h.decode(w, r, &o) {
		return
	}
	if missing := missingFields("provider_name", o.ProviderName, "provider_type", string(o.ProviderType)); len(missing) > 0 {
		writeMissingFields(w, r, missing)
		return
	}
	if !model.ValidDeliveryOption(o.ProviderType) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"provider_type must be one of platform_logistics, supplier_delivery, farmer_pickup")
		return
	}
	if o.BaseDeliveryFee < 0 || o.PerKmRate < 0 || o.PerKgRate < 0 || o.ExpressDeliverySurcharge < 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "fees and rates cannot be negative")
		return
	}
	o.ID = uuid.Nil
	o.ProviderName = strings.TrimSpace(o.ProviderName)

	created, err := h.db.CreateLogisticsOption(r.Context(), o)
	if err != nil {
		h.writeInternalError(w, r, "failed to create logistics option", err)
		return
	}
	h.audit(r, "create", "logistics_option", created.ID.String(), nil, created, nil)
	writeJSON(w, r, http.StatusCreated, created)
}

type logisticsCostRequest struct {
	OptionID uuid.UUID `json:"option_id"`
	Distance float64   `json:"distance"`
}

// HandleCalculateLogistics handles POST /api/logistics/calculate.
func (h *Handlers) HandleCalculateLogistics(w http.ResponseWriter, r *http.Request) {
	var req logisticsCostRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.OptionID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "option_id is required")
		return
	}
	if req.Distance < 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "distance cannot be negative")
		return
	}
	opt, err := h.db.GetLogisticsOption(r.Context(), req.OptionID)
	if err != nil {
		h.writeStorageError(w, r, err, "Logistics option not found", "failed to load logistics option")
		return
	}
	if !opt.IsActive {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "Logistics option not found")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"option_id":     opt.ID,
		"provider_name": opt.ProviderName,
		"distance":      req.Distance,
		"total_cost":    pricing.Round2(pricing.LogisticsCost(opt, req.Distance)),
	})
}

// HandleEstimateLogistics handles POST /api/logistics/estimate.
func (h *Handlers) HandleEstimateLogistics(w http.ResponseWriter, r *http.Request) {
	var req logisticsCostRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Distance < 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "distance cannot be negative")
		return
	}
	opts, err := h.db.ListLogisticsOptions(r.Context(), storage.LogisticsFilter{})
	if err != nil {
		h.writeInternalError(w, r, "failed to list logistics options", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"distance":  req.Distance,
		"estimates": pricing.EstimateAll(opts, req.Distance),
	})
}

// HandleDeliveryTracking handles GET /api/logistics/deliveries/{code}/tracking.
func (h *Handlers) HandleDeliveryTracking(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(strings.TrimSpace(r.PathValue("code")))
	if code == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "delivery code is required")
		return
	}
	d, events, err := h.db.GetDeliveryTracking(r.Context(), ctxutil.OrgIDFromContext(r.Context()), code)
	if err != nil {
		h.writeStorageError(w, r, err, "Delivery not found", "failed to load delivery")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"delivery": d,
		"tracking": events,
	})
}
