package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/magsasa-card/magsasa/internal/ctxutil"
	"github.com/magsasa-card/magsasa/internal/model"
	"github.com/magsasa-card/magsasa/internal/pricing"
	"github.com/magsasa-card/magsasa/internal/storage"
)

// HandleListInputs handles GET /api/pricing/inputs.
func (h *Handlers) HandleListInputs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	supplier, err := queryUUID(r, "supplier_organization_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	f := storage.InputFilter{
		Category:  q.Get("category"),
		InputType: model.InputType(q.Get("input_type")),
		Search:    strings.TrimSpace(q.Get("search")),
		Limit:     queryLimit(r, 50),
		Offset:    queryOffset(r),
	}
	if supplier != uuid.Nil {
		f.SupplierOrganizationID = &supplier
	}
	inputs, total, err := h.db.ListInputs(r.Context(), f)
	if err != nil {
		h.writeInternalError(w, r, "failed to list inputs", err)
		return
	}
	type listed struct {
		model.AgriculturalInput
		Pricing pricing.Summary `json:"pricing"`
	}
	out := make([]listed, len(inputs))
	for i, in := range inputs {
		out[i] = listed{AgriculturalInput: in, Pricing: pricing.InputPricing(in)}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"inputs":     out,
		"pagination": model.NewListPage(total, f.Limit, f.Offset),
	})
}

// HandleCreateInput handles POST /api/pricing/inputs.
func (h *Handlers) HandleCreateInput(w http.ResponseWriter, r *http.Request) {
	var in model.AgriculturalInput
	if !h.decode(w, r, &in) {
		return
	}
	if missing := missingFields("name", in.Name, "category", in.Category, "input_type", string(in.InputType)); len(missing) > 0 {
		writeMissingFields(w, r, missing)
		return
	}
	if !model.ValidInputType(in.InputType) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"input_type must be one of fertilizer, pesticide, herbicide, seed, equipment, fuel, labor")
		return
	}
	if in.WholesalePrice < 0 || in.RetailPrice <= 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "retail_price must be positive and wholesale_price non-negative")
		return
	}
	if in.WholesalePrice > in.RetailPrice {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "wholesale_price cannot exceed retail_price")
		return
	}
	if in.CurrentStock < 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "current_stock cannot be negative")
		return
	}
	in.ID = uuid.Nil
	in.Name = strings.TrimSpace(in.Name)

	userID := ctxutil.UserIDFromContext(r.Context())
	created, err := h.db.CreateInput(r.Context(), in, &userID)
	if err != nil {
		h.writeInternalError(w, r, "failed to create input", err)
		return
	}
	h.audit(r, "create", "agricultural_input", created.ID.String(), nil, created, nil)
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleUpdateInputPrice handles PUT /api/pricing/inputs/{id}/price.
func (h *Handlers) HandleUpdateInputPrice(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var c model.PriceChange
	if !h.decode(w, r, &c) {
		return
	}
	if c.WholesalePrice < 0 || c.RetailPrice <= 0 || c.WholesalePrice > c.RetailPrice {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"retail_price must be positive and at least wholesale_price")
		return
	}
	c.ChangeReason = strings.TrimSpace(c.ChangeReason)
	if c.ChangeReason == "" {
		c.ChangeReason = "price update"
	}

	userID := ctxutil.UserIDFromContext(r.Context())
	before, after, err := h.db.UpdateInputPrice(r.Context(), id, c, &userID)
	if err != nil {
		h.writeStorageError(w, r, err, "Input not found", "failed to update price")
		return
	}
	h.audit(r, "update_price", "agricultural_input", id.String(),
		pricing.InputPricing(before), pricing.InputPricing(after),
		map[string]any{"change_reason": c.ChangeReason})
	writeJSON(w, r, http.StatusOK, map[string]any{
		"input_id":      id,
		"pricing":       pricing.InputPricing(after),
		"change_reason": c.ChangeReason,
	})
}

func tierView(t model.BulkTier) any {
	if !t.Set() {
		return nil
	}
	return map[string]any{"quantity": *t.Quantity, "price": *t.Price}
}

// HandleGetInput handles GET /api/pricing/inputs/{id}.
func (h *Handlers) HandleGetInput(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	in, err := h.db.GetInput(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, err, "Input not found", "failed to load input")
		return
	}
	providers, err := h.db.ListLogisticsOptions(r.Context(), storage.LogisticsFilter{})
	if err != nil {
		h.writeInternalError(w, r, "failed to load logistics options", err)
		return
	}

	var supplier, platform, pickup any
	if in.SupplierDeliveryAvailable {
		supplier = map[string]any{
			"delivery_fee":       in.SupplierDeliveryFee,
			"delivery_radius_km": in.SupplierDeliveryRadiusKm,
			"minimum_order":      in.SupplierMinimumOrder,
			"delivery_days":      in.SupplierDeliveryDays,
		}
	}
	if in.PlatformLogisticsAvailable {
		platform = map[string]any{
			"base_fee":      in.PlatformLogisticsBaseFee,
			"per_km_rate":   in.PlatformLogisticsPerKmRate,
			"minimum_order": in.PlatformLogisticsMinimumOrder,
			"delivery_days": in.PlatformLogisticsDeliveryDays,
		}
	}
	if in.FarmerPickupAvailable {
		loc := in.PickupLocationAddress
		if loc == "" {
			loc = model.PickupLocation
		}
		pickup = map[string]any{
			"pickup_location":     loc,
			"discount_percentage": in.PickupDiscountPercentage,
		}
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"input_id": in.ID,
		"name":     in.Name,
		"pricing":  pricing.InputPricing(in),
		"bulk_pricing": map[string]any{
			"tier_1": tierView(in.BulkTier1),
			"tier_2": tierView(in.BulkTier2),
			"tier_3": tierView(in.BulkTier3),
		},
		"logistics_options": map[string]any{
			"supplier_delivery":  supplier,
			"platform_logistics": platform,
			"farmer_pickup":      pickup,
		},
		"logistics_providers": providers,
		"product_info": map[string]any{
			"category":              in.Category,
			"input_type":            in.InputType,
			"brand":                 in.Brand,
			"description":           in.Description,
			"active_ingredient":     in.ActiveIngredient,
			"concentration":         in.Concentration,
			"package_size":          in.PackageSize,
			"unit_of_measure":       in.UnitOfMeasure,
			"application_rate":      in.ApplicationRate,
			"application_method":    in.ApplicationMethod,
			"crop_suitability":      in.CropSuitability,
			"current_stock":         in.CurrentStock,
			"quality_certification": in.QualityCertification,
			"supplier_name":         in.SupplierName,
		},
	})
}

// quote loads the inputs and logistics provider a request names and prices it.
func (h *Handlers) quote(ctx context.Context, req pricing.QuoteRequest) (pricing.QuoteResult, error) {
	ids := make([]uuid.UUID, 0, len(req.Items))
	for _, it := range req.Items {
		ids = append(ids, it.InputID)
	}
	inputs, err := h.db.GetActiveInputs(ctx, ids)
	if err != nil {
		return pricing.QuoteResult{}, err
	}
	var opt *model.LogisticsOption
	if req.LogisticsProviderID != nil {
		o, err := h.db.GetLogisticsOption(ctx, *req.LogisticsProviderID)
		switch {
		case err == nil:
			opt = &o
		case !errors.Is(err, storage.ErrNotFound):
			return pricing.QuoteResult{}, err
		}
	}
	return pricing.Quote(req, inputs, opt)
}

// writeQuoteError maps pricing and stock errors onto responses. It reports
// false for errors it does not recognize.
func writeQuoteError(w http.ResponseWriter, r *http.Request, err error) bool {
	var notFound *pricing.InputNotFoundError
	var stock *storage.StockError
	switch {
	case errors.Is(err, pricing.ErrNoItems):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "Items are required")
	case errors.Is(err, pricing.ErrInvalidQuantity):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "Quantity must be greater than 0")
	case errors.Is(err, pricing.ErrInvalidDeliveryOption):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"delivery_option must be one of platform_logistics, supplier_delivery, farmer_pickup")
	case errors.As(err, &notFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, notFound.Error())
	case errors.As(err, &stock):
		writeErrorDetails(w, r, http.StatusConflict, model.ErrCodeConflict, stock.Error(), map[string]any{
			"available": stock.Available,
			"requested": stock.Requested,
		})
	default:
		return false
	}
	return true
}

func validDeliveryRequest(w http.ResponseWriter, r *http.Request, req pricing.QuoteRequest) bool {
	if req.DeliveryOption != "" && !model.ValidDeliveryOption(req.DeliveryOption) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"delivery_option must be one of platform_logistics, supplier_delivery, farmer_pickup")
		return false
	}
	if req.DistanceKm != nil && *req.DistanceKm < 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "distance_km cannot be negative")
		return false
	}
	return true
}

// HandleCalculateOrder handles POST /api/pricing/calculate-order.
func (h *Handlers) HandleCalculateOrder(w http.ResponseWriter, r *http.Request) {
	var req pricing.QuoteRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Items) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "Items are required")
		return
	}
	if !validDeliveryRequest(w, r, req) {
		return
	}
	res, err := h.quote(r.Context(), req)
	if err != nil {
		if writeQuoteError(w, r, err) {
			return
		}
		h.writeInternalError(w, r, "failed to calculate order", err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleMarketComparison handles GET /api/pricing/market-comparison.
func (h *Handlers) HandleMarketComparison(w http.ResponseWriter, r *http.Request) {
	inputs, err := h.db.ListActiveInputs(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to load inputs", err)
		return
	}
	type row struct {
		InputID  uuid.UUID       `json:"input_id"`
		Name     string          `json:"name"`
		Category string          `json:"category"`
		Brand    string          `json:"brand,omitempty"`
		Pricing  pricing.Summary `json:"pricing"`
	}
	rows := make([]row, 0, len(inputs))
	var savings, pct, margin float64
	for _, in := range inputs {
		s := pricing.InputPricing(in)
		rows = append(rows, row{InputID: in.ID, Name: in.Name, Category: in.Category, Brand: in.Brand, Pricing: s})
		savings += s.FarmerSavings
		pct += s.SavingsPercentage
		margin += s.MarginPercentage
	}
	summary := map[string]any{"total_inputs": len(rows)}
	if n := float64(len(rows)); n > 0 {
		summary["avg_farmer_savings"] = pricing.Round2(savings / n)
		summary["avg_savings_percentage"] = pricing.Round2(pct / n)
		summary["avg_margin_percentage"] = pricing.Round2(margin / n)
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"market_comparison": rows,
		"summary":           summary,
	})
}

// HandlePricingAnalytics handles GET /api/pricing/analytics.
func (h *Handlers) HandlePricingAnalytics(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = model.PeriodDaily
	}
	if !model.ValidPeriod(period) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "period must be one of daily, weekly, monthly")
		return
	}
	rows, err := h.db.ListPricingAnalytics(r.Context(), period, r.URL.Query().Get("category"), queryLimit(r, 100))
	if err != nil {
		h.writeInternalError(w, r, "failed to load pricing analytics", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"analytics":     rows,
		"period":        period,
		"total_records": len(rows),
	})
}

type rollupRequest struct {
	Period string `json:"period"`
	Date   string `json:"date"`
}

// HandlePricingRollup handles POST /api/pricing/analytics/rollup.
func (h *Handlers) HandlePricingRollup(w http.ResponseWriter, r *http.Request) {
	var req rollupRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	if req.Period == "" {
		req.Period = model.PeriodDaily
	}
	if !model.ValidPeriod(req.Period) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "period must be one of daily, weekly, monthly")
		return
	}
	day := h.now().UTC().AddDate(0, 0, -1)
	if d, err := parseDate("date", req.Date); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	} else if d != nil {
		day = *d
	}
	n, err := h.db.RollupPricingAnalytics(r.Context(), req.Period, day)
	if err != nil {
		h.writeInternalError(w, r, "failed to roll up pricing analytics", err)
		return
	}
	h.audit(r, "rollup", "pricing_analytics", req.Period, nil, nil, map[string]any{
		"date": day.Format(time.DateOnly), "rows": n,
	})
	writeJSON(w, r, http.StatusOK, map[string]any{
		"period":       req.Period,
		"date":         day.Format(time.DateOnly),
		"rows_written": n,
	})
}

// HandlePricingHistory handles GET /api/pricing/history/{id}.
func (h *Handlers) HandlePricingHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	in, err := h.db.GetInput(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, err, "Input not found", "failed to load input")
		return
	}
	history, err := h.db.ListPricingHistory(r.Context(), id)
	if err != nil {
		h.writeInternalError(w, r, "failed to load pricing history", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"input_info": map[string]any{
			"id":       in.ID,
			"name":     in.Name,
			"category": in.Category,
			"brand":    in.Brand,
		},
		"pricing_history": history,
	})
}

// HandlePricingHealth handles GET /api/pricing/health.
func (h *Handlers) HandlePricingHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status, dbStatus, code := "healthy", "connected", http.StatusOK
	inputs, errInputs := h.db.CountActiveInputs(ctx)
	options, errOptions := h.db.CountActiveLogisticsOptions(ctx)
	if err := errors.Join(errInputs, errOptions); err != nil {
		h.logger.Warn("pricing health check failed", "error", err)
		status, dbStatus, code = "unhealthy", "disconnected", http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, map[string]any{
		"status":                   status,
		"timestamp":                h.now().UTC(),
		"database":                 dbStatus,
		"active_inputs":            inputs,
		"active_logistics_options": options,
		"features": []string{
			"bulk_pricing", "market_comparison", "order_calculation",
			"pricing_history", "pricing_analytics", "logistics_estimates",
		},
	})
}
