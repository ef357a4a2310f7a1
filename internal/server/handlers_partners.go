package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/magsasa-card/magsasa/internal/model"
	"github.com/magsasa-card/magsasa/internal/partner"
	"github.com/magsasa-card/magsasa/internal/pricing"
	"github.com/magsasa-card/magsasa/internal/storage"
)

// Loan and purchase order defaults for partner bookings.
const (
	defaultLoanRate       = 12.5
	defaultLoanTermMonths = 12
	purchaseOrderValidity = 7 * 24 * time.Hour
)

// partnerPermissions lists the route groups each partner type may call.
var partnerPermissions = map[model.PartnerType][]string{
	model.PartnerInputSupplier:  {"input-suppliers/products:read", "input-suppliers/orders:write"},
	model.PartnerLogistics:      {"logistics/shipments:read", "logistics/shipments:write"},
	model.PartnerFinancial:      {"financial/credit-check:write", "financial/loans:write"},
	model.PartnerBuyerProcessor: {"buyers/produce-listings:read", "buyers/purchase-orders:write"},
	model.PartnerTechnology:     {"analytics/usage:read"},
}

// observePartner counts authenticated partner requests by type and status.
func (h *Handlers) observePartner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(sw, r)
		if key, ok := partner.KeyFromContext(r.Context()); ok {
			h.metrics.ObservePartnerRequest(string(key.PartnerType), sw.statusCode)
		}
	})
}

func (h *Handlers) partnerInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()))
	partner.WriteError(w, http.StatusInternalServerError, model.ErrCodeInternalError, msg, nil)
}

func partnerPathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := pathUUID(r, name)
	if err != nil {
		partner.WriteError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error(), nil)
		return uuid.Nil, false
	}
	return id, true
}

// HandlePartnerHealth handles GET /api/partners/health.
func (h *Handlers) HandlePartnerHealth(w http.ResponseWriter, r *http.Request) {
	partner.WriteSuccess(w, http.StatusOK, "Partner API is healthy", map[string]any{
		"status":  "healthy",
		"version": h.version,
		"partner_types": []model.PartnerType{
			model.PartnerInputSupplier, model.PartnerLogistics, model.PartnerFinancial,
			model.PartnerBuyerProcessor, model.PartnerTechnology,
		},
	})
}

// HandlePartnerVerify handles GET /api/partners/auth/verify.
func (h *Handlers) HandlePartnerVerify(w http.ResponseWriter, r *http.Request) {
	key, _ := partner.KeyFromContext(r.Context())
	org, err := h.db.GetOrganization(r.Context(), key.OrganizationID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		h.partnerInternalError(w, r, "failed to load partner organization", err)
		return
	}
	partner.WriteSuccess(w, http.StatusOK, "API key is valid", map[string]any{
		"api_key_info": map[string]any{
			"key_name":     key.KeyName,
			"key_prefix":   key.KeyPrefix,
			"partner_type": key.PartnerType,
			"organization": map[string]any{
				"id":   key.OrganizationID,
				"name": org.Name,
				"code": org.Code,
			},
			"rate_limits": map[string]int{
				"per_minute": key.RateLimitPerMinute,
				"per_hour":   key.RateLimitPerHour,
				"per_day":    key.RateLimitPerDay,
			},
			"allowed_endpoints": key.AllowedEndpoints,
			"permissions":       partnerPermissions[key.PartnerType],
			"expires_at":        key.ExpiresAt,
		},
	})
}

// HandlePartnerProducts handles GET /api/partners/input-suppliers/products.
func (h *Handlers) HandlePartnerProducts(w http.ResponseWriter, r *http.Request) {
	key, _ := partner.KeyFromContext(r.Context())
	page, perPage, offset := queryPage(r, 20, 100)
	inputs, total, err := h.db.ListInputs(r.Context(), storage.InputFilter{
		Category:               strings.TrimSpace(r.URL.Query().Get("category")),
		SupplierOrganizationID: &key.OrganizationID,
		Limit:                  perPage,
		Offset:                 offset,
	})
	if err != nil {
		h.partnerInternalError(w, r, "failed to list products", err)
		return
	}
	if inputs == nil {
		inputs = []model.AgriculturalInput{}
	}
	partner.WritePage(w, "Products retrieved successfully", map[string]any{"products": inputs},
		model.NewPagination(page, perPage, total))
}

type partnerOrderRequest struct {
	FarmerID        uuid.UUID            `json:"farmer_id"`
	Products        []pricing.QuoteItem  `json:"products"`
	DeliveryAddress string               `json:"delivery_address"`
	DeliveryOption  model.DeliveryOption `json:"delivery_option,omitempty"`
	DistanceKm      *float64             `json:"distance_km,omitempty"`
	Notes           string               `json:"notes,omitempty"`
}

// HandlePartnerCreateOrder handles POST /api/partners/input-suppliers/orders.
// The order is placed in the farmer's organization through the same
// transactional path as POST /api/orders.
func (h *Handlers) HandlePartnerCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req partnerOrderRequest
	if !partner.DecodeBody(w, r, &req, "farmer_id", "products", "delivery_address") {
		return
	}
	if len(req.Products) == 0 {
		partner.WriteError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, "At least one product is required", nil)
		return
	}
	if req.DeliveryOption == "" {
		req.DeliveryOption = model.DeliverySupplier
	}
	if !model.ValidDeliveryOption(req.DeliveryOption) {
		partner.WriteError(w, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"delivery_option must be one of platform_logistics, supplier_delivery, farmer_pickup", nil)
		return
	}
	if req.DistanceKm != nil && *req.DistanceKm < 0 {
		partner.WriteError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, "distance_km cannot be negative", nil)
		return
	}

	ctx := r.Context()
	key, _ := partner.KeyFromContext(ctx)
	farmer, err := h.db.GetFarmerAnyOrg(ctx, req.FarmerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			partner.WriteError(w, http.StatusNotFound, model.ErrCodeNotFound, "Farmer not found", nil)
			return
		}
		h.partnerInternalError(w, r, "failed to load farmer", err)
		return
	}

	audit := h.buildAuditEntry(r, farmer.OrganizationID, "PARTNER_ORDER_CREATED", "order", "", nil, nil, map[string]any{
		"farmer_id":       farmer.ID.String(),
		"product_count":   len(req.Products),
		"supplier_org":    key.OrganizationID.String(),
		"delivery_option": string(req.DeliveryOption),
	})
	placed, err := h.db.CreateOrder(ctx, storage.NewOrder{
		OrgID:    farmer.OrganizationID,
		FarmerID: farmer.ID,
		Quote: pricing.QuoteRequest{
			Items:          req.Products,
			DeliveryOption: req.DeliveryOption,
			DistanceKm:     req.DistanceKm,
		},
		DeliveryAddress: strings.TrimSpace(req.DeliveryAddress),
		Notes:           req.Notes,
		Audit:           &audit,
	})
	if err != nil {
		var notFound *pricing.InputNotFoundError
		var stock *storage.StockError
		switch {
		case errors.Is(err, pricing.ErrInvalidQuantity):
			partner.WriteError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, "Quantity must be greater than 0", nil)
		case errors.As(err, &notFound):
			partner.WriteError(w, http.StatusNotFound, model.ErrCodeNotFound, notFound.Error(), nil)
		case errors.As(err, &stock):
			partner.WriteError(w, http.StatusConflict, model.ErrCodeConflict, stock.Error(), map[string]any{
				"available": stock.Available,
				"requested": stock.Requested,
			})
		default:
			h.partnerInternalError(w, r, "failed to create order", err)
		}
		return
	}

	txn := placed.Transaction
	h.metrics.ObserveOrder(string(txn.DeliveryOption))
	h.logger.Info("partner order placed",
		"transaction_code", txn.TransactionCode,
		"api_key_id", key.ID,
		"farmer_org_id", farmer.OrganizationID,
	)
	out := map[string]any{
		"order_id":         txn.ID,
		"transaction_code": txn.TransactionCode,
		"farmer_id":        farmer.ID,
		"status":           txn.Status,
		"order_summary":    placed.Quote.OrderSummary,
		"items":            txn.Items,
		"delivery_address": txn.DeliveryAddress,
	}
	if d := placed.Delivery; d != nil {
		out["delivery_code"] = d.DeliveryCode
		out["scheduled_delivery_date"] = d.ScheduledDeliveryDate
	}
	partner.WriteSuccess(w, http.StatusCreated, "Order created successfully", map[string]any{"order": out})
}

// HandlePartnerShipments handles GET /api/partners/logistics/shipments.
func (h *Handlers) HandlePartnerShipments(w http.ResponseWriter, r *http.Request) {
	key, _ := partner.KeyFromContext(r.Context())
	status := model.DeliveryStatus(r.URL.Query().Get("status"))
	if status != "" && !model.ValidDeliveryStatus(status) {
		partner.WriteError(w, http.StatusBadRequest, model.ErrCodeInvalidStatus,
			"Invalid status. Must be one of: pending, picked_up, in_transit, delivered, cancelled", nil)
		return
	}
	page, perPage, offset := queryPage(r, 20, 100)
	shipments, total, err := h.db.ListPartnerShipments(r.Context(), key.OrganizationID, storage.ShipmentFilter{
		Status: status,
		Limit:  perPage,
		Offset: offset,
	})
	if err != nil {
		h.partnerInternalError(w, r, "failed to list shipments", err)
		return
	}
	if shipments == nil {
		shipments = []model.DeliveryOrder{}
	}
	partner.WritePage(w, "Shipments retrieved successfully", map[string]any{"shipments": shipments},
		model.NewPagination(page, perPage, total))
}

type shipmentStatusRequest struct {
	Status    model.DeliveryStatus `json:"status"`
	Location  string               `json:"location"`
	Notes     string               `json:"notes"`
	Latitude  *float64             `json:"latitude"`
	Longitude *float64             `json:"longitude"`
}

// HandlePartnerShipmentStatus handles PUT /api/partners/logistics/shipments/{id}/status.
func (h *Handlers) HandlePartnerShipmentStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := partnerPathUUID(w, r, "id")
	if !ok {
		return
	}
	var req shipmentStatusRequest
	if !partner.DecodeBody(w, r, &req, "status") {
		return
	}
	if !model.ValidDeliveryStatus(req.Status) {
		partner.WriteError(w, http.StatusBadRequest, model.ErrCodeInvalidStatus,
			"Invalid status. Must be one of: pending, picked_up, in_transit, delivered, cancelled", nil)
		return
	}

	key, _ := partner.KeyFromContext(r.Context())
	before, after, err := h.db.UpdatePartnerShipment(r.Context(), key.OrganizationID, id, storage.ShipmentUpdate{
		Status:    req.Status,
		Location:  strings.TrimSpace(req.Location),
		Notes:     strings.TrimSpace(req.Notes),
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		UpdatedBy: key.KeyName,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			partner.WriteError(w, http.StatusNotFound, model.ErrCodeNotFound, "Shipment not found", nil)
			return
		}
		h.partnerInternalError(w, r, "failed to update shipment", err)
		return
	}
	h.recordAudit(r, h.buildAuditEntry(r, key.OrganizationID, "PARTNER_SHIPMENT_STATUS_UPDATED", "shipment",
		id.String(), before, after, map[string]any{
			"old_status": string(before.CurrentStatus),
			"new_status": string(after.CurrentStatus),
		}))
	partner.WriteSuccess(w, http.StatusOK, "Shipment status updated successfully", map[string]any{"shipment": after})
}

type creditCheckRequest struct {
	FarmerID        uuid.UUID `json:"farmer_id"`
	RequestedAmount float64   `json:"requested_amount"`
}

// approvalLikelihood grades how much of a request the score covers.
func approvalLikelihood(requested, approved float64) string {
	switch {
	case approved <= 0:
		return "low"
	case approved >= requested:
		return "high"
	case approved >= requested*0.6:
		return "moderate"
	default:
		return "low"
	}
}

// HandlePartnerCreditCheck handles POST /api/partners/financial/credit-check.
func (h *Handlers) HandlePartnerCreditCheck(w http.ResponseWriter, r *http.Request) {
	var req creditCheckRequest
	if !partner.DecodeBody(w, r, &req, "farmer_id", "requested_amount") {
		return
	}
	if req.RequestedAmount <= 0 {
		partner.WriteError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, "requested_amount must be positive", nil)
		return
	}
	ctx := r.Context()
	key, _ := partner.KeyFromContext(ctx)
	farmer, ok := h.partnerFarmer(w, r, req.FarmerID)
	if !ok {
		return
	}
	a, err := h.db.GetLatestAssessment(ctx, farmer.OrganizationID, farmer.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			partner.WriteError(w, http.StatusNotFound, model.ErrCodeNotFound, "No AgScore assessment found for farmer", nil)
			return
		}
		h.partnerInternalError(w, r, "failed to load assessment", err)
		return
	}

	approved := min(req.RequestedAmount, float64(a.MaxLoanAmount))
	result := map[string]any{
		"farmer_id":                 farmer.ID,
		"requested_amount":          req.RequestedAmount,
		"credit_score":              a.TotalScore,
		"risk_tier":                 a.RiskTier,
		"max_loan_amount":           a.MaxLoanAmount,
		"recommended_interest_rate": a.RecommendedInterestRate,
		"approved_amount":           approved,
		"approval_likelihood":       approvalLikelihood(req.RequestedAmount, approved),
		"assessment_id":             a.AssessmentID,
		"valid_until":               a.ValidUntil,
		"checked_at":                h.now().UTC(),
	}
	h.recordAudit(r, h.buildAuditEntry(r, key.OrganizationID, "PARTNER_CREDIT_CHECK_PERFORMED", "credit_check",
		a.AssessmentID, nil, nil, map[string]any{
			"farmer_id":        farmer.ID.String(),
			"requested_amount": req.RequestedAmount,
			"approved_amount":  approved,
		}))
	partner.WriteSuccess(w, http.StatusOK, "Credit check completed successfully", map[string]any{"credit_check": result})
}

// partnerFarmer loads a farmer from any organization, writing the 404.
func (h *Handlers) partnerFarmer(w http.ResponseWriter, r *http.Request, id uuid.UUID) (model.Farmer, bool) {
	farmer, err := h.db.GetFarmerAnyOrg(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			partner.WriteError(w, http.StatusNotFound, model.ErrCodeNotFound, "Farmer not found", nil)
			return model.Farmer{}, false
		}
		h.partnerInternalError(w, r, "failed to load farmer", err)
		return model.Farmer{}, false
	}
	return farmer, true
}

type loanRequest struct {
	FarmerID   uuid.UUID `json:"farmer_id"`
	Amount     float64   `json:"amount"`
	Purpose    string    `json:"purpose"`
	TermMonths int       `json:"term_months"`
}

// loanID formats LOAN-YYYYMMDD-{first 8 of the farmer id}.
func loanID(now time.Time, farmerID uuid.UUID) string {
	return "LOAN-" + now.UTC().Format("20060102") + "-" + strings.ToUpper(farmerID.String()[:8])
}

// HandlePartnerCreateLoan handles POST /api/partners/financial/loans.
func (h *Handlers) HandlePartnerCreateLoan(w http.ResponseWriter, r *http.Request) {
	var req loanRequest
	if !partner.DecodeBody(w, r, &req, "farmer_id", "amount", "purpose") {
		return
	}
	if req.Amount <= 0 {
		partner.WriteError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, "amount must be positive", nil)
		return
	}
	if req.TermMonths == 0 {
		req.TermMonths = defaultLoanTermMonths
	}
	if req.TermMonths < 1 || req.TermMonths > 120 {
		partner.WriteError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, "term_months must be between 1 and 120", nil)
		return
	}
	ctx := r.Context()
	key, _ := partner.KeyFromContext(ctx)
	farmer, ok := h.partnerFarmer(w, r, req.FarmerID)
	if !ok {
		return
	}

	rate := defaultLoanRate
	var assessmentID *string
	a, err := h.db.GetLatestAssessment(ctx, farmer.OrganizationID, farmer.ID)
	switch {
	case err == nil:
		// Assessments store the rate as a fraction; loans book it in percent.
		rate = pricing.Round2(a.RecommendedInterestRate * 100)
		assessmentID = &a.AssessmentID
	case !errors.Is(err, storage.ErrNotFound):
		h.partnerInternalError(w, r, "failed to load assessment", err)
		return
	}

	now := h.now()
	loan, err := h.db.CreateLoanApplication(ctx, model.LoanApplication{
		LoanID:         loanID(now, farmer.ID),
		OrganizationID: key.OrganizationID,
		PartnerKeyID:   key.ID,
		FarmerID:       farmer.ID,
		Amount:         pricing.Round2(req.Amount),
		Purpose:        strings.TrimSpace(req.Purpose),
		InterestRate:   rate,
		TermMonths:     req.TermMonths,
		MonthlyPayment: pricing.MonthlyPayment(req.Amount, rate, req.TermMonths),
		Status:         "approved",
		AssessmentID:   assessmentID,
		MaturityDate:   now.UTC().AddDate(0, req.TermMonths, 0),
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			partner.WriteError(w, http.StatusConflict, model.ErrCodeConflict,
				"A loan for this farmer was already booked today", nil)
			return
		}
		h.partnerInternalError(w, r, "failed to create loan", err)
		return
	}
	h.recordAudit(r, h.buildAuditEntry(r, key.OrganizationID, "PARTNER_LOAN_CREATED", "loan", loan.LoanID,
		nil, loan, map[string]any{
			"farmer_id": farmer.ID.String(),
			"amount":    loan.Amount,
			"purpose":   loan.Purpose,
		}))
	partner.WriteSuccess(w, http.StatusCreated, "Loan created successfully", map[string]any{"loan": loan})
}

// HandlePartnerProduceListings handles GET /api/partners/buyers/produce-listings.
func (h *Handlers) HandlePartnerProduceListings(w http.ResponseWriter, r *http.Request) {
	minQty, err := queryFloat(r, "min_quantity")
	if err != nil {
		partner.WriteError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error(), nil)
		return
	}
	q := r.URL.Query()
	page, perPage, offset := queryPage(r, 20, 100)
	listings, total, err := h.db.ListHarvests(r.Context(), storage.HarvestFilter{
		CropType: strings.TrimSpace(q.Get("crop_type")),
		Region:   strings.TrimSpace(q.Get("region")),
		Status:   model.HarvestAvailable,
		MinKg:    minQty,
		Limit:    perPage,
		Offset:   offset,
	})
	if err != nil {
		h.partnerInternalError(w, r, "failed to list produce", err)
		return
	}
	if listings == nil {
		listings = []model.Harvest{}
	}
	partner.WritePage(w, "Produce listings retrieved successfully", map[string]any{"listings": listings},
		model.NewPagination(page, perPage, total))
}

type purchaseOrderRequest struct {
	ListingID     uuid.UUID `json:"listing_id"`
	Quantity      float64   `json:"quantity"`
	OfferedPrice  float64   `json:"offered_price"`
	DeliveryTerms string    `json:"delivery_terms"`
	PaymentTerms  string    `json:"payment_terms"`
}

// HandlePartnerPurchaseOrder handles POST /api/partners/buyers/purchase-orders.
func (h *Handlers) HandlePartnerPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	var req purchaseOrderRequest
	if !partner.DecodeBody(w, r, &req, "listing_id", "quantity", "offered_price") {
		return
	}
	if req.Quantity <= 0 || req.OfferedPrice <= 0 {
		partner.WriteError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, "quantity and offered_price must be positive", nil)
		return
	}
	if req.DeliveryTerms = strings.TrimSpace(req.DeliveryTerms); req.DeliveryTerms == "" {
		req.DeliveryTerms = "FOB Farm"
	}
	if req.PaymentTerms = strings.TrimSpace(req.PaymentTerms); req.PaymentTerms == "" {
		req.PaymentTerms = "Net 30"
	}

	key, _ := partner.KeyFromContext(r.Context())
	now := h.now().UTC()
	po := model.PurchaseOrder{
		PONumber:      "PO-" + now.Format("20060102") + "-" + strings.ToUpper(req.ListingID.String()[:8]),
		PartnerKeyID:  key.ID,
		BuyerOrgID:    key.OrganizationID,
		ListingID:     req.ListingID,
		QuantityKg:    req.Quantity,
		OfferedPrice:  req.OfferedPrice,
		TotalAmount:   pricing.Round2(req.Quantity * req.OfferedPrice),
		DeliveryTerms: req.DeliveryTerms,
		PaymentTerms:  req.PaymentTerms,
		Status:        "pending",
		ExpiresAt:     now.Add(purchaseOrderValidity),
	}
	audit := h.buildAuditEntry(r, key.OrganizationID, "PARTNER_PURCHASE_ORDER_CREATED", "purchase_order", "", nil, nil,
		map[string]any{
			"listing_id":   req.ListingID.String(),
			"quantity":     req.Quantity,
			"total_amount": po.TotalAmount,
		})
	created, err := h.db.CreatePurchaseOrder(r.Context(), po, &audit)
	if err != nil {
		var qty *storage.QuantityError
		switch {
		case errors.Is(err, storage.ErrNotFound):
			partner.WriteError(w, http.StatusNotFound, model.ErrCodeNotFound, "Listing not found", nil)
		case errors.Is(err, storage.ErrListingUnavailable), errors.Is(err, storage.ErrConflict):
			partner.WriteError(w, http.StatusConflict, model.ErrCodeConflict, "Listing is no longer available", nil)
		case errors.As(err, &qty):
			partner.WriteError(w, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"Requested quantity exceeds available quantity", map[string]any{
					"available": qty.Available,
					"requested": qty.Requested,
				})
		default:
			h.partnerInternalError(w, r, "failed to create purchase order", err)
		}
		return
	}
	partner.WriteSuccess(w, http.StatusCreated, "Purchase order created successfully",
		map[string]any{"purchase_order": created})
}

// HandlePartnerUsage handles GET /api/partners/analytics/usage.
func (h *Handlers) HandlePartnerUsage(w http.ResponseWriter, r *http.Request) {
	key, _ := partner.KeyFromContext(r.Context())
	days := queryInt(r, "days", 30)
	if days < 1 || days > 365 {
		partner.WriteError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, "days must be between 1 and 365", nil)
		return
	}
	usage, err := h.db.GetKeyUsage(r.Context(), key.ID, days)
	if err != nil {
		h.partnerInternalError(w, r, "failed to load usage", err)
		return
	}
	windows, err := h.db.CountUsageWindows(r.Context(), key.ID, h.now())
	if err != nil {
		h.partnerInternalError(w, r, "failed to load rate limit windows", err)
		return
	}

	var successRate float64
	if usage.TotalRequests > 0 {
		successRate = pricing.Round2(float64(usage.SuccessfulRequests) / float64(usage.TotalRequests) * 100)
	}
	partner.WriteSuccess(w, http.StatusOK, "Usage analytics retrieved successfully", map[string]any{
		"period_days": days,
		"summary": map[string]any{
			"total_requests":           usage.TotalRequests,
			"successful_requests":      usage.SuccessfulRequests,
			"success_rate":             successRate,
			"average_requests_per_day": pricing.Round2(float64(usage.TotalRequests) / float64(days)),
			"average_response_time_ms": pricing.Round2(usage.AvgResponseTimeMS),
		},
		"endpoint_usage": usage.Endpoints,
		"daily_usage":    usage.Daily,
		"rate_limits": map[string]any{
			"per_minute":       key.RateLimitPerMinute,
			"per_hour":         key.RateLimitPerHour,
			"per_day":          key.RateLimitPerDay,
			"used_this_minute": windows.Minute,
			"used_this_hour":   windows.Hour,
			"used_today":       windows.Day,
		},
	})
}
