package server

import (
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/magsasa-card/magsasa/internal/ctxutil"
	"github.com/magsasa-card/magsasa/internal/model"
	"github.com/magsasa-card/magsasa/internal/pricing"
	"github.com/magsasa-card/magsasa/internal/storage"
)

type createOrderRequest struct {
	FarmerID            uuid.UUID            `json:"farmer_id"`
	Items               []pricing.QuoteItem  `json:"items"`
	DeliveryOption      model.DeliveryOption `json:"delivery_option"`
	LogisticsProviderID *uuid.UUID           `json:"logistics_provider_id,omitempty"`
	DeliveryMode        string               `json:"delivery_mode,omitempty"`
	DistanceKm          *float64             `json:"distance_km,omitempty"`
	DeliveryAddress     string               `json:"delivery_address,omitempty"`
	PaymentMethod       string               `json:"payment_method,omitempty"`
	Notes               string               `json:"notes,omitempty"`
}

func (req createOrderRequest) quoteRequest() pricing.QuoteRequest {
	return pricing.QuoteRequest{
		Items:               req.Items,
		DeliveryOption:      req.DeliveryOption,
		LogisticsProviderID: req.LogisticsProviderID,
		DeliveryMode:        req.DeliveryMode,
		DistanceKm:          req.DistanceKm,
	}
}

const createOrderEndpoint = "POST /api/orders"

// HandleCreateOrder handles POST /api/orders. The quote is recomputed inside
// the order transaction so the charged amount matches calculate-order.
func (h *Handlers) HandleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.FarmerID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "farmer_id is required")
		return
	}
	if len(req.Items) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "Items are required")
		return
	}
	q := req.quoteRequest()
	if !validDeliveryRequest(w, r, q) {
		return
	}

	ctx := r.Context()
	orgID := ctxutil.OrgIDFromContext(ctx)
	userID := ctxutil.UserIDFromContext(ctx)
	idem, ok := h.beginIdempotentWrite(w, r, createOrderEndpoint, req)
	if !ok {
		return
	}

	audit := h.buildAuditEntry(r, orgID, "create", "order", "", nil, nil, map[string]any{
		"farmer_id":       req.FarmerID.String(),
		"delivery_option": string(req.DeliveryOption),
	})
	placed, err := h.db.CreateOrder(ctx, storage.NewOrder{
		OrgID:           orgID,
		FarmerID:        req.FarmerID,
		Quote:           q,
		DeliveryAddress: strings.TrimSpace(req.DeliveryAddress),
		PaymentMethod:   req.PaymentMethod,
		Notes:           req.Notes,
		CreatedBy:       &userID,
		Audit:           &audit,
	})
	if err != nil {
		h.clearIdempotentWrite(r, idem)
		if writeQuoteError(w, r, err) {
			return
		}
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "Farmer not found")
			return
		}
		h.writeInternalError(w, r, "failed to create order", err)
		return
	}

	txn := placed.Transaction
	payment := map[string]any{
		"payment_method": txn.PaymentMethod,
		"payment_status": txn.PaymentStatus,
		"total_amount":   txn.TotalAmount,
	}
	if txn.CardMember {
		payment["auto_debit_reference"] = "CARD-" + txn.TransactionCode
	}
	delivery := map[string]any{
		"delivery_option": txn.DeliveryOption,
		"details":         placed.Quote.Delivery,
	}
	if d := placed.Delivery; d != nil {
		delivery["delivery_code"] = d.DeliveryCode
		delivery["scheduled_delivery_date"] = d.ScheduledDeliveryDate
		delivery["status"] = d.CurrentStatus
	}
	resp := map[string]any{
		"transaction_id":   txn.ID,
		"transaction_code": txn.TransactionCode,
		"order_summary":    placed.Quote.OrderSummary,
		"items":            txn.Items,
		"farmer_benefits":  placed.Quote.FarmerBenefits,
		"delivery_info":    delivery,
		"payment_info":     payment,
	}
	h.completeIdempotentWrite(r, idem, http.StatusCreated, resp)
	h.metrics.ObserveOrder(string(txn.DeliveryOption))
	h.logger.Info("order placed",
		"transaction_code", txn.TransactionCode,
		"org_id", orgID,
		"total_amount", txn.TotalAmount,
		"delivery_option", txn.DeliveryOption,
	)
	writeJSON(w, r, http.StatusCreated, resp)
}

// HandleGetOrder handles GET /api/orders/{id}.
func (h *Handlers) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	txn, err := h.db.GetOrder(r.Context(), ctxutil.OrgIDFromContext(r.Context()), id)
	if err != nil {
		h.writeStorageError(w, r, err, "Order not found", "failed to load order")
		return
	}
	d, hasDelivery, err := h.db.GetDeliveryForTransaction(r.Context(), id)
	if err != nil {
		h.writeInternalError(w, r, "failed to load delivery", err)
		return
	}
	var delivery any
	if hasDelivery {
		delivery = d
	}
	var provider any
	if txn.LogisticsOptionID != nil {
		opt, err := h.db.GetLogisticsOption(r.Context(), *txn.LogisticsOptionID)
		switch {
		case err == nil:
			provider = map[string]any{"provider_name": opt.ProviderName, "provider_type": opt.ProviderType}
		case !errors.Is(err, storage.ErrNotFound):
			h.writeInternalError(w, r, "failed to load logistics provider", err)
			return
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"order":              txn,
		"delivery_order":     delivery,
		"logistics_provider": provider,
	})
}

type orderStatusRequest struct {
	Status        model.OrderStatus    `json:"status"`
	PaymentStatus *model.PaymentStatus `json:"payment_status,omitempty"`
	Notes         *string              `json:"notes,omitempty"`
}

// HandleUpdateOrderStatus handles PUT /api/orders/{id}/status.
func (h *Handlers) HandleUpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req orderStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Status == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "status is required")
		return
	}
	if !model.ValidOrderStatus(req.Status) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidStatus, fmt.Sprintf("invalid status: %s", req.Status))
		return
	}
	if req.PaymentStatus != nil && !model.ValidPaymentStatus(*req.PaymentStatus) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidStatus, fmt.Sprintf("invalid payment_status: %s", *req.PaymentStatus))
		return
	}

	before, after, err := h.db.UpdateOrderStatus(r.Context(), ctxutil.OrgIDFromContext(r.Context()), id, storage.OrderStatusChange{
		Status:        req.Status,
		PaymentStatus: req.PaymentStatus,
		Notes:         req.Notes,
	})
	if err != nil {
		h.writeStorageError(w, r, err, "Order not found", "failed to update order status")
		return
	}
	meta := map[string]any{"from": before.Status, "to": after.Status}
	if before.Status == model.OrderPending && after.Status == model.OrderCancelled {
		meta["stock_restored"] = true
	}
	h.audit(r, "update_status", "order", id.String(), before, after, meta)
	writeJSON(w, r, http.StatusOK, map[string]any{
		"transaction_id": id,
		"updated_status": after.Status,
		"payment_status": after.PaymentStatus,
		"timestamp":      h.now().UTC(),
	})
}

// HandleListFarmerOrders handles GET /api/orders/farmer/{farmer_id}.
func (h *Handlers) HandleListFarmerOrders(w http.ResponseWriter, r *http.Request) {
	farmerID, err := pathUUID(r, "farmer_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	status := model.OrderStatus(r.URL.Query().Get("status"))
	if status != "" && !model.ValidOrderStatus(status) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidStatus, fmt.Sprintf("invalid status: %s", status))
		return
	}
	limit, offset := queryLimit(r, 20), queryOffset(r)
	orders, total, err := h.db.ListFarmerOrders(r.Context(), ctxutil.OrgIDFromContext(r.Context()), farmerID, status, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list orders", err)
		return
	}

	type itemSummary struct {
		Name     string `json:"name"`
		Quantity int    `json:"quantity"`
	}
	type listedOrder struct {
		ID              uuid.UUID            `json:"transaction_id"`
		TransactionCode string               `json:"transaction_code"`
		TotalAmount     float64              `json:"total_amount"`
		DeliveryOption  model.DeliveryOption `json:"delivery_option"`
		Status          model.OrderStatus    `json:"status"`
		PaymentStatus   model.PaymentStatus  `json:"payment_status"`
		ItemCount       int                  `json:"item_count"`
		ItemsSummary    []itemSummary        `json:"items_summary"`
		CreatedAt       time.Time            `json:"created_at"`
	}
	out := make([]listedOrder, 0, len(orders))
	for _, o := range orders {
		summary := make([]itemSummary, 0, 3)
		for _, it := range o.Items[:min(len(o.Items), 3)] {
			summary = append(summary, itemSummary{Name: it.Name, Quantity: it.Quantity})
		}
		out = append(out, listedOrder{
			ID:              o.ID,
			TransactionCode: o.TransactionCode,
			TotalAmount:     o.TotalAmount,
			DeliveryOption:  o.DeliveryOption,
			Status:          o.Status,
			PaymentStatus:   o.PaymentStatus,
			ItemCount:       len(o.Items),
			ItemsSummary:    summary,
			CreatedAt:       o.CreatedAt,
		})
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"orders": out,
		"pagination": map[string]any{
			"total_count": total,
			"limit":       limit,
			"offset":      offset,
			"has_more":    offset+len(out) < total,
		},
	})
}

// reportWindow reads start_date and end_date, defaulting to the last 30 days.
// end_date is inclusive.
func (h *Handlers) reportWindow(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	now := h.now().UTC()
	start, end := now.AddDate(0, 0, -30), now
	if s, err := queryDate(r, "start_date"); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return start, end, false
	} else if s != nil {
		start = *s
	}
	if e, err := queryDate(r, "end_date"); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return start, end, false
	} else if e != nil {
		end = *e
		if end.Equal(end.Truncate(24 * time.Hour)) {
			end = end.AddDate(0, 0, 1)
		}
	}
	if !end.After(start) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "end_date must be after start_date")
		return start, end, false
	}
	return start, end, true
}

// HandleOrderStats handles GET /api/orders/stats.
func (h *Handlers) HandleOrderStats(w http.ResponseWriter, r *http.Request) {
	start, end, ok := h.reportWindow(w, r)
	if !ok {
		return
	}
	stats, err := h.db.GetOrderStats(r.Context(), ctxutil.OrgIDFromContext(r.Context()), start, end)
	if err != nil {
		h.writeInternalError(w, r, "failed to load order stats", err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// HandleOrdersHealth handles GET /api/orders/health.
func (h *Handlers) HandleOrdersHealth(w http.ResponseWriter, r *http.Request) {
	status, dbStatus, code := "healthy", "connected", http.StatusOK
	n, err := h.db.CountOrders(r.Context())
	if err != nil {
		h.logger.Warn("orders health check failed", "error", err)
		status, dbStatus, code = "unhealthy", "disconnected", http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, map[string]any{
		"status":       status,
		"service":      "orders",
		"database":     dbStatus,
		"total_orders": n,
		"timestamp":    h.now().UTC(),
		"features": []string{
			"order_creation", "stock_reservation", "delivery_scheduling",
			"status_tracking", "idempotent_writes", "order_reports",
		},
	})
}

var reportHeader = []string{
	"transaction_code", "created_at", "farmer_name", "status", "payment_status", "payment_method",
	"delivery_option", "items", "subtotal_retail", "delivery_fee", "card_member_discount",
	"pickup_discount", "total_amount", "platform_revenue",
}

func reportRow(o model.InputTransaction) []any {
	qty := 0
	for _, it := range o.Items {
		qty += it.Quantity
	}
	return []any{
		o.TransactionCode, o.CreatedAt.UTC().Format(time.RFC3339), o.FarmerName, string(o.Status),
		string(o.PaymentStatus), o.PaymentMethod, string(o.DeliveryOption), qty, o.SubtotalRetail,
		o.DeliveryFee, o.CardMemberDiscount, o.PickupDiscount, o.TotalAmount, o.PlatformRevenue,
	}
}

// HandleOrdersReport handles GET /api/reports/orders.
func (h *Handlers) HandleOrdersReport(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" && format != "xlsx" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "format must be one of json, csv, xlsx")
		return
	}
	start, end, ok := h.reportWindow(w, r)
	if !ok {
		return
	}
	orders, err := h.db.ListOrdersBetween(r.Context(), ctxutil.OrgIDFromContext(r.Context()), start, end)
	if err != nil {
		h.writeInternalError(w, r, "failed to load orders", err)
		return
	}
	h.audit(r, "export", "order_report", format, nil, nil, map[string]any{
		"start_date": start.Format(time.DateOnly), "end_date": end.Format(time.DateOnly), "rows": len(orders),
	})

	filename := fmt.Sprintf("orders_%s_%s", start.Format("20060102"), end.Format("20060102"))
	switch format {
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`.csv"`)
		cw := csv.NewWriter(w)
		_ = cw.Write(reportHeader)
		for _, o := range orders {
			row := reportRow(o)
			rec := make([]string, len(row))
			for i, v := range row {
				switch v := v.(type) {
				case float64:
					rec[i] = strconv.FormatFloat(v, 'f', 2, 64)
				default:
					rec[i] = fmt.Sprint(v)
				}
			}
			_ = cw.Write(rec)
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			h.logger.Warn("csv report write failed", "error", err)
		}
	case "xlsx":
		if err := h.writeOrdersXLSX(w, filename, orders); err != nil {
			h.writeInternalError(w, r, "failed to build report", err)
		}
	default:
		writeJSON(w, r, http.StatusOK, map[string]any{
			"start_date":  start,
			"end_date":    end,
			"total_count": len(orders),
			"orders":      orders,
		})
	}
}

const reportSheet = "Orders"

func (h *Handlers) writeOrdersXLSX(w http.ResponseWriter, filename string, orders []model.InputTransaction) error {
	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			h.logger.Warn("close xlsx report", "error", err)
		}
	}()
	if err := f.SetSheetName("Sheet1", reportSheet); err != nil {
		return err
	}
	header := make([]any, len(reportHeader))
	for i, c := range reportHeader {
		header[i] = c
	}
	if err := f.SetSheetRow(reportSheet, "A1", &header); err != nil {
		return err
	}
	for i, o := range orders {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := reportRow(o)
		if err := f.SetSheetRow(reportSheet, cell, &row); err != nil {
			return err
		}
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`.xlsx"`)
	return f.Write(w)
}
