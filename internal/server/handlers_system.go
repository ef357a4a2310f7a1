package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/magsasa-card/magsasa/internal/ctxutil"
	"github.com/magsasa-card/magsasa/internal/model"
	"github.com/magsasa-card/magsasa/internal/storage"
)

// HandleAnalyticsDashboard handles GET /api/analytics/dashboard.
func (h *Handlers) HandleAnalyticsDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := ctxutil.OrgIDFromContext(ctx)
	now := h.now().UTC()

	records, err := h.db.GetDashboardStats(ctx, orgID, now)
	if err != nil {
		h.writeInternalError(w, r, "failed to load dashboard stats", err)
		return
	}
	orders, err := h.db.GetOrderStats(ctx, orgID, now.AddDate(0, 0, -30), now)
	if err != nil {
		h.writeInternalError(w, r, "failed to load order stats", err)
		return
	}
	events, err := h.db.CountAuditSince(ctx, orgID, now.AddDate(0, 0, -1))
	if err != nil {
		h.writeInternalError(w, r, "failed to count audit events", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"organization_id":        orgID,
		"generated_at":           now,
		"records":                records,
		"orders_last_30_days":    orders,
		"audit_events_last_24_h": events,
	})
}

// HandleSecurityAnalytics handles GET /api/analytics/security.
func (h *Handlers) HandleSecurityAnalytics(w http.ResponseWriter, r *http.Request) {
	orgID := ctxutil.OrgIDFromContext(r.Context())
	s, err := h.db.GetSecuritySummary(r.Context(), orgID, queryLimit(r, 20))
	if err != nil {
		h.writeInternalError(w, r, "failed to load security summary", err)
		return
	}
	if s.RecentEvents == nil {
		s.RecentEvents = []model.AuditEntry{}
	}
	writeJSON(w, r, http.StatusOK, s)
}

// HandleListAudit handles GET /api/audit.
func (h *Handlers) HandleListAudit(w http.ResponseWriter, r *http.Request) {
	from, err := queryTime(r, "from")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	actor, err := queryUUID(r, "actor")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	q := r.URL.Query()
	f := storage.AuditFilter{
		Operation:    strings.TrimSpace(q.Get("operation")),
		ResourceType: strings.TrimSpace(q.Get("resource_type")),
		From:         from,
		To:           to,
		Limit:        queryLimit(r, 50),
		Offset:       queryOffset(r),
	}
	if actor != uuid.Nil {
		f.ActorUserID = &actor
	}
	entries, total, err := h.db.ListAudit(r.Context(), ctxutil.OrgIDFromContext(r.Context()), f)
	if err != nil {
		h.writeInternalError(w, r, "failed to list audit entries", err)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"entries":    entries,
		"pagination": model.NewListPage(total, f.Limit, f.Offset),
	})
}
