package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/magsasa-card/magsasa/internal/auth"
	"github.com/magsasa-card/magsasa/internal/ctxutil"
	"github.com/magsasa-card/magsasa/internal/model"
	"github.com/magsasa-card/magsasa/internal/storage"
)

// HandleListPartnerKeys handles GET /api/partner-management/api-keys.
// Every partner-management route acts on the active organization only; a
// super_admin reaches another tenant through X-Organization-ID.
func (h *Handlers) HandleListPartnerKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := model.KeyStatus(q.Get("status"))
	partnerType := model.PartnerType(q.Get("partner_type"))
	if partnerType != "" && !model.ValidPartnerType(partnerType) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid partner_type")
		return
	}
	page, perPage, offset := queryPage(r, 20, 100)
	keys, total, err := h.db.ListPartnerKeys(r.Context(), storage.PartnerKeyFilter{
		OrgID:       ctxutil.OrgIDFromContext(r.Context()),
		Status:      status,
		PartnerType: partnerType,
		Limit:       perPage,
		Offset:      offset,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to list partner keys", err)
		return
	}
	if keys == nil {
		keys = []model.PartnerAPIKey{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"api_keys":   keys,
		"pagination": model.NewPagination(page, perPage, total),
	})
}

// HandleCreatePartnerKey handles POST /api/partner-management/api-keys.
// The raw key is returned exactly once; only its prefix is stored in clear.
func (h *Handlers) HandleCreatePartnerKey(w http.ResponseWriter, r *http.Request) {
	var req model.CreatePartnerKeyRequest
	if !h.decode(w, r, &req) {
		return
	}
	tenantOrg := ctxutil.OrgIDFromContext(r.Context())
	if req.OrganizationID == uuid.Nil {
		req.OrganizationID = tenantOrg
	}
	if req.OrganizationID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "organization_id is required")
		return
	}
	if req.OrganizationID != tenantOrg && ctxutil.RoleFromContext(r.Context()) != model.RoleSuperAdmin {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "Access denied to organization")
		return
	}
	if err := model.ValidateKeyName(req.KeyName); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if !model.ValidPartnerType(req.PartnerType) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"partner_type must be one of input_supplier, logistics_partner, financial_partner, buyer_processor, technology_partner")
		return
	}

	perMinute, perHour, perDay := model.DefaultRateLimitPerMinute, model.DefaultRateLimitPerHour, model.DefaultRateLimitPerDay
	if req.RateLimitPerMinute != nil {
		perMinute = *req.RateLimitPerMinute
	}
	if req.RateLimitPerHour != nil {
		perHour = *req.RateLimitPerHour
	}
	if req.RateLimitPerDay != nil {
		perDay = *req.RateLimitPerDay
	}
	if err := model.ValidateRateLimits(perMinute, perHour, perDay); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid expires_at format (expected RFC3339)")
			return
		}
		if !t.After(h.now()) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "expires_at must be in the future")
			return
		}
		expiresAt = &t
	}

	org, err := h.db.GetOrganization(r.Context(), req.OrganizationID)
	if err != nil {
		h.writeStorageError(w, r, err, "Organization not found", "failed to verify organization")
		return
	}

	rawKey, prefix, err := h.newPartnerKey()
	if err != nil {
		h.writeInternalError(w, r, "failed to generate api key", err)
		return
	}
	userID := ctxutil.UserIDFromContext(r.Context())
	key := model.PartnerAPIKey{
		OrganizationID:     org.ID,
		KeyName:            strings.TrimSpace(req.KeyName),
		KeyPrefix:          prefix,
		KeyHash:            auth.HashPartnerKey(rawKey),
		PartnerType:        req.PartnerType,
		AllowedEndpoints:   req.AllowedEndpoints,
		IPWhitelist:        req.IPWhitelist,
		RateLimitPerMinute: perMinute,
		RateLimitPerHour:   perHour,
		RateLimitPerDay:    perDay,
		ExpiresAt:          expiresAt,
		CreatedBy:          &userID,
	}

	audit := h.buildAuditEntry(r, org.ID, "create", "partner_api_key", "", nil, nil, map[string]any{
		"partner_type": req.PartnerType,
		"key_prefix":   prefix,
	})
	created, err := h.db.CreatePartnerKeyWithAudit(r.Context(), key, audit)
	if err != nil {
		h.writeInternalError(w, r, "failed to create partner key", err)
		return
	}
	// An earlier miss on this prefix may be cached.
	h.invalidatePartnerKey(prefix)
	h.logger.Info("partner api key created", "key_id", created.ID, "org_id", org.ID, "partner_type", created.PartnerType)
	writeJSON(w, r, http.StatusCreated, model.PartnerAPIKeyWithRawKey{PartnerAPIKey: created, RawKey: rawKey})
}

// HandleGetPartnerKey handles GET /api/partner-management/api-keys/{id}.
func (h *Handlers) HandleGetPartnerKey(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	key, err := h.db.GetPartnerKey(r.Context(), ctxutil.OrgIDFromContext(r.Context()), id)
	if err != nil {
		h.writeStorageError(w, r, err, "API key not found", "failed to load partner key")
		return
	}
	usage, err := h.db.GetKeyUsage(r.Context(), id, 30)
	if err != nil {
		h.writeInternalError(w, r, "failed to load key usage", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"api_key": key,
		"usage":   usage,
	})
}

// HandleUpdatePartnerKey handles PUT /api/partner-management/api-keys/{id}.
func (h *Handlers) HandleUpdatePartnerKey(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.UpdatePartnerKeyRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.KeyName != nil {
		if err := model.ValidateKeyName(*req.KeyName); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	}
	if req.Status != nil && *req.Status != model.KeyActive && *req.Status != model.KeySuspended {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidStatus, "status must be active or suspended")
		return
	}

	orgID := ctxutil.OrgIDFromContext(r.Context())
	before, err := h.db.GetPartnerKey(r.Context(), orgID, id)
	if err != nil {
		h.writeStorageError(w, r, err, "API key not found", "failed to load partner key")
		return
	}
	if before.Status == model.KeyRevoked {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "API key is revoked")
		return
	}
	perMinute, perHour, perDay := before.RateLimitPerMinute, before.RateLimitPerHour, before.RateLimitPerDay
	if req.RateLimitPerMinute != nil {
		perMinute = *req.RateLimitPerMinute
	}
	if req.RateLimitPerHour != nil {
		perHour = *req.RateLimitPerHour
	}
	if req.RateLimitPerDay != nil {
		perDay = *req.RateLimitPerDay
	}
	if err := model.ValidateRateLimits(perMinute, perHour, perDay); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	audit := h.buildAuditEntry(r, before.OrganizationID, "update", "partner_api_key", id.String(), before, nil, nil)
	updated, err := h.db.UpdatePartnerKeyWithAudit(r.Context(), orgID, id, req, audit)
	if err != nil {
		h.writeStorageError(w, r, err, "API key not found", "failed to update partner key")
		return
	}
	h.invalidatePartnerKey(updated.KeyPrefix)
	writeJSON(w, r, http.StatusOK, updated)
}

type revokeKeyRequest struct {
	Reason string `json:"reason"`
}

// HandleRevokePartnerKey handles POST /api/partner-management/api-keys/{id}/revoke.
func (h *Handlers) HandleRevokePartnerKey(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req revokeKeyRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "revoked by administrator"
	}

	orgID := ctxutil.OrgIDFromContext(r.Context())
	key, err := h.db.GetPartnerKey(r.Context(), orgID, id)
	if err != nil {
		h.writeStorageError(w, r, err, "API key not found", "failed to load partner key")
		return
	}
	userID := ctxutil.UserIDFromContext(r.Context())
	audit := h.buildAuditEntry(r, key.OrganizationID, "revoke", "partner_api_key", id.String(), key, nil, nil)
	if err := h.db.RevokePartnerKeyWithAudit(r.Context(), orgID, id, &userID, reason, audit); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "API key not found or already revoked")
			return
		}
		h.writeInternalError(w, r, "failed to revoke partner key", err)
		return
	}
	h.invalidatePartnerKey(key.KeyPrefix)
	h.logger.Info("partner api key revoked", "key_id", id, "org_id", key.OrganizationID)
	writeJSON(w, r, http.StatusOK, map[string]any{
		"api_key_id":    id,
		"status":        model.KeyRevoked,
		"revoke_reason": reason,
		"revoked_at":    h.now().UTC(),
	})
}

// HandlePartnerOverview handles GET /api/partner-management/analytics/overview.
func (h *Handlers) HandlePartnerOverview(w http.ResponseWriter, r *http.Request) {
	o, err := h.db.GetPartnerOverview(r.Context(), ctxutil.OrgIDFromContext(r.Context()))
	if err != nil {
		h.writeInternalError(w, r, "failed to load partner overview", err)
		return
	}
	writeJSON(w, r, http.StatusOK, o)
}
