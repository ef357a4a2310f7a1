package server

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/magsasa-card/magsasa/internal/ctxutil"
	"github.com/magsasa-card/magsasa/internal/partner"
	"github.com/magsasa-card/magsasa/internal/storage"
)

// buildAuditEntry constructs a MutationAuditEntry from the current HTTP request.
// Used by handlers that pass the entry into transactional *WithAudit storage
// methods as well as by the best-effort path below. The actor is the JWT user
// when present, otherwise the partner key, otherwise anonymous.
func (h *Handlers) buildAuditEntry(
	r *http.Request,
	orgID uuid.UUID,
	operation, resourceType, resourceID string,
	beforeData, afterData any,
	metadata map[string]any,
) storage.MutationAuditEntry {
	meta := map[string]any{
		"ip":         h.clientIP(r),
		"user_agent": r.UserAgent(),
	}
	maps.Copy(meta, metadata)

	e := storage.MutationAuditEntry{
		RequestID:    RequestIDFromContext(r.Context()),
		OrgID:        orgID,
		ActorRole:    "anonymous",
		HTTPMethod:   r.Method,
		Endpoint:     r.URL.Path,
		Operation:    operation,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		BeforeData:   beforeData,
		AfterData:    afterData,
		Metadata:     meta,
	}
	if claims := ctxutil.ClaimsFromContext(r.Context()); claims != nil {
		uid := claims.UserID()
		e.ActorUserID = &uid
		e.ActorRole = string(ctxutil.RoleFromContext(r.Context()))
	} else if key, ok := partner.KeyFromContext(r.Context()); ok {
		e.ActorRole = "partner"
		meta["api_key_id"] = key.ID.String()
		meta["partner_type"] = key.PartnerType
		meta["partner_organization_id"] = key.OrganizationID.String()
	}
	return e
}

// recordAudit appends e outside any transaction. It retries three times and
// never fails the request; the caller's response has already been decided.
func (h *Handlers) recordAudit(r *http.Request, e storage.MutationAuditEntry) {
	if err := h.writeAudit(e); err != nil {
		h.logger.Error("failed to record audit event",
			"operation", e.Operation,
			"resource_type", e.ResourceType,
			"resource_id", e.ResourceID,
			"request_id", RequestIDFromContext(r.Context()),
			"error", err,
		)
	}
}

// audit records a mutation in the request's active organization.
func (h *Handlers) audit(
	r *http.Request,
	operation, resourceType, resourceID string,
	beforeData, afterData any,
	metadata map[string]any,
) {
	orgID := ctxutil.OrgIDFromContext(r.Context())
	h.recordAudit(r, h.buildAuditEntry(r, orgID, operation, resourceType, resourceID, beforeData, afterData, metadata))
}

func (h *Handlers) writeAudit(e storage.MutationAuditEntry) error {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		err := h.db.InsertMutationAudit(writeCtx, e)
		if err == nil {
			return nil
		}
		lastErr = err

		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-writeCtx.Done():
			return fmt.Errorf("mutation audit write context expired: %w", lastErr)
		}
	}
	return fmt.Errorf("mutation audit write failed after retries: %w", lastErr)
}
