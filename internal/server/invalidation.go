package server

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/magsasa-card/magsasa/internal/storage"
)

// Cache invalidation payloads sent on storage.ChannelCacheInvalidation.
const (
	invalidatePartnerKey = "partner_key"
	invalidateMembership = "membership"
	invalidateAll        = "all"
)

// publishInvalidation tells other instances to drop a cache entry. Local
// caches are cleared by the caller before publishing.
func (h *Handlers) publishInvalidation(payload string) {
	if !h.db.HasNotify() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.db.Notify(ctx, storage.ChannelCacheInvalidation, payload); err != nil {
		h.logger.Warn("cache invalidation notify failed", "payload", payload, "error", err)
	}
}

func (h *Handlers) invalidatePartnerKey(prefix string) {
	if h.keyCache != nil {
		h.keyCache.Invalidate(prefix)
	}
	h.publishInvalidation(invalidatePartnerKey + ":" + prefix)
}

// ApplyInvalidation drops the cache entries a notification payload names.
// Unknown payloads clear every cache.
func (h *Handlers) ApplyInvalidation(payload string) {
	kind, rest, _ := strings.Cut(payload, ":")
	switch kind {
	case invalidatePartnerKey:
		if h.keyCache != nil && rest != "" {
			h.keyCache.Invalidate(rest)
			return
		}
	case invalidateMembership:
		user, org, _ := strings.Cut(rest, ":")
		userID, errU := uuid.Parse(user)
		orgID, errO := uuid.Parse(org)
		if h.memberships != nil && errU == nil && errO == nil {
			h.memberships.Invalidate(userID, orgID)
			return
		}
	}
	if h.keyCache != nil {
		h.keyCache.InvalidateAll()
	}
	if h.memberships != nil {
		h.memberships.InvalidateAll()
	}
}
