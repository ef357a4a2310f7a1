package authz

import (
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter/v2"

	"github.com/magsasa-card/magsasa/internal/model"
)

// MembershipCache is a short-TTL in-memory cache of membership lookups.
// It removes one DB query per authenticated request for repeat callers.
//
// Key: user_id + org_id. A cached "not a member" result is also stored so
// cross-tenant probes do not hammer the database.
type MembershipCache struct {
	store *otter.Cache[membershipKey, cachedMembership]
}

type membershipKey struct {
	user uuid.UUID
	org  uuid.UUID
}

type cachedMembership struct {
	m  model.Membership
	ok bool
}

// NewMembershipCache creates a cache holding at most maxSize entries for ttl each.
func NewMembershipCache(maxSize int, ttl time.Duration) *MembershipCache {
	return &MembershipCache{
		store: otter.Must(&otter.Options[membershipKey, cachedMembership]{
			MaximumSize:      maxSize,
			ExpiryCalculator: otter.ExpiryWriting[membershipKey, cachedMembership](ttl),
		}),
	}
}

// Get returns the cached membership, whether the user is a member, and whether
// the entry was present at all.
func (c *MembershipCache) Get(userID, orgID uuid.UUID) (m model.Membership, ok bool, hit bool) {
	v, found := c.store.GetIfPresent(membershipKey{user: userID, org: orgID})
	if !found {
		return model.Membership{}, false, false
	}
	return v.m, v.ok, true
}

// Set stores a lookup result.
func (c *MembershipCache) Set(userID, orgID uuid.UUID, m model.Membership, ok bool) {
	c.store.Set(membershipKey{user: userID, org: orgID}, cachedMembership{m: m, ok: ok})
}

// Invalidate drops the entry for a user in an organization. Call it after any
// membership change so role updates take effect immediately.
func (c *MembershipCache) Invalidate(userID, orgID uuid.UUID) {
	c.store.Invalidate(membershipKey{user: userID, org: orgID})
}

// InvalidateAll drops every entry.
func (c *MembershipCache) InvalidateAll() {
	c.store.InvalidateAll()
}
