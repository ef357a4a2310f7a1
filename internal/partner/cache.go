package partner

import (
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/magsasa-card/magsasa/internal/model"
)

// DefaultCacheTTL bounds how long a key change can go unnoticed on an
// instance that missed the invalidation notification.
const DefaultCacheTTL = 30 * time.Second

// KeyCache holds partner keys by lookup prefix. Several keys may share a
// prefix, so each entry is the full candidate list.
type KeyCache struct {
	store *otter.Cache[string, []model.PartnerAPIKey]
}

// NewKeyCache creates a cache of at most maxSize prefixes.
func NewKeyCache(maxSize int, ttl time.Duration) *KeyCache {
	return &KeyCache{
		store: otter.Must(&otter.Options[string, []model.PartnerAPIKey]{
			MaximumSize:      maxSize,
			ExpiryCalculator: otter.ExpiryWriting[string, []model.PartnerAPIKey](ttl),
		}),
	}
}

// Get returns the cached candidates for prefix.
func (c *KeyCache) Get(prefix string) ([]model.PartnerAPIKey, bool) {
	return c.store.GetIfPresent(prefix)
}

// Set stores the candidates for prefix. An empty list is cached too so
// that guessing traffic does not reach the database on every request.
func (c *KeyCache) Set(prefix string, keys []model.PartnerAPIKey) {
	c.store.Set(prefix, keys)
}

// Invalidate drops the entry for prefix. Call after a key is updated or revoked.
func (c *KeyCache) Invalidate(prefix string) {
	c.store.Invalidate(prefix)
}

// InvalidateAll drops every entry.
func (c *KeyCache) InvalidateAll() {
	c.store.InvalidateAll()
}
