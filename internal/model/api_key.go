package model

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PartnerType classifies what a partner integration is allowed to do.
type PartnerType string

const (
	PartnerInputSupplier  PartnerType = "input_supplier"
	PartnerLogistics      PartnerType = "logistics_partner"
	PartnerFinancial      PartnerType = "financial_partner"
	PartnerBuyerProcessor PartnerType = "buyer_processor"
	PartnerTechnology     PartnerType = "technology_partner"
)

// ValidPartnerType reports whether t is a known partner type.
func ValidPartnerType(t PartnerType) bool {
	switch t {
	case PartnerInputSupplier, PartnerLogistics, PartnerFinancial, PartnerBuyerProcessor, PartnerTechnology:
		return true
	}
	return false
}

// KeyStatus is the lifecycle state of a partner API key.
type KeyStatus string

const (
	KeyActive    KeyStatus = "active"
	KeySuspended KeyStatus = "suspended"
	KeyRevoked   KeyStatus = "revoked"
	KeyExpired   KeyStatus = "expired"
)

// Default partner rate limits.
const (
	DefaultRateLimitPerMinute = 60
	DefaultRateLimitPerHour   = 1000
	DefaultRateLimitPerDay    = 10000
)

// PartnerAPIKey authenticates a partner organization against /api/partners.
type PartnerAPIKey struct {
	ID                  uuid.UUID   `json:"id"`
	OrganizationID      uuid.UUID   `json:"organization_id"`
	OrganizationName    string      `json:"organization_name,omitempty"`
	KeyName             string      `json:"key_name"`
	KeyPrefix           string      `json:"key_prefix"`
	KeyHash             string      `json:"-"` // Never serialized.
	PartnerType         PartnerType `json:"partner_type"`
	AllowedEndpoints    []string    `json:"allowed_endpoints"`
	IPWhitelist         []string    `json:"ip_whitelist"`
	RateLimitPerMinute  int         `json:"rate_limit_per_minute"`
	RateLimitPerHour    int         `json:"rate_limit_per_hour"`
	RateLimitPerDay     int         `json:"rate_limit_per_day"`
	Status              KeyStatus   `json:"status"`
	ExpiresAt           *time.Time  `json:"expires_at,omitempty"`
	TotalRequests       int64       `json:"total_requests"`
	LastUsedAt          *time.Time  `json:"last_used_at,omitempty"`
	LastRequestIP       string      `json:"last_request_ip,omitempty"`
	LastRequestEndpoint string      `json:"last_request_endpoint,omitempty"`
	CreatedBy           *uuid.UUID  `json:"created_by,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
	RevokedAt           *time.Time  `json:"revoked_at,omitempty"`
	RevokedBy           *uuid.UUID  `json:"revoked_by,omitempty"`
	RevokeReason        string      `json:"revoke_reason,omitempty"`
}

// IsValid reports whether the key may authenticate at time now.
func (k PartnerAPIKey) IsValid(now time.Time) bool {
	if k.Status != KeyActive {
		return false
	}
	return k.ExpiresAt == nil || k.ExpiresAt.After(now)
}

// IsExpired reports whether the key is past its expiry at time now.
func (k PartnerAPIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

// AllowsEndpoint reports whether path is within the key's allowed endpoints.
// An empty list allows everything; an entry ending in "*" matches by prefix.
func (k PartnerAPIKey) AllowsEndpoint(path string) bool {
	if len(k.AllowedEndpoints) == 0 {
		return true
	}
	for _, e := range k.AllowedEndpoints {
		if prefix, ok := strings.CutSuffix(e, "*"); ok {
			if strings.HasPrefix(path, prefix) {
				return true
			}
			continue
		}
		if e == path {
			return true
		}
	}
	return false
}

// AllowsIP reports whether ip is within the key's whitelist. An empty list allows any address.
func (k PartnerAPIKey) AllowsIP(ip string) bool {
	if len(k.IPWhitelist) == 0 {
		return true
	}
	for _, allowed := range k.IPWhitelist {
		if allowed == ip {
			return true
		}
	}
	return false
}

// PartnerAPIKeyWithRawKey is returned only on creation, the only time
// the raw key is available. After this, only the prefix is visible.
type PartnerAPIKeyWithRawKey struct {
	PartnerAPIKey
	RawKey string `json:"api_key"`
}

// CreatePartnerKeyRequest is the request body for POST /api/partner-management/api-keys.
type CreatePartnerKeyRequest struct {
	OrganizationID     uuid.UUID   `json:"organization_id"`
	KeyName            string      `json:"key_name"`
	PartnerType        PartnerType `json:"partner_type"`
	AllowedEndpoints   []string    `json:"allowed_endpoints,omitempty"`
	IPWhitelist        []string    `json:"ip_whitelist,omitempty"`
	RateLimitPerMinute *int        `json:"rate_limit_per_minute,omitempty"`
	RateLimitPerHour   *int        `json:"rate_limit_per_hour,omitempty"`
	RateLimitPerDay    *int        `json:"rate_limit_per_day,omitempty"`
	ExpiresAt          *string     `json:"expires_at,omitempty"` // RFC3339
}

// UpdatePartnerKeyRequest is the request body for PUT /api/partner-management/api-keys/{id}.
type UpdatePartnerKeyRequest struct {
	KeyName            *string    `json:"key_name,omitempty"`
	AllowedEndpoints   *[]string  `json:"allowed_endpoints,omitempty"`
	IPWhitelist        *[]string  `json:"ip_whitelist,omitempty"`
	RateLimitPerMinute *int       `json:"rate_limit_per_minute,omitempty"`
	RateLimitPerHour   *int       `json:"rate_limit_per_hour,omitempty"`
	RateLimitPerDay    *int       `json:"rate_limit_per_day,omitempty"`
	Status             *KeyStatus `json:"status,omitempty"`
}

const (
	// keySecretLen is the number of random bytes in a raw partner key.
	keySecretLen = 32
	// keyFormatPrefix is the static prefix for all partner API keys.
	keyFormatPrefix = "agri_"
	// KeyPrefixLen is the number of leading characters stored for lookup.
	KeyPrefixLen = 8
)

// GenerateRawKey produces a new raw partner key in the format agri_<base64url secret>.
// Returns the full raw key and its lookup prefix separately.
func GenerateRawKey() (rawKey, prefix string, err error) {
	secret := make([]byte, keySecretLen)
	if _, err := rand.Read(secret); err != nil {
		return "", "", fmt.Errorf("model: generate key secret: %w", err)
	}
	rawKey = keyFormatPrefix + base64.RawURLEncoding.EncodeToString(secret)
	return rawKey, rawKey[:KeyPrefixLen], nil
}

// KeyPrefix returns the lookup prefix of a raw key. An error means the
// key is too short to be one of ours.
func KeyPrefix(rawKey string) (string, error) {
	if len(rawKey) < KeyPrefixLen {
		return "", fmt.Errorf("model: invalid key format: shorter than %d characters", KeyPrefixLen)
	}
	return rawKey[:KeyPrefixLen], nil
}

// ValidateKeyName checks that a key name is present and reasonable.
func ValidateKeyName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("key_name is required")
	}
	if len(name) > 255 {
		return fmt.Errorf("key_name must be at most 255 characters")
	}
	return nil
}

// ValidateRateLimits checks that any supplied limits are positive and ordered.
func ValidateRateLimits(perMinute, perHour, perDay int) error {
	if perMinute <= 0 || perHour <= 0 || perDay <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if perMinute > perHour || perHour > perDay {
		return fmt.Errorf("rate limits must satisfy per_minute <= per_hour <= per_day")
	}
	return nil
}

// UsageLog records one partner API call.
type UsageLog struct {
	APIKeyID       uuid.UUID      `json:"api_key_id"`
	Endpoint       string         `json:"endpoint"`
	Method         string         `json:"method"`
	StatusCode     int            `json:"status_code"`
	ResponseTimeMS float64        `json:"response_time_ms"`
	IPAddress      string         `json:"ip_address"`
	UserAgent      string         `json:"user_agent"`
	RequestSize    int64          `json:"request_size"`
	ResponseSize   int64          `json:"response_size"`
	Details        map[string]any `json:"details,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
