package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magsasa-card/magsasa/internal/model"
)

func TestRoleRank(t *testing.T) {
	tests := []struct {
		role model.Role
		rank int
	}{
		{model.RoleSuperAdmin, 6},
		{model.RoleAdmin, 5},
		{model.RoleManager, 4},
		{model.RoleFieldOfficer, 3},
		{model.RoleFarmer, 2},
		{model.RoleViewer, 1},
		{model.Role("unknown"), 0},
		{model.Role(""), 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			assert.Equal(t, tt.rank, model.RoleRank(tt.role), "RoleRank(%q)", tt.role)
		})
	}

	for i := 0; i < len(model.Roles)-1; i++ {
		assert.True(t, model.RoleAtLeast(model.Roles[i], model.Roles[i+1]),
			"%s should be at least %s", model.Roles[i], model.Roles[i+1])
		assert.False(t, model.RoleAtLeast(model.Roles[i+1], model.Roles[i]),
			"%s should not be at least %s", model.Roles[i+1], model.Roles[i])
	}
}

func TestValidateUsername(t *testing.T) {
	for _, name := range []string{"juan", "maria.santos", "field-officer_01"} {
		require.NoError(t, model.ValidateUsername(name), "expected valid: %q", name)
	}
	for _, name := range []string{"", "ab", strings.Repeat("a", 65), "has space", "émile"} {
		require.Error(t, model.ValidateUsername(name), "expected invalid: %q", name)
	}
}

func TestValidateOrgCode(t *testing.T) {
	assert.NoError(t, model.ValidateOrgCode("CARD-MRI"))
	assert.Error(t, model.ValidateOrgCode("card"))
	assert.Error(t, model.ValidateOrgCode("X"))
}

func TestUserIsLocked(t *testing.T) {
	now := time.Now()
	future := now.Add(10 * time.Minute)
	past := now.Add(-time.Minute)

	assert.False(t, model.User{}.IsLocked(now))
	assert.True(t, model.User{LockedUntil: &future}.IsLocked(now))
	assert.False(t, model.User{LockedUntil: &past}.IsLocked(now))
}

func TestGenerateRawKey(t *testing.T) {
	raw, prefix, err := model.GenerateRawKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "agri_"))
	assert.Len(t, prefix, model.KeyPrefixLen)
	assert.Equal(t, raw[:model.KeyPrefixLen], prefix)

	got, err := model.KeyPrefix(raw)
	require.NoError(t, err)
	assert.Equal(t, prefix, got)

	_, err = model.KeyPrefix("short")
	assert.Error(t, err)

	other, _, err := model.GenerateRawKey()
	require.NoError(t, err)
	assert.NotEqual(t, raw, other)
}

func TestPartnerKeyAllowsEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		path    string
		want    bool
	}{
		{"empty allows all", nil, "/api/partners/logistics/shipments", true},
		{"exact match", []string{"/api/partners/auth/verify"}, "/api/partners/auth/verify", true},
		{"exact mismatch", []string{"/api/partners/auth/verify"}, "/api/partners/auth", false},
		{"prefix wildcard", []string{"/api/partners/logistics/*"}, "/api/partners/logistics/shipments/abc/status", true},
		{"prefix wildcard miss", []string{"/api/partners/logistics/*"}, "/api/partners/financial/loans", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := model.PartnerAPIKey{AllowedEndpoints: tt.allowed}
			assert.Equal(t, tt.want, k.AllowsEndpoint(tt.path))
		})
	}
}

func TestPartnerKeyValidity(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.True(t, model.PartnerAPIKey{Status: model.KeyActive}.IsValid(now))
	assert.True(t, model.PartnerAPIKey{Status: model.KeyActive, ExpiresAt: &future}.IsValid(now))
	assert.False(t, model.PartnerAPIKey{Status: model.KeyActive, ExpiresAt: &past}.IsValid(now))
	assert.True(t, model.PartnerAPIKey{Status: model.KeyActive, ExpiresAt: &past}.IsExpired(now))
	assert.False(t, model.PartnerAPIKey{Status: model.KeySuspended}.IsValid(now))
}

func TestPartnerKeyAllowsIP(t *testing.T) {
	k := model.PartnerAPIKey{IPWhitelist: []string{"203.0.113.7"}}
	assert.True(t, k.AllowsIP("203.0.113.7"))
	assert.False(t, k.AllowsIP("198.51.100.1"))
	assert.True(t, model.PartnerAPIKey{}.AllowsIP("198.51.100.1"))
}

func TestValidateRateLimits(t *testing.T) {
	assert.NoError(t, model.ValidateRateLimits(60, 1000, 10000))
	assert.Error(t, model.ValidateRateLimits(0, 1000, 10000))
	assert.Error(t, model.ValidateRateLimits(2000, 1000, 10000))
}

func TestNewPagination(t *testing.T) {
	p := model.NewPagination(2, 20, 45)
	assert.Equal(t, 3, p.TotalPages)
	assert.True(t, p.HasNext)
	assert.True(t, p.HasPrev)

	last := model.NewPagination(3, 20, 45)
	assert.False(t, last.HasNext)

	empty := model.NewPagination(1, 20, 0)
	assert.Equal(t, 0, empty.TotalPages)
	assert.False(t, empty.HasNext)
	assert.False(t, empty.HasPrev)
}

func TestTransactionAndDeliveryCodes(t *testing.T) {
	id := uuid.MustParse("0a1b2c3d-0000-4000-8000-000000000000")
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, "TXN-20250314-0A1B2C3D", model.TransactionCode(now, id))
	assert.Equal(t, "DEL-20250314-0A1B2C3D", model.DeliveryCode(now, id))
}

func TestAgriculturalInputMarketPrice(t *testing.T) {
	market := 1500.0
	withMarket := model.AgriculturalInput{RetailPrice: 1200, MarketRetailPrice: &market}
	assert.Equal(t, 1500.0, withMarket.MarketPrice())

	without := model.AgriculturalInput{RetailPrice: 1200}
	assert.Equal(t, 1200.0, without.MarketPrice())
}

func TestBulkTierSet(t *testing.T) {
	q := 10
	p := 99.5
	assert.True(t, model.BulkTier{Quantity: &q, Price: &p}.Set())
	assert.False(t, model.BulkTier{Quantity: &q}.Set())
	assert.False(t, model.BulkTier{}.Set())
}
