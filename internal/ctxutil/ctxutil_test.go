package ctxutil_test

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/magsasa-card/magsasa/internal/auth"
	"github.com/magsasa-card/magsasa/internal/ctxutil"
	"github.com/magsasa-card/magsasa/internal/model"
)

func TestEmptyContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, ctxutil.ClaimsFromContext(ctx))
	assert.Equal(t, uuid.Nil, ctxutil.OrgIDFromContext(ctx))
	assert.Equal(t, uuid.Nil, ctxutil.UserIDFromContext(ctx))
	assert.Equal(t, model.Role(""), ctxutil.RoleFromContext(ctx))
}

func TestTenantOverridesClaims(t *testing.T) {
	userID := uuid.New()
	tokenOrg := uuid.New()
	claims := &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID.String()},
		OrgID:            tokenOrg,
		Role:             model.RoleSuperAdmin,
	}
	ctx := ctxutil.WithClaims(context.Background(), claims)
	assert.Equal(t, tokenOrg, ctxutil.OrgIDFromContext(ctx))
	assert.Equal(t, userID, ctxutil.UserIDFromContext(ctx))

	other := uuid.New()
	ctx = ctxutil.WithTenant(ctx, ctxutil.Tenant{OrgID: other, Role: model.RoleSuperAdmin, CrossTenant: true})
	assert.Equal(t, other, ctxutil.OrgIDFromContext(ctx))
	assert.True(t, ctxutil.TenantFromContext(ctx).CrossTenant)
	assert.Equal(t, model.RoleSuperAdmin, ctxutil.RoleFromContext(ctx))
}
