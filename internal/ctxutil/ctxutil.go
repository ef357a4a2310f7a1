// Package ctxutil provides shared context key accessors.
//
// This package exists to break the circular dependency between server and mcp:
// server imports mcp for MCP server setup, and mcp needs to read JWT claims
// and the resolved tenant from the context that server's auth middleware
// populates. Both packages import ctxutil instead of each other.
package ctxutil

import (
	"context"

	"github.com/google/uuid"

	"github.com/magsasa-card/magsasa/internal/auth"
	"github.com/magsasa-card/magsasa/internal/model"
)

type contextKey string

const (
	keyClaims contextKey = "claims"
	keyTenant contextKey = "tenant"
)

// Tenant is the organization a request acts within and the caller's role there.
type Tenant struct {
	OrgID       uuid.UUID
	Role        model.Role
	CrossTenant bool
}

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// WithTenant returns a new context carrying the resolved tenant.
func WithTenant(ctx context.Context, t Tenant) context.Context {
	return context.WithValue(ctx, keyTenant, t)
}

// TenantFromContext returns the resolved tenant, or the zero Tenant.
func TenantFromContext(ctx context.Context) Tenant {
	if v, ok := ctx.Value(keyTenant).(Tenant); ok {
		return v
	}
	return Tenant{}
}

// OrgIDFromContext returns the active organization. It prefers the resolved
// tenant and falls back to the token's org_id.
func OrgIDFromContext(ctx context.Context) uuid.UUID {
	if t := TenantFromContext(ctx); t.OrgID != uuid.Nil {
		return t.OrgID
	}
	if c := ClaimsFromContext(ctx); c != nil {
		return c.OrgID
	}
	return uuid.Nil
}

// RoleFromContext returns the caller's role within the active organization.
func RoleFromContext(ctx context.Context) model.Role {
	if t := TenantFromContext(ctx); t.Role != "" {
		return t.Role
	}
	if c := ClaimsFromContext(ctx); c != nil {
		return c.Role
	}
	return ""
}

// UserIDFromContext returns the authenticated user's id, or uuid.Nil.
func UserIDFromContext(ctx context.Context) uuid.UUID {
	if c := ClaimsFromContext(ctx); c != nil {
		return c.UserID()
	}
	return uuid.Nil
}
