// Package authz holds the role/permission matrix and the tenant access rules.
//
// This package exists to share access-control logic between the HTTP server
// and the MCP server without creating a circular dependency (both import this
// package; neither imports the other).
package authz

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/magsasa-card/magsasa/internal/model"
)

// Permission is a "resource:action" capability string.
type Permission string

// Permissions, grouped by resource.
const (
	OrgRead   Permission = "organization:read"
	OrgCreate Permission = "organization:create"
	OrgUpdate Permission = "organization:update"
	OrgDelete Permission = "organization:delete"

	UserCreate Permission = "user:create"
	UserRead   Permission = "user:read"
	UserUpdate Permission = "user:update"
	UserDelete Permission = "user:delete"

	FarmerCreate Permission = "farmer:create"
	FarmerRead   Permission = "farmer:read"
	FarmerUpdate Permission = "farmer:update"
	FarmerDelete Permission = "farmer:delete"

	FarmCreate Permission = "farm:create"
	FarmRead   Permission = "farm:read"
	FarmUpdate Permission = "farm:update"
	FarmDelete Permission = "farm:delete"

	ActivityCreate Permission = "activity:create"
	ActivityRead   Permission = "activity:read"
	ActivityUpdate Permission = "activity:update"
	ActivityDelete Permission = "activity:delete"

	InputCreate Permission = "input:create"
	InputRead   Permission = "input:read"
	InputUpdate Permission = "input:update"
	InputDelete Permission = "input:delete"

	OrderCreate Permission = "order:create"
	OrderRead   Permission = "order:read"
	OrderUpdate Permission = "order:update"
	OrderDelete Permission = "order:delete"

	PricingRead   Permission = "pricing:read"
	PricingUpdate Permission = "pricing:update"

	LogisticsCreate Permission = "logistics:create"
	LogisticsRead   Permission = "logistics:read"
	LogisticsUpdate Permission = "logistics:update"

	AgScoreCreate Permission = "agscore:create"
	AgScoreRead   Permission = "agscore:read"

	PartnerManage Permission = "partner:manage"

	AnalyticsRead   Permission = "analytics:read"
	AnalyticsExport Permission = "analytics:export"

	AuditRead Permission = "audit:read"

	SystemAdmin Permission = "system:admin"
)

// all is every permission, in declaration order.
var all = []Permission{
	OrgRead, OrgCreate, OrgUpdate, OrgDelete,
	UserCreate, UserRead, UserUpdate, UserDelete,
	FarmerCreate, FarmerRead, FarmerUpdate, FarmerDelete,
	FarmCreate, FarmRead, FarmUpdate, FarmDelete,
	ActivityCreate, ActivityRead, ActivityUpdate, ActivityDelete,
	InputCreate, InputRead, InputUpdate, InputDelete,
	OrderCreate, OrderRead, OrderUpdate, OrderDelete,
	PricingRead, PricingUpdate,
	LogisticsCreate, LogisticsRead, LogisticsUpdate,
	AgScoreCreate, AgScoreRead,
	PartnerManage,
	AnalyticsRead, AnalyticsExport,
	AuditRead,
	SystemAdmin,
}

func withPrefix(prefixes ...string) []Permission {
	var out []Permission
	for _, p := range all {
		for _, prefix := range prefixes {
			if strings.HasPrefix(string(p), prefix+":") {
				out = append(out, p)
			}
		}
	}
	return out
}

func readOnly(exclude ...string) []Permission {
	var out []Permission
	for _, p := range all {
		resource, action, _ := strings.Cut(string(p), ":")
		if action == "read" && !slices.Contains(exclude, resource) {
			out = append(out, p)
		}
	}
	return out
}

func set(groups ...[]Permission) map[Permission]bool {
	m := make(map[Permission]bool)
	for _, g := range groups {
		for _, p := range g {
			m[p] = true
		}
	}
	return m
}

var matrix = map[model.Role]map[Permission]bool{
	model.RoleSuperAdmin: set(all),
	model.RoleAdmin: set(
		[]Permission{OrgRead, OrgUpdate, UserCreate, UserRead, UserUpdate, UserDelete},
		withPrefix("farmer", "farm", "activity", "input", "order", "pricing", "logistics", "agscore"),
		[]Permission{PartnerManage, AnalyticsRead, AnalyticsExport, AuditRead},
	),
	model.RoleManager: set(
		[]Permission{OrgRead, UserRead},
		withPrefix("farmer", "farm", "activity"),
		[]Permission{InputRead, OrderRead, OrderUpdate, PricingRead, LogisticsRead, AgScoreRead, AgScoreCreate, AnalyticsRead},
	),
	model.RoleFieldOfficer: set([]Permission{
		OrgRead,
		FarmerRead, FarmerCreate, FarmerUpdate,
		FarmRead, FarmCreate, FarmUpdate,
		ActivityRead, ActivityCreate,
		InputRead, OrderRead, OrderCreate, PricingRead, LogisticsRead,
		AgScoreRead, AgScoreCreate,
	}),
	model.RoleFarmer: set([]Permission{
		OrgRead, FarmRead, ActivityRead, ActivityCreate,
		InputRead, OrderRead, OrderCreate, PricingRead, LogisticsRead, AgScoreRead,
	}),
	model.RoleViewer: set(readOnly("user", "audit")),
}

// HasPermission reports whether role grants perm.
func HasPermission(role model.Role, perm Permission) bool {
	return matrix[role][perm]
}

// Permissions returns the sorted permission list for role.
func Permissions(role model.Role) []string {
	out := make([]string, 0, len(matrix[role]))
	for p := range matrix[role] {
		out = append(out, string(p))
	}
	slices.Sort(out)
	return out
}

// ValidRole reports whether role is assignable to a user.
func ValidRole(role model.Role) bool {
	_, ok := matrix[role]
	return ok
}

// CanManageRole reports whether an actor holding actor may assign or modify
// users holding target. Only super_admin may touch super_admin; admins may
// manage any role below their own; nobody else manages roles.
func CanManageRole(actor, target model.Role) bool {
	switch actor {
	case model.RoleSuperAdmin:
		return ValidRole(target)
	case model.RoleAdmin:
		return ValidRole(target) && model.RoleRank(target) < model.RoleRank(model.RoleAdmin)
	default:
		return false
	}
}

// Tenant resolution errors.
var (
	ErrOrgNotFound  = errors.New("authz: organization not found")
	ErrOrgForbidden = errors.New("authz: access denied to organization")
	ErrNoMembership = errors.New("authz: user has no active organization")
)

// MembershipStore is the storage surface tenant resolution needs.
type MembershipStore interface {
	OrganizationExists(ctx context.Context, orgID uuid.UUID) (bool, error)
	GetMembership(ctx context.Context, userID, orgID uuid.UUID) (model.Membership, bool, error)
	GetPrimaryMembership(ctx context.Context, userID uuid.UUID) (model.Membership, bool, error)
}

// Tenant is the organization a request acts within and the caller's role there.
type Tenant struct {
	OrgID uuid.UUID
	Role  model.Role
	// CrossTenant is true when a super_admin acts in an org they are not a member of.
	CrossTenant bool
}

// ResolveTenant decides which organization a request acts within.
// requested is the org named by the request (uuid.Nil when absent); tokenOrg is
// the org the token was issued for. A super_admin may act in any organization.
func ResolveTenant(ctx context.Context, store MembershipStore, cache *MembershipCache, userID uuid.UUID, tokenRole model.Role, requested, tokenOrg uuid.UUID) (Tenant, error) {
	orgID := requested
	if orgID == uuid.Nil {
		orgID = tokenOrg
	}

	if orgID == uuid.Nil {
		m, ok, err := store.GetPrimaryMembership(ctx, userID)
		if err != nil {
			return Tenant{}, fmt.Errorf("authz: primary membership: %w", err)
		}
		if !ok {
			return Tenant{}, ErrNoMembership
		}
		return Tenant{OrgID: m.OrganizationID, Role: m.Role}, nil
	}

	m, ok, err := lookupMembership(ctx, store, cache, userID, orgID)
	if err != nil {
		return Tenant{}, err
	}
	if ok {
		return Tenant{OrgID: orgID, Role: m.Role}, nil
	}

	exists, err := store.OrganizationExists(ctx, orgID)
	if err != nil {
		return Tenant{}, fmt.Errorf("authz: organization lookup: %w", err)
	}
	if !exists {
		return Tenant{}, ErrOrgNotFound
	}
	if tokenRole == model.RoleSuperAdmin {
		return Tenant{OrgID: orgID, Role: model.RoleSuperAdmin, CrossTenant: true}, nil
	}
	return Tenant{}, ErrOrgForbidden
}

func lookupMembership(ctx context.Context, store MembershipStore, cache *MembershipCache, userID, orgID uuid.UUID) (model.Membership, bool, error) {
	if cache != nil {
		if m, ok, hit := cache.Get(userID, orgID); hit {
			return m, ok, nil
		}
	}
	m, ok, err := store.GetMembership(ctx, userID, orgID)
	if err != nil {
		return model.Membership{}, false, fmt.Errorf("authz: membership lookup: %w", err)
	}
	if cache != nil {
		cache.Set(userID, orgID, m, ok)
	}
	return m, ok, nil
}
