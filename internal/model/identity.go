package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the RBAC role a user holds within an organization.
type Role string

const (
	RoleSuperAdmin   Role = "super_admin"
	RoleAdmin        Role = "admin"
	RoleManager      Role = "manager"
	RoleFieldOfficer Role = "field_officer"
	RoleFarmer       Role = "farmer"
	RoleViewer       Role = "viewer"
)

// Roles lists every user role from most to least privileged.
var Roles = []Role{RoleSuperAdmin, RoleAdmin, RoleManager, RoleFieldOfficer, RoleFarmer, RoleViewer}

// RoleRank returns the numeric rank of a role (higher = more privileges).
func RoleRank(r Role) int {
	switch r {
	case RoleSuperAdmin:
		return 6
	case RoleAdmin:
		return 5
	case RoleManager:
		return 4
	case RoleFieldOfficer:
		return 3
	case RoleFarmer:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole Role) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// UserStatus is the lifecycle state of a user account.
type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserInactive  UserStatus = "inactive"
	UserSuspended UserStatus = "suspended"
	UserPending   UserStatus = "pending"
)

// ValidUserStatus reports whether s is a known user status.
func ValidUserStatus(s UserStatus) bool {
	switch s {
	case UserActive, UserInactive, UserSuspended, UserPending:
		return true
	}
	return false
}

// OrgType classifies an organization.
type OrgType string

const (
	OrgInternal OrgType = "internal"
	OrgPartner  OrgType = "partner"
	OrgClient   OrgType = "client"
)

// Organization is a tenant.
type Organization struct {
	ID           uuid.UUID      `json:"id"`
	Name         string         `json:"name"`
	Code         string         `json:"code"`
	Type         OrgType        `json:"type"`
	Description  string         `json:"description,omitempty"`
	ContactEmail string         `json:"contact_email,omitempty"`
	ContactPhone string         `json:"contact_phone,omitempty"`
	Address      string         `json:"address,omitempty"`
	Status       string         `json:"status"`
	Settings     map[string]any `json:"settings,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// User is a person who signs in to the JWT API.
type User struct {
	ID                  uuid.UUID  `json:"id"`
	Username            string     `json:"username"`
	Email               string     `json:"email"`
	PasswordHash        string     `json:"-"`
	FirstName           string     `json:"first_name"`
	LastName            string     `json:"last_name"`
	Phone               string     `json:"phone,omitempty"`
	Role                Role       `json:"role"`
	Status              UserStatus `json:"status"`
	EmailVerified       bool       `json:"email_verified"`
	FailedLoginAttempts int        `json:"failed_login_attempts"`
	LockedUntil         *time.Time `json:"locked_until,omitempty"`
	LastLogin           *time.Time `json:"last_login,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// FullName joins first and last name.
func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// IsLocked reports whether the account is locked at time now.
func (u User) IsLocked(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// Membership links a user to an organization with a role.
type Membership struct {
	ID             uuid.UUID `json:"id"`
	UserID         uuid.UUID `json:"user_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	OrgName        string    `json:"organization_name,omitempty"`
	Role           Role      `json:"role"`
	IsPrimary      bool      `json:"is_primary"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// Session records a refresh-token login.
type Session struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	TokenID   string    `json:"-"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	IsActive  bool      `json:"is_active"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidateUsername checks that a username is 3-64 characters of letters,
// digits, dots, hyphens and underscores.
func ValidateUsername(name string) error {
	if len(name) < 3 || len(name) > 64 {
		return fmt.Errorf("username must be between 3 and 64 characters")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' {
			return fmt.Errorf("username contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}

// ValidateOrgCode checks that an organization code is 2-32 upper-case
// letters, digits or hyphens.
func ValidateOrgCode(code string) error {
	if len(code) < 2 || len(code) > 32 {
		return fmt.Errorf("code must be between 2 and 32 characters")
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '-' {
			return fmt.Errorf("code contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
