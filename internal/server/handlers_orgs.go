package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/magsasa-card/magsasa/internal/auth"
	"github.com/magsasa-card/magsasa/internal/authz"
	"github.com/magsasa-card/magsasa/internal/ctxutil"
	"github.com/magsasa-card/magsasa/internal/model"
	"github.com/magsasa-card/magsasa/internal/storage"
)

// isSuperAdmin reports whether the token belongs to a super_admin.
func isSuperAdmin(r *http.Request) bool {
	c := ctxutil.ClaimsFromContext(r.Context())
	return c != nil && c.Role == model.RoleSuperAdmin
}

// orgRole returns the caller's role in orgID. A super_admin holds
// super_admin everywhere.
func (h *Handlers) orgRole(r *http.Request, orgID uuid.UUID) (model.Role, bool, error) {
	if isSuperAdmin(r) {
		return model.RoleSuperAdmin, true, nil
	}
	if t := ctxutil.TenantFromContext(r.Context()); t.OrgID == orgID && t.Role != "" {
		return t.Role, true, nil
	}
	m, ok, err := h.db.GetMembership(r.Context(), ctxutil.UserIDFromContext(r.Context()), orgID)
	if err != nil || !ok {
		return "", false, err
	}
	return m.Role, true, nil
}

// authorizeOrg resolves the {id} path org and checks the caller holds perm
// there. It writes the error response and returns false on failure.
func (h *Handlers) authorizeOrg(w http.ResponseWriter, r *http.Request, perm authz.Permission) (uuid.UUID, model.Role, bool) {
	orgID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return uuid.Nil, "", false
	}
	exists, err := h.db.OrganizationExists(r.Context(), orgID)
	if err != nil {
		h.writeInternalError(w, r, "failed to look up organization", err)
		return uuid.Nil, "", false
	}
	if !exists {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "Organization not found")
		return uuid.Nil, "", false
	}
	role, ok, err := h.orgRole(r, orgID)
	if err != nil {
		h.writeInternalError(w, r, "failed to look up membership", err)
		return uuid.Nil, "", false
	}
	if !ok {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "Access denied to organization")
		return uuid.Nil, "", false
	}
	if !authz.HasPermission(role, perm) {
		writeErrorDetails(w, r, http.StatusForbidden, model.ErrCodeForbidden, "insufficient permissions",
			map[string]string{"required_permission": string(perm)})
		return uuid.Nil, "", false
	}
	return orgID, role, true
}

func (h *Handlers) invalidateMembership(userID, orgID uuid.UUID) {
	if h.memberships != nil {
		h.memberships.Invalidate(userID, orgID)
	}
	h.publishInvalidation(invalidateMembership + ":" + userID.String() + ":" + orgID.String())
}

func validOrgStatus(s string) bool {
	switch s {
	case "active", "inactive", "suspended":
		return true
	}
	return false
}

// HandleListOrganizations handles GET /api/organizations.
func (h *Handlers) HandleListOrganizations(w http.ResponseWriter, r *http.Request) {
	if isSuperAdmin(r) {
		limit, offset := queryLimit(r, 50), queryOffset(r)
		orgs, total, err := h.db.ListOrganizations(r.Context(), limit, offset)
		if err != nil {
			h.writeInternalError(w, r, "failed to list organizations", err)
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]any{
			"organizations": orgs,
			"pagination":    model.NewListPage(total, limit, offset),
		})
		return
	}
	orgs, err := h.db.ListUserOrganizations(r.Context(), ctxutil.UserIDFromContext(r.Context()))
	if err != nil {
		h.writeInternalError(w, r, "failed to list organizations", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"organizations": orgs,
		"pagination":    model.NewListPage(len(orgs), len(orgs), 0),
	})
}

type createOrgRequest struct {
	Name         string         `json:"name"`
	Code         string         `json:"code"`
	Type         model.OrgType  `json:"type"`
	Description  string         `json:"description"`
	ContactEmail string         `json:"contact_email"`
	ContactPhone string         `json:"contact_phone"`
	Address      string         `json:"address"`
	Settings     map[string]any `json:"settings"`
}

// HandleCreateOrganization handles POST /api/organizations (super_admin).
func (h *Handlers) HandleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req createOrgRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	if missing := missingFields("name", req.Name, "code", req.Code); len(missing) > 0 {
		writeMissingFields(w, r, missing)
		return
	}
	if err := model.ValidateOrgCode(req.Code); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	switch req.Type {
	case "":
		req.Type = model.OrgClient
	case model.OrgInternal, model.OrgPartner, model.OrgClient:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "type must be one of internal, partner, client")
		return
	}

	org, err := h.db.CreateOrganization(r.Context(), model.Organization{
		Name:         strings.TrimSpace(req.Name),
		Code:         req.Code,
		Type:         req.Type,
		Description:  req.Description,
		ContactEmail: req.ContactEmail,
		ContactPhone: req.ContactPhone,
		Address:      req.Address,
		Settings:     req.Settings,
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "Organization code already exists")
			return
		}
		h.writeInternalError(w, r, "failed to create organization", err)
		return
	}
	h.recordAudit(r, h.buildAuditEntry(r, org.ID, "create", "organization", org.ID.String(), nil, org, nil))
	writeJSON(w, r, http.StatusCreated, org)
}

// HandleGetOrganization handles GET /api/organizations/{id}.
func (h *Handlers) HandleGetOrganization(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := h.authorizeOrg(w, r, authz.OrgRead)
	if !ok {
		return
	}
	org, err := h.db.GetOrganization(r.Context(), orgID)
	if err != nil {
		h.writeStorageError(w, r, err, "Organization not found", "failed to load organization")
		return
	}
	writeJSON(w, r, http.StatusOK, org)
}

// HandleUpdateOrganization handles PUT /api/organizations/{id}.
func (h *Handlers) HandleUpdateOrganization(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := h.authorizeOrg(w, r, authz.OrgUpdate)
	if !ok {
		return
	}
	var req storage.OrganizationUpdate
	if !h.decode(w, r, &req) {
		return
	}
	if req.Status != nil && !validOrgStatus(*req.Status) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "status must be one of active, inactive, suspended")
		return
	}
	before, after, err := h.db.UpdateOrganization(r.Context(), orgID, req)
	if err != nil {
		h.writeStorageError(w, r, err, "Organization not found", "failed to update organization")
		return
	}
	h.recordAudit(r, h.buildAuditEntry(r, orgID, "update", "organization", orgID.String(), before, after, nil))
	writeJSON(w, r, http.StatusOK, after)
}

// HandleDeleteOrganization handles DELETE /api/organizations/{id} (super_admin).
// Organizations are deactivated, never removed.
func (h *Handlers) HandleDeleteOrganization(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := h.db.DeactivateOrganization(r.Context(), orgID); err != nil {
		h.writeStorageError(w, r, err, "Organization not found", "failed to deactivate organization")
		return
	}
	if h.memberships != nil {
		h.memberships.InvalidateAll()
	}
	h.publishInvalidation(invalidateAll)
	h.recordAudit(r, h.buildAuditEntry(r, orgID, "delete", "organization", orgID.String(), nil,
		map[string]string{"status": "inactive"}, nil))
	writeJSON(w, r, http.StatusOK, map[string]string{"message": "Organization deactivated successfully"})
}

// HandleListOrgUsers handles GET /api/organizations/{id}/users.
func (h *Handlers) HandleListOrgUsers(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := h.authorizeOrg(w, r, authz.UserRead)
	if !ok {
		return
	}
	h.listUsers(w, r, orgID)
}

type addMemberRequest struct {
	UserID uuid.UUID  `json:"user_id"`
	Role   model.Role `json:"role"`
}

// HandleAddOrgUser handles POST /api/organizations/{id}/users.
func (h *Handlers) HandleAddOrgUser(w http.ResponseWriter, r *http.Request) {
	orgID, actorRole, ok := h.authorizeOrg(w, r, authz.UserCreate)
	if !ok {
		return
	}
	var req addMemberRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.UserID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "user_id is required")
		return
	}
	if !authz.ValidRole(req.Role) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "Invalid role")
		return
	}
	if !authz.CanManageRole(actorRole, req.Role) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "cannot assign role "+string(req.Role))
		return
	}
	if _, err := h.db.GetUserByID(r.Context(), req.UserID); err != nil {
		h.writeStorageError(w, r, err, "User not found", "failed to load user")
		return
	}

	m, err := h.db.AddMembership(r.Context(), req.UserID, orgID, req.Role)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "User is already a member of this organization")
			return
		}
		h.writeInternalError(w, r, "failed to add membership", err)
		return
	}
	h.invalidateMembership(req.UserID, orgID)
	h.recordAudit(r, h.buildAuditEntry(r, orgID, "create", "membership", m.ID.String(), nil, m, nil))
	writeJSON(w, r, http.StatusCreated, m)
}

type changeRoleRequest struct {
	Role model.Role `json:"role"`
}

// HandleUpdateOrgUser handles PUT /api/organizations/{id}/users/{user_id}.
func (h *Handlers) HandleUpdateOrgUser(w http.ResponseWriter, r *http.Request) {
	orgID, actorRole, ok := h.authorizeOrg(w, r, authz.UserUpdate)
	if !ok {
		return
	}
	userID, err := pathUUID(r, "user_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req changeRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !authz.ValidRole(req.Role) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "Invalid role")
		return
	}
	h.changeRole(w, r, orgID, userID, actorRole, req.Role)
}

func (h *Handlers) changeRole(w http.ResponseWriter, r *http.Request, orgID, userID uuid.UUID, actorRole, role model.Role) {
	current, err := h.db.GetOrgUser(r.Context(), orgID, userID)
	if err != nil {
		h.writeStorageError(w, r, err, "User not found in organization", "failed to load member")
		return
	}
	if !authz.CanManageRole(actorRole, current.OrgRole) || !authz.CanManageRole(actorRole, role) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "cannot assign role "+string(role))
		return
	}
	prev, err := h.db.UpdateMembershipRole(r.Context(), userID, orgID, role)
	if err != nil {
		h.writeStorageError(w, r, err, "User not found in organization", "failed to update role")
		return
	}
	h.invalidateMembership(userID, orgID)
	h.recordAudit(r, h.buildAuditEntry(r, orgID, "update", "membership", userID.String(),
		map[string]any{"role": prev}, map[string]any{"role": role}, nil))
	writeJSON(w, r, http.StatusOK, map[string]any{
		"user_id":         userID,
		"organization_id": orgID,
		"previous_role":   prev,
		"role":            role,
	})
}

// HandleRemoveOrgUser handles DELETE /api/organizations/{id}/users/{user_id}.
func (h *Handlers) HandleRemoveOrgUser(w http.ResponseWriter, r *http.Request) {
	orgID, actorRole, ok := h.authorizeOrg(w, r, authz.UserDelete)
	if !ok {
		return
	}
	userID, err := pathUUID(r, "user_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	current, err := h.db.GetOrgUser(r.Context(), orgID, userID)
	if err != nil {
		h.writeStorageError(w, r, err, "User not found in organization", "failed to load member")
		return
	}
	if !authz.CanManageRole(actorRole, current.OrgRole) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "cannot remove a "+string(current.OrgRole))
		return
	}
	if err := h.db.RemoveMembership(r.Context(), userID, orgID); err != nil {
		h.writeStorageError(w, r, err, "User not found in organization", "failed to remove member")
		return
	}
	h.invalidateMembership(userID, orgID)
	h.recordAudit(r, h.buildAuditEntry(r, orgID, "delete", "membership", userID.String(),
		map[string]any{"role": current.OrgRole}, nil, nil))
	writeJSON(w, r, http.StatusOK, map[string]string{"message": "User removed from organization"})
}

// HandleOrganizationStats handles GET /api/organizations/{id}/stats.
func (h *Handlers) HandleOrganizationStats(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := h.authorizeOrg(w, r, authz.OrgRead)
	if !ok {
		return
	}
	stats, err := h.db.GetOrganizationStats(r.Context(), orgID)
	if err != nil {
		h.writeStorageError(w, r, err, "Organization not found", "failed to load organization stats")
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// --- /api/users (active organization) ---

func (h *Handlers) listUsers(w http.ResponseWriter, r *http.Request, orgID uuid.UUID) {
	status := model.UserStatus(r.URL.Query().Get("status"))
	if status != "" && !model.ValidUserStatus(status) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid status filter")
		return
	}
	limit, offset := queryLimit(r, 50), queryOffset(r)
	users, total, err := h.db.ListOrgUsers(r.Context(), orgID, storage.UserFilter{
		Role:   model.Role(r.URL.Query().Get("role")),
		Status: status,
		Search: strings.TrimSpace(r.URL.Query().Get("search")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to list users", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"users":      users,
		"pagination": model.NewListPage(total, limit, offset),
	})
}

// HandleListUsers handles GET /api/users.
func (h *Handlers) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	h.listUsers(w, r, ctxutil.OrgIDFromContext(r.Context()))
}

// HandleUserStats handles GET /api/users/stats.
func (h *Handlers) HandleUserStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.db.GetUserStats(r.Context(), ctxutil.OrgIDFromContext(r.Context()))
	if err != nil {
		h.writeInternalError(w, r, "failed to load user stats", err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// loadOrgUser reads {id} and returns the member of the active organization.
func (h *Handlers) loadOrgUser(w http.ResponseWriter, r *http.Request) (storage.OrgUser, bool) {
	userID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return storage.OrgUser{}, false
	}
	u, err := h.db.GetOrgUser(r.Context(), ctxutil.OrgIDFromContext(r.Context()), userID)
	if err != nil {
		h.writeStorageError(w, r, err, "User not found", "failed to load user")
		return storage.OrgUser{}, false
	}
	return u, true
}

// manageable writes a 403 unless the caller may manage target.
func manageable(w http.ResponseWriter, r *http.Request, target storage.OrgUser) bool {
	if !authz.CanManageRole(ctxutil.RoleFromContext(r.Context()), target.OrgRole) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "cannot manage a "+string(target.OrgRole))
		return false
	}
	return true
}

// HandleGetUser handles GET /api/users/{id}.
func (h *Handlers) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	u, ok := h.loadOrgUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, u)
}

type updateUserRequest struct {
	storage.UserUpdate
	Role *model.Role `json:"role"`
}

// HandleUpdateUser handles PUT /api/users/{id}.
func (h *Handlers) HandleUpdateUser(w http.ResponseWriter, r *http.Request) {
	target, ok := h.loadOrgUser(w, r)
	if !ok || !manageable(w, r, target) {
		return
	}
	var req updateUserRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Status != nil && !model.ValidUserStatus(*req.Status) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid status")
		return
	}
	if req.Role != nil {
		if !authz.ValidRole(*req.Role) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "Invalid role")
			return
		}
		if !authz.CanManageRole(ctxutil.RoleFromContext(r.Context()), *req.Role) {
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "cannot assign role "+string(*req.Role))
			return
		}
	}

	orgID := ctxutil.OrgIDFromContext(r.Context())
	before, after, err := h.db.UpdateUser(r.Context(), target.ID, req.UserUpdate)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "Email already exists")
			return
		}
		h.writeStorageError(w, r, err, "User not found", "failed to update user")
		return
	}
	role := target.OrgRole
	if req.Role != nil && *req.Role != target.OrgRole {
		if _, err := h.db.UpdateMembershipRole(r.Context(), target.ID, orgID, *req.Role); err != nil {
			h.writeInternalError(w, r, "failed to update role", err)
			return
		}
		h.invalidateMembership(target.ID, orgID)
		role = *req.Role
	}
	if after.Status != model.UserActive && before.Status == model.UserActive {
		if err := h.db.DeactivateUserSessions(r.Context(), target.ID); err != nil {
			h.logger.Warn("failed to end sessions of disabled user", "error", err, "user_id", target.ID)
		}
	}

	h.audit(r, "update", "user", target.ID.String(),
		map[string]any{"user": before, "role": target.OrgRole},
		map[string]any{"user": after, "role": role}, nil)
	writeJSON(w, r, http.StatusOK, storage.OrgUser{User: after, OrgRole: role, IsPrimary: target.IsPrimary})
}

// HandleDeleteUser handles DELETE /api/users/{id}. Accounts are deactivated.
func (h *Handlers) HandleDeleteUser(w http.ResponseWriter, r *http.Request) {
	target, ok := h.loadOrgUser(w, r)
	if !ok {
		return
	}
	if target.ID == ctxutil.UserIDFromContext(r.Context()) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "Cannot deactivate your own account")
		return
	}
	if !manageable(w, r, target) {
		return
	}
	inactive := model.UserInactive
	before, after, err := h.db.UpdateUser(r.Context(), target.ID, storage.UserUpdate{Status: &inactive})
	if err != nil {
		h.writeStorageError(w, r, err, "User not found", "failed to deactivate user")
		return
	}
	if err := h.db.DeactivateUserSessions(r.Context(), target.ID); err != nil {
		h.logger.Warn("failed to end sessions of deactivated user", "error", err, "user_id", target.ID)
	}
	h.audit(r, "delete", "user", target.ID.String(), before, after, nil)
	writeJSON(w, r, http.StatusOK, map[string]string{"message": "User deactivated successfully"})
}

type resetPasswordRequest struct {
	NewPassword string `json:"new_password"`
}

// HandleResetPassword handles POST /api/users/{id}/reset-password.
func (h *Handlers) HandleResetPassword(w http.ResponseWriter, r *http.Request) {
	target, ok := h.loadOrgUser(w, r)
	if !ok || !manageable(w, r, target) {
		return
	}
	var req resetPasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := auth.ValidatePassword(req.NewPassword); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash password", err)
		return
	}
	if err := h.db.UpdatePassword(r.Context(), target.ID, hash); err != nil {
		h.writeStorageError(w, r, err, "User not found", "failed to reset password")
		return
	}
	if err := h.db.DeactivateUserSessions(r.Context(), target.ID); err != nil {
		h.logger.Warn("failed to end sessions after password reset", "error", err, "user_id", target.ID)
	}
	h.audit(r, "PASSWORD_RESET", "user", target.ID.String(), nil, nil, nil)
	writeJSON(w, r, http.StatusOK, map[string]string{"message": "Password reset successfully"})
}

// HandleUnlockUser handles POST /api/users/{id}/unlock.
func (h *Handlers) HandleUnlockUser(w http.ResponseWriter, r *http.Request) {
	target, ok := h.loadOrgUser(w, r)
	if !ok || !manageable(w, r, target) {
		return
	}
	if err := h.db.UnlockUser(r.Context(), target.ID); err != nil {
		h.writeStorageError(w, r, err, "User not found", "failed to unlock user")
		return
	}
	h.audit(r, "USER_UNLOCKED", "user", target.ID.String(),
		map[string]any{"failed_login_attempts": target.FailedLoginAttempts, "locked_until": target.LockedUntil}, nil, nil)
	writeJSON(w, r, http.StatusOK, map[string]string{"message": "User unlocked successfully"})
}
