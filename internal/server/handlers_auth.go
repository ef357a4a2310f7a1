package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/magsasa-card/magsasa/internal/auth"
	"github.com/magsasa-card/magsasa/internal/authz"
	"github.com/magsasa-card/magsasa/internal/ctxutil"
	"github.com/magsasa-card/magsasa/internal/model"
	"github.com/magsasa-card/magsasa/internal/signup"
	"github.com/magsasa-card/magsasa/internal/storage"
)

// Lockout policy for repeated password failures.
const (
	maxLoginAttempts = 5
	lockoutDuration  = 30 * time.Minute
)

type registerRequest struct {
	Username       string     `json:"username"`
	Email          string     `json:"email"`
	Password       string     `json:"password"`
	FirstName      string     `json:"first_name"`
	LastName       string     `json:"last_name"`
	Phone          string     `json:"phone"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	Role           model.Role `json:"role"`
}

// HandleRegister handles POST /api/auth/register (admin or super_admin).
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	orgID := ""
	if req.OrganizationID != uuid.Nil {
		orgID = req.OrganizationID.String()
	}
	if missing := missingFields(
		"username", req.Username, "email", req.Email, "password", req.Password,
		"first_name", req.FirstName, "last_name", req.LastName,
		"organization_id", orgID, "role", string(req.Role),
	); len(missing) > 0 {
		writeMissingFields(w, r, missing)
		return
	}
	if !authz.ValidRole(req.Role) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "Invalid role")
		return
	}
	if err := model.ValidateUsername(req.Username); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := signup.ValidateEmail(req.Email); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "Invalid email format")
		return
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	tenant := ctxutil.TenantFromContext(r.Context())
	if !authz.CanManageRole(tenant.Role, req.Role) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "cannot assign role "+string(req.Role))
		return
	}
	if tenant.Role != model.RoleSuperAdmin && req.OrganizationID != tenant.OrgID {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "Access denied to organization")
		return
	}
	exists, err := h.db.OrganizationExists(r.Context(), req.OrganizationID)
	if err != nil {
		h.writeInternalError(w, r, "failed to look up organization", err)
		return
	}
	if !exists {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "Organization not found")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash password", err)
		return
	}
	user, err := h.db.CreateUserWithMembership(r.Context(), model.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Phone:        req.Phone,
		Role:         req.Role,
		Status:       model.UserActive,
	}, req.OrganizationID, req.Role)
	if err != nil {
		var conflict *storage.ConflictError
		if errors.As(err, &conflict) {
			msg := "Username already exists"
			if conflict.Constraint == "users_email_key" {
				msg = "Email already exists"
			}
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, msg)
			return
		}
		h.writeInternalError(w, r, "failed to create user", err)
		return
	}

	h.recordAudit(r, h.buildAuditEntry(r, req.OrganizationID, "USER_REGISTERED", "user", user.ID.String(),
		nil, user, map[string]any{"role": req.Role}))
	writeJSON(w, r, http.StatusCreated, map[string]any{
		"message": "User registered successfully",
		"user":    user,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// HandleLogin handles POST /api/auth/login.
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}
	login := strings.TrimSpace(req.Username)
	if login == "" {
		login = strings.TrimSpace(req.Email)
	}
	if login == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "Username and password required")
		return
	}

	user, err := h.db.GetUserByLogin(r.Context(), login)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			h.writeInternalError(w, r, "failed to look up user", err)
			return
		}
		auth.DummyVerify()
		h.loginFailed(r, uuid.Nil, nil, login, "unknown_user")
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "Invalid credentials")
		return
	}

	membership, hasMembership, err := h.db.GetPrimaryMembership(r.Context(), user.ID)
	if err != nil {
		h.writeInternalError(w, r, "failed to load membership", err)
		return
	}
	orgID, role := uuid.Nil, user.Role
	if hasMembership {
		orgID, role = membership.OrganizationID, membership.Role
	}

	if user.IsLocked(h.now()) {
		h.loginFailed(r, orgID, &user.ID, login, "locked")
		writeError(w, r, http.StatusLocked, model.ErrCodeLocked, "Account is locked. Please try again later.")
		return
	}

	ok, err := auth.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil {
		h.writeInternalError(w, r, "failed to verify password", err)
		return
	}
	if !ok {
		attempts, locked, err := h.db.RecordFailedLogin(r.Context(), user.ID, maxLoginAttempts, lockoutDuration)
		if err != nil {
			h.logger.Error("failed to record failed login", "error", err, "user_id", user.ID)
		}
		reason := "invalid_password"
		if locked {
			reason = "locked_after_attempts"
			h.logger.Warn("account locked after failed logins", "user_id", user.ID, "attempts", attempts)
		}
		h.loginFailed(r, orgID, &user.ID, login, reason)
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "Invalid credentials")
		return
	}

	if user.Status != model.UserActive {
		h.loginFailed(r, orgID, &user.ID, login, "inactive")
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "Account is not active")
		return
	}

	if err := h.db.RecordSuccessfulLogin(r.Context(), user.ID); err != nil {
		h.writeInternalError(w, r, "failed to record login", err)
		return
	}

	access, err := h.jwtMgr.IssueAccessToken(user, orgID, role)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue access token", err)
		return
	}
	refresh, err := h.jwtMgr.IssueRefreshToken(user, orgID, role)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue refresh token", err)
		return
	}
	session, err := h.db.CreateSession(r.Context(), model.Session{
		UserID:    user.ID,
		TokenID:   refresh.ID,
		IPAddress: h.clientIP(r),
		UserAgent: r.UserAgent(),
		ExpiresAt: refresh.ExpiresAt,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to create session", err)
		return
	}

	h.metrics.ObserveLogin("success")
	e := h.buildAuditEntry(r, orgID, "LOGIN_SUCCESS", "user", user.ID.String(), nil, nil,
		map[string]any{"session_id": session.ID.String()})
	e.ActorUserID, e.ActorRole = &user.ID, string(role)
	h.recordAudit(r, e)

	writeJSON(w, r, http.StatusOK, map[string]any{
		"access_token":  access.Token,
		"refresh_token": refresh.Token,
		"token_type":    "Bearer",
		"expires_in":    int64(h.jwtMgr.AccessTTL().Seconds()),
		"user":          user,
		"session_id":    session.ID,
		"organization":  map[string]any{"id": orgID, "role": role},
	})
}

func (h *Handlers) loginFailed(r *http.Request, orgID uuid.UUID, userID *uuid.UUID, login, reason string) {
	h.metrics.ObserveLogin("failed")
	e := h.buildAuditEntry(r, orgID, "LOGIN_FAILED", "user", login, nil, nil, map[string]any{"reason": reason})
	e.ActorUserID = userID
	h.recordAudit(r, e)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// HandleRefresh handles POST /api/auth/refresh.
func (h *Handlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "refresh_token is required")
		return
	}
	claims, err := h.jwtMgr.ValidateToken(req.RefreshToken)
	if err != nil || claims.TokenType != auth.TokenRefresh {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "Invalid refresh token")
		return
	}
	revoked, err := h.db.IsTokenRevoked(r.Context(), claims.ID)
	if err != nil {
		h.writeInternalError(w, r, "failed to check token revocation", err)
		return
	}
	if revoked {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "Token has been revoked")
		return
	}

	user, err := h.db.GetUserByID(r.Context(), claims.UserID())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "Invalid refresh token")
			return
		}
		h.writeInternalError(w, r, "failed to load user", err)
		return
	}
	if user.Status != model.UserActive {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "Account is not active")
		return
	}

	// The role may have changed since the refresh token was issued.
	role := claims.Role
	if claims.OrgID != uuid.Nil {
		m, ok, err := h.db.GetMembership(r.Context(), user.ID, claims.OrgID)
		if err != nil {
			h.writeInternalError(w, r, "failed to load membership", err)
			return
		}
		if !ok && user.Role != model.RoleSuperAdmin {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "No active organization membership")
			return
		}
		if ok {
			role = m.Role
		}
	}

	access, err := h.jwtMgr.IssueAccessToken(user, claims.OrgID, role)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue access token", err)
		return
	}

	e := h.buildAuditEntry(r, claims.OrgID, "TOKEN_REFRESHED", "user", user.ID.String(), nil, nil, nil)
	e.ActorUserID, e.ActorRole = &user.ID, string(role)
	h.recordAudit(r, e)

	writeJSON(w, r, http.StatusOK, map[string]any{
		"access_token": access.Token,
		"token_type":   "Bearer",
		"expires_in":   int64(h.jwtMgr.AccessTTL().Seconds()),
	})
}

type logoutRequest struct {
	SessionID    *uuid.UUID `json:"session_id"`
	RefreshToken string     `json:"refresh_token"`
}

// HandleLogout handles POST /api/auth/logout. The body is optional.
func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	userID := claims.UserID()

	var req logoutRequest
	if r.ContentLength != 0 {
		if !h.decode(w, r, &req) {
			return
		}
	}

	if err := h.db.RevokeToken(r.Context(), claims.ID, userID, claims.ExpiresAt.Time); err != nil {
		h.writeInternalError(w, r, "failed to revoke token", err)
		return
	}
	if req.RefreshToken != "" {
		rc, err := h.jwtMgr.ValidateToken(req.RefreshToken)
		if err == nil && rc.TokenType == auth.TokenRefresh && rc.UserID() == userID {
			if err := h.db.RevokeToken(r.Context(), rc.ID, userID, rc.ExpiresAt.Time); err != nil {
				h.writeInternalError(w, r, "failed to revoke refresh token", err)
				return
			}
		}
	}
	if req.SessionID != nil {
		if err := h.db.DeactivateSession(r.Context(), userID, *req.SessionID); err != nil {
			h.writeInternalError(w, r, "failed to end session", err)
			return
		}
	}

	h.audit(r, "LOGOUT", "user", userID.String(), nil, nil, nil)
	writeJSON(w, r, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

// HandleGetProfile handles GET /api/auth/profile.
func (h *Handlers) HandleGetProfile(w http.ResponseWriter, r *http.Request) {
	userID := ctxutil.UserIDFromContext(r.Context())
	user, err := h.db.GetUserByID(r.Context(), userID)
	if err != nil {
		h.writeStorageError(w, r, err, "User not found", "failed to load profile")
		return
	}
	memberships, err := h.db.ListUserMemberships(r.Context(), userID)
	if err != nil {
		h.writeInternalError(w, r, "failed to load memberships", err)
		return
	}
	tenant := ctxutil.TenantFromContext(r.Context())
	writeJSON(w, r, http.StatusOK, map[string]any{
		"user":                   user,
		"organizations":          memberships,
		"active_organization_id": tenant.OrgID,
		"role":                   tenant.Role,
	})
}

type profileUpdate struct {
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	Phone     *string `json:"phone"`
}

// HandleUpdateProfile handles PUT /api/auth/profile.
func (h *Handlers) HandleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileUpdate
	if !h.decode(w, r, &req) {
		return
	}
	userID := ctxutil.UserIDFromContext(r.Context())
	before, after, err := h.db.UpdateUser(r.Context(), userID, storage.UserUpdate{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
	})
	if err != nil {
		h.writeStorageError(w, r, err, "User not found", "failed to update profile")
		return
	}
	h.audit(r, "update", "user", userID.String(), before, after, nil)
	writeJSON(w, r, http.StatusOK, map[string]any{"message": "Profile updated successfully", "user": after})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// HandleChangePassword handles POST /api/auth/change-password.
func (h *Handlers) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "current_password and new_password are required")
		return
	}
	if err := auth.ValidatePassword(req.NewPassword); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	userID := ctxutil.UserIDFromContext(r.Context())
	user, err := h.db.GetUserByID(r.Context(), userID)
	if err != nil {
		h.writeStorageError(w, r, err, "User not found", "failed to load user")
		return
	}
	ok, err := auth.VerifyPassword(req.CurrentPassword, user.PasswordHash)
	if err != nil {
		h.writeInternalError(w, r, "failed to verify password", err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "Current password is incorrect")
		return
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash password", err)
		return
	}
	if err := h.db.UpdatePassword(r.Context(), userID, hash); err != nil {
		h.writeInternalError(w, r, "failed to update password", err)
		return
	}
	if err := h.db.DeactivateUserSessions(r.Context(), userID); err != nil {
		h.logger.Warn("failed to end sessions after password change", "error", err, "user_id", userID)
	}

	h.audit(r, "PASSWORD_CHANGED", "user", userID.String(), nil, nil, nil)
	writeJSON(w, r, http.StatusOK, map[string]string{"message": "Password changed successfully"})
}

// HandlePermissions handles GET /api/auth/permissions.
func (h *Handlers) HandlePermissions(w http.ResponseWriter, r *http.Request) {
	tenant := ctxutil.TenantFromContext(r.Context())
	writeJSON(w, r, http.StatusOK, map[string]any{
		"role":            tenant.Role,
		"organization_id": tenant.OrgID,
		"permissions":     authz.Permissions(tenant.Role),
	})
}

type verifyEmailRequest struct {
	Token string `json:"token"`
}

// HandleVerifyEmail handles POST /api/auth/verify-email.
func (h *Handlers) HandleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.verifyToken(w, r, req.Token)
}

// HandleVerify handles GET /api/verify?token=.
func (h *Handlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	h.verifyToken(w, r, r.URL.Query().Get("token"))
}

func (h *Handlers) verifyToken(w http.ResponseWriter, r *http.Request, token string) {
	if strings.TrimSpace(token) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "Verification token required")
		return
	}
	userID, err := h.signup.Verify(r.Context(), token)
	if err != nil {
		if errors.Is(err, signup.ErrInvalidToken) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "Invalid verification token")
			return
		}
		h.writeInternalError(w, r, "failed to verify email", err)
		return
	}
	e := h.buildAuditEntry(r, uuid.Nil, "EMAIL_VERIFIED", "user", userID.String(), nil, nil, nil)
	e.ActorUserID = &userID
	h.recordAudit(r, e)
	writeJSON(w, r, http.StatusOK, map[string]any{"message": "Email verified successfully", "user_id": userID})
}

// HandleSignup handles POST /api/signup.
func (h *Handlers) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req signup.Input
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.signup.Signup(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, signup.ErrInvalidEmail), errors.Is(err, signup.ErrWeakPassword), errors.Is(err, signup.ErrOrgNameRequired):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	case errors.Is(err, signup.ErrEmailTaken):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
		return
	default:
		h.writeInternalError(w, r, "signup failed", err)
		return
	}

	e := h.buildAuditEntry(r, res.OrgID, "ORGANIZATION_SIGNUP", "organization", res.OrgID.String(), nil, res, nil)
	e.ActorUserID = &res.UserID
	h.recordAudit(r, e)
	writeJSON(w, r, http.StatusCreated, res)
}
