package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/realclientip/realclientip-go"

	"github.com/magsasa-card/magsasa/internal/auth"
	"github.com/magsasa-card/magsasa/internal/authz"
	"github.com/magsasa-card/magsasa/internal/kaani"
	"github.com/magsasa-card/magsasa/internal/metrics"
	"github.com/magsasa-card/magsasa/internal/model"
	"github.com/magsasa-card/magsasa/internal/partner"
	"github.com/magsasa-card/magsasa/internal/signup"
	"github.com/magsasa-card/magsasa/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	memberships         *authz.MembershipCache
	keyCache            *partner.KeyCache
	kaani               *kaani.Engine
	signup              *signup.Service
	metrics             *metrics.Service
	ipStrategy          realclientip.Strategy
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	features            map[string]bool
	now                 func() time.Time
	newPartnerKey       func() (rawKey, prefix string, err error)
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Memberships, KeyCache, Metrics, IPStrategy, Signup.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Memberships         *authz.MembershipCache
	KeyCache            *partner.KeyCache
	Kaani               *kaani.Engine
	Signup              *signup.Service
	Metrics             *metrics.Service
	IPStrategy          realclientip.Strategy
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	// Features are reported by /api/system/info.
	Features map[string]bool
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	ip := d.IPStrategy
	if ip == nil {
		ip = realclientip.RemoteAddrStrategy{}
	}
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		memberships:         d.Memberships,
		keyCache:            d.KeyCache,
		kaani:               d.Kaani,
		signup:              d.Signup,
		metrics:             d.Metrics,
		ipStrategy:          ip,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		features:            d.Features,
		now:                 time.Now,
		newPartnerKey:       model.GenerateRawKey,
	}
}

func (h *Handlers) clientIP(r *http.Request) string {
	return h.ipStrategy.ClientIP(r.Header, r.RemoteAddr)
}

// decode reads a bounded JSON body and writes the error response on failure.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeJSON(w, r, target, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return false
	}
	return true
}

// HandleHealth handles GET /health, /api/health and /api/status.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		dbStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}
	h.metrics.ObserveHealth(dbStatus == "connected")

	writeJSON(w, r, httpStatus, map[string]any{
		"status":    status,
		"service":   "magsasa-card",
		"version":   h.version,
		"database":  dbStatus,
		"uptime":    int64(time.Since(h.startedAt).Seconds()),
		"timestamp": h.now().UTC(),
	})
}

// HandleSystemInfo handles GET /api/system/info (super_admin).
func (h *Handlers) HandleSystemInfo(w http.ResponseWriter, r *http.Request) {
	counts, err := h.db.GetSystemCounts(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to load system counts", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"version": h.version,
		"runtime": map[string]any{
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
			"num_cpu":    runtime.NumCPU(),
		},
		"uptime":   int64(time.Since(h.startedAt).Seconds()),
		"counts":   counts,
		"features": h.features,
		"provider": h.kaani.Provider().Name(),
	})
}

// systemOrgCode is the internal organization the seeded super_admin belongs to.
const systemOrgCode = "SYSTEM"

// SeedAdmin creates the initial super_admin account when a password is
// configured and no user with that username exists yet.
func (h *Handlers) SeedAdmin(ctx context.Context, username, email, password string) error {
	if password == "" {
		h.logger.Info("no admin password configured, skipping admin seed")
		return nil
	}
	if _, err := h.db.GetUserByLogin(ctx, username); err == nil {
		h.logger.Info("admin user exists, skipping admin seed", "username", username)
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("seed admin: lookup user: %w", err)
	}

	org, err := h.db.GetOrganizationByCode(ctx, systemOrgCode)
	if errors.Is(err, storage.ErrNotFound) {
		org, err = h.db.CreateOrganization(ctx, model.Organization{
			Name: "MAGSASA-CARD System",
			Code: systemOrgCode,
			Type: model.OrgInternal,
		})
	}
	if err != nil {
		return fmt.Errorf("seed admin: ensure system org: %w", err)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("seed admin: hash password: %w", err)
	}
	_, err = h.db.CreateUserWithMembership(ctx, model.User{
		Username:      username,
		Email:         email,
		PasswordHash:  hash,
		FirstName:     "System",
		LastName:      "Administrator",
		Role:          model.RoleSuperAdmin,
		Status:        model.UserActive,
		EmailVerified: true,
	}, org.ID, model.RoleSuperAdmin)
	if err != nil {
		return fmt.Errorf("seed admin: create user: %w", err)
	}

	h.logger.Info("seeded initial super admin", "username", username, "org_id", org.ID)
	return nil
}

// --- Shared helpers ---

// writeInternalError logs err and writes a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// writeStorageError maps storage.ErrNotFound to a 404 with notFoundMsg and
// anything else to a 500.
func (h *Handlers) writeStorageError(w http.ResponseWriter, r *http.Request, err error, notFoundMsg, internalMsg string) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, notFoundMsg)
		return
	}
	h.writeInternalError(w, r, internalMsg, err)
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.PathValue(name)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", name, raw)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// queryPage reads page/per_page and returns them with the matching offset.
func queryPage(r *http.Request, defaultPerPage, maxPerPage int) (page, perPage, offset int) {
	page = max(queryInt(r, "page", 1), 1)
	perPage = min(max(queryInt(r, "per_page", defaultPerPage), 1), maxPerPage)
	return page, perPage, min((page-1)*perPage, maxQueryOffset)
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: expected RFC3339 format (e.g. 2024-01-01T00:00:00Z)", key)
	}
	return &t, nil
}

// queryDate accepts YYYY-MM-DD or RFC3339.
func queryDate(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return &t, nil
	}
	return queryTime(r, key)
}

func queryBool(r *http.Request, key string) *bool {
	v := strings.ToLower(r.URL.Query().Get(key))
	switch v {
	case "true", "1", "yes":
		b := true
		return &b
	case "false", "0", "no":
		b := false
		return &b
	}
	return nil
}

func queryFloat(r *http.Request, key string) (*float64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %s", key, v)
	}
	return &f, nil
}

func queryUUID(r *http.Request, key string) (uuid.UUID, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", key, v)
	}
	return id, nil
}

// missingFields takes alternating field names and values and returns the
// names whose value is blank.
func missingFields(kv ...string) []string {
	var out []string
	for i := 0; i+1 < len(kv); i += 2 {
		if strings.TrimSpace(kv[i+1]) == "" {
			out = append(out, kv[i])
		}
	}
	return out
}

func writeMissingFields(w http.ResponseWriter, r *http.Request, missing []string) {
	msg := missing[0] + " is required"
	if len(missing) > 1 {
		msg = "Missing required fields: " + strings.Join(missing, ", ")
	}
	writeErrorDetails(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, msg,
		map[string]any{"missing_fields": missing})
}
