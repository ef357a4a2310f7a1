package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/justinas/alice"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/rs/cors"

	"github.com/magsasa-card/magsasa/internal/auth"
	"github.com/magsasa-card/magsasa/internal/authz"
	"github.com/magsasa-card/magsasa/internal/ctxutil"
	"github.com/magsasa-card/magsasa/internal/kaani"
	"github.com/magsasa-card/magsasa/internal/metrics"
	"github.com/magsasa-card/magsasa/internal/model"
	"github.com/magsasa-card/magsasa/internal/partner"
	"github.com/magsasa-card/magsasa/internal/ratelimit"
	"github.com/magsasa-card/magsasa/internal/signup"
	"github.com/magsasa-card/magsasa/internal/storage"
)

const partnerPrefix = "/api/partners/"

// Server is the MAGSASA-CARD HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Memberships, KeyCache, PartnerUsage, Signup,
// Metrics, Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	DB     *storage.DB
	JWTMgr *auth.JWTManager
	Kaani  *kaani.Engine
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Memberships  *authz.MembershipCache
	KeyCache     *partner.KeyCache
	PartnerUsage *partner.UsageRecorder
	Signup       *signup.Service
	Metrics      *metrics.Service
	Limiter      ratelimit.Limiter
	MCPServer    *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	TrustProxy          bool
	CORSAllowedOrigins  []string
	Features            map[string]bool
}

// routes registers handlers on the mux, instrumenting each under its pattern.
type routes struct {
	mux     *http.ServeMux
	metrics *metrics.Service
}

func (rt routes) handle(pattern string, chain alice.Chain, h http.HandlerFunc) {
	rt.mux.Handle(pattern, rt.metrics.Route(pattern, chain.ThenFunc(h)))
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	ip := ratelimit.ClientIPStrategy(cfg.TrustProxy)
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Memberships:         cfg.Memberships,
		KeyCache:            cfg.KeyCache,
		Kaani:               cfg.Kaani,
		Signup:              cfg.Signup,
		Metrics:             cfg.Metrics,
		IPStrategy:          ip,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		Features:            cfg.Features,
	})
	partnerAuth := partner.NewAuthenticator(cfg.DB, cfg.KeyCache, ip, cfg.PartnerUsage, cfg.Logger)

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Chains. Login-style routes are limited per IP, authenticated routes per user.
	public := alice.New()
	authRL := alice.New(ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc(ip), reqIDFunc, cfg.Logger))
	authed := alice.New(
		authMiddleware(cfg.JWTMgr, cfg.DB, cfg.Memberships, cfg.Logger),
		ratelimit.Middleware(cfg.Limiter, userKeyFunc, reqIDFunc, cfg.Logger),
	)
	perm := func(p authz.Permission) alice.Chain { return authed.Append(requirePermission(p)) }
	roles := func(rs ...model.Role) alice.Chain { return authed.Append(requireRole(rs...)) }
	partners := func(types ...model.PartnerType) alice.Chain {
		return alice.New(partnerAuth.Require(types...), h.observePartner)
	}
	admins := roles(model.RoleSuperAdmin, model.RoleAdmin)
	superAdmin := roles(model.RoleSuperAdmin)

	mux := http.NewServeMux()
	rt := routes{mux: mux, metrics: cfg.Metrics}

	// Auth and signup.
	rt.handle("POST /api/auth/login", authRL, h.HandleLogin)
	rt.handle("POST /api/auth/refresh", authRL, h.HandleRefresh)
	rt.handle("POST /api/auth/verify-email", authRL, h.HandleVerifyEmail)
	rt.handle("POST /api/signup", authRL, h.HandleSignup)
	rt.handle("GET /api/verify", authRL, h.HandleVerify)
	rt.handle("POST /api/auth/register", admins, h.HandleRegister)
	rt.handle("POST /api/auth/logout", authed, h.HandleLogout)
	rt.handle("GET /api/auth/profile", authed, h.HandleGetProfile)
	rt.handle("PUT /api/auth/profile", authed, h.HandleUpdateProfile)
	rt.handle("POST /api/auth/change-password", authed, h.HandleChangePassword)
	rt.handle("GET /api/auth/permissions", authed, h.HandlePermissions)

	// Organizations. Per-org routes check the path org themselves.
	rt.handle("GET /api/organizations", perm(authz.OrgRead), h.HandleListOrganizations)
	rt.handle("POST /api/organizations", superAdmin, h.HandleCreateOrganization)
	rt.handle("GET /api/organizations/{id}", authed, h.HandleGetOrganization)
	rt.handle("PUT /api/organizations/{id}", authed, h.HandleUpdateOrganization)
	rt.handle("DELETE /api/organizations/{id}", superAdmin, h.HandleDeleteOrganization)
	rt.handle("GET /api/organizations/{id}/users", authed, h.HandleListOrgUsers)
	rt.handle("POST /api/organizations/{id}/users", authed, h.HandleAddOrgUser)
	rt.handle("PUT /api/organizations/{id}/users/{user_id}", authed, h.HandleUpdateOrgUser)
	rt.handle("DELETE /api/organizations/{id}/users/{user_id}", authed, h.HandleRemoveOrgUser)
	rt.handle("GET /api/organizations/{id}/stats", authed, h.HandleOrganizationStats)

	// Users of the active organization.
	rt.handle("GET /api/users", perm(authz.UserRead), h.HandleListUsers)
	rt.handle("GET /api/users/stats", perm(authz.UserRead), h.HandleUserStats)
	rt.handle("GET /api/users/{id}", perm(authz.UserRead), h.HandleGetUser)
	rt.handle("PUT /api/users/{id}", perm(authz.UserUpdate), h.HandleUpdateUser)
	rt.handle("DELETE /api/users/{id}", perm(authz.UserDelete), h.HandleDeleteUser)
	rt.handle("POST /api/users/{id}/reset-password", admins, h.HandleResetPassword)
	rt.handle("POST /api/users/{id}/unlock", admins, h.HandleUnlockUser)
	rt.handle("GET /api/audit", perm(authz.AuditRead), h.HandleListAudit)

	// Farm records.
	rt.handle("GET /api/farmers", perm(authz.FarmerRead), h.HandleListFarmers)
	rt.handle("POST /api/farmers", perm(authz.FarmerCreate), h.HandleCreateFarmer)
	rt.handle("GET /api/farmers/{id}", perm(authz.FarmerRead), h.HandleGetFarmer)
	rt.handle("PUT /api/farmers/{id}", perm(authz.FarmerUpdate), h.HandleUpdateFarmer)
	rt.handle("GET /api/farms", roles(model.RoleSuperAdmin, model.RoleAdmin, model.RoleManager, model.RoleFieldOfficer), h.HandleListFarms)
	rt.handle("POST /api/farms", perm(authz.FarmCreate), h.HandleCreateFarm)
	rt.handle("GET /api/farms/{id}", perm(authz.FarmRead), h.HandleGetFarm)
	rt.handle("POST /api/farms/{id}/crops", perm(authz.FarmUpdate), h.HandleCreateCrop)
	rt.handle("POST /api/activities", perm(authz.ActivityCreate), h.HandleCreateActivity)
	rt.handle("GET /api/activities", perm(authz.ActivityRead), h.HandleListActivities)
	rt.handle("POST /api/harvests", perm(authz.ActivityCreate), h.HandleCreateHarvest)
	rt.handle("GET /api/harvests", perm(authz.ActivityRead), h.HandleListHarvests)
	rt.handle("GET /api/dashboard/stats", perm(authz.FarmerRead), h.HandleDashboardStats)

	// Pricing.
	rt.handle("GET /api/pricing/health", public, h.HandlePricingHealth)
	rt.handle("GET /api/pricing/inputs", perm(authz.PricingRead), h.HandleListInputs)
	rt.handle("POST /api/pricing/inputs", perm(authz.InputCreate), h.HandleCreateInput)
	rt.handle("GET /api/pricing/inputs/{id}", perm(authz.PricingRead), h.HandleGetInput)
	rt.handle("PUT /api/pricing/inputs/{id}/price", perm(authz.PricingUpdate), h.HandleUpdateInputPrice)
	rt.handle("POST /api/pricing/calculate-order", perm(authz.PricingRead), h.HandleCalculateOrder)
	rt.handle("GET /api/pricing/market-comparison", perm(authz.PricingRead), h.HandleMarketComparison)
	rt.handle("GET /api/pricing/analytics", perm(authz.AnalyticsRead), h.HandlePricingAnalytics)
	rt.handle("POST /api/pricing/analytics/rollup", admins, h.HandlePricingRollup)
	rt.handle("GET /api/pricing/history/{id}", perm(authz.PricingRead), h.HandlePricingHistory)

	// Logistics.
	rt.handle("GET /api/logistics/options", perm(authz.LogisticsRead), h.HandleListLogisticsOptions)
	rt.handle("POST /api/logistics/options", perm(authz.LogisticsCreate), h.HandleCreateLogisticsOption)
	rt.handle("POST /api/logistics/calculate", perm(authz.LogisticsRead), h.HandleCalculateLogistics)
	rt.handle("POST /api/logistics/estimate", perm(authz.LogisticsRead), h.HandleEstimateLogistics)
	rt.handle("GET /api/logistics/deliveries/{code}/tracking", perm(authz.LogisticsRead), h.HandleDeliveryTracking)

	// Orders.
	rt.handle("GET /api/orders/health", public, h.HandleOrdersHealth)
	rt.handle("POST /api/orders", perm(authz.OrderCreate), h.HandleCreateOrder)
	rt.handle("GET /api/orders/stats", perm(authz.OrderRead), h.HandleOrderStats)
	rt.handle("GET /api/orders/farmer/{farmer_id}", perm(authz.OrderRead), h.HandleListFarmerOrders)
	rt.handle("GET /api/orders/{id}", perm(authz.OrderRead), h.HandleGetOrder)
	rt.handle("PUT /api/orders/{id}/status", perm(authz.OrderUpdate), h.HandleUpdateOrderStatus)
	rt.handle("GET /api/reports/orders", perm(authz.AnalyticsExport), h.HandleOrdersReport)

	// Partner key management.
	manage := perm(authz.PartnerManage)
	rt.handle("GET /api/partner-management/api-keys", manage, h.HandleListPartnerKeys)
	rt.handle("POST /api/partner-management/api-keys", manage, h.HandleCreatePartnerKey)
	rt.handle("GET /api/partner-management/api-keys/{id}", manage, h.HandleGetPartnerKey)
	rt.handle("PUT /api/partner-management/api-keys/{id}", manage, h.HandleUpdatePartnerKey)
	rt.handle("POST /api/partner-management/api-keys/{id}/revoke", manage, h.HandleRevokePartnerKey)
	rt.handle("GET /api/partner-management/analytics/overview", manage, h.HandlePartnerOverview)

	// Partner API, authenticated by X-API-Key.
	rt.handle("GET /api/partners/health", public, h.HandlePartnerHealth)
	rt.handle("GET /api/partners/auth/verify", partners(), h.HandlePartnerVerify)
	rt.handle("GET /api/partners/analytics/usage", partners(), h.HandlePartnerUsage)
	supplier := partners(model.PartnerInputSupplier)
	rt.handle("GET /api/partners/input-suppliers/products", supplier, h.HandlePartnerProducts)
	rt.handle("POST /api/partners/input-suppliers/orders", supplier, h.HandlePartnerCreateOrder)
	logistics := partners(model.PartnerLogistics)
	rt.handle("GET /api/partners/logistics/shipments", logistics, h.HandlePartnerShipments)
	rt.handle("PUT /api/partners/logistics/shipments/{id}/status", logistics, h.HandlePartnerShipmentStatus)
	financial := partners(model.PartnerFinancial)
	rt.handle("POST /api/partners/financial/credit-check", financial, h.HandlePartnerCreditCheck)
	rt.handle("POST /api/partners/financial/loans", financial, h.HandlePartnerCreateLoan)
	buyer := partners(model.PartnerBuyerProcessor)
	rt.handle("GET /api/partners/buyers/produce-listings", buyer, h.HandlePartnerProduceListings)
	rt.handle("POST /api/partners/buyers/purchase-orders", buyer, h.HandlePartnerPurchaseOrder)

	// AgScore.
	rt.handle("POST /api/agscore/assess-farmer", perm(authz.AgScoreCreate), h.HandleAssessFarmer)
	rt.handle("GET /api/agscore/farmer/{farmer_id}", perm(authz.AgScoreRead), h.HandleGetFarmerAgScore)
	rt.handle("GET /api/agscore/risk-tier/{farmer_id}", perm(authz.AgScoreRead), h.HandleGetRiskTier)
	rt.handle("GET /api/agscore/farmer/{farmer_id}/history", perm(authz.AgScoreRead), h.HandleAgScoreHistory)

	// KaAni diagnosis, farmer profiles and A/B testing.
	rt.handle("GET /api/kaani/health", public, h.HandleKaaniHealth)
	rt.handle("POST /api/kaani/quick-diagnosis", perm(authz.FarmerRead), h.HandleQuickDiagnosis)
	rt.handle("POST /api/kaani/regular-diagnosis", perm(authz.FarmerRead), h.HandleRegularDiagnosis)
	rt.handle("GET /api/kaani/diagnosis/{session_id}", perm(authz.FarmerRead), h.HandleGetDiagnosis)
	rt.handle("POST /api/farmers/profile", perm(authz.FarmerUpdate), h.HandleCreateFarmerProfile)
	rt.handle("GET /api/farmers/profile/{id}", perm(authz.FarmerRead), h.HandleGetFarmerProfile)
	rt.handle("GET /api/products/kaani-recommended/{farmer_id}", perm(authz.InputRead), h.HandleKaaniRecommended)
	rt.handle("POST /api/products/match-diagnosis", perm(authz.InputRead), h.HandleMatchDiagnosis)
	rt.handle("POST /api/testing/assign-farmer", perm(authz.AnalyticsRead), h.HandleAssignFarmer)
	rt.handle("POST /api/testing/results", perm(authz.AnalyticsRead), h.HandleRecordABResult)
	rt.handle("GET /api/testing/results/{test_name}", perm(authz.AnalyticsRead), h.HandleABTestResults)

	// System.
	rt.handle("GET /health", public, h.HandleHealth)
	rt.handle("GET /api/health", public, h.HandleHealth)
	rt.handle("GET /api/status", public, h.HandleHealth)
	rt.handle("GET /api/system/info", superAdmin, h.HandleSystemInfo)
	rt.handle("GET /api/analytics/dashboard", perm(authz.AnalyticsRead), h.HandleAnalyticsDashboard)
	rt.handle("GET /api/analytics/security", perm(authz.AuditRead), h.HandleSecurityAnalytics)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}

	// MCP StreamableHTTP transport (auth required, pricing readers).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", cfg.Metrics.Route("/mcp", perm(authz.PricingRead).Then(mcpHTTP)))
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → CORS → mux.
	// Auth runs per route inside the mux.
	handler := alice.New(
		requestIDMiddleware,
		securityHeadersMiddleware,
		tracingMiddleware,
		func(next http.Handler) http.Handler { return loggingMiddleware(cfg.Logger, next) },
		func(next http.Handler) http.Handler { return recoveryMiddleware(cfg.Logger, next) },
		corsByPrefix(apiCORS(cfg.CORSAllowedOrigins), partner.CORS()),
	).Then(mux)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// apiCORS allows the configured browser origins on the JWT API. With no
// origins configured cross-origin requests get no CORS headers.
func apiCORS(origins []string) alice.Constructor {
	if len(origins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Organization-ID", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           60 * 60,
	}).Handler
}

// corsByPrefix applies the partner CORS policy under /api/partners/ and the
// API policy everywhere else. Preflights are answered before routing.
func corsByPrefix(api, partners alice.Constructor) alice.Constructor {
	return func(next http.Handler) http.Handler {
		apiH, partnerH := api(next), partners(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, partnerPrefix) {
				partnerH.ServeHTTP(w, r)
				return
			}
			apiH.ServeHTTP(w, r)
		})
	}
}

// userKeyFunc keys the authenticated rate limit by user. Administrators are
// exempt.
func userKeyFunc(r *http.Request) string {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	switch ctxutil.RoleFromContext(r.Context()) {
	case model.RoleSuperAdmin, model.RoleAdmin:
		return ""
	}
	return "user:" + claims.UserID().String()
}

// Handlers returns the underlying Handlers for access to SeedAdmin etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
