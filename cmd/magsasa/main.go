package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/magsasa-card/magsasa/internal/auth"
	"github.com/magsasa-card/magsasa/internal/authz"
	"github.com/magsasa-card/magsasa/internal/config"
	"github.com/magsasa-card/magsasa/internal/kaani"
	"github.com/magsasa-card/magsasa/internal/mcp"
	"github.com/magsasa-card/magsasa/internal/metrics"
	"github.com/magsasa-card/magsasa/internal/partner"
	"github.com/magsasa-card/magsasa/internal/ratelimit"
	"github.com/magsasa-card/magsasa/internal/server"
	"github.com/magsasa-card/magsasa/internal/signup"
	"github.com/magsasa-card/magsasa/internal/storage"
	"github.com/magsasa-card/magsasa/internal/telemetry"
	"github.com/magsasa-card/magsasa/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

const (
	membershipCacheSize = 10_000
	membershipCacheTTL  = time.Minute
	partnerKeyCacheSize = 10_000
)

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		return 1
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	slog.Info("magsasa starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(context.Background())

	// RunMigrations tracks applied files in schema_migrations and skips
	// duplicates, so an error here is a real failure.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	engine := kaani.NewEngine(newDiagnosisProvider(cfg, logger), db, logger)

	var mailer signup.Mailer = signup.LogMailer{Logger: logger}
	if cfg.SMTPHost != "" {
		mailer = signup.NewSMTPMailer(signup.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
	} else {
		logger.Info("smtp: disabled, verification links are logged")
	}
	signupSvc := signup.New(db, mailer, cfg.BaseURL, logger)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}
	defer func() { _ = limiter.Close() }()

	var metricsSvc *metrics.Service
	if cfg.MetricsEnabled {
		metricsSvc = metrics.NewService()
		metricsSvc.RegisterPool(db.Pool().Stat)
	}

	// The usage recorder outlives the signal context so requests still in
	// flight during shutdown are recorded before Drain.
	usage := partner.NewUsageRecorder(db, cfg.PartnerUsageQueueSize, logger)
	usage.Start(context.Background())

	memberships := authz.NewMembershipCache(membershipCacheSize, membershipCacheTTL)
	keyCache := partner.NewKeyCache(partnerKeyCacheSize, partner.DefaultCacheTTL)

	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Kaani:               engine,
		Logger:              logger,
		Memberships:         memberships,
		KeyCache:            keyCache,
		PartnerUsage:        usage,
		Signup:              signupSvc,
		Metrics:             metricsSvc,
		Limiter:             limiter,
		MCPServer:           mcp.New(db, logger, version).MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		TrustProxy:          cfg.TrustProxy,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
		Features: map[string]bool{
			"openai_diagnosis": cfg.OpenAIAPIKey != "",
			"smtp":             cfg.SMTPHost != "",
			"rate_limiting":    cfg.RateLimitEnabled,
			"metrics":          cfg.MetricsEnabled,
			"otel":             cfg.OTELEndpoint != "",
			"cache_broadcast":  db.HasNotify(),
		},
	})

	if err := srv.Handlers().SeedAdmin(ctx, cfg.AdminUsername, cfg.AdminEmail, cfg.AdminPassword); err != nil {
		slog.Warn("admin seed failed", "error", err)
	}

	// Loops stop before the deferred db.Close runs, including when the
	// server exits with an error rather than a signal.
	jobsCtx, stopJobs := context.WithCancel(ctx)
	defer stopJobs()

	jobs := jobs{db: db, logger: logger, cfg: cfg}
	go jobs.idempotencyCleanupLoop(jobsCtx)
	go jobs.pricingRollupLoop(jobsCtx)
	go jobs.sessionExpiryLoop(jobsCtx)
	go jobs.partnerKeyExpiryLoop(jobsCtx, srv.Handlers())
	go jobs.retentionLoop(jobsCtx)
	if db.HasNotify() {
		go jobs.invalidationListener(jobsCtx, srv.Handlers())
	} else {
		logger.Info("cache invalidation broadcast: disabled (no notify connection)")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout: (1) stop accepting
	// requests and drain in-flight ones, (2) flush queued partner usage rows.
	slog.Info("magsasa shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	usageCtx, usageCancel := context.WithTimeout(context.Background(), 10*time.Second)
	usage.Drain(usageCtx)
	usageCancel()
	if n := usage.Dropped(); n > 0 {
		slog.Warn("partner usage rows dropped while queue was full", "count", n)
	}

	slog.Info("magsasa stopped")
	return nil
}

// newDiagnosisProvider selects OpenAI when a key is configured and the
// offline mock otherwise.
func newDiagnosisProvider(cfg config.Config, logger *slog.Logger) kaani.Provider {
	if cfg.OpenAIAPIKey == "" {
		logger.Warn("kaani provider: mock (no MAGSASA_OPENAI_API_KEY)")
		return kaani.MockProvider{}
	}
	logger.Info("kaani provider: openai", "model", cfg.OpenAIModel)
	return kaani.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL, cfg.OpenAITimeout)
}
