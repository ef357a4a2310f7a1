package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"

	"github.com/magsasa-card/magsasa/internal/config"
	"github.com/magsasa-card/magsasa/internal/model"
	"github.com/magsasa-card/magsasa/internal/server"
	"github.com/magsasa-card/magsasa/internal/storage"
)

const (
	sessionExpiryInterval    = 5 * time.Minute
	partnerKeyExpiryInterval = time.Minute
	retentionInterval        = 24 * time.Hour
	retentionBatchSize       = 5000
)

// jobs owns the periodic maintenance loops. Each loop exits when ctx is
// cancelled and logs failures without stopping.
type jobs struct {
	db     *storage.DB
	logger *slog.Logger
	cfg    config.Config
}

// every runs fn on each tick until ctx is done. fn gets a bounded context
// so a stuck query cannot pin the loop.
func (j jobs) every(ctx context.Context, interval, timeout time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			fn(runCtx)
			cancel()
		}
	}
}

func (j jobs) idempotencyCleanupLoop(ctx context.Context) {
	j.every(ctx, j.cfg.IdempotencyCleanupInterval, 30*time.Second, func(ctx context.Context) {
		deleted, err := j.db.CleanupIdempotencyKeys(ctx, j.cfg.IdempotencyCompletedTTL, j.cfg.IdempotencyInProgressTTL)
		if err != nil {
			j.logger.Warn("idempotency cleanup failed", "error", err)
			return
		}
		if deleted > 0 {
			j.logger.Info("idempotency cleanup", "deleted", deleted)
		}
	})
}

// pricingRollupLoop refreshes the daily, weekly and monthly price analytics
// buckets containing today.
func (j jobs) pricingRollupLoop(ctx context.Context) {
	j.every(ctx, j.cfg.AnalyticsRollupInterval, 2*time.Minute, func(ctx context.Context) {
		today := time.Now().UTC()
		for _, period := range []string{model.PeriodDaily, model.PeriodWeekly, model.PeriodMonthly} {
			n, err := j.db.RollupPricingAnalytics(ctx, period, today)
			if err != nil {
				j.logger.Warn("pricing rollup failed", "period", period, "error", err)
				continue
			}
			j.logger.Debug("pricing rollup", "period", period, "rows", n)
		}
	})
}

func (j jobs) sessionExpiryLoop(ctx context.Context) {
	j.every(ctx, sessionExpiryInterval, 30*time.Second, func(ctx context.Context) {
		expired, err := j.db.ExpireSessions(ctx)
		if err != nil {
			j.logger.Warn("session expiry failed", "error", err)
		}
		purged, err := j.db.PurgeRevokedTokens(ctx)
		if err != nil {
			j.logger.Warn("revoked token purge failed", "error", err)
		}
		if expired > 0 || purged > 0 {
			j.logger.Info("session cleanup", "expired_sessions", expired, "purged_tokens", purged)
		}
	})
}

// partnerKeyExpiryLoop flips keys past expires_at to expired and drops
// cached partner keys here and on every other instance.
func (j jobs) partnerKeyExpiryLoop(ctx context.Context, h *server.Handlers) {
	j.every(ctx, partnerKeyExpiryInterval, 30*time.Second, func(ctx context.Context) {
		ids, err := j.db.ExpirePartnerKeys(ctx)
		if err != nil {
			j.logger.Warn("partner key expiry failed", "error", err)
			return
		}
		if len(ids) == 0 {
			return
		}
		j.logger.Info("partner keys expired", "count", len(ids))
		h.ApplyInvalidation("all")
		if j.db.HasNotify() {
			if err := j.db.Notify(ctx, storage.ChannelCacheInvalidation, "all"); err != nil {
				j.logger.Warn("cache invalidation notify failed", "error", err)
			}
		}
	})
}

func (j jobs) retentionLoop(ctx context.Context) {
	j.every(ctx, retentionInterval, 10*time.Minute, func(ctx context.Context) {
		cutoff := time.Now().UTC().AddDate(0, 0, -j.cfg.UsageRetentionDays)
		c, err := j.db.PurgeExpired(ctx, cutoff, retentionBatchSize)
		if err != nil {
			j.logger.Warn("retention purge failed", "error", err, "usage_logs", c.UsageLogs)
			return
		}
		j.logger.Info("retention purge",
			"usage_logs", c.UsageLogs,
			"diagnosis_sessions", c.DiagnosisSessions,
			"email_verifications", c.EmailVerifications)
	})
}

// invalidationListener applies cache invalidations published by other
// instances. Listen errors are retried with exponential backoff.
func (j jobs) invalidationListener(ctx context.Context, h *server.Handlers) {
	b := backoff.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: true}
	for ctx.Err() == nil {
		if err := j.db.Listen(ctx, storage.ChannelCacheInvalidation); err != nil {
			j.logger.Warn("cache invalidation listen failed", "error", err)
			if !sleepCtx(ctx, b.Duration()) {
				return
			}
			continue
		}
		b.Reset()

		for {
			_, payload, err := j.db.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return
				}
				j.logger.Warn("cache invalidation wait failed", "error", err)
				// Another instance may have changed state while we were deaf.
				h.ApplyInvalidation("all")
				if !sleepCtx(ctx, b.Duration()) {
					return
				}
				break
			}
			h.ApplyInvalidation(payload)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
