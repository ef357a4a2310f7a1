// Package partner authenticates partner integrations by API key and enforces
// their per-key limits.
//
// Checks run in a fixed order so a partner can tell from the error code which
// gate refused the call: key presence, key match, key status, partner type,
// rate windows, endpoint allow-list, IP whitelist.
package partner

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/realclientip/realclientip-go"

	"github.com/magsasa-card/magsasa/internal/auth"
	"github.com/magsasa-card/magsasa/internal/model"
	"github.com/magsasa-card/magsasa/internal/storage"
)

// KeyStore is the storage surface the middleware needs.
type KeyStore interface {
	GetPartnerKeysByPrefix(ctx context.Context, prefix string) ([]model.PartnerAPIKey, error)
	MarkPartnerKeyExpired(ctx context.Context, id uuid.UUID) error
	CountUsageWindows(ctx context.Context, keyID uuid.UUID, now time.Time) (storage.UsageWindows, error)
}

type contextKey struct{}

// WithKey returns a context carrying the authenticated partner key.
func WithKey(ctx context.Context, k model.PartnerAPIKey) context.Context {
	return context.WithValue(ctx, contextKey{}, k)
}

// KeyFromContext returns the partner key set by the middleware.
func KeyFromContext(ctx context.Context) (model.PartnerAPIKey, bool) {
	k, ok := ctx.Value(contextKey{}).(model.PartnerAPIKey)
	return k, ok
}

// Authenticator builds partner middleware.
type Authenticator struct {
	store  KeyStore
	cache  *KeyCache
	ip     realclientip.Strategy
	usage  *UsageRecorder
	logger *slog.Logger
	now    func() time.Time
}

// NewAuthenticator wires an Authenticator. cache and usage may be nil.
func NewAuthenticator(store KeyStore, cache *KeyCache, ip realclientip.Strategy, usage *UsageRecorder, logger *slog.Logger) *Authenticator {
	if ip == nil {
		ip = realclientip.RemoteAddrStrategy{}
	}
	return &Authenticator{store: store, cache: cache, ip: ip, usage: usage, logger: logger, now: time.Now}
}

// ClientIP resolves the caller address with the configured strategy.
func (a *Authenticator) ClientIP(r *http.Request) string {
	return a.ip.ClientIP(r.Header, r.RemoteAddr)
}

// Require returns middleware that admits only keys of the given partner
// types. With no types any partner type is admitted.
func (a *Authenticator) Require(types ...model.PartnerType) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := a.now()

			raw := extractKey(r)
			if raw == "" {
				WriteError(w, http.StatusUnauthorized, model.ErrCodeMissingAPIKey, "API key is required", nil)
				return
			}

			key, ok, err := a.lookup(r.Context(), raw)
			if err != nil {
				a.logger.Error("partner: key lookup failed", "error", err)
				WriteError(w, http.StatusInternalServerError, model.ErrCodeInternalError, "Authentication failed", nil)
				return
			}
			if !ok {
				WriteError(w, http.StatusUnauthorized, model.ErrCodeInvalidAPIKey, "Invalid API key", nil)
				return
			}

			if key.Status == model.KeyActive && key.IsExpired(start) {
				a.expire(r.Context(), key)
				key.Status = model.KeyExpired
			}
			if key.Status != model.KeyActive {
				WriteError(w, http.StatusUnauthorized, model.ErrCodeInactiveAPIKey, fmt.Sprintf("API key is %s", key.Status), nil)
				return
			}

			if len(types) > 0 && !slices.Contains(types, key.PartnerType) {
				WriteError(w, http.StatusForbidden, model.ErrCodePartnerTypeNotAllowed,
					fmt.Sprintf("Partner type %s is not allowed to access this endpoint", key.PartnerType), nil)
				return
			}

			windows, err := a.store.CountUsageWindows(r.Context(), key.ID, start)
			if err != nil {
				a.logger.Error("partner: count usage windows", "error", err, "api_key_id", key.ID)
				WriteError(w, http.StatusInternalServerError, model.ErrCodeInternalError, "Rate limit check failed", nil)
				return
			}
			if window := exceededWindow(key, windows); window != "" {
				setRateHeaders(w, key, windows, 0)
				WriteError(w, http.StatusTooManyRequests, model.ErrCodeRateLimitExceeded,
					fmt.Sprintf("Rate limit exceeded (per %s)", window), nil)
				return
			}

			if !key.AllowsEndpoint(r.URL.Path) {
				WriteError(w, http.StatusForbidden, model.ErrCodeEndpointAccessDenied, "Access to this endpoint is not allowed", nil)
				return
			}

			clientIP := a.ClientIP(r)
			if !key.AllowsIP(clientIP) {
				WriteError(w, http.StatusForbidden, model.ErrCodeIPNotAllowed, "Requests from this IP address are not allowed", nil)
				return
			}

			setRateHeaders(w, key, windows, 1)
			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(WithKey(r.Context(), key)))

			if a.usage != nil {
				a.usage.Record(usageLog(r, key, clientIP, rec, start, a.now()))
			}
		})
	}
}

// extractKey reads X-API-Key, falling back to Authorization with an
// optional "Bearer " prefix.
func extractKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("X-API-Key")); k != "" {
		return k
	}
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}

// lookup resolves a raw key to its record. Every candidate sharing the
// prefix is compared against the hash in constant time.
func (a *Authenticator) lookup(ctx context.Context, raw string) (model.PartnerAPIKey, bool, error) {
	prefix, err := model.KeyPrefix(raw)
	if err != nil {
		return model.PartnerAPIKey{}, false, nil
	}

	candidates, hit := []model.PartnerAPIKey(nil), false
	if a.cache != nil {
		candidates, hit = a.cache.Get(prefix)
	}
	if !hit {
		candidates, err = a.store.GetPartnerKeysByPrefix(ctx, prefix)
		if err != nil {
			return model.PartnerAPIKey{}, false, err
		}
		if a.cache != nil {
			a.cache.Set(prefix, candidates)
		}
	}

	for _, k := range candidates {
		if auth.VerifyPartnerKey(raw, k.KeyHash) {
			return k, true, nil
		}
	}
	return model.PartnerAPIKey{}, false, nil
}

func (a *Authenticator) expire(ctx context.Context, key model.PartnerAPIKey) {
	if err := a.store.MarkPartnerKeyExpired(ctx, key.ID); err != nil {
		a.logger.Warn("partner: mark key expired", "error", err, "api_key_id", key.ID)
	}
	if a.cache != nil {
		a.cache.Invalidate(key.KeyPrefix)
	}
}

// exceededWindow names the first window at or over its limit, or "".
func exceededWindow(k model.PartnerAPIKey, w storage.UsageWindows) string {
	switch {
	case w.Minute >= k.RateLimitPerMinute:
		return "minute"
	case w.Hour >= k.RateLimitPerHour:
		return "hour"
	case w.Day >= k.RateLimitPerDay:
		return "day"
	}
	return ""
}

// setRateHeaders reports the minute and hour windows. pending is the number
// of requests about to be served on top of the counted ones.
func setRateHeaders(w http.ResponseWriter, k model.PartnerAPIKey, u storage.UsageWindows, pending int) {
	h := w.Header()
	h.Set("X-RateLimit-Limit-Minute", strconv.Itoa(k.RateLimitPerMinute))
	h.Set("X-RateLimit-Remaining-Minute", strconv.Itoa(max(0, k.RateLimitPerMinute-u.Minute-pending)))
	h.Set("X-RateLimit-Limit-Hour", strconv.Itoa(k.RateLimitPerHour))
	h.Set("X-RateLimit-Remaining-Hour", strconv.Itoa(max(0, k.RateLimitPerHour-u.Hour-pending)))
}

type recorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *recorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func usageLog(r *http.Request, k model.PartnerAPIKey, ip string, rec *recorder, start, end time.Time) model.UsageLog {
	var details map[string]any
	if r.URL.RawQuery != "" {
		details = map[string]any{"query": r.URL.RawQuery}
	}
	return model.UsageLog{
		APIKeyID:       k.ID,
		Endpoint:       r.URL.Path,
		Method:         r.Method,
		StatusCode:     rec.status,
		ResponseTimeMS: float64(end.Sub(start).Microseconds()) / 1000,
		IPAddress:      ip,
		UserAgent:      r.UserAgent(),
		RequestSize:    max(0, r.ContentLength),
		ResponseSize:   rec.bytes,
		Details:        details,
		CreatedAt:      start.UTC(),
	}
}
