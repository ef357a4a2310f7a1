package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/realclientip/realclientip-go"

	"github.com/magsasa-card/magsasa/internal/model"
)

// KeyFunc extracts the rate limit key from a request.
// Returns empty string to skip rate limiting for this request.
type KeyFunc func(r *http.Request) string

// RequestIDFunc extracts the request ID from the request context.
// Injected by the caller to avoid a dependency on the server package.
type RequestIDFunc func(r *http.Request) string

// Middleware returns HTTP middleware that enforces limiter per keyFunc.
// Limiter errors are logged and the request is let through.
func Middleware(limiter Limiter, keyFunc KeyFunc, reqIDFunc RequestIDFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ok, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("ratelimit: limiter error, allowing request", "error", err, "key", key)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				w.Header().Set("Retry-After", "1")
				var requestID string
				if reqIDFunc != nil {
					requestID = reqIDFunc(r)
				}
				writeRateLimitError(w, requestID)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeRateLimitError writes a rate-limit error using the standard API error envelope.
func writeRateLimitError(w http.ResponseWriter, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeRateLimited,
			Message: "too many requests",
		},
		Meta: model.ResponseMeta{
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	})
}

// ClientIPStrategy returns the strategy used to resolve the client address.
// With trustProxy the rightmost non-private X-Forwarded-For entry wins, so a
// client cannot spoof its address by prepending entries. Without it only
// RemoteAddr is used.
func ClientIPStrategy(trustProxy bool) realclientip.Strategy {
	if trustProxy {
		xff, err := realclientip.NewRightmostNonPrivateStrategy("X-Forwarded-For")
		if err == nil {
			return realclientip.NewChainStrategy(xff, realclientip.RemoteAddrStrategy{})
		}
	}
	return realclientip.RemoteAddrStrategy{}
}

// IPKeyFunc keys requests by client IP as resolved by strategy.
func IPKeyFunc(strategy realclientip.Strategy) KeyFunc {
	return func(r *http.Request) string {
		ip := strategy.ClientIP(r.Header, r.RemoteAddr)
		if ip == "" {
			return ""
		}
		return "ip:" + ip
	}
}
