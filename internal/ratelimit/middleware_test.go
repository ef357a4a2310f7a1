package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magsasa-card/magsasa/internal/model"
)

type errLimiter struct{}

func (errLimiter) Allow(context.Context, string) (bool, error) { return false, errors.New("boom") }
func (errLimiter) Close() error                                { return nil }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	lim := NewMemoryLimiter(1, 1)
	defer closeLimiter(t, lim)

	h := Middleware(lim, func(*http.Request) string { return "ip:1" },
		func(*http.Request) string { return "req-1" }, slog.Default())(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	var body model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
	assert.Equal(t, "req-1", body.Meta.RequestID)
	assert.WithinDuration(t, time.Now(), body.Meta.Timestamp, time.Minute)
}

func TestMiddlewareFailsOpen(t *testing.T) {
	h := Middleware(errLimiter{}, func(*http.Request) string { return "k" }, nil, slog.Default())(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMiddlewareEmptyKeySkips(t *testing.T) {
	lim := NewMemoryLimiter(0.001, 1)
	defer closeLimiter(t, lim)
	h := Middleware(lim, func(*http.Request) string { return "" }, nil, slog.Default())(okHandler())
	for range 3 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
}

func TestIPKeyFunc(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.5:4242"
	r.Header.Set("X-Forwarded-For", "198.51.100.9, 93.184.216.34")

	assert.Equal(t, "ip:10.0.0.5", IPKeyFunc(ClientIPStrategy(false))(r))
	assert.Equal(t, "ip:93.184.216.34", IPKeyFunc(ClientIPStrategy(true))(r))
}
