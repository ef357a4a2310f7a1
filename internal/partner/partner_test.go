package partner

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/realclientip/realclientip-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magsasa-card/magsasa/internal/auth"
	"github.com/magsasa-card/magsasa/internal/model"
	"github.com/magsasa-card/magsasa/internal/storage"
)

type fakeStore struct {
	mu      sync.Mutex
	keys    []model.PartnerAPIKey
	windows storage.UsageWindows
	lookups int
	expired []uuid.UUID
	err     error
}

func (s *fakeStore) GetPartnerKeysByPrefix(_ context.Context, prefix string) ([]model.PartnerAPIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.err != nil {
		return nil, s.err
	}
	var out []model.PartnerAPIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkPartnerKeyExpired(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired = append(s.expired, id)
	return nil
}

func (s *fakeStore) CountUsageWindows(context.Context, uuid.UUID, time.Time) (storage.UsageWindows, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windows, nil
}

type usageSink struct {
	mu   sync.Mutex
	logs []model.UsageLog
}

func (u *usageSink) InsertUsageBatch(_ context.Context, logs []model.UsageLog) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.logs = append(u.logs, logs...)
	return nil
}

func (u *usageSink) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.logs)
}

func newKey(t *testing.T, mutate func(*model.PartnerAPIKey)) (string, model.PartnerAPIKey) {
	t.Helper()
	raw, prefix, err := model.GenerateRawKey()
	require.NoError(t, err)
	k := model.PartnerAPIKey{
		ID:                 uuid.New(),
		OrganizationID:     uuid.New(),
		KeyName:            "test key",
		KeyPrefix:          prefix,
		KeyHash:            auth.HashPartnerKey(raw),
		PartnerType:        model.PartnerLogistics,
		RateLimitPerMinute: 60,
		RateLimitPerHour:   1000,
		RateLimitPerDay:    10000,
		Status:             model.KeyActive,
	}
	if mutate != nil {
		mutate(&k)
	}
	return raw, k
}

func servePartner(a *Authenticator, types []model.PartnerType, req *http.Request) *httptest.ResponseRecorder {
	h := a.Require(types...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		k, _ := KeyFromContext(r.Context())
		WriteSuccess(w, http.StatusOK, "ok", map[string]string{"key_name": k.KeyName})
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) model.PartnerError {
	t.Helper()
	var body model.PartnerError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.False(t, body.Success)
	return body
}

func TestRequireChecks(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	tests := []struct {
		name    string
		mutate  func(*model.PartnerAPIKey)
		types   []model.PartnerType
		windows storage.UsageWindows
		header  func(raw string) (string, string)
		remote  string
		status  int
		code    string
		message string
	}{
		{
			name:   "missing key",
			header: func(string) (string, string) { return "", "" },
			status: http.StatusUnauthorized, code: model.ErrCodeMissingAPIKey,
		},
		{
			name:   "short key",
			header: func(string) (string, string) { return "X-API-Key", "agri" },
			status: http.StatusUnauthorized, code: model.ErrCodeInvalidAPIKey,
		},
		{
			name:   "hash mismatch",
			header: func(raw string) (string, string) { return "X-API-Key", raw + "x" },
			status: http.StatusUnauthorized, code: model.ErrCodeInvalidAPIKey,
		},
		{
			name:   "suspended",
			mutate: func(k *model.PartnerAPIKey) { k.Status = model.KeySuspended },
			status: http.StatusUnauthorized, code: model.ErrCodeInactiveAPIKey, message: "API key is suspended",
		},
		{
			name:   "expired",
			mutate: func(k *model.PartnerAPIKey) { k.ExpiresAt = &past },
			status: http.StatusUnauthorized, code: model.ErrCodeInactiveAPIKey, message: "API key is expired",
		},
		{
			name:   "wrong partner type",
			types:  []model.PartnerType{model.PartnerFinancial},
			status: http.StatusForbidden, code: model.ErrCodePartnerTypeNotAllowed,
		},
		{
			name:    "minute window",
			windows: storage.UsageWindows{Minute: 60, Hour: 60, Day: 60},
			status:  http.StatusTooManyRequests, code: model.ErrCodeRateLimitExceeded, message: "Rate limit exceeded (per minute)",
		},
		{
			name:    "hour window",
			windows: storage.UsageWindows{Minute: 1, Hour: 1000, Day: 1000},
			status:  http.StatusTooManyRequests, code: model.ErrCodeRateLimitExceeded, message: "Rate limit exceeded (per hour)",
		},
		{
			name:   "endpoint denied",
			mutate: func(k *model.PartnerAPIKey) { k.AllowedEndpoints = []string{"/api/partners/financial/*"} },
			status: http.StatusForbidden, code: model.ErrCodeEndpointAccessDenied,
		},
		{
			name:   "ip denied",
			mutate: func(k *model.PartnerAPIKey) { k.IPWhitelist = []string{"203.0.113.7"} },
			remote: "198.51.100.1:5555",
			status: http.StatusForbidden, code: model.ErrCodeIPNotAllowed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, key := newKey(t, tt.mutate)
			store := &fakeStore{keys: []model.PartnerAPIKey{key}, windows: tt.windows}
			a := NewAuthenticator(store, nil, nil, nil, slog.Default())

			req := httptest.NewRequest(http.MethodGet, "/api/partners/logistics/shipments", nil)
			name, value := "X-API-Key", raw
			if tt.header != nil {
				name, value = tt.header(raw)
			}
			if name != "" {
				req.Header.Set(name, value)
			}
			if tt.remote != "" {
				req.RemoteAddr = tt.remote
			}

			rec := servePartner(a, tt.types, req)
			require.Equal(t, tt.status, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, tt.code, body.Error.Code)
			if tt.message != "" {
				assert.Equal(t, tt.message, body.Error.Message)
			}
		})
	}
}

func TestRequireExpiredKeyIsMarked(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	raw, key := newKey(t, func(k *model.PartnerAPIKey) { k.ExpiresAt = &past })
	store := &fakeStore{keys: []model.PartnerAPIKey{key}}
	a := NewAuthenticator(store, NewKeyCache(16, time.Minute), nil, nil, slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/api/partners/auth/verify", nil)
	req.Header.Set("X-API-Key", raw)
	servePartner(a, nil, req)
	assert.Equal(t, []uuid.UUID{key.ID}, store.expired)
}

func TestRequireSuccessWithBearerAndHeaders(t *testing.T) {
	raw, key := newKey(t, func(k *model.PartnerAPIKey) {
		k.AllowedEndpoints = []string{"/api/partners/logistics/*"}
		k.IPWhitelist = []string{"93.184.216.34"}
	})
	store := &fakeStore{keys: []model.PartnerAPIKey{key}, windows: storage.UsageWindows{Minute: 9, Hour: 99, Day: 99}}
	sink := &usageSink{}
	usage := NewUsageRecorder(sink, 8, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	usage.Start(ctx)

	xff, err := realclientip.NewRightmostNonPrivateStrategy("X-Forwarded-For")
	require.NoError(t, err)
	a := NewAuthenticator(store, NewKeyCache(16, time.Minute), xff, usage, slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/api/partners/logistics/shipments?status=pending", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 93.184.216.34")

	rec := servePartner(a, []model.PartnerType{model.PartnerLogistics}, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("X-RateLimit-Limit-Minute"))
	assert.Equal(t, "50", rec.Header().Get("X-RateLimit-Remaining-Minute"))
	assert.Equal(t, "1000", rec.Header().Get("X-RateLimit-Limit-Hour"))
	assert.Equal(t, "900", rec.Header().Get("X-RateLimit-Remaining-Hour"))

	var body model.PartnerResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.True(t, body.Success)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	usage.Drain(drainCtx)
	require.Equal(t, 1, sink.count())
	l := sink.logs[0]
	assert.Equal(t, key.ID, l.APIKeyID)
	assert.Equal(t, "/api/partners/logistics/shipments", l.Endpoint)
	assert.Equal(t, "93.184.216.34", l.IPAddress)
	assert.Equal(t, http.StatusOK, l.StatusCode)
	assert.Positive(t, l.ResponseSize)
	assert.Equal(t, "status=pending", l.Details["query"])
}

func TestRequireUsesCache(t *testing.T) {
	raw, key := newKey(t, nil)
	store := &fakeStore{keys: []model.PartnerAPIKey{key}}
	cache := NewKeyCache(16, time.Minute)
	a := NewAuthenticator(store, cache, nil, nil, slog.Default())

	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/api/partners/auth/verify", nil)
		req.Header.Set("X-API-Key", raw)
		require.Equal(t, http.StatusOK, servePartner(a, nil, req).Code)
	}
	assert.Equal(t, 1, store.lookups)

	cache.Invalidate(key.KeyPrefix)
	req := httptest.NewRequest(http.MethodGet, "/api/partners/auth/verify", nil)
	req.Header.Set("X-API-Key", raw)
	servePartner(a, nil, req)
	assert.Equal(t, 2, store.lookups)
}

func TestRequireSharedPrefix(t *testing.T) {
	raw, key := newKey(t, nil)
	_, other := newKey(t, func(k *model.PartnerAPIKey) { k.KeyName = "other" })
	other.KeyPrefix = key.KeyPrefix
	store := &fakeStore{keys: []model.PartnerAPIKey{other, key}}
	a := NewAuthenticator(store, nil, nil, nil, slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/api/partners/auth/verify", nil)
	req.Header.Set("X-API-Key", raw)
	rec := servePartner(a, nil, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"key_name":"test key"`)
}

func TestRequireStoreError(t *testing.T) {
	raw, _ := newKey(t, nil)
	a := NewAuthenticator(&fakeStore{err: errors.New("db down")}, nil, nil, nil, slog.Default())
	req := httptest.NewRequest(http.MethodGet, "/api/partners/auth/verify", nil)
	req.Header.Set("X-API-Key", raw)
	rec := servePartner(a, nil, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestUsageRecorderDropsWhenFull(t *testing.T) {
	u := NewUsageRecorder(&usageSink{}, 1, slog.Default())
	assert.True(t, u.Record(model.UsageLog{Endpoint: "/a"}))
	assert.False(t, u.Record(model.UsageLog{Endpoint: "/b"}))
	assert.Equal(t, int64(1), u.Dropped())
}

func TestUsageRecorderDrainFlushesQueue(t *testing.T) {
	sink := &usageSink{}
	u := NewUsageRecorder(sink, 500, slog.Default())
	for range 250 {
		require.True(t, u.Record(model.UsageLog{APIKeyID: uuid.New(), Endpoint: "/x"}))
	}
	u.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	u.Drain(ctx)
	assert.Equal(t, 250, sink.count())
}

func TestDecodeBody(t *testing.T) {
	type body struct {
		FarmerID string  `json:"farmer_id"`
		Amount   float64 `json:"requested_amount"`
	}
	tests := []struct {
		name        string
		contentType string
		payload     string
		status      int
		code        string
	}{
		{"wrong content type", "text/plain", `{}`, http.StatusBadRequest, model.ErrCodeInvalidContentType},
		{"bad json", "application/json", `{`, http.StatusBadRequest, model.ErrCodeInvalidJSON},
		{"missing fields", "application/json", `{"farmer_id":"f1"}`, http.StatusBadRequest, model.ErrCodeMissingRequiredFields},
		{"null counts as missing", "application/json", `{"farmer_id":"f1","requested_amount":null}`, http.StatusBadRequest, model.ErrCodeMissingRequiredFields},
		{"ok with charset", "application/json; charset=utf-8", `{"farmer_id":"f1","requested_amount":5000}`, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.payload))
			req.Header.Set("Content-Type", tt.contentType)
			rec := httptest.NewRecorder()

			var b body
			if DecodeBody(rec, req, &b, "farmer_id", "requested_amount") {
				WriteSuccess(rec, http.StatusOK, "", b)
			}
			require.Equal(t, tt.status, rec.Code)
			if tt.code == "" {
				assert.Equal(t, 5000.0, b.Amount)
				return
			}
			e := decodeError(t, rec)
			assert.Equal(t, tt.code, e.Error.Code)
			if tt.code == model.ErrCodeMissingRequiredFields {
				details, ok := e.Error.Details.(map[string]any)
				require.True(t, ok)
				assert.Equal(t, []any{"requested_amount"}, details["missing_fields"])
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	h := CORS()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
	req := httptest.NewRequest(http.MethodOptions, "/api/partners/auth/verify", nil)
	req.Header.Set("Origin", "https://partner.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "X-API-Key")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
