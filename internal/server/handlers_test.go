package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magsasa-card/magsasa/internal/auth"
	"github.com/magsasa-card/magsasa/internal/authz"
	"github.com/magsasa-card/magsasa/internal/ctxutil"
	"github.com/magsasa-card/magsasa/internal/model"
	"github.com/magsasa-card/magsasa/internal/partner"
	"github.com/magsasa-card/magsasa/internal/ratelimit"
	"github.com/magsasa-card/magsasa/internal/testutil"
)

func TestParseDate(t *testing.T) {
	d, err := parseDate("harvest_date", "2024-06-15")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC), *d)

	d, err = parseDate("harvest_date", "2024-06-15T08:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, 8, d.Hour())

	d, err = parseDate("harvest_date", "  ")
	require.NoError(t, err)
	assert.Nil(t, d)

	_, err = parseDate("harvest_date", "15/06/2024")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "harvest_date")
}

func TestMissingFields(t *testing.T) {
	assert.Empty(t, missingFields("a", "x", "b", "y"))
	assert.Equal(t, []string{"b"}, missingFields("a", "x", "b", " "))
	assert.Equal(t, []string{"a", "c"}, missingFields("a", "", "b", "y", "c", ""))
}

func TestWriteMissingFields(t *testing.T) {
	rec := httptest.NewRecorder()
	writeMissingFields(rec, httptest.NewRequest(http.MethodPost, "/", nil), []string{"farmer_code"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "farmer_code is required")

	rec = httptest.NewRecorder()
	writeMissingFields(rec, httptest.NewRequest(http.MethodPost, "/", nil), []string{"first_name", "last_name"})
	assert.Contains(t, rec.Body.String(), "Missing required fields: first_name, last_name")
	assert.Contains(t, rec.Body.String(), `"missing_fields"`)
}

func TestQueryPage(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?page=3&per_page=10", nil)
	page, perPage, offset := queryPage(r, 20, 100)
	assert.Equal(t, 3, page)
	assert.Equal(t, 10, perPage)
	assert.Equal(t, 20, offset)

	r = httptest.NewRequest(http.MethodGet, "/?page=0&per_page=5000", nil)
	page, perPage, offset = queryPage(r, 20, 100)
	assert.Equal(t, 1, page)
	assert.Equal(t, 100, perPage)
	assert.Equal(t, 0, offset)
}

func TestApprovalLikelihood(t *testing.T) {
	assert.Equal(t, "high", approvalLikelihood(50000, 50000))
	assert.Equal(t, "moderate", approvalLikelihood(50000, 30000))
	assert.Equal(t, "low", approvalLikelihood(50000, 27500))
	assert.Equal(t, "low", approvalLikelihood(50000, 10000))
	assert.Equal(t, "low", approvalLikelihood(50000, 0))
}

func TestLoanID(t *testing.T) {
	farmer := uuid.MustParse("3f2504e0-4f89-11d3-9a0c-0305e82c3301")
	now := time.Date(2025, 3, 9, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, "LOAN-20250309-3F2504E0", loanID(now, farmer))
}

func TestReportRowSumsQuantities(t *testing.T) {
	row := reportRow(model.InputTransaction{
		TransactionCode: "TXN-1",
		Status:          model.OrderPending,
		Items:           []model.OrderItem{{Quantity: 2}, {Quantity: 3}},
		TotalAmount:     1250,
	})
	require.Len(t, row, len(reportHeader))
	assert.Equal(t, "TXN-1", row[0])
	assert.Equal(t, 5, row[7])
}

func TestApplyInvalidation(t *testing.T) {
	keys := partner.NewKeyCache(10, time.Minute)
	memberships := authz.NewMembershipCache(10, time.Minute)
	h := &Handlers{keyCache: keys, memberships: memberships, logger: testutil.TestLogger()}

	keys.Set("mk_abc", []model.PartnerAPIKey{{KeyPrefix: "mk_abc"}})
	keys.Set("mk_def", []model.PartnerAPIKey{{KeyPrefix: "mk_def"}})
	h.ApplyInvalidation("partner_key:mk_abc")
	_, ok := keys.Get("mk_abc")
	assert.False(t, ok)
	_, ok = keys.Get("mk_def")
	assert.True(t, ok)

	user, org := uuid.New(), uuid.New()
	memberships.Set(user, org, model.Membership{Role: model.RoleManager}, true)
	h.ApplyInvalidation("membership:" + user.String() + ":" + org.String())
	_, _, hit := memberships.Get(user, org)
	assert.False(t, hit)

	h.ApplyInvalidation("garbage")
	_, ok = keys.Get("mk_def")
	assert.False(t, ok)
}

func withClaims(r *http.Request, role model.Role) *http.Request {
	claims := &auth.Claims{Role: role}
	claims.Subject = uuid.NewString()
	ctx := ctxutil.WithClaims(r.Context(), claims)
	ctx = ctxutil.WithTenant(ctx, ctxutil.Tenant{OrgID: uuid.New(), Role: role})
	return r.WithContext(ctx)
}

func TestUserKeyFunc(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/farmers", nil)
	assert.Empty(t, userKeyFunc(r))
	assert.Empty(t, userKeyFunc(withClaims(r, model.RoleAdmin)))
	assert.Contains(t, userKeyFunc(withClaims(r, model.RoleFieldOfficer)), "user:")
}

func TestRequirePermission(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := requirePermission(authz.FarmerCreate)(ok)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/farmers", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, withClaims(httptest.NewRequest(http.MethodPost, "/api/farmers", nil), model.RoleViewer))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), string(authz.FarmerCreate))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, withClaims(httptest.NewRequest(http.MethodPost, "/api/farmers", nil), model.RoleFieldOfficer))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRateLimitPerUser(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(1, 2)
	defer func() { _ = limiter.Close() }()

	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := ratelimit.Middleware(limiter, userKeyFunc, nil, testutil.TestLogger())(inner)

	req := withClaims(httptest.NewRequest(http.MethodGet, "/api/farmers", nil), model.RoleFarmer)
	for i := range 3 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if i < 2 {
			assert.Equal(t, http.StatusOK, rec.Code, "request %d within burst", i+1)
		} else {
			assert.Equal(t, http.StatusTooManyRequests, rec.Code, "request %d past burst", i+1)
		}
	}

	// Administrators are not limited.
	admin := withClaims(httptest.NewRequest(http.MethodGet, "/api/farmers", nil), model.RoleAdmin)
	for range 5 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, admin)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestCORSByPrefix(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	h := corsByPrefix(apiCORS([]string{"https://app.magsasa.example"}), partner.CORS())(inner)

	preflight := func(path, origin string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodOptions, path, nil)
		r.Header.Set("Origin", origin)
		r.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec
	}

	assert.Equal(t, "https://app.magsasa.example",
		preflight("/api/orders", "https://app.magsasa.example").Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, preflight("/api/orders", "https://evil.example").Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "*",
		preflight("/api/partners/auth/verify", "https://evil.example").Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(testutil.TestLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(context.Background()))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
