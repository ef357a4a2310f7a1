package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magsasa-card/magsasa/internal/auth"
	"github.com/magsasa-card/magsasa/internal/authz"
	"github.com/magsasa-card/magsasa/internal/kaani"
	"github.com/magsasa-card/magsasa/internal/mcp"
	"github.com/magsasa-card/magsasa/internal/metrics"
	"github.com/magsasa-card/magsasa/internal/model"
	"github.com/magsasa-card/magsasa/internal/partner"
	"github.com/magsasa-card/magsasa/internal/server"
	"github.com/magsasa-card/magsasa/internal/signup"
	"github.com/magsasa-card/magsasa/internal/storage"
	"github.com/magsasa-card/magsasa/internal/testutil"
)

const (
	adminUsername = "admin"
	adminPassword = "Adm1n!Passw0rd"
)

var (
	testSrv      *httptest.Server
	testDB       *storage.DB
	testHandlers *server.Handlers
	testKeyCache *partner.KeyCache
	adminToken   string
	adminOrg     uuid.UUID
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	ctx := context.Background()
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	testKeyCache = partner.NewKeyCache(1000, partner.DefaultCacheTTL)
	jwtMgr, _ := auth.NewJWTManager("", "", 15*time.Minute, 24*time.Hour)
	engine := kaani.NewEngine(kaani.MockProvider{}, testDB, logger)
	signupSvc := signup.New(testDB, signup.LogMailer{Logger: logger}, "http://localhost:8080", logger)

	srv := server.New(server.ServerConfig{
		DB:                  testDB,
		JWTMgr:              jwtMgr,
		Kaani:               engine,
		Logger:              logger,
		Memberships:         authz.NewMembershipCache(1000, time.Minute),
		KeyCache:            testKeyCache,
		Signup:              signupSvc,
		Metrics:             metrics.NewService(),
		MCPServer:           mcp.New(testDB, logger, "test").MCPServer(),
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})
	if err := srv.Handlers().SeedAdmin(ctx, adminUsername, "admin@magsasa.test", adminPassword); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed admin: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	testHandlers = srv.Handlers()
	testSrv = httptest.NewServer(srv.Handler())
	adminToken, adminOrg = mustLogin(testSrv.URL, adminUsername, adminPassword)

	code := m.Run()

	testSrv.Close()
	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

type loginData struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Organization struct {
		ID   uuid.UUID  `json:"id"`
		Role model.Role `json:"role"`
	} `json:"organization"`
}

func login(baseURL, username, password string) (*http.Response, loginData, error) {
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := http.Post(baseURL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, loginData{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	var out struct {
		Data loginData `json:"data"`
	}
	data, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(data, &out)
	return resp, out.Data, nil
}

func mustLogin(baseURL, username, password string) (string, uuid.UUID) {
	resp, d, err := login(baseURL, username, password)
	if err != nil {
		panic(fmt.Sprintf("login: request failed: %v", err))
	}
	if resp.StatusCode != http.StatusOK || d.AccessToken == "" {
		panic(fmt.Sprintf("login: status %d for %s", resp.StatusCode, username))
	}
	return d.AccessToken, d.Organization.ID
}

func authedRequest(method, url, token string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return http.DefaultClient.Do(req)
}

// decodeData reads the standard envelope and unmarshals its data field.
func decodeData(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.NoError(t, json.Unmarshal(env.Data, target))
}

func decodeError(t *testing.T, resp *http.Response) model.ErrorDetail {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var env struct {
		Error model.ErrorDetail `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env.Error
}

// registerUser creates a user with role in the admin's organization and logs in.
func registerUser(t *testing.T, role model.Role) string {
	t.Helper()
	username := fmt.Sprintf("%s_%s", role, uuid.NewString()[:8])
	password := "Fi3ld!Officer"
	resp, err := authedRequest(http.MethodPost, testSrv.URL+"/api/auth/register", adminToken, map[string]any{
		"username":        username,
		"email":           username + "@magsasa.test",
		"password":        password,
		"first_name":      "Test",
		"last_name":       "User",
		"organization_id": adminOrg,
		"role":            role,
	})
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	token, _ := mustLogin(testSrv.URL, username, password)
	return token
}

func TestHealthEndpoint(t *testing.T) {
	for _, path := range []string{"/health", "/api/health", "/api/status"} {
		resp, err := http.Get(testSrv.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)

		var health struct {
			Status   string `json:"status"`
			Database string `json:"database"`
		}
		decodeData(t, resp, &health)
		assert.Equal(t, "healthy", health.Status)
		assert.Equal(t, "connected", health.Database)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	resp, _, err := login(testSrv.URL, adminUsername, "wrong-password")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _, err = login(testSrv.URL, "nobody", "irrelevant")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnauthenticatedAccess(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/api/farmers")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUnauthorized, decodeError(t, resp).Code)

	resp, err = authedRequest(http.MethodGet, testSrv.URL+"/api/farmers", "not-a-token", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestPermissionsEndpoint(t *testing.T) {
	resp, err := authedRequest(http.MethodGet, testSrv.URL+"/api/auth/permissions", adminToken, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Role        model.Role `json:"role"`
		Permissions []string   `json:"permissions"`
	}
	decodeData(t, resp, &out)
	assert.Equal(t, model.RoleSuperAdmin, out.Role)
	assert.Contains(t, out.Permissions, string(authz.SystemAdmin))
}

func TestViewerCannotCreateFarmer(t *testing.T) {
	token := registerUser(t, model.RoleViewer)

	resp, err := authedRequest(http.MethodGet, testSrv.URL+"/api/farmers", token, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = authedRequest(http.MethodPost, testSrv.URL+"/api/farmers", token, map[string]any{
		"first_name": "Juan", "last_name": "Dela Cruz", "farmer_code": "F-VIEW-1",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	e := decodeError(t, resp)
	assert.Equal(t, model.ErrCodeForbidden, e.Code)

	resp, err = authedRequest(http.MethodGet, testSrv.URL+"/api/system/info", token, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestFarmerLifecycle(t *testing.T) {
	code := "F-" + strings.ToUpper(uuid.NewString()[:8])

	resp, err := authedRequest(http.MethodPost, testSrv.URL+"/api/farmers", adminToken, map[string]any{
		"first_name": "Maria", "last_name": "Santos",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "farmer_code is required", decodeError(t, resp).Message)

	resp, err = authedRequest(http.MethodPost, testSrv.URL+"/api/farmers", adminToken, map[string]any{
		"first_name": "Maria", "last_name": "Santos", "farmer_code": code,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created model.Farmer
	decodeData(t, resp, &created)
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.Equal(t, adminOrg, created.OrganizationID)

	resp, err = authedRequest(http.MethodPost, testSrv.URL+"/api/farmers", adminToken, map[string]any{
		"first_name": "Maria", "last_name": "Santos", "farmer_code": code,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = authedRequest(http.MethodGet, testSrv.URL+"/api/farmers/"+created.ID.String(), adminToken, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got model.Farmer
	decodeData(t, resp, &got)
	assert.Equal(t, code, got.FarmerCode)

	resp, err = authedRequest(http.MethodGet, testSrv.URL+"/api/farmers/"+uuid.NewString(), adminToken, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	// The create is audited in the admin's organization.
	resp, err = authedRequest(http.MethodGet, testSrv.URL+"/api/audit?resource_type=farmer", adminToken, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var audit struct {
		Entries []model.AuditEntry `json:"entries"`
	}
	decodeData(t, resp, &audit)
	assert.NotEmpty(t, audit.Entries)
}

func TestPartnerKeyFlow(t *testing.T) {
	resp, err := authedRequest(http.MethodPost, testSrv.URL+"/api/partner-management/api-keys", adminToken, map[string]any{
		"organization_id": adminOrg,
		"key_name":        "Rural Bank Integration",
		"partner_type":    model.PartnerFinancial,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var key model.PartnerAPIKeyWithRawKey
	decodeData(t, resp, &key)
	require.NotEmpty(t, key.RawKey)
	assert.True(t, strings.HasPrefix(key.RawKey, key.KeyPrefix))

	partnerGet := func(path, rawKey string) *http.Response {
		req, _ := http.NewRequest(http.MethodGet, testSrv.URL+path, nil)
		if rawKey != "" {
			req.Header.Set("X-API-Key", rawKey)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp = partnerGet("/api/partners/auth/verify", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	resp = partnerGet("/api/partners/auth/verify", key.RawKey)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var verify model.PartnerResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&verify))
	_ = resp.Body.Close()
	assert.True(t, verify.Success)
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Limit-Minute"))

	// A financial partner may not use the supplier catalog.
	resp = partnerGet("/api/partners/input-suppliers/products", key.RawKey)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = authedRequest(http.MethodPost, testSrv.URL+"/api/partner-management/api-keys/"+key.ID.String()+"/revoke", adminToken, map[string]any{
		"reason": "integration ended",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = partnerGet("/api/partners/auth/verify", key.RawKey)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestPartnerPreflightAllowsAnyOrigin(t *testing.T) {
	req, _ := http.NewRequest(http.MethodOptions, testSrv.URL+"/api/partners/auth/verify", nil)
	req.Header.Set("Origin", "https://dashboard.partner.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()

	resp, err = http.Get(testSrv.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "magsasa_platform_health_postgres 1")
}

func TestRequestIDEchoed(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, testSrv.URL+"/health", nil)
	req.Header.Set("X-Request-ID", "req-1234")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, "req-1234", resp.Header.Get("X-Request-ID"))
}

// orgAdmin creates a fresh organization with an admin user and logs in.
func orgAdmin(t *testing.T) (string, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	org := testutil.Fixtures{DB: testDB}.Org(t, model.OrgClient)
	username := "orgadmin_" + testutil.Suffix()
	password := "Co0p!Adm1nPass"
	hash, err := auth.HashPassword(password)
	require.NoError(t, err)
	_, err = testDB.CreateUserWithMembership(ctx, model.User{
		Username:      username,
		Email:         username + "@magsasa.test",
		PasswordHash:  hash,
		FirstName:     "Coop",
		LastName:      "Admin",
		Role:          model.RoleAdmin,
		Status:        model.UserActive,
		EmailVerified: true,
	}, org.ID, model.RoleAdmin)
	require.NoError(t, err)
	token, _ := mustLogin(testSrv.URL, username, password)
	return token, org.ID
}

func TestPartnerKeysAreTenantScoped(t *testing.T) {
	token, orgID := orgAdmin(t)
	base := testSrv.URL + "/api/partner-management"

	// Keys default to the caller's organization.
	resp, err := authedRequest(http.MethodPost, base+"/api-keys", token, map[string]any{
		"key_name":     "Coop Supplier Feed",
		"partner_type": model.PartnerInputSupplier,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var own model.PartnerAPIKeyWithRawKey
	decodeData(t, resp, &own)
	assert.Equal(t, orgID, own.OrganizationID)

	resp, err = authedRequest(http.MethodPost, base+"/api-keys", token, map[string]any{
		"organization_id": adminOrg,
		"key_name":        "Foreign Key",
		"partner_type":    model.PartnerInputSupplier,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = authedRequest(http.MethodPost, base+"/api-keys", adminToken, map[string]any{
		"organization_id": adminOrg,
		"key_name":        "System Logistics Feed",
		"partner_type":    model.PartnerLogistics,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var foreign model.PartnerAPIKeyWithRawKey
	decodeData(t, resp, &foreign)
	foreignURL := base + "/api-keys/" + foreign.ID.String()

	resp, err = authedRequest(http.MethodGet, foreignURL, token, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = authedRequest(http.MethodPut, foreignURL, token, map[string]any{"status": model.KeySuspended})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = authedRequest(http.MethodPost, foreignURL+"/revoke", token, map[string]any{"reason": "not mine"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = authedRequest(http.MethodGet, base+"/api-keys", token, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		APIKeys []model.PartnerAPIKey `json:"api_keys"`
	}
	decodeData(t, resp, &list)
	require.Len(t, list.APIKeys, 1)
	assert.Equal(t, own.ID, list.APIKeys[0].ID)

	// The foreign key is untouched.
	resp, err = authedRequest(http.MethodGet, foreignURL, adminToken, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got struct {
		APIKey model.PartnerAPIKey `json:"api_key"`
	}
	decodeData(t, resp, &got)
	assert.Equal(t, model.KeyActive, got.APIKey.Status)
}

func TestCreateOrderIdempotencyKey(t *testing.T) {
	fx := testutil.Fixtures{DB: testDB}
	farmer := fx.Farmer(t, adminOrg, false)
	input := fx.Input(t, 100)
	body := map[string]any{
		"farmer_id":       farmer.ID,
		"items":           []map[string]any{{"input_id": input.ID, "quantity": 2}},
		"delivery_option": model.DeliveryFarmerPickup,
	}
	key := "order-" + testutil.Suffix()

	post := func(payload any) *http.Response {
		data, _ := json.Marshal(payload)
		req, _ := http.NewRequest(http.MethodPost, testSrv.URL+"/api/orders", bytes.NewReader(data))
		req.Header.Set("Authorization", "Bearer "+adminToken)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}
	type placed struct {
		TransactionID   uuid.UUID `json:"transaction_id"`
		TransactionCode string    `json:"transaction_code"`
	}

	resp := post(body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Idempotent-Replayed"))
	var first placed
	decodeData(t, resp, &first)
	require.NotEqual(t, uuid.Nil, first.TransactionID)

	resp = post(body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("Idempotent-Replayed"))
	var replay placed
	decodeData(t, resp, &replay)
	assert.Equal(t, first, replay)

	after, err := testDB.GetInput(context.Background(), input.ID)
	require.NoError(t, err)
	assert.Equal(t, 98, after.CurrentStock, "the replay must not place a second order")

	body["items"] = []map[string]any{{"input_id": input.ID, "quantity": 3}}
	resp = post(body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeConflict, decodeError(t, resp).Code)
}

func TestCreatePartnerKeyDropsCachedMiss(t *testing.T) {
	rawKey, prefix, err := model.GenerateRawKey()
	require.NoError(t, err)
	testHandlers.SetPartnerKeyGenerator(func() (string, string, error) { return rawKey, prefix, nil })
	t.Cleanup(func() { testHandlers.SetPartnerKeyGenerator(model.GenerateRawKey) })

	// An earlier request with a guessed key left an empty entry for the prefix.
	testKeyCache.Set(prefix, nil)

	resp, err := authedRequest(http.MethodPost, testSrv.URL+"/api/partner-management/api-keys", adminToken, map[string]any{
		"key_name":     "Fresh Logistics Feed",
		"partner_type": model.PartnerLogistics,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, testSrv.URL+"/api/partners/auth/verify", nil)
	req.Header.Set("X-API-Key", rawKey)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
