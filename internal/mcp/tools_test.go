package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magsasa-card/magsasa/internal/auth"
	"github.com/magsasa-card/magsasa/internal/ctxutil"
	"github.com/magsasa-card/magsasa/internal/model"
	"github.com/magsasa-card/magsasa/internal/pricing"
	"github.com/magsasa-card/magsasa/internal/storage"
	"github.com/magsasa-card/magsasa/internal/testutil"
)

type fakeStore struct {
	inputs      map[uuid.UUID]model.AgriculturalInput
	logistics   []model.LogisticsOption
	assessments map[uuid.UUID]model.AgScoreAssessment

	lastInputFilter     storage.InputFilter
	lastLogisticsFilter storage.LogisticsFilter
	lastAssessmentOrg   uuid.UUID
}

func (f *fakeStore) GetActiveInputs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]model.AgriculturalInput, error) {
	out := make(map[uuid.UUID]model.AgriculturalInput)
	for _, id := range ids {
		if in, ok := f.inputs[id]; ok && in.IsActive {
			out[id] = in
		}
	}
	return out, nil
}

func (f *fakeStore) ListInputs(_ context.Context, flt storage.InputFilter) ([]model.AgriculturalInput, int, error) {
	f.lastInputFilter = flt
	var out []model.AgriculturalInput
	for _, in := range f.inputs {
		if flt.Category == "" || in.Category == flt.Category {
			out = append(out, in)
		}
	}
	return out, len(out), nil
}

func (f *fakeStore) GetLogisticsOption(_ context.Context, id uuid.UUID) (model.LogisticsOption, error) {
	for _, o := range f.logistics {
		if o.ID == id {
			return o, nil
		}
	}
	return model.LogisticsOption{}, storage.ErrNotFound
}

func (f *fakeStore) ListLogisticsOptions(_ context.Context, flt storage.LogisticsFilter) ([]model.LogisticsOption, error) {
	f.lastLogisticsFilter = flt
	return f.logistics, nil
}

func (f *fakeStore) GetLatestAssessment(_ context.Context, orgID, farmerID uuid.UUID) (model.AgScoreAssessment, error) {
	f.lastAssessmentOrg = orgID
	a, ok := f.assessments[farmerID]
	if !ok || a.OrganizationID != orgID {
		return model.AgScoreAssessment{}, storage.ErrNotFound
	}
	return a, nil
}

var (
	testOrg  = uuid.New()
	ureaID   = uuid.New()
	seedID   = uuid.New()
	truckID  = uuid.New()
	farmerID = uuid.New()
)

func newTestServer() (*Server, *fakeStore) {
	market := 1500.0
	store := &fakeStore{
		inputs: map[uuid.UUID]model.AgriculturalInput{
			ureaID: {ID: ureaID, Name: "Urea 46-0-0", Category: "fertilizer", WholesalePrice: 1000, RetailPrice: 1200, MarketRetailPrice: &market, IsActive: true},
			seedID: {ID: seedID, Name: "Hybrid Rice Seed", Category: "seed", RetailPrice: 900, IsActive: false},
		},
		logistics: []model.LogisticsOption{
			{ID: truckID, ProviderName: "Laguna Trucking", ProviderType: model.DeliveryPlatformLogistics, BaseDeliveryFee: 100, PerKmRate: 5, StandardDeliveryDays: 3, IsActive: true},
		},
		assessments: map[uuid.UUID]model.AgScoreAssessment{
			farmerID: {AssessmentID: "AGS_1", OrganizationID: testOrg, FarmerID: farmerID, TotalScore: 720, RiskTier: "Tier 3"},
		},
	}
	return New(store, testutil.TestLogger(), "test"), store
}

func callerCtx(role model.Role) context.Context {
	ctx := ctxutil.WithClaims(context.Background(), &auth.Claims{OrgID: testOrg, Role: role})
	return ctxutil.WithTenant(ctx, ctxutil.Tenant{OrgID: testOrg, Role: role})
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	}
}

func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func TestToolsRegistered(t *testing.T) {
	srv, _ := newTestServer()
	tools := srv.MCPServer().ListTools()
	for _, name := range []string{"magsasa_price_quote", "magsasa_input_catalog", "magsasa_logistics_options", "magsasa_agscore_latest"} {
		tool, ok := tools[name]
		require.True(t, ok, name)
		require.NotNil(t, tool.Tool.Annotations.ReadOnlyHint, name)
		assert.True(t, *tool.Tool.Annotations.ReadOnlyHint, name)
	}
}

func TestScopeRejections(t *testing.T) {
	srv, _ := newTestServer()
	noOrg := ctxutil.WithClaims(context.Background(), &auth.Claims{Role: model.RoleFarmer})

	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{"unauthenticated", context.Background(), "authentication required"},
		{"no organization", noOrg, "no active organization"},
		{"unknown role", callerCtx(model.Role("guest")), "insufficient permissions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := srv.handleInputCatalog(tt.ctx, toolRequest("magsasa_input_catalog", nil))
			require.NoError(t, err)
			assert.True(t, res.IsError)
			assert.Equal(t, tt.want, parseToolText(t, res))
		})
	}
}

func TestPriceQuotePickupCardMember(t *testing.T) {
	srv, _ := newTestServer()
	res, err := srv.handlePriceQuote(callerCtx(model.RoleFarmer), toolRequest("magsasa_price_quote", map[string]any{
		"items":          `[{"input_id":"` + ureaID.String() + `","quantity":10}]`,
		"is_card_member": true,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, parseToolText(t, res))

	var q pricing.QuoteResult
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, res)), &q))
	assert.Equal(t, 240.0, q.OrderSummary.PickupDiscount)
	assert.Equal(t, 11760.0, q.OrderSummary.SubtotalRetail)
	assert.Equal(t, 352.8, q.OrderSummary.CardMemberDiscount)
	assert.Equal(t, 11407.2, q.OrderSummary.TotalAmount)
	assert.Equal(t, model.DeliveryFarmerPickup, q.Delivery.Option)
}

func TestPriceQuotePlatformLogistics(t *testing.T) {
	srv, _ := newTestServer()
	res, err := srv.handlePriceQuote(callerCtx(model.RoleFieldOfficer), toolRequest("magsasa_price_quote", map[string]any{
		"items":                 []any{map[string]any{"input_id": ureaID.String(), "quantity": 10}},
		"delivery_option":       string(model.DeliveryPlatformLogistics),
		"logistics_provider_id": truckID.String(),
		"distance_km":           10.0,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, parseToolText(t, res))

	var q pricing.QuoteResult
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, res)), &q))
	assert.Equal(t, 150.0, q.OrderSummary.DeliveryFee)
	assert.Equal(t, 12150.0, q.OrderSummary.TotalAmount)
	assert.Equal(t, "Laguna Trucking", q.Delivery.Provider)
	assert.Equal(t, 3, q.Delivery.DeliveryDays)
}

func TestPriceQuoteErrors(t *testing.T) {
	srv, _ := newTestServer()
	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing items", map[string]any{}, pricing.ErrNoItems.Error()},
		{"malformed items", map[string]any{"items": "not json"}, "items must be a JSON array"},
		{"inactive input", map[string]any{"items": `[{"input_id":"` + seedID.String() + `","quantity":1}]`}, "Input " + seedID.String() + " not found"},
		{"zero quantity", map[string]any{"items": `[{"input_id":"` + ureaID.String() + `","quantity":0}]`}, pricing.ErrInvalidQuantity.Error()},
		{"unknown delivery option", map[string]any{"items": `[{"input_id":"` + ureaID.String() + `","quantity":10}]`, "delivery_option": "drone"}, pricing.ErrInvalidDeliveryOption.Error()},
		{"bad logistics id", map[string]any{"items": `[{"input_id":"` + ureaID.String() + `","quantity":1}]`, "logistics_provider_id": "x"}, "logistics_provider_id must be a UUID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := srv.handlePriceQuote(callerCtx(model.RoleFarmer), toolRequest("magsasa_price_quote", tt.args))
			require.NoError(t, err)
			assert.True(t, res.IsError)
			assert.Contains(t, parseToolText(t, res), tt.want)
		})
	}
}

func TestInputCatalog(t *testing.T) {
	srv, store := newTestServer()
	res, err := srv.handleInputCatalog(callerCtx(model.RoleViewer), toolRequest("magsasa_input_catalog", map[string]any{
		"category": "fertilizer",
		"search":   "urea",
		"limit":    500,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	assert.Equal(t, storage.InputFilter{Category: "fertilizer", Search: "urea", Limit: defaultCatalogLimit}, store.lastInputFilter)

	var body struct {
		Inputs []struct {
			Name    string          `json:"name"`
			Pricing pricing.Summary `json:"pricing"`
		} `json:"inputs"`
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, res)), &body))
	require.Equal(t, 1, body.Total)
	assert.Equal(t, "Urea 46-0-0", body.Inputs[0].Name)
	assert.Equal(t, 300.0, body.Inputs[0].Pricing.FarmerSavings)
	assert.Equal(t, 20.0, body.Inputs[0].Pricing.SavingsPercentage)
}

func TestLogisticsOptions(t *testing.T) {
	srv, store := newTestServer()
	res, err := srv.handleLogisticsOptions(callerCtx(model.RoleFarmer), toolRequest("magsasa_logistics_options", map[string]any{
		"location":  "Laguna",
		"min_order": 5000.0,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	assert.Equal(t, "Laguna", store.lastLogisticsFilter.Location)
	require.NotNil(t, store.lastLogisticsFilter.MinOrder)
	assert.Equal(t, 5000.0, *store.lastLogisticsFilter.MinOrder)

	var body struct {
		Estimates []pricing.Estimate `json:"estimates"`
		Total     int                `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, res)), &body))
	assert.Equal(t, 1, body.Total)
	require.Len(t, body.Estimates, 1)
	assert.Equal(t, 175.0, body.Estimates[0].TotalCost)
}

func TestAgScoreLatest(t *testing.T) {
	srv, store := newTestServer()

	res, err := srv.handleAgScoreLatest(callerCtx(model.RoleManager), toolRequest("magsasa_agscore_latest", map[string]any{
		"farmer_id": farmerID.String(),
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, testOrg, store.lastAssessmentOrg)

	var a model.AgScoreAssessment
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, res)), &a))
	assert.Equal(t, 720, a.TotalScore)
}

func TestAgScoreLatestIsOrgScoped(t *testing.T) {
	srv, store := newTestServer()
	other := uuid.New()
	ctx := ctxutil.WithTenant(
		ctxutil.WithClaims(context.Background(), &auth.Claims{OrgID: other, Role: model.RoleAdmin}),
		ctxutil.Tenant{OrgID: other, Role: model.RoleAdmin},
	)

	res, err := srv.handleAgScoreLatest(ctx, toolRequest("magsasa_agscore_latest", map[string]any{
		"farmer_id": farmerID.String(),
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, other, store.lastAssessmentOrg)
	assert.Contains(t, parseToolText(t, res), "no AgScore assessment")
}

func TestAgScoreLatestBadFarmerID(t *testing.T) {
	srv, _ := newTestServer()
	res, err := srv.handleAgScoreLatest(callerCtx(model.RoleManager), toolRequest("magsasa_agscore_latest", map[string]any{
		"farmer_id": "F-001",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestQuoteItems(t *testing.T) {
	_, err := quoteItems(nil)
	assert.True(t, errors.Is(err, pricing.ErrNoItems))

	items, err := quoteItems(`[{"input_id":"` + ureaID.String() + `","quantity":2}]`)
	require.NoError(t, err)
	assert.Equal(t, []pricing.QuoteItem{{InputID: ureaID, Quantity: 2}}, items)
}
