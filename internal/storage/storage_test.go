package storage_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magsasa-card/magsasa/internal/model"
	"github.com/magsasa-card/magsasa/internal/pricing"
	"github.com/magsasa-card/magsasa/internal/storage"
	"github.com/magsasa-card/magsasa/internal/testutil"
	"github.com/magsasa-card/magsasa/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	fx = testutil.Fixtures{DB: testDB}
	code := m.Run()

	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

var fx testutil.Fixtures

func TestOrganizationAndMembership(t *testing.T) {
	ctx := context.Background()
	org := fx.Org(t, model.OrgClient)
	assert.Equal(t, "active", org.Status)

	_, err := testDB.CreateOrganization(ctx, model.Organization{Name: "Dup", Code: org.Code})
	require.ErrorIs(t, err, storage.ErrConflict)

	user, err := testDB.CreateUserWithMembership(ctx, model.User{
		Username:     "maria-" + testutil.Suffix(),
		Email:        "maria-" + testutil.Suffix() + "@example.com",
		PasswordHash: "x$y",
		FirstName:    "Maria",
		LastName:     "Santos",
		Status:       model.UserActive,
	}, org.ID, model.RoleFieldOfficer)
	require.NoError(t, err)

	m, ok, err := testDB.GetMembership(ctx, user.ID, org.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.RoleFieldOfficer, m.Role)
	assert.True(t, m.IsPrimary)
	assert.Equal(t, org.Name, m.OrgName)

	other := fx.Org(t, model.OrgClient)
	m2, err := testDB.AddMembership(ctx, user.ID, other.ID, model.RoleViewer)
	require.NoError(t, err)
	assert.False(t, m2.IsPrimary, "second membership must not steal primary")

	primary, ok, err := testDB.GetPrimaryMembership(ctx, user.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, org.ID, primary.OrganizationID)

	_, ok, err = testDB.GetMembership(ctx, user.ID, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFailedLoginLockout(t *testing.T) {
	ctx := context.Background()
	org := fx.Org(t, model.OrgClient)
	user, err := testDB.CreateUserWithMembership(ctx, model.User{
		Username:     "lock-" + testutil.Suffix(),
		Email:        "lock-" + testutil.Suffix() + "@example.com",
		PasswordHash: "x$y",
		Status:       model.UserActive,
	}, org.ID, model.RoleViewer)
	require.NoError(t, err)

	for i := 1; i < 5; i++ {
		attempts, locked, err := testDB.RecordFailedLogin(ctx, user.ID, 5, 30*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, attempts)
		assert.False(t, locked)
	}
	attempts, locked, err := testDB.RecordFailedLogin(ctx, user.ID, 5, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 5, attempts)
	assert.True(t, locked)

	got, err := testDB.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, got.IsLocked(time.Now()))

	require.NoError(t, testDB.UnlockUser(ctx, user.ID))
	got, err = testDB.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, got.IsLocked(time.Now()))
	assert.Zero(t, got.FailedLoginAttempts)
}

func TestFarmerScoping(t *testing.T) {
	ctx := context.Background()
	orgA := fx.Org(t, model.OrgClient)
	orgB := fx.Org(t, model.OrgClient)
	f := fx.Farmer(t, orgA.ID, true)

	_, err := testDB.GetFarmer(ctx, orgB.ID, f.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	got, err := testDB.GetFarmerAnyOrg(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, orgA.ID, got.OrganizationID)

	_, err = testDB.CreateFarmer(ctx, model.Farmer{
		OrganizationID: orgA.ID, FarmerCode: f.FarmerCode, FirstName: "A", LastName: "B",
	})
	require.ErrorIs(t, err, storage.ErrConflict)

	list, total, err := testDB.ListFarmers(ctx, orgA.ID, storage.FarmerFilter{Search: "dela", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, list, 1)
	assert.Equal(t, f.ID, list[0].ID)
}

func TestCreateOrderDecrementsStockAndCancelRestores(t *testing.T) {
	ctx := context.Background()
	org := fx.Org(t, model.OrgClient)
	farmer := fx.Farmer(t, org.ID, true)
	in := fx.Input(t, 10)

	placed, err := testDB.CreateOrder(ctx, storage.NewOrder{
		OrgID:    org.ID,
		FarmerID: farmer.ID,
		Quote: pricing.QuoteRequest{
			Items:          []pricing.QuoteItem{{InputID: in.ID, Quantity: 3}},
			DeliveryOption: model.DeliverySupplier,
		},
		DeliveryAddress: "Brgy. Anos, Los Baños",
	})
	require.NoError(t, err)
	assert.True(t, placed.Transaction.CardMember, "card membership follows the farmer record")
	assert.Equal(t, model.OrderPending, placed.Transaction.Status)
	assert.Equal(t, model.DefaultPaymentMethod, placed.Transaction.PaymentMethod)
	require.NotNil(t, placed.Delivery)
	assert.Equal(t, model.PickupLocation, placed.Delivery.PickupAddress)

	after, err := testDB.GetInput(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, after.CurrentStock)

	d, ok, err := testDB.GetDeliveryForTransaction(ctx, placed.Transaction.ID)
	require.NoError(t, err)
	require.True(t, ok)
	_, events, err := testDB.GetDeliveryTracking(ctx, org.ID, d.DeliveryCode)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Order placed", events[0].Description)

	_, cancelled, err := testDB.UpdateOrderStatus(ctx, org.ID, placed.Transaction.ID,
		storage.OrderStatusChange{Status: model.OrderCancelled})
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, cancelled.Status)

	restored, err := testDB.GetInput(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, restored.CurrentStock)

	d, _, err = testDB.GetDeliveryForTransaction(ctx, placed.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryCancelled, d.CurrentStatus)
}

func TestCreateOrderInsufficientStock(t *testing.T) {
	ctx := context.Background()
	org := fx.Org(t, model.OrgClient)
	farmer := fx.Farmer(t, org.ID, false)
	in := fx.Input(t, 2)

	_, err := testDB.CreateOrder(ctx, storage.NewOrder{
		OrgID:    org.ID,
		FarmerID: farmer.ID,
		Quote: pricing.QuoteRequest{Items: []pricing.QuoteItem{
			{InputID: in.ID, Quantity: 1},
			{InputID: in.ID, Quantity: 2},
		}},
	})
	var stockErr *storage.StockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 2, stockErr.Available)
	assert.Equal(t, 3, stockErr.Requested, "duplicate lines are summed before the stock check")

	unchanged, err := testDB.GetInput(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, unchanged.CurrentStock)

	_, err = testDB.CreateOrder(ctx, storage.NewOrder{
		OrgID:    org.ID,
		FarmerID: farmer.ID,
		Quote:    pricing.QuoteRequest{Items: []pricing.QuoteItem{{InputID: uuid.New(), Quantity: 1}}},
	})
	var nf *pricing.InputNotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestUpdateInputPriceRecordsHistory(t *testing.T) {
	ctx := context.Background()
	in := fx.Input(t, 5)

	before, after, err := testDB.UpdateInputPrice(ctx, in.ID, model.PriceChange{
		WholesalePrice: 1100, RetailPrice: 1400, ChangeReason: "supplier increase",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1200.0, before.RetailPrice)
	assert.Equal(t, 1400.0, after.RetailPrice)
	assert.Equal(t, 300.0, after.PlatformMargin)

	history, err := testDB.ListPricingHistory(ctx, in.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "supplier increase", history[0].ChangeReason)
	assert.Nil(t, history[0].EffectiveTo)
	assert.NotNil(t, history[1].EffectiveTo, "previous price row is closed")
}

func createPartnerKey(t *testing.T, orgID uuid.UUID, typ model.PartnerType) (model.PartnerAPIKey, string) {
	t.Helper()
	raw, prefix, err := model.GenerateRawKey()
	require.NoError(t, err)
	k, err := testDB.CreatePartnerKeyWithAudit(context.Background(), model.PartnerAPIKey{
		OrganizationID:     orgID,
		KeyName:            "integration " + testutil.Suffix(),
		KeyPrefix:          prefix,
		KeyHash:            raw + "-hash",
		PartnerType:        typ,
		RateLimitPerMinute: model.DefaultRateLimitPerMinute,
		RateLimitPerHour:   model.DefaultRateLimitPerHour,
		RateLimitPerDay:    model.DefaultRateLimitPerDay,
	}, storage.MutationAuditEntry{
		OrgID:        orgID,
		Operation:    "API_KEY_CREATED",
		ResourceType: "partner_api_key",
	})
	require.NoError(t, err)
	return k, prefix
}

func TestPartnerKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	org := fx.Org(t, model.OrgPartner)
	k, prefix := createPartnerKey(t, org.ID, model.PartnerLogistics)
	assert.Equal(t, model.KeyActive, k.Status)
	assert.Equal(t, org.Name, k.OrganizationName)
	assert.Empty(t, k.AllowedEndpoints)

	found, err := testDB.GetPartnerKeysByPrefix(ctx, prefix)
	require.NoError(t, err)
	require.NotEmpty(t, found)

	require.NoError(t, testDB.InsertUsageBatch(ctx, []model.UsageLog{
		{APIKeyID: k.ID, Endpoint: "/api/partners/logistics/shipments", Method: "GET", StatusCode: 200, IPAddress: "203.0.113.7"},
		{APIKeyID: k.ID, Endpoint: "/api/partners/logistics/shipments", Method: "GET", StatusCode: 200, IPAddress: "203.0.113.7"},
		{APIKeyID: k.ID, Endpoint: "/api/partners/auth/verify", Method: "GET", StatusCode: 401,
			IPAddress: "203.0.113.8", CreatedAt: time.Now().UTC().Add(-2 * time.Hour)},
	}))

	w, err := testDB.CountUsageWindows(ctx, k.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 2, w.Minute)
	assert.Equal(t, 2, w.Hour)
	assert.Equal(t, 3, w.Day)

	got, err := testDB.GetPartnerKey(ctx, org.ID, k.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.TotalRequests)
	assert.NotNil(t, got.LastUsedAt)

	usage, err := testDB.GetKeyUsage(ctx, k.ID, 30)
	require.NoError(t, err)
	assert.Equal(t, 3, usage.TotalRequests)
	assert.Equal(t, 2, usage.SuccessfulRequests)
	require.NotEmpty(t, usage.Endpoints)
	assert.Equal(t, "/api/partners/logistics/shipments", usage.Endpoints[0].Endpoint)

	other := fx.Org(t, model.OrgPartner)
	_, err = testDB.GetPartnerKey(ctx, other.ID, k.ID)
	require.ErrorIs(t, err, storage.ErrNotFound, "keys are invisible outside their organization")
	listed, total, err := testDB.ListPartnerKeys(ctx, storage.PartnerKeyFilter{OrgID: other.ID, Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, listed)
	err = testDB.RevokePartnerKeyWithAudit(ctx, other.ID, k.ID, nil, "wrong tenant",
		storage.MutationAuditEntry{OrgID: other.ID, Operation: "API_KEY_REVOKED", ResourceType: "partner_api_key"})
	require.ErrorIs(t, err, storage.ErrNotFound)

	listed, total, err = testDB.ListPartnerKeys(ctx, storage.PartnerKeyFilter{OrgID: org.ID, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, listed, 1)
	assert.Equal(t, k.ID, listed[0].ID)

	overview, err := testDB.GetPartnerOverview(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, overview.KeysByStatus[string(model.KeyActive)])
	assert.Equal(t, 3, overview.Requests30Days)
	overview, err = testDB.GetPartnerOverview(ctx, other.ID)
	require.NoError(t, err)
	assert.Zero(t, overview.Requests30Days)

	name := "renamed"
	suspended := model.KeySuspended
	updated, err := testDB.UpdatePartnerKeyWithAudit(ctx, org.ID, k.ID, model.UpdatePartnerKeyRequest{
		KeyName: &name, Status: &suspended,
	}, storage.MutationAuditEntry{OrgID: org.ID, Operation: "API_KEY_UPDATED", ResourceType: "partner_api_key"})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.KeyName)
	assert.Equal(t, model.KeySuspended, updated.Status)
	assert.Equal(t, model.DefaultRateLimitPerHour, updated.RateLimitPerHour, "nil fields are left unchanged")

	audit := storage.MutationAuditEntry{OrgID: org.ID, Operation: "API_KEY_REVOKED", ResourceType: "partner_api_key"}
	require.NoError(t, testDB.RevokePartnerKeyWithAudit(ctx, org.ID, k.ID, nil, "rotated", audit))
	err = testDB.RevokePartnerKeyWithAudit(ctx, org.ID, k.ID, nil, "again", audit)
	require.ErrorIs(t, err, storage.ErrNotFound)

	revoked, err := testDB.GetPartnerKey(ctx, org.ID, k.ID)
	require.NoError(t, err)
	assert.Equal(t, model.KeyRevoked, revoked.Status)
	assert.Equal(t, "rotated", revoked.RevokeReason)
}

func TestExpirePartnerKeys(t *testing.T) {
	ctx := context.Background()
	org := fx.Org(t, model.OrgPartner)
	k, _ := createPartnerKey(t, org.ID, model.PartnerFinancial)

	_, err := testDB.Pool().Exec(ctx,
		`UPDATE partner_api_keys SET expires_at = now() - interval '1 minute' WHERE id = $1`, k.ID)
	require.NoError(t, err)

	ids, err := testDB.ExpirePartnerKeys(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, k.ID)

	got, err := testDB.GetPartnerKey(ctx, org.ID, k.ID)
	require.NoError(t, err)
	assert.Equal(t, model.KeyExpired, got.Status)
}

func createHarvest(t *testing.T, orgID uuid.UUID, kg float64) model.Harvest {
	t.Helper()
	ctx := context.Background()
	farmer := fx.Farmer(t, orgID, false)
	farm, err := testDB.CreateFarm(ctx, model.Farm{
		OrganizationID: orgID, FarmerID: farmer.ID, FarmName: "Palayan", FarmType: model.FarmRice,
		TotalAreaHectares: 2,
	})
	require.NoError(t, err)
	h, err := testDB.CreateHarvest(ctx, model.Harvest{
		OrganizationID: orgID, FarmID: farm.ID, FarmerID: farmer.ID, CropType: "rice",
		QuantityKg: kg, PricePerKg: 22, HarvestDate: time.Now().UTC(), Region: "Laguna",
	})
	require.NoError(t, err)
	return h
}

func TestPurchaseOrderReservesListing(t *testing.T) {
	ctx := context.Background()
	farmOrg := fx.Org(t, model.OrgClient)
	buyer := fx.Org(t, model.OrgPartner)
	k, _ := createPartnerKey(t, buyer.ID, model.PartnerBuyerProcessor)
	h := createHarvest(t, farmOrg.ID, 500)

	po := model.PurchaseOrder{
		PONumber: "PO-" + testutil.Suffix(), PartnerKeyID: k.ID, BuyerOrgID: buyer.ID, ListingID: h.ID,
		QuantityKg: 600, OfferedPrice: 21, TotalAmount: 12600, DeliveryTerms: "FOB Farm", PaymentTerms: "Net 30",
		ExpiresAt: time.Now().UTC().AddDate(0, 0, 7),
	}
	_, err := testDB.CreatePurchaseOrder(ctx, po, nil)
	var qe *storage.QuantityError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 500.0, qe.Available)

	po.QuantityKg = 400
	po.TotalAmount = 8400
	created, err := testDB.CreatePurchaseOrder(ctx, po, nil)
	require.NoError(t, err)
	assert.Equal(t, "pending", created.Status)

	listings, _, err := testDB.ListHarvests(ctx, storage.HarvestFilter{FarmID: h.FarmID})
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.Equal(t, model.HarvestReserved, listings[0].Status)

	po.ID = uuid.Nil
	po.PONumber = "PO-" + testutil.Suffix()
	_, err = testDB.CreatePurchaseOrder(ctx, po, nil)
	require.ErrorIs(t, err, storage.ErrListingUnavailable)

	_, err = testDB.CreatePurchaseOrder(ctx, model.PurchaseOrder{ListingID: uuid.New(), QuantityKg: 1}, nil)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSaveAssessmentSupersedes(t *testing.T) {
	ctx := context.Background()
	org := fx.Org(t, model.OrgClient)
	farmer := fx.Farmer(t, org.ID, true)

	save := func(total int, tier string) model.AgScoreAssessment {
		a, err := testDB.SaveAssessment(ctx, model.AgScoreAssessment{
			AssessmentID: "AGS_" + testutil.Suffix(), OrganizationID: org.ID, FarmerID: farmer.ID,
			TotalScore: total, RiskTier: tier, RiskDescription: "x", AssessmentData: json.RawMessage(`{}`),
			Result: json.RawMessage(`{}`), ValidUntil: time.Now().UTC().AddDate(0, 0, 180),
		})
		require.NoError(t, err)
		return a
	}
	first := save(55, "C")
	second := save(82, "A")

	latest, err := testDB.GetLatestAssessment(ctx, org.ID, farmer.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	anyOrg, err := testDB.GetLatestAssessment(ctx, uuid.Nil, farmer.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, anyOrg.ID)

	history, err := testDB.ListAssessments(ctx, org.ID, farmer.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, first.ID, history[1].ID)
	assert.Equal(t, model.AssessmentSuperseded, history[1].Status)

	_, err = testDB.GetLatestAssessment(ctx, org.ID, uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDiagnosisPersistence(t *testing.T) {
	ctx := context.Background()
	org := fx.Org(t, model.OrgClient)
	farmer := fx.Farmer(t, org.ID, false)
	in1 := fx.Input(t, 5)
	in2 := fx.Input(t, 5)

	profile := model.FarmerProfile{
		FarmerID: farmer.ID, OrganizationID: org.ID, FirstName: "Juan", LastName: "Dela Cruz",
		Province: "Laguna", PrimaryCrops: []string{"rice"},
	}
	p, err := testDB.CreateFarmerProfile(ctx, profile)
	require.NoError(t, err)
	assert.Equal(t, 0.5, p.ProfileCompleteness)
	assert.Equal(t, "pending", p.VerificationStatus)

	_, err = testDB.CreateFarmerProfile(ctx, profile)
	require.ErrorIs(t, err, storage.ErrConflict)

	sessionID := "KAANI_" + testutil.Suffix()
	err = testDB.SaveDiagnosis(ctx, model.DiagnosisSession{
		SessionID: sessionID, OrganizationID: org.ID, FarmerID: farmer.ID, Mode: model.DiagnosisRegular,
		Provider: "mock", FarmerInput: json.RawMessage(`{"farmer_id":"x"}`),
		AIAnalysis: json.RawMessage(`{"overall_confidence":0.8}`), Confidence: 0.8, Status: model.SessionCompleted,
	}, []model.ProductRecommendation{
		{InputID: in1.ID, Priority: model.PriorityLow, Reasoning: "maintenance"},
		{InputID: in2.ID, Priority: model.PriorityHigh, Reasoning: "nitrogen deficiency"},
	})
	require.NoError(t, err)

	s, err := testDB.GetDiagnosisSession(ctx, org.ID, sessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, s.Status)

	_, err = testDB.GetDiagnosisSession(ctx, uuid.New(), sessionID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	recs, err := testDB.ListSessionRecommendations(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, model.PriorityHigh, recs[0].Priority)
	assert.Equal(t, in2.Name, recs[0].ProductName)

	matches, err := testDB.ListInputsForCrops(ctx, []string{"RICE"}, 50)
	require.NoError(t, err)
	ids := make([]uuid.UUID, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.ID)
	}
	assert.Contains(t, ids, in1.ID)

	g, ok, err := testDB.GetSeasonalGuidance(ctx, "laguna", 6)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "wet", g.Season)
}

func TestABAssignmentUpsertAndStats(t *testing.T) {
	ctx := context.Background()
	farmerID := uuid.New()
	test := "provider-" + testutil.Suffix()

	_, err := testDB.UpsertABAssignment(ctx, model.ABTestAssignment{
		FarmerID: farmerID, TestName: test, TestGroup: "A", Provider: "openai",
		TestParameters: map[string]any{"model": "gpt-4.1-mini"},
	})
	require.NoError(t, err)
	a, err := testDB.UpsertABAssignment(ctx, model.ABTestAssignment{
		FarmerID: farmerID, TestName: test, TestGroup: "B", Provider: "google",
	})
	require.NoError(t, err)
	assert.Equal(t, "B", a.TestGroup)

	for _, v := range []float64{4, 5} {
		_, err := testDB.InsertABResult(ctx, model.ABTestResult{
			TestName: test, TestGroup: "B", FarmerID: farmerID, MetricName: "satisfaction", MetricValue: v,
		})
		require.NoError(t, err)
	}

	groups, metrics, err := testDB.GetABTestStats(ctx, test)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, 1, groups[0].FarmerCount)
	require.Len(t, metrics, 1)
	assert.Equal(t, 4.5, metrics[0].Average)
	assert.Equal(t, 2, metrics[0].TotalInteractions)
}

func TestPurgeUsageLogs(t *testing.T) {
	ctx := context.Background()
	org := fx.Org(t, model.OrgPartner)
	k, _ := createPartnerKey(t, org.ID, model.PartnerTechnology)

	old := time.Now().UTC().AddDate(0, 0, -120)
	logs := make([]model.UsageLog, 0, 7)
	for i := 0; i < 5; i++ {
		logs = append(logs, model.UsageLog{APIKeyID: k.ID, Endpoint: "/api/partners/auth/verify", Method: "GET",
			StatusCode: 200, CreatedAt: old})
	}
	for i := 0; i < 2; i++ {
		logs = append(logs, model.UsageLog{APIKeyID: k.ID, Endpoint: "/api/partners/auth/verify", Method: "GET",
			StatusCode: 200})
	}
	require.NoError(t, testDB.InsertUsageBatch(ctx, logs))

	n, err := testDB.PurgeUsageLogs(ctx, time.Now().UTC().AddDate(0, 0, -90), 2)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(5))

	usage, err := testDB.GetKeyUsage(ctx, k.ID, 365)
	require.NoError(t, err)
	assert.Equal(t, 2, usage.TotalRequests)
}

func TestNotifyRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.True(t, testDB.HasNotify())
	require.NoError(t, testDB.Listen(ctx, storage.ChannelCacheInvalidation))

	payload := "partner_key:mk_" + testutil.Suffix()
	require.NoError(t, testDB.Notify(ctx, storage.ChannelCacheInvalidation, payload))

	channel, got, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelCacheInvalidation, channel)
	assert.Equal(t, payload, got)
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	var before int
	require.NoError(t, testDB.Pool().QueryRow(ctx, `SELECT count(*) FROM schema_migrations`).Scan(&before))
	require.NoError(t, testDB.RunMigrations(ctx, migrations.FS))
	var after int
	require.NoError(t, testDB.Pool().QueryRow(ctx, `SELECT count(*) FROM schema_migrations`).Scan(&after))
	assert.Equal(t, before, after)
	assert.Positive(t, after)
}
