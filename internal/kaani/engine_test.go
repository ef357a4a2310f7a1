package kaani

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magsasa-card/magsasa/internal/model"
)

type memStore struct {
	mu       sync.Mutex
	catalog  []model.AgriculturalInput
	guidance map[string]model.SeasonalGuidance
	sessions []model.DiagnosisSession
	recs     [][]model.ProductRecommendation
}

func (m *memStore) ListActiveInputs(context.Context) ([]model.AgriculturalInput, error) {
	return m.catalog, nil
}

func (m *memStore) GetSeasonalGuidance(_ context.Context, province string, _ int) (model.SeasonalGuidance, bool, error) {
	g, ok := m.guidance[strings.ToLower(province)]
	return g, ok, nil
}

func (m *memStore) SaveDiagnosis(_ context.Context, s model.DiagnosisSession, recs []model.ProductRecommendation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, s)
	m.recs = append(m.recs, recs)
	return nil
}

type scriptedProvider struct {
	analysis string
	recs     string
	err      error
}

func (p scriptedProvider) Name() string               { return "scripted" }
func (p scriptedProvider) Ping(context.Context) error { return nil }
func (p scriptedProvider) Complete(_ context.Context, _, user string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	if strings.Contains(user, productsHeader) {
		return p.recs, nil
	}
	return p.analysis, nil
}

func testCatalog() []model.AgriculturalInput {
	return []model.AgriculturalInput{
		{ID: uuid.New(), Name: "Urea 46-0-0", Category: "fertilizer", RetailPrice: 1450, CropSuitability: []string{"Rice", "Corn"}},
		{ID: uuid.New(), Name: "Cypermethrin 5EC", Category: "pesticide", RetailPrice: 380, CropSuitability: []string{"Vegetables"}},
		{ID: uuid.New(), Name: "Complete 14-14-14", Category: "fertilizer", RetailPrice: 1600, CropSuitability: []string{"rice"}},
	}
}

func validInput() FarmerInput {
	return FarmerInput{
		FarmerID:     uuid.NewString(),
		Location:     &Location{Province: "Laguna", Municipality: "Calamba"},
		FarmProfile:  &FarmProfile{SizeHectares: 1.5, PrimaryCrop: "rice"},
		CurrentIssue: &CurrentIssue{Problem: "Yellowing leaves", Severity: "moderate"},
	}
}

func TestFarmerInputValidate(t *testing.T) {
	tests := []struct {
		name string
		in   FarmerInput
		ok   bool
	}{
		{"location only", FarmerInput{FarmerID: uuid.NewString(), Location: &Location{Province: "Laguna"}}, true},
		{"issue only", FarmerInput{FarmerID: uuid.NewString(), CurrentIssue: &CurrentIssue{Problem: "pests"}}, true},
		{"neither", FarmerInput{FarmerID: uuid.NewString()}, false},
		{"bad farmer id", FarmerInput{FarmerID: "F1", Location: &Location{}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidInput)
			}
		})
	}
}

func TestDiagnoseRegularWithMock(t *testing.T) {
	store := &memStore{
		catalog:  testCatalog(),
		guidance: map[string]model.SeasonalGuidance{"laguna": {Province: "Laguna", Season: "wet"}},
	}
	e := NewEngine(MockProvider{}, store, slog.Default())
	orgID, userID := uuid.New(), uuid.New()

	res, err := e.Diagnose(context.Background(), Caller{OrgID: orgID, UserID: &userID}, model.DiagnosisRegular, validInput())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(res.SessionID, "DIAG_"))
	assert.Equal(t, model.DiagnosisRegular, res.Mode)
	assert.InDelta(t, 0.78, res.Analysis.OverallConfidence, 1e-9)
	require.NotNil(t, res.SeasonalGuidance)
	assert.Equal(t, "wet", res.SeasonalGuidance.Season)
	assert.Equal(t, "mock", res.Metadata.AIProvider)
	assert.Equal(t, engineVersion, res.Metadata.Version)
	assert.Equal(t, 7, res.FollowUp.RecommendedCheckDays)
	assert.Contains(t, res.FollowUp.MonitoringPoints, "Check for pest presence weekly")
	assert.Equal(t, "Laguna Agricultural Office", res.FollowUp.EmergencyContacts[0].Name)

	// Rice-suited products are offered first, so the mock picks those two.
	require.Len(t, res.ProductRecommendations, 2)
	assert.Equal(t, "Urea 46-0-0", res.ProductRecommendations[0].ProductName)
	assert.Equal(t, "Complete 14-14-14", res.ProductRecommendations[1].ProductName)
	assert.Equal(t, model.PriorityHigh, res.ProductRecommendations[0].Priority)
	assert.Equal(t, 1450.0, res.ProductRecommendations[0].EstimatedCost)

	require.Len(t, store.sessions, 1)
	s := store.sessions[0]
	assert.Equal(t, model.SessionCompleted, s.Status)
	assert.Equal(t, orgID, s.OrganizationID)
	assert.Equal(t, &userID, s.CreatedBy)
	assert.Equal(t, res.SessionID, s.SessionID)
	var stored Analysis
	require.NoError(t, json.Unmarshal(s.AIAnalysis, &stored))
	assert.Equal(t, res.Analysis.PriorityActions, stored.PriorityActions)
	assert.Len(t, store.recs[0], 2)
}

func TestDiagnoseQuick(t *testing.T) {
	e := NewEngine(MockProvider{}, &memStore{catalog: testCatalog()}, slog.Default())
	res, err := e.Diagnose(context.Background(), Caller{OrgID: uuid.New()}, model.DiagnosisQuick, validInput())
	require.NoError(t, err)

	q := res.Quick()
	assert.Equal(t, model.DiagnosisQuick, q.Mode)
	assert.Equal(t, res.SessionID, q.SessionID)
	assert.Len(t, q.TopProducts, 2)
	assert.Equal(t, res.Analysis.PriorityActions, q.QuickRecommendations.PriorityActions)
	assert.Nil(t, res.SeasonalGuidance)
}

func TestDiagnoseDropsUnknownProducts(t *testing.T) {
	p := scriptedProvider{
		analysis: `{"overall_confidence":0.6,"priority_actions":["x"]}`,
		recs: `{"recommendations":[
			{"product_name":"Imaginary Booster","priority":"high"},
			{"product_name":"cypermethrin 5ec","priority":"LOW","confidence":0.4},
			{"product_name":"Cypermethrin 5EC","priority":"high"}
		]}`,
	}
	e := NewEngine(p, &memStore{catalog: testCatalog()}, slog.Default())
	res, err := e.Diagnose(context.Background(), Caller{OrgID: uuid.New()}, model.DiagnosisRegular, validInput())
	require.NoError(t, err)

	require.Len(t, res.ProductRecommendations, 1)
	assert.Equal(t, "Cypermethrin 5EC", res.ProductRecommendations[0].ProductName)
	assert.Equal(t, model.PriorityLow, res.ProductRecommendations[0].Priority)
	assert.Equal(t, defaultFollowUpDays, res.FollowUp.RecommendedCheckDays)
}

func TestDiagnoseProviderFailurePersistsErrorSession(t *testing.T) {
	store := &memStore{catalog: testCatalog()}
	e := NewEngine(scriptedProvider{err: errors.New("upstream unavailable")}, store, slog.Default())

	_, err := e.Diagnose(context.Background(), Caller{OrgID: uuid.New()}, model.DiagnosisRegular, validInput())
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.NotEmpty(t, perr.SessionID)

	require.Len(t, store.sessions, 1)
	assert.Equal(t, model.SessionError, store.sessions[0].Status)
	assert.Equal(t, "upstream unavailable", store.sessions[0].ErrorMessage)
	assert.Equal(t, perr.SessionID, store.sessions[0].SessionID)
}

func TestDiagnoseUnparseableAnalysis(t *testing.T) {
	store := &memStore{}
	e := NewEngine(scriptedProvider{analysis: "not json"}, store, slog.Default())
	_, err := e.Diagnose(context.Background(), Caller{OrgID: uuid.New()}, model.DiagnosisQuick, validInput())
	var perr *ProviderError
	assert.ErrorAs(t, err, &perr)
	require.Len(t, store.sessions, 1)
	assert.Equal(t, model.SessionError, store.sessions[0].Status)
}

func TestDiagnosisPrompt(t *testing.T) {
	p := diagnosisPrompt(validInput(), model.DiagnosisQuick)
	assert.Contains(t, p, "Location: Laguna, Calamba")
	assert.Contains(t, p, "Farm: 1.5 hectares")
	assert.Contains(t, p, "Problem: Yellowing leaves")
	assert.Contains(t, p, "Affected area: Unknown")
	assert.NotContains(t, p, "Growth stage")
	assert.Contains(t, p, "QUICK")
}

func TestNewSessionIDUnique(t *testing.T) {
	now := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)
	a, b := NewSessionID(now), NewSessionID(now)
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "DIAG_20250601_083000_"))
}
