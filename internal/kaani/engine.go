// Package kaani runs the KaAni crop diagnosis: it forwards the farmer's
// situation to an LLM provider, reshapes the JSON analysis, and matches the
// provider's product suggestions against the live input catalog.
package kaani

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/magsasa-card/magsasa/internal/model"
)

// ErrInvalidInput is returned when the farmer input lacks the fields a
// diagnosis needs.
var ErrInvalidInput = errors.New("kaani: invalid farmer input data")

// ProviderError reports a failed provider call. The session was persisted
// with status error under SessionID.
type ProviderError struct {
	SessionID string
	Err       error
}

func (e *ProviderError) Error() string { return "kaani: diagnosis failed: " + e.Err.Error() }
func (e *ProviderError) Unwrap() error { return e.Err }

// Store is the persistence surface the engine needs.
type Store interface {
	ListActiveInputs(ctx context.Context) ([]model.AgriculturalInput, error)
	GetSeasonalGuidance(ctx context.Context, province string, month int) (model.SeasonalGuidance, bool, error)
	SaveDiagnosis(ctx context.Context, s model.DiagnosisSession, recs []model.ProductRecommendation) error
}

// Location is where the farm is.
type Location struct {
	Province     string `json:"province,omitempty"`
	Municipality string `json:"municipality,omitempty"`
	Barangay     string `json:"barangay,omitempty"`
}

// FarmProfile describes the farm being diagnosed.
type FarmProfile struct {
	SizeHectares float64 `json:"size_hectares,omitempty"`
	SoilType     string  `json:"soil_type,omitempty"`
	PrimaryCrop  string  `json:"primary_crop,omitempty"`
	Irrigation   string  `json:"irrigation,omitempty"`
}

// CurrentIssue is the problem the farmer reports.
type CurrentIssue struct {
	Problem      string `json:"problem,omitempty"`
	Severity     string `json:"severity,omitempty"`
	AffectedArea string `json:"affected_area,omitempty"`
	Duration     string `json:"duration,omitempty"`
}

// SeasonInfo places the crop in its cycle.
type SeasonInfo struct {
	PlantingSeason    string `json:"planting_season,omitempty"`
	GrowthStage       string `json:"growth_stage,omitempty"`
	DaysAfterPlanting int    `json:"days_after_planting,omitempty"`
}

// FarmerInput is the diagnosis request body.
type FarmerInput struct {
	FarmerID           string        `json:"farmer_id"`
	Location           *Location     `json:"location,omitempty"`
	FarmProfile        *FarmProfile  `json:"farm_profile,omitempty"`
	CurrentIssue       *CurrentIssue `json:"current_issue,omitempty"`
	SeasonInfo         *SeasonInfo   `json:"season_info,omitempty"`
	LanguagePreference string        `json:"language_preference,omitempty"`
}

// Validate checks for a parseable farmer id and at least a location or an issue.
func (in FarmerInput) Validate() error {
	if _, err := uuid.Parse(in.FarmerID); err != nil {
		return ErrInvalidInput
	}
	if in.Location == nil && in.CurrentIssue == nil {
		return ErrInvalidInput
	}
	return nil
}

// Analysis is the provider's structured diagnosis.
type Analysis struct {
	SoilClimate struct {
		Assessment      string   `json:"assessment"`
		Recommendations []string `json:"recommendations"`
		Confidence      float64  `json:"confidence"`
	} `json:"soil_climate"`
	Pests struct {
		LikelyPests []string `json:"likely_pests"`
		RiskLevel   string   `json:"risk_level"`
		Prevention  []string `json:"prevention"`
		Confidence  float64  `json:"confidence"`
	} `json:"pests"`
	Disease struct {
		LikelyDiseases []string `json:"likely_diseases"`
		PrimaryCause   string   `json:"primary_cause"`
		Treatment      []string `json:"treatment"`
		Confidence     float64  `json:"confidence"`
	} `json:"disease"`
	Fertilization struct {
		Diagnosis       string   `json:"diagnosis"`
		Recommendations []string `json:"recommendations"`
		Timing          string   `json:"timing"`
		Confidence      float64  `json:"confidence"`
	} `json:"fertilization"`
	OverallConfidence float64  `json:"overall_confidence"`
	PriorityActions   []string `json:"priority_actions"`
	FollowUpDays      int      `json:"follow_up_days"`
}

// Contact is a place the farmer can escalate to.
type Contact struct {
	Type     string   `json:"type"`
	Name     string   `json:"name"`
	Phone    string   `json:"phone"`
	Services []string `json:"services"`
}

// FollowUp tells the farmer what to watch and when to check back.
type FollowUp struct {
	RecommendedCheckDays int       `json:"recommended_check_days"`
	MonitoringPoints     []string  `json:"monitoring_points"`
	EmergencyContacts    []Contact `json:"emergency_contacts"`
}

// Metadata describes how a result was produced.
type Metadata struct {
	DiagnosisTimestamp    time.Time `json:"diagnosis_timestamp"`
	AIProvider            string    `json:"ai_provider"`
	ConfidenceOverall     float64   `json:"confidence_overall"`
	ProcessingTimeSeconds float64   `json:"processing_time_seconds"`
	Version               string    `json:"version"`
}

// Result is a full diagnosis.
type Result struct {
	SessionID              string                        `json:"session_id"`
	FarmerInput            FarmerInput                   `json:"farmer_input"`
	Mode                   string                        `json:"diagnosis_mode"`
	Analysis               Analysis                      `json:"ai_analysis"`
	ProductRecommendations []model.ProductRecommendation `json:"product_recommendations"`
	SeasonalGuidance       *model.SeasonalGuidance       `json:"seasonal_guidance"`
	FollowUp               FollowUp                      `json:"follow_up"`
	Metadata               Metadata                      `json:"metadata"`
}

// QuickResult is the condensed form returned by quick diagnosis.
type QuickResult struct {
	SessionID            string `json:"session_id"`
	Mode                 string `json:"diagnosis_mode"`
	QuickRecommendations struct {
		PriorityActions []string `json:"priority_actions"`
		Confidence      float64  `json:"confidence"`
		FollowUpDays    int      `json:"follow_up_days"`
	} `json:"quick_recommendations"`
	TopProducts []model.ProductRecommendation `json:"top_products"`
	Timestamp   time.Time                     `json:"timestamp"`
}

// Quick condenses r.
func (r Result) Quick() QuickResult {
	q := QuickResult{SessionID: r.SessionID, Mode: model.DiagnosisQuick, Timestamp: r.Metadata.DiagnosisTimestamp}
	q.QuickRecommendations.PriorityActions = r.Analysis.PriorityActions
	q.QuickRecommendations.Confidence = r.Analysis.OverallConfidence
	q.QuickRecommendations.FollowUpDays = r.FollowUp.RecommendedCheckDays
	q.TopProducts = r.ProductRecommendations[:min(2, len(r.ProductRecommendations))]
	return q
}

// Caller identifies who a diagnosis runs for.
type Caller struct {
	OrgID  uuid.UUID
	UserID *uuid.UUID
}

const (
	engineVersion       = "1.0.0"
	defaultFollowUpDays = 7
	promptProductLimit  = 10
)

// Engine coordinates a diagnosis.
type Engine struct {
	provider Provider
	store    Store
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(provider Provider, store Store, logger *slog.Logger) *Engine {
	return &Engine{provider: provider, store: store, logger: logger, now: time.Now}
}

// Provider returns the configured provider.
func (e *Engine) Provider() Provider { return e.provider }

// NewSessionID returns a sortable, collision-free public session id.
func NewSessionID(now time.Time) string {
	return "DIAG_" + now.UTC().Format("20060102_150405") + "_" + xid.New().String()
}

// Diagnose runs one diagnosis in mode (quick or regular) and persists it.
func (e *Engine) Diagnose(ctx context.Context, c Caller, mode string, in FarmerInput) (Result, error) {
	if err := in.Validate(); err != nil {
		return Result{}, err
	}
	if mode != model.DiagnosisQuick {
		mode = model.DiagnosisRegular
	}
	farmerID := uuid.MustParse(in.FarmerID)
	start := e.now()
	sessionID := NewSessionID(start)

	var (
		analysis Analysis
		catalog  []model.AgriculturalInput
		guidance *model.SeasonalGuidance
		callErr  error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		raw, err := e.provider.Complete(gctx, systemPrompt, diagnosisPrompt(in, mode))
		if err == nil {
			err = json.Unmarshal([]byte(raw), &analysis)
		}
		// Provider failures are reported through callErr so the lookups
		// below are not cancelled by them.
		callErr = err
		return nil
	})
	g.Go(func() error {
		var err error
		catalog, err = e.store.ListActiveInputs(gctx)
		if err != nil {
			return fmt.Errorf("kaani: load catalog: %w", err)
		}
		return nil
	})
	if in.Location != nil && in.Location.Province != "" {
		g.Go(func() error {
			sg, ok, err := e.store.GetSeasonalGuidance(gctx, in.Location.Province, int(start.Month()))
			if err != nil {
				return fmt.Errorf("kaani: seasonal guidance: %w", err)
			}
			if ok {
				guidance = &sg
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	inputJSON, err := json.Marshal(in)
	if err != nil {
		return Result{}, fmt.Errorf("kaani: marshal farmer input: %w", err)
	}
	session := model.DiagnosisSession{
		SessionID:      sessionID,
		OrganizationID: c.OrgID,
		FarmerID:       farmerID,
		Mode:           mode,
		Provider:       e.provider.Name(),
		FarmerInput:    inputJSON,
		CreatedBy:      c.UserID,
	}

	if callErr != nil {
		session.Status = model.SessionError
		session.ErrorMessage = callErr.Error()
		if err := e.store.SaveDiagnosis(ctx, session, nil); err != nil {
			e.logger.Error("kaani: persist failed session", "error", err, "session_id", sessionID)
		}
		e.logger.Warn("kaani: provider call failed", "error", callErr, "session_id", sessionID, "provider", e.provider.Name())
		return Result{}, &ProviderError{SessionID: sessionID, Err: callErr}
	}
	if analysis.FollowUpDays <= 0 {
		analysis.FollowUpDays = defaultFollowUpDays
	}

	recs := e.recommend(ctx, sessionID, analysis, candidates(catalog, in))

	session.AIAnalysis, err = json.Marshal(analysis)
	if err != nil {
		return Result{}, fmt.Errorf("kaani: marshal analysis: %w", err)
	}
	session.Confidence = analysis.OverallConfidence
	session.Status = model.SessionCompleted
	if err := e.store.SaveDiagnosis(ctx, session, recs); err != nil {
		return Result{}, fmt.Errorf("kaani: save diagnosis: %w", err)
	}

	end := e.now()
	return Result{
		SessionID:              sessionID,
		FarmerInput:            in,
		Mode:                   mode,
		Analysis:               analysis,
		ProductRecommendations: recs,
		SeasonalGuidance:       guidance,
		FollowUp: FollowUp{
			RecommendedCheckDays: analysis.FollowUpDays,
			MonitoringPoints:     monitoringPoints(analysis),
			EmergencyContacts:    emergencyContacts(in),
		},
		Metadata: Metadata{
			DiagnosisTimestamp:    end.UTC(),
			AIProvider:            e.provider.Name(),
			ConfidenceOverall:     analysis.OverallConfidence,
			ProcessingTimeSeconds: end.Sub(start).Seconds(),
			Version:               engineVersion,
		},
	}, nil
}

type recommendationReply struct {
	ProductName      string  `json:"product_name"`
	Category         string  `json:"category"`
	Priority         string  `json:"priority"`
	Reasoning        string  `json:"reasoning"`
	QuantityEstimate string  `json:"quantity_estimate"`
	Timing           string  `json:"timing"`
	Confidence       float64 `json:"confidence"`
}

type recommendationsReply struct {
	Recommendations []recommendationReply `json:"recommendations"`
}

// recommend asks the provider to pick products and keeps only the picks
// that name a catalog item. A failed call yields no recommendations.
func (e *Engine) recommend(ctx context.Context, sessionID string, a Analysis, products []model.AgriculturalInput) []model.ProductRecommendation {
	if len(products) == 0 {
		return []model.ProductRecommendation{}
	}
	raw, err := e.provider.Complete(ctx, recommendSystemPrompt, recommendationPrompt(a, products))
	if err != nil {
		e.logger.Warn("kaani: recommendation call failed", "error", err, "session_id", sessionID)
		return []model.ProductRecommendation{}
	}
	var reply recommendationsReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		e.logger.Warn("kaani: unparseable recommendations", "error", err, "session_id", sessionID)
		return []model.ProductRecommendation{}
	}

	byName := make(map[string]model.AgriculturalInput, len(products))
	for _, p := range products {
		byName[strings.ToLower(strings.TrimSpace(p.Name))] = p
	}
	out := make([]model.ProductRecommendation, 0, len(reply.Recommendations))
	seen := make(map[uuid.UUID]bool)
	for _, r := range reply.Recommendations {
		p, ok := byName[strings.ToLower(strings.TrimSpace(r.ProductName))]
		if !ok || seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		out = append(out, model.ProductRecommendation{
			ID:                uuid.New(),
			SessionID:         sessionID,
			InputID:           p.ID,
			ProductName:       p.Name,
			Category:          p.Category,
			Brand:             p.Brand,
			PackageSize:       p.PackageSize,
			Priority:          normalizePriority(r.Priority),
			Reasoning:         r.Reasoning,
			EstimatedQuantity: r.QuantityEstimate,
			Timing:            r.Timing,
			EstimatedCost:     p.RetailPrice,
			Confidence:        r.Confidence,
		})
	}
	return out
}

func normalizePriority(p string) string {
	switch strings.ToLower(p) {
	case model.PriorityHigh:
		return model.PriorityHigh
	case model.PriorityLow:
		return model.PriorityLow
	default:
		return model.PriorityMedium
	}
}

// candidates orders the catalog so items suited to the farmer's crop come
// first, then trims it to what fits in a prompt.
func candidates(catalog []model.AgriculturalInput, in FarmerInput) []model.AgriculturalInput {
	var crop string
	if in.FarmProfile != nil {
		crop = strings.ToLower(in.FarmProfile.PrimaryCrop)
	}
	out := slices.Clone(catalog)
	if crop != "" {
		slices.SortStableFunc(out, func(a, b model.AgriculturalInput) int {
			sa, sb := suits(a, crop), suits(b, crop)
			switch {
			case sa == sb:
				return 0
			case sa:
				return -1
			default:
				return 1
			}
		})
	}
	return out[:min(promptProductLimit, len(out))]
}

func suits(p model.AgriculturalInput, crop string) bool {
	return slices.ContainsFunc(p.CropSuitability, func(c string) bool { return strings.ToLower(c) == crop })
}

func monitoringPoints(a Analysis) []string {
	points := []string{"Monitor soil moisture and drainage"}
	if a.Pests.RiskLevel == "medium" || a.Pests.RiskLevel == "high" {
		points = append(points, "Check for pest presence weekly")
	}
	if len(a.Disease.LikelyDiseases) > 0 {
		points = append(points, "Monitor for disease symptoms")
	}
	return append(points, "Track plant response to fertilizer application")
}

func emergencyContacts(in FarmerInput) []Contact {
	province := "Philippines"
	if in.Location != nil && in.Location.Province != "" {
		province = in.Location.Province
	}
	return []Contact{
		{
			Type:     "Agricultural Extension Office",
			Name:     province + " Agricultural Office",
			Phone:    "Available through local government",
			Services: []string{"Emergency consultation", "Pest outbreak response"},
		},
		{
			Type:     "CARD MRI Support",
			Name:     "CARD MRI Agricultural Support",
			Phone:    "Available through CARD centers",
			Services: []string{"Input supply", "Technical assistance"},
		},
	}
}
