package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/magsasa-card/magsasa/internal/model"
)

const profileColumns = `farmer_id, organization_id, first_name, last_name, province, municipality, barangay,
	farm_size_hectares, primary_crops, soil_type, irrigation_type, farming_experience_years, card_member_id,
	is_card_member, profile_completeness, verification_status, created_at, updated_at`

func scanProfile(row pgx.Row) (model.FarmerProfile, error) {
	var p model.FarmerProfile
	err := row.Scan(&p.FarmerID, &p.OrganizationID, &p.FirstName, &p.LastName, &p.Province, &p.Municipality,
		&p.Barangay, &p.FarmSizeHectares, &p.PrimaryCrops, &p.SoilType, &p.IrrigationType, &p.FarmingExperience,
		&p.CardMemberID, &p.IsCardMember, &p.ProfileCompleteness, &p.VerificationStatus, &p.CreatedAt,
		&p.UpdatedAt)
	return p, err
}

// CreateFarmerProfile inserts a profile. An existing profile for the farmer
// yields a *ConflictError.
func (db *DB) CreateFarmerProfile(ctx context.Context, p model.FarmerProfile) (model.FarmerProfile, error) {
	if p.PrimaryCrops == nil {
		p.PrimaryCrops = []string{}
	}
	if p.ProfileCompleteness == 0 {
		p.ProfileCompleteness = 0.5
	}
	if p.VerificationStatus == "" {
		p.VerificationStatus = "pending"
	}
	out, err := scanProfile(db.pool.QueryRow(ctx,
		`INSERT INTO farmer_profiles (farmer_id, organization_id, first_name, last_name, province, municipality,
		     barangay, farm_size_hectares, primary_crops, soil_type, irrigation_type, farming_experience_years,
		     card_member_id, is_card_member, profile_completeness, verification_status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 RETURNING `+profileColumns,
		p.FarmerID, p.OrganizationID, p.FirstName, p.LastName, p.Province, p.Municipality, p.Barangay,
		p.FarmSizeHectares, p.PrimaryCrops, p.SoilType, p.IrrigationType, p.FarmingExperience, p.CardMemberID,
		p.IsCardMember, p.ProfileCompleteness, p.VerificationStatus,
	))
	if err != nil {
		return model.FarmerProfile{}, fmt.Errorf("storage: create farmer profile: %w", uniqueViolation(err))
	}
	return out, nil
}

// GetFarmerProfile returns the profile for a farmer in orgID.
func (db *DB) GetFarmerProfile(ctx context.Context, orgID, farmerID uuid.UUID) (model.FarmerProfile, error) {
	p, err := scanProfile(db.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM farmer_profiles WHERE farmer_id = $1 AND organization_id = $2`,
		farmerID, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.FarmerProfile{}, fmt.Errorf("storage: farmer profile %s: %w", farmerID, ErrNotFound)
	}
	if err != nil {
		return model.FarmerProfile{}, fmt.Errorf("storage: get farmer profile: %w", err)
	}
	return p, nil
}

const sessionColumns = `id, session_id, organization_id, farmer_id, diagnosis_mode, provider, farmer_input,
	ai_analysis, overall_confidence, status, error_message, created_by, created_at`

func scanDiagnosisSession(row pgx.Row) (model.DiagnosisSession, error) {
	var s model.DiagnosisSession
	err := row.Scan(&s.ID, &s.SessionID, &s.OrganizationID, &s.FarmerID, &s.Mode, &s.Provider, &s.FarmerInput,
		&s.AIAnalysis, &s.Confidence, &s.Status, &s.ErrorMessage, &s.CreatedBy, &s.CreatedAt)
	return s, err
}

// SaveDiagnosis persists a diagnosis session and its product recommendations
// in one transaction.
func (db *DB) SaveDiagnosis(ctx context.Context, s model.DiagnosisSession, recs []model.ProductRecommendation) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO diagnosis_sessions (id, session_id, organization_id, farmer_id, diagnosis_mode, provider,
			     farmer_input, ai_analysis, overall_confidence, status, error_message, created_by)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			s.ID, s.SessionID, s.OrganizationID, s.FarmerID, s.Mode, s.Provider, s.FarmerInput,
			nullJSON(s.AIAnalysis), s.Confidence, s.Status, s.ErrorMessage, s.CreatedBy)
		if err != nil {
			return fmt.Errorf("storage: insert diagnosis session: %w", uniqueViolation(err))
		}
		if len(recs) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for _, r := range recs {
			if r.ID == uuid.Nil {
				r.ID = uuid.New()
			}
			batch.Queue(
				`INSERT INTO product_recommendations (id, session_id, input_id, priority, reasoning,
				     estimated_quantity, timing, estimated_cost, confidence)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				r.ID, s.SessionID, r.InputID, r.Priority, r.Reasoning, r.EstimatedQuantity, r.Timing,
				r.EstimatedCost, r.Confidence)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("storage: insert recommendations: %w", err)
		}
		return nil
	})
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// GetDiagnosisSession returns a session by its public session id.
func (db *DB) GetDiagnosisSession(ctx context.Context, orgID uuid.UUID, sessionID string) (model.DiagnosisSession, error) {
	s, err := scanDiagnosisSession(db.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM diagnosis_sessions WHERE session_id = $1 AND organization_id = $2`,
		sessionID, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DiagnosisSession{}, fmt.Errorf("storage: diagnosis session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return model.DiagnosisSession{}, fmt.Errorf("storage: get diagnosis session: %w", err)
	}
	return s, nil
}

// ListSessionRecommendations returns a session's recommendations joined to
// the catalog, high priority first.
func (db *DB) ListSessionRecommendations(ctx context.Context, sessionID string) ([]model.ProductRecommendation, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT r.id, r.session_id, r.input_id, i.name, i.category, i.brand, i.package_size, r.priority,
		        r.reasoning, r.estimated_quantity, r.timing, r.estimated_cost, r.confidence
		 FROM product_recommendations r
		 JOIN agricultural_inputs i ON i.id = r.input_id
		 WHERE r.session_id = $1
		 ORDER BY CASE r.priority WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END, r.confidence DESC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("storage: list recommendations: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ProductRecommendation, error) {
		var r model.ProductRecommendation
		err := row.Scan(&r.ID, &r.SessionID, &r.InputID, &r.ProductName, &r.Category, &r.Brand, &r.PackageSize,
			&r.Priority, &r.Reasoning, &r.EstimatedQuantity, &r.Timing, &r.EstimatedCost, &r.Confidence)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan recommendations: %w", err)
	}
	return out, nil
}

// ListInputsForCrops returns active inputs whose crop suitability overlaps
// crops, compared case-insensitively.
func (db *DB) ListInputsForCrops(ctx context.Context, crops []string, limit int) ([]model.AgriculturalInput, error) {
	lowered := make([]string, 0, len(crops))
	for _, c := range crops {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			lowered = append(lowered, c)
		}
	}
	if len(lowered) == 0 {
		return []model.AgriculturalInput{}, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+inputColumns+` FROM agricultural_inputs
		 WHERE is_active AND EXISTS (SELECT 1 FROM unnest(crop_suitability) c WHERE lower(c) = ANY($1))
		 ORDER BY name LIMIT $2`,
		lowered, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list inputs for crops: %w", err)
	}
	out, err := collectInputs(rows)
	if err != nil {
		return nil, fmt.Errorf("storage: scan inputs for crops: %w", err)
	}
	return out, nil
}

// GetSeasonalGuidance returns the guidance for a province and month.
func (db *DB) GetSeasonalGuidance(ctx context.Context, province string, month int) (model.SeasonalGuidance, bool, error) {
	var g model.SeasonalGuidance
	err := db.pool.QueryRow(ctx,
		`SELECT id, province, month, season, recommended_crops, advisories, weather_outlook
		 FROM seasonal_guidance WHERE lower(province) = lower($1) AND month = $2`,
		province, month,
	).Scan(&g.ID, &g.Province, &g.Month, &g.Season, &g.RecommendedCrops, &g.Advisories, &g.WeatherOutlook)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SeasonalGuidance{}, false, nil
	}
	if err != nil {
		return model.SeasonalGuidance{}, false, fmt.Errorf("storage: get seasonal guidance: %w", err)
	}
	return g, true, nil
}

// UpsertABAssignment records a farmer's experiment arm, replacing any prior one.
func (db *DB) UpsertABAssignment(ctx context.Context, a model.ABTestAssignment) (model.ABTestAssignment, error) {
	params, err := json.Marshal(orEmptyMap(a.TestParameters))
	if err != nil {
		return model.ABTestAssignment{}, fmt.Errorf("storage: marshal test parameters: %w", err)
	}
	var raw []byte
	err = db.pool.QueryRow(ctx,
		`INSERT INTO ab_test_assignments (farmer_id, test_name, test_group, provider, test_parameters)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (farmer_id, test_name) DO UPDATE
		     SET test_group = EXCLUDED.test_group, provider = EXCLUDED.provider,
		         test_parameters = EXCLUDED.test_parameters, assigned_at = now()
		 RETURNING farmer_id, test_name, test_group, provider, test_parameters, assigned_at`,
		a.FarmerID, a.TestName, a.TestGroup, a.Provider, params,
	).Scan(&a.FarmerID, &a.TestName, &a.TestGroup, &a.Provider, &raw, &a.AssignedAt)
	if err != nil {
		return model.ABTestAssignment{}, fmt.Errorf("storage: upsert ab assignment: %w", err)
	}
	if err := json.Unmarshal(raw, &a.TestParameters); err != nil {
		return model.ABTestAssignment{}, fmt.Errorf("storage: decode test parameters: %w", err)
	}
	return a, nil
}

// InsertABResult records one outcome metric.
func (db *DB) InsertABResult(ctx context.Context, r model.ABTestResult) (model.ABTestResult, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO ab_test_results (id, test_name, test_group, farmer_id, metric_name, metric_value, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.TestName, r.TestGroup, r.FarmerID, r.MetricName, r.MetricValue, r.RecordedAt)
	if err != nil {
		return model.ABTestResult{}, fmt.Errorf("storage: insert ab result: %w", err)
	}
	return r, nil
}

// ABGroupStat is the number of farmers assigned to one arm.
type ABGroupStat struct {
	TestGroup   string `json:"test_group"`
	Provider    string `json:"provider"`
	FarmerCount int    `json:"farmer_count"`
}

// ABMetricStat aggregates one metric for one arm.
type ABMetricStat struct {
	TestGroup         string  `json:"test_group"`
	MetricName        string  `json:"metric_name"`
	Average           float64 `json:"average"`
	TotalInteractions int     `json:"total_interactions"`
}

// GetABTestStats returns per-arm assignment counts and metric averages.
func (db *DB) GetABTestStats(ctx context.Context, testName string) ([]ABGroupStat, []ABMetricStat, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT test_group, provider, count(*) FROM ab_test_assignments WHERE test_name = $1
		 GROUP BY test_group, provider ORDER BY test_group`, testName)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: ab group stats: %w", err)
	}
	groups, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ABGroupStat, error) {
		var g ABGroupStat
		err := row.Scan(&g.TestGroup, &g.Provider, &g.FarmerCount)
		return g, err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("storage: scan ab group stats: %w", err)
	}

	rows, err = db.pool.Query(ctx,
		`SELECT test_group, metric_name, avg(metric_value), count(*) FROM ab_test_results WHERE test_name = $1
		 GROUP BY test_group, metric_name ORDER BY test_group, metric_name`, testName)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: ab metric stats: %w", err)
	}
	metrics, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ABMetricStat, error) {
		var m ABMetricStat
		err := row.Scan(&m.TestGroup, &m.MetricName, &m.Average, &m.TotalInteractions)
		return m, err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("storage: scan ab metric stats: %w", err)
	}
	return groups, metrics, nil
}

// KaaniStats summarizes diagnosis activity.
type KaaniStats struct {
	TotalSessions        int     `json:"total_sessions"`
	CompletedSessions    int     `json:"completed_sessions"`
	SessionsLast24Hours  int     `json:"sessions_last_24_hours"`
	AverageConfidence    float64 `json:"average_confidence"`
	TotalRecommendations int     `json:"total_recommendations"`
	FarmerProfiles       int     `json:"farmer_profiles"`
}

// GetKaaniStats returns KaaniStats across all organizations.
func (db *DB) GetKaaniStats(ctx context.Context) (KaaniStats, error) {
	var s KaaniStats
	err := db.pool.QueryRow(ctx,
		`SELECT count(*),
		        count(*) FILTER (WHERE status = 'completed'),
		        count(*) FILTER (WHERE created_at > now() - interval '24 hours'),
		        COALESCE(avg(overall_confidence) FILTER (WHERE status = 'completed'), 0),
		        (SELECT count(*) FROM product_recommendations),
		        (SELECT count(*) FROM farmer_profiles)
		 FROM diagnosis_sessions`,
	).Scan(&s.TotalSessions, &s.CompletedSessions, &s.SessionsLast24Hours, &s.AverageConfidence,
		&s.TotalRecommendations, &s.FarmerProfiles)
	if err != nil {
		return s, fmt.Errorf("storage: kaani stats: %w", err)
	}
	return s, nil
}
