package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/magsasa-card/magsasa/internal/model"
)

const assessmentColumns = `id, assessment_id, organization_id, farmer_id, farm_profile_score, financial_score,
	climate_score, total_score, risk_tier, risk_description, max_loan_amount, recommended_interest_rate,
	repayment_period_months, assessment_data, result, status, valid_until, created_by, created_at`

func scanAssessment(row pgx.Row) (model.AgScoreAssessment, error) {
	var a model.AgScoreAssessment
	err := row.Scan(&a.ID, &a.AssessmentID, &a.OrganizationID, &a.FarmerID, &a.FarmProfileScore,
		&a.FinancialScore, &a.ClimateScore, &a.TotalScore, &a.RiskTier, &a.RiskDescription, &a.MaxLoanAmount,
		&a.RecommendedInterestRate, &a.RepaymentPeriodMonths, &a.AssessmentData, &a.Result, &a.Status,
		&a.ValidUntil, &a.CreatedBy, &a.CreatedAt)
	return a, err
}

// SaveAssessment supersedes the farmer's active assessment and inserts a as
// the new active one.
func (db *DB) SaveAssessment(ctx context.Context, a model.AgScoreAssessment) (model.AgScoreAssessment, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Status = model.AssessmentActive

	var out model.AgScoreAssessment
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE agscore_assessments SET status = 'superseded' WHERE farmer_id = $1 AND status = 'active'`,
			a.FarmerID); err != nil {
			return fmt.Errorf("storage: supersede assessments: %w", err)
		}
		var err error
		out, err = scanAssessment(tx.QueryRow(ctx,
			`INSERT INTO agscore_assessments (id, assessment_id, organization_id, farmer_id, farm_profile_score,
			     financial_score, climate_score, total_score, risk_tier, risk_description, max_loan_amount,
			     recommended_interest_rate, repayment_period_months, assessment_data, result, status,
			     valid_until, created_by)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
			 RETURNING `+assessmentColumns,
			a.ID, a.AssessmentID, a.OrganizationID, a.FarmerID, a.FarmProfileScore, a.FinancialScore,
			a.ClimateScore, a.TotalScore, a.RiskTier, a.RiskDescription, a.MaxLoanAmount,
			a.RecommendedInterestRate, a.RepaymentPeriodMonths, a.AssessmentData, a.Result, a.Status,
			a.ValidUntil, a.CreatedBy,
		))
		if err != nil {
			return fmt.Errorf("storage: insert assessment: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.AgScoreAssessment{}, err
	}
	return out, nil
}

// GetLatestAssessment returns the farmer's active assessment. The org filter
// is skipped when orgID is uuid.Nil, which partner credit checks rely on.
func (db *DB) GetLatestAssessment(ctx context.Context, orgID, farmerID uuid.UUID) (model.AgScoreAssessment, error) {
	flt := newFilter("farmer_id = ?", farmerID)
	flt.raw("status = 'active'")
	flt.addIf(orgID != uuid.Nil, "organization_id = ?", orgID)

	a, err := scanAssessment(db.pool.QueryRow(ctx,
		`SELECT `+assessmentColumns+` FROM agscore_assessments`+flt.where()+` ORDER BY created_at DESC LIMIT 1`,
		flt.args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AgScoreAssessment{}, fmt.Errorf("storage: assessment for farmer %s: %w", farmerID, ErrNotFound)
	}
	if err != nil {
		return model.AgScoreAssessment{}, fmt.Errorf("storage: get latest assessment: %w", err)
	}
	return a, nil
}

// ListAssessments returns every assessment for a farmer, newest first.
func (db *DB) ListAssessments(ctx context.Context, orgID, farmerID uuid.UUID) ([]model.AgScoreAssessment, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+assessmentColumns+` FROM agscore_assessments
		 WHERE organization_id = $1 AND farmer_id = $2 ORDER BY created_at DESC`,
		orgID, farmerID)
	if err != nil {
		return nil, fmt.Errorf("storage: list assessments: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.AgScoreAssessment, error) {
		return scanAssessment(row)
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan assessments: %w", err)
	}
	return out, nil
}
