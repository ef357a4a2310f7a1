package storage

import (
	"context"
	"fmt"
)

// SystemCounts are platform-wide row counts for GET /api/system/info.
type SystemCounts struct {
	Organizations     int `json:"organizations"`
	Users             int `json:"users"`
	Farmers           int `json:"farmers"`
	Farms             int `json:"farms"`
	ActiveInputs      int `json:"active_inputs"`
	Orders            int `json:"orders"`
	ActivePartnerKeys int `json:"active_partner_keys"`
	Assessments       int `json:"active_assessments"`
	DiagnosisRuns     int `json:"diagnosis_sessions"`
}

// GetSystemCounts returns SystemCounts.
func (db *DB) GetSystemCounts(ctx context.Context) (SystemCounts, error) {
	var c SystemCounts
	err := db.pool.QueryRow(ctx,
		`SELECT (SELECT count(*) FROM organizations),
		        (SELECT count(*) FROM users),
		        (SELECT count(*) FROM farmers),
		        (SELECT count(*) FROM farms),
		        (SELECT count(*) FROM agricultural_inputs WHERE is_active),
		        (SELECT count(*) FROM input_transactions),
		        (SELECT count(*) FROM partner_api_keys WHERE status = 'active'),
		        (SELECT count(*) FROM agscore_assessments WHERE status = 'active'),
		        (SELECT count(*) FROM diagnosis_sessions)`,
	).Scan(&c.Organizations, &c.Users, &c.Farmers, &c.Farms, &c.ActiveInputs, &c.Orders, &c.ActivePartnerKeys,
		&c.Assessments, &c.DiagnosisRuns)
	if err != nil {
		return c, fmt.Errorf("storage: system counts: %w", err)
	}
	return c, nil
}
