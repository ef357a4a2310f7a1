package storage

import (
	"context"
	"fmt"
	"time"
)

// PurgeCount holds row counts for a retention run.
type PurgeCount struct {
	UsageLogs          int64 `json:"usage_logs"`
	DiagnosisSessions  int64 `json:"diagnosis_sessions"`
	EmailVerifications int64 `json:"email_verifications"`
}

// PurgeUsageLogs deletes partner usage rows created before the cutoff, in
// batches of batchSize to avoid long-running transactions. Rate-limit windows
// only look back one day, so any cutoff older than that is safe.
func (db *DB) PurgeUsageLogs(ctx context.Context, before time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 5000
	}
	var total int64
	for {
		tag, err := db.pool.Exec(ctx,
			`DELETE FROM partner_api_usage
			 WHERE id IN (SELECT id FROM partner_api_usage WHERE created_at < $1 ORDER BY id LIMIT $2)`,
			before, batchSize)
		if err != nil {
			return total, fmt.Errorf("storage: delete usage batch: %w", err)
		}
		total += tag.RowsAffected()
		if tag.RowsAffected() < int64(batchSize) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// PurgeExpired runs every retention rule: usage logs older than usageBefore,
// errored diagnosis sessions older than usageBefore, and email verification
// tokens that expired more than a day ago.
func (db *DB) PurgeExpired(ctx context.Context, usageBefore time.Time, batchSize int) (PurgeCount, error) {
	var c PurgeCount
	n, err := db.PurgeUsageLogs(ctx, usageBefore, batchSize)
	c.UsageLogs = n
	if err != nil {
		return c, err
	}

	tag, err := db.pool.Exec(ctx,
		`DELETE FROM diagnosis_sessions WHERE status = 'error' AND created_at < $1`, usageBefore)
	if err != nil {
		return c, fmt.Errorf("storage: purge errored sessions: %w", err)
	}
	c.DiagnosisSessions = tag.RowsAffected()

	tag, err = db.pool.Exec(ctx,
		`DELETE FROM email_verifications WHERE expires_at < now() - interval '1 day'`)
	if err != nil {
		return c, fmt.Errorf("storage: purge email verifications: %w", err)
	}
	c.EmailVerifications = tag.RowsAffected()
	return c, nil
}
