package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/magsasa-card/magsasa/internal/model"
)

const partnerKeyColumns = `k.id, k.organization_id, o.name, k.key_name, k.key_prefix, k.key_hash, k.partner_type,
	k.allowed_endpoints, k.ip_whitelist, k.rate_limit_per_minute, k.rate_limit_per_hour, k.rate_limit_per_day,
	k.status, k.expires_at, k.total_requests, k.last_used_at, k.last_request_ip, k.last_request_endpoint,
	k.created_by, k.created_at, k.updated_at, k.revoked_at, k.revoked_by, k.revoke_reason`

const partnerKeyFrom = ` FROM partner_api_keys k JOIN organizations o ON o.id = k.organization_id`

func scanPartnerKey(row pgx.Row) (model.PartnerAPIKey, error) {
	var k model.PartnerAPIKey
	err := row.Scan(&k.ID, &k.OrganizationID, &k.OrganizationName, &k.KeyName, &k.KeyPrefix, &k.KeyHash,
		&k.PartnerType, &k.AllowedEndpoints, &k.IPWhitelist, &k.RateLimitPerMinute, &k.RateLimitPerHour,
		&k.RateLimitPerDay, &k.Status, &k.ExpiresAt, &k.TotalRequests, &k.LastUsedAt, &k.LastRequestIP,
		&k.LastRequestEndpoint, &k.CreatedBy, &k.CreatedAt, &k.UpdatedAt, &k.RevokedAt, &k.RevokedBy,
		&k.RevokeReason)
	return k, err
}

func collectPartnerKeys(rows pgx.Rows) ([]model.PartnerAPIKey, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.PartnerAPIKey, error) {
		return scanPartnerKey(row)
	})
}

// CreatePartnerKeyWithAudit inserts a partner API key and a mutation audit
// entry atomically within a single transaction.
func (db *DB) CreatePartnerKeyWithAudit(ctx context.Context, k model.PartnerAPIKey, audit MutationAuditEntry) (model.PartnerAPIKey, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.PartnerAPIKey{}, fmt.Errorf("storage: begin create partner key tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	if k.Status == "" {
		k.Status = model.KeyActive
	}
	if k.AllowedEndpoints == nil {
		k.AllowedEndpoints = []string{}
	}
	if k.IPWhitelist == nil {
		k.IPWhitelist = []string{}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO partner_api_keys (id, organization_id, key_name, key_prefix, key_hash, partner_type,
		     allowed_endpoints, ip_whitelist, rate_limit_per_minute, rate_limit_per_hour, rate_limit_per_day,
		     status, expires_at, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		k.ID, k.OrganizationID, k.KeyName, k.KeyPrefix, k.KeyHash, k.PartnerType, k.AllowedEndpoints,
		k.IPWhitelist, k.RateLimitPerMinute, k.RateLimitPerHour, k.RateLimitPerDay, k.Status, k.ExpiresAt,
		k.CreatedBy,
	)
	if err != nil {
		return model.PartnerAPIKey{}, fmt.Errorf("storage: create partner key: %w", uniqueViolation(err))
	}

	created, err := scanPartnerKey(tx.QueryRow(ctx, `SELECT `+partnerKeyColumns+partnerKeyFrom+` WHERE k.id = $1`, k.ID))
	if err != nil {
		return model.PartnerAPIKey{}, fmt.Errorf("storage: reload partner key: %w", err)
	}

	audit.ResourceID = created.ID.String()
	audit.AfterData = created
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return model.PartnerAPIKey{}, fmt.Errorf("storage: audit in create partner key tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.PartnerAPIKey{}, fmt.Errorf("storage: commit create partner key tx: %w", err)
	}
	return created, nil
}

// GetPartnerKeysByPrefix returns every key sharing the lookup prefix. Prefixes
// are not unique, so callers must compare the hash of each candidate.
// Global (no org_id) because this is called during auth before org is known.
func (db *DB) GetPartnerKeysByPrefix(ctx context.Context, prefix string) ([]model.PartnerAPIKey, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+partnerKeyColumns+partnerKeyFrom+` WHERE k.key_prefix = $1`, prefix)
	if err != nil {
		return nil, fmt.Errorf("storage: get partner keys by prefix: %w", err)
	}
	keys, err := collectPartnerKeys(rows)
	if err != nil {
		return nil, fmt.Errorf("storage: scan partner keys: %w", err)
	}
	return keys, nil
}

// GetPartnerKey returns a partner key by id within orgID. A key owned by
// another organization yields ErrNotFound.
func (db *DB) GetPartnerKey(ctx context.Context, orgID, id uuid.UUID) (model.PartnerAPIKey, error) {
	k, err := scanPartnerKey(db.pool.QueryRow(ctx,
		`SELECT `+partnerKeyColumns+partnerKeyFrom+` WHERE k.id = $1 AND k.organization_id = $2`, id, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PartnerAPIKey{}, fmt.Errorf("storage: partner key %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.PartnerAPIKey{}, fmt.Errorf("storage: get partner key: %w", err)
	}
	return k, nil
}

// PartnerKeyFilter narrows ListPartnerKeys.
type PartnerKeyFilter struct {
	OrgID       uuid.UUID
	Status      model.KeyStatus
	PartnerType model.PartnerType
	Limit       int
	Offset      int
}

// ListPartnerKeys returns the keys of f.OrgID, newest first.
func (db *DB) ListPartnerKeys(ctx context.Context, f PartnerKeyFilter) ([]model.PartnerAPIKey, int, error) {
	flt := newFilter("k.organization_id = ?", f.OrgID)
	flt.addIf(f.Status != "", "k.status = ?", f.Status)
	flt.addIf(f.PartnerType != "", "k.partner_type = ?", f.PartnerType)

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT count(*)`+partnerKeyFrom+flt.where(), flt.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count partner keys: %w", err)
	}
	pageSQL, args := flt.page(f.Limit, f.Offset)
	rows, err := db.pool.Query(ctx,
		`SELECT `+partnerKeyColumns+partnerKeyFrom+flt.where()+` ORDER BY k.created_at DESC`+pageSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list partner keys: %w", err)
	}
	keys, err := collectPartnerKeys(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: scan partner keys: %w", err)
	}
	return keys, total, nil
}

// UpdatePartnerKeyWithAudit applies u and writes an audit entry in the same
// transaction. It returns the updated key.
func (db *DB) UpdatePartnerKeyWithAudit(ctx context.Context, orgID, id uuid.UUID, u model.UpdatePartnerKeyRequest, audit MutationAuditEntry) (model.PartnerAPIKey, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.PartnerAPIKey{}, fmt.Errorf("storage: begin update partner key tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	before, err := scanPartnerKey(tx.QueryRow(ctx,
		`SELECT `+partnerKeyColumns+partnerKeyFrom+` WHERE k.id = $1 AND k.organization_id = $2 FOR UPDATE OF k`, id, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PartnerAPIKey{}, fmt.Errorf("storage: partner key %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.PartnerAPIKey{}, fmt.Errorf("storage: load partner key: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE partner_api_keys SET
		     key_name = COALESCE($2, key_name),
		     allowed_endpoints = COALESCE($3, allowed_endpoints),
		     ip_whitelist = COALESCE($4, ip_whitelist),
		     rate_limit_per_minute = COALESCE($5, rate_limit_per_minute),
		     rate_limit_per_hour = COALESCE($6, rate_limit_per_hour),
		     rate_limit_per_day = COALESCE($7, rate_limit_per_day),
		     status = COALESCE($8, status),
		     updated_at = now()
		 WHERE id = $1`,
		id, u.KeyName, u.AllowedEndpoints, u.IPWhitelist, u.RateLimitPerMinute, u.RateLimitPerHour,
		u.RateLimitPerDay, u.Status,
	)
	if err != nil {
		return model.PartnerAPIKey{}, fmt.Errorf("storage: update partner key: %w", err)
	}
	after, err := scanPartnerKey(tx.QueryRow(ctx, `SELECT `+partnerKeyColumns+partnerKeyFrom+` WHERE k.id = $1`, id))
	if err != nil {
		return model.PartnerAPIKey{}, fmt.Errorf("storage: reload partner key: %w", err)
	}

	audit.ResourceID = id.String()
	audit.BeforeData = before
	audit.AfterData = after
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return model.PartnerAPIKey{}, fmt.Errorf("storage: audit in update partner key tx: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.PartnerAPIKey{}, fmt.Errorf("storage: commit update partner key tx: %w", err)
	}
	return after, nil
}

// RevokePartnerKeyWithAudit revokes a key and writes an audit entry in the
// same transaction. Revoking an already revoked key, or one owned by another
// organization, yields ErrNotFound.
func (db *DB) RevokePartnerKeyWithAudit(ctx context.Context, orgID, id uuid.UUID, revokedBy *uuid.UUID, reason string, audit MutationAuditEntry) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin revoke partner key tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE partner_api_keys SET status = 'revoked', revoked_at = now(), revoked_by = $2, revoke_reason = $3,
		     updated_at = now()
		 WHERE id = $1 AND organization_id = $4 AND status <> 'revoked'`,
		id, revokedBy, reason, orgID)
	if err != nil {
		return fmt.Errorf("storage: revoke partner key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: partner key %s: %w", id, ErrNotFound)
	}

	audit.ResourceID = id.String()
	audit.AfterData = map[string]any{"status": model.KeyRevoked, "revoke_reason": reason}
	if err := InsertMutationAuditTx(ctx, tx, audit); err != nil {
		return fmt.Errorf("storage: audit in revoke partner key tx: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit revoke partner key tx: %w", err)
	}
	return nil
}

// MarkPartnerKeyExpired sets an active key's status to expired.
func (db *DB) MarkPartnerKeyExpired(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE partner_api_keys SET status = 'expired', updated_at = now() WHERE id = $1 AND status = 'active'`, id)
	if err != nil {
		return fmt.Errorf("storage: mark partner key expired: %w", err)
	}
	return nil
}

// ExpirePartnerKeys marks every active key past expires_at expired and
// returns the ids it changed.
func (db *DB) ExpirePartnerKeys(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE partner_api_keys SET status = 'expired', updated_at = now()
		 WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= now()
		 RETURNING id`)
	if err != nil {
		return nil, fmt.Errorf("storage: expire partner keys: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("storage: scan expired partner keys: %w", err)
	}
	return ids, nil
}

// InsertUsageBatch writes usage rows and bumps each key's counters in one
// round trip.
func (db *DB) InsertUsageBatch(ctx context.Context, logs []model.UsageLog) error {
	if len(logs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, l := range logs {
		details, err := json.Marshal(orEmptyMap(l.Details))
		if err != nil {
			return fmt.Errorf("storage: marshal usage details: %w", err)
		}
		created := l.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		batch.Queue(
			`INSERT INTO partner_api_usage (api_key_id, endpoint, method, status_code, response_time_ms, ip_address,
			     user_agent, request_size, response_size, details, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			l.APIKeyID, l.Endpoint, l.Method, l.StatusCode, l.ResponseTimeMS, l.IPAddress, l.UserAgent,
			l.RequestSize, l.ResponseSize, details, created)
		batch.Queue(
			`UPDATE partner_api_keys SET total_requests = total_requests + 1, last_used_at = $2,
			     last_request_ip = $3, last_request_endpoint = $4
			 WHERE id = $1`,
			l.APIKeyID, created, l.IPAddress, l.Endpoint)
	}
	if err := db.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("storage: insert usage batch: %w", err)
	}
	return nil
}

// UsageWindows counts a key's requests in the trailing minute, hour and day.
type UsageWindows struct {
	Minute int
	Hour   int
	Day    int
}

// CountUsageWindows returns UsageWindows for a key as of now.
func (db *DB) CountUsageWindows(ctx context.Context, keyID uuid.UUID, now time.Time) (UsageWindows, error) {
	var w UsageWindows
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FILTER (WHERE created_at > $2 - interval '1 minute'),
		        count(*) FILTER (WHERE created_at > $2 - interval '1 hour'),
		        count(*)
		 FROM partner_api_usage
		 WHERE api_key_id = $1 AND created_at > $2 - interval '1 day'`,
		keyID, now,
	).Scan(&w.Minute, &w.Hour, &w.Day)
	if err != nil {
		return w, fmt.Errorf("storage: count usage windows: %w", err)
	}
	return w, nil
}

// EndpointCount is a request count for one endpoint.
type EndpointCount struct {
	Endpoint string `json:"endpoint"`
	Requests int    `json:"requests"`
}

// DailyCount is a request count for one day.
type DailyCount struct {
	Date     string `json:"date"`
	Requests int    `json:"requests"`
}

// KeyUsage summarizes a key's traffic over a trailing window.
type KeyUsage struct {
	TotalRequests      int             `json:"total_requests"`
	SuccessfulRequests int             `json:"successful_requests"`
	Last24Hours        int             `json:"last_24_hours"`
	AvgResponseTimeMS  float64         `json:"average_response_time_ms"`
	Endpoints          []EndpointCount `json:"endpoint_usage"`
	Daily              []DailyCount    `json:"daily_usage"`
}

// GetKeyUsage returns KeyUsage for a key over the last days days.
func (db *DB) GetKeyUsage(ctx context.Context, keyID uuid.UUID, days int) (KeyUsage, error) {
	since := time.Now().UTC().AddDate(0, 0, -days)
	var u KeyUsage
	err := db.pool.QueryRow(ctx,
		`SELECT count(*), count(*) FILTER (WHERE status_code < 400),
		        count(*) FILTER (WHERE created_at > now() - interval '24 hours'),
		        COALESCE(avg(response_time_ms), 0)
		 FROM partner_api_usage WHERE api_key_id = $1 AND created_at >= $2`,
		keyID, since,
	).Scan(&u.TotalRequests, &u.SuccessfulRequests, &u.Last24Hours, &u.AvgResponseTimeMS)
	if err != nil {
		return u, fmt.Errorf("storage: key usage: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT endpoint, count(*) FROM partner_api_usage WHERE api_key_id = $1 AND created_at >= $2
		 GROUP BY endpoint ORDER BY 2 DESC, 1`, keyID, since)
	if err != nil {
		return u, fmt.Errorf("storage: key endpoint usage: %w", err)
	}
	if u.Endpoints, err = collectEndpointCounts(rows); err != nil {
		return u, fmt.Errorf("storage: scan endpoint usage: %w", err)
	}

	rows, err = db.pool.Query(ctx,
		`SELECT to_char(date_trunc('day', created_at), 'YYYY-MM-DD'), count(*)
		 FROM partner_api_usage WHERE api_key_id = $1 AND created_at >= $2
		 GROUP BY 1 ORDER BY 1`, keyID, since)
	if err != nil {
		return u, fmt.Errorf("storage: key daily usage: %w", err)
	}
	u.Daily, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (DailyCount, error) {
		var d DailyCount
		err := row.Scan(&d.Date, &d.Requests)
		return d, err
	})
	if err != nil {
		return u, fmt.Errorf("storage: scan daily usage: %w", err)
	}
	return u, nil
}

func collectEndpointCounts(rows pgx.Rows) ([]EndpointCount, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (EndpointCount, error) {
		var e EndpointCount
		err := row.Scan(&e.Endpoint, &e.Requests)
		return e, err
	})
}

// PartnerOverview summarizes an organization's partner keys and their recent traffic.
type PartnerOverview struct {
	KeysByStatus     map[string]int  `json:"keys_by_status"`
	KeysByType       map[string]int  `json:"keys_by_partner_type"`
	Requests24Hours  int             `json:"requests_last_24_hours"`
	Requests30Days   int             `json:"requests_last_30_days"`
	TopEndpoints     []EndpointCount `json:"top_endpoints"`
	ErrorRequests30d int             `json:"error_requests_last_30_days"`
}

// GetPartnerOverview returns PartnerOverview for orgID.
func (db *DB) GetPartnerOverview(ctx context.Context, orgID uuid.UUID) (PartnerOverview, error) {
	var o PartnerOverview
	rows, err := db.pool.Query(ctx,
		`SELECT status, count(*) FROM partner_api_keys WHERE organization_id = $1 GROUP BY status`, orgID)
	if err != nil {
		return o, fmt.Errorf("storage: keys by status: %w", err)
	}
	if o.KeysByStatus, err = collectCounts(rows); err != nil {
		return o, fmt.Errorf("storage: scan keys by status: %w", err)
	}
	rows, err = db.pool.Query(ctx,
		`SELECT partner_type, count(*) FROM partner_api_keys WHERE organization_id = $1 GROUP BY partner_type`, orgID)
	if err != nil {
		return o, fmt.Errorf("storage: keys by type: %w", err)
	}
	if o.KeysByType, err = collectCounts(rows); err != nil {
		return o, fmt.Errorf("storage: scan keys by type: %w", err)
	}
	err = db.pool.QueryRow(ctx,
		`SELECT count(*) FILTER (WHERE u.created_at > now() - interval '24 hours'),
		        count(*),
		        count(*) FILTER (WHERE u.status_code >= 400)
		 FROM partner_api_usage u JOIN partner_api_keys k ON k.id = u.api_key_id
		 WHERE k.organization_id = $1 AND u.created_at > now() - interval '30 days'`, orgID,
	).Scan(&o.Requests24Hours, &o.Requests30Days, &o.ErrorRequests30d)
	if err != nil {
		return o, fmt.Errorf("storage: partner request counts: %w", err)
	}
	rows, err = db.pool.Query(ctx,
		`SELECT u.endpoint, count(*)
		 FROM partner_api_usage u JOIN partner_api_keys k ON k.id = u.api_key_id
		 WHERE k.organization_id = $1 AND u.created_at > now() - interval '30 days'
		 GROUP BY u.endpoint ORDER BY 2 DESC, 1 LIMIT 10`, orgID)
	if err != nil {
		return o, fmt.Errorf("storage: top endpoints: %w", err)
	}
	if o.TopEndpoints, err = collectEndpointCounts(rows); err != nil {
		return o, fmt.Errorf("storage: scan top endpoints: %w", err)
	}
	return o, nil
}
