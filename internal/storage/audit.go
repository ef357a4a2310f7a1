package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/magsasa-card/magsasa/internal/model"
)

// MutationAuditEntry is an append-only audit event for a state-changing API call.
type MutationAuditEntry struct {
	RequestID    string
	OrgID        uuid.UUID
	ActorUserID  *uuid.UUID
	ActorRole    string
	HTTPMethod   string
	Endpoint     string
	Operation    string
	ResourceType string
	ResourceID   string
	BeforeData   any
	AfterData    any
	Metadata     map[string]any
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// InsertMutationAudit appends a mutation audit event. The target table is immutable.
func (db *DB) InsertMutationAudit(ctx context.Context, e MutationAuditEntry) error {
	return insertMutationAudit(ctx, db.pool, e)
}

// InsertMutationAuditTx appends a mutation audit event inside tx so the audit
// row commits or rolls back with the change it describes.
func InsertMutationAuditTx(ctx context.Context, tx pgx.Tx, e MutationAuditEntry) error {
	return insertMutationAudit(ctx, tx, e)
}

func insertMutationAudit(ctx context.Context, x execer, e MutationAuditEntry) error {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}

	var (
		beforeJSON []byte
		afterJSON  []byte
		err        error
	)
	if e.BeforeData != nil {
		beforeJSON, err = json.Marshal(e.BeforeData)
		if err != nil {
			return fmt.Errorf("storage: marshal mutation audit before_data: %w", err)
		}
	}
	if e.AfterData != nil {
		afterJSON, err = json.Marshal(e.AfterData)
		if err != nil {
			return fmt.Errorf("storage: marshal mutation audit after_data: %w", err)
		}
	}
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("storage: marshal mutation audit metadata: %w", err)
	}

	var orgID *uuid.UUID
	if e.OrgID != uuid.Nil {
		orgID = &e.OrgID
	}

	_, err = x.Exec(ctx,
		`INSERT INTO mutation_audit_log (
		     request_id, org_id, actor_user_id, actor_role,
		     http_method, endpoint, operation, resource_type, resource_id,
		     before_data, after_data, metadata
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11::jsonb, $12::jsonb)`,
		e.RequestID, orgID, e.ActorUserID, e.ActorRole,
		e.HTTPMethod, e.Endpoint, e.Operation, e.ResourceType, e.ResourceID,
		beforeJSON, afterJSON, metaJSON,
	)
	if err != nil {
		return fmt.Errorf("storage: insert mutation audit: %w", err)
	}
	return nil
}

// AuditFilter narrows ListAudit.
type AuditFilter struct {
	Operation    string
	ResourceType string
	ActorUserID  *uuid.UUID
	From         *time.Time
	To           *time.Time
	Limit        int
	Offset       int
}

// ListAudit returns an organization's audit entries, newest first, and the total count.
func (db *DB) ListAudit(ctx context.Context, orgID uuid.UUID, f AuditFilter) ([]model.AuditEntry, int, error) {
	w := newFilter("org_id = ?", orgID)
	w.addIf(f.Operation != "", "operation = ?", f.Operation)
	w.addIf(f.ResourceType != "", "resource_type = ?", f.ResourceType)
	w.addIf(f.ActorUserID != nil, "actor_user_id = ?", f.ActorUserID)
	w.addIf(f.From != nil, "created_at >= ?", f.From)
	w.addIf(f.To != nil, "created_at <= ?", f.To)

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM mutation_audit_log`+w.where(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count audit: %w", err)
	}

	page, args := w.page(f.Limit, f.Offset)
	rows, err := db.pool.Query(ctx,
		`SELECT id, request_id, COALESCE(org_id, '00000000-0000-0000-0000-000000000000'),
		        COALESCE(actor_user_id::text, ''), actor_role, http_method, endpoint,
		        operation, resource_type, resource_id, before_data, after_data, metadata, created_at
		 FROM mutation_audit_log`+w.where()+` ORDER BY created_at DESC, id DESC`+page,
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list audit: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanAuditEntry)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: scan audit: %w", err)
	}
	return entries, total, nil
}

func scanAuditEntry(row pgx.CollectableRow) (model.AuditEntry, error) {
	var e model.AuditEntry
	err := row.Scan(
		&e.ID, &e.RequestID, &e.OrgID, &e.ActorID, &e.ActorRole, &e.HTTPMethod, &e.Endpoint,
		&e.Operation, &e.ResourceType, &e.ResourceID, &e.BeforeData, &e.AfterData, &e.Metadata, &e.CreatedAt,
	)
	return e, err
}

// CountAuditSince counts an organization's audit entries newer than since.
func (db *DB) CountAuditSince(ctx context.Context, orgID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM mutation_audit_log WHERE org_id = $1 AND created_at >= $2`,
		orgID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count audit since: %w", err)
	}
	return n, nil
}

// Security event operations recorded by the auth handlers.
var securityOperations = []string{"LOGIN_SUCCESS", "LOGIN_FAILED", "LOGOUT", "TOKEN_REFRESHED", "PASSWORD_CHANGED", "USER_UNLOCKED"}

// SecuritySummary is the payload of GET /api/analytics/security.
type SecuritySummary struct {
	FailedLogins24h int                `json:"failed_logins_24h"`
	LockedUsers     int                `json:"locked_users"`
	RecentEvents    []model.AuditEntry `json:"recent_events"`
}

// GetSecuritySummary reports failed logins, locked members and the latest
// security events for an organization.
func (db *DB) GetSecuritySummary(ctx context.Context, orgID uuid.UUID, limit int) (SecuritySummary, error) {
	var s SecuritySummary
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM mutation_audit_log
		 WHERE operation = 'LOGIN_FAILED' AND created_at >= now() - interval '24 hours'
		   AND (org_id = $1 OR org_id IS NULL)`,
		orgID,
	).Scan(&s.FailedLogins24h); err != nil {
		return s, fmt.Errorf("storage: count failed logins: %w", err)
	}
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM users u
		 JOIN user_organizations uo ON uo.user_id = u.id
		 WHERE uo.organization_id = $1 AND u.locked_until > now()`,
		orgID,
	).Scan(&s.LockedUsers); err != nil {
		return s, fmt.Errorf("storage: count locked users: %w", err)
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, request_id, COALESCE(org_id, '00000000-0000-0000-0000-000000000000'),
		        COALESCE(actor_user_id::text, ''), actor_role, http_method, endpoint,
		        operation, resource_type, resource_id, before_data, after_data, metadata, created_at
		 FROM mutation_audit_log
		 WHERE operation = ANY($1) AND (org_id = $2 OR org_id IS NULL)
		 ORDER BY created_at DESC, id DESC LIMIT $3`,
		securityOperations, orgID, limit,
	)
	if err != nil {
		return s, fmt.Errorf("storage: recent security events: %w", err)
	}
	s.RecentEvents, err = pgx.CollectRows(rows, scanAuditEntry)
	if err != nil {
		return s, fmt.Errorf("storage: scan security events: %w", err)
	}
	return s, nil
}
