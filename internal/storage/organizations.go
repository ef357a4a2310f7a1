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

const orgColumns = `id, name, code, org_type, description, contact_email, contact_phone, address, status, settings, created_at, updated_at`

func scanOrg(row pgx.Row) (model.Organization, error) {
	var (
		o        model.Organization
		settings []byte
	)
	err := row.Scan(
		&o.ID, &o.Name, &o.Code, &o.Type, &o.Description, &o.ContactEmail,
		&o.ContactPhone, &o.Address, &o.Status, &settings, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return o, err
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &o.Settings); err != nil {
			return o, fmt.Errorf("decode settings: %w", err)
		}
	}
	return o, nil
}

func collectOrgs(rows pgx.Rows) ([]model.Organization, error) {
	defer rows.Close()
	var out []model.Organization
	for rows.Next() {
		o, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CreateOrganization inserts an organization. A duplicate code yields ErrConflict.
func (db *DB) CreateOrganization(ctx context.Context, o model.Organization) (model.Organization, error) {
	return createOrganization(ctx, db.pool, o)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func createOrganization(ctx context.Context, q queryRower, o model.Organization) (model.Organization, error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.Type == "" {
		o.Type = model.OrgClient
	}
	if o.Status == "" {
		o.Status = "active"
	}
	settings, err := json.Marshal(orEmptyMap(o.Settings))
	if err != nil {
		return model.Organization{}, fmt.Errorf("storage: marshal settings: %w", err)
	}
	created, err := scanOrg(q.QueryRow(ctx,
		`INSERT INTO organizations (id, name, code, org_type, description, contact_email, contact_phone, address, status, settings)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+orgColumns,
		o.ID, o.Name, o.Code, o.Type, o.Description, o.ContactEmail, o.ContactPhone, o.Address, o.Status, settings,
	))
	if err != nil {
		return model.Organization{}, fmt.Errorf("storage: create organization: %w", uniqueViolation(err))
	}
	return created, nil
}

// GetOrganization returns an organization by id.
func (db *DB) GetOrganization(ctx context.Context, id uuid.UUID) (model.Organization, error) {
	o, err := scanOrg(db.pool.QueryRow(ctx, `SELECT `+orgColumns+` FROM organizations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Organization{}, fmt.Errorf("storage: organization %s: %w", id, ErrNotFound)
		}
		return model.Organization{}, fmt.Errorf("storage: get organization: %w", err)
	}
	return o, nil
}

// GetOrganizationByCode returns an organization by its unique code.
func (db *DB) GetOrganizationByCode(ctx context.Context, code string) (model.Organization, error) {
	o, err := scanOrg(db.pool.QueryRow(ctx, `SELECT `+orgColumns+` FROM organizations WHERE code = $1`, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Organization{}, fmt.Errorf("storage: organization %s: %w", code, ErrNotFound)
		}
		return model.Organization{}, fmt.Errorf("storage: get organization by code: %w", err)
	}
	return o, nil
}

// OrganizationExists reports whether an organization with id exists.
func (db *DB) OrganizationExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	if err := db.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM organizations WHERE id = $1)`, id).Scan(&ok); err != nil {
		return false, fmt.Errorf("storage: organization exists: %w", err)
	}
	return ok, nil
}

// ListOrganizations returns every organization ordered by name.
func (db *DB) ListOrganizations(ctx context.Context, limit, offset int) ([]model.Organization, int, error) {
	var total int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM organizations`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count organizations: %w", err)
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+orgColumns+` FROM organizations ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list organizations: %w", err)
	}
	orgs, err := collectOrgs(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: scan organizations: %w", err)
	}
	return orgs, total, nil
}

// ListUserOrganizations returns the organizations a user is an active member of.
func (db *DB) ListUserOrganizations(ctx context.Context, userID uuid.UUID) ([]model.Organization, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT o.id, o.name, o.code, o.org_type, o.description, o.contact_email, o.contact_phone,
		        o.address, o.status, o.settings, o.created_at, o.updated_at
		 FROM organizations o
		 JOIN user_organizations uo ON uo.organization_id = o.id
		 WHERE uo.user_id = $1 AND uo.status = 'active'
		 ORDER BY uo.is_primary DESC, o.name`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list user organizations: %w", err)
	}
	orgs, err := collectOrgs(rows)
	if err != nil {
		return nil, fmt.Errorf("storage: scan user organizations: %w", err)
	}
	return orgs, nil
}

// OrganizationUpdate holds the mutable organization fields. Nil fields are left unchanged.
type OrganizationUpdate struct {
	Name         *string         `json:"name"`
	Description  *string         `json:"description"`
	ContactEmail *string         `json:"contact_email"`
	ContactPhone *string         `json:"contact_phone"`
	Address      *string         `json:"address"`
	Status       *string         `json:"status"`
	Settings     *map[string]any `json:"settings"`
}

// UpdateOrganization applies u and returns the before and after rows.
func (db *DB) UpdateOrganization(ctx context.Context, id uuid.UUID, u OrganizationUpdate) (before, after model.Organization, err error) {
	before, err = db.GetOrganization(ctx, id)
	if err != nil {
		return before, after, err
	}
	var settings []byte
	if u.Settings != nil {
		if settings, err = json.Marshal(orEmptyMap(*u.Settings)); err != nil {
			return before, after, fmt.Errorf("storage: marshal settings: %w", err)
		}
	}
	after, err = scanOrg(db.pool.QueryRow(ctx,
		`UPDATE organizations SET
		     name = COALESCE($2, name),
		     description = COALESCE($3, description),
		     contact_email = COALESCE($4, contact_email),
		     contact_phone = COALESCE($5, contact_phone),
		     address = COALESCE($6, address),
		     status = COALESCE($7, status),
		     settings = COALESCE($8::jsonb, settings),
		     updated_at = now()
		 WHERE id = $1
		 RETURNING `+orgColumns,
		id, u.Name, u.Description, u.ContactEmail, u.ContactPhone, u.Address, u.Status, settings,
	))
	if err != nil {
		return before, after, fmt.Errorf("storage: update organization: %w", err)
	}
	return before, after, nil
}

// DeactivateOrganization soft-deletes an organization.
func (db *DB) DeactivateOrganization(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE organizations SET status = 'inactive', updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: deactivate organization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: organization %s: %w", id, ErrNotFound)
	}
	return nil
}

// OrganizationStats summarizes an organization's membership and activity.
type OrganizationStats struct {
	Organization        model.Organization `json:"organization"`
	TotalUsers          int                `json:"total_users"`
	ActiveUsers         int                `json:"active_users"`
	RecentActivityCount int                `json:"recent_activity_count"`
	RoleDistribution    map[string]int     `json:"role_distribution"`
}

// GetOrganizationStats returns member counts, the role distribution and the
// number of audit entries in the last 30 days.
func (db *DB) GetOrganizationStats(ctx context.Context, id uuid.UUID) (OrganizationStats, error) {
	org, err := db.GetOrganization(ctx, id)
	if err != nil {
		return OrganizationStats{}, err
	}
	s := OrganizationStats{Organization: org, RoleDistribution: map[string]int{}}
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*), count(*) FILTER (WHERE u.status = 'active')
		 FROM user_organizations uo JOIN users u ON u.id = uo.user_id
		 WHERE uo.organization_id = $1 AND uo.status = 'active'`,
		id,
	).Scan(&s.TotalUsers, &s.ActiveUsers); err != nil {
		return s, fmt.Errorf("storage: count org users: %w", err)
	}
	rows, err := db.pool.Query(ctx,
		`SELECT role, count(*) FROM user_organizations
		 WHERE organization_id = $1 AND status = 'active' GROUP BY role`,
		id,
	)
	if err != nil {
		return s, fmt.Errorf("storage: org role distribution: %w", err)
	}
	if s.RoleDistribution, err = collectCounts(rows); err != nil {
		return s, fmt.Errorf("storage: scan role distribution: %w", err)
	}
	s.RecentActivityCount, err = db.CountAuditSince(ctx, id, time.Now().AddDate(0, 0, -30))
	return s, err
}

// collectCounts reads (text, count) rows into a map.
func collectCounts(rows pgx.Rows) (map[string]int, error) {
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			k string
			n int
		)
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, rows.Err()
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// SignupRecords is everything a self-service signup writes.
type SignupRecords struct {
	Organization      model.Organization
	Owner             model.User
	VerificationToken string
	TokenExpiresAt    time.Time
}

// CreateSignup inserts the organization, its admin owner with a primary
// membership, and the owner's email verification token in one transaction.
// A duplicate organization code, username or email yields a *ConflictError.
func (db *DB) CreateSignup(ctx context.Context, r SignupRecords) (model.Organization, model.User, error) {
	var (
		org   model.Organization
		owner model.User
	)
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		var err error
		if org, err = createOrganization(ctx, tx, r.Organization); err != nil {
			return err
		}
		r.Owner.Role = model.RoleAdmin
		if owner, err = insertUser(ctx, tx, r.Owner); err != nil {
			return err
		}
		if _, err = insertMembership(ctx, tx, model.Membership{
			UserID: owner.ID, OrganizationID: org.ID, Role: model.RoleAdmin, IsPrimary: true,
		}); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO email_verifications (token, user_id, expires_at) VALUES ($1, $2, $3)`,
			r.VerificationToken, owner.ID, r.TokenExpiresAt)
		return err
	})
	if err != nil {
		return model.Organization{}, model.User{}, fmt.Errorf("storage: create signup: %w", uniqueViolation(err))
	}
	return org, owner, nil
}
