package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/magsasa-card/magsasa/internal/model"
)

const membershipSelect = `SELECT uo.id, uo.user_id, uo.organization_id, o.name, uo.role, uo.is_primary, uo.status, uo.created_at
	FROM user_organizations uo JOIN organizations o ON o.id = uo.organization_id`

func scanMembership(row pgx.Row) (model.Membership, error) {
	var m model.Membership
	err := row.Scan(&m.ID, &m.UserID, &m.OrganizationID, &m.OrgName, &m.Role, &m.IsPrimary, &m.Status, &m.CreatedAt)
	return m, err
}

func insertMembership(ctx context.Context, q queryRower, m model.Membership) (model.Membership, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	err := q.QueryRow(ctx,
		`INSERT INTO user_organizations (id, user_id, organization_id, role, is_primary)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING status, created_at`,
		m.ID, m.UserID, m.OrganizationID, m.Role, m.IsPrimary,
	).Scan(&m.Status, &m.CreatedAt)
	return m, err
}

// AddMembership adds a user to an organization. The first membership a user
// receives becomes their primary one.
func (db *DB) AddMembership(ctx context.Context, userID, orgID uuid.UUID, role model.Role) (model.Membership, error) {
	var m model.Membership
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		var hasPrimary bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM user_organizations WHERE user_id = $1 AND is_primary)`, userID,
		).Scan(&hasPrimary); err != nil {
			return err
		}
		var err error
		m, err = insertMembership(ctx, tx, model.Membership{
			UserID: userID, OrganizationID: orgID, Role: role, IsPrimary: !hasPrimary,
		})
		return err
	})
	if err != nil {
		return model.Membership{}, fmt.Errorf("storage: add membership: %w", uniqueViolation(err))
	}
	return m, nil
}

// GetMembership returns the active membership of userID in orgID. The boolean
// is false when the user is not an active member.
func (db *DB) GetMembership(ctx context.Context, userID, orgID uuid.UUID) (model.Membership, bool, error) {
	m, err := scanMembership(db.pool.QueryRow(ctx,
		membershipSelect+` WHERE uo.user_id = $1 AND uo.organization_id = $2 AND uo.status = 'active'`,
		userID, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Membership{}, false, nil
	}
	if err != nil {
		return model.Membership{}, false, fmt.Errorf("storage: get membership: %w", err)
	}
	return m, true, nil
}

// GetPrimaryMembership returns the user's primary active membership, falling
// back to the oldest active one.
func (db *DB) GetPrimaryMembership(ctx context.Context, userID uuid.UUID) (model.Membership, bool, error) {
	m, err := scanMembership(db.pool.QueryRow(ctx,
		membershipSelect+` WHERE uo.user_id = $1 AND uo.status = 'active' AND o.status = 'active'
		 ORDER BY uo.is_primary DESC, uo.created_at LIMIT 1`,
		userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Membership{}, false, nil
	}
	if err != nil {
		return model.Membership{}, false, fmt.Errorf("storage: get primary membership: %w", err)
	}
	return m, true, nil
}

// ListUserMemberships returns every active membership of a user.
func (db *DB) ListUserMemberships(ctx context.Context, userID uuid.UUID) ([]model.Membership, error) {
	rows, err := db.pool.Query(ctx,
		membershipSelect+` WHERE uo.user_id = $1 AND uo.status = 'active' ORDER BY uo.is_primary DESC, o.name`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("storage: list memberships: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Membership, error) {
		return scanMembership(row)
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan memberships: %w", err)
	}
	return out, nil
}

// UpdateMembershipRole changes a member's role and returns the previous one.
func (db *DB) UpdateMembershipRole(ctx context.Context, userID, orgID uuid.UUID, role model.Role) (model.Role, error) {
	var prev model.Role
	err := db.pool.QueryRow(ctx,
		`UPDATE user_organizations uo SET role = $3
		 FROM (SELECT id, role FROM user_organizations WHERE user_id = $1 AND organization_id = $2 AND status = 'active') old
		 WHERE uo.id = old.id
		 RETURNING old.role`,
		userID, orgID, role,
	).Scan(&prev)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("storage: membership %s/%s: %w", orgID, userID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("storage: update membership role: %w", err)
	}
	return prev, nil
}

// RemoveMembership deletes a user's membership in an organization.
func (db *DB) RemoveMembership(ctx context.Context, userID, orgID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM user_organizations WHERE user_id = $1 AND organization_id = $2`, userID, orgID)
	if err != nil {
		return fmt.Errorf("storage: remove membership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: membership %s/%s: %w", orgID, userID, ErrNotFound)
	}
	return nil
}
