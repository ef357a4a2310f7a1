package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/magsasa-card/magsasa/internal/model"
)

const userColumns = `id, username, email, password_hash, first_name, last_name, phone, role, status,
	email_verified, failed_login_attempts, locked_until, last_login, created_at, updated_at`

func scanUser(row pgx.Row) (model.User, error) {
	var u model.User
	err := row.Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.Phone,
		&u.Role, &u.Status, &u.EmailVerified, &u.FailedLoginAttempts, &u.LockedUntil,
		&u.LastLogin, &u.CreatedAt, &u.UpdatedAt,
	)
	return u, err
}

func userNotFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("storage: user %s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("storage: get user: %w", err)
}

// CreateUserWithMembership inserts a user and its primary membership in orgID
// in one transaction. Duplicate usernames or emails yield a *ConflictError whose
// Constraint is users_username_key or users_email_key.
func (db *DB) CreateUserWithMembership(ctx context.Context, u model.User, orgID uuid.UUID, role model.Role) (model.User, error) {
	var created model.User
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		var err error
		created, err = insertUser(ctx, tx, u)
		if err != nil {
			return err
		}
		_, err = insertMembership(ctx, tx, model.Membership{
			UserID: created.ID, OrganizationID: orgID, Role: role, IsPrimary: true,
		})
		return err
	})
	if err != nil {
		return model.User{}, fmt.Errorf("storage: create user: %w", uniqueViolation(err))
	}
	return created, nil
}

func insertUser(ctx context.Context, q queryRower, u model.User) (model.User, error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Status == "" {
		u.Status = model.UserActive
	}
	return scanUser(q.QueryRow(ctx,
		`INSERT INTO users (id, username, email, password_hash, first_name, last_name, phone, role, status, email_verified)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+userColumns,
		u.ID, u.Username, u.Email, u.PasswordHash, u.FirstName, u.LastName, u.Phone, u.Role, u.Status, u.EmailVerified,
	))
}

// GetUserByID returns a user by id.
func (db *DB) GetUserByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	u, err := scanUser(db.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return model.User{}, userNotFound(err, id.String())
	}
	return u, nil
}

// GetUserByLogin returns the user whose username or email equals login.
func (db *DB) GetUserByLogin(ctx context.Context, login string) (model.User, error) {
	u, err := scanUser(db.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1 OR lower(email) = lower($1) LIMIT 1`, login))
	if err != nil {
		return model.User{}, userNotFound(err, login)
	}
	return u, nil
}

// RecordFailedLogin increments the user's failed attempt counter and locks the
// account for lockFor once it reaches maxAttempts. It returns the new count
// and whether the account is now locked.
func (db *DB) RecordFailedLogin(ctx context.Context, id uuid.UUID, maxAttempts int, lockFor time.Duration) (int, bool, error) {
	var (
		attempts    int
		lockedUntil *time.Time
	)
	err := db.pool.QueryRow(ctx,
		`UPDATE users SET
		     failed_login_attempts = failed_login_attempts + 1,
		     locked_until = CASE WHEN failed_login_attempts + 1 >= $2
		                         THEN now() + make_interval(secs => $3) ELSE locked_until END,
		     updated_at = now()
		 WHERE id = $1
		 RETURNING failed_login_attempts, locked_until`,
		id, maxAttempts, lockFor.Seconds(),
	).Scan(&attempts, &lockedUntil)
	if err != nil {
		return 0, false, userNotFound(err, id.String())
	}
	return attempts, lockedUntil != nil && lockedUntil.After(time.Now()), nil
}

// RecordSuccessfulLogin clears the lockout state and stamps last_login.
func (db *DB) RecordSuccessfulLogin(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE users SET failed_login_attempts = 0, locked_until = NULL, last_login = now(), updated_at = now()
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: record login: %w", err)
	}
	return nil
}

// UnlockUser clears the failed attempt counter and any lock.
func (db *DB) UnlockUser(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE users SET failed_login_attempts = 0, locked_until = NULL, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: unlock user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: user %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdatePassword replaces the password hash and clears the lockout state.
func (db *DB) UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE users SET password_hash = $2, failed_login_attempts = 0, locked_until = NULL, updated_at = now()
		 WHERE id = $1`, id, hash)
	if err != nil {
		return fmt.Errorf("storage: update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: user %s: %w", id, ErrNotFound)
	}
	return nil
}

// UserUpdate holds the mutable user fields. Nil fields are left unchanged.
type UserUpdate struct {
	Email     *string           `json:"email"`
	FirstName *string           `json:"first_name"`
	LastName  *string           `json:"last_name"`
	Phone     *string           `json:"phone"`
	Status    *model.UserStatus `json:"status"`
}

// UpdateUser applies u and returns the before and after rows.
func (db *DB) UpdateUser(ctx context.Context, id uuid.UUID, u UserUpdate) (before, after model.User, err error) {
	before, err = db.GetUserByID(ctx, id)
	if err != nil {
		return before, after, err
	}
	after, err = scanUser(db.pool.QueryRow(ctx,
		`UPDATE users SET
		     email = COALESCE($2, email),
		     first_name = COALESCE($3, first_name),
		     last_name = COALESCE($4, last_name),
		     phone = COALESCE($5, phone),
		     status = COALESCE($6, status),
		     updated_at = now()
		 WHERE id = $1
		 RETURNING `+userColumns,
		id, u.Email, u.FirstName, u.LastName, u.Phone, u.Status,
	))
	if err != nil {
		return before, after, fmt.Errorf("storage: update user: %w", uniqueViolation(err))
	}
	return before, after, nil
}

// OrgUser is a user together with their role in one organization.
type OrgUser struct {
	model.User
	OrgRole   model.Role `json:"organization_role"`
	IsPrimary bool       `json:"is_primary"`
}

// UserFilter narrows ListOrgUsers.
type UserFilter struct {
	Role   model.Role
	Status model.UserStatus
	Search string
	Limit  int
	Offset int
}

// ListOrgUsers returns users with an active membership in orgID.
func (db *DB) ListOrgUsers(ctx context.Context, orgID uuid.UUID, f UserFilter) ([]OrgUser, int, error) {
	flt := newFilter("uo.organization_id = ?", orgID)
	flt.raw("uo.status = 'active'")
	flt.addIf(f.Role != "", "uo.role = ?", f.Role)
	flt.addIf(f.Status != "", "u.status = ?", f.Status)
	flt.addIf(f.Search != "",
		"(u.username ILIKE ? OR u.email ILIKE ? OR u.first_name ILIKE ? OR u.last_name ILIKE ?)", "%"+f.Search+"%")
	from := ` FROM users u JOIN user_organizations uo ON uo.user_id = u.id`

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT count(*)`+from+flt.where(), flt.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count users: %w", err)
	}
	pageSQL, args := flt.page(f.Limit, f.Offset)
	rows, err := db.pool.Query(ctx,
		`SELECT u.id, u.username, u.email, u.password_hash, u.first_name, u.last_name, u.phone, u.role, u.status,
		        u.email_verified, u.failed_login_attempts, u.locked_until, u.last_login, u.created_at, u.updated_at,
		        uo.role, uo.is_primary`+from+flt.where()+` ORDER BY u.created_at DESC`+pageSQL,
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list users: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (OrgUser, error) {
		var ou OrgUser
		u := &ou.User
		err := row.Scan(
			&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.Phone,
			&u.Role, &u.Status, &u.EmailVerified, &u.FailedLoginAttempts, &u.LockedUntil,
			&u.LastLogin, &u.CreatedAt, &u.UpdatedAt, &ou.OrgRole, &ou.IsPrimary,
		)
		return ou, err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("storage: scan users: %w", err)
	}
	return out, total, nil
}

// GetOrgUser returns a user only if they are a member of orgID.
func (db *DB) GetOrgUser(ctx context.Context, orgID, userID uuid.UUID) (OrgUser, error) {
	u, err := db.GetUserByID(ctx, userID)
	if err != nil {
		return OrgUser{}, err
	}
	m, ok, err := db.GetMembership(ctx, userID, orgID)
	if err != nil {
		return OrgUser{}, err
	}
	if !ok {
		return OrgUser{}, fmt.Errorf("storage: user %s in organization %s: %w", userID, orgID, ErrNotFound)
	}
	return OrgUser{User: u, OrgRole: m.Role, IsPrimary: m.IsPrimary}, nil
}

// UserStats counts an organization's members by role and by account status.
type UserStats struct {
	Total    int            `json:"total_users"`
	ByRole   map[string]int `json:"by_role"`
	ByStatus map[string]int `json:"by_status"`
}

// GetUserStats returns UserStats for orgID.
func (db *DB) GetUserStats(ctx context.Context, orgID uuid.UUID) (UserStats, error) {
	s := UserStats{}
	rows, err := db.pool.Query(ctx,
		`SELECT uo.role, count(*) FROM user_organizations uo
		 WHERE uo.organization_id = $1 AND uo.status = 'active' GROUP BY uo.role`, orgID)
	if err != nil {
		return s, fmt.Errorf("storage: user stats by role: %w", err)
	}
	if s.ByRole, err = collectCounts(rows); err != nil {
		return s, fmt.Errorf("storage: scan user stats: %w", err)
	}
	rows, err = db.pool.Query(ctx,
		`SELECT u.status, count(*) FROM users u JOIN user_organizations uo ON uo.user_id = u.id
		 WHERE uo.organization_id = $1 AND uo.status = 'active' GROUP BY u.status`, orgID)
	if err != nil {
		return s, fmt.Errorf("storage: user stats by status: %w", err)
	}
	if s.ByStatus, err = collectCounts(rows); err != nil {
		return s, fmt.Errorf("storage: scan user stats: %w", err)
	}
	for _, n := range s.ByRole {
		s.Total += n
	}
	return s, nil
}
