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

// CreateSession records a refresh-token login.
func (db *DB) CreateSession(ctx context.Context, s model.Session) (model.Session, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO user_sessions (id, user_id, token_id, ip_address, user_agent, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING is_active, created_at`,
		s.ID, s.UserID, s.TokenID, s.IPAddress, s.UserAgent, s.ExpiresAt,
	).Scan(&s.IsActive, &s.CreatedAt)
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: create session: %w", err)
	}
	return s, nil
}

// DeactivateSession marks one of the user's sessions inactive.
func (db *DB) DeactivateSession(ctx context.Context, userID, sessionID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE user_sessions SET is_active = false WHERE id = $1 AND user_id = $2`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("storage: deactivate session: %w", err)
	}
	return nil
}

// DeactivateUserSessions marks every session of a user inactive. Used when an
// account is disabled or its password is reset.
func (db *DB) DeactivateUserSessions(ctx context.Context, userID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE user_sessions SET is_active = false WHERE user_id = $1 AND is_active`, userID)
	if err != nil {
		return fmt.Errorf("storage: deactivate user sessions: %w", err)
	}
	return nil
}

// ExpireSessions deactivates sessions past their expiry and returns how many changed.
func (db *DB) ExpireSessions(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE user_sessions SET is_active = false WHERE is_active AND expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("storage: expire sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RevokeToken blocks a token id until exp. Revoking the same id twice is a no-op.
func (db *DB) RevokeToken(ctx context.Context, jti string, userID uuid.UUID, exp time.Time) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO revoked_tokens (jti, user_id, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (jti) DO NOTHING`, jti, userID, exp)
	if err != nil {
		return fmt.Errorf("storage: revoke token: %w", err)
	}
	return nil
}

// IsTokenRevoked reports whether jti has been revoked.
func (db *DB) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE jti = $1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("storage: check revoked token: %w", err)
	}
	return revoked, nil
}

// PurgeRevokedTokens deletes revocations whose tokens have expired anyway.
func (db *DB) PurgeRevokedTokens(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM revoked_tokens WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("storage: purge revoked tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ConsumeEmailVerification marks an unused, unexpired token used, verifies the
// owner's email and returns the owner. Unknown, used or expired tokens yield ErrNotFound.
func (db *DB) ConsumeEmailVerification(ctx context.Context, token string) (uuid.UUID, error) {
	var userID uuid.UUID
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`UPDATE email_verifications SET used_at = now()
			 WHERE token = $1 AND used_at IS NULL AND expires_at > now()
			 RETURNING user_id`, token,
		).Scan(&userID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE users SET email_verified = true,
			     status = CASE WHEN status = 'pending' THEN 'active' ELSE status END,
			     updated_at = now()
			 WHERE id = $1`, userID)
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("storage: email verification: %w", ErrNotFound)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: consume email verification: %w", err)
	}
	return userID, nil
}
