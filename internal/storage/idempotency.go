package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrIdempotencyPayloadMismatch means the key was first used with a different body.
	ErrIdempotencyPayloadMismatch = errors.New("storage: idempotency key reused with different payload")
	// ErrIdempotencyInProgress means another request holds the key.
	ErrIdempotencyInProgress = errors.New("storage: idempotency key request already in progress")
)

// IdempotencyScope identifies one reservation. Keys are unique per
// organization, actor and endpoint, so two cooperatives may reuse the same
// client-generated key.
type IdempotencyScope struct {
	OrgID    uuid.UUID
	ActorID  string
	Endpoint string
	Key      string
}

// IdempotencyLookup is the state of a key after BeginIdempotency.
type IdempotencyLookup struct {
	Completed    bool
	StatusCode   int
	ResponseData json.RawMessage
}

// BeginIdempotency reserves s for the caller or reports the prior outcome.
//
// A zero lookup with nil error means the caller owns the key and must call
// CompleteIdempotency or ClearInProgressIdempotency. A completed lookup
// carries the stored response for replay. In-progress keys are never taken
// over, however old; the cleanup loop removes abandoned ones, so an order
// that committed before its handler died is not placed twice.
func (db *DB) BeginIdempotency(ctx context.Context, s IdempotencyScope, requestHash string) (IdempotencyLookup, error) {
	// The no-op DO UPDATE makes RETURNING yield the existing row on conflict.
	// xmax is zero only for a freshly inserted tuple.
	var (
		inserted     bool
		storedHash   string
		status       string
		statusCode   *int
		responseData []byte
	)
	err := db.pool.QueryRow(ctx,
		`INSERT INTO idempotency_keys (org_id, actor_id, endpoint, idempotency_key, request_hash, status)
		 VALUES ($1, $2, $3, $4, $5, 'in_progress')
		 ON CONFLICT (org_id, actor_id, endpoint, idempotency_key)
		 DO UPDATE SET idempotency_key = EXCLUDED.idempotency_key
		 RETURNING (xmax = 0), request_hash, status, status_code, response_data`,
		s.OrgID, s.ActorID, s.Endpoint, s.Key, requestHash,
	).Scan(&inserted, &storedHash, &status, &statusCode, &responseData)
	if err != nil {
		return IdempotencyLookup{}, fmt.Errorf("storage: begin idempotency: %w", err)
	}

	switch {
	case inserted:
		return IdempotencyLookup{}, nil
	case storedHash != requestHash:
		return IdempotencyLookup{}, ErrIdempotencyPayloadMismatch
	case status != "completed":
		return IdempotencyLookup{}, ErrIdempotencyInProgress
	}
	lookup := IdempotencyLookup{Completed: true, ResponseData: responseData}
	if statusCode != nil {
		lookup.StatusCode = *statusCode
	}
	return lookup, nil
}

// CompleteIdempotency stores the response for a key the caller reserved.
func (db *DB) CompleteIdempotency(ctx context.Context, s IdempotencyScope, statusCode int, responseData any) error {
	payload, err := json.Marshal(responseData)
	if err != nil {
		return fmt.Errorf("storage: marshal idempotency response: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET status = 'completed', status_code = $5, response_data = $6::jsonb, updated_at = now()
		 WHERE org_id = $1 AND actor_id = $2 AND endpoint = $3 AND idempotency_key = $4
		   AND status = 'in_progress'`,
		s.OrgID, s.ActorID, s.Endpoint, s.Key, statusCode, payload,
	)
	if err != nil {
		return fmt.Errorf("storage: complete idempotency: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: complete idempotency: %w", ErrNotFound)
	}
	return nil
}

// ClearInProgressIdempotency drops a reservation after a failed mutation so
// the client can retry with the same key.
func (db *DB) ClearInProgressIdempotency(ctx context.Context, s IdempotencyScope) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE org_id = $1 AND actor_id = $2 AND endpoint = $3 AND idempotency_key = $4
		   AND status = 'in_progress'`,
		s.OrgID, s.ActorID, s.Endpoint, s.Key,
	)
	if err != nil {
		return fmt.Errorf("storage: clear idempotency: %w", err)
	}
	return nil
}

// CleanupIdempotencyKeys deletes completed keys older than completedTTL and
// in-progress keys older than inProgressTTL.
func (db *DB) CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE (status = 'completed' AND updated_at < $1)
		    OR (status = 'in_progress' AND updated_at < $2)`,
		time.Now().Add(-completedTTL), time.Now().Add(-inProgressTTL),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
