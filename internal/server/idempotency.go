package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jpillora/backoff"

	"github.com/magsasa-card/magsasa/internal/ctxutil"
	"github.com/magsasa-card/magsasa/internal/model"
	"github.com/magsasa-card/magsasa/internal/storage"
)

const (
	idempotencyHeader           = "Idempotency-Key"
	maxIdempotencyKeyLen        = 255
	idempotencyFinalizeAttempts = 3
)

func payloadHash(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// beginIdempotentWrite reserves the request's Idempotency-Key for the
// calling user on endpoint. It returns (nil, true) when no key was sent and
// (nil, false) when it already wrote a response, either a replay or an error.
func (h *Handlers) beginIdempotentWrite(w http.ResponseWriter, r *http.Request, endpoint string, payload any) (*storage.IdempotencyScope, bool) {
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" {
		return nil, true
	}
	if len(key) > maxIdempotencyKeyLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("%s must be at most %d characters", idempotencyHeader, maxIdempotencyKeyLen))
		return nil, false
	}

	hash, err := payloadHash(payload)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash idempotency payload", err)
		return nil, false
	}

	ctx := r.Context()
	scope := storage.IdempotencyScope{
		OrgID:    ctxutil.OrgIDFromContext(ctx),
		ActorID:  ctxutil.UserIDFromContext(ctx).String(),
		Endpoint: endpoint,
		Key:      key,
	}
	lookup, err := h.db.BeginIdempotency(ctx, scope, hash)
	switch {
	case errors.Is(err, storage.ErrIdempotencyPayloadMismatch):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "Idempotency key reused with a different request body")
		return nil, false
	case errors.Is(err, storage.ErrIdempotencyInProgress):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "A request with this idempotency key is still in progress")
		return nil, false
	case err != nil:
		h.writeInternalError(w, r, "idempotency lookup failed", err)
		return nil, false
	case !lookup.Completed:
		return &scope, true
	}

	var replay any
	if len(lookup.ResponseData) > 0 {
		if err := json.Unmarshal(lookup.ResponseData, &replay); err != nil {
			h.writeInternalError(w, r, "failed to decode idempotent replay", err)
			return nil, false
		}
	}
	status := lookup.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Idempotent-Replayed", "true")
	writeJSON(w, r, status, replay)
	return nil, false
}

// completeIdempotentWrite stores the committed response. Failures are
// logged, never returned: the mutation already happened and the client
// gets its response either way.
func (h *Handlers) completeIdempotentWrite(r *http.Request, scope *storage.IdempotencyScope, status int, data any) {
	if scope == nil {
		return
	}
	// Detached from the request so a client disconnect cannot strand the
	// key in progress.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Second)
	defer cancel()

	b := backoff.Backoff{Min: 50 * time.Millisecond, Max: time.Second, Factor: 2}
	var err error
	for attempt := 1; attempt <= idempotencyFinalizeAttempts; attempt++ {
		if err = h.db.CompleteIdempotency(ctx, *scope, status, data); err == nil {
			return
		}
		h.logger.Warn("idempotency finalize attempt failed",
			"attempt", attempt, "endpoint", scope.Endpoint, "error", err)
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			attempt = idempotencyFinalizeAttempts
		}
	}
	h.logger.Error("idempotency record left in progress after committed mutation",
		"endpoint", scope.Endpoint,
		"org_id", scope.OrgID,
		"request_id", RequestIDFromContext(r.Context()),
		"error", err)
}

// clearIdempotentWrite releases the key after a failed mutation.
func (h *Handlers) clearIdempotentWrite(r *http.Request, scope *storage.IdempotencyScope) {
	if scope == nil {
		return
	}
	if err := h.db.ClearInProgressIdempotency(context.WithoutCancel(r.Context()), *scope); err != nil {
		h.logger.Error("failed to clear idempotency record", "endpoint", scope.Endpoint, "error", err)
	}
}
