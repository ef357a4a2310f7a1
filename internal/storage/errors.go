package storage

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a unique constraint rejects a write.
	ErrConflict = errors.New("storage: conflict")
	// ErrInsufficientStock is wrapped by *StockError.
	ErrInsufficientStock = errors.New("storage: insufficient stock")
	// ErrInvalidTransition is returned when a state change is not allowed from the current state.
	ErrInvalidTransition = errors.New("storage: invalid state transition")
)

// StockError reports an order line that exceeds the input's stock.
type StockError struct {
	InputName string
	Available int
	Requested int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("Insufficient stock for %s. Available: %d, Requested: %d", e.InputName, e.Available, e.Requested)
}

func (e *StockError) Unwrap() error { return ErrInsufficientStock }

// ConflictError names the unique constraint that rejected a write.
type ConflictError struct {
	Constraint string
}

func (e *ConflictError) Error() string {
	return "storage: conflict on " + e.Constraint
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// uniqueViolation converts a 23505 error into a *ConflictError and returns
// any other error unchanged.
func uniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &ConflictError{Constraint: pgErr.ConstraintName}
	}
	return err
}
