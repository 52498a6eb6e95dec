/*
errors.go - Centralized error types for the ledger

ERROR CATEGORIES:
  1. Not found     - account, effort or event missing (or soft-deleted)
  2. Invalid input - bad amount, missing reference, locked account
  3. Conflict      - lock wait timeout / serialization failure (retryable)
  4. Storage       - connection or transaction failure, always rolled back

USAGE:
  Callers branch with errors.Is on the sentinels, or errors.As on the
  structured types when they need the detail:

    if errors.Is(err, ledger.ErrNotFound) {
        // 404
    }
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrStorage             = errors.New("storage failure")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string // "account", "effort", "balance"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidInputError describes rejected producer input.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidInputError) Unwrap() error { return ErrInvalidInput }

// StorageError wraps a backend failure. The failed unit of work has been
// rolled back when this reaches a caller.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// AccountNotFound builds the NotFoundError stores return for accounts.
func AccountNotFound(id AccountID) error {
	return &NotFoundError{Kind: "account", ID: string(id)}
}

func EffortNotFound(id EffortID) error {
	return &NotFoundError{Kind: "effort", ID: string(id)}
}

// wrapStorage leaves taxonomy errors and context errors untouched and
// classifies anything else as a storage failure.
func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrStorage) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole operation may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
