/*
errors.go - Centralized error types for the settlement engine

PURPOSE:
  All engine error types in one place. Callers classify with errors.Is;
  structured types carry context and Unwrap to a sentinel.

ERROR CATEGORIES:
  1. Input errors - rejected before any write (invalid interval, amount)
  2. Conflict errors - concurrent mutation of the same source key;
     retried with backoff, then surfaced
  3. Store errors - persistence failures

NOT ERRORS:
  - A work with zero resolvable contracts is an allocation gap, logged
    and reported, never raised.
  - Reconciliation drift is reported out-of-band by the checker so
    payment processing is never blocked by an accounting mismatch.
*/
package engine

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidInterval is returned when a service interval is
	// malformed (end before start) or the total-days base is not
	// positive. Rejected before any write.
	ErrInvalidInterval = errors.New("invalid service interval")

	// ErrInvalidAmount is returned for a non-positive payment amount.
	ErrInvalidAmount = errors.New("invalid payment amount")

	// ErrConflict is returned when another run holds the same source
	// key. Retryable.
	ErrConflict = errors.New("concurrent mutation of source key")

	// ErrSourceNotFound is returned when reprocessing references a
	// payment event that was never recorded.
	ErrSourceNotFound = errors.New("payment event not found")

	// ErrDuplicateKey is returned by stores when a composite uniqueness
	// constraint rejects a write. Seeing this outside a conflict means
	// a bug: upserts should absorb replays.
	ErrDuplicateKey = errors.New("duplicate composite key")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// InvalidIntervalError carries the offending interval.
type InvalidIntervalError struct {
	Start, End time.Time
	TotalDays  string
	Reason     string
}

func (e *InvalidIntervalError) Error() string {
	return fmt.Sprintf("invalid interval [%s, %s) totalDays=%s: %s",
		e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339), e.TotalDays, e.Reason)
}

func (e *InvalidIntervalError) Unwrap() error { return ErrInvalidInterval }

// ConflictError identifies which source key was contended.
type ConflictError struct {
	Source SourceKey
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("source %s is locked by another run", e.Source)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable reports whether the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsClientError reports whether the error is due to invalid input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInterval) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrSourceNotFound)
}
