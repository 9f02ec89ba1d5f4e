/*
errors.go - Centralized error types for the loyalty engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify with errors.Is/errors.As; the api package maps these
  to HTTP statuses.

ERROR CATEGORIES:
  1. Validation errors - malformed amounts, inactive profiles, bad config
  2. Idempotency errors - reference ID collisions (benign for adapters)
  3. Balance errors - insufficient points
  4. Catalog errors - tier data-integrity violations

PROPAGATION POLICY:
  Validation failures are surfaced synchronously and never retried.
  Duplicates mean "already processed" - adapters treat them as success.
  Infrastructure failures (storage unavailable) are returned as-is and
  are the only class worth retrying.
*/
package loyalty

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidTransaction is returned for malformed or zero amounts,
	// inactive profiles, and malformed configuration.
	ErrInvalidTransaction = errors.New("invalid transaction")

	// ErrDuplicateReference is returned when a reference ID already
	// exists in the ledger. This is expected behavior for redelivered
	// events; adapters treat it as already-processed.
	ErrDuplicateReference = errors.New("duplicate reference id")

	// ErrInsufficientPoints is returned when a deduction exceeds the
	// available balance and negative balances are not allowed.
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrProfileInactive is returned when an earn or redeem targets a
	// deactivated profile.
	ErrProfileInactive = errors.New("loyalty profile inactive")

	// ErrProfileNotFound is returned by read paths for users that never
	// earned points. Mutating paths create the profile instead.
	ErrProfileNotFound = errors.New("loyalty profile not found")

	// ErrTierConflict is returned when saving an active tier whose
	// MinPoints collides with another active tier. Resolution order must
	// stay deterministic, so the conflict is rejected at write time.
	ErrTierConflict = errors.New("active tier with same min_points exists")
)

// ErrConfigInvalid is returned when the stored configuration cannot
// support point calculation (non-positive unit amount). Malformed
// configuration is a validation failure, so it matches
// ErrInvalidTransaction under errors.Is.
var ErrConfigInvalid = fmt.Errorf("%w: invalid loyalty configuration", ErrInvalidTransaction)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidAmountError reports an amount that failed validation.
type InvalidAmountError struct {
	Amount string
	Reason string
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid amount %q: %s", e.Amount, e.Reason)
}

func (e *InvalidAmountError) Unwrap() error { return ErrInvalidTransaction }

// InsufficientPointsError provides details about a balance shortage.
type InsufficientPointsError struct {
	UserID    UserID
	Available int
	Requested int
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points for %s: available %d, requested %d",
		e.UserID, e.Available, e.Requested)
}

func (e *InsufficientPointsError) Unwrap() error { return ErrInsufficientPoints }

// DuplicateReferenceError identifies the colliding reference.
type DuplicateReferenceError struct {
	ReferenceID string
}

func (e *DuplicateReferenceError) Error() string {
	return fmt.Sprintf("reference %q already processed", e.ReferenceID)
}

func (e *DuplicateReferenceError) Unwrap() error { return ErrDuplicateReference }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsDuplicate reports whether err means the operation already happened.
// Adapters use this to treat redelivery as a successful no-op.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateReference)
}

// IsClientError returns true if the error is due to invalid input or an
// expected business rejection, as opposed to an infrastructure failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidTransaction) ||
		errors.Is(err, ErrInsufficientPoints) ||
		errors.Is(err, ErrProfileInactive) ||
		errors.Is(err, ErrDuplicateReference) ||
		errors.Is(err, ErrTierConflict)
}

// IsRetryable returns true if the error might succeed on retry. Only
// infrastructure failures qualify; validation and duplicates never do.
func IsRetryable(err error) bool {
	return err != nil && !IsClientError(err) && !errors.Is(err, ErrProfileNotFound)
}
