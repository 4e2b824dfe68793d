// internal/entitlement/errors.go
package entitlement

import "errors"

// Sentinel errors for the entitlement engine. Callers branch with errors.Is;
// anything else wrapped out of this package is an infrastructure failure.
var (
	// ErrNotFound means the referenced member, product, or entitlement does
	// not exist. Surfaced to the caller, never retried.
	ErrNotFound = errors.New("entitlement: not found")

	// ErrNoEligibleEntitlement means consumption was requested but no active
	// countable entitlement with positive balance matched. Not a fault; the
	// surrounding check-in proceeds without a deduction.
	ErrNoEligibleEntitlement = errors.New("entitlement: no eligible entitlement")

	// ErrConcurrencyConflict means the balance changed between read and
	// write. The engine retries once before surfacing it.
	ErrConcurrencyConflict = errors.New("entitlement: concurrent modification")

	// ErrDuplicateTrigger means the triggering booking already produced a
	// deduction. The second attempt is rejected, never deducted twice.
	ErrDuplicateTrigger = errors.New("entitlement: trigger already consumed")

	// ErrInvalidState means the operation does not apply to the entitlement's
	// current kind or status, e.g. deducting from an expired or time-limited
	// pass. Rejected outright, never coerced.
	ErrInvalidState = errors.New("entitlement: invalid state for operation")

	// ErrCascadeIntegrity means the removal cascade hit a dangling reference.
	// The whole removal rolls back.
	ErrCascadeIntegrity = errors.New("entitlement: cascade integrity violation")

	// ErrInvalidInput means the request was structurally invalid.
	ErrInvalidInput = errors.New("entitlement: invalid input")

	// ErrRateLimited means the manual-correction budget was exhausted.
	ErrRateLimited = errors.New("entitlement: rate limit exceeded")
)

// IsRetryable reports whether the operation may be re-attempted as-is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsRejection reports whether the error is a business rejection rather than a
// system fault: the caller should present the outcome, not alert on it.
func IsRejection(err error) bool {
	return errors.Is(err, ErrNoEligibleEntitlement) ||
		errors.Is(err, ErrDuplicateTrigger) ||
		errors.Is(err, ErrInvalidState)
}
