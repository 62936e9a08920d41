/*
errors.go - Centralized error types for the credit engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every orchestrator operation returns either a success payload or one
  of these typed errors; nothing crosses the engine boundary as a bare
  wrapped storage error.

ERROR CATEGORIES:
  1. Validation errors - bad input, rejected before any write
  2. Domain errors - rule violations (already claimed, self-referral)
  3. Storage errors - persistence failures, the only retryable class

USAGE:
  Callers branch with errors.Is / errors.As:

    if errors.Is(err, credit.ErrDailyBonusAlreadyClaimed) { ... }

    var ib *credit.InsufficientBalanceError
    if errors.As(err, &ib) { ... ib.Shortfall ... }

SEE ALSO:
  - engine.go: Produces these errors
  - api/handlers.go: Maps them to HTTP status codes
*/
package credit

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidOperation is returned for bad input: empty user id,
	// non-positive amount. Rejected before any write.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrBalanceNotFound is returned when a user has no ledger history.
	// Distinct from a zero balance.
	ErrBalanceNotFound = errors.New("balance not found")

	// ErrInsufficientBalance is returned when a deduction would overdraw.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDailyBonusAlreadyClaimed is returned when the bonus was already
	// claimed on the current calendar date. A distinguishable outcome,
	// not a generic failure.
	ErrDailyBonusAlreadyClaimed = errors.New("daily bonus already claimed")

	// ErrInvalidPurchase is returned for unknown products or missing
	// purchase tokens.
	ErrInvalidPurchase = errors.New("invalid purchase")

	// ErrReferralNotValid is returned for self-referrals and reused
	// referral codes.
	ErrReferralNotValid = errors.New("referral not valid")

	// ErrDuplicateIdempotencyKey is returned when a ledger append hits an
	// existing idempotency key outside the guarded path. This indicates a
	// logic error, not a user-facing condition.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrOperationInProgress is returned when an idempotency key is
	// reserved but not yet completed by another in-flight request.
	// Safe to retry after a short delay.
	ErrOperationInProgress = errors.New("operation in progress")

	// ErrTransactionFailed is returned for storage-layer failures and
	// timeouts. Safe to retry.
	ErrTransactionFailed = errors.New("transaction failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError details which input failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidOperation }

// InsufficientBalanceError details a balance shortage.
type InsufficientBalanceError struct {
	UserID    UserID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %d, requested %d",
		e.UserID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// Shortfall is how many credits the user is missing.
func (e *InsufficientBalanceError) Shortfall() int64 { return e.Requested - e.Available }

// StorageError wraps an underlying persistence failure. Retryable.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return ErrTransactionFailed }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable reports whether the operation might succeed if retried
// unchanged. Only storage failures and in-progress reservations qualify;
// domain errors must surface to the caller for correction.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionFailed) ||
		errors.Is(err, ErrOperationInProgress)
}

// IsClientError reports whether the error is due to caller input or a
// domain rule, as opposed to an engine/storage fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidOperation) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrDailyBonusAlreadyClaimed) ||
		errors.Is(err, ErrInvalidPurchase) ||
		errors.Is(err, ErrReferralNotValid)
}

// IsNotFound reports whether the error indicates missing ledger history.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBalanceNotFound)
}

// Code returns the stable machine-readable code for an engine error.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidOperation):
		return "INVALID_OPERATION"
	case errors.Is(err, ErrBalanceNotFound):
		return "BALANCE_NOT_FOUND"
	case errors.Is(err, ErrInsufficientBalance):
		return "INSUFFICIENT_BALANCE"
	case errors.Is(err, ErrDailyBonusAlreadyClaimed):
		return "DAILY_BONUS_ALREADY_CLAIMED"
	case errors.Is(err, ErrInvalidPurchase):
		return "INVALID_PURCHASE"
	case errors.Is(err, ErrReferralNotValid):
		return "REFERRAL_NOT_VALID"
	case errors.Is(err, ErrOperationInProgress):
		return "OPERATION_IN_PROGRESS"
	case errors.Is(err, ErrDuplicateIdempotencyKey):
		return "DUPLICATE_IDEMPOTENCY_KEY"
	case errors.Is(err, ErrTransactionFailed):
		return "TRANSACTION_FAILED"
	default:
		return "INTERNAL"
	}
}
