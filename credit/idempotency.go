/*
idempotency.go - Deduplication guard for externally-triggered operations

PURPOSE:
  Purchase-receipt redelivery, referral retries, and daily-bonus
  double-taps must apply exactly once. Before performing any such
  operation the orchestrator reserves its caller-supplied key here; a
  replay finds the completed record and short-circuits to the original
  transaction instead of writing again.

CRASH SAFETY:
  A crash between "reserve" and "ledger append" must not wedge the key
  forever. Incomplete reservations older than the configured TTL are
  treated as abandoned and may be reserved again; completed records are
  permanent.
*/
package credit

import (
	"context"
	"time"
)

// DefaultReservationTTL is how long an incomplete reservation blocks
// retries before it is considered abandoned.
const DefaultReservationTTL = 5 * time.Minute

// Guard deduplicates external operations by caller-supplied key.
type Guard struct {
	store IdempotencyStore
	ttl   time.Duration
}

// NewGuard creates a guard. ttl <= 0 selects DefaultReservationTTL.
func NewGuard(store IdempotencyStore, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	return &Guard{store: store, ttl: ttl}
}

// Reservation is the outcome of a Reserve call.
type Reservation struct {
	// IsNew is true when this caller holds the key and must perform the
	// operation, then Complete (or Release on failure).
	IsNew bool

	// ExistingTransactionID is set when the key already completed;
	// the caller returns the original result instead of re-applying.
	ExistingTransactionID TransactionID
}

// Reserve claims key on behalf of userID.
//
// Outcomes:
//   - fresh key (or abandoned reservation): IsNew=true, caller proceeds
//   - completed record: IsNew=false with the original transaction id
//   - incomplete record within TTL: ErrOperationInProgress (retryable)
func (g *Guard) Reserve(ctx context.Context, key string, userID UserID) (Reservation, error) {
	rec, created, err := g.store.Reserve(ctx, key, userID, g.ttl)
	if err != nil {
		return Reservation{}, &StorageError{Op: "reserve idempotency key", Err: err}
	}
	if created {
		return Reservation{IsNew: true}, nil
	}
	if rec.Completed() {
		return Reservation{ExistingTransactionID: rec.TransactionID}, nil
	}
	return Reservation{}, ErrOperationInProgress
}

// Complete links the reserved key to the transaction it produced.
func (g *Guard) Complete(ctx context.Context, key string, txID TransactionID) error {
	if err := g.store.CompleteReservation(ctx, key, txID); err != nil {
		return &StorageError{Op: "complete idempotency key", Err: err}
	}
	return nil
}

// Release drops an incomplete reservation after a failed operation so
// the caller's retry is not blocked until the TTL expires.
func (g *Guard) Release(ctx context.Context, key string) error {
	if err := g.store.ReleaseReservation(ctx, key); err != nil {
		return &StorageError{Op: "release idempotency key", Err: err}
	}
	return nil
}
