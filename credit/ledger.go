/*
ledger.go - Append-only transaction log

PURPOSE:
  The Ledger is the immutable source of truth for all balance changes.
  Every grant, spend, purchase, bonus, referral payout, and admin
  adjustment is recorded here. The cached balance is always derivable
  by replaying transactions.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IMMUTABLE: Once written, transactions cannot be modified
  3. AUDITABLE: Every balance change is traceable with full context
  4. IDEMPOTENT: Same idempotency key = same transaction (no duplicates)

CORRECTIONS:
  Mistakes are not edited. An offsetting transaction (admin_deduct for a
  wrong admin_add, and so on) is appended instead, preserving history.

SEE ALSO:
  - store.go: Low-level persistence interface
  - projection.go: Balance cache kept consistent with this log
*/
package credit

import (
	"context"
	"time"
)

// Ledger is the append-only log the orchestrator writes through.
// It fills in transaction identity and timestamps so callers only
// describe the business fact.
type Ledger struct {
	store LedgerStore
	now   func() time.Time
}

// NewLedger creates a ledger over the given store.
func NewLedger(store LedgerStore) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// WithClock overrides the ledger clock. Tests only.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Append records tx and returns it with identity filled in, plus the
// balance after the append. This is the only write path into the ledger.
func (l *Ledger) Append(ctx context.Context, tx Transaction) (Transaction, int64, error) {
	if tx.ID == "" {
		tx.ID = NewTransactionID()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = l.now().UTC()
	}

	balance, err := l.store.Apply(ctx, tx)
	if err != nil {
		return Transaction{}, 0, err
	}
	return tx, balance, nil
}

// Transactions returns the user's history newest-first, bounded by f.
func (l *Ledger) Transactions(ctx context.Context, userID UserID, f TransactionFilter) ([]Transaction, error) {
	return l.store.List(ctx, userID, f)
}

// Fold replays the full ledger for a user. Authoritative balance.
func (l *Ledger) Fold(ctx context.Context, userID UserID) (total int64, count int, err error) {
	return l.store.Sum(ctx, userID)
}

// ByIdempotencyKey returns the transaction produced under key, or nil.
func (l *Ledger) ByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	return l.store.ByIdempotencyKey(ctx, key)
}
