/*
store.go - Persistence interfaces for the ledger and derived state

PURPOSE:
  Defines the interface between the engine and the database. The ledger
  is append-only; the balance cache is derived and must be written in
  the same atomic unit as the append that changed it.

KEY INTERFACES:
  LedgerStore:      Append-only transaction persistence
  BalanceStore:     Cached balance reads + reconciliation repair
  StreakStore:      Daily-bonus state rows
  IdempotencyStore: Reserve/complete records for external operations
  Store:            All of the above (what implementations provide)

APPEND-ONLY CONTRACT:
  Apply() is the ONLY ledger write. There is no Update() or Delete();
  corrections are new offsetting transactions.

ATOMICITY:
  Apply() must insert the transaction and adjust the cached balance in
  one atomic unit, and return the resulting total. If either half fails,
  neither is visible.

IMPLEMENTATIONS:
  - store/sqlite: Production SQLite
  - credit/store: In-memory for tests
*/
package credit

import (
	"context"
	"time"
)

// =============================================================================
// LEDGER STORE - Append-only
// =============================================================================

// LedgerStore persists transactions. Append-only: no update, no delete.
type LedgerStore interface {
	// Apply appends tx and adjusts the user's cached balance atomically.
	// Returns the balance after the append. Fails with
	// ErrDuplicateIdempotencyKey if the key already exists.
	Apply(ctx context.Context, tx Transaction) (newBalance int64, err error)

	// List returns the user's transactions newest-first, bounded by the
	// filter's offset/limit.
	List(ctx context.Context, userID UserID, f TransactionFilter) ([]Transaction, error)

	// Sum folds the whole ledger for a user. Authoritative: the cached
	// balance must always match this. count is the number of entries.
	Sum(ctx context.Context, userID UserID) (total int64, count int, err error)

	// ByIdempotencyKey returns the transaction created under key, or nil.
	ByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)

	// GetTransaction returns a transaction by id, or nil.
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)
}

// =============================================================================
// BALANCE STORE - Derived cache
// =============================================================================

// BalanceStore reads and repairs the cached balance projection.
// Normal writes happen inside LedgerStore.Apply; SetBalance exists only
// for reconciliation repair.
type BalanceStore interface {
	// GetBalance returns the cached balance, or nil if the user has none.
	GetBalance(ctx context.Context, userID UserID) (*Balance, error)

	// SetBalance overwrites the cached balance. Reconciliation only.
	SetBalance(ctx context.Context, b Balance) error

	// BalanceUsers returns every user with a cached balance.
	BalanceUsers(ctx context.Context) ([]UserID, error)
}

// =============================================================================
// STREAK STORE
// =============================================================================

// StreakStore persists per-user daily-bonus state.
type StreakStore interface {
	// GetStreak returns the user's state, or nil if never claimed.
	GetStreak(ctx context.Context, userID UserID) (*DailyBonusState, error)

	// SaveStreak upserts the user's state.
	SaveStreak(ctx context.Context, s DailyBonusState) error
}

// =============================================================================
// IDEMPOTENCY STORE
// =============================================================================

// IdempotencyStore persists reservation records. Reserve must be atomic
// with respect to concurrent callers of the same key: exactly one wins.
type IdempotencyStore interface {
	// Reserve claims key for userID. If the key is free, or held by an
	// incomplete record older than staleAfter, the reservation succeeds
	// and created is true. Otherwise the existing record is returned.
	Reserve(ctx context.Context, key string, userID UserID, staleAfter time.Duration) (rec IdempotencyRecord, created bool, err error)

	// CompleteReservation links the key to the transaction it produced.
	CompleteReservation(ctx context.Context, key string, txID TransactionID) error

	// ReleaseReservation drops an incomplete reservation after a failed
	// operation so retries are not wedged until the TTL expires.
	ReleaseReservation(ctx context.Context, key string) error

	// GetReservation returns the record for key, or nil.
	GetReservation(ctx context.Context, key string) (*IdempotencyRecord, error)
}

// =============================================================================
// COMBINED STORE
// =============================================================================

// Store is everything the engine needs from a backing store.
type Store interface {
	LedgerStore
	BalanceStore
	StreakStore
	IdempotencyStore
}
