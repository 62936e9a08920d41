/*
projection.go - Balance projection and reconciliation

PURPOSE:
  The cached balance gives cheap reads; the ledger fold is always
  correct. This file keeps the two honest: GetBalance serves the cache
  and falls back to the fold, and Reconcile recomputes the cache from
  the ledger and reports any drift. Reconciliation is the main defense
  against silent balance corruption.

CONSISTENCY:
  The cache is written inside the same atomic unit as every ledger
  append (LedgerStore.Apply), so drift can only come from bugs or
  external tampering - which is exactly what Reconcile exists to catch.
*/
package credit

import (
	"context"
	"time"
)

// Projector answers balance queries and audits the cache.
type Projector struct {
	store interface {
		LedgerStore
		BalanceStore
	}
	now func() time.Time
}

// NewProjector creates a projector over the given store.
func NewProjector(store Store) *Projector {
	return &Projector{store: store, now: time.Now}
}

// GetBalance returns the user's balance. The cache is primary; on a
// cache miss the ledger is folded, and ErrBalanceNotFound is returned
// when the user has no ledger history at all.
func (p *Projector) GetBalance(ctx context.Context, userID UserID) (Balance, error) {
	cached, err := p.store.GetBalance(ctx, userID)
	if err != nil {
		return Balance{}, &StorageError{Op: "load balance", Err: err}
	}
	if cached != nil {
		return *cached, nil
	}

	total, count, err := p.store.Sum(ctx, userID)
	if err != nil {
		return Balance{}, &StorageError{Op: "fold ledger", Err: err}
	}
	if count == 0 {
		return Balance{}, ErrBalanceNotFound
	}

	// Ledger history without a cache row: repair on read.
	b := Balance{UserID: userID, TotalCredits: total, UpdatedAt: p.now().UTC()}
	if err := p.store.SetBalance(ctx, b); err != nil {
		return Balance{}, &StorageError{Op: "repair balance cache", Err: err}
	}
	return b, nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// ReconciliationReport describes one user's cache-vs-ledger comparison.
type ReconciliationReport struct {
	UserID       UserID
	LedgerTotal  int64
	CachedTotal  int64
	Transactions int
	Drift        int64 // cached - ledger; zero means consistent
	Repaired     bool
}

// Consistent reports whether cache and ledger agreed.
func (r ReconciliationReport) Consistent() bool { return r.Drift == 0 }

// Reconcile re-folds the user's ledger, compares it with the cached
// balance, and repairs the cache when they disagree.
func (p *Projector) Reconcile(ctx context.Context, userID UserID) (ReconciliationReport, error) {
	total, count, err := p.store.Sum(ctx, userID)
	if err != nil {
		return ReconciliationReport{}, &StorageError{Op: "fold ledger", Err: err}
	}
	if count == 0 {
		return ReconciliationReport{}, ErrBalanceNotFound
	}

	report := ReconciliationReport{
		UserID:       userID,
		LedgerTotal:  total,
		Transactions: count,
	}

	cached, err := p.store.GetBalance(ctx, userID)
	if err != nil {
		return ReconciliationReport{}, &StorageError{Op: "load balance", Err: err}
	}
	if cached != nil {
		report.CachedTotal = cached.TotalCredits
	}
	report.Drift = report.CachedTotal - report.LedgerTotal

	if cached == nil || report.Drift != 0 {
		b := Balance{UserID: userID, TotalCredits: total, UpdatedAt: p.now().UTC()}
		if err := p.store.SetBalance(ctx, b); err != nil {
			return ReconciliationReport{}, &StorageError{Op: "repair balance cache", Err: err}
		}
		report.Repaired = true
	}
	return report, nil
}

// ReconcileAll sweeps every user with a cached balance. Reports are
// returned for all users; drifted ones have Repaired set.
func (p *Projector) ReconcileAll(ctx context.Context) ([]ReconciliationReport, error) {
	users, err := p.store.BalanceUsers(ctx)
	if err != nil {
		return nil, &StorageError{Op: "list balance users", Err: err}
	}

	reports := make([]ReconciliationReport, 0, len(users))
	for _, u := range users {
		r, err := p.Reconcile(ctx, u)
		if err != nil {
			return reports, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}
