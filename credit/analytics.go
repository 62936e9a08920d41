/*
analytics.go - Read-only ledger aggregation

PURPOSE:
  Folds ledger entries into type-bucketed totals and month-bucketed
  earned/spent series on demand. Strictly outside the write path: the
  aggregator only ever lists transactions.

BOUNDING:
  Large ranges are bounded by the listing limit the aggregator passes to
  the store; callers control it via MaxEntries. Snapshots are computed
  per request and not cached.
*/
package credit

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultAnalyticsLimit bounds how many transactions one snapshot may fold.
const DefaultAnalyticsLimit = 10000

// TypeTotal summarizes one transaction type within a snapshot range.
type TypeTotal struct {
	Count  int   `json:"count"`
	Amount int64 `json:"amount"`
}

// MonthBucket is one UTC calendar month of earned/spent activity.
type MonthBucket struct {
	Month  string `json:"month"` // YYYY-MM
	Earned int64  `json:"earned"`
	Spent  int64  `json:"spent"` // stored positive
}

// Snapshot is a computed aggregate over a date range. Not persisted.
type Snapshot struct {
	UserID       UserID
	From, To     time.Time
	Transactions int
	TotalEarned  int64
	TotalSpent   int64 // stored positive
	Net          int64
	ByType       map[TransactionType]TypeTotal
	Months       []MonthBucket

	// Per-month averages over the months that had activity.
	AvgEarnedPerMonth decimal.Decimal
	AvgSpentPerMonth  decimal.Decimal
}

// Aggregator computes snapshots from the ledger.
type Aggregator struct {
	store LedgerStore
	limit int
}

// NewAggregator creates an aggregator. maxEntries <= 0 selects
// DefaultAnalyticsLimit.
func NewAggregator(store LedgerStore, maxEntries int) *Aggregator {
	if maxEntries <= 0 {
		maxEntries = DefaultAnalyticsLimit
	}
	return &Aggregator{store: store, limit: maxEntries}
}

// Summarize folds the user's transactions in [from, to] into a snapshot.
// Administrative transactions are excluded unless includeAdmin is set.
func (a *Aggregator) Summarize(ctx context.Context, userID UserID, from, to time.Time, includeAdmin bool) (Snapshot, error) {
	txs, err := a.store.List(ctx, userID, TransactionFilter{
		From:  from,
		To:    to,
		Limit: a.limit,
	})
	if err != nil {
		return Snapshot{}, &StorageError{Op: "list transactions", Err: err}
	}

	snap := Snapshot{
		UserID: userID,
		From:   from,
		To:     to,
		ByType: make(map[TransactionType]TypeTotal),
	}
	months := make(map[string]*MonthBucket)

	for _, tx := range txs {
		if tx.Type.Admin() && !includeAdmin {
			continue
		}
		snap.Transactions++
		snap.Net += tx.Amount

		tt := snap.ByType[tx.Type]
		tt.Count++
		tt.Amount += tx.Amount
		snap.ByType[tx.Type] = tt

		key := MonthKey(tx.CreatedAt)
		bucket := months[key]
		if bucket == nil {
			bucket = &MonthBucket{Month: key}
			months[key] = bucket
		}
		if tx.Amount >= 0 {
			snap.TotalEarned += tx.Amount
			bucket.Earned += tx.Amount
		} else {
			snap.TotalSpent += -tx.Amount
			bucket.Spent += -tx.Amount
		}
	}

	for _, b := range months {
		snap.Months = append(snap.Months, *b)
	}
	sort.Slice(snap.Months, func(i, j int) bool {
		return snap.Months[i].Month < snap.Months[j].Month
	})

	if n := len(snap.Months); n > 0 {
		div := decimal.NewFromInt(int64(n))
		snap.AvgEarnedPerMonth = decimal.NewFromInt(snap.TotalEarned).DivRound(div, 2)
		snap.AvgSpentPerMonth = decimal.NewFromInt(snap.TotalSpent).DivRound(div, 2)
	}
	return snap, nil
}
