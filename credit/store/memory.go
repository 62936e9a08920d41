// Package store provides an in-memory credit.Store for tests and dev.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/credit-engine/credit"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements credit.Store with plain maps under one mutex.
// Apply holds the write lock for the whole append + balance adjustment,
// which gives the same atomicity the SQLite store gets from a DB
// transaction.
type Memory struct {
	mu           sync.RWMutex
	transactions map[credit.UserID][]credit.Transaction
	byID         map[credit.TransactionID]credit.Transaction
	byIdemKey    map[string]credit.TransactionID
	balances     map[credit.UserID]credit.Balance
	streaks      map[credit.UserID]credit.DailyBonusState
	reservations map[string]credit.IdempotencyRecord
	now          func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		transactions: make(map[credit.UserID][]credit.Transaction),
		byID:         make(map[credit.TransactionID]credit.Transaction),
		byIdemKey:    make(map[string]credit.TransactionID),
		balances:     make(map[credit.UserID]credit.Balance),
		streaks:      make(map[credit.UserID]credit.DailyBonusState),
		reservations: make(map[string]credit.IdempotencyRecord),
		now:          time.Now,
	}
}

// WithClock overrides the store clock. Tests only.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

// =============================================================================
// LEDGER
// =============================================================================

// Apply appends tx and adjusts the cached balance under one lock hold.
func (m *Memory) Apply(_ context.Context, tx credit.Transaction) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.IdempotencyKey != "" {
		if _, exists := m.byIdemKey[tx.IdempotencyKey]; exists {
			return 0, credit.ErrDuplicateIdempotencyKey
		}
	}

	txs := m.transactions[tx.UserID]

	// Keep per-user slices ordered by CreatedAt so List can slice.
	i := sort.Search(len(txs), func(i int) bool {
		return txs[i].CreatedAt.After(tx.CreatedAt)
	})
	txs = append(txs, credit.Transaction{})
	copy(txs[i+1:], txs[i:])
	txs[i] = tx
	m.transactions[tx.UserID] = txs

	m.byID[tx.ID] = tx
	if tx.IdempotencyKey != "" {
		m.byIdemKey[tx.IdempotencyKey] = tx.ID
	}

	b := m.balances[tx.UserID]
	b.UserID = tx.UserID
	b.TotalCredits += tx.Amount
	b.UpdatedAt = m.now().UTC()
	m.balances[tx.UserID] = b
	return b.TotalCredits, nil
}

func (m *Memory) List(_ context.Context, userID credit.UserID, f credit.TransactionFilter) ([]credit.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.transactions[userID]

	// Newest first.
	var matched []credit.Transaction
	for i := len(stored) - 1; i >= 0; i-- {
		if f.Matches(stored[i]) {
			matched = append(matched, stored[i])
		}
	}

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}

	result := make([]credit.Transaction, len(matched))
	copy(result, matched)
	return result, nil
}

func (m *Memory) Sum(_ context.Context, userID credit.UserID) (int64, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	txs := m.transactions[userID]
	for _, tx := range txs {
		total += tx.Amount
	}
	return total, len(txs), nil
}

func (m *Memory) ByIdempotencyKey(_ context.Context, key string) (*credit.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byIdemKey[key]
	if !ok {
		return nil, nil
	}
	tx := m.byID[id]
	return &tx, nil
}

func (m *Memory) GetTransaction(_ context.Context, id credit.TransactionID) (*credit.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	return &tx, nil
}

// =============================================================================
// BALANCES
// =============================================================================

func (m *Memory) GetBalance(_ context.Context, userID credit.UserID) (*credit.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.balances[userID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *Memory) SetBalance(_ context.Context, b credit.Balance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[b.UserID] = b
	return nil
}

func (m *Memory) BalanceUsers(_ context.Context) ([]credit.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]credit.UserID, 0, len(m.balances))
	for u := range m.balances {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}

// CorruptBalance overwrites the cached total without touching the
// ledger. Tests only; exercises reconciliation.
func (m *Memory) CorruptBalance(userID credit.UserID, total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.balances[userID]
	b.UserID = userID
	b.TotalCredits = total
	m.balances[userID] = b
}

// =============================================================================
// STREAKS
// =============================================================================

func (m *Memory) GetStreak(_ context.Context, userID credit.UserID) (*credit.DailyBonusState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.streaks[userID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) SaveStreak(_ context.Context, s credit.DailyBonusState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streaks[s.UserID] = s
	return nil
}

// =============================================================================
// IDEMPOTENCY RESERVATIONS
// =============================================================================

func (m *Memory) Reserve(_ context.Context, key string, userID credit.UserID, staleAfter time.Duration) (credit.IdempotencyRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.reservations[key]
	if ok {
		if existing.Completed() {
			return existing, false, nil
		}
		if m.now().Sub(existing.CreatedAt) < staleAfter {
			return existing, false, nil
		}
		// Abandoned reservation: take it over.
	}

	rec := credit.IdempotencyRecord{
		Key:       key,
		UserID:    userID,
		CreatedAt: m.now().UTC(),
	}
	m.reservations[key] = rec
	return rec, true, nil
}

func (m *Memory) CompleteReservation(_ context.Context, key string, txID credit.TransactionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.reservations[key]
	if !ok {
		return nil
	}
	rec.TransactionID = txID
	m.reservations[key] = rec
	return nil
}

func (m *Memory) ReleaseReservation(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.reservations[key]
	if ok && !rec.Completed() {
		delete(m.reservations, key)
	}
	return nil
}

func (m *Memory) GetReservation(_ context.Context, key string) (*credit.IdempotencyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.reservations[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}
