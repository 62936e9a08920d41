package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTx(userID credit.UserID, amount int64, at time.Time) credit.Transaction {
	return credit.Transaction{
		ID:        credit.NewTransactionID(),
		UserID:    userID,
		Type:      credit.TxGrant,
		Amount:    amount,
		CreatedAt: at,
	}
}

// =============================================================================
// LEDGER TESTS
// =============================================================================

func TestApply_ReturnsRunningBalance(t *testing.T) {
	// GIVEN: An empty store
	// WHEN: Applying three transactions
	// THEN: Each returns the post-append total and the cache agrees

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	balance, err := s.Apply(ctx, newTx("alice", 100, now))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if balance != 100 {
		t.Errorf("balance = %d, want 100", balance)
	}

	balance, err = s.Apply(ctx, newTx("alice", -30, now.Add(time.Second)))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if balance != 70 {
		t.Errorf("balance = %d, want 70", balance)
	}

	// Other users are unaffected
	balance, err = s.Apply(ctx, newTx("bob", 5, now))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if balance != 5 {
		t.Errorf("bob balance = %d, want 5", balance)
	}

	cached, err := s.GetBalance(ctx, "alice")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if cached == nil || cached.TotalCredits != 70 {
		t.Errorf("cached balance = %+v, want 70", cached)
	}

	total, count, err := s.Sum(ctx, "alice")
	if err != nil {
		t.Fatalf("Sum failed: %v", err)
	}
	if total != 70 || count != 2 {
		t.Errorf("Sum = (%d, %d), want (70, 2)", total, count)
	}
}

func TestApply_DuplicateIdempotencyKeyIsAtomic(t *testing.T) {
	// GIVEN: A transaction already applied under a key
	// WHEN: Applying another transaction with the same key
	// THEN: ErrDuplicateIdempotencyKey and the balance is untouched

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	tx := newTx("alice", 100, now)
	tx.IdempotencyKey = "purchase:abc"
	if _, err := s.Apply(ctx, tx); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	dup := newTx("alice", 100, now.Add(time.Second))
	dup.IdempotencyKey = "purchase:abc"
	_, err := s.Apply(ctx, dup)
	if !errors.Is(err, credit.ErrDuplicateIdempotencyKey) {
		t.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}

	cached, err := s.GetBalance(ctx, "alice")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if cached.TotalCredits != 100 {
		t.Errorf("balance after rejected duplicate = %d, want 100", cached.TotalCredits)
	}

	found, err := s.ByIdempotencyKey(ctx, "purchase:abc")
	if err != nil {
		t.Fatalf("ByIdempotencyKey failed: %v", err)
	}
	if found == nil || found.ID != tx.ID {
		t.Errorf("ByIdempotencyKey = %+v, want original transaction", found)
	}
}

func TestGetTransaction_RoundTripsMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx := newTx("alice", 550, time.Now().UTC())
	tx.Type = credit.TxPurchase
	tx.Description = "Purchase: credits_500"
	tx.Metadata = map[string]string{
		credit.MetaProductID:    "credits_500",
		credit.MetaBaseCredits:  "500",
		credit.MetaBonusCredits: "50",
	}
	if _, err := s.Apply(ctx, tx); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	got, err := s.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if got == nil {
		t.Fatal("transaction not found")
	}
	if got.Type != credit.TxPurchase || got.Amount != 550 {
		t.Errorf("got %+v", got)
	}
	if got.Metadata[credit.MetaBonusCredits] != "50" {
		t.Errorf("metadata lost: %+v", got.Metadata)
	}

	missing, err := s.GetTransaction(ctx, "no-such-id")
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing id, got %+v", missing)
	}
}

func TestList_FilterAndPagination(t *testing.T) {
	// GIVEN: Five transactions of mixed types over five hours
	// WHEN: Listing with type filters, time bounds, and offset/limit
	// THEN: Newest first, bounded correctly

	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC)

	types := []credit.TransactionType{
		credit.TxGrant, credit.TxSpend, credit.TxGrant, credit.TxDailyBonus, credit.TxGrant,
	}
	for i, typ := range types {
		tx := newTx("alice", 10, base.Add(time.Duration(i)*time.Hour))
		tx.Type = typ
		if typ == credit.TxSpend {
			tx.Amount = -10
		}
		if _, err := s.Apply(ctx, tx); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
	}

	all, err := s.List(ctx, "alice", credit.TransactionFilter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 transactions, got %d", len(all))
	}
	if !all[0].CreatedAt.After(all[4].CreatedAt) {
		t.Error("expected newest first")
	}

	grants, err := s.List(ctx, "alice", credit.TransactionFilter{
		Types: []credit.TransactionType{credit.TxGrant},
	})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(grants) != 3 {
		t.Errorf("expected 3 grants, got %d", len(grants))
	}

	paged, err := s.List(ctx, "alice", credit.TransactionFilter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(paged) != 2 {
		t.Errorf("expected 2 paged, got %d", len(paged))
	}

	bounded, err := s.List(ctx, "alice", credit.TransactionFilter{
		From: base.Add(time.Hour),
		To:   base.Add(3 * time.Hour),
	})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(bounded) != 3 {
		t.Errorf("expected 3 in range, got %d", len(bounded))
	}
}

// =============================================================================
// BALANCE CACHE TESTS
// =============================================================================

func TestSetBalance_RepairAndListUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Apply(ctx, newTx("alice", 100, time.Now().UTC())); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if _, err := s.Apply(ctx, newTx("bob", 50, time.Now().UTC())); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	err := s.SetBalance(ctx, credit.Balance{
		UserID: "alice", TotalCredits: 100, UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("SetBalance failed: %v", err)
	}

	users, err := s.BalanceUsers(ctx)
	if err != nil {
		t.Fatalf("BalanceUsers failed: %v", err)
	}
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Errorf("BalanceUsers = %v", users)
	}

	none, err := s.GetBalance(ctx, "carol")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if none != nil {
		t.Errorf("expected nil balance for unknown user, got %+v", none)
	}
}

// =============================================================================
// STREAK TESTS
// =============================================================================

func TestStreakRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	missing, err := s.GetStreak(ctx, "alice")
	if err != nil {
		t.Fatalf("GetStreak failed: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for never-claimed user, got %+v", missing)
	}

	state := credit.DailyBonusState{
		UserID:        "alice",
		LastClaimDate: "2026-03-10",
		CurrentStreak: 4,
	}
	if err := s.SaveStreak(ctx, state); err != nil {
		t.Fatalf("SaveStreak failed: %v", err)
	}

	// Upsert overwrites
	state.LastClaimDate = "2026-03-11"
	state.CurrentStreak = 5
	if err := s.SaveStreak(ctx, state); err != nil {
		t.Fatalf("SaveStreak failed: %v", err)
	}

	got, err := s.GetStreak(ctx, "alice")
	if err != nil {
		t.Fatalf("GetStreak failed: %v", err)
	}
	if got == nil || got.CurrentStreak != 5 || got.LastClaimDate != "2026-03-11" {
		t.Errorf("GetStreak = %+v", got)
	}
}

// =============================================================================
// IDEMPOTENCY RESERVATION TESTS
// =============================================================================

func TestReservationLifecycle(t *testing.T) {
	// GIVEN: A fresh idempotency key
	// WHEN: Reserving, contending, completing, and re-reserving
	// THEN: Exactly one creation; completed records are permanent

	s := newTestStore(t)
	ctx := context.Background()
	ttl := time.Minute

	rec, created, err := s.Reserve(ctx, "purchase:tx-1", "alice", ttl)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if !created {
		t.Fatal("expected first reserve to create")
	}
	if rec.Completed() {
		t.Error("fresh reservation must not be completed")
	}

	// Second caller within the TTL does not take over
	existing, created, err := s.Reserve(ctx, "purchase:tx-1", "alice", ttl)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if created {
		t.Fatal("expected contended reserve to fail")
	}
	if existing.Completed() {
		t.Error("in-flight record must not be completed")
	}

	txID := credit.NewTransactionID()
	if err := s.CompleteReservation(ctx, "purchase:tx-1", txID); err != nil {
		t.Fatalf("CompleteReservation failed: %v", err)
	}

	done, created, err := s.Reserve(ctx, "purchase:tx-1", "alice", ttl)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if created {
		t.Fatal("completed key must never be re-created")
	}
	if done.TransactionID != txID {
		t.Errorf("TransactionID = %s, want %s", done.TransactionID, txID)
	}
}

func TestReservation_StaleTakeoverAndRelease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, created, err := s.Reserve(ctx, "daily:alice:2026-03-10", "alice", time.Minute)
	if err != nil || !created {
		t.Fatalf("Reserve = (%v, %v)", created, err)
	}

	// An abandoned incomplete reservation is re-reservable once stale
	time.Sleep(5 * time.Millisecond)
	_, created, err = s.Reserve(ctx, "daily:alice:2026-03-10", "bob", time.Millisecond)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if !created {
		t.Error("expected stale reservation takeover")
	}

	// Release drops incomplete records so retries are unblocked
	if err := s.ReleaseReservation(ctx, "daily:alice:2026-03-10"); err != nil {
		t.Fatalf("ReleaseReservation failed: %v", err)
	}
	rec, err := s.GetReservation(ctx, "daily:alice:2026-03-10")
	if err != nil {
		t.Fatalf("GetReservation failed: %v", err)
	}
	if rec != nil {
		t.Errorf("expected released reservation gone, got %+v", rec)
	}

	// Release never deletes completed records
	_, _, err = s.Reserve(ctx, "key-2", "alice", time.Minute)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := s.CompleteReservation(ctx, "key-2", credit.NewTransactionID()); err != nil {
		t.Fatalf("CompleteReservation failed: %v", err)
	}
	if err := s.ReleaseReservation(ctx, "key-2"); err != nil {
		t.Fatalf("ReleaseReservation failed: %v", err)
	}
	rec, err = s.GetReservation(ctx, "key-2")
	if err != nil {
		t.Fatalf("GetReservation failed: %v", err)
	}
	if rec == nil || !rec.Completed() {
		t.Errorf("completed reservation must survive release, got %+v", rec)
	}
}
