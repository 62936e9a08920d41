package credit_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/credit/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestEngine(t *testing.T) (*credit.Engine, *store.Memory, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)}
	mem := store.NewMemory()
	engine := credit.NewEngine(mem, credit.Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    clock.Now,
	})
	return engine, mem, clock
}

// =============================================================================
// BALANCE & SIMPLE WRITES
// =============================================================================

func TestEngine_AddAndGetBalance(t *testing.T) {
	// GIVEN: A fresh user
	// WHEN: Adding 50 credits
	// THEN: Balance is 50 and the transaction is recorded

	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.GetBalance(ctx, "alice")
	assert.ErrorIs(t, err, credit.ErrBalanceNotFound, "unknown user has no balance")

	result, err := engine.AddCredits(ctx, "alice", 50, "welcome grant")
	require.NoError(t, err)
	assert.Equal(t, int64(50), result.NewBalance)
	assert.Equal(t, credit.TxGrant, result.Transaction.Type)

	b, err := engine.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(50), b.TotalCredits)
}

func TestEngine_AddRejectsBadInput(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.AddCredits(ctx, "", 10, "")
	assert.ErrorIs(t, err, credit.ErrInvalidOperation)

	_, err = engine.AddCredits(ctx, "alice", 0, "")
	assert.ErrorIs(t, err, credit.ErrInvalidOperation)

	_, err = engine.AddCredits(ctx, "alice", -5, "")
	assert.ErrorIs(t, err, credit.ErrInvalidOperation)
}

func TestEngine_DeductInsufficient(t *testing.T) {
	// GIVEN: A user with 30 credits
	// WHEN: Deducting 40
	// THEN: InsufficientBalanceError with the shortfall, balance untouched

	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.AddCredits(ctx, "alice", 30, "")
	require.NoError(t, err)

	_, err = engine.DeductCredits(ctx, "alice", 40, "too much")
	var ib *credit.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.Equal(t, int64(30), ib.Available)
	assert.Equal(t, int64(40), ib.Requested)
	assert.Equal(t, int64(10), ib.Shortfall())

	b, err := engine.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(30), b.TotalCredits)
}

func TestEngine_ConcurrentDeductsNeverOverdraw(t *testing.T) {
	// GIVEN: A user with exactly 100 credits
	// WHEN: 100 goroutines each deduct 1 concurrently
	// THEN: All succeed, the balance lands on exactly 0, and the cached
	//       balance agrees with the ledger fold

	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.AddCredits(ctx, "alice", 100, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.DeductCredits(ctx, "alice", 1, "spend")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	b, err := engine.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.TotalCredits)

	report, err := engine.Reconcile(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, report.Consistent(), "cache must match ledger fold")
	assert.Equal(t, 101, report.Transactions)
}

// =============================================================================
// DAILY BONUS
// =============================================================================

func TestEngine_DailyBonusFlow(t *testing.T) {
	// GIVEN: A user with 50 credits
	// WHEN: Claiming on day 1, again the same day, then on day 2
	// THEN: +10 then rejected then +12, streak 1 -> 2

	engine, _, clock := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.AddCredits(ctx, "alice", 50, "")
	require.NoError(t, err)

	claim, err := engine.ClaimDailyBonus(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(10), claim.Granted)
	assert.Equal(t, 1, claim.NewStreak)
	assert.Equal(t, int64(60), claim.NewBalance)

	_, err = engine.ClaimDailyBonus(ctx, "alice")
	assert.ErrorIs(t, err, credit.ErrDailyBonusAlreadyClaimed)

	clock.Advance(24 * time.Hour)

	claim, err = engine.ClaimDailyBonus(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(12), claim.Granted)
	assert.Equal(t, 2, claim.NewStreak)
	assert.Equal(t, int64(72), claim.NewBalance)
}

func TestEngine_DailyBonusStreakBreaks(t *testing.T) {
	// GIVEN: A user with a 2-day streak
	// WHEN: Skipping a day before the next claim
	// THEN: The streak resets to 1 and the base bonus is granted

	engine, _, clock := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.ClaimDailyBonus(ctx, "alice")
	require.NoError(t, err)
	clock.Advance(24 * time.Hour)
	_, err = engine.ClaimDailyBonus(ctx, "alice")
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)

	claim, err := engine.ClaimDailyBonus(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, claim.NewStreak)
	assert.Equal(t, int64(10), claim.Granted)
}

func TestEngine_DailyBonusStatus(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	status, err := engine.GetDailyBonusStatus(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, status.CanClaim)
	assert.Equal(t, int64(10), status.NextBonusAmount)

	_, err = engine.ClaimDailyBonus(ctx, "alice")
	require.NoError(t, err)

	status, err = engine.GetDailyBonusStatus(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, status.CanClaim)
	assert.Equal(t, credit.Date("2026-03-11"), status.NextEligibleDate)
}

func TestEngine_ConcurrentClaimsGrantOnce(t *testing.T) {
	// GIVEN: A user who has never claimed
	// WHEN: 20 goroutines claim the daily bonus at once
	// THEN: Exactly one claim succeeds, the rest are rejected as
	//       already claimed, and a single bonus lands on the ledger

	engine, mem, _ := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.ClaimDailyBonus(ctx, "alice")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	granted, rejected := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			granted++
		case errors.Is(err, credit.ErrDailyBonusAlreadyClaimed):
			rejected++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	assert.Equal(t, 1, granted)
	assert.Equal(t, 19, rejected)

	total, count, err := mem.Sum(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(10), total)
	assert.Equal(t, 1, count)
}

func TestEngine_ClaimRecoversFromLaggingStreakRow(t *testing.T) {
	// GIVEN: A bonus transaction on the ledger without its streak row
	//        (crash between append and save)
	// WHEN: The user retries the claim after the reservation aged out
	// THEN: The existing transaction is adopted, the streak row is
	//       written, and no duplicate-key error escapes

	engine, mem, _ := newTestEngine(t)
	ctx := context.Background()

	ledger := credit.NewLedger(mem)
	orphan, _, err := ledger.Append(ctx, credit.Transaction{
		UserID:         "alice",
		Type:           credit.TxDailyBonus,
		Amount:         10,
		Description:    "Daily bonus (day 1)",
		IdempotencyKey: "daily-bonus:alice:2026-03-10",
	})
	require.NoError(t, err)

	result, err := engine.ClaimDailyBonus(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, orphan.ID, result.Transaction.ID)
	assert.Equal(t, int64(10), result.Granted)
	assert.Equal(t, 1, result.NewStreak)
	assert.Equal(t, int64(10), result.NewBalance)

	state, err := mem.GetStreak(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, credit.Date("2026-03-10"), state.LastClaimDate)
	assert.Equal(t, 1, state.CurrentStreak)

	// The recovered claim is final for the day.
	_, err = engine.ClaimDailyBonus(ctx, "alice")
	assert.ErrorIs(t, err, credit.ErrDailyBonusAlreadyClaimed)
}

// =============================================================================
// PURCHASES
// =============================================================================

func TestEngine_PurchaseIdempotent(t *testing.T) {
	// GIVEN: A valid purchase receipt
	// WHEN: Redeeming it twice with the same platform transaction id
	// THEN: One ledger transaction, identical payloads, Duplicate on replay

	engine, mem, _ := newTestEngine(t)
	ctx := context.Background()

	req := credit.PurchaseRequest{
		UserID:        "alice",
		ProductID:     "credits_500",
		PurchaseToken: "token-1",
		Platform:      "ios",
		TransactionID: "store-tx-42",
	}

	first, err := engine.ProcessPurchase(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(500), first.CreditsGranted)
	assert.Equal(t, int64(50), first.BonusCredits)
	assert.Equal(t, int64(550), first.NewBalance)
	assert.False(t, first.Duplicate)

	second, err := engine.ProcessPurchase(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, first.CreditsGranted, second.CreditsGranted)
	assert.Equal(t, first.BonusCredits, second.BonusCredits)
	assert.Equal(t, int64(550), second.NewBalance, "replay must not grant again")

	_, count, err := mem.Sum(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "exactly one ledger entry")
}

func TestEngine_PurchaseValidation(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.ProcessPurchase(ctx, credit.PurchaseRequest{
		UserID:        "alice",
		ProductID:     "credits_9000",
		PurchaseToken: "tok",
		TransactionID: "tx",
	})
	assert.ErrorIs(t, err, credit.ErrInvalidPurchase)

	_, err = engine.ProcessPurchase(ctx, credit.PurchaseRequest{
		UserID:    "alice",
		ProductID: "credits_100",
	})
	assert.ErrorIs(t, err, credit.ErrInvalidOperation)
}

// =============================================================================
// REFERRALS
// =============================================================================

func TestEngine_ReferralPaysBothSides(t *testing.T) {
	// GIVEN: A referral code used by a new referee
	// WHEN: Processing the referral, then replaying it
	// THEN: Referrer +50 and referee +25 exactly once

	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	req := credit.ReferralRequest{
		ReferrerUserID: "alice",
		RefereeUserID:  "bob",
		ReferralCode:   "ALICE-2026",
		Type:           "signup",
	}

	result, err := engine.ProcessReferral(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(50), result.ReferrerCredits)
	assert.Equal(t, int64(25), result.RefereeCredits)
	assert.False(t, result.Duplicate)
	assert.Equal(t, "referrer", result.ReferrerTransaction.Metadata[credit.MetaReferralRole])
	assert.Equal(t, "referee", result.RefereeTransaction.Metadata[credit.MetaReferralRole])

	alice, err := engine.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(50), alice.TotalCredits)

	bob, err := engine.GetBalance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(25), bob.TotalCredits)

	replay, err := engine.ProcessReferral(ctx, req)
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)

	alice, err = engine.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(50), alice.TotalCredits, "replay must not pay again")
}

func TestEngine_ReferralRejections(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	// Self-referral
	_, err := engine.ProcessReferral(ctx, credit.ReferralRequest{
		ReferrerUserID: "alice",
		RefereeUserID:  "alice",
		ReferralCode:   "ALICE-2026",
	})
	assert.ErrorIs(t, err, credit.ErrReferralNotValid)

	// Code bound to its first referee
	_, err = engine.ProcessReferral(ctx, credit.ReferralRequest{
		ReferrerUserID: "alice",
		RefereeUserID:  "bob",
		ReferralCode:   "ALICE-2026",
	})
	require.NoError(t, err)

	_, err = engine.ProcessReferral(ctx, credit.ReferralRequest{
		ReferrerUserID: "alice",
		RefereeUserID:  "carol",
		ReferralCode:   "ALICE-2026",
	})
	assert.ErrorIs(t, err, credit.ErrReferralNotValid)
}

// =============================================================================
// ADMIN ADJUSTMENTS
// =============================================================================

func TestEngine_AdminAdjustments(t *testing.T) {
	// GIVEN: A user with 70 credits
	// WHEN: Admin adds 100 and deducts 30
	// THEN: Balance follows, every adjustment carries the acting admin

	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.AddCredits(ctx, "alice", 70, "")
	require.NoError(t, err)

	add, err := engine.AdminAddCredits(ctx, "alice", 100, "goodwill", "admin-7")
	require.NoError(t, err)
	assert.Equal(t, int64(170), add.NewBalance)
	assert.Equal(t, "admin-7", add.Transaction.Metadata[credit.MetaAdminID])
	assert.Equal(t, credit.TxAdminAdd, add.Transaction.Type)

	ded, err := engine.AdminDeductCredits(ctx, "alice", 30, "correction", "admin-7")
	require.NoError(t, err)
	assert.Equal(t, int64(140), ded.NewBalance)
	assert.Equal(t, int64(-30), ded.Transaction.Amount)

	// Admin deductions are corrections and may overdraw.
	over, err := engine.AdminDeductCredits(ctx, "alice", 500, "clawback", "admin-7")
	require.NoError(t, err)
	assert.Equal(t, int64(-360), over.NewBalance)

	_, err = engine.AdminAddCredits(ctx, "alice", 10, "r", "")
	assert.ErrorIs(t, err, credit.ErrInvalidOperation, "admin id is required")
}

// =============================================================================
// HISTORY & RECONCILIATION
// =============================================================================

func TestEngine_TransactionHistoryPaging(t *testing.T) {
	// GIVEN: Five transactions across two days
	// WHEN: Fetching page 1 with limit 3
	// THEN: Newest first, HasMore set, grouped by day

	engine, _, clock := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := engine.AddCredits(ctx, "alice", 10, "day one")
		require.NoError(t, err)
	}
	clock.Advance(24 * time.Hour)
	for i := 0; i < 2; i++ {
		_, err := engine.AddCredits(ctx, "alice", 10, "day two")
		require.NoError(t, err)
	}

	page, err := engine.GetUserTransactions(ctx, "alice", credit.TransactionFilter{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, page.Transactions, 3)
	assert.True(t, page.HasMore)
	assert.Equal(t, 1, page.Page)

	require.NotEmpty(t, page.Groups)
	assert.Equal(t, credit.Date("2026-03-11"), page.Groups[0].Date, "newest day first")

	page2, err := engine.GetUserTransactions(ctx, "alice", credit.TransactionFilter{Limit: 3, Offset: 3})
	require.NoError(t, err)
	assert.Len(t, page2.Transactions, 2)
	assert.False(t, page2.HasMore)
	assert.Equal(t, 2, page2.Page)
}

func TestEngine_ReconcileRepairsDrift(t *testing.T) {
	// GIVEN: A cached balance corrupted behind the ledger's back
	// WHEN: Reconciling the user
	// THEN: Drift is reported and the cache is repaired from the ledger

	engine, mem, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.AddCredits(ctx, "alice", 100, "")
	require.NoError(t, err)

	mem.CorruptBalance("alice", 999)

	report, err := engine.Reconcile(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, report.Consistent())
	assert.Equal(t, int64(899), report.Drift)
	assert.True(t, report.Repaired)
	assert.Equal(t, int64(100), report.LedgerTotal)

	b, err := engine.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.TotalCredits)

	again, err := engine.Reconcile(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, again.Consistent())
}

func TestEngine_ReconcileAll(t *testing.T) {
	engine, mem, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.AddCredits(ctx, "alice", 10, "")
	require.NoError(t, err)
	_, err = engine.AddCredits(ctx, "bob", 20, "")
	require.NoError(t, err)
	mem.CorruptBalance("bob", 5)

	reports, err := engine.ReconcileAll(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 2)

	var repaired int
	for _, r := range reports {
		if r.Repaired {
			repaired++
		}
	}
	assert.Equal(t, 1, repaired)
}

// =============================================================================
// ANALYTICS (through the engine)
// =============================================================================

func TestEngine_Analytics(t *testing.T) {
	// GIVEN: Earnings, a spend, and an admin adjustment
	// WHEN: Computing analytics with and without admin transactions
	// THEN: Totals split into earned/spent and admin is excluded by default

	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.AddCredits(ctx, "alice", 100, "")
	require.NoError(t, err)
	_, err = engine.DeductCredits(ctx, "alice", 40, "")
	require.NoError(t, err)
	_, err = engine.AdminAddCredits(ctx, "alice", 1000, "oops", "admin-1")
	require.NoError(t, err)

	snap, err := engine.GetCreditAnalytics(ctx, "alice", time.Time{}, time.Time{}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(100), snap.TotalEarned)
	assert.Equal(t, int64(40), snap.TotalSpent)
	assert.Equal(t, int64(60), snap.Net)
	assert.Equal(t, 2, snap.Transactions)

	withAdmin, err := engine.GetCreditAnalytics(ctx, "alice", time.Time{}, time.Time{}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1100), withAdmin.TotalEarned)
	assert.Equal(t, 3, withAdmin.Transactions)
}

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

func TestErrorHelpers(t *testing.T) {
	storageErr := &credit.StorageError{Op: "append", Err: errors.New("disk full")}
	assert.True(t, credit.IsRetryable(storageErr))
	assert.False(t, credit.IsClientError(storageErr))
	assert.Equal(t, "TRANSACTION_FAILED", credit.Code(storageErr))

	assert.True(t, credit.IsClientError(credit.ErrDailyBonusAlreadyClaimed))
	assert.False(t, credit.IsRetryable(credit.ErrDailyBonusAlreadyClaimed))
	assert.True(t, credit.IsNotFound(credit.ErrBalanceNotFound))

	v := &credit.ValidationError{Field: "amount", Message: "must be positive"}
	assert.True(t, credit.IsClientError(v))
	assert.Equal(t, "INVALID_OPERATION", credit.Code(v))
}
