/*
engine.go - Orchestrator façade for all credit operations

PURPOSE:
  Every use case goes through the Engine. Each public operation follows
  the same skeleton: validate input → resolve idempotency (for
  operations carrying an external token) → append ledger transaction(s)
  → update derived state → return a result DTO.

CONCURRENCY:
  All writes for a single user are serialized through a per-user mutex
  held for the whole validate→reserve→append→derive sequence, so a spend
  and a bonus claim for the same user can never interleave on a stale
  balance. Different users proceed fully in parallel. Reads take no
  user lock.

CANCELLATION:
  A caller may cancel before the engine starts; once the ledger append
  has been invoked the operation runs to completion or fails atomically.
  Every storage call is bounded by the configured timeout, after which
  the operation reports a retryable failure instead of hanging.

DEPENDENCY INJECTION:
  The Engine receives its store as a constructor argument and builds its
  collaborators (ledger, guard, streak tracker, projector, aggregator)
  over it, so tests substitute an in-memory store freely.

SEE ALSO:
  - ledger.go, idempotency.go, streak.go, projection.go, analytics.go
  - api/handlers.go: The HTTP façade over this engine
*/
package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Default payout amounts for referrals.
const (
	DefaultReferrerCredits = 50
	DefaultRefereeCredits  = 25
)

// DefaultStorageTimeout bounds every storage-backed operation.
const DefaultStorageTimeout = 10 * time.Second

// Transaction history paging bounds.
const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// =============================================================================
// CONFIG & CONSTRUCTION
// =============================================================================

// Config tunes an Engine. Zero values select defaults.
type Config struct {
	Products        map[string]Product
	ReferrerCredits int64
	RefereeCredits  int64
	ReservationTTL  time.Duration
	StorageTimeout  time.Duration
	AnalyticsLimit  int
	Logger          *slog.Logger
	Now             func() time.Time
}

// Engine sequences guard → ledger → projection → streak for each
// operation and enforces per-user serialization.
type Engine struct {
	store     Store
	ledger    *Ledger
	guard     *Guard
	streaks   *StreakTracker
	projector *Projector
	analytics *Aggregator

	products        map[string]Product
	referrerCredits int64
	refereeCredits  int64
	timeout         time.Duration
	log             *slog.Logger
	now             func() time.Time

	locks userLocks
}

// NewEngine wires an engine over the given store.
func NewEngine(store Store, cfg Config) *Engine {
	if cfg.Products == nil {
		cfg.Products = DefaultProducts
	}
	if cfg.ReferrerCredits <= 0 {
		cfg.ReferrerCredits = DefaultReferrerCredits
	}
	if cfg.RefereeCredits <= 0 {
		cfg.RefereeCredits = DefaultRefereeCredits
	}
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = DefaultStorageTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	e := &Engine{
		store:           store,
		guard:           NewGuard(store, cfg.ReservationTTL),
		streaks:         NewStreakTracker(store),
		projector:       NewProjector(store),
		analytics:       NewAggregator(store, cfg.AnalyticsLimit),
		products:        cfg.Products,
		referrerCredits: cfg.ReferrerCredits,
		refereeCredits:  cfg.RefereeCredits,
		timeout:         cfg.StorageTimeout,
		log:             cfg.Logger,
		now:             cfg.Now,
	}
	e.ledger = NewLedger(store).WithClock(cfg.Now)
	return e
}

// =============================================================================
// RESULT DTOS
// =============================================================================

// OperationResult is the outcome of a simple grant/spend/admin write.
type OperationResult struct {
	Transaction Transaction
	NewBalance  int64
}

// PurchaseResult is the outcome of a purchase redemption.
type PurchaseResult struct {
	CreditsGranted int64
	BonusCredits   int64
	Transaction    Transaction
	NewBalance     int64
	Duplicate      bool
}

// ClaimResult is the outcome of a daily-bonus claim.
type ClaimResult struct {
	Granted     int64
	NewStreak   int
	Transaction Transaction
	NewBalance  int64
}

// ReferralResult is the outcome of a referral payout.
type ReferralResult struct {
	ReferrerCredits     int64
	RefereeCredits      int64
	ReferrerTransaction Transaction
	RefereeTransaction  Transaction
	Duplicate           bool
}

// HistoryGroup is one calendar day of a history page.
type HistoryGroup struct {
	Date         Date
	Transactions []Transaction
}

// HistoryPage is one page of a user's transaction history, newest first,
// grouped by UTC calendar day for display.
type HistoryPage struct {
	Transactions []Transaction
	Groups       []HistoryGroup
	Page         int
	Limit        int
	HasMore      bool
}

// PurchaseRequest describes an external purchase to redeem.
type PurchaseRequest struct {
	UserID        UserID
	ProductID     string
	PurchaseToken string
	Platform      string
	TransactionID string // idempotency key from the store platform
}

// ReferralRequest describes a referral payout.
type ReferralRequest struct {
	ReferrerUserID UserID
	RefereeUserID  UserID
	ReferralCode   string
	Type           string
}

// =============================================================================
// BALANCE & SIMPLE WRITES
// =============================================================================

// GetBalance returns the user's current balance.
// Fails with ErrBalanceNotFound when the user has no ledger history.
func (e *Engine) GetBalance(ctx context.Context, userID UserID) (Balance, error) {
	if err := validateUser(userID); err != nil {
		return Balance{}, err
	}
	ctx, cancel := e.opCtx(ctx)
	defer cancel()
	return e.projector.GetBalance(ctx, userID)
}

// AddCredits grants amount credits to the user.
func (e *Engine) AddCredits(ctx context.Context, userID UserID, amount int64, description string) (OperationResult, error) {
	if err := validateUser(userID); err != nil {
		return OperationResult{}, err
	}
	if err := validateAmount(amount); err != nil {
		return OperationResult{}, err
	}

	ctx, cancel := e.opCtx(ctx)
	defer cancel()
	unlock := e.locks.lock(userID)
	defer unlock()

	tx, balance, err := e.append(ctx, Transaction{
		UserID:      userID,
		Type:        TxGrant,
		Amount:      amount,
		Description: description,
	})
	if err != nil {
		return OperationResult{}, err
	}
	e.log.Info("credits added", "user", userID, "amount", amount, "tx", tx.ID)
	return OperationResult{Transaction: tx, NewBalance: balance}, nil
}

// DeductCredits spends amount credits. The balance read and the append
// happen under the user lock, so concurrent deductions can never
// overdraw.
func (e *Engine) DeductCredits(ctx context.Context, userID UserID, amount int64, description string) (OperationResult, error) {
	if err := validateUser(userID); err != nil {
		return OperationResult{}, err
	}
	if err := validateAmount(amount); err != nil {
		return OperationResult{}, err
	}

	ctx, cancel := e.opCtx(ctx)
	defer cancel()
	unlock := e.locks.lock(userID)
	defer unlock()

	balance, err := e.projector.GetBalance(ctx, userID)
	if err != nil {
		return OperationResult{}, err
	}
	if balance.TotalCredits < amount {
		return OperationResult{}, &InsufficientBalanceError{
			UserID:    userID,
			Available: balance.TotalCredits,
			Requested: amount,
		}
	}

	tx, newBalance, err := e.append(ctx, Transaction{
		UserID:      userID,
		Type:        TxSpend,
		Amount:      -amount,
		Description: description,
	})
	if err != nil {
		return OperationResult{}, err
	}
	e.log.Info("credits deducted", "user", userID, "amount", amount, "tx", tx.ID)
	return OperationResult{Transaction: tx, NewBalance: newBalance}, nil
}

// =============================================================================
// PURCHASE REDEMPTION
// =============================================================================
// State machine: received → idempotency-checked →
//   duplicate: return cached result
//   new:       ledger-appended → balance-updated → result-returned
// Terminal states: returned (success or duplicate) and failed
// (validation or storage error, no partial writes visible).

// ProcessPurchase redeems an external purchase exactly once, keyed by
// the platform transaction id. Redelivered receipts return the original
// result with Duplicate set.
func (e *Engine) ProcessPurchase(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	if err := validateUser(req.UserID); err != nil {
		return PurchaseResult{}, err
	}
	if req.TransactionID == "" {
		return PurchaseResult{}, &ValidationError{Field: "transactionId", Message: "must not be empty"}
	}
	if req.PurchaseToken == "" {
		return PurchaseResult{}, &ValidationError{Field: "purchaseToken", Message: "must not be empty"}
	}
	product, ok := e.products[req.ProductID]
	if !ok {
		return PurchaseResult{}, fmt.Errorf("unknown product %q: %w", req.ProductID, ErrInvalidPurchase)
	}

	ctx, cancel := e.opCtx(ctx)
	defer cancel()
	unlock := e.locks.lock(req.UserID)
	defer unlock()

	key := "purchase:" + req.TransactionID
	res, err := e.guard.Reserve(ctx, key, req.UserID)
	if err != nil {
		return PurchaseResult{}, err
	}
	if !res.IsNew {
		return e.replayPurchase(ctx, res.ExistingTransactionID)
	}

	tx, balance, err := e.append(ctx, Transaction{
		UserID:         req.UserID,
		Type:           TxPurchase,
		Amount:         product.Credits + product.BonusCredits,
		Description:    "Purchase: " + product.ID,
		IdempotencyKey: key,
		Metadata: map[string]string{
			MetaProductID:     product.ID,
			MetaPurchaseToken: req.PurchaseToken,
			MetaPlatform:      req.Platform,
			MetaBaseCredits:   strconv.FormatInt(product.Credits, 10),
			MetaBonusCredits:  strconv.FormatInt(product.BonusCredits, 10),
		},
	})
	if err != nil {
		// Unwedge the key so the caller's retry is not blocked.
		if relErr := e.guard.Release(ctx, key); relErr != nil {
			e.log.Error("release reservation failed", "key", key, "error", relErr)
		}
		return PurchaseResult{}, err
	}
	if err := e.guard.Complete(ctx, key, tx.ID); err != nil {
		return PurchaseResult{}, err
	}

	e.log.Info("purchase processed",
		"user", req.UserID, "product", product.ID, "credits", product.Credits,
		"bonus", product.BonusCredits, "tx", tx.ID)
	return PurchaseResult{
		CreditsGranted: product.Credits,
		BonusCredits:   product.BonusCredits,
		Transaction:    tx,
		NewBalance:     balance,
	}, nil
}

// replayPurchase rebuilds the original result payload from the ledger so
// a redelivered receipt gets an identical response.
func (e *Engine) replayPurchase(ctx context.Context, txID TransactionID) (PurchaseResult, error) {
	tx, err := e.store.GetTransaction(ctx, txID)
	if err != nil {
		return PurchaseResult{}, &StorageError{Op: "load transaction", Err: err}
	}
	if tx == nil {
		return PurchaseResult{}, &StorageError{Op: "load transaction", Err: fmt.Errorf("completed reservation points at missing transaction %s", txID)}
	}

	base, _ := strconv.ParseInt(tx.Metadata[MetaBaseCredits], 10, 64)
	bonus, _ := strconv.ParseInt(tx.Metadata[MetaBonusCredits], 10, 64)
	balance, err := e.projector.GetBalance(ctx, tx.UserID)
	if err != nil {
		return PurchaseResult{}, err
	}
	return PurchaseResult{
		CreditsGranted: base,
		BonusCredits:   bonus,
		Transaction:    *tx,
		NewBalance:     balance.TotalCredits,
		Duplicate:      true,
	}, nil
}

// =============================================================================
// DAILY BONUS
// =============================================================================

// GetDailyBonusStatus reports whether the user can claim today, their
// streak, and the next bonus amount.
func (e *Engine) GetDailyBonusStatus(ctx context.Context, userID UserID) (BonusStatus, error) {
	if err := validateUser(userID); err != nil {
		return BonusStatus{}, err
	}
	ctx, cancel := e.opCtx(ctx)
	defer cancel()
	return e.streaks.Status(ctx, userID, DateOf(e.now()))
}

// ClaimDailyBonus grants today's bonus exactly once per (user, UTC
// date). Concurrent double-taps yield one granted transaction; the
// losers get ErrDailyBonusAlreadyClaimed.
func (e *Engine) ClaimDailyBonus(ctx context.Context, userID UserID) (ClaimResult, error) {
	if err := validateUser(userID); err != nil {
		return ClaimResult{}, err
	}

	ctx, cancel := e.opCtx(ctx)
	defer cancel()
	unlock := e.locks.lock(userID)
	defer unlock()

	today := DateOf(e.now())
	state, err := e.streaks.Load(ctx, userID)
	if err != nil {
		return ClaimResult{}, err
	}

	next, grant, err := e.streaks.Advance(state, userID, today)
	if err != nil {
		return ClaimResult{}, err
	}

	key := fmt.Sprintf("daily-bonus:%s:%s", userID, today)
	res, err := e.guard.Reserve(ctx, key, userID)
	if err != nil {
		return ClaimResult{}, err
	}
	if !res.IsNew {
		// The streak row lagged behind a completed claim (crash between
		// append and save); the claim itself already happened today.
		return ClaimResult{}, ErrDailyBonusAlreadyClaimed
	}

	tx, balance, err := e.append(ctx, Transaction{
		UserID:         userID,
		Type:           TxDailyBonus,
		Amount:         grant,
		Description:    fmt.Sprintf("Daily bonus (day %d)", next.CurrentStreak),
		IdempotencyKey: key,
		Metadata:       map[string]string{MetaStreak: strconv.Itoa(next.CurrentStreak)},
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		// A prior attempt appended the bonus but crashed before saving
		// the streak row; adopt its transaction and finish the claim.
		prior, lookupErr := e.ledger.ByIdempotencyKey(ctx, key)
		if lookupErr != nil {
			return ClaimResult{}, &StorageError{Op: "load bonus transaction", Err: lookupErr}
		}
		if prior == nil {
			return ClaimResult{}, &StorageError{Op: "load bonus transaction", Err: fmt.Errorf("duplicate key %s with no transaction", key)}
		}
		tx = *prior
		grant = prior.Amount
		b, balErr := e.projector.GetBalance(ctx, userID)
		if balErr != nil {
			return ClaimResult{}, balErr
		}
		balance = b.TotalCredits
	} else if err != nil {
		if relErr := e.guard.Release(ctx, key); relErr != nil {
			e.log.Error("release reservation failed", "key", key, "error", relErr)
		}
		return ClaimResult{}, err
	}
	if err := e.streaks.Save(ctx, next); err != nil {
		return ClaimResult{}, err
	}
	if err := e.guard.Complete(ctx, key, tx.ID); err != nil {
		return ClaimResult{}, err
	}

	e.log.Info("daily bonus claimed",
		"user", userID, "streak", next.CurrentStreak, "granted", grant, "tx", tx.ID)
	return ClaimResult{
		Granted:     grant,
		NewStreak:   next.CurrentStreak,
		Transaction: tx,
		NewBalance:  balance,
	}, nil
}

// =============================================================================
// REFERRAL
// =============================================================================

// ProcessReferral pays out both sides of a referral as two independent,
// individually-idempotent ledger writes. A crash between them leaves a
// detectable partial state that the same call repairs on retry; a
// referral code is single-use and bound to its first referee.
func (e *Engine) ProcessReferral(ctx context.Context, req ReferralRequest) (ReferralResult, error) {
	if err := validateUser(req.ReferrerUserID); err != nil {
		return ReferralResult{}, err
	}
	if err := validateUser(req.RefereeUserID); err != nil {
		return ReferralResult{}, err
	}
	if req.ReferralCode == "" {
		return ReferralResult{}, &ValidationError{Field: "referralCode", Message: "must not be empty"}
	}
	if req.ReferrerUserID == req.RefereeUserID {
		return ReferralResult{}, fmt.Errorf("self-referral: %w", ErrReferralNotValid)
	}

	ctx, cancel := e.opCtx(ctx)
	defer cancel()

	// The code is single-use: its master record is bound to the first
	// referee. A different referee replaying the same code is fraud, not
	// a retry.
	masterKey := "referral:" + req.ReferralCode
	existing, err := e.store.GetReservation(ctx, masterKey)
	if err != nil {
		return ReferralResult{}, &StorageError{Op: "load reservation", Err: err}
	}
	if existing != nil && existing.UserID != req.RefereeUserID {
		return ReferralResult{}, fmt.Errorf("referral code already used: %w", ErrReferralNotValid)
	}

	res, err := e.guard.Reserve(ctx, masterKey, req.RefereeUserID)
	if err != nil {
		return ReferralResult{}, err
	}
	duplicate := !res.IsNew

	referrerTx, err := e.referralWrite(ctx, req.ReferrerUserID, e.referrerCredits,
		masterKey+":referrer", "referrer", req)
	if err != nil {
		if res.IsNew {
			if relErr := e.guard.Release(ctx, masterKey); relErr != nil {
				e.log.Error("release reservation failed", "key", masterKey, "error", relErr)
			}
		}
		return ReferralResult{}, err
	}
	refereeTx, err := e.referralWrite(ctx, req.RefereeUserID, e.refereeCredits,
		masterKey+":referee", "referee", req)
	if err != nil {
		// Referrer side applied; its key stays idempotent so retrying
		// this referral completes the referee side without double-pay.
		return ReferralResult{}, err
	}

	if res.IsNew {
		if err := e.guard.Complete(ctx, masterKey, referrerTx.ID); err != nil {
			return ReferralResult{}, err
		}
	}

	if !duplicate {
		e.log.Info("referral processed",
			"referrer", req.ReferrerUserID, "referee", req.RefereeUserID,
			"code", req.ReferralCode)
	}
	return ReferralResult{
		ReferrerCredits:     referrerTx.Amount,
		RefereeCredits:      refereeTx.Amount,
		ReferrerTransaction: referrerTx,
		RefereeTransaction:  refereeTx,
		Duplicate:           duplicate,
	}, nil
}

// referralWrite appends one side of the payout, tolerating a replay of
// an already-applied side (crash-retry) by returning the existing
// transaction.
func (e *Engine) referralWrite(ctx context.Context, userID UserID, amount int64, key, role string, req ReferralRequest) (Transaction, error) {
	unlock := e.locks.lock(userID)
	defer unlock()

	counterparty := req.RefereeUserID
	if role == "referee" {
		counterparty = req.ReferrerUserID
	}

	tx, _, err := e.append(ctx, Transaction{
		UserID:         userID,
		Type:           TxReferral,
		Amount:         amount,
		Description:    "Referral bonus (" + role + ")",
		IdempotencyKey: key,
		Metadata: map[string]string{
			MetaReferralCode: req.ReferralCode,
			MetaReferralRole: role,
			MetaCounterparty: string(counterparty),
		},
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		prior, lookupErr := e.ledger.ByIdempotencyKey(ctx, key)
		if lookupErr != nil {
			return Transaction{}, &StorageError{Op: "load referral transaction", Err: lookupErr}
		}
		if prior == nil {
			return Transaction{}, &StorageError{Op: "load referral transaction", Err: fmt.Errorf("duplicate key %s with no transaction", key)}
		}
		return *prior, nil
	}
	if err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

// =============================================================================
// ADMIN ADJUSTMENTS
// =============================================================================

// AdminAddCredits grants credits with the acting admin recorded for audit.
func (e *Engine) AdminAddCredits(ctx context.Context, userID UserID, amount int64, reason, adminID string) (OperationResult, error) {
	return e.adminWrite(ctx, userID, TxAdminAdd, amount, reason, adminID)
}

// AdminDeductCredits removes credits with the acting admin recorded for
// audit. Unlike user spends, admin deductions may drive a balance
// negative: they are corrections, and blocking them would hide the very
// discrepancies they exist to fix.
func (e *Engine) AdminDeductCredits(ctx context.Context, userID UserID, amount int64, reason, adminID string) (OperationResult, error) {
	return e.adminWrite(ctx, userID, TxAdminDeduct, -amount, reason, adminID)
}

func (e *Engine) adminWrite(ctx context.Context, userID UserID, txType TransactionType, amount int64, reason, adminID string) (OperationResult, error) {
	if err := validateUser(userID); err != nil {
		return OperationResult{}, err
	}
	magnitude := amount
	if magnitude < 0 {
		magnitude = -magnitude
	}
	if err := validateAmount(magnitude); err != nil {
		return OperationResult{}, err
	}
	if adminID == "" {
		return OperationResult{}, &ValidationError{Field: "adminId", Message: "must not be empty"}
	}

	ctx, cancel := e.opCtx(ctx)
	defer cancel()
	unlock := e.locks.lock(userID)
	defer unlock()

	tx, balance, err := e.append(ctx, Transaction{
		UserID:      userID,
		Type:        txType,
		Amount:      amount,
		Description: reason,
		Metadata:    map[string]string{MetaAdminID: adminID},
	})
	if err != nil {
		return OperationResult{}, err
	}
	e.log.Info("admin adjustment",
		"user", userID, "type", txType, "amount", amount, "admin", adminID, "tx", tx.ID)
	return OperationResult{Transaction: tx, NewBalance: balance}, nil
}

// =============================================================================
// READS: HISTORY, ANALYTICS, RECONCILIATION
// =============================================================================

// GetUserTransactions returns one page of history, newest first, with
// day grouping for display. Page is 1-based; limit defaults to 20 and
// caps at 100.
func (e *Engine) GetUserTransactions(ctx context.Context, userID UserID, f TransactionFilter) (HistoryPage, error) {
	if err := validateUser(userID); err != nil {
		return HistoryPage{}, err
	}
	if f.Limit <= 0 {
		f.Limit = DefaultPageLimit
	}
	if f.Limit > MaxPageLimit {
		f.Limit = MaxPageLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	ctx, cancel := e.opCtx(ctx)
	defer cancel()

	// Fetch one extra row to detect a following page.
	probe := f
	probe.Limit = f.Limit + 1
	txs, err := e.ledger.Transactions(ctx, userID, probe)
	if err != nil {
		return HistoryPage{}, &StorageError{Op: "list transactions", Err: err}
	}

	hasMore := len(txs) > f.Limit
	if hasMore {
		txs = txs[:f.Limit]
	}

	return HistoryPage{
		Transactions: txs,
		Groups:       groupByDay(txs),
		Page:         f.Offset/f.Limit + 1,
		Limit:        f.Limit,
		HasMore:      hasMore,
	}, nil
}

// GetCreditAnalytics computes an on-demand snapshot for the range.
// Read-only; never in the write path.
func (e *Engine) GetCreditAnalytics(ctx context.Context, userID UserID, from, to time.Time, includeAdmin bool) (Snapshot, error) {
	if err := validateUser(userID); err != nil {
		return Snapshot{}, err
	}
	ctx, cancel := e.opCtx(ctx)
	defer cancel()
	return e.analytics.Summarize(ctx, userID, from, to, includeAdmin)
}

// Reconcile re-folds the user's ledger against the cached balance,
// repairing and reporting any drift.
func (e *Engine) Reconcile(ctx context.Context, userID UserID) (ReconciliationReport, error) {
	if err := validateUser(userID); err != nil {
		return ReconciliationReport{}, err
	}

	ctx, cancel := e.opCtx(ctx)
	defer cancel()
	unlock := e.locks.lock(userID)
	defer unlock()

	report, err := e.projector.Reconcile(ctx, userID)
	if err != nil {
		return ReconciliationReport{}, err
	}
	if !report.Consistent() {
		e.log.Warn("balance drift repaired",
			"user", userID, "cached", report.CachedTotal, "ledger", report.LedgerTotal)
	}
	return report, nil
}

// ReconcileAll audits every user with a cached balance.
func (e *Engine) ReconcileAll(ctx context.Context) ([]ReconciliationReport, error) {
	ctx, cancel := e.opCtx(ctx)
	defer cancel()

	reports, err := e.projector.ReconcileAll(ctx)
	for _, r := range reports {
		if !r.Consistent() {
			e.log.Warn("balance drift repaired",
				"user", r.UserID, "cached", r.CachedTotal, "ledger", r.LedgerTotal)
		}
	}
	return reports, err
}

// =============================================================================
// INTERNALS
// =============================================================================

// append writes through the ledger, wrapping storage faults as
// retryable errors. Duplicate idempotency keys pass through unchanged
// so callers can branch on them.
func (e *Engine) append(ctx context.Context, tx Transaction) (Transaction, int64, error) {
	out, balance, err := e.ledger.Append(ctx, tx)
	if err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return Transaction{}, 0, err
		}
		return Transaction{}, 0, &StorageError{Op: "append transaction", Err: err}
	}
	return out, balance, nil
}

func (e *Engine) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.timeout)
}

func validateUser(userID UserID) error {
	if userID == "" {
		return &ValidationError{Field: "userId", Message: "must not be empty"}
	}
	return nil
}

func validateAmount(amount int64) error {
	if amount <= 0 {
		return &ValidationError{Field: "amount", Message: "must be strictly positive"}
	}
	return nil
}

func groupByDay(txs []Transaction) []HistoryGroup {
	byDay := make(map[Date][]Transaction)
	for _, tx := range txs {
		d := DateOf(tx.CreatedAt)
		byDay[d] = append(byDay[d], tx)
	}

	groups := make([]HistoryGroup, 0, len(byDay))
	for d, list := range byDay {
		groups = append(groups, HistoryGroup{Date: d, Transactions: list})
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Date > groups[j].Date
	})
	return groups
}

// =============================================================================
// PER-USER LOCKS
// =============================================================================

// userLocks serializes writes per user. Locks are created on first use
// and kept for the life of the engine; the per-user footprint is one
// mutex.
type userLocks struct {
	mu sync.Mutex
	m  map[UserID]*sync.Mutex
}

// lock acquires the user's mutex and returns the unlock func.
func (l *userLocks) lock(userID UserID) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[UserID]*sync.Mutex)
	}
	um, ok := l.m[userID]
	if !ok {
		um = &sync.Mutex{}
		l.m[userID] = um
	}
	l.mu.Unlock()

	um.Lock()
	return um.Unlock
}
