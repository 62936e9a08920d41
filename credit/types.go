/*
Package credit provides the credit ledger and orchestration engine.

PURPOSE:
  This package contains the core types and algorithms for managing
  user credit balances: an append-only transaction ledger, an
  idempotency guard for externally-triggered operations, a balance
  projection kept consistent with the ledger, a daily-bonus streak
  tracker, and the orchestrator façade that sequences them.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: An immutable ledger entry recording a balance change
  - Balance: The derived per-user credit total
  - DailyBonusState: Per-user streak state for the daily bonus
  - Product: A purchasable credit pack

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified or deleted;
     corrections are new offsetting transactions
  2. Integral credits: Amounts are signed int64 — positive for credits
     in, negative for credits out
  3. Auditability: Every transaction carries a description, metadata,
     and (for external operations) an idempotency key

SEE ALSO:
  - ledger.go: Append-only transaction log
  - engine.go: Orchestrator façade
  - projection.go: Balance cache and reconciliation
*/
package credit

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type TransactionID string

// NewTransactionID returns a fresh unique transaction id.
func NewTransactionID() TransactionID {
	return TransactionID(uuid.NewString())
}

// =============================================================================
// TRANSACTION - Immutable fact: one signed balance change
// =============================================================================

type TransactionType string

const (
	TxGrant       TransactionType = "grant"        // Direct credit grant
	TxSpend       TransactionType = "spend"        // Credits spent by the user
	TxPurchase    TransactionType = "purchase"     // External purchase redemption
	TxDailyBonus  TransactionType = "daily_bonus"  // Daily streak bonus
	TxReferral    TransactionType = "referral"     // Referral payout (either side)
	TxAdminAdd    TransactionType = "admin_add"    // Administrative credit
	TxAdminDeduct TransactionType = "admin_deduct" // Administrative deduction
)

// Earning reports whether the type represents credits flowing in.
func (t TransactionType) Earning() bool {
	switch t {
	case TxGrant, TxPurchase, TxDailyBonus, TxReferral, TxAdminAdd:
		return true
	}
	return false
}

// Admin reports whether the type is an administrative correction.
func (t TransactionType) Admin() bool {
	return t == TxAdminAdd || t == TxAdminDeduct
}

// Transaction is a single row in the append-only credit ledger.
//
// INVARIANTS:
//   - Never mutated or deleted once appended
//   - Amount sign encodes direction: >0 credits in, <0 credits out
//   - IdempotencyKey, when set, is unique across the whole ledger
type Transaction struct {
	ID             TransactionID
	UserID         UserID
	Type           TransactionType
	Amount         int64
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
	CreatedAt      time.Time
}

// Well-known metadata keys for audit trails.
const (
	MetaProductID     = "product_id"
	MetaPurchaseToken = "purchase_token"
	MetaPlatform      = "platform"
	MetaBaseCredits   = "base_credits"
	MetaBonusCredits  = "bonus_credits"
	MetaReferralCode  = "referral_code"
	MetaReferralRole  = "referral_role"
	MetaCounterparty  = "counterparty"
	MetaAdminID       = "admin_id"
	MetaStreak        = "streak"
)

// =============================================================================
// BALANCE - Derived projection, always recomputable from the ledger
// =============================================================================

// Balance is the per-user credit total. TotalCredits must equal the sum
// of that user's transaction amounts at any observation point.
type Balance struct {
	UserID       UserID
	TotalCredits int64
	UpdatedAt    time.Time
}

// =============================================================================
// DAILY BONUS STATE - Streak state machine, one row per user
// =============================================================================

// DailyBonusState tracks consecutive daily-bonus claims.
// LastClaimDate is a calendar date in UTC, not a timestamp.
type DailyBonusState struct {
	UserID        UserID
	LastClaimDate Date
	CurrentStreak int
}

// NextEligibleDate is the first date the user may claim again.
func (s DailyBonusState) NextEligibleDate() Date {
	if s.LastClaimDate == "" {
		return ""
	}
	return s.LastClaimDate.AddDays(1)
}

// =============================================================================
// IDEMPOTENCY RECORD - One external operation, at most one transaction
// =============================================================================

// IdempotencyRecord links a caller-supplied key to the transaction it
// produced. TransactionID stays empty between reservation and completion;
// a record that stays incomplete past the reservation TTL is abandoned
// and may be reserved again.
type IdempotencyRecord struct {
	Key           string
	UserID        UserID
	TransactionID TransactionID
	CreatedAt     time.Time
}

// Completed reports whether the reserved operation finished.
func (r IdempotencyRecord) Completed() bool { return r.TransactionID != "" }

// =============================================================================
// PRODUCT CATALOG - Purchasable credit packs
// =============================================================================

// Product is a purchasable credit pack. BonusCredits are promotional
// extras granted on top of Credits in the same transaction.
type Product struct {
	ID           string
	Credits      int64
	BonusCredits int64
}

// DefaultProducts is the built-in catalog. Callers may supply their own.
var DefaultProducts = map[string]Product{
	"credits_100":  {ID: "credits_100", Credits: 100},
	"credits_500":  {ID: "credits_500", Credits: 500, BonusCredits: 50},
	"credits_1200": {ID: "credits_1200", Credits: 1200, BonusCredits: 200},
}

// =============================================================================
// TRANSACTION FILTER - History queries
// =============================================================================

// TransactionFilter bounds a ledger listing. Zero values mean "no bound"
// except Limit, which callers should always set on large ranges.
type TransactionFilter struct {
	Types  []TransactionType
	From   time.Time
	To     time.Time
	Offset int
	Limit  int
}

// Matches reports whether tx passes the type and time bounds.
func (f TransactionFilter) Matches(tx Transaction) bool {
	if !f.From.IsZero() && tx.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && tx.CreatedAt.After(f.To) {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if tx.Type == t {
			return true
		}
	}
	return false
}
