/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Validation is done in handlers and the engine, not in DTOs. DTOs are
  pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - credit/engine.go: Domain result types these wrap
*/
package api

import (
	"time"

	"github.com/warp/credit-engine/credit"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// TransactionDTO represents a ledger entry in API responses.
type TransactionDTO struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	Type        string            `json:"type"`
	Amount      int64             `json:"amount"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   string            `json:"created_at"`
}

func toTransactionDTO(tx credit.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:          string(tx.ID),
		UserID:      string(tx.UserID),
		Type:        string(tx.Type),
		Amount:      tx.Amount,
		Description: tx.Description,
		Metadata:    tx.Metadata,
		CreatedAt:   tx.CreatedAt.Format(time.RFC3339),
	}
}

// BalanceDTO represents a user's balance.
type BalanceDTO struct {
	UserID       string `json:"user_id"`
	TotalCredits int64  `json:"total_credits"`
	UpdatedAt    string `json:"updated_at"`
}

// AmountRequest is the body for add/deduct operations.
type AmountRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// OperationResponse is the result of a simple credit write.
type OperationResponse struct {
	Transaction TransactionDTO `json:"transaction"`
	NewBalance  int64          `json:"new_balance"`
}

// PurchaseRequest is the body for redeeming an external purchase.
type PurchaseRequest struct {
	UserID        string `json:"user_id"`
	ProductID     string `json:"product_id"`
	PurchaseToken string `json:"purchase_token"`
	Platform      string `json:"platform"`
	TransactionID string `json:"transaction_id"`
}

// PurchaseResponse is the result of a purchase redemption.
type PurchaseResponse struct {
	CreditsGranted int64          `json:"credits_granted"`
	BonusCredits   int64          `json:"bonus_credits"`
	Transaction    TransactionDTO `json:"transaction"`
	NewBalance     int64          `json:"new_balance"`
	Duplicate      bool           `json:"duplicate,omitempty"`
}

// BonusStatusDTO reports daily-bonus eligibility.
type BonusStatusDTO struct {
	CanClaim         bool   `json:"can_claim"`
	CurrentStreak    int    `json:"current_streak"`
	NextBonusAmount  int64  `json:"next_bonus_amount"`
	NextEligibleDate string `json:"next_eligible_date,omitempty"`
}

// ClaimResponse is the result of a daily-bonus claim.
type ClaimResponse struct {
	Granted     int64          `json:"granted"`
	NewStreak   int            `json:"new_streak"`
	Transaction TransactionDTO `json:"transaction"`
	NewBalance  int64          `json:"new_balance"`
}

// ReferralRequest is the body for a referral payout.
type ReferralRequest struct {
	ReferrerUserID string `json:"referrer_user_id"`
	RefereeUserID  string `json:"referee_user_id"`
	ReferralCode   string `json:"referral_code"`
	Type           string `json:"type,omitempty"`
}

// ReferralResponse is the result of a referral payout.
type ReferralResponse struct {
	ReferrerCredits     int64          `json:"referrer_credits"`
	RefereeCredits      int64          `json:"referee_credits"`
	ReferrerTransaction TransactionDTO `json:"referrer_transaction"`
	RefereeTransaction  TransactionDTO `json:"referee_transaction"`
	Duplicate           bool           `json:"duplicate,omitempty"`
}

// HistoryGroupDTO is one calendar day of transactions.
type HistoryGroupDTO struct {
	Date         string           `json:"date"`
	Transactions []TransactionDTO `json:"transactions"`
}

// HistoryResponse is one page of transaction history.
type HistoryResponse struct {
	Transactions []TransactionDTO  `json:"transactions"`
	Groups       []HistoryGroupDTO `json:"groups"`
	Page         int               `json:"page"`
	Limit        int               `json:"limit"`
	HasMore      bool              `json:"has_more"`
}

// TypeTotalDTO summarizes one transaction type.
type TypeTotalDTO struct {
	Count  int   `json:"count"`
	Amount int64 `json:"amount"`
}

// MonthBucketDTO is one month of earned/spent activity.
type MonthBucketDTO struct {
	Month  string `json:"month"`
	Earned int64  `json:"earned"`
	Spent  int64  `json:"spent"`
}

// AnalyticsResponse is a computed analytics snapshot.
type AnalyticsResponse struct {
	UserID            string                  `json:"user_id"`
	From              string                  `json:"from,omitempty"`
	To                string                  `json:"to,omitempty"`
	Transactions      int                     `json:"transactions"`
	TotalEarned       int64                   `json:"total_earned"`
	TotalSpent        int64                   `json:"total_spent"`
	Net               int64                   `json:"net"`
	ByType            map[string]TypeTotalDTO `json:"by_type"`
	Months            []MonthBucketDTO        `json:"months"`
	AvgEarnedPerMonth string                  `json:"avg_earned_per_month"`
	AvgSpentPerMonth  string                  `json:"avg_spent_per_month"`
}

// AdminAdjustmentRequest is the body for admin credit adjustments.
type AdminAdjustmentRequest struct {
	UserID  string `json:"user_id"`
	Amount  int64  `json:"amount"`
	Reason  string `json:"reason"`
	AdminID string `json:"admin_id"`
}

// ReconcileRequest selects which user to reconcile; empty means all.
type ReconcileRequest struct {
	UserID string `json:"user_id,omitempty"`
}

// ReconciliationReportDTO is one user's cache-vs-ledger comparison.
type ReconciliationReportDTO struct {
	UserID       string `json:"user_id"`
	LedgerTotal  int64  `json:"ledger_total"`
	CachedTotal  int64  `json:"cached_total"`
	Transactions int    `json:"transactions"`
	Drift        int64  `json:"drift"`
	Repaired     bool   `json:"repaired"`
}

func toReconciliationDTO(r credit.ReconciliationReport) ReconciliationReportDTO {
	return ReconciliationReportDTO{
		UserID:       string(r.UserID),
		LedgerTotal:  r.LedgerTotal,
		CachedTotal:  r.CachedTotal,
		Transactions: r.Transactions,
		Drift:        r.Drift,
		Repaired:     r.Repaired,
	}
}

// ErrorResponse is the error body for all failed requests.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
