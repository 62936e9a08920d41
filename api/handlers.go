/*
handlers.go - HTTP API handlers for the credit engine

PURPOSE:
  Exposes the credit engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine for all domain logic.

ENDPOINTS:
  Users:
    GET    /api/users/{id}/balance            Current balance
    POST   /api/users/{id}/credits            Add credits
    POST   /api/users/{id}/credits/deduct     Spend credits
    GET    /api/users/{id}/transactions       Paged history
    GET    /api/users/{id}/analytics          Aggregated stats
    GET    /api/users/{id}/daily-bonus        Claim eligibility
    POST   /api/users/{id}/daily-bonus/claim  Claim today's bonus

  Purchases / Referrals:
    POST   /api/purchases                     Redeem an external purchase
    POST   /api/referrals                     Pay out a referral

  Admin:
    POST   /api/admin/credits/add             Admin grant
    POST   /api/admin/credits/deduct          Admin deduction
    POST   /api/admin/reconcile               Audit balances vs ledger

REQUEST FLOW:
  1. Parse HTTP request
  2. Call the engine
  3. Serialize response
  4. Map errors to HTTP status codes

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid purchase/referral
  - 404: Unknown user (no ledger history)
  - 409: Conflict (already claimed, in progress, insufficient balance)
  - 500: Storage errors (retryable, code TRANSACTION_FAILED)

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public;
  the /api/admin group in particular needs auth before any real deploy.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/metrics"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine  *credit.Engine
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

// NewHandler creates a new handler around the engine.
func NewHandler(engine *credit.Engine, m *metrics.Metrics, log *slog.Logger) *Handler {
	return &Handler{Engine: engine, Metrics: m, Log: log}
}

// observe records one operation's outcome and latency.
func (h *Handler) observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		h.Metrics.Errors.WithLabelValues(credit.Code(err)).Inc()
	}
	h.Metrics.Operations.WithLabelValues(op, status).Inc()
	h.Metrics.OperationTime.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// =============================================================================
// BALANCE & CREDIT ENDPOINTS
// =============================================================================

// GetBalance returns the user's balance.
// GET /api/users/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	userID := credit.UserID(chi.URLParam(r, "id"))

	b, err := h.Engine.GetBalance(r.Context(), userID)
	h.observe("get_balance", start, err)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{
		UserID:       string(b.UserID),
		TotalCredits: b.TotalCredits,
		UpdatedAt:    b.UpdatedAt.Format(time.RFC3339),
	})
}

// AddCredits grants credits to the user.
// POST /api/users/{id}/credits
func (h *Handler) AddCredits(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	userID := credit.UserID(chi.URLParam(r, "id"))

	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.Engine.AddCredits(r.Context(), userID, req.Amount, req.Description)
	h.observe("add_credits", start, err)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.Metrics.CreditsGranted.WithLabelValues(string(credit.TxGrant)).Add(float64(req.Amount))

	writeJSON(w, http.StatusOK, OperationResponse{
		Transaction: toTransactionDTO(result.Transaction),
		NewBalance:  result.NewBalance,
	})
}

// DeductCredits spends credits.
// POST /api/users/{id}/credits/deduct
func (h *Handler) DeductCredits(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	userID := credit.UserID(chi.URLParam(r, "id"))

	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.Engine.DeductCredits(r.Context(), userID, req.Amount, req.Description)
	h.observe("deduct_credits", start, err)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.Metrics.CreditsSpent.Add(float64(req.Amount))

	writeJSON(w, http.StatusOK, OperationResponse{
		Transaction: toTransactionDTO(result.Transaction),
		NewBalance:  result.NewBalance,
	})
}

// =============================================================================
// PURCHASE ENDPOINT
// =============================================================================

// ProcessPurchase redeems an external purchase.
// POST /api/purchases
func (h *Handler) ProcessPurchase(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.Engine.ProcessPurchase(r.Context(), credit.PurchaseRequest{
		UserID:        credit.UserID(req.UserID),
		ProductID:     req.ProductID,
		PurchaseToken: req.PurchaseToken,
		Platform:      req.Platform,
		TransactionID: req.TransactionID,
	})
	h.observe("process_purchase", start, err)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if !result.Duplicate {
		h.Metrics.CreditsGranted.WithLabelValues(string(credit.TxPurchase)).
			Add(float64(result.CreditsGranted + result.BonusCredits))
	}

	writeJSON(w, http.StatusOK, PurchaseResponse{
		CreditsGranted: result.CreditsGranted,
		BonusCredits:   result.BonusCredits,
		Transaction:    toTransactionDTO(result.Transaction),
		NewBalance:     result.NewBalance,
		Duplicate:      result.Duplicate,
	})
}

// =============================================================================
// DAILY BONUS ENDPOINTS
// =============================================================================

// GetDailyBonusStatus reports claim eligibility.
// GET /api/users/{id}/daily-bonus
func (h *Handler) GetDailyBonusStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	userID := credit.UserID(chi.URLParam(r, "id"))

	status, err := h.Engine.GetDailyBonusStatus(r.Context(), userID)
	h.observe("daily_bonus_status", start, err)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, BonusStatusDTO{
		CanClaim:         status.CanClaim,
		CurrentStreak:    status.Streak,
		NextBonusAmount:  status.NextBonusAmount,
		NextEligibleDate: string(status.NextEligibleDate),
	})
}

// ClaimDailyBonus grants today's bonus.
// POST /api/users/{id}/daily-bonus/claim
func (h *Handler) ClaimDailyBonus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	userID := credit.UserID(chi.URLParam(r, "id"))

	result, err := h.Engine.ClaimDailyBonus(r.Context(), userID)
	h.observe("claim_daily_bonus", start, err)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.Metrics.CreditsGranted.WithLabelValues(string(credit.TxDailyBonus)).Add(float64(result.Granted))

	writeJSON(w, http.StatusOK, ClaimResponse{
		Granted:     result.Granted,
		NewStreak:   result.NewStreak,
		Transaction: toTransactionDTO(result.Transaction),
		NewBalance:  result.NewBalance,
	})
}

// =============================================================================
// REFERRAL ENDPOINT
// =============================================================================

// ProcessReferral pays out both sides of a referral.
// POST /api/referrals
func (h *Handler) ProcessReferral(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req ReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.Engine.ProcessReferral(r.Context(), credit.ReferralRequest{
		ReferrerUserID: credit.UserID(req.ReferrerUserID),
		RefereeUserID:  credit.UserID(req.RefereeUserID),
		ReferralCode:   req.ReferralCode,
		Type:           req.Type,
	})
	h.observe("process_referral", start, err)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if !result.Duplicate {
		h.Metrics.CreditsGranted.WithLabelValues(string(credit.TxReferral)).
			Add(float64(result.ReferrerCredits + result.RefereeCredits))
	}

	writeJSON(w, http.StatusOK, ReferralResponse{
		ReferrerCredits:     result.ReferrerCredits,
		RefereeCredits:      result.RefereeCredits,
		ReferrerTransaction: toTransactionDTO(result.ReferrerTransaction),
		RefereeTransaction:  toTransactionDTO(result.RefereeTransaction),
		Duplicate:           result.Duplicate,
	})
}

// =============================================================================
// HISTORY & ANALYTICS ENDPOINTS
// =============================================================================

// GetTransactions returns one page of history.
// GET /api/users/{id}/transactions?page=1&limit=20&types=grant,spend&from=...&to=...
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	userID := credit.UserID(chi.URLParam(r, "id"))

	f := credit.TransactionFilter{Limit: credit.DefaultPageLimit}
	q := r.URL.Query()
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 {
		f.Limit = limit
	}
	if f.Limit > credit.MaxPageLimit {
		f.Limit = credit.MaxPageLimit
	}
	page := 1
	if p, err := strconv.Atoi(q.Get("page")); err == nil && p > 1 {
		page = p
	}
	// Offset derives from the effective limit, so an oversized limit
	// cannot shift page boundaries past rows the engine will serve.
	f.Offset = (page - 1) * f.Limit
	if types := q.Get("types"); types != "" {
		for _, t := range strings.Split(types, ",") {
			f.Types = append(f.Types, credit.TransactionType(strings.TrimSpace(t)))
		}
	}
	if from, err := time.Parse(time.RFC3339, q.Get("from")); err == nil {
		f.From = from
	}
	if to, err := time.Parse(time.RFC3339, q.Get("to")); err == nil {
		f.To = to
	}

	pageResult, err := h.Engine.GetUserTransactions(r.Context(), userID, f)
	h.observe("get_transactions", start, err)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	resp := HistoryResponse{
		Transactions: make([]TransactionDTO, 0, len(pageResult.Transactions)),
		Groups:       make([]HistoryGroupDTO, 0, len(pageResult.Groups)),
		Page:         pageResult.Page,
		Limit:        pageResult.Limit,
		HasMore:      pageResult.HasMore,
	}
	for _, tx := range pageResult.Transactions {
		resp.Transactions = append(resp.Transactions, toTransactionDTO(tx))
	}
	for _, g := range pageResult.Groups {
		group := HistoryGroupDTO{Date: string(g.Date)}
		for _, tx := range g.Transactions {
			group.Transactions = append(group.Transactions, toTransactionDTO(tx))
		}
		resp.Groups = append(resp.Groups, group)
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetAnalytics returns an aggregated snapshot.
// GET /api/users/{id}/analytics?from=...&to=...&include_admin=true
func (h *Handler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	userID := credit.UserID(chi.URLParam(r, "id"))

	q := r.URL.Query()
	var from, to time.Time
	if t, err := time.Parse(time.RFC3339, q.Get("from")); err == nil {
		from = t
	}
	if t, err := time.Parse(time.RFC3339, q.Get("to")); err == nil {
		to = t
	}
	includeAdmin := q.Get("include_admin") == "true"

	snap, err := h.Engine.GetCreditAnalytics(r.Context(), userID, from, to, includeAdmin)
	h.observe("get_analytics", start, err)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	resp := AnalyticsResponse{
		UserID:            string(snap.UserID),
		Transactions:      snap.Transactions,
		TotalEarned:       snap.TotalEarned,
		TotalSpent:        snap.TotalSpent,
		Net:               snap.Net,
		ByType:            make(map[string]TypeTotalDTO, len(snap.ByType)),
		AvgEarnedPerMonth: snap.AvgEarnedPerMonth.String(),
		AvgSpentPerMonth:  snap.AvgSpentPerMonth.String(),
	}
	if !snap.From.IsZero() {
		resp.From = snap.From.Format(time.RFC3339)
	}
	if !snap.To.IsZero() {
		resp.To = snap.To.Format(time.RFC3339)
	}
	for t, tt := range snap.ByType {
		resp.ByType[string(t)] = TypeTotalDTO{Count: tt.Count, Amount: tt.Amount}
	}
	for _, m := range snap.Months {
		resp.Months = append(resp.Months, MonthBucketDTO{Month: m.Month, Earned: m.Earned, Spent: m.Spent})
	}

	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// AdminAddCredits grants credits with an audit trail.
// POST /api/admin/credits/add
func (h *Handler) AdminAddCredits(w http.ResponseWriter, r *http.Request) {
	h.adminAdjust(w, r, "admin_add", h.Engine.AdminAddCredits)
}

// AdminDeductCredits removes credits with an audit trail.
// POST /api/admin/credits/deduct
func (h *Handler) AdminDeductCredits(w http.ResponseWriter, r *http.Request) {
	h.adminAdjust(w, r, "admin_deduct", h.Engine.AdminDeductCredits)
}

func (h *Handler) adminAdjust(
	w http.ResponseWriter, r *http.Request, op string,
	fn func(ctx context.Context, userID credit.UserID, amount int64, reason, adminID string) (credit.OperationResult, error),
) {
	start := time.Now()

	var req AdminAdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := fn(r.Context(), credit.UserID(req.UserID), req.Amount, req.Reason, req.AdminID)
	h.observe(op, start, err)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, OperationResponse{
		Transaction: toTransactionDTO(result.Transaction),
		NewBalance:  result.NewBalance,
	})
}

// Reconcile audits cached balances against the ledger.
// POST /api/admin/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req ReconcileRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	var (
		reports []credit.ReconciliationReport
		err     error
	)
	if req.UserID != "" {
		var report credit.ReconciliationReport
		report, err = h.Engine.Reconcile(r.Context(), credit.UserID(req.UserID))
		reports = append(reports, report)
	} else {
		reports, err = h.Engine.ReconcileAll(r.Context())
	}
	h.observe("reconcile", start, err)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	dtos := make([]ReconciliationReportDTO, 0, len(reports))
	for _, report := range reports {
		if report.Repaired {
			h.Metrics.BalanceDrift.Inc()
		}
		dtos = append(dtos, toReconciliationDTO(report))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Healthz is the liveness probe.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps engine errors to HTTP status codes.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case credit.IsNotFound(err):
		status = http.StatusNotFound
	case isConflict(err):
		status = http.StatusConflict
	case credit.IsClientError(err):
		status = http.StatusBadRequest
	default:
		h.Log.Error("request failed", "error", err)
	}

	writeJSON(w, status, ErrorResponse{
		Error:   err.Error(),
		Code:    credit.Code(err),
		Details: "",
	})
}

func isConflict(err error) bool {
	switch credit.Code(err) {
	case "DAILY_BONUS_ALREADY_CLAIMED", "INSUFFICIENT_BALANCE",
		"OPERATION_IN_PROGRESS", "DUPLICATE_IDEMPOTENCY_KEY":
		return true
	}
	return false
}
