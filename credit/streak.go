/*
streak.go - Daily-bonus streak state machine

PURPOSE:
  Tracks each user's consecutive-day claim streak and derives the next
  bonus amount. Transition rule, per claim date d relative to the last
  claim:
    d == lastClaimDate      -> rejected, already claimed today
    d == lastClaimDate + 1  -> streak increments
    anything later          -> streak resets to 1

BONUS FORMULA:
  base 10 + min(streak*2, 14): first claim pays 10, each consecutive
  day adds 2, capped at 24 from a streak of 7 onward.
*/
package credit

import "context"

// Daily bonus amount parameters.
const (
	dailyBonusBase      = 10
	dailyBonusPerDay    = 2
	dailyBonusGrowthCap = 14
)

// DailyBonusAmount returns the bonus paid to a user whose streak before
// the claim is streak. Streak 0 (first ever or broken) pays the base.
func DailyBonusAmount(streak int) int64 {
	growth := int64(streak * dailyBonusPerDay)
	if growth > dailyBonusGrowthCap {
		growth = dailyBonusGrowthCap
	}
	return dailyBonusBase + growth
}

// BonusStatus answers "can this user claim, and for how much?".
type BonusStatus struct {
	CanClaim         bool
	Streak           int
	NextBonusAmount  int64
	NextEligibleDate Date
}

// StreakTracker reads and advances per-user daily-bonus state.
// It never writes the ledger; the orchestrator appends the bonus
// transaction and then persists the advanced state.
type StreakTracker struct {
	store StreakStore
}

// NewStreakTracker creates a tracker over the given store.
func NewStreakTracker(store StreakStore) *StreakTracker {
	return &StreakTracker{store: store}
}

// Status reports claim eligibility for the given date.
func (t *StreakTracker) Status(ctx context.Context, userID UserID, today Date) (BonusStatus, error) {
	state, err := t.store.GetStreak(ctx, userID)
	if err != nil {
		return BonusStatus{}, &StorageError{Op: "load streak", Err: err}
	}

	prior := priorStreak(state, today)
	status := BonusStatus{
		CanClaim:         true,
		NextBonusAmount:  DailyBonusAmount(prior),
		NextEligibleDate: today,
	}
	if state != nil {
		status.Streak = state.CurrentStreak
		if state.LastClaimDate == today {
			status.CanClaim = false
			status.NextEligibleDate = state.NextEligibleDate()
			// An unbroken streak continues tomorrow; show tomorrow's amount.
			status.NextBonusAmount = DailyBonusAmount(state.CurrentStreak)
		}
	}
	return status, nil
}

// Advance computes the post-claim state for a claim on today.
// Pure transition; returns ErrDailyBonusAlreadyClaimed when today was
// already claimed. The granted amount is derived from the streak before
// the claim.
func (t *StreakTracker) Advance(state *DailyBonusState, userID UserID, today Date) (DailyBonusState, int64, error) {
	if state != nil && state.LastClaimDate == today {
		return DailyBonusState{}, 0, ErrDailyBonusAlreadyClaimed
	}

	prior := priorStreak(state, today)
	next := DailyBonusState{
		UserID:        userID,
		LastClaimDate: today,
		CurrentStreak: prior + 1,
	}
	return next, DailyBonusAmount(prior), nil
}

// Load returns the raw state row, or nil if the user never claimed.
func (t *StreakTracker) Load(ctx context.Context, userID UserID) (*DailyBonusState, error) {
	state, err := t.store.GetStreak(ctx, userID)
	if err != nil {
		return nil, &StorageError{Op: "load streak", Err: err}
	}
	return state, nil
}

// Save persists the advanced state.
func (t *StreakTracker) Save(ctx context.Context, state DailyBonusState) error {
	if err := t.store.SaveStreak(ctx, state); err != nil {
		return &StorageError{Op: "save streak", Err: err}
	}
	return nil
}

// priorStreak is the streak that counts toward the next claim: the
// stored streak if the last claim was exactly yesterday, else 0.
func priorStreak(state *DailyBonusState, today Date) int {
	if state == nil || state.LastClaimDate == "" {
		return 0
	}
	if DaysBetween(state.LastClaimDate, today) == 1 {
		return state.CurrentStreak
	}
	return 0
}
