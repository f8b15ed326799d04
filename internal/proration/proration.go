// Package proration prices mid-cycle tier changes and settles them against
// the credit ledger or an external charger.
package proration

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrProrationCycle    = errors.New("invalid proration cycle")
	ErrTierMismatch      = errors.New("subscription is not on the expected tier")
	ErrSameTier          = errors.New("tier change to the current tier")
	ErrInvalidTransition = errors.New("invalid proration state transition")
	ErrEventNotFound     = errors.New("proration event not found")
	ErrInProgress        = errors.New("another proration is pending for this subscription")
	ErrUnfinished        = errors.New("proration settled but not marked applied")
)

const day = 24 * time.Hour

type State string

const (
	StatePending  State = "pending"
	StateApplied  State = "applied"
	StateReversed State = "reversed"
	StateFailed   State = "failed"
)

// CanTransition reports whether an event may move from s to next.
func (s State) CanTransition(next State) bool {
	switch s {
	case StatePending:
		return next == StateApplied || next == StateFailed
	case StateApplied:
		return next == StateReversed
	}
	return false
}

// ProrationCycleError rejects a cycle that cannot be prorated.
type ProrationCycleError struct {
	Start  time.Time
	End    time.Time
	At     time.Time
	Reason string
}

func (e *ProrationCycleError) Error() string {
	return fmt.Sprintf("cannot prorate cycle %s..%s at %s: %s",
		e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339), e.At.Format(time.RFC3339), e.Reason)
}

func (e *ProrationCycleError) Is(target error) bool {
	return target == ErrProrationCycle
}

type Cycle struct {
	Start time.Time `json:"period_start"`
	End   time.Time `json:"period_end"`
}

// Amounts is the arithmetic of one tier change. NetChargeUSD is positive for
// an additional charge and negative for a credit.
type Amounts struct {
	DaysRemaining   int64           `json:"days_remaining"`
	DaysInCycle     int64           `json:"days_in_cycle"`
	UnusedCreditUSD decimal.Decimal `json:"unused_credit_usd"`
	NewTierCostUSD  decimal.Decimal `json:"new_tier_cost_usd"`
	NetChargeUSD    decimal.Decimal `json:"net_charge_usd"`
}

// Calculate prorates a change at time at within cycle c. Partial days count
// as whole days.
func Calculate(c Cycle, at time.Time, fromPrice, toPrice decimal.Decimal) (Amounts, error) {
	if !c.End.After(c.Start) {
		return Amounts{}, &ProrationCycleError{Start: c.Start, End: c.End, At: at, Reason: "cycle has no length"}
	}
	if at.Before(c.Start) || !at.Before(c.End) {
		return Amounts{}, &ProrationCycleError{Start: c.Start, End: c.End, At: at, Reason: "change is outside the cycle"}
	}
	if fromPrice.IsNegative() || toPrice.IsNegative() {
		return Amounts{}, fmt.Errorf("monthly prices must not be negative: %s, %s", fromPrice, toPrice)
	}

	a := Amounts{
		DaysRemaining: ceilDays(c.End.Sub(at)),
		DaysInCycle:   ceilDays(c.End.Sub(c.Start)),
	}
	remaining := decimal.NewFromInt(a.DaysRemaining)
	total := decimal.NewFromInt(a.DaysInCycle)

	a.UnusedCreditUSD = fromPrice.Mul(remaining).Div(total)
	a.NewTierCostUSD = toPrice.Mul(remaining).Div(total)
	a.NetChargeUSD = a.NewTierCostUSD.Sub(a.UnusedCreditUSD).Round(2)
	return a, nil
}

func ceilDays(d time.Duration) int64 {
	days := int64(d / day)
	if d%day != 0 {
		days++
	}
	return days
}

// Quote is a previewed tier change. Nothing is persisted for a quote.
type Quote struct {
	SubscriptionID string    `json:"subscription_id"`
	UserID         string    `json:"user_id"`
	FromTier       string    `json:"from_tier"`
	ToTier         string    `json:"to_tier"`
	EffectiveAt    time.Time `json:"effective_at"`
	Cycle
	Amounts
}

// Event is an applied (or attempted) tier change.
type Event struct {
	ID string `json:"id"`
	Quote
	State           State     `json:"state"`
	CreditsIssued   int64     `json:"credits_issued"`
	ChargeReference string    `json:"charge_reference,omitempty"`
	FailureReason   string    `json:"failure_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
