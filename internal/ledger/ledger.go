// Package ledger is the append-only credit ledger. Usage records and credit
// allocations are the source of truth; the per-user balance row is a
// materialized projection that is only ever changed in the same atomic unit
// that appends the entry it reflects.
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	// StatusPartial marks a stream aborted before completion. Observed tokens
	// are still billed.
	StatusPartial Status = "partial"
)

// Deducts reports whether records with this status debit the balance.
func (s Status) Deducts() bool {
	return s == StatusSuccess || s == StatusPartial
}

type Source string

const (
	SourceSubscription Source = "subscription"
	SourceBonus        Source = "bonus"
	SourceManual       Source = "manual"
	SourceRollover     Source = "rollover"
	SourceExpiry       Source = "expiry"
	SourceProration    Source = "proration"
)

func (s Source) Valid() bool {
	switch s {
	case SourceSubscription, SourceBonus, SourceManual, SourceRollover, SourceExpiry, SourceProration:
		return true
	}
	return false
}

// UsageRecord is one metered inference request. It is never updated.
type UsageRecord struct {
	ID                  string          `json:"id"`
	RequestID           string          `json:"request_id"`
	UserID              string          `json:"user_id"`
	APIKeyID            string          `json:"api_key_id,omitempty"`
	Provider            string          `json:"provider"`
	Model               string          `json:"model"`
	InputTokens         int64           `json:"input_tokens"`
	OutputTokens        int64           `json:"output_tokens"`
	TotalTokens         int64           `json:"total_tokens"`
	CacheCreationTokens int64           `json:"cache_creation_tokens"`
	CacheReadTokens     int64           `json:"cache_read_tokens"`
	CachedPromptTokens  int64           `json:"cached_prompt_tokens"`
	VendorCostUSD       decimal.Decimal `json:"vendor_cost_usd"`
	Multiplier          decimal.Decimal `json:"multiplier"`
	PricingRuleID       string          `json:"pricing_rule_id,omitempty"`
	CreditAmount        int64           `json:"credit_amount"`
	Status              Status          `json:"status"`
	ErrorReason         string          `json:"error_reason,omitempty"`
	LatencyMs           int64           `json:"latency_ms"`
	CreatedAt           time.Time       `json:"created_at"`
}

// Allocation grants (or, when negative, withdraws) credits. It is never updated.
type Allocation struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Source         Source     `json:"source"`
	Amount         int64      `json:"amount"`
	SubscriptionID string     `json:"subscription_id,omitempty"`
	PeriodStart    *time.Time `json:"period_start,omitempty"`
	PeriodEnd      *time.Time `json:"period_end,omitempty"`
	Reference      string     `json:"reference,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	Key            string     `json:"allocation_key"`
	CreatedAt      time.Time  `json:"created_at"`
}

// IdempotencyKey is user:source:subscription:periodStart:periodEnd, with the
// reference appended when set.
func (a *Allocation) IdempotencyKey() string {
	parts := []string{a.UserID, string(a.Source), a.SubscriptionID, stamp(a.PeriodStart), stamp(a.PeriodEnd)}
	if a.Reference != "" {
		parts = append(parts, a.Reference)
	}
	return strings.Join(parts, ":")
}

// distinguishable reports whether the key can tell two grants apart.
func (a *Allocation) distinguishable() bool {
	return a.SubscriptionID != "" || a.PeriodStart != nil || a.PeriodEnd != nil || a.Reference != ""
}

func stamp(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format("20060102T150405Z")
}

// Balance is the materialized per-user projection.
type Balance struct {
	UserID    string    `json:"user_id"`
	Amount    int64     `json:"amount"`
	Allocated int64     `json:"allocated"`
	Used      int64     `json:"used"`
	Rollover  int64     `json:"rollover"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// View is the dashboard shape of a balance.
type View struct {
	TotalCredits     int64 `json:"total_credits"`
	UsedCredits      int64 `json:"used_credits"`
	RemainingCredits int64 `json:"remaining_credits"`
	RolloverCredits  int64 `json:"rollover_credits"`
}

func (b *Balance) View() View {
	return View{
		TotalCredits:     b.Allocated,
		UsedCredits:      b.Used,
		RemainingCredits: b.Amount,
		RolloverCredits:  b.Rollover,
	}
}

// Totals is a balance recomputed from the full history.
type Totals struct {
	Allocated int64 `json:"allocated"`
	Used      int64 `json:"used"`
}

func (t Totals) Amount() int64 {
	return t.Allocated - t.Used
}

// Summary aggregates one user's usage for a calendar day (UTC).
type Summary struct {
	Date                string          `json:"date"`
	Requests            int             `json:"requests"`
	Succeeded           int             `json:"succeeded"`
	Partial             int             `json:"partial"`
	Failed              int             `json:"failed"`
	InputTokens         int64           `json:"input_tokens"`
	OutputTokens        int64           `json:"output_tokens"`
	TotalTokens         int64           `json:"total_tokens"`
	CacheCreationTokens int64           `json:"cache_creation_tokens"`
	CacheReadTokens     int64           `json:"cache_read_tokens"`
	VendorCostUSD       decimal.Decimal `json:"vendor_cost_usd"`
	Credits             int64           `json:"credits"`
	CacheHitRate        *float64        `json:"cache_hit_rate,omitempty"`
}

// Credits converts a vendor cost into integer credits, rounding up so a
// fractional credit is never given away.
func Credits(costUSD, multiplier, unitUSD decimal.Decimal) (int64, error) {
	if !unitUSD.IsPositive() {
		return 0, fmt.Errorf("credit unit must be positive, got %s", unitUSD)
	}
	if costUSD.IsNegative() || multiplier.IsNegative() {
		return 0, fmt.Errorf("%w: cost %s, multiplier %s", ErrInvalidEntry, costUSD, multiplier)
	}
	return costUSD.Mul(multiplier).Div(unitUSD).Ceil().IntPart(), nil
}
