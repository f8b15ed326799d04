package pricing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Scope string

const (
	ScopeGlobal        Scope = "global"
	ScopeTier          Scope = "tier"
	ScopeProviderModel Scope = "provider_model"
	ScopeUser          Scope = "user"
)

var (
	ErrNoGlobalDefault  = errors.New("no global pricing default configured")
	ErrNoApplicableRule = errors.New("no pricing rule applies")
	ErrInvalidRule      = errors.New("invalid pricing rule")
)

// Rule is a versioned margin multiplier for one scope. Rules are closed by
// setting EffectiveUntil, never deleted.
type Rule struct {
	ID             string          `json:"id"`
	Scope          Scope           `json:"scope"`
	UserID         string          `json:"user_id,omitempty"`
	Tier           string          `json:"tier,omitempty"`
	Provider       string          `json:"provider,omitempty"`
	Model          string          `json:"model,omitempty"`
	Multiplier     decimal.Decimal `json:"multiplier"`
	EffectiveFrom  time.Time       `json:"effective_from"`
	EffectiveUntil *time.Time      `json:"effective_until,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ScopeKey identifies the set of rules that supersede each other.
func (r *Rule) ScopeKey() string {
	switch r.Scope {
	case ScopeUser:
		return "user:" + r.UserID
	case ScopeProviderModel:
		return "provider_model:" + r.Provider + "/" + r.Model
	case ScopeTier:
		return "tier:" + r.Tier
	default:
		return string(ScopeGlobal)
	}
}

// ActiveAt reports whether at falls in [EffectiveFrom, EffectiveUntil).
func (r *Rule) ActiveAt(at time.Time) bool {
	if at.Before(r.EffectiveFrom) {
		return false
	}
	return r.EffectiveUntil == nil || at.Before(*r.EffectiveUntil)
}

func (r *Rule) Validate() error {
	if r.Multiplier.IsNegative() {
		return fmt.Errorf("%w: multiplier must not be negative", ErrInvalidRule)
	}
	if r.EffectiveUntil != nil && !r.EffectiveUntil.After(r.EffectiveFrom) {
		return fmt.Errorf("%w: effective_until must be after effective_from", ErrInvalidRule)
	}
	switch r.Scope {
	case ScopeGlobal:
	case ScopeTier:
		if r.Tier == "" {
			return fmt.Errorf("%w: tier scope requires tier", ErrInvalidRule)
		}
	case ScopeProviderModel:
		if r.Provider == "" || r.Model == "" {
			return fmt.Errorf("%w: provider_model scope requires provider and model", ErrInvalidRule)
		}
	case ScopeUser:
		if r.UserID == "" {
			return fmt.Errorf("%w: user scope requires user_id", ErrInvalidRule)
		}
	default:
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidRule, r.Scope)
	}
	return nil
}
