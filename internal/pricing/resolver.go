package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// TierSource reports the subscription tier a user held at a point in time. An
// empty tier means the user had no subscription.
type TierSource interface {
	TierAt(ctx context.Context, userID string, at time.Time) (string, error)
}

// Resolution is the multiplier chosen for one lookup and the rule it came from.
type Resolution struct {
	Multiplier decimal.Decimal
	RuleID     string
	Scope      Scope
}

// Resolver picks the most specific active rule: user, then provider+model,
// then tier, then global. Within a scope the latest CreatedAt wins; multipliers
// from different scopes are never combined.
type Resolver struct {
	store Store
	tiers TierSource
	now   func() time.Time

	mu    sync.RWMutex
	rules []Rule
}

// NewResolver loads all rules and fails if no open global default is active.
func NewResolver(ctx context.Context, store Store, tiers TierSource) (*Resolver, error) {
	r := &Resolver{store: store, tiers: tiers, now: time.Now}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces the rule snapshot. The previous snapshot is kept on error.
func (r *Resolver) Reload(ctx context.Context) error {
	rules, err := r.store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pricing rules: %w", err)
	}

	if err := checkGlobalDefault(rules, r.now()); err != nil {
		return err
	}

	r.mu.Lock()
	r.rules = rules
	r.mu.Unlock()
	return nil
}

func (r *Resolver) Resolve(ctx context.Context, userID, provider, model string, at time.Time) (Resolution, error) {
	r.mu.RLock()
	rules := r.rules
	r.mu.RUnlock()

	if best := pick(rules, at, func(rl *Rule) bool {
		return rl.Scope == ScopeUser && rl.UserID == userID
	}); best != nil {
		return resolution(best), nil
	}

	if best := pick(rules, at, func(rl *Rule) bool {
		return rl.Scope == ScopeProviderModel && rl.Provider == provider && rl.Model == model
	}); best != nil {
		return resolution(best), nil
	}

	if r.tiers != nil {
		tier, err := r.tiers.TierAt(ctx, userID, at)
		if err != nil {
			return Resolution{}, fmt.Errorf("failed to resolve tier for user %s: %w", userID, err)
		}
		if tier != "" {
			if best := pick(rules, at, func(rl *Rule) bool {
				return rl.Scope == ScopeTier && rl.Tier == tier
			}); best != nil {
				return resolution(best), nil
			}
		}
	}

	if best := pick(rules, at, func(rl *Rule) bool {
		return rl.Scope == ScopeGlobal
	}); best != nil {
		return resolution(best), nil
	}

	return Resolution{}, fmt.Errorf("%w: user %s, %s/%s at %s", ErrNoApplicableRule, userID, provider, model, at.Format(time.RFC3339))
}

// checkGlobalDefault requires a global rule active at now and an open-ended
// global rule, so every lookup from now on has a fallback.
func checkGlobalDefault(rules []Rule, now time.Time) error {
	var active, open bool
	for i := range rules {
		rl := &rules[i]
		if rl.Scope != ScopeGlobal {
			continue
		}
		if rl.ActiveAt(now) {
			active = true
		}
		if rl.EffectiveUntil == nil {
			open = true
		}
	}
	switch {
	case !active:
		return fmt.Errorf("%w: none active at %s", ErrNoGlobalDefault, now.Format(time.RFC3339))
	case !open:
		return fmt.Errorf("%w: every global rule has an end date", ErrNoGlobalDefault)
	}
	return nil
}

func pick(rules []Rule, at time.Time, match func(*Rule) bool) *Rule {
	var best *Rule
	for i := range rules {
		rl := &rules[i]
		if !match(rl) || !rl.ActiveAt(at) {
			continue
		}
		if best == nil || rl.CreatedAt.After(best.CreatedAt) {
			best = rl
		}
	}
	return best
}

func resolution(rl *Rule) Resolution {
	return Resolution{Multiplier: rl.Multiplier, RuleID: rl.ID, Scope: rl.Scope}
}
