package pricing

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Service writes pricing rules and keeps a Resolver's snapshot current.
type Service struct {
	store    Store
	resolver *Resolver
	now      func() time.Time
}

func NewService(store Store, resolver *Resolver) *Service {
	return &Service{store: store, resolver: resolver, now: time.Now}
}

// Supersede validates rule, closes the open rule of the same scope at
// rule.EffectiveFrom and inserts rule. A zero EffectiveFrom means now.
func (s *Service) Supersede(ctx context.Context, rule *Rule) error {
	if rule.EffectiveFrom.IsZero() {
		rule.EffectiveFrom = s.now()
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.Scope == ScopeGlobal && rule.EffectiveUntil != nil {
		return fmt.Errorf("%w: global rule must be open-ended", ErrInvalidRule)
	}
	if err := s.store.Supersede(ctx, rule); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"rule_id":    rule.ID,
		"scope_key":  rule.ScopeKey(),
		"multiplier": rule.Multiplier.String(),
		"from":       rule.EffectiveFrom,
	}).Info("pricing: rule superseded")

	if s.resolver != nil {
		if err := s.resolver.Reload(ctx); err != nil {
			return fmt.Errorf("failed to reload resolver: %w", err)
		}
	}
	return nil
}

func (s *Service) List(ctx context.Context) ([]Rule, error) {
	return s.store.ListRules(ctx)
}
