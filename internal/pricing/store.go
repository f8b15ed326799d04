package pricing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Store interface {
	ListRules(ctx context.Context) ([]Rule, error)
	// Supersede closes every open rule with the same scope key at
	// rule.EffectiveFrom and inserts rule, in one atomic unit.
	Supersede(ctx context.Context, rule *Rule) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.Mutex
	rules []Rule
	now   func() time.Time
}

func NewMemoryStore(rules ...Rule) *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for _, r := range rules {
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = s.now()
		}
		s.rules = append(s.rules, r)
	}
	return s
}

func (s *MemoryStore) ListRules(ctx context.Context) ([]Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out, nil
}

func (s *MemoryStore) Supersede(ctx context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rule.ScopeKey()
	for i := range s.rules {
		r := &s.rules[i]
		if r.ScopeKey() == key && r.EffectiveUntil == nil && r.EffectiveFrom.Before(rule.EffectiveFrom) {
			until := rule.EffectiveFrom
			r.EffectiveUntil = &until
		}
	}

	rule.ID = uuid.New().String()
	rule.CreatedAt = s.now()
	s.rules = append(s.rules, *rule)
	return nil
}
