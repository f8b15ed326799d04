// Package subscription holds the billing-cycle view of a user's plan: the
// current tier, the cycle boundaries and the tier history used for pricing.
package subscription

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("subscription not found")

type Subscription struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Tier        string    `json:"tier"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Store interface {
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByUser(ctx context.Context, userID string) (*Subscription, error)
	Upsert(ctx context.Context, sub *Subscription) error
	// ChangeTier sets the current tier and records it in the tier history
	// effective from at.
	ChangeTier(ctx context.Context, id, tier string, at time.Time) error
	TierAt(ctx context.Context, userID string, at time.Time) (string, error)
}

type tierChange struct {
	userID string
	tier   string
	at     time.Time
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	history []tierChange
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *MemoryStore) GetByUser(ctx context.Context, userID string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.UserID == userID {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Upsert(ctx context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	prev, existed := s.subs[sub.ID]
	if !existed || prev.Tier != sub.Tier {
		s.history = append(s.history, tierChange{userID: sub.UserID, tier: sub.Tier, at: sub.PeriodStart})
	}
	sub.UpdatedAt = time.Now()
	cp := *sub
	s.subs[sub.ID] = &cp
	return nil
}

func (s *MemoryStore) ChangeTier(ctx context.Context, id, tier string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return ErrNotFound
	}
	sub.Tier = tier
	sub.UpdatedAt = time.Now()
	s.history = append(s.history, tierChange{userID: sub.UserID, tier: tier, at: at})
	return nil
}

func (s *MemoryStore) TierAt(ctx context.Context, userID string, at time.Time) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	changes := make([]tierChange, 0, len(s.history))
	for _, c := range s.history {
		if c.userID == userID && !c.at.After(at) {
			changes = append(changes, c)
		}
	}
	if len(changes) == 0 {
		return "", nil
	}
	sort.SliceStable(changes, func(i, j int) bool { return changes[i].at.Before(changes[j].at) })
	return changes[len(changes)-1].tier, nil
}
