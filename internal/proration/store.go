package proration

import (
	"context"
	"sort"
	"sync"
	"time"
)

type Store interface {
	// Create inserts a pending event. Only one pending event may exist per
	// subscription; a second fails with ErrInProgress.
	Create(ctx context.Context, ev *Event) error
	Get(ctx context.Context, id string) (*Event, error)
	// Transition moves ev from state from to ev.State, saving its settlement
	// fields. It fails with ErrInvalidTransition if the stored state is no
	// longer from.
	Transition(ctx context.Context, ev *Event, from State) error
	ListBySubscription(ctx context.Context, subscriptionID string) ([]*Event, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string]*Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*Event)}
}

func (s *MemoryStore) Create(ctx context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.SubscriptionID == ev.SubscriptionID && e.State == StatePending {
			return ErrInProgress
		}
	}
	now := time.Now()
	ev.CreatedAt, ev.UpdatedAt = now, now
	cp := *ev
	s.events[ev.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}

func (s *MemoryStore) Transition(ctx context.Context, ev *Event, from State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.events[ev.ID]
	if !ok {
		return ErrEventNotFound
	}
	if stored.State != from {
		return ErrInvalidTransition
	}
	ev.UpdatedAt = time.Now()
	cp := *ev
	s.events[ev.ID] = &cp
	return nil
}

func (s *MemoryStore) ListBySubscription(ctx context.Context, subscriptionID string) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for _, ev := range s.events {
		if ev.SubscriptionID == subscriptionID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
