package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Each user has a one-slot semaphore so
// lock waits honour context deadlines the way a row lock wait does.
type MemoryStore struct {
	mu          sync.Mutex
	locks       map[string]chan struct{}
	balances    map[string]Balance
	usage       map[string][]*UsageRecord
	requests    map[string]bool
	allocations map[string][]*Allocation
	keys        map[string]*Allocation
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:       make(map[string]chan struct{}),
		balances:    make(map[string]Balance),
		usage:       make(map[string][]*UsageRecord),
		requests:    make(map[string]bool),
		allocations: make(map[string][]*Allocation),
		keys:        make(map[string]*Allocation),
		now:         time.Now,
	}
}

func (s *MemoryStore) userLock(userID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[userID] = l
	}
	return l
}

func (s *MemoryStore) InTx(ctx context.Context, userID string, fn func(tx Tx) error) error {
	l := s.userLock(userID)
	select {
	case l <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l }()

	tx := &memTx{store: s, userID: userID}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

func (s *MemoryStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[userID]
	if !ok {
		return &Balance{UserID: userID}, nil
	}
	return &b, nil
}

func (s *MemoryStore) ListUsage(ctx context.Context, userID string, from, to time.Time) ([]*UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*UsageRecord
	for _, r := range s.usage[userID] {
		if !r.CreatedAt.Before(from) && r.CreatedAt.Before(to) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListAllocations(ctx context.Context, userID string) ([]*Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Allocation, 0, len(s.allocations[userID]))
	for _, a := range s.allocations[userID] {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) ListUserIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.balances))
	for id := range s.balances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// OverwriteBalance replaces the cached amount without a ledger entry. It
// simulates an out-of-band write for drift detection tests.
func (s *MemoryStore) OverwriteBalance(userID string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.balances[userID]
	b.UserID = userID
	b.Amount = amount
	s.balances[userID] = b
}

type memTx struct {
	store       *MemoryStore
	userID      string
	balance     *Balance
	usage       []*UsageRecord
	allocations []*Allocation
}

func (t *memTx) Balance(ctx context.Context) (*Balance, error) {
	if t.balance == nil {
		t.store.mu.Lock()
		b, ok := t.store.balances[t.userID]
		t.store.mu.Unlock()
		if !ok {
			b = Balance{UserID: t.userID}
		}
		t.balance = &b
	}
	cp := *t.balance
	return &cp, nil
}

func (t *memTx) UsageExists(ctx context.Context, requestID string) (bool, error) {
	for _, r := range t.usage {
		if r.RequestID == requestID {
			return true, nil
		}
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.requests[requestID], nil
}

func (t *memTx) AllocationByKey(ctx context.Context, key string) (*Allocation, error) {
	for _, a := range t.allocations {
		if a.Key == key {
			cp := *a
			return &cp, nil
		}
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if a, ok := t.store.keys[key]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, nil
}

func (t *memTx) InsertUsage(ctx context.Context, rec *UsageRecord) error {
	rec.ID = uuid.New().String()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = t.store.now()
	}
	cp := *rec
	t.usage = append(t.usage, &cp)
	return nil
}

func (t *memTx) InsertAllocation(ctx context.Context, a *Allocation) error {
	a.ID = uuid.New().String()
	a.CreatedAt = t.store.now()
	cp := *a
	t.allocations = append(t.allocations, &cp)
	return nil
}

func (t *memTx) SaveBalance(ctx context.Context, b *Balance) error {
	cp := *b
	cp.Version++
	cp.UpdatedAt = t.store.now()
	t.balance = &cp
	b.Version, b.UpdatedAt = cp.Version, cp.UpdatedAt
	return nil
}

func (t *memTx) Totals(ctx context.Context) (Totals, error) {
	var tot Totals
	add := func(usage []*UsageRecord, allocs []*Allocation) {
		for _, r := range usage {
			if r.Status.Deducts() {
				tot.Used += r.CreditAmount
			}
		}
		for _, a := range allocs {
			tot.Allocated += a.Amount
		}
	}
	t.store.mu.Lock()
	add(t.store.usage[t.userID], t.store.allocations[t.userID])
	t.store.mu.Unlock()
	add(t.usage, t.allocations)
	return tot, nil
}

func (t *memTx) commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	// Unique constraints are global, not per user.
	for _, r := range t.usage {
		if s.requests[r.RequestID] {
			return ErrDuplicateRequest
		}
	}
	for _, a := range t.allocations {
		if _, ok := s.keys[a.Key]; ok {
			return ErrAllocationConflict
		}
	}

	for _, r := range t.usage {
		s.requests[r.RequestID] = true
		s.usage[t.userID] = append(s.usage[t.userID], r)
	}
	for _, a := range t.allocations {
		s.keys[a.Key] = a
		s.allocations[t.userID] = append(s.allocations[t.userID], a)
	}
	if t.balance != nil {
		s.balances[t.userID] = *t.balance
	}
	return nil
}
