package ledger

import (
	"context"
	"time"
)

// Store persists the ledger. InTx serialises all balance mutation per user;
// different users never contend.
type Store interface {
	// InTx runs fn holding the user's balance row. Writes made through tx are
	// committed together when fn returns nil and discarded otherwise.
	InTx(ctx context.Context, userID string, fn func(tx Tx) error) error

	GetBalance(ctx context.Context, userID string) (*Balance, error)
	ListUsage(ctx context.Context, userID string, from, to time.Time) ([]*UsageRecord, error)
	ListAllocations(ctx context.Context, userID string) ([]*Allocation, error)
	ListUserIDs(ctx context.Context) ([]string, error)
}

// Tx is the per-user atomic unit.
type Tx interface {
	// Balance returns the locked balance row, creating an empty one if needed.
	Balance(ctx context.Context) (*Balance, error)
	UsageExists(ctx context.Context, requestID string) (bool, error)
	// AllocationByKey returns nil when no allocation has the key.
	AllocationByKey(ctx context.Context, key string) (*Allocation, error)
	InsertUsage(ctx context.Context, rec *UsageRecord) error
	InsertAllocation(ctx context.Context, a *Allocation) error
	// SaveBalance writes b and increments its version.
	SaveBalance(ctx context.Context, b *Balance) error
	// Totals recomputes the balance from the user's full history.
	Totals(ctx context.Context) (Totals, error)
}
