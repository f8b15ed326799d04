package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_TierHistory(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	sub := &Subscription{UserID: "u1", Tier: "starter", PeriodStart: start, PeriodEnd: start.AddDate(0, 1, 0)}
	require.NoError(t, s.Upsert(ctx, sub))
	require.NotEmpty(t, sub.ID)

	upgrade := start.Add(10 * 24 * time.Hour)
	require.NoError(t, s.ChangeTier(ctx, sub.ID, "pro", upgrade))

	tier, err := s.TierAt(ctx, "u1", start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "starter", tier)

	tier, err = s.TierAt(ctx, "u1", upgrade)
	require.NoError(t, err)
	assert.Equal(t, "pro", tier)

	tier, err = s.TierAt(ctx, "u1", start.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, tier)

	got, err := s.GetByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "pro", got.Tier)
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.ChangeTier(context.Background(), "missing", "pro", time.Now()), ErrNotFound)
}
