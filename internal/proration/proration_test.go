package proration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vnmchuo/llm-metering/internal/ledger"
	"github.com/vnmchuo/llm-metering/internal/subscription"
)

var (
	cycleStart = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cycleEnd   = time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	midpoint   = time.Date(2025, 1, 16, 0, 0, 0, 0, time.UTC)
)

func usd(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type priceList map[string]string

func (p priceList) MonthlyPrice(tier string) (decimal.Decimal, error) {
	v, ok := p[tier]
	if !ok {
		return decimal.Zero, errors.New("unknown tier " + tier)
	}
	return usd(v), nil
}

type mockCharger struct {
	ChargeFunc func(ctx context.Context, ev *Event) (string, error)
	RefundFunc func(ctx context.Context, ev *Event) error
}

func (m *mockCharger) Charge(ctx context.Context, ev *Event) (string, error) {
	return m.ChargeFunc(ctx, ev)
}

func (m *mockCharger) Refund(ctx context.Context, ev *Event) error {
	return m.RefundFunc(ctx, ev)
}

func TestCalculate_MidpointUpgrade(t *testing.T) {
	a, err := Calculate(Cycle{Start: cycleStart, End: cycleEnd}, midpoint, usd("20"), usd("40"))
	require.NoError(t, err)
	assert.Equal(t, int64(15), a.DaysRemaining)
	assert.Equal(t, int64(30), a.DaysInCycle)
	assert.Equal(t, "10.00", a.UnusedCreditUSD.StringFixed(2))
	assert.Equal(t, "20.00", a.NewTierCostUSD.StringFixed(2))
	assert.Equal(t, "10.00", a.NetChargeUSD.StringFixed(2))
}

func TestCalculate_DowngradeIsNegative(t *testing.T) {
	a, err := Calculate(Cycle{Start: cycleStart, End: cycleEnd}, midpoint, usd("40"), usd("20"))
	require.NoError(t, err)
	assert.Equal(t, "-10.00", a.NetChargeUSD.StringFixed(2))
}

func TestCalculate_PartialDaysRoundUp(t *testing.T) {
	at := midpoint.Add(6 * time.Hour)
	a, err := Calculate(Cycle{Start: cycleStart, End: cycleEnd}, at, usd("20"), usd("40"))
	require.NoError(t, err)
	assert.Equal(t, int64(15), a.DaysRemaining)

	// 7/30 * 20 = 4.666..., rounded only at the net
	a, err = Calculate(Cycle{Start: cycleStart, End: cycleEnd}, cycleEnd.Add(-7*24*time.Hour), usd("0"), usd("20"))
	require.NoError(t, err)
	assert.Equal(t, "4.67", a.NetChargeUSD.String())
}

func TestCalculate_CycleErrors(t *testing.T) {
	tests := []struct {
		name  string
		cycle Cycle
		at    time.Time
	}{
		{"same day", Cycle{Start: cycleStart, End: cycleStart}, cycleStart},
		{"inverted", Cycle{Start: cycleEnd, End: cycleStart}, midpoint},
		{"before start", Cycle{Start: cycleStart, End: cycleEnd}, cycleStart.Add(-time.Hour)},
		{"at end", Cycle{Start: cycleStart, End: cycleEnd}, cycleEnd},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Calculate(tt.cycle, tt.at, usd("20"), usd("40"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrProrationCycle))
			var cycleErr *ProrationCycleError
			assert.True(t, errors.As(err, &cycleErr))
		})
	}
}

func TestState_CanTransition(t *testing.T) {
	assert.True(t, StatePending.CanTransition(StateApplied))
	assert.True(t, StatePending.CanTransition(StateFailed))
	assert.True(t, StateApplied.CanTransition(StateReversed))
	assert.False(t, StateApplied.CanTransition(StateFailed))
	assert.False(t, StateReversed.CanTransition(StateApplied))
	assert.False(t, StateFailed.CanTransition(StateApplied))
}

type fixture struct {
	engine *Engine
	subs   *subscription.MemoryStore
	ledger *ledger.Ledger
	store  *MemoryStore
}

func newFixture(t *testing.T, tier string, charger Charger) fixture {
	t.Helper()
	subs := subscription.NewMemoryStore()
	require.NoError(t, subs.Upsert(context.Background(), &subscription.Subscription{
		ID: "sub-1", UserID: "u1", Tier: tier, PeriodStart: cycleStart, PeriodEnd: cycleEnd,
	}))

	l, err := ledger.New(ledger.NewMemoryStore(), ledger.Options{CreditUnitUSD: usd("0.01")})
	require.NoError(t, err)

	store := NewMemoryStore()
	prices := priceList{"starter": "20.00", "pro": "40.00"}
	return fixture{
		engine: NewEngine(subs, prices, store, l, charger),
		subs:   subs,
		ledger: l,
		store:  store,
	}
}

func TestCompute_DoesNotPersist(t *testing.T) {
	f := newFixture(t, "starter", nil)

	q, err := f.engine.Compute(context.Background(), "sub-1", "starter", "pro", midpoint)
	require.NoError(t, err)
	assert.Equal(t, "u1", q.UserID)
	assert.Equal(t, "10.00", q.NetChargeUSD.StringFixed(2))

	events, err := f.engine.History(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Empty(t, events)

	sub, _ := f.subs.Get(context.Background(), "sub-1")
	assert.Equal(t, "starter", sub.Tier)
}

func TestCompute_Rejections(t *testing.T) {
	f := newFixture(t, "starter", nil)

	_, err := f.engine.Compute(context.Background(), "sub-1", "pro", "starter", midpoint)
	assert.ErrorIs(t, err, ErrTierMismatch)

	_, err = f.engine.Compute(context.Background(), "sub-1", "starter", "starter", midpoint)
	assert.ErrorIs(t, err, ErrSameTier)

	_, err = f.engine.Compute(context.Background(), "missing", "starter", "pro", midpoint)
	assert.ErrorIs(t, err, subscription.ErrNotFound)
}

func TestApply_DowngradeIssuesCredit(t *testing.T) {
	f := newFixture(t, "pro", nil)
	ctx := context.Background()

	ev, err := f.engine.Apply(ctx, "sub-1", "pro", "starter", midpoint)
	require.NoError(t, err)
	assert.Equal(t, StateApplied, ev.State)
	assert.Equal(t, int64(1000), ev.CreditsIssued)

	bal, err := f.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal.Amount)

	sub, _ := f.subs.Get(ctx, "sub-1")
	assert.Equal(t, "starter", sub.Tier)
	tier, err := f.subs.TierAt(ctx, "u1", midpoint.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "starter", tier)

	reversed, err := f.engine.Reverse(ctx, ev.ID, "customer changed their mind")
	require.NoError(t, err)
	assert.Equal(t, StateReversed, reversed.State)

	bal, _ = f.ledger.GetBalance(ctx, "u1")
	assert.Equal(t, int64(0), bal.Amount)
	sub, _ = f.subs.Get(ctx, "sub-1")
	assert.Equal(t, "pro", sub.Tier)

	_, err = f.engine.Reverse(ctx, ev.ID, "again")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestApply_UpgradeIsCharged(t *testing.T) {
	var refunded string
	charger := &mockCharger{
		ChargeFunc: func(ctx context.Context, ev *Event) (string, error) {
			assert.Equal(t, "10.00", ev.NetChargeUSD.StringFixed(2))
			return "ch_123", nil
		},
		RefundFunc: func(ctx context.Context, ev *Event) error {
			refunded = ev.ChargeReference
			return nil
		},
	}
	f := newFixture(t, "starter", charger)
	ctx := context.Background()

	ev, err := f.engine.Apply(ctx, "sub-1", "starter", "pro", midpoint)
	require.NoError(t, err)
	assert.Equal(t, "ch_123", ev.ChargeReference)
	assert.Zero(t, ev.CreditsIssued)

	bal, _ := f.ledger.GetBalance(ctx, "u1")
	assert.Equal(t, int64(0), bal.Amount, "charges never mint credits")

	_, err = f.engine.Reverse(ctx, ev.ID, "refund")
	require.NoError(t, err)
	assert.Equal(t, "ch_123", refunded)
}

func TestApply_ChargeFailureRestoresTier(t *testing.T) {
	charger := &mockCharger{
		ChargeFunc: func(ctx context.Context, ev *Event) (string, error) {
			return "", errors.New("card declined")
		},
	}
	f := newFixture(t, "starter", charger)
	ctx := context.Background()

	ev, err := f.engine.Apply(ctx, "sub-1", "starter", "pro", midpoint)
	require.Error(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, StateFailed, ev.State)
	assert.Contains(t, ev.FailureReason, "card declined")

	sub, _ := f.subs.Get(ctx, "sub-1")
	assert.Equal(t, "starter", sub.Tier)

	stored, err := f.store.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, stored.State)

	// A failed attempt does not block the next one.
	charger.ChargeFunc = func(ctx context.Context, ev *Event) (string, error) { return "ch_2", nil }
	_, err = f.engine.Apply(ctx, "sub-1", "starter", "pro", midpoint)
	assert.NoError(t, err)
}

func TestMemoryStore_OnePendingPerSubscription(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	first := &Event{ID: "e1", Quote: Quote{SubscriptionID: "sub-1"}, State: StatePending}
	require.NoError(t, s.Create(ctx, first))

	err := s.Create(ctx, &Event{ID: "e2", Quote: Quote{SubscriptionID: "sub-1"}, State: StatePending})
	assert.ErrorIs(t, err, ErrInProgress)

	first.State = StateApplied
	require.NoError(t, s.Transition(ctx, first, StatePending))
	assert.ErrorIs(t, s.Transition(ctx, first, StatePending), ErrInvalidTransition)
	require.NoError(t, s.Create(ctx, &Event{ID: "e2", Quote: Quote{SubscriptionID: "sub-1"}, State: StatePending}))
}

// flakyStore fails the first failures transitions into StateApplied.
type flakyStore struct {
	*MemoryStore
	failures int
	calls    int
}

func (s *flakyStore) Transition(ctx context.Context, ev *Event, from State) error {
	if ev.State == StateApplied {
		s.calls++
		if s.calls <= s.failures {
			return errors.New("connection reset")
		}
	}
	return s.MemoryStore.Transition(ctx, ev, from)
}

func newFlakyFixture(t *testing.T, tier string, failures int) (fixture, *flakyStore) {
	t.Helper()
	f := newFixture(t, tier, nil)
	store := &flakyStore{MemoryStore: f.store, failures: failures}
	f.engine.store = store
	f.engine.backoff = time.Millisecond
	return f, store
}

func TestApply_RetriesFinalTransition(t *testing.T) {
	f, store := newFlakyFixture(t, "pro", 1)
	ctx := context.Background()

	ev, err := f.engine.Apply(ctx, "sub-1", "pro", "starter", midpoint)
	require.NoError(t, err)
	assert.Equal(t, StateApplied, ev.State)
	assert.Equal(t, 2, store.calls)

	stored, err := f.store.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, StateApplied, stored.State)
}

func TestApply_UnfinishedEventCanBeResumed(t *testing.T) {
	f, store := newFlakyFixture(t, "pro", transitionAttempts)
	ctx := context.Background()

	ev, err := f.engine.Apply(ctx, "sub-1", "pro", "starter", midpoint)
	require.ErrorIs(t, err, ErrUnfinished)
	require.NotNil(t, ev)
	assert.Equal(t, StatePending, ev.State)
	assert.Equal(t, int64(1000), ev.CreditsIssued)

	// The pending event still blocks another change.
	_, err = f.engine.Apply(ctx, "sub-1", "starter", "pro", midpoint)
	assert.ErrorIs(t, err, ErrInProgress)

	resumed, err := f.engine.Resume(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, StateApplied, resumed.State)
	assert.Equal(t, transitionAttempts+1, store.calls)

	// Replaying settlement does not issue the credit twice.
	bal, err := f.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal.Amount)

	_, err = f.engine.Resume(ctx, ev.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestResume_FailsEventWhenTierNeverChanged(t *testing.T) {
	f := newFixture(t, "starter", nil)
	ctx := context.Background()

	q, err := f.engine.Compute(ctx, "sub-1", "starter", "pro", midpoint)
	require.NoError(t, err)
	pending := &Event{ID: "ev-1", Quote: *q, State: StatePending}
	require.NoError(t, f.store.Create(ctx, pending))

	ev, err := f.engine.Resume(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, ev.State)
	assert.Contains(t, ev.FailureReason, "interrupted before tier change")

	_, err = f.engine.Apply(ctx, "sub-1", "starter", "pro", midpoint)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no charger configured")
	assert.NotErrorIs(t, err, ErrInProgress)
}
