package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestLedger(t *testing.T) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	l, err := New(store, Options{CreditUnitUSD: dec("0.01"), Timeout: time.Second})
	require.NoError(t, err)
	return l, store
}

func grant(t *testing.T, l *Ledger, userID string, amount int64) {
	t.Helper()
	_, applied, err := l.Allocate(context.Background(), &Allocation{
		UserID: userID, Source: SourceManual, Amount: amount, Reference: fmt.Sprintf("seed-%d", amount),
	})
	require.NoError(t, err)
	require.True(t, applied)
}

func usageRecord(requestID, userID, cost string) *UsageRecord {
	return &UsageRecord{
		RequestID:     requestID,
		UserID:        userID,
		Provider:      "openai",
		Model:         "gpt-4o",
		VendorCostUSD: dec(cost),
		Multiplier:    dec("1"),
	}
}

func assertInvariant(t *testing.T, l *Ledger, userID string) {
	t.Helper()
	bal, err := l.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	tot, err := l.Recompute(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, tot.Amount(), bal.Amount, "cached balance must equal allocations minus deductions")
	assert.Equal(t, tot.Allocated, bal.Allocated)
	assert.Equal(t, tot.Used, bal.Used)
	assert.GreaterOrEqual(t, bal.Amount, int64(0))
}

func TestCredits_RoundsUp(t *testing.T) {
	tests := []struct {
		cost, mult, unit string
		want             int64
	}{
		{"0.05", "1", "0.01", 5},
		{"0.001", "1.5", "0.01", 1},
		{"0.0100001", "1", "0.01", 2},
		{"0", "2", "0.01", 0},
		{"1.234", "1.2", "0.001", 1481},
	}
	for _, tt := range tests {
		got, err := Credits(dec(tt.cost), dec(tt.mult), dec(tt.unit))
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "cost=%s mult=%s unit=%s", tt.cost, tt.mult, tt.unit)
	}

	_, err := Credits(dec("-1"), dec("1"), dec("0.01"))
	assert.ErrorIs(t, err, ErrInvalidEntry)
	_, err = Credits(dec("1"), dec("1"), decimal.Zero)
	assert.Error(t, err)
}

func TestRecordUsage_Deducts(t *testing.T) {
	l, _ := newTestLedger(t)
	grant(t, l, "u1", 100)

	rec, err := l.RecordUsage(context.Background(), usageRecord("req-1", "u1", "0.123"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, rec.Status)
	assert.Equal(t, int64(13), rec.CreditAmount)
	assert.NotEmpty(t, rec.ID)

	bal, err := l.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(87), bal.Amount)
	assert.Equal(t, View{TotalCredits: 100, UsedCredits: 13, RemainingCredits: 87}, bal.View())
	assertInvariant(t, l, "u1")
}

func TestRecordUsage_InsufficientWritesErrorRecord(t *testing.T) {
	l, _ := newTestLedger(t)
	grant(t, l, "u1", 5)

	rec, err := l.RecordUsage(context.Background(), usageRecord("req-1", "u1", "0.10"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientCredits))
	require.NotNil(t, rec)
	assert.Equal(t, StatusError, rec.Status)

	bal, err := l.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), bal.Amount, "no partial deduction")

	records, err := l.ListUsage(context.Background(), "u1", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, StatusError, records[0].Status)
	assert.Equal(t, int64(10), records[0].CreditAmount)
	assertInvariant(t, l, "u1")
}

func TestRecordUsage_DuplicateRequestDeductsOnce(t *testing.T) {
	l, _ := newTestLedger(t)
	grant(t, l, "u1", 100)

	_, err := l.RecordUsage(context.Background(), usageRecord("req-1", "u1", "0.10"))
	require.NoError(t, err)
	_, err = l.RecordUsage(context.Background(), usageRecord("req-1", "u1", "0.10"))
	assert.ErrorIs(t, err, ErrDuplicateRequest)

	bal, _ := l.GetBalance(context.Background(), "u1")
	assert.Equal(t, int64(90), bal.Amount)
	assertInvariant(t, l, "u1")
}

func TestRecordUsage_ZeroCostSucceedsOnEmptyBalance(t *testing.T) {
	l, _ := newTestLedger(t)

	rec, err := l.RecordUsage(context.Background(), usageRecord("req-1", "u1", "0"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, rec.Status)
	assert.Zero(t, rec.CreditAmount)
}

func TestRecordUsage_PartialIsBilled(t *testing.T) {
	l, _ := newTestLedger(t)
	grant(t, l, "u1", 50)

	rec := usageRecord("req-1", "u1", "0.20")
	rec.Status = StatusPartial
	_, err := l.RecordUsage(context.Background(), rec)
	require.NoError(t, err)

	bal, _ := l.GetBalance(context.Background(), "u1")
	assert.Equal(t, int64(30), bal.Amount)
	assertInvariant(t, l, "u1")
}

func TestRecordUsage_ErrorStatusDoesNotDeduct(t *testing.T) {
	l, _ := newTestLedger(t)
	grant(t, l, "u1", 50)

	rec := usageRecord("req-1", "u1", "0")
	rec.Status = StatusError
	rec.ErrorReason = "vendor returned 500"
	_, err := l.RecordUsage(context.Background(), rec)
	require.NoError(t, err)

	bal, _ := l.GetBalance(context.Background(), "u1")
	assert.Equal(t, int64(50), bal.Amount)
}

func TestRecordUsage_ConcurrentDeductionsNeverOverdraw(t *testing.T) {
	l, _ := newTestLedger(t)
	grant(t, l, "u1", 100)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		ok, rejected int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.RecordUsage(context.Background(), usageRecord(fmt.Sprintf("req-%d", i), "u1", "0.30"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInsufficientCredits):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	assert.Equal(t, 7, rejected)

	bal, _ := l.GetBalance(context.Background(), "u1")
	assert.Equal(t, int64(10), bal.Amount)
	assertInvariant(t, l, "u1")
}

func TestRecordUsage_LockWaitTimesOut(t *testing.T) {
	store := NewMemoryStore()
	l, err := New(store, Options{CreditUnitUSD: dec("0.01"), Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = store.InTx(context.Background(), "u1", func(tx Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	_, err = l.RecordUsage(context.Background(), usageRecord("req-1", "u1", "0"))
	close(release)
	<-done

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLedgerTimeout))
	assert.False(t, errors.Is(err, ErrInsufficientCredits))
	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "record_usage", te.Op)
	assert.Equal(t, 20*time.Millisecond, te.RetryAfter)

	// Nothing was written, so a retry succeeds.
	_, err = l.RecordUsage(context.Background(), usageRecord("req-1", "u1", "0"))
	assert.NoError(t, err)
}

func TestAllocate_Idempotent(t *testing.T) {
	l, _ := newTestLedger(t)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	alloc := func() *Allocation {
		return &Allocation{
			UserID: "u1", Source: SourceSubscription, Amount: 1000,
			SubscriptionID: "sub-1", PeriodStart: &start, PeriodEnd: &end,
		}
	}

	first, applied, err := l.Allocate(context.Background(), alloc())
	require.NoError(t, err)
	assert.True(t, applied)

	second, applied, err := l.Allocate(context.Background(), alloc())
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, first.ID, second.ID)

	bal, _ := l.GetBalance(context.Background(), "u1")
	assert.Equal(t, int64(1000), bal.Amount)
	assertInvariant(t, l, "u1")
}

func TestAllocate_ManualGrantsWithoutReferenceAreDistinct(t *testing.T) {
	l, _ := newTestLedger(t)

	for i := 0; i < 2; i++ {
		_, applied, err := l.Allocate(context.Background(), &Allocation{UserID: "u1", Source: SourceManual, Amount: 10})
		require.NoError(t, err)
		assert.True(t, applied)
	}

	bal, _ := l.GetBalance(context.Background(), "u1")
	assert.Equal(t, int64(20), bal.Amount)
}

func TestAllocate_Validation(t *testing.T) {
	l, _ := newTestLedger(t)
	grant(t, l, "u1", 10)

	_, _, err := l.Allocate(context.Background(), &Allocation{UserID: "u1", Source: "gift", Amount: 1})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	_, _, err = l.Allocate(context.Background(), &Allocation{UserID: "u1", Source: SourceBonus, Amount: -1})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	_, _, err = l.Allocate(context.Background(), &Allocation{UserID: "u1", Source: SourceManual, Amount: 0})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	_, _, err = l.Allocate(context.Background(), &Allocation{UserID: "u1", Source: SourceManual, Amount: -11, Reference: "clawback"})
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	_, applied, err := l.Allocate(context.Background(), &Allocation{UserID: "u1", Source: SourceManual, Amount: -4, Reference: "clawback"})
	require.NoError(t, err)
	assert.True(t, applied)
	assertInvariant(t, l, "u1")
}

func TestCarryOver_CapsAndForfeits(t *testing.T) {
	l, _ := newTestLedger(t)
	grant(t, l, "u1", 1000)
	_, err := l.RecordUsage(context.Background(), usageRecord("req-1", "u1", "3.00"))
	require.NoError(t, err)

	cycleEnd := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	res, err := l.CarryOver(context.Background(), "u1", cycleEnd, 500)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(700), res.Balance)
	assert.Equal(t, int64(500), res.Carried)
	assert.Equal(t, int64(200), res.Forfeited)

	bal, _ := l.GetBalance(context.Background(), "u1")
	assert.Equal(t, int64(500), bal.Amount)
	assert.Equal(t, int64(500), bal.Rollover)
	assertInvariant(t, l, "u1")

	again, err := l.CarryOver(context.Background(), "u1", cycleEnd, 500)
	require.NoError(t, err)
	assert.False(t, again.Applied)
	assert.Equal(t, int64(500), again.Carried)

	bal, _ = l.GetBalance(context.Background(), "u1")
	assert.Equal(t, int64(500), bal.Amount)
}

func TestCarryOver_EmptyBalanceStillClosesCycle(t *testing.T) {
	l, _ := newTestLedger(t)
	cycleEnd := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	res, err := l.CarryOver(context.Background(), "u1", cycleEnd, 500)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Zero(t, res.Carried)

	grant(t, l, "u1", 300)
	res, err = l.CarryOver(context.Background(), "u1", cycleEnd, 500)
	require.NoError(t, err)
	assert.False(t, res.Applied, "a closed cycle must not expire later grants")

	bal, _ := l.GetBalance(context.Background(), "u1")
	assert.Equal(t, int64(300), bal.Amount)
}

type recordingReporter struct {
	mu     sync.Mutex
	drifts []*BalanceDriftError
}

func (r *recordingReporter) ReportDrift(ctx context.Context, d *BalanceDriftError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drifts = append(r.drifts, d)
}

func TestVerify_ReportsDriftWithoutCorrecting(t *testing.T) {
	store := NewMemoryStore()
	reporter := &recordingReporter{}
	l, err := New(store, Options{CreditUnitUSD: dec("0.01"), VerifyOnRead: true, Drift: reporter})
	require.NoError(t, err)
	grant(t, l, "u1", 100)

	store.OverwriteBalance("u1", 140)

	err = l.Verify(context.Background(), "u1")
	var drift *BalanceDriftError
	require.True(t, errors.As(err, &drift))
	assert.Equal(t, int64(140), drift.Cached)
	assert.Equal(t, int64(100), drift.Recomputed)
	assert.Equal(t, int64(40), drift.Delta())

	bal, err := l.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(140), bal.Amount, "drift is reported, never silently corrected")
	assert.Len(t, reporter.drifts, 2)

	before, err := l.ResetBalance(context.Background(), "u1", "test repair")
	require.NoError(t, err)
	assert.Equal(t, int64(140), before.Cached)
	assert.NoError(t, l.Verify(context.Background(), "u1"))
}

func TestDailySummary(t *testing.T) {
	l, _ := newTestLedger(t)
	grant(t, l, "u1", 10)
	day := time.Date(2025, 5, 4, 12, 0, 0, 0, time.UTC)

	ok := usageRecord("req-1", "u1", "0.05")
	ok.InputTokens, ok.CacheReadTokens, ok.OutputTokens = 200, 800, 50
	ok.CreatedAt = day
	_, err := l.RecordUsage(context.Background(), ok)
	require.NoError(t, err)

	denied := usageRecord("req-2", "u1", "1.00")
	denied.CreatedAt = day.Add(time.Hour)
	_, err = l.RecordUsage(context.Background(), denied)
	require.ErrorIs(t, err, ErrInsufficientCredits)

	other := usageRecord("req-3", "u1", "0.01")
	other.CreatedAt = day.AddDate(0, 0, 1)
	_, err = l.RecordUsage(context.Background(), other)
	require.NoError(t, err)

	s, err := l.DailySummary(context.Background(), "u1", day)
	require.NoError(t, err)
	assert.Equal(t, "2025-05-04", s.Date)
	assert.Equal(t, 2, s.Requests)
	assert.Equal(t, 1, s.Succeeded)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, int64(5), s.Credits)
	assert.Equal(t, "0.05", s.VendorCostUSD.String())
	require.NotNil(t, s.CacheHitRate)
	assert.Equal(t, 80.0, *s.CacheHitRate)
}
