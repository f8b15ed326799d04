package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/vnmchuo/llm-metering/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DriftReporter receives balance anomalies found on read or reconciliation.
type DriftReporter interface {
	ReportDrift(ctx context.Context, drift *BalanceDriftError)
}

type Options struct {
	// CreditUnitUSD is the USD value of one credit.
	CreditUnitUSD decimal.Decimal
	// Timeout bounds every balance mutation, lock wait included.
	Timeout time.Duration
	// VerifyOnRead recomputes the balance on every GetBalance.
	VerifyOnRead bool
	Drift        DriftReporter
	Tracer       trace.Tracer
}

type Ledger struct {
	store   Store
	unit    decimal.Decimal
	timeout time.Duration
	verify  bool
	drift   DriftReporter
	tracer  trace.Tracer
	now     func() time.Time
}

func New(store Store, opts Options) (*Ledger, error) {
	if !opts.CreditUnitUSD.IsPositive() {
		return nil, fmt.Errorf("credit unit must be positive, got %s", opts.CreditUnitUSD)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("ledger")
	}
	return &Ledger{
		store:   store,
		unit:    opts.CreditUnitUSD,
		timeout: opts.Timeout,
		verify:  opts.VerifyOnRead,
		drift:   opts.Drift,
		tracer:  opts.Tracer,
		now:     time.Now,
	}, nil
}

func (l *Ledger) CreditUnitUSD() decimal.Decimal {
	return l.unit
}

// RecordUsage prices rec in credits and appends it. A success or partial
// record debits the balance in the same atomic unit. When the balance cannot
// cover the amount the record is kept with status error, nothing is debited
// and ErrInsufficientCredits is returned. A request id is recorded at most once.
func (l *Ledger) RecordUsage(ctx context.Context, rec *UsageRecord) (*UsageRecord, error) {
	if rec.UserID == "" || rec.RequestID == "" {
		return nil, fmt.Errorf("%w: user_id and request_id are required", ErrInvalidEntry)
	}
	if rec.Status == "" {
		rec.Status = StatusSuccess
	}

	credits, err := Credits(rec.VendorCostUSD, rec.Multiplier, l.unit)
	if err != nil {
		return nil, err
	}
	rec.CreditAmount = credits
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now()
	}

	var available int64
	denied := false
	err = l.mutate(ctx, "record_usage", rec.UserID, func(ctx context.Context, tx Tx) error {
		denied = false
		exists, err := tx.UsageExists(ctx, rec.RequestID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrDuplicateRequest, rec.RequestID)
		}

		bal, err := tx.Balance(ctx)
		if err != nil {
			return err
		}
		available = bal.Amount

		if rec.Status.Deducts() && bal.Amount < rec.CreditAmount {
			denied = true
			rec.Status = StatusError
			rec.ErrorReason = fmt.Sprintf("insufficient credits: need %d, have %d", rec.CreditAmount, bal.Amount)
			return tx.InsertUsage(ctx, rec)
		}

		if err := tx.InsertUsage(ctx, rec); err != nil {
			return err
		}
		if !rec.Status.Deducts() || rec.CreditAmount == 0 {
			return nil
		}
		bal.Amount -= rec.CreditAmount
		bal.Used += rec.CreditAmount
		return tx.SaveBalance(ctx, bal)
	})
	if err != nil {
		return nil, err
	}

	if denied {
		telemetry.InsufficientCredits.Inc()
		log.WithFields(log.Fields{
			"user_id":    rec.UserID,
			"request_id": rec.RequestID,
			"required":   rec.CreditAmount,
			"available":  available,
		}).Warn("ledger: insufficient credits, usage recorded without deduction")
		return rec, fmt.Errorf("%w: need %d, have %d", ErrInsufficientCredits, rec.CreditAmount, available)
	}

	if rec.Status.Deducts() {
		telemetry.CreditsDeducted.WithLabelValues(rec.Provider, rec.Model).Add(float64(rec.CreditAmount))
	}
	return rec, nil
}

// Allocate appends a and adjusts the balance by its amount. Retrying with the
// same idempotency key returns the original allocation and applied=false.
// A negative amount that would overdraw the balance fails with
// ErrInsufficientCredits.
func (l *Ledger) Allocate(ctx context.Context, a *Allocation) (*Allocation, bool, error) {
	if err := validateAllocation(a); err != nil {
		return nil, false, err
	}
	if !a.distinguishable() {
		a.Reference = uuid.New().String()
	}
	a.Key = a.IdempotencyKey()

	var (
		stored  *Allocation
		applied bool
	)
	err := l.mutate(ctx, "allocate", a.UserID, func(ctx context.Context, tx Tx) error {
		stored, applied = nil, false
		existing, err := tx.AllocationByKey(ctx, a.Key)
		if err != nil {
			return err
		}
		if existing != nil {
			stored = existing
			return nil
		}

		bal, err := tx.Balance(ctx)
		if err != nil {
			return err
		}
		if bal.Amount+a.Amount < 0 {
			return fmt.Errorf("%w: adjustment %d exceeds balance %d", ErrInsufficientCredits, a.Amount, bal.Amount)
		}

		if err := tx.InsertAllocation(ctx, a); err != nil {
			return err
		}
		bal.Amount += a.Amount
		bal.Allocated += a.Amount
		if a.Source == SourceRollover {
			bal.Rollover = a.Amount
		}
		if err := tx.SaveBalance(ctx, bal); err != nil {
			return err
		}
		stored, applied = a, true
		return nil
	})
	if errors.Is(err, ErrAllocationConflict) {
		return l.Allocate(ctx, a)
	}
	if err != nil {
		return nil, false, err
	}

	if applied {
		log.WithFields(log.Fields{
			"user_id": a.UserID,
			"source":  a.Source,
			"amount":  a.Amount,
			"key":     a.Key,
		}).Info("ledger: credits allocated")
	}
	return stored, applied, nil
}

func validateAllocation(a *Allocation) error {
	if a.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidEntry)
	}
	if !a.Source.Valid() {
		return fmt.Errorf("%w: unknown source %q", ErrInvalidEntry, a.Source)
	}
	if a.Amount == 0 {
		return fmt.Errorf("%w: amount must not be zero", ErrInvalidEntry)
	}
	switch a.Source {
	case SourceSubscription, SourceBonus, SourceRollover:
		if a.Amount < 0 {
			return fmt.Errorf("%w: %s allocations must be positive", ErrInvalidEntry, a.Source)
		}
	case SourceExpiry:
		if a.Amount > 0 {
			return fmt.Errorf("%w: expiry allocations must be negative", ErrInvalidEntry)
		}
	}
	if a.PeriodStart != nil && a.PeriodEnd != nil && !a.PeriodEnd.After(*a.PeriodStart) {
		return fmt.Errorf("%w: period end must be after period start", ErrInvalidEntry)
	}
	return nil
}

// CarryOverResult describes one cycle close.
type CarryOverResult struct {
	UserID    string    `json:"user_id"`
	CycleEnd  time.Time `json:"cycle_end"`
	Balance   int64     `json:"balance_at_cycle_end"`
	Carried   int64     `json:"carried"`
	Forfeited int64     `json:"forfeited"`
	Applied   bool      `json:"applied"`
}

// CarryOver closes a billing cycle: the whole balance expires and
// min(balance, cap) is re-granted as a rollover allocation, in one atomic
// unit. Repeating a cycle is a no-op.
func (l *Ledger) CarryOver(ctx context.Context, userID string, cycleEnd time.Time, capCredits int64) (*CarryOverResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidEntry)
	}
	if capCredits < 0 {
		return nil, fmt.Errorf("%w: rollover cap must not be negative", ErrInvalidEntry)
	}

	end := cycleEnd.UTC()
	rollover := &Allocation{
		UserID:      userID,
		Source:      SourceRollover,
		PeriodStart: &end,
		Reason:      "unused credits carried over",
	}
	rollover.Key = rollover.IdempotencyKey()

	res := &CarryOverResult{UserID: userID, CycleEnd: end}
	err := l.mutate(ctx, "carry_over", userID, func(ctx context.Context, tx Tx) error {
		res.Applied = false
		existing, err := tx.AllocationByKey(ctx, rollover.Key)
		if err != nil {
			return err
		}
		if existing != nil {
			res.Carried = existing.Amount
			return nil
		}

		bal, err := tx.Balance(ctx)
		if err != nil {
			return err
		}
		res.Balance = bal.Amount

		if bal.Amount > 0 {
			res.Carried = min(bal.Amount, capCredits)
			res.Forfeited = bal.Amount - res.Carried

			expiry := &Allocation{
				UserID:    userID,
				Source:    SourceExpiry,
				Amount:    -bal.Amount,
				PeriodEnd: &end,
				Reason:    "cycle balance expired",
			}
			expiry.Key = expiry.IdempotencyKey()
			if err := tx.InsertAllocation(ctx, expiry); err != nil {
				return err
			}
			bal.Allocated += res.Carried - bal.Amount
			bal.Amount = res.Carried
		}

		// Written even when zero: it marks the cycle as closed.
		rollover.Amount = res.Carried
		if err := tx.InsertAllocation(ctx, rollover); err != nil {
			return err
		}

		bal.Rollover = res.Carried
		if err := tx.SaveBalance(ctx, bal); err != nil {
			return err
		}
		res.Applied = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GetBalance returns the materialized balance. With verification enabled the
// balance is also recomputed and any drift is reported, never corrected.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	bal, err := l.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	if l.verify {
		if err := l.Verify(ctx, userID); err != nil {
			var drift *BalanceDriftError
			if !errors.As(err, &drift) {
				log.WithError(err).WithField("user_id", userID).Warn("ledger: balance verification failed")
			}
		}
	}
	return bal, nil
}

// Verify recomputes the balance from the full history under the user's lock
// and returns a *BalanceDriftError on mismatch. The cached value is untouched.
func (l *Ledger) Verify(ctx context.Context, userID string) error {
	var drift *BalanceDriftError
	err := l.mutate(ctx, "verify", userID, func(ctx context.Context, tx Tx) error {
		drift = nil
		bal, err := tx.Balance(ctx)
		if err != nil {
			return err
		}
		tot, err := tx.Totals(ctx)
		if err != nil {
			return err
		}
		if bal.Amount != tot.Amount() {
			drift = &BalanceDriftError{UserID: userID, Cached: bal.Amount, Recomputed: tot.Amount()}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if drift != nil {
		if l.drift != nil {
			l.drift.ReportDrift(ctx, drift)
		}
		return drift
	}
	return nil
}

// Recompute returns the balance derived from the full history.
func (l *Ledger) Recompute(ctx context.Context, userID string) (Totals, error) {
	var tot Totals
	err := l.mutate(ctx, "recompute", userID, func(ctx context.Context, tx Tx) error {
		var err error
		tot, err = tx.Totals(ctx)
		return err
	})
	return tot, err
}

// ResetBalance overwrites the cached balance with the recomputed one and
// returns the value it replaced. It is only called by explicit repair.
func (l *Ledger) ResetBalance(ctx context.Context, userID, reason string) (*BalanceDriftError, error) {
	var before *BalanceDriftError
	err := l.mutate(ctx, "reset_balance", userID, func(ctx context.Context, tx Tx) error {
		bal, err := tx.Balance(ctx)
		if err != nil {
			return err
		}
		tot, err := tx.Totals(ctx)
		if err != nil {
			return err
		}
		before = &BalanceDriftError{UserID: userID, Cached: bal.Amount, Recomputed: tot.Amount()}
		bal.Amount = tot.Amount()
		bal.Allocated = tot.Allocated
		bal.Used = tot.Used
		return tx.SaveBalance(ctx, bal)
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"user_id":    userID,
		"cached":     before.Cached,
		"recomputed": before.Recomputed,
		"reason":     reason,
	}).Warn("ledger: cached balance reset from history")
	return before, nil
}

// ListUsage returns records created in [from, to), newest first.
func (l *Ledger) ListUsage(ctx context.Context, userID string, from, to time.Time) ([]*UsageRecord, error) {
	return l.store.ListUsage(ctx, userID, from, to)
}

func (l *Ledger) ListAllocations(ctx context.Context, userID string) ([]*Allocation, error) {
	return l.store.ListAllocations(ctx, userID)
}

func (l *Ledger) ListUserIDs(ctx context.Context) ([]string, error) {
	return l.store.ListUserIDs(ctx)
}

// DailySummary aggregates the UTC calendar day containing date.
func (l *Ledger) DailySummary(ctx context.Context, userID string, date time.Time) (*Summary, error) {
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	records, err := l.store.ListUsage(ctx, userID, day, day.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}

	s := &Summary{Date: day.Format(time.DateOnly), VendorCostUSD: decimal.Zero}
	var uncached int64
	for _, r := range records {
		s.Requests++
		switch r.Status {
		case StatusSuccess:
			s.Succeeded++
		case StatusPartial:
			s.Partial++
		default:
			s.Failed++
		}
		s.InputTokens += r.InputTokens
		s.OutputTokens += r.OutputTokens
		s.TotalTokens += r.TotalTokens
		s.CacheCreationTokens += r.CacheCreationTokens
		s.CacheReadTokens += r.CacheReadTokens
		uncached += r.InputTokens
		if r.Status.Deducts() {
			s.VendorCostUSD = s.VendorCostUSD.Add(r.VendorCostUSD)
			s.Credits += r.CreditAmount
		}
	}
	if denom := s.CacheReadTokens + uncached; denom > 0 {
		rate := float64(s.CacheReadTokens) * 100 / float64(denom)
		s.CacheHitRate = &rate
	}
	return s, nil
}

// mutate runs fn in the user's atomic unit under the ledger timeout. Deadline
// expiry, lock waits included, becomes a *TimeoutError.
func (l *Ledger) mutate(ctx context.Context, op, userID string, fn func(ctx context.Context, tx Tx) error) error {
	ctx, span := l.tracer.Start(ctx, "ledger."+op)
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	start := time.Now()
	err := l.store.InTx(ctx, userID, func(tx Tx) error {
		return fn(ctx, tx)
	})
	telemetry.LedgerDuration.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))

	if err != nil && (errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err)) && ctx.Err() != nil {
		err = &TimeoutError{Op: op, RetryAfter: l.timeout, Err: err}
		log.WithFields(log.Fields{
			"user_id":     userID,
			"op":          op,
			"retry_after": l.timeout.String(),
		}).Warn("ledger: operation timed out, safe to retry")
	}

	telemetry.LedgerOperations.WithLabelValues(op, outcome(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrLedgerTimeout):
		return "timeout"
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate"
	default:
		return "error"
	}
}
