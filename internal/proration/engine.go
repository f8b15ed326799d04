package proration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/vnmchuo/llm-metering/internal/ledger"
	"github.com/vnmchuo/llm-metering/internal/subscription"
)

type PriceSource interface {
	MonthlyPrice(tier string) (decimal.Decimal, error)
}

// Charger collects or refunds a positive net charge through the external
// billing system. Implementations must be idempotent on the event id.
type Charger interface {
	Charge(ctx context.Context, ev *Event) (reference string, err error)
	Refund(ctx context.Context, ev *Event) error
}

type Allocator interface {
	Allocate(ctx context.Context, a *ledger.Allocation) (*ledger.Allocation, bool, error)
	CreditUnitUSD() decimal.Decimal
}

type Engine struct {
	subs    subscription.Store
	prices  PriceSource
	store   Store
	ledger  Allocator
	charger Charger
	now     func() time.Time
	// backoff is multiplied by the attempt number between final transitions.
	backoff time.Duration
}

const transitionAttempts = 3

func NewEngine(subs subscription.Store, prices PriceSource, store Store, l Allocator, charger Charger) *Engine {
	return &Engine{
		subs:    subs,
		prices:  prices,
		store:   store,
		ledger:  l,
		charger: charger,
		now:     time.Now,
		backoff: 50 * time.Millisecond,
	}
}

// Compute previews moving subscriptionID from fromTier to toTier at at. A zero
// at means now.
func (e *Engine) Compute(ctx context.Context, subscriptionID, fromTier, toTier string, at time.Time) (*Quote, error) {
	if at.IsZero() {
		at = e.now()
	}
	if fromTier == toTier {
		return nil, ErrSameTier
	}

	sub, err := e.subs.Get(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub.Tier != fromTier {
		return nil, fmt.Errorf("%w: subscription %s is on %q, not %q", ErrTierMismatch, sub.ID, sub.Tier, fromTier)
	}

	fromPrice, err := e.prices.MonthlyPrice(fromTier)
	if err != nil {
		return nil, err
	}
	toPrice, err := e.prices.MonthlyPrice(toTier)
	if err != nil {
		return nil, err
	}

	cycle := Cycle{Start: sub.PeriodStart, End: sub.PeriodEnd}
	amounts, err := Calculate(cycle, at, fromPrice, toPrice)
	if err != nil {
		return nil, err
	}

	return &Quote{
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		FromTier:       fromTier,
		ToTier:         toTier,
		EffectiveAt:    at,
		Cycle:          cycle,
		Amounts:        amounts,
	}, nil
}

// Apply recomputes the quote, records a pending event, switches the tier and
// settles the net amount. A credit becomes a proration allocation; a charge
// goes to the Charger. If settlement fails the tier is restored and the event
// is marked failed. If the event cannot be marked applied after settlement it
// is returned still pending with ErrUnfinished; Resume completes it.
func (e *Engine) Apply(ctx context.Context, subscriptionID, fromTier, toTier string, at time.Time) (*Event, error) {
	q, err := e.Compute(ctx, subscriptionID, fromTier, toTier, at)
	if err != nil {
		return nil, err
	}

	ev := &Event{ID: uuid.New().String(), Quote: *q, State: StatePending}
	if err := e.store.Create(ctx, ev); err != nil {
		return nil, err
	}

	if err := e.subs.ChangeTier(ctx, q.SubscriptionID, q.ToTier, q.EffectiveAt); err != nil {
		return e.fail(ctx, ev, fmt.Errorf("failed to change tier: %w", err))
	}

	if err := e.settle(ctx, ev); err != nil {
		if rerr := e.subs.ChangeTier(ctx, q.SubscriptionID, q.FromTier, q.EffectiveAt); rerr != nil {
			log.WithError(rerr).WithField("event_id", ev.ID).Error("proration: failed to restore tier after settlement failure")
		}
		return e.fail(ctx, ev, err)
	}

	if err := e.markApplied(ctx, ev); err != nil {
		return ev, err
	}

	log.WithFields(log.Fields{
		"event_id":        ev.ID,
		"subscription_id": ev.SubscriptionID,
		"from":            ev.FromTier,
		"to":              ev.ToTier,
		"net_charge_usd":  ev.NetChargeUSD.StringFixed(2),
		"credits_issued":  ev.CreditsIssued,
	}).Info("proration: applied")
	return ev, nil
}

// Resume finishes a pending event whose Apply was interrupted. If the
// subscription reached the target tier, settlement is replayed and the event
// marked applied; otherwise the event is marked failed.
func (e *Engine) Resume(ctx context.Context, eventID string) (*Event, error) {
	ev, err := e.store.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.State != StatePending {
		return nil, fmt.Errorf("%w: event %s is %s", ErrInvalidTransition, ev.ID, ev.State)
	}

	sub, err := e.subs.Get(ctx, ev.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub.Tier != ev.ToTier {
		ev.State = StateFailed
		ev.FailureReason = fmt.Sprintf("interrupted before tier change; subscription is on %q", sub.Tier)
		if err := e.store.Transition(ctx, ev, StatePending); err != nil {
			return nil, err
		}
		log.WithField("event_id", ev.ID).Warn("proration: interrupted event marked failed")
		return ev, nil
	}

	if err := e.settle(ctx, ev); err != nil {
		return ev, err
	}
	if err := e.markApplied(ctx, ev); err != nil {
		return ev, err
	}
	log.WithField("event_id", ev.ID).Info("proration: interrupted event applied")
	return ev, nil
}

// markApplied records a settled event as applied. Settlement already
// happened, so the write is retried without the caller's cancellation.
func (e *Engine) markApplied(ctx context.Context, ev *Event) error {
	ctx = context.WithoutCancel(ctx)
	ev.State = StateApplied

	var err error
	for attempt := 1; attempt <= transitionAttempts; attempt++ {
		err = e.store.Transition(ctx, ev, StatePending)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrEventNotFound) {
			break
		}
		if attempt < transitionAttempts {
			time.Sleep(e.backoff * time.Duration(attempt))
		}
	}

	ev.State = StatePending
	log.WithError(err).WithFields(log.Fields{
		"event_id":        ev.ID,
		"subscription_id": ev.SubscriptionID,
	}).Error("proration: settled but not marked applied")
	return fmt.Errorf("%w: event %s: %w", ErrUnfinished, ev.ID, err)
}

func (e *Engine) settle(ctx context.Context, ev *Event) error {
	switch ev.NetChargeUSD.Sign() {
	case -1:
		credits := ev.NetChargeUSD.Abs().Div(e.ledger.CreditUnitUSD()).Floor().IntPart()
		if credits == 0 {
			return nil
		}
		_, _, err := e.ledger.Allocate(ctx, &ledger.Allocation{
			UserID:         ev.UserID,
			Source:         ledger.SourceProration,
			Amount:         credits,
			SubscriptionID: ev.SubscriptionID,
			Reference:      ev.ID,
			Reason:         fmt.Sprintf("proration credit %s -> %s", ev.FromTier, ev.ToTier),
		})
		if err != nil {
			return fmt.Errorf("failed to issue proration credit: %w", err)
		}
		ev.CreditsIssued = credits
	case 1:
		if e.charger == nil {
			return fmt.Errorf("no charger configured for net charge %s", ev.NetChargeUSD.StringFixed(2))
		}
		ref, err := e.charger.Charge(ctx, ev)
		if err != nil {
			return fmt.Errorf("failed to charge proration: %w", err)
		}
		ev.ChargeReference = ref
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, ev *Event, cause error) (*Event, error) {
	ev.State = StateFailed
	ev.FailureReason = cause.Error()
	if err := e.store.Transition(ctx, ev, StatePending); err != nil {
		log.WithError(err).WithField("event_id", ev.ID).Error("proration: failed to mark event failed")
	}
	log.WithError(cause).WithField("event_id", ev.ID).Warn("proration: tier change failed")
	return ev, cause
}

// Reverse undoes an applied event: an issued credit is withdrawn with an
// offsetting allocation, a charge is refunded and the previous tier restored.
func (e *Engine) Reverse(ctx context.Context, eventID, reason string) (*Event, error) {
	ev, err := e.store.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !ev.State.CanTransition(StateReversed) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, ev.State, StateReversed)
	}

	sub, err := e.subs.Get(ctx, ev.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub.Tier != ev.ToTier {
		return nil, fmt.Errorf("%w: subscription %s is on %q, not %q", ErrTierMismatch, sub.ID, sub.Tier, ev.ToTier)
	}

	if ev.CreditsIssued > 0 {
		_, _, err := e.ledger.Allocate(ctx, &ledger.Allocation{
			UserID:         ev.UserID,
			Source:         ledger.SourceProration,
			Amount:         -ev.CreditsIssued,
			SubscriptionID: ev.SubscriptionID,
			Reference:      ev.ID + ":reverse",
			Reason:         reason,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to withdraw proration credit: %w", err)
		}
	}
	if ev.ChargeReference != "" && e.charger != nil {
		if err := e.charger.Refund(ctx, ev); err != nil {
			return nil, fmt.Errorf("failed to refund proration charge: %w", err)
		}
	}

	if err := e.subs.ChangeTier(ctx, ev.SubscriptionID, ev.FromTier, e.now()); err != nil {
		return nil, fmt.Errorf("failed to restore tier: %w", err)
	}

	ev.State = StateReversed
	if err := e.store.Transition(ctx, ev, StateApplied); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"event_id": ev.ID,
		"reason":   reason,
	}).Info("proration: reversed")
	return ev, nil
}

func (e *Engine) History(ctx context.Context, subscriptionID string) ([]*Event, error) {
	return e.store.ListBySubscription(ctx, subscriptionID)
}

// DeferredCharger hands positive net charges to the external billing system
// by logging them; the reference it returns is the event id.
type DeferredCharger struct{}

func (DeferredCharger) Charge(ctx context.Context, ev *Event) (string, error) {
	log.WithFields(log.Fields{
		"event_id":       ev.ID,
		"user_id":        ev.UserID,
		"net_charge_usd": ev.NetChargeUSD.StringFixed(2),
	}).Info("proration: charge deferred to billing")
	return "deferred:" + ev.ID, nil
}

func (DeferredCharger) Refund(ctx context.Context, ev *Event) error {
	log.WithFields(log.Fields{
		"event_id":  ev.ID,
		"reference": ev.ChargeReference,
	}).Info("proration: refund deferred to billing")
	return nil
}
