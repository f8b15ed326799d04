// Package metering turns a completed inference call into a ledger entry:
// parse vendor usage, price it, resolve the margin multiplier and record the
// deduction.
package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/vnmchuo/llm-metering/internal/ledger"
	"github.com/vnmchuo/llm-metering/internal/pricing"
	"github.com/vnmchuo/llm-metering/internal/telemetry"
	"github.com/vnmchuo/llm-metering/internal/usage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ErrPricingUnavailable means the multiplier could not be resolved for a
// transient reason. Nothing was written; the event can be recorded later.
var ErrPricingUnavailable = errors.New("pricing unavailable")

type Pricer interface {
	Calculate(provider, model string, u usage.Usage) (pricing.Cost, error)
}

type MultiplierResolver interface {
	Resolve(ctx context.Context, userID, provider, model string, at time.Time) (pricing.Resolution, error)
}

type Ledger interface {
	RecordUsage(ctx context.Context, rec *ledger.UsageRecord) (*ledger.UsageRecord, error)
	GetBalance(ctx context.Context, userID string) (*ledger.Balance, error)
}

// Event is one finished (or aborted) inference call. Either Raw or Usage is
// set; Usage wins when both are.
type Event struct {
	RequestID string
	UserID    string
	APIKeyID  string
	Provider  string
	Model     string
	Raw       []byte
	Usage     *usage.Usage
	Status    ledger.Status
	Error     string
	Latency   time.Duration
	At        time.Time
}

// Unbilled returns a copy of ev marked as an error, so Record keeps its token
// counts without charging for them.
func Unbilled(ev Event, reason string) Event {
	ev.Status = ledger.StatusError
	ev.Error = reason
	return ev
}

type Meter struct {
	pricer     Pricer
	resolver   MultiplierResolver
	ledger     Ledger
	minCredits int64
	tracer     trace.Tracer
}

func New(pricer Pricer, resolver MultiplierResolver, l Ledger, minCredits int64, tracer trace.Tracer) *Meter {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("metering")
	}
	return &Meter{
		pricer:     pricer,
		resolver:   resolver,
		ledger:     l,
		minCredits: minCredits,
		tracer:     tracer,
	}
}

// Preflight denies a request before the vendor is called when the user's
// remaining credits are below the configured minimum.
func (m *Meter) Preflight(ctx context.Context, userID string) error {
	bal, err := m.ledger.GetBalance(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to check balance: %w", err)
	}
	if bal.Amount < m.minCredits {
		telemetry.InsufficientCredits.Inc()
		return fmt.Errorf("%w: have %d, need at least %d", ledger.ErrInsufficientCredits, bal.Amount, m.minCredits)
	}
	return nil
}

// Record meters ev. An unrecognised usage shape bills zero tokens. A model
// missing from the rate card, or a call no pricing rule covers, is recorded
// with status error and zero credits and the pricing error is returned so the
// caller can alert on it. Any other resolver failure writes nothing and
// returns ErrPricingUnavailable.
func (m *Meter) Record(ctx context.Context, ev Event) (*ledger.UsageRecord, error) {
	ctx, span := m.tracer.Start(ctx, "metering.Record")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", ev.RequestID),
		attribute.String("provider", ev.Provider),
		attribute.String("model", ev.Model),
	)

	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if ev.Status == "" {
		ev.Status = ledger.StatusSuccess
	}

	var u usage.Usage
	switch {
	case ev.Usage != nil:
		u = *ev.Usage
	case ev.Status == ledger.StatusError && len(ev.Raw) == 0:
		u = usage.Usage{Shape: usage.ShapeUnknown}
	default:
		u = usage.Parse(ev.Provider, ev.Raw)
	}

	rec := &ledger.UsageRecord{
		RequestID:           ev.RequestID,
		UserID:              ev.UserID,
		APIKeyID:            ev.APIKeyID,
		Provider:            ev.Provider,
		Model:               ev.Model,
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		TotalTokens:         u.TotalTokens,
		CacheCreationTokens: u.CacheCreationTokens,
		CacheReadTokens:     u.CacheReadTokens,
		CachedPromptTokens:  u.CachedPromptTokens,
		VendorCostUSD:       decimal.Zero,
		Multiplier:          decimal.NewFromInt(1),
		Status:              ev.Status,
		ErrorReason:         ev.Error,
		LatencyMs:           ev.Latency.Milliseconds(),
		CreatedAt:           ev.At,
	}

	var pricingErr error
	if !u.IsZero() && ev.Status.Deducts() {
		cost, err := m.pricer.Calculate(ev.Provider, ev.Model, u)
		if err != nil {
			if !errors.Is(err, pricing.ErrUnknownRate) {
				return nil, m.fail(span, fmt.Errorf("failed to price usage: %w", err))
			}
			telemetry.UnknownRates.WithLabelValues(ev.Provider, ev.Model).Inc()
			log.WithFields(log.Fields{
				"request_id": ev.RequestID,
				"provider":   ev.Provider,
				"model":      ev.Model,
			}).Error("metering: no rate for model, usage recorded unbilled")
			pricingErr = err
			rec.Status = ledger.StatusError
			rec.ErrorReason = err.Error()
		} else {
			res, err := m.resolver.Resolve(ctx, ev.UserID, ev.Provider, ev.Model, ev.At)
			switch {
			case errors.Is(err, pricing.ErrNoApplicableRule):
				log.WithFields(log.Fields{
					"request_id": ev.RequestID,
					"user_id":    ev.UserID,
					"provider":   ev.Provider,
					"model":      ev.Model,
				}).Error("metering: no pricing rule applies, usage recorded unbilled")
				pricingErr = err
				rec.Status = ledger.StatusError
				rec.ErrorReason = err.Error()
			case err != nil:
				return nil, m.fail(span, fmt.Errorf("%w: %w", ErrPricingUnavailable, err))
			default:
				rec.VendorCostUSD = cost.TotalUSD
				rec.Multiplier = res.Multiplier
				rec.PricingRuleID = res.RuleID
			}
		}
	}

	stored, err := m.ledger.RecordUsage(ctx, rec)
	if err != nil {
		return stored, m.fail(span, err)
	}
	span.SetAttributes(attribute.Int64("credits", stored.CreditAmount))

	if pricingErr != nil {
		return stored, m.fail(span, pricingErr)
	}
	return stored, nil
}

func (m *Meter) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
