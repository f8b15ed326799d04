package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vnmchuo/llm-metering/internal/ledger"
	"github.com/vnmchuo/llm-metering/internal/metering"
	"github.com/vnmchuo/llm-metering/internal/pricing"
)

// ErrPermanent marks a job error that retrying cannot fix.
var ErrPermanent = errors.New("permanent job failure")

type Cycles interface {
	CalculateRollover(ctx context.Context, userID string, cycleEnd time.Time) (*ledger.CarryOverResult, error)
	Reconcile(ctx context.Context, userID string) error
}

type Recorder interface {
	Record(ctx context.Context, ev metering.Event) (*ledger.UsageRecord, error)
}

// Processor dispatches jobs to the rollover service and the meter.
type Processor struct {
	cycles Cycles
	meter  Recorder
}

func NewProcessor(cycles Cycles, meter Recorder) *Processor {
	return &Processor{cycles: cycles, meter: meter}
}

func (p *Processor) Handle(ctx context.Context, job *Job) (string, error) {
	switch job.Kind {
	case JobRollover:
		if job.CycleEnd.IsZero() {
			return "", fmt.Errorf("%w: rollover job without cycle end", ErrPermanent)
		}
		res, err := p.cycles.CalculateRollover(ctx, job.UserID, job.CycleEnd)
		if err != nil {
			return "", err
		}
		if !res.Applied {
			return "cycle already closed", nil
		}
		return fmt.Sprintf("carried %d, forfeited %d", res.Carried, res.Forfeited), nil

	case JobReconcile:
		err := p.cycles.Reconcile(ctx, job.UserID)
		var drift *ledger.BalanceDriftError
		switch {
		case err == nil:
			return "balanced", nil
		case errors.As(err, &drift):
			// Already alerted; retrying would only alert again.
			return drift.Error(), nil
		default:
			return "", err
		}

	case JobMeter:
		if job.Event == nil {
			return "", fmt.Errorf("%w: meter job without event", ErrPermanent)
		}
		rec, err := p.meter.Record(ctx, *job.Event)
		switch {
		case err == nil:
			return fmt.Sprintf("recorded %d credits", rec.CreditAmount), nil
		case errors.Is(err, ledger.ErrDuplicateRequest):
			return "already recorded", nil
		case errors.Is(err, ledger.ErrInsufficientCredits),
			errors.Is(err, pricing.ErrUnknownRate),
			errors.Is(err, pricing.ErrNoApplicableRule):
			return "recorded unbilled: " + err.Error(), nil
		case errors.Is(err, ledger.ErrInvalidEntry):
			return "", fmt.Errorf("%w: %v", ErrPermanent, err)
		case errors.Is(err, metering.ErrPricingUnavailable) && job.LastAttempt():
			return p.recordUnbilled(ctx, job, err)
		default:
			return "", err
		}
	}
	return "", fmt.Errorf("%w: unknown job kind %q", ErrPermanent, job.Kind)
}

// recordUnbilled keeps the tokens of a call that could never be priced.
func (p *Processor) recordUnbilled(ctx context.Context, job *Job, cause error) (string, error) {
	_, err := p.meter.Record(ctx, metering.Unbilled(*job.Event, cause.Error()))
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrDuplicateRequest):
		return "already recorded", nil
	default:
		return "", err
	}
	log.WithFields(log.Fields{
		"job_id":     job.ID,
		"request_id": job.Event.RequestID,
		"user_id":    job.Event.UserID,
		"attempts":   job.Attempts,
	}).WithError(cause).Error("worker: pricing still unavailable, usage recorded unbilled")
	return fmt.Sprintf("recorded unbilled after %d attempts: %v", job.Attempts, cause), nil
}
