// Package rollover closes billing cycles and reconciles cached balances
// against the ledger history.
package rollover

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vnmchuo/llm-metering/internal/ledger"
	"github.com/vnmchuo/llm-metering/internal/telemetry"
)

type Ledger interface {
	CarryOver(ctx context.Context, userID string, cycleEnd time.Time, capCredits int64) (*ledger.CarryOverResult, error)
	Verify(ctx context.Context, userID string) error
	ResetBalance(ctx context.Context, userID, reason string) (*ledger.BalanceDriftError, error)
	ListUserIDs(ctx context.Context) ([]string, error)
}

type Service struct {
	ledger Ledger
	cap    int64
}

// NewService uses capCredits as the most a user may carry into a new cycle.
func NewService(l Ledger, capCredits int64) *Service {
	return &Service{ledger: l, cap: capCredits}
}

// CalculateRollover closes the cycle ending at cycleEnd for userID. Credits
// above the cap are forfeited. Running it twice for the same cycle is a no-op.
func (s *Service) CalculateRollover(ctx context.Context, userID string, cycleEnd time.Time) (*ledger.CarryOverResult, error) {
	res, err := s.ledger.CarryOver(ctx, userID, cycleEnd, s.cap)
	if err != nil {
		return nil, fmt.Errorf("failed to roll over credits for %s: %w", userID, err)
	}
	if res.Applied {
		log.WithFields(log.Fields{
			"user_id":   userID,
			"cycle_end": res.CycleEnd,
			"balance":   res.Balance,
			"carried":   res.Carried,
			"forfeited": res.Forfeited,
		}).Info("rollover: cycle closed")
	}
	return res, nil
}

// Reconcile recomputes userID's balance from history. A mismatch is returned
// as *ledger.BalanceDriftError and is not corrected.
func (s *Service) Reconcile(ctx context.Context, userID string) error {
	return s.ledger.Verify(ctx, userID)
}

// ReconcileAll reconciles every user with a balance and returns the drifts
// found. A failure for one user does not stop the sweep.
func (s *Service) ReconcileAll(ctx context.Context) ([]*ledger.BalanceDriftError, error) {
	ids, err := s.ledger.ListUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	var (
		drifts []*ledger.BalanceDriftError
		errs   []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return drifts, err
		}
		err := s.Reconcile(ctx, id)
		var drift *ledger.BalanceDriftError
		switch {
		case err == nil:
		case errors.As(err, &drift):
			drifts = append(drifts, drift)
		default:
			errs = append(errs, fmt.Errorf("user %s: %w", id, err))
		}
	}
	return drifts, errors.Join(errs...)
}

// Repair overwrites the cached balance with the recomputed value. It is the
// only path that corrects drift and is never invoked implicitly.
func (s *Service) Repair(ctx context.Context, userID, reason string) (*ledger.BalanceDriftError, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: repair requires a reason", ledger.ErrInvalidEntry)
	}
	return s.ledger.ResetBalance(ctx, userID, reason)
}

// AlertReporter is the operational alert channel for drift.
type AlertReporter struct{}

func (AlertReporter) ReportDrift(ctx context.Context, d *ledger.BalanceDriftError) {
	telemetry.BalanceDrift.Inc()
	log.WithFields(log.Fields{
		"user_id":    d.UserID,
		"cached":     d.Cached,
		"recomputed": d.Recomputed,
		"delta":      d.Delta(),
	}).Error("reconcile: balance drift detected")
}
