package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vnmchuo/llm-metering/config"
	"github.com/vnmchuo/llm-metering/internal/ledger"
	"github.com/vnmchuo/llm-metering/internal/logging"
	"github.com/vnmchuo/llm-metering/internal/pricing"
	"github.com/vnmchuo/llm-metering/internal/proration"
	"github.com/vnmchuo/llm-metering/internal/rollover"
	"github.com/vnmchuo/llm-metering/internal/subscription"
	"github.com/vnmchuo/llm-metering/migrations"
)

type Ledger interface {
	GetBalance(ctx context.Context, userID string) (*ledger.Balance, error)
	Allocate(ctx context.Context, a *ledger.Allocation) (*ledger.Allocation, bool, error)
	ListAllocations(ctx context.Context, userID string) ([]*ledger.Allocation, error)
}

type Cycles interface {
	CalculateRollover(ctx context.Context, userID string, cycleEnd time.Time) (*ledger.CarryOverResult, error)
	Reconcile(ctx context.Context, userID string) error
	ReconcileAll(ctx context.Context) ([]*ledger.BalanceDriftError, error)
	Repair(ctx context.Context, userID, reason string) (*ledger.BalanceDriftError, error)
}

type Prorater interface {
	Compute(ctx context.Context, subscriptionID, fromTier, toTier string, at time.Time) (*proration.Quote, error)
	Apply(ctx context.Context, subscriptionID, fromTier, toTier string, at time.Time) (*proration.Event, error)
	Reverse(ctx context.Context, eventID, reason string) (*proration.Event, error)
	Resume(ctx context.Context, eventID string) (*proration.Event, error)
}

type app struct {
	ledger    Ledger
	cycles    Cycles
	proration Prorater
	migrate   func(ctx context.Context) ([]string, error)
	now       func() time.Time
	close     func()
}

func wireApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	card, err := pricing.LoadRateCard(cfg.RateCardPath)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("load rate card: %w", err)
	}

	l, err := ledger.New(ledger.NewPostgresStore(pool), ledger.Options{
		CreditUnitUSD: cfg.CreditUnitUSD,
		Timeout:       cfg.LedgerTimeout,
		Drift:         rollover.AlertReporter{},
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("init ledger: %w", err)
	}

	engine := proration.NewEngine(
		subscription.NewPostgresStore(pool),
		card,
		proration.NewPostgresStore(pool),
		l,
		proration.DeferredCharger{},
	)

	return &app{
		ledger:    l,
		cycles:    rollover.NewService(l, cfg.RolloverCapCredits),
		proration: engine,
		migrate: func(ctx context.Context) ([]string, error) {
			return migrations.Up(ctx, pool)
		},
		now:   time.Now,
		close: pool.Close,
	}, nil
}
