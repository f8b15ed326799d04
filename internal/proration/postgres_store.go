package proration

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

const eventColumns = `
	id, subscription_id, user_id, from_tier, to_tier, effective_at, period_start, period_end,
	days_remaining, days_in_cycle, unused_credit_usd, new_tier_cost_usd, net_charge_usd,
	state, credits_issued, charge_reference, failure_reason, created_at, updated_at
`

func scanEvent(row pgx.Row) (*Event, error) {
	var ev Event
	var state string
	err := row.Scan(
		&ev.ID, &ev.SubscriptionID, &ev.UserID, &ev.FromTier, &ev.ToTier, &ev.EffectiveAt, &ev.Start, &ev.End,
		&ev.DaysRemaining, &ev.DaysInCycle, &ev.UnusedCreditUSD, &ev.NewTierCostUSD, &ev.NetChargeUSD,
		&state, &ev.CreditsIssued, &ev.ChargeReference, &ev.FailureReason, &ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	ev.State = State(state)
	return &ev, nil
}

func (s *PostgresStore) Create(ctx context.Context, ev *Event) error {
	query := `
		INSERT INTO proration_events (
			id, subscription_id, user_id, from_tier, to_tier, effective_at, period_start, period_end,
			days_remaining, days_in_cycle, unused_credit_usd, new_tier_cost_usd, net_charge_usd, state
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at
	`
	err := s.db.QueryRow(ctx, query,
		ev.ID, ev.SubscriptionID, ev.UserID, ev.FromTier, ev.ToTier, ev.EffectiveAt, ev.Start, ev.End,
		ev.DaysRemaining, ev.DaysInCycle, ev.UnusedCreditUSD, ev.NewTierCostUSD, ev.NetChargeUSD, string(ev.State),
	).Scan(&ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "proration_events_one_pending" {
			return ErrInProgress
		}
		return fmt.Errorf("failed to create proration event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Event, error) {
	ev, err := scanEvent(s.db.QueryRow(ctx, `SELECT `+eventColumns+` FROM proration_events WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get proration event: %w", err)
	}
	return ev, nil
}

func (s *PostgresStore) Transition(ctx context.Context, ev *Event, from State) error {
	query := `
		UPDATE proration_events
		SET state = $3, credits_issued = $4, charge_reference = $5, failure_reason = $6, updated_at = now()
		WHERE id = $1 AND state = $2
		RETURNING updated_at
	`
	err := s.db.QueryRow(ctx, query,
		ev.ID, string(from), string(ev.State), ev.CreditsIssued, ev.ChargeReference, ev.FailureReason,
	).Scan(&ev.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInvalidTransition
		}
		return fmt.Errorf("failed to update proration event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBySubscription(ctx context.Context, subscriptionID string) ([]*Event, error) {
	query := `SELECT ` + eventColumns + `
		FROM proration_events
		WHERE subscription_id = $1
		ORDER BY created_at
	`
	rows, err := s.db.Query(ctx, query, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query proration events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan proration event: %w", err)
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating proration events: %w", err)
	}

	return events, nil
}
