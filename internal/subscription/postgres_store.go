package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

const selectSubscription = `
	SELECT id, user_id, tier, period_start, period_end, updated_at
	FROM subscriptions
`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	err := row.Scan(&sub.ID, &sub.UserID, &sub.Tier, &sub.PeriodStart, &sub.PeriodEnd, &sub.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	return scanSubscription(s.db.QueryRow(ctx, selectSubscription+` WHERE id = $1`, id))
}

func (s *PostgresStore) GetByUser(ctx context.Context, userID string) (*Subscription, error) {
	return scanSubscription(s.db.QueryRow(ctx, selectSubscription+` WHERE user_id = $1 ORDER BY updated_at DESC LIMIT 1`, userID))
}

func (s *PostgresStore) Upsert(ctx context.Context, sub *Subscription) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin subscription transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var prevTier string
	if sub.ID != "" {
		err := tx.QueryRow(ctx, `SELECT tier FROM subscriptions WHERE id = $1 FOR UPDATE`, sub.ID).Scan(&prevTier)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to lock subscription: %w", err)
		}
	}

	query := `
		INSERT INTO subscriptions (id, user_id, tier, period_start, period_end, updated_at)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE
		SET tier = EXCLUDED.tier, period_start = EXCLUDED.period_start,
			period_end = EXCLUDED.period_end, updated_at = now()
		RETURNING id, updated_at
	`
	err = tx.QueryRow(ctx, query, sub.ID, sub.UserID, sub.Tier, sub.PeriodStart, sub.PeriodEnd).
		Scan(&sub.ID, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}

	if prevTier != sub.Tier {
		if err := insertTierChange(ctx, tx, sub.ID, sub.UserID, sub.Tier, sub.PeriodStart); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) ChangeTier(ctx context.Context, id, tier string, at time.Time) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin subscription transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var userID string
	err = tx.QueryRow(ctx,
		`UPDATE subscriptions SET tier = $2, updated_at = now() WHERE id = $1 RETURNING user_id`,
		id, tier,
	).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to change tier: %w", err)
	}

	if err := insertTierChange(ctx, tx, id, userID, tier, at); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit tier change: %w", err)
	}
	return nil
}

func insertTierChange(ctx context.Context, tx pgx.Tx, subID, userID, tier string, at time.Time) error {
	query := `
		INSERT INTO subscription_tier_history (subscription_id, user_id, tier, effective_from)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := tx.Exec(ctx, query, subID, userID, tier, at); err != nil {
		return fmt.Errorf("failed to record tier change: %w", err)
	}
	return nil
}

func (s *PostgresStore) TierAt(ctx context.Context, userID string, at time.Time) (string, error) {
	query := `
		SELECT tier
		FROM subscription_tier_history
		WHERE user_id = $1 AND effective_from <= $2
		ORDER BY effective_from DESC, id DESC
		LIMIT 1
	`
	var tier string
	err := s.db.QueryRow(ctx, query, userID, at).Scan(&tier)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get tier: %w", err)
	}
	return tier, nil
}
