package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ListRules(ctx context.Context) ([]Rule, error) {
	query := `
		SELECT id, scope, user_id, tier, provider, model, multiplier, effective_from, effective_until, created_at
		FROM pricing_configs
		ORDER BY created_at
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query pricing configs: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var r Rule
		var scope string
		err := rows.Scan(
			&r.ID, &scope, &r.UserID, &r.Tier, &r.Provider, &r.Model,
			&r.Multiplier, &r.EffectiveFrom, &r.EffectiveUntil, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pricing config: %w", err)
		}
		r.Scope = Scope(scope)
		rules = append(rules, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pricing configs: %w", err)
	}

	return rules, nil
}

func (s *PostgresStore) Supersede(ctx context.Context, rule *Rule) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin pricing transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	key := rule.ScopeKey()

	// Serialise writers on the same scope key.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("failed to lock pricing scope: %w", err)
	}

	closeQuery := `
		UPDATE pricing_configs
		SET effective_until = $2
		WHERE scope_key = $1 AND effective_until IS NULL AND effective_from < $2
	`
	if _, err := tx.Exec(ctx, closeQuery, key, rule.EffectiveFrom); err != nil {
		return fmt.Errorf("failed to close pricing config: %w", err)
	}

	insertQuery := `
		INSERT INTO pricing_configs (scope, scope_key, user_id, tier, provider, model, multiplier, effective_from, effective_until)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`
	var createdAt time.Time
	err = tx.QueryRow(ctx, insertQuery,
		string(rule.Scope), key, rule.UserID, rule.Tier, rule.Provider, rule.Model,
		rule.Multiplier, rule.EffectiveFrom, rule.EffectiveUntil,
	).Scan(&rule.ID, &createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert pricing config: %w", err)
	}
	rule.CreatedAt = createdAt

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit pricing config: %w", err)
	}
	return nil
}
