package ledger

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
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps the balance row locked with SELECT ... FOR UPDATE for
// the whole transaction, so each user's mutations are serialised by the
// database rather than by a single upsert statement.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

const uniqueViolation = "23505"

func (s *PostgresStore) InTx(ctx context.Context, userID string, fn func(tx Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `INSERT INTO credit_balances (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return fmt.Errorf("failed to ensure balance row: %w", err)
	}

	if err := fn(&pgTx{tx: tx, userID: userID}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapUnique(fmt.Errorf("failed to commit ledger transaction: %w", err))
	}
	return nil
}

func mapUnique(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return err
	}
	switch pgErr.ConstraintName {
	case "usage_records_request_id_key":
		return fmt.Errorf("%w: %v", ErrDuplicateRequest, err)
	case "credit_allocations_allocation_key_key":
		return fmt.Errorf("%w: %v", ErrAllocationConflict, err)
	}
	return err
}

const selectBalance = `
	SELECT user_id, amount, allocated, used, rollover, version, updated_at
	FROM credit_balances
	WHERE user_id = $1
`

func scanBalance(row pgx.Row) (*Balance, error) {
	var b Balance
	err := row.Scan(&b.UserID, &b.Amount, &b.Allocated, &b.Used, &b.Rollover, &b.Version, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	b, err := scanBalance(s.db.QueryRow(ctx, selectBalance, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &Balance{UserID: userID}, nil
		}
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return b, nil
}

const usageColumns = `
	id, request_id, user_id, provider, model,
	input_tokens, output_tokens, total_tokens, cache_creation_tokens, cache_read_tokens, cached_prompt_tokens,
	vendor_cost_usd, multiplier, pricing_rule_id, credit_amount, status, error_reason, latency_ms, created_at,
	api_key_id
`

func (s *PostgresStore) ListUsage(ctx context.Context, userID string, from, to time.Time) ([]*UsageRecord, error) {
	query := `SELECT ` + usageColumns + `
		FROM usage_records
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records []*UsageRecord
	for rows.Next() {
		var r UsageRecord
		var status string
		err := rows.Scan(
			&r.ID, &r.RequestID, &r.UserID, &r.Provider, &r.Model,
			&r.InputTokens, &r.OutputTokens, &r.TotalTokens, &r.CacheCreationTokens, &r.CacheReadTokens, &r.CachedPromptTokens,
			&r.VendorCostUSD, &r.Multiplier, &r.PricingRuleID, &r.CreditAmount, &status, &r.ErrorReason, &r.LatencyMs, &r.CreatedAt,
			&r.APIKeyID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		r.Status = Status(status)
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}

	return records, nil
}

const allocationColumns = `
	id, user_id, source, amount, subscription_id, period_start, period_end, reference, reason, allocation_key, created_at
`

func scanAllocation(row pgx.Row) (*Allocation, error) {
	var a Allocation
	var source string
	err := row.Scan(
		&a.ID, &a.UserID, &source, &a.Amount, &a.SubscriptionID,
		&a.PeriodStart, &a.PeriodEnd, &a.Reference, &a.Reason, &a.Key, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Source = Source(source)
	return &a, nil
}

func (s *PostgresStore) ListAllocations(ctx context.Context, userID string) ([]*Allocation, error) {
	query := `SELECT ` + allocationColumns + `
		FROM credit_allocations
		WHERE user_id = $1
		ORDER BY created_at
	`
	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var allocations []*Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		allocations = append(allocations, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating allocations: %w", err)
	}

	return allocations, nil
}

func (s *PostgresStore) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT user_id FROM credit_balances ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query balance users: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to collect balance users: %w", err)
	}
	return ids, nil
}

type pgTx struct {
	tx     pgx.Tx
	userID string
}

func (t *pgTx) Balance(ctx context.Context) (*Balance, error) {
	b, err := scanBalance(t.tx.QueryRow(ctx, selectBalance+` FOR UPDATE`, t.userID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock balance: %w", err)
	}
	return b, nil
}

func (t *pgTx) UsageExists(ctx context.Context, requestID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM usage_records WHERE request_id = $1)`, requestID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check request id: %w", err)
	}
	return exists, nil
}

func (t *pgTx) AllocationByKey(ctx context.Context, key string) (*Allocation, error) {
	a, err := scanAllocation(t.tx.QueryRow(ctx, `SELECT `+allocationColumns+` FROM credit_allocations WHERE allocation_key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get allocation: %w", err)
	}
	return a, nil
}

func (t *pgTx) InsertUsage(ctx context.Context, r *UsageRecord) error {
	query := `
		INSERT INTO usage_records (
			request_id, user_id, provider, model,
			input_tokens, output_tokens, total_tokens, cache_creation_tokens, cache_read_tokens, cached_prompt_tokens,
			vendor_cost_usd, multiplier, pricing_rule_id, credit_amount, status, error_reason, latency_ms, created_at,
			api_key_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING id
	`
	err := t.tx.QueryRow(ctx, query,
		r.RequestID, r.UserID, r.Provider, r.Model,
		r.InputTokens, r.OutputTokens, r.TotalTokens, r.CacheCreationTokens, r.CacheReadTokens, r.CachedPromptTokens,
		r.VendorCostUSD, r.Multiplier, r.PricingRuleID, r.CreditAmount, string(r.Status), r.ErrorReason, r.LatencyMs, r.CreatedAt,
		r.APIKeyID,
	).Scan(&r.ID)
	if err != nil {
		return mapUnique(fmt.Errorf("failed to insert usage record: %w", err))
	}
	return nil
}

func (t *pgTx) InsertAllocation(ctx context.Context, a *Allocation) error {
	query := `
		INSERT INTO credit_allocations (
			user_id, source, amount, subscription_id, period_start, period_end, reference, reason, allocation_key
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`
	err := t.tx.QueryRow(ctx, query,
		a.UserID, string(a.Source), a.Amount, a.SubscriptionID,
		a.PeriodStart, a.PeriodEnd, a.Reference, a.Reason, a.Key,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return mapUnique(fmt.Errorf("failed to insert allocation: %w", err))
	}
	return nil
}

func (t *pgTx) SaveBalance(ctx context.Context, b *Balance) error {
	query := `
		UPDATE credit_balances
		SET amount = $2, allocated = $3, used = $4, rollover = $5, version = version + 1, updated_at = now()
		WHERE user_id = $1 AND version = $6
		RETURNING version, updated_at
	`
	err := t.tx.QueryRow(ctx, query, b.UserID, b.Amount, b.Allocated, b.Used, b.Rollover, b.Version).
		Scan(&b.Version, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("balance for user %s changed concurrently", b.UserID)
		}
		return fmt.Errorf("failed to save balance: %w", err)
	}
	return nil
}

func (t *pgTx) Totals(ctx context.Context) (Totals, error) {
	query := `
		SELECT
			COALESCE((SELECT SUM(amount) FROM credit_allocations WHERE user_id = $1), 0)::bigint,
			COALESCE((SELECT SUM(credit_amount) FROM usage_records WHERE user_id = $1 AND status IN ('success', 'partial')), 0)::bigint
	`
	var tot Totals
	if err := t.tx.QueryRow(ctx, query, t.userID).Scan(&tot.Allocated, &tot.Used); err != nil {
		return Totals{}, fmt.Errorf("failed to recompute balance: %w", err)
	}
	return tot, nil
}
