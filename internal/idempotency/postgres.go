package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rentshield/rentshield/internal/tracing"
)

// PostgresRepository implements Repository on the idempotency_keys table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a Postgres-backed idempotency repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Get implements Repository.
func (r *PostgresRepository) Get(ctx context.Context, key string) (_ *IdempotencyKey, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "idempotency_keys", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	var k IdempotencyKey
	err = r.db.QueryRowContext(ctx, `
		SELECT key, actor_id, method, route, created_at, response_hash, status, response_body, response_status_code
		FROM idempotency_keys WHERE key = $1`, key).Scan(
		&k.Key, &k.ActorID, &k.Method, &k.Route, &k.CreatedAt,
		&k.ResponseHash, &k.Status, &k.ResponseBody, &k.ResponseStatusCode,
	)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}
	return &k, nil
}

// Claim implements Repository. The primary key makes concurrent claims of the
// same key race-free.
func (r *PostgresRepository) Claim(ctx context.Context, record *IdempotencyKey) (err error) {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "idempotency_keys", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, actor_id, method, route, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO NOTHING`,
		record.Key, record.ActorID, record.Method, record.Route, StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if n == 0 {
		return ErrKeyExists
	}
	return nil
}

// Complete implements Repository.
func (r *PostgresRepository) Complete(ctx context.Context, key string, statusCode int, body string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "idempotency_keys", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = $2, response_status_code = $3, response_body = $4, response_hash = $5
		WHERE key = $1`,
		key, StatusCompleted, statusCode, body, ComputeResponseHash(body))
	if err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// Release implements Repository.
func (r *PostgresRepository) Release(ctx context.Context, key string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "idempotency_keys", tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	if _, err = r.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1 AND status = $2`, key, StatusProcessing); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

// DeleteOlderThan implements Repository.
func (r *PostgresRepository) DeleteOlderThan(ctx context.Context, age time.Duration) (_ int64, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "idempotency_keys", tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	res, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, time.Now().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old idempotency keys: %w", err)
	}
	return res.RowsAffected()
}
