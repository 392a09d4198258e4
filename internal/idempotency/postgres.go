package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/statevoucher/grantkernel/internal/domain"
)

// Schema (applied out-of-band by migrations):
//
//	CREATE TABLE idempotency_keys (
//	    command_type TEXT NOT NULL,
//	    idempotency_key TEXT NOT NULL,
//	    request_hash TEXT NOT NULL,
//	    status TEXT NOT NULL,
//	    result JSONB,
//	    created_at TIMESTAMPTZ NOT NULL,
//	    expires_at TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (command_type, idempotency_key)
//	);

// PostgresCache implements Cache with an insert-then-lock pattern: it
// first tries an INSERT ... ON CONFLICT DO NOTHING to claim the key,
// then, only when the insert lost, SELECT ... FOR UPDATE to read the
// outcome of whoever got there first. No row lock is taken before the
// insert.
type PostgresCache struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

// NewPostgresCache returns a Postgres-backed idempotency Cache with the
// given reservation TTL.
func NewPostgresCache(pool *pgxpool.Pool, ttl time.Duration) *PostgresCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PostgresCache{pool: pool, ttl: ttl}
}

const insertReservationSQL = `
INSERT INTO idempotency_keys (command_type, idempotency_key, request_hash, status, created_at, expires_at)
VALUES ($1, $2, $3, 'PROCESSING', now(), $4)
ON CONFLICT (command_type, idempotency_key) DO NOTHING`

const selectReservationForUpdateSQL = `
SELECT request_hash, status, result
FROM idempotency_keys
WHERE command_type = $1 AND idempotency_key = $2
FOR UPDATE`

func (c *PostgresCache) Reserve(ctx context.Context, commandType, key, requestHash string) (Reservation, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return Reservation{}, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, insertReservationSQL, commandType, key, requestHash, time.Now().UTC().Add(c.ttl))
	if err != nil {
		return Reservation{}, err
	}
	if tag.RowsAffected() == 1 {
		if err := tx.Commit(ctx); err != nil {
			return Reservation{}, err
		}
		return Reservation{Outcome: domain.OutcomeNew}, nil
	}

	var (
		existingHash string
		status       string
		result       []byte
	)
	row := tx.QueryRow(ctx, selectReservationForUpdateSQL, commandType, key)
	if err := row.Scan(&existingHash, &status, &result); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Lost the race to a reservation that expired and was reaped
			// between the insert and this select; caller should retry.
			return Reservation{}, domain.NewError(domain.CodeConflict, "idempotency reservation contention, retry", nil)
		}
		return Reservation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Reservation{}, err
	}

	if existingHash != requestHash {
		return Reservation{}, domain.NewError(domain.CodeIdempotencyReplay,
			"idempotency key reused with a different request body", map[string]any{"commandType": commandType, "key": key})
	}

	switch status {
	case string(domain.IdempotencyCompleted):
		return Reservation{Outcome: domain.OutcomeCompleted, Result: result}, nil
	default:
		return Reservation{Outcome: domain.OutcomeProcessing}, nil
	}
}

const completeReservationSQL = `
UPDATE idempotency_keys SET status = 'COMPLETED', result = $3
WHERE command_type = $1 AND idempotency_key = $2`

func (c *PostgresCache) Complete(ctx context.Context, commandType, key string, result []byte) error {
	_, err := c.pool.Exec(ctx, completeReservationSQL, commandType, key, result)
	return err
}

const failReservationSQL = `
DELETE FROM idempotency_keys WHERE command_type = $1 AND idempotency_key = $2 AND status = 'PROCESSING'`

func (c *PostgresCache) Fail(ctx context.Context, commandType, key string) error {
	_, err := c.pool.Exec(ctx, failReservationSQL, commandType, key)
	return err
}
