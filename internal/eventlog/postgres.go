package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/statevoucher/grantkernel/internal/domain"
)

// Schema (applied out-of-band by migrations, documented here for
// reference):
//
//	CREATE TABLE events (
//	    event_id       UUID PRIMARY KEY,
//	    aggregate_type TEXT NOT NULL,
//	    aggregate_id   UUID NOT NULL,
//	    event_type     TEXT NOT NULL,
//	    event_data     JSONB NOT NULL,
//	    occurred_at    TIMESTAMPTZ NOT NULL,
//	    ingested_at    TIMESTAMPTZ NOT NULL,
//	    grant_cycle_id UUID NOT NULL,
//	    correlation_id UUID NOT NULL,
//	    causation_id   UUID,
//	    actor_id       UUID NOT NULL,
//	    actor_type     TEXT NOT NULL
//	);
//	CREATE INDEX events_aggregate_idx ON events (aggregate_type, aggregate_id, ingested_at, event_id);
//	CREATE INDEX events_watermark_idx ON events (ingested_at, event_id);
//	-- physical immutability: a non-bypassable trigger rejects UPDATE/DELETE
//	CREATE FUNCTION events_reject_mutation() RETURNS trigger AS $$
//	BEGIN
//	    RAISE EXCEPTION 'events table is append-only';
//	END;
//	$$ LANGUAGE plpgsql;
//	CREATE TRIGGER events_immutable BEFORE UPDATE OR DELETE ON events
//	    FOR EACH ROW EXECUTE FUNCTION events_reject_mutation();

// ErrEventImmutable is returned (never by this package's own code paths,
// which simply never issue UPDATE/DELETE against events) to document the
// failure mode a caller sees if the database-level immutability trigger
// fires. Exposed so integration tests can assert against it uniformly.
var ErrEventImmutable = errors.New("eventlog: events table is append-only; update/delete rejected")

// PostgresStore is the pgx-backed Store.
type PostgresStore struct {
	pool Querier
}

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same
// query methods serve both the top-level store and a transactional
// handle.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconnCommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgconnCommandTag avoids importing jackc/pgx/v5/pgconn just for the
// return type of Exec; both *pgxpool.Pool and pgx.Tx satisfy Querier via
// the adapter types below.
type pgconnCommandTag = interface{ RowsAffected() int64 }

// NewPostgresStore wraps a connection pool as a Store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: poolAdapter{pool}}
}

type poolAdapter struct{ pool *pgxpool.Pool }

func (p poolAdapter) Exec(ctx context.Context, sql string, args ...any) (pgconnCommandTag, error) {
	tag, err := p.pool.Exec(ctx, sql, args...)
	return tag, err
}
func (p poolAdapter) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.pool.Query(ctx, sql, args...)
}
func (p poolAdapter) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.pool.QueryRow(ctx, sql, args...)
}

const insertEventSQL = `
INSERT INTO events (event_id, aggregate_type, aggregate_id, event_type, event_data,
                     occurred_at, ingested_at, grant_cycle_id, correlation_id, causation_id,
                     actor_id, actor_type)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

// Append server-stamps IngestedAt to time.Now().UTC(), validates the
// event's structural invariants, and inserts it. A primary
// key collision on event_id surfaces as a plain Postgres unique
// violation — the caller's transaction rolls back.
func (s *PostgresStore) Append(ctx context.Context, event domain.Event) (domain.Event, error) {
	if event.EventID == uuid.Nil {
		return domain.Event{}, domain.NewError(domain.CodeValidation, "eventId is required", nil)
	}
	event.IngestedAt = time.Now().UTC()
	if kerr := event.Validate(); kerr != nil {
		return domain.Event{}, kerr
	}

	_, err := s.pool.Exec(ctx, insertEventSQL,
		event.EventID, string(event.AggregateType), event.AggregateID, string(event.EventType), []byte(event.EventData),
		event.OccurredAt, event.IngestedAt, event.GrantCycleID, event.CorrelationID, event.CausationID,
		event.ActorID, string(event.ActorType),
	)
	if err != nil {
		return domain.Event{}, fmt.Errorf("eventlog: append: %w", err)
	}
	return event, nil
}

const fetchSinceSQL = `
SELECT event_id, aggregate_type, aggregate_id, event_type, event_data,
       occurred_at, ingested_at, grant_cycle_id, correlation_id, causation_id, actor_id, actor_type
FROM events
WHERE (ingested_at, event_id) > ($1, $2)
ORDER BY ingested_at, event_id
LIMIT $3`

// FetchSince returns events strictly greater than watermark in
// (ingestedAt, eventId) order.
func (s *PostgresStore) FetchSince(ctx context.Context, watermark domain.Watermark, limit int) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx, fetchSinceSQL, watermark.IngestedAt, watermark.EventID, limit)
	if err != nil {
		return nil, fmt.Errorf("eventlog: fetchSince: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

const fetchAggregateSQL = `
SELECT event_id, aggregate_type, aggregate_id, event_type, event_data,
       occurred_at, ingested_at, grant_cycle_id, correlation_id, causation_id, actor_id, actor_type
FROM events
WHERE aggregate_type = $1 AND aggregate_id = $2
ORDER BY ingested_at, event_id`

// FetchAggregate returns every event belonging to one aggregate, in
// append order — the direct input to a reducer's Fold function.
func (s *PostgresStore) FetchAggregate(ctx context.Context, aggregateType domain.AggregateType, aggregateID uuid.UUID) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx, fetchAggregateSQL, string(aggregateType), aggregateID)
	if err != nil {
		return nil, fmt.Errorf("eventlog: fetchAggregate: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]domain.Event, error) {
	var out []domain.Event
	for rows.Next() {
		var (
			e             domain.Event
			aggregateType string
			eventType     string
			actorType     string
			rawData       []byte
		)
		if err := rows.Scan(&e.EventID, &aggregateType, &e.AggregateID, &eventType, &rawData,
			&e.OccurredAt, &e.IngestedAt, &e.GrantCycleID, &e.CorrelationID, &e.CausationID,
			&e.ActorID, &actorType); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		e.AggregateType = domain.AggregateType(aggregateType)
		e.EventType = domain.EventType(eventType)
		e.ActorType = domain.ActorType(actorType)
		e.EventData = json.RawMessage(rawData)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// PostgresTxStore binds a PostgresStore to one pgx.Tx, so that Append
// calls participate in the enclosing command's transaction and commit
// atomically with the projection writes the handler performs on the
// same tx.
type PostgresTxStore struct {
	PostgresStore
	tx pgx.Tx
}

// Begin starts a transaction and returns a TxStore bound to it.
func Begin(ctx context.Context, pool *pgxpool.Pool) (*PostgresTxStore, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &PostgresTxStore{PostgresStore: PostgresStore{pool: txAdapter{tx}}, tx: tx}, nil
}

func (s *PostgresTxStore) Commit(ctx context.Context) error   { return s.tx.Commit(ctx) }
func (s *PostgresTxStore) Rollback(ctx context.Context) error { return s.tx.Rollback(ctx) }

// Tx exposes the underlying pgx.Tx so a command handler can run its own
// projection-row writes on the same transaction as the event appends.
func (s *PostgresTxStore) Tx() pgx.Tx { return s.tx }

type txAdapter struct{ tx pgx.Tx }

func (t txAdapter) Exec(ctx context.Context, sql string, args ...any) (pgconnCommandTag, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	return tag, err
}
func (t txAdapter) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.tx.Query(ctx, sql, args...)
}
func (t txAdapter) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.tx.QueryRow(ctx, sql, args...)
}
