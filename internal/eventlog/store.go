// Package eventlog implements the append-only event store:
// server-stamped ingestedAt, strict (ingestedAt, eventId) ordering,
// and physical immutability of every appended row.
package eventlog

import (
	"context"

	"github.com/google/uuid"

	"github.com/statevoucher/grantkernel/internal/domain"
)

// Store is the append-only log. Implementations must reject update and
// delete of any previously-appended event.
type Store interface {
	// Append writes event, server-stamping IngestedAt, and returns the
	// stored copy. Must run inside the enclosing command's transaction
	// when called through a transactional handle (see Tx below).
	Append(ctx context.Context, event domain.Event) (domain.Event, error)

	// FetchSince returns events strictly greater than watermark, in
	// (ingestedAt, eventId) order, capped at limit.
	FetchSince(ctx context.Context, watermark domain.Watermark, limit int) ([]domain.Event, error)

	// FetchAggregate returns every event for one aggregate, in append
	// (and therefore ingestedAt) order — the input to every reducer.
	FetchAggregate(ctx context.Context, aggregateType domain.AggregateType, aggregateID uuid.UUID) ([]domain.Event, error)
}

// TxStore is a Store bound to an in-flight transaction, so that a
// command's appended events and its projection writes commit atomically.
type TxStore interface {
	Store
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner starts a new transactional event-log handle.
type Beginner interface {
	Begin(ctx context.Context) (TxStore, error)
}
