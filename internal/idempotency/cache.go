// Package idempotency implements the command de-duplication reservation
// pattern: a caller-supplied idempotency key reserves a single execution
// slot per (commandType, key) pair before any event is appended, so a
// retried command with the same key returns the original outcome
// instead of re-running business logic.
package idempotency

import (
	"context"

	"github.com/google/uuid"

	"github.com/statevoucher/grantkernel/internal/domain"
)

// DefaultTTL is how long a completed reservation is honored before the
// same key may be reused.
const DefaultTTL = domain.DefaultIdempotencyTTL

// Reservation is the result of attempting to claim an idempotency key.
type Reservation struct {
	// Outcome is NEW the first time a key is reserved (the caller must
	// run the command), PROCESSING if another in-flight execution holds
	// the key, or COMPLETED if a prior execution already finished —
	// in which case Result carries the original response payload.
	Outcome domain.IdempotencyOutcome
	Result  []byte
}

// Cache reserves and resolves idempotency keys. A command handler calls
// Reserve before doing any work; on success it later calls Complete (or
// Fail, to free the key for retry) with the same key.
type Cache interface {
	// Reserve attempts to claim (commandType, key) for execution. It
	// must be atomic under concurrent callers: exactly one caller sees
	// Outcome == NEW for a given key; all others see PROCESSING or
	// COMPLETED.
	Reserve(ctx context.Context, commandType string, key string, requestHash string) (Reservation, error)

	// Complete stores the result of a NEW reservation and marks it
	// COMPLETED, so a future Reserve with the same key returns it
	// instead of re-running the command.
	Complete(ctx context.Context, commandType string, key string, result []byte) error

	// Fail releases a reservation that did not finish (e.g. the
	// command's transaction rolled back), so a later retry with the
	// same key is treated as NEW again.
	Fail(ctx context.Context, commandType string, key string) error
}

// NewRequestID is a convenience for handlers that need a fresh
// correlation id per inbound request when the caller did not supply
// one.
func NewRequestID() uuid.UUID {
	id, err := uuid.NewRandom()
	if err != nil {
		panic(err)
	}
	return id
}
