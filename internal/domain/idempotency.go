package domain

import "time"

// IdempotencyStatus is the lifecycle of a reservation:
// PROCESSING → {COMPLETED, FAILED}; FAILED is re-reservable.
type IdempotencyStatus string

const (
	IdempotencyProcessing IdempotencyStatus = "PROCESSING"
	IdempotencyCompleted  IdempotencyStatus = "COMPLETED"
	IdempotencyFailed     IdempotencyStatus = "FAILED"
)

// IdempotencyOutcome is what checkAndReserve tells the
// caller to do next.
type IdempotencyOutcome string

const (
	OutcomeNew        IdempotencyOutcome = "NEW"        // continue, a fresh reservation was taken
	OutcomeProcessing IdempotencyOutcome = "PROCESSING"  // concurrent in-flight; reject, retryable
	OutcomeCompleted  IdempotencyOutcome = "COMPLETED"   // replay the stored response
)

// IdempotencyRecord is keyed by idempotencyKey.
type IdempotencyRecord struct {
	IdempotencyKey string
	OperationType  string
	RequestHash    string
	Status         IdempotencyStatus
	Response       []byte // the stored response to replay verbatim on COMPLETED
	RecordedAt     time.Time
}

// DefaultIdempotencyTTL is the default reservation lifetime.
const DefaultIdempotencyTTL = 24 * time.Hour
