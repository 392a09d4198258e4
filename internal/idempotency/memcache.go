package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/statevoucher/grantkernel/internal/domain"
)

type memRecord struct {
	requestHash string
	status      domain.IdempotencyStatus
	result      []byte
	expiresAt   time.Time
}

// MemCache is an in-process Cache used by service-layer unit tests.
type MemCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	records map[string]*memRecord
}

// NewMemCache returns an empty in-memory idempotency Cache.
func NewMemCache(ttl time.Duration) *MemCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemCache{ttl: ttl, records: make(map[string]*memRecord)}
}

func memKey(commandType, key string) string { return commandType + "\x00" + key }

func (c *MemCache) Reserve(ctx context.Context, commandType, key, requestHash string) (Reservation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := memKey(commandType, key)
	rec, ok := c.records[k]
	if ok && time.Now().After(rec.expiresAt) {
		delete(c.records, k)
		ok = false
	}
	if !ok {
		c.records[k] = &memRecord{
			requestHash: requestHash,
			status:      domain.IdempotencyProcessing,
			expiresAt:   time.Now().Add(c.ttl),
		}
		return Reservation{Outcome: domain.OutcomeNew}, nil
	}

	if rec.requestHash != requestHash {
		return Reservation{}, domain.NewError(domain.CodeIdempotencyReplay,
			"idempotency key reused with a different request body", map[string]any{"commandType": commandType, "key": key})
	}
	if rec.status == domain.IdempotencyCompleted {
		return Reservation{Outcome: domain.OutcomeCompleted, Result: rec.result}, nil
	}
	return Reservation{Outcome: domain.OutcomeProcessing}, nil
}

func (c *MemCache) Complete(ctx context.Context, commandType, key string, result []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[memKey(commandType, key)]
	if !ok {
		return domain.NewError(domain.CodeNotFound, "no reservation to complete", nil)
	}
	rec.status = domain.IdempotencyCompleted
	rec.result = result
	return nil
}

func (c *MemCache) Fail(ctx context.Context, commandType, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, memKey(commandType, key))
	return nil
}
