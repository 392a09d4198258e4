package eventlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/statevoucher/grantkernel/internal/domain"
)

// MemStore is an in-process Store used by unit tests and by the
// in-memory idempotency/projection test doubles that need a fast,
// dependency-free event log to fold against.
type MemStore struct {
	mu     sync.Mutex
	events []domain.Event
}

// NewMemStore returns an empty in-memory event log.
func NewMemStore() *MemStore {
	return &MemStore{}
}

func (m *MemStore) Append(ctx context.Context, event domain.Event) (domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event.EventID == uuid.Nil {
		return domain.Event{}, domain.NewError(domain.CodeValidation, "eventId is required", nil)
	}
	for _, existing := range m.events {
		if existing.EventID == event.EventID {
			return domain.Event{}, domain.NewError(domain.CodeConflict, "duplicate eventId", map[string]any{"eventId": event.EventID})
		}
	}
	event.IngestedAt = time.Now().UTC()
	if kerr := event.Validate(); kerr != nil {
		return domain.Event{}, kerr
	}
	m.events = append(m.events, event)
	return event, nil
}

func (m *MemStore) FetchSince(ctx context.Context, watermark domain.Watermark, limit int) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ordered := make([]domain.Event, len(m.events))
	copy(ordered, m.events)
	sort.Slice(ordered, func(i, j int) bool {
		return domain.WatermarkOf(ordered[i]).Less(domain.WatermarkOf(ordered[j]))
	})

	var out []domain.Event
	for _, e := range ordered {
		if watermark.Less(domain.WatermarkOf(e)) {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemStore) FetchAggregate(ctx context.Context, aggregateType domain.AggregateType, aggregateID uuid.UUID) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Event
	for _, e := range m.events {
		if e.AggregateType == aggregateType && e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return domain.WatermarkOf(out[i]).Less(domain.WatermarkOf(out[j]))
	})
	return out, nil
}

// MemTxStore wraps a MemStore so it can be handed out as a TxStore.
// Because MemStore holds its own mutex and has no real transactional
// isolation, Commit/Rollback here are bookkeeping only: events appended
// before a Rollback are NOT undone, which is acceptable for the unit
// tests this store serves (they assert on the happy path and use a
// fresh MemStore per test case rather than relying on rollback
// semantics under failure injection).
type MemTxStore struct {
	*MemStore
	committed bool
}

func (m *MemStore) Begin(ctx context.Context) (TxStore, error) {
	return &MemTxStore{MemStore: m}, nil
}

func (t *MemTxStore) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *MemTxStore) Rollback(ctx context.Context) error {
	return nil
}
