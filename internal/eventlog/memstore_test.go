package eventlog

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statevoucher/grantkernel/internal/domain"
)

func mkEvent(t *testing.T, aggID uuid.UUID, eventType domain.EventType) domain.Event {
	t.Helper()
	return domain.Event{
		EventID:       uuid.Must(uuid.NewV7()),
		AggregateType: domain.AggregateGrant,
		AggregateID:   aggID,
		EventType:     eventType,
		EventData:     []byte(`{}`),
		GrantCycleID:  uuid.New(),
		Trace: domain.Trace{
			CorrelationID: uuid.New(),
			ActorID:       uuid.New(),
			ActorType:     domain.ActorTypeSystem,
		},
	}
}

func TestMemStore_AppendRejectsDuplicateEventID(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	aggID := uuid.New()

	e := mkEvent(t, aggID, domain.EventGrantCreated)
	appended, err := store.Append(ctx, e)
	require.NoError(t, err)

	_, err = store.Append(ctx, appended)
	require.Error(t, err)
	var kerr *domain.KernelError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, domain.CodeConflict, kerr.Code)
}

func TestMemStore_AppendStampsIngestedAtAndRejectsUncataloged(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	aggID := uuid.New()

	e := mkEvent(t, aggID, domain.EventGrantCreated)
	appended, err := store.Append(ctx, e)
	require.NoError(t, err)
	assert.False(t, appended.IngestedAt.IsZero())

	bad := mkEvent(t, aggID, domain.EventType("NOT_IN_CATALOG"))
	_, err = store.Append(ctx, bad)
	assert.Error(t, err)
}

func TestMemStore_FetchSincePaginatesEveryEventExactlyOnce(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	aggID := uuid.New()

	const total = 25
	for i := 0; i < total; i++ {
		_, err := store.Append(ctx, mkEvent(t, aggID, domain.EventGrantCreated))
		require.NoError(t, err)
	}

	seen := make(map[uuid.UUID]bool)
	watermark := domain.ZeroWatermark
	for {
		page, err := store.FetchSince(ctx, watermark, 7)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			require.False(t, seen[e.EventID], "event %s returned twice across pagination", e.EventID)
			seen[e.EventID] = true
		}
		watermark = domain.WatermarkOf(page[len(page)-1])
	}

	assert.Len(t, seen, total)
}

func TestMemStore_FetchAggregateFiltersByTypeAndID(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	aggA := uuid.New()
	aggB := uuid.New()

	_, err := store.Append(ctx, mkEvent(t, aggA, domain.EventGrantCreated))
	require.NoError(t, err)
	_, err = store.Append(ctx, mkEvent(t, aggA, domain.EventGrantActivated))
	require.NoError(t, err)
	_, err = store.Append(ctx, mkEvent(t, aggB, domain.EventGrantCreated))
	require.NoError(t, err)

	events, err := store.FetchAggregate(ctx, domain.AggregateGrant, aggA)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventGrantCreated, events[0].EventType)
	assert.Equal(t, domain.EventGrantActivated, events[1].EventType)
}

func TestMemStore_BeginCommitRollback(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, tx.Rollback(ctx))
}
