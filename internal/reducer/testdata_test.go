package reducer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/statevoucher/grantkernel/internal/domain"
)

// mkEvent builds a minimal, well-formed domain.Event around a JSON
// payload for reducer-level tests. ingestedAt defaults to the given
// offset in seconds after a fixed epoch so tests can express ordering
// without touching the wall clock.
func mkEvent(t *testing.T, aggType domain.AggregateType, aggID uuid.UUID, eventType domain.EventType, offsetSeconds int, payload any) domain.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	actor := uuid.New()
	return domain.Event{
		EventID:       uuid.New(),
		AggregateType: aggType,
		AggregateID:   aggID,
		EventType:     eventType,
		EventData:     raw,
		OccurredAt:    base.Add(time.Duration(offsetSeconds) * time.Second),
		IngestedAt:    base.Add(time.Duration(offsetSeconds) * time.Second),
		GrantCycleID:  uuid.New(),
		Trace: domain.Trace{
			CorrelationID: uuid.New(),
			ActorID:       actor,
			ActorType:     domain.ActorTypeSystem,
		},
	}
}
