package identity

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAggregateIDIsV4(t *testing.T) {
	id := NewAggregateID()
	assert.Equal(t, uuid.Version(4), id.Version())
}

func TestEventIDSequencerMonotonic(t *testing.T) {
	seq := NewEventIDSequencer()
	var ids []uuid.UUID
	for i := 0; i < 500; i++ {
		id, err := seq.Next()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		assert.Equal(t, -1, compareUUID(ids[i-1], ids[i]), "event ids must be strictly increasing")
	}
}

func TestEventIDSequencerIsV7(t *testing.T) {
	seq := NewEventIDSequencer()
	id, err := seq.Next()
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
}

func TestAllocatorIDIsDeterministic(t *testing.T) {
	cycle := uuid.New()
	a := AllocatorID(cycle, "041")
	b := AllocatorID(cycle, "041")
	assert.Equal(t, a, b)

	c := AllocatorID(cycle, "042")
	assert.NotEqual(t, a, c)
}

func TestClaimFingerprintDeterministicAndSensitive(t *testing.T) {
	voucher := uuid.New()
	clinic := uuid.New()
	date := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)

	a := ClaimFingerprint(voucher, clinic, "SN-001", date, false)
	b := ClaimFingerprint(voucher, clinic, "SN-001", date, false)
	assert.Equal(t, a, b)

	withRabies := ClaimFingerprint(voucher, clinic, "SN-001", date, true)
	assert.NotEqual(t, a, withRabies)

	otherDate := ClaimFingerprint(voucher, clinic, "SN-001", date.AddDate(0, 0, 1), false)
	assert.NotEqual(t, a, otherDate)
}

// compareUUID returns -1, 0, 1 lexicographically by raw bytes, matching
// UUIDv7's time-sortable ordering.
func compareUUID(a, b uuid.UUID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
