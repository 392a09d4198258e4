package reducer

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statevoucher/grantkernel/internal/domain"
)

func TestFoldAllocator_SequenceAdvancesMonotonically(t *testing.T) {
	allocatorID := uuid.New()
	cycleID := uuid.New()

	events := []domain.Event{
		mkEvent(t, domain.AggregateAllocator, allocatorID, domain.EventVoucherCodeAllocated, 0, AllocatorAdvancedData{
			AllocatorID: allocatorID, GrantCycleID: cycleID, CountyCode: "041", Sequence: 1, Code: "041-20260210-0001",
		}),
		mkEvent(t, domain.AggregateAllocator, allocatorID, domain.EventVoucherCodeAllocated, 1, AllocatorAdvancedData{
			AllocatorID: allocatorID, GrantCycleID: cycleID, CountyCode: "041", Sequence: 2, Code: "041-20260211-0002",
		}),
	}

	state, err := FoldAllocator(events)
	require.NoError(t, err)
	assert.Equal(t, int64(3), state.NextSequence)
	assert.Len(t, state.AllocatedCodes, 2)
	_, ok := state.AllocatedCodes["041-20260210-0001"]
	assert.True(t, ok)
}

func TestFoldAllocator_IgnoresUnrelatedEventTypes(t *testing.T) {
	allocatorID := uuid.New()
	voucherID := uuid.New()

	events := []domain.Event{
		mkEvent(t, domain.AggregateVoucher, voucherID, domain.EventVoucherIssued, 0, VoucherIssuedData{VoucherID: voucherID}),
		mkEvent(t, domain.AggregateAllocator, allocatorID, domain.EventVoucherCodeAllocated, 1, AllocatorAdvancedData{
			AllocatorID: allocatorID, CountyCode: "041", Sequence: 1, Code: "041-20260210-0001",
		}),
	}

	state, err := FoldAllocator(events)
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.NextSequence)
}

func TestFormatCode_RendersCountyDateSequence(t *testing.T) {
	code := domain.FormatCode("041", "20260210", 7)
	assert.Equal(t, "041-20260210-0007", code)
}

func TestNewAllocatorState_StartsAtSequenceOne(t *testing.T) {
	state := domain.NewAllocatorState()
	assert.Equal(t, int64(1), state.NextSequence)
	assert.Empty(t, state.AllocatedCodes)
	require.NoError(t, state.Invariant())
}
