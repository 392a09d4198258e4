package reducer

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statevoucher/grantkernel/internal/domain"
	"github.com/statevoucher/grantkernel/internal/money"
)

func TestFoldVoucher_IssuedTentativeThenConfirmed(t *testing.T) {
	voucherID := uuid.New()
	grantID := uuid.New()
	cycleID := uuid.New()
	tentativeExpiry := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	events := []domain.Event{
		mkEvent(t, domain.AggregateVoucher, voucherID, domain.EventVoucherIssuedTentative, 0, VoucherIssuedData{
			VoucherID: voucherID, GrantID: grantID, GrantCycleID: cycleID,
			Bucket: domain.BucketGeneral, MaxReimbursement: money.FromInt64(15000),
			TentativeExpiresAt: &tentativeExpiry,
		}),
		mkEvent(t, domain.AggregateVoucher, voucherID, domain.EventVoucherIssuedConfirmed, 1, struct{}{}),
	}

	state, err := FoldVoucher(events)
	require.NoError(t, err)
	assert.Equal(t, domain.VoucherStatusIssued, state.Status)
	assert.Nil(t, state.TentativeExpiresAt)
}

func TestFoldVoucher_TentativeRejectedGoesVoided(t *testing.T) {
	voucherID := uuid.New()

	events := []domain.Event{
		mkEvent(t, domain.AggregateVoucher, voucherID, domain.EventVoucherIssuedTentative, 0, VoucherIssuedData{
			VoucherID: voucherID, Bucket: domain.BucketGeneral, MaxReimbursement: money.FromInt64(15000),
		}),
		mkEvent(t, domain.AggregateVoucher, voucherID, domain.EventVoucherIssuedRejected, 1, VoucherTerminalData{
			VoucherID: voucherID, Reason: "not confirmed before expiry",
		}),
	}

	state, err := FoldVoucher(events)
	require.NoError(t, err)
	assert.Equal(t, domain.VoucherStatusVoided, state.Status)
}

func TestFoldVoucher_IssuedThenRedeemed(t *testing.T) {
	voucherID := uuid.New()

	events := []domain.Event{
		mkEvent(t, domain.AggregateVoucher, voucherID, domain.EventVoucherIssued, 0, VoucherIssuedData{
			VoucherID: voucherID, Bucket: domain.BucketGeneral, MaxReimbursement: money.FromInt64(15000),
		}),
		mkEvent(t, domain.AggregateVoucher, voucherID, domain.EventVoucherRedeemed, 1, VoucherTerminalData{
			VoucherID: voucherID,
		}),
	}

	state, err := FoldVoucher(events)
	require.NoError(t, err)
	assert.Equal(t, domain.VoucherStatusRedeemed, state.Status)
	assert.True(t, state.Status.IsTerminal())
}

func TestFoldVoucher_IllegalTransitionIsRejected(t *testing.T) {
	voucherID := uuid.New()

	events := []domain.Event{
		mkEvent(t, domain.AggregateVoucher, voucherID, domain.EventVoucherIssued, 0, VoucherIssuedData{
			VoucherID: voucherID, Bucket: domain.BucketGeneral, MaxReimbursement: money.FromInt64(15000),
		}),
		mkEvent(t, domain.AggregateVoucher, voucherID, domain.EventVoucherRedeemed, 1, VoucherTerminalData{
			VoucherID: voucherID,
		}),
		// Redeemed is terminal: a second redemption attempt must be rejected.
		mkEvent(t, domain.AggregateVoucher, voucherID, domain.EventVoucherRedeemed, 2, VoucherTerminalData{
			VoucherID: voucherID,
		}),
	}

	_, err := FoldVoucher(events)
	require.Error(t, err)
	assert.True(t, domain.IsInvariantViolation(err))
}

func TestFoldVoucher_CodeAllocationSetsCode(t *testing.T) {
	voucherID := uuid.New()

	events := []domain.Event{
		mkEvent(t, domain.AggregateVoucher, voucherID, domain.EventVoucherIssued, 0, VoucherIssuedData{
			VoucherID: voucherID, Bucket: domain.BucketGeneral, MaxReimbursement: money.FromInt64(15000),
		}),
		mkEvent(t, domain.AggregateVoucher, voucherID, domain.EventVoucherCodeAllocated, 1, VoucherCodeAllocatedData{
			VoucherID: voucherID, Code: "041-20260210-0001",
		}),
	}

	state, err := FoldVoucher(events)
	require.NoError(t, err)
	require.NotNil(t, state.VoucherCode)
	assert.Equal(t, "041-20260210-0001", *state.VoucherCode)
}

func TestCanTransition_LegalAndIllegalPairs(t *testing.T) {
	assert.True(t, domain.CanTransition(domain.VoucherStatusTentative, domain.VoucherStatusIssued))
	assert.True(t, domain.CanTransition(domain.VoucherStatusTentative, domain.VoucherStatusVoided))
	assert.True(t, domain.CanTransition(domain.VoucherStatusIssued, domain.VoucherStatusRedeemed))
	assert.True(t, domain.CanTransition(domain.VoucherStatusIssued, domain.VoucherStatusExpired))
	assert.True(t, domain.CanTransition(domain.VoucherStatusIssued, domain.VoucherStatusVoided))

	assert.False(t, domain.CanTransition(domain.VoucherStatusTentative, domain.VoucherStatusRedeemed))
	assert.False(t, domain.CanTransition(domain.VoucherStatusRedeemed, domain.VoucherStatusIssued))
	assert.False(t, domain.CanTransition(domain.VoucherStatusExpired, domain.VoucherStatusVoided))
}
