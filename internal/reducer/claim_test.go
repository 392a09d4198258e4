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

func TestFoldClaim_SubmittedCarriesFingerprintThrough(t *testing.T) {
	claimID := uuid.New()
	voucherID := uuid.New()
	clinicID := uuid.New()

	events := []domain.Event{
		mkEvent(t, domain.AggregateClaim, claimID, domain.EventClaimSubmitted, 0, ClaimSubmittedData{
			ClaimID: claimID, VoucherID: voucherID, ClinicID: clinicID,
			ProcedureCode: "SN-001", Fingerprint: "abc123",
			SubmittedAmount: money.FromInt64(15000),
		}),
	}

	state, err := FoldClaim(events)
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimStatusSubmitted, state.Status)
	assert.Equal(t, "abc123", state.Fingerprint)
	assert.True(t, state.SubmittedAmount.Equal(money.FromInt64(15000)))
}

func TestFoldClaim_ApprovedSetsWatermark(t *testing.T) {
	claimID := uuid.New()
	decidedBy := uuid.New()

	submitted := mkEvent(t, domain.AggregateClaim, claimID, domain.EventClaimSubmitted, 0, ClaimSubmittedData{
		ClaimID: claimID, SubmittedAmount: money.FromInt64(15000),
	})
	approved := mkEvent(t, domain.AggregateClaim, claimID, domain.EventClaimApproved, 1, ClaimDecisionData{
		ClaimID: claimID, ApprovedAmount: money.FromInt64(15000),
		Basis: domain.DecisionBasis{PolicySnapshotID: "policy-v1", DecidedBy: decidedBy, DecidedAt: time.Now()},
	})

	state, err := FoldClaim([]domain.Event{submitted, approved})
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimStatusApproved, state.Status)
	require.NotNil(t, state.ApprovedEventID)
	require.NotNil(t, state.ApprovedAt)
	assert.Equal(t, approved.EventID, *state.ApprovedEventID)
}

func TestFoldClaim_RepeatedAdjustedLatestWins(t *testing.T) {
	claimID := uuid.New()
	decidedBy := uuid.New()
	basis := domain.DecisionBasis{PolicySnapshotID: "policy-v1", DecidedBy: decidedBy, DecidedAt: time.Now()}

	events := []domain.Event{
		mkEvent(t, domain.AggregateClaim, claimID, domain.EventClaimSubmitted, 0, ClaimSubmittedData{
			ClaimID: claimID, SubmittedAmount: money.FromInt64(15000),
		}),
		mkEvent(t, domain.AggregateClaim, claimID, domain.EventClaimApproved, 1, ClaimDecisionData{
			ClaimID: claimID, ApprovedAmount: money.FromInt64(15000), Basis: basis,
		}),
		mkEvent(t, domain.AggregateClaim, claimID, domain.EventClaimAdjusted, 2, ClaimAdjustedData{
			ClaimID: claimID, NewApprovedAmount: money.FromInt64(12000), Basis: basis,
		}),
		mkEvent(t, domain.AggregateClaim, claimID, domain.EventClaimAdjusted, 3, ClaimAdjustedData{
			ClaimID: claimID, NewApprovedAmount: money.FromInt64(11000), Basis: basis,
		}),
	}

	state, err := FoldClaim(events)
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimStatusApproved, state.Status)
	assert.True(t, state.ApprovedAmount.Equal(money.FromInt64(11000)))
	// the original approval watermark survives the adjustment
	require.NotNil(t, state.ApprovedEventID)
	assert.Equal(t, events[1].EventID, *state.ApprovedEventID)
}

func TestFoldClaim_SecondDecisionIgnoredByFold(t *testing.T) {
	claimID := uuid.New()
	decidedBy := uuid.New()
	basis := domain.DecisionBasis{PolicySnapshotID: "policy-v1", DecidedBy: decidedBy, DecidedAt: time.Now()}

	events := []domain.Event{
		mkEvent(t, domain.AggregateClaim, claimID, domain.EventClaimSubmitted, 0, ClaimSubmittedData{
			ClaimID: claimID, SubmittedAmount: money.FromInt64(15000),
		}),
		mkEvent(t, domain.AggregateClaim, claimID, domain.EventClaimApproved, 1, ClaimDecisionData{
			ClaimID: claimID, ApprovedAmount: money.FromInt64(15000), Basis: basis,
		}),
		// A conflicting second decision is recorded as a conflict marker,
		// not a second CLAIM_APPROVED/CLAIM_DENIED — but even if one did
		// slip through, the fold must not regress an already-terminal
		// claim.
		mkEvent(t, domain.AggregateClaim, claimID, domain.EventClaimDenied, 2, ClaimDecisionData{
			ClaimID: claimID, Basis: basis,
		}),
	}

	state, err := FoldClaim(events)
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimStatusApproved, state.Status, "first terminal decision wins")
}

func TestFoldClaim_ConflictRecordedLeavesStateUnchanged(t *testing.T) {
	claimID := uuid.New()
	decidedBy := uuid.New()
	basis := domain.DecisionBasis{PolicySnapshotID: "policy-v1", DecidedBy: decidedBy, DecidedAt: time.Now()}

	events := []domain.Event{
		mkEvent(t, domain.AggregateClaim, claimID, domain.EventClaimSubmitted, 0, ClaimSubmittedData{
			ClaimID: claimID, SubmittedAmount: money.FromInt64(15000),
		}),
		mkEvent(t, domain.AggregateClaim, claimID, domain.EventClaimApproved, 1, ClaimDecisionData{
			ClaimID: claimID, ApprovedAmount: money.FromInt64(15000), Basis: basis,
		}),
		mkEvent(t, domain.AggregateClaim, claimID, domain.EventClaimDecisionConflictRecorded, 2, ClaimConflictData{
			ClaimID: claimID, AttemptedStatus: domain.ClaimStatusDenied, Basis: basis,
		}),
	}

	state, err := FoldClaim(events)
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimStatusApproved, state.Status)
	assert.True(t, state.ApprovedAmount.Equal(money.FromInt64(15000)))
}

func TestFoldClaim_InvoicedSetsInvoiceID(t *testing.T) {
	claimID := uuid.New()
	invoiceID := uuid.New()
	decidedBy := uuid.New()
	basis := domain.DecisionBasis{PolicySnapshotID: "policy-v1", DecidedBy: decidedBy, DecidedAt: time.Now()}

	events := []domain.Event{
		mkEvent(t, domain.AggregateClaim, claimID, domain.EventClaimSubmitted, 0, ClaimSubmittedData{
			ClaimID: claimID, SubmittedAmount: money.FromInt64(15000),
		}),
		mkEvent(t, domain.AggregateClaim, claimID, domain.EventClaimApproved, 1, ClaimDecisionData{
			ClaimID: claimID, ApprovedAmount: money.FromInt64(15000), Basis: basis,
		}),
		mkEvent(t, domain.AggregateClaim, claimID, domain.EventClaimInvoiced, 2, ClaimInvoicedData{
			ClaimID: claimID, InvoiceID: invoiceID,
		}),
	}

	state, err := FoldClaim(events)
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimStatusInvoiced, state.Status)
	require.NotNil(t, state.InvoiceID)
	assert.Equal(t, invoiceID, *state.InvoiceID)
}
