package reducer

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statevoucher/grantkernel/internal/domain"
	"github.com/statevoucher/grantkernel/internal/money"
)

func TestFoldGrant_CreatedEstablishesAvailableEqualsAwarded(t *testing.T) {
	grantID := uuid.New()
	cycleID := uuid.New()

	created := mkEvent(t, domain.AggregateGrant, grantID, domain.EventGrantCreated, 0, domain.GrantCreatedData{
		GrantID:      grantID,
		GrantCycleID: cycleID,
		Buckets: []domain.GrantBucketAmounts{
			{Name: domain.BucketGeneral, Awarded: money.FromInt64(1_000_000), ReimbursementRate: money.Rate{NumeratorCents: 1, DenominatorCents: 1}},
		},
	})

	state, err := FoldGrant([]domain.Event{created})
	require.NoError(t, err)
	require.NoError(t, state.Invariant())

	general := state.Buckets[domain.BucketGeneral]
	assert.True(t, general.Available.Equal(money.FromInt64(1_000_000)))
	assert.True(t, general.Encumbered.IsZero())
	assert.True(t, general.Liquidated.IsZero())
	assert.Equal(t, domain.GrantStatusCreated, state.Status)
}

func TestFoldGrant_EncumberThenLiquidateKeepsBalanceInvariant(t *testing.T) {
	grantID := uuid.New()
	cycleID := uuid.New()
	voucherID := uuid.New()
	claimID := uuid.New()

	events := []domain.Event{
		mkEvent(t, domain.AggregateGrant, grantID, domain.EventGrantCreated, 0, domain.GrantCreatedData{
			GrantID:      grantID,
			GrantCycleID: cycleID,
			Buckets: []domain.GrantBucketAmounts{
				{Name: domain.BucketGeneral, Awarded: money.FromInt64(1_000_000)},
			},
		}),
		mkEvent(t, domain.AggregateGrant, grantID, domain.EventGrantFundsEncumbered, 1, domain.GrantFundsDeltaData{
			Bucket: domain.BucketGeneral, Amount: money.FromInt64(15000), VoucherID: voucherID,
		}),
		mkEvent(t, domain.AggregateGrant, grantID, domain.EventGrantFundsLiquidated, 2, domain.GrantFundsDeltaData{
			Bucket: domain.BucketGeneral, Amount: money.FromInt64(15000), VoucherID: voucherID, ClaimID: &claimID,
		}),
	}

	state, err := FoldGrant(events)
	require.NoError(t, err)
	require.NoError(t, state.Invariant())

	general := state.Buckets[domain.BucketGeneral]
	assert.True(t, general.Available.Equal(money.FromInt64(985000)))
	assert.True(t, general.Encumbered.IsZero())
	assert.True(t, general.Liquidated.Equal(money.FromInt64(15000)))
}

func TestFoldGrant_ReleaseReturnsFundsToAvailableAndMemo(t *testing.T) {
	grantID := uuid.New()
	cycleID := uuid.New()
	voucherID := uuid.New()

	events := []domain.Event{
		mkEvent(t, domain.AggregateGrant, grantID, domain.EventGrantCreated, 0, domain.GrantCreatedData{
			GrantID: grantID, GrantCycleID: cycleID,
			Buckets: []domain.GrantBucketAmounts{{Name: domain.BucketGeneral, Awarded: money.FromInt64(1_000_000)}},
		}),
		mkEvent(t, domain.AggregateGrant, grantID, domain.EventGrantFundsEncumbered, 1, domain.GrantFundsDeltaData{
			Bucket: domain.BucketGeneral, Amount: money.FromInt64(15000), VoucherID: voucherID,
		}),
		mkEvent(t, domain.AggregateGrant, grantID, domain.EventGrantFundsReleased, 2, domain.GrantFundsDeltaData{
			Bucket: domain.BucketGeneral, Amount: money.FromInt64(15000), VoucherID: voucherID,
		}),
	}

	state, err := FoldGrant(events)
	require.NoError(t, err)

	general := state.Buckets[domain.BucketGeneral]
	assert.True(t, general.Available.Equal(money.FromInt64(1_000_000)))
	assert.True(t, general.Encumbered.IsZero())
	assert.True(t, general.Released.Equal(money.FromInt64(15000)))
}

func TestFoldGrant_MatchingFundsReportedDoesNotAffectBalance(t *testing.T) {
	grantID := uuid.New()
	cycleID := uuid.New()

	events := []domain.Event{
		mkEvent(t, domain.AggregateGrant, grantID, domain.EventGrantCreated, 0, domain.GrantCreatedData{
			GrantID: grantID, GrantCycleID: cycleID,
			Buckets: []domain.GrantBucketAmounts{{Name: domain.BucketLIRP, Awarded: money.FromInt64(500000)}},
		}),
		mkEvent(t, domain.AggregateGrant, grantID, domain.EventMatchingFundsReported, 1, matchingFundsReportedData{
			Bucket: domain.BucketLIRP, Amount: money.FromInt64(250000),
		}),
	}

	state, err := FoldGrant(events)
	require.NoError(t, err)
	require.NoError(t, state.Invariant())

	lirp := state.Buckets[domain.BucketLIRP]
	assert.True(t, lirp.MatchingFundsReported.Equal(money.FromInt64(250000)))
	assert.True(t, lirp.Available.Equal(money.FromInt64(500000)))
}

func TestFoldGrant_StatusTransitionsAndInformationalMarkers(t *testing.T) {
	grantID := uuid.New()
	cycleID := uuid.New()

	events := []domain.Event{
		mkEvent(t, domain.AggregateGrant, grantID, domain.EventGrantCreated, 0, domain.GrantCreatedData{
			GrantID: grantID, GrantCycleID: cycleID,
			Buckets: []domain.GrantBucketAmounts{{Name: domain.BucketGeneral, Awarded: money.FromInt64(100)}},
		}),
		mkEvent(t, domain.AggregateGrant, grantID, domain.EventGrantAgreementSigned, 1, struct{}{}),
		mkEvent(t, domain.AggregateGrant, grantID, domain.EventGrantActivated, 2, struct{}{}),
		mkEvent(t, domain.AggregateGrant, grantID, domain.EventGrantSuspended, 3, struct{}{}),
		mkEvent(t, domain.AggregateGrant, grantID, domain.EventGrantReinstated, 4, struct{}{}),
		mkEvent(t, domain.AggregateGrant, grantID, domain.EventGrantPeriodEnded, 5, struct{}{}),
		mkEvent(t, domain.AggregateGrant, grantID, domain.EventGrantClaimsDeadlinePassed, 6, struct{}{}),
		mkEvent(t, domain.AggregateGrant, grantID, domain.EventGrantClosed, 7, struct{}{}),
	}

	state, err := FoldGrant(events)
	require.NoError(t, err)
	assert.Equal(t, domain.GrantStatusClosed, state.Status)
}

func TestFoldGrant_NegativeAvailableIsInvariantViolation(t *testing.T) {
	grantID := uuid.New()
	cycleID := uuid.New()
	voucherID := uuid.New()

	events := []domain.Event{
		mkEvent(t, domain.AggregateGrant, grantID, domain.EventGrantCreated, 0, domain.GrantCreatedData{
			GrantID: grantID, GrantCycleID: cycleID,
			Buckets: []domain.GrantBucketAmounts{{Name: domain.BucketGeneral, Awarded: money.FromInt64(100)}},
		}),
		mkEvent(t, domain.AggregateGrant, grantID, domain.EventGrantFundsEncumbered, 1, domain.GrantFundsDeltaData{
			Bucket: domain.BucketGeneral, Amount: money.FromInt64(150), VoucherID: voucherID,
		}),
	}

	_, err := FoldGrant(events)
	require.Error(t, err)
	assert.True(t, domain.IsInvariantViolation(err))
}
