package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statevoucher/grantkernel/internal/config"
	"github.com/statevoucher/grantkernel/internal/domain"
	"github.com/statevoucher/grantkernel/internal/money"
	"github.com/statevoucher/grantkernel/internal/projection"
	"github.com/statevoucher/grantkernel/internal/service"
)

func testConfig() *config.Config {
	return &config.Config{
		IdempotencyTTL:               time.Hour,
		TentativeSweepInterval:       time.Minute,
		ClaimSubmissionDeadlineGrace: 24 * time.Hour,
		SystemActorID:                domain.SystemActorID,
	}
}

// seedActiveGrant creates and activates a grant cycle with a single
// GENERAL bucket and returns its grantID/cycleID.
func seedActiveGrant(t *testing.T, k *Kernel, awarded money.Cents) (uuid.UUID, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	cycleID := uuid.New()
	actor := uuid.New()
	correlation := uuid.New()

	created, err := k.Grants.CreateGrant(ctx, service.CreateGrantInput{
		IdempotencyKey: uuid.NewString(),
		GrantCycleID:   cycleID,
		PeriodStart:    time.Now().Add(-30 * 24 * time.Hour),
		PeriodEnd:      time.Now().Add(365 * 24 * time.Hour),
		ClaimsDeadline: time.Now().Add(180 * 24 * time.Hour),
		Buckets: []domain.GrantBucketAmounts{
			{Name: domain.BucketGeneral, Awarded: awarded},
		},
		CorrelationID: correlation,
		ActorID:       actor,
		ActorType:     domain.ActorTypeUser,
	})
	require.NoError(t, err)

	transitionInput := service.TransitionGrantInput{
		GrantID:       created.GrantID,
		GrantCycleID:  cycleID,
		CorrelationID: correlation,
		ActorID:       actor,
		ActorType:     domain.ActorTypeUser,
	}
	transitionInput.IdempotencyKey = uuid.NewString()
	require.NoError(t, k.Grants.SignAgreement(ctx, transitionInput))
	transitionInput.IdempotencyKey = uuid.NewString()
	require.NoError(t, k.Grants.ActivateGrant(ctx, transitionInput))

	return created.GrantID, cycleID
}

func seedClinic(t *testing.T, k *Kernel) uuid.UUID {
	t.Helper()
	clinicID := uuid.New()
	// Clinics are reference data, seeded directly on the in-memory
	// repository the kernel was built with (see NewForTesting).
	clinics := k.clinicRepo.(*projection.MemClinicRepository)
	clinics.Put(&domain.Clinic{
		ClinicID:         clinicID,
		Name:             "Test Spay/Neuter Clinic",
		LicenseNumber:    "VET-001",
		LicenseExpiresAt: time.Now().Add(365 * 24 * time.Hour),
		Active:           true,
	})
	return clinicID
}

func TestScenario_IssueVoucherEncumbersGeneralBucket(t *testing.T) {
	k := NewForTesting(testConfig())
	actor := uuid.New()
	correlation := uuid.New()

	grantID, cycleID := seedActiveGrant(t, k, money.FromInt64(1_000_000))

	issued, err := k.Vouchers.IssueVoucherOnline(context.Background(), service.IssueVoucherInput{
		IdempotencyKey:   uuid.NewString(),
		GrantID:          grantID,
		GrantCycleID:     cycleID,
		Bucket:           domain.BucketGeneral,
		MaxReimbursement: money.FromInt64(15000),
		IsLIRP:           false,
		CoPay:            money.Zero,
		CountyCode:       "041",
		ValidFrom:        time.Now().Add(-time.Hour),
		ExpiresAt:        time.Now().Add(90 * 24 * time.Hour),
		CorrelationID:    correlation,
		ActorID:          actor,
		ActorType:        domain.ActorTypeUser,
	})
	require.NoError(t, err)
	assert.Contains(t, issued.VoucherCode, "041-")
	assert.Contains(t, issued.VoucherCode, "-0001")

	grant, err := k.GetGrant(grantID)
	require.NoError(t, err)
	general := grant.Buckets[domain.BucketGeneral]
	assert.True(t, general.Available.Equal(money.FromInt64(985000)), "expected $9,850 available, got %s", general.Available.DollarString())
	assert.True(t, general.Encumbered.Equal(money.FromInt64(15000)))
	assert.True(t, general.Liquidated.IsZero())

	voucher, err := k.GetVoucher(issued.VoucherID)
	require.NoError(t, err)
	assert.Equal(t, domain.VoucherStatusIssued, voucher.Status)
}

func TestScenario_ApprovedClaimGeneratesInvoiceAndLiquidatesFunds(t *testing.T) {
	k := NewForTesting(testConfig())
	ctx := context.Background()
	actor := uuid.New()
	correlation := uuid.New()

	grantID, cycleID := seedActiveGrant(t, k, money.FromInt64(1_000_000))
	clinicID := seedClinic(t, k)

	dateOfService := time.Now().Add(-2 * time.Hour)
	issued, err := k.Vouchers.IssueVoucherOnline(ctx, service.IssueVoucherInput{
		IdempotencyKey:   uuid.NewString(),
		GrantID:          grantID,
		GrantCycleID:     cycleID,
		Bucket:           domain.BucketGeneral,
		MaxReimbursement: money.FromInt64(15000),
		CountyCode:       "041",
		ValidFrom:        time.Now().Add(-24 * time.Hour),
		ExpiresAt:        time.Now().Add(90 * 24 * time.Hour),
		CorrelationID:    correlation,
		ActorID:          actor,
		ActorType:        domain.ActorTypeUser,
	})
	require.NoError(t, err)

	submitted, err := k.Claims.SubmitClaim(ctx, service.SubmitClaimInput{
		IdempotencyKey:  uuid.NewString(),
		VoucherID:       issued.VoucherID,
		ClinicID:        clinicID,
		ProcedureCode:   "SN-001",
		DateOfService:   dateOfService,
		SubmittedAmount: money.FromInt64(15000),
		CorrelationID:   correlation,
		ActorID:         actor,
		ActorType:       domain.ActorTypeClinic,
	})
	require.NoError(t, err)
	assert.False(t, submitted.Duplicate)

	voucherAfterSubmit, err := k.GetVoucher(issued.VoucherID)
	require.NoError(t, err)
	assert.Equal(t, domain.VoucherStatusRedeemed, voucherAfterSubmit.Status)

	err = k.Claims.ApproveClaim(ctx, service.DecideClaimInput{
		IdempotencyKey:   uuid.NewString(),
		ClaimID:          submitted.ClaimID,
		ApprovedAmount:   money.FromInt64(15000),
		PolicySnapshotID: "policy-v1",
		DecidedBy:        actor,
		CorrelationID:    correlation,
		ActorID:          actor,
		ActorType:        domain.ActorTypeCaseworker,
	})
	require.NoError(t, err)

	claim, err := k.GetClaim(submitted.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimStatusApproved, claim.Status)

	now := time.Now().UTC()
	result, err := k.Invoices.GenerateMonthlyInvoices(ctx, service.GenerateMonthlyInvoicesInput{
		IdempotencyKey:      uuid.NewString(),
		GrantCycleID:        cycleID,
		Year:                now.Year(),
		Month:               int(now.Month()),
		WatermarkIngestedAt: now.Add(time.Hour),
		CorrelationID:       correlation,
		ActorID:             actor,
		ActorType:           domain.ActorTypeSystem,
	})
	require.NoError(t, err)
	require.Len(t, result.InvoiceIDs, 1)

	invoice, err := k.GetInvoice(result.InvoiceIDs[0])
	require.NoError(t, err)
	assert.True(t, invoice.Total.Equal(money.FromInt64(15000)))
	assert.Equal(t, clinicID, invoice.ClinicID)

	claimAfterInvoicing, err := k.GetClaim(submitted.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimStatusInvoiced, claimAfterInvoicing.Status)
	require.NotNil(t, claimAfterInvoicing.InvoiceID)
	assert.Equal(t, result.InvoiceIDs[0], *claimAfterInvoicing.InvoiceID)

	grant, err := k.GetGrant(grantID)
	require.NoError(t, err)
	general := grant.Buckets[domain.BucketGeneral]
	assert.True(t, general.Encumbered.IsZero())
	assert.True(t, general.Liquidated.Equal(money.FromInt64(15000)))
	assert.True(t, general.Available.Equal(money.FromInt64(985000)))
}

func TestScenario_DuplicateClaimAndConflictingDecisionAreNoOps(t *testing.T) {
	k := NewForTesting(testConfig())
	ctx := context.Background()
	actor := uuid.New()
	correlation := uuid.New()

	grantID, cycleID := seedActiveGrant(t, k, money.FromInt64(1_000_000))
	clinicID := seedClinic(t, k)

	dateOfService := time.Now().Add(-2 * time.Hour)
	issued, err := k.Vouchers.IssueVoucherOnline(ctx, service.IssueVoucherInput{
		IdempotencyKey:   uuid.NewString(),
		GrantID:          grantID,
		GrantCycleID:     cycleID,
		Bucket:           domain.BucketGeneral,
		MaxReimbursement: money.FromInt64(15000),
		CountyCode:       "041",
		ValidFrom:        time.Now().Add(-24 * time.Hour),
		ExpiresAt:        time.Now().Add(90 * 24 * time.Hour),
		CorrelationID:    correlation,
		ActorID:          actor,
		ActorType:        domain.ActorTypeUser,
	})
	require.NoError(t, err)

	submitInput := service.SubmitClaimInput{
		VoucherID:       issued.VoucherID,
		ClinicID:        clinicID,
		ProcedureCode:   "SN-001",
		DateOfService:   dateOfService,
		SubmittedAmount: money.FromInt64(15000),
		CorrelationID:   correlation,
		ActorID:         actor,
		ActorType:       domain.ActorTypeClinic,
	}

	submitInput.IdempotencyKey = uuid.NewString()
	first, err := k.Claims.SubmitClaim(ctx, submitInput)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	submitInput.IdempotencyKey = uuid.NewString()
	second, err := k.Claims.SubmitClaim(ctx, submitInput)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ClaimID, second.ClaimID)

	submittedEvents := countEventsForAggregate(t, k, domain.AggregateClaim, first.ClaimID, domain.EventClaimSubmitted)
	assert.Equal(t, 1, submittedEvents, "resubmitting an identical claim must not append a second CLAIM_SUBMITTED")

	err = k.Claims.ApproveClaim(ctx, service.DecideClaimInput{
		IdempotencyKey:   uuid.NewString(),
		ClaimID:          first.ClaimID,
		ApprovedAmount:   money.FromInt64(15000),
		PolicySnapshotID: "policy-v1",
		DecidedBy:        actor,
		CorrelationID:    correlation,
		ActorID:          actor,
		ActorType:        domain.ActorTypeCaseworker,
	})
	require.NoError(t, err)

	// A second, conflicting decision with a different amount must record
	// a conflict marker instead of a second liquidation.
	err = k.Claims.ApproveClaim(ctx, service.DecideClaimInput{
		IdempotencyKey:   uuid.NewString(),
		ClaimID:          first.ClaimID,
		ApprovedAmount:   money.FromInt64(12000),
		PolicySnapshotID: "policy-v1",
		DecidedBy:        actor,
		CorrelationID:    correlation,
		ActorID:          actor,
		ActorType:        domain.ActorTypeCaseworker,
	})
	require.NoError(t, err)

	claim, err := k.GetClaim(first.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimStatusApproved, claim.Status)
	assert.True(t, claim.ApprovedAmount.Equal(money.FromInt64(15000)), "the first approval's amount must survive the conflicting second decision")

	conflictEvents := countEventsForAggregate(t, k, domain.AggregateClaim, first.ClaimID, domain.EventClaimDecisionConflictRecorded)
	assert.Equal(t, 1, conflictEvents)

	liquidatedEvents := countEventsForAggregate(t, k, domain.AggregateGrant, grantID, domain.EventGrantFundsLiquidated)
	assert.Equal(t, 1, liquidatedEvents, "only the first approval may liquidate funds")

	grant, err := k.GetGrant(grantID)
	require.NoError(t, err)
	general := grant.Buckets[domain.BucketGeneral]
	assert.True(t, general.Liquidated.Equal(money.FromInt64(15000)))
}

func countEventsForAggregate(t *testing.T, k *Kernel, aggType domain.AggregateType, aggID uuid.UUID, eventType domain.EventType) int {
	t.Helper()
	events, err := k.FetchEventsSince(context.Background(), domain.ZeroWatermark, 0)
	require.NoError(t, err)
	n := 0
	for _, e := range events {
		if e.AggregateType == aggType && e.AggregateID == aggID && e.EventType == eventType {
			n++
		}
	}
	return n
}
