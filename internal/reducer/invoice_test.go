package reducer

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statevoucher/grantkernel/internal/domain"
	"github.com/statevoucher/grantkernel/internal/money"
)

func TestFoldInvoice_GeneratedThenSubmitted(t *testing.T) {
	invoiceID := uuid.New()
	claimID := uuid.New()

	events := []domain.Event{
		mkEvent(t, domain.AggregateInvoice, invoiceID, domain.EventInvoiceGenerated, 0, InvoiceGeneratedData{
			InvoiceID: invoiceID, Year: 2026, Month: 2,
			ClaimIDs: []uuid.UUID{claimID}, Total: money.FromInt64(15000),
		}),
		mkEvent(t, domain.AggregateInvoice, invoiceID, domain.EventInvoiceSubmitted, 1, struct{}{}),
	}

	state, err := FoldInvoice(events)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceLifecycleSubmitted, state.Lifecycle)
	assert.True(t, state.Total.Equal(money.FromInt64(15000)))
	assert.Equal(t, domain.PaymentStatusSubmitted, state.DerivedPaymentStatus())
}

func TestFoldInvoice_DoubleSubmitIsInvariantViolation(t *testing.T) {
	invoiceID := uuid.New()

	events := []domain.Event{
		mkEvent(t, domain.AggregateInvoice, invoiceID, domain.EventInvoiceGenerated, 0, InvoiceGeneratedData{
			InvoiceID: invoiceID, Year: 2026, Month: 2, Total: money.FromInt64(15000),
		}),
		mkEvent(t, domain.AggregateInvoice, invoiceID, domain.EventInvoiceSubmitted, 1, struct{}{}),
		mkEvent(t, domain.AggregateInvoice, invoiceID, domain.EventInvoiceSubmitted, 2, struct{}{}),
	}

	_, err := FoldInvoice(events)
	require.Error(t, err)
	assert.True(t, domain.IsInvariantViolation(err))
}

func TestFoldInvoice_PaymentsDerivePartialAndFullStatus(t *testing.T) {
	invoiceID := uuid.New()

	base := []domain.Event{
		mkEvent(t, domain.AggregateInvoice, invoiceID, domain.EventInvoiceGenerated, 0, InvoiceGeneratedData{
			InvoiceID: invoiceID, Year: 2026, Month: 2, Total: money.FromInt64(15000),
		}),
		mkEvent(t, domain.AggregateInvoice, invoiceID, domain.EventInvoiceSubmitted, 1, struct{}{}),
		mkEvent(t, domain.AggregateInvoice, invoiceID, domain.EventPaymentRecorded, 2, PaymentRecordedData{
			PaymentID: uuid.New(), InvoiceID: invoiceID, Amount: money.FromInt64(10000), Channel: "ACH",
		}),
	}

	partial, err := FoldInvoice(base)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPartiallyPaid, partial.DerivedPaymentStatus())

	full := append(base, mkEvent(t, domain.AggregateInvoice, invoiceID, domain.EventPaymentRecorded, 3, PaymentRecordedData{
		PaymentID: uuid.New(), InvoiceID: invoiceID, Amount: money.FromInt64(5000), Channel: "ACH",
	}))
	paid, err := FoldInvoice(full)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, paid.DerivedPaymentStatus())
}

func TestFoldInvoice_PaymentForDifferentInvoiceIgnored(t *testing.T) {
	invoiceID := uuid.New()
	otherInvoiceID := uuid.New()

	events := []domain.Event{
		mkEvent(t, domain.AggregateInvoice, invoiceID, domain.EventInvoiceGenerated, 0, InvoiceGeneratedData{
			InvoiceID: invoiceID, Year: 2026, Month: 2, Total: money.FromInt64(15000),
		}),
		mkEvent(t, domain.AggregateInvoice, invoiceID, domain.EventPaymentRecorded, 1, PaymentRecordedData{
			PaymentID: uuid.New(), InvoiceID: otherInvoiceID, Amount: money.FromInt64(5000), Channel: "ACH",
		}),
	}

	state, err := FoldInvoice(events)
	require.NoError(t, err)
	assert.True(t, state.PaidTotal.IsZero())
}

func TestFoldPayments_ListsOnlyPaymentRecordedEvents(t *testing.T) {
	invoiceID := uuid.New()
	paymentID := uuid.New()

	events := []domain.Event{
		mkEvent(t, domain.AggregateInvoice, invoiceID, domain.EventInvoiceGenerated, 0, InvoiceGeneratedData{
			InvoiceID: invoiceID, Year: 2026, Month: 2, Total: money.FromInt64(15000),
		}),
		mkEvent(t, domain.AggregateInvoice, invoiceID, domain.EventPaymentRecorded, 1, PaymentRecordedData{
			PaymentID: paymentID, InvoiceID: invoiceID, Amount: money.FromInt64(15000), Channel: "ACH", Reference: "ref-1",
		}),
	}

	payments, err := FoldPayments(events)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, paymentID, payments[0].PaymentID)
	assert.Equal(t, "ref-1", payments[0].Reference)
}

func TestFoldAdjustment_CreatedThenApplied(t *testing.T) {
	adjustmentID := uuid.New()
	sourceInvoiceID := uuid.New()
	appliedInvoiceID := uuid.New()

	events := []domain.Event{
		mkEvent(t, domain.AggregateAdjustment, adjustmentID, domain.EventInvoiceAdjustmentCreated, 0, AdjustmentCreatedData{
			AdjustmentID: adjustmentID, SourceInvoiceID: sourceInvoiceID, Amount: money.FromInt64(-2000),
		}),
		mkEvent(t, domain.AggregateAdjustment, adjustmentID, domain.EventInvoiceAdjustmentApplied, 1, AdjustmentAppliedData{
			AdjustmentID: adjustmentID, AppliedToInvoice: appliedInvoiceID,
		}),
	}

	state, err := FoldAdjustment(events)
	require.NoError(t, err)
	assert.True(t, state.Exists)
	require.NotNil(t, state.AppliedToInvoiceID)
	assert.Equal(t, appliedInvoiceID, *state.AppliedToInvoiceID)
}

func TestAdjustmentState_AppliesToClinic(t *testing.T) {
	clinicA := uuid.New()
	clinicB := uuid.New()

	cycleWide := domain.AdjustmentState{ClinicID: nil}
	assert.True(t, cycleWide.AppliesToClinic(clinicA))
	assert.True(t, cycleWide.AppliesToClinic(clinicB))

	scoped := domain.AdjustmentState{ClinicID: &clinicA}
	assert.True(t, scoped.AppliesToClinic(clinicA))
	assert.False(t, scoped.AppliesToClinic(clinicB))
}
