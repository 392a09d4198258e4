package reducer

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/statevoucher/grantkernel/internal/domain"
	"github.com/statevoucher/grantkernel/internal/money"
)

// InvoiceGeneratedData is the payload of INVOICE_GENERATED.
type InvoiceGeneratedData struct {
	InvoiceID     uuid.UUID
	GrantCycleID  uuid.UUID
	ClinicID      uuid.UUID
	Year          int
	Month         int
	ClaimIDs      []uuid.UUID
	AdjustmentIDs []uuid.UUID
	Total         money.Cents
}

// PaymentRecordedData is the payload of PAYMENT_RECORDED.
type PaymentRecordedData struct {
	PaymentID uuid.UUID
	InvoiceID uuid.UUID
	Amount    money.Cents
	Channel   string
	Reference string
}

// FoldInvoice replays events onto a fresh domain.InvoiceState. Once
// SUBMITTED, an invoice refuses to leave that lifecycle state.
func FoldInvoice(events []domain.Event) (*domain.InvoiceState, error) {
	state := &domain.InvoiceState{Lifecycle: domain.InvoiceLifecycleDraft}
	for _, e := range events {
		if err := applyInvoiceEvent(state, e); err != nil {
			return nil, fmt.Errorf("fold invoice event %s (%s): %w", e.EventID, e.EventType, err)
		}
	}
	if state.Exists {
		if err := state.Invariant(); err != nil {
			return nil, err
		}
	}
	return state, nil
}

func applyInvoiceEvent(state *domain.InvoiceState, e domain.Event) error {
	switch e.EventType {
	case domain.EventInvoiceGenerated:
		var data InvoiceGeneratedData
		if err := json.Unmarshal(e.EventData, &data); err != nil {
			return err
		}
		*state = domain.InvoiceState{
			InvoiceID: data.InvoiceID, GrantCycleID: data.GrantCycleID, ClinicID: data.ClinicID,
			Year: data.Year, Month: data.Month, ClaimIDs: data.ClaimIDs, AdjustmentIDs: data.AdjustmentIDs,
			Total: data.Total, Lifecycle: domain.InvoiceLifecycleDraft, Exists: true,
		}

	case domain.EventInvoiceSubmitted:
		if state.Lifecycle == domain.InvoiceLifecycleSubmitted {
			return domain.NewError(domain.CodeInvariantViolation, "invoice already submitted", map[string]any{"invoiceId": state.InvoiceID})
		}
		state.Lifecycle = domain.InvoiceLifecycleSubmitted

	case domain.EventPaymentRecorded:
		var data PaymentRecordedData
		if err := json.Unmarshal(e.EventData, &data); err != nil {
			return err
		}
		if data.InvoiceID == state.InvoiceID {
			state.PaidTotal = state.PaidTotal.Add(data.Amount)
		}
	}
	return nil
}

// FoldPayments replays PAYMENT_RECORDED events into the list of
// immutable payment records for a single invoice.
func FoldPayments(events []domain.Event) ([]domain.PaymentState, error) {
	var payments []domain.PaymentState
	for _, e := range events {
		if e.EventType != domain.EventPaymentRecorded {
			continue
		}
		var data PaymentRecordedData
		if err := json.Unmarshal(e.EventData, &data); err != nil {
			return nil, fmt.Errorf("fold payment event %s: %w", e.EventID, err)
		}
		payments = append(payments, domain.PaymentState{
			PaymentID: data.PaymentID, InvoiceID: data.InvoiceID, Amount: data.Amount,
			Channel: data.Channel, Reference: data.Reference, RecordedAt: e.IngestedAt,
		})
	}
	return payments, nil
}

// AdjustmentCreatedData is the payload of INVOICE_ADJUSTMENT_CREATED.
type AdjustmentCreatedData struct {
	AdjustmentID    uuid.UUID
	GrantCycleID    uuid.UUID
	SourceInvoiceID uuid.UUID
	ClinicID        *uuid.UUID
	Amount          money.Cents
}

// AdjustmentAppliedData is the payload of INVOICE_ADJUSTMENT_APPLIED.
type AdjustmentAppliedData struct {
	AdjustmentID     uuid.UUID
	AppliedToInvoice uuid.UUID
}

// FoldAdjustment replays events onto a fresh domain.AdjustmentState.
func FoldAdjustment(events []domain.Event) (*domain.AdjustmentState, error) {
	state := &domain.AdjustmentState{}
	for _, e := range events {
		switch e.EventType {
		case domain.EventInvoiceAdjustmentCreated:
			var data AdjustmentCreatedData
			if err := json.Unmarshal(e.EventData, &data); err != nil {
				return nil, fmt.Errorf("fold adjustment event %s: %w", e.EventID, err)
			}
			*state = domain.AdjustmentState{
				AdjustmentID: data.AdjustmentID, GrantCycleID: data.GrantCycleID,
				SourceInvoiceID: data.SourceInvoiceID, ClinicID: data.ClinicID, Amount: data.Amount, Exists: true,
			}
		case domain.EventInvoiceAdjustmentApplied:
			var data AdjustmentAppliedData
			if err := json.Unmarshal(e.EventData, &data); err != nil {
				return nil, fmt.Errorf("fold adjustment event %s: %w", e.EventID, err)
			}
			invoiceID := data.AppliedToInvoice
			state.AppliedToInvoiceID = &invoiceID
		}
	}
	return state, nil
}
