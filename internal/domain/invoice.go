package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/statevoucher/grantkernel/internal/money"
)

// InvoiceLifecycleStatus is the event-sourced portion of invoice state:
// DRAFT → SUBMITTED; locked after SUBMITTED.
type InvoiceLifecycleStatus string

const (
	InvoiceLifecycleDraft     InvoiceLifecycleStatus = "DRAFT"
	InvoiceLifecycleSubmitted InvoiceLifecycleStatus = "SUBMITTED"
)

// PaymentStatus is derived from the sum of payments vs total — there is
// no event that "updates" it.
type PaymentStatus string

const (
	PaymentStatusDraft         PaymentStatus = "DRAFT"
	PaymentStatusSubmitted     PaymentStatus = "SUBMITTED"
	PaymentStatusPartiallyPaid PaymentStatus = "PARTIALLY_PAID"
	PaymentStatusPaid          PaymentStatus = "PAID"
)

// InvoiceState is the Invoice aggregate, folded from INVOICE_* and
// PAYMENT_RECORDED events.
type InvoiceState struct {
	InvoiceID     uuid.UUID
	GrantCycleID  uuid.UUID
	ClinicID      uuid.UUID
	Year          int
	Month int // 1-12

	ClaimIDs      []uuid.UUID
	AdjustmentIDs []uuid.UUID
	Total         money.Cents

	Lifecycle InvoiceLifecycleStatus
	PaidTotal money.Cents

	Exists bool
}

// DerivedPaymentStatus computes the projection-derived payment status
// from the sum of payments vs total.
func (inv *InvoiceState) DerivedPaymentStatus() PaymentStatus {
	if inv.Lifecycle == InvoiceLifecycleDraft {
		return PaymentStatusDraft
	}
	switch {
	case inv.PaidTotal.IsZero():
		return PaymentStatusSubmitted
	case inv.PaidTotal.Cmp(inv.Total) >= 0:
		return PaymentStatusPaid
	default:
		return PaymentStatusPartiallyPaid
	}
}

// Invariant checks that an existing invoice's frozen total (populated
// from INVOICE_GENERATED) is not negative. It does not check the
// lifecycle; a second INVOICE_SUBMITTED is rejected by FoldInvoice.
func (inv *InvoiceState) Invariant() *KernelError {
	if !inv.Exists {
		return nil
	}
	if inv.Total.IsNegative() {
		return NewError(CodeInvariantViolation, "invoice total is negative", map[string]any{"invoiceId": inv.InvoiceID})
	}
	return nil
}

// PaymentState is the immutable Payment record.
type PaymentState struct {
	PaymentID uuid.UUID
	InvoiceID uuid.UUID
	Amount    money.Cents
	Channel   string
	Reference string
	RecordedAt time.Time
}

// AdjustmentState is a carry-forward Adjustment. A
// nil ClinicID means cycle-wide; a set ClinicID scopes the adjustment to
// that clinic only.
type AdjustmentState struct {
	AdjustmentID   uuid.UUID
	GrantCycleID   uuid.UUID
	SourceInvoiceID uuid.UUID
	ClinicID       *uuid.UUID // nil = cycle-wide
	Amount         money.Cents
	AppliedToInvoiceID *uuid.UUID

	Exists bool
}

// AppliesToClinic reports whether this adjustment may be applied to an
// invoice for the given clinic: either scoped to exactly that clinic, or
// cycle-wide.
func (a *AdjustmentState) AppliesToClinic(clinicID uuid.UUID) bool {
	return a.ClinicID == nil || *a.ClinicID == clinicID
}

// InvoiceRepository persists and retrieves the invoice projection.
type InvoiceRepository interface {
	GetProjection(invoiceID uuid.UUID) (*InvoiceProjectionRow, error)
	ListForClinicAndMonth(grantCycleID, clinicID uuid.UUID, year, month int) (*InvoiceProjectionRow, error)
	UpsertProjection(row *InvoiceProjectionRow) error
}

// InvoiceProjectionRow is the rebuildable materialized view of an
// invoice's current state.
type InvoiceProjectionRow struct {
	InvoiceID     uuid.UUID
	GrantCycleID  uuid.UUID
	ClinicID      uuid.UUID
	Year          int
	Month         int
	ClaimIDs      []uuid.UUID
	AdjustmentIDs []uuid.UUID
	Total         money.Cents
	Lifecycle     InvoiceLifecycleStatus
	PaidTotal     money.Cents
	PaymentStatus PaymentStatus

	WatermarkIngestedAt time.Time
	WatermarkEventID    uuid.UUID
	RebuiltAt           time.Time
}

// PaymentRepository persists and retrieves payment records, which are
// immutable once recorded — there is no Upsert, only Insert/List.
type PaymentRepository interface {
	Insert(row *PaymentState) error
	ListForInvoice(invoiceID uuid.UUID) ([]*PaymentState, error)
}

// AdjustmentRepository persists and retrieves the adjustment projection.
type AdjustmentRepository interface {
	GetProjection(adjustmentID uuid.UUID) (*AdjustmentProjectionRow, error)
	UpsertProjection(row *AdjustmentProjectionRow) error
	ListUnappliedForClinic(grantCycleID uuid.UUID, clinicID uuid.UUID) ([]*AdjustmentProjectionRow, error)
}

// AdjustmentProjectionRow is the rebuildable materialized view of an
// adjustment's current state.
type AdjustmentProjectionRow struct {
	AdjustmentID       uuid.UUID
	GrantCycleID       uuid.UUID
	SourceInvoiceID    uuid.UUID
	ClinicID           *uuid.UUID
	Amount             money.Cents
	AppliedToInvoiceID *uuid.UUID

	WatermarkIngestedAt time.Time
	WatermarkEventID    uuid.UUID
	RebuiltAt           time.Time
}
