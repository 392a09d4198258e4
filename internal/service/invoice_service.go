package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/statevoucher/grantkernel/internal/config"
	"github.com/statevoucher/grantkernel/internal/domain"
	"github.com/statevoucher/grantkernel/internal/eventlog"
	"github.com/statevoucher/grantkernel/internal/identity"
	"github.com/statevoucher/grantkernel/internal/idempotency"
	"github.com/statevoucher/grantkernel/internal/money"
	"github.com/statevoucher/grantkernel/internal/reducer"
)

// InvoiceService implements the monthly invoice generator plus the
// three invoice/payment/adjustment commands that operate on its
// output.
type InvoiceService struct {
	base
}

// NewInvoiceService builds a production InvoiceService bound to pool.
func NewInvoiceService(pool *pgxpool.Pool, idem idempotency.Cache, seq *identity.EventIDSequencer, cfg *config.Config, logger zerolog.Logger) *InvoiceService {
	return &InvoiceService{base: base{pool: pool, idem: idem, sequencer: seq, cfg: cfg, logger: logger}}
}

// NewInvoiceServiceForTesting builds an InvoiceService that runs
// against an in-memory event store and repositories.
func NewInvoiceServiceForTesting(store *eventlog.MemStore, deps Deps, idem idempotency.Cache, seq *identity.EventIDSequencer, cfg *config.Config) *InvoiceService {
	return &InvoiceService{base: base{memStore: store, testDeps: deps, idem: idem, sequencer: seq, cfg: cfg}}
}

// GenerateMonthlyInvoicesInput is the input to GenerateMonthlyInvoices.
// The watermark pins selection to a reproducible cutoff: two runs given
// the same (year, month, watermark) against the same log always select
// the same claims, in the same groups, in the same order.
type GenerateMonthlyInvoicesInput struct {
	IdempotencyKey      string
	GrantCycleID        uuid.UUID
	Year                int
	Month               int // 1-12
	WatermarkIngestedAt time.Time
	WatermarkEventID    uuid.UUID
	CorrelationID       uuid.UUID
	ActorID             uuid.UUID
	ActorType           domain.ActorType
}

// GenerateMonthlyInvoicesResult is the output of GenerateMonthlyInvoices.
type GenerateMonthlyInvoicesResult struct {
	InvoiceIDs []uuid.UUID
}

// GenerateMonthlyInvoices groups approved, not-yet-invoiced claims by
// clinic, applies any carry-forward adjustments that scope to that
// clinic (or cycle-wide), and emits one INVOICE_GENERATED per clinic
// with claims in the selection window, followed by a CLAIM_INVOICED
// per claim and an INVOICE_ADJUSTMENT_APPLIED per adjustment consumed.
// A clinic with no eligible claims produces no invoice. A clinic that
// already has an invoice for this (year, month) is skipped, making the
// command safe to re-run.
func (s *InvoiceService) GenerateMonthlyInvoices(ctx context.Context, in GenerateMonthlyInvoicesInput) (*GenerateMonthlyInvoicesResult, error) {
	res, ok, err := s.reserve(ctx, "GenerateMonthlyInvoices", in.IdempotencyKey, in)
	if err != nil {
		return nil, err
	}
	if !ok {
		var out GenerateMonthlyInvoicesResult
		if len(res.Result) > 0 {
			if uerr := unmarshalResult(res.Result, &out); uerr != nil {
				return nil, uerr
			}
		}
		return &out, nil
	}

	deps, tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	trace := domain.Trace{CorrelationID: in.CorrelationID, ActorID: in.ActorID, ActorType: in.ActorType}
	monthStart := time.Date(in.Year, time.Month(in.Month), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)
	watermark := domain.Watermark{IngestedAt: in.WatermarkIngestedAt, EventID: in.WatermarkEventID}

	var result *GenerateMonthlyInvoicesResult
	cmdErr := func() error {
		clinics, err := deps.Clinics.GetAll()
		if err != nil {
			return err
		}

		var invoiceIDs []uuid.UUID
		for _, clinic := range clinics {
			existing, err := deps.Invoices.ListForClinicAndMonth(in.GrantCycleID, clinic.ClinicID, in.Year, in.Month)
			if err != nil {
				return err
			}
			if existing != nil {
				continue
			}

			candidates, err := deps.Claims.ListApprovedForInvoicing(in.GrantCycleID, clinic.ClinicID, in.Year, in.Month)
			if err != nil {
				return err
			}
			var eligible []*domain.ClaimProjectionRow
			for _, c := range candidates {
				if c.InvoiceID != nil || c.ApprovedAt == nil || c.ApprovedEventID == nil {
					continue
				}
				if c.ApprovedAt.Before(monthStart) || !c.ApprovedAt.Before(monthEnd) {
					continue
				}
				claimWatermark := domain.Watermark{IngestedAt: *c.ApprovedAt, EventID: *c.ApprovedEventID}
				if !claimWatermark.LessOrEqual(watermark) {
					continue
				}
				eligible = append(eligible, c)
			}
			if len(eligible) == 0 {
				continue
			}

			adjustments, err := deps.Adjustments.ListUnappliedForClinic(in.GrantCycleID, clinic.ClinicID)
			if err != nil {
				return err
			}
			var used []*domain.AdjustmentProjectionRow
			for _, a := range adjustments {
				if a.AppliedToInvoiceID != nil {
					continue
				}
				used = append(used, a)
			}

			claimIDs := make([]uuid.UUID, len(eligible))
			total := money.Zero
			for i, c := range eligible {
				claimIDs[i] = c.ClaimID
				total = total.Add(c.ApprovedAmount)
			}
			adjustmentIDs := make([]uuid.UUID, len(used))
			for i, a := range used {
				adjustmentIDs[i] = a.AdjustmentID
				total = total.Add(a.Amount)
			}

			invoiceID := identity.NewAggregateID()
			claimBatch := make([]uuid.UUID, len(claimIDs))
			copy(claimBatch, claimIDs)
			if err := acquireLocks(ctx, tx, lockIDs{ClaimBatch: claimBatch, Invoice: invoiceID}); err != nil {
				return err
			}

			genData := reducer.InvoiceGeneratedData{
				InvoiceID: invoiceID, GrantCycleID: in.GrantCycleID, ClinicID: clinic.ClinicID,
				Year: in.Year, Month: in.Month, ClaimIDs: claimIDs, AdjustmentIDs: adjustmentIDs, Total: total,
			}
			genEvent, err := s.newEvent(domain.AggregateInvoice, invoiceID, domain.EventInvoiceGenerated, genData, in.GrantCycleID, trace)
			if err != nil {
				return err
			}
			if _, err := deps.Events.Append(ctx, genEvent); err != nil {
				return err
			}
			if err := s.refoldInvoice(ctx, deps, invoiceID, genEvent); err != nil {
				return err
			}

			for _, c := range eligible {
				invoicedEvent, err := s.newEvent(domain.AggregateClaim, c.ClaimID, domain.EventClaimInvoiced, reducer.ClaimInvoicedData{ClaimID: c.ClaimID, InvoiceID: invoiceID}, in.GrantCycleID, chainedTrace(trace, genEvent.EventID))
				if err != nil {
					return err
				}
				if _, err := deps.Events.Append(ctx, invoicedEvent); err != nil {
					return err
				}
				if err := s.refoldClaimRow(ctx, deps, c.ClaimID, invoicedEvent); err != nil {
					return err
				}
			}

			for _, a := range used {
				appliedEvent, err := s.newEvent(domain.AggregateAdjustment, a.AdjustmentID, domain.EventInvoiceAdjustmentApplied, reducer.AdjustmentAppliedData{AdjustmentID: a.AdjustmentID, AppliedToInvoice: invoiceID}, in.GrantCycleID, chainedTrace(trace, genEvent.EventID))
				if err != nil {
					return err
				}
				if _, err := deps.Events.Append(ctx, appliedEvent); err != nil {
					return err
				}
				if err := s.refoldAdjustment(ctx, deps, a.AdjustmentID, appliedEvent); err != nil {
					return err
				}
			}

			invoiceIDs = append(invoiceIDs, invoiceID)
		}

		result = &GenerateMonthlyInvoicesResult{InvoiceIDs: invoiceIDs}
		return nil
	}()

	if err := s.finish(ctx, deps.Events, "GenerateMonthlyInvoices", in.IdempotencyKey, result, cmdErr); err != nil {
		return nil, err
	}
	return result, nil
}

// SubmitInvoiceInput is the input to SubmitInvoice.
type SubmitInvoiceInput struct {
	IdempotencyKey string
	InvoiceID      uuid.UUID
	CorrelationID  uuid.UUID
	ActorID        uuid.UUID
	ActorType      domain.ActorType
}

// SubmitInvoice locks an invoice for payment: once SUBMITTED it never
// regresses to DRAFT.
func (s *InvoiceService) SubmitInvoice(ctx context.Context, in SubmitInvoiceInput) error {
	_, ok, err := s.reserve(ctx, "SubmitInvoice", in.IdempotencyKey, in)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	deps, tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	trace := domain.Trace{CorrelationID: in.CorrelationID, ActorID: in.ActorID, ActorType: in.ActorType}

	cmdErr := func() error {
		if err := acquireLocks(ctx, tx, lockIDs{Invoice: in.InvoiceID}); err != nil {
			return err
		}
		invoiceState, err := s.foldInvoiceState(ctx, deps, in.InvoiceID)
		if err != nil {
			return err
		}
		if invoiceState.Lifecycle == domain.InvoiceLifecycleSubmitted {
			return domain.NewError(domain.CodeInvariantViolation, "invoice already submitted", map[string]any{"invoiceId": in.InvoiceID})
		}

		event, err := s.newEvent(domain.AggregateInvoice, in.InvoiceID, domain.EventInvoiceSubmitted, struct{}{}, invoiceState.GrantCycleID, trace)
		if err != nil {
			return err
		}
		if _, err := deps.Events.Append(ctx, event); err != nil {
			return err
		}
		return s.refoldInvoice(ctx, deps, in.InvoiceID, event)
	}()

	return s.finish(ctx, deps.Events, "SubmitInvoice", in.IdempotencyKey, struct{}{}, cmdErr)
}

// RecordPaymentInput is the input to RecordPayment.
type RecordPaymentInput struct {
	IdempotencyKey string
	InvoiceID      uuid.UUID
	Amount         money.Cents
	Channel        string
	Reference      string
	CorrelationID  uuid.UUID
	ActorID        uuid.UUID
	ActorType      domain.ActorType
}

// RecordPaymentResult is the output of RecordPayment.
type RecordPaymentResult struct {
	PaymentID uuid.UUID
}

// RecordPayment appends an immutable payment record against an
// invoice. Payments never update or cancel a prior payment; the
// invoice's derived payment status is always the sum of every
// PAYMENT_RECORDED event against it.
func (s *InvoiceService) RecordPayment(ctx context.Context, in RecordPaymentInput) (*RecordPaymentResult, error) {
	res, ok, err := s.reserve(ctx, "RecordPayment", in.IdempotencyKey, in)
	if err != nil {
		return nil, err
	}
	if !ok {
		var out RecordPaymentResult
		if len(res.Result) > 0 {
			if uerr := unmarshalResult(res.Result, &out); uerr != nil {
				return nil, uerr
			}
		}
		return &out, nil
	}

	deps, tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	trace := domain.Trace{CorrelationID: in.CorrelationID, ActorID: in.ActorID, ActorType: in.ActorType}

	var result *RecordPaymentResult
	cmdErr := func() error {
		if err := acquireLocks(ctx, tx, lockIDs{Invoice: in.InvoiceID}); err != nil {
			return err
		}
		invoiceState, err := s.foldInvoiceState(ctx, deps, in.InvoiceID)
		if err != nil {
			return err
		}

		paymentID := identity.NewAggregateID()
		data := reducer.PaymentRecordedData{PaymentID: paymentID, InvoiceID: in.InvoiceID, Amount: in.Amount, Channel: in.Channel, Reference: in.Reference}
		event, err := s.newEvent(domain.AggregateInvoice, in.InvoiceID, domain.EventPaymentRecorded, data, invoiceState.GrantCycleID, trace)
		if err != nil {
			return err
		}
		if _, err := deps.Events.Append(ctx, event); err != nil {
			return err
		}
		if err := deps.Payments.Insert(&domain.PaymentState{
			PaymentID: paymentID, InvoiceID: in.InvoiceID, Amount: in.Amount,
			Channel: in.Channel, Reference: in.Reference, RecordedAt: event.IngestedAt,
		}); err != nil {
			return err
		}
		if err := s.refoldInvoice(ctx, deps, in.InvoiceID, event); err != nil {
			return err
		}
		result = &RecordPaymentResult{PaymentID: paymentID}
		return nil
	}()

	if err := s.finish(ctx, deps.Events, "RecordPayment", in.IdempotencyKey, result, cmdErr); err != nil {
		return nil, err
	}
	return result, nil
}

// CreateAdjustmentInput is the input to CreateAdjustment.
type CreateAdjustmentInput struct {
	IdempotencyKey  string
	GrantCycleID    uuid.UUID
	SourceInvoiceID uuid.UUID
	ClinicID        *uuid.UUID // nil = cycle-wide
	Amount          money.Cents
	CorrelationID   uuid.UUID
	ActorID         uuid.UUID
	ActorType       domain.ActorType
}

// CreateAdjustmentResult is the output of CreateAdjustment.
type CreateAdjustmentResult struct {
	AdjustmentID uuid.UUID
}

// CreateAdjustment records a carry-forward credit or debit against a
// source invoice, to be applied to a future invoice by
// GenerateMonthlyInvoices. A nil ClinicID makes it eligible for any
// clinic in the grant cycle; otherwise it is scoped to exactly that
// clinic.
func (s *InvoiceService) CreateAdjustment(ctx context.Context, in CreateAdjustmentInput) (*CreateAdjustmentResult, error) {
	res, ok, err := s.reserve(ctx, "CreateAdjustment", in.IdempotencyKey, in)
	if err != nil {
		return nil, err
	}
	if !ok {
		var out CreateAdjustmentResult
		if len(res.Result) > 0 {
			if uerr := unmarshalResult(res.Result, &out); uerr != nil {
				return nil, uerr
			}
		}
		return &out, nil
	}

	deps, tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	trace := domain.Trace{CorrelationID: in.CorrelationID, ActorID: in.ActorID, ActorType: in.ActorType}

	adjustmentID := identity.NewAggregateID()
	var result *CreateAdjustmentResult
	cmdErr := func() error {
		if err := acquireLocks(ctx, tx, lockIDs{Adjustment: adjustmentID}); err != nil {
			return err
		}
		data := reducer.AdjustmentCreatedData{
			AdjustmentID: adjustmentID, GrantCycleID: in.GrantCycleID, SourceInvoiceID: in.SourceInvoiceID,
			ClinicID: in.ClinicID, Amount: in.Amount,
		}
		event, err := s.newEvent(domain.AggregateAdjustment, adjustmentID, domain.EventInvoiceAdjustmentCreated, data, in.GrantCycleID, trace)
		if err != nil {
			return err
		}
		if _, err := deps.Events.Append(ctx, event); err != nil {
			return err
		}
		if err := s.refoldAdjustment(ctx, deps, adjustmentID, event); err != nil {
			return err
		}
		result = &CreateAdjustmentResult{AdjustmentID: adjustmentID}
		return nil
	}()

	if err := s.finish(ctx, deps.Events, "CreateAdjustment", in.IdempotencyKey, result, cmdErr); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *InvoiceService) foldInvoiceState(ctx context.Context, deps Deps, invoiceID uuid.UUID) (*domain.InvoiceState, error) {
	events, err := deps.Events.FetchAggregate(ctx, domain.AggregateInvoice, invoiceID)
	if err != nil {
		return nil, err
	}
	state, err := reducer.FoldInvoice(events)
	if err != nil {
		return nil, err
	}
	if !state.Exists {
		return nil, domain.NewError(domain.CodeNotFound, "invoice not found", map[string]any{"invoiceId": invoiceID})
	}
	return state, nil
}

func (s *InvoiceService) refoldInvoice(ctx context.Context, deps Deps, invoiceID uuid.UUID, latest domain.Event) error {
	events, err := deps.Events.FetchAggregate(ctx, domain.AggregateInvoice, invoiceID)
	if err != nil {
		return err
	}
	state, err := reducer.FoldInvoice(events)
	if err != nil {
		return err
	}
	row := &domain.InvoiceProjectionRow{
		InvoiceID: state.InvoiceID, GrantCycleID: state.GrantCycleID, ClinicID: state.ClinicID,
		Year: state.Year, Month: state.Month, ClaimIDs: state.ClaimIDs, AdjustmentIDs: state.AdjustmentIDs,
		Total: state.Total, Lifecycle: state.Lifecycle, PaidTotal: state.PaidTotal,
		PaymentStatus: state.DerivedPaymentStatus(),
		WatermarkIngestedAt: latest.IngestedAt, WatermarkEventID: latest.EventID, RebuiltAt: nowUTC(),
	}
	return deps.Invoices.UpsertProjection(row)
}

func (s *InvoiceService) refoldAdjustment(ctx context.Context, deps Deps, adjustmentID uuid.UUID, latest domain.Event) error {
	events, err := deps.Events.FetchAggregate(ctx, domain.AggregateAdjustment, adjustmentID)
	if err != nil {
		return err
	}
	state, err := reducer.FoldAdjustment(events)
	if err != nil {
		return err
	}
	row := &domain.AdjustmentProjectionRow{
		AdjustmentID: state.AdjustmentID, GrantCycleID: state.GrantCycleID, SourceInvoiceID: state.SourceInvoiceID,
		ClinicID: state.ClinicID, Amount: state.Amount, AppliedToInvoiceID: state.AppliedToInvoiceID,
		WatermarkIngestedAt: latest.IngestedAt, WatermarkEventID: latest.EventID, RebuiltAt: nowUTC(),
	}
	return deps.Adjustments.UpsertProjection(row)
}

func (s *InvoiceService) refoldClaimRow(ctx context.Context, deps Deps, claimID uuid.UUID, latest domain.Event) error {
	events, err := deps.Events.FetchAggregate(ctx, domain.AggregateClaim, claimID)
	if err != nil {
		return err
	}
	state, err := reducer.FoldClaim(events)
	if err != nil {
		return err
	}
	row := &domain.ClaimProjectionRow{
		ClaimID: state.ClaimID, GrantCycleID: state.GrantCycleID, VoucherID: state.VoucherID, ClinicID: state.ClinicID,
		ProcedureCode: state.ProcedureCode, DateOfService: state.DateOfService, RabiesFlag: state.RabiesFlag,
		Fingerprint: state.Fingerprint, Status: state.Status, SubmittedAmount: state.SubmittedAmount,
		ApprovedAmount: state.ApprovedAmount, CoPay: state.CoPay, ApprovedEventID: state.ApprovedEventID,
		ApprovedAt: state.ApprovedAt, InvoiceID: state.InvoiceID,
		WatermarkIngestedAt: latest.IngestedAt, WatermarkEventID: latest.EventID, RebuiltAt: nowUTC(),
	}
	return deps.Claims.UpsertProjection(row)
}
