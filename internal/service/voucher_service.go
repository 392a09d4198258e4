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

// VoucherService implements the four voucher commands. VOUCHER_CODE_ALLOCATED
// is appended twice per code assignment — once on the voucher's own
// stream (so FoldVoucher sees the code) and once on the allocator's
// stream (so FoldAllocator sees the sequence bump) — sharing the
// command's correlation id, with the voucher-stream copy naming the
// allocator-stream copy as its causation, since the catalog names one
// event type but the fact belongs to two independent aggregate folds.
type VoucherService struct {
	base
	grants *GrantService
}

// NewVoucherService builds a production VoucherService bound to pool.
func NewVoucherService(pool *pgxpool.Pool, grants *GrantService, idem idempotency.Cache, seq *identity.EventIDSequencer, cfg *config.Config, logger zerolog.Logger) *VoucherService {
	return &VoucherService{base: base{pool: pool, idem: idem, sequencer: seq, cfg: cfg, logger: logger}, grants: grants}
}

// NewVoucherServiceForTesting builds a VoucherService that runs against
// an in-memory event store and repositories.
func NewVoucherServiceForTesting(store *eventlog.MemStore, deps Deps, grants *GrantService, idem idempotency.Cache, seq *identity.EventIDSequencer, cfg *config.Config) *VoucherService {
	return &VoucherService{base: base{memStore: store, testDeps: deps, idem: idem, sequencer: seq, cfg: cfg}, grants: grants}
}

// IssueVoucherInput is shared by IssueVoucherOnline and
// IssueVoucherTentative.
type IssueVoucherInput struct {
	IdempotencyKey   string
	GrantID          uuid.UUID
	GrantCycleID     uuid.UUID
	Bucket           domain.BucketName
	MaxReimbursement money.Cents
	IsLIRP           bool
	CoPay            money.Cents
	CountyCode       string
	ValidFrom        time.Time
	ExpiresAt        time.Time
	TentativeHoldFor time.Duration // IssueVoucherTentative only; TentativeExpiresAt = ValidFrom + this
	ClinicID         *uuid.UUID
	CorrelationID    uuid.UUID
	ActorID          uuid.UUID
	ActorType        domain.ActorType
}

// IssueVoucherResult is the output of IssueVoucherOnline and
// ConfirmTentativeVoucher (whichever one assigns the voucher code).
type IssueVoucherResult struct {
	VoucherID   uuid.UUID
	VoucherCode string
}

// IssueVoucherOnline issues a voucher immediately in ISSUED status with
// its code already assigned.
func (s *VoucherService) IssueVoucherOnline(ctx context.Context, in IssueVoucherInput) (*IssueVoucherResult, error) {
	return s.issue(ctx, "IssueVoucherOnline", in, false)
}

// IssueVoucherTentativeResult is the output of IssueVoucherTentative:
// no code is assigned until confirmation, so only the voucher id comes
// back.
type IssueVoucherTentativeResult struct {
	VoucherID uuid.UUID
}

// IssueVoucherTentative reserves funds and issues a voucher in
// TENTATIVE status, pending ConfirmTentativeVoucher or the sweep
// worker's RejectTentativeVoucher.
func (s *VoucherService) IssueVoucherTentative(ctx context.Context, in IssueVoucherInput) (*IssueVoucherTentativeResult, error) {
	res, err := s.issue(ctx, "IssueVoucherTentative", in, true)
	if err != nil {
		return nil, err
	}
	return &IssueVoucherTentativeResult{VoucherID: res.VoucherID}, nil
}

func (s *VoucherService) issue(ctx context.Context, commandType string, in IssueVoucherInput, tentative bool) (*IssueVoucherResult, error) {
	if in.IsLIRP && in.CoPay.GreaterThan(money.Zero) {
		return nil, domain.NewError(domain.CodeLIRPCopayForbidden, "LIRP vouchers may not carry a co-pay", nil)
	}

	res, ok, err := s.reserve(ctx, commandType, in.IdempotencyKey, in)
	if err != nil {
		return nil, err
	}
	if !ok {
		var out IssueVoucherResult
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

	voucherID := identity.NewAggregateID()
	allocatorID := identity.AllocatorID(in.GrantCycleID, in.CountyCode)
	trace := domain.Trace{CorrelationID: in.CorrelationID, ActorID: in.ActorID, ActorType: in.ActorType}

	var result *IssueVoucherResult
	cmdErr := func() error {
		if err := acquireLocks(ctx, tx, lockIDs{Voucher: voucherID, Grant: in.GrantID, Allocator: allocatorID}); err != nil {
			return err
		}

		grantState, err := s.foldGrant(ctx, deps, in.GrantID)
		if err != nil {
			return err
		}
		if grantState.Status != domain.GrantStatusActive {
			return domain.NewError(domain.CodeGrantPeriodEnded, "grant is not active", map[string]any{"grantId": in.GrantID})
		}
		bucket, ok := grantState.Buckets[in.Bucket]
		if !ok || bucket.Available.LessThan(in.MaxReimbursement) {
			return domain.NewError(domain.CodeInsufficientFunds, "bucket has insufficient available funds", map[string]any{"bucket": in.Bucket})
		}

		issuedData := reducer.VoucherIssuedData{
			VoucherID: voucherID, GrantID: in.GrantID, GrantCycleID: in.GrantCycleID, Bucket: in.Bucket,
			MaxReimbursement: in.MaxReimbursement, IsLIRP: in.IsLIRP, ValidFrom: in.ValidFrom, ExpiresAt: in.ExpiresAt,
			ClinicID: in.ClinicID,
		}
		eventType := domain.EventVoucherIssued
		if tentative {
			eventType = domain.EventVoucherIssuedTentative
			tentativeExpiresAt := in.ValidFrom.Add(in.TentativeHoldFor)
			issuedData.TentativeExpiresAt = &tentativeExpiresAt
		}
		voucherEvent, err := s.newEvent(domain.AggregateVoucher, voucherID, eventType, issuedData, in.GrantCycleID, trace)
		if err != nil {
			return err
		}
		if _, err := deps.Events.Append(ctx, voucherEvent); err != nil {
			return err
		}

		if err := s.grants.appendFundsDelta(ctx, deps, in.GrantID, in.GrantCycleID, domain.EventGrantFundsEncumbered, in.Bucket, in.MaxReimbursement, voucherID, nil, chainedTrace(trace, voucherEvent.EventID)); err != nil {
			return err
		}

		if !tentative {
			code, err := s.allocateCode(ctx, deps, allocatorID, in.GrantCycleID, in.CountyCode, voucherID, in.ValidFrom, chainedTrace(trace, voucherEvent.EventID))
			if err != nil {
				return err
			}
			result = &IssueVoucherResult{VoucherID: voucherID, VoucherCode: code}
		} else {
			result = &IssueVoucherResult{VoucherID: voucherID}
		}

		return s.refoldVoucher(ctx, deps, voucherID, voucherEvent)
	}()

	if err := s.finish(ctx, deps.Events, commandType, in.IdempotencyKey, result, cmdErr); err != nil {
		return nil, err
	}
	return result, nil
}

// ConfirmTentativeVoucherInput is the input to ConfirmTentativeVoucher.
type ConfirmTentativeVoucherInput struct {
	IdempotencyKey string
	VoucherID      uuid.UUID
	CountyCode     string
	CorrelationID  uuid.UUID
	ActorID        uuid.UUID
	ActorType      domain.ActorType
}

// ConfirmTentativeVoucher converts a TENTATIVE voucher to ISSUED and
// assigns its code. Re-validates expiry and funds, since time may have
// passed since IssueVoucherTentative.
func (s *VoucherService) ConfirmTentativeVoucher(ctx context.Context, in ConfirmTentativeVoucherInput) (*IssueVoucherResult, error) {
	res, ok, err := s.reserve(ctx, "ConfirmTentativeVoucher", in.IdempotencyKey, in)
	if err != nil {
		return nil, err
	}
	if !ok {
		var out IssueVoucherResult
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

	var result *IssueVoucherResult
	cmdErr := func() error {
		if err := acquireLocks(ctx, tx, lockIDs{Voucher: in.VoucherID}); err != nil {
			return err
		}
		voucherState, err := s.foldVoucherState(ctx, deps, in.VoucherID)
		if err != nil {
			return err
		}
		if voucherState.Status != domain.VoucherStatusTentative {
			return domain.NewError(domain.CodeVoucherNotTentative, "voucher is not in TENTATIVE status", map[string]any{"voucherId": in.VoucherID})
		}
		if voucherState.TentativeExpiresAt != nil && nowUTC().After(*voucherState.TentativeExpiresAt) {
			return domain.NewError(domain.CodeVoucherExpired, "tentative hold has expired", map[string]any{"voucherId": in.VoucherID})
		}
		allocatorID := identity.AllocatorID(voucherState.GrantCycleID, in.CountyCode)
		if err := acquireLocks(ctx, tx, lockIDs{Grant: voucherState.GrantID, Allocator: allocatorID}); err != nil {
			return err
		}

		grantState, err := s.foldGrant(ctx, deps, voucherState.GrantID)
		if err != nil {
			return err
		}
		bucket, ok := grantState.Buckets[voucherState.Bucket]
		if !ok || bucket.Encumbered.LessThan(voucherState.MaxReimbursement) {
			return domain.NewError(domain.CodeInsufficientFunds, "encumbered funds no longer cover this voucher", map[string]any{"bucket": voucherState.Bucket})
		}

		confirmEvent, err := s.newEvent(domain.AggregateVoucher, in.VoucherID, domain.EventVoucherIssuedConfirmed, struct{}{}, voucherState.GrantCycleID, trace)
		if err != nil {
			return err
		}
		if _, err := deps.Events.Append(ctx, confirmEvent); err != nil {
			return err
		}

		code, err := s.allocateCode(ctx, deps, allocatorID, voucherState.GrantCycleID, in.CountyCode, in.VoucherID, nowUTC(), chainedTrace(trace, confirmEvent.EventID))
		if err != nil {
			return err
		}
		result = &IssueVoucherResult{VoucherID: in.VoucherID, VoucherCode: code}

		return s.refoldVoucher(ctx, deps, in.VoucherID, confirmEvent)
	}()

	if err := s.finish(ctx, deps.Events, "ConfirmTentativeVoucher", in.IdempotencyKey, result, cmdErr); err != nil {
		return nil, err
	}
	return result, nil
}

// RejectTentativeVoucherInput is the input to RejectTentativeVoucher.
type RejectTentativeVoucherInput struct {
	IdempotencyKey string
	VoucherID      uuid.UUID
	Reason         string
	CorrelationID  uuid.UUID
	ActorID        uuid.UUID
	ActorType      domain.ActorType
}

// RejectTentativeVoucher voids a TENTATIVE voucher and releases its
// encumbered funds back to the grant bucket. Called both as a direct
// command and by the tentative-expiry sweep worker.
func (s *VoucherService) RejectTentativeVoucher(ctx context.Context, in RejectTentativeVoucherInput) error {
	_, ok, err := s.reserve(ctx, "RejectTentativeVoucher", in.IdempotencyKey, in)
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
		if err := acquireLocks(ctx, tx, lockIDs{Voucher: in.VoucherID}); err != nil {
			return err
		}
		voucherState, err := s.foldVoucherState(ctx, deps, in.VoucherID)
		if err != nil {
			return err
		}
		if voucherState.Status != domain.VoucherStatusTentative {
			return domain.NewError(domain.CodeVoucherNotTentative, "voucher is not in TENTATIVE status", map[string]any{"voucherId": in.VoucherID})
		}
		if err := acquireLocks(ctx, tx, lockIDs{Grant: voucherState.GrantID}); err != nil {
			return err
		}

		rejectEvent, err := s.newEvent(domain.AggregateVoucher, in.VoucherID, domain.EventVoucherIssuedRejected, reducer.VoucherTerminalData{VoucherID: in.VoucherID, Reason: in.Reason}, voucherState.GrantCycleID, trace)
		if err != nil {
			return err
		}
		if _, err := deps.Events.Append(ctx, rejectEvent); err != nil {
			return err
		}

		if err := s.grants.appendFundsDelta(ctx, deps, voucherState.GrantID, voucherState.GrantCycleID, domain.EventGrantFundsReleased, voucherState.Bucket, voucherState.MaxReimbursement, in.VoucherID, nil, chainedTrace(trace, rejectEvent.EventID)); err != nil {
			return err
		}

		return s.refoldVoucher(ctx, deps, in.VoucherID, rejectEvent)
	}()

	return s.finish(ctx, deps.Events, "RejectTentativeVoucher", in.IdempotencyKey, struct{}{}, cmdErr)
}

// allocateCode bumps the allocator's sequence and writes the resulting
// code onto the voucher's own stream, so FoldVoucher picks it up.
func (s *VoucherService) allocateCode(ctx context.Context, deps Deps, allocatorID, grantCycleID uuid.UUID, countyCode string, voucherID uuid.UUID, issuedDate time.Time, trace domain.Trace) (string, error) {
	allocEvents, err := deps.Events.FetchAggregate(ctx, domain.AggregateAllocator, allocatorID)
	if err != nil {
		return "", err
	}
	allocState, err := reducer.FoldAllocator(allocEvents)
	if err != nil {
		return "", err
	}
	sequence := allocState.NextSequence
	code := domain.FormatCode(countyCode, issuedDate.UTC().Format("20060102"), sequence)

	allocatorData := reducer.AllocatorAdvancedData{
		AllocatorID: allocatorID, GrantCycleID: grantCycleID, CountyCode: countyCode, Sequence: sequence, Code: code,
	}
	allocatorEvent, err := s.newEvent(domain.AggregateAllocator, allocatorID, domain.EventVoucherCodeAllocated, allocatorData, grantCycleID, trace)
	if err != nil {
		return "", err
	}
	if _, err := deps.Events.Append(ctx, allocatorEvent); err != nil {
		return "", err
	}

	voucherCodeData := reducer.VoucherCodeAllocatedData{VoucherID: voucherID, Code: code}
	voucherCodeEvent, err := s.newEvent(domain.AggregateVoucher, voucherID, domain.EventVoucherCodeAllocated, voucherCodeData, grantCycleID, chainedTrace(trace, allocatorEvent.EventID))
	if err != nil {
		return "", err
	}
	if _, err := deps.Events.Append(ctx, voucherCodeEvent); err != nil {
		return "", err
	}

	return code, nil
}

func (s *VoucherService) foldGrant(ctx context.Context, deps Deps, grantID uuid.UUID) (*domain.GrantState, error) {
	events, err := deps.Events.FetchAggregate(ctx, domain.AggregateGrant, grantID)
	if err != nil {
		return nil, err
	}
	return reducer.FoldGrant(events)
}

func (s *VoucherService) foldVoucherState(ctx context.Context, deps Deps, voucherID uuid.UUID) (*domain.VoucherState, error) {
	events, err := deps.Events.FetchAggregate(ctx, domain.AggregateVoucher, voucherID)
	if err != nil {
		return nil, err
	}
	state, err := reducer.FoldVoucher(events)
	if err != nil {
		return nil, err
	}
	if !state.Exists {
		return nil, domain.NewError(domain.CodeNotFound, "voucher not found", map[string]any{"voucherId": voucherID})
	}
	return state, nil
}

func (s *VoucherService) refoldVoucher(ctx context.Context, deps Deps, voucherID uuid.UUID, latest domain.Event) error {
	events, err := deps.Events.FetchAggregate(ctx, domain.AggregateVoucher, voucherID)
	if err != nil {
		return err
	}
	state, err := reducer.FoldVoucher(events)
	if err != nil {
		return err
	}
	row := &domain.VoucherProjectionRow{
		VoucherID: state.VoucherID, GrantID: state.GrantID, GrantCycleID: state.GrantCycleID, Bucket: state.Bucket,
		VoucherCode: state.VoucherCode, MaxReimbursement: state.MaxReimbursement, IsLIRP: state.IsLIRP,
		ValidFrom: state.ValidFrom, ExpiresAt: state.ExpiresAt, TentativeExpiresAt: state.TentativeExpiresAt,
		Status: state.Status, ClinicID: state.ClinicID,
		WatermarkIngestedAt: latest.IngestedAt, WatermarkEventID: latest.EventID, RebuiltAt: nowUTC(),
	}
	return deps.Vouchers.UpsertProjection(row)
}

// chainedTrace derives a follow-on event's trace from its cause: same
// correlation id, CausationID pointing at the event that produced it.
func chainedTrace(t domain.Trace, causationID uuid.UUID) domain.Trace {
	id := causationID
	return domain.Trace{CorrelationID: t.CorrelationID, CausationID: &id, ActorID: t.ActorID, ActorType: t.ActorType}
}
