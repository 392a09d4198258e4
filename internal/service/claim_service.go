package service

import (
	"context"
	"encoding/hex"
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

// ClaimService implements SubmitClaim, ApproveClaim, DenyClaim, and
// AdjustClaim.
type ClaimService struct {
	base
	grants *GrantService
}

// NewClaimService builds a production ClaimService bound to pool.
func NewClaimService(pool *pgxpool.Pool, grants *GrantService, idem idempotency.Cache, seq *identity.EventIDSequencer, cfg *config.Config, logger zerolog.Logger) *ClaimService {
	return &ClaimService{base: base{pool: pool, idem: idem, sequencer: seq, cfg: cfg, logger: logger}, grants: grants}
}

// NewClaimServiceForTesting builds a ClaimService that runs against an
// in-memory event store and repositories.
func NewClaimServiceForTesting(store *eventlog.MemStore, deps Deps, grants *GrantService, idem idempotency.Cache, seq *identity.EventIDSequencer, cfg *config.Config) *ClaimService {
	return &ClaimService{base: base{memStore: store, testDeps: deps, idem: idem, sequencer: seq, cfg: cfg}, grants: grants}
}

// SubmitClaimInput is the input to SubmitClaim.
type SubmitClaimInput struct {
	IdempotencyKey string
	VoucherID      uuid.UUID
	ClinicID       uuid.UUID
	ProcedureCode  string
	DateOfService  time.Time
	RabiesFlag     bool
	SubmittedAmount money.Cents
	CoPay          money.Cents
	CorrelationID  uuid.UUID
	ActorID        uuid.UUID
	ActorType      domain.ActorType
}

// SubmitClaimResult is the output of SubmitClaim. Duplicate is true
// when the fingerprint matched an existing claim: ClaimID is that
// claim's id and no new event was appended.
type SubmitClaimResult struct {
	ClaimID   uuid.UUID
	Duplicate bool
}

// SubmitClaim computes the de-duplication fingerprint, runs the
// four-layer date validation (voucher validity window, clinic license,
// grant period, claims-submission deadline) plus the LIRP co-pay
// prohibition, and
// emits CLAIM_SUBMITTED + VOUCHER_REDEEMED. A fingerprint match against
// an existing claim short-circuits with Duplicate=true and no new
// events.
func (s *ClaimService) SubmitClaim(ctx context.Context, in SubmitClaimInput) (*SubmitClaimResult, error) {
	res, ok, err := s.reserve(ctx, "SubmitClaim", in.IdempotencyKey, in)
	if err != nil {
		return nil, err
	}
	if !ok {
		var out SubmitClaimResult
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

	var result *SubmitClaimResult
	cmdErr := func() error {
		if err := acquireLocks(ctx, tx, lockIDs{Voucher: in.VoucherID}); err != nil {
			return err
		}

		voucherEvents, err := deps.Events.FetchAggregate(ctx, domain.AggregateVoucher, in.VoucherID)
		if err != nil {
			return err
		}
		voucherState, err := reducer.FoldVoucher(voucherEvents)
		if err != nil {
			return err
		}
		if !voucherState.Exists {
			return domain.NewError(domain.CodeNotFound, "voucher not found", map[string]any{"voucherId": in.VoucherID})
		}
		if voucherState.IsLIRP && in.CoPay.GreaterThan(money.Zero) {
			return domain.NewError(domain.CodeLIRPCopayForbidden, "LIRP vouchers may not carry a co-pay", nil)
		}
		if voucherState.Status != domain.VoucherStatusIssued {
			return domain.NewError(domain.CodeVoucherExpired, "voucher is not in ISSUED status", map[string]any{"voucherId": in.VoucherID, "status": voucherState.Status})
		}
		if in.DateOfService.Before(voucherState.ValidFrom) || in.DateOfService.After(voucherState.ExpiresAt) {
			return domain.NewError(domain.CodeVoucherExpired, "dateOfService falls outside the voucher's validity window", map[string]any{"voucherId": in.VoucherID})
		}

		clinic, err := deps.Clinics.GetByID(in.ClinicID)
		if err != nil {
			return err
		}
		if clinic == nil || !clinic.Active {
			return domain.NewError(domain.CodeClinicNotActive, "clinic is not active", map[string]any{"clinicId": in.ClinicID})
		}
		if !clinic.LicenseValidOn(in.DateOfService) {
			return domain.NewError(domain.CodeLicenseNotValid, "clinic license does not cover dateOfService", map[string]any{"clinicId": in.ClinicID})
		}

		grantEvents, err := deps.Events.FetchAggregate(ctx, domain.AggregateGrant, voucherState.GrantID)
		if err != nil {
			return err
		}
		grantState, err := reducer.FoldGrant(grantEvents)
		if err != nil {
			return err
		}
		if in.DateOfService.Before(grantState.PeriodStart) || in.DateOfService.After(grantState.PeriodEnd) {
			return domain.NewError(domain.CodeGrantPeriodEnded, "dateOfService falls outside the grant's period", map[string]any{"grantId": voucherState.GrantID})
		}
		deadline := grantState.ClaimsDeadline.Add(s.cfg.ClaimSubmissionDeadlineGrace)
		if nowUTC().After(deadline) {
			return domain.NewError(domain.CodeClaimDeadlinePassed, "claim submission deadline has passed", map[string]any{"grantId": voucherState.GrantID})
		}

		sum := identity.ClaimFingerprint(in.VoucherID, in.ClinicID, in.ProcedureCode, in.DateOfService, in.RabiesFlag)
		fingerprint := hex.EncodeToString(sum[:])

		existing, err := deps.Claims.GetByFingerprint(voucherState.GrantCycleID, fingerprint)
		if err != nil {
			return err
		}
		if existing != nil {
			result = &SubmitClaimResult{ClaimID: existing.ClaimID, Duplicate: true}
			return nil
		}

		claimID := identity.NewAggregateID()
		if err := acquireLocks(ctx, tx, lockIDs{Claim: claimID}); err != nil {
			return err
		}

		submittedData := reducer.ClaimSubmittedData{
			ClaimID: claimID, GrantCycleID: voucherState.GrantCycleID, VoucherID: in.VoucherID, ClinicID: in.ClinicID,
			ProcedureCode: in.ProcedureCode, DateOfService: in.DateOfService, RabiesFlag: in.RabiesFlag,
			Fingerprint: fingerprint, SubmittedAmount: in.SubmittedAmount, CoPay: in.CoPay,
		}
		claimEvent, err := s.newEvent(domain.AggregateClaim, claimID, domain.EventClaimSubmitted, submittedData, voucherState.GrantCycleID, trace)
		if err != nil {
			return err
		}
		if _, err := deps.Events.Append(ctx, claimEvent); err != nil {
			return err
		}

		redeemedEvent, err := s.newEvent(domain.AggregateVoucher, in.VoucherID, domain.EventVoucherRedeemed, reducer.VoucherTerminalData{VoucherID: in.VoucherID, Reason: "claim submitted"}, voucherState.GrantCycleID, chainedTrace(trace, claimEvent.EventID))
		if err != nil {
			return err
		}
		if _, err := deps.Events.Append(ctx, redeemedEvent); err != nil {
			return err
		}

		if err := s.refoldClaim(ctx, deps, claimID, claimEvent); err != nil {
			return err
		}
		if err := s.refoldVoucherRow(ctx, deps, in.VoucherID, redeemedEvent); err != nil {
			return err
		}

		result = &SubmitClaimResult{ClaimID: claimID}
		return nil
	}()

	if err := s.finish(ctx, deps.Events, "SubmitClaim", in.IdempotencyKey, result, cmdErr); err != nil {
		return nil, err
	}
	return result, nil
}

// DecideClaimInput is shared by ApproveClaim and DenyClaim.
type DecideClaimInput struct {
	IdempotencyKey   string
	ClaimID          uuid.UUID
	ApprovedAmount   money.Cents // ApproveClaim only
	PolicySnapshotID string
	DecidedBy        uuid.UUID
	Reason           *string
	CorrelationID    uuid.UUID
	ActorID          uuid.UUID
	ActorType        domain.ActorType
}

// ApproveClaimInput is the input to ApproveClaim.
type ApproveClaimInput = DecideClaimInput

// DenyClaimInput is the input to DenyClaim.
type DenyClaimInput = DecideClaimInput

// ApproveClaim approves a submitted claim and liquidates the
// corresponding grant funds. If the claim already received a terminal
// decision, records CLAIM_DECISION_CONFLICT_RECORDED instead and
// leaves state unchanged — first terminal decision wins.
func (s *ClaimService) ApproveClaim(ctx context.Context, in ApproveClaimInput) error {
	return s.decide(ctx, "ApproveClaim", domain.EventClaimApproved, domain.ClaimStatusApproved, in, true)
}

// DenyClaim denies a submitted claim. If the claim already received a
// terminal decision, records CLAIM_DECISION_CONFLICT_RECORDED instead.
func (s *ClaimService) DenyClaim(ctx context.Context, in DenyClaimInput) error {
	return s.decide(ctx, "DenyClaim", domain.EventClaimDenied, domain.ClaimStatusDenied, in, false)
}

func (s *ClaimService) decide(ctx context.Context, commandType string, eventType domain.EventType, attempted domain.ClaimStatus, in DecideClaimInput, liquidate bool) error {
	_, ok, err := s.reserve(ctx, commandType, in.IdempotencyKey, in)
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
	basis := domain.DecisionBasis{PolicySnapshotID: in.PolicySnapshotID, DecidedBy: in.DecidedBy, DecidedAt: nowUTC(), Reason: in.Reason}

	cmdErr := func() error {
		if err := acquireLocks(ctx, tx, lockIDs{Claim: in.ClaimID}); err != nil {
			return err
		}
		claimEvents, err := deps.Events.FetchAggregate(ctx, domain.AggregateClaim, in.ClaimID)
		if err != nil {
			return err
		}
		claimState, err := reducer.FoldClaim(claimEvents)
		if err != nil {
			return err
		}
		if !claimState.Exists {
			return domain.NewError(domain.CodeNotFound, "claim not found", map[string]any{"claimId": in.ClaimID})
		}

		if claimState.Status.IsTerminalDecision() {
			conflictData := reducer.ClaimConflictData{ClaimID: in.ClaimID, AttemptedStatus: attempted, Basis: basis}
			conflictEvent, err := s.newEvent(domain.AggregateClaim, in.ClaimID, domain.EventClaimDecisionConflictRecorded, conflictData, claimState.GrantCycleID, trace)
			if err != nil {
				return err
			}
			if _, err := deps.Events.Append(ctx, conflictEvent); err != nil {
				return err
			}
			return s.refoldClaim(ctx, deps, in.ClaimID, conflictEvent)
		}

		decisionData := reducer.ClaimDecisionData{ClaimID: in.ClaimID, ApprovedAmount: in.ApprovedAmount, Basis: basis}
		decisionEvent, err := s.newEvent(domain.AggregateClaim, in.ClaimID, eventType, decisionData, claimState.GrantCycleID, trace)
		if err != nil {
			return err
		}
		if _, err := deps.Events.Append(ctx, decisionEvent); err != nil {
			return err
		}

		if liquidate {
			voucherEvents, err := deps.Events.FetchAggregate(ctx, domain.AggregateVoucher, claimState.VoucherID)
			if err != nil {
				return err
			}
			voucherState, err := reducer.FoldVoucher(voucherEvents)
			if err != nil {
				return err
			}
			if err := acquireLocks(ctx, tx, lockIDs{Grant: voucherState.GrantID}); err != nil {
				return err
			}
			claimIDCopy := in.ClaimID
			if err := s.grants.appendFundsDelta(ctx, deps, voucherState.GrantID, voucherState.GrantCycleID, domain.EventGrantFundsLiquidated, voucherState.Bucket, in.ApprovedAmount, claimState.VoucherID, &claimIDCopy, chainedTrace(trace, decisionEvent.EventID)); err != nil {
				return err
			}
		}

		return s.refoldClaim(ctx, deps, in.ClaimID, decisionEvent)
	}()

	return s.finish(ctx, deps.Events, commandType, in.IdempotencyKey, struct{}{}, cmdErr)
}

// AdjustClaimInput is the input to AdjustClaim.
type AdjustClaimInput struct {
	IdempotencyKey    string
	ClaimID           uuid.UUID
	NewApprovedAmount money.Cents
	PolicySnapshotID  string
	DecidedBy         uuid.UUID
	Reason            *string
	CorrelationID     uuid.UUID
	ActorID           uuid.UUID
	ActorType         domain.ActorType
}

// AdjustClaim corrects a previously-decided claim's approved amount.
// Repeated adjustments are allowed; the latest one wins (see
// reducer.FoldClaim). Emits CLAIM_ADJUSTED only — it does not itself
// move grant funds.
func (s *ClaimService) AdjustClaim(ctx context.Context, in AdjustClaimInput) error {
	_, ok, err := s.reserve(ctx, "AdjustClaim", in.IdempotencyKey, in)
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
	basis := domain.DecisionBasis{PolicySnapshotID: in.PolicySnapshotID, DecidedBy: in.DecidedBy, DecidedAt: nowUTC(), Reason: in.Reason}

	cmdErr := func() error {
		if err := acquireLocks(ctx, tx, lockIDs{Claim: in.ClaimID}); err != nil {
			return err
		}
		claimEvents, err := deps.Events.FetchAggregate(ctx, domain.AggregateClaim, in.ClaimID)
		if err != nil {
			return err
		}
		claimState, err := reducer.FoldClaim(claimEvents)
		if err != nil {
			return err
		}
		if !claimState.Exists {
			return domain.NewError(domain.CodeNotFound, "claim not found", map[string]any{"claimId": in.ClaimID})
		}

		data := reducer.ClaimAdjustedData{ClaimID: in.ClaimID, NewApprovedAmount: in.NewApprovedAmount, Basis: basis}
		event, err := s.newEvent(domain.AggregateClaim, in.ClaimID, domain.EventClaimAdjusted, data, claimState.GrantCycleID, trace)
		if err != nil {
			return err
		}
		if _, err := deps.Events.Append(ctx, event); err != nil {
			return err
		}
		return s.refoldClaim(ctx, deps, in.ClaimID, event)
	}()

	return s.finish(ctx, deps.Events, "AdjustClaim", in.IdempotencyKey, struct{}{}, cmdErr)
}

func (s *ClaimService) refoldClaim(ctx context.Context, deps Deps, claimID uuid.UUID, latest domain.Event) error {
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

func (s *ClaimService) refoldVoucherRow(ctx context.Context, deps Deps, voucherID uuid.UUID, latest domain.Event) error {
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
