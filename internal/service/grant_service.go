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

// GrantService administers a grant's lifecycle (creation through
// closure) and its fund-balance ledger. The 12-command kernel surface
// never calls CreateGrant/ActivateGrant directly — those exist so a
// grant cycle can be set up at all before any voucher or claim command
// has something to operate against — but every command that moves
// money (voucher issuance, tentative-voucher rejection, claim approval)
// goes through
// appendFundsDelta here to keep the GRANT_FUNDS_* event shape in one
// place.
type GrantService struct {
	base
}

// NewGrantService builds a production GrantService bound to pool.
func NewGrantService(pool *pgxpool.Pool, idem idempotency.Cache, seq *identity.EventIDSequencer, cfg *config.Config, logger zerolog.Logger) *GrantService {
	return &GrantService{base: base{pool: pool, idem: idem, sequencer: seq, cfg: cfg, logger: logger}}
}

// NewGrantServiceForTesting builds a GrantService that runs against an
// in-memory event store and repositories, for unit tests.
func NewGrantServiceForTesting(store *eventlog.MemStore, deps Deps, idem idempotency.Cache, seq *identity.EventIDSequencer, cfg *config.Config) *GrantService {
	return &GrantService{base: base{memStore: store, testDeps: deps, idem: idem, sequencer: seq, cfg: cfg}}
}

// CreateGrantInput is the input to CreateGrant.
type CreateGrantInput struct {
	IdempotencyKey string
	GrantCycleID   uuid.UUID
	PeriodStart    time.Time
	PeriodEnd      time.Time
	ClaimsDeadline time.Time
	Buckets        []domain.GrantBucketAmounts
	CorrelationID  uuid.UUID
	ActorID        uuid.UUID
	ActorType      domain.ActorType
}

// CreateGrantResult is the output of CreateGrant.
type CreateGrantResult struct {
	GrantID uuid.UUID
}

// CreateGrant mints a new grant aggregate with its initial bucket
// awards. This is the only way GENERAL/LIRP funds enter the ledger.
func (s *GrantService) CreateGrant(ctx context.Context, in CreateGrantInput) (*CreateGrantResult, error) {
	res, ok, err := s.reserve(ctx, "CreateGrant", in.IdempotencyKey, in)
	if err != nil {
		return nil, err
	}
	if !ok {
		var out CreateGrantResult
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

	grantID := identity.NewAggregateID()
	trace := domain.Trace{CorrelationID: in.CorrelationID, ActorID: in.ActorID, ActorType: in.ActorType}

	var result *CreateGrantResult
	cmdErr := func() error {
		if err := acquireLocks(ctx, tx, lockIDs{Grant: grantID}); err != nil {
			return err
		}
		data := domain.GrantCreatedData{
			GrantID: grantID, GrantCycleID: in.GrantCycleID,
			PeriodStart: in.PeriodStart, PeriodEnd: in.PeriodEnd, ClaimsDeadline: in.ClaimsDeadline,
			Buckets: in.Buckets,
		}
		event, err := s.newEvent(domain.AggregateGrant, grantID, domain.EventGrantCreated, data, in.GrantCycleID, trace)
		if err != nil {
			return err
		}
		if _, err := deps.Events.Append(ctx, event); err != nil {
			return err
		}
		if err := s.refoldGrant(ctx, deps, grantID, event); err != nil {
			return err
		}
		result = &CreateGrantResult{GrantID: grantID}
		return nil
	}()

	if err := s.finish(ctx, deps.Events, "CreateGrant", in.IdempotencyKey, result, cmdErr); err != nil {
		return nil, err
	}
	return result, nil
}

// TransitionGrantInput is shared by the single-event lifecycle
// transitions below (sign, activate, suspend, reinstate, close, mark
// period ended, mark claims deadline passed): each simply appends one
// GRANT_* event carrying no payload beyond the aggregate id.
type TransitionGrantInput struct {
	IdempotencyKey string
	GrantID        uuid.UUID
	GrantCycleID   uuid.UUID
	CorrelationID  uuid.UUID
	ActorID        uuid.UUID
	ActorType      domain.ActorType
}

func (s *GrantService) transition(ctx context.Context, commandType string, eventType domain.EventType, in TransitionGrantInput) error {
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

	cmdErr := func() error {
		if err := acquireLocks(ctx, tx, lockIDs{Grant: in.GrantID}); err != nil {
			return err
		}
		event, err := s.newEvent(domain.AggregateGrant, in.GrantID, eventType, struct{}{}, in.GrantCycleID, trace)
		if err != nil {
			return err
		}
		if _, err := deps.Events.Append(ctx, event); err != nil {
			return err
		}
		return s.refoldGrant(ctx, deps, in.GrantID, event)
	}()

	return s.finish(ctx, deps.Events, commandType, in.IdempotencyKey, struct{}{}, cmdErr)
}

// ActivateGrant moves a signed grant into ACTIVE, where vouchers may be
// issued against it.
func (s *GrantService) ActivateGrant(ctx context.Context, in TransitionGrantInput) error {
	return s.transition(ctx, "ActivateGrant", domain.EventGrantActivated, in)
}

// SignAgreement records GRANT_AGREEMENT_SIGNED.
func (s *GrantService) SignAgreement(ctx context.Context, in TransitionGrantInput) error {
	return s.transition(ctx, "SignAgreement", domain.EventGrantAgreementSigned, in)
}

// SuspendGrant halts new voucher issuance against the grant without
// closing it.
func (s *GrantService) SuspendGrant(ctx context.Context, in TransitionGrantInput) error {
	return s.transition(ctx, "SuspendGrant", domain.EventGrantSuspended, in)
}

// ReinstateGrant resumes a suspended grant.
func (s *GrantService) ReinstateGrant(ctx context.Context, in TransitionGrantInput) error {
	return s.transition(ctx, "ReinstateGrant", domain.EventGrantReinstated, in)
}

// CloseGrant marks the grant permanently closed.
func (s *GrantService) CloseGrant(ctx context.Context, in TransitionGrantInput) error {
	return s.transition(ctx, "CloseGrant", domain.EventGrantClosed, in)
}

// MarkPeriodEnded records the informational GRANT_PERIOD_ENDED marker.
func (s *GrantService) MarkPeriodEnded(ctx context.Context, in TransitionGrantInput) error {
	return s.transition(ctx, "MarkPeriodEnded", domain.EventGrantPeriodEnded, in)
}

// MarkClaimsDeadlinePassed records the informational
// GRANT_CLAIMS_DEADLINE_PASSED marker. SubmitClaim does not read this
// marker; its deadline check compares the clock with the grant's
// ClaimsDeadline plus the configured grace.
func (s *GrantService) MarkClaimsDeadlinePassed(ctx context.Context, in TransitionGrantInput) error {
	return s.transition(ctx, "MarkClaimsDeadlinePassed", domain.EventGrantClaimsDeadlinePassed, in)
}

// ReportMatchingFundsInput is the input to ReportMatchingFunds.
type ReportMatchingFundsInput struct {
	IdempotencyKey string
	GrantID        uuid.UUID
	GrantCycleID   uuid.UUID
	Bucket         domain.BucketName
	Amount         money.Cents
	CorrelationID  uuid.UUID
	ActorID        uuid.UUID
	ActorType      domain.ActorType
}

// ReportMatchingFunds records a grantee's reported matching-funds
// contribution. Tracked for reporting only; never enters the
// available/encumbered/liquidated balance invariant.
func (s *GrantService) ReportMatchingFunds(ctx context.Context, in ReportMatchingFundsInput) error {
	_, ok, err := s.reserve(ctx, "ReportMatchingFunds", in.IdempotencyKey, in)
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
		if err := acquireLocks(ctx, tx, lockIDs{Grant: in.GrantID}); err != nil {
			return err
		}
		data := matchingFundsReportedPayload{Bucket: in.Bucket, Amount: in.Amount}
		event, err := s.newEvent(domain.AggregateGrant, in.GrantID, domain.EventMatchingFundsReported, data, in.GrantCycleID, trace)
		if err != nil {
			return err
		}
		if _, err := deps.Events.Append(ctx, event); err != nil {
			return err
		}
		return s.refoldGrant(ctx, deps, in.GrantID, event)
	}()

	return s.finish(ctx, deps.Events, "ReportMatchingFunds", in.IdempotencyKey, struct{}{}, cmdErr)
}

// appendFundsDelta appends one of the three GRANT_FUNDS_* events
// (encumbered/released/liquidated, selected by eventType) on the
// already-open transaction deps belongs to, and refolds the grant
// projection so the balance invariant is checked before the command
// commits. Shared by VoucherService (encumber on issuance, release on
// tentative rejection) and ClaimService (liquidate on approval).
func (s *GrantService) appendFundsDelta(ctx context.Context, deps Deps, grantID, grantCycleID uuid.UUID, eventType domain.EventType, bucket domain.BucketName, amount money.Cents, voucherID uuid.UUID, claimID *uuid.UUID, trace domain.Trace) error {
	data := domain.GrantFundsDeltaData{Bucket: bucket, Amount: amount, VoucherID: voucherID, ClaimID: claimID}
	event, err := s.newEvent(domain.AggregateGrant, grantID, eventType, data, grantCycleID, trace)
	if err != nil {
		return err
	}
	if _, err := deps.Events.Append(ctx, event); err != nil {
		return err
	}
	return s.refoldGrant(ctx, deps, grantID, event)
}

// refoldGrant replays the grant's full event history and upserts the
// resulting projection row. Called after every grant-aggregate event
// append so the projection never drifts from the log within a command.
func (s *GrantService) refoldGrant(ctx context.Context, deps Deps, grantID uuid.UUID, latest domain.Event) error {
	events, err := deps.Events.FetchAggregate(ctx, domain.AggregateGrant, grantID)
	if err != nil {
		return err
	}
	state, err := reducer.FoldGrant(events)
	if err != nil {
		return err
	}
	row := &domain.GrantProjectionRow{
		GrantID: state.GrantID, GrantCycleID: state.GrantCycleID, Status: state.Status,
		Buckets: state.Buckets, WatermarkIngestedAt: latest.IngestedAt, WatermarkEventID: latest.EventID,
		RebuiltAt: nowUTC(),
	}
	return deps.Grants.UpsertProjection(row)
}

// matchingFundsReportedPayload mirrors reducer.matchingFundsReportedData
// (unexported there); command handlers build their own copy of the wire
// shape since only the reducer package needs to unmarshal it back.
type matchingFundsReportedPayload struct {
	Bucket domain.BucketName
	Amount money.Cents
}
