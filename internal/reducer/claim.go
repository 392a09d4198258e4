package reducer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/statevoucher/grantkernel/internal/domain"
	"github.com/statevoucher/grantkernel/internal/money"
)

// ClaimSubmittedData is the payload of CLAIM_SUBMITTED.
type ClaimSubmittedData struct {
	ClaimID       uuid.UUID
	GrantCycleID  uuid.UUID
	VoucherID     uuid.UUID
	ClinicID      uuid.UUID
	ProcedureCode string
	DateOfService time.Time
	RabiesFlag    bool
	Fingerprint   string // hex-encoded SHA-256
	SubmittedAmount money.Cents
	CoPay         money.Cents
}

// ClaimDecisionData is the payload of CLAIM_APPROVED / CLAIM_DENIED.
type ClaimDecisionData struct {
	ClaimID        uuid.UUID
	ApprovedAmount money.Cents
	Basis          domain.DecisionBasis
}

// ClaimAdjustedData is the payload of CLAIM_ADJUSTED.
type ClaimAdjustedData struct {
	ClaimID        uuid.UUID
	NewApprovedAmount money.Cents
	Basis          domain.DecisionBasis
}

// ClaimInvoicedData is the payload of CLAIM_INVOICED.
type ClaimInvoicedData struct {
	ClaimID   uuid.UUID
	InvoiceID uuid.UUID
}

// ClaimConflictData is the payload of CLAIM_DECISION_CONFLICT_RECORDED.
type ClaimConflictData struct {
	ClaimID         uuid.UUID
	AttemptedStatus domain.ClaimStatus
	Basis           domain.DecisionBasis
}

// FoldClaim replays events onto a fresh domain.ClaimState. Per spec
// Open Question #3 (decided in DESIGN.md): repeated CLAIM_ADJUSTED
// events are allowed and the latest one wins, since the fold simply
// applies each in order.
func FoldClaim(events []domain.Event) (*domain.ClaimState, error) {
	state := &domain.ClaimState{}
	for _, e := range events {
		if err := applyClaimEvent(state, e); err != nil {
			return nil, fmt.Errorf("fold claim event %s (%s): %w", e.EventID, e.EventType, err)
		}
	}
	if state.Exists {
		if err := state.Invariant(); err != nil {
			return nil, err
		}
	}
	return state, nil
}

func applyClaimEvent(state *domain.ClaimState, e domain.Event) error {
	switch e.EventType {
	case domain.EventClaimSubmitted:
		var data ClaimSubmittedData
		if err := json.Unmarshal(e.EventData, &data); err != nil {
			return err
		}
		*state = domain.ClaimState{
			ClaimID: data.ClaimID, GrantCycleID: data.GrantCycleID, VoucherID: data.VoucherID,
			ClinicID: data.ClinicID, ProcedureCode: data.ProcedureCode, DateOfService: data.DateOfService,
			RabiesFlag: data.RabiesFlag, Fingerprint: data.Fingerprint,
			SubmittedAmount: data.SubmittedAmount, CoPay: data.CoPay,
			Status: domain.ClaimStatusSubmitted, Exists: true,
		}

	case domain.EventClaimApproved:
		var data ClaimDecisionData
		if err := json.Unmarshal(e.EventData, &data); err != nil {
			return err
		}
		// First terminal decision wins: a
		// second decision against an already-terminal claim must have
		// been recorded as CLAIM_DECISION_CONFLICT_RECORDED by the
		// handler instead, so by construction this event only ever
		// appears once per claim in a well-formed log.
		if state.Status.IsTerminalDecision() {
			return nil
		}
		state.Status = domain.ClaimStatusApproved
		state.ApprovedAmount = data.ApprovedAmount
		eventID := e.EventID
		ingestedAt := e.IngestedAt
		state.ApprovedEventID = &eventID
		state.ApprovedAt = &ingestedAt
		basis := data.Basis
		state.DecisionBasis = &basis

	case domain.EventClaimDenied:
		var data ClaimDecisionData
		if err := json.Unmarshal(e.EventData, &data); err != nil {
			return err
		}
		if state.Status.IsTerminalDecision() {
			return nil
		}
		state.Status = domain.ClaimStatusDenied
		basis := data.Basis
		state.DecisionBasis = &basis

	case domain.EventClaimAdjusted:
		var data ClaimAdjustedData
		if err := json.Unmarshal(e.EventData, &data); err != nil {
			return err
		}
		// CLAIM_ADJUSTED carries a new approved amount and the state
		// machine's only exit from ADJUSTED is back to APPROVED, so the
		// claim lands back in APPROVED immediately — this is what keeps
		// it selectable
		// by the monthly invoice generator's `status = 'APPROVED'`
		// predicate after an amount correction. Repeated
		// CLAIM_ADJUSTED events are allowed (Open Question #3); each
		// fold overwrites ApprovedAmount, so the latest wins.
		state.Status = domain.ClaimStatusApproved
		state.ApprovedAmount = data.NewApprovedAmount
		basis := data.Basis
		state.DecisionBasis = &basis
		// The original approval watermark (ApprovedEventID/ApprovedAt)
		// is left untouched: it identifies when the claim first became
		// eligible for invoicing, not the latest amount.

	case domain.EventClaimInvoiced:
		var data ClaimInvoicedData
		if err := json.Unmarshal(e.EventData, &data); err != nil {
			return err
		}
		state.Status = domain.ClaimStatusInvoiced
		invoiceID := data.InvoiceID
		state.InvoiceID = &invoiceID

	case domain.EventClaimDecisionConflictRecorded:
		// Advisory record only; claim state is unchanged by
		// construction.
	}
	return nil
}
