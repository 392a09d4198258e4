package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/statevoucher/grantkernel/internal/money"
)

// ClaimStatus is the claim lifecycle state: SUBMITTED → {APPROVED,
// DENIED}; APPROVED → INVOICED. CLAIM_ADJUSTED does not have its own
// resting status — it carries a corrected approved amount and the
// fold lands the claim right back in APPROVED (see reducer.FoldClaim),
// so it stays selectable by the monthly invoice generator. There is no
// ClaimStatusAdjusted: a status no event ever settles on would be dead
// code, not a real state.
type ClaimStatus string

const (
	ClaimStatusSubmitted ClaimStatus = "SUBMITTED"
	ClaimStatusApproved  ClaimStatus = "APPROVED"
	ClaimStatusDenied    ClaimStatus = "DENIED"
	ClaimStatusInvoiced  ClaimStatus = "INVOICED"
)

// IsTerminalDecision reports whether s represents the claim having
// already received a first terminal decision (approve or deny). Used to
// detect a second decision attempt, which must instead emit
// CLAIM_DECISION_CONFLICT_RECORDED.
func (s ClaimStatus) IsTerminalDecision() bool {
	switch s {
	case ClaimStatusApproved, ClaimStatusDenied, ClaimStatusInvoiced:
		return true
	default:
		return false
	}
}

// DecisionBasis is mandatory on every terminal decision:
// policySnapshotId, decidedBy, decidedAt, reason (optional).
type DecisionBasis struct {
	PolicySnapshotID string
	DecidedBy        uuid.UUID
	DecidedAt        time.Time
	Reason           *string
}

// ClaimState is the Claim aggregate, folded from CLAIM_* events.
type ClaimState struct {
	ClaimID         uuid.UUID // UUIDv4 minted by SubmitClaim, not supplied by the caller; never a UUIDv7, never the event id
	GrantCycleID    uuid.UUID
	VoucherID       uuid.UUID
	ClinicID        uuid.UUID
	ProcedureCode   string
	DateOfService   time.Time
	RabiesFlag      bool
	Fingerprint     string // hex-encoded SHA-256

	Status          ClaimStatus
	SubmittedAmount money.Cents
	ApprovedAmount  money.Cents
	CoPay           money.Cents

	// ApprovedEventID/ApprovedAt are captured on approval and required
	// for the monthly-invoice selection watermark.
	ApprovedEventID *uuid.UUID
	ApprovedAt      *time.Time

	InvoiceID *uuid.UUID

	DecisionBasis *DecisionBasis

	Exists bool
}

// Invariant checks claim structural consistency: an approved (or
// invoiced) claim always carries both halves of its invoice-selection
// watermark together.
func (c *ClaimState) Invariant() *KernelError {
	if !c.Exists {
		return nil
	}
	hasID, hasAt := c.ApprovedEventID != nil, c.ApprovedAt != nil
	if hasID != hasAt {
		return NewError(CodeInvariantViolation, "approvedEventId and approvedAt must be set together", map[string]any{"claimId": c.ClaimID})
	}
	if (c.Status == ClaimStatusApproved || c.Status == ClaimStatusInvoiced) && !hasID {
		return NewError(CodeInvariantViolation, "approved/invoiced claim missing approval watermark", map[string]any{"claimId": c.ClaimID})
	}
	if c.Status == ClaimStatusInvoiced && c.InvoiceID == nil {
		return NewError(CodeInvariantViolation, "invoiced claim missing invoiceId", map[string]any{"claimId": c.ClaimID})
	}
	return nil
}

// ClaimRepository persists and retrieves the claim projection, including
// the fingerprint lookup the submission handler uses for de-duplication.
// The fingerprint is never an aggregate id — it's a business-key hash
// used purely to detect duplicate submissions.
type ClaimRepository interface {
	GetProjection(claimID uuid.UUID) (*ClaimProjectionRow, error)
	GetByFingerprint(grantCycleID uuid.UUID, fingerprint string) (*ClaimProjectionRow, error)
	UpsertProjection(row *ClaimProjectionRow) error
	ListApprovedForInvoicing(grantCycleID uuid.UUID, clinicID uuid.UUID, year, month int) ([]*ClaimProjectionRow, error)
}

// ClaimProjectionRow is the rebuildable materialized view of a claim's
// current state.
type ClaimProjectionRow struct {
	ClaimID         uuid.UUID
	GrantCycleID    uuid.UUID
	VoucherID       uuid.UUID
	ClinicID        uuid.UUID
	ProcedureCode   string
	DateOfService   time.Time
	RabiesFlag      bool
	Fingerprint     string
	Status          ClaimStatus
	SubmittedAmount money.Cents
	ApprovedAmount  money.Cents
	CoPay           money.Cents
	ApprovedEventID *uuid.UUID
	ApprovedAt      *time.Time
	InvoiceID       *uuid.UUID

	WatermarkIngestedAt time.Time
	WatermarkEventID    uuid.UUID
	RebuiltAt           time.Time
}
