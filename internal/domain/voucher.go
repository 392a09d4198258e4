package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/statevoucher/grantkernel/internal/money"
)

// VoucherStatus is the voucher lifecycle state:
// TENTATIVE → {ISSUED, VOIDED}; ISSUED → {REDEEMED, EXPIRED, VOIDED}.
// Terminal: REDEEMED, EXPIRED, VOIDED.
type VoucherStatus string

const (
	VoucherStatusTentative VoucherStatus = "TENTATIVE"
	VoucherStatusIssued    VoucherStatus = "ISSUED"
	VoucherStatusRedeemed  VoucherStatus = "REDEEMED"
	VoucherStatusExpired   VoucherStatus = "EXPIRED"
	VoucherStatusVoided    VoucherStatus = "VOIDED"
)

// IsTerminal reports whether s is one of the voucher's terminal states.
func (s VoucherStatus) IsTerminal() bool {
	switch s {
	case VoucherStatusRedeemed, VoucherStatusExpired, VoucherStatusVoided:
		return true
	default:
		return false
	}
}

// voucherTransitions is the legal-transition table for the voucher state
// machine. A transition not present here is illegal and must
// be rejected by the reducer.
var voucherTransitions = map[VoucherStatus]map[VoucherStatus]bool{
	VoucherStatusTentative: {VoucherStatusIssued: true, VoucherStatusVoided: true},
	VoucherStatusIssued:    {VoucherStatusRedeemed: true, VoucherStatusExpired: true, VoucherStatusVoided: true},
}

// CanTransition reports whether from -> to is a legal voucher
// transition.
func CanTransition(from, to VoucherStatus) bool {
	targets, ok := voucherTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// VoucherState is the Voucher aggregate, folded from VOUCHER_* events.
type VoucherState struct {
	VoucherID        uuid.UUID
	GrantID          uuid.UUID
	GrantCycleID     uuid.UUID
	Bucket           BucketName
	VoucherCode      *string
	MaxReimbursement money.Cents
	IsLIRP           bool
	ValidFrom        time.Time
	ExpiresAt        time.Time
	TentativeExpiresAt *time.Time
	Status           VoucherStatus
	ClinicID         *uuid.UUID

	Exists bool
}

// Invariant checks structural consistency of the folded state. State
// machine legality is enforced transition-by-transition during the fold
// itself (see reducer.FoldVoucher); by the time a terminal state is
// reached here, only existence is worth asserting.
func (v *VoucherState) Invariant() *KernelError {
	if v.Exists && v.Status == "" {
		return NewError(CodeInvariantViolation, "voucher exists with no status", map[string]any{"voucherId": v.VoucherID})
	}
	return nil
}

// VoucherRepository persists and retrieves the voucher projection.
type VoucherRepository interface {
	GetProjection(voucherID uuid.UUID) (*VoucherProjectionRow, error)
	GetByCode(grantCycleID uuid.UUID, code string) (*VoucherProjectionRow, error)
	UpsertProjection(row *VoucherProjectionRow) error
	ListTentativeExpiring(before time.Time) ([]*VoucherProjectionRow, error)
}

// VoucherProjectionRow is the rebuildable materialized view of a
// voucher's current state.
type VoucherProjectionRow struct {
	VoucherID          uuid.UUID
	GrantID            uuid.UUID
	GrantCycleID       uuid.UUID
	Bucket             BucketName
	VoucherCode        *string
	MaxReimbursement   money.Cents
	IsLIRP             bool
	ValidFrom          time.Time
	ExpiresAt          time.Time
	TentativeExpiresAt *time.Time
	Status             VoucherStatus
	ClinicID           *uuid.UUID

	WatermarkIngestedAt time.Time
	WatermarkEventID    uuid.UUID
	RebuiltAt           time.Time
}
