package reducer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/statevoucher/grantkernel/internal/domain"
	"github.com/statevoucher/grantkernel/internal/money"
)

// VoucherIssuedData is the payload of VOUCHER_ISSUED and
// VOUCHER_ISSUED_TENTATIVE.
type VoucherIssuedData struct {
	VoucherID        uuid.UUID
	GrantID          uuid.UUID
	GrantCycleID     uuid.UUID
	Bucket           domain.BucketName
	MaxReimbursement money.Cents
	IsLIRP           bool
	ValidFrom        time.Time
	ExpiresAt        time.Time
	TentativeExpiresAt *time.Time
	ClinicID         *uuid.UUID
}

// VoucherCodeAllocatedData is the payload of VOUCHER_CODE_ALLOCATED.
type VoucherCodeAllocatedData struct {
	VoucherID uuid.UUID
	Code      string
}

// VoucherTerminalData is the shared payload shape of VOUCHER_REDEEMED,
// VOUCHER_EXPIRED, and VOUCHER_ISSUED_REJECTED.
type VoucherTerminalData struct {
	VoucherID uuid.UUID
	Reason    string
}

// FoldVoucher replays events onto a fresh domain.VoucherState, enforcing
// state-machine legality at every transition: emitting an illegal one
// is rejected in the reducer.
func FoldVoucher(events []domain.Event) (*domain.VoucherState, error) {
	state := &domain.VoucherState{}
	for _, e := range events {
		if err := applyVoucherEvent(state, e); err != nil {
			return nil, fmt.Errorf("fold voucher event %s (%s): %w", e.EventID, e.EventType, err)
		}
	}
	if err := state.Invariant(); err != nil {
		return nil, err
	}
	return state, nil
}

func applyVoucherEvent(state *domain.VoucherState, e domain.Event) error {
	transition := func(to domain.VoucherStatus) error {
		if !state.Exists {
			return nil // VOUCHER_ISSUED[_TENTATIVE] establishes the first status below
		}
		if !domain.CanTransition(state.Status, to) {
			return domain.NewError(domain.CodeInvariantViolation, "illegal voucher transition", map[string]any{
				"voucherId": state.VoucherID, "from": state.Status, "to": to,
			})
		}
		return nil
	}

	switch e.EventType {
	case domain.EventVoucherIssued:
		var data VoucherIssuedData
		if err := json.Unmarshal(e.EventData, &data); err != nil {
			return err
		}
		*state = domain.VoucherState{
			VoucherID: data.VoucherID, GrantID: data.GrantID, GrantCycleID: data.GrantCycleID,
			Bucket: data.Bucket, MaxReimbursement: data.MaxReimbursement, IsLIRP: data.IsLIRP,
			ValidFrom: data.ValidFrom, ExpiresAt: data.ExpiresAt, ClinicID: data.ClinicID,
			Status: domain.VoucherStatusIssued, Exists: true,
		}

	case domain.EventVoucherIssuedTentative:
		var data VoucherIssuedData
		if err := json.Unmarshal(e.EventData, &data); err != nil {
			return err
		}
		*state = domain.VoucherState{
			VoucherID: data.VoucherID, GrantID: data.GrantID, GrantCycleID: data.GrantCycleID,
			Bucket: data.Bucket, MaxReimbursement: data.MaxReimbursement, IsLIRP: data.IsLIRP,
			ValidFrom: data.ValidFrom, ExpiresAt: data.ExpiresAt, TentativeExpiresAt: data.TentativeExpiresAt,
			ClinicID: data.ClinicID, Status: domain.VoucherStatusTentative, Exists: true,
		}

	case domain.EventVoucherIssuedConfirmed:
		if err := transition(domain.VoucherStatusIssued); err != nil {
			return err
		}
		state.Status = domain.VoucherStatusIssued
		state.TentativeExpiresAt = nil

	case domain.EventVoucherIssuedRejected:
		if err := transition(domain.VoucherStatusVoided); err != nil {
			return err
		}
		state.Status = domain.VoucherStatusVoided

	case domain.EventVoucherRedeemed:
		if err := transition(domain.VoucherStatusRedeemed); err != nil {
			return err
		}
		state.Status = domain.VoucherStatusRedeemed

	case domain.EventVoucherExpired:
		if err := transition(domain.VoucherStatusExpired); err != nil {
			return err
		}
		state.Status = domain.VoucherStatusExpired

	case domain.EventVoucherVoided:
		if err := transition(domain.VoucherStatusVoided); err != nil {
			return err
		}
		state.Status = domain.VoucherStatusVoided

	case domain.EventVoucherCodeAllocated:
		var data VoucherCodeAllocatedData
		if err := json.Unmarshal(e.EventData, &data); err != nil {
			return err
		}
		code := data.Code
		state.VoucherCode = &code
	}
	return nil
}
