package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// AllocatorState is the per-(grantCycle, county) voucher-code numbering
// aggregate, identified by the deterministic id in
// identity.AllocatorID.
type AllocatorState struct {
	AllocatorID    uuid.UUID
	GrantCycleID   uuid.UUID
	CountyCode     string
	NextSequence   int64
	AllocatedCodes map[string]struct{}

	Exists bool
}

// NewAllocatorState returns an empty allocator starting at sequence 1.
func NewAllocatorState() *AllocatorState {
	return &AllocatorState{NextSequence: 1, AllocatedCodes: make(map[string]struct{})}
}

// FormatCode renders the human-readable voucher code for a given
// sequence number and issuance date: <COUNTY>-<YYYYMMDD>-<NNNN>.
func FormatCode(countyCode string, issuedDate string, sequence int64) string {
	return fmt.Sprintf("%s-%s-%04d", countyCode, issuedDate, sequence)
}

// Invariant checks the allocator never regresses or double-allocates.
func (a *AllocatorState) Invariant() *KernelError {
	if a.NextSequence < 1 {
		return NewError(CodeInvariantViolation, "allocator sequence below 1", map[string]any{"allocatorId": a.AllocatorID})
	}
	if int64(len(a.AllocatedCodes)) >= a.NextSequence {
		return NewError(CodeInvariantViolation, "allocated code count exceeds next sequence", map[string]any{"allocatorId": a.AllocatorID})
	}
	return nil
}
