package reducer

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/statevoucher/grantkernel/internal/domain"
)

// AllocatorAdvancedData is the payload of VOUCHER_CODE_ALLOCATED as seen
// by the allocator aggregate (the same event also updates the voucher
// aggregate — see VoucherCodeAllocatedData).
type AllocatorAdvancedData struct {
	AllocatorID  uuid.UUID
	GrantCycleID uuid.UUID
	CountyCode   string
	Sequence     int64
	Code         string
}

// FoldAllocator replays VOUCHER_CODE_ALLOCATED events for one allocator
// id and returns the resulting sequence/code-set state.
func FoldAllocator(events []domain.Event) (*domain.AllocatorState, error) {
	state := domain.NewAllocatorState()
	for _, e := range events {
		if e.EventType != domain.EventVoucherCodeAllocated {
			continue
		}
		var data AllocatorAdvancedData
		if err := json.Unmarshal(e.EventData, &data); err != nil {
			return nil, fmt.Errorf("fold allocator event %s: %w", e.EventID, err)
		}
		state.AllocatorID = data.AllocatorID
		state.GrantCycleID = data.GrantCycleID
		state.CountyCode = data.CountyCode
		state.Exists = true
		state.AllocatedCodes[data.Code] = struct{}{}
		if data.Sequence+1 > state.NextSequence {
			state.NextSequence = data.Sequence + 1
		}
	}
	if state.Exists {
		if err := state.Invariant(); err != nil {
			return nil, err
		}
	}
	return state, nil
}
