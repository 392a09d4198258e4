// Package reducer implements the pure (state, event) -> state folds for
// each of the six aggregate families, plus their post-fold invariant
// checks. Every function here is side-effect-free: no I/O,
// no clock reads, no randomness. Command handlers are the only callers
// that touch the database or the identity generators.
package reducer

import (
	"encoding/json"
	"fmt"

	"github.com/statevoucher/grantkernel/internal/domain"
	"github.com/statevoucher/grantkernel/internal/money"
)

// FoldGrant replays events onto a fresh domain.GrantState in order and
// returns the resulting state. Events are not filtered by aggregateId;
// callers pass one grant's stream, as FetchAggregate returns it.
func FoldGrant(events []domain.Event) (*domain.GrantState, error) {
	state := domain.NewGrantState()
	for _, e := range events {
		if err := applyGrantEvent(state, e); err != nil {
			return nil, fmt.Errorf("fold grant event %s (%s): %w", e.EventID, e.EventType, err)
		}
	}
	if state.Exists {
		if err := state.Invariant(); err != nil {
			return nil, err
		}
	}
	return state, nil
}

func applyGrantEvent(state *domain.GrantState, e domain.Event) error {
	switch e.EventType {
	case domain.EventGrantCreated:
		var data domain.GrantCreatedData
		if err := json.Unmarshal(e.EventData, &data); err != nil {
			return err
		}
		state.GrantID = data.GrantID
		state.GrantCycleID = data.GrantCycleID
		state.PeriodStart = data.PeriodStart
		state.PeriodEnd = data.PeriodEnd
		state.ClaimsDeadline = data.ClaimsDeadline
		state.Status = domain.GrantStatusCreated
		state.Exists = true
		for _, b := range data.Buckets {
			state.Buckets[b.Name] = &domain.Bucket{
				Name:              b.Name,
				Awarded:           b.Awarded,
				Available:         b.Awarded,
				ReimbursementRate: b.ReimbursementRate,
			}
		}

	case domain.EventGrantAgreementSigned:
		state.Status = domain.GrantStatusAgreementSigned

	case domain.EventGrantActivated, domain.EventGrantReinstated:
		state.Status = domain.GrantStatusActive

	case domain.EventGrantSuspended:
		state.Status = domain.GrantStatusSuspended

	case domain.EventGrantClosed:
		state.Status = domain.GrantStatusClosed

	case domain.EventGrantPeriodEnded, domain.EventGrantClaimsDeadlinePassed:
		// Informational markers; no balance or status change.

	case domain.EventGrantFundsEncumbered:
		var data domain.GrantFundsDeltaData
		if err := json.Unmarshal(e.EventData, &data); err != nil {
			return err
		}
		b := bucketOrNew(state, data.Bucket)
		b.Available = b.Available.Sub(data.Amount)
		b.Encumbered = b.Encumbered.Add(data.Amount)

	case domain.EventGrantFundsReleased:
		var data domain.GrantFundsDeltaData
		if err := json.Unmarshal(e.EventData, &data); err != nil {
			return err
		}
		b := bucketOrNew(state, data.Bucket)
		b.Encumbered = b.Encumbered.Sub(data.Amount)
		b.Available = b.Available.Add(data.Amount)
		b.Released = b.Released.Add(data.Amount)

	case domain.EventGrantFundsLiquidated:
		var data domain.GrantFundsDeltaData
		if err := json.Unmarshal(e.EventData, &data); err != nil {
			return err
		}
		b := bucketOrNew(state, data.Bucket)
		b.Encumbered = b.Encumbered.Sub(data.Amount)
		b.Liquidated = b.Liquidated.Add(data.Amount)

	case domain.EventMatchingFundsReported:
		var md matchingFundsReportedData
		if err := json.Unmarshal(e.EventData, &md); err != nil {
			return err
		}
		b := bucketOrNew(state, md.Bucket)
		b.MatchingFundsReported = b.MatchingFundsReported.Add(md.Amount)

	case domain.EventLIRPMustHonorEnforced:
		// Advisory/compliance marker only; no state change to the ledger.
	}
	return nil
}

func bucketOrNew(state *domain.GrantState, name domain.BucketName) *domain.Bucket {
	b, ok := state.Buckets[name]
	if !ok {
		b = &domain.Bucket{Name: name}
		state.Buckets[name] = b
	}
	return b
}

// matchingFundsReportedData is the payload of MATCHING_FUNDS_REPORTED.
type matchingFundsReportedData struct {
	Bucket domain.BucketName
	Amount money.Cents
}
