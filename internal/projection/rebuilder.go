package projection

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/statevoucher/grantkernel/internal/domain"
	"github.com/statevoucher/grantkernel/internal/eventlog"
	"github.com/statevoucher/grantkernel/internal/reducer"
)

// fetchBatchSize bounds each FetchSince call during a full rebuild scan.
const fetchBatchSize = 1000

// Rebuilder recomputes every projection row from the event log, starting
// at domain.ZeroWatermark and folding each aggregate forward. It is the
// only path allowed to call UpsertProjection outside of a command
// handler's own write.
type Rebuilder struct {
	Store       eventlog.Store
	Grants      domain.GrantRepository
	Vouchers    domain.VoucherRepository
	Claims      domain.ClaimRepository
	Invoices    domain.InvoiceRepository
	Adjustments domain.AdjustmentRepository
	Payments    domain.PaymentRepository
	Logger      zerolog.Logger
}

type aggregateKey struct {
	kind domain.AggregateType
	id   uuid.UUID
}

// RebuildAll scans the entire event log once, in watermark order, to
// discover every distinct aggregate, then refolds and upserts each
// aggregate's projection row. Payments are replayed directly from
// PAYMENT_RECORDED events as they are seen (append-only, not folded).
func (r *Rebuilder) RebuildAll(ctx context.Context) error {
	start := time.Now()
	seen := make(map[aggregateKey]struct{})
	watermark := domain.ZeroWatermark

	for {
		batch, err := r.Store.FetchSince(ctx, watermark, fetchBatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		for _, e := range batch {
			key := aggregateKey{kind: e.AggregateType, id: e.AggregateID}
			if _, ok := seen[key]; !ok {
				seen[key] = struct{}{}
			}
			if e.EventType == domain.EventPaymentRecorded {
				if err := r.replayPayment(e); err != nil {
					return err
				}
			}
			watermark = domain.WatermarkOf(e)
		}
		if len(batch) < fetchBatchSize {
			break
		}
	}

	var rebuilt int
	for key := range seen {
		if err := r.rebuildOne(ctx, key, watermark); err != nil {
			return err
		}
		rebuilt++
	}

	r.Logger.Info().
		Int("aggregates_rebuilt", rebuilt).
		Dur("elapsed", time.Since(start)).
		Msg("projection rebuild complete")
	return nil
}

func (r *Rebuilder) replayPayment(e domain.Event) error {
	payments, err := reducer.FoldPayments([]domain.Event{e})
	if err != nil {
		return err
	}
	for i := range payments {
		p := payments[i]
		if err := r.Payments.Insert(&p); err != nil {
			return err
		}
	}
	return nil
}

func (r *Rebuilder) rebuildOne(ctx context.Context, key aggregateKey, watermark domain.Watermark) error {
	events, err := r.Store.FetchAggregate(ctx, key.kind, key.id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	switch key.kind {
	case domain.AggregateGrant:
		state, err := reducer.FoldGrant(events)
		if err != nil {
			return err
		}
		if !state.Exists {
			return nil
		}
		return r.Grants.UpsertProjection(&domain.GrantProjectionRow{
			GrantID: state.GrantID, GrantCycleID: state.GrantCycleID, Status: state.Status, Buckets: state.Buckets,
			WatermarkIngestedAt: watermark.IngestedAt, WatermarkEventID: watermark.EventID, RebuiltAt: now,
		})

	case domain.AggregateVoucher:
		state, err := reducer.FoldVoucher(events)
		if err != nil {
			return err
		}
		if !state.Exists {
			return nil
		}
		return r.Vouchers.UpsertProjection(&domain.VoucherProjectionRow{
			VoucherID: state.VoucherID, GrantID: state.GrantID, GrantCycleID: state.GrantCycleID, Bucket: state.Bucket,
			VoucherCode: state.VoucherCode, MaxReimbursement: state.MaxReimbursement, IsLIRP: state.IsLIRP,
			ValidFrom: state.ValidFrom, ExpiresAt: state.ExpiresAt, TentativeExpiresAt: state.TentativeExpiresAt,
			Status: state.Status, ClinicID: state.ClinicID,
			WatermarkIngestedAt: watermark.IngestedAt, WatermarkEventID: watermark.EventID, RebuiltAt: now,
		})

	case domain.AggregateClaim:
		state, err := reducer.FoldClaim(events)
		if err != nil {
			return err
		}
		if !state.Exists {
			return nil
		}
		return r.Claims.UpsertProjection(&domain.ClaimProjectionRow{
			ClaimID: state.ClaimID, GrantCycleID: state.GrantCycleID, VoucherID: state.VoucherID, ClinicID: state.ClinicID,
			ProcedureCode: state.ProcedureCode, DateOfService: state.DateOfService, RabiesFlag: state.RabiesFlag,
			Fingerprint: state.Fingerprint, Status: state.Status, SubmittedAmount: state.SubmittedAmount,
			ApprovedAmount: state.ApprovedAmount, CoPay: state.CoPay, ApprovedEventID: state.ApprovedEventID,
			ApprovedAt: state.ApprovedAt, InvoiceID: state.InvoiceID,
			WatermarkIngestedAt: watermark.IngestedAt, WatermarkEventID: watermark.EventID, RebuiltAt: now,
		})

	case domain.AggregateInvoice:
		state, err := reducer.FoldInvoice(events)
		if err != nil {
			return err
		}
		if !state.Exists {
			return nil
		}
		return r.Invoices.UpsertProjection(&domain.InvoiceProjectionRow{
			InvoiceID: state.InvoiceID, GrantCycleID: state.GrantCycleID, ClinicID: state.ClinicID,
			Year: state.Year, Month: state.Month, ClaimIDs: state.ClaimIDs, AdjustmentIDs: state.AdjustmentIDs,
			Total: state.Total, Lifecycle: state.Lifecycle, PaidTotal: state.PaidTotal,
			PaymentStatus: state.DerivedPaymentStatus(),
			WatermarkIngestedAt: watermark.IngestedAt, WatermarkEventID: watermark.EventID, RebuiltAt: now,
		})

	case domain.AggregateAdjustment:
		state, err := reducer.FoldAdjustment(events)
		if err != nil {
			return err
		}
		if !state.Exists {
			return nil
		}
		return r.Adjustments.UpsertProjection(&domain.AdjustmentProjectionRow{
			AdjustmentID: state.AdjustmentID, GrantCycleID: state.GrantCycleID, SourceInvoiceID: state.SourceInvoiceID,
			ClinicID: state.ClinicID, Amount: state.Amount, AppliedToInvoiceID: state.AppliedToInvoiceID,
			WatermarkIngestedAt: watermark.IngestedAt, WatermarkEventID: watermark.EventID, RebuiltAt: now,
		})

	default:
		// Allocator state lives purely in the event log (no projection
		// table — its sequence is recomputed on demand by the issuance
		// handler, never read by a query), so there is nothing to upsert
		// here.
		return nil
	}
}
