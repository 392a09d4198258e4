package projection

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/statevoucher/grantkernel/internal/domain"
	"github.com/statevoucher/grantkernel/internal/money"
)

// Schema:
//
//	CREATE TABLE invoice_projection (
//	    invoice_id UUID PRIMARY KEY,
//	    grant_cycle_id UUID NOT NULL,
//	    clinic_id UUID NOT NULL,
//	    year INT NOT NULL,
//	    month INT NOT NULL,
//	    claim_ids UUID[] NOT NULL,
//	    adjustment_ids UUID[] NOT NULL,
//	    total_cents BIGINT NOT NULL,
//	    lifecycle TEXT NOT NULL,
//	    paid_total_cents BIGINT NOT NULL,
//	    payment_status TEXT NOT NULL,
//	    watermark_ingested_at TIMESTAMPTZ NOT NULL,
//	    watermark_event_id UUID NOT NULL,
//	    rebuilt_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE UNIQUE INDEX invoice_clinic_month_idx ON invoice_projection (grant_cycle_id, clinic_id, year, month);
//
//	CREATE TABLE payment_record (
//	    payment_id UUID PRIMARY KEY,
//	    invoice_id UUID NOT NULL,
//	    amount_cents BIGINT NOT NULL,
//	    channel TEXT NOT NULL,
//	    reference TEXT NOT NULL,
//	    recorded_at TIMESTAMPTZ NOT NULL
//	);
//
//	CREATE TABLE adjustment_projection (
//	    adjustment_id UUID PRIMARY KEY,
//	    grant_cycle_id UUID NOT NULL,
//	    source_invoice_id UUID NOT NULL,
//	    clinic_id UUID,
//	    amount_cents BIGINT NOT NULL,
//	    applied_to_invoice_id UUID,
//	    watermark_ingested_at TIMESTAMPTZ NOT NULL,
//	    watermark_event_id UUID NOT NULL,
//	    rebuilt_at TIMESTAMPTZ NOT NULL
//	);

// InvoiceRepository implements domain.InvoiceRepository over Postgres.
type InvoiceRepository struct {
	db dbConn
}

func NewInvoiceRepository(db dbConn) *InvoiceRepository { return &InvoiceRepository{db: db} }

const invoiceColumns = `invoice_id, grant_cycle_id, clinic_id, year, month, claim_ids, adjustment_ids,
       total_cents, lifecycle, paid_total_cents, payment_status, watermark_ingested_at, watermark_event_id, rebuilt_at`

func scanInvoiceRow(row pgx.Row) (*domain.InvoiceProjectionRow, error) {
	var (
		out             domain.InvoiceProjectionRow
		lifecycle       string
		paymentStatus   string
		total, paid     int64
	)
	if err := row.Scan(&out.InvoiceID, &out.GrantCycleID, &out.ClinicID, &out.Year, &out.Month,
		&out.ClaimIDs, &out.AdjustmentIDs, &total, &lifecycle, &paid, &paymentStatus,
		&out.WatermarkIngestedAt, &out.WatermarkEventID, &out.RebuiltAt); err != nil {
		return nil, err
	}
	out.Total = money.FromInt64(total)
	out.PaidTotal = money.FromInt64(paid)
	out.Lifecycle = domain.InvoiceLifecycleStatus(lifecycle)
	out.PaymentStatus = domain.PaymentStatus(paymentStatus)
	return &out, nil
}

func (r *InvoiceRepository) GetProjection(invoiceID uuid.UUID) (*domain.InvoiceProjectionRow, error) {
	row := r.db.QueryRow(context.Background(), "SELECT "+invoiceColumns+" FROM invoice_projection WHERE invoice_id = $1", invoiceID)
	out, err := scanInvoiceRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewError(domain.CodeNotFound, "invoice projection not found", map[string]any{"invoiceId": invoiceID})
	}
	return out, err
}

func (r *InvoiceRepository) ListForClinicAndMonth(grantCycleID, clinicID uuid.UUID, year, month int) (*domain.InvoiceProjectionRow, error) {
	row := r.db.QueryRow(context.Background(),
		"SELECT "+invoiceColumns+" FROM invoice_projection WHERE grant_cycle_id = $1 AND clinic_id = $2 AND year = $3 AND month = $4",
		grantCycleID, clinicID, year, month)
	out, err := scanInvoiceRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return out, err
}

func (r *InvoiceRepository) UpsertProjection(row *domain.InvoiceProjectionRow) error {
	const q = `
INSERT INTO invoice_projection (invoice_id, grant_cycle_id, clinic_id, year, month, claim_ids, adjustment_ids,
                                 total_cents, lifecycle, paid_total_cents, payment_status,
                                 watermark_ingested_at, watermark_event_id, rebuilt_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (invoice_id) DO UPDATE SET
  claim_ids = EXCLUDED.claim_ids, adjustment_ids = EXCLUDED.adjustment_ids, total_cents = EXCLUDED.total_cents,
  lifecycle = EXCLUDED.lifecycle, paid_total_cents = EXCLUDED.paid_total_cents, payment_status = EXCLUDED.payment_status,
  watermark_ingested_at = EXCLUDED.watermark_ingested_at, watermark_event_id = EXCLUDED.watermark_event_id,
  rebuilt_at = EXCLUDED.rebuilt_at`
	_, err := r.db.Exec(context.Background(), q,
		row.InvoiceID, row.GrantCycleID, row.ClinicID, row.Year, row.Month, row.ClaimIDs, row.AdjustmentIDs,
		row.Total.Int64(), string(row.Lifecycle), row.PaidTotal.Int64(), string(row.PaymentStatus),
		row.WatermarkIngestedAt, row.WatermarkEventID, row.RebuiltAt)
	return err
}

// PaymentRepository implements domain.PaymentRepository over Postgres.
type PaymentRepository struct {
	db dbConn
}

func NewPaymentRepository(db dbConn) *PaymentRepository { return &PaymentRepository{db: db} }

func (r *PaymentRepository) Insert(row *domain.PaymentState) error {
	const q = `
INSERT INTO payment_record (payment_id, invoice_id, amount_cents, channel, reference, recorded_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (payment_id) DO NOTHING`
	_, err := r.db.Exec(context.Background(), q, row.PaymentID, row.InvoiceID, row.Amount.Int64(), row.Channel, row.Reference, row.RecordedAt)
	return err
}

func (r *PaymentRepository) ListForInvoice(invoiceID uuid.UUID) ([]*domain.PaymentState, error) {
	rows, err := r.db.Query(context.Background(),
		"SELECT payment_id, invoice_id, amount_cents, channel, reference, recorded_at FROM payment_record WHERE invoice_id = $1", invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.PaymentState
	for rows.Next() {
		var p domain.PaymentState
		var amount int64
		if err := rows.Scan(&p.PaymentID, &p.InvoiceID, &amount, &p.Channel, &p.Reference, &p.RecordedAt); err != nil {
			return nil, err
		}
		p.Amount = money.FromInt64(amount)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// AdjustmentRepository implements domain.AdjustmentRepository over
// Postgres.
type AdjustmentRepository struct {
	db dbConn
}

func NewAdjustmentRepository(db dbConn) *AdjustmentRepository {
	return &AdjustmentRepository{db: db}
}

const adjustmentColumns = `adjustment_id, grant_cycle_id, source_invoice_id, clinic_id, amount_cents,
       applied_to_invoice_id, watermark_ingested_at, watermark_event_id, rebuilt_at`

func scanAdjustmentRow(row pgx.Row) (*domain.AdjustmentProjectionRow, error) {
	var out domain.AdjustmentProjectionRow
	var amount int64
	if err := row.Scan(&out.AdjustmentID, &out.GrantCycleID, &out.SourceInvoiceID, &out.ClinicID, &amount,
		&out.AppliedToInvoiceID, &out.WatermarkIngestedAt, &out.WatermarkEventID, &out.RebuiltAt); err != nil {
		return nil, err
	}
	out.Amount = money.FromInt64(amount)
	return &out, nil
}

func (r *AdjustmentRepository) GetProjection(adjustmentID uuid.UUID) (*domain.AdjustmentProjectionRow, error) {
	row := r.db.QueryRow(context.Background(), "SELECT "+adjustmentColumns+" FROM adjustment_projection WHERE adjustment_id = $1", adjustmentID)
	out, err := scanAdjustmentRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewError(domain.CodeNotFound, "adjustment projection not found", map[string]any{"adjustmentId": adjustmentID})
	}
	return out, err
}

func (r *AdjustmentRepository) UpsertProjection(row *domain.AdjustmentProjectionRow) error {
	const q = `
INSERT INTO adjustment_projection (adjustment_id, grant_cycle_id, source_invoice_id, clinic_id, amount_cents,
                                    applied_to_invoice_id, watermark_ingested_at, watermark_event_id, rebuilt_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (adjustment_id) DO UPDATE SET
  applied_to_invoice_id = EXCLUDED.applied_to_invoice_id, watermark_ingested_at = EXCLUDED.watermark_ingested_at,
  watermark_event_id = EXCLUDED.watermark_event_id, rebuilt_at = EXCLUDED.rebuilt_at`
	_, err := r.db.Exec(context.Background(), q,
		row.AdjustmentID, row.GrantCycleID, row.SourceInvoiceID, row.ClinicID, row.Amount.Int64(),
		row.AppliedToInvoiceID, row.WatermarkIngestedAt, row.WatermarkEventID, row.RebuiltAt)
	return err
}

func (r *AdjustmentRepository) ListUnappliedForClinic(grantCycleID, clinicID uuid.UUID) ([]*domain.AdjustmentProjectionRow, error) {
	const q = `
SELECT ` + adjustmentColumns + ` FROM adjustment_projection
WHERE grant_cycle_id = $1 AND applied_to_invoice_id IS NULL AND (clinic_id IS NULL OR clinic_id = $2)`
	rows, err := r.db.Query(context.Background(), q, grantCycleID, clinicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.AdjustmentProjectionRow
	for rows.Next() {
		a, err := scanAdjustmentRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
