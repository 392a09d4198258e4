package projection

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/statevoucher/grantkernel/internal/domain"
	"github.com/statevoucher/grantkernel/internal/money"
)

// Schema:
//
//	CREATE TABLE voucher_projection (
//	    voucher_id UUID PRIMARY KEY,
//	    grant_id UUID NOT NULL,
//	    grant_cycle_id UUID NOT NULL,
//	    bucket TEXT NOT NULL,
//	    voucher_code TEXT,
//	    max_reimbursement_cents BIGINT NOT NULL,
//	    is_lirp BOOLEAN NOT NULL,
//	    valid_from TIMESTAMPTZ NOT NULL,
//	    expires_at TIMESTAMPTZ NOT NULL,
//	    tentative_expires_at TIMESTAMPTZ,
//	    status TEXT NOT NULL,
//	    clinic_id UUID,
//	    watermark_ingested_at TIMESTAMPTZ NOT NULL,
//	    watermark_event_id UUID NOT NULL,
//	    rebuilt_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE UNIQUE INDEX voucher_code_idx ON voucher_projection (grant_cycle_id, voucher_code) WHERE voucher_code IS NOT NULL;

// VoucherRepository implements domain.VoucherRepository over Postgres.
type VoucherRepository struct {
	db dbConn
}

// NewVoucherRepository returns a Postgres-backed voucher projection
// repository.
func NewVoucherRepository(db dbConn) *VoucherRepository {
	return &VoucherRepository{db: db}
}

const voucherColumns = `voucher_id, grant_id, grant_cycle_id, bucket, voucher_code, max_reimbursement_cents,
       is_lirp, valid_from, expires_at, tentative_expires_at, status, clinic_id,
       watermark_ingested_at, watermark_event_id, rebuilt_at`

func scanVoucherRow(row pgx.Row) (*domain.VoucherProjectionRow, error) {
	var (
		out         domain.VoucherProjectionRow
		bucket      string
		status      string
		maxReimb    int64
		voucherCode *string
	)
	if err := row.Scan(&out.VoucherID, &out.GrantID, &out.GrantCycleID, &bucket, &voucherCode, &maxReimb,
		&out.IsLIRP, &out.ValidFrom, &out.ExpiresAt, &out.TentativeExpiresAt, &status, &out.ClinicID,
		&out.WatermarkIngestedAt, &out.WatermarkEventID, &out.RebuiltAt); err != nil {
		return nil, err
	}
	out.Bucket = domain.BucketName(bucket)
	out.Status = domain.VoucherStatus(status)
	out.MaxReimbursement = money.FromInt64(maxReimb)
	out.VoucherCode = voucherCode
	return &out, nil
}

func (r *VoucherRepository) GetProjection(voucherID uuid.UUID) (*domain.VoucherProjectionRow, error) {
	row := r.db.QueryRow(context.Background(), "SELECT "+voucherColumns+" FROM voucher_projection WHERE voucher_id = $1", voucherID)
	out, err := scanVoucherRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewError(domain.CodeNotFound, "voucher projection not found", map[string]any{"voucherId": voucherID})
	}
	return out, err
}

func (r *VoucherRepository) GetByCode(grantCycleID uuid.UUID, code string) (*domain.VoucherProjectionRow, error) {
	row := r.db.QueryRow(context.Background(),
		"SELECT "+voucherColumns+" FROM voucher_projection WHERE grant_cycle_id = $1 AND voucher_code = $2", grantCycleID, code)
	out, err := scanVoucherRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewError(domain.CodeNotFound, "voucher projection not found", map[string]any{"code": code})
	}
	return out, err
}

func (r *VoucherRepository) UpsertProjection(row *domain.VoucherProjectionRow) error {
	const q = `
INSERT INTO voucher_projection (voucher_id, grant_id, grant_cycle_id, bucket, voucher_code, max_reimbursement_cents,
                                 is_lirp, valid_from, expires_at, tentative_expires_at, status, clinic_id,
                                 watermark_ingested_at, watermark_event_id, rebuilt_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (voucher_id) DO UPDATE SET
  voucher_code = EXCLUDED.voucher_code, status = EXCLUDED.status, clinic_id = EXCLUDED.clinic_id,
  watermark_ingested_at = EXCLUDED.watermark_ingested_at, watermark_event_id = EXCLUDED.watermark_event_id,
  rebuilt_at = EXCLUDED.rebuilt_at`
	_, err := r.db.Exec(context.Background(), q,
		row.VoucherID, row.GrantID, row.GrantCycleID, string(row.Bucket), row.VoucherCode, row.MaxReimbursement.Int64(),
		row.IsLIRP, row.ValidFrom, row.ExpiresAt, row.TentativeExpiresAt, string(row.Status), row.ClinicID,
		row.WatermarkIngestedAt, row.WatermarkEventID, row.RebuiltAt)
	return err
}

func (r *VoucherRepository) ListTentativeExpiring(before time.Time) ([]*domain.VoucherProjectionRow, error) {
	rows, err := r.db.Query(context.Background(),
		"SELECT "+voucherColumns+" FROM voucher_projection WHERE status = $1 AND tentative_expires_at <= $2",
		string(domain.VoucherStatusTentative), before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.VoucherProjectionRow
	for rows.Next() {
		v, err := scanVoucherRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
