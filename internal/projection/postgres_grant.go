// Package projection implements the disposable, rebuildable read-side
// repositories: one row type per aggregate family, each carrying
// rebuiltAt/watermarkIngestedAt/watermarkEventId, and a Rebuilder that
// recomputes every row from zero by refolding the event log. No
// projection enforces physical immutability — only the event log does.
package projection

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/statevoucher/grantkernel/internal/domain"
)

// Schema (applied out-of-band by migrations):
//
//	CREATE TABLE grant_projection (
//	    grant_id UUID PRIMARY KEY,
//	    grant_cycle_id UUID NOT NULL,
//	    status TEXT NOT NULL,
//	    buckets JSONB NOT NULL,
//	    watermark_ingested_at TIMESTAMPTZ NOT NULL,
//	    watermark_event_id UUID NOT NULL,
//	    rebuilt_at TIMESTAMPTZ NOT NULL
//	);

// GrantRepository implements domain.GrantRepository over Postgres.
type GrantRepository struct {
	db dbConn
}

// NewGrantRepository returns a Postgres-backed grant projection
// repository.
func NewGrantRepository(db dbConn) *GrantRepository {
	return &GrantRepository{db: db}
}

// Bucket's fields are all exported and money.Cents implements
// json.Marshaler/Unmarshaler, so the bucket map round-trips through
// encoding/json directly — no hand-rolled wire type needed.

func encodeBuckets(buckets map[domain.BucketName]*domain.Bucket) ([]byte, error) {
	return json.Marshal(buckets)
}

func decodeBuckets(raw []byte) (map[domain.BucketName]*domain.Bucket, error) {
	var buckets map[domain.BucketName]*domain.Bucket
	if err := json.Unmarshal(raw, &buckets); err != nil {
		return nil, err
	}
	return buckets, nil
}

func (r *GrantRepository) GetProjection(grantID uuid.UUID) (*domain.GrantProjectionRow, error) {
	const q = `
SELECT grant_id, grant_cycle_id, status, buckets, watermark_ingested_at, watermark_event_id, rebuilt_at
FROM grant_projection WHERE grant_id = $1`
	row := r.db.QueryRow(context.Background(), q, grantID)
	var out domain.GrantProjectionRow
	var status string
	var raw []byte
	if err := row.Scan(&out.GrantID, &out.GrantCycleID, &status, &raw, &out.WatermarkIngestedAt, &out.WatermarkEventID, &out.RebuiltAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewError(domain.CodeNotFound, "grant projection not found", map[string]any{"grantId": grantID})
		}
		return nil, err
	}
	out.Status = domain.GrantStatus(status)
	buckets, err := decodeBuckets(raw)
	if err != nil {
		return nil, err
	}
	out.Buckets = buckets
	return &out, nil
}

func (r *GrantRepository) UpsertProjection(row *domain.GrantProjectionRow) error {
	raw, err := encodeBuckets(row.Buckets)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO grant_projection (grant_id, grant_cycle_id, status, buckets, watermark_ingested_at, watermark_event_id, rebuilt_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (grant_id) DO UPDATE SET
  status = EXCLUDED.status, buckets = EXCLUDED.buckets,
  watermark_ingested_at = EXCLUDED.watermark_ingested_at, watermark_event_id = EXCLUDED.watermark_event_id,
  rebuilt_at = EXCLUDED.rebuilt_at`
	_, err = r.db.Exec(context.Background(), q, row.GrantID, row.GrantCycleID, string(row.Status), raw,
		row.WatermarkIngestedAt, row.WatermarkEventID, row.RebuiltAt)
	return err
}
