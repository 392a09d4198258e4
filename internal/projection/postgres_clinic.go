package projection

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/statevoucher/grantkernel/internal/domain"
)

// Schema:
//
//	CREATE TABLE clinic (
//	    clinic_id UUID PRIMARY KEY,
//	    name TEXT NOT NULL,
//	    license_number TEXT NOT NULL,
//	    license_expires_at TIMESTAMPTZ NOT NULL,
//	    active BOOLEAN NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);

// ClinicRepository implements domain.ClinicRepository over Postgres.
// Clinics are registered out of band (a state-administered onboarding
// process, out of this kernel's scope) and only read here.
type ClinicRepository struct {
	db dbConn
}

func NewClinicRepository(db dbConn) *ClinicRepository { return &ClinicRepository{db: db} }

const clinicColumns = `clinic_id, name, license_number, license_expires_at, active, created_at, updated_at`

func scanClinicRow(row pgx.Row) (*domain.Clinic, error) {
	var c domain.Clinic
	if err := row.Scan(&c.ClinicID, &c.Name, &c.LicenseNumber, &c.LicenseExpiresAt, &c.Active, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ClinicRepository) GetByID(clinicID uuid.UUID) (*domain.Clinic, error) {
	row := r.db.QueryRow(context.Background(), "SELECT "+clinicColumns+" FROM clinic WHERE clinic_id = $1", clinicID)
	out, err := scanClinicRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewError(domain.CodeNotFound, "clinic not found", map[string]any{"clinicId": clinicID})
	}
	return out, err
}

func (r *ClinicRepository) GetAll() ([]*domain.Clinic, error) {
	rows, err := r.db.Query(context.Background(), "SELECT "+clinicColumns+" FROM clinic ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Clinic
	for rows.Next() {
		c, err := scanClinicRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
