package domain

import (
	"time"

	"github.com/google/uuid"
)

// Clinic is reference data about a participating veterinary clinic: it
// is never event-sourced (no CLINIC_* event exists), only looked up by
// business rules that gate claim submission and approval
// (CLINIC_NOT_ACTIVE, LICENSE_NOT_VALID).
type Clinic struct {
	ClinicID         uuid.UUID
	Name             string
	LicenseNumber    string
	LicenseExpiresAt time.Time
	Active           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// LicenseValidOn reports whether the clinic's license covers the given
// date.
func (c *Clinic) LicenseValidOn(date time.Time) bool {
	return !date.After(c.LicenseExpiresAt)
}

// ClinicRepository is a plain reference-data lookup, not a projection —
// clinics are registered out of band and simply read by command
// handlers.
type ClinicRepository interface {
	GetByID(clinicID uuid.UUID) (*Clinic, error)
	GetAll() ([]*Clinic, error)
}
