package scheduling

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/clinicq/internal/platform/db"
)

// patientDirectoryPG reads the patient_account projection maintained by the
// registration service.
type patientDirectoryPG struct{ pool *pgxpool.Pool }

func NewPatientDirectoryPG(pool *pgxpool.Pool) PatientDirectory {
	return &patientDirectoryPG{pool: pool}
}

func (d *patientDirectoryPG) IsEligible(ctx context.Context, patientID uuid.UUID) (bool, error) {
	var eligible bool
	err := db.Conn(ctx, d.pool).QueryRow(ctx,
		`SELECT is_active AND is_verified FROM patient_account WHERE id = $1`, patientID).Scan(&eligible)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return eligible, err
}
