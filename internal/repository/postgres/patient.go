package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/ehr-access/internal/model"
	"github.com/jwalitptl/ehr-access/internal/repository"
	apperrors "github.com/jwalitptl/ehr-access/pkg/errors"
)

type patientRepository struct {
	BaseRepository
}

func NewPatientRepository(base BaseRepository) repository.PatientRepository {
	return &patientRepository{base}
}

func (r *patientRepository) Create(ctx context.Context, patient *model.Patient) error {
	query := `
		INSERT INTO patients (id, name, email, created_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := r.db.ExecContext(ctx, query, patient.ID, patient.Name, patient.Email, patient.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflict("patient already exists")
		}
		return fmt.Errorf("failed to create patient: %w", err)
	}
	return nil
}

func (r *patientRepository) Get(ctx context.Context, id uuid.UUID) (*model.Patient, error) {
	var patient model.Patient
	query := `SELECT id, name, email, created_at FROM patients WHERE id = $1`
	if err := r.db.GetContext(ctx, &patient, query, id); err != nil {
		return nil, notFound("patient", err)
	}
	return &patient, nil
}
