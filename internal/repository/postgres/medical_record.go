package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/ehr-access/internal/model"
	"github.com/jwalitptl/ehr-access/internal/repository"
	apperrors "github.com/jwalitptl/ehr-access/pkg/errors"
	"github.com/jwalitptl/ehr-access/pkg/policy"
)

const recordColumns = `id, patient_id, author_id, organization_id, unit_id, type, title,
	diagnosis, prescription, notes, vitals, lab_results, encrypted, sealed, policy_hash,
	created_at, updated_at`

type medicalRecordRepository struct {
	BaseRepository
}

func NewMedicalRecordRepository(base BaseRepository) repository.MedicalRecordRepository {
	return &medicalRecordRepository{base}
}

func (r *medicalRecordRepository) Create(ctx context.Context, record *model.MedicalRecord) error {
	query := `
		INSERT INTO medical_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err := r.db.ExecContext(ctx, query,
		record.ID,
		record.PatientID,
		record.AuthorID,
		record.OrganizationID,
		record.UnitID,
		record.Type,
		record.Title,
		record.Diagnosis,
		record.Prescription,
		record.Notes,
		record.Vitals,
		record.LabResults,
		record.Encrypted,
		record.Sealed,
		record.PolicyHash,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create medical record: %w", err)
	}
	return nil
}

func (r *medicalRecordRepository) Get(ctx context.Context, id uuid.UUID) (*model.MedicalRecord, error) {
	var record model.MedicalRecord
	query := `SELECT ` + recordColumns + ` FROM medical_records WHERE id = $1`
	if err := r.db.GetContext(ctx, &record, query, id); err != nil {
		return nil, notFound("medical record", err)
	}
	return &record, nil
}

func (r *medicalRecordRepository) ListByPatient(ctx context.Context, patientID uuid.UUID, filters *model.RecordFilters) ([]*model.MedicalRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM medical_records WHERE patient_id = $1`
	args := []interface{}{patientID}

	if filters == nil {
		filters = &model.RecordFilters{}
	}
	if filters.Type != "" {
		args = append(args, filters.Type)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if !filters.StartDate.IsZero() {
		args = append(args, filters.StartDate)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !filters.EndDate.IsZero() {
		args = append(args, filters.EndDate)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}

	page := filters.Pagination.Normalize()
	args = append(args, page.Limit, page.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	records := []*model.MedicalRecord{}
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list medical records: %w", err)
	}
	return records, nil
}

func (r *medicalRecordRepository) ReplaceEncryption(ctx context.Context, record *model.MedicalRecord, expectedUpdatedAt time.Time) error {
	query := `
		UPDATE medical_records SET
			diagnosis = $1,
			prescription = $2,
			notes = $3,
			vitals = $4,
			lab_results = $5,
			encrypted = $6,
			sealed = $7,
			policy_hash = $8,
			updated_at = $9
		WHERE id = $10 AND updated_at = $11
	`
	result, err := r.db.ExecContext(ctx, query,
		record.Diagnosis,
		record.Prescription,
		record.Notes,
		record.Vitals,
		record.LabResults,
		record.Encrypted,
		record.Sealed,
		record.PolicyHash,
		record.UpdatedAt,
		record.ID,
		expectedUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update medical record encryption: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update medical record encryption: %w", err)
	}
	if rows == 0 {
		return apperrors.Conflict("medical record was modified concurrently")
	}
	return nil
}

func (r *medicalRecordRepository) HasAuthoredInOrg(ctx context.Context, authorID, patientID uuid.UUID, org policy.OrgID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM medical_records
			WHERE author_id = $1 AND patient_id = $2 AND organization_id = $3
		)
	`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, authorID, patientID, org); err != nil {
		return false, fmt.Errorf("failed to check record history: %w", err)
	}
	return exists, nil
}
