package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/ehr-access/internal/model"
	"github.com/jwalitptl/ehr-access/internal/repository"
	apperrors "github.com/jwalitptl/ehr-access/pkg/errors"
)

type clinicianRepository struct {
	BaseRepository
}

func NewClinicianRepository(base BaseRepository) repository.ClinicianRepository {
	return &clinicianRepository{base}
}

func (r *clinicianRepository) Create(ctx context.Context, c *model.Clinician) error {
	query := `
		INSERT INTO clinicians (id, name, email, organization_id, unit_id, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		c.ID,
		c.Name,
		c.Email,
		c.OrganizationID,
		c.UnitID,
		c.Active,
		c.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflict("clinician already exists")
		}
		return fmt.Errorf("failed to create clinician: %w", err)
	}
	return nil
}

func (r *clinicianRepository) Get(ctx context.Context, id uuid.UUID) (*model.Clinician, error) {
	var c model.Clinician
	query := `
		SELECT id, name, email, organization_id, unit_id, active, created_at
		FROM clinicians
		WHERE id = $1
	`
	if err := r.db.GetContext(ctx, &c, query, id); err != nil {
		return nil, notFound("clinician", err)
	}
	return &c, nil
}

func (r *clinicianRepository) Update(ctx context.Context, c *model.Clinician) error {
	query := `
		UPDATE clinicians
		SET name = $2, email = $3, organization_id = $4, unit_id = $5, active = $6
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, c.ID, c.Name, c.Email, c.OrganizationID, c.UnitID, c.Active)
	if err != nil {
		return fmt.Errorf("failed to update clinician: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update clinician: %w", err)
	}
	if n == 0 {
		return apperrors.NotFound("clinician", nil)
	}
	return nil
}
