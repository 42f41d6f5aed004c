package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/ehr-access/internal/model"
	"github.com/jwalitptl/ehr-access/internal/repository"
)

type accessCodeRepository struct {
	BaseRepository
}

func NewAccessCodeRepository(base BaseRepository) repository.AccessCodeRepository {
	return &accessCodeRepository{base}
}

func (r *accessCodeRepository) Get(ctx context.Context, ownerID uuid.UUID) (*model.AccessCode, error) {
	var code model.AccessCode
	query := `SELECT owner_id, code, rotated_at FROM access_codes WHERE owner_id = $1`
	if err := r.db.GetContext(ctx, &code, query, ownerID); err != nil {
		return nil, notFound("access code", err)
	}
	return &code, nil
}

func (r *accessCodeRepository) Upsert(ctx context.Context, code *model.AccessCode) error {
	query := `
		INSERT INTO access_codes (owner_id, code, rotated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id) DO UPDATE SET
			code = EXCLUDED.code,
			rotated_at = EXCLUDED.rotated_at
	`
	if _, err := r.db.ExecContext(ctx, query, code.OwnerID, code.Code, code.RotatedAt); err != nil {
		return fmt.Errorf("failed to upsert access code: %w", err)
	}
	return nil
}
