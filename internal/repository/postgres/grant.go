package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/ehr-access/internal/model"
	"github.com/jwalitptl/ehr-access/internal/repository"
	apperrors "github.com/jwalitptl/ehr-access/pkg/errors"
)

const grantColumns = `id, subject_id, owner_id, level, granted_at, expires_at, active, revoked_at, updated_at`

// The unique (subject_id, owner_id) constraint makes this the only way a
// grant row comes into existence, so racing approvals converge on one row.
const upsertGrantQuery = `
	INSERT INTO access_grants (
		id, subject_id, owner_id, level, granted_at, expires_at, active, revoked_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, TRUE, NULL, $5)
	ON CONFLICT (subject_id, owner_id) DO UPDATE SET
		level = EXCLUDED.level,
		granted_at = EXCLUDED.granted_at,
		expires_at = EXCLUDED.expires_at,
		active = TRUE,
		revoked_at = NULL,
		updated_at = EXCLUDED.updated_at
	RETURNING ` + grantColumns

type grantRepository struct {
	BaseRepository
}

func NewGrantRepository(base BaseRepository) repository.GrantRepository {
	return &grantRepository{base}
}

func upsertGrant(ctx context.Context, q sqlx.QueryerContext, grant *model.AccessGrant) (*model.AccessGrant, error) {
	if grant.SubjectID == uuid.Nil || grant.OwnerID == uuid.Nil {
		return nil, apperrors.BadRequest("grant requires subject and owner", nil)
	}
	id := grant.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	var saved model.AccessGrant
	err := sqlx.GetContext(ctx, q, &saved, upsertGrantQuery,
		id,
		grant.SubjectID,
		grant.OwnerID,
		grant.Level,
		grant.GrantedAt,
		grant.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert access grant: %w", err)
	}
	return &saved, nil
}

func (r *grantRepository) Upsert(ctx context.Context, grant *model.AccessGrant) (*model.AccessGrant, error) {
	return upsertGrant(ctx, r.db, grant)
}

func (r *grantRepository) GetActive(ctx context.Context, subjectID, ownerID uuid.UUID, now time.Time) (*model.AccessGrant, error) {
	query := `
		SELECT ` + grantColumns + `
		FROM access_grants
		WHERE subject_id = $1 AND owner_id = $2 AND active AND expires_at > $3
		LIMIT 2
	`
	var grants []*model.AccessGrant
	if err := r.db.SelectContext(ctx, &grants, query, subjectID, ownerID, now); err != nil {
		return nil, fmt.Errorf("failed to get active grant: %w", err)
	}

	switch len(grants) {
	case 0:
		return nil, apperrors.NotFound("access grant", nil)
	case 1:
		return grants[0], nil
	default:
		return nil, apperrors.InvariantViolation(fmt.Sprintf("multiple active grants for subject %s and owner %s", subjectID, ownerID))
	}
}

func (r *grantRepository) Revoke(ctx context.Context, ownerID, subjectID uuid.UUID, at time.Time) (*model.AccessGrant, error) {
	query := `
		UPDATE access_grants
		SET active = FALSE, revoked_at = $3, updated_at = $3
		WHERE owner_id = $1 AND subject_id = $2 AND active
		RETURNING ` + grantColumns

	var grant model.AccessGrant
	if err := r.db.GetContext(ctx, &grant, query, ownerID, subjectID, at); err != nil {
		return nil, notFound("access grant", err)
	}
	return &grant, nil
}

func (r *grantRepository) List(ctx context.Context, filter model.GrantFilter) ([]*model.AccessGrant, error) {
	query := `SELECT ` + grantColumns + ` FROM access_grants WHERE 1=1`
	var args []interface{}

	if filter.OwnerID != nil {
		args = append(args, *filter.OwnerID)
		query += fmt.Sprintf(" AND owner_id = $%d", len(args))
	}
	if filter.SubjectID != nil {
		args = append(args, *filter.SubjectID)
		query += fmt.Sprintf(" AND subject_id = $%d", len(args))
	}
	if filter.ActiveOnly {
		query += " AND active AND expires_at > NOW()"
	}

	page := filter.Pagination.Normalize()
	args = append(args, page.Limit, page.Offset)
	query += fmt.Sprintf(" ORDER BY granted_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	grants := []*model.AccessGrant{}
	if err := r.db.SelectContext(ctx, &grants, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list access grants: %w", err)
	}
	return grants, nil
}

func (r *grantRepository) ExpireBefore(ctx context.Context, now time.Time, limit int) ([]*model.AccessGrant, error) {
	query := `
		UPDATE access_grants
		SET active = FALSE, updated_at = $1
		WHERE id IN (
			SELECT id FROM access_grants
			WHERE active AND expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + grantColumns

	grants := []*model.AccessGrant{}
	if err := r.db.SelectContext(ctx, &grants, query, now, limit); err != nil {
		return nil, fmt.Errorf("failed to expire access grants: %w", err)
	}
	return grants, nil
}
