package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/ehr-access/internal/model"
	"github.com/jwalitptl/ehr-access/internal/repository"
	apperrors "github.com/jwalitptl/ehr-access/pkg/errors"
)

const requestColumns = `id, subject_id, owner_id, message, requested_level, status,
	response_message, source, requested_at, responded_at`

type accessRequestRepository struct {
	BaseRepository
}

func NewAccessRequestRepository(base BaseRepository) repository.AccessRequestRepository {
	return &accessRequestRepository{base}
}

func (r *accessRequestRepository) CreatePending(ctx context.Context, req *model.AccessRequest) (*model.AccessRequest, bool, error) {
	insert := `
		INSERT INTO access_requests (
			id, subject_id, owner_id, message, requested_level, status,
			response_message, source, requested_at
		) VALUES ($1, $2, $3, $4, $5, 'pending', '', 'request', $6)
		ON CONFLICT (subject_id, owner_id) WHERE status = 'pending' DO NOTHING
		RETURNING ` + requestColumns

	existing := `
		SELECT ` + requestColumns + `
		FROM access_requests
		WHERE subject_id = $1 AND owner_id = $2 AND status = 'pending'
	`

	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}

	// The pending row that blocked the insert may be resolved before we
	// read it back; a couple of attempts settle the race.
	for attempt := 0; attempt < 3; attempt++ {
		var created model.AccessRequest
		err := r.db.GetContext(ctx, &created, insert,
			req.ID,
			req.SubjectID,
			req.OwnerID,
			req.Message,
			req.RequestedLevel,
			req.RequestedAt,
		)
		if err == nil {
			return &created, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("failed to create access request: %w", err)
		}

		var pending model.AccessRequest
		err = r.db.GetContext(ctx, &pending, existing, req.SubjectID, req.OwnerID)
		if err == nil {
			return &pending, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("failed to get pending access request: %w", err)
		}
	}
	return nil, false, apperrors.Conflict("access request is being modified concurrently")
}

func (r *accessRequestRepository) Get(ctx context.Context, id uuid.UUID) (*model.AccessRequest, error) {
	var req model.AccessRequest
	query := `SELECT ` + requestColumns + ` FROM access_requests WHERE id = $1`
	if err := r.db.GetContext(ctx, &req, query, id); err != nil {
		return nil, notFound("access request", err)
	}
	return &req, nil
}

func (r *accessRequestRepository) Resolve(ctx context.Context, res model.RequestResolution) (*model.AccessRequest, *model.AccessGrant, error) {
	var (
		resolved model.AccessRequest
		grant    *model.AccessGrant
	)

	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		var current model.AccessRequest
		lock := `SELECT ` + requestColumns + ` FROM access_requests WHERE id = $1 FOR UPDATE`
		if err := tx.GetContext(ctx, &current, lock, res.RequestID); err != nil {
			return notFound("access request", err)
		}
		if current.OwnerID != res.OwnerID {
			return apperrors.Denied()
		}
		if current.Status != model.RequestStatusPending {
			return apperrors.Conflict(fmt.Sprintf("access request already %s", current.Status))
		}

		status := model.RequestStatusRejected
		if res.Approve {
			status = model.RequestStatusApproved
		}

		update := `
			UPDATE access_requests
			SET status = $1, response_message = $2, responded_at = $3
			WHERE id = $4
			RETURNING ` + requestColumns
		if err := tx.GetContext(ctx, &resolved, update, status, res.Message, res.At, res.RequestID); err != nil {
			return fmt.Errorf("failed to update access request: %w", err)
		}

		if !res.Approve {
			return nil
		}

		var err error
		grant, err = upsertGrant(ctx, tx, &model.AccessGrant{
			SubjectID: current.SubjectID,
			OwnerID:   current.OwnerID,
			Level:     current.RequestedLevel,
			GrantedAt: res.At,
			ExpiresAt: res.GrantExpiresAt,
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return &resolved, grant, nil
}

func (r *accessRequestRepository) RecordCodeAccess(ctx context.Context, subjectID, ownerID uuid.UUID, at time.Time) (bool, error) {
	query := `
		INSERT INTO access_requests (
			id, subject_id, owner_id, message, requested_level, status,
			response_message, source, requested_at, responded_at
		)
		SELECT $1::uuid, $2::uuid, $3::uuid, 'granted via access code', 'read', 'approved',
			'', 'access_code', $4::timestamptz, $4::timestamptz
		WHERE NOT EXISTS (
			SELECT 1 FROM access_requests
			WHERE subject_id = $2::uuid AND owner_id = $3::uuid AND status = 'approved'
		)
		ON CONFLICT (subject_id, owner_id) WHERE source = 'access_code' DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, query, uuid.New(), subjectID, ownerID, at)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to record access code use: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to record access code use: %w", err)
	}
	return rows > 0, nil
}

func (r *accessRequestRepository) List(ctx context.Context, filter model.RequestFilter) ([]*model.AccessRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM access_requests WHERE 1=1`
	var args []interface{}

	if filter.OwnerID != nil {
		args = append(args, *filter.OwnerID)
		query += fmt.Sprintf(" AND owner_id = $%d", len(args))
	}
	if filter.SubjectID != nil {
		args = append(args, *filter.SubjectID)
		query += fmt.Sprintf(" AND subject_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	page := filter.Pagination.Normalize()
	args = append(args, page.Limit, page.Offset)
	query += fmt.Sprintf(" ORDER BY requested_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	requests := []*model.AccessRequest{}
	if err := r.db.SelectContext(ctx, &requests, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list access requests: %w", err)
	}
	return requests, nil
}
