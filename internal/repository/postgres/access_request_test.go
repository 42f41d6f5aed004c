package postgres

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/ehr-access/internal/model"
	apperrors "github.com/jwalitptl/ehr-access/pkg/errors"
)

func pendingRequest(subject, owner uuid.UUID) model.AccessRequest {
	return model.AccessRequest{
		ID:             uuid.New(),
		SubjectID:      subject,
		OwnerID:        owner,
		Message:        "follow-up visit",
		RequestedLevel: model.AccessLevelRead,
		Status:         model.RequestStatusPending,
		Source:         model.RequestSourceRequest,
		RequestedAt:    fixedNow(),
	}
}

func TestCreatePending(t *testing.T) {
	subject, owner := ids()
	req := pendingRequest(subject, owner)

	t.Run("new request", func(t *testing.T) {
		base, mock := newMock(t)
		mock.ExpectQuery(`(?s)INSERT INTO access_requests.*ON CONFLICT \(subject_id, owner_id\) WHERE status = 'pending' DO NOTHING`).
			WithArgs(req.ID, subject, owner, req.Message, model.AccessLevelRead, req.RequestedAt).
			WillReturnRows(requestRow(sqlmock.NewRows(requestCols), req))

		in := req
		got, created, err := NewAccessRequestRepository(base).CreatePending(ctx(), &in)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, req.ID, got.ID)
	})

	t.Run("existing pending request is returned", func(t *testing.T) {
		base, mock := newMock(t)
		existing := pendingRequest(subject, owner)
		mock.ExpectQuery(`INSERT INTO access_requests`).
			WillReturnRows(sqlmock.NewRows(requestCols))
		mock.ExpectQuery(`(?s)FROM access_requests\s+WHERE subject_id = \$1 AND owner_id = \$2 AND status = 'pending'`).
			WithArgs(subject, owner).
			WillReturnRows(requestRow(sqlmock.NewRows(requestCols), existing))

		in := pendingRequest(subject, owner)
		got, created, err := NewAccessRequestRepository(base).CreatePending(ctx(), &in)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, existing.ID, got.ID)
	})
}

func TestResolve(t *testing.T) {
	subject, owner := ids()
	now := fixedNow()
	expires := now.AddDate(0, 0, 30)

	t.Run("approve upserts a grant in the same transaction", func(t *testing.T) {
		base, mock := newMock(t)
		req := pendingRequest(subject, owner)
		approved := req
		approved.Status = model.RequestStatusApproved
		approved.RespondedAt = &now
		grant := model.AccessGrant{ID: uuid.New(), SubjectID: subject, OwnerID: owner, Level: model.AccessLevelRead,
			GrantedAt: now, ExpiresAt: expires, Active: true, UpdatedAt: now}

		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE`).
			WithArgs(req.ID).
			WillReturnRows(requestRow(sqlmock.NewRows(requestCols), req))
		mock.ExpectQuery(`UPDATE access_requests`).
			WithArgs(model.RequestStatusApproved, "welcome", now, req.ID).
			WillReturnRows(requestRow(sqlmock.NewRows(requestCols), approved))
		mock.ExpectQuery(`INSERT INTO access_grants`).
			WithArgs(sqlmock.AnyArg(), subject, owner, model.AccessLevelRead, now, expires).
			WillReturnRows(grantRow(sqlmock.NewRows(grantCols), grant))
		mock.ExpectCommit()

		gotReq, gotGrant, err := NewAccessRequestRepository(base).Resolve(ctx(), model.RequestResolution{
			RequestID: req.ID, OwnerID: owner, Approve: true, Message: "welcome", GrantExpiresAt: expires, At: now,
		})
		require.NoError(t, err)
		assert.Equal(t, model.RequestStatusApproved, gotReq.Status)
		require.NotNil(t, gotGrant)
		assert.Equal(t, expires, gotGrant.ExpiresAt)
	})

	t.Run("reject creates no grant", func(t *testing.T) {
		base, mock := newMock(t)
		req := pendingRequest(subject, owner)
		rejected := req
		rejected.Status = model.RequestStatusRejected
		rejected.RespondedAt = &now

		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE`).
			WithArgs(req.ID).
			WillReturnRows(requestRow(sqlmock.NewRows(requestCols), req))
		mock.ExpectQuery(`UPDATE access_requests`).
			WithArgs(model.RequestStatusRejected, "", now, req.ID).
			WillReturnRows(requestRow(sqlmock.NewRows(requestCols), rejected))
		mock.ExpectCommit()

		gotReq, gotGrant, err := NewAccessRequestRepository(base).Resolve(ctx(), model.RequestResolution{
			RequestID: req.ID, OwnerID: owner, At: now,
		})
		require.NoError(t, err)
		assert.Equal(t, model.RequestStatusRejected, gotReq.Status)
		assert.Nil(t, gotGrant)
	})

	t.Run("non-owner is denied", func(t *testing.T) {
		base, mock := newMock(t)
		req := pendingRequest(subject, owner)

		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE`).
			WithArgs(req.ID).
			WillReturnRows(requestRow(sqlmock.NewRows(requestCols), req))
		mock.ExpectRollback()

		_, _, err := NewAccessRequestRepository(base).Resolve(ctx(), model.RequestResolution{
			RequestID: req.ID, OwnerID: uuid.New(), Approve: true, At: now,
		})
		assert.True(t, apperrors.Is(err, apperrors.ErrDenied))
	})

	t.Run("resolved request conflicts", func(t *testing.T) {
		base, mock := newMock(t)
		req := pendingRequest(subject, owner)
		req.Status = model.RequestStatusRejected
		req.RespondedAt = &now

		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE`).
			WithArgs(req.ID).
			WillReturnRows(requestRow(sqlmock.NewRows(requestCols), req))
		mock.ExpectRollback()

		_, _, err := NewAccessRequestRepository(base).Resolve(ctx(), model.RequestResolution{
			RequestID: req.ID, OwnerID: owner, Approve: true, At: now,
		})
		assert.True(t, apperrors.Is(err, apperrors.ErrConflict))
		assert.Contains(t, err.Error(), "already rejected")
	})

	t.Run("missing request", func(t *testing.T) {
		base, mock := newMock(t)
		id := uuid.New()

		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE`).
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows(requestCols))
		mock.ExpectRollback()

		_, _, err := NewAccessRequestRepository(base).Resolve(ctx(), model.RequestResolution{
			RequestID: id, OwnerID: owner, At: now,
		})
		assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	})
}

func TestRecordCodeAccess(t *testing.T) {
	subject, owner := ids()
	now := fixedNow()

	cases := []struct {
		name     string
		affected int64
		want     bool
	}{
		{name: "first use is recorded", affected: 1, want: true},
		{name: "repeat use is a no-op", affected: 0, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			base, mock := newMock(t)
			mock.ExpectExec(`(?s)INSERT INTO access_requests.*WHERE NOT EXISTS`).
				WithArgs(sqlmock.AnyArg(), subject, owner, now).
				WillReturnResult(sqlmock.NewResult(0, tc.affected))

			got, err := NewAccessRequestRepository(base).RecordCodeAccess(ctx(), subject, owner, now)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
