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

func TestGrantUpsertUsesConflictClause(t *testing.T) {
	base, mock := newMock(t)
	repo := NewGrantRepository(base)

	subject, owner := ids()
	now := fixedNow()
	expires := now.AddDate(0, 0, 30)
	want := model.AccessGrant{ID: uuid.New(), SubjectID: subject, OwnerID: owner, Level: model.AccessLevelRead,
		GrantedAt: now, ExpiresAt: expires, Active: true, UpdatedAt: now}

	mock.ExpectQuery(`(?s)INSERT INTO access_grants .* ON CONFLICT \(subject_id, owner_id\) DO UPDATE SET`).
		WithArgs(sqlmock.AnyArg(), subject, owner, model.AccessLevelRead, now, expires).
		WillReturnRows(grantRow(sqlmock.NewRows(grantCols), want))

	got, err := repo.Upsert(ctx(), &model.AccessGrant{
		SubjectID: subject, OwnerID: owner, Level: model.AccessLevelRead, GrantedAt: now, ExpiresAt: expires,
	})
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.True(t, got.Active)
	assert.Equal(t, expires, got.ExpiresAt)
}

func TestGrantUpsertRequiresPair(t *testing.T) {
	base, _ := newMock(t)
	repo := NewGrantRepository(base)

	_, err := repo.Upsert(ctx(), &model.AccessGrant{SubjectID: uuid.New()})
	assert.True(t, apperrors.Is(err, apperrors.ErrBadRequest))
}

func TestGrantGetActive(t *testing.T) {
	subject, owner := ids()
	now := fixedNow()
	grant := model.AccessGrant{ID: uuid.New(), SubjectID: subject, OwnerID: owner, Level: model.AccessLevelRead,
		GrantedAt: now, ExpiresAt: now.AddDate(0, 0, 1), Active: true, UpdatedAt: now}

	t.Run("none", func(t *testing.T) {
		base, mock := newMock(t)
		mock.ExpectQuery(`FROM access_grants`).
			WithArgs(subject, owner, now).
			WillReturnRows(sqlmock.NewRows(grantCols))

		_, err := NewGrantRepository(base).GetActive(ctx(), subject, owner, now)
		assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	})

	t.Run("one", func(t *testing.T) {
		base, mock := newMock(t)
		mock.ExpectQuery(`FROM access_grants`).
			WithArgs(subject, owner, now).
			WillReturnRows(grantRow(sqlmock.NewRows(grantCols), grant))

		got, err := NewGrantRepository(base).GetActive(ctx(), subject, owner, now)
		require.NoError(t, err)
		assert.Equal(t, grant.ID, got.ID)
	})

	t.Run("two is an invariant violation", func(t *testing.T) {
		base, mock := newMock(t)
		second := grant
		second.ID = uuid.New()
		rows := grantRow(grantRow(sqlmock.NewRows(grantCols), grant), second)
		mock.ExpectQuery(`FROM access_grants`).
			WithArgs(subject, owner, now).
			WillReturnRows(rows)

		_, err := NewGrantRepository(base).GetActive(ctx(), subject, owner, now)
		assert.True(t, apperrors.Is(err, apperrors.ErrInvariant))
	})
}

func TestGrantRevoke(t *testing.T) {
	subject, owner := ids()
	now := fixedNow()

	t.Run("missing grant is not found", func(t *testing.T) {
		base, mock := newMock(t)
		mock.ExpectQuery(`UPDATE access_grants\s+SET active = FALSE`).
			WithArgs(owner, subject, now).
			WillReturnRows(sqlmock.NewRows(grantCols))

		_, err := NewGrantRepository(base).Revoke(ctx(), owner, subject, now)
		assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	})

	t.Run("active grant is deactivated", func(t *testing.T) {
		base, mock := newMock(t)
		revoked := model.AccessGrant{ID: uuid.New(), SubjectID: subject, OwnerID: owner, Level: model.AccessLevelRead,
			GrantedAt: now.AddDate(0, 0, -1), ExpiresAt: now.AddDate(0, 0, 29), Active: false, RevokedAt: &now, UpdatedAt: now}
		mock.ExpectQuery(`UPDATE access_grants\s+SET active = FALSE`).
			WithArgs(owner, subject, now).
			WillReturnRows(grantRow(sqlmock.NewRows(grantCols), revoked))

		got, err := NewGrantRepository(base).Revoke(ctx(), owner, subject, now)
		require.NoError(t, err)
		assert.False(t, got.Active)
		require.NotNil(t, got.RevokedAt)
	})
}

func TestGrantListBuildsFilters(t *testing.T) {
	base, mock := newMock(t)
	owner := uuid.New()

	mock.ExpectQuery(`FROM access_grants WHERE 1=1 AND owner_id = \$1 AND active AND expires_at > NOW\(\) ORDER BY granted_at DESC LIMIT \$2 OFFSET \$3`).
		WithArgs(owner, 50, 0).
		WillReturnRows(sqlmock.NewRows(grantCols))

	grants, err := NewGrantRepository(base).List(ctx(), model.GrantFilter{OwnerID: &owner, ActiveOnly: true})
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestGrantExpireBefore(t *testing.T) {
	base, mock := newMock(t)
	now := fixedNow()
	subject, owner := ids()
	expired := model.AccessGrant{ID: uuid.New(), SubjectID: subject, OwnerID: owner, Level: model.AccessLevelRead,
		GrantedAt: now.AddDate(0, 0, -31), ExpiresAt: now.AddDate(0, 0, -1), Active: false, UpdatedAt: now}

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(now, 100).
		WillReturnRows(grantRow(sqlmock.NewRows(grantCols), expired))

	grants, err := NewGrantRepository(base).ExpireBefore(ctx(), now, 100)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, expired.ID, grants[0].ID)
}
