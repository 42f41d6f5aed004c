package postgres

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/ehr-access/internal/model"
	apperrors "github.com/jwalitptl/ehr-access/pkg/errors"
	"github.com/jwalitptl/ehr-access/pkg/policy"
)

func TestReplaceEncryptionOptimisticGuard(t *testing.T) {
	now := fixedNow()
	previous := now.Add(-time.Minute)
	record := &model.MedicalRecord{
		Base:      model.Base{ID: uuid.New(), CreatedAt: previous, UpdatedAt: now},
		Diagnosis: "flu",
	}

	t.Run("stale row conflicts", func(t *testing.T) {
		base, mock := newMock(t)
		mock.ExpectExec(`UPDATE medical_records SET`).
			WithArgs("flu", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
				false, sqlmock.AnyArg(), sqlmock.AnyArg(), now, record.ID, previous).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := NewMedicalRecordRepository(base).ReplaceEncryption(ctx(), record, previous)
		assert.True(t, apperrors.Is(err, apperrors.ErrConflict))
	})

	t.Run("matching row is updated", func(t *testing.T) {
		base, mock := newMock(t)
		mock.ExpectExec(`UPDATE medical_records SET`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := NewMedicalRecordRepository(base).ReplaceEncryption(ctx(), record, previous)
		assert.NoError(t, err)
	})
}

func TestHasAuthoredInOrg(t *testing.T) {
	base, mock := newMock(t)
	author, patient := ids()

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(author, patient, "O1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := NewMedicalRecordRepository(base).HasAuthoredInOrg(ctx(), author, patient, policy.OrgID("O1"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetRecordNotFound(t *testing.T) {
	base, mock := newMock(t)
	id := uuid.New()

	mock.ExpectQuery(`FROM medical_records WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := NewMedicalRecordRepository(base).Get(ctx(), id)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}
