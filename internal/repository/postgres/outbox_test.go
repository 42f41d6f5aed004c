package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/ehr-access/internal/model"
	"github.com/jwalitptl/ehr-access/internal/repository"
)

var outboxCols = []string{"id", "event_type", "payload", "status", "error_message", "retry_count",
	"retry_at", "created_at", "processed_at", "updated_at"}

func TestProcessPending(t *testing.T) {
	base, mock := newMock(t)
	now := fixedNow()
	ok, bad := uuid.New(), uuid.New()

	rows := sqlmock.NewRows(outboxCols).
		AddRow(ok.String(), model.EventAccessGranted, []byte(`{}`), "pending", nil, 0, nil, now, nil, now).
		AddRow(bad.String(), model.EventAccessRevoked, []byte(`{}`), "retry", nil, 2, nil, now, nil, now)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WithArgs(10).WillReturnRows(rows)
	mock.ExpectExec(`SET status = 'processed'`).WithArgs(ok).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SET status = \$1`).
		WithArgs(model.OutboxStatusFailed, "boom", 3, sqlmock.AnyArg(), bad).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	handled := 0
	processed, failed, err := NewOutboxRepository(base).ProcessPending(ctx(), 10,
		repository.RetryPolicy{MaxAttempts: 3, Backoff: time.Second},
		func(_ context.Context, e *model.OutboxEvent) error {
			handled++
			if e.ID == bad {
				return errors.New("boom")
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 2, handled)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, failed)
}

func TestMigrate(t *testing.T) {
	base, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	for range schema {
		mock.ExpectExec(`CREATE`).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectCommit()

	require.NoError(t, Migrate(ctx(), base.GetDB()))
}
