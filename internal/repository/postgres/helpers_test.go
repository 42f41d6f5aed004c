package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/ehr-access/internal/model"
)

func newMock(t *testing.T) (BaseRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewBaseRepository(sqlx.NewDb(db, "sqlmock")), mock
}

var grantCols = []string{"id", "subject_id", "owner_id", "level", "granted_at", "expires_at", "active", "revoked_at", "updated_at"}

func grantRow(rows *sqlmock.Rows, g model.AccessGrant) *sqlmock.Rows {
	var revoked interface{}
	if g.RevokedAt != nil {
		revoked = *g.RevokedAt
	}
	return rows.AddRow(g.ID.String(), g.SubjectID.String(), g.OwnerID.String(), string(g.Level),
		g.GrantedAt, g.ExpiresAt, g.Active, revoked, g.UpdatedAt)
}

var requestCols = []string{"id", "subject_id", "owner_id", "message", "requested_level", "status",
	"response_message", "source", "requested_at", "responded_at"}

func requestRow(rows *sqlmock.Rows, r model.AccessRequest) *sqlmock.Rows {
	var responded interface{}
	if r.RespondedAt != nil {
		responded = *r.RespondedAt
	}
	return rows.AddRow(r.ID.String(), r.SubjectID.String(), r.OwnerID.String(), r.Message,
		string(r.RequestedLevel), string(r.Status), r.ResponseMessage, string(r.Source), r.RequestedAt, responded)
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
}

func ctx() context.Context {
	return context.Background()
}

func ids() (uuid.UUID, uuid.UUID) {
	return uuid.New(), uuid.New()
}
