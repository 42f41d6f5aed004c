package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/ehr-access/internal/model"
	"github.com/jwalitptl/ehr-access/pkg/policy"
)

// Lookups that find nothing return an errors.ErrNotFound AppError.
type (
	PatientRepository interface {
		Create(ctx context.Context, patient *model.Patient) error
		Get(ctx context.Context, id uuid.UUID) (*model.Patient, error)
	}

	ClinicianRepository interface {
		Create(ctx context.Context, clinician *model.Clinician) error
		Get(ctx context.Context, id uuid.UUID) (*model.Clinician, error)
		// Update rewrites the clinician's placement and active flag.
		Update(ctx context.Context, clinician *model.Clinician) error
	}

	MedicalRecordRepository interface {
		Create(ctx context.Context, record *model.MedicalRecord) error
		Get(ctx context.Context, id uuid.UUID) (*model.MedicalRecord, error)
		ListByPatient(ctx context.Context, patientID uuid.UUID, filters *model.RecordFilters) ([]*model.MedicalRecord, error)
		// ReplaceEncryption writes the record's sensitive columns, encrypted
		// flag and sealed payload in one statement. It fails with a Conflict
		// when the row changed since expectedUpdatedAt.
		ReplaceEncryption(ctx context.Context, record *model.MedicalRecord, expectedUpdatedAt time.Time) error
		HasAuthoredInOrg(ctx context.Context, authorID, patientID uuid.UUID, org policy.OrgID) (bool, error)
	}

	GrantRepository interface {
		// Upsert creates the grant for the pair or renews the existing row.
		Upsert(ctx context.Context, grant *model.AccessGrant) (*model.AccessGrant, error)
		GetActive(ctx context.Context, subjectID, ownerID uuid.UUID, now time.Time) (*model.AccessGrant, error)
		Revoke(ctx context.Context, ownerID, subjectID uuid.UUID, at time.Time) (*model.AccessGrant, error)
		List(ctx context.Context, filter model.GrantFilter) ([]*model.AccessGrant, error)
		ExpireBefore(ctx context.Context, now time.Time, limit int) ([]*model.AccessGrant, error)
	}

	AccessRequestRepository interface {
		// CreatePending inserts a pending request unless one already exists
		// for the pair, in which case the existing request is returned with
		// created=false.
		CreatePending(ctx context.Context, request *model.AccessRequest) (existing *model.AccessRequest, created bool, err error)
		Get(ctx context.Context, id uuid.UUID) (*model.AccessRequest, error)
		// Resolve moves a pending request to a terminal state and, on
		// approval, upserts the grant in the same transaction.
		Resolve(ctx context.Context, res model.RequestResolution) (*model.AccessRequest, *model.AccessGrant, error)
		// RecordCodeAccess writes an approved access-code request for the
		// pair unless an approved request already exists.
		RecordCodeAccess(ctx context.Context, subjectID, ownerID uuid.UUID, at time.Time) (bool, error)
		List(ctx context.Context, filter model.RequestFilter) ([]*model.AccessRequest, error)
	}

	AccessCodeRepository interface {
		Get(ctx context.Context, ownerID uuid.UUID) (*model.AccessCode, error)
		Upsert(ctx context.Context, code *model.AccessCode) error
	}

	AuditRepository interface {
		Create(ctx context.Context, log *model.AuditLog) error
		ListByOwner(ctx context.Context, ownerID uuid.UUID, page model.Pagination) ([]*model.AuditLog, error)
		Cleanup(ctx context.Context, before time.Time) (int64, error)
	}

	OutboxRepository interface {
		Create(ctx context.Context, event *model.OutboxEvent) error
		// ProcessPending locks up to limit due events, hands each to handle
		// and records the outcome, all in one transaction.
		ProcessPending(ctx context.Context, limit int, retry RetryPolicy, handle func(context.Context, *model.OutboxEvent) error) (processed, failed int, err error)
		DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
	}
)

// RetryPolicy controls how failed outbox events are rescheduled.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}
