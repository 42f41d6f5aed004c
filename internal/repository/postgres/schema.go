package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// migrationLockKey serializes concurrent Migrate calls from api and worker.
const migrationLockKey = 7261003

var schema = []string{
	`CREATE TABLE IF NOT EXISTS patients (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS clinicians (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		organization_id TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS medical_records (
		id UUID PRIMARY KEY,
		patient_id UUID NOT NULL REFERENCES patients(id),
		author_id UUID NOT NULL REFERENCES clinicians(id),
		organization_id TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		diagnosis TEXT NOT NULL DEFAULT '',
		prescription TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		vitals JSONB,
		lab_results JSONB,
		encrypted BOOLEAN NOT NULL DEFAULT FALSE,
		sealed JSONB,
		policy_hash TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CHECK (encrypted = (sealed IS NOT NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_medical_records_patient ON medical_records (patient_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_medical_records_author_org ON medical_records (author_id, patient_id, organization_id)`,
	`CREATE TABLE IF NOT EXISTS access_grants (
		id UUID PRIMARY KEY,
		subject_id UUID NOT NULL,
		owner_id UUID NOT NULL,
		level TEXT NOT NULL CHECK (level IN ('read', 'read_write')),
		granted_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		revoked_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (subject_id, owner_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_access_grants_expiry ON access_grants (expires_at) WHERE active`,
	`CREATE TABLE IF NOT EXISTS access_requests (
		id UUID PRIMARY KEY,
		subject_id UUID NOT NULL,
		owner_id UUID NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		requested_level TEXT NOT NULL CHECK (requested_level IN ('read', 'read_write')),
		status TEXT NOT NULL CHECK (status IN ('pending', 'approved', 'rejected')),
		response_message TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT 'request' CHECK (source IN ('request', 'access_code')),
		requested_at TIMESTAMPTZ NOT NULL,
		responded_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_access_requests_pending
		ON access_requests (subject_id, owner_id) WHERE status = 'pending'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_access_requests_code
		ON access_requests (subject_id, owner_id) WHERE source = 'access_code'`,
	`CREATE TABLE IF NOT EXISTS access_codes (
		owner_id UUID PRIMARY KEY,
		code TEXT NOT NULL,
		rotated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id UUID PRIMARY KEY,
		actor_id UUID NOT NULL,
		owner_id UUID,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id UUID NOT NULL,
		metadata JSONB,
		ip_address TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_owner ON audit_logs (owner_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id UUID PRIMARY KEY,
		event_type TEXT NOT NULL,
		payload JSONB NOT NULL,
		status TEXT NOT NULL,
		error_message TEXT,
		retry_count INT NOT NULL DEFAULT 0,
		retry_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		processed_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_events_due ON outbox_events (created_at) WHERE status IN ('pending', 'retry')`,
}

// Migrate creates the schema. It is idempotent and is run once at process
// startup, before any repository is used.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	base := NewBaseRepository(db)
	return base.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
			return fmt.Errorf("failed to acquire migration lock: %w", err)
		}
		for i, stmt := range schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
			}
		}
		return nil
	})
}
