package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/jwalitptl/ehr-access/internal/config"
	"github.com/jwalitptl/ehr-access/internal/repository"
)

// NewDB opens the shared connection pool. It is created once at startup and
// handed to every repository constructor.
func NewDB(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Name,
		cfg.SSLMode,
	)

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// Repositories groups every repository built over one pool.
type Repositories struct {
	Patients   repository.PatientRepository
	Clinicians repository.ClinicianRepository
	Records    repository.MedicalRecordRepository
	Grants     repository.GrantRepository
	Requests   repository.AccessRequestRepository
	Codes      repository.AccessCodeRepository
	Audit      repository.AuditRepository
	Outbox     repository.OutboxRepository
}

// NewRepositories wires all repositories to db.
func NewRepositories(db *sqlx.DB) *Repositories {
	base := NewBaseRepository(db)
	return &Repositories{
		Patients:   &patientRepository{base},
		Clinicians: &clinicianRepository{base},
		Records:    &medicalRecordRepository{base},
		Grants:     &grantRepository{base},
		Requests:   &accessRequestRepository{base},
		Codes:      &accessCodeRepository{base},
		Audit:      &auditRepository{base},
		Outbox:     &outboxRepository{base},
	}
}
