// Package medical stores medical records and seals their sensitive fields
// under a policy built from the author's organizational attributes.
package medical

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/ehr-access/internal/model"
	"github.com/jwalitptl/ehr-access/internal/repository"
	"github.com/jwalitptl/ehr-access/internal/service/access"
	"github.com/jwalitptl/ehr-access/internal/service/audit"
	apperrors "github.com/jwalitptl/ehr-access/pkg/errors"
	"github.com/jwalitptl/ehr-access/pkg/logger"
	"github.com/jwalitptl/ehr-access/pkg/metrics"
	"github.com/jwalitptl/ehr-access/pkg/policy"
	"github.com/jwalitptl/ehr-access/pkg/security"
)

// Authorizer decides whether a clinician may read a patient's records.
type Authorizer interface {
	Authorize(ctx context.Context, requester model.Actor, ownerID uuid.UUID, accessCode string) (access.Decision, error)
}

type Config struct {
	// UnitClause seals new records with an extra unit-only clause.
	UnitClause bool
}

type Service struct {
	records  repository.MedicalRecordRepository
	patients repository.PatientRepository
	sealer   security.Sealer
	authz    Authorizer
	auditor  *audit.Service
	metrics  *metrics.Metrics
	log      *logger.Logger
	cfg      Config
	now      func() time.Time
}

func NewService(
	records repository.MedicalRecordRepository,
	patients repository.PatientRepository,
	sealer security.Sealer,
	authz Authorizer,
	auditor *audit.Service,
	m *metrics.Metrics,
	log *logger.Logger,
	cfg Config,
) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		records:  records,
		patients: patients,
		sealer:   sealer,
		authz:    authz,
		auditor:  auditor,
		metrics:  m,
		log:      log,
		cfg:      cfg,
		now:      time.Now,
	}
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Service) policyOptions() []policy.Option {
	if s.cfg.UnitClause {
		return []policy.Option{policy.WithUnitClause()}
	}
	return nil
}

// SealRecord bundles fields into one blob and seals it under the policy
// built from author.
func (s *Service) SealRecord(fields model.SensitiveFields, author policy.AttributeSet) (*security.SealedPayload, error) {
	p, err := policy.ForAuthor(author, s.policyOptions()...)
	if err != nil {
		return nil, apperrors.BadRequest("author has no organizational attributes", err)
	}
	plaintext, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sensitive fields: %w", err)
	}

	sealed, err := s.sealer.Seal(plaintext, p)
	s.countSeal(err)
	if err != nil {
		return nil, fmt.Errorf("failed to seal record: %w", err)
	}
	return sealed, nil
}

// UnsealRecord returns the sealed fields, security.ErrDenied when requester
// does not satisfy the policy, or an *security.IntegrityError.
func (s *Service) UnsealRecord(sp *security.SealedPayload, requester policy.AttributeSet) (model.SensitiveFields, error) {
	plaintext, err := s.sealer.Unseal(sp, requester)
	s.countUnseal(err)
	if err != nil {
		return model.SensitiveFields{}, err
	}

	var fields model.SensitiveFields
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		return model.SensitiveFields{}, &security.IntegrityError{Reason: "payload encoding", Err: err}
	}
	return fields, nil
}

func (s *Service) countSeal(err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.SealOperations.WithLabelValues(status).Inc()
}

func (s *Service) countUnseal(err error) {
	if s.metrics == nil {
		return
	}
	var integrity *security.IntegrityError
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, security.ErrDenied):
		outcome = "denied"
	case errors.As(err, &integrity):
		outcome = "integrity"
	default:
		outcome = "error"
	}
	s.metrics.UnsealOperations.WithLabelValues(outcome).Inc()
}

// seal moves record's clear sensitive fields into a sealed payload.
func (s *Service) seal(record *model.MedicalRecord, fields model.SensitiveFields, author policy.AttributeSet) error {
	sealed, err := s.SealRecord(fields, author)
	if err != nil {
		return err
	}
	fingerprint, err := sealed.Policy.Fingerprint()
	if err != nil {
		return fmt.Errorf("failed to fingerprint policy: %w", err)
	}
	hash := hex.EncodeToString(fingerprint[:])

	record.Redact()
	record.Encrypted = true
	record.Sealed = sealed
	record.PolicyHash = &hash
	return nil
}

// checkAccess lets patients read their own records and sends clinicians
// through the authorization engine.
func (s *Service) checkAccess(ctx context.Context, requester model.Actor, patientID uuid.UUID, accessCode string) error {
	switch {
	case requester.IsPatient():
		if requester.ID != patientID {
			return apperrors.Denied()
		}
		return nil
	case requester.IsClinician():
		decision, err := s.authz.Authorize(ctx, requester, patientID, accessCode)
		if err != nil {
			return err
		}
		if !decision.Permitted {
			return apperrors.Denied()
		}
		return nil
	default:
		return apperrors.Forbidden("unknown role")
	}
}

// reveal unseals record in place for requester. A policy the requester does
// not satisfy leaves the record redacted; integrity failures are returned.
func (s *Service) reveal(record *model.MedicalRecord, requester policy.AttributeSet) error {
	if !record.Encrypted {
		return nil
	}

	fields, err := s.UnsealRecord(record.Sealed, requester)
	switch {
	case err == nil:
		record.SetSensitive(fields)
		record.SealedAccess = model.SealedAccessGranted
		return nil
	case errors.Is(err, security.ErrDenied):
		record.Redact()
		record.SealedAccess = model.SealedAccessDenied
		return nil
	default:
		s.log.Error(err, "sealed record failed integrity check", "record_id", record.ID.String())
		return apperrors.Integrity("medical record is corrupt", err)
	}
}

// CreateRecord stores a record written by author. The author must already
// be authorized for the patient, through a grant, history or accessCode.
func (s *Service) CreateRecord(ctx context.Context, author model.Actor, patientID uuid.UUID, req *model.CreateRecordRequest, accessCode string) (*model.MedicalRecord, error) {
	if !author.IsClinician() {
		return nil, apperrors.Forbidden("only clinicians can create medical records")
	}
	if _, err := s.patients.Get(ctx, patientID); err != nil {
		return nil, err
	}
	if err := s.checkAccess(ctx, author, patientID, accessCode); err != nil {
		return nil, err
	}

	now := s.clock()
	record := &model.MedicalRecord{
		Base:           model.Base{ID: uuid.New(), CreatedAt: now, UpdatedAt: now},
		PatientID:      patientID,
		AuthorID:       author.ID,
		OrganizationID: author.Attributes.Org,
		UnitID:         author.Attributes.Unit,
		Type:           req.Type,
		Title:          req.Title,
	}
	record.SetSensitive(req.Fields)

	if req.ShouldEncrypt {
		if err := s.seal(record, req.Fields, author.Attributes); err != nil {
			return nil, err
		}
	}

	if err := s.records.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create record: %w", err)
	}

	s.auditor.Record(ctx, author.ID, model.AuditActionCreate, model.AuditEntityMedicalRecord, record.ID, &audit.LogOptions{
		OwnerID:  &patientID,
		Metadata: map[string]interface{}{"encrypted": record.Encrypted},
	})

	// The author always satisfies their own policy.
	if record.Encrypted {
		record.SetSensitive(req.Fields)
		record.SealedAccess = model.SealedAccessGranted
	}
	return record, nil
}

func (s *Service) GetRecord(ctx context.Context, requester model.Actor, recordID uuid.UUID, accessCode string) (*model.MedicalRecord, error) {
	record, err := s.records.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if err := s.checkAccess(ctx, requester, record.PatientID, accessCode); err != nil {
		return nil, err
	}
	if err := s.reveal(record, requester.Attributes); err != nil {
		return nil, err
	}

	s.auditor.Record(ctx, requester.ID, model.AuditActionRead, model.AuditEntityMedicalRecord, record.ID, &audit.LogOptions{
		OwnerID:  &record.PatientID,
		Metadata: map[string]interface{}{"sealed_access": record.SealedAccess},
	})
	return record, nil
}

func (s *Service) ListPatientRecords(ctx context.Context, requester model.Actor, patientID uuid.UUID, filters *model.RecordFilters, accessCode string) ([]*model.MedicalRecord, error) {
	if _, err := s.patients.Get(ctx, patientID); err != nil {
		return nil, err
	}
	if err := s.checkAccess(ctx, requester, patientID, accessCode); err != nil {
		return nil, err
	}

	records, err := s.records.ListByPatient(ctx, patientID, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	for _, record := range records {
		if err := s.reveal(record, requester.Attributes); err != nil {
			return nil, err
		}
	}

	s.auditor.Record(ctx, requester.ID, model.AuditActionRead, model.AuditEntityPatient, patientID, &audit.LogOptions{
		OwnerID:  &patientID,
		Metadata: map[string]interface{}{"records": len(records)},
	})
	return records, nil
}

// EncryptRecord seals a clear record under actor's current attributes.
func (s *Service) EncryptRecord(ctx context.Context, actor model.Actor, recordID uuid.UUID) (*model.MedicalRecord, error) {
	return s.transition(ctx, actor, recordID, model.AuditActionEncrypt, func(record *model.MedicalRecord) error {
		if record.Encrypted {
			return apperrors.Conflict("medical record is already encrypted")
		}
		return s.seal(record, record.Sensitive(), actor.Attributes)
	})
}

// RemoveEncryption unseals a record for good. If the actor cannot unseal
// it, the stored record is left untouched.
func (s *Service) RemoveEncryption(ctx context.Context, actor model.Actor, recordID uuid.UUID) (*model.MedicalRecord, error) {
	return s.transition(ctx, actor, recordID, model.AuditActionRemoveEncryption, func(record *model.MedicalRecord) error {
		if !record.Encrypted {
			return apperrors.Conflict("medical record is not encrypted")
		}
		fields, err := s.unsealForWrite(record, actor.Attributes)
		if err != nil {
			return err
		}
		record.SetSensitive(fields)
		record.Encrypted = false
		record.Sealed = nil
		record.PolicyHash = nil
		return nil
	})
}

// ReEncrypt reseals a record under actor's current attributes and the
// active key.
func (s *Service) ReEncrypt(ctx context.Context, actor model.Actor, recordID uuid.UUID) (*model.MedicalRecord, error) {
	return s.transition(ctx, actor, recordID, model.AuditActionReEncrypt, func(record *model.MedicalRecord) error {
		if !record.Encrypted {
			return apperrors.Conflict("medical record is not encrypted")
		}
		fields, err := s.unsealForWrite(record, actor.Attributes)
		if err != nil {
			return err
		}
		return s.seal(record, fields, actor.Attributes)
	})
}

func (s *Service) unsealForWrite(record *model.MedicalRecord, attrs policy.AttributeSet) (model.SensitiveFields, error) {
	fields, err := s.UnsealRecord(record.Sealed, attrs)
	switch {
	case err == nil:
		return fields, nil
	case errors.Is(err, security.ErrDenied):
		return model.SensitiveFields{}, apperrors.Denied()
	default:
		return model.SensitiveFields{}, apperrors.Integrity("medical record is corrupt", err)
	}
}

// transition applies change to a copy of the record and writes it only if
// the change succeeded and nobody else updated the row meanwhile.
func (s *Service) transition(ctx context.Context, actor model.Actor, recordID uuid.UUID, action string, change func(*model.MedicalRecord) error) (*model.MedicalRecord, error) {
	if !actor.IsClinician() {
		return nil, apperrors.Forbidden("only clinicians can change record encryption")
	}
	current, err := s.records.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if current.AuthorID != actor.ID {
		return nil, apperrors.Denied()
	}

	next := *current
	if err := change(&next); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.clock()
	if !next.UpdatedAt.After(current.UpdatedAt) {
		next.UpdatedAt = current.UpdatedAt.Add(time.Microsecond)
	}

	if err := s.records.ReplaceEncryption(ctx, &next, current.UpdatedAt); err != nil {
		return nil, err
	}

	s.auditor.Record(ctx, actor.ID, action, model.AuditEntityMedicalRecord, next.ID, &audit.LogOptions{
		OwnerID: &next.PatientID,
	})

	if err := s.reveal(&next, actor.Attributes); err != nil {
		return nil, err
	}
	return &next, nil
}
