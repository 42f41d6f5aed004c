// Package access implements the access ledger workflow and the
// authorization engine that reads it.
package access

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/ehr-access/internal/model"
	"github.com/jwalitptl/ehr-access/internal/repository"
	"github.com/jwalitptl/ehr-access/internal/service/audit"
	"github.com/jwalitptl/ehr-access/internal/service/event"
	apperrors "github.com/jwalitptl/ehr-access/pkg/errors"
	"github.com/jwalitptl/ehr-access/pkg/logger"
	"github.com/jwalitptl/ehr-access/pkg/metrics"
)

// Unambiguous characters only: no 0/O or 1/I.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

type Config struct {
	GrantTTL              time.Duration
	CodeLength            int
	CodeAttemptsPerMinute int
}

type Deps struct {
	Patients   repository.PatientRepository
	Clinicians repository.ClinicianRepository
	Records    repository.MedicalRecordRepository
	Grants     repository.GrantRepository
	Requests   repository.AccessRequestRepository
	Codes      repository.AccessCodeRepository
	Audit      *audit.Service
	Events     *event.Service
	Metrics    *metrics.Metrics
	Logger     *logger.Logger
}

type Service struct {
	Deps
	cfg    Config
	engine *Engine
	now    func() time.Time
}

func NewService(deps Deps, cfg Config) *Service {
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if cfg.GrantTTL <= 0 {
		cfg.GrantTTL = 30 * 24 * time.Hour
	}
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = 8
	}

	var onLimit func()
	if deps.Metrics != nil {
		onLimit = deps.Metrics.CodeAttemptsLimited.Inc
	}
	codes := NewCodeVerifier(deps.Codes, cfg.CodeAttemptsPerMinute, onLimit)

	return &Service{
		Deps:   deps,
		cfg:    cfg,
		engine: NewEngine(DefaultStrategies(deps.Grants, deps.Records, codes, deps.Requests)...),
		now:    time.Now,
	}
}

// clock returns now at the database's precision.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Service) transition(name string) {
	if s.Metrics != nil {
		s.Metrics.LedgerTransitions.WithLabelValues(name).Inc()
	}
}

// Authorize decides whether requester may read owner's records. Deny is a
// normal result, not an error.
func (s *Service) Authorize(ctx context.Context, requester model.Actor, ownerID uuid.UUID, accessCode string) (Decision, error) {
	if !requester.IsClinician() {
		return Decision{}, apperrors.Forbidden("only clinicians can be authorized for patient records")
	}

	q := Query{
		RequesterID: requester.ID,
		OwnerID:     ownerID,
		Attributes:  requester.Attributes,
		AccessCode:  accessCode,
		Now:         s.clock(),
	}
	decision, err := s.engine.Authorize(ctx, q)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrTooManyRequests) {
			return Decision{}, err
		}
		return Decision{}, fmt.Errorf("failed to authorize access: %w", err)
	}

	if s.Metrics != nil {
		outcome := "deny"
		if decision.Permitted {
			outcome = "permit"
		}
		s.Metrics.AccessDecisions.WithLabelValues(outcome, decision.Detail()).Inc()
	}
	s.Logger.Debug("access decision",
		"requester_id", requester.ID.String(),
		"owner_id", ownerID.String(),
		"permitted", decision.Permitted,
		"detail", decision.Detail(),
	)

	action := model.AuditActionAuthorize
	if !decision.Permitted {
		action = model.AuditActionDeny
	}
	s.Audit.Record(ctx, requester.ID, action, model.AuditEntityPatient, ownerID, &audit.LogOptions{
		OwnerID:  &ownerID,
		Metadata: map[string]string{"detail": decision.Detail()},
	})

	if decision.Permitted && decision.Method == MethodAccessCode {
		s.Events.Publish(ctx, model.EventAccessCodeUsed, model.AccessEvent{
			SubjectID: requester.ID,
			OwnerID:   ownerID,
			At:        q.Now,
		})
	}
	return decision, nil
}

// GrantAccess creates the pair's grant or renews it. expiryDays <= 0 uses
// the default window.
func (s *Service) GrantAccess(ctx context.Context, ownerID, subjectID uuid.UUID, level model.AccessLevel, expiryDays int) (*model.AccessGrant, error) {
	if !level.Valid() {
		return nil, apperrors.BadRequest(fmt.Sprintf("invalid access level %q", level), nil)
	}
	if _, err := s.Clinicians.Get(ctx, subjectID); err != nil {
		return nil, err
	}

	ttl := s.cfg.GrantTTL
	if expiryDays > 0 {
		ttl = time.Duration(expiryDays) * 24 * time.Hour
	}
	now := s.clock()
	grant, err := s.Grants.Upsert(ctx, &model.AccessGrant{
		SubjectID: subjectID,
		OwnerID:   ownerID,
		Level:     level,
		GrantedAt: now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		return nil, err
	}

	s.transition("granted")
	s.Audit.Record(ctx, ownerID, model.AuditActionGrant, model.AuditEntityAccessGrant, grant.ID, &audit.LogOptions{
		OwnerID:  &ownerID,
		Metadata: map[string]interface{}{"subject_id": subjectID, "level": level, "expires_at": grant.ExpiresAt},
	})
	s.Events.Publish(ctx, model.EventAccessGranted, model.AccessEvent{
		SubjectID: subjectID,
		OwnerID:   ownerID,
		GrantID:   &grant.ID,
		Level:     level,
		ExpiresAt: &grant.ExpiresAt,
		At:        now,
	})
	return grant, nil
}

// RevokeAccess deactivates the pair's grant. Revoking a grant that does not
// exist is NotFound.
func (s *Service) RevokeAccess(ctx context.Context, ownerID, subjectID uuid.UUID) error {
	now := s.clock()
	grant, err := s.Grants.Revoke(ctx, ownerID, subjectID, now)
	if err != nil {
		return err
	}

	s.transition("revoked")
	s.Audit.Record(ctx, ownerID, model.AuditActionRevoke, model.AuditEntityAccessGrant, grant.ID, &audit.LogOptions{
		OwnerID:  &ownerID,
		Metadata: map[string]interface{}{"subject_id": subjectID},
	})
	s.Events.Publish(ctx, model.EventAccessRevoked, model.AccessEvent{
		SubjectID: subjectID,
		OwnerID:   ownerID,
		GrantID:   &grant.ID,
		At:        now,
	})
	return nil
}

// RequestResult reports what requestAccess found or created. When Created
// is false, Grant or Request holds the state that already covers the pair.
type RequestResult struct {
	Request *model.AccessRequest `json:"request,omitempty"`
	Grant   *model.AccessGrant   `json:"grant,omitempty"`
	Created bool                 `json:"created"`
}

// RequestAccess opens a pending request unless the pair already has an
// effective grant or a pending request.
func (s *Service) RequestAccess(ctx context.Context, subjectID, ownerID uuid.UUID, message string, level model.AccessLevel) (*RequestResult, error) {
	if !level.Valid() {
		return nil, apperrors.BadRequest(fmt.Sprintf("invalid access level %q", level), nil)
	}
	if _, err := s.Patients.Get(ctx, ownerID); err != nil {
		return nil, err
	}

	now := s.clock()
	grant, err := s.Grants.GetActive(ctx, subjectID, ownerID, now)
	switch {
	case err == nil:
		return &RequestResult{Grant: grant}, nil
	case !apperrors.Is(err, apperrors.ErrNotFound):
		return nil, err
	}

	req, created, err := s.Requests.CreatePending(ctx, &model.AccessRequest{
		SubjectID:      subjectID,
		OwnerID:        ownerID,
		Message:        message,
		RequestedLevel: level,
		RequestedAt:    now,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return &RequestResult{Request: req}, nil
	}

	s.transition("requested")
	s.Audit.Record(ctx, subjectID, model.AuditActionRequest, model.AuditEntityAccessRequest, req.ID, &audit.LogOptions{
		OwnerID:  &ownerID,
		Metadata: map[string]interface{}{"level": level},
	})
	s.Events.Publish(ctx, model.EventAccessRequested, model.AccessEvent{
		SubjectID: subjectID,
		OwnerID:   ownerID,
		RequestID: &req.ID,
		Level:     level,
		Message:   message,
		At:        now,
	})
	return &RequestResult{Request: req, Created: true}, nil
}

// RespondToRequest resolves a pending request. Only the request's owner may
// respond; approval creates or renews the grant with a fresh window.
func (s *Service) RespondToRequest(ctx context.Context, ownerID, requestID uuid.UUID, approve bool, message string) (*model.AccessRequest, *model.AccessGrant, error) {
	now := s.clock()
	req, grant, err := s.Requests.Resolve(ctx, model.RequestResolution{
		RequestID:      requestID,
		OwnerID:        ownerID,
		Approve:        approve,
		Message:        message,
		GrantExpiresAt: now.Add(s.cfg.GrantTTL),
		At:             now,
	})
	if err != nil {
		return nil, nil, err
	}

	action, eventType := model.AuditActionReject, model.EventAccessRequestRejected
	if approve {
		action, eventType = model.AuditActionApprove, model.EventAccessRequestApproved
	}
	s.transition(string(req.Status))
	s.Audit.Record(ctx, ownerID, action, model.AuditEntityAccessRequest, req.ID, &audit.LogOptions{
		OwnerID:  &ownerID,
		Metadata: map[string]interface{}{"subject_id": req.SubjectID},
	})

	evt := model.AccessEvent{
		SubjectID: req.SubjectID,
		OwnerID:   ownerID,
		RequestID: &req.ID,
		Level:     req.RequestedLevel,
		Message:   message,
		At:        now,
	}
	if grant != nil {
		evt.GrantID = &grant.ID
		evt.ExpiresAt = &grant.ExpiresAt
	}
	s.Events.Publish(ctx, eventType, evt)
	return req, grant, nil
}

// RegenerateAccessCode replaces the owner's code. The old code stops
// working immediately.
func (s *Service) RegenerateAccessCode(ctx context.Context, ownerID uuid.UUID) (*model.AccessCode, error) {
	if _, err := s.Patients.Get(ctx, ownerID); err != nil {
		return nil, err
	}
	code, err := generateCode(s.cfg.CodeLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access code: %w", err)
	}

	now := s.clock()
	ac := &model.AccessCode{OwnerID: ownerID, Code: code, RotatedAt: now}
	if err := s.Codes.Upsert(ctx, ac); err != nil {
		return nil, err
	}

	s.Audit.Record(ctx, ownerID, model.AuditActionRegenerateCode, model.AuditEntityAccessCode, ownerID, &audit.LogOptions{
		OwnerID: &ownerID,
	})
	s.Events.Publish(ctx, model.EventAccessCodeRegenerated, model.AccessEvent{OwnerID: ownerID, At: now})
	return ac, nil
}

// GetAccessCode returns the owner's code, issuing one on first use.
func (s *Service) GetAccessCode(ctx context.Context, ownerID uuid.UUID) (*model.AccessCode, error) {
	code, err := s.Codes.Get(ctx, ownerID)
	if err == nil {
		return code, nil
	}
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}
	return s.RegenerateAccessCode(ctx, ownerID)
}

func (s *Service) ListGrants(ctx context.Context, filter model.GrantFilter) ([]*model.AccessGrant, error) {
	return s.Grants.List(ctx, filter)
}

func (s *Service) ListRequests(ctx context.Context, filter model.RequestFilter) ([]*model.AccessRequest, error) {
	return s.Requests.List(ctx, filter)
}

// History returns the audit trail of everything that touched owner's records.
func (s *Service) History(ctx context.Context, ownerID uuid.UUID, page model.Pagination) ([]*model.AuditLog, error) {
	return s.Audit.ListByOwner(ctx, ownerID, page)
}

// ExpireGrants deactivates up to limit grants whose window has closed and
// returns how many it expired. Authorization never relies on this sweep.
func (s *Service) ExpireGrants(ctx context.Context, limit int) (int, error) {
	now := s.clock()
	expired, err := s.Grants.ExpireBefore(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	for _, g := range expired {
		ownerID := g.OwnerID
		s.Audit.Record(ctx, uuid.Nil, model.AuditActionExpire, model.AuditEntityAccessGrant, g.ID, &audit.LogOptions{
			OwnerID:  &ownerID,
			Metadata: map[string]interface{}{"subject_id": g.SubjectID},
		})
		expiresAt := g.ExpiresAt
		s.Events.Publish(ctx, model.EventAccessGrantExpired, model.AccessEvent{
			SubjectID: g.SubjectID,
			OwnerID:   ownerID,
			GrantID:   &g.ID,
			ExpiresAt: &expiresAt,
			At:        now,
		})
	}
	if s.Metrics != nil {
		s.Metrics.GrantsExpired.Add(float64(len(expired)))
	}
	return len(expired), nil
}

func generateCode(n int) (string, error) {
	size := big.NewInt(int64(len(codeAlphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", err
		}
		out[i] = codeAlphabet[idx.Int64()]
	}
	return string(out), nil
}
