// Package clinician provisions clinicians and keeps their organizational
// placement current. Placement is what record policies are evaluated
// against, so a move changes which sealed records the clinician can open.
package clinician

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/ehr-access/internal/model"
	"github.com/jwalitptl/ehr-access/internal/repository"
	"github.com/jwalitptl/ehr-access/internal/service/audit"
	"github.com/jwalitptl/ehr-access/pkg/policy"
	"github.com/jwalitptl/ehr-access/pkg/validator"
)

type CreateRequest struct {
	Name  string        `validate:"required,max=255"`
	Email string        `validate:"required,email,max=255"`
	Org   policy.OrgID  `validate:"required,max=128"`
	Unit  policy.UnitID `validate:"required,max=128"`
}

type MoveRequest struct {
	Org  policy.OrgID  `validate:"required,max=128"`
	Unit policy.UnitID `validate:"required,max=128"`
}

type Service struct {
	repo    repository.ClinicianRepository
	auditor *audit.Service
	now     func() time.Time
}

func NewService(repo repository.ClinicianRepository, auditor *audit.Service) *Service {
	return &Service{repo: repo, auditor: auditor, now: time.Now}
}

func (s *Service) Create(ctx context.Context, operator uuid.UUID, req CreateRequest) (*model.Clinician, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := validator.Struct(req); err != nil {
		return nil, err
	}

	c := &model.Clinician{
		ID:             uuid.New(),
		Name:           strings.TrimSpace(req.Name),
		Email:          req.Email,
		OrganizationID: req.Org,
		UnitID:         req.Unit,
		Active:         true,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, err
	}

	s.auditor.Record(ctx, operator, model.AuditActionCreate, model.AuditEntityClinician, c.ID, &audit.LogOptions{
		Metadata: map[string]interface{}{"organization_id": c.OrganizationID, "unit_id": c.UnitID},
	})
	return c, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.Clinician, error) {
	return s.repo.Get(ctx, id)
}

// Move changes the clinician's organization and unit. Records sealed
// before the move keep their original policy.
func (s *Service) Move(ctx context.Context, operator, id uuid.UUID, req MoveRequest) (*model.Clinician, error) {
	if err := validator.Struct(req); err != nil {
		return nil, err
	}
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	from := c.Attributes()
	c.OrganizationID = req.Org
	c.UnitID = req.Unit
	if err := s.repo.Update(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to move clinician: %w", err)
	}

	s.auditor.Record(ctx, operator, model.AuditActionMove, model.AuditEntityClinician, c.ID, &audit.LogOptions{
		Metadata: map[string]interface{}{
			"from": map[string]string{"organization_id": string(from.Org), "unit_id": string(from.Unit)},
			"to":   map[string]string{"organization_id": string(c.OrganizationID), "unit_id": string(c.UnitID)},
		},
	})
	return c, nil
}

// Deactivate stops the clinician from authenticating. Their grants stay in
// the ledger until they expire or are revoked.
func (s *Service) Deactivate(ctx context.Context, operator, id uuid.UUID) (*model.Clinician, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.Active {
		return c, nil
	}

	c.Active = false
	if err := s.repo.Update(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to deactivate clinician: %w", err)
	}
	s.auditor.Record(ctx, operator, model.AuditActionDeactivate, model.AuditEntityClinician, c.ID, nil)
	return c, nil
}
