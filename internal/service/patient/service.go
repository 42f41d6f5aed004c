package patient

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/ehr-access/internal/model"
	"github.com/jwalitptl/ehr-access/internal/repository"
	"github.com/jwalitptl/ehr-access/internal/service/audit"
	"github.com/jwalitptl/ehr-access/pkg/validator"
)

type CreateRequest struct {
	Name  string `validate:"required,max=255"`
	Email string `validate:"required,email,max=255"`
}

type Service struct {
	repo    repository.PatientRepository
	auditor *audit.Service
	now     func() time.Time
}

func NewService(repo repository.PatientRepository, auditor *audit.Service) *Service {
	return &Service{repo: repo, auditor: auditor, now: time.Now}
}

// Create registers a patient. The patient's own audit history starts with
// this entry.
func (s *Service) Create(ctx context.Context, operator uuid.UUID, req CreateRequest) (*model.Patient, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := validator.Struct(req); err != nil {
		return nil, err
	}

	p := &model.Patient{
		ID:        uuid.New(),
		Name:      strings.TrimSpace(req.Name),
		Email:     req.Email,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}

	s.auditor.Record(ctx, operator, model.AuditActionCreate, model.AuditEntityPatient, p.ID, &audit.LogOptions{OwnerID: &p.ID})
	return p, nil
}
