package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/ehr-access/internal/model"
	"github.com/jwalitptl/ehr-access/internal/repository"
	"github.com/jwalitptl/ehr-access/pkg/logger"
)

type requestInfoKey struct{}

type requestInfo struct {
	ip, userAgent string
}

// WithRequestInfo stores the caller's address and user agent for audit rows
// written further down the call chain.
func WithRequestInfo(ctx context.Context, ip, userAgent string) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, requestInfo{ip: ip, userAgent: userAgent})
}

type Service struct {
	repo repository.AuditRepository
	log  *logger.Logger
	now  func() time.Time
}

func NewService(repo repository.AuditRepository, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{repo: repo, log: log, now: time.Now}
}

type LogOptions struct {
	OwnerID  *uuid.UUID
	Metadata interface{}
}

// Log writes an audit entry.
func (s *Service) Log(ctx context.Context, actorID uuid.UUID, action, entityType string, entityID uuid.UUID, opts *LogOptions) error {
	if opts == nil {
		opts = &LogOptions{}
	}

	var metadata json.RawMessage
	if opts.Metadata != nil {
		raw, err := json.Marshal(opts.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
		metadata = raw
	}

	entry := &model.AuditLog{
		ID:         uuid.New(),
		ActorID:    actorID,
		OwnerID:    opts.OwnerID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Metadata:   metadata,
		CreatedAt:  s.now().UTC(),
	}
	if info, ok := ctx.Value(requestInfoKey{}).(requestInfo); ok {
		entry.IPAddress = info.ip
		entry.UserAgent = info.userAgent
	}

	if err := s.repo.Create(ctx, entry); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// Record is Log for callers whose operation already succeeded: a failed
// audit write is logged rather than returned.
func (s *Service) Record(ctx context.Context, actorID uuid.UUID, action, entityType string, entityID uuid.UUID, opts *LogOptions) {
	if err := s.Log(ctx, actorID, action, entityType, entityID, opts); err != nil {
		s.log.Error(err, "audit write failed", "action", action, "entity_type", entityType, "entity_id", entityID.String())
	}
}

func (s *Service) ListByOwner(ctx context.Context, ownerID uuid.UUID, page model.Pagination) ([]*model.AuditLog, error) {
	return s.repo.ListByOwner(ctx, ownerID, page.Normalize())
}

func (s *Service) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	return s.repo.Cleanup(ctx, before)
}
