package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jwalitptl/ehr-access/internal/model"
	"github.com/jwalitptl/ehr-access/internal/repository"
	"github.com/jwalitptl/ehr-access/pkg/logger"
)

// Service writes domain events to the outbox. Publishing is the worker's job.
type Service struct {
	outboxRepo repository.OutboxRepository
	log        *logger.Logger
}

func NewService(outboxRepo repository.OutboxRepository, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{outboxRepo: outboxRepo, log: log}
}

func (s *Service) Emit(ctx context.Context, eventType string, payload interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	event := &model.OutboxEvent{
		EventType: eventType,
		Payload:   payloadJSON,
	}
	if err := s.outboxRepo.Create(ctx, event); err != nil {
		return fmt.Errorf("failed to create outbox event: %w", err)
	}
	return nil
}

// Publish emits and logs failures instead of returning them. Used after the
// ledger write the event describes has already committed.
func (s *Service) Publish(ctx context.Context, eventType string, payload model.AccessEvent) {
	if err := s.Emit(ctx, eventType, payload); err != nil {
		s.log.Error(err, "failed to emit event", "event_type", eventType)
	}
}
