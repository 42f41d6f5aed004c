package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusProcessed OutboxStatus = "processed"
	OutboxStatusRetry     OutboxStatus = "retry"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// Access event types. They double as the redis channel names.
const (
	EventAccessRequested       = "access.requested"
	EventAccessRequestApproved = "access.request_approved"
	EventAccessRequestRejected = "access.request_rejected"
	EventAccessGranted         = "access.granted"
	EventAccessRevoked         = "access.revoked"
	EventAccessCodeRegenerated = "access.code_regenerated"
	EventAccessCodeUsed        = "access.code_used"
	EventAccessGrantExpired    = "access.grant_expired"
)

type OutboxEvent struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	EventType    string          `db:"event_type" json:"event_type"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	Status       OutboxStatus    `db:"status" json:"status"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	RetryCount   int             `db:"retry_count" json:"retry_count"`
	RetryAt      *time.Time      `db:"retry_at" json:"retry_at,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	ProcessedAt  *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// AccessEvent is the payload of every access.* event.
type AccessEvent struct {
	SubjectID uuid.UUID   `json:"subject_id"`
	OwnerID   uuid.UUID   `json:"owner_id"`
	RequestID *uuid.UUID  `json:"request_id,omitempty"`
	GrantID   *uuid.UUID  `json:"grant_id,omitempty"`
	Level     AccessLevel `json:"level,omitempty"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
	Message   string      `json:"message,omitempty"`
	At        time.Time   `json:"at"`
}
