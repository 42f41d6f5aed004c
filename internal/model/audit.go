package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type AuditLog struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	ActorID    uuid.UUID       `json:"actor_id" db:"actor_id"`
	OwnerID    *uuid.UUID      `json:"owner_id,omitempty" db:"owner_id"`
	Action     string          `json:"action" db:"action"`
	EntityType string          `json:"entity_type" db:"entity_type"`
	EntityID   uuid.UUID       `json:"entity_id" db:"entity_id"`
	Metadata   json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	IPAddress  string          `json:"ip_address" db:"ip_address"`
	UserAgent  string          `json:"user_agent" db:"user_agent"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

const (
	AuditActionCreate           = "create"
	AuditActionRead             = "read"
	AuditActionAuthorize        = "authorize"
	AuditActionDeny             = "deny"
	AuditActionGrant            = "grant"
	AuditActionRevoke           = "revoke"
	AuditActionRequest          = "request"
	AuditActionApprove          = "approve"
	AuditActionReject           = "reject"
	AuditActionRegenerateCode   = "regenerate_code"
	AuditActionEncrypt          = "encrypt"
	AuditActionRemoveEncryption = "remove_encryption"
	AuditActionReEncrypt        = "re_encrypt"
	AuditActionExpire           = "expire"
	AuditActionMove             = "move"
	AuditActionDeactivate       = "deactivate"

	AuditEntityPatient       = "patient"
	AuditEntityClinician     = "clinician"
	AuditEntityMedicalRecord = "medical_record"
	AuditEntityAccessGrant   = "access_grant"
	AuditEntityAccessRequest = "access_request"
	AuditEntityAccessCode    = "access_code"
)
