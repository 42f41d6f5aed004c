package model

import (
	"time"

	"github.com/google/uuid"
)

type AccessLevel string

const (
	AccessLevelRead      AccessLevel = "read"
	AccessLevelReadWrite AccessLevel = "read_write"
)

func (l AccessLevel) Valid() bool {
	return l == AccessLevelRead || l == AccessLevelReadWrite
}

// AccessGrant is a time-bounded capability for a subject (clinician) to
// read an owner's (patient's) records. There is at most one row per pair.
type AccessGrant struct {
	ID        uuid.UUID   `json:"id" db:"id"`
	SubjectID uuid.UUID   `json:"subject_id" db:"subject_id"`
	OwnerID   uuid.UUID   `json:"owner_id" db:"owner_id"`
	Level     AccessLevel `json:"level" db:"level"`
	GrantedAt time.Time   `json:"granted_at" db:"granted_at"`
	ExpiresAt time.Time   `json:"expires_at" db:"expires_at"`
	Active    bool        `json:"active" db:"active"`
	RevokedAt *time.Time  `json:"revoked_at,omitempty" db:"revoked_at"`
	UpdatedAt time.Time   `json:"updated_at" db:"updated_at"`
}

// EffectiveAt reports whether the grant authorizes access at now.
func (g *AccessGrant) EffectiveAt(now time.Time) bool {
	return g != nil && g.Active && g.ExpiresAt.After(now)
}

type RequestStatus string

const (
	RequestStatusPending  RequestStatus = "pending"
	RequestStatusApproved RequestStatus = "approved"
	RequestStatusRejected RequestStatus = "rejected"
)

func (s RequestStatus) Terminal() bool {
	return s == RequestStatusApproved || s == RequestStatusRejected
}

// RequestSource distinguishes requests asked for by a clinician from the
// audit rows written when an access code was used.
type RequestSource string

const (
	RequestSourceRequest    RequestSource = "request"
	RequestSourceAccessCode RequestSource = "access_code"
)

type AccessRequest struct {
	ID              uuid.UUID     `json:"id" db:"id"`
	SubjectID       uuid.UUID     `json:"subject_id" db:"subject_id"`
	OwnerID         uuid.UUID     `json:"owner_id" db:"owner_id"`
	Message         string        `json:"message" db:"message"`
	RequestedLevel  AccessLevel   `json:"requested_level" db:"requested_level"`
	Status          RequestStatus `json:"status" db:"status"`
	ResponseMessage string        `json:"response_message,omitempty" db:"response_message"`
	Source          RequestSource `json:"source" db:"source"`
	RequestedAt     time.Time     `json:"requested_at" db:"requested_at"`
	RespondedAt     *time.Time    `json:"responded_at,omitempty" db:"responded_at"`
}

// RequestResolution is the owner's answer to a pending request.
type RequestResolution struct {
	RequestID      uuid.UUID
	OwnerID        uuid.UUID
	Approve        bool
	Message        string
	GrantExpiresAt time.Time // used only when approving
	At             time.Time
}

// AccessCode is the owner's current shared secret.
type AccessCode struct {
	OwnerID   uuid.UUID `json:"owner_id" db:"owner_id"`
	Code      string    `json:"code" db:"code"`
	RotatedAt time.Time `json:"rotated_at" db:"rotated_at"`
}

type GrantFilter struct {
	OwnerID    *uuid.UUID
	SubjectID  *uuid.UUID
	ActiveOnly bool
	Pagination
}

type RequestFilter struct {
	OwnerID   *uuid.UUID
	SubjectID *uuid.UUID
	Status    RequestStatus
	Pagination
}

type GrantAccessRequest struct {
	SubjectID  uuid.UUID   `json:"subject_id" binding:"required"`
	Level      AccessLevel `json:"level" binding:"required,oneof=read read_write"`
	ExpiryDays int         `json:"expiry_days" binding:"omitempty,min=1,max=365"`
}

type CreateAccessRequest struct {
	OwnerID uuid.UUID   `json:"owner_id" binding:"required"`
	Message string      `json:"message" binding:"max=1000"`
	Level   AccessLevel `json:"level" binding:"required,oneof=read read_write"`
}

type RespondAccessRequest struct {
	Approve bool   `json:"approve"`
	Message string `json:"message" binding:"max=1000"`
}

type AuthorizeRequest struct {
	OwnerID    uuid.UUID `json:"owner_id" binding:"required"`
	AccessCode string    `json:"access_code" binding:"omitempty,max=64"`
}
