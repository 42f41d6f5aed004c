package model

import (
	"github.com/google/uuid"

	"github.com/jwalitptl/ehr-access/pkg/policy"
)

type Role string

const (
	RoleClinician Role = "clinician"
	RolePatient   Role = "patient"
)

func (r Role) Valid() bool {
	return r == RoleClinician || r == RolePatient
}

// Actor is the authenticated caller of an operation. Attributes are only
// set for clinicians and are resolved at the moment of the request.
type Actor struct {
	ID         uuid.UUID           `json:"id"`
	Role       Role                `json:"role"`
	Attributes policy.AttributeSet `json:"attributes"`
}

func (a Actor) IsClinician() bool { return a.Role == RoleClinician }

func (a Actor) IsPatient() bool { return a.Role == RolePatient }
