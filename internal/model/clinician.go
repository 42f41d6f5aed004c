package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/ehr-access/pkg/policy"
)

type Clinician struct {
	ID             uuid.UUID     `json:"id" db:"id"`
	Name           string        `json:"name" db:"name"`
	Email          string        `json:"email" db:"email"`
	OrganizationID policy.OrgID  `json:"organization_id" db:"organization_id"`
	UnitID         policy.UnitID `json:"unit_id" db:"unit_id"`
	Active         bool          `json:"active" db:"active"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
}

// Attributes returns the clinician's current organizational placement.
func (c *Clinician) Attributes() policy.AttributeSet {
	return policy.AttributeSet{Org: c.OrganizationID, Unit: c.UnitID}
}
