package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/ehr-access/pkg/policy"
	"github.com/jwalitptl/ehr-access/pkg/security"
)

// RedactionMarker replaces clear-text columns whose content lives in the
// sealed payload.
const RedactionMarker = "[ENCRYPTED]"

// SealedAccess tells a reader what happened to the sealed part of a record.
type SealedAccess string

const (
	SealedAccessNone    SealedAccess = ""
	SealedAccessGranted SealedAccess = "granted"
	SealedAccessDenied  SealedAccess = "denied"
)

type MedicalRecord struct {
	Base
	PatientID      uuid.UUID               `db:"patient_id" json:"patient_id"`
	AuthorID       uuid.UUID               `db:"author_id" json:"author_id"`
	OrganizationID policy.OrgID            `db:"organization_id" json:"organization_id"`
	UnitID         policy.UnitID           `db:"unit_id" json:"unit_id"`
	Type           string                  `db:"type" json:"type"`
	Title          string                  `db:"title" json:"title"`
	Diagnosis      string                  `db:"diagnosis" json:"diagnosis"`
	Prescription   string                  `db:"prescription" json:"prescription"`
	Notes          string                  `db:"notes" json:"notes"`
	Vitals         Vitals                  `db:"vitals" json:"vitals,omitempty"`
	LabResults     LabResults              `db:"lab_results" json:"lab_results,omitempty"`
	Encrypted      bool                    `db:"encrypted" json:"encrypted"`
	Sealed         *security.SealedPayload `db:"sealed" json:"-"`
	PolicyHash     *string                 `db:"policy_hash" json:"-"`
	SealedAccess   SealedAccess            `db:"-" json:"sealed_access,omitempty"`
}

// SensitiveFields is the part of a record that is sealed as one blob.
type SensitiveFields struct {
	Diagnosis    string     `json:"diagnosis,omitempty"`
	Prescription string     `json:"prescription,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	Vitals       Vitals     `json:"vitals,omitempty"`
	LabResults   LabResults `json:"lab_results,omitempty"`
}

// Sensitive extracts the sensitive fields as stored in clear.
func (r *MedicalRecord) Sensitive() SensitiveFields {
	return SensitiveFields{
		Diagnosis:    r.Diagnosis,
		Prescription: r.Prescription,
		Notes:        r.Notes,
		Vitals:       r.Vitals,
		LabResults:   r.LabResults,
	}
}

// SetSensitive writes fields back into the clear columns.
func (r *MedicalRecord) SetSensitive(f SensitiveFields) {
	r.Diagnosis = f.Diagnosis
	r.Prescription = f.Prescription
	r.Notes = f.Notes
	r.Vitals = f.Vitals
	r.LabResults = f.LabResults
}

// Redact replaces the clear columns that mirror sealed content.
func (r *MedicalRecord) Redact() {
	r.Diagnosis = RedactionMarker
	r.Prescription = RedactionMarker
	r.Notes = RedactionMarker
	r.Vitals = nil
	r.LabResults = nil
}

type Vitals map[string]string

func (v Vitals) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (v *Vitals) Scan(src interface{}) error {
	return scanJSON(src, v)
}

type LabResult struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Unit  string `json:"unit,omitempty"`
}

type LabResults []LabResult

func (l LabResults) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

func (l *LabResults) Scan(src interface{}) error {
	return scanJSON(src, l)
}

func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
}

type RecordFilters struct {
	Type      string    `form:"type"`
	StartDate time.Time `form:"start_date" time_format:"2006-01-02"`
	EndDate   time.Time `form:"end_date" time_format:"2006-01-02"`
	Pagination
}

type CreateRecordRequest struct {
	Type          string          `json:"type" binding:"required,max=64"`
	Title         string          `json:"title" binding:"required,max=255"`
	Fields        SensitiveFields `json:"fields"`
	ShouldEncrypt bool            `json:"should_encrypt"`
}
