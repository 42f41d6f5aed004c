// Package repotest provides in-memory repositories for service tests. They
// enforce the same uniqueness rules as the postgres schema.
package repotest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/ehr-access/internal/model"
	"github.com/jwalitptl/ehr-access/internal/repository"
	apperrors "github.com/jwalitptl/ehr-access/pkg/errors"
	"github.com/jwalitptl/ehr-access/pkg/policy"
)

type pair struct {
	subject, owner uuid.UUID
}

// Store holds every table behind one mutex.
type Store struct {
	mu         sync.Mutex
	patients   map[uuid.UUID]model.Patient
	clinicians map[uuid.UUID]model.Clinician
	records    map[uuid.UUID]model.MedicalRecord
	grants     map[pair]model.AccessGrant
	requests   map[uuid.UUID]model.AccessRequest
	codes      map[uuid.UUID]model.AccessCode
	audit      []model.AuditLog
	outbox     []model.OutboxEvent
}

func NewStore() *Store {
	return &Store{
		patients:   make(map[uuid.UUID]model.Patient),
		clinicians: make(map[uuid.UUID]model.Clinician),
		records:    make(map[uuid.UUID]model.MedicalRecord),
		grants:     make(map[pair]model.AccessGrant),
		requests:   make(map[uuid.UUID]model.AccessRequest),
		codes:      make(map[uuid.UUID]model.AccessCode),
	}
}

func (s *Store) Patients() repository.PatientRepository       { return patients{s} }
func (s *Store) Clinicians() repository.ClinicianRepository   { return clinicians{s} }
func (s *Store) Records() repository.MedicalRecordRepository  { return records{s} }
func (s *Store) Grants() repository.GrantRepository           { return grants{s} }
func (s *Store) Requests() repository.AccessRequestRepository { return requests{s} }
func (s *Store) Codes() repository.AccessCodeRepository       { return codes{s} }
func (s *Store) Audit() repository.AuditRepository            { return audit{s} }
func (s *Store) Outbox() repository.OutboxRepository          { return outbox{s} }

// Events returns the types of all outbox events in insertion order.
func (s *Store) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.outbox))
	for _, e := range s.outbox {
		types = append(types, e.EventType)
	}
	return types
}

// AuditActions returns the actions of all audit rows in insertion order.
func (s *Store) AuditActions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	actions := make([]string, 0, len(s.audit))
	for _, l := range s.audit {
		actions = append(actions, l.Action)
	}
	return actions
}

// GrantCount returns the number of grant rows, active or not.
func (s *Store) GrantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.grants)
}

// RequestsFor returns every request row for the pair.
func (s *Store) RequestsFor(subjectID, ownerID uuid.UUID) []model.AccessRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AccessRequest
	for _, r := range s.requests {
		if r.SubjectID == subjectID && r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

// SetRecord overwrites a stored record, bypassing the optimistic guard.
func (s *Store) SetRecord(record model.MedicalRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = cloneRecord(record)
}

func page[T any](items []T, p model.Pagination) []T {
	p = p.Normalize()
	if p.Offset >= len(items) {
		return []T{}
	}
	end := p.Offset + p.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[p.Offset:end]
}

type patients struct{ s *Store }

func (r patients) Create(_ context.Context, p *model.Patient) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if _, ok := r.s.patients[p.ID]; ok {
		return apperrors.Conflict("patient already exists")
	}
	r.s.patients[p.ID] = *p
	return nil
}

func (r patients) Get(_ context.Context, id uuid.UUID) (*model.Patient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.patients[id]
	if !ok {
		return nil, apperrors.NotFound("patient", nil)
	}
	return &p, nil
}

type clinicians struct{ s *Store }

func (r clinicians) Create(_ context.Context, c *model.Clinician) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if _, ok := r.s.clinicians[c.ID]; ok {
		return apperrors.Conflict("clinician already exists")
	}
	r.s.clinicians[c.ID] = *c
	return nil
}

func (r clinicians) Get(_ context.Context, id uuid.UUID) (*model.Clinician, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.clinicians[id]
	if !ok {
		return nil, apperrors.NotFound("clinician", nil)
	}
	return &c, nil
}

func (r clinicians) Update(_ context.Context, c *model.Clinician) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.clinicians[c.ID]; !ok {
		return apperrors.NotFound("clinician", nil)
	}
	r.s.clinicians[c.ID] = *c
	return nil
}

func cloneRecord(r model.MedicalRecord) model.MedicalRecord {
	if r.Vitals != nil {
		v := make(model.Vitals, len(r.Vitals))
		for k, val := range r.Vitals {
			v[k] = val
		}
		r.Vitals = v
	}
	if r.LabResults != nil {
		r.LabResults = append(model.LabResults(nil), r.LabResults...)
	}
	if r.Sealed != nil {
		sealed := *r.Sealed
		r.Sealed = &sealed
	}
	r.SealedAccess = model.SealedAccessNone
	return r
}

type records struct{ s *Store }

func (r records) Create(_ context.Context, record *model.MedicalRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.records[record.ID]; ok {
		return apperrors.Conflict("medical record already exists")
	}
	if record.Encrypted != (record.Sealed != nil) {
		return fmt.Errorf("encrypted flag disagrees with sealed payload")
	}
	r.s.records[record.ID] = cloneRecord(*record)
	return nil
}

func (r records) Get(_ context.Context, id uuid.UUID) (*model.MedicalRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.records[id]
	if !ok {
		return nil, apperrors.NotFound("medical record", nil)
	}
	rec = cloneRecord(rec)
	return &rec, nil
}

func (r records) ListByPatient(_ context.Context, patientID uuid.UUID, filters *model.RecordFilters) ([]*model.MedicalRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if filters == nil {
		filters = &model.RecordFilters{}
	}
	var out []*model.MedicalRecord
	for _, rec := range r.s.records {
		if rec.PatientID != patientID {
			continue
		}
		if filters.Type != "" && rec.Type != filters.Type {
			continue
		}
		if !filters.StartDate.IsZero() && rec.CreatedAt.Before(filters.StartDate) {
			continue
		}
		if !filters.EndDate.IsZero() && rec.CreatedAt.After(filters.EndDate) {
			continue
		}
		c := cloneRecord(rec)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, filters.Pagination), nil
}

func (r records) ReplaceEncryption(_ context.Context, record *model.MedicalRecord, expectedUpdatedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	current, ok := r.s.records[record.ID]
	if !ok || !current.UpdatedAt.Equal(expectedUpdatedAt) {
		return apperrors.Conflict("medical record was modified concurrently")
	}
	if record.Encrypted != (record.Sealed != nil) {
		return fmt.Errorf("encrypted flag disagrees with sealed payload")
	}
	current.SetSensitive(record.Sensitive())
	current.Encrypted = record.Encrypted
	current.Sealed = record.Sealed
	current.PolicyHash = record.PolicyHash
	current.UpdatedAt = record.UpdatedAt
	r.s.records[record.ID] = cloneRecord(current)
	return nil
}

func (r records) HasAuthoredInOrg(_ context.Context, authorID, patientID uuid.UUID, org policy.OrgID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, rec := range r.s.records {
		if rec.AuthorID == authorID && rec.PatientID == patientID && rec.OrganizationID == org {
			return true, nil
		}
	}
	return false, nil
}

type grants struct{ s *Store }

// upsertLocked mirrors the ON CONFLICT upsert. Callers hold the lock.
func (s *Store) upsertLocked(g *model.AccessGrant) (*model.AccessGrant, error) {
	if g.SubjectID == uuid.Nil || g.OwnerID == uuid.Nil {
		return nil, apperrors.BadRequest("grant requires subject and owner", nil)
	}
	key := pair{g.SubjectID, g.OwnerID}
	saved, ok := s.grants[key]
	if !ok {
		saved.ID = g.ID
		if saved.ID == uuid.Nil {
			saved.ID = uuid.New()
		}
		saved.SubjectID = g.SubjectID
		saved.OwnerID = g.OwnerID
	}
	saved.Level = g.Level
	saved.GrantedAt = g.GrantedAt
	saved.ExpiresAt = g.ExpiresAt
	saved.Active = true
	saved.RevokedAt = nil
	saved.UpdatedAt = g.GrantedAt
	s.grants[key] = saved
	return &saved, nil
}

func (r grants) Upsert(_ context.Context, g *model.AccessGrant) (*model.AccessGrant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.upsertLocked(g)
}

func (r grants) GetActive(_ context.Context, subjectID, ownerID uuid.UUID, now time.Time) (*model.AccessGrant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.grants[pair{subjectID, ownerID}]
	if !ok || !g.EffectiveAt(now) {
		return nil, apperrors.NotFound("access grant", nil)
	}
	return &g, nil
}

func (r grants) Revoke(_ context.Context, ownerID, subjectID uuid.UUID, at time.Time) (*model.AccessGrant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := pair{subjectID, ownerID}
	g, ok := r.s.grants[key]
	if !ok || !g.Active {
		return nil, apperrors.NotFound("access grant", nil)
	}
	g.Active = false
	g.RevokedAt = &at
	g.UpdatedAt = at
	r.s.grants[key] = g
	return &g, nil
}

func (r grants) List(_ context.Context, filter model.GrantFilter) ([]*model.AccessGrant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := time.Now()
	var out []*model.AccessGrant
	for _, g := range r.s.grants {
		if filter.OwnerID != nil && g.OwnerID != *filter.OwnerID {
			continue
		}
		if filter.SubjectID != nil && g.SubjectID != *filter.SubjectID {
			continue
		}
		if filter.ActiveOnly && !g.EffectiveAt(now) {
			continue
		}
		g := g
		out = append(out, &g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantedAt.After(out[j].GrantedAt) })
	return page(out, filter.Pagination), nil
}

func (r grants) ExpireBefore(_ context.Context, now time.Time, limit int) ([]*model.AccessGrant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.AccessGrant
	for key, g := range r.s.grants {
		if len(out) >= limit {
			break
		}
		if !g.Active || g.ExpiresAt.After(now) {
			continue
		}
		g.Active = false
		g.UpdatedAt = now
		r.s.grants[key] = g
		g := g
		out = append(out, &g)
	}
	return out, nil
}

type requests struct{ s *Store }

func (r requests) CreatePending(_ context.Context, req *model.AccessRequest) (*model.AccessRequest, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.requests {
		if existing.SubjectID == req.SubjectID && existing.OwnerID == req.OwnerID && existing.Status == model.RequestStatusPending {
			e := existing
			return &e, false, nil
		}
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	saved := *req
	saved.Status = model.RequestStatusPending
	saved.Source = model.RequestSourceRequest
	saved.ResponseMessage = ""
	saved.RespondedAt = nil
	r.s.requests[saved.ID] = saved
	return &saved, true, nil
}

func (r requests) Get(_ context.Context, id uuid.UUID) (*model.AccessRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	req, ok := r.s.requests[id]
	if !ok {
		return nil, apperrors.NotFound("access request", nil)
	}
	return &req, nil
}

func (r requests) Resolve(_ context.Context, res model.RequestResolution) (*model.AccessRequest, *model.AccessGrant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	req, ok := r.s.requests[res.RequestID]
	if !ok {
		return nil, nil, apperrors.NotFound("access request", nil)
	}
	if req.OwnerID != res.OwnerID {
		return nil, nil, apperrors.Denied()
	}
	if req.Status != model.RequestStatusPending {
		return nil, nil, apperrors.Conflict(fmt.Sprintf("access request already %s", req.Status))
	}

	req.Status = model.RequestStatusRejected
	if res.Approve {
		req.Status = model.RequestStatusApproved
	}
	req.ResponseMessage = res.Message
	at := res.At
	req.RespondedAt = &at

	var grant *model.AccessGrant
	if res.Approve {
		var err error
		grant, err = r.s.upsertLocked(&model.AccessGrant{
			SubjectID: req.SubjectID,
			OwnerID:   req.OwnerID,
			Level:     req.RequestedLevel,
			GrantedAt: res.At,
			ExpiresAt: res.GrantExpiresAt,
		})
		if err != nil {
			return nil, nil, err
		}
	}
	r.s.requests[req.ID] = req
	return &req, grant, nil
}

func (r requests) RecordCodeAccess(_ context.Context, subjectID, ownerID uuid.UUID, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.requests {
		if existing.SubjectID != subjectID || existing.OwnerID != ownerID {
			continue
		}
		if existing.Status == model.RequestStatusApproved || existing.Source == model.RequestSourceAccessCode {
			return false, nil
		}
	}
	req := model.AccessRequest{
		ID:             uuid.New(),
		SubjectID:      subjectID,
		OwnerID:        ownerID,
		Message:        "granted via access code",
		RequestedLevel: model.AccessLevelRead,
		Status:         model.RequestStatusApproved,
		Source:         model.RequestSourceAccessCode,
		RequestedAt:    at,
		RespondedAt:    &at,
	}
	r.s.requests[req.ID] = req
	return true, nil
}

func (r requests) List(_ context.Context, filter model.RequestFilter) ([]*model.AccessRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.AccessRequest
	for _, req := range r.s.requests {
		if filter.OwnerID != nil && req.OwnerID != *filter.OwnerID {
			continue
		}
		if filter.SubjectID != nil && req.SubjectID != *filter.SubjectID {
			continue
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		req := req
		out = append(out, &req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	return page(out, filter.Pagination), nil
}

type codes struct{ s *Store }

func (r codes) Get(_ context.Context, ownerID uuid.UUID) (*model.AccessCode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.codes[ownerID]
	if !ok {
		return nil, apperrors.NotFound("access code", nil)
	}
	return &c, nil
}

func (r codes) Upsert(_ context.Context, code *model.AccessCode) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.codes[code.OwnerID] = *code
	return nil
}

type audit struct{ s *Store }

func (r audit) Create(_ context.Context, l *model.AuditLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	r.s.audit = append(r.s.audit, *l)
	return nil
}

func (r audit) ListByOwner(_ context.Context, ownerID uuid.UUID, p model.Pagination) ([]*model.AuditLog, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.AuditLog
	for i := len(r.s.audit) - 1; i >= 0; i-- {
		l := r.s.audit[i]
		if l.OwnerID != nil && *l.OwnerID == ownerID {
			out = append(out, &l)
		}
	}
	return page(out, p), nil
}

func (r audit) Cleanup(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	kept := r.s.audit[:0]
	var removed int64
	for _, l := range r.s.audit {
		if l.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	r.s.audit = kept
	return removed, nil
}

type outbox struct{ s *Store }

func (r outbox) Create(_ context.Context, e *model.OutboxEvent) error {
	if e == nil || e.Payload == nil {
		return fmt.Errorf("event payload cannot be nil")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := time.Now().UTC()
	e.ID = uuid.New()
	e.Status = model.OutboxStatusPending
	e.CreatedAt = now
	e.UpdatedAt = now
	r.s.outbox = append(r.s.outbox, *e)
	return nil
}

func (r outbox) ProcessPending(ctx context.Context, limit int, retry repository.RetryPolicy, handle func(context.Context, *model.OutboxEvent) error) (int, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var processed, failed int
	now := time.Now().UTC()
	for i := range r.s.outbox {
		if processed+failed >= limit {
			break
		}
		e := &r.s.outbox[i]
		if e.Status != model.OutboxStatusPending && e.Status != model.OutboxStatusRetry {
			continue
		}
		if e.RetryAt != nil && e.RetryAt.After(now) {
			continue
		}
		if err := handle(ctx, e); err != nil {
			failed++
			e.RetryCount++
			msg := err.Error()
			e.ErrorMessage = &msg
			e.Status = model.OutboxStatusRetry
			if retry.MaxAttempts > 0 && e.RetryCount >= retry.MaxAttempts {
				e.Status = model.OutboxStatusFailed
			}
			at := now.Add(retry.Backoff * time.Duration(e.RetryCount))
			e.RetryAt = &at
			continue
		}
		processed++
		e.Status = model.OutboxStatusProcessed
		e.ProcessedAt = &now
	}
	return processed, failed, nil
}

func (r outbox) DeleteProcessedBefore(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	kept := r.s.outbox[:0]
	var removed int64
	for _, e := range r.s.outbox {
		if e.Status == model.OutboxStatusProcessed && e.ProcessedAt != nil && e.ProcessedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	r.s.outbox = kept
	return removed, nil
}
