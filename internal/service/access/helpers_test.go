package access

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/ehr-access/internal/model"
	"github.com/jwalitptl/ehr-access/internal/repository/repotest"
	"github.com/jwalitptl/ehr-access/internal/service/audit"
	"github.com/jwalitptl/ehr-access/internal/service/event"
	"github.com/jwalitptl/ehr-access/pkg/metrics"
	"github.com/jwalitptl/ehr-access/pkg/policy"
)

var testNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

type fixture struct {
	svc     *Service
	store   *repotest.Store
	patient uuid.UUID
	doctor  model.Actor
	other   model.Actor
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	store := repotest.NewStore()

	patient := &model.Patient{ID: uuid.New(), Name: "Pat", Email: "pat@example.com", CreatedAt: testNow}
	require.NoError(t, store.Patients().Create(ctx, patient))

	doc := &model.Clinician{ID: uuid.New(), Name: "D", OrganizationID: "H1", UnitID: "U1", Active: true}
	other := &model.Clinician{ID: uuid.New(), Name: "D2", OrganizationID: "H2", UnitID: "U1", Active: true}
	require.NoError(t, store.Clinicians().Create(ctx, doc))
	require.NoError(t, store.Clinicians().Create(ctx, other))

	svc := NewService(Deps{
		Patients:   store.Patients(),
		Clinicians: store.Clinicians(),
		Records:    store.Records(),
		Grants:     store.Grants(),
		Requests:   store.Requests(),
		Codes:      store.Codes(),
		Audit:      audit.NewService(store.Audit(), nil),
		Events:     event.NewService(store.Outbox(), nil),
		Metrics:    metrics.New("test", prometheus.NewRegistry()),
	}, cfg)
	svc.now = func() time.Time { return testNow }

	return &fixture{
		svc:     svc,
		store:   store,
		patient: patient.ID,
		doctor:  model.Actor{ID: doc.ID, Role: model.RoleClinician, Attributes: doc.Attributes()},
		other:   model.Actor{ID: other.ID, Role: model.RoleClinician, Attributes: other.Attributes()},
	}
}

// authorRecord stores a plain record written by author for the fixture patient.
func (f *fixture) authorRecord(t *testing.T, author model.Actor) {
	t.Helper()
	require.NoError(t, f.store.Records().Create(context.Background(), &model.MedicalRecord{
		Base:           model.Base{ID: uuid.New(), CreatedAt: testNow, UpdatedAt: testNow},
		PatientID:      f.patient,
		AuthorID:       author.ID,
		OrganizationID: author.Attributes.Org,
		UnitID:         author.Attributes.Unit,
		Type:           "visit",
		Title:          "Checkup",
	}))
}

func (f *fixture) setCode(t *testing.T, code string) {
	t.Helper()
	require.NoError(t, f.store.Codes().Upsert(context.Background(), &model.AccessCode{
		OwnerID: f.patient, Code: code, RotatedAt: testNow,
	}))
}

func (f *fixture) grant(t *testing.T, subject uuid.UUID) {
	t.Helper()
	_, err := f.svc.GrantAccess(context.Background(), f.patient, subject, model.AccessLevelRead, 0)
	require.NoError(t, err)
}

func attrs(org, unit string) policy.AttributeSet {
	return policy.AttributeSet{Org: policy.OrgID(org), Unit: policy.UnitID(unit)}
}
