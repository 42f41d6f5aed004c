package notification

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/ehr-access/internal/model"
	"github.com/jwalitptl/ehr-access/internal/repository/repotest"
	"github.com/jwalitptl/ehr-access/pkg/messaging"
)

type sentMail struct{ to, subject, body string }

type recorder struct {
	mu   sync.Mutex
	sent []sentMail
}

func (r *recorder) Send(_ context.Context, to, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMail{to, subject, body})
	return nil
}

func (r *recorder) mails() []sentMail {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentMail(nil), r.sent...)
}

type fixture struct {
	d         *Dispatcher
	broker    *messaging.MemoryBroker
	mail      *recorder
	patient   *model.Patient
	clinician *model.Clinician
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := repotest.NewStore()
	patient := &model.Patient{ID: uuid.New(), Name: "Pat", Email: "pat@example.com"}
	clinician := &model.Clinician{ID: uuid.New(), Name: "Dr. D", Email: "d@h1.example", OrganizationID: "H1", UnitID: "U1", Active: true}
	require.NoError(t, store.Patients().Create(ctx, patient))
	require.NoError(t, store.Clinicians().Create(ctx, clinician))

	broker := messaging.NewMemoryBroker()
	mail := &recorder{}
	return &fixture{
		d:         NewDispatcher(broker, store.Patients(), store.Clinicians(), mail, nil),
		broker:    broker,
		mail:      mail,
		patient:   patient,
		clinician: clinician,
	}
}

func (f *fixture) event(msg string) model.AccessEvent {
	return model.AccessEvent{SubjectID: f.clinician.ID, OwnerID: f.patient.ID, Message: msg, At: time.Now()}
}

func TestHandle_RequestEmailsPatient(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.Handle(context.Background(), model.EventAccessRequested, f.event("follow-up visit")))

	mails := f.mail.mails()
	require.Len(t, mails, 1)
	assert.Equal(t, "pat@example.com", mails[0].to)
	assert.Contains(t, mails[0].body, "Dr. D has asked for read access")
	assert.Contains(t, mails[0].body, "follow-up visit")
}

func TestHandle_DecisionsEmailClinician(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expires := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)

	approved := f.event("")
	approved.ExpiresAt = &expires
	require.NoError(t, f.d.Handle(ctx, model.EventAccessRequestApproved, approved))
	require.NoError(t, f.d.Handle(ctx, model.EventAccessRequestRejected, f.event("not my doctor")))

	mails := f.mail.mails()
	require.Len(t, mails, 2)
	assert.Equal(t, "d@h1.example", mails[0].to)
	assert.Contains(t, mails[0].body, "2026-03-31")
	assert.Equal(t, "Your access request was declined", mails[1].subject)
	assert.Contains(t, mails[1].body, "not my doctor")
}

func TestHandle_IgnoresOtherEvents(t *testing.T) {
	f := newFixture(t)
	// Unknown parties would fail the lookup if the event were handled.
	ev := model.AccessEvent{SubjectID: uuid.New(), OwnerID: uuid.New()}
	require.NoError(t, f.d.Handle(context.Background(), model.EventAccessRevoked, ev))
	assert.Empty(t, f.mail.mails())
}

func TestHandle_UnknownParty(t *testing.T) {
	f := newFixture(t)
	ev := f.event("")
	ev.SubjectID = uuid.New()
	assert.Error(t, f.d.Handle(context.Background(), model.EventAccessRequested, ev))
}

func TestRun_DeliversFromBroker(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.d.Run(ctx) }()

	payload, err := json.Marshal(f.event(""))
	require.NoError(t, err)
	msg := messaging.Message{ID: uuid.NewString(), Type: model.EventAccessRequestRejected, Payload: payload}

	// Run subscribes asynchronously; keep publishing until the mail shows up.
	require.Eventually(t, func() bool {
		_ = f.broker.Publish(ctx, model.EventAccessRequestRejected, msg)
		return len(f.mail.mails()) > 0
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	assert.Equal(t, "d@h1.example", f.mail.mails()[0].to)
}

func TestSubscribe_KeepsMessagesPublishedBeforeRun(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.d.Subscribe(ctx))

	// Published once, before anything reads the subscription.
	payload, err := json.Marshal(f.event(""))
	require.NoError(t, err)
	require.NoError(t, f.broker.Publish(ctx, model.EventAccessRequested, messaging.Message{
		ID: uuid.NewString(), Type: model.EventAccessRequested, Payload: payload,
	}))

	done := make(chan error, 1)
	go func() { done <- f.d.Run(ctx) }()

	require.Eventually(t, func() bool { return len(f.mail.mails()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "pat@example.com", f.mail.mails()[0].to)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestRun_DeadlineIsReported(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, f.d.Run(ctx), context.DeadlineExceeded)
}
