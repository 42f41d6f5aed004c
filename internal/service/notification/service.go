// Package notification emails patients and clinicians about changes to
// access requests.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jwalitptl/ehr-access/internal/email"
	"github.com/jwalitptl/ehr-access/internal/model"
	"github.com/jwalitptl/ehr-access/internal/repository"
	"github.com/jwalitptl/ehr-access/pkg/logger"
	"github.com/jwalitptl/ehr-access/pkg/messaging"
)

// Channels the dispatcher listens on.
var Channels = []string{
	model.EventAccessRequested,
	model.EventAccessRequestApproved,
	model.EventAccessRequestRejected,
}

type Dispatcher struct {
	broker     messaging.Broker
	patients   repository.PatientRepository
	clinicians repository.ClinicianRepository
	emailSvc   email.Service
	log        *logger.Logger

	subs map[string]<-chan []byte
}

func NewDispatcher(
	broker messaging.Broker,
	patients repository.PatientRepository,
	clinicians repository.ClinicianRepository,
	emailSvc email.Service,
	log *logger.Logger,
) *Dispatcher {
	if log == nil {
		log = logger.Nop()
	}
	return &Dispatcher{
		broker:     broker,
		patients:   patients,
		clinicians: clinicians,
		emailSvc:   emailSvc,
		log:        log,
	}
}

// Subscribe opens every notification channel. Messages published after it
// returns are buffered until Run drains them, so callers subscribe before
// starting publishers. The subscriptions live as long as ctx.
func (d *Dispatcher) Subscribe(ctx context.Context) error {
	subs := make(map[string]<-chan []byte, len(Channels))
	for _, channel := range Channels {
		msgs, err := d.broker.Subscribe(ctx, channel)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
		}
		subs[channel] = msgs
	}
	d.subs = subs
	return nil
}

// Run delivers notifications until ctx is cancelled or all subscriptions
// end. It subscribes first unless Subscribe was already called.
// Cancellation is a normal stop and returns nil.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.subs == nil {
		if err := d.Subscribe(ctx); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	for channel, msgs := range d.subs {
		wg.Add(1)
		go func(channel string, msgs <-chan []byte) {
			defer wg.Done()
			for raw := range msgs {
				if err := d.HandleMessage(ctx, raw); err != nil {
					d.log.Error(err, "failed to deliver notification", "channel", channel)
				}
			}
		}(channel, msgs)
	}

	d.log.Info("notification dispatcher started")
	wg.Wait()
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (d *Dispatcher) HandleMessage(ctx context.Context, raw []byte) error {
	msg, err := messaging.Decode(raw)
	if err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	var ev model.AccessEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", msg.Type, err)
	}
	return d.Handle(ctx, msg.Type, ev)
}

// Handle emails the counterpart of the event: the patient for a new request,
// the requesting clinician for a decision. Other event types are ignored.
func (d *Dispatcher) Handle(ctx context.Context, eventType string, ev model.AccessEvent) error {
	if !handles(eventType) {
		return nil
	}
	clinician, err := d.clinicians.Get(ctx, ev.SubjectID)
	if err != nil {
		return fmt.Errorf("failed to load clinician: %w", err)
	}
	patient, err := d.patients.Get(ctx, ev.OwnerID)
	if err != nil {
		return fmt.Errorf("failed to load patient: %w", err)
	}

	var to, subject, body string
	switch eventType {
	case model.EventAccessRequested:
		to = patient.Email
		subject = "New request to access your medical records"
		body = fmt.Sprintf("%s has asked for %s access to your medical records.\n", clinician.Name, levelOrDefault(ev.Level))
		if ev.Message != "" {
			body += fmt.Sprintf("\nTheir message: %s\n", ev.Message)
		}
		body += "\nYou can approve or reject the request from your account.\n"
	case model.EventAccessRequestApproved:
		to = clinician.Email
		subject = "Your access request was approved"
		body = fmt.Sprintf("%s approved your request to access their medical records.\n", patient.Name)
		if ev.ExpiresAt != nil {
			body += fmt.Sprintf("Access is valid until %s.\n", ev.ExpiresAt.Format("2006-01-02"))
		}
	case model.EventAccessRequestRejected:
		to = clinician.Email
		subject = "Your access request was declined"
		body = fmt.Sprintf("%s declined your request to access their medical records.\n", patient.Name)
		if ev.Message != "" {
			body += fmt.Sprintf("\nTheir message: %s\n", ev.Message)
		}
	}

	if to == "" {
		d.log.Debug("no email address on file, skipping notification", "event_type", eventType)
		return nil
	}
	return d.emailSvc.Send(ctx, to, subject, body)
}

func handles(eventType string) bool {
	for _, c := range Channels {
		if c == eventType {
			return true
		}
	}
	return false
}

func levelOrDefault(l model.AccessLevel) model.AccessLevel {
	if l == "" {
		return model.AccessLevelRead
	}
	return l
}
