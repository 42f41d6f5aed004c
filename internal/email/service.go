// Package email sends plain-text notification mail over SMTP.
package email

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/jwalitptl/ehr-access/pkg/logger"
)

type Service interface {
	Send(ctx context.Context, to, subject, body string) error
}

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPService delivers mail through a gomail sender.
type SMTPService struct {
	from string
	send func(m *gomail.Message) error
}

func NewSMTPService(cfg Config) *SMTPService {
	dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	return &SMTPService{
		from: cfg.From,
		send: func(m *gomail.Message) error { return dialer.DialAndSend(m) },
	}
}

// NewService sends through sender. Tests pass a gomail.SendFunc.
func NewService(from string, sender gomail.Sender) *SMTPService {
	return &SMTPService{
		from: from,
		send: func(m *gomail.Message) error { return gomail.Send(sender, m) },
	}
}

func (s *SMTPService) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	if err := s.send(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// LogService stands in for SMTP when mail is disabled. Only the recipient
// and subject are logged.
type LogService struct {
	log *logger.Logger
}

func NewLogService(log *logger.Logger) *LogService {
	return &LogService{log: log}
}

func (s *LogService) Send(_ context.Context, to, subject, _ string) error {
	s.log.Info("email suppressed", "to", to, "subject", subject)
	return nil
}
