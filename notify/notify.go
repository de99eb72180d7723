/*
Package notify delivers a finished session log to the research team.

PURPOSE:
  When a session reaches its end the controller hands the complete log
  snapshot to a Sink. Delivery failures are reported back to the caller,
  which records them in the log and carries on; they never end a session
  early.

IMPLEMENTATIONS:
  - EmailSink: SMTP with the log attached as <sessionId>.json
  - Disabled: used when no SMTP credentials are configured
  - SinkFunc: adapter for tests and custom transports
*/
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/wneessen/go-mail"

	"github.com/warp/evac-survey/config"
)

// ErrDeliveryDisabled is returned by Disabled.
var ErrDeliveryDisabled = errors.New("results delivery is not configured")

// Sink delivers one session's log snapshot.
type Sink interface {
	Deliver(ctx context.Context, sessionID string, snapshot []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, sessionID string, snapshot []byte) error

func (f SinkFunc) Deliver(ctx context.Context, sessionID string, snapshot []byte) error {
	return f(ctx, sessionID, snapshot)
}

// Disabled rejects every delivery.
type Disabled struct{}

func (Disabled) Deliver(context.Context, string, []byte) error { return ErrDeliveryDisabled }

// =============================================================================
// EMAIL
// =============================================================================

// Mailer sends composed messages. *mail.Client satisfies it.
type Mailer interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// EmailSink mails the log as an attachment to a fixed recipient.
type EmailSink struct {
	From   string
	To     string
	Mailer Mailer
}

// NewEmailSink builds an implicit-TLS SMTP sink from configuration.
func NewEmailSink(cfg config.SMTP) (*EmailSink, error) {
	if !cfg.Enabled() {
		return nil, ErrDeliveryDisabled
	}
	client, err := mail.NewClient(cfg.Host,
		mail.WithPort(cfg.Port),
		mail.WithSSL(),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(cfg.Username),
		mail.WithPassword(cfg.Password),
		mail.WithTimeout(cfg.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return &EmailSink{From: cfg.Sender(), To: cfg.To, Mailer: client}, nil
}

// Subject returns the mail subject for a session.
func Subject(sessionID string) string {
	return "Wildfire Scenario Results - " + sessionID
}

// Message composes the results mail without sending it.
func (s *EmailSink) Message(sessionID string, snapshot []byte) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(s.From); err != nil {
		return nil, fmt.Errorf("from address: %w", err)
	}
	if err := m.To(s.To); err != nil {
		return nil, fmt.Errorf("to address: %w", err)
	}
	m.Subject(Subject(sessionID))
	m.SetBodyString(mail.TypeTextPlain, fmt.Sprintf("Attached is the results file for session %s.", sessionID))
	if err := m.AttachReader(sessionID+".json", bytes.NewReader(snapshot),
		mail.WithFileContentType(mail.ContentType("application/json"))); err != nil {
		return nil, fmt.Errorf("attach log: %w", err)
	}
	return m, nil
}

func (s *EmailSink) Deliver(ctx context.Context, sessionID string, snapshot []byte) error {
	m, err := s.Message(sessionID, snapshot)
	if err != nil {
		return err
	}
	if err := s.Mailer.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("send results for %s: %w", sessionID, err)
	}
	return nil
}
