// Package notify renders and delivers the transactional emails sent to a
// photographer's clients.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/apelier/backend/internal/metrics"
)

var (
	// ErrUnknownTemplate is returned for a template name with no definition.
	ErrUnknownTemplate = errors.New("unknown email template")
	// ErrInvalidMessage is returned when a message lacks a recipient or body.
	ErrInvalidMessage = errors.New("invalid email message")
)

// Message is a rendered email ready for delivery.
type Message struct {
	To       string
	Subject  string
	HTMLBody string
	Tag      string
}

// Validate checks the fields every provider requires.
func (m Message) Validate() error {
	if strings.TrimSpace(m.To) == "" {
		return fmt.Errorf("%w: recipient is required", ErrInvalidMessage)
	}
	if m.Subject == "" || m.HTMLBody == "" {
		return fmt.Errorf("%w: subject and body are required", ErrInvalidMessage)
	}
	return nil
}

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Mailer renders named templates and hands them to a Sender.
type Mailer struct {
	sender  Sender
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// NewMailer wires a Mailer. metrics may be nil.
func NewMailer(sender Sender, logger logrus.FieldLogger, m *metrics.Metrics) *Mailer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Mailer{
		sender:  sender,
		log:     logger.WithField("component", "mailer"),
		metrics: m,
	}
}

// SendTemplate renders template with data and sends it to the recipient.
func (m *Mailer) SendTemplate(ctx context.Context, template, to string, data map[string]string) error {
	msg, err := Render(template, data)
	if err != nil {
		return err
	}
	msg.To = to

	err = m.sender.Send(ctx, msg)
	m.metrics.ObserveEmail(template, err)
	if err != nil {
		return fmt.Errorf("send %s email: %w", template, err)
	}
	m.log.WithFields(logrus.Fields{"template": template, "to": to}).Info("email sent")
	return nil
}

// LogSender writes messages to the log instead of delivering them. It is
// used when no email provider is configured.
type LogSender struct {
	Log logrus.FieldLogger
}

// Send implements Sender.
func (s LogSender) Send(_ context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	logger := s.Log
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithFields(logrus.Fields{
		"to":      msg.To,
		"subject": msg.Subject,
		"tag":     msg.Tag,
	}).Info("email delivery disabled, message logged")
	return nil
}
