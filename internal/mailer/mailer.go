// Package mailer sends email-channel notifications over SMTP.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gopkg.in/gomail.v2"

	"github.com/prediktapp/notify/internal/config"
)

// ErrNotConfigured means no SMTP host was provided.
var ErrNotConfigured = errors.New("mailer not configured")

// Mailer delivers email through the configured SMTP relay.
type Mailer struct {
	dialer *gomail.Dialer
	from   string
	logger *slog.Logger
}

// New builds the mailer, or returns nil when SMTP is not configured. Callers
// treat a nil mailer as the email channel being disabled.
func New(cfg *config.Config, logger *slog.Logger) *Mailer {
	if !cfg.MailConfigured() {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailer{
		dialer: gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword),
		from:   cfg.SMTPFrom,
		logger: logger,
	}
}

// Send delivers one message. gomail has no context support, so the dial and
// send run in a goroutine and cancellation abandons the wait.
func (m *Mailer) Send(ctx context.Context, to, subject, body string) error {
	if m == nil {
		return ErrNotConfigured
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	done := make(chan error, 1)
	go func() { done <- m.dialer.DialAndSend(msg) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send mail to %s: %w", to, err)
		}
		m.logger.Debug("mail sent", "to", to, "subject", subject)
		return nil
	}
}
