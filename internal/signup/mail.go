package signup

import (
	"context"
	"log/slog"

	"github.com/go-gomail/gomail"
)

// Message is an outgoing email.
type Message struct {
	To       string
	Subject  string
	TextBody string
	// VerifyURL is kept so LogMailer can print the link on its own.
	VerifyURL string
}

// Mailer delivers signup emails.
type Mailer interface {
	Send(ctx context.Context, m Message) error
}

// SMTPConfig holds the outgoing mail server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// SMTPMailer sends mail through an SMTP relay.
type SMTPMailer struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPMailer returns a mailer for cfg. Port 465 uses implicit TLS.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)
	if cfg.Port == 465 {
		d.SSL = true
	}
	return &SMTPMailer{dialer: d, from: cfg.From}
}

// Send delivers m.
func (s *SMTPMailer) Send(ctx context.Context, m Message) error {
	msg := gomail.NewMessage()
	msg.SetAddressHeader("From", s.from, "MAGSASA-CARD")
	msg.SetHeader("To", m.To)
	msg.SetHeader("Subject", m.Subject)
	msg.SetBody("text/plain", m.TextBody)

	if err := s.dialer.DialAndSend(msg); err != nil {
		slog.ErrorContext(ctx, "signup: smtp send failed", "email", m.To, "host", s.dialer.Host, "port", s.dialer.Port, "error", err)
		return err
	}
	return nil
}

// LogMailer logs the verification link instead of sending mail. It is used
// when SMTP is not configured.
type LogMailer struct {
	Logger *slog.Logger
}

// Send logs m.
func (l LogMailer) Send(ctx context.Context, m Message) error {
	l.Logger.InfoContext(ctx, "signup: verification email (SMTP not configured)",
		"to", m.To,
		"verify_url", m.VerifyURL,
	)
	return nil
}
