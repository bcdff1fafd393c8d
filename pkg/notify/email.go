package notify

import (
	"context"
	"fmt"
	"net/smtp"
)

// EmailConfig configures the stdlib SMTP sender. The pack has no
// third-party transactional-email client in any example's go.mod, so this
// channel is built on net/smtp rather than an invented dependency.
type EmailConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// EmailChannel sends plain-text email via SMTP.
type EmailChannel struct {
	cfg  EmailConfig
	auth smtp.Auth
}

// NewEmailChannel creates an EmailChannel. If Username is empty, messages
// are sent without SMTP auth (e.g. a local relay).
func NewEmailChannel(cfg EmailConfig) *EmailChannel {
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &EmailChannel{cfg: cfg, auth: auth}
}

// Name implements Channel.
func (e *EmailChannel) Name() string { return "email" }

// Send implements Channel by dialing the configured SMTP server.
func (e *EmailChannel) Send(ctx context.Context, recipient, renderedMessage string) error {
	addr := fmt.Sprintf("%s:%s", e.cfg.Host, e.cfg.Port)
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: securescan alert\r\n\r\n%s",
		e.cfg.From, recipient, renderedMessage)

	if err := smtp.SendMail(addr, e.auth, e.cfg.From, []string{recipient}, []byte(msg)); err != nil {
		return fmt.Errorf("sending email to %s: %w", MaskEmail(recipient), err)
	}
	return nil
}
