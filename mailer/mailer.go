// Package mailer is an SMTP implementation of the credflow delivery hook.
// It renders verification codes and reset tokens into plain-text mail and
// hands them to gomail.
package mailer

import (
	"context"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/gomail.v2"

	"github.com/ashmerge/credflow"
)

// Config holds SMTP settings. All fields are required except the
// template overrides.
type Config struct {
	Host     string `env:"SMTP_HOST"`
	Port     int    `env:"SMTP_PORT"`
	Username string `env:"SMTP_USERNAME"`
	Password string `env:"SMTP_PASSWORD"`
	From     string `env:"SMTP_FROM"`

	// Subjects keyed by delivery purpose. Zero values fall back to the
	// built-in defaults.
	VerificationSubject  string `env:"SMTP_VERIFICATION_SUBJECT"`
	PasswordResetSubject string `env:"SMTP_PASSWORD_RESET_SUBJECT"`
}

// ConfigFromEnv loads Config from SMTP_* environment variables.
func ConfigFromEnv() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse smtp environment: %w", err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Host == "" {
		return fmt.Errorf("smtp host is required")
	}
	if c.Port == 0 {
		return fmt.Errorf("smtp port is required")
	}
	if c.From == "" {
		return fmt.Errorf("smtp from address is required")
	}
	return nil
}

// sender is the part of gomail.Dialer the mailer uses. Tests swap it for
// an in-memory capture.
type sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// Mailer delivers credflow codes over SMTP. It implements
// [credflow.Dispatcher].
type Mailer struct {
	config Config
	dialer sender
}

// New builds a Mailer from the given configuration.
func New(cfg Config) (*Mailer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Mailer{
		config: cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}, nil
}

// NewFromEnv builds a Mailer configured from SMTP_* environment variables.
func NewFromEnv() (*Mailer, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

// Dispatch renders and sends one delivery. The context is honored up
// front only; gomail does not support cancellation mid-send.
func (m *Mailer) Dispatch(ctx context.Context, d credflow.Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.Recipient == "" {
		return fmt.Errorf("delivery has no recipient")
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.config.From)
	msg.SetHeader("To", d.Recipient)
	msg.SetHeader("Subject", m.subjectFor(d.Purpose))
	msg.SetBody("text/plain", bodyFor(d))

	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("send mail to %s: %w", d.Recipient, err)
	}
	return nil
}

func (m *Mailer) subjectFor(p credflow.DeliveryPurpose) string {
	switch p {
	case credflow.PurposePasswordReset:
		if m.config.PasswordResetSubject != "" {
			return m.config.PasswordResetSubject
		}
		return "Reset your password"
	default:
		if m.config.VerificationSubject != "" {
			return m.config.VerificationSubject
		}
		return "Your verification code"
	}
}

func bodyFor(d credflow.Delivery) string {
	minutes := int(d.ExpiresIn.Round(time.Minute) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}

	switch d.Purpose {
	case credflow.PurposePasswordReset:
		return fmt.Sprintf(
			"A password reset was requested for your account.\n\n"+
				"Reset token:\n\n\t%s\n\n"+
				"The token expires in %d minutes and can be used once. "+
				"If you did not request this, you can ignore this message.\n",
			d.Code, minutes,
		)
	default:
		return fmt.Sprintf(
			"Your verification code is:\n\n\t%s\n\n"+
				"The code expires in %d minutes and can be used once.\n",
			d.Code, minutes,
		)
	}
}
