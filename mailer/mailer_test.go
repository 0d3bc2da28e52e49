package mailer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/ashmerge/credflow"
)

type captureSender struct {
	messages []*gomail.Message
	fail     error
}

func (c *captureSender) DialAndSend(m ...*gomail.Message) error {
	if c.fail != nil {
		return c.fail
	}
	c.messages = append(c.messages, m...)
	return nil
}

func newTestMailer(t *testing.T) (*Mailer, *captureSender) {
	t.Helper()
	m, err := New(Config{
		Host: "smtp.example.com",
		Port: 587,
		From: "no-reply@example.com",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cap := &captureSender{}
	m.dialer = cap
	return m, cap
}

func renderBody(t *testing.T, msg *gomail.Message) string {
	t.Helper()
	var sb strings.Builder
	if _, err := msg.WriteTo(&sb); err != nil {
		t.Fatalf("render message: %v", err)
	}
	return sb.String()
}

func TestDispatchVerificationCode(t *testing.T) {
	m, cap := newTestMailer(t)

	err := m.Dispatch(context.Background(), credflow.Delivery{
		Purpose:   credflow.PurposeVerificationCode,
		Recipient: "alice@example.com",
		Code:      "482913",
		ExpiresIn: 15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(cap.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(cap.messages))
	}

	raw := renderBody(t, cap.messages[0])
	if !strings.Contains(raw, "To: alice@example.com") {
		t.Fatalf("recipient header missing:\n%s", raw)
	}
	if !strings.Contains(raw, "Subject: Your verification code") {
		t.Fatalf("subject missing:\n%s", raw)
	}
	if !strings.Contains(raw, "482913") {
		t.Fatalf("code missing from body:\n%s", raw)
	}
	if !strings.Contains(raw, "15 minutes") {
		t.Fatalf("expiry missing from body:\n%s", raw)
	}
}

func TestDispatchPasswordResetUsesResetTemplate(t *testing.T) {
	m, cap := newTestMailer(t)
	m.config.PasswordResetSubject = "Account recovery"

	err := m.Dispatch(context.Background(), credflow.Delivery{
		Purpose:   credflow.PurposePasswordReset,
		Recipient: "alice@example.com",
		Code:      "opaque-reset-token",
		ExpiresIn: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	raw := renderBody(t, cap.messages[0])
	if !strings.Contains(raw, "Subject: Account recovery") {
		t.Fatalf("configured subject not used:\n%s", raw)
	}
	if !strings.Contains(raw, "opaque-reset-token") {
		t.Fatalf("token missing from body:\n%s", raw)
	}
	if !strings.Contains(raw, "1 minute") {
		t.Fatalf("sub-minute expiry should round up to 1 minute:\n%s", raw)
	}
}

func TestDispatchFailures(t *testing.T) {
	m, cap := newTestMailer(t)

	if err := m.Dispatch(context.Background(), credflow.Delivery{Code: "x"}); err == nil {
		t.Fatal("expected error for missing recipient")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Dispatch(ctx, credflow.Delivery{Recipient: "a@b.c", Code: "x"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	cap.fail = errors.New("smtp down")
	err = m.Dispatch(context.Background(), credflow.Delivery{Recipient: "a@b.c", Code: "x"})
	if err == nil || !strings.Contains(err.Error(), "smtp down") {
		t.Fatalf("expected wrapped smtp error, got %v", err)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	cases := []Config{
		{Port: 25, From: "x@y.z"},
		{Host: "h", From: "x@y.z"},
		{Host: "h", Port: 25},
	}
	for _, cfg := range cases {
		if _, err := New(cfg); err == nil {
			t.Fatalf("expected validation error for %+v", cfg)
		}
	}
}
