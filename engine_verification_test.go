package credflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashmerge/credflow/internal"
)

func TestVerificationIssueAndConsumeMarksVerified(t *testing.T) {
	env := newTestEngine(t, nil)

	code, err := env.engine.IssueVerification(context.Background(), "bob", ContextEmailConfirmation)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if !internal.IsNumeric(code) || len(code) != 6 {
		t.Fatalf("expected 6-digit otp, got %q", code)
	}

	delivery := env.dispatcher.last(t)
	if delivery.Recipient != "bob@example.com" || delivery.Code != code {
		t.Fatalf("unexpected delivery: %+v", delivery)
	}
	if delivery.Purpose != PurposeVerificationCode {
		t.Fatalf("unexpected delivery purpose: %q", delivery.Purpose)
	}
	if delivery.ExpiresIn != env.engine.config.Verification.CodeTTL {
		t.Fatalf("unexpected expires-in: %v", delivery.ExpiresIn)
	}

	if err := env.engine.ConsumeVerification(context.Background(), "bob", code, ContextEmailConfirmation); err != nil {
		t.Fatalf("consume failed: %v", err)
	}

	verified, err := env.engine.IsVerified(context.Background(), "bob")
	if err != nil {
		t.Fatalf("is verified failed: %v", err)
	}
	if !verified {
		t.Fatal("account must be verified after email confirmation consume")
	}
}

func TestVerificationErrorOrdering(t *testing.T) {
	env := newTestEngine(t, nil)

	code, err := env.engine.IssueVerification(context.Background(), "bob", ContextEmailConfirmation)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	// Unknown user outranks every code state, even with a valid code.
	if err := env.engine.ConsumeVerification(context.Background(), "mallory", code, ContextEmailConfirmation); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	if err := env.engine.ConsumeVerification(context.Background(), "bob", "", ContextEmailConfirmation); !errors.Is(err, ErrCodeMissing) {
		t.Fatalf("expected ErrCodeMissing, got %v", err)
	}

	// A code that was never issued has no record.
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	if err := env.engine.ConsumeVerification(context.Background(), "bob", wrong, ContextEmailConfirmation); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}

	// A code issued for one context never validates in another.
	if err := env.engine.ConsumeVerification(context.Background(), "bob", code, ContextSensitiveAction); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode across contexts, got %v", err)
	}

	if err := env.engine.ConsumeVerification(context.Background(), "bob", code, ContextEmailConfirmation); err != nil {
		t.Fatalf("consume failed: %v", err)
	}

	// Replay of a consumed code reports prior use, not invalidity.
	if err := env.engine.ConsumeVerification(context.Background(), "bob", code, ContextSensitiveAction); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode for wrong context replay, got %v", err)
	}
	if err := env.engine.ConsumeVerification(context.Background(), "bob", code, ContextEmailConfirmation); !errors.Is(err, ErrCodeAlreadyUsed) {
		t.Fatalf("expected ErrCodeAlreadyUsed, got %v", err)
	}
}

func TestVerificationExpiredCode(t *testing.T) {
	env := newTestEngine(t, nil)

	code, err := env.engine.IssueVerification(context.Background(), "bob", ContextSensitiveAction)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	env.clock.Advance(env.engine.config.Verification.CodeTTL + time.Second)

	if err := env.engine.ConsumeVerification(context.Background(), "bob", code, ContextSensitiveAction); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("expected ErrCodeExpired, got %v", err)
	}
}

func TestVerificationMultipleOutstandingCodes(t *testing.T) {
	env := newTestEngine(t, nil)

	first, err := env.engine.IssueVerification(context.Background(), "bob", ContextEmailConfirmation)
	if err != nil {
		t.Fatalf("first issue failed: %v", err)
	}
	second, err := env.engine.IssueVerification(context.Background(), "bob", ContextEmailConfirmation)
	if err != nil {
		t.Fatalf("second issue failed: %v", err)
	}
	if first == second {
		t.Fatal("codes must differ")
	}

	// Issue does not invalidate earlier codes: either consumes.
	if err := env.engine.ConsumeVerification(context.Background(), "bob", first, ContextEmailConfirmation); err != nil {
		t.Fatalf("first code must still consume: %v", err)
	}
	if err := env.engine.ConsumeVerification(context.Background(), "bob", second, ContextEmailConfirmation); err != nil {
		t.Fatalf("second code must still consume: %v", err)
	}
}

func TestVerificationConcurrentConsumeSingleWinner(t *testing.T) {
	env := newTestEngine(t, nil)

	code, err := env.engine.IssueVerification(context.Background(), "bob", ContextEmailConfirmation)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)

	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			results <- env.engine.ConsumeVerification(context.Background(), "bob", code, ContextEmailConfirmation)
		}()
	}
	wg.Wait()
	close(results)

	success := 0
	for err := range results {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrCodeAlreadyUsed) {
			t.Fatalf("unexpected consume error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one consume winner, got %d", success)
	}
}

func TestResendVerificationNoOpWhenVerified(t *testing.T) {
	env := newTestEngine(t, nil)

	code, err := env.engine.ResendVerification(context.Background(), "alice", ContextEmailConfirmation)
	if err != nil {
		t.Fatalf("resend for verified account must succeed: %v", err)
	}
	if code != "" {
		t.Fatalf("expected no code for verified account, got %q", code)
	}

	code, err = env.engine.ResendVerification(context.Background(), "bob", ContextEmailConfirmation)
	if err != nil {
		t.Fatalf("resend failed: %v", err)
	}
	if code == "" {
		t.Fatal("expected a fresh code for unverified account")
	}
}

func TestVerificationIssueRateLimited(t *testing.T) {
	env := newTestEngine(t, func(cfg *Config) {
		cfg.Verification.MaxIssues = 2
	})

	for i := 0; i < 2; i++ {
		if _, err := env.engine.IssueVerification(context.Background(), "bob", ContextEmailConfirmation); err != nil {
			t.Fatalf("issue %d failed: %v", i, err)
		}
	}
	if _, err := env.engine.IssueVerification(context.Background(), "bob", ContextEmailConfirmation); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestVerificationTokenStrategy(t *testing.T) {
	env := newTestEngine(t, func(cfg *Config) {
		cfg.Verification.Strategy = VerificationToken
	})

	code, err := env.engine.IssueVerification(context.Background(), "bob", ContextEmailConfirmation)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if internal.IsNumeric(code) || strings.Contains(code, " ") {
		t.Fatalf("expected opaque token, got %q", code)
	}

	if err := env.engine.ConsumeVerification(context.Background(), "bob", code, ContextEmailConfirmation); err != nil {
		t.Fatalf("consume failed: %v", err)
	}
}
