package credflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashmerge/credflow/internal"
	"github.com/ashmerge/credflow/internal/stores"
)

// IssueVerification generates a single-use code scoped to the given
// context, stores its hash, and hands the plaintext to the Dispatcher.
// Issuing does not invalidate earlier codes; any outstanding unexpired
// code for the same context remains consumable until its TTL.
func (e *Engine) IssueVerification(ctx context.Context, userID string, vctx VerificationContext) (string, error) {
	if e == nil || e.verificationStore == nil || e.userProvider == nil {
		return "", ErrEngineNotReady
	}
	if userID == "" {
		return "", ErrUserNotFound
	}

	user, err := e.userProvider.GetUserByID(userID)
	if err != nil {
		mapped := mapProviderError(err)
		e.metricInc(MetricVerificationFailure)
		e.emitAudit(ctx, auditEventVerificationIssue, false, userID, "", mapped, nil)
		return "", mapped
	}

	if vctx == ContextEmailConfirmation && user.Verified {
		return "", ErrAlreadyVerified
	}

	if e.rateLimiter != nil {
		if err := e.rateLimiter.CheckVerificationIssue(ctx, userID, clientIPFromContext(ctx)); err != nil {
			mapped := mapRateError(err)
			e.metricInc(MetricVerificationFailure)
			if errors.Is(mapped, ErrRateLimited) {
				e.emitRateLimit(ctx, "verification_issue", userID)
			}
			return "", mapped
		}
	}

	code, err := generateVerificationCode(e.config.Verification.Strategy, e.config.Verification.OTPDigits)
	if err != nil {
		return "", fmt.Errorf("generate verification code: %w", err)
	}

	now := e.now()
	record := &stores.VerificationRecord{
		Strategy:  int(e.config.Verification.Strategy),
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(e.config.Verification.CodeTTL).UnixMilli(),
	}

	err = e.verificationStore.Save(
		ctx,
		userID,
		string(vctx),
		internal.HashBytes([]byte(code)),
		record,
		now,
		e.config.Verification.Retention,
	)
	if err != nil {
		e.metricInc(MetricVerificationFailure)
		mapped := fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		e.emitAudit(ctx, auditEventVerificationIssue, false, userID, "", mapped, nil)
		return "", mapped
	}

	e.dispatch(ctx, PurposeVerificationCode, user.Identifier, code, e.config.Verification.CodeTTL)

	e.metricInc(MetricVerificationIssued)
	e.emitAudit(ctx, auditEventVerificationIssue, true, userID, "", nil, func() map[string]string {
		return map[string]string{
			"context": string(vctx),
		}
	})

	return code, nil
}

// ConsumeVerification atomically marks a code as used. Misses are ranked:
// an unknown user wins over an unknown code, an unknown code over an
// expired one, and expiry over prior use. Exactly one of N concurrent
// consumers of the same code succeeds.
func (e *Engine) ConsumeVerification(ctx context.Context, userID, code string, vctx VerificationContext) error {
	if e == nil || e.verificationStore == nil || e.userProvider == nil {
		return ErrEngineNotReady
	}
	if userID == "" {
		return ErrUserNotFound
	}

	if _, err := e.userProvider.GetUserByID(userID); err != nil {
		mapped := mapProviderError(err)
		e.metricInc(MetricVerificationFailure)
		e.emitAudit(ctx, auditEventVerificationConsume, false, userID, "", mapped, nil)
		return mapped
	}

	if code == "" {
		e.metricInc(MetricVerificationFailure)
		return ErrCodeMissing
	}

	_, err := e.verificationStore.Consume(
		ctx,
		userID,
		string(vctx),
		internal.HashBytes([]byte(code)),
		e.now(),
		e.config.Verification.Retention,
	)
	if err != nil {
		mapped := mapVerificationStoreError(err)
		e.metricInc(MetricVerificationFailure)
		e.emitAudit(ctx, auditEventVerificationConsume, false, userID, "", mapped, func() map[string]string {
			return map[string]string{
				"context": string(vctx),
			}
		})
		return mapped
	}

	if vctx == ContextEmailConfirmation {
		if err := e.userProvider.MarkVerified(userID); err != nil {
			e.metricInc(MetricVerificationFailure)
			e.emitAudit(ctx, auditEventVerificationConsume, false, userID, "", err, nil)
			return fmt.Errorf("mark verified: %w", err)
		}
	}

	e.metricInc(MetricVerificationConsumed)
	e.emitAudit(ctx, auditEventVerificationConsume, true, userID, "", nil, func() map[string]string {
		return map[string]string{
			"context": string(vctx),
		}
	})

	return nil
}

// ResendVerification issues a fresh code for the context. Already verified
// accounts get a silent no-op for the email confirmation context so the
// call is safe to wire directly to a resend button.
func (e *Engine) ResendVerification(ctx context.Context, userID string, vctx VerificationContext) (string, error) {
	code, err := e.IssueVerification(ctx, userID, vctx)
	if errors.Is(err, ErrAlreadyVerified) {
		e.emitAudit(ctx, auditEventVerificationResend, true, userID, "", nil, func() map[string]string {
			return map[string]string{
				"noop": "already_verified",
			}
		})
		return "", nil
	}
	if err != nil {
		return "", err
	}

	e.emitAudit(ctx, auditEventVerificationResend, true, userID, "", nil, nil)
	return code, nil
}

// IsVerified reads the account trust state from the user provider.
func (e *Engine) IsVerified(ctx context.Context, userID string) (bool, error) {
	if e == nil || e.userProvider == nil {
		return false, ErrEngineNotReady
	}
	if userID == "" {
		return false, ErrUserNotFound
	}
	verified, err := e.userProvider.IsVerified(userID)
	if err != nil {
		return false, mapProviderError(err)
	}
	return verified, nil
}

// dispatch hands a code to the delivery hook. Failures are observable but
// never roll back the stored code; the user can request a resend.
func (e *Engine) dispatch(ctx context.Context, purpose DeliveryPurpose, recipient, code string, expiresIn time.Duration) {
	if e.dispatcher == nil {
		return
	}

	err := e.dispatcher.Dispatch(ctx, Delivery{
		Purpose:   purpose,
		Recipient: recipient,
		Code:      code,
		ExpiresIn: expiresIn,
	})
	if err != nil {
		e.metricInc(MetricDispatchFailure)
		e.log.Warn().Err(err).Str("recipient", recipient).Msg("code dispatch failed")
		e.emitAudit(ctx, auditEventDispatchFailure, false, "", "", err, nil)
	}
}

func generateVerificationCode(strategy VerificationStrategyType, otpDigits int) (string, error) {
	switch strategy {
	case VerificationToken:
		id, err := internal.NewID()
		if err != nil {
			return "", err
		}
		secret, err := internal.NewSecret()
		if err != nil {
			return "", err
		}
		return internal.EncodeEnvelope(id.String(), secret)

	case VerificationOTP:
		return internal.NewOTP(otpDigits)

	case VerificationUUID:
		return uuid.NewString(), nil

	default:
		return "", errors.New("unsupported verification strategy")
	}
}

func mapVerificationStoreError(err error) error {
	switch {
	case errors.Is(err, stores.ErrVerificationInvalidCode):
		return ErrInvalidCode
	case errors.Is(err, stores.ErrVerificationCodeExpired):
		return ErrCodeExpired
	case errors.Is(err, stores.ErrVerificationCodeUsed):
		return ErrCodeAlreadyUsed
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}
