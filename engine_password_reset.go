package credflow

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ashmerge/credflow/internal"
	"github.com/ashmerge/credflow/internal/stores"
)

// RequestPasswordReset issues a reset token for the account behind the
// identifier. The response is uniform whether or not the identifier maps
// to an account: unknown identifiers get a randomized delay standing in
// for the real work, and the call still reports success. Each request
// overwrites the user's single reset slot, silently invalidating any
// earlier outstanding token.
func (e *Engine) RequestPasswordReset(ctx context.Context, identifier string) error {
	if e == nil || e.resetStore == nil || e.userProvider == nil {
		return ErrEngineNotReady
	}

	if e.rateLimiter != nil {
		if err := e.rateLimiter.CheckResetRequest(ctx, identifier, clientIPFromContext(ctx)); err != nil {
			mapped := mapRateError(err)
			e.metricInc(MetricResetFailure)
			if errors.Is(mapped, ErrRateLimited) {
				e.emitRateLimit(ctx, "password_reset_request", "")
			}
			return mapped
		}
	}

	user, err := e.userProvider.GetUserByIdentifier(identifier)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		// Only a confirmed miss takes the uniform path. A provider fault
		// is not an unknown identifier and must fail loud.
		if !errors.Is(err, ErrUserNotFound) {
			mapped := mapProviderError(err)
			e.metricInc(MetricResetFailure)
			e.emitAudit(ctx, auditEventResetRequest, false, "", "", mapped, nil)
			return mapped
		}
		if err := sleepEnumerationDelay(ctx); err != nil {
			return err
		}
		e.metricInc(MetricResetRequested)
		e.emitAudit(ctx, auditEventResetRequest, true, "", "", nil, func() map[string]string {
			return map[string]string{
				"enumeration_safe": "true",
			}
		})
		return nil
	}

	resetID, err := internal.NewID()
	if err != nil {
		return fmt.Errorf("generate reset id: %w", err)
	}
	secret, err := internal.NewSecret()
	if err != nil {
		return fmt.Errorf("generate reset secret: %w", err)
	}

	token, err := internal.EncodeEnvelope(resetID.String(), secret)
	if err != nil {
		return fmt.Errorf("encode reset token: %w", err)
	}

	now := e.now()
	record := &stores.PasswordResetRecord{
		ResetID:    [16]byte(resetID),
		SecretHash: internal.HashSecret(secret),
		CreatedAt:  now.UnixMilli(),
		ExpiresAt:  now.Add(e.config.PasswordReset.ResetTTL).UnixMilli(),
	}

	if err := e.resetStore.Save(ctx, user.UserID, resetID.String(), record, now); err != nil {
		e.metricInc(MetricResetFailure)
		mapped := fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		e.emitAudit(ctx, auditEventResetRequest, false, user.UserID, "", mapped, nil)
		return mapped
	}

	e.dispatch(ctx, PurposePasswordReset, identifier, token, e.config.PasswordReset.ResetTTL)

	e.metricInc(MetricResetRequested)
	e.emitAudit(ctx, auditEventResetRequest, true, user.UserID, "", nil, nil)

	return nil
}

// ConfirmPasswordReset consumes a reset token, rehashes the new password
// with argon2id, writes it through the user provider, and revokes every
// session of the user. A superseded or replayed token fails with
// [ErrResetTokenInvalid]; the password is never touched on any failure.
func (e *Engine) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	if e == nil || e.resetStore == nil || e.userProvider == nil || e.passwordHash == nil {
		return ErrEngineNotReady
	}
	if token == "" {
		e.metricInc(MetricResetFailure)
		return ErrResetTokenInvalid
	}
	if len(newPassword) < e.config.PasswordReset.MinPasswordLength {
		e.metricInc(MetricResetFailure)
		return ErrPasswordPolicy
	}

	resetIDStr, secret, err := internal.DecodeEnvelope(token)
	if err != nil {
		e.metricInc(MetricResetFailure)
		e.emitAudit(ctx, auditEventResetConfirm, false, "", "", ErrResetTokenInvalid, nil)
		return ErrResetTokenInvalid
	}
	resetID, err := internal.ParseID(resetIDStr)
	if err != nil {
		e.metricInc(MetricResetFailure)
		return ErrResetTokenInvalid
	}

	userID, err := e.resetStore.ResolveUser(ctx, resetIDStr)
	if err != nil {
		mapped := mapResetStoreError(err)
		e.metricInc(MetricResetFailure)
		e.emitAudit(ctx, auditEventResetConfirm, false, "", "", mapped, nil)
		return mapped
	}

	_, err = e.resetStore.Consume(ctx, userID, [16]byte(resetID), internal.HashSecret(secret), e.now())
	if err != nil {
		mapped := mapResetStoreError(err)
		e.metricInc(MetricResetFailure)
		e.emitAudit(ctx, auditEventResetConfirm, false, userID, "", mapped, nil)
		return mapped
	}

	newHash, err := e.passwordHash.Hash(newPassword)
	if err != nil {
		e.metricInc(MetricResetFailure)
		return fmt.Errorf("hash password: %w", err)
	}

	if err := e.userProvider.UpdatePasswordHash(userID, newHash); err != nil {
		e.metricInc(MetricResetFailure)
		e.emitAudit(ctx, auditEventResetConfirm, false, userID, "", err, nil)
		return fmt.Errorf("update password hash: %w", err)
	}

	// Credential changed: everything issued under the old one dies.
	if err := e.RevokeAllSessions(ctx, userID); err != nil {
		e.metricInc(MetricResetFailure)
		e.emitAudit(ctx, auditEventResetConfirm, false, userID, "", err, func() map[string]string {
			return map[string]string{
				"stage": "revoke_all",
			}
		})
		return err
	}

	e.metricInc(MetricResetConfirmed)
	e.emitAudit(ctx, auditEventResetConfirm, true, userID, "", nil, nil)

	return nil
}

func mapResetStoreError(err error) error {
	switch {
	case errors.Is(err, stores.ErrResetNotFound),
		errors.Is(err, stores.ErrResetSecretMismatch):
		return ErrResetTokenInvalid
	case errors.Is(err, stores.ErrResetExpired):
		return ErrResetTokenExpired
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

// sleepEnumerationDelay burns a randomized 20-40ms so the unknown
// identifier path is not distinguishable by timing from the real one.
func sleepEnumerationDelay(ctx context.Context) error {
	minMs := int64(20)
	maxMs := int64(40)
	span := maxMs - minMs + 1

	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return err
	}

	delay := time.Duration(minMs+n.Int64()) * time.Millisecond
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
