package credflow

import (
	"context"
	"errors"
	"time"
)

const (
	auditEventLoginSuccess        = "login_success"
	auditEventLoginFailure        = "login_failure"
	auditEventRefreshSuccess      = "refresh_success"
	auditEventRefreshInvalid      = "refresh_invalid"
	auditEventRefreshReuse        = "refresh_reuse_detected"
	auditEventLogoutSession       = "logout_session"
	auditEventLogoutAll           = "logout_all"
	auditEventVerificationIssue   = "verification_issue"
	auditEventVerificationConsume = "verification_consume"
	auditEventVerificationResend  = "verification_resend"
	auditEventResetRequest        = "password_reset_request"
	auditEventResetConfirm        = "password_reset_confirm"
	auditEventDispatchFailure     = "dispatch_failure"
	auditEventRateLimitTriggered  = "rate_limit_triggered"
)

// AuditErrorCode is the stable wire form of a failure cause on an
// [AuditEvent]. Sinks match on these instead of error strings.
type AuditErrorCode string

const (
	auditErrUserNotFound    AuditErrorCode = "user_not_found"
	auditErrInvalidToken    AuditErrorCode = "invalid_token"
	auditErrTokenExpired    AuditErrorCode = "token_expired"
	auditErrRefreshReuse    AuditErrorCode = "refresh_reuse"
	auditErrSessionNotFound AuditErrorCode = "session_not_found"
	auditErrInvalidCode     AuditErrorCode = "invalid_code"
	auditErrCodeExpired     AuditErrorCode = "code_expired"
	auditErrCodeUsed        AuditErrorCode = "code_already_used"
	auditErrPasswordPolicy  AuditErrorCode = "password_policy"
	auditErrRateLimited     AuditErrorCode = "rate_limited"
	auditErrUnavailable     AuditErrorCode = "backend_unavailable"
	auditErrInternal        AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		UserID:    userID,
		SessionID: sessionID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func (e *Engine) emitRateLimit(ctx context.Context, scope, userID string) {
	e.metricInc(MetricRateLimitHit)
	e.emitAudit(ctx, auditEventRateLimitTriggered, false, userID, "", ErrRateLimited, func() map[string]string {
		return map[string]string{
			"scope": scope,
		}
	})
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrUserNotFound):
		return auditErrUserNotFound
	case errors.Is(err, ErrRefreshReuse):
		return auditErrRefreshReuse
	case errors.Is(err, ErrRefreshTokenExpired),
		errors.Is(err, ErrAccessTokenExpired):
		return auditErrTokenExpired
	case errors.Is(err, ErrInvalidRefreshToken),
		errors.Is(err, ErrRefreshTokenMissing),
		errors.Is(err, ErrInvalidAccessToken),
		errors.Is(err, ErrAccessTokenMissing),
		errors.Is(err, ErrResetTokenInvalid),
		errors.Is(err, ErrResetTokenExpired):
		return auditErrInvalidToken
	case errors.Is(err, ErrSessionNotFound):
		return auditErrSessionNotFound
	case errors.Is(err, ErrInvalidCode),
		errors.Is(err, ErrCodeMissing):
		return auditErrInvalidCode
	case errors.Is(err, ErrCodeExpired):
		return auditErrCodeExpired
	case errors.Is(err, ErrCodeAlreadyUsed):
		return auditErrCodeUsed
	case errors.Is(err, ErrPasswordPolicy):
		return auditErrPasswordPolicy
	case errors.Is(err, ErrRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrStoreUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
