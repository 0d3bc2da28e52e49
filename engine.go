package credflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/ashmerge/credflow/internal"
	"github.com/ashmerge/credflow/internal/rate"
	"github.com/ashmerge/credflow/internal/stores"
	"github.com/ashmerge/credflow/jwt"
	"github.com/ashmerge/credflow/password"
	"github.com/ashmerge/credflow/session"
)

// Engine is the credential and session lifecycle manager. All methods are
// safe for concurrent use after construction through [Builder.Build].
type Engine struct {
	config            Config
	sessionStore      *session.Store
	verificationStore *stores.VerificationStore
	resetStore        *stores.PasswordResetStore
	rateLimiter       *rate.Limiter
	jwtManager        *jwt.Manager
	passwordHash      *password.Hasher
	userProvider      UserProvider
	dispatcher        Dispatcher
	audit             *auditDispatcher
	metrics           *Metrics
	log               zerolog.Logger
	now               func() time.Time
}

// Close flushes the audit dispatcher. Call once when shutting down.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports how many audit events were discarded under
// backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of all counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters: map[MetricID]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// Ping reports Redis availability and round-trip latency.
func (e *Engine) Ping(ctx context.Context) (time.Duration, error) {
	if e == nil || e.sessionStore == nil {
		return 0, ErrEngineNotReady
	}
	return e.sessionStore.Ping(ctx)
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// Login opens a new session for an already authenticated user and returns
// the access/refresh token pair. Unverified accounts still log in; the
// result carries PendingVerification so callers can gate downstream.
func (e *Engine) Login(ctx context.Context, userID string) (*LoginResult, error) {
	if e == nil || e.sessionStore == nil || e.jwtManager == nil || e.userProvider == nil {
		return nil, ErrEngineNotReady
	}
	if userID == "" {
		e.metricInc(MetricLoginFailure)
		return nil, ErrUserNotFound
	}

	user, err := e.userProvider.GetUserByID(userID)
	if err != nil {
		mapped := mapProviderError(err)
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, userID, "", mapped, nil)
		return nil, mapped
	}

	sessionID, err := internal.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	secret, err := internal.NewSecret()
	if err != nil {
		return nil, fmt.Errorf("generate refresh secret: %w", err)
	}

	now := e.now()
	sess := &session.Session{
		SessionID:     sessionID.String(),
		UserID:        user.UserID,
		RefreshHash:   internal.HashSecret(secret),
		IPHash:        provenanceHash(clientIPFromContext(ctx)),
		UserAgentHash: provenanceHash(userAgentFromContext(ctx)),
		CreatedAt:     now.UnixMilli(),
		ExpiresAt:     now.Add(e.config.Session.RefreshTTL).UnixMilli(),
	}

	if err := e.sessionStore.Create(ctx, sess, now); err != nil {
		e.metricInc(MetricLoginFailure)
		mapped := mapSessionStoreError(err)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.UserID, sess.SessionID, mapped, nil)
		return nil, mapped
	}

	refreshToken, err := internal.EncodeEnvelope(sess.SessionID, secret)
	if err != nil {
		return nil, fmt.Errorf("encode refresh token: %w", err)
	}

	accessToken, expiresAt, err := e.jwtManager.CreateAccess(user.UserID, sess.SessionID)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	e.metricInc(MetricLoginSuccess)
	e.metricInc(MetricSessionCreated)
	e.emitAudit(ctx, auditEventLoginSuccess, true, user.UserID, sess.SessionID, nil, nil)

	return &LoginResult{
		AccessToken:         accessToken,
		RefreshToken:        refreshToken,
		SessionID:           sess.SessionID,
		ExpiresAt:           expiresAt,
		PendingVerification: !user.Verified,
	}, nil
}

// Refresh rotates the refresh credential: the presented secret is matched
// against the live session in a single atomic compare-and-swap, and on
// match a fresh secret and access token are issued. A mismatch against a
// live session is treated as reuse evidence; the session is revoked before
// the error is returned, and Security.RevokeAllOnReuse widens that to all
// of the user's sessions.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	if e == nil || e.sessionStore == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}
	if refreshToken == "" {
		e.metricInc(MetricRefreshFailure)
		return nil, ErrRefreshTokenMissing
	}

	sessionID, secret, err := internal.DecodeEnvelope(refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", ErrInvalidRefreshToken, nil)
		return nil, ErrInvalidRefreshToken
	}

	if e.rateLimiter != nil {
		if err := e.rateLimiter.CheckRefresh(ctx, sessionID); err != nil {
			mapped := mapRateError(err)
			e.metricInc(MetricRefreshFailure)
			if errors.Is(mapped, ErrRateLimited) {
				e.emitRateLimit(ctx, "refresh", "")
			}
			return nil, mapped
		}
	}

	nextSecret, err := internal.NewSecret()
	if err != nil {
		return nil, fmt.Errorf("generate refresh secret: %w", err)
	}

	now := e.now()
	sess, err := e.sessionStore.Rotate(
		ctx,
		sessionID,
		internal.HashSecret(secret),
		internal.HashSecret(nextSecret),
		now,
	)
	if err != nil {
		return nil, e.failRefresh(ctx, sessionID, now, err)
	}

	nextToken, err := internal.EncodeEnvelope(sessionID, nextSecret)
	if err != nil {
		return nil, fmt.Errorf("encode refresh token: %w", err)
	}

	accessToken, expiresAt, err := e.jwtManager.CreateAccess(sess.UserID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	pending := false
	if e.userProvider != nil {
		verified, verr := e.userProvider.IsVerified(sess.UserID)
		if verr != nil {
			e.log.Debug().Err(verr).Str("user_id", sess.UserID).Msg("verification lookup failed during refresh")
		} else {
			pending = !verified
		}
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, sess.UserID, sessionID, nil, nil)

	return &LoginResult{
		AccessToken:         accessToken,
		RefreshToken:        nextToken,
		SessionID:           sessionID,
		ExpiresAt:           expiresAt,
		PendingVerification: pending,
	}, nil
}

// failRefresh maps a rotate failure to the public taxonomy and handles
// reuse containment side effects.
func (e *Engine) failRefresh(ctx context.Context, sessionID string, now time.Time, err error) error {
	e.metricInc(MetricRefreshFailure)

	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		// Missing and revoked sessions are indistinguishable to the caller.
		// The audit event keeps the underlying cause.
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", sessionID, ErrSessionNotFound, nil)
		return ErrInvalidRefreshToken
	case errors.Is(err, session.ErrSessionExpired):
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", sessionID, ErrRefreshTokenExpired, nil)
		return ErrRefreshTokenExpired
	case errors.Is(err, session.ErrSessionRevoked):
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", sessionID, ErrInvalidRefreshToken, nil)
		return ErrInvalidRefreshToken
	case errors.Is(err, session.ErrRefreshHashMismatch):
		e.metricInc(MetricRefreshReuseDetected)
		userID := e.containReuse(ctx, sessionID, now)
		e.emitAudit(ctx, auditEventRefreshReuse, false, userID, sessionID, ErrRefreshReuse, nil)
		return ErrRefreshReuse
	case errors.Is(err, session.ErrSessionCorrupt):
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	default:
		return mapSessionStoreError(err)
	}
}

// containReuse runs after the store has already revoked the abused session
// in place. It clears the refresh counter and, when configured, revokes
// every other session of the same user. Best effort: the reuse error is
// returned to the caller regardless.
func (e *Engine) containReuse(ctx context.Context, sessionID string, now time.Time) string {
	if e.rateLimiter != nil {
		if err := e.rateLimiter.ResetRefresh(ctx, sessionID); err != nil {
			e.log.Warn().Err(err).Str("session_id", sessionID).Msg("refresh counter reset failed")
		}
	}

	sess, err := e.sessionStore.Get(ctx, sessionID)
	if err != nil {
		e.log.Warn().Err(err).Str("session_id", sessionID).Msg("reuse containment lookup failed")
		return ""
	}

	if e.config.Security.RevokeAllOnReuse {
		if err := e.sessionStore.RevokeAllForUser(ctx, sess.UserID, now); err != nil {
			e.log.Warn().Err(err).Str("user_id", sess.UserID).Msg("revoke-all on reuse failed")
		} else {
			e.metricInc(MetricLogoutAll)
		}
	}

	return sess.UserID
}

// Logout revokes one session. Idempotent: revoking a missing or already
// revoked session succeeds, so callers never learn whether it existed.
func (e *Engine) Logout(ctx context.Context, sessionID string) error {
	if e == nil || e.sessionStore == nil {
		return ErrEngineNotReady
	}
	if sessionID == "" {
		return nil
	}

	if err := e.sessionStore.Revoke(ctx, sessionID, e.now()); err != nil {
		return mapSessionStoreError(err)
	}

	if e.rateLimiter != nil {
		if err := e.rateLimiter.ResetRefresh(ctx, sessionID); err != nil {
			e.log.Warn().Err(err).Str("session_id", sessionID).Msg("refresh counter reset failed")
		}
	}

	e.metricInc(MetricLogout)
	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, auditEventLogoutSession, true, "", sessionID, nil, nil)

	return nil
}

// RevokeAllSessions revokes every active session of a user.
func (e *Engine) RevokeAllSessions(ctx context.Context, userID string) error {
	if e == nil || e.sessionStore == nil {
		return ErrEngineNotReady
	}
	if userID == "" {
		return ErrUserNotFound
	}

	if err := e.sessionStore.RevokeAllForUser(ctx, userID, e.now()); err != nil {
		return mapSessionStoreError(err)
	}

	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, true, userID, "", nil, nil)

	return nil
}

// ValidateAccess verifies an access token without touching Redis. The
// failure modes are distinguishable so callers can retry an expired token
// through Refresh exactly once and treat everything else as terminal.
func (e *Engine) ValidateAccess(ctx context.Context, token string) (*AccessResult, error) {
	if e == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}
	if token == "" {
		e.metricInc(MetricValidateFailure)
		return nil, ErrAccessTokenMissing
	}

	claims, err := e.jwtManager.ParseAccess(token)
	if err != nil {
		e.metricInc(MetricValidateFailure)
		if errors.Is(err, gjwt.ErrTokenExpired) {
			return nil, ErrAccessTokenExpired
		}
		return nil, ErrInvalidAccessToken
	}

	result := &AccessResult{
		UserID:    claims.UID,
		SessionID: claims.SID,
	}
	if claims.ExpiresAt != nil {
		result.ExpiresAt = claims.ExpiresAt.Time
	}

	e.metricInc(MetricValidateSuccess)

	return result, nil
}

// ActiveSessionCount reports how many indexed sessions a user holds.
// Diagnostics only.
func (e *Engine) ActiveSessionCount(ctx context.Context, userID string) (int, error) {
	if e == nil || e.sessionStore == nil {
		return 0, ErrEngineNotReady
	}
	count, err := e.sessionStore.ActiveSessionCount(ctx, userID)
	if err != nil {
		return 0, mapSessionStoreError(err)
	}
	return count, nil
}

func provenanceHash(v string) [32]byte {
	var zero [32]byte
	if v == "" {
		return zero
	}
	return internal.HashBytes([]byte(v))
}

func mapSessionStoreError(err error) error {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return ErrSessionNotFound
	case errors.Is(err, session.ErrRedisUnavailable),
		errors.Is(err, session.ErrSessionCorrupt):
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

func mapRateError(err error) error {
	switch {
	case errors.Is(err, rate.ErrRateLimited):
		return ErrRateLimited
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

// mapProviderError keeps the missing-user denial distinguishable from a
// provider that is down. Only ErrUserNotFound means "no such account";
// everything else is an infrastructure fault and must not read as one.
func mapProviderError(err error) error {
	if errors.Is(err, ErrUserNotFound) {
		return ErrUserNotFound
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
