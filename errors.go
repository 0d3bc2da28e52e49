package credflow

import "errors"

// Sentinel errors returned by Engine operations. Callers classify failures
// with errors.Is; infrastructure faults wrap [ErrStoreUnavailable] and must
// never be treated as a denial that can be retried into an allow.
var (
	// ErrEngineNotReady is returned when an Engine method is called on a
	// partially constructed or nil engine.
	ErrEngineNotReady = errors.New("engine not ready")

	// ErrUserNotFound is returned when the user provider has no record for
	// the requested user.
	ErrUserNotFound = errors.New("user not found")

	// ErrAlreadyVerified signals that a verification flow was requested for
	// an account that already passed it. Resend treats this as a no-op.
	ErrAlreadyVerified = errors.New("account already verified")

	ErrRefreshTokenMissing = errors.New("refresh token missing")
	ErrInvalidRefreshToken = errors.New("refresh token invalid")
	ErrRefreshTokenExpired = errors.New("refresh token expired")

	// ErrRefreshReuse is returned when a presented refresh secret does not
	// match the live session hash. The session has been revoked by the time
	// this error surfaces; the legitimate holder must authenticate again.
	ErrRefreshReuse = errors.New("refresh token reuse detected")

	// ErrSessionNotFound is returned by server-side session lookups such as
	// ActiveSessionCount. Refresh never returns it: a missing session and a
	// revoked one both surface as [ErrInvalidRefreshToken] there, so the
	// caller cannot probe which sessions exist.
	ErrSessionNotFound = errors.New("session not found")

	ErrAccessTokenMissing = errors.New("access token missing")
	ErrAccessTokenExpired = errors.New("access token expired")
	ErrInvalidAccessToken = errors.New("access token invalid")

	ErrCodeMissing     = errors.New("verification code missing")
	ErrInvalidCode     = errors.New("verification code invalid")
	ErrCodeExpired     = errors.New("verification code expired")
	ErrCodeAlreadyUsed = errors.New("verification code already used")

	ErrResetTokenInvalid = errors.New("reset token invalid")
	ErrResetTokenExpired = errors.New("reset token expired")

	ErrPasswordPolicy = errors.New("password does not meet policy")

	// ErrRateLimited is returned when a flow exceeds its attempt budget
	// within the configured window.
	ErrRateLimited = errors.New("rate limited")

	// ErrStoreUnavailable wraps Redis transport failures. Fail closed: an
	// unavailable store is never an allow.
	ErrStoreUnavailable = errors.New("credential store unavailable")
)
