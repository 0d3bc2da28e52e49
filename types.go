package credflow

import (
	"context"
	"time"
)

// UserRecord is the engine's read model of an externally owned account.
// The engine never stores users; it reaches them through [UserProvider].
type UserRecord struct {
	UserID       string
	Identifier   string
	PasswordHash string
	Verified     bool
}

// UserProvider is the consumed interface to the application's user storage.
// Implementations must be safe for concurrent use. MarkVerified is a
// one-way transition and must be idempotent.
//
// Lookups must return [ErrUserNotFound] (or an error wrapping it) when no
// account matches. Any other error is treated as an infrastructure fault
// and surfaces wrapped in [ErrStoreUnavailable], never as a denial.
type UserProvider interface {
	GetUserByID(userID string) (UserRecord, error)
	GetUserByIdentifier(identifier string) (UserRecord, error)
	MarkVerified(userID string) error
	IsVerified(userID string) (bool, error)
	UpdatePasswordHash(userID, newHash string) error
}

// DeliveryPurpose tells a [Dispatcher] what kind of credential it is
// carrying, so it can pick the right channel or template.
type DeliveryPurpose string

const (
	PurposeVerificationCode DeliveryPurpose = "verification_code"
	PurposePasswordReset    DeliveryPurpose = "password_reset"
)

// Delivery is the payload handed to a [Dispatcher] when a verification
// code or reset token must reach the user out of band.
type Delivery struct {
	Purpose   DeliveryPurpose
	Recipient string
	Code      string
	ExpiresIn time.Duration
}

// Dispatcher delivers codes to users. The engine treats delivery as
// fire-and-forget: a dispatch failure is logged and audited but does not
// roll back the stored code.
type Dispatcher interface {
	Dispatch(ctx context.Context, d Delivery) error
}

// DispatcherFunc adapts a function to the [Dispatcher] interface.
type DispatcherFunc func(ctx context.Context, d Delivery) error

func (f DispatcherFunc) Dispatch(ctx context.Context, d Delivery) error {
	return f(ctx, d)
}

// LoginResult is returned by Login and Refresh.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	SessionID    string
	ExpiresAt    time.Time

	// PendingVerification is set when the account has not completed email
	// confirmation. Login still succeeds; downstream gating is the
	// caller's policy decision.
	PendingVerification bool
}

// AccessResult is the verified identity carried by a valid access token.
type AccessResult struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
}

// VerificationContext scopes a code to the action it authorizes. A code
// issued for one context never validates in another.
type VerificationContext string

const (
	// ContextEmailConfirmation gates the account trust transition.
	// Consuming a code in this context marks the account verified.
	ContextEmailConfirmation VerificationContext = "email_confirmation"

	// ContextSensitiveAction is a step-up check for already trusted
	// accounts. Consuming it has no side effect on account trust.
	ContextSensitiveAction VerificationContext = "sensitive_action"
)
