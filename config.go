package credflow

import (
	"errors"
	"time"
)

// JWTConfig tunes the access-token codec.
type JWTConfig struct {
	AccessTTL     time.Duration
	SigningMethod string
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

// SessionConfig tunes the refresh-session store.
type SessionConfig struct {
	RedisPrefix string
	RefreshTTL  time.Duration
}

// VerificationStrategyType selects the shape of issued verification codes.
type VerificationStrategyType int

const (
	// VerificationToken issues an opaque envelope token.
	VerificationToken VerificationStrategyType = iota
	// VerificationOTP issues a short numeric code for manual entry.
	VerificationOTP
	// VerificationUUID issues a random UUID string.
	VerificationUUID
)

// VerificationConfig tunes single-use verification codes.
type VerificationConfig struct {
	Strategy VerificationStrategyType
	CodeTTL  time.Duration
	// Retention keeps consumed and expired records readable past CodeTTL
	// so replays report already-used or expired instead of invalid.
	Retention time.Duration
	OTPDigits int
	MaxIssues int
	Window    time.Duration
}

// PasswordResetConfig tunes the single-slot reset flow.
type PasswordResetConfig struct {
	ResetTTL    time.Duration
	MaxRequests int
	Window      time.Duration
	// MinPasswordLength is the only policy the engine enforces; anything
	// richer belongs in the caller's validation layer.
	MinPasswordLength int
}

// PasswordConfig tunes argon2id hashing of new passwords.
type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// AuditConfig tunes the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig tunes the in-process counters.
type MetricsConfig struct {
	Enabled bool
}

// SecurityConfig holds cross-cutting enforcement knobs.
type SecurityConfig struct {
	// RevokeAllOnReuse widens reuse containment from the abused session to
	// every session of the user. Default false: per-session containment.
	RevokeAllOnReuse bool

	EnableIPThrottle      bool
	EnableRefreshThrottle bool
	MaxRefreshAttempts    int
	RefreshWindow         time.Duration
}

// Config is the full engine configuration. Start from [DefaultConfig] and
// override; Builder.Build validates before constructing anything.
type Config struct {
	JWT           JWTConfig
	Session       SessionConfig
	Verification  VerificationConfig
	PasswordReset PasswordResetConfig
	Password      PasswordConfig
	Audit         AuditConfig
	Metrics       MetricsConfig
	Security      SecurityConfig
}

// DefaultConfig returns a baseline configuration. Signing keys must still
// be supplied by the caller.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     5 * time.Minute,
			SigningMethod: "ed25519",
		},
		Session: SessionConfig{
			RedisPrefix: "cfs",
			RefreshTTL:  7 * 24 * time.Hour,
		},
		Verification: VerificationConfig{
			Strategy:  VerificationOTP,
			CodeTTL:   15 * time.Minute,
			Retention: time.Hour,
			OTPDigits: 6,
			MaxIssues: 5,
			Window:    time.Hour,
		},
		PasswordReset: PasswordResetConfig{
			ResetTTL:          15 * time.Minute,
			MaxRequests:       5,
			Window:            time.Hour,
			MinPasswordLength: 8,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        1,
			Parallelism: 4,
			SaltLength:  16,
			KeyLength:   32,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
		Security: SecurityConfig{
			RevokeAllOnReuse:      false,
			EnableIPThrottle:      true,
			EnableRefreshThrottle: true,
			MaxRefreshAttempts:    20,
			RefreshWindow:         time.Minute,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.SigningMethod != "ed25519" && c.JWT.SigningMethod != "hs256" {
		return errors.New("unsupported JWT signing method")
	}
	if c.JWT.SigningMethod == "ed25519" && len(c.JWT.PrivateKey) == 0 {
		return errors.New("ed25519 requires PrivateKey")
	}
	if c.JWT.SigningMethod == "ed25519" && len(c.JWT.PublicKey) == 0 {
		return errors.New("ed25519 requires PublicKey")
	}
	if c.JWT.SigningMethod == "hs256" && len(c.JWT.PrivateKey) == 0 {
		return errors.New("hs256 requires PrivateKey")
	}
	if c.JWT.Leeway < 0 {
		return errors.New("JWT Leeway must be >= 0")
	}

	if c.Session.RefreshTTL <= 0 {
		return errors.New("Session RefreshTTL must be > 0")
	}
	if c.Session.RefreshTTL <= c.JWT.AccessTTL {
		return errors.New("Session RefreshTTL must exceed JWT AccessTTL")
	}

	switch c.Verification.Strategy {
	case VerificationToken, VerificationOTP, VerificationUUID:
	default:
		return errors.New("Verification Strategy is invalid")
	}
	if c.Verification.CodeTTL <= 0 {
		return errors.New("Verification CodeTTL must be > 0")
	}
	if c.Verification.Retention <= 0 {
		return errors.New("Verification Retention must be > 0")
	}
	if c.Verification.Strategy == VerificationOTP {
		if c.Verification.OTPDigits < 6 || c.Verification.OTPDigits > 10 {
			return errors.New("Verification OTPDigits must be between 6 and 10")
		}
		if c.Verification.CodeTTL > 15*time.Minute {
			return errors.New("Verification CodeTTL must be <= 15m in OTP mode")
		}
	}
	if c.Verification.MaxIssues <= 0 {
		return errors.New("Verification MaxIssues must be > 0")
	}
	if c.Verification.Window <= 0 {
		return errors.New("Verification Window must be > 0")
	}

	if c.PasswordReset.ResetTTL <= 0 {
		return errors.New("PasswordReset ResetTTL must be > 0")
	}
	if c.PasswordReset.MaxRequests <= 0 {
		return errors.New("PasswordReset MaxRequests must be > 0")
	}
	if c.PasswordReset.Window <= 0 {
		return errors.New("PasswordReset Window must be > 0")
	}
	if c.PasswordReset.MinPasswordLength < 8 {
		return errors.New("PasswordReset MinPasswordLength must be >= 8")
	}

	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	if c.Security.EnableRefreshThrottle {
		if c.Security.MaxRefreshAttempts <= 0 {
			return errors.New("MaxRefreshAttempts must be > 0 when refresh throttle is enabled")
		}
		if c.Security.RefreshWindow <= 0 {
			return errors.New("RefreshWindow must be > 0 when refresh throttle is enabled")
		}
	}

	return nil
}
