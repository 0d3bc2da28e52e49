package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds rate limiter tuning parameters.
type Config struct {
	EnableIPThrottle      bool
	EnableRefreshThrottle bool
	MaxRefreshAttempts    int
	RefreshWindow         time.Duration
	MaxVerificationIssues int
	VerificationWindow    time.Duration
	MaxResetRequests      int
	ResetWindow           time.Duration
}

// Limiter enforces per-identifier and per-IP attempt budgets for the
// refresh, verification, and reset flows using Redis counters.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a rate [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	return &Limiter{
		redis:  redisClient,
		config: cfg,
	}
}

func refreshKey(sessionID string) string {
	return "cr:" + sessionID
}

func verificationUserKey(userID string) string {
	return "cv:" + userID
}

func verificationIPKey(ip string) string {
	return "cvi:" + ip
}

func resetIdentifierKey(identifier string) string {
	return "cp:" + identifier
}

func resetIPKey(ip string) string {
	return "cpi:" + ip
}

// CheckRefresh enforces the refresh budget by incrementing the per-session
// counter and applying the window TTL.
func (l *Limiter) CheckRefresh(ctx context.Context, sessionID string) error {
	if !l.config.EnableRefreshThrottle {
		return nil
	}

	count, err := l.incrementWithTTL(ctx, refreshKey(sessionID), l.config.RefreshWindow)
	if err != nil {
		return err
	}
	if count > int64(l.config.MaxRefreshAttempts) {
		return ErrRateLimited
	}

	return nil
}

// CheckVerificationIssue enforces the code-issue budget for the user+IP
// pair. Both counters advance on every call; either can trip the limit.
func (l *Limiter) CheckVerificationIssue(ctx context.Context, userID, ip string) error {
	count, err := l.incrementWithTTL(ctx, verificationUserKey(userID), l.config.VerificationWindow)
	if err != nil {
		return err
	}
	if count > int64(l.config.MaxVerificationIssues) {
		return ErrRateLimited
	}

	if l.config.EnableIPThrottle && ip != "" {
		count, err = l.incrementWithTTL(ctx, verificationIPKey(ip), l.config.VerificationWindow)
		if err != nil {
			return err
		}
		if count > int64(l.config.MaxVerificationIssues) {
			return ErrRateLimited
		}
	}

	return nil
}

// CheckResetRequest enforces the reset-request budget for the
// identifier+IP pair. The identifier counter advances even for unknown
// identifiers so the limiter cannot be used as an account oracle.
func (l *Limiter) CheckResetRequest(ctx context.Context, identifier, ip string) error {
	count, err := l.incrementWithTTL(ctx, resetIdentifierKey(identifier), l.config.ResetWindow)
	if err != nil {
		return err
	}
	if count > int64(l.config.MaxResetRequests) {
		return ErrRateLimited
	}

	if l.config.EnableIPThrottle && ip != "" {
		count, err = l.incrementWithTTL(ctx, resetIPKey(ip), l.config.ResetWindow)
		if err != nil {
			return err
		}
		if count > int64(l.config.MaxResetRequests) {
			return ErrRateLimited
		}
	}

	return nil
}

// ResetRefresh clears the refresh counter for a session. Called when the
// session is revoked so a recycled session ID starts clean.
func (l *Limiter) ResetRefresh(ctx context.Context, sessionID string) error {
	if err := l.redis.Del(ctx, refreshKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}
