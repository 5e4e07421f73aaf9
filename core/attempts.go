package core

import (
	"context"
	"time"
)

// RecordAttempt appends an immutable login attempt for identifier.
func (a *AuthService) RecordAttempt(ctx context.Context, identifier string, origin OriginInfo, success bool) error {
	_, err := a.recordAttempt(ctx, NormalizeIdentifier(identifier), origin, success, false)
	return err
}

// recordAttempt appends an attempt for an already normalised identifier.
// Blocked attempts were refused by a lock and never count as failures.
func (a *AuthService) recordAttempt(ctx context.Context, id string, origin OriginInfo, success, blocked bool) (*LoginAttempt, error) {
	attempt := &LoginAttempt{
		Identifier: id,
		IPAddress:  origin.IPAddress,
		UserAgent:  origin.UserAgent,
		Timestamp:  a.now(),
		Success:    success,
		Blocked:    blocked,
	}
	if err := a.storage.CreateLoginAttempt(ctx, attempt); err != nil {
		return nil, storeError("record login attempt", err)
	}
	return attempt, nil
}

// FailuresSince counts the failures of identifier newer than windowStart that
// follow its last success and its last reset. Blocked attempts are skipped.
func (a *AuthService) FailuresSince(ctx context.Context, identifier string, windowStart time.Time) (int, error) {
	count, err := a.storage.CountFailuresSince(ctx, NormalizeIdentifier(identifier), windowStart)
	if err != nil {
		return 0, storeError("count login failures", err)
	}
	return count, nil
}

// RecentFailures counts the failures inside the sliding lockout window, the
// same count that locks the identifier once it reaches MaxLoginAttempts.
func (a *AuthService) RecentFailures(ctx context.Context, identifier string) (int, error) {
	return a.FailuresSince(ctx, identifier, a.now().Add(-a.securityConfig.LockoutDuration))
}
