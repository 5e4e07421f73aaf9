package core

import (
	"context"
	"log/slog"
	"time"
)

// LockoutStatus is the result of a lockout check.
type LockoutStatus struct {
	Locked       bool          `json:"locked"`
	LockedUntil  time.Time     `json:"locked_until,omitempty"`
	Remaining    time.Duration `json:"remaining"`
	AttemptCount int           `json:"attempt_count"`
}

// CheckLockout reports whether identifier may attempt a login. A lock that has
// lapsed is removed on the way, which reopens the identifier.
func (a *AuthService) CheckLockout(ctx context.Context, identifier string) (LockoutStatus, error) {
	id := NormalizeIdentifier(identifier)
	now := a.now()

	lockout, err := a.storage.GetLockout(ctx, id)
	if err != nil {
		return LockoutStatus{}, storeError("get lockout", err)
	}
	if lockout == nil {
		return LockoutStatus{}, nil
	}

	if lockout.IsLocked(now) {
		return LockoutStatus{
			Locked:       true,
			LockedUntil:  *lockout.LockedUntil,
			Remaining:    lockout.LockedUntil.Sub(now),
			AttemptCount: lockout.AttemptCount,
		}, nil
	}

	if lockout.LockedUntil != nil {
		deleted, err := a.storage.DeleteExpiredLockout(ctx, id, now)
		if err != nil {
			return LockoutStatus{}, storeError("delete expired lockout", err)
		}
		if deleted {
			a.logSecurityEvent(EventAccountUnlocked, id, nil, OriginInfo{}, true)
		}
		return LockoutStatus{}, nil
	}

	return LockoutStatus{AttemptCount: lockout.AttemptCount}, nil
}

// ClearLockout reopens identifier. Failures recorded up to now stop counting
// towards the next lock.
func (a *AuthService) ClearLockout(ctx context.Context, identifier string) error {
	if err := a.storage.ResetLockout(ctx, NormalizeIdentifier(identifier), a.now()); err != nil {
		return storeError("clear lockout", err)
	}
	return nil
}

// registerFailure recounts the ledger after the failed attempt was recorded
// and reports whether that attempt locked the identifier.
func (a *AuthService) registerFailure(ctx context.Context, attempt *LoginAttempt) (*Lockout, bool, error) {
	now := attempt.Timestamp
	update := FailureUpdate{
		Identifier:  attempt.Identifier,
		AttemptID:   attempt.ID,
		Now:         now,
		WindowStart: now.Add(-a.securityConfig.LockoutDuration),
		Threshold:   a.securityConfig.MaxLoginAttempts,
		LockedUntil: now.Add(a.securityConfig.LockoutDuration),
	}

	lockout, err := a.storage.RegisterFailure(ctx, update)
	if err != nil {
		return nil, false, storeError("register failure", err)
	}

	locked := lockout.LockedUntil != nil && lockout.LockingAttemptID == attempt.ID
	if locked {
		a.stats.lockouts.Add(1)
		slog.Warn("Identifier locked after repeated failures",
			"identifier", attempt.Identifier,
			"attempt_count", lockout.AttemptCount,
			"locked_until", update.LockedUntil)
	}
	return lockout, locked, nil
}
