package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// LoginResult is returned by a successful SecureLogin.
type LoginResult struct {
	User               *User     `json:"user"`
	SessionID          string    `json:"session_id"`
	CreatedAt          time.Time `json:"created_at"`
	LastActivity       time.Time `json:"last_activity"`
	ExpiresAt          time.Time `json:"expires_at"` // if the session stays idle
	CredentialUpgraded bool      `json:"-"`
}

// SecureLogin authenticates identifier (a username or an email) with secret.
//
// A locked identifier is rejected with *AccountLockedError before any hashing,
// and so is a correct secret if a concurrent failure locked it meanwhile.
// A wrong secret or an unknown identifier both yield *InvalidCredentialsError.
// On success the open lockout counter is dropped, a legacy hash is upgraded
// and a new session replaces every other session of the user.
func (a *AuthService) SecureLogin(ctx context.Context, identifier, secret string, origin OriginInfo) (*LoginResult, error) {
	id := NormalizeIdentifier(identifier)
	if id == "" {
		return nil, &InvalidCredentialsError{RemainingAttempts: a.securityConfig.MaxLoginAttempts}
	}

	status, err := a.CheckLockout(ctx, id)
	if err != nil {
		return nil, err
	}
	if status.Locked {
		return nil, a.rejectLocked(ctx, id, origin, status.Remaining)
	}

	user, err := a.storage.GetUserByIdentifier(ctx, id)
	if err != nil {
		return nil, storeError("get user", err)
	}

	var verification Verification
	if user == nil {
		// Same bcrypt work as a real account
		if _, err := a.hasher.Verify(ctx, secret, a.hasher.Placeholder()); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrVerificationUnavailable, err)
		}
	} else {
		verification, err = a.hasher.Verify(ctx, secret, user.PasswordHash)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrVerificationUnavailable, err)
		}
	}

	if !verification.Match {
		attempt, err := a.recordAttempt(ctx, id, origin, false, false)
		if err != nil {
			return nil, err
		}
		return nil, a.loginFailed(ctx, attempt, user, origin)
	}

	// A concurrent failure may have locked the identifier while we hashed
	status, err = a.CheckLockout(ctx, id)
	if err != nil {
		return nil, err
	}
	if status.Locked {
		return nil, a.rejectLocked(ctx, id, origin, status.Remaining)
	}

	if _, err := a.recordAttempt(ctx, id, origin, true, false); err != nil {
		return nil, err
	}
	if err := a.storage.DeleteLockout(ctx, id, a.now()); err != nil {
		return nil, storeError("delete lockout", err)
	}

	upgraded := false
	if verification.NeedsUpgrade {
		upgraded, err = a.UpgradeCredential(ctx, user, secret)
		if err != nil {
			// The secret is proven, the next login retries the upgrade
			a.stats.upgradeFailures.Add(1)
			slog.Error("Failed to upgrade credential hash", "user_id", user.ID, "error", err)
		}
	}

	session, err := a.createSession(ctx, user, origin)
	if err != nil {
		return nil, err
	}

	a.stats.loginSuccesses.Add(1)
	a.logSecurityEvent(EventLoginSuccess, id, &user.ID, origin, true)
	slog.Info("User logged in successfully", "user_id", user.ID, "username", user.Username)

	// Clear password hash from response
	user.PasswordHash = ""

	return &LoginResult{
		User:               user,
		SessionID:          session.SessionID,
		CreatedAt:          session.CreatedAt,
		LastActivity:       session.LastActivity,
		ExpiresAt:          session.LastActivity.Add(a.securityConfig.SessionTimeout),
		CredentialUpgraded: upgraded,
	}, nil
}

// rejectLocked records the refused attempt as blocked, so it never counts
// towards a later lock.
func (a *AuthService) rejectLocked(ctx context.Context, id string, origin OriginInfo, remaining time.Duration) error {
	if _, err := a.recordAttempt(ctx, id, origin, false, true); err != nil {
		return err
	}
	a.stats.lockedRejections.Add(1)
	a.logSecurityEvent(EventLoginBlocked, id, nil, origin, false)
	return &AccountLockedError{RetryAfter: remaining}
}

func (a *AuthService) loginFailed(ctx context.Context, attempt *LoginAttempt, user *User, origin OriginInfo) error {
	id, now := attempt.Identifier, attempt.Timestamp
	lockout, locked, err := a.registerFailure(ctx, attempt)
	if err != nil {
		return err
	}
	a.stats.loginFailures.Add(1)

	var userID *uint
	if user != nil {
		userID = &user.ID
	}

	// Another request locked the identifier between our check and this failure
	if !locked && lockout.IsLocked(now) {
		a.logSecurityEvent(EventLoginBlocked, id, userID, origin, false)
		return &AccountLockedError{RetryAfter: lockout.LockedUntil.Sub(now)}
	}

	if locked {
		a.logSecurityEvent(EventAccountLocked, id, userID, origin, false)
		return &InvalidCredentialsError{Locked: true}
	}

	a.logSecurityEvent(EventLoginFailed, id, userID, origin, false)
	remaining := max(a.securityConfig.MaxLoginAttempts-lockout.AttemptCount, 0)
	return &InvalidCredentialsError{
		RemainingAttempts: remaining,
		Warn:              remaining <= a.securityConfig.AttemptWarnRemaining,
	}
}

// UpgradeCredential rehashes secret with the current algorithm and cost and
// swaps it in only if the stored hash is still the one user was loaded with.
// It reports whether this call replaced the hash.
func (a *AuthService) UpgradeCredential(ctx context.Context, user *User, secret string) (bool, error) {
	newHash, err := a.hasher.Hash(ctx, secret)
	if err != nil {
		return false, err
	}

	changed, err := a.storage.UpdateCredentialHash(ctx, user.ID, user.PasswordHash, newHash)
	if err != nil {
		return false, storeError("update credential hash", err)
	}
	if !changed {
		slog.Debug("Credential hash already replaced", "user_id", user.ID)
		return false, nil
	}

	user.PasswordHash = newHash
	a.stats.credentialUpgrades.Add(1)
	a.logSecurityEvent(EventCredentialUpgraded, user.Username, &user.ID, OriginInfo{}, true)
	return true, nil
}
