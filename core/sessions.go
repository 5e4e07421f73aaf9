package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// validateAttempts bounds re-reads after losing a conditional write race.
const validateAttempts = 3

// SessionInfo describes a validated session for display and expiry warnings.
type SessionInfo struct {
	SessionID    string        `json:"session_id"`
	User         *User         `json:"user"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
	IdleFor      time.Duration `json:"idle_for"`
	Remaining    time.Duration `json:"remaining"`
	ExpiringSoon bool          `json:"expiring_soon"`
}

// RemainingSeconds is Remaining in whole seconds.
func (i *SessionInfo) RemainingSeconds() int {
	return int(i.Remaining / time.Second)
}

// createSession issues a new session for user and supersedes every other
// active session of that user.
func (a *AuthService) createSession(ctx context.Context, user *User, origin OriginInfo) (*Session, error) {
	now := a.now()
	sessionID, err := generateSessionID(now)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	session := &Session{
		SessionID:    sessionID,
		UserID:       user.ID,
		CreatedAt:    now,
		LastActivity: now,
		IPAddress:    origin.IPAddress,
		UserAgent:    origin.UserAgent,
		IsActive:     true,
	}

	if err := a.storage.CreateSession(ctx, session); err != nil {
		return nil, storeError("create session", err)
	}

	a.logSecurityEvent(EventSessionCreated, user.Username, &user.ID, origin, true)
	return session, nil
}

// ValidateSession checks that sessionID is active and not idle past the
// session timeout. Activity is persisted at most once per refresh interval.
func (a *AuthService) ValidateSession(ctx context.Context, sessionID string) (*SessionInfo, error) {
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}

	for range validateAttempts {
		session, err := a.storage.GetSession(ctx, sessionID)
		if err != nil {
			return nil, storeError("get session", err)
		}
		if session == nil || !session.IsActive {
			return nil, ErrSessionNotFound
		}

		now := a.now()
		idle := now.Sub(session.LastActivity)

		if idle > a.securityConfig.SessionTimeout {
			expired, err := a.storage.ExpireSession(ctx, sessionID, session.LastActivity)
			if err != nil {
				return nil, storeError("expire session", err)
			}
			if !expired {
				// Refreshed or terminated concurrently
				continue
			}
			a.stats.sessionsExpired.Add(1)
			slog.Info("Session expired",
				"event_type", EventSessionExpired,
				"session_id", tokenPrefix(sessionID),
				"user_id", session.UserID,
				"idle_for", idle)
			return nil, ErrSessionExpired
		}

		if idle > a.securityConfig.RefreshInterval {
			touched, err := a.storage.TouchSession(ctx, sessionID, session.LastActivity, now)
			if err != nil {
				return nil, storeError("refresh session", err)
			}
			if !touched {
				continue
			}
			session.LastActivity = now
			idle = 0
		}

		user, err := a.storage.GetUserByID(ctx, session.UserID)
		if err != nil {
			return nil, storeError("get session user", err)
		}
		if user == nil {
			slog.Debug("User not found for session", "user_id", session.UserID)
			if err := a.storage.DeactivateSession(ctx, sessionID); err != nil {
				return nil, storeError("deactivate orphaned session", err)
			}
			return nil, ErrSessionNotFound
		}

		// Clear password hash from response
		user.PasswordHash = ""
		remaining := a.securityConfig.SessionTimeout - idle
		return &SessionInfo{
			SessionID:    session.SessionID,
			User:         user,
			CreatedAt:    session.CreatedAt,
			LastActivity: session.LastActivity,
			IdleFor:      idle,
			Remaining:    remaining,
			ExpiringSoon: remaining <= a.securityConfig.SessionWarnThreshold,
		}, nil
	}

	slog.Warn("Session validation kept losing write races", "session_id", tokenPrefix(sessionID))
	return nil, ErrSessionNotFound
}

// SessionRemainingSeconds returns how long sessionID may stay idle before it
// expires. It never writes; unknown, inactive and timed-out sessions report 0.
func (a *AuthService) SessionRemainingSeconds(ctx context.Context, sessionID string) (int, error) {
	if sessionID == "" {
		return 0, nil
	}
	session, err := a.storage.GetSession(ctx, sessionID)
	if err != nil {
		return 0, storeError("get session", err)
	}
	if session == nil || !session.IsActive {
		return 0, nil
	}
	remaining := a.securityConfig.SessionTimeout - a.now().Sub(session.LastActivity)
	if remaining <= 0 {
		return 0, nil
	}
	return int(remaining / time.Second), nil
}

// Logout terminates sessionID. Unknown or inactive sessions are ignored.
func (a *AuthService) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := a.storage.DeactivateSession(ctx, sessionID); err != nil {
		return storeError("deactivate session", err)
	}
	slog.Info("Session terminated", "event_type", EventSessionTerminated, "session_id", tokenPrefix(sessionID))
	return nil
}

// CountActiveSessions returns the number of active sessions of userID.
func (a *AuthService) CountActiveSessions(ctx context.Context, userID uint) (int, error) {
	count, err := a.storage.CountActiveSessions(ctx, userID)
	if err != nil {
		return 0, storeError("count active sessions", err)
	}
	return count, nil
}

// ActiveSession returns the active session of userID, or nil.
func (a *AuthService) ActiveSession(ctx context.Context, userID uint) (*Session, error) {
	session, err := a.storage.GetActiveUserSession(ctx, userID)
	if err != nil {
		return nil, storeError("get active session", err)
	}
	return session, nil
}

// ForceLogout terminates every active session of userID.
func (a *AuthService) ForceLogout(ctx context.Context, userID uint) (int64, error) {
	count, err := a.storage.DeactivateUserSessions(ctx, userID)
	if err != nil {
		return 0, storeError("deactivate user sessions", err)
	}
	a.logSecurityEvent(EventForcedLogout, "", &userID, OriginInfo{}, true)
	return count, nil
}
