package core

import (
	"context"
	"time"
)

// User is the identity record owned by the user-management collaborator.
// Session security only reads it and upgrades PasswordHash.
type User struct {
	ID           uint      `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"` // Hide password from JSON
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// OriginInfo describes where a request came from.
type OriginInfo struct {
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
}

// Session binds an opaque token to an authenticated user
type Session struct {
	SessionID    string    `json:"session_id"`
	UserID       uint      `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`

	// Origin
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`

	IsActive bool `json:"is_active"`
}

// LoginAttempt is an immutable audit record of one login call.
type LoginAttempt struct {
	ID         uint      `json:"id"`
	Identifier string    `json:"identifier"`
	IPAddress  string    `json:"ip_address"`
	UserAgent  string    `json:"user_agent"`
	Timestamp  time.Time `json:"timestamp"`
	Success    bool      `json:"success"`
	Blocked    bool      `json:"blocked"` // refused while locked, never counted
}

// Lockout is the per-identifier throttle row. AttemptCount is the number of
// ledger failures inside the window as of the last failure, so a row with a
// nil or elapsed LockedUntil is still OPEN.
type Lockout struct {
	Identifier       string     `json:"identifier"`
	LockedUntil      *time.Time `json:"locked_until,omitempty"`
	LockingAttemptID uint       `json:"-"`
	AttemptCount     int        `json:"attempt_count"`
	LastFailureAt    time.Time  `json:"last_failure_at"`
}

// IsLocked reports whether the lockout is in force at now.
func (l *Lockout) IsLocked(now time.Time) bool {
	return l != nil && l.LockedUntil != nil && now.Before(*l.LockedUntil)
}

// FailureUpdate describes one atomic failure registration. The failed attempt
// must already be in the ledger.
type FailureUpdate struct {
	Identifier  string
	AttemptID   uint // ledger id of the failure being registered
	Now         time.Time
	WindowStart time.Time // failures at or before it are not counted
	Threshold   int
	LockedUntil time.Time // applied when the ledger count reaches Threshold
}

// Storage defines the contract for session security persistence.
//
// Every method must be safe for concurrent use from several processes sharing
// the same database. Missing rows are reported as nil, nil.
type Storage interface {
	// User operations - read-only apart from credential upgrades
	CreateUser(ctx context.Context, user *User) error
	GetUserByIdentifier(ctx context.Context, identifier string) (*User, error)
	GetUserByID(ctx context.Context, id uint) (*User, error)
	// UpdateCredentialHash replaces oldHash with newHash and reports whether a
	// row changed. A hash that was already upgraded is left alone.
	UpdateCredentialHash(ctx context.Context, userID uint, oldHash, newHash string) (bool, error)

	// Session operations
	// CreateSession deactivates every active session of session.UserID and
	// inserts session in one atomic step.
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	GetActiveUserSession(ctx context.Context, userID uint) (*Session, error)
	// TouchSession sets last_activity to now if the row is still active and
	// its last_activity equals observed.
	TouchSession(ctx context.Context, sessionID string, observed, now time.Time) (bool, error)
	// ExpireSession deactivates the session if its last_activity equals observed.
	ExpireSession(ctx context.Context, sessionID string, observed time.Time) (bool, error)
	DeactivateSession(ctx context.Context, sessionID string) error
	DeactivateUserSessions(ctx context.Context, userID uint) (int64, error)
	DeactivateIdleSessions(ctx context.Context, cutoff time.Time) (int64, error)
	CountActiveSessions(ctx context.Context, userID uint) (int, error)

	// Login attempt operations
	CreateLoginAttempt(ctx context.Context, attempt *LoginAttempt) error
	// CountFailuresSince counts the unblocked failures newer than windowStart
	// that follow both the last success and the last reset of identifier.
	CountFailuresSince(ctx context.Context, identifier string, windowStart time.Time) (int, error)
	// PurgeLoginAttempts removes attempts older than before, keeping the
	// newest attempt of every identifier locked at now.
	PurgeLoginAttempts(ctx context.Context, before, now time.Time) (int64, error)

	// Lockout operations
	GetLockout(ctx context.Context, identifier string) (*Lockout, error)
	// RegisterFailure recounts the ledger failures of update.Identifier the
	// way CountFailuresSince does and stores the count in the same statement.
	// A lock in force is kept, otherwise reaching Threshold locks the row
	// with update.AttemptID as its LockingAttemptID.
	RegisterFailure(ctx context.Context, update FailureUpdate) (*Lockout, error)
	// DeleteLockout removes the row unless a lock is in force at now.
	DeleteLockout(ctx context.Context, identifier string, now time.Time) error
	// ResetLockout lifts any lock and stops every failure up to now from
	// counting.
	ResetLockout(ctx context.Context, identifier string, now time.Time) error
	// DeleteExpiredLockout removes the row only if its lock has lapsed at now.
	DeleteExpiredLockout(ctx context.Context, identifier string, now time.Time) (bool, error)
	// PurgeLockouts removes lapsed locks and open counters idle since staleBefore.
	PurgeLockouts(ctx context.Context, now, staleBefore time.Time) (int64, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}
