// Package core provides session security for username/password applications.
//
// This package includes:
//   - Salted credential hashing with transparent migration of legacy digests
//   - An append-only login attempt ledger
//   - Time-boxed lockout after repeated failures, keyed by identifier
//   - Server-side sessions with a single active session per user
//   - Maintenance sweeps that are safe to run next to live traffic
//
// ## Key Features:
//   - The database is the only source of truth, so several processes can share it
//   - Typed errors for every failure a caller has to render
//   - Return-based HTTP handlers that work with any router
//
// ## Quick Start:
//
//	store, err := storage.NewSQLiteStorage("sessions.db")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	authService, err := core.NewAuthService(core.Config{
//		Storage:        store,
//		SecurityConfig: core.DefaultSecurityConfig(),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	result, err := authService.SecureLogin(ctx, "Admin", "secret", core.OriginInfo{IPAddress: ip})
//	var locked *core.AccountLockedError
//	if errors.As(err, &locked) {
//		// show locked.RetryAfter
//	}
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
)

// Common errors returned by the library
var (
	// ErrInvalidCredentials is returned for a wrong secret or an unknown identifier
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned while an identifier is locked out
	ErrAccountLocked = errors.New("account temporarily locked")
	// ErrSessionExpired is returned when a session idled past the timeout
	ErrSessionExpired = errors.New("session expired")
	// ErrSessionNotFound is returned for unknown or inactive sessions
	ErrSessionNotFound = errors.New("session not found")
	// ErrStoreUnavailable wraps every infrastructure failure of the storage
	ErrStoreUnavailable = errors.New("session store unavailable")
	// ErrUserExists is returned when a username or email is already taken
	ErrUserExists = errors.New("user already exists")
	// ErrWeakPassword is returned when a new password violates the policy
	ErrWeakPassword = errors.New("password does not meet requirements")
	// ErrRateLimited is returned by the HTTP surface when an origin sends too many logins
	ErrRateLimited = errors.New("too many login requests")
	// ErrVerificationUnavailable is returned when ctx ends while a login
	// waits for a hashing slot
	ErrVerificationUnavailable = errors.New("credential verification unavailable")
)

// InvalidCredentialsError is returned by SecureLogin when verification fails.
type InvalidCredentialsError struct {
	RemainingAttempts int  // Attempts left before the identifier locks
	Warn              bool // Whether the caller should warn about RemainingAttempts
	Locked            bool // This failure locked the identifier
}

func (e *InvalidCredentialsError) Error() string {
	if e.Locked {
		return "invalid credentials: account is now locked"
	}
	return fmt.Sprintf("invalid credentials: %d attempts remaining", e.RemainingAttempts)
}

func (e *InvalidCredentialsError) Unwrap() error { return ErrInvalidCredentials }

// AccountLockedError is returned by SecureLogin while the identifier is locked.
type AccountLockedError struct {
	RetryAfter time.Duration
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account temporarily locked, retry in %d seconds", e.RemainingSeconds())
}

func (e *AccountLockedError) Unwrap() error { return ErrAccountLocked }

// RemainingSeconds rounds RetryAfter up to whole seconds.
func (e *AccountLockedError) RemainingSeconds() int {
	return int((e.RetryAfter + time.Second - 1) / time.Second)
}

// storeError marks err as an infrastructure failure.
func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// SecurityConfig defines security-related configuration options
type SecurityConfig struct {
	// Session security
	SessionTimeout       time.Duration `validate:"gt=0"`  // Idle time after which a session expires
	RefreshInterval      time.Duration `validate:"gte=0"` // Minimum spacing between activity writes
	SessionWarnThreshold time.Duration `validate:"gte=0"` // Remaining time below which a session is expiring soon

	// Login security
	MaxLoginAttempts     int           `validate:"min=1"` // Consecutive failures before lockout
	LockoutDuration      time.Duration `validate:"gt=0"`  // How long identifiers remain locked
	AttemptWarnRemaining int           `validate:"gte=0"` // Warn when this many attempts or fewer remain
	AttemptRetention     time.Duration `validate:"gt=0"`  // How long login attempts are kept
	LoginRatePerMinute   int           `validate:"gte=0"` // Login requests allowed per IP and minute, 0 disables

	// Credential hashing
	BcryptCost          int `validate:"min=4,max=31"`
	MaxConcurrentHashes int `validate:"gte=0"` // 0 means GOMAXPROCS
}

// DefaultSecurityConfig returns a secure default configuration
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		SessionTimeout:       2 * time.Hour,
		RefreshInterval:      5 * time.Minute,
		SessionWarnThreshold: 30 * time.Minute,
		MaxLoginAttempts:     5,
		LockoutDuration:      15 * time.Minute,
		AttemptWarnRemaining: 1,
		AttemptRetention:     30 * 24 * time.Hour,
		LoginRatePerMinute:   20,
		BcryptCost:           12,
		MaxConcurrentHashes:  runtime.GOMAXPROCS(0),
	}
}

// Config contains the configuration for the AuthService
type Config struct {
	Storage        Storage          // Storage implementation (required)
	SecurityConfig SecurityConfig   // Security configuration
	Now            func() time.Time // Clock, defaults to time.Now
}

// Stats are monotonically increasing counters since the service started.
type Stats struct {
	LoginSuccesses     uint64 `json:"login_successes"`
	LoginFailures      uint64 `json:"login_failures"`
	LockedRejections   uint64 `json:"locked_rejections"`
	Lockouts           uint64 `json:"lockouts"`
	CredentialUpgrades uint64 `json:"credential_upgrades"`
	UpgradeFailures    uint64 `json:"upgrade_failures"`
	SessionsExpired    uint64 `json:"sessions_expired"`
	Sweeps             uint64 `json:"sweeps"`
}

type counters struct {
	loginSuccesses     atomic.Uint64
	loginFailures      atomic.Uint64
	lockedRejections   atomic.Uint64
	lockouts           atomic.Uint64
	credentialUpgrades atomic.Uint64
	upgradeFailures    atomic.Uint64
	sessionsExpired    atomic.Uint64
	sweeps             atomic.Uint64
}

// AuthService is the session security facade.
type AuthService struct {
	storage        Storage
	securityConfig SecurityConfig
	hasher         *Hasher
	validator      *validator.Validate
	clock          func() time.Time
	loginLimiter   *RateLimiter
	stats          counters
}

// NewAuthService creates a new session security service
func NewAuthService(cfg Config) (*AuthService, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}

	// Test storage connection
	if err := cfg.Storage.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to connect to storage: %w", err)
	}

	// Use default security config if not provided
	securityConfig := cfg.SecurityConfig
	if securityConfig.SessionTimeout == 0 {
		securityConfig = DefaultSecurityConfig()
	}
	if securityConfig.MaxConcurrentHashes == 0 {
		securityConfig.MaxConcurrentHashes = runtime.GOMAXPROCS(0)
	}

	validate := validator.New()
	if err := validate.Struct(securityConfig); err != nil {
		return nil, fmt.Errorf("invalid security config: %s", formatValidationErrors(err))
	}

	clock := cfg.Now
	if clock == nil {
		clock = time.Now
	}

	hasher, err := NewHasher(securityConfig.BcryptCost, securityConfig.MaxConcurrentHashes)
	if err != nil {
		return nil, err
	}

	service := &AuthService{
		storage:        cfg.Storage,
		securityConfig: securityConfig,
		hasher:         hasher,
		validator:      validate,
		clock:          clock,
	}
	if securityConfig.LoginRatePerMinute > 0 {
		service.loginLimiter = NewRateLimiter(securityConfig.LoginRatePerMinute, time.Minute)
	}

	return service, nil
}

// SecurityConfig returns the effective configuration.
func (a *AuthService) SecurityConfig() SecurityConfig {
	return a.securityConfig
}

// Hasher returns the credential hasher used by the service.
func (a *AuthService) Hasher() *Hasher {
	return a.hasher
}

// Stats returns a snapshot of the service counters.
func (a *AuthService) Stats() Stats {
	return Stats{
		LoginSuccesses:     a.stats.loginSuccesses.Load(),
		LoginFailures:      a.stats.loginFailures.Load(),
		LockedRejections:   a.stats.lockedRejections.Load(),
		Lockouts:           a.stats.lockouts.Load(),
		CredentialUpgrades: a.stats.credentialUpgrades.Load(),
		UpgradeFailures:    a.stats.upgradeFailures.Load(),
		SessionsExpired:    a.stats.sessionsExpired.Load(),
		Sweeps:             a.stats.sweeps.Load(),
	}
}

// now is the service clock at millisecond precision, which every store keeps.
func (a *AuthService) now() time.Time {
	return a.clock().UTC().Truncate(time.Millisecond)
}

// logSecurityEvent writes an audit line for security-relevant transitions
func (a *AuthService) logSecurityEvent(eventType, identifier string, userID *uint, origin OriginInfo, success bool) {
	level := slog.LevelInfo
	if !success {
		level = slog.LevelWarn
	}
	attrs := []any{"event_type", eventType}
	if identifier != "" {
		attrs = append(attrs, "identifier", identifier)
	}
	if origin.IPAddress != "" {
		attrs = append(attrs, "ip_address", origin.IPAddress, "user_agent", origin.UserAgent)
	}
	if userID != nil {
		attrs = append(attrs, "user_id", *userID)
	}
	slog.Log(context.Background(), level, "Security event", attrs...)
}

// Ping checks that the session store is reachable.
func (a *AuthService) Ping(ctx context.Context) error {
	if err := a.storage.Ping(ctx); err != nil {
		return storeError("ping", err)
	}
	return nil
}

// Close closes the auth service and cleans up resources
func (a *AuthService) Close() error {
	return a.storage.Close()
}
