package core

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"
)

// SessionCookieName is the cookie that carries the session id.
const SessionCookieName = "session_id"

// NormalizeIdentifier folds a username or email into its lookup form.
func NormalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

// generateSessionID hashes the creation time together with 256 random bits
// into a 64 character hex token.
func generateSessionID(now time.Time) (string, error) {
	random := make([]byte, 32)
	if _, err := rand.Read(random); err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(now.UnixNano(), 10)))
	h.Write(random)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Password policy, applied when credentials are set rather than on login
var (
	upperPattern   = regexp.MustCompile(`[A-Z]`)
	lowerPattern   = regexp.MustCompile(`[a-z]`)
	digitPattern   = regexp.MustCompile(`[0-9]`)
	specialPattern = regexp.MustCompile(`[~!@#$%^&*+\-/.,\\{}\[\]();:?<>"'_` + "`" + `]`)
)

// PasswordMinLength is the minimum accepted password length.
const PasswordMinLength = 13

// ValidatePasswordStrength checks a new password against the policy and
// returns every violated rule.
func ValidatePasswordStrength(password string) []string {
	var problems []string
	if len(password) < PasswordMinLength {
		problems = append(problems, fmt.Sprintf("password must be at least %d characters long", PasswordMinLength))
	}
	if !upperPattern.MatchString(password) {
		problems = append(problems, "password must contain at least one uppercase letter")
	}
	if !lowerPattern.MatchString(password) {
		problems = append(problems, "password must contain at least one lowercase letter")
	}
	if !digitPattern.MatchString(password) {
		problems = append(problems, "password must contain at least one number")
	}
	if !specialPattern.MatchString(password) {
		problems = append(problems, "password must contain at least one special character")
	}
	return problems
}

// IP utilities

// extractIPFromRequest returns the host part of remoteAddr. Forwarding headers
// are client controlled, so a proxy in front must rewrite RemoteAddr instead.
func extractIPFromRequest(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// extractOrigin builds the origin metadata of an HTTP request
func extractOrigin(r *http.Request) OriginInfo {
	return OriginInfo{
		IPAddress: extractIPFromRequest(r.RemoteAddr),
		UserAgent: r.UserAgent(),
	}
}

// extractTokenFromRequest extracts the session id from the Authorization header or session cookie
func extractTokenFromRequest(r *http.Request) string {
	// First, try to get token from Authorization header
	token := r.Header.Get("Authorization")
	if token != "" {
		// Remove "Bearer " prefix if present
		if len(token) > 7 && token[:7] == "Bearer " {
			return token[7:]
		}
		slog.Debug("Using raw Authorization header as token", "token_length", len(token))
		return token
	}

	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		return cookie.Value
	}

	return ""
}

// tokenPrefix returns a loggable prefix of a session id
func tokenPrefix(token string) string {
	return token[:min(8, len(token))]
}

// Helper function to format validation errors
func formatValidationErrors(err error) string {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var errorMessages []string
		for _, fieldError := range validationErrors {
			switch fieldError.Tag() {
			case "required":
				errorMessages = append(errorMessages, fmt.Sprintf("%s is required", fieldError.Field()))
			case "min", "gte":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be at least %s", fieldError.Field(), fieldError.Param()))
			case "max", "lte":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be at most %s", fieldError.Field(), fieldError.Param()))
			case "gt":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be greater than %s", fieldError.Field(), fieldError.Param()))
			default:
				errorMessages = append(errorMessages, fmt.Sprintf("%s is invalid", fieldError.Field()))
			}
		}
		return strings.Join(errorMessages, "; ")
	}
	return err.Error()
}

// Security event types
const (
	EventLoginSuccess       = "login_success"
	EventLoginFailed        = "login_failed"
	EventLoginBlocked       = "login_blocked"
	EventAccountLocked      = "account_locked"
	EventAccountUnlocked    = "account_unlocked"
	EventCredentialUpgraded = "credential_upgraded"
	EventSessionCreated     = "session_created"
	EventSessionExpired     = "session_expired"
	EventSessionTerminated  = "session_terminated"
	EventForcedLogout       = "forced_logout"
)

// RateLimiter throttles requests per key (usually the client IP) with a token
// bucket per key. It is an origin-level guard in front of the identifier lockout.
type RateLimiter struct {
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	mu       sync.Mutex
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows maxRequests per window with bursts of maxRequests.
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Every(window / time.Duration(maxRequests)),
		burst:    maxRequests,
		idleTTL:  window,
	}
}

// IsAllowed checks if a request from the given key is allowed
func (rl *RateLimiter) IsAllowed(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

// Cleanup removes limiters idle for longer than the window
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > rl.idleTTL {
			delete(rl.limiters, key)
		}
	}
}
