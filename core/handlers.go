package core

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Request and Response Types

// SignInRequest represents a login request
type SignInRequest struct {
	Identifier string `json:"identifier" validate:"required,max=254"` // Username or email
	Password   string `json:"password" validate:"required,max=1024"`  // Plaintext secret
}

// SignInResponse represents the response for a login request
type SignInResponse struct {
	SessionID         string    `json:"session_id,omitempty"`          // Session token
	User              *User     `json:"user,omitempty"`                // Authenticated user information
	ExpiresAt         time.Time `json:"expires_at,omitzero"`           // Expiry if the session stays idle
	RemainingAttempts *int      `json:"remaining_attempts,omitempty"`  // Set after a failed attempt
	RetryAfterSeconds int       `json:"retry_after_seconds,omitempty"` // Set while locked out
	Warning           string    `json:"warning,omitempty"`             // User-facing hint
	StatusCode        int       `json:"-"`                             // HTTP status code (not serialized)
	Error             string    `json:"error,omitempty"`               // Error message if any
}

// SessionResponse represents the response for session validation
type SessionResponse struct {
	Session    *SessionInfo `json:"session,omitempty"` // Validated session
	User       *User        `json:"user,omitempty"`    // Session owner
	StatusCode int          `json:"-"`                 // HTTP status code (not serialized)
	Error      string       `json:"error,omitempty"`   // Error message if any
}

// SessionStatusResponse represents the response for the remaining-time check
type SessionStatusResponse struct {
	RemainingSeconds int    `json:"remaining_seconds"`
	ExpiringSoon     bool   `json:"expiring_soon"`
	StatusCode       int    `json:"-"`
	Error            string `json:"error,omitempty"`
}

// LogoutResponse represents the response for user logout
type LogoutResponse struct {
	Message    string `json:"message"`         // Success message
	StatusCode int    `json:"-"`               // HTTP status code (not serialized)
	Error      string `json:"error,omitempty"` // Error message if any
}

// SignInHandler processes login requests
func (a *AuthService) SignInHandler(r *http.Request) SignInResponse {
	origin := extractOrigin(r)
	if a.loginLimiter != nil && !a.loginLimiter.IsAllowed(origin.IPAddress) {
		slog.Warn("Login rate limit exceeded", "ip_address", origin.IPAddress)
		return SignInResponse{
			StatusCode: http.StatusTooManyRequests,
			Error:      ErrRateLimited.Error(),
		}
	}

	var req SignInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Debug("Failed to decode signin request", "error", err)
		return SignInResponse{
			StatusCode: http.StatusBadRequest,
			Error:      "Invalid request format",
		}
	}

	// Validate request
	if err := a.validator.Struct(req); err != nil {
		slog.Debug("Signin validation failed", "error", err)
		return SignInResponse{
			StatusCode: http.StatusBadRequest,
			Error:      formatValidationErrors(err),
		}
	}

	result, err := a.SecureLogin(r.Context(), req.Identifier, req.Password, origin)
	if err != nil {
		return signInFailure(err)
	}

	return SignInResponse{
		StatusCode: http.StatusOK,
		SessionID:  result.SessionID,
		User:       result.User,
		ExpiresAt:  result.ExpiresAt,
	}
}

func signInFailure(err error) SignInResponse {
	var invalid *InvalidCredentialsError
	var locked *AccountLockedError
	switch {
	case errors.As(err, &locked):
		return SignInResponse{
			StatusCode:        http.StatusLocked,
			Error:             "Account temporarily locked",
			RetryAfterSeconds: locked.RemainingSeconds(),
		}
	case errors.As(err, &invalid):
		resp := SignInResponse{
			StatusCode:        http.StatusUnauthorized,
			Error:             "Invalid credentials",
			RemainingAttempts: &invalid.RemainingAttempts,
		}
		switch {
		case invalid.Locked:
			resp.Warning = "Too many failed attempts, the account is now locked"
		case invalid.Warn:
			resp.Warning = "Account will be locked after further failed attempts"
		}
		return resp
	}

	status, message := statusForError(err)
	return SignInResponse{StatusCode: status, Error: message}
}

// statusForError maps facade errors onto an HTTP status and a client message
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrSessionExpired):
		return http.StatusUnauthorized, "Session expired"
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusUnauthorized, "Invalid session"
	case errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized, "Invalid credentials"
	case errors.Is(err, ErrAccountLocked):
		return http.StatusLocked, "Account temporarily locked"
	case errors.Is(err, ErrStoreUnavailable):
		slog.Error("Session store unavailable", "error", err)
		return http.StatusServiceUnavailable, "Service temporarily unavailable"
	case errors.Is(err, ErrVerificationUnavailable):
		slog.Warn("Credential verification abandoned", "error", err)
		return http.StatusServiceUnavailable, "Service temporarily unavailable"
	default:
		slog.Error("Unexpected error", "error", err)
		return http.StatusInternalServerError, "Internal server error"
	}
}

// ValidateHandler validates a session token and returns session information
func (a *AuthService) ValidateHandler(r *http.Request) SessionResponse {
	token := extractTokenFromRequest(r)
	if token == "" {
		return SessionResponse{
			StatusCode: http.StatusUnauthorized,
			Error:      "No token provided",
		}
	}

	info, err := a.ValidateSession(r.Context(), token)
	if err != nil {
		status, message := statusForError(err)
		return SessionResponse{StatusCode: status, Error: message}
	}

	return SessionResponse{
		StatusCode: http.StatusOK,
		Session:    info,
		User:       info.User,
	}
}

// SessionStatusHandler reports how long the presented session may stay idle.
// It never refreshes the session.
func (a *AuthService) SessionStatusHandler(r *http.Request) SessionStatusResponse {
	token := extractTokenFromRequest(r)
	if token == "" {
		return SessionStatusResponse{
			StatusCode: http.StatusUnauthorized,
			Error:      "No token provided",
		}
	}

	remaining, err := a.SessionRemainingSeconds(r.Context(), token)
	if err != nil {
		status, message := statusForError(err)
		return SessionStatusResponse{StatusCode: status, Error: message}
	}

	return SessionStatusResponse{
		StatusCode:       http.StatusOK,
		RemainingSeconds: remaining,
		ExpiringSoon:     time.Duration(remaining)*time.Second <= a.securityConfig.SessionWarnThreshold,
	}
}

// LogoutHandler processes user logout requests
func (a *AuthService) LogoutHandler(r *http.Request) LogoutResponse {
	token := extractTokenFromRequest(r)
	if token == "" {
		return LogoutResponse{
			StatusCode: http.StatusBadRequest,
			Error:      "No token provided",
		}
	}

	if err := a.Logout(r.Context(), token); err != nil {
		status, message := statusForError(err)
		return LogoutResponse{StatusCode: status, Error: message}
	}

	return LogoutResponse{
		StatusCode: http.StatusOK,
		Message:    "Successfully logged out",
	}
}

// SessionCookie builds the cookie that carries sessionID. Pass an empty
// sessionID to build a cookie that clears it.
func SessionCookie(sessionID string, secure bool) *http.Cookie {
	cookie := &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	if sessionID == "" {
		cookie.MaxAge = -1
	}
	return cookie
}
