package core

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

const (
	userContextKey    contextKey = "user"
	sessionContextKey contextKey = "session"
)

// AuthMiddleware rejects requests without a valid session and stores the
// session and its user in the request context.
func (a *AuthService) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractTokenFromRequest(r)
		if token == "" {
			slog.Debug("No token provided in request")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		info, err := a.ValidateSession(r.Context(), token)
		if err != nil {
			status, message := statusForError(err)
			slog.Debug("Session rejected", "token_prefix", tokenPrefix(token), "error", err)
			http.Error(w, message, status)
			return
		}

		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), info)))
	})
}

// OptionalAuthMiddleware provides optional authentication middleware
// If a token is provided and valid, the session is added to context
// If no token or invalid token, the request continues without it
func (a *AuthService) OptionalAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractTokenFromRequest(r)
		if token == "" {
			// No token provided, continue without authentication
			next.ServeHTTP(w, r)
			return
		}

		info, err := a.ValidateSession(r.Context(), token)
		if err != nil {
			slog.Debug("Ignoring invalid session in optional auth", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), info)))
	})
}

func withSession(ctx context.Context, info *SessionInfo) context.Context {
	ctx = context.WithValue(ctx, userContextKey, info.User)
	return context.WithValue(ctx, sessionContextKey, info)
}

// GetSessionFromContext retrieves the current session from the request context
func GetSessionFromContext(r *http.Request) *SessionInfo {
	if info, ok := r.Context().Value(sessionContextKey).(*SessionInfo); ok {
		return info
	}
	return nil
}

// GetUserFromContext retrieves the current user from the request context
func GetUserFromContext(r *http.Request) *User {
	if user, ok := r.Context().Value(userContextKey).(*User); ok {
		return user
	}
	return nil
}
