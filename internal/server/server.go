package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/wispberry-tech/wispy-session/core"
	"github.com/wispberry-tech/wispy-session/internal/config"
)

// Server mounts the session security handlers on a chi router.
type Server struct {
	auth   *core.AuthService
	config config.ServerConfig
	router chi.Router
}

func New(authService *core.AuthService, cfg config.ServerConfig) *Server {
	s := &Server{
		auth:   authService,
		config: cfg,
		router: chi.NewRouter(),
	}
	s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HTTPServer wraps the router with the listen address and timeouts.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	if s.config.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Get("/session", s.handleSession)
		r.Get("/session/remaining", s.handleRemaining)
		r.Post("/logout", s.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.AuthMiddleware)
			r.Get("/me", s.handleMe)
		})
	})

	r.Get("/health", s.handleHealth)
	r.Get("/debug/stats", s.handleStats)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	response := s.auth.SignInHandler(r)
	if response.StatusCode == http.StatusOK {
		http.SetCookie(w, core.SessionCookie(response.SessionID, s.config.SecureCookies))
	}
	if response.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(response.RetryAfterSeconds))
	}
	writeJSON(w, response.StatusCode, response)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	response := s.auth.ValidateHandler(r)
	writeJSON(w, response.StatusCode, response)
}

func (s *Server) handleRemaining(w http.ResponseWriter, r *http.Request) {
	response := s.auth.SessionStatusHandler(r)
	writeJSON(w, response.StatusCode, response)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	response := s.auth.LogoutHandler(r)
	if response.StatusCode == http.StatusOK {
		http.SetCookie(w, core.SessionCookie("", s.config.SecureCookies))
	}
	writeJSON(w, response.StatusCode, response)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, core.GetSessionFromContext(r))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.auth.Ping(r.Context()); err != nil {
		slog.Error("Health check failed", "error", err)
		status = http.StatusServiceUnavailable
		body["status"] = "unavailable"
	}
	writeJSON(w, status, body)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.auth.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

// requestLogger logs one line per request through slog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			slog.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		}()
		next.ServeHTTP(ww, r)
	})
}
