// Package fakebackend is an in-process stand-in for the hosted backend: a
// password/refresh-token auth endpoint, a profiles REST endpoint and a
// Phoenix realtime socket that streams profile row changes. It backs the
// integration tests and the devserver command.
package fakebackend

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Config configures a Server.
type Config struct {
	JWTSecret string
	AnonKey   string

	// AccessTokenTTL is the lifetime of issued access tokens.
	AccessTokenTTL time.Duration
}

// DefaultConfig returns the settings used by tests and the devserver.
func DefaultConfig() Config {
	return Config{
		JWTSecret:      "super-secret-jwt-key-please-change-in-production",
		AnonKey:        "anon-key",
		AccessTokenTTL: time.Hour,
	}
}

// Server is the fake backend.
type Server struct {
	cfg    Config
	router *chi.Mux
	hub    *Hub

	mu            sync.Mutex
	users         map[string]*User   // id -> user
	emails        map[string]string  // email -> id
	profiles      map[string]Profile // user id -> row
	refreshTokens map[string]string  // token -> user id
	authDown      bool
	profilesDown  bool
}

// New creates a server with no users.
func New(cfg Config) *Server {
	if cfg.JWTSecret == "" || cfg.AnonKey == "" {
		def := DefaultConfig()
		if cfg.JWTSecret == "" {
			cfg.JWTSecret = def.JWTSecret
		}
		if cfg.AnonKey == "" {
			cfg.AnonKey = def.AnonKey
		}
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = time.Hour
	}
	s := &Server{
		cfg:           cfg,
		users:         make(map[string]*User),
		emails:        make(map[string]string),
		profiles:      make(map[string]Profile),
		refreshTokens: make(map[string]string),
	}
	s.hub = NewHub(s.validateAccessToken)
	s.router = chi.NewRouter()
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	})

	s.router.Route("/auth/v1", func(r chi.Router) {
		r.Use(s.apiKeyMiddleware)
		r.Use(s.authAvailableMiddleware)
		r.Post("/token", s.handleToken)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/user", s.handleGetUser)
			r.Post("/logout", s.handleLogout)
		})
	})

	s.router.Route("/rest/v1", func(r chi.Router) {
		r.Use(s.apiKeyMiddleware)
		r.Use(s.authMiddleware)
		r.Get("/profiles", s.handleSelectProfiles)
		r.Patch("/profiles", s.handleUpdateProfiles)
	})

	s.router.Get("/realtime/v1/websocket", s.handleWebSocket)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// AnonKey returns the API key clients must present.
func (s *Server) AnonKey() string {
	return s.cfg.AnonKey
}

// Hub returns the realtime hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close drops every realtime connection.
func (s *Server) Close() {
	s.hub.DropConnections()
}

// SetAuthDown makes the auth endpoints answer 503.
func (s *Server) SetAuthDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authDown = down
}

// SetProfilesDown makes the profiles endpoint answer 500.
func (s *Server) SetProfilesDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profilesDown = down
}

// ErrorResponse is the JSON error body, in the auth service's shape.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"error_description"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, errCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errCode,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("apikey")
		if key == "" {
			key = r.URL.Query().Get("apikey")
		}
		if key != s.cfg.AnonKey {
			s.writeError(w, http.StatusUnauthorized, "invalid_api_key", "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authAvailableMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		down := s.authDown
		s.mu.Unlock()
		if down {
			s.writeError(w, http.StatusServiceUnavailable, "service_unavailable", "Auth service unavailable")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "no_authorization", "Authorization header required")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "invalid_authorization", "Invalid authorization header format")
			return
		}

		claims, err := s.validateAccessToken(parts[1])
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid_token", "Invalid or expired token")
			return
		}

		sub, _ := claims["sub"].(string)
		user := s.userByID(sub)
		if user == nil {
			s.writeError(w, http.StatusUnauthorized, "user_not_found", "User not found")
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), user)))
	})
}
