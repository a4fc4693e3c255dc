package fakebackend

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/markb/possync/internal/log"
)

// User is an auth user.
type User struct {
	ID                string    `json:"id"`
	Email             string    `json:"email"`
	EncryptedPassword string    `json:"-"`
	Role              string    `json:"role"`
	CreatedAt         time.Time `json:"created_at"`
	LastSignInAt      time.Time `json:"last_sign_in_at,omitempty"`
}

// Profile is a row of the profiles table.
type Profile map[string]any

type ctxKey struct{}

func withUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

func userFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(ctxKey{}).(*User)
	return u
}

// AddUser creates a user and, when profile is non-nil, its profile row.
// The row's id column is set to the new user's id.
func (s *Server) AddUser(email, password string, profile Profile) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.emails[email]; exists {
		return nil, fmt.Errorf("user with email %s already exists", email)
	}

	user := &User{
		ID:                uuid.New().String(),
		Email:             email,
		EncryptedPassword: string(hash),
		Role:              "authenticated",
		CreatedAt:         time.Now().UTC(),
	}
	s.users[user.ID] = user
	s.emails[email] = user.ID

	if profile != nil {
		row := Profile{}
		for k, v := range profile {
			row[k] = v
		}
		row["id"] = user.ID
		if _, ok := row["email"]; !ok {
			row["email"] = email
		}
		s.profiles[user.ID] = row
	}
	return user, nil
}

func (s *Server) userByID(id string) *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[id]
}

func (s *Server) userByEmail(email string) *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.emails[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil
	}
	return s.users[id]
}

// TokenResponse is the body of a successful token grant.
type TokenResponse struct {
	AccessToken  string         `json:"access_token"`
	TokenType    string         `json:"token_type"`
	ExpiresIn    int            `json:"expires_in"`
	ExpiresAt    int64          `json:"expires_at"`
	RefreshToken string         `json:"refresh_token"`
	User         map[string]any `json:"user"`
}

// IssueTokens signs a fresh token pair for user.
func (s *Server) IssueTokens(user *User) (*TokenResponse, error) {
	now := time.Now()
	expires := now.Add(s.cfg.AccessTokenTTL)
	claims := jwt.MapClaims{
		"aud":        "authenticated",
		"exp":        expires.Unix(),
		"iat":        now.Unix(),
		"iss":        "possync-fakebackend",
		"sub":        user.ID,
		"email":      user.Email,
		"role":       user.Role,
		"session_id": uuid.New().String(),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	refresh := generateRefreshToken()
	s.mu.Lock()
	s.refreshTokens[refresh] = user.ID
	s.mu.Unlock()

	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "bearer",
		ExpiresIn:    int(s.cfg.AccessTokenTTL.Seconds()),
		ExpiresAt:    expires.Unix(),
		RefreshToken: refresh,
		User: map[string]any{
			"id":    user.ID,
			"email": user.Email,
			"role":  user.Role,
		},
	}, nil
}

func generateRefreshToken() string {
	b := make([]byte, 32)
	rand.Read(b)
	return "v1." + base64.RawURLEncoding.EncodeToString(b)
}

func (s *Server) validateAccessToken(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// RevokeRefreshTokens invalidates every refresh token of userID.
func (s *Server) RevokeRefreshTokens(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, id := range s.refreshTokens {
		if id == userID {
			delete(s.refreshTokens, token)
		}
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("grant_type") {
	case "password":
		s.handlePasswordGrant(w, r)
	case "refresh_token":
		s.handleRefreshGrant(w, r)
	default:
		s.writeError(w, http.StatusBadRequest, "unsupported_grant_type", "Unsupported grant type")
	}
}

func (s *Server) handlePasswordGrant(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	user := s.userByEmail(req.Email)
	if user == nil || bcrypt.CompareHashAndPassword([]byte(user.EncryptedPassword), []byte(req.Password)) != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_grant", "Invalid login credentials")
		return
	}

	resp, err := s.IssueTokens(user)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "server_error", "Failed to generate token")
		return
	}

	s.mu.Lock()
	user.LastSignInAt = time.Now().UTC()
	s.mu.Unlock()
	log.Debug("fakebackend: password grant", "user_id", user.ID)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefreshGrant(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	s.mu.Lock()
	userID, ok := s.refreshTokens[req.RefreshToken]
	if ok {
		// refresh tokens are single use
		delete(s.refreshTokens, req.RefreshToken)
	}
	user := s.users[userID]
	s.mu.Unlock()

	if !ok || user == nil {
		s.writeError(w, http.StatusBadRequest, "invalid_grant", "Invalid Refresh Token")
		return
	}

	resp, err := s.IssueTokens(user)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "server_error", "Failed to generate token")
		return
	}
	log.Debug("fakebackend: refresh grant", "user_id", user.ID)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         user.ID,
		"email":      user.Email,
		"role":       user.Role,
		"created_at": user.CreatedAt,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	s.RevokeRefreshTokens(user.ID)
	w.WriteHeader(http.StatusNoContent)
}
