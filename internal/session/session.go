// Package session keeps the signed-in identity of the process in step with
// the auth provider: it reloads the user's profile whenever the session
// changes and keeps it fresh while the profile row is edited elsewhere.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/markb/possync/internal/channels"
	"github.com/markb/possync/internal/realtime"
)

var (
	// ErrUnreachable means the auth or profile service could not be reached.
	ErrUnreachable = errors.New("auth service unreachable")

	// ErrInvalidCredentials means the provider rejected an email/password pair.
	ErrInvalidCredentials = errors.New("invalid email or password")

	// ErrProfileNotFound means no profile row exists for the session's user.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrInvalidToken means an access token carries no usable subject.
	ErrInvalidToken = errors.New("invalid access token")
)

// Session is an authenticated session. Only UserID and the token are
// interpreted here.
type Session struct {
	Token  *oauth2.Token
	UserID string
	Email  string
}

// NewSession wraps tok, reading the user id from the access token's "sub"
// claim. The signature is not verified; the backend does that.
func NewSession(tok *oauth2.Token) (*Session, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok.AccessToken, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}
	email, _ := claims["email"].(string)
	return &Session{Token: tok, UserID: sub, Email: email}, nil
}

// Valid reports whether the access token is present and unexpired.
func (s *Session) Valid() bool {
	return s != nil && s.Token.Valid()
}

// BearerToken returns the access token.
func (s *Session) BearerToken() string {
	if s == nil || s.Token == nil {
		return ""
	}
	return s.Token.AccessToken
}

// Identity is the signed-in user's profile.
type Identity struct {
	UserID   string         `json:"user_id"`
	TenantID string         `json:"tenant_id"`
	StoreID  *string        `json:"store_id"`
	Role     string         `json:"role"`
	Email    string         `json:"email"`
	FullName string         `json:"full_name"`
	Profile  map[string]any `json:"profile,omitempty"`
}

// IdentityFromProfile maps a profiles row onto an Identity.
func IdentityFromProfile(row map[string]any) (*Identity, error) {
	id, _ := row["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("profile row without id")
	}
	ident := &Identity{
		UserID:  id,
		Profile: row,
	}
	ident.TenantID, _ = row["tenant_id"].(string)
	ident.Role, _ = row["role"].(string)
	ident.Email, _ = row["email"].(string)
	ident.FullName, _ = row["full_name"].(string)
	if store, ok := row["store_id"].(string); ok && store != "" {
		ident.StoreID = &store
	}
	return ident, nil
}

// View is what consumers observe.
type View struct {
	IsLoading bool
	Identity  *Identity
	Session   *Session
}

// AuthEvent names a session transition reported by the provider.
type AuthEvent string

const (
	EventInitialSession AuthEvent = "INITIAL_SESSION"
	EventSignedIn       AuthEvent = "SIGNED_IN"
	EventSignedOut      AuthEvent = "SIGNED_OUT"
	EventTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
	EventUserUpdated    AuthEvent = "USER_UPDATED"
)

// Credentials are an email/password pair.
type Credentials struct {
	Email    string
	Password string
}

// SessionChangeFunc is called by an AuthProvider on every transition.
type SessionChangeFunc func(event AuthEvent, s *Session)

// AuthProvider is the authentication backend.
type AuthProvider interface {
	// CurrentSession returns the current session, or nil when signed out.
	CurrentSession(ctx context.Context) (*Session, error)
	// OnSessionChanged registers fn and returns a function that removes it.
	OnSessionChanged(fn SessionChangeFunc) (unsubscribe func())
	SignIn(ctx context.Context, creds Credentials) (*Session, error)
	SignOut(ctx context.Context) error
}

// ProfileLoader fetches the profile for a session's user.
type ProfileLoader interface {
	LoadProfile(ctx context.Context, s *Session) (*Identity, error)
}

// ChannelOpener opens and closes named change feeds. *channels.Controller
// implements it.
type ChannelOpener interface {
	Open(d realtime.Descriptor, onEvent channels.EventFunc) realtime.Handle
	Close(name string)
}

// Level is the severity of a Notification.
type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
)

// Notification is a user-facing message. It never carries raw error text.
type Notification struct {
	Level   Level
	Title   string
	Message string
}

// Notifier shows notifications to the user.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

var (
	notifyInvalidCredentials = Notification{
		Level:   LevelError,
		Title:   "Sign-in failed",
		Message: "Invalid email or password.",
	}
	notifyUnreachable = Notification{
		Level:   LevelError,
		Title:   "Connection problem",
		Message: "Unable to reach the sign-in service. Check your connection and try again.",
	}
	notifySignInFailed = Notification{
		Level:   LevelError,
		Title:   "Sign-in failed",
		Message: "Something went wrong while signing in. Please try again.",
	}
	notifyProfileUnavailable = Notification{
		Level:   LevelWarning,
		Title:   "Profile unavailable",
		Message: "You are signed in, but your profile could not be loaded. Contact an administrator if this persists.",
	}
)
