// Package backend talks to a Supabase-compatible backend over HTTP: the
// auth service (password sign-in, token refresh, logout) and the REST
// profiles endpoint. AuthClient implements session.AuthProvider and
// ProfileClient implements session.ProfileLoader.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/markb/possync/internal/log"
	"github.com/markb/possync/internal/session"
)

const (
	// DefaultRefreshMargin is how long before expiry a token is refreshed.
	DefaultRefreshMargin = time.Minute

	// DefaultRefreshInterval is how often AutoRefresh checks the token.
	DefaultRefreshInterval = 30 * time.Second

	defaultHTTPTimeout = 10 * time.Second
)

var (
	// ErrUnreachable is session.ErrUnreachable.
	ErrUnreachable = session.ErrUnreachable

	// ErrInvalidCredentials is session.ErrInvalidCredentials.
	ErrInvalidCredentials = session.ErrInvalidCredentials

	// ErrSessionRejected means the backend refused a refresh token.
	ErrSessionRejected = errors.New("session rejected by auth service")
)

// TokenStore persists the session token between runs.
type TokenStore interface {
	// Load returns the saved token, or nil when there is none.
	Load(ctx context.Context) (*oauth2.Token, error)
	Save(ctx context.Context, tok *oauth2.Token) error
	Clear(ctx context.Context) error
}

// MemoryStore is a TokenStore that forgets everything on exit.
type MemoryStore struct {
	mu  sync.Mutex
	tok *oauth2.Token
}

func (m *MemoryStore) Load(ctx context.Context) (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tok, nil
}

func (m *MemoryStore) Save(ctx context.Context, tok *oauth2.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tok = tok
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tok = nil
	return nil
}

// AuthConfig configures an AuthClient.
type AuthConfig struct {
	// URL is the backend base URL, e.g. https://project.example.co.
	URL    string
	APIKey string

	HTTPClient *http.Client
	Store      TokenStore

	// RefreshMargin is how long before expiry a token counts as stale.
	RefreshMargin time.Duration
	// RefreshInterval is the AutoRefresh polling period.
	RefreshInterval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// AuthClient is a session.AuthProvider backed by the auth service.
type AuthClient struct {
	cfg    AuthConfig
	http   *http.Client
	store  TokenStore
	clock  clock.Clock
	logger *slog.Logger

	// refreshes collapses concurrent refreshes of one refresh token; the
	// backend accepts each refresh token only once.
	refreshes singleflight.Group

	mu        sync.Mutex
	current   *session.Session
	loaded    bool
	listeners map[int]session.SessionChangeFunc
	nextID    int
}

// apiKeyTransport adds the apikey header to every request.
type apiKeyTransport struct {
	key  string
	base http.RoundTripper
}

func (t *apiKeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("apikey", t.key)
	return t.base.RoundTrip(req)
}

// newHTTPClient wraps base so that every request carries apiKey.
func newHTTPClient(base *http.Client, apiKey string) *http.Client {
	if base == nil {
		base = &http.Client{Timeout: defaultHTTPTimeout}
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	client := *base
	client.Transport = &apiKeyTransport{key: apiKey, base: rt}
	return &client
}

// NewAuthClient creates an AuthClient. The stored session is read lazily
// by the first CurrentSession call.
func NewAuthClient(cfg AuthConfig) *AuthClient {
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = DefaultRefreshMargin
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	cfg.URL = strings.TrimSuffix(cfg.URL, "/")
	store := cfg.Store
	if store == nil {
		store = &MemoryStore{}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	return &AuthClient{
		cfg:       cfg,
		http:      newHTTPClient(cfg.HTTPClient, cfg.APIKey),
		store:     store,
		clock:     clk,
		logger:    log.OrDefault(cfg.Logger).With("component", "auth"),
		listeners: make(map[int]session.SessionChangeFunc),
	}
}

// OnSessionChanged registers fn for every session transition.
func (c *AuthClient) OnSessionChanged(fn session.SessionChangeFunc) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// CurrentSession returns the current session, refreshing it first when
// the access token is about to expire. A refused refresh signs out and
// returns nil.
func (c *AuthClient) CurrentSession(ctx context.Context) (*session.Session, error) {
	c.mu.Lock()
	if !c.loaded {
		c.loadLocked(ctx)
	}
	cur := c.current
	c.mu.Unlock()

	if cur == nil || !c.stale(cur.Token) {
		return cur, nil
	}
	return c.refresh(ctx, cur)
}

func (c *AuthClient) loadLocked(ctx context.Context) {
	c.loaded = true
	tok, err := c.store.Load(ctx)
	if err != nil {
		c.logger.Warn("auth: cannot load saved session", "error", err.Error())
		return
	}
	if tok == nil {
		return
	}
	sess, err := session.NewSession(tok)
	if err != nil {
		c.logger.Warn("auth: discarding unusable saved session", "error", err.Error())
		_ = c.store.Clear(ctx)
		return
	}
	c.current = sess
	c.logger.Debug("auth: resumed saved session", "user_id", sess.UserID)
}

func (c *AuthClient) stale(tok *oauth2.Token) bool {
	if tok.Expiry.IsZero() {
		return false
	}
	return !c.clock.Now().Before(tok.Expiry.Add(-c.cfg.RefreshMargin))
}

func (c *AuthClient) refresh(ctx context.Context, cur *session.Session) (*session.Session, error) {
	if cur.Token.RefreshToken == "" {
		c.signedOut(ctx, cur)
		return nil, nil
	}
	v, err, _ := c.refreshes.Do(cur.Token.RefreshToken, func() (any, error) {
		return c.exchange(ctx, cur)
	})
	if err != nil {
		return nil, err
	}
	sess, _ := v.(*session.Session)
	return sess, nil
}

// exchange trades cur's refresh token for a new session. If cur was
// replaced meanwhile the replacement is returned untouched.
func (c *AuthClient) exchange(ctx context.Context, cur *session.Session) (*session.Session, error) {
	if latest, replaced := c.replaced(cur); replaced {
		return latest, nil
	}
	sess, err := c.grant(ctx, "refresh_token", map[string]string{"refresh_token": cur.Token.RefreshToken})
	if err != nil {
		if errors.Is(err, ErrSessionRejected) {
			if latest, replaced := c.replaced(cur); replaced {
				return latest, nil
			}
			c.logger.Info("auth: refresh rejected, signing out", "user_id", cur.UserID)
			c.signedOut(ctx, cur)
			return nil, nil
		}
		return nil, err
	}

	c.mu.Lock()
	if c.current != cur {
		// someone else signed in or out meanwhile
		latest := c.current
		c.mu.Unlock()
		return latest, nil
	}
	c.current = sess
	c.mu.Unlock()

	if err := c.store.Save(ctx, sess.Token); err != nil {
		c.logger.Warn("auth: cannot save session", "error", err.Error())
	}
	c.logger.Debug("auth: token refreshed", "user_id", sess.UserID)
	c.emit(session.EventTokenRefreshed, sess)
	return sess, nil
}

// replaced reports whether the current session is no longer cur.
func (c *AuthClient) replaced(cur *session.Session) (*session.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.current != cur
}

// signedOut drops cur if it is still current.
func (c *AuthClient) signedOut(ctx context.Context, cur *session.Session) {
	c.mu.Lock()
	if c.current != cur {
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.mu.Unlock()

	if err := c.store.Clear(ctx); err != nil {
		c.logger.Warn("auth: cannot clear saved session", "error", err.Error())
	}
	c.emit(session.EventSignedOut, nil)
}

// SignIn exchanges credentials for a session. Listeners see SIGNED_IN
// before SignIn returns.
func (c *AuthClient) SignIn(ctx context.Context, creds session.Credentials) (*session.Session, error) {
	sess, err := c.grant(ctx, "password", map[string]string{
		"email":    creds.Email,
		"password": creds.Password,
	})
	if err != nil {
		if errors.Is(err, ErrSessionRejected) {
			return nil, fmt.Errorf("sign in: %w", ErrInvalidCredentials)
		}
		return nil, fmt.Errorf("sign in: %w", err)
	}

	c.mu.Lock()
	c.current = sess
	c.loaded = true
	c.mu.Unlock()

	if err := c.store.Save(ctx, sess.Token); err != nil {
		c.logger.Warn("auth: cannot save session", "error", err.Error())
	}
	c.logger.Info("auth: signed in", "user_id", sess.UserID)
	c.emit(session.EventSignedIn, sess)
	return sess, nil
}

// SignOut revokes the session remotely and forgets it locally. The local
// session is cleared even when the remote call fails.
func (c *AuthClient) SignOut(ctx context.Context) error {
	c.mu.Lock()
	cur := c.current
	c.current = nil
	c.loaded = true
	c.mu.Unlock()

	var remoteErr error
	if cur != nil {
		remoteErr = c.logout(ctx, cur)
	}
	if err := c.store.Clear(ctx); err != nil {
		c.logger.Warn("auth: cannot clear saved session", "error", err.Error())
	}
	c.emit(session.EventSignedOut, nil)
	if remoteErr != nil {
		return fmt.Errorf("sign out: %w", remoteErr)
	}
	return nil
}

// AutoRefresh keeps the session fresh until ctx is done.
func (c *AuthClient) AutoRefresh(ctx context.Context) error {
	timer := c.clock.NewTimer(c.cfg.RefreshInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.Chan():
			if _, err := c.CurrentSession(ctx); err != nil {
				c.logger.Debug("auth: background refresh failed", "error", err.Error())
			}
			timer.Reset(c.cfg.RefreshInterval)
		}
	}
}

func (c *AuthClient) emit(event session.AuthEvent, sess *session.Session) {
	c.mu.Lock()
	fns := make([]session.SessionChangeFunc, 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(event, sess)
	}
}

// tokenResponse is the body of a successful grant.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
}

// errorResponse is the auth service's error body.
type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
	Msg         string `json:"msg"`
}

func (c *AuthClient) grant(ctx context.Context, grantType string, body map[string]string) (*session.Session, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := c.cfg.URL + "/auth/v1/token?grant_type=" + grantType
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}
	tok := &oauth2.Token{
		AccessToken:  tr.AccessToken,
		TokenType:    tr.TokenType,
		RefreshToken: tr.RefreshToken,
	}
	if tr.ExpiresIn > 0 {
		tok.Expiry = c.clock.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return session.NewSession(tok)
}

func (c *AuthClient) logout(ctx context.Context, cur *session.Session) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+"/auth/v1/logout", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cur.BearerToken())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		// the token already expired; nothing left to revoke
		return nil
	}
	return statusError(resp)
}

// statusError maps a failed response onto the package's errors.
func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var er errorResponse
	_ = json.Unmarshal(data, &er)
	detail := er.Description
	if detail == "" {
		detail = er.Msg
	}
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	case resp.StatusCode == http.StatusBadRequest && er.Error == "invalid_grant",
		resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrSessionRejected, detail)
	}
	return fmt.Errorf("backend: status %d: %s", resp.StatusCode, detail)
}
