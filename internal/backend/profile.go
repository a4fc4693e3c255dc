package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/go-querystring/query"
	"golang.org/x/oauth2"

	"github.com/markb/possync/internal/log"
	"github.com/markb/possync/internal/session"
)

// ProfileConfig configures a ProfileClient.
type ProfileConfig struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// ProfileClient loads profile rows from the REST endpoint.
type ProfileClient struct {
	url    string
	http   *http.Client
	logger *slog.Logger
}

// NewProfileClient creates a ProfileClient.
func NewProfileClient(cfg ProfileConfig) *ProfileClient {
	return &ProfileClient{
		url:    strings.TrimSuffix(cfg.URL, "/"),
		http:   newHTTPClient(cfg.HTTPClient, cfg.APIKey),
		logger: log.OrDefault(cfg.Logger).With("component", "profiles"),
	}
}

// profileQuery selects one profile row by id.
type profileQuery struct {
	Select string `url:"select"`
	ID     string `url:"id"`
}

// LoadProfile fetches the profile row of s's user.
func (p *ProfileClient) LoadProfile(ctx context.Context, s *session.Session) (*session.Identity, error) {
	if s == nil {
		return nil, fmt.Errorf("load profile: no session")
	}
	v, err := query.Values(profileQuery{Select: "*", ID: "eq." + s.UserID})
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url+"/rest/v1/profiles?"+v.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	// the caller's token authorizes the row read
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.http)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(s.Token))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("load profile: %w", statusError(resp))
	}

	var rows []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("load profile: invalid response: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("load profile for %s: %w", s.UserID, session.ErrProfileNotFound)
	}
	p.logger.Debug("profiles: loaded", "user_id", s.UserID)
	return session.IdentityFromProfile(rows[0])
}
