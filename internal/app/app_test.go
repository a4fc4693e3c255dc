package app

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/possync/internal/fakebackend"
	"github.com/markb/possync/internal/session"
)

const waitFor = 5 * time.Second

type notifications struct {
	mu   sync.Mutex
	list []session.Notification
}

func (n *notifications) Notify(note session.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.list = append(n.list, note)
}

func (n *notifications) get() []session.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]session.Notification(nil), n.list...)
}

type backendFixture struct {
	srv  *fakebackend.Server
	ts   *httptest.Server
	user *fakebackend.User
}

func newBackend(t *testing.T) *backendFixture {
	t.Helper()
	srv := fakebackend.New(fakebackend.DefaultConfig())
	user, err := srv.AddUser("cashier@example.com", "password123", fakebackend.Profile{
		"tenant_id": "tenant-1",
		"store_id":  "store-1",
		"role":      "cashier",
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return &backendFixture{srv: srv, ts: ts, user: user}
}

func (b *backendFixture) config(t *testing.T, dbPath string, notifier session.Notifier) *Config {
	cfg := DefaultConfig()
	cfg.URL = b.ts.URL
	cfg.AnonKey = b.srv.AnonKey()
	cfg.SessionDB = dbPath
	cfg.Timeout = 2 * time.Second
	cfg.Notifier = notifier
	return cfg
}

func startApp(t *testing.T, cfg *Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	require.NoError(t, a.Start(context.Background()))
	return a
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate(), "anon key is required")

	cfg.AnonKey = "anon"
	assert.NoError(t, cfg.Validate())

	cfg.URL = "ftp://example.com"
	assert.Error(t, cfg.Validate())

	cfg.URL = "https://example.com"
	cfg.SetExporter("zipkin")
	assert.Error(t, cfg.Validate())
}

func TestConfigLoadEnv(t *testing.T) {
	t.Setenv("POSSYNC_URL", "https://pos.example.com")
	t.Setenv("POSSYNC_ANON_KEY", "env-key")
	t.Setenv("POSSYNC_SESSION_DB", "/tmp/possync.db")
	t.Setenv("POSSYNC_LOG_LEVEL", "debug")
	t.Setenv("POSSYNC_OTEL_EXPORTER", "stdout")
	t.Setenv("POSSYNC_HEARTBEAT_INTERVAL", "5s")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadEnv())
	assert.Equal(t, "https://pos.example.com", cfg.URL)
	assert.Equal(t, "env-key", cfg.AnonKey)
	assert.Equal(t, "/tmp/possync.db", cfg.SessionDB)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "stdout", cfg.Telemetry.Exporter)
	assert.True(t, cfg.Telemetry.TracesEnabled)
	assert.True(t, cfg.Telemetry.MetricsEnabled)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)

	t.Setenv("POSSYNC_HEARTBEAT_INTERVAL", "soon")
	assert.Error(t, DefaultConfig().LoadEnv())
}

func TestSignInFollowsProfileAndSignOutTearsDown(t *testing.T) {
	b := newBackend(t)
	var notes notifications
	a := startApp(t, b.config(t, t.TempDir()+"/session.db", &notes))

	v := a.Session().Identity()
	assert.False(t, v.IsLoading)
	assert.Nil(t, v.Identity)

	require.NoError(t, a.Session().SignIn(context.Background(), session.Credentials{
		Email: "cashier@example.com", Password: "password123",
	}))
	v = a.Session().Identity()
	require.NotNil(t, v.Identity)
	assert.Equal(t, "cashier", v.Identity.Role)

	channel := session.ProfileChannelName(b.user.ID)
	assert.Equal(t, []string{channel}, a.Channels().ListActiveChannels())
	require.Eventually(t, func() bool {
		return a.Channels().DebugInfo().ByState["subscribed"] == 1
	}, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return b.srv.Hub().Subscribers("realtime:"+channel) == 1
	}, waitFor, 10*time.Millisecond)

	_, err := b.srv.UpdateProfile(b.user.ID, fakebackend.Profile{"role": "manager"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		id := a.Session().Identity().Identity
		return id != nil && id.Role == "manager"
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, a.Session().SignOut(context.Background()))
	v = a.Session().Identity()
	assert.Nil(t, v.Identity)
	assert.Nil(t, v.Session)
	assert.Empty(t, a.Channels().ListActiveChannels())
	require.Eventually(t, func() bool {
		return b.srv.Hub().Subscribers("realtime:"+channel) == 0
	}, waitFor, 10*time.Millisecond)

	assert.Empty(t, notes.get())
}

func TestPersistedSessionResumes(t *testing.T) {
	b := newBackend(t)
	dbPath := t.TempDir() + "/session.db"

	first, err := New(context.Background(), b.config(t, dbPath, nil))
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	require.NoError(t, first.Session().SignIn(context.Background(), session.Credentials{
		Email: "cashier@example.com", Password: "password123",
	}))
	require.NoError(t, first.Close())

	second := startApp(t, b.config(t, dbPath, nil))
	v := second.Session().Identity()
	require.NotNil(t, v.Identity)
	assert.Equal(t, b.user.ID, v.Identity.UserID)
	assert.Equal(t, []string{session.ProfileChannelName(b.user.ID)}, second.Channels().ListActiveChannels())
}

func TestInvalidCredentialsNotify(t *testing.T) {
	b := newBackend(t)
	var notes notifications
	a := startApp(t, b.config(t, "", &notes))

	err := a.Session().SignIn(context.Background(), session.Credentials{
		Email: "cashier@example.com", Password: "wrong",
	})
	assert.ErrorIs(t, err, session.ErrInvalidCredentials)
	require.Len(t, notes.get(), 1)
	assert.Equal(t, "Invalid email or password.", notes.get()[0].Message)
	assert.Nil(t, a.Session().Identity().Identity)
}

func TestRunStopsWithContext(t *testing.T) {
	b := newBackend(t)
	a := startApp(t, b.config(t, "", nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
}
