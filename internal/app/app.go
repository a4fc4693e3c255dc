// Package app assembles the realtime socket, the channel controller, the
// health monitor and the session synchronizer from a Config, and runs them
// until shut down.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/markb/possync/internal/backend"
	"github.com/markb/possync/internal/channels"
	"github.com/markb/possync/internal/log"
	"github.com/markb/possync/internal/observability"
	"github.com/markb/possync/internal/realtime"
	"github.com/markb/possync/internal/session"
	"github.com/markb/possync/internal/store"
)

// App is a running possync client.
type App struct {
	cfg    *Config
	logger *slog.Logger

	telemetry        *observability.Telemetry
	cleanupTelemetry func()
	db               *store.DB

	socket     *realtime.Socket
	controller *channels.Controller
	monitor    *channels.Monitor
	auth       *backend.AuthClient
	profiles   *backend.ProfileClient
	sync       *session.Synchronizer

	mu        sync.Mutex
	stopWatch func()
	signedIn  bool
	closed    bool
}

// New builds every component. Nothing touches the network until Start.
func New(ctx context.Context, cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{
		cfg:    cfg,
		logger: log.With("component", "app"),
	}

	tel, cleanup, err := observability.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.telemetry = tel
	a.cleanupTelemetry = cleanup
	metrics := tel.Metrics()

	var tokens backend.TokenStore = &backend.MemoryStore{}
	if cfg.SessionDB != "" {
		db, err := store.New(cfg.SessionDB)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to open session store: %w", err)
		}
		a.db = db
		tokens = db.Sessions(cfg.SessionSlot)
	}

	wsURL, err := realtime.WebsocketURL(cfg.URL)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.socket = realtime.NewSocket(realtime.SocketConfig{
		URL:               wsURL,
		APIKey:            cfg.AnonKey,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Timeout:           cfg.Timeout,
		Clock:             cfg.Clock,
	})
	a.controller = channels.NewController(channels.Config{
		Transport:         a.socket,
		ErrorRetryDelay:   cfg.ErrorRetryDelay,
		TimeoutRetryDelay: cfg.TimeoutRetryDelay,
		Clock:             cfg.Clock,
		Metrics:           metrics,
	})
	a.monitor = channels.NewMonitor(a.controller.Registry(), channels.MonitorConfig{
		Interval: cfg.SweepInterval,
		Clock:    cfg.Clock,
		Metrics:  metrics,
		OnReport: cfg.OnHealth,
	})
	a.auth = backend.NewAuthClient(backend.AuthConfig{
		URL:    cfg.URL,
		APIKey: cfg.AnonKey,
		Store:  tokens,
		Clock:  cfg.Clock,
	})
	a.profiles = backend.NewProfileClient(backend.ProfileConfig{
		URL:    cfg.URL,
		APIKey: cfg.AnonKey,
	})

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = session.NotifierFunc(a.logNotification)
	}
	a.sync = session.NewSynchronizer(session.Config{
		Auth:     a.auth,
		Profiles: a.profiles,
		Channels: a.controller,
		Notifier: notifier,
		Clock:    cfg.Clock,
		Metrics:  metrics,
		Tracer:   tel.Tracer(),
	})
	return a, nil
}

// Session returns the synchronizer.
func (a *App) Session() *session.Synchronizer { return a.sync }

// Channels returns the channel controller.
func (a *App) Channels() *channels.Controller { return a.controller }

// Monitor returns the health monitor.
func (a *App) Monitor() *channels.Monitor { return a.monitor }

// Auth returns the auth client.
func (a *App) Auth() *backend.AuthClient { return a.auth }

// Start resolves the persisted session and begins following identity
// changes.
func (a *App) Start(ctx context.Context) error {
	stop := a.sync.Watch(a.onView)
	a.mu.Lock()
	a.stopWatch = stop
	a.mu.Unlock()
	return a.sync.Start(ctx)
}

// Run keeps the health monitor and token refresh going until ctx is done.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.monitor.Run(ctx) })
	g.Go(func() error { return a.auth.AutoRefresh(ctx) })
	return g.Wait()
}

// onView keeps the socket's token in step with the session and tears every
// channel down on sign-out.
func (a *App) onView(v session.View) {
	if v.Session != nil {
		a.socket.SetAccessToken(v.Session.BearerToken())
	}
	if v.IsLoading {
		return
	}

	a.mu.Lock()
	wasSignedIn := a.signedIn
	a.signedIn = v.Session != nil
	a.mu.Unlock()

	if wasSignedIn && v.Session == nil {
		a.logger.Info("app: signed out, closing channels")
		a.controller.CloseAll()
	}
}

func (a *App) logNotification(n session.Notification) {
	level := slog.LevelError
	if n.Level == session.LevelWarning {
		level = slog.LevelWarn
	}
	a.logger.Log(context.Background(), level, n.Title, "message", n.Message)
}

// Close stops every component and releases the session store.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	stop := a.stopWatch
	a.mu.Unlock()

	if stop != nil {
		stop()
	}
	if a.sync != nil {
		a.sync.Stop()
	}
	if a.controller != nil {
		a.controller.CloseAll()
	}
	var err error
	if a.socket != nil {
		err = a.socket.Close()
	}
	if a.db != nil {
		if cerr := a.db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if a.cleanupTelemetry != nil {
		a.cleanupTelemetry()
	}
	return err
}
