package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/markb/possync/internal/channels"
	"github.com/markb/possync/internal/log"
	"github.com/markb/possync/internal/observability"
	"github.com/markb/possync/internal/realtime"
)

// Config configures a Synchronizer. Auth and Profiles are required.
type Config struct {
	Auth     AuthProvider
	Profiles ProfileLoader
	Channels ChannelOpener
	Notifier Notifier

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer
}

// ProfileChannelName is the name of the per-user profile feed.
func ProfileChannelName(userID string) string {
	return "profile:" + userID
}

// syncOp is one run of syncSession. done is closed when it finishes.
type syncOp struct {
	token string
	done  chan struct{}
}

// Synchronizer owns the identity view.
type Synchronizer struct {
	auth     AuthProvider
	profiles ProfileLoader
	channels ChannelOpener
	notifier Notifier
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	view        View
	seq         uint64
	current     *syncOp
	unsubscribe func()
	watchers    map[int]func(View)
	nextWatcher int
	stopped     bool

	// publishMu orders watcher callbacks
	publishMu sync.Mutex

	// channelMu serializes opening and closing the profile feed
	channelMu   sync.Mutex
	channelName string
}

// NewSynchronizer creates a synchronizer. The view starts loading until
// Start has resolved the initial session.
func NewSynchronizer(cfg Config) *Synchronizer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Synchronizer{
		auth:     cfg.Auth,
		profiles: cfg.Profiles,
		channels: cfg.Channels,
		notifier: cfg.Notifier,
		clock:    cfg.Clock,
		logger:   log.OrDefault(cfg.Logger).With("component", "session"),
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		ctx:      ctx,
		cancel:   cancel,
		view:     View{IsLoading: true},
		watchers: make(map[int]func(View)),
	}
	if s.clock == nil {
		s.clock = clock.WallClock
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("github.com/markb/possync/internal/session")
	}
	return s
}

// Start subscribes to provider notifications and resolves the current
// session. An unreachable provider leaves the view empty and notifies once;
// it is not retried.
func (s *Synchronizer) Start(ctx context.Context) error {
	unsubscribe := s.auth.OnSessionChanged(s.handleAuthEvent)
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	sess, err := s.auth.CurrentSession(ctx)
	if err != nil {
		s.logger.Warn("session: cannot resolve current session", "error", err.Error())
		s.reset()
		if errors.Is(err, ErrUnreachable) {
			s.notify(notifyUnreachable)
		}
		return nil
	}
	if sess == nil {
		s.reset()
		return nil
	}
	s.syncSession(ctx, sess, true)
	return nil
}

// Stop detaches from the provider, waits for background syncs and closes
// the profile feed.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.cancel()
	s.wg.Wait()
	s.closeProfileChannel()
}

// Identity returns the current view.
func (s *Synchronizer) Identity() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Watch calls fn with the current view and again after every change.
func (s *Synchronizer) Watch(fn func(View)) (cancel func()) {
	s.publishMu.Lock()
	s.mu.Lock()
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = fn
	v := s.view
	s.mu.Unlock()
	fn(v)
	s.publishMu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

// SignIn authenticates and waits until the resulting session is synced.
// Failures are reported through the notifier and returned.
func (s *Synchronizer) SignIn(ctx context.Context, creds Credentials) error {
	sess, err := s.auth.SignIn(ctx, creds)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidCredentials):
			s.logger.Info("session: sign-in rejected", "email", creds.Email)
			s.notify(notifyInvalidCredentials)
		case errors.Is(err, ErrUnreachable):
			s.logger.Warn("session: sign-in failed", "error", err.Error())
			s.notify(notifyUnreachable)
		default:
			s.logger.Error("session: sign-in failed", "error", err.Error())
			s.notify(notifySignInFailed)
		}
		return err
	}

	// the provider's SIGNED_IN notification may already be syncing it
	if done := s.inflight(sess.BearerToken()); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	s.syncSession(ctx, sess, true)
	return nil
}

// SignOut ends the session. The local view is cleared even when the
// provider cannot be reached.
func (s *Synchronizer) SignOut(ctx context.Context) error {
	err := s.auth.SignOut(ctx)
	s.reset()
	if err != nil {
		s.logger.Warn("session: sign-out not confirmed by provider", "error", err.Error())
	}
	return err
}

// RefreshIdentity re-reads the session from the provider and reloads the
// profile.
func (s *Synchronizer) RefreshIdentity(ctx context.Context) error {
	sess, err := s.auth.CurrentSession(ctx)
	if err != nil {
		if errors.Is(err, ErrUnreachable) {
			s.notify(notifyUnreachable)
		}
		return err
	}
	if sess == nil {
		s.reset()
		return nil
	}
	s.syncSession(ctx, sess, true)
	return nil
}

func (s *Synchronizer) handleAuthEvent(event AuthEvent, sess *Session) {
	if event == EventSignedOut || sess == nil {
		s.logger.Debug("session: signed out", "event", string(event))
		s.reset()
		return
	}
	if event != EventUserUpdated && s.inflight(sess.BearerToken()) != nil {
		s.logger.Debug("session: duplicate notification ignored", "event", string(event))
		return
	}
	s.logger.Debug("session: changed", "event", string(event), "user_id", sess.UserID)
	s.goSync(sess, true)
}

// handleProfileChange refreshes the identity silently when the user's own
// profile row changes.
func (s *Synchronizer) handleProfileChange(ev realtime.ChangeEvent) {
	s.mu.Lock()
	sess := s.view.Session
	s.mu.Unlock()
	if sess == nil {
		return
	}
	s.logger.Debug("session: profile changed", "user_id", sess.UserID, "event", ev.EventType)
	s.goSync(sess, false)
}

// inflight returns the done channel of the latest sync if it was for token.
func (s *Synchronizer) inflight(token string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.token == token {
		return s.current.done
	}
	return nil
}

// goSync starts a sync whose profile load runs in the background. The sync
// is registered before goSync returns so duplicates can see it.
func (s *Synchronizer) goSync(sess *Session, showErrorToast bool) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	op, seq := s.beginSync(sess)
	go func() {
		defer s.wg.Done()
		s.finishSync(s.ctx, op, seq, sess, showErrorToast)
	}()
}

// syncSession loads the profile for sess and publishes the result unless a
// newer sync or a sign-out superseded it.
func (s *Synchronizer) syncSession(ctx context.Context, sess *Session, showErrorToast bool) {
	op, seq := s.beginSync(sess)
	s.finishSync(ctx, op, seq, sess, showErrorToast)
}

func (s *Synchronizer) beginSync(sess *Session) (*syncOp, uint64) {
	op := &syncOp{token: sess.BearerToken(), done: make(chan struct{})}

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.current = op
	keep := s.view.Identity
	if keep != nil && keep.UserID != sess.UserID {
		keep = nil
	}
	s.view = View{IsLoading: true, Identity: keep, Session: sess}
	s.mu.Unlock()
	s.publish()
	return op, seq
}

func (s *Synchronizer) finishSync(ctx context.Context, op *syncOp, seq uint64, sess *Session, showErrorToast bool) {
	defer close(op.done)

	identity, err := s.loadProfile(ctx, sess, seq)

	s.mu.Lock()
	if seq != s.seq {
		s.mu.Unlock()
		s.logger.Debug("session: discarded superseded profile load", "user_id", sess.UserID)
		return
	}
	if s.stopped {
		s.mu.Unlock()
		s.logger.Debug("session: discarded profile load after stop", "user_id", sess.UserID)
		return
	}
	if err != nil {
		s.view = View{IsLoading: false, Identity: nil, Session: sess}
	} else {
		s.view = View{IsLoading: false, Identity: identity, Session: sess}
	}
	s.mu.Unlock()
	s.publish()

	if err != nil {
		s.logger.Warn("session: profile load failed", "user_id", sess.UserID, "error", err.Error())
		// a cancelled caller is not a profile failure
		if showErrorToast && ctx.Err() == nil {
			s.notify(notifyProfileUnavailable)
		}
	}
	s.reconcileProfileChannel()
}

func (s *Synchronizer) loadProfile(ctx context.Context, sess *Session, seq uint64) (*Identity, error) {
	ctx, span := s.tracer.Start(ctx, "session.load_profile",
		trace.WithAttributes(
			observability.AttrUserID.String(sess.UserID),
			observability.AttrSyncSeq.Int64(int64(seq)),
		))
	defer span.End()

	start := s.clock.Now()
	identity, err := s.profiles.LoadProfile(ctx, sess)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, "profile load failed")
	} else if identity == nil {
		outcome = "error"
		err = ErrProfileNotFound
	} else {
		span.SetAttributes(observability.AttrTenantID.String(identity.TenantID))
	}
	s.metrics.RecordSync(ctx, outcome, s.clock.Now().Sub(start))
	return identity, err
}

// reset returns the view to signed out and invalidates in-flight syncs.
func (s *Synchronizer) reset() {
	s.mu.Lock()
	s.seq++
	s.current = nil
	s.view = View{}
	s.mu.Unlock()
	s.publish()
	s.reconcileProfileChannel()
}

// reconcileProfileChannel keeps exactly one profile feed open while an
// identity is present, and none otherwise.
func (s *Synchronizer) reconcileProfileChannel() {
	if s.channels == nil {
		return
	}
	s.channelMu.Lock()
	defer s.channelMu.Unlock()

	s.mu.Lock()
	want := ""
	if s.view.Identity != nil && !s.stopped {
		want = ProfileChannelName(s.view.Identity.UserID)
	}
	userID := ""
	if s.view.Identity != nil {
		userID = s.view.Identity.UserID
	}
	s.mu.Unlock()

	if want == s.channelName {
		return
	}
	if s.channelName != "" {
		s.channels.Close(s.channelName)
		s.logger.Debug("session: closed profile feed", "channel", s.channelName)
		s.channelName = ""
	}
	if want == "" {
		return
	}
	s.channels.Open(realtime.Descriptor{
		Name:   want,
		Schema: "public",
		Table:  "profiles",
		Filter: "id=eq." + userID,
		Event:  realtime.EventAll,
	}, channels.EventFunc(s.handleProfileChange))
	s.channelName = want
	s.logger.Debug("session: opened profile feed", "channel", want)
}

func (s *Synchronizer) closeProfileChannel() {
	if s.channels == nil {
		return
	}
	s.channelMu.Lock()
	defer s.channelMu.Unlock()
	if s.channelName != "" {
		s.channels.Close(s.channelName)
		s.channelName = ""
	}
}

func (s *Synchronizer) publish() {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	v := s.view
	fns := make([]func(View), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (s *Synchronizer) notify(n Notification) {
	if s.notifier != nil {
		s.notifier.Notify(n)
	}
}
