package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"

	"github.com/markb/possync/internal/log"
)

const (
	// Send buffer size for outbound frames
	sendBufferSize = 256

	// Maximum inbound frame size
	maxMessageSize = 512 * 1024

	DefaultHeartbeatInterval = 25 * time.Second
	DefaultTimeout           = 10 * time.Second
)

// SocketConfig configures the connection to the change-notification service.
type SocketConfig struct {
	// URL is the websocket endpoint, e.g. wss://host/realtime/v1/websocket.
	URL    string
	APIKey string

	// HeartbeatInterval is the period between heartbeats. A heartbeat that
	// is still unacknowledged when the next one is due drops the connection.
	HeartbeatInterval time.Duration

	// Timeout bounds dialing, writes, and the wait for a join reply.
	Timeout time.Duration

	Clock  clock.Clock
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// WebsocketURL derives the realtime endpoint from a backend base URL.
func WebsocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid backend url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid backend url %q: unsupported scheme", base)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime/v1/websocket"
	return u.String(), nil
}

// conn is one live websocket connection.
type conn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// Socket is the single shared connection every channel multiplexes over.
// It dials lazily when the first channel is created and redials with a
// RetryPlan after an unexpected disconnect.
type Socket struct {
	cfg    SocketConfig
	clock  clock.Clock
	dialer *websocket.Dialer
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu               sync.Mutex
	conn             *conn
	dialing          bool
	reconnect        clock.Timer
	plan             RetryPlan
	channels         map[string]*channel // topic -> channel
	ref              uint64
	pendingHeartbeat string
	accessToken      string
	closed           bool
}

// NewSocket creates an unconnected socket.
func NewSocket(cfg SocketConfig) *Socket {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: cfg.Timeout}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Socket{
		cfg:      cfg,
		clock:    clk,
		dialer:   dialer,
		logger:   log.OrDefault(cfg.Logger).With("component", "realtime"),
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]*channel),
	}
}

// Channel creates and joins a channel for d. A channel already registered
// under the same topic is discarded without notification.
func (s *Socket) Channel(d Descriptor, onChange ChangeFunc, onStatus StatusFunc) (Handle, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	d = d.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSocketClosed
	}

	if old, ok := s.channels[d.Topic()]; ok {
		old.finishLocked(StateClosed)
		delete(s.channels, old.topic)
		s.logger.Debug("realtime: replaced channel on topic", "topic", old.topic)
	}

	ch := &channel{
		socket:   s,
		desc:     d,
		topic:    d.Topic(),
		joinRef:  s.nextRefLocked(),
		onChange: onChange,
		onStatus: onStatus,
		state:    StateJoining,
	}
	ch.timer = s.clock.AfterFunc(s.cfg.Timeout, func() { s.joinTimedOut(ch) })
	s.channels[ch.topic] = ch

	if s.conn != nil {
		s.sendJoinLocked(ch)
	} else {
		s.connectLocked()
	}
	return ch, nil
}

// SetAccessToken sets the token sent with joins and pushes it to every
// joined channel.
func (s *Socket) SetAccessToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accessToken == token {
		return
	}
	s.accessToken = token
	if token == "" {
		return
	}
	for _, ch := range s.channels {
		if ch.state == StateJoined {
			_ = s.sendLocked(NewAccessTokenMessage(ch.topic, ch.joinRef, s.nextRefLocked(), token))
		}
	}
}

// Connected reports whether a websocket is currently open.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Close tears down the connection and every channel without notifying
// channel callbacks. The socket cannot be reused.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	for topic, ch := range s.channels {
		ch.finishLocked(StateClosed)
		delete(s.channels, topic)
	}
	c := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.cancel()
	if c != nil {
		c.close()
	}
	s.wg.Wait()
	return nil
}

func (s *Socket) endpoint() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	q := u.Query()
	if s.cfg.APIKey != "" {
		q.Set("apikey", s.cfg.APIKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Socket) nextRefLocked() string {
	s.ref++
	return strconv.FormatUint(s.ref, 10)
}

// connectLocked starts a dial unless one is running, scheduled, or unneeded.
func (s *Socket) connectLocked() {
	if s.closed || s.conn != nil || s.dialing || s.reconnect != nil {
		return
	}
	s.dialing = true
	s.wg.Add(1)
	go s.dial()
}

func (s *Socket) scheduleReconnectLocked() {
	if s.closed || s.reconnect != nil || len(s.channels) == 0 {
		return
	}
	s.plan = s.plan.Next()
	delay := s.plan.Delay()
	s.logger.Debug("realtime: reconnect scheduled", "attempt", s.plan.Attempt, "delay", delay)
	s.reconnect = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.reconnect = nil
		if len(s.channels) > 0 {
			s.connectLocked()
		}
	})
}

func (s *Socket) dial() {
	defer s.wg.Done()

	endpoint, err := s.endpoint()
	var ws *websocket.Conn
	if err == nil {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout)
		ws, _, err = s.dialer.DialContext(ctx, endpoint, nil)
		cancel()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialing = false

	if err != nil {
		s.logger.Debug("realtime: dial failed", "error", err.Error())
		s.scheduleReconnectLocked()
		return
	}
	if s.closed {
		ws.Close()
		return
	}

	ws.SetReadLimit(maxMessageSize)
	c := &conn{
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	s.conn = c
	s.plan = RetryPlan{}
	s.pendingHeartbeat = ""
	s.logger.Debug("realtime: connected", "channels", len(s.channels))

	s.wg.Add(3)
	go s.readLoop(c)
	go s.writeLoop(c)
	go s.heartbeatLoop(c)

	for _, ch := range s.channels {
		if ch.state == StateJoining {
			s.sendJoinLocked(ch)
		}
	}
}

func (s *Socket) sendJoinLocked(ch *channel) {
	msg := NewJoinMessage(ch.topic, ch.joinRef, ch.desc.JoinConfig(), s.accessToken)
	if err := s.sendLocked(msg); err != nil {
		s.logger.Debug("realtime: join not sent", "topic", ch.topic, "error", err.Error())
	}
}

// sendLocked queues a frame on the current connection.
func (s *Socket) sendLocked(msg *Message) error {
	c := s.conn
	if c == nil {
		return ErrNotConnected
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrNotConnected
	default:
		s.logger.Warn("realtime: send buffer full, dropping frame", "topic", msg.Topic, "event", msg.Event)
		return nil
	}
}

func (s *Socket) readLoop(c *conn) {
	defer s.wg.Done()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			s.disconnected(c, err)
			return
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			s.logger.Debug("realtime: invalid frame", "error", err.Error(), "len", len(data))
			continue
		}
		s.dispatch(msg)
	}
}

func (s *Socket) writeLoop(c *conn) {
	defer s.wg.Done()
	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(s.cfg.Timeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("realtime: write failed", "error", err.Error())
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *Socket) heartbeatLoop(c *conn) {
	defer s.wg.Done()
	timer := s.clock.NewTimer(s.cfg.HeartbeatInterval)
	defer timer.Stop()
	for {
		select {
		case <-timer.Chan():
			s.mu.Lock()
			if s.conn != c {
				s.mu.Unlock()
				return
			}
			if s.pendingHeartbeat != "" {
				s.mu.Unlock()
				s.logger.Warn("realtime: heartbeat timeout, dropping connection")
				c.close()
				return
			}
			s.pendingHeartbeat = s.nextRefLocked()
			_ = s.sendLocked(NewHeartbeatMessage(s.pendingHeartbeat))
			s.mu.Unlock()
			timer.Reset(s.cfg.HeartbeatInterval)
		case <-c.done:
			return
		}
	}
}

// disconnected errors every channel and schedules a redial.
func (s *Socket) disconnected(c *conn, cause error) {
	c.close()

	s.mu.Lock()
	if s.conn != c {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.pendingHeartbeat = ""
	var lost []*channel
	for topic, ch := range s.channels {
		ch.finishLocked(StateErrored)
		delete(s.channels, topic)
		lost = append(lost, ch)
	}
	closed := s.closed
	if !closed && len(lost) > 0 && s.reconnect == nil {
		// the owners rejoin their channels; have a connection ready for them
		s.plan = s.plan.Next()
		s.reconnect = s.clock.AfterFunc(s.plan.Delay(), func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.reconnect = nil
			s.connectLocked()
		})
	}
	s.mu.Unlock()

	if closed {
		return
	}
	s.logger.Info("realtime: connection lost", "channels", len(lost), "error", cause.Error())
	err := fmt.Errorf("%w: %v", ErrNotConnected, cause)
	for _, ch := range lost {
		ch.notify(StatusChannelError, err)
	}
}

func (s *Socket) dispatch(msg *Message) {
	if msg.Topic == TopicPhoenix {
		if msg.Event == EventReply {
			s.mu.Lock()
			if msg.Ref == s.pendingHeartbeat {
				s.pendingHeartbeat = ""
			}
			s.mu.Unlock()
		}
		return
	}

	s.mu.Lock()
	ch, ok := s.channels[msg.Topic]
	if !ok || (msg.JoinRef != "" && msg.JoinRef != ch.joinRef) {
		s.mu.Unlock()
		return
	}

	var (
		status Status
		err    error
		notify bool
	)
	switch msg.Event {
	case EventReply:
		if msg.Ref != ch.joinRef || ch.state != StateJoining {
			break
		}
		if msg.ReplyStatus() == "ok" {
			ch.state = StateJoined
			ch.stopTimerLocked()
			status, notify = StatusSubscribed, true
			break
		}
		status, err, notify = StatusChannelError, replyError(msg), true
		ch.finishLocked(StateErrored)
		delete(s.channels, ch.topic)
	case EventError:
		status, err, notify = StatusChannelError, fmt.Errorf("realtime: channel %s errored", ch.topic), true
		ch.finishLocked(StateErrored)
		delete(s.channels, ch.topic)
	case EventClose:
		status, notify = StatusClosed, true
		ch.finishLocked(StateClosed)
		delete(s.channels, ch.topic)
	case EventSystem:
		if st, _ := msg.Payload["status"].(string); st == "error" {
			text, _ := msg.Payload["message"].(string)
			status, err, notify = StatusChannelError, fmt.Errorf("realtime: %s", text), true
			ch.finishLocked(StateErrored)
			delete(s.channels, ch.topic)
		}
	case EventPostgres:
		if ch.state != StateJoined {
			break
		}
		ev, decodeErr := msg.ChangeEvent()
		if decodeErr != nil {
			s.logger.Debug("realtime: bad change frame", "topic", ch.topic, "error", decodeErr.Error())
			break
		}
		s.mu.Unlock()
		if ch.desc.Accepts(ev) && ch.onChange != nil {
			ch.onChange(ev)
		}
		return
	}
	s.mu.Unlock()

	if notify {
		ch.notify(status, err)
	}
}

func replyError(msg *Message) error {
	if resp, ok := msg.Payload["response"].(map[string]any); ok {
		if text, ok := resp["message"].(string); ok && text != "" {
			return fmt.Errorf("realtime: join rejected: %s", text)
		}
		if code, ok := resp["code"].(string); ok && code != "" {
			return fmt.Errorf("realtime: join rejected: %s", code)
		}
	}
	return fmt.Errorf("realtime: join rejected")
}

func (s *Socket) joinTimedOut(ch *channel) {
	s.mu.Lock()
	if ch.state != StateJoining || s.channels[ch.topic] != ch {
		s.mu.Unlock()
		return
	}
	ch.timer = nil
	ch.finishLocked(StateErrored)
	delete(s.channels, ch.topic)
	if s.conn != nil {
		_ = s.sendLocked(NewLeaveMessage(ch.topic, ch.joinRef, s.nextRefLocked()))
	}
	s.mu.Unlock()

	s.logger.Debug("realtime: join timed out", "topic", ch.topic)
	ch.notify(StatusTimedOut, nil)
}
