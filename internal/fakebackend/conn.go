package fakebackend

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/markb/possync/internal/log"
	"github.com/markb/possync/internal/realtime"
)

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
	maxMessageSize = 512 * 1024
)

// Conn is one client websocket.
type Conn struct {
	id        string
	ws        *websocket.Conn
	hub       *Hub
	mu        sync.Mutex
	channels  map[string]*ChannelSub // topic -> subscription
	claims    jwt.MapClaims          // from the latest access token
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn registers ws with the hub.
func (h *Hub) NewConn(ws *websocket.Conn) *Conn {
	conn := &Conn{
		id:       uuid.New().String(),
		ws:       ws,
		hub:      h,
		channels: make(map[string]*ChannelSub),
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}
	h.registerConn(conn)
	return conn
}

// ID returns the connection ID.
func (c *Conn) ID() string {
	return c.id
}

// Send queues a frame. Frames are dropped when the buffer is full.
func (c *Conn) Send(msg *realtime.Message) {
	data, err := msg.Encode()
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		log.Warn("fakebackend: send buffer full, dropping frame", "conn_id", c.id)
	}
}

// Close closes the connection.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
		c.hub.unregisterConn(c)
	})
}

// owns reports whether the connection's user is the row's id.
func (c *Conn) owns(row map[string]any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claims == nil {
		return false
	}
	sub, _ := c.claims["sub"].(string)
	id, _ := row["id"].(string)
	return sub != "" && sub == id
}

// ReadPump reads frames until the connection fails.
func (c *Conn) ReadPump() {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug("fakebackend: read error", "conn_id", c.id, "error", err.Error())
			}
			return
		}

		msg, err := realtime.DecodeMessage(data)
		if err != nil {
			log.Debug("fakebackend: invalid frame", "conn_id", c.id, "error", err.Error(), "len", len(data))
			continue
		}
		c.handleMessage(msg)
	}
}

// WritePump writes queued frames until the connection closes.
func (c *Conn) WritePump() {
	defer c.Close()
	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) handleMessage(msg *realtime.Message) {
	switch msg.Event {
	case realtime.EventHeartbeat:
		c.Send(realtime.NewReply(realtime.TopicPhoenix, "", msg.Ref, "ok", map[string]any{}))
	case realtime.EventJoin:
		c.handleJoin(msg)
	case realtime.EventLeave:
		c.handleLeave(msg)
	case realtime.EventAccessToken:
		c.handleAccessToken(msg)
	default:
		log.Debug("fakebackend: unknown event", "conn_id", c.id, "event", msg.Event, "topic", msg.Topic)
	}
}

func (c *Conn) handleJoin(msg *realtime.Message) {
	switch c.hub.currentJoinMode() {
	case JoinIgnore:
		return
	case JoinReject:
		c.sendError(msg.Topic, msg.JoinRef, msg.Ref, "join_failed", "join rejected")
		return
	}

	config, token, err := realtime.ParseJoinPayload(msg.Payload)
	if err != nil {
		c.sendError(msg.Topic, msg.JoinRef, msg.Ref, "invalid_payload", err.Error())
		return
	}

	if token != "" {
		claims, err := c.hub.validate(token)
		if err != nil {
			c.sendError(msg.Topic, msg.JoinRef, msg.Ref, "invalid_token", "invalid access token")
			return
		}
		c.mu.Lock()
		c.claims = claims
		c.mu.Unlock()
	}

	for i := range config.PostgresChanges {
		config.PostgresChanges[i].ID = i + 1
	}
	sub := &ChannelSub{
		conn:      c,
		joinRef:   msg.JoinRef,
		pgChanges: config.PostgresChanges,
	}
	c.hub.join(msg.Topic, sub)

	c.mu.Lock()
	c.channels[msg.Topic] = sub
	c.mu.Unlock()

	c.Send(realtime.NewReply(msg.Topic, msg.JoinRef, msg.Ref, "ok", map[string]any{
		"postgres_changes": config.PostgresChanges,
	}))
	for _, pg := range config.PostgresChanges {
		sys := realtime.NewSystemMessage(msg.Topic, msg.JoinRef, "ok", "Subscribed to PostgreSQL", "postgres_changes")
		sys.Payload["subscription_id"] = pg.ID
		c.Send(sys)
	}
}

func (c *Conn) handleLeave(msg *realtime.Message) {
	c.mu.Lock()
	_, ok := c.channels[msg.Topic]
	delete(c.channels, msg.Topic)
	c.mu.Unlock()

	if !ok {
		c.sendError(msg.Topic, "", msg.Ref, "not_joined", "not subscribed to channel")
		return
	}
	c.hub.leave(msg.Topic, c.id)
	c.Send(realtime.NewReply(msg.Topic, msg.JoinRef, msg.Ref, "ok", map[string]any{}))
}

func (c *Conn) handleAccessToken(msg *realtime.Message) {
	token, _ := msg.Payload["access_token"].(string)
	if token == "" {
		return
	}
	claims, err := c.hub.validate(token)
	if err != nil {
		log.Debug("fakebackend: invalid access_token refresh", "conn_id", c.id, "error", err.Error())
		return
	}
	c.mu.Lock()
	c.claims = claims
	c.mu.Unlock()
}

func (c *Conn) sendError(topic, joinRef, ref, code, message string) {
	c.Send(realtime.NewReply(topic, joinRef, ref, "error", map[string]any{
		"code":    code,
		"message": message,
	}))
}
