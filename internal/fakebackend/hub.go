package fakebackend

import (
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/markb/possync/internal/log"
	"github.com/markb/possync/internal/realtime"
)

// TokenValidator verifies an access token and returns its claims.
type TokenValidator func(token string) (jwt.MapClaims, error)

// JoinMode controls how the hub answers phx_join.
type JoinMode int

const (
	// JoinAccept replies ok and confirms each postgres_changes binding.
	JoinAccept JoinMode = iota
	// JoinReject replies with an error.
	JoinReject
	// JoinIgnore never replies, leaving the client to time out.
	JoinIgnore
)

// Hub manages all websocket connections and channels.
type Hub struct {
	validate TokenValidator

	mu          sync.RWMutex
	connections map[string]*Conn    // connID -> Conn
	channels    map[string]*Channel // topic -> Channel
	joinMode    JoinMode
	joins       int
}

// HubStats contains realtime statistics.
type HubStats struct {
	Connections    int            `json:"connections"`
	Channels       int            `json:"channels"`
	Joins          int            `json:"joins"`
	ChannelDetails []ChannelStats `json:"channel_details"`
}

// ChannelStats contains per-channel statistics.
type ChannelStats struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
}

// NewHub creates a hub that checks join tokens with validate.
func NewHub(validate TokenValidator) *Hub {
	return &Hub{
		validate:    validate,
		connections: make(map[string]*Conn),
		channels:    make(map[string]*Channel),
	}
}

// SetJoinMode changes how subsequent joins are answered.
func (h *Hub) SetJoinMode(mode JoinMode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joinMode = mode
}

func (h *Hub) currentJoinMode() JoinMode {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.joinMode
}

// Stats returns current realtime statistics.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := HubStats{
		Connections:    len(h.connections),
		Channels:       len(h.channels),
		Joins:          h.joins,
		ChannelDetails: make([]ChannelStats, 0, len(h.channels)),
	}
	for _, ch := range h.channels {
		stats.ChannelDetails = append(stats.ChannelDetails, ChannelStats{
			Topic:       ch.topic,
			Subscribers: ch.count(),
		})
	}
	sort.Slice(stats.ChannelDetails, func(i, j int) bool {
		return stats.ChannelDetails[i].Topic < stats.ChannelDetails[j].Topic
	})
	return stats
}

// Subscribers returns the number of connections joined to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if ch, ok := h.channels[topic]; ok {
		return ch.count()
	}
	return 0
}

// DropConnections closes every connection abruptly.
func (h *Hub) DropConnections() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}

// BroadcastChange delivers a row change to every subscription whose
// binding matches it and returns the number of frames sent. Rows of the
// profiles table are only delivered to their owner.
func (h *Hub) BroadcastChange(schema, table, eventType string, oldRow, newRow map[string]any) int {
	ev := realtime.ChangeEvent{
		Schema:          schema,
		Table:           table,
		CommitTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType:       eventType,
		New:             newRow,
		Old:             oldRow,
	}
	row := ev.Row()

	h.mu.RLock()
	channels := make([]*Channel, 0, len(h.channels))
	for _, ch := range h.channels {
		channels = append(channels, ch)
	}
	h.mu.RUnlock()

	sent := 0
	for _, ch := range channels {
		for _, sub := range ch.getSubscribers() {
			if table == profilesTable && !sub.conn.owns(row) {
				continue
			}
			ids := sub.matching(ev, row)
			if len(ids) == 0 {
				continue
			}
			sub.conn.Send(realtime.NewPostgresChangeMessage(ch.topic, sub.joinRef, ids, ev))
			sent++
		}
	}
	log.Debug("fakebackend: change broadcast", "table", table, "event", eventType, "frames", sent)
	return sent
}

func (h *Hub) registerConn(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[conn.id] = conn
}

// unregisterConn removes a connection from the hub and all channels.
func (h *Hub) unregisterConn(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.connections, conn.id)
	for topic, ch := range h.channels {
		ch.removeSubscriber(conn.id)
		if ch.count() == 0 {
			delete(h.channels, topic)
		}
	}
}

func (h *Hub) join(topic string, sub *ChannelSub) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[topic]
	if !ok {
		ch = &Channel{topic: topic, subscribers: make(map[string]*ChannelSub)}
		h.channels[topic] = ch
	}
	ch.addSubscriber(sub.conn.id, sub)
	h.joins++
}

func (h *Hub) leave(topic, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.channels[topic]; ok {
		ch.removeSubscriber(connID)
		if ch.count() == 0 {
			delete(h.channels, topic)
		}
	}
}
