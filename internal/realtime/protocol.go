// Package realtime is the client side of the backend change-notification
// service: Phoenix Protocol v1.0.0 JSON framing, channel descriptors, and a
// websocket Socket that multiplexes postgres_changes subscriptions over one
// connection.
package realtime

import (
	"encoding/json"
	"fmt"
)

// Message is a Phoenix Protocol v1.0.0 frame.
type Message struct {
	Event   string         `json:"event"`
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload"`
	Ref     string         `json:"ref"`
	JoinRef string         `json:"join_ref,omitempty"`
}

// Client events
const (
	EventJoin        = "phx_join"
	EventLeave       = "phx_leave"
	EventHeartbeat   = "heartbeat"
	EventAccessToken = "access_token"
)

// Server events
const (
	EventReply    = "phx_reply"
	EventClose    = "phx_close"
	EventError    = "phx_error"
	EventSystem   = "system"
	EventPostgres = "postgres_changes"
)

// TopicPhoenix is the topic heartbeats are sent on.
const TopicPhoenix = "phoenix"

// TopicPrefix is prepended to channel names to form Phoenix topics.
const TopicPrefix = "realtime:"

// JoinConfig is the config object of a phx_join payload.
type JoinConfig struct {
	PostgresChanges []PostgresChangeSub `json:"postgres_changes"`
	Private         bool                `json:"private"`
}

// PostgresChangeSub holds a postgres_changes subscription
type PostgresChangeSub struct {
	Event  string `json:"event"`            // INSERT, UPDATE, DELETE, *
	Schema string `json:"schema"`           // "public"
	Table  string `json:"table"`            // table name
	Filter string `json:"filter,omitempty"` // e.g., "user_id=eq.123"
	ID     int    `json:"id,omitempty"`     // subscription ID (assigned by server)
}

// ChangeEvent represents a database change
type ChangeEvent struct {
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	CommitTimestamp string         `json:"commit_timestamp"`
	EventType       string         `json:"eventType"` // INSERT, UPDATE, DELETE
	New             map[string]any `json:"new"`
	Old             map[string]any `json:"old"`
	Errors          []string       `json:"errors"`
}

// Row returns the new row, or the old row for deletes.
func (e ChangeEvent) Row() map[string]any {
	if e.New != nil {
		return e.New
	}
	return e.Old
}

// ParseJoinPayload extracts JoinConfig and access_token from a phx_join payload.
func ParseJoinPayload(payload map[string]any) (*JoinConfig, string, error) {
	config := &JoinConfig{}
	token, _ := payload["access_token"].(string)

	raw, ok := payload["config"]
	if !ok || raw == nil {
		return config, token, nil
	}
	// Round-trip through JSON so both decoded frames and locally built
	// payloads parse the same way.
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, "", fmt.Errorf("invalid join config: %w", err)
	}
	if err := json.Unmarshal(data, config); err != nil {
		return nil, "", fmt.Errorf("invalid join config: %w", err)
	}
	return config, token, nil
}

// NewJoinMessage builds the phx_join frame for a channel.
func NewJoinMessage(topic, ref string, config JoinConfig, accessToken string) *Message {
	payload := map[string]any{"config": config}
	if accessToken != "" {
		payload["access_token"] = accessToken
	}
	return &Message{
		Event:   EventJoin,
		Topic:   topic,
		Ref:     ref,
		JoinRef: ref,
		Payload: payload,
	}
}

// NewLeaveMessage builds the phx_leave frame for a joined channel.
func NewLeaveMessage(topic, joinRef, ref string) *Message {
	return &Message{
		Event:   EventLeave,
		Topic:   topic,
		JoinRef: joinRef,
		Ref:     ref,
		Payload: map[string]any{},
	}
}

// NewHeartbeatMessage builds a heartbeat frame.
func NewHeartbeatMessage(ref string) *Message {
	return &Message{
		Event:   EventHeartbeat,
		Topic:   TopicPhoenix,
		Ref:     ref,
		Payload: map[string]any{},
	}
}

// NewAccessTokenMessage builds the frame that rotates a channel's token.
func NewAccessTokenMessage(topic, joinRef, ref, token string) *Message {
	return &Message{
		Event:   EventAccessToken,
		Topic:   topic,
		JoinRef: joinRef,
		Ref:     ref,
		Payload: map[string]any{"access_token": token},
	}
}

// NewReply creates a phx_reply message
func NewReply(topic, joinRef, ref, status string, response map[string]any) *Message {
	return &Message{
		Event:   EventReply,
		Topic:   topic,
		JoinRef: joinRef,
		Ref:     ref,
		Payload: map[string]any{
			"status":   status,
			"response": response,
		},
	}
}

// NewSystemMessage creates a system message for subscription status
func NewSystemMessage(topic, joinRef, status, message, extension string) *Message {
	return &Message{
		Event:   EventSystem,
		Topic:   topic,
		JoinRef: joinRef,
		Payload: map[string]any{
			"status":    status,
			"message":   message,
			"extension": extension,
		},
	}
}

// NewPostgresChangeMessage creates a postgres_changes message
func NewPostgresChangeMessage(topic, joinRef string, ids []int, event ChangeEvent) *Message {
	return &Message{
		Event:   EventPostgres,
		Topic:   topic,
		JoinRef: joinRef,
		Payload: map[string]any{
			"ids":  ids,
			"data": event,
		},
	}
}

// ReplyStatus returns the status of a phx_reply ("ok", "error", ...).
func (m *Message) ReplyStatus() string {
	status, _ := m.Payload["status"].(string)
	return status
}

// ChangeEvent decodes the data of a postgres_changes frame.
func (m *Message) ChangeEvent() (ChangeEvent, error) {
	var ev ChangeEvent
	raw, ok := m.Payload["data"]
	if !ok {
		return ev, fmt.Errorf("postgres_changes frame without data")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return ev, fmt.Errorf("invalid change data: %w", err)
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("invalid change data: %w", err)
	}
	return ev, nil
}

// Encode serializes a message to JSON bytes
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses JSON bytes into a Message
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid message format: %w", err)
	}
	return &msg, nil
}
