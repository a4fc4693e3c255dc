package realtime

import (
	"errors"
	"fmt"
	"strings"
)

// EventType selects which row changes a channel receives.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	EventAll    EventType = "*"
)

// ErrInvalidDescriptor is wrapped by Descriptor.Validate failures.
var ErrInvalidDescriptor = errors.New("invalid channel descriptor")

// ParseEventType accepts insert|update|delete|* in any case. Empty means all.
func ParseEventType(s string) (EventType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "*":
		return EventAll, nil
	case "INSERT":
		return EventInsert, nil
	case "UPDATE":
		return EventUpdate, nil
	case "DELETE":
		return EventDelete, nil
	}
	return "", fmt.Errorf("%w: unknown event %q", ErrInvalidDescriptor, s)
}

// Descriptor names one logical change feed. Two descriptors with the same
// Name are the same subscription; the newer replaces the older.
type Descriptor struct {
	Name   string
	Schema string
	Table  string
	Filter string
	Event  EventType
}

// Topic is the Phoenix topic the descriptor joins.
func (d Descriptor) Topic() string {
	return TopicPrefix + d.Name
}

// Normalize fills defaults (schema "public", event "*") and upper-cases
// the event. An unknown event is left for Validate to report.
func (d Descriptor) Normalize() Descriptor {
	if d.Schema == "" {
		d.Schema = "public"
	}
	if ev, err := ParseEventType(string(d.Event)); err == nil {
		d.Event = ev
	}
	return d
}

// Validate reports whether the descriptor can be joined.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDescriptor)
	}
	if d.Table == "" {
		return fmt.Errorf("%w: table is required for %q", ErrInvalidDescriptor, d.Name)
	}
	if _, err := ParseEventType(string(d.Event)); err != nil {
		return err
	}
	if d.Filter != "" {
		if _, err := ParseFilter(d.Filter); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
		}
	}
	return nil
}

// JoinConfig is the postgres_changes join config for this descriptor.
func (d Descriptor) JoinConfig() JoinConfig {
	d = d.Normalize()
	return JoinConfig{
		PostgresChanges: []PostgresChangeSub{{
			Event:  string(d.Event),
			Schema: d.Schema,
			Table:  d.Table,
			Filter: d.Filter,
		}},
	}
}

// Accepts reports whether a change event belongs to this descriptor. The
// server already filters; this guards against frames for a stale join.
func (d Descriptor) Accepts(ev ChangeEvent) bool {
	d = d.Normalize()
	if ev.Table != "" && ev.Table != d.Table {
		return false
	}
	if d.Event != EventAll && !strings.EqualFold(ev.EventType, string(d.Event)) {
		return false
	}
	return true
}
