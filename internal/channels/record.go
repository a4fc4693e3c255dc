package channels

import (
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/markb/possync/internal/realtime"
)

// EventFunc receives change events for one channel, in transport order.
type EventFunc func(realtime.ChangeEvent)

// Record is the bookkeeping for one named channel. Records are owned by a
// Registry; fields are guarded by the registry mutex.
type Record struct {
	ID         uuid.UUID
	Descriptor realtime.Descriptor
	Handle     realtime.Handle // nil while waiting for a retry
	State      State
	CreatedAt  time.Time
	Attempt    int

	onEvent EventFunc
	retry   clock.Timer

	// generation changes whenever the record's handle is replaced or the
	// record is torn down; callbacks bound to an older value are ignored.
	generation uint64
}

// Name is the channel name the record is registered under.
func (r *Record) Name() string {
	return r.Descriptor.Name
}

func (r *Record) waitingForRetry() bool {
	return r.retry != nil
}

func (r *Record) stopRetry() {
	if r.retry != nil {
		r.retry.Stop()
		r.retry = nil
	}
}

// ChannelInfo is a point-in-time view of a record.
type ChannelInfo struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Table       string                `json:"table"`
	Filter      string                `json:"filter,omitempty"`
	Event       realtime.EventType    `json:"event"`
	State       string                `json:"state"`
	HandleState realtime.ChannelState `json:"handle_state,omitempty"`
	Attempt     int                   `json:"attempt"`
	CreatedAt   time.Time             `json:"created_at"`
}

func (r *Record) info() ChannelInfo {
	return ChannelInfo{
		ID:        r.ID.String(),
		Name:      r.Descriptor.Name,
		Table:     r.Descriptor.Table,
		Filter:    r.Descriptor.Filter,
		Event:     r.Descriptor.Event,
		State:     r.State.String(),
		Attempt:   r.Attempt,
		CreatedAt: r.CreatedAt,
	}
}
