package realtime

import "errors"

// Status is a lifecycle notification from the transport about one channel.
type Status int

const (
	StatusSubscribed Status = iota
	StatusChannelError
	StatusTimedOut
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusSubscribed:
		return "SUBSCRIBED"
	case StatusChannelError:
		return "CHANNEL_ERROR"
	case StatusTimedOut:
		return "TIMED_OUT"
	case StatusClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// ChannelState is what a transport handle reports about itself,
// independently of any bookkeeping above it.
type ChannelState string

const (
	StateJoining ChannelState = "joining"
	StateJoined  ChannelState = "joined"
	StateLeaving ChannelState = "leaving"
	StateClosed  ChannelState = "closed"
	StateErrored ChannelState = "errored"
)

// Terminal reports whether the handle can no longer deliver events.
func (s ChannelState) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

// ChangeFunc receives change events in transport order.
type ChangeFunc func(ChangeEvent)

// StatusFunc receives channel lifecycle notifications. err is set for
// StatusChannelError.
type StatusFunc func(status Status, err error)

// Handle is one transport-side channel.
type Handle interface {
	Topic() string
	State() ChannelState
	// Unsubscribe leaves the channel. It is safe to call more than once.
	Unsubscribe() error
}

// Transport is the capability a connection must provide to carry channels.
// Channel must not block on the network: join progress is reported through
// onStatus.
type Transport interface {
	Channel(d Descriptor, onChange ChangeFunc, onStatus StatusFunc) (Handle, error)
}

// ErrNotConnected is reported when a frame cannot be written.
var ErrNotConnected = errors.New("realtime: socket not connected")

// ErrSocketClosed is returned by Channel after Close.
var ErrSocketClosed = errors.New("realtime: socket closed")
