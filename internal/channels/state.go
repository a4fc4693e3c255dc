// Package channels manages the lifecycle of realtime change-feed
// subscriptions: one record per channel name, automatic resubscription on
// transport failure, and a health sweep that evicts dead handles.
package channels

import (
	"time"

	"github.com/markb/possync/internal/realtime"
)

// State is the lifecycle state of a subscription record.
type State int

const (
	Connecting State = iota
	Subscribed
	Errored
	TimedOut
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case Errored:
		return "errored"
	case TimedOut:
		return "timed_out"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// signal is an input to the state machine.
type signal int

const (
	signalSubscribed signal = iota
	signalError
	signalTimeout
	signalClose
)

// action is what the controller must do after a transition.
type action int

const (
	actionNone action = iota
	actionRetry
	actionRemove
)

// Fixed resubscribe delays.
const (
	DefaultErrorRetryDelay   = 5000 * time.Millisecond
	DefaultTimeoutRetryDelay = 3000 * time.Millisecond
)

// transition is the subscription state machine. Errored and TimedOut wait
// for their retry timer; only an explicit close leaves them early.
func transition(s State, sig signal) (State, action) {
	if s == Closed {
		return Closed, actionNone
	}
	if sig == signalClose {
		return Closed, actionRemove
	}
	switch s {
	case Connecting, Subscribed:
		switch sig {
		case signalSubscribed:
			return Subscribed, actionNone
		case signalError:
			return Errored, actionRetry
		case signalTimeout:
			return TimedOut, actionRetry
		}
	}
	return s, actionNone
}

// signalFor maps a transport status onto the state machine. A CLOSED status
// only reaches the controller for handles it did not close itself, so it
// counts as an error.
func signalFor(status realtime.Status) signal {
	switch status {
	case realtime.StatusSubscribed:
		return signalSubscribed
	case realtime.StatusTimedOut:
		return signalTimeout
	}
	return signalError
}
