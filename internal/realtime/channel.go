package realtime

import "github.com/juju/clock"

// channel is the Handle a Socket hands out. Mutable fields are guarded by
// the owning socket's mutex.
type channel struct {
	socket   *Socket
	desc     Descriptor
	topic    string
	joinRef  string
	onChange ChangeFunc
	onStatus StatusFunc

	state ChannelState
	timer clock.Timer
}

func (ch *channel) Topic() string {
	return ch.topic
}

func (ch *channel) State() ChannelState {
	ch.socket.mu.Lock()
	defer ch.socket.mu.Unlock()
	return ch.state
}

// Unsubscribe leaves the channel and reports StatusClosed once. Calling it
// on a channel that already ended is a no-op.
func (ch *channel) Unsubscribe() error {
	s := ch.socket
	s.mu.Lock()
	if ch.state.Terminal() {
		ch.state = StateClosed
		s.mu.Unlock()
		return nil
	}
	ch.state = StateLeaving
	ch.stopTimerLocked()
	if s.channels[ch.topic] == ch {
		delete(s.channels, ch.topic)
	}
	var err error
	if s.conn != nil {
		err = s.sendLocked(NewLeaveMessage(ch.topic, ch.joinRef, s.nextRefLocked()))
	}
	ch.state = StateClosed
	s.mu.Unlock()

	ch.notify(StatusClosed, nil)
	if err == ErrNotConnected {
		return nil
	}
	return err
}

func (ch *channel) stopTimerLocked() {
	if ch.timer != nil {
		ch.timer.Stop()
		ch.timer = nil
	}
}

func (ch *channel) finishLocked(state ChannelState) {
	ch.stopTimerLocked()
	ch.state = state
}

// notify must be called without the socket mutex held.
func (ch *channel) notify(status Status, err error) {
	if ch.onStatus != nil {
		ch.onStatus(status, err)
	}
}
