package fakebackend

import (
	"strings"
	"sync"

	"github.com/markb/possync/internal/realtime"
)

// Channel is a topic with its subscribers.
type Channel struct {
	topic       string
	mu          sync.RWMutex
	subscribers map[string]*ChannelSub // connID -> subscription
}

// ChannelSub is one connection's join of a channel.
type ChannelSub struct {
	conn      *Conn
	joinRef   string
	pgChanges []realtime.PostgresChangeSub
}

func (ch *Channel) addSubscriber(connID string, sub *ChannelSub) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.subscribers[connID] = sub
}

func (ch *Channel) removeSubscriber(connID string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	delete(ch.subscribers, connID)
}

func (ch *Channel) count() int {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.subscribers)
}

// getSubscribers returns a snapshot of the subscribers.
func (ch *Channel) getSubscribers() []*ChannelSub {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	subs := make([]*ChannelSub, 0, len(ch.subscribers))
	for _, sub := range ch.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

// matching returns the ids of the bindings that select ev.
func (sub *ChannelSub) matching(ev realtime.ChangeEvent, row map[string]any) []int {
	var ids []int
	for _, pg := range sub.pgChanges {
		if pg.Event != "*" && !strings.EqualFold(pg.Event, ev.EventType) {
			continue
		}
		if pg.Schema != "" && pg.Schema != ev.Schema {
			continue
		}
		if pg.Table != "" && pg.Table != "*" && pg.Table != ev.Table {
			continue
		}
		if pg.Filter != "" {
			f, err := realtime.ParseFilter(pg.Filter)
			if err != nil || !f.Matches(row) {
				continue
			}
		}
		ids = append(ids, pg.ID)
	}
	return ids
}
