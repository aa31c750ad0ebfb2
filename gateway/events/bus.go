// Package events carries gateway lifecycle events to in-process listeners
// such as the admin event stream.
package events

import (
	"sync"
	"time"
)

// Type identifies a gateway event.
type Type string

const (
	SessionCreated  Type = "session.created"
	SessionClosed   Type = "session.closed"
	SessionIdle     Type = "session.idle"
	AgentSpawned    Type = "agent.spawned"
	AgentStopped    Type = "agent.stopped"
	MessageReceived Type = "message.received"
	ToolResolved    Type = "tool.resolved"
	LogEntry        Type = "log.entry"
)

// Event is a single lifecycle notification.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"ts"`
	SessionID string    `json:"sessionId,omitempty"`
	AgentID   string    `json:"agentId,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// Bus fans events out to buffered subscriber channels. Publishing never
// blocks; a subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[chan Event]map[Type]bool // nil filter = all types
	closed bool
}

// SubscriberBuffer is the capacity of each subscriber channel.
const SubscriberBuffer = 64

func New() *Bus {
	return &Bus{subs: make(map[chan Event]map[Type]bool)}
}

// Subscribe returns a channel receiving events of the given types, or all
// events when none are given.
func (b *Bus) Subscribe(types ...Type) <-chan Event {
	ch := make(chan Event, SubscriberBuffer)
	var filter map[Type]bool
	if len(types) > 0 {
		filter = make(map[Type]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = filter
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		if (<-chan Event)(ch) == sub {
			delete(b.subs, ch)
			close(ch)
			return
		}
	}
}

// Publish delivers e to every matching subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.subs {
		if filter != nil && !filter[e.Type] {
			continue
		}
		select {
		case ch <- e:
		default:
		}
	}
}

// Close closes every subscriber channel. Later subscriptions receive a
// closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}
