package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lisa-ai/lisa/gateway/events"
	"github.com/lisa-ai/lisa/pkg/protocol"
)

// MessageEvent is handed to message listeners after a message.receive
// delivery.
type MessageEvent struct {
	SessionID string
	Envelope  protocol.Envelope
	Payload   protocol.MessagePayload
}

// messageListenerBuffer bounds each listener channel; a full listener misses
// events rather than stalling delivery.
const messageListenerBuffer = 64

type messageListener struct {
	sessionID string // empty = every session
	ch        chan MessageEvent
	once      sync.Once
}

// OnMessage registers a listener for messages delivered on sessionID, or on
// any session when sessionID is empty. The returned cancel func removes the
// listener and closes its channel.
func (r *Router) OnMessage(sessionID string) (<-chan MessageEvent, func()) {
	l := &messageListener{sessionID: sessionID, ch: make(chan MessageEvent, messageListenerBuffer)}
	r.mu.Lock()
	r.listeners[l] = struct{}{}
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		delete(r.listeners, l)
		r.mu.Unlock()
		l.once.Do(func() { close(l.ch) })
	}
	return l.ch, cancel
}

// streamFor returns the delivery stream of a live session and refreshes its
// activity time.
func (r *Router) streamFor(sessionID string) (*stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	e.session.LastActivityAt = time.Now()
	return e.stream, nil
}

// SendMessage delivers a message.receive envelope to the session's
// subscribers and notifies message listeners. Deliveries for one session are
// serialized and numbered in send order.
func (r *Router) SendMessage(sessionID string, msg protocol.MessagePayload) (protocol.Envelope, error) {
	st, err := r.streamFor(sessionID)
	if err != nil {
		return protocol.Envelope{}, err
	}

	st.mu.Lock()
	st.seq++
	msg.SessionID = sessionID
	msg.Seq = st.seq
	env := protocol.New(protocol.TypeMessageReceive, sessionID, msg)
	n := r.broadcastToSession(env)
	st.mu.Unlock()

	r.logger.Debug("message delivered", "session_id", sessionID, "seq", msg.Seq, "subscribers", n)
	r.notifyListeners(MessageEvent{SessionID: sessionID, Envelope: env, Payload: msg})
	r.publish(events.Event{Type: events.MessageReceived, SessionID: sessionID, Data: msg})
	return env, nil
}

// StreamMessage delivers one message.stream chunk. Chunks share the
// session's sequence with SendMessage; a chunk with Done ends the current
// stream and the next chunk opens a new stream id.
func (r *Router) StreamMessage(sessionID string, chunk protocol.StreamChunk) (protocol.StreamChunk, error) {
	st, err := r.streamFor(sessionID)
	if err != nil {
		return protocol.StreamChunk{}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if chunk.StreamID != "" {
		st.streamID = chunk.StreamID
	} else if st.streamID == "" {
		st.streamID = uuid.New().String()
	}
	st.seq++
	chunk.SessionID = sessionID
	chunk.StreamID = st.streamID
	chunk.Seq = st.seq
	if chunk.Done {
		st.streamID = ""
	}
	r.broadcastToSession(protocol.New(protocol.TypeMessageStream, sessionID, chunk))
	return chunk, nil
}

func (r *Router) notifyListeners(ev MessageEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for l := range r.listeners {
		if l.sessionID != "" && l.sessionID != ev.SessionID {
			continue
		}
		select {
		case l.ch <- ev:
		default:
			r.logger.Debug("message listener full, dropping event", "session_id", ev.SessionID)
		}
	}
}
