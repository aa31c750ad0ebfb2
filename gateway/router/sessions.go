package router

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lisa-ai/lisa/gateway/events"
	"github.com/lisa-ai/lisa/pkg/protocol"
)

// sessionEntry is a registered session plus its ordered delivery stream.
type sessionEntry struct {
	session protocol.Session
	stream  *stream
}

// stream serializes delivery for one session and numbers what it sends.
type stream struct {
	mu       sync.Mutex
	seq      int64
	streamID string // current partial stream, empty between streams
}

// SessionOption customises CreateSession.
type SessionOption func(*protocol.Session)

// WithChannelID binds the session to a connected channel instance.
func WithChannelID(id string) SessionOption {
	return func(s *protocol.Session) { s.ChannelID = id }
}

// CreateSession resolves the owning agent and opens a session for userID.
// The per-user cap is checked and the session inserted under one lock.
func (r *Router) CreateSession(userID, channelType string, metadata map[string]any, opts ...SessionOption) (*protocol.Session, error) {
	now := time.Now()
	sess := protocol.Session{
		ID:             uuid.New().String(),
		ChannelType:    channelType,
		UserID:         userID,
		Metadata:       make(map[string]any, len(metadata)),
		Status:         protocol.SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	maps.Copy(sess.Metadata, metadata)
	for _, opt := range opts {
		opt(&sess)
	}

	r.mu.Lock()
	sess.AgentID = r.routes.Resolve(channelType, userID, r.agentStatusLocked)

	if r.maxPerUser > 0 && r.countUserSessionsLocked(userID) >= r.maxPerUser {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w for user %q (%d)", ErrTooManySessions, userID, r.maxPerUser)
	}

	r.sessions[sess.ID] = &sessionEntry{session: sess, stream: &stream{}}
	if agent, ok := r.agents[sess.AgentID]; ok {
		agent.SessionIDs = append(agent.SessionIDs, sess.ID)
	}
	r.presence[sess.ID] = protocol.Presence{
		SessionID: sess.ID,
		UserID:    userID,
		Status:    "online",
		UpdatedAt: now,
	}
	out := cloneSession(sess)
	r.mu.Unlock()

	r.logger.Info("session created", "session_id", sess.ID, "agent_id", sess.AgentID, "user_id", userID, "channel_type", channelType)
	r.Broadcast(protocol.TypeSessionCreate, sess.ID, out)
	r.publish(events.Event{Type: events.SessionCreated, SessionID: sess.ID, AgentID: sess.AgentID, Data: out})
	return &out, nil
}

// countUserSessionsLocked counts the user's sessions that are not closed.
func (r *Router) countUserSessionsLocked(userID string) int {
	n := 0
	for _, e := range r.sessions {
		if e.session.UserID == userID && e.session.Status != protocol.SessionClosed {
			n++
		}
	}
	return n
}

func (r *Router) agentStatusLocked(agentID string) (string, bool) {
	a, ok := r.agents[agentID]
	if !ok {
		return "", false
	}
	return a.Status, true
}

// GetSession returns a copy of the session, or nil.
func (r *Router) GetSession(id string) *protocol.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil
	}
	s := cloneSession(e.session)
	return &s
}

// UpdateSession merges patch into the session metadata and refreshes its
// activity time. It returns nil when the session does not exist.
func (r *Router) UpdateSession(id string, patch map[string]any) *protocol.Session {
	sess, err := r.ApplySessionUpdate(id, protocol.SessionUpdateRequest{Metadata: patch})
	if err != nil {
		return nil
	}
	return sess
}

// ApplySessionUpdate merges the request's metadata and, when Status is set,
// moves the session to that status. Closing goes through CloseSession, so
// "closed" is rejected with ErrInvalidStatus.
func (r *Router) ApplySessionUpdate(id string, req protocol.SessionUpdateRequest) (*protocol.Session, error) {
	switch req.Status {
	case "", protocol.SessionActive, protocol.SessionIdle, protocol.SessionSuspended:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, req.Status)
	}

	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if e.session.Metadata == nil {
		e.session.Metadata = make(map[string]any, len(req.Metadata))
	}
	maps.Copy(e.session.Metadata, req.Metadata)
	prev := e.session.Status
	if req.Status != "" {
		e.session.Status = req.Status
	}
	e.session.LastActivityAt = time.Now()
	out := cloneSession(e.session)
	r.mu.Unlock()

	if out.Status != prev {
		r.logger.Info("session status changed", "session_id", id, "from", prev, "to", out.Status)
	}
	r.broadcastToSession(protocol.New(protocol.TypeSessionUpdate, id, out))
	return &out, nil
}

// CloseSession removes the session, its presence record, every
// subscription to it and its agent back-reference. Closing an unknown or
// already closed session returns false.
func (r *Router) CloseSession(id string) bool {
	r.mu.Lock()
	closed, notify := r.closeSessionLocked(id)
	r.mu.Unlock()

	if closed == nil {
		return false
	}
	r.notifyClosed(*closed, notify)
	return true
}

// closeSessionLocked detaches the session and returns it together with the
// clients that were subscribed, so the caller can notify them after
// releasing the lock.
func (r *Router) closeSessionLocked(id string) (*protocol.Session, []*client) {
	e, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	delete(r.sessions, id)
	delete(r.presence, id)

	subs := r.subscribers[id]
	notify := make([]*client, 0, len(subs))
	for _, c := range subs {
		notify = append(notify, c)
	}
	delete(r.subscribers, id)

	if agent, ok := r.agents[e.session.AgentID]; ok {
		for i, sid := range agent.SessionIDs {
			if sid == id {
				agent.SessionIDs = append(agent.SessionIDs[:i], agent.SessionIDs[i+1:]...)
				break
			}
		}
	}

	sess := e.session
	sess.Status = protocol.SessionClosed
	return &sess, notify
}

func (r *Router) notifyClosed(sess protocol.Session, subs []*client) {
	r.deliver(subs, protocol.New(protocol.TypeSessionClose, sess.ID, protocol.SessionRef{SessionID: sess.ID}))
	r.publish(events.Event{Type: events.SessionClosed, SessionID: sess.ID, AgentID: sess.AgentID})
	r.logger.Info("session closed", "session_id", sess.ID, "agent_id", sess.AgentID)
}

// ListSessions returns the sessions of userID, or all sessions when userID
// is empty. Order is unspecified.
func (r *Router) ListSessions(userID string) []protocol.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		if userID != "" && e.session.UserID != userID {
			continue
		}
		out = append(out, cloneSession(e.session))
	}
	return out
}

// touchSession refreshes lastActivityAt. Idle sessions stay idle.
func (r *Router) touchSession(id string) {
	r.mu.Lock()
	if e, ok := r.sessions[id]; ok {
		e.session.LastActivityAt = time.Now()
	}
	r.mu.Unlock()
}

// --- Subscriptions ---

// Subscribe adds sessionID to the client's subscription set.
func (r *Router) Subscribe(clientID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}
	if _, ok := r.sessions[sessionID]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if r.subscribers[sessionID] == nil {
		r.subscribers[sessionID] = make(map[string]*client)
	}
	r.subscribers[sessionID][clientID] = c
	return nil
}

// Unsubscribe removes sessionID from the client's subscription set.
func (r *Router) Unsubscribe(clientID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.subscribers[sessionID]
	if !ok {
		return false
	}
	if _, ok := subs[clientID]; !ok {
		return false
	}
	delete(subs, clientID)
	if len(subs) == 0 {
		delete(r.subscribers, sessionID)
	}
	return true
}

// Subscriptions returns the session ids a client listens to.
func (r *Router) Subscriptions(clientID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for sessID, subs := range r.subscribers {
		if _, ok := subs[clientID]; ok {
			out = append(out, sessID)
		}
	}
	return out
}

// --- Presence ---

// UpdatePresence records a status for the session and announces it to every
// client.
func (r *Router) UpdatePresence(sessionID, userID, status string) (*protocol.Presence, error) {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if userID == "" {
		userID = e.session.UserID
	}
	p := protocol.Presence{SessionID: sessionID, UserID: userID, Status: status, UpdatedAt: time.Now()}
	r.presence[sessionID] = p
	r.mu.Unlock()

	r.Broadcast(protocol.TypePresenceUpdate, sessionID, p)
	return &p, nil
}

// ListPresence returns every presence record.
func (r *Router) ListPresence() []protocol.Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.Presence, 0, len(r.presence))
	for _, p := range r.presence {
		out = append(out, p)
	}
	return out
}

func cloneSession(s protocol.Session) protocol.Session {
	s.Metadata = maps.Clone(s.Metadata)
	return s
}
