package router

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lisa-ai/lisa/gateway/events"
	"github.com/lisa-ai/lisa/pkg/protocol"
)

// AgentOption customises SpawnAgent.
type AgentOption func(*protocol.AgentInfo)

// WithAgentID spawns the agent under a fixed id instead of a generated one.
func WithAgentID(id string) AgentOption {
	return func(a *protocol.AgentInfo) {
		if id != "" {
			a.ID = id
		}
	}
}

// SpawnAgent registers a running agent. When route is non-nil a route
// targeting the new agent is added with the fragment's other fields.
func (r *Router) SpawnAgent(name string, capabilities []string, route *protocol.AgentRoute, opts ...AgentOption) (*protocol.AgentInfo, error) {
	agent := &protocol.AgentInfo{
		ID:           uuid.New().String(),
		Name:         name,
		Status:       protocol.AgentRunning,
		SessionIDs:   []string{},
		StartedAt:    time.Now(),
		Capabilities: slices.Clone(capabilities),
	}
	for _, opt := range opts {
		opt(agent)
	}

	r.mu.Lock()
	if _, ok := r.agents[agent.ID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentExists, agent.ID)
	}
	r.agents[agent.ID] = agent
	if route != nil {
		rt := *route
		rt.AgentID = agent.ID
		r.routes.Add(rt)
	}
	out := cloneAgent(agent)
	r.mu.Unlock()

	r.logger.Info("agent spawned", "agent_id", out.ID, "name", name, "with_route", route != nil)
	r.publish(events.Event{Type: events.AgentSpawned, AgentID: out.ID, Data: out})
	return &out, nil
}

// StopAgent marks the agent stopped, closes each of its sessions, removes
// its routes and forgets it, in that order and under one lock.
func (r *Router) StopAgent(agentID string) error {
	type closedSession struct {
		session protocol.Session
		subs    []*client
	}

	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	agent.Status = protocol.AgentStopped

	var closed []closedSession
	for _, sid := range slices.Clone(agent.SessionIDs) {
		if sess, subs := r.closeSessionLocked(sid); sess != nil {
			closed = append(closed, closedSession{session: *sess, subs: subs})
		}
	}
	removed := r.routes.RemoveAgent(agentID)
	delete(r.agents, agentID)
	r.mu.Unlock()

	for _, c := range closed {
		r.notifyClosed(c.session, c.subs)
	}
	r.logger.Info("agent stopped", "agent_id", agentID, "sessions_closed", len(closed), "routes_removed", removed)
	r.publish(events.Event{Type: events.AgentStopped, AgentID: agentID})
	return nil
}

// GetAgent returns a copy of the agent, or nil.
func (r *Router) GetAgent(id string) *protocol.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil
	}
	out := cloneAgent(a)
	return &out
}

// ListAgents returns every tracked agent ordered by start time.
func (r *Router) ListAgents() []protocol.AgentInfo {
	r.mu.RLock()
	out := make([]protocol.AgentInfo, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, cloneAgent(a))
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// --- Routes ---

// AddRoute appends a route.
func (r *Router) AddRoute(route protocol.AgentRoute) error {
	if route.AgentID == "" {
		return ErrInvalidRoute
	}
	r.mu.Lock()
	r.routes.Add(route)
	r.mu.Unlock()
	return nil
}

// RemoveRoutes deletes every route for agentID.
func (r *Router) RemoveRoutes(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routes.RemoveAgent(agentID)
}

// Routes returns the route list in insertion order.
func (r *Router) Routes() []protocol.AgentRoute {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.routes.Routes()
}

// ResolveAgent reports which agent a new session would be routed to.
func (r *Router) ResolveAgent(channelType, userID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.routes.Resolve(channelType, userID, r.agentStatusLocked)
}

// DefaultAgentID returns the fallback agent.
func (r *Router) DefaultAgentID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.routes.DefaultAgentID()
}

// SetDefaultAgentID replaces the fallback agent.
func (r *Router) SetDefaultAgentID(id string) {
	r.mu.Lock()
	r.routes.SetDefaultAgentID(id)
	r.mu.Unlock()
}

func cloneAgent(a *protocol.AgentInfo) protocol.AgentInfo {
	out := *a
	out.SessionIDs = slices.Clone(a.SessionIDs)
	if out.SessionIDs == nil {
		out.SessionIDs = []string{}
	}
	out.Capabilities = slices.Clone(a.Capabilities)
	return out
}
