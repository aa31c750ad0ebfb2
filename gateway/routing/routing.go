// Package routing resolves which agent owns a new session.
package routing

import (
	"slices"
	"sort"
	"strings"

	"github.com/lisa-ai/lisa/pkg/protocol"
)

// AgentStatus reports the status of a tracked agent. ok is false when the
// agent is not tracked at all.
type AgentStatus func(agentID string) (status string, ok bool)

// Table is an ordered set of agent routes plus a default agent.
// Table is not safe for concurrent use; callers serialize access.
type Table struct {
	defaultAgentID string
	routes         []protocol.AgentRoute
}

// NewTable creates a table seeded with routes in insertion order.
func NewTable(defaultAgentID string, routes []protocol.AgentRoute) *Table {
	t := &Table{defaultAgentID: defaultAgentID}
	for _, r := range routes {
		t.Add(r)
	}
	return t
}

// DefaultAgentID returns the fallback agent.
func (t *Table) DefaultAgentID() string { return t.defaultAgentID }

// SetDefaultAgentID replaces the fallback agent.
func (t *Table) SetDefaultAgentID(id string) { t.defaultAgentID = id }

// Add appends a route.
func (t *Table) Add(r protocol.AgentRoute) {
	t.routes = append(t.routes, cloneRoute(r))
}

// RemoveAgent deletes every route targeting agentID and returns how many
// were removed.
func (t *Table) RemoveAgent(agentID string) int {
	kept := t.routes[:0]
	removed := 0
	for _, r := range t.routes {
		if r.AgentID == agentID {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	clear(t.routes[len(kept):])
	t.routes = kept
	return removed
}

// Replace swaps the whole route list.
func (t *Table) Replace(routes []protocol.AgentRoute) {
	t.routes = nil
	for _, r := range routes {
		t.Add(r)
	}
}

// Routes returns a copy of the routes in insertion order.
func (t *Table) Routes() []protocol.AgentRoute {
	out := make([]protocol.AgentRoute, len(t.routes))
	for i, r := range t.routes {
		out[i] = cloneRoute(r)
	}
	return out
}

// ForAgent returns the routes targeting agentID.
func (t *Table) ForAgent(agentID string) []protocol.AgentRoute {
	var out []protocol.AgentRoute
	for _, r := range t.routes {
		if r.AgentID == agentID {
			out = append(out, cloneRoute(r))
		}
	}
	return out
}

// Resolve picks the agent for a new session. Routes are tried in priority
// order (highest first, ties in insertion order). A route is skipped when its
// channel types exclude channelType, none of its user patterns match userID,
// or its agent is tracked and not running. With no match the default agent is
// returned, whatever its status.
func (t *Table) Resolve(channelType, userID string, status AgentStatus) string {
	sorted := make([]protocol.AgentRoute, len(t.routes))
	copy(sorted, t.routes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	for _, r := range sorted {
		if len(r.ChannelTypes) > 0 && !slices.Contains(r.ChannelTypes, channelType) {
			continue
		}
		if len(r.UserPatterns) > 0 && !matchAny(r.UserPatterns, userID) {
			continue
		}
		if status != nil {
			if st, ok := status(r.AgentID); ok && st != protocol.AgentRunning {
				continue
			}
		}
		return r.AgentID
	}
	return t.defaultAgentID
}

// MatchUser reports whether pattern matches userID. "*" matches everything,
// a trailing "*" is a prefix match, anything else must match exactly.
func MatchUser(pattern, userID string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(userID, prefix)
	}
	return pattern == userID
}

func matchAny(patterns []string, userID string) bool {
	for _, p := range patterns {
		if MatchUser(p, userID) {
			return true
		}
	}
	return false
}

func cloneRoute(r protocol.AgentRoute) protocol.AgentRoute {
	r.ChannelTypes = slices.Clone(r.ChannelTypes)
	r.UserPatterns = slices.Clone(r.UserPatterns)
	r.Capabilities = slices.Clone(r.Capabilities)
	return r
}
