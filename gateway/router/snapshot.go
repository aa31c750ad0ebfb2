package router

import (
	"fmt"
	"slices"
	"time"

	"github.com/lisa-ai/lisa/pkg/protocol"
)

// Export captures the skill, agent and route registries.
func (r *Router) Export() protocol.ConfigSnapshot {
	snap := protocol.ConfigSnapshot{
		Version:        protocol.SnapshotVersion,
		DefaultAgentID: r.DefaultAgentID(),
		Skills:         r.ListSkills(),
		Routes:         r.Routes(),
		ExportedAt:     time.Now().UTC(),
	}
	for _, a := range r.ListAgents() {
		snap.Agents = append(snap.Agents, protocol.AgentSpec{
			ID:           a.ID,
			Name:         a.Name,
			Capabilities: a.Capabilities,
		})
	}
	return snap
}

// Import replaces skills and routes with the snapshot's, spawns snapshot
// agents that are not already tracked and sets the default agent. Running
// agents and live sessions are left alone, so importing the same snapshot
// twice yields the same state.
func (r *Router) Import(snap protocol.ConfigSnapshot) error {
	if snap.Version > protocol.SnapshotVersion {
		return fmt.Errorf("%w: %d", ErrSnapshotVersion, snap.Version)
	}
	skills := make(map[string]protocol.InstalledSkill, len(snap.Skills))
	for _, sk := range snap.Skills {
		if sk.Name == "" {
			return fmt.Errorf("snapshot skill without a name")
		}
		if _, dup := skills[sk.Name]; dup {
			return fmt.Errorf("%w: %s", ErrSkillExists, sk.Name)
		}
		skills[sk.Name] = sk
	}
	for i, rt := range snap.Routes {
		if rt.AgentID == "" {
			return fmt.Errorf("route %d: %w", i, ErrInvalidRoute)
		}
	}
	for i, a := range snap.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent %d: id is required", i)
		}
	}

	var spawned []string
	now := time.Now()
	r.mu.Lock()
	r.skills = skills
	r.routes.Replace(snap.Routes)
	for i, a := range snap.Agents {
		if _, ok := r.agents[a.ID]; ok {
			continue
		}
		r.agents[a.ID] = &protocol.AgentInfo{
			ID:           a.ID,
			Name:         a.Name,
			Status:       protocol.AgentRunning,
			SessionIDs:   []string{},
			StartedAt:    now.Add(time.Duration(i)), // keep snapshot order in ListAgents
			Capabilities: slices.Clone(a.Capabilities),
		}
		spawned = append(spawned, a.ID)
	}
	if snap.DefaultAgentID != "" {
		r.routes.SetDefaultAgentID(snap.DefaultAgentID)
	}
	r.mu.Unlock()

	r.logger.Info("configuration imported",
		"skills", len(snap.Skills), "routes", len(snap.Routes), "agents_spawned", len(spawned), "default_agent_id", snap.DefaultAgentID)
	return nil
}
