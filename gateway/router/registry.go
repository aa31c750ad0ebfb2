package router

import (
	"fmt"
	"maps"
	"sort"

	"github.com/google/uuid"

	"github.com/lisa-ai/lisa/pkg/protocol"
)

// --- Skills ---

// InstallSkill adds a skill. Names are unique.
func (r *Router) InstallSkill(skill protocol.InstalledSkill) error {
	if skill.Name == "" {
		return fmt.Errorf("skill name is required")
	}
	r.mu.Lock()
	if _, ok := r.skills[skill.Name]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSkillExists, skill.Name)
	}
	r.skills[skill.Name] = skill
	r.mu.Unlock()

	r.logger.Info("skill installed", "skill", skill.Name, "version", skill.Version)
	return nil
}

// UninstallSkill removes a skill; false when it was not installed.
func (r *Router) UninstallSkill(name string) bool {
	r.mu.Lock()
	_, ok := r.skills[name]
	delete(r.skills, name)
	r.mu.Unlock()

	if ok {
		r.logger.Info("skill uninstalled", "skill", name)
	}
	return ok
}

// SetSkillEnabled toggles an installed skill.
func (r *Router) SetSkillEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sk, ok := r.skills[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSkillNotFound, name)
	}
	sk.Enabled = enabled
	r.skills[name] = sk
	return nil
}

// ListSkills returns installed skills sorted by name.
func (r *Router) ListSkills() []protocol.InstalledSkill {
	r.mu.RLock()
	out := make([]protocol.InstalledSkill, 0, len(r.skills))
	for _, sk := range r.skills {
		out = append(out, sk)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// --- Channels ---

// ConnectChannel registers a channel of the given type.
func (r *Router) ConnectChannel(channelType, name string, cfg map[string]any) (*protocol.Channel, error) {
	if channelType == "" {
		return nil, fmt.Errorf("channel type is required")
	}
	if r.enabledChannels != nil && !r.enabledChannels[channelType] {
		return nil, fmt.Errorf("%w: %s", ErrChannelDisabled, channelType)
	}
	ch := &protocol.Channel{
		ID:     uuid.New().String(),
		Type:   channelType,
		Name:   name,
		Config: maps.Clone(cfg),
		Status: protocol.ChannelConnected,
	}

	r.mu.Lock()
	r.channels[ch.ID] = ch
	out := *ch
	r.mu.Unlock()

	r.logger.Info("channel connected", "channel_id", ch.ID, "type", channelType, "name", name)
	r.Broadcast(protocol.TypeChannelStatus, "", out)
	return &out, nil
}

// DisconnectChannel forgets a channel; false when it was unknown.
func (r *Router) DisconnectChannel(id string) bool {
	r.mu.Lock()
	ch, ok := r.channels[id]
	if ok {
		delete(r.channels, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	out := *ch
	out.Status = protocol.ChannelDisconnected
	r.logger.Info("channel disconnected", "channel_id", id, "type", ch.Type)
	r.Broadcast(protocol.TypeChannelStatus, "", out)
	return true
}

// GetChannel returns a copy of the channel, or nil.
func (r *Router) GetChannel(id string) *protocol.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	if !ok {
		return nil
	}
	out := *ch
	out.Config = maps.Clone(ch.Config)
	return &out
}

// ListChannels returns every connected channel sorted by type then name.
func (r *Router) ListChannels() []protocol.Channel {
	r.mu.RLock()
	out := make([]protocol.Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		c := *ch
		c.Config = maps.Clone(ch.Config)
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Name < out[j].Name
	})
	return out
}
