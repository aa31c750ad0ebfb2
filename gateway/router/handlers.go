package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/lisa-ai/lisa/pkg/protocol"
)

func (r *Router) registerBuiltinHandlers() {
	for msgType, h := range map[string]Handler{
		protocol.TypeSessionCreate:      r.handleSessionCreate,
		protocol.TypeSessionUpdate:      r.handleSessionUpdate,
		protocol.TypeSessionClose:       r.handleSessionClose,
		protocol.TypeSessionList:        r.handleSessionList,
		protocol.TypeSessionSubscribe:   r.handleSubscribe,
		protocol.TypeSessionUnsubscribe: r.handleUnsubscribe,
		protocol.TypeMessageSend:        r.handleMessageSend,
		protocol.TypeMessageStream:      r.handleMessageStream,
		protocol.TypeToolInvoke:         r.handleToolInvoke,
		protocol.TypeToolResult:         r.handleToolResult,
		protocol.TypeSkillInstall:       r.handleSkillInstall,
		protocol.TypeSkillUninstall:     r.handleSkillUninstall,
		protocol.TypeSkillList:          r.handleSkillList,
		protocol.TypeChannelConnect:     r.handleChannelConnect,
		protocol.TypeChannelDisconnect:  r.handleChannelDisconnect,
		protocol.TypeChannelStatus:      r.handleChannelStatus,
		protocol.TypeAgentSpawn:         r.handleAgentSpawn,
		protocol.TypeAgentStop:          r.handleAgentStop,
		protocol.TypeAgentList:          r.handleAgentList,
		protocol.TypePresenceUpdate:     r.handlePresenceUpdate,
	} {
		r.handlers[msgType] = h
	}
}

// SessionUser decides who owns a session opened by caller. Callers bound to
// a user always act as themselves unless they are admins.
func SessionUser(caller Caller, requested string) string {
	if caller.UserID != "" && !caller.IsAdmin() {
		return caller.UserID
	}
	if requested != "" {
		return requested
	}
	if caller.UserID != "" {
		return caller.UserID
	}
	return caller.ClientID
}

// OwnedSession looks up a session the caller is allowed to act on.
func (r *Router) OwnedSession(caller Caller, id string) (*protocol.Session, error) {
	if id == "" {
		return nil, errors.New("sessionId is required")
	}
	sess := r.GetSession(id)
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if !caller.IsAdmin() && caller.UserID != "" && sess.UserID != caller.UserID {
		return nil, ErrForbidden
	}
	return sess, nil
}

func pick(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}

func (r *Router) handleSessionCreate(_ context.Context, caller Caller, env protocol.Envelope) (any, error) {
	var req protocol.SessionCreateRequest
	if err := env.DecodePayload(&req); err != nil {
		return nil, err
	}
	if req.ChannelType == "" {
		return nil, errors.New("channelType is required")
	}
	var opts []SessionOption
	if id := pick(req.ChannelID, env.ChannelID); id != "" {
		opts = append(opts, WithChannelID(id))
	}
	sess, err := r.CreateSession(SessionUser(caller, req.UserID), req.ChannelType, req.Metadata, opts...)
	if err != nil {
		return nil, err
	}
	// The creator listens to its own session.
	if err := r.Subscribe(caller.ClientID, sess.ID); err != nil {
		r.logger.Warn("auto-subscribe failed", "client_id", caller.ClientID, "session_id", sess.ID, "error", err)
	}
	return sess, nil
}

func (r *Router) handleSessionUpdate(_ context.Context, caller Caller, env protocol.Envelope) (any, error) {
	var req protocol.SessionUpdateRequest
	if err := env.DecodePayload(&req); err != nil {
		return nil, err
	}
	id := pick(req.SessionID, env.SessionID)
	if _, err := r.OwnedSession(caller, id); err != nil {
		return nil, err
	}
	return r.ApplySessionUpdate(id, req)
}

func (r *Router) handleSessionClose(_ context.Context, caller Caller, env protocol.Envelope) (any, error) {
	var req protocol.SessionRef
	if err := env.DecodePayload(&req); err != nil {
		return nil, err
	}
	id := pick(req.SessionID, env.SessionID)
	if _, err := r.OwnedSession(caller, id); err != nil {
		return nil, err
	}
	return map[string]any{"sessionId": id, "closed": r.CloseSession(id)}, nil
}

func (r *Router) handleSessionList(_ context.Context, caller Caller, env protocol.Envelope) (any, error) {
	var req protocol.SessionListRequest
	if err := env.DecodePayload(&req); err != nil {
		return nil, err
	}
	userID := req.UserID
	if caller.UserID != "" && !caller.IsAdmin() {
		userID = caller.UserID
	}
	return map[string]any{"sessions": r.ListSessions(userID)}, nil
}

func (r *Router) handleSubscribe(_ context.Context, caller Caller, env protocol.Envelope) (any, error) {
	var req protocol.SessionRef
	if err := env.DecodePayload(&req); err != nil {
		return nil, err
	}
	id := pick(req.SessionID, env.SessionID)
	if _, err := r.OwnedSession(caller, id); err != nil {
		return nil, err
	}
	if err := r.Subscribe(caller.ClientID, id); err != nil {
		return nil, err
	}
	return map[string]any{"sessionId": id, "subscribed": true}, nil
}

func (r *Router) handleUnsubscribe(_ context.Context, caller Caller, env protocol.Envelope) (any, error) {
	var req protocol.SessionRef
	if err := env.DecodePayload(&req); err != nil {
		return nil, err
	}
	id := pick(req.SessionID, env.SessionID)
	return map[string]any{"sessionId": id, "subscribed": false, "removed": r.Unsubscribe(caller.ClientID, id)}, nil
}

func (r *Router) handleMessageSend(_ context.Context, caller Caller, env protocol.Envelope) (any, error) {
	var req protocol.MessageSendRequest
	if err := env.DecodePayload(&req); err != nil {
		return nil, err
	}
	id := pick(req.SessionID, env.SessionID)
	if _, err := r.OwnedSession(caller, id); err != nil {
		return nil, err
	}
	role := pick(req.Role, "user")
	sent, err := r.SendMessage(id, protocol.MessagePayload{Role: role, Content: req.Content})
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessionId": id, "messageId": sent.ID}, nil
}

func (r *Router) handleMessageStream(_ context.Context, caller Caller, env protocol.Envelope) (any, error) {
	var chunk protocol.StreamChunk
	if err := env.DecodePayload(&chunk); err != nil {
		return nil, err
	}
	id := pick(chunk.SessionID, env.SessionID)
	if _, err := r.OwnedSession(caller, id); err != nil {
		return nil, err
	}
	if _, err := r.StreamMessage(id, chunk); err != nil {
		return nil, err
	}
	return nil, nil
}

// handleToolInvoke runs the invocation in the background so the caller's
// connection keeps reading (it may be the one that answers with tool.result).
func (r *Router) handleToolInvoke(ctx context.Context, caller Caller, env protocol.Envelope) (any, error) {
	var inv protocol.ToolInvocation
	if err := env.DecodePayload(&inv); err != nil {
		return nil, err
	}
	if inv.ToolID == "" {
		return nil, errors.New("toolId is required")
	}
	inv.SessionID = pick(inv.SessionID, env.SessionID)
	if inv.SessionID != "" {
		if _, err := r.OwnedSession(caller, inv.SessionID); err != nil {
			return nil, err
		}
	}
	inv.InvocationID = pick(inv.InvocationID, env.ID)

	bg := context.WithoutCancel(ctx)
	go func() {
		res := r.InvokeTool(bg, inv)
		r.reply(caller.ClientID, env, res)
	}()
	return nil, nil
}

func (r *Router) handleToolResult(_ context.Context, _ Caller, env protocol.Envelope) (any, error) {
	var res protocol.ToolResultPayload
	if err := env.DecodePayload(&res); err != nil {
		return nil, err
	}
	if res.InvocationID == "" {
		return nil, errors.New("invocationId is required")
	}
	return map[string]any{"invocationId": res.InvocationID, "resolved": r.ResolveToolResult(res.InvocationID, res)}, nil
}

func (r *Router) handleSkillInstall(_ context.Context, _ Caller, env protocol.Envelope) (any, error) {
	var sk protocol.InstalledSkill
	if err := env.DecodePayload(&sk); err != nil {
		return nil, err
	}
	if err := r.InstallSkill(sk); err != nil {
		return nil, err
	}
	return sk, nil
}

func (r *Router) handleSkillUninstall(_ context.Context, _ Caller, env protocol.Envelope) (any, error) {
	var ref protocol.SkillRef
	if err := env.DecodePayload(&ref); err != nil {
		return nil, err
	}
	return map[string]any{"name": ref.Name, "removed": r.UninstallSkill(ref.Name)}, nil
}

func (r *Router) handleSkillList(context.Context, Caller, protocol.Envelope) (any, error) {
	return map[string]any{"skills": r.ListSkills()}, nil
}

func (r *Router) handleChannelConnect(_ context.Context, _ Caller, env protocol.Envelope) (any, error) {
	var req protocol.ChannelConnectRequest
	if err := env.DecodePayload(&req); err != nil {
		return nil, err
	}
	return r.ConnectChannel(req.Type, req.Name, req.Config)
}

func (r *Router) handleChannelDisconnect(_ context.Context, _ Caller, env protocol.Envelope) (any, error) {
	var ref protocol.ChannelRef
	if err := env.DecodePayload(&ref); err != nil {
		return nil, err
	}
	id := pick(ref.ChannelID, env.ChannelID)
	return map[string]any{"channelId": id, "removed": r.DisconnectChannel(id)}, nil
}

func (r *Router) handleChannelStatus(_ context.Context, _ Caller, env protocol.Envelope) (any, error) {
	var ref protocol.ChannelRef
	if err := env.DecodePayload(&ref); err != nil {
		return nil, err
	}
	if id := pick(ref.ChannelID, env.ChannelID); id != "" {
		ch := r.GetChannel(id)
		if ch == nil {
			return nil, fmt.Errorf("channel %s not found", id)
		}
		return ch, nil
	}
	return map[string]any{"channels": r.ListChannels()}, nil
}

func (r *Router) handleAgentSpawn(_ context.Context, _ Caller, env protocol.Envelope) (any, error) {
	var req protocol.AgentSpawnRequest
	if err := env.DecodePayload(&req); err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, errors.New("name is required")
	}
	return r.SpawnAgent(req.Name, req.Capabilities, req.Route, WithAgentID(req.ID))
}

func (r *Router) handleAgentStop(_ context.Context, _ Caller, env protocol.Envelope) (any, error) {
	var ref protocol.AgentRef
	if err := env.DecodePayload(&ref); err != nil {
		return nil, err
	}
	if err := r.StopAgent(ref.AgentID); err != nil {
		return nil, err
	}
	return map[string]any{"agentId": ref.AgentID, "stopped": true}, nil
}

func (r *Router) handleAgentList(context.Context, Caller, protocol.Envelope) (any, error) {
	return map[string]any{"agents": r.ListAgents()}, nil
}

func (r *Router) handlePresenceUpdate(_ context.Context, caller Caller, env protocol.Envelope) (any, error) {
	var req protocol.PresenceUpdate
	if err := env.DecodePayload(&req); err != nil {
		return nil, err
	}
	if req.Status == "" {
		return nil, errors.New("status is required")
	}
	id := pick(req.SessionID, env.SessionID)
	if _, err := r.OwnedSession(caller, id); err != nil {
		return nil, err
	}
	_, err := r.UpdatePresence(id, caller.UserID, req.Status)
	return nil, err
}
