// Package protocol defines the wire protocol exchanged between Lisa clients
// (web chat, channel adapters, API callers) and the gateway over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with a "type" field
// that determines the payload structure.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	SessionID string  `json:"sessionId,omitempty"`
	ChannelID string  `json:"channelId,omitempty"`
	ReplyTo   string  `json:"replyTo,omitempty"` // id of the request this answers
	Payload   any     `json:"payload"`
	Timestamp float64 `json:"timestamp"` // milliseconds since epoch
}

// New builds an outbound envelope with a fresh id and the current time.
func New(msgType, sessionID string, payload any) Envelope {
	if payload == nil {
		payload = struct{}{}
	}
	return Envelope{
		ID:        uuid.New().String(),
		Type:      msgType,
		SessionID: sessionID,
		Payload:   payload,
		Timestamp: Now(),
	}
}

// Now returns the current time in envelope timestamp units.
func Now() float64 {
	return float64(time.Now().UnixMilli())
}

// Time converts an envelope timestamp to a time.Time.
func (e Envelope) Time() time.Time {
	return time.UnixMilli(int64(e.Timestamp))
}

// DecodePayload re-marshals the loosely typed payload into v.
func (e Envelope) DecodePayload(v any) error {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// --- Message type constants ---

const (
	// Sessions
	TypeSessionCreate      = "session.create"
	TypeSessionUpdate      = "session.update"
	TypeSessionClose       = "session.close"
	TypeSessionList        = "session.list"
	TypeSessionSubscribe   = "session.subscribe"
	TypeSessionUnsubscribe = "session.unsubscribe"

	// Messages
	TypeMessageSend    = "message.send"
	TypeMessageReceive = "message.receive"
	TypeMessageStream  = "message.stream"

	// Tools
	TypeToolInvoke = "tool.invoke"
	TypeToolResult = "tool.result"

	// Skills
	TypeSkillInstall   = "skill.install"
	TypeSkillUninstall = "skill.uninstall"
	TypeSkillList      = "skill.list"

	// Channels
	TypeChannelConnect    = "channel.connect"
	TypeChannelDisconnect = "channel.disconnect"
	TypeChannelStatus     = "channel.status"

	// Agents
	TypeAgentSpawn = "agent.spawn"
	TypeAgentStop  = "agent.stop"
	TypeAgentList  = "agent.list"

	TypePresenceUpdate = "presence.update"
	TypeError          = "error"
)

// Error codes carried by error envelopes.
const (
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeUnregisteredClient = "UNREGISTERED_CLIENT"
	CodePermissionDenied   = "PERMISSION_DENIED"
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	CodeHandlerError       = "HANDLER_ERROR"
)

// ErrorResponse carries a processing failure back to the requesting client.
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// --- Entities ---

// Session status values.
const (
	SessionActive    = "active"
	SessionIdle      = "idle"
	SessionSuspended = "suspended"
	SessionClosed    = "closed"
)

// Session is a conversation between one user on one channel and one agent.
type Session struct {
	ID             string         `json:"id"`
	AgentID        string         `json:"agentId"`
	ChannelID      string         `json:"channelId,omitempty"`
	ChannelType    string         `json:"channelType"`
	UserID         string         `json:"userId"`
	Metadata       map[string]any `json:"metadata"`
	Status         string         `json:"status"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastActivityAt time.Time      `json:"lastActivityAt"`
}

// ClientInfo describes a registered connection.
type ClientInfo struct {
	ID          string    `json:"id"`
	Role        string    `json:"role"`
	UserID      string    `json:"userId,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Channel status values.
const (
	ChannelConnected    = "connected"
	ChannelDisconnected = "disconnected"
	ChannelError        = "error"
)

// Channel is an external messaging surface known to the gateway.
type Channel struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Name   string         `json:"name"`
	Config map[string]any `json:"config,omitempty"`
	Status string         `json:"status"`
}

// Agent status values.
const (
	AgentRunning = "running"
	AgentStopped = "stopped"
)

// AgentInfo describes a routable agent and the sessions it owns.
type AgentInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	SessionIDs   []string  `json:"sessionIds"`
	StartedAt    time.Time `json:"startedAt"`
	Capabilities []string  `json:"capabilities"`
}

// AgentRoute maps channel types and user patterns to an agent.
type AgentRoute struct {
	AgentID      string   `json:"agentId"`
	Priority     int      `json:"priority"`
	ChannelTypes []string `json:"channelTypes,omitempty"`
	UserPatterns []string `json:"userPatterns,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// InstalledSkill is a skill descriptor keyed by name.
type InstalledSkill struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	EntryPoint  string `json:"entryPoint"`
	Enabled     bool   `json:"enabled"`
}

// Presence records the last known status of a session's user.
type Presence struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId,omitempty"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ToolResult is the outcome of a tool invocation. Failures are values.
type ToolResult struct {
	ToolID   string `json:"toolId"`
	Success  bool   `json:"success"`
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
	Duration int64  `json:"duration"` // milliseconds
}

// --- Request payloads ---

// SessionCreateRequest asks the gateway to open a session.
type SessionCreateRequest struct {
	UserID      string         `json:"userId,omitempty"`
	ChannelType string         `json:"channelType"`
	ChannelID   string         `json:"channelId,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SessionUpdateRequest merges metadata into a session and optionally moves
// it to active, idle or suspended.
type SessionUpdateRequest struct {
	SessionID string         `json:"sessionId,omitempty"`
	Metadata  map[string]any `json:"metadata"`
	Status    string         `json:"status,omitempty"`
}

// SessionRef names a session in close/subscribe/unsubscribe payloads.
type SessionRef struct {
	SessionID string `json:"sessionId,omitempty"`
}

// SessionListRequest filters session.list by user.
type SessionListRequest struct {
	UserID string `json:"userId,omitempty"`
}

// MessageSendRequest carries user or assistant content for a session.
type MessageSendRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Role      string `json:"role,omitempty"`
	Content   any    `json:"content"`
}

// MessagePayload is delivered to subscribers as message.receive.
type MessagePayload struct {
	SessionID string `json:"sessionId"`
	Seq       int64  `json:"seq"`
	Role      string `json:"role,omitempty"`
	Content   any    `json:"content"`
}

// StreamChunk is one partial payload of a streamed reply.
type StreamChunk struct {
	SessionID string `json:"sessionId,omitempty"`
	StreamID  string `json:"streamId,omitempty"`
	Seq       int64  `json:"seq"`
	Delta     string `json:"delta"`
	Done      bool   `json:"done"`
}

// ToolInvocation requests execution of a named tool.
type ToolInvocation struct {
	InvocationID string         `json:"invocationId,omitempty"`
	ToolID       string         `json:"toolId"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	SessionID    string         `json:"sessionId,omitempty"`
}

// ToolResultPayload resolves a pending invocation. Success may be omitted;
// a resolution without an error counts as successful.
type ToolResultPayload struct {
	InvocationID string `json:"invocationId"`
	Success      *bool  `json:"success,omitempty"`
	Result       any    `json:"result,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Succeeded reports whether the resolver reported success.
func (p ToolResultPayload) Succeeded() bool {
	return p.Error == "" && (p.Success == nil || *p.Success)
}

// SkillRef names a skill in uninstall payloads.
type SkillRef struct {
	Name string `json:"name"`
}

// AgentSpawnRequest starts an agent, optionally with a route fragment.
type AgentSpawnRequest struct {
	ID           string      `json:"id,omitempty"`
	Name         string      `json:"name"`
	Capabilities []string    `json:"capabilities,omitempty"`
	Route        *AgentRoute `json:"route,omitempty"`
}

// AgentRef names an agent in stop payloads.
type AgentRef struct {
	AgentID string `json:"agentId"`
}

// ChannelConnectRequest registers a channel.
type ChannelConnectRequest struct {
	Type   string         `json:"type"`
	Name   string         `json:"name"`
	Config map[string]any `json:"config,omitempty"`
}

// ChannelRef names a channel; empty means all channels.
type ChannelRef struct {
	ChannelID string `json:"channelId,omitempty"`
}

// PresenceUpdate reports a status change for a session.
type PresenceUpdate struct {
	SessionID string `json:"sessionId,omitempty"`
	Status    string `json:"status"`
}

// --- Configuration snapshot ---

// SnapshotVersion is the current ConfigSnapshot format.
const SnapshotVersion = 1

// AgentSpec is the persisted form of an agent: identity and capabilities,
// never its live sessions.
type AgentSpec struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// ConfigSnapshot is the exportable state of the skill, agent and route
// registries.
type ConfigSnapshot struct {
	Version        int              `json:"version"`
	DefaultAgentID string           `json:"defaultAgentId"`
	Skills         []InstalledSkill `json:"skills"`
	Agents         []AgentSpec      `json:"agents"`
	Routes         []AgentRoute     `json:"routes"`
	ExportedAt     time.Time        `json:"exportedAt"`
}
