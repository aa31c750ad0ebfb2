// Package router is the gateway core: it registers clients, owns the session,
// agent, route, skill and channel registries, and dispatches inbound envelopes
// through the validate, identify, authorize and dispatch pipeline.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lisa-ai/lisa/gateway/auth"
	"github.com/lisa-ai/lisa/gateway/config"
	"github.com/lisa-ai/lisa/gateway/events"
	"github.com/lisa-ai/lisa/gateway/routing"
	"github.com/lisa-ai/lisa/pkg/protocol"
)

var (
	ErrTooManySessions  = errors.New("maximum sessions reached")
	ErrSessionNotFound  = errors.New("session not found")
	ErrClientNotFound   = errors.New("client not registered")
	ErrClientExists     = errors.New("client already registered")
	ErrAgentNotFound    = errors.New("agent not found")
	ErrAgentExists      = errors.New("agent already exists")
	ErrSkillExists      = errors.New("skill already installed")
	ErrSkillNotFound    = errors.New("skill not found")
	ErrChannelDisabled  = errors.New("channel type not enabled")
	ErrExecutorAttached = errors.New("tool executor already attached")
	ErrForbidden        = errors.New("not your session")
	ErrInvalidStatus    = errors.New("invalid session status")
	ErrInvalidRoute     = errors.New("route requires an agent id")
	ErrSnapshotVersion  = errors.New("unsupported snapshot version")
)

// Sender delivers an envelope to one connected client.
type Sender interface {
	Send(env protocol.Envelope) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(env protocol.Envelope) error

func (f SenderFunc) Send(env protocol.Envelope) error { return f(env) }

// Options configures the Router.
type Options struct {
	MaxPerUser      int // 0 = unlimited
	IdleTimeout     time.Duration
	PruneInterval   time.Duration
	ToolTimeout     time.Duration
	DefaultAgentID  string
	Routes          []protocol.AgentRoute
	EnabledChannels []string // empty = all channel types
	AllowedOrigins  []string // for WebSocket origin check
	MaxMessageBytes int64
	Events          *events.Bus
}

// OptionsFromConfig maps the loaded configuration onto router options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxPerUser:      cfg.Sessions.MaxPerUser,
		IdleTimeout:     cfg.Sessions.IdleTimeout.Duration,
		PruneInterval:   cfg.Sessions.PruneInterval.Duration,
		ToolTimeout:     cfg.Tools.ResultTimeout.Duration,
		DefaultAgentID:  cfg.Routing.DefaultAgentID,
		Routes:          cfg.Routing.Routes,
		EnabledChannels: cfg.Channels.Enabled,
		AllowedOrigins:  cfg.Server.CORS.Origins,
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
	}
}

// Router is the gateway instance. Construct one per process (or per test)
// with New; there is no package-level state.
type Router struct {
	authn    *auth.Authenticator
	logger   *slog.Logger
	bus      *events.Bus
	upgrader websocket.Upgrader

	maxPerUser      int
	idleTimeout     time.Duration
	pruneInterval   time.Duration
	toolTimeout     time.Duration
	maxMessageBytes int64
	enabledChannels map[string]bool

	// mu guards every registry below. Per-session stream locks are always
	// taken before mu, never while holding it.
	mu          sync.RWMutex
	clients     map[string]*client
	subscribers map[string]map[string]*client // session_id -> client_id -> client
	sessions    map[string]*sessionEntry
	agents      map[string]*protocol.AgentInfo
	routes      *routing.Table
	skills      map[string]protocol.InstalledSkill
	channels    map[string]*protocol.Channel
	presence    map[string]protocol.Presence
	pending     map[string]chan protocol.ToolResultPayload
	executor    ToolExecutor
	handlers    map[string]Handler
	listeners   map[*messageListener]struct{}
}

type client struct {
	info   protocol.ClientInfo
	role   auth.Role
	sender Sender
}

// New creates a Router. authn may be nil, in which case only
// RegisterIdentity can add clients.
func New(authn *auth.Authenticator, logger *slog.Logger, opts Options) *Router {
	toolTimeout := opts.ToolTimeout
	if toolTimeout <= 0 {
		toolTimeout = 30 * time.Second
	}
	pruneInterval := opts.PruneInterval
	if pruneInterval <= 0 {
		pruneInterval = 60 * time.Second
	}
	maxBytes := opts.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}
	var enabled map[string]bool
	if len(opts.EnabledChannels) > 0 {
		enabled = make(map[string]bool, len(opts.EnabledChannels))
		for _, c := range opts.EnabledChannels {
			enabled[c] = true
		}
	}

	r := &Router{
		authn:           authn,
		logger:          logger.With("component", "router"),
		bus:             opts.Events,
		upgrader:        NewUpgrader(opts.AllowedOrigins),
		maxPerUser:      opts.MaxPerUser,
		idleTimeout:     opts.IdleTimeout,
		pruneInterval:   pruneInterval,
		toolTimeout:     toolTimeout,
		maxMessageBytes: maxBytes,
		enabledChannels: enabled,
		clients:         make(map[string]*client),
		subscribers:     make(map[string]map[string]*client),
		sessions:        make(map[string]*sessionEntry),
		agents:          make(map[string]*protocol.AgentInfo),
		routes:          routing.NewTable(opts.DefaultAgentID, opts.Routes),
		skills:          make(map[string]protocol.InstalledSkill),
		channels:        make(map[string]*protocol.Channel),
		presence:        make(map[string]protocol.Presence),
		pending:         make(map[string]chan protocol.ToolResultPayload),
		handlers:        make(map[string]Handler),
		listeners:       make(map[*messageListener]struct{}),
	}
	r.registerBuiltinHandlers()
	return r
}

// --- Clients ---

// RegisterClient authenticates token and registers the client under id.
func (r *Router) RegisterClient(ctx context.Context, id, token string, sender Sender) (*protocol.ClientInfo, error) {
	if r.authn == nil {
		return nil, auth.ErrUnauthorized
	}
	ident, err := r.authn.Authenticate(ctx, token)
	if err != nil {
		r.logger.Info("client registration refused", "client_id", id, "error", err)
		return nil, err
	}
	return r.RegisterIdentity(id, ident, sender)
}

// RegisterIdentity registers a client whose identity is already established.
func (r *Router) RegisterIdentity(id string, ident *auth.Identity, sender Sender) (*protocol.ClientInfo, error) {
	c := &client{
		info: protocol.ClientInfo{
			ID:          id,
			Role:        string(ident.Role),
			UserID:      ident.UserID,
			ConnectedAt: time.Now(),
		},
		role:   ident.Role,
		sender: sender,
	}

	r.mu.Lock()
	if _, ok := r.clients[id]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrClientExists, id)
	}
	r.clients[id] = c
	r.mu.Unlock()

	r.logger.Info("client registered", "client_id", id, "role", ident.Role, "user_id", ident.UserID)
	info := c.info
	return &info, nil
}

// UnregisterClient removes the client and its subscriptions.
func (r *Router) UnregisterClient(id string) bool {
	r.mu.Lock()
	_, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
		for sessID, subs := range r.subscribers {
			delete(subs, id)
			if len(subs) == 0 {
				delete(r.subscribers, sessID)
			}
		}
	}
	r.mu.Unlock()

	if ok {
		r.logger.Info("client unregistered", "client_id", id)
	}
	return ok
}

// Client returns the registered client's info.
func (r *Router) Client(id string) (*protocol.ClientInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	if !ok {
		return nil, false
	}
	info := c.info
	return &info, true
}

// ListClients returns every registered client.
func (r *Router) ListClients() []protocol.ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.ClientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c.info)
	}
	return out
}

// Permissions returns the capability map of a registered client.
func (r *Router) Permissions(clientID string) (auth.Permissions, bool) {
	r.mu.RLock()
	c, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return auth.PermissionsFor(c.role), true
}

// CheckPermission reports whether the client may send msgType.
func (r *Router) CheckPermission(clientID, msgType string) bool {
	r.mu.RLock()
	c, ok := r.clients[clientID]
	r.mu.RUnlock()
	return ok && auth.Allowed(c.role, msgType)
}

// --- Delivery helpers ---

// Broadcast sends an envelope to every registered client.
func (r *Router) Broadcast(msgType, sessionID string, payload any) {
	env := protocol.New(msgType, sessionID, payload)

	r.mu.RLock()
	targets := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	r.deliver(targets, env)
}

// broadcastToSession sends an envelope to the session's subscribers only.
func (r *Router) broadcastToSession(env protocol.Envelope) int {
	r.mu.RLock()
	subs := r.subscribers[env.SessionID]
	targets := make([]*client, 0, len(subs))
	for _, c := range subs {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	r.deliver(targets, env)
	return len(targets)
}

func (r *Router) deliver(targets []*client, env protocol.Envelope) {
	for _, c := range targets {
		if err := c.sender.Send(env); err != nil {
			r.logger.Debug("send to client failed", "client_id", c.info.ID, "type", env.Type, "error", err)
		}
	}
}

// sendTo unicasts an envelope to one client.
func (r *Router) sendTo(clientID string, env protocol.Envelope) {
	r.mu.RLock()
	c, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	r.deliver([]*client{c}, env)
}

func (r *Router) publish(e events.Event) {
	r.bus.Publish(e)
}
