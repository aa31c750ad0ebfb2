// Package api provides the HTTP API and middleware for the gateway.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/lisa-ai/lisa/gateway/auth"
	"github.com/lisa-ai/lisa/gateway/config"
	"github.com/lisa-ai/lisa/gateway/events"
	"github.com/lisa-ai/lisa/gateway/router"
	"github.com/lisa-ai/lisa/gateway/store"
	"github.com/lisa-ai/lisa/pkg/protocol"
)

// Server is the HTTP API server.
type Server struct {
	router       *router.Router
	authn        *auth.Authenticator
	store        store.Store // nil when persistence is off
	events       *events.Bus // nil disables /api/events
	logger       *slog.Logger
	mux          *chi.Mux
	upgrader     websocket.Upgrader
	startTime    time.Time
	maxBodyBytes int64
}

// NewServer creates a new API server.
func NewServer(rt *router.Router, authn *auth.Authenticator, st store.Store, bus *events.Bus, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		router:       rt,
		authn:        authn,
		store:        st,
		events:       bus,
		logger:       logger.With("component", "api"),
		upgrader:     router.NewUpgrader(cfg.Server.CORS.Origins),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	}
	if srv.maxBodyBytes <= 0 {
		srv.maxBodyBytes = 1 << 20
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.CORS.Origins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// WebSocket routes (auth handled inside)
	mux.Get("/ws", rt.HandleClientWS)
	mux.Get("/api/events", srv.handleEvents)

	mux.Route("/api", func(r chi.Router) {
		r.Use(srv.authMiddleware)

		r.Get("/me", srv.handleGetMe)

		r.With(requirePermission(auth.PermSessionsRead)).Get("/sessions", srv.handleListSessions)
		r.With(requirePermission(auth.PermSessionsCreate)).Post("/sessions", srv.handleCreateSession)
		r.With(requirePermission(auth.PermSessionsRead)).Get("/sessions/{sessionID}", srv.handleGetSession)
		r.With(requirePermission(auth.PermSessionsWrite)).Patch("/sessions/{sessionID}", srv.handleUpdateSession)
		r.With(requirePermission(auth.PermSessionsWrite)).Post("/sessions/{sessionID}/close", srv.handleCloseSession)
		r.With(requirePermission(auth.PermMessagesSend)).Post("/sessions/{sessionID}/messages", srv.handleSendMessage)
		r.With(requirePermission(auth.PermMessagesSend)).Post("/sessions/{sessionID}/stream", srv.handleStreamMessage)

		r.With(requirePermission(auth.PermAgentsRead)).Get("/agents", srv.handleListAgents)
		r.With(requirePermission(auth.PermAgentsWrite)).Post("/agents", srv.handleSpawnAgent)
		r.With(requirePermission(auth.PermAgentsWrite)).Post("/agents/{agentID}/stop", srv.handleStopAgent)
		r.With(requirePermission(auth.PermAgentsRead)).Get("/routes", srv.handleRoutes)

		r.With(requirePermission(auth.PermSkillsRead)).Get("/skills", srv.handleListSkills)
		r.With(requirePermission(auth.PermSkillsWrite)).Post("/skills", srv.handleInstallSkill)
		r.With(requirePermission(auth.PermSkillsWrite)).Delete("/skills/{name}", srv.handleUninstallSkill)

		r.With(requirePermission(auth.PermChannelsRead)).Get("/channels", srv.handleListChannels)
		r.With(requirePermission(auth.PermChannelsWrite)).Post("/channels", srv.handleConnectChannel)
		r.With(requirePermission(auth.PermChannelsWrite)).Delete("/channels/{channelID}", srv.handleDisconnectChannel)

		r.With(requirePermission(auth.PermToolsInvoke)).Post("/tools/invoke", srv.handleInvokeTool)
		r.With(requirePermission(auth.PermToolsInvoke)).Post("/tools/{invocationID}/result", srv.handleToolResult)

		r.With(requirePermission(auth.PermConfigRead)).Get("/config/export", srv.handleExport)
		r.With(requirePermission(auth.PermConfigWrite)).Post("/config/import", srv.handleImport)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// --- Health ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	var perms []string
	for p, ok := range auth.PermissionsFor(identity.Role) {
		if ok {
			perms = append(perms, string(p))
		}
	}
	slices.Sort(perms)
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":      identity.UserID,
		"role":        identity.Role,
		"permissions": perms,
	})
}

// --- Sessions ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	userID := r.URL.Query().Get("userId")
	if !caller.IsAdmin() && caller.UserID != "" {
		userID = caller.UserID
	}
	writeJSON(w, http.StatusOK, s.router.ListSessions(userID))
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req protocol.SessionCreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ChannelType == "" {
		writeError(w, http.StatusBadRequest, "channelType is required")
		return
	}
	var opts []router.SessionOption
	if req.ChannelID != "" {
		opts = append(opts, router.WithChannelID(req.ChannelID))
	}
	sess, err := s.router.CreateSession(router.SessionUser(callerFrom(r), req.UserID), req.ChannelType, req.Metadata, opts...)
	if err != nil {
		writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// session resolves the {sessionID} path parameter for the caller.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*protocol.Session, bool) {
	sess, err := s.router.OwnedSession(callerFrom(r), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeRouterError(w, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if sess, ok := s.session(w, r); ok {
		writeJSON(w, http.StatusOK, sess)
	}
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req protocol.SessionUpdateRequest
	if !s.decode(w, r, &req) {
		return
	}
	updated, err := s.router.ApplySessionUpdate(sess.ID, req)
	if err != nil {
		writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if !s.router.CloseSession(sess.ID) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_closed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req protocol.MessageSendRequest
	if !s.decode(w, r, &req) {
		return
	}
	role := req.Role
	if role == "" {
		role = "user"
	}
	env, err := s.router.SendMessage(sess.ID, protocol.MessagePayload{Role: role, Content: req.Content})
	if err != nil {
		writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, env)
}

func (s *Server) handleStreamMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var chunk protocol.StreamChunk
	if !s.decode(w, r, &chunk) {
		return
	}
	out, err := s.router.StreamMessage(sess.ID, chunk)
	if err != nil {
		writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, out)
}

// --- Agents and routes ---

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.ListAgents())
}

func (s *Server) handleSpawnAgent(w http.ResponseWriter, r *http.Request) {
	var req protocol.AgentSpawnRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	agent, err := s.router.SpawnAgent(req.Name, req.Capabilities, req.Route, router.WithAgentID(req.ID))
	if err != nil {
		writeRouterError(w, err)
		return
	}
	s.persist(r.Context())
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.router.StopAgent(chi.URLParam(r, "agentID")); err != nil {
		writeRouterError(w, err)
		return
	}
	s.persist(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"routes":         s.router.Routes(),
		"defaultAgentId": s.router.DefaultAgentID(),
	}
	q := r.URL.Query()
	if channel := q.Get("channel"); channel != "" {
		resp["resolved"] = s.router.ResolveAgent(channel, q.Get("user"))
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Skills ---

func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.ListSkills())
}

func (s *Server) handleInstallSkill(w http.ResponseWriter, r *http.Request) {
	var skill protocol.InstalledSkill
	if !s.decode(w, r, &skill) {
		return
	}
	if skill.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.router.InstallSkill(skill); err != nil {
		writeRouterError(w, err)
		return
	}
	s.persist(r.Context())
	writeJSON(w, http.StatusCreated, skill)
}

func (s *Server) handleUninstallSkill(w http.ResponseWriter, r *http.Request) {
	if !s.router.UninstallSkill(chi.URLParam(r, "name")) {
		writeError(w, http.StatusNotFound, "skill not found")
		return
	}
	s.persist(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "uninstalled"})
}

// --- Channels ---

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.ListChannels())
}

func (s *Server) handleConnectChannel(w http.ResponseWriter, r *http.Request) {
	var req protocol.ChannelConnectRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	ch, err := s.router.ConnectChannel(req.Type, req.Name, req.Config)
	if err != nil {
		writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (s *Server) handleDisconnectChannel(w http.ResponseWriter, r *http.Request) {
	if !s.router.DisconnectChannel(chi.URLParam(r, "channelID")) {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": protocol.ChannelDisconnected})
}

// --- Tools ---

func (s *Server) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	var inv protocol.ToolInvocation
	if !s.decode(w, r, &inv) {
		return
	}
	if inv.ToolID == "" {
		writeError(w, http.StatusBadRequest, "toolId is required")
		return
	}
	if inv.SessionID != "" {
		if _, err := s.router.OwnedSession(callerFrom(r), inv.SessionID); err != nil {
			writeRouterError(w, err)
			return
		}
	}
	// Failures are part of the result, so this is always 200.
	writeJSON(w, http.StatusOK, s.router.InvokeTool(r.Context(), inv))
}

func (s *Server) handleToolResult(w http.ResponseWriter, r *http.Request) {
	var res protocol.ToolResultPayload
	if !s.decode(w, r, &res) {
		return
	}
	id := chi.URLParam(r, "invocationID")
	if !s.router.ResolveToolResult(id, res) {
		writeError(w, http.StatusNotFound, "no pending invocation "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invocationId": id, "resolved": true})
}

// --- Config snapshot ---

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.Export())
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var snap protocol.ConfigSnapshot
	if !s.decode(w, r, &snap) {
		return
	}
	if err := s.router.Import(snap); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.persist(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "imported",
		"skills": len(snap.Skills),
		"routes": len(snap.Routes),
		"agents": len(snap.Agents),
	})
}

// persist saves the current registries when a store is configured. A failed
// save is logged; the in-memory change stands.
func (s *Server) persist(ctx context.Context) {
	if s.store == nil {
		return
	}
	snap := s.router.Export()
	if err := s.store.SaveSnapshot(ctx, &snap); err != nil {
		s.logger.Warn("failed to persist snapshot", "error", err)
	}
}

// --- Helpers ---

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeRouterError maps router sentinel errors onto HTTP status codes.
func writeRouterError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, router.ErrSessionNotFound),
		errors.Is(err, router.ErrAgentNotFound),
		errors.Is(err, router.ErrSkillNotFound):
		status = http.StatusNotFound
	case errors.Is(err, router.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, router.ErrTooManySessions):
		status = http.StatusTooManyRequests
	case errors.Is(err, router.ErrAgentExists),
		errors.Is(err, router.ErrSkillExists):
		status = http.StatusConflict
	case errors.Is(err, router.ErrChannelDisabled),
		errors.Is(err, router.ErrInvalidStatus),
		errors.Is(err, router.ErrInvalidRoute),
		errors.Is(err, router.ErrSnapshotVersion):
		status = http.StatusBadRequest
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
