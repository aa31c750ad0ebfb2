package router

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lisa-ai/lisa/pkg/protocol"
)

// wsSender writes envelopes to one WebSocket connection.
type wsSender struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes, shared with KeepAlive
}

func (s *wsSender) Send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// BearerToken extracts a client token from the ?token= query parameter or
// the Authorization header.
func BearerToken(req *http.Request) string {
	// Browsers cannot set headers on the WebSocket handshake, hence the
	// query parameter.
	if tok := req.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if tok, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer "); ok {
		return tok
	}
	return ""
}

// HandleClientWS authenticates, upgrades and serves one client connection.
func (r *Router) HandleClientWS(w http.ResponseWriter, req *http.Request) {
	if r.authn == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ident, err := r.authn.Authenticate(req.Context(), BearerToken(req))
	if err != nil {
		r.logger.Info("client websocket rejected", "remote", req.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("client websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(r.maxMessageBytes)

	clientID := uuid.New().String()
	sender := &wsSender{conn: conn}
	if _, err := r.RegisterIdentity(clientID, ident, sender); err != nil {
		r.logger.Warn("client registration failed", "client_id", clientID, "error", err)
		return
	}
	defer r.UnregisterClient(clientID)

	stop := KeepAlive(conn, &sender.mu)
	defer stop()

	ctx := req.Context()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			r.logger.Debug("client read error", "client_id", clientID, "error", err)
			return
		}
		// Failures are already reported to the client.
		_ = r.HandleRaw(ctx, clientID, data)
	}
}
