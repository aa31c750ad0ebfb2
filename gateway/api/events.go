package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lisa-ai/lisa/gateway/auth"
	"github.com/lisa-ai/lisa/gateway/events"
	"github.com/lisa-ai/lisa/gateway/router"
)

const eventWriteWait = 10 * time.Second

// handleEvents streams gateway events to an admin over a WebSocket. The
// optional ?types= query takes a comma-separated list of event types.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authn.Authenticate(r.Context(), router.BearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	if identity.Role != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin access required")
		return
	}
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}

	var types []events.Type
	if q := r.URL.Query().Get("types"); q != "" {
		for _, t := range strings.Split(q, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, events.Type(t))
			}
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("event stream upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	sub := s.events.Subscribe(types...)
	defer s.events.Unsubscribe(sub)

	var mu sync.Mutex
	stop := router.KeepAlive(conn, &mu)
	defer stop()

	// The peer never sends data; reading keeps pong and close handling alive.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	s.logger.Info("event stream opened", "remote", r.RemoteAddr, "types", len(types))
	for {
		select {
		case <-gone:
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("event encode failed", "type", ev.Type, "error", err)
				continue
			}
			mu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			err = conn.WriteMessage(websocket.TextMessage, data)
			mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
