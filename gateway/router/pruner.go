package router

import (
	"context"
	"time"

	"github.com/lisa-ai/lisa/gateway/events"
	"github.com/lisa-ai/lisa/pkg/protocol"
)

// Prune demotes active sessions whose last activity is older than the idle
// timeout to idle and returns their ids. Subscribers get a session.update.
func (r *Router) Prune(now time.Time) []string {
	if r.idleTimeout <= 0 {
		return nil
	}
	cutoff := now.Add(-r.idleTimeout)

	r.mu.Lock()
	var demoted []protocol.Session
	for _, e := range r.sessions {
		if e.session.Status == protocol.SessionActive && e.session.LastActivityAt.Before(cutoff) {
			e.session.Status = protocol.SessionIdle
			demoted = append(demoted, cloneSession(e.session))
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(demoted))
	for _, sess := range demoted {
		ids = append(ids, sess.ID)
		r.broadcastToSession(protocol.New(protocol.TypeSessionUpdate, sess.ID, sess))
		r.publish(events.Event{Type: events.SessionIdle, SessionID: sess.ID, AgentID: sess.AgentID})
		r.logger.Info("session idle", "session_id", sess.ID, "idle_timeout", r.idleTimeout)
	}
	return ids
}

// StartPruner runs Prune every prune interval until ctx is done.
func (r *Router) StartPruner(ctx context.Context) {
	if r.idleTimeout <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(r.pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if ids := r.Prune(now); len(ids) > 0 {
					r.logger.Debug("pruner sweep", "demoted", len(ids))
				}
			}
		}
	}()
}
