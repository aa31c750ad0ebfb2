// Package gateway is the orchestrator that ties the gateway components
// together: storage, authentication, the router and the HTTP API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lisa-ai/lisa/gateway/api"
	"github.com/lisa-ai/lisa/gateway/auth"
	"github.com/lisa-ai/lisa/gateway/config"
	"github.com/lisa-ai/lisa/gateway/events"
	"github.com/lisa-ai/lisa/gateway/router"
	"github.com/lisa-ai/lisa/gateway/skills"
	"github.com/lisa-ai/lisa/gateway/store"
)

// Gateway is the main gateway process.
type Gateway struct {
	cfg    *config.Config
	store  store.Store // nil when storage.driver is none
	events *events.Bus
	router *router.Router
	api    *api.Server
	logger *slog.Logger
}

// ParseLevel maps a logging.level value onto a slog level.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewLogger builds the process logger. With a bus, records at info and above
// are also published as log.entry events.
func NewLogger(cfg config.LoggingConfig, w io.Writer, bus *events.Bus) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	if bus != nil {
		handler = events.NewSlogHandler(handler, bus, slog.LevelInfo)
	}
	return slog.New(handler)
}

// New creates a gateway from configuration and restores its registries. A
// nil bus gets a fresh one.
func New(ctx context.Context, cfg *config.Config, bus *events.Bus, logger *slog.Logger) (*Gateway, error) {
	if bus == nil {
		bus = events.New()
	}

	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authn, err := auth.New(cfg.Auth)
	if err != nil {
		closeStore(db)
		return nil, fmt.Errorf("init auth: %w", err)
	}

	opts := router.OptionsFromConfig(cfg)
	opts.Events = bus
	rt := router.New(authn, logger, opts)

	g := &Gateway{
		cfg:    cfg,
		store:  db,
		events: bus,
		router: rt,
		api:    api.NewServer(rt, authn, db, bus, cfg, logger),
		logger: logger.With("component", "gateway"),
	}
	if err := g.restore(ctx); err != nil {
		closeStore(db)
		return nil, err
	}

	if authn.Mode() == auth.ModeNone {
		g.logger.Warn("auth.mode is none, every client is an admin (development only)")
	}
	for _, origin := range cfg.Server.CORS.Origins {
		if origin == "*" {
			g.logger.Warn("CORS origins contain wildcard '*', restrict to specific origins in production")
			break
		}
	}
	return g, nil
}

// restore loads the stored snapshot, then adds configured agents and skills
// the snapshot does not already know about.
func (g *Gateway) restore(ctx context.Context) error {
	if g.store != nil {
		snap, err := g.store.LoadSnapshot(ctx)
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		if snap != nil {
			if err := g.router.Import(*snap); err != nil {
				return fmt.Errorf("restore snapshot: %w", err)
			}
			g.logger.Info("registries restored from store",
				"agents", len(snap.Agents), "routes", len(snap.Routes), "skills", len(snap.Skills))
		}
	}

	for _, a := range g.cfg.Agents {
		_, err := g.router.SpawnAgent(a.Name, a.Capabilities, a.Route, router.WithAgentID(a.ID))
		switch {
		case errors.Is(err, router.ErrAgentExists):
			// Restored agents keep their stored routes.
		case err != nil:
			return fmt.Errorf("spawn agent %s: %w", a.ID, err)
		}
	}

	if g.cfg.Skills.Dir != "" {
		loaded, err := skills.LoadDir(g.cfg.Skills.Dir, g.logger)
		if err != nil {
			return fmt.Errorf("load skills: %w", err)
		}
		for _, sk := range loaded {
			if err := g.router.InstallSkill(sk); err != nil && !errors.Is(err, router.ErrSkillExists) {
				return fmt.Errorf("install skill %s: %w", sk.Name, err)
			}
		}
	}
	return nil
}

// Router returns the gateway's router.
func (g *Gateway) Router() *router.Router { return g.router }

// Handler returns the HTTP handler serving the API and WebSocket endpoints.
func (g *Gateway) Handler() http.Handler { return g.api.Handler() }

// Save writes the current registries to the store, if one is configured.
func (g *Gateway) Save(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	snap := g.router.Export()
	return g.store.SaveSnapshot(ctx, &snap)
}

// Run serves HTTP and prunes idle sessions until ctx is cancelled, then
// saves a snapshot and releases the store.
func (g *Gateway) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              g.cfg.Server.Addr(),
		Handler:           g.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.router.StartPruner(ctx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		g.logger.Info("shutting down gateway gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			g.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}
		g.Close(shutdownCtx)
		g.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		g.Close(context.Background())
		return err
	}
}

// Close saves a final snapshot, closes the store and ends event streams.
func (g *Gateway) Close(ctx context.Context) {
	if err := g.Save(ctx); err != nil {
		g.logger.Warn("failed to save snapshot", "error", err)
	}
	closeStore(g.store)
	g.events.Close()
}

// Release closes the store and event bus without saving, for one-shot
// commands that only read the registries.
func (g *Gateway) Release() {
	closeStore(g.store)
	g.events.Close()
}

func closeStore(s store.Store) {
	if s != nil {
		_ = s.Close()
	}
}
