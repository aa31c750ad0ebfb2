package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lisa-ai/lisa/pkg/protocol"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS gateway_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS skills (
			name TEXT PRIMARY KEY,
			version TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			entry_point TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			capabilities TEXT NOT NULL DEFAULT '[]',
			position INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS routes (
			position INTEGER PRIMARY KEY,
			agent_id TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			channel_types TEXT NOT NULL DEFAULT '[]',
			user_patterns TEXT NOT NULL DEFAULT '[]',
			capabilities TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_routes_agent_id ON routes(agent_id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

// Ping verifies the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveSnapshot replaces all stored registry rows with snap.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *protocol.ConfigSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"gateway_meta", "skills", "agents", "routes"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	meta := map[string]string{
		metaDefaultAgent: snap.DefaultAgentID,
		metaExportedAt:   snap.ExportedAt.UTC().Format(time.RFC3339Nano),
		metaVersion:      strconv.Itoa(snap.Version),
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx, "INSERT INTO gateway_meta (key, value) VALUES (?, ?)", k, v); err != nil {
			return fmt.Errorf("insert meta %s: %w", k, err)
		}
	}

	for _, sk := range snap.Skills {
		enabled := 0
		if sk.Enabled {
			enabled = 1
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO skills (name, version, description, entry_point, enabled) VALUES (?, ?, ?, ?, ?)",
			sk.Name, sk.Version, sk.Description, sk.EntryPoint, enabled,
		); err != nil {
			return fmt.Errorf("insert skill %s: %w", sk.Name, err)
		}
	}

	for i, a := range snap.Agents {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO agents (id, name, capabilities, position) VALUES (?, ?, ?, ?)",
			a.ID, a.Name, encodeList(a.Capabilities), i,
		); err != nil {
			return fmt.Errorf("insert agent %s: %w", a.ID, err)
		}
	}

	for i, r := range snap.Routes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO routes (position, agent_id, priority, channel_types, user_patterns, capabilities)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			i, r.AgentID, r.Priority, encodeList(r.ChannelTypes), encodeList(r.UserPatterns), encodeList(r.Capabilities),
		); err != nil {
			return fmt.Errorf("insert route %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// LoadSnapshot reads the stored snapshot. It returns nil, nil when nothing
// has been saved yet.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context) (*protocol.ConfigSnapshot, error) {
	meta := make(map[string]string)
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM gateway_meta")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			_ = rows.Close()
			return nil, err
		}
		meta[k] = v
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(meta) == 0 {
		return nil, nil
	}

	snap, err := snapshotFromMeta(meta)
	if err != nil {
		return nil, err
	}

	if snap.Skills, err = s.loadSkills(ctx); err != nil {
		return nil, err
	}
	if snap.Agents, err = s.loadAgents(ctx); err != nil {
		return nil, err
	}
	if snap.Routes, err = s.loadRoutes(ctx); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *SQLiteStore) loadSkills(ctx context.Context) ([]protocol.InstalledSkill, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, version, description, entry_point, enabled FROM skills ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.InstalledSkill
	for rows.Next() {
		var sk protocol.InstalledSkill
		var enabled int
		if err := rows.Scan(&sk.Name, &sk.Version, &sk.Description, &sk.EntryPoint, &enabled); err != nil {
			return nil, err
		}
		sk.Enabled = enabled != 0
		out = append(out, sk)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadAgents(ctx context.Context) ([]protocol.AgentSpec, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, capabilities FROM agents ORDER BY position")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.AgentSpec
	for rows.Next() {
		var a protocol.AgentSpec
		var caps string
		if err := rows.Scan(&a.ID, &a.Name, &caps); err != nil {
			return nil, err
		}
		if a.Capabilities, err = decodeList(caps); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadRoutes(ctx context.Context) ([]protocol.AgentRoute, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT agent_id, priority, channel_types, user_patterns, capabilities FROM routes ORDER BY position")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.AgentRoute
	for rows.Next() {
		var r protocol.AgentRoute
		var channels, users, caps string
		if err := rows.Scan(&r.AgentID, &r.Priority, &channels, &users, &caps); err != nil {
			return nil, err
		}
		if r.ChannelTypes, err = decodeList(channels); err != nil {
			return nil, err
		}
		if r.UserPatterns, err = decodeList(users); err != nil {
			return nil, err
		}
		if r.Capabilities, err = decodeList(caps); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func snapshotFromMeta(meta map[string]string) (*protocol.ConfigSnapshot, error) {
	snap := &protocol.ConfigSnapshot{
		Version:        protocol.SnapshotVersion,
		DefaultAgentID: meta[metaDefaultAgent],
	}
	if v := meta[metaVersion]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse snapshot version %q: %w", v, err)
		}
		snap.Version = n
	}
	if v := meta[metaExportedAt]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("parse exported_at %q: %w", v, err)
		}
		snap.ExportedAt = t
	}
	return snap, nil
}
