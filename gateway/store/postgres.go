package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/lisa-ai/lisa/pkg/protocol"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
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
			enabled BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			capabilities JSONB NOT NULL DEFAULT '[]',
			position INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS routes (
			position INTEGER PRIMARY KEY,
			agent_id TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			channel_types JSONB NOT NULL DEFAULT '[]',
			user_patterns JSONB NOT NULL DEFAULT '[]',
			capabilities JSONB NOT NULL DEFAULT '[]'
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
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// SaveSnapshot replaces all stored registry rows with snap.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *protocol.ConfigSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "TRUNCATE gateway_meta, skills, agents, routes"); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}

	meta := map[string]string{
		metaDefaultAgent: snap.DefaultAgentID,
		metaExportedAt:   snap.ExportedAt.UTC().Format(time.RFC3339Nano),
		metaVersion:      strconv.Itoa(snap.Version),
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx, "INSERT INTO gateway_meta (key, value) VALUES ($1, $2)", k, v); err != nil {
			return fmt.Errorf("insert meta %s: %w", k, err)
		}
	}

	for _, sk := range snap.Skills {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO skills (name, version, description, entry_point, enabled) VALUES ($1, $2, $3, $4, $5)",
			sk.Name, sk.Version, sk.Description, sk.EntryPoint, sk.Enabled,
		); err != nil {
			return fmt.Errorf("insert skill %s: %w", sk.Name, err)
		}
	}

	for i, a := range snap.Agents {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO agents (id, name, capabilities, position) VALUES ($1, $2, $3::jsonb, $4)",
			a.ID, a.Name, encodeList(a.Capabilities), i,
		); err != nil {
			return fmt.Errorf("insert agent %s: %w", a.ID, err)
		}
	}

	for i, r := range snap.Routes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO routes (position, agent_id, priority, channel_types, user_patterns, capabilities)
			 VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6::jsonb)`,
			i, r.AgentID, r.Priority, encodeList(r.ChannelTypes), encodeList(r.UserPatterns), encodeList(r.Capabilities),
		); err != nil {
			return fmt.Errorf("insert route %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// LoadSnapshot reads the stored snapshot. It returns nil, nil when nothing
// has been saved yet.
func (s *PostgresStore) LoadSnapshot(ctx context.Context) (*protocol.ConfigSnapshot, error) {
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

	skillRows, err := s.db.QueryContext(ctx,
		"SELECT name, version, description, entry_point, enabled FROM skills ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer func() { _ = skillRows.Close() }()
	for skillRows.Next() {
		var sk protocol.InstalledSkill
		if err := skillRows.Scan(&sk.Name, &sk.Version, &sk.Description, &sk.EntryPoint, &sk.Enabled); err != nil {
			return nil, err
		}
		snap.Skills = append(snap.Skills, sk)
	}
	if err := skillRows.Err(); err != nil {
		return nil, err
	}

	agentRows, err := s.db.QueryContext(ctx, "SELECT id, name, capabilities::text FROM agents ORDER BY position")
	if err != nil {
		return nil, err
	}
	defer func() { _ = agentRows.Close() }()
	for agentRows.Next() {
		var a protocol.AgentSpec
		var caps string
		if err := agentRows.Scan(&a.ID, &a.Name, &caps); err != nil {
			return nil, err
		}
		if a.Capabilities, err = decodeList(caps); err != nil {
			return nil, err
		}
		snap.Agents = append(snap.Agents, a)
	}
	if err := agentRows.Err(); err != nil {
		return nil, err
	}

	routeRows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, priority, channel_types::text, user_patterns::text, capabilities::text
		 FROM routes ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = routeRows.Close() }()
	for routeRows.Next() {
		var r protocol.AgentRoute
		var channels, users, caps string
		if err := routeRows.Scan(&r.AgentID, &r.Priority, &channels, &users, &caps); err != nil {
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
		snap.Routes = append(snap.Routes, r)
	}
	return snap, routeRows.Err()
}
