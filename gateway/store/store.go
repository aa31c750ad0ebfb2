// Package store persists the gateway's registry snapshot (skills, agents and
// routes) in SQLite or PostgreSQL. Sessions and transcripts are never stored.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lisa-ai/lisa/pkg/protocol"
)

// Store is the persistence interface for the gateway.
type Store interface {
	// SaveSnapshot replaces the stored snapshot in one transaction.
	SaveSnapshot(ctx context.Context, snap *protocol.ConfigSnapshot) error
	// LoadSnapshot returns the stored snapshot, or nil if none was saved.
	LoadSnapshot(ctx context.Context) (*protocol.ConfigSnapshot, error)

	Ping(ctx context.Context) error
	Close() error
}

const (
	metaDefaultAgent = "default_agent_id"
	metaExportedAt   = "exported_at"
	metaVersion      = "version"
)

func encodeList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeList(s string) ([]string, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("decode list %q: %w", s, err)
	}
	return out, nil
}
