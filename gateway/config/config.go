// Package config handles gateway configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/lisa-ai/lisa/pkg/protocol"
)

// knownWeakSecrets is a blocklist of secrets that must never be used.
var knownWeakSecrets = map[string]bool{
	"changeme": true,
	"secret":   true,
	"password": true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a shared token or HMAC key.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level gateway configuration.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Auth     AuthConfig     `json:"auth"`
	Sessions SessionsConfig `json:"sessions"`
	Routing  RoutingConfig  `json:"routing"`
	Channels ChannelsConfig `json:"channels,omitempty"`
	Tools    ToolsConfig    `json:"tools,omitempty"`
	Agents   []AgentConfig  `json:"agents,omitempty"`
	Skills   SkillsConfig   `json:"skills,omitempty"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`
}

// ServerConfig defines the gateway's listener settings.
type ServerConfig struct {
	Host            string     `json:"host"`
	Port            int        `json:"port"`
	CORS            CORSConfig `json:"cors,omitempty"`
	MaxMessageBytes int64      `json:"max_message_bytes,omitempty"` // max WebSocket frame from a client; default 64KB
	MaxBodyBytes    int64      `json:"max_body_bytes,omitempty"`    // max REST request body; default 1MB
}

// CORSConfig lists allowed browser origins. Empty or ["*"] allows all.
type CORSConfig struct {
	Origins []string `json:"origins,omitempty"`
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// AuthConfig defines how connecting clients are authenticated.
type AuthConfig struct {
	Mode      string `json:"mode"`                 // "none", "token" or "jwt"
	Secret    string `json:"secret,omitempty"`     // shared token, bcrypt hash, or HMAC key for jwt
	JWKSURL   string `json:"jwks_url,omitempty"`   // jwt mode: verify against a remote key set
	Issuer    string `json:"issuer,omitempty"`     // jwt mode: required "iss" when set
	TokenRole string `json:"token_role,omitempty"` // role granted to token-mode clients; default "user"
}

// SessionsConfig defines session limits and pruning.
type SessionsConfig struct {
	MaxPerUser    int      `json:"max_per_user,omitempty"` // 0 = unlimited
	IdleTimeout   Duration `json:"idle_timeout,omitempty"`
	PruneInterval Duration `json:"prune_interval,omitempty"`
}

// RoutingConfig holds the agent route table.
type RoutingConfig struct {
	DefaultAgentID string                `json:"default_agent_id"`
	Routes         []protocol.AgentRoute `json:"routes,omitempty"`
}

// ChannelsConfig restricts which channel types may connect. Empty allows all.
type ChannelsConfig struct {
	Enabled []string `json:"enabled,omitempty"`
}

// ToolsConfig defines the external tool resolution window.
type ToolsConfig struct {
	ResultTimeout Duration `json:"result_timeout,omitempty"`
}

// AgentConfig declares an agent spawned at startup.
type AgentConfig struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Capabilities []string             `json:"capabilities,omitempty"`
	Route        *protocol.AgentRoute `json:"route,omitempty"`
}

// SkillsConfig points at a directory of skill manifests.
type SkillsConfig struct {
	Dir string `json:"dir,omitempty"`
}

// StorageConfig defines where the registry snapshot is persisted.
type StorageConfig struct {
	Driver string `json:"driver"` // "none" (default), "sqlite" or "postgres"
	DSN    string `json:"dsn,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if s := os.Getenv("LISA_AUTH_SECRET"); s != "" {
		cfg.Auth.Secret = s
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	switch c.Auth.Mode {
	case "none":
	case "token":
		if c.Auth.Secret == "" {
			return fmt.Errorf("auth.secret is required when auth.mode is token")
		}
		if knownWeakSecrets[c.Auth.Secret] {
			return fmt.Errorf("auth.secret is a well-known weak secret, generate a new one")
		}
	case "jwt":
		if c.Auth.Secret == "" && c.Auth.JWKSURL == "" {
			return fmt.Errorf("auth.secret or auth.jwks_url is required when auth.mode is jwt")
		}
		if c.Auth.Secret != "" && len(c.Auth.Secret) < 32 {
			return fmt.Errorf("auth.secret must be at least 32 characters for jwt")
		}
	default:
		return fmt.Errorf("unsupported auth.mode: %q", c.Auth.Mode)
	}
	switch c.Auth.TokenRole {
	case "admin", "user", "guest":
	default:
		return fmt.Errorf("unsupported auth.token_role: %q", c.Auth.TokenRole)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Sessions.MaxPerUser < 0 {
		return fmt.Errorf("sessions.max_per_user must not be negative")
	}

	ids := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[%d].id is required", i)
		}
		if ids[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		ids[a.ID] = true
	}
	for i, r := range c.Routing.Routes {
		if r.AgentID == "" {
			return fmt.Errorf("routing.routes[%d].agentId is required", i)
		}
	}

	switch c.Storage.Driver {
	case "none":
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unsupported storage driver: %q", c.Storage.Driver)
	}
	return nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 18789
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = 64 * 1024 // 64KB
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "none"
	}
	if c.Auth.TokenRole == "" {
		c.Auth.TokenRole = "user"
	}
	if c.Sessions.MaxPerUser == 0 {
		c.Sessions.MaxPerUser = 10
	}
	if c.Sessions.IdleTimeout.Duration == 0 {
		c.Sessions.IdleTimeout.Duration = 30 * time.Minute
	}
	if c.Sessions.PruneInterval.Duration == 0 {
		c.Sessions.PruneInterval.Duration = 60 * time.Second
	}
	if c.Routing.DefaultAgentID == "" {
		c.Routing.DefaultAgentID = "default"
	}
	if c.Tools.ResultTimeout.Duration == 0 {
		c.Tools.ResultTimeout.Duration = 30 * time.Second
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "none"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}
