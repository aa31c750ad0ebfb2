package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"host": "127.0.0.1",
			"port": 9000,
			"cors": {"origins": ["http://localhost:3000"]}
		},
		"auth": {
			"mode": "jwt",
			"secret": "my-super-secret-jwt-key-at-least-32",
			"issuer": "lisa"
		},
		"sessions": {
			"max_per_user": 3,
			"idle_timeout": "10m",
			"prune_interval": 15
		},
		"routing": {
			"default_agent_id": "main",
			"routes": [
				{"agentId": "support", "priority": 10, "channelTypes": ["telegram"], "userPatterns": ["vip-*"]}
			]
		},
		"channels": {"enabled": ["web", "telegram"]},
		"tools": {"result_timeout": "5s"},
		"agents": [{"id": "support", "name": "Support", "capabilities": ["chat"]}],
		"storage": {"driver": "sqlite", "dsn": "lisa.db"},
		"logging": {"level": "debug", "format": "text"}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr() != "127.0.0.1:9000" {
		t.Errorf("Server.Addr: got %q", cfg.Server.Addr())
	}
	if len(cfg.Server.CORS.Origins) != 1 || cfg.Server.CORS.Origins[0] != "http://localhost:3000" {
		t.Errorf("CORS.Origins: got %v", cfg.Server.CORS.Origins)
	}
	if cfg.Auth.Mode != "jwt" || cfg.Auth.Issuer != "lisa" {
		t.Errorf("Auth: got %+v", cfg.Auth)
	}
	if cfg.Sessions.MaxPerUser != 3 {
		t.Errorf("MaxPerUser: got %d", cfg.Sessions.MaxPerUser)
	}
	if cfg.Sessions.IdleTimeout.Duration != 10*time.Minute {
		t.Errorf("IdleTimeout: got %v", cfg.Sessions.IdleTimeout.Duration)
	}
	if cfg.Sessions.PruneInterval.Duration != 15*time.Second {
		t.Errorf("PruneInterval: got %v", cfg.Sessions.PruneInterval.Duration)
	}
	if cfg.Routing.DefaultAgentID != "main" {
		t.Errorf("DefaultAgentID: got %q", cfg.Routing.DefaultAgentID)
	}
	if len(cfg.Routing.Routes) != 1 || cfg.Routing.Routes[0].Priority != 10 || cfg.Routing.Routes[0].UserPatterns[0] != "vip-*" {
		t.Errorf("Routes: got %+v", cfg.Routing.Routes)
	}
	if cfg.Tools.ResultTimeout.Duration != 5*time.Second {
		t.Errorf("ResultTimeout: got %v", cfg.Tools.ResultTimeout.Duration)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].ID != "support" {
		t.Errorf("Agents: got %+v", cfg.Agents)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format: got %q", cfg.Logging.Format)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeTempConfig(t, `{}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 18789 {
		t.Errorf("Port default: got %d", cfg.Server.Port)
	}
	if cfg.Auth.Mode != "none" {
		t.Errorf("Auth.Mode default: got %q", cfg.Auth.Mode)
	}
	if cfg.Auth.TokenRole != "user" {
		t.Errorf("TokenRole default: got %q", cfg.Auth.TokenRole)
	}
	if cfg.Sessions.PruneInterval.Duration != 60*time.Second {
		t.Errorf("PruneInterval default: got %v", cfg.Sessions.PruneInterval.Duration)
	}
	if cfg.Tools.ResultTimeout.Duration != 30*time.Second {
		t.Errorf("ResultTimeout default: got %v", cfg.Tools.ResultTimeout.Duration)
	}
	if cfg.Routing.DefaultAgentID != "default" {
		t.Errorf("DefaultAgentID default: got %q", cfg.Routing.DefaultAgentID)
	}
	if cfg.Storage.Driver != "none" {
		t.Errorf("Storage.Driver default: got %q", cfg.Storage.Driver)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging defaults: got %+v", cfg.Logging)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"token without secret", `{"auth": {"mode": "token"}}`, "auth.secret is required"},
		{"weak token", `{"auth": {"mode": "token", "secret": "changeme"}}`, "weak secret"},
		{"short jwt secret", `{"auth": {"mode": "jwt", "secret": "short"}}`, "at least 32"},
		{"jwt without key", `{"auth": {"mode": "jwt"}}`, "jwks_url"},
		{"unknown mode", `{"auth": {"mode": "oauth"}}`, "unsupported auth.mode"},
		{"bad token role", `{"auth": {"token_role": "root"}}`, "token_role"},
		{"dup agent", `{"agents": [{"id": "a"}, {"id": "a"}]}`, "duplicate agent"},
		{"route without agent", `{"routing": {"routes": [{"priority": 1}]}}`, "agentId is required"},
		{"sqlite without dsn", `{"storage": {"driver": "sqlite"}}`, "storage.dsn"},
		{"unknown driver", `{"storage": {"driver": "mongo"}}`, "unsupported storage driver"},
		{"bad duration", `{"sessions": {"idle_timeout": "soon"}}`, "parse config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfig_EnvSecret(t *testing.T) {
	t.Setenv("LISA_AUTH_SECRET", "env-provided-token-value")
	cfg, err := Load(writeTempConfig(t, `{"auth": {"mode": "token"}}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.Secret != "env-provided-token-value" {
		t.Errorf("Secret: got %q", cfg.Auth.Secret)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	s, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	if len(s) != 64 {
		t.Errorf("len = %d, want 64", len(s))
	}
}
