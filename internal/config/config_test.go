// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "0.0.0.0:8080"
  base_url: "https://easel.example.com/"

auth:
  enabled: true
  token_ttl: "2h"
  code_ttl: "5m"

sessions:
  idle_timeout: "15m"
  sweep_interval: "30s"
  close_timeout: "2s"

upstream:
  model: "imagen-4"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if !cfg.Auth.Enabled {
		t.Error("expected auth to be enabled")
	}
	if cfg.Auth.TokenTTL != 2*time.Hour {
		t.Errorf("TokenTTL = %v, want 2h", cfg.Auth.TokenTTL)
	}
	if cfg.Auth.CodeTTL != 5*time.Minute {
		t.Errorf("CodeTTL = %v, want 5m", cfg.Auth.CodeTTL)
	}
	if cfg.Sessions.IdleTimeout != 15*time.Minute {
		t.Errorf("IdleTimeout = %v, want 15m", cfg.Sessions.IdleTimeout)
	}
	if cfg.Sessions.SweepInterval != 30*time.Second {
		t.Errorf("SweepInterval = %v, want 30s", cfg.Sessions.SweepInterval)
	}
	if cfg.Sessions.CloseTimeout != 2*time.Second {
		t.Errorf("CloseTimeout = %v, want 2s", cfg.Sessions.CloseTimeout)
	}
	if cfg.Upstream.Model != "imagen-4" {
		t.Errorf("Model = %q, want %q", cfg.Upstream.Model, "imagen-4")
	}
	if got := cfg.ExternalURL(); got != "https://easel.example.com" {
		t.Errorf("ExternalURL() = %q, want trailing slash trimmed", got)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "gateway.toml", `
[server]
http_addr = "127.0.0.1:9090"

[auth]
static_api_key = "sk-local"

[sessions]
idle_timeout = "1h"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Auth.StaticAPIKey != "sk-local" {
		t.Errorf("StaticAPIKey = %q", cfg.Auth.StaticAPIKey)
	}
	if cfg.Sessions.IdleTimeout != time.Hour {
		t.Errorf("IdleTimeout = %v, want 1h", cfg.Sessions.IdleTimeout)
	}
	if got := cfg.ExternalURL(); got != "http://127.0.0.1:9090" {
		t.Errorf("ExternalURL() = %q", got)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "localhost:8080"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.TokenTTL != DefaultTokenTTL {
		t.Errorf("TokenTTL = %v, want %v", cfg.Auth.TokenTTL, DefaultTokenTTL)
	}
	if cfg.Auth.CodeTTL != DefaultCodeTTL {
		t.Errorf("CodeTTL = %v, want %v", cfg.Auth.CodeTTL, DefaultCodeTTL)
	}
	if cfg.Sessions.IdleTimeout != DefaultIdleTimeout {
		t.Errorf("IdleTimeout = %v, want %v", cfg.Sessions.IdleTimeout, DefaultIdleTimeout)
	}
	if cfg.Sessions.SweepInterval != DefaultSweepInterval {
		t.Errorf("SweepInterval = %v, want %v", cfg.Sessions.SweepInterval, DefaultSweepInterval)
	}
	if cfg.Sessions.CloseTimeout != DefaultCloseTimeout {
		t.Errorf("CloseTimeout = %v, want %v", cfg.Sessions.CloseTimeout, DefaultCloseTimeout)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("EASEL_TEST_KEY", "sk-from-env")

	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "localhost:8080"
auth:
  static_api_key: "${EASEL_TEST_KEY}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.StaticAPIKey != "sk-from-env" {
		t.Errorf("StaticAPIKey = %q, want %q", cfg.Auth.StaticAPIKey, "sk-from-env")
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{
			name:    "missing http addr",
			file:    "a.yaml",
			content: "logging:\n  level: info\n",
			wantErr: "server.http_addr is required",
		},
		{
			name:    "tailscale without hostname",
			file:    "b.yaml",
			content: "tailscale:\n  enabled: true\n",
			wantErr: "tailscale.hostname is required",
		},
		{
			name:    "bad duration",
			file:    "c.yaml",
			content: "server:\n  http_addr: x:1\nsessions:\n  idle_timeout: soon\n",
			wantErr: "sessions.idle_timeout",
		},
		{
			name:    "negative ttl",
			file:    "d.yaml",
			content: "server:\n  http_addr: x:1\nauth:\n  token_ttl: -1h\n",
			wantErr: "auth.token_ttl must be positive",
		},
		{
			name:    "short jwt secret",
			file:    "e.yaml",
			content: "server:\n  http_addr: x:1\nauth:\n  jwt_secret: short\n",
			wantErr: "auth.jwt_secret",
		},
		{
			name:    "invalid toml",
			file:    "f.toml",
			content: "[server\nhttp_addr = 1",
			wantErr: "parsing config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() does not validate: %v", err)
	}
	if cfg.Auth.Enabled {
		t.Error("auth should be disabled by default")
	}
}

func TestExternalURL_Tailscale(t *testing.T) {
	cfg := Default()
	cfg.Tailscale = TailscaleConfig{Enabled: true, Hostname: "easel", Funnel: true}
	if got := cfg.ExternalURL(); got != "https://easel" {
		t.Errorf("ExternalURL() = %q, want %q", got, "https://easel")
	}
}
