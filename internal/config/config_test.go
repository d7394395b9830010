package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatal("there is no default token secret, so defaults alone must not validate")
	}
	cfg.Auth.TokenSecret = "test-secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults with a secret should validate: %v", err)
	}
	if cfg.HTTP.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.HTTP.Port)
	}
	if cfg.Database.Path != "./backchannel.db" {
		t.Errorf("unexpected default database path %q", cfg.Database.Path)
	}
	if cfg.Auth.TokenTTL != 7*24*time.Hour {
		t.Errorf("unexpected default token TTL %v", cfg.Auth.TokenTTL)
	}
}

func TestLoad_NoFile(t *testing.T) {
	t.Setenv("BACKCHANNEL_AUTH_TOKEN_SECRET", "test-secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load without file failed: %v", err)
	}
	if cfg.Addr() != "0.0.0.0:8080" {
		t.Errorf("unexpected default address %q", cfg.Addr())
	}
}

func TestLoad_MissingFileIsError(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("a named config file that cannot be read must be an error")
	}
}

func TestLoad_MissingTokenSecret(t *testing.T) {
	t.Setenv("BACKCHANNEL_AUTH_TOKEN_SECRET", "")

	if _, err := Load(""); err == nil {
		t.Fatal("loading without a token secret must fail validation")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("BACKCHANNEL_AUTH_TOKEN_SECRET", "test-secret")
	t.Setenv("BACKCHANNEL_HTTP_PORT", "9999")
	t.Setenv("BACKCHANNEL_DATABASE_PATH", "/tmp/test.db")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTP.Port != 9999 {
		t.Errorf("env override ignored, port=%d", cfg.HTTP.Port)
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("env override ignored, path=%q", cfg.Database.Path)
	}
}

func TestLoad_File(t *testing.T) {
	t.Setenv("BACKCHANNEL_AUTH_TOKEN_SECRET", "test-secret")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "http:\n  port: 7070\nwebsocket:\n  buffer_size: 256\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTP.Port != 7070 {
		t.Errorf("file value ignored, port=%d", cfg.HTTP.Port)
	}
	if cfg.WebSocket.BufferSize != 256 {
		t.Errorf("file value ignored, buffer_size=%d", cfg.WebSocket.BufferSize)
	}
	// Untouched keys keep their defaults.
	if cfg.HTTP.Host != "0.0.0.0" {
		t.Errorf("default host lost, got %q", cfg.HTTP.Host)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty db path", func(c *Config) { c.Database.Path = "" }},
		{"zero db timeout", func(c *Config) { c.Database.Timeout = 0 }},
		{"port too low", func(c *Config) { c.HTTP.Port = 0 }},
		{"port too high", func(c *Config) { c.HTTP.Port = 70000 }},
		{"empty host", func(c *Config) { c.HTTP.Host = "" }},
		{"zero read timeout", func(c *Config) { c.HTTP.ReadTimeout = 0 }},
		{"zero ping interval", func(c *Config) { c.WebSocket.PingInterval = 0 }},
		{"read timeout below ping", func(c *Config) { c.WebSocket.ReadTimeout = c.WebSocket.PingInterval / 2 }},
		{"zero buffer", func(c *Config) { c.WebSocket.BufferSize = 0 }},
		{"zero op timeout", func(c *Config) { c.WebSocket.OpTimeout = 0 }},
		{"empty token secret", func(c *Config) { c.Auth.TokenSecret = "" }},
		{"zero token ttl", func(c *Config) { c.Auth.TokenTTL = 0 }},
	}
	for _, tc := range cases {
		cfg := Default()
		cfg.Auth.TokenSecret = "test-secret"
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}
