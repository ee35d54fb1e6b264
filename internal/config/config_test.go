package config

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	writeFile(t, cfgPath, `
server:
  port: 9090
  allowed_origins:
    - "http://localhost:5173"
sessions:
  max_sessions: 4
  default_reconnect_delay: 3s
  reconnect_backoff: 2
token_cache:
  backend: memory
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://localhost:5173" {
		t.Errorf("AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Sessions.MaxSessions != 4 {
		t.Errorf("MaxSessions = %d, want 4", cfg.Sessions.MaxSessions)
	}
	if cfg.Sessions.DefaultReconnectDelay != 3*time.Second {
		t.Errorf("DefaultReconnectDelay = %v, want 3s", cfg.Sessions.DefaultReconnectDelay)
	}
	if cfg.Sessions.ReconnectBackoff != 2 {
		t.Errorf("ReconnectBackoff = %v, want 2", cfg.Sessions.ReconnectBackoff)
	}
	if cfg.TokenCache.Backend != "memory" {
		t.Errorf("TokenCache.Backend = %q, want memory", cfg.TokenCache.Backend)
	}

	// Defaults should still be applied for unspecified fields.
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want default 0.0.0.0", cfg.Server.Host)
	}
	if cfg.Sessions.MinIdleInterval != 15*time.Second {
		t.Errorf("MinIdleInterval = %v, want 15s", cfg.Sessions.MinIdleInterval)
	}
	if cfg.Broadcast.ClientBuffer != 256 {
		t.Errorf("ClientBuffer = %d, want 256", cfg.Broadcast.ClientBuffer)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("Load() on missing file: %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want default 3000", cfg.Server.Port)
	}
	if cfg.Sessions.MaxSessions != 10 {
		t.Errorf("MaxSessions = %d, want default 10", cfg.Sessions.MaxSessions)
	}
	if cfg.Sessions.LogCapacity != 600 {
		t.Errorf("LogCapacity = %d, want default 600", cfg.Sessions.LogCapacity)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.yaml")
	writeFile(t, cfgPath, ":::not valid yaml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatal("Load() with invalid YAML should return error")
	}
}

func TestLoadClampsLogCapacity(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	tests := []struct {
		in, want int
	}{
		{100, 500},
		{650, 650},
		{5000, 800},
	}
	for _, tt := range tests {
		writeFile(t, cfgPath, "sessions:\n  log_capacity: "+strconv.Itoa(tt.in)+"\n")
		cfg, err := Load(cfgPath)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Sessions.LogCapacity != tt.want {
			t.Errorf("log_capacity %d -> %d, want %d", tt.in, cfg.Sessions.LogCapacity, tt.want)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, "server:\n  port: 9090\n  host: 127.0.0.1\n")

	t.Setenv("PORT", "4000")
	t.Setenv("MAX_SESSIONS", "3")
	t.Setenv("ADMIN_TOKEN", "s3cret")
	t.Setenv("TOKEN_CACHE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "cache:6380")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("Port = %d, want env 4000", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Host = %q, file value should survive unset env", cfg.Server.Host)
	}
	if cfg.Sessions.MaxSessions != 3 {
		t.Errorf("MaxSessions = %d, want 3", cfg.Sessions.MaxSessions)
	}
	if cfg.Server.AdminToken != "s3cret" {
		t.Errorf("AdminToken = %q", cfg.Server.AdminToken)
	}
	if cfg.TokenCache.Backend != "redis" || cfg.TokenCache.RedisAddr != "cache:6380" {
		t.Errorf("TokenCache = %+v", cfg.TokenCache)
	}
}

func TestEnvMaxBotsAlias(t *testing.T) {
	t.Setenv("MAX_BOTS", "7")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sessions.MaxSessions != 7 {
		t.Errorf("MaxSessions = %d, want 7 from MAX_BOTS", cfg.Sessions.MaxSessions)
	}

	t.Setenv("MAX_SESSIONS", "2")
	cfg, err = Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sessions.MaxSessions != 2 {
		t.Errorf("MaxSessions = %d, MAX_SESSIONS should win over MAX_BOTS", cfg.Sessions.MaxSessions)
	}
}

func TestEnvBadNumber(t *testing.T) {
	t.Setenv("PORT", "eighty")
	if _, err := Load(""); err == nil {
		t.Fatal("non-numeric PORT should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero sessions", func(c *Config) { c.Sessions.MaxSessions = 0 }},
		{"port range", func(c *Config) { c.Server.Port = 70000 }},
		{"negative connections", func(c *Config) { c.Server.MaxConnections = -1 }},
		{"shrinking backoff", func(c *Config) { c.Sessions.ReconnectBackoff = 0.5 }},
		{"unknown backend", func(c *Config) { c.TokenCache.Backend = "etcd" }},
	}
	if err := defaultConfig().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, "sessions:\n  max_sessions: 2\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, cfgPath, func(c *Config) { got <- c })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, cfgPath, "sessions:\n  max_sessions: 5\n")

	select {
	case c := <-got:
		if c.Sessions.MaxSessions != 5 {
			t.Errorf("reloaded MaxSessions = %d, want 5", c.Sessions.MaxSessions)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after write")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatchSkipsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, "sessions:\n  max_sessions: 2\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	go func() { _ = Watch(ctx, cfgPath, func(c *Config) { got <- c }) }()

	time.Sleep(100 * time.Millisecond)
	writeFile(t, cfgPath, "sessions:\n  max_sessions: 0\n")

	select {
	case c := <-got:
		t.Fatalf("invalid config delivered: %+v", c.Sessions)
	case <-time.After(500 * time.Millisecond):
	}
}
