package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/afk-console/backend/internal/eventlog"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Broadcast  BroadcastConfig  `yaml:"broadcast"`
	Auth       AuthConfig       `yaml:"auth"`
	TokenCache TokenCacheConfig `yaml:"token_cache"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AdminToken     string   `yaml:"admin_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxConnections int      `yaml:"max_connections"` // 0 means unlimited
}

type SessionsConfig struct {
	MaxSessions           int           `yaml:"max_sessions"`
	LogCapacity           int           `yaml:"log_capacity"`
	MinIdleInterval       time.Duration `yaml:"min_idle_interval"`
	DefaultIdleInterval   time.Duration `yaml:"default_idle_interval"`
	DefaultReconnectDelay time.Duration `yaml:"default_reconnect_delay"`
	ReconnectBackoff      float64       `yaml:"reconnect_backoff"`
	MaxReconnectDelay     time.Duration `yaml:"max_reconnect_delay"`
	LoginOnlyQuitDelay    time.Duration `yaml:"login_only_quit_delay"`
	WorldChangeDelay      time.Duration `yaml:"world_change_delay"`
	ResolveTimeout        time.Duration `yaml:"resolve_timeout"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
}

type BroadcastConfig struct {
	ClientBuffer     int           `yaml:"client_buffer"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

// AuthConfig points the device-code login at an OAuth 2.0 provider. An
// empty ClientID disables account-flow sign-in.
type AuthConfig struct {
	ClientID      string   `yaml:"client_id"`
	DeviceAuthURL string   `yaml:"device_auth_url"`
	TokenURL      string   `yaml:"token_url"`
	Scopes        []string `yaml:"scopes"`
}

type TokenCacheConfig struct {
	Backend   string `yaml:"backend"` // file, redis or memory
	Dir       string `yaml:"dir"`     // empty means the XDG state dir
	RedisAddr string `yaml:"redis_addr"`
	KeyPrefix string `yaml:"key_prefix"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 3000,
			Host: "0.0.0.0",
		},
		Sessions: SessionsConfig{
			MaxSessions:           10,
			LogCapacity:           eventlog.DefaultCapacity,
			MinIdleInterval:       15 * time.Second,
			DefaultIdleInterval:   60 * time.Second,
			DefaultReconnectDelay: 10 * time.Second,
			ReconnectBackoff:      1.0,
			MaxReconnectDelay:     5 * time.Minute,
			LoginOnlyQuitDelay:    500 * time.Millisecond,
			WorldChangeDelay:      1200 * time.Millisecond,
			ResolveTimeout:        10 * time.Second,
			ConnectTimeout:        30 * time.Second,
		},
		Broadcast: BroadcastConfig{
			ClientBuffer:     256,
			SnapshotInterval: 30 * time.Second,
		},
		Auth: AuthConfig{
			DeviceAuthURL: "https://login.microsoftonline.com/consumers/oauth2/v2.0/devicecode",
			TokenURL:      "https://login.microsoftonline.com/consumers/oauth2/v2.0/token",
			Scopes:        []string{"XboxLive.signin", "offline_access"},
		},
		TokenCache: TokenCacheConfig{
			Backend:   "file",
			RedisAddr: "localhost:6379",
			KeyPrefix: "afk:tokens:",
		},
	}
}

// Load reads the YAML file at path over the built-in defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.Sessions.LogCapacity = eventlog.ClampCapacity(cfg.Sessions.LogCapacity)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Sessions.MaxSessions <= 0 {
		return fmt.Errorf("sessions.max_sessions must be positive, got %d", c.Sessions.MaxSessions)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must not be negative")
	}
	if c.Sessions.ReconnectBackoff < 1 {
		return fmt.Errorf("sessions.reconnect_backoff must be at least 1, got %g", c.Sessions.ReconnectBackoff)
	}
	switch c.TokenCache.Backend {
	case "file", "redis", "memory":
	default:
		return fmt.Errorf("token_cache.backend %q is not one of file, redis, memory", c.TokenCache.Backend)
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
