package config

import (
	"errors"
	"fmt"

	"github.com/joeshaw/envdecode"
)

// envOverrides holds the deployment knobs settable from the environment.
// Zero values mean "not set" and leave the file value alone.
type envOverrides struct {
	MaxSessions       int    `env:"MAX_SESSIONS"`
	MaxBots           int    `env:"MAX_BOTS"`
	Port              int    `env:"PORT"`
	Host              string `env:"HOST"`
	AdminToken        string `env:"ADMIN_TOKEN"`
	TokenCacheDir     string `env:"TOKEN_CACHE_DIR"`
	TokenCacheBackend string `env:"TOKEN_CACHE_BACKEND"`
	RedisAddr         string `env:"REDIS_ADDR"`
	AuthClientID      string `env:"AUTH_CLIENT_ID"`
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("environment: %w", err)
	}

	switch {
	case env.MaxSessions != 0:
		c.Sessions.MaxSessions = env.MaxSessions
	case env.MaxBots != 0:
		c.Sessions.MaxSessions = env.MaxBots
	}
	if env.Port != 0 {
		c.Server.Port = env.Port
	}
	if env.Host != "" {
		c.Server.Host = env.Host
	}
	if env.AdminToken != "" {
		c.Server.AdminToken = env.AdminToken
	}
	if env.TokenCacheDir != "" {
		c.TokenCache.Dir = env.TokenCacheDir
	}
	if env.TokenCacheBackend != "" {
		c.TokenCache.Backend = env.TokenCacheBackend
	}
	if env.RedisAddr != "" {
		c.TokenCache.RedisAddr = env.RedisAddr
	}
	if env.AuthClientID != "" {
		c.Auth.ClientID = env.AuthClientID
	}
	return nil
}
