package session

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/afk-console/backend/internal/idle"
	"github.com/afk-console/backend/internal/protocol"
)

const (
	DefaultPort = 25565

	// placeholderHost is the example value shown in the console's host
	// field; connecting to it is always a mistake.
	placeholderHost = "play.server.com"
)

// Config is one spawn request. It is fixed for the lifetime of an attempt;
// Respawn swaps it wholesale.
type Config struct {
	Host               string            `json:"host"`
	Port               int               `json:"port,omitempty"`
	Auth               protocol.AuthMode `json:"auth,omitempty"`
	Username           string            `json:"username,omitempty"`
	Version            string            `json:"version,omitempty"`
	JoinCommand        string            `json:"joinCmd,omitempty"`
	WorldChangeCommand string            `json:"worldChangeCmd,omitempty"`
	KeepAliveCommand   string            `json:"keepAliveCmd,omitempty"`
	IdleMode           idle.Mode         `json:"idleMode"`
	IdleIntervalMs     int               `json:"idleIntervalMs,omitempty"` // 0: manager default
	IdleDisabled       bool              `json:"idleDisabled,omitempty"`
	AutoReconnect      bool              `json:"autoReconnect"`
	ReconnectDelayMs   int               `json:"reconnectDelayMs,omitempty"` // 0: manager default
	LoginOnly          bool              `json:"loginOnly,omitempty"`
	Sneak              bool              `json:"sneak,omitempty"`
}

// UnmarshalJSON applies request defaults: a body that omits autoReconnect
// gets true.
func (c *Config) UnmarshalJSON(data []byte) error {
	type plain Config
	p := plain{AutoReconnect: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = Config(p)
	return nil
}

// Normalize fills defaults and validates, returning the config a session
// will actually run with. Failures wrap ErrInvalidConfig.
func (c Config) Normalize() (Config, error) {
	c.Host = strings.TrimSpace(c.Host)
	if c.Host == "" {
		return c, fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	if host, port, err := net.SplitHostPort(c.Host); err == nil {
		n, err := strconv.Atoi(port)
		if err != nil {
			return c, fmt.Errorf("%w: invalid port %q", ErrInvalidConfig, port)
		}
		c.Host, c.Port = host, n
		if c.Host == "" {
			return c, fmt.Errorf("%w: host is required", ErrInvalidConfig)
		}
	}
	if strings.EqualFold(c.Host, placeholderHost) {
		return c, fmt.Errorf("%w: %s is a placeholder, enter the real server address", ErrInvalidConfig, c.Host)
	}

	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 1 || c.Port > 65535 {
		return c, fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}

	switch strings.ToLower(string(c.Auth)) {
	case "", "microsoft", string(protocol.AuthAccountFlow):
		c.Auth = protocol.AuthAccountFlow
	case string(protocol.AuthOffline):
		c.Auth = protocol.AuthOffline
	default:
		return c, fmt.Errorf("%w: unknown auth mode %q", ErrInvalidConfig, c.Auth)
	}

	c.Username = strings.TrimSpace(c.Username)
	if c.Auth == protocol.AuthOffline && c.Username == "" {
		return c, fmt.Errorf("%w: username is required for offline auth", ErrInvalidConfig)
	}

	c.Version = strings.TrimSpace(c.Version)
	if strings.EqualFold(c.Version, "auto") {
		c.Version = ""
	}
	c.JoinCommand = strings.TrimSpace(c.JoinCommand)
	c.WorldChangeCommand = strings.TrimSpace(c.WorldChangeCommand)
	c.KeepAliveCommand = strings.TrimSpace(c.KeepAliveCommand)

	if c.IdleIntervalMs < 0 {
		return c, fmt.Errorf("%w: negative idle interval", ErrInvalidConfig)
	}
	if c.ReconnectDelayMs < 0 {
		return c, fmt.Errorf("%w: negative reconnect delay", ErrInvalidConfig)
	}
	return c, nil
}
