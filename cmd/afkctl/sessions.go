package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/afk-console/backend/internal/idle"
	"github.com/afk-console/backend/internal/protocol"
	"github.com/afk-console/backend/internal/session"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		list, err := c.List(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable(list, time.Now()))
		return nil
	},
}

type spawnOptions struct {
	host           string
	port           int
	auth           string
	username       string
	version        string
	joinCmd        string
	worldChangeCmd string
	keepAliveCmd   string
	idleMode       string
	idleInterval   time.Duration
	noIdle         bool
	noReconnect    bool
	reconnectDelay time.Duration
	loginOnly      bool
	sneak          bool
	follow         bool
}

var spawnOpts spawnOptions

var spawnCmd = &cobra.Command{
	Use:   "spawn",
	Short: "Start a new bot session",
	Args:  cobra.NoArgs,
	RunE:  runSpawn,
}

// config turns flags into a request body. Host, port and username rules
// are left to the server.
func (o spawnOptions) config() (session.Config, error) {
	mode, err := idle.ParseMode(strings.ToLower(o.idleMode))
	if err != nil {
		return session.Config{}, err
	}
	if o.idleInterval < 0 || o.reconnectDelay < 0 {
		return session.Config{}, fmt.Errorf("durations must not be negative")
	}
	return session.Config{
		Host:               o.host,
		Port:               o.port,
		Auth:               protocol.AuthMode(strings.ToLower(o.auth)),
		Username:           o.username,
		Version:            o.version,
		JoinCommand:        o.joinCmd,
		WorldChangeCommand: o.worldChangeCmd,
		KeepAliveCommand:   o.keepAliveCmd,
		IdleMode:           mode,
		IdleIntervalMs:     int(o.idleInterval / time.Millisecond),
		IdleDisabled:       o.noIdle,
		AutoReconnect:      !o.noReconnect,
		ReconnectDelayMs:   int(o.reconnectDelay / time.Millisecond),
		LoginOnly:          o.loginOnly,
		Sneak:              o.sneak,
	}, nil
}

func runSpawn(cmd *cobra.Command, _ []string) error {
	cfg, err := spawnOpts.config()
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	id, err := c.Spawn(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	if !spawnOpts.follow {
		return nil
	}
	return watchSessions(cmd, c, []string{id})
}

var stopCmd = &cobra.Command{
	Use:   "stop ID...",
	Short: "Stop sessions and remove them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		for _, id := range args {
			if err := c.Stop(cmd.Context(), id); err != nil {
				return err
			}
		}
		return nil
	},
}

var stopAllCmd = &cobra.Command{
	Use:   "stop-all",
	Short: "Stop every session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		return c.StopAll(cmd.Context())
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect ID",
	Short: "Close a session's connection without reconnecting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		return c.Disconnect(cmd.Context(), args[0])
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat ID TEXT...",
	Short: "Send a chat line or command as the bot",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		return c.Chat(cmd.Context(), args[0], strings.Join(args[1:], " "))
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs ID",
	Short: "Print a session's retained log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		entries, err := c.Logs(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, e := range entries {
			fmt.Fprintln(out, renderEntry("", e))
		}
		return nil
	},
}

func init() {
	f := spawnCmd.Flags()
	f.StringVar(&spawnOpts.host, "host", "", "server host, optionally host:port")
	f.IntVar(&spawnOpts.port, "port", 0, "server port (default 25565)")
	f.StringVar(&spawnOpts.auth, "auth", "", "offline or account-flow (default account-flow)")
	f.StringVarP(&spawnOpts.username, "username", "u", "", "username, required for offline auth")
	f.StringVar(&spawnOpts.version, "version", "", "protocol version (default negotiate)")
	f.StringVar(&spawnOpts.joinCmd, "join", "", "command sent after spawning")
	f.StringVar(&spawnOpts.worldChangeCmd, "world-change", "", "command sent shortly after spawning")
	f.StringVar(&spawnOpts.keepAliveCmd, "keep-alive", "", "command sent on every idle tick")
	f.StringVar(&spawnOpts.idleMode, "idle-mode", "jitter", "jitter, circle, strafe or walkabout")
	f.DurationVar(&spawnOpts.idleInterval, "idle-interval", 0, "idle tick interval (default server setting)")
	f.BoolVar(&spawnOpts.noIdle, "no-idle", false, "disable idle movement")
	f.BoolVar(&spawnOpts.noReconnect, "no-reconnect", false, "do not reconnect after a disconnect")
	f.DurationVar(&spawnOpts.reconnectDelay, "reconnect-delay", 0, "delay before reconnecting (default server setting)")
	f.BoolVar(&spawnOpts.loginOnly, "login-only", false, "log in, then quit")
	f.BoolVar(&spawnOpts.sneak, "sneak", false, "hold sneak after spawning")
	f.BoolVarP(&spawnOpts.follow, "follow", "f", false, "stream the new session's log")
	_ = spawnCmd.MarkFlagRequired("host")

	rootCmd.AddCommand(listCmd, spawnCmd, stopCmd, stopAllCmd, disconnectCmd, chatCmd, logsCmd)
}
