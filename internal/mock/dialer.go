// Package mock is a simulated game-protocol backend: a Dialer that opens a
// real TCP connection and speaks a small line protocol, plus a scripted
// Server for demos and tests.
//
// Wire format, one command per line:
//
//	say <text>     server -> client chat
//	kick <reason>  server -> client kick, connection ends
//	error <text>   server -> client protocol error
//	chat <text>    client -> server chat
package mock

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/afk-console/backend/internal/deviceauth"
	"github.com/afk-console/backend/internal/protocol"
)

// ErrAuthUnavailable is returned for account-flow sessions when no
// device-auth provider is configured.
var ErrAuthUnavailable = errors.New("account sign-in is not configured")

const defaultStageDelay = 500 * time.Millisecond

type Dialer struct {
	// Auth signs account-flow sessions in. Nil rejects them.
	Auth *deviceauth.Provider
	// StageDelay is the pause before login and again before spawn.
	StageDelay time.Duration
}

func NewDialer(auth *deviceauth.Provider) *Dialer {
	return &Dialer{Auth: auth, StageDelay: defaultStageDelay}
}

func (d *Dialer) Dial(ctx context.Context, opts protocol.Options, l protocol.Listener) (protocol.Client, error) {
	name := opts.Username
	if opts.Auth == protocol.AuthAccountFlow {
		if d.Auth == nil || !d.Auth.Enabled() {
			return nil, ErrAuthUnavailable
		}
		tok, err := d.Auth.Token(ctx, opts.Profile, l.OnDeviceCode)
		if err != nil {
			return nil, err
		}
		name = accountName(tok.AccessToken)
	}

	dctx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}
	var nd net.Dialer
	conn, err := nd.DialContext(dctx, "tcp", net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)))
	if err != nil {
		return nil, err
	}

	delay := d.StageDelay
	if delay <= 0 {
		delay = defaultStageDelay
	}
	c := &client{
		name:     name,
		conn:     conn,
		l:        l,
		delay:    delay,
		controls: make(map[protocol.Control]bool),
		outbox:   make(chan string, 16),
		done:     make(chan struct{}),
	}
	go c.run()
	return c, nil
}

// accountName derives a stable display name from the signed-in account.
func accountName(token string) string {
	return fmt.Sprintf("Player%04d", crc32.ChecksumIEEE([]byte(token))%10000)
}

type client struct {
	name  string
	conn  net.Conn
	l     protocol.Listener
	delay time.Duration

	mu         sync.Mutex
	spawned    bool
	closed     bool
	quitReason string
	yaw, pitch float64
	controls   map[protocol.Control]bool

	outbox chan string
	done   chan struct{}
}

func (c *client) Username() string { return c.name }

func (c *client) Chat(text string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return protocol.ErrNotConnected
	}
	select {
	case c.outbox <- text:
		return nil
	default:
		return errors.New("chat queue full")
	}
}

func (c *client) Orientation() (float64, float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.yaw, c.pitch, c.spawned
}

func (c *client) Look(yaw, pitch float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.spawned || c.closed {
		return protocol.ErrNotConnected
	}
	c.yaw, c.pitch = yaw, pitch
	return nil
}

func (c *client) SetControl(ctl protocol.Control, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.spawned || c.closed {
		return protocol.ErrNotConnected
	}
	c.controls[ctl] = on
	return nil
}

// Control reports whether ctl is held.
func (c *client) Control(ctl protocol.Control) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controls[ctl]
}

func (c *client) Quit(reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.quitReason = reason
	c.mu.Unlock()
	return c.conn.Close()
}

// run owns every Listener callback so they arrive in order and stop after
// OnEnd.
func (c *client) run() {
	defer close(c.done)

	lines := make(chan string)
	readDone := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.conn)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-c.done:
				return
			}
		}
		readDone <- sc.Err()
	}()

	stage := time.NewTimer(c.delay)
	defer stage.Stop()
	loggedIn := false

	for {
		select {
		case <-stage.C:
			if !loggedIn {
				loggedIn = true
				c.l.OnLogin()
				stage.Reset(c.delay)
				continue
			}
			c.mu.Lock()
			c.spawned = true
			c.mu.Unlock()
			c.l.OnSpawn()

		case text := <-c.outbox:
			if _, err := fmt.Fprintf(c.conn, "chat %s\n", text); err != nil {
				continue
			}
			c.l.OnMessage("<" + c.name + "> " + text)

		case line := <-lines:
			verb, arg, _ := strings.Cut(line, " ")
			switch verb {
			case "say":
				c.l.OnMessage(arg)
			case "error":
				c.l.OnError(errors.New(arg))
			case "kick":
				c.markClosed("")
				_ = c.conn.Close()
				c.l.OnKicked(arg)
				c.l.OnEnd(arg)
				return
			}

		case err := <-readDone:
			reason := c.markClosed("connection closed by server")
			if err != nil && reason == "connection closed by server" {
				reason = err.Error()
			}
			_ = c.conn.Close()
			c.l.OnEnd(reason)
			return
		}
	}
}

// markClosed records a close and returns the reason to report, preferring
// the one given to Quit.
func (c *client) markClosed(fallback string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.spawned = false
	if c.quitReason != "" {
		return c.quitReason
	}
	return fallback
}
