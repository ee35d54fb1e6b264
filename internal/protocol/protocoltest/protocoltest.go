// Package protocoltest provides scripted protocol.Dialer, protocol.Client and
// protocol.Resolver fakes. Tests drive connection lifecycles by calling the
// Client's Login, Spawn, Kick and End methods.
package protocoltest

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/afk-console/backend/internal/protocol"
)

type ControlChange struct {
	Control protocol.Control
	On      bool
}

type Client struct {
	Name string
	Opts protocol.Options

	// EndOnQuit makes Quit report OnEnd, like a real connection closing.
	EndOnQuit bool
	ChatErr   error
	LookErr   error

	listener protocol.Listener

	mu        sync.Mutex
	chats     []string
	looks     int
	controls  []ControlChange
	quits     []string
	yaw       float64
	pitch     float64
	hasEntity bool
}

func (c *Client) Login()                        { c.listener.OnLogin() }
func (c *Client) Message(text string)           { c.listener.OnMessage(text) }
func (c *Client) Kick(reason string)            { c.listener.OnKicked(reason) }
func (c *Client) End(reason string)             { c.listener.OnEnd(reason) }
func (c *Client) Fail(err error)                { c.listener.OnError(err) }
func (c *Client) Code(code protocol.DeviceCode) { c.listener.OnDeviceCode(code) }

// Spawn places the entity in the world and reports OnSpawn.
func (c *Client) Spawn() {
	c.mu.Lock()
	c.hasEntity = true
	c.mu.Unlock()
	c.listener.OnSpawn()
}

func (c *Client) Username() string { return c.Name }

func (c *Client) Chat(text string) error {
	if c.ChatErr != nil {
		return c.ChatErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats = append(c.chats, text)
	return nil
}

func (c *Client) Orientation() (float64, float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.yaw, c.pitch, c.hasEntity
}

func (c *Client) Look(yaw, pitch float64) error {
	if c.LookErr != nil {
		return c.LookErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.yaw, c.pitch = yaw, pitch
	c.looks++
	return nil
}

func (c *Client) SetControl(ctrl protocol.Control, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, ControlChange{Control: ctrl, On: on})
	return nil
}

func (c *Client) Quit(reason string) error {
	c.mu.Lock()
	c.quits = append(c.quits, reason)
	end := c.EndOnQuit
	c.mu.Unlock()
	if end {
		c.listener.OnEnd(reason)
	}
	return nil
}

func (c *Client) Chats() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.chats...)
}

func (c *Client) Controls() []ControlChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ControlChange(nil), c.controls...)
}

func (c *Client) Quits() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.quits...)
}

func (c *Client) Looks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.looks
}

// Dialer records every Dial and hands out scripted Clients.
type Dialer struct {
	// Err, when set, is returned by every Dial.
	Err error
	// EndOnQuit is copied onto every Client created.
	EndOnQuit bool

	mu      sync.Mutex
	dials   []protocol.Options
	times   []time.Time
	clients []*Client
	created chan *Client
}

func NewDialer() *Dialer {
	return &Dialer{created: make(chan *Client, 64)}
}

func (d *Dialer) Dial(_ context.Context, opts protocol.Options, l protocol.Listener) (protocol.Client, error) {
	d.mu.Lock()
	d.dials = append(d.dials, opts)
	d.times = append(d.times, time.Now())
	err := d.Err
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	name := opts.Username
	if name == "" {
		name = "AccountPlayer"
	}
	c := &Client{Name: name, Opts: opts, EndOnQuit: d.EndOnQuit, listener: l}
	d.clients = append(d.clients, c)
	d.mu.Unlock()

	select {
	case d.created <- c:
	default:
	}
	return c, nil
}

func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

// DialTimes returns when each Dial call happened.
func (d *Dialer) DialTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.times...)
}

func (d *Dialer) Options() []protocol.Options {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Options(nil), d.dials...)
}

// WaitClient blocks until the next Client is created.
func (d *Dialer) WaitClient(t testing.TB, timeout time.Duration) *Client {
	t.Helper()
	select {
	case c := <-d.created:
		return c
	case <-time.After(timeout):
		t.Fatalf("no client dialed within %v", timeout)
		return nil
	}
}

// ExpectNoClient fails if a Client is created within wait.
func (d *Dialer) ExpectNoClient(t testing.TB, wait time.Duration) {
	t.Helper()
	select {
	case c := <-d.created:
		t.Fatalf("unexpected dial to %s:%d", c.Opts.Host, c.Opts.Port)
	case <-time.After(wait):
	}
}

// Resolver answers every lookup with Addrs, or fails with a DNS not-found
// error for hosts listed in Missing.
type Resolver struct {
	Addrs   []string
	Missing map[string]bool

	mu      sync.Mutex
	lookups []string
}

func NewResolver(missing ...string) *Resolver {
	r := &Resolver{Addrs: []string{"203.0.113.10"}, Missing: make(map[string]bool)}
	for _, h := range missing {
		r.Missing[h] = true
	}
	return r
}

func (r *Resolver) LookupHost(_ context.Context, host string) ([]string, error) {
	r.mu.Lock()
	r.lookups = append(r.lookups, host)
	r.mu.Unlock()
	if r.Missing[host] {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return r.Addrs, nil
}

func (r *Resolver) Lookups() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lookups...)
}
