package protocol

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

type EventKind int

const (
	EventLogin EventKind = iota
	EventSpawn
	EventChat
	EventKicked
	EventEnded
	EventError
	EventAuthCode
	EventCommand // a configured command was sent on the client's behalf
)

var eventKindNames = map[EventKind]string{
	EventLogin:    "login",
	EventSpawn:    "spawn",
	EventChat:     "chat",
	EventKicked:   "kicked",
	EventEnded:    "ended",
	EventError:    "error",
	EventAuthCode: "authCode",
	EventCommand:  "command",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is the adapter's translation of one client callback. Text carries
// the username for EventLogin, the message for EventChat, the reason for
// EventKicked and EventEnded, and the command for EventCommand.
type Event struct {
	Kind  EventKind
	Text  string
	Err   error
	Fatal bool
	Code  DeviceCode
}

// Settings configures one connection attempt.
type Settings struct {
	Options

	JoinCommand        string
	WorldChangeCommand string
	WorldChangeDelay   time.Duration
	Sneak              bool
	LoginOnly          bool
	LoginOnlyQuitDelay time.Duration
	ResolveTimeout     time.Duration
}

// Adapter owns one connection attempt. It resolves the host, dials, runs the
// spawn side effects and reports everything through emit. At most one of
// EventKicked or EventEnded is emitted per adapter, and nothing terminal is
// emitted after Close.
type Adapter struct {
	dialer   Dialer
	resolver Resolver
	settings Settings
	emit     func(Event)

	mu       sync.Mutex
	client   Client
	cancel   context.CancelFunc
	timers   []*time.Timer
	closed   bool
	reason   string
	loggedIn bool
	spawned  bool
	pending  bool // spawned before Dial returned
	ended    bool
}

func NewAdapter(d Dialer, r Resolver, s Settings, emit func(Event)) *Adapter {
	if r == nil {
		r = net.DefaultResolver
	}
	return &Adapter{
		dialer:   d,
		resolver: r,
		settings: s,
		emit:     emit,
	}
}

// Start begins resolution and dialing in the background.
func (a *Adapter) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	go a.run(ctx)
}

func (a *Adapter) Addr() string {
	return net.JoinHostPort(a.settings.Host, strconv.Itoa(a.settings.Port))
}

func (a *Adapter) run(ctx context.Context) {
	if err := a.resolve(ctx); err != nil {
		a.emitUnlessClosed(Event{Kind: EventError, Err: err, Fatal: true})
		a.finish("resolution failed")
		return
	}

	client, err := a.dial(ctx)
	if err != nil {
		cerr := &ConnectError{Addr: a.Addr(), Err: err}
		a.emitUnlessClosed(Event{Kind: EventError, Err: cerr, Fatal: IsFatal(err)})
		a.finish("connect failed")
		return
	}

	a.mu.Lock()
	if a.ended {
		reason := a.reason
		a.mu.Unlock()
		if reason == "" {
			reason = "attempt ended"
		}
		_ = client.Quit(reason)
		return
	}
	a.client = client
	pending := a.pending
	a.pending = false
	a.mu.Unlock()

	if pending {
		a.emit(Event{Kind: EventSpawn})
		a.spawnEffects(client)
	}
}

func (a *Adapter) dial(ctx context.Context) (Client, error) {
	return a.dialer.Dial(ctx, a.settings.Options, listener{a})
}

func (a *Adapter) resolve(ctx context.Context) error {
	host := a.settings.Host
	if net.ParseIP(host) != nil {
		return nil
	}
	if a.settings.ResolveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.settings.ResolveTimeout)
		defer cancel()
	}
	addrs, err := a.resolver.LookupHost(ctx, host)
	if err == nil && len(addrs) == 0 {
		err = fmt.Errorf("no addresses")
	}
	if err != nil {
		return &ResolveError{Host: host, Err: err}
	}
	return nil
}

// Client returns the live client, or nil before Dial returns and after the
// attempt has ended.
func (a *Adapter) Client() Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ended {
		return nil
	}
	return a.client
}

func (a *Adapter) Chat(text string) error {
	c := a.Client()
	if c == nil {
		return ErrNotConnected
	}
	return c.Chat(text)
}

// Close stops the attempt. Timers are cancelled before Close returns; the
// client is quit in the background.
func (a *Adapter) Close(reason string) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.ended = true
	a.reason = reason
	a.stopTimersLocked()
	cancel := a.cancel
	client := a.client
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client != nil {
		go func() { _ = client.Quit(reason) }()
	}
}

// Disconnect quits the live client and ends the attempt, reporting
// EventEnded with reason. It must not be called while holding a lock the
// emit callback takes.
func (a *Adapter) Disconnect(reason string) {
	a.mu.Lock()
	if a.ended {
		a.mu.Unlock()
		return
	}
	a.reason = reason
	client := a.client
	a.mu.Unlock()

	if client != nil {
		go func() { _ = client.Quit(reason) }()
	}
	a.finish(reason)
}

func (a *Adapter) finish(reason string) {
	a.mu.Lock()
	if a.ended {
		a.mu.Unlock()
		return
	}
	a.ended = true
	a.stopTimersLocked()
	a.mu.Unlock()
	a.emit(Event{Kind: EventEnded, Text: reason})
}

func (a *Adapter) emitUnlessClosed(ev Event) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if !closed {
		a.emit(ev)
	}
}

// afterLocked schedules fn unless the attempt is over. Must hold a.mu.
func (a *Adapter) afterLocked(d time.Duration, fn func()) {
	if a.ended {
		return
	}
	a.timers = append(a.timers, time.AfterFunc(d, fn))
}

func (a *Adapter) stopTimersLocked() {
	for _, t := range a.timers {
		t.Stop()
	}
	a.timers = nil
}

func (a *Adapter) sendCommand(cmd string) {
	c := a.Client()
	if c == nil {
		return
	}
	if err := c.Chat(cmd); err != nil {
		a.emitUnlessClosed(Event{Kind: EventError, Err: fmt.Errorf("send %q: %w", cmd, err)})
		return
	}
	a.emitUnlessClosed(Event{Kind: EventCommand, Text: cmd})
}

func (a *Adapter) quitLoginOnly() {
	c := a.Client()
	if c != nil {
		_ = c.Quit("login-only")
	}
	a.finish("login-only")
}

// listener adapts client callbacks onto the Adapter.
type listener struct{ a *Adapter }

func (l listener) OnLogin() {
	a := l.a
	a.mu.Lock()
	if a.loggedIn || a.ended {
		a.mu.Unlock()
		return
	}
	a.loggedIn = true
	name := a.settings.Username
	if a.client != nil && a.client.Username() != "" {
		name = a.client.Username()
	}
	if a.settings.LoginOnly {
		a.afterLocked(a.settings.LoginOnlyQuitDelay, a.quitLoginOnly)
	}
	a.mu.Unlock()

	a.emit(Event{Kind: EventLogin, Text: name})
}

func (l listener) OnSpawn() {
	a := l.a
	a.mu.Lock()
	if a.spawned || a.ended {
		a.mu.Unlock()
		return
	}
	a.spawned = true
	client := a.client
	if client == nil {
		// Reported once Dial hands back the client.
		a.pending = true
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	a.emit(Event{Kind: EventSpawn})
	a.spawnEffects(client)
}

func (a *Adapter) spawnEffects(client Client) {
	s := a.settings
	if s.Sneak {
		if err := client.SetControl(Sneak, true); err != nil {
			a.emitUnlessClosed(Event{Kind: EventError, Err: fmt.Errorf("sneak: %w", err)})
		}
	}
	if s.JoinCommand != "" {
		a.sendCommand(s.JoinCommand)
	}
	if s.WorldChangeCommand != "" {
		cmd := s.WorldChangeCommand
		a.mu.Lock()
		a.afterLocked(s.WorldChangeDelay, func() { a.sendCommand(cmd) })
		a.mu.Unlock()
	}
}

func (l listener) OnMessage(text string) {
	l.a.emitUnlessClosed(Event{Kind: EventChat, Text: text})
}

func (l listener) OnKicked(reason string) {
	a := l.a
	a.mu.Lock()
	if a.ended {
		a.mu.Unlock()
		return
	}
	a.ended = true
	a.stopTimersLocked()
	a.mu.Unlock()
	a.emit(Event{Kind: EventKicked, Text: reason})
}

func (l listener) OnEnd(reason string) {
	l.a.finish(reason)
}

// OnError reports a runtime protocol error. Once the client is live the
// error ends the attempt the same way a disconnect does.
func (l listener) OnError(err error) {
	a := l.a
	a.emitUnlessClosed(Event{Kind: EventError, Err: err, Fatal: IsFatal(err)})

	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return
	}
	a.finish("protocol error")
	go func() { _ = client.Quit("protocol error") }()
}

func (l listener) OnDeviceCode(code DeviceCode) {
	l.a.emitUnlessClosed(Event{Kind: EventAuthCode, Code: code})
}
