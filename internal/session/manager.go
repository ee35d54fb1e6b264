// Package session owns the registry of bot sessions: creation under a
// capacity cap, the per-session state machine, reconnect scheduling and the
// per-session log. Everything observers see is pushed through an EventSink.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/afk-console/backend/internal/eventlog"
	"github.com/afk-console/backend/internal/idle"
	"github.com/afk-console/backend/internal/protocol"
	"github.com/afk-console/backend/internal/reconnect"
)

// EventSink receives every change a Manager makes. Methods are called with
// the Manager's lock held, in emission order, and must not block or call
// back into the Manager.
type EventSink interface {
	// SessionsChanged carries the full list after a change to affected.
	SessionsChanged(list []Summary, affected string)
	LogAppended(id string, entry eventlog.Entry)
	DeviceCode(id, owner string, code protocol.DeviceCode)
}

type Options struct {
	MaxSessions int
	LogCapacity int

	MinIdleInterval       time.Duration
	DefaultIdleInterval   time.Duration
	DefaultReconnectDelay time.Duration
	ReconnectBackoff      float64
	MaxReconnectDelay     time.Duration
	LoginOnlyQuitDelay    time.Duration
	WorldChangeDelay      time.Duration
	ResolveTimeout        time.Duration
	ConnectTimeout        time.Duration

	Resolver protocol.Resolver // nil uses net.DefaultResolver
	Sink     EventSink
	NewID    func() string
}

func (o *Options) applyDefaults() {
	if o.MaxSessions <= 0 {
		o.MaxSessions = 10
	}
	o.LogCapacity = eventlog.ClampCapacity(o.LogCapacity)
	if o.DefaultIdleInterval <= 0 {
		o.DefaultIdleInterval = idle.DefaultInterval
	}
	if o.DefaultReconnectDelay <= 0 {
		o.DefaultReconnectDelay = 10 * time.Second
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = 1
	}
	if o.LoginOnlyQuitDelay <= 0 {
		o.LoginOnlyQuitDelay = 500 * time.Millisecond
	}
	if o.WorldChangeDelay <= 0 {
		o.WorldChangeDelay = 1200 * time.Millisecond
	}
	if o.ResolveTimeout <= 0 {
		o.ResolveTimeout = 10 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.Sink == nil {
		o.Sink = nopSink{}
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
}

type nopSink struct{}

func (nopSink) SessionsChanged([]Summary, string)              {}
func (nopSink) LogAppended(string, eventlog.Entry)             {}
func (nopSink) DeviceCode(string, string, protocol.DeviceCode) {}

type Manager struct {
	dialer protocol.Dialer
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	sessions    map[string]*Session
	maxSessions int
	closed      bool
}

func NewManager(d protocol.Dialer, opts Options) *Manager {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dialer:      d,
		opts:        opts,
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[string]*Session),
		maxSessions: opts.MaxSessions,
	}
}

// Create registers a session and starts connecting in the background. The
// id is returned before the connection succeeds.
func (m *Manager) Create(cfg Config, owner string) (string, error) {
	return m.CreateWith(cfg, owner, nil)
}

// CreateWith is Create with a hook that runs once the id is assigned, before
// the session emits anything. The hook must not call back into the Manager.
func (m *Manager) CreateWith(cfg Config, owner string, assigned func(id string)) (string, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrShutdown
	}
	if len(m.sessions) >= m.maxSessions {
		return "", fmt.Errorf("%w: %d of %d in use", ErrCapacityExceeded, len(m.sessions), m.maxSessions)
	}

	id := m.opts.NewID()
	for m.sessions[id] != nil {
		id = m.opts.NewID()
	}
	s := newSession(id, owner, cfg, m.opts.LogCapacity)
	m.sessions[id] = s
	log.Printf("session %s: created for %s:%d (%s)", id, cfg.Host, cfg.Port, cfg.Auth)
	if assigned != nil {
		assigned(id)
	}

	m.connectLocked(s)
	return id, nil
}

// Stop cancels the session's timers, closes its connection in the
// background and removes it. The session emits nothing afterwards.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.manual = true
	m.logLocked(s, eventlog.Info, "Stopped by operator")
	m.removeLocked(s, "Stopped by user")
	return nil
}

// StopAll stops every registered session. A session that disappears while
// StopAll runs is not an error.
func (m *Manager) StopAll() error {
	var errs []error
	for _, id := range m.ids() {
		if err := m.Stop(id); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Disconnect closes the live connection as an operator action. The session
// is removed once the end of the connection is observed, or immediately
// when it has no adapter.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.manual = true
	m.logLocked(s, eventlog.Info, "Disconnect requested")
	a := s.adapter
	if a == nil {
		m.removeLocked(s, "Disconnected by user")
		m.mu.Unlock()
		return nil
	}
	s.reconnect.Cancel()
	m.stopIdleLocked(s)
	m.notifyLocked(id)
	m.mu.Unlock()

	// Ends the attempt, which re-enters handle and removes the session.
	a.Disconnect("Disconnected by user")
	return nil
}

// Respawn tears the session down and starts it again with cfg, keeping its
// id and log. The manual flag is cleared.
func (m *Manager) Respawn(id string, cfg Config) error {
	cfg, err := cfg.Normalize()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m.teardownLocked(s, "Respawning")
	s.cfg = cfg
	s.manual = false
	s.attempt = 0
	s.username = ""
	m.logLocked(s, eventlog.Info, "Respawning with new settings")
	m.connectLocked(s)
	return nil
}

// SendChat forwards text to the live connection and records it at level
// You.
func (m *Manager) SendChat(id, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("%w: text is required", ErrInvalidArgument)
	}

	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	a := s.adapter
	if a == nil || a.Client() == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: session %s has no live connection", ErrNotFound, id)
	}
	m.mu.Unlock()

	if err := a.Chat(text); err != nil {
		if errors.Is(err, protocol.ErrNotConnected) {
			return fmt.Errorf("%w: session %s has no live connection", ErrNotFound, id)
		}
		return fmt.Errorf("send chat: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[id] == s {
		m.logLocked(s, eventlog.You, text)
	}
	return nil
}

// List returns every registered session, oldest first.
func (m *Manager) List() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked()
}

func (m *Manager) Get(id string) (Summary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Summary{}, false
	}
	return s.summary(), true
}

// Logs returns a copy of the session's log, or an empty slice for an
// unknown id.
func (m *Manager) Logs(id string) []eventlog.Entry {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return []eventlog.Entry{}
	}
	return s.logs.Snapshot()
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) MaxSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxSessions
}

// SetMaxSessions changes the cap for future creates. Sessions above a
// lowered cap keep running.
func (m *Manager) SetMaxSessions(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxSessions = n
}

// Shutdown stops every session and refuses new ones.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	err := m.StopAll()
	m.cancel()
	return err
}

func (m *Manager) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) listLocked() []Summary {
	list := make([]Summary, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s.summary())
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt != list[j].CreatedAt {
			return list[i].CreatedAt < list[j].CreatedAt
		}
		return list[i].ID < list[j].ID
	})
	return list
}

func (m *Manager) notifyLocked(affected string) {
	m.opts.Sink.SessionsChanged(m.listLocked(), affected)
}

func (m *Manager) logLocked(s *Session, level eventlog.Level, msg string) {
	e := eventlog.NewEntry(level, msg)
	s.logs.Append(e)
	switch level {
	case eventlog.Chat, eventlog.Trace, eventlog.You:
	default:
		log.Printf("session %s: [%s] %s", s.id, level, msg)
	}
	m.opts.Sink.LogAppended(s.id, e)
}

func (m *Manager) settingsFor(s *Session) protocol.Settings {
	profile := s.owner
	if profile == "" {
		profile = "default"
	}
	return protocol.Settings{
		Options: protocol.Options{
			Host:     s.cfg.Host,
			Port:     s.cfg.Port,
			Version:  s.cfg.Version,
			Auth:     s.cfg.Auth,
			Username: s.cfg.Username,
			Profile:  profile,

			ConnectTimeout: m.opts.ConnectTimeout,
		},
		JoinCommand:        s.cfg.JoinCommand,
		WorldChangeCommand: s.cfg.WorldChangeCommand,
		WorldChangeDelay:   m.opts.WorldChangeDelay,
		Sneak:              s.cfg.Sneak,
		LoginOnly:          s.cfg.LoginOnly,
		LoginOnlyQuitDelay: m.opts.LoginOnlyQuitDelay,
		ResolveTimeout:     m.opts.ResolveTimeout,
	}
}

func (m *Manager) policyFor(s *Session) reconnect.Policy {
	delay := m.opts.DefaultReconnectDelay
	if s.cfg.ReconnectDelayMs > 0 {
		delay = time.Duration(s.cfg.ReconnectDelayMs) * time.Millisecond
	}
	return reconnect.Policy{
		AutoReconnect: s.cfg.AutoReconnect,
		LoginOnly:     s.cfg.LoginOnly,
		Delay:         delay,
		Backoff:       m.opts.ReconnectBackoff,
		MaxDelay:      m.opts.MaxReconnectDelay,
	}
}

// connectLocked starts a fresh attempt. Any previous adapter must already be
// torn down.
func (m *Manager) connectLocked(s *Session) {
	s.status = Starting
	m.logLocked(s, eventlog.Info, fmt.Sprintf("Connecting %s:%d (%s)", s.cfg.Host, s.cfg.Port, s.cfg.Auth))

	var a *protocol.Adapter
	a = protocol.NewAdapter(m.dialer, m.opts.Resolver, m.settingsFor(s), func(ev protocol.Event) {
		m.handle(s, a, ev)
	})
	s.adapter = a
	m.notifyLocked(s.id)
	a.Start(m.ctx)
}

// handle applies one adapter event. Events from an adapter that is no longer
// the session's current one, or for a session no longer registered, are
// dropped.
func (m *Manager) handle(s *Session, a *protocol.Adapter, ev protocol.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.id] != s || s.adapter != a {
		return
	}

	switch ev.Kind {
	case protocol.EventLogin:
		s.status = Online
		s.attempt = 0
		s.username = ev.Text
		m.logLocked(s, eventlog.OK, "Logged in as "+ev.Text)
		m.notifyLocked(s.id)
	case protocol.EventSpawn:
		m.logLocked(s, eventlog.OK, "Spawned")
		m.startIdleLocked(s, a)
	case protocol.EventChat:
		m.logLocked(s, eventlog.Chat, ev.Text)
	case protocol.EventCommand:
		m.logLocked(s, eventlog.Info, "Sent "+ev.Text)
	case protocol.EventAuthCode:
		m.logLocked(s, eventlog.Auth, fmt.Sprintf("Go to %s and use code %s", ev.Code.VerificationURI, ev.Code.UserCode))
		m.opts.Sink.DeviceCode(s.id, s.owner, ev.Code)
	case protocol.EventError:
		msg := "unknown error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		m.logLocked(s, eventlog.Error, msg)
		if ev.Fatal && !s.manual {
			s.manual = true
			m.logLocked(s, eventlog.Warn, "Not reconnecting after a name resolution failure")
			m.notifyLocked(s.id)
		}
	case protocol.EventKicked:
		s.status = Kicked
		m.logLocked(s, eventlog.Warn, "Kicked: "+ev.Text)
		m.finishAttemptLocked(s)
	case protocol.EventEnded:
		s.status = Ended
		m.logLocked(s, eventlog.Info, "Disconnected: "+ev.Text)
		m.finishAttemptLocked(s)
	}
}

func (m *Manager) startIdleLocked(s *Session, a *protocol.Adapter) {
	if s.cfg.LoginOnly || s.cfg.IdleDisabled {
		return
	}
	client := a.Client()
	if client == nil {
		return
	}
	m.stopIdleLocked(s)

	interval := m.opts.DefaultIdleInterval
	if s.cfg.IdleIntervalMs > 0 {
		interval = time.Duration(s.cfg.IdleIntervalMs) * time.Millisecond
	}
	var sched *idle.Scheduler
	sched = idle.New(client, idle.Options{
		Mode:             s.cfg.IdleMode,
		Interval:         interval,
		MinInterval:      m.opts.MinIdleInterval,
		KeepAliveCommand: s.cfg.KeepAliveCommand,
		Report: func(level eventlog.Level, msg string) {
			m.idleReport(s, sched, level, msg)
		},
	})
	s.idle = sched
	sched.Start()
}

func (m *Manager) idleReport(s *Session, sched *idle.Scheduler, level eventlog.Level, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.id] != s || s.idle != sched || s.status != Online {
		return
	}
	m.logLocked(s, level, msg)
}

func (m *Manager) stopIdleLocked(s *Session) {
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
}

// teardownLocked cancels timers and closes the adapter without touching the
// registry.
func (m *Manager) teardownLocked(s *Session, reason string) {
	s.reconnect.Cancel()
	m.stopIdleLocked(s)
	if s.adapter != nil {
		s.adapter.Close(reason)
		s.adapter = nil
	}
}

// finishAttemptLocked runs once per attempt, on its first kicked or ended
// event: it tears the attempt down and either schedules a reconnect or
// removes the session.
func (m *Manager) finishAttemptLocked(s *Session) {
	m.teardownLocked(s, "attempt finished")

	policy := m.policyFor(s)
	if !policy.ShouldReconnect(s.manual) {
		m.notifyLocked(s.id)
		m.removeLocked(s, "not reconnecting")
		return
	}

	delay := policy.DelayFor(s.attempt)
	s.attempt++
	m.notifyLocked(s.id)
	s.status = Reconnecting
	m.logLocked(s, eventlog.Info, "Reconnecting in "+delay.String())
	s.reconnect.Schedule(delay, func() { m.reconnectFired(s) })
	m.notifyLocked(s.id)
}

func (m *Manager) reconnectFired(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.sessions[s.id] != s || s.status != Reconnecting || s.adapter != nil {
		return
	}
	m.connectLocked(s)
}

func (m *Manager) removeLocked(s *Session, reason string) {
	m.teardownLocked(s, reason)
	delete(m.sessions, s.id)
	s.status = Removed
	log.Printf("session %s: removed (%s)", s.id, reason)
	m.notifyLocked(s.id)
}
