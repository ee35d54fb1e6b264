// Package idle keeps a connected session looking active: on every tick it
// nudges the view, sometimes sends a keep-alive command, and performs one
// short movement chosen by the configured Mode.
package idle

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/afk-console/backend/internal/eventlog"
	"github.com/afk-console/backend/internal/protocol"
)

const (
	DefaultInterval = 60 * time.Second
	MinInterval     = 15 * time.Second

	// KeepAliveChance is the per-tick probability of sending the keep-alive
	// command when one is configured.
	KeepAliveChance = 0.2

	JumpHold   = 250 * time.Millisecond
	CircleHold = 1200 * time.Millisecond
	StrafeHold = 700 * time.Millisecond
	WalkHold   = 700 * time.Millisecond

	maxYawNudge = math.Pi / 8
	maxPitch    = 0.2
)

// Actor is the part of a protocol client the scheduler drives.
type Actor interface {
	Orientation() (yaw, pitch float64, ok bool)
	Look(yaw, pitch float64) error
	SetControl(c protocol.Control, on bool) error
	Chat(text string) error
}

type Options struct {
	Mode             Mode
	Interval         time.Duration // raised to MinInterval when shorter
	MinInterval      time.Duration // zero means MinInterval
	KeepAliveCommand string
	// Rand drives every random choice. Nil seeds a fresh source.
	Rand *rand.Rand
	// Report receives the tick trace and any tick failure.
	Report func(level eventlog.Level, msg string)
}

type Scheduler struct {
	actor     Actor
	mode      Mode
	interval  time.Duration
	keepAlive string
	report    func(eventlog.Level, string)

	mu       sync.Mutex
	rnd      *rand.Rand
	releases map[*time.Timer]struct{}
	started  bool
	stopped  bool
	done     chan struct{}
}

// New builds a scheduler that does nothing until Start. Tick may also be
// called directly.
func New(actor Actor, opts Options) *Scheduler {
	floor := opts.MinInterval
	if floor <= 0 {
		floor = MinInterval
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	if interval < floor {
		interval = floor
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	report := opts.Report
	if report == nil {
		report = func(eventlog.Level, string) {}
	}
	return &Scheduler{
		actor:     actor,
		mode:      opts.Mode,
		interval:  interval,
		keepAlive: opts.KeepAliveCommand,
		report:    report,
		rnd:       rnd,
		releases:  make(map[*time.Timer]struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the ticker until Stop. Calls after the first are ignored.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	go s.loop()
}

func (s *Scheduler) Interval() time.Duration { return s.interval }

func (s *Scheduler) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if s.Stopped() {
				return
			}
			s.Tick()
		}
	}
}

// Stop halts the ticker and cancels pending control releases. It is safe to
// call more than once and never blocks on a running tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.done)
	for t := range s.releases {
		t.Stop()
	}
	clear(s.releases)
}

func (s *Scheduler) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Tick performs one round of idle actions. A failure or panic affects only
// this tick and is reported as a warning.
func (s *Scheduler) Tick() {
	defer func() {
		if r := recover(); r != nil {
			s.report(eventlog.Warn, fmt.Sprintf("Anti-AFK error: %v", r))
		}
	}()

	acted, err := s.tick()
	if err != nil {
		s.report(eventlog.Warn, "Anti-AFK error: "+err.Error())
		return
	}
	if acted {
		s.report(eventlog.Trace, "Anti-AFK "+s.mode.String())
	}
}

func (s *Scheduler) tick() (bool, error) {
	if s.Stopped() {
		return false, nil
	}
	yaw, _, ok := s.actor.Orientation()
	if !ok {
		return false, nil
	}

	yawNudge := s.uniform(-maxYawNudge, maxYawNudge)
	pitch := s.uniform(-maxPitch, maxPitch)
	if err := s.actor.Look(yaw+yawNudge, pitch); err != nil {
		return false, fmt.Errorf("look: %w", err)
	}

	if s.keepAlive != "" && s.chance(KeepAliveChance) {
		if err := s.actor.Chat(s.keepAlive); err != nil {
			return false, fmt.Errorf("keep-alive: %w", err)
		}
	}

	switch s.mode {
	case Jitter:
		return true, s.hold(protocol.Jump, JumpHold)
	case Circle:
		return true, s.hold(protocol.Forward, CircleHold)
	case Strafe:
		side := protocol.Left
		if s.chance(0.5) {
			side = protocol.Right
		}
		return true, s.hold(side, StrafeHold)
	case Walkabout:
		dir := protocol.Forward
		if s.chance(0.5) {
			dir = protocol.Back
		}
		return true, s.hold(dir, WalkHold)
	default:
		return false, fmt.Errorf("unknown idle mode %d", int(s.mode))
	}
}

// hold presses c and schedules its release after d.
func (s *Scheduler) hold(c protocol.Control, d time.Duration) error {
	if err := s.actor.SetControl(c, true); err != nil {
		return fmt.Errorf("%s: %w", c, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, live := s.releases[t]
		delete(s.releases, t)
		s.mu.Unlock()
		if !live {
			return
		}
		if err := s.actor.SetControl(c, false); err != nil {
			s.report(eventlog.Warn, fmt.Sprintf("Anti-AFK error: release %s: %v", c, err))
		}
	})
	s.releases[t] = struct{}{}
	return nil
}

func (s *Scheduler) uniform(lo, hi float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo + s.rnd.Float64()*(hi-lo)
}

func (s *Scheduler) chance(p float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Float64() < p
}
