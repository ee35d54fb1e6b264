// Package reconnect decides whether an ended session comes back and how long
// it waits first.
package reconnect

import (
	"math"
	"time"
)

type Policy struct {
	AutoReconnect bool
	LoginOnly     bool
	Delay         time.Duration
	// Backoff multiplies Delay per consecutive failed attempt. Values at or
	// below 1 keep the delay fixed.
	Backoff  float64
	MaxDelay time.Duration // zero means uncapped
}

// ShouldReconnect reports whether a session that just ended gets another
// attempt. An operator-initiated end always wins over AutoReconnect.
func (p Policy) ShouldReconnect(manual bool) bool {
	return p.AutoReconnect && !p.LoginOnly && !manual
}

// DelayFor returns the wait before the given zero-based attempt.
func (p Policy) DelayFor(attempt int) time.Duration {
	d := p.Delay
	if d < 0 {
		d = 0
	}
	if p.Backoff > 1 && attempt > 0 {
		scaled := float64(d) * math.Pow(p.Backoff, float64(attempt))
		if scaled > float64(math.MaxInt64) {
			scaled = float64(math.MaxInt64)
		}
		d = time.Duration(scaled)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
