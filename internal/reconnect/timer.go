package reconnect

import (
	"sync"
	"time"
)

// Timer is a single pending callback owned by one session. Scheduling again
// replaces the pending callback; Cancel is synchronous and idempotent.
type Timer struct {
	mu  sync.Mutex
	t   *time.Timer
	gen uint64
	due time.Time
}

func (t *Timer) Schedule(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
	}
	t.gen++
	gen := t.gen
	t.due = time.Now().Add(d)
	t.t = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.gen != gen || t.t == nil {
			t.mu.Unlock()
			return
		}
		t.t = nil
		t.mu.Unlock()
		fn()
	})
}

// Cancel drops the pending callback and reports whether there was one.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t == nil {
		return false
	}
	t.t.Stop()
	t.t = nil
	t.gen++
	return true
}

func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.t != nil
}

// Due returns when the pending callback fires, or the zero time.
func (t *Timer) Due() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t == nil {
		return time.Time{}
	}
	return t.due
}
