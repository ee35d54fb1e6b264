package reconnect

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestShouldReconnect(t *testing.T) {
	tests := []struct {
		auto, loginOnly, manual bool
		want                    bool
	}{
		{true, false, false, true},
		{true, false, true, false},
		{true, true, false, false},
		{true, true, true, false},
		{false, false, false, false},
		{false, false, true, false},
		{false, true, false, false},
		{false, true, true, false},
	}
	for _, tt := range tests {
		p := Policy{AutoReconnect: tt.auto, LoginOnly: tt.loginOnly, Delay: time.Second}
		if got := p.ShouldReconnect(tt.manual); got != tt.want {
			t.Errorf("auto=%v loginOnly=%v manual=%v: got %v, want %v",
				tt.auto, tt.loginOnly, tt.manual, got, tt.want)
		}
	}
}

func TestDelayFor(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		attempt int
		want    time.Duration
	}{
		{"fixed", Policy{Delay: 10 * time.Second, Backoff: 1}, 5, 10 * time.Second},
		{"no backoff set", Policy{Delay: time.Second}, 3, time.Second},
		{"first attempt", Policy{Delay: time.Second, Backoff: 2}, 0, time.Second},
		{"doubling", Policy{Delay: time.Second, Backoff: 2}, 3, 8 * time.Second},
		{"capped", Policy{Delay: time.Second, Backoff: 2, MaxDelay: 5 * time.Second}, 10, 5 * time.Second},
		{"huge attempt", Policy{Delay: time.Second, Backoff: 10, MaxDelay: time.Minute}, 400, time.Minute},
		{"negative", Policy{Delay: -time.Second}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.DelayFor(tt.attempt); got != tt.want {
				t.Errorf("DelayFor(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestTimerFires(t *testing.T) {
	var tm Timer
	fired := make(chan struct{})
	tm.Schedule(10*time.Millisecond, func() { close(fired) })
	if !tm.Pending() {
		t.Fatal("expected pending timer")
	}
	if tm.Due().IsZero() {
		t.Error("Due() should be set while pending")
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
	if tm.Pending() {
		t.Error("timer still pending after firing")
	}
}

func TestTimerCancel(t *testing.T) {
	var tm Timer
	var n atomic.Int32
	tm.Schedule(20*time.Millisecond, func() { n.Add(1) })

	if !tm.Cancel() {
		t.Error("Cancel should report a pending timer")
	}
	if tm.Cancel() {
		t.Error("second Cancel should be a no-op")
	}
	time.Sleep(60 * time.Millisecond)
	if n.Load() != 0 {
		t.Error("cancelled callback ran")
	}
	if !tm.Due().IsZero() {
		t.Error("Due() should be zero once cancelled")
	}
}

func TestTimerRescheduleReplaces(t *testing.T) {
	var tm Timer
	var first, second atomic.Int32
	tm.Schedule(20*time.Millisecond, func() { first.Add(1) })
	tm.Schedule(30*time.Millisecond, func() { second.Add(1) })

	time.Sleep(100 * time.Millisecond)
	if first.Load() != 0 {
		t.Error("replaced callback ran")
	}
	if second.Load() != 1 {
		t.Errorf("replacement ran %d times, want 1", second.Load())
	}
}
