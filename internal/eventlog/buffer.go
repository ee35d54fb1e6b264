package eventlog

import "sync"

const (
	// DefaultCapacity is the number of entries a session keeps.
	DefaultCapacity = 600
	MinCapacity     = 500
	MaxCapacity     = 800
)

// ClampCapacity forces n into [MinCapacity, MaxCapacity]; zero selects the default.
func ClampCapacity(n int) int {
	switch {
	case n == 0:
		return DefaultCapacity
	case n < MinCapacity:
		return MinCapacity
	case n > MaxCapacity:
		return MaxCapacity
	}
	return n
}

// Buffer is a fixed-capacity circular log. Oldest entries are silently
// overwritten once the buffer is full.
type Buffer struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	head     int // index of the next write once full
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		entries:  make([]Entry, 0, capacity),
		capacity: capacity,
	}
}

// Append adds an entry, evicting the oldest one when at capacity.
func (b *Buffer) Append(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) < b.capacity {
		b.entries = append(b.entries, e)
		return
	}
	b.entries[b.head] = e
	b.head = (b.head + 1) % b.capacity
}

// Snapshot returns the entries oldest first. The caller owns the slice.
func (b *Buffer) Snapshot() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Entry, 0, len(b.entries))
	if len(b.entries) < b.capacity {
		return append(out, b.entries...)
	}
	out = append(out, b.entries[b.head:]...)
	return append(out, b.entries[:b.head]...)
}
