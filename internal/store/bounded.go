package store

import "sync"

// Bounded is a capped, insertion-ordered ring buffer. Once full, every Append
// evicts the oldest entry regardless of any timestamp carried by the values.
// A capacity <= 0 makes the store unbounded.
//
// Bounded is safe for concurrent use.
type Bounded[T any] struct {
	mu       sync.RWMutex
	buf      []T
	start    int // index of the oldest entry once the ring has wrapped
	count    int
	capacity int
}

// NewBounded returns an empty store holding at most capacity entries.
func NewBounded[T any](capacity int) *Bounded[T] {
	b := &Bounded[T]{capacity: capacity}
	if capacity > 0 {
		b.buf = make([]T, 0, capacity)
	}
	return b
}

// Append inserts v as the newest entry and reports whether an older entry was evicted.
func (b *Bounded[T]) Append(v T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Until the ring is full start stays at 0 and len(buf) == count.
	if b.capacity <= 0 || b.count < b.capacity {
		b.buf = append(b.buf, v)
		b.count++
		return false
	}
	b.buf[b.start] = v
	b.start = (b.start + 1) % b.capacity
	return true
}

// Len returns the number of retained entries.
func (b *Bounded[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Cap returns the configured capacity (<= 0 means unbounded).
func (b *Bounded[T]) Cap() int { return b.capacity }

// Latest returns the most recently appended entry.
func (b *Bounded[T]) Latest() (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.at(b.count - 1), true
}

// Recent returns up to limit entries, newest first. A limit <= 0 returns everything.
func (b *Bounded[T]) Recent(limit int) []T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := b.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = b.at(b.count - 1 - i)
	}
	return out
}

// Snapshot returns all retained entries, oldest first.
func (b *Bounded[T]) Snapshot() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]T, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.at(i)
	}
	return out
}

// Clear drops every entry.
func (b *Bounded[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.buf)
	b.buf = b.buf[:0]
	b.start = 0
	b.count = 0
}

// at maps a logical position (0 = oldest) to the ring. Caller holds mu.
func (b *Bounded[T]) at(i int) T {
	return b.buf[(b.start+i)%len(b.buf)]
}
