// Package ringbuf provides the bounded single-producer/single-consumer queue
// that carries events between a driver callback and the application.
//
// Exactly one goroutine may call Push and exactly one may call Pop/Peek.
// Neither side takes a lock or allocates. A full ring drops the pushed value
// and counts it.
package ringbuf

import (
	"sync/atomic"
)

// DefaultSize is used when a non-positive size is requested.
const DefaultSize = 1024

// Ring is a fixed-capacity SPSC FIFO.
type Ring[T any] struct {
	slots []T
	mask  uint64

	// head is advanced by the consumer, tail by the producer. Both only grow;
	// the slot index is the counter masked by the capacity.
	head atomic.Uint64
	_    [56]byte
	tail atomic.Uint64
	_    [56]byte

	attempts atomic.Uint64
	dropped  atomic.Uint64
	locked   bool
}

// New allocates a ring holding at least size values. The capacity is rounded
// up to a power of two.
func New[T any](size int) *Ring[T] {
	if size <= 0 {
		size = DefaultSize
	}
	n := uint64(1)
	for n < uint64(size) {
		n <<= 1
	}
	return &Ring[T]{slots: make([]T, n), mask: n - 1}
}

// Cap returns the number of values the ring can hold.
func (r *Ring[T]) Cap() int {
	return len(r.slots)
}

// Len returns the number of queued values.
func (r *Ring[T]) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Free returns the remaining room.
func (r *Ring[T]) Free() int {
	return r.Cap() - r.Len()
}

// Push appends v. It returns false, and counts a drop, when the ring is full.
func (r *Ring[T]) Push(v T) bool {
	r.attempts.Add(1)
	tail := r.tail.Load()
	if tail-r.head.Load() >= uint64(len(r.slots)) {
		r.dropped.Add(1)
		return false
	}
	r.slots[tail&r.mask] = v
	r.tail.Store(tail + 1)
	return true
}

// Pop removes the oldest value.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	head := r.head.Load()
	if head == r.tail.Load() {
		return zero, false
	}
	idx := head & r.mask
	v := r.slots[idx]
	r.slots[idx] = zero
	r.head.Store(head + 1)
	return v, true
}

// Peek returns the oldest value without removing it.
func (r *Ring[T]) Peek() (T, bool) {
	head := r.head.Load()
	if head == r.tail.Load() {
		var zero T
		return zero, false
	}
	return r.slots[head&r.mask], true
}

// Pushed returns the number of Push calls, accepted or not.
func (r *Ring[T]) Pushed() uint64 {
	return r.attempts.Load()
}

// Popped returns the number of values removed.
func (r *Ring[T]) Popped() uint64 {
	return r.head.Load()
}

// Dropped returns the number of values rejected because the ring was full.
func (r *Ring[T]) Dropped() uint64 {
	return r.dropped.Load()
}

// Reset discards queued values. Only call it while the producer is idle.
func (r *Ring[T]) Reset() {
	var zero T
	for r.head.Load() != r.tail.Load() {
		h := r.head.Load()
		r.slots[h&r.mask] = zero
		r.head.Store(h + 1)
	}
}
