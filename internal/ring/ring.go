// Package ring provides a fixed-capacity circular queue used for the
// per-source inbound and per-sink outbound frame queues.
package ring

// Ring is a FIFO of at most Cap elements. It never grows: Push reports
// false when full and the caller decides what to drop. Ring has no
// internal locking; callers that share it between goroutines supply their
// own mutex.
type Ring[T any] struct {
	buf   []T
	head  int // index of the front element
	count int
}

// New returns an empty Ring that holds at most capacity elements.
// It panics if capacity is not positive.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("ring: capacity must be positive")
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Len returns the number of queued elements.
func (r *Ring[T]) Len() int { return r.count }

// Empty reports whether the ring holds no elements.
func (r *Ring[T]) Empty() bool { return r.count == 0 }

// Full reports whether a Push would fail.
func (r *Ring[T]) Full() bool { return r.count == len(r.buf) }

// Push appends v at the back. It returns false, leaving the ring
// unchanged, if the ring is full.
func (r *Ring[T]) Push(v T) bool {
	if r.Full() {
		return false
	}
	r.buf[(r.head+r.count)%len(r.buf)] = v
	r.count++
	return true
}

// Front returns the oldest element. Calling Front on an empty ring panics.
func (r *Ring[T]) Front() T {
	if r.count == 0 {
		panic("ring: Front on empty ring")
	}
	return r.buf[r.head]
}

// At returns the i'th element counting from the front.
func (r *Ring[T]) At(i int) T {
	if i < 0 || i >= r.count {
		panic("ring: index out of range")
	}
	return r.buf[(r.head+i)%len(r.buf)]
}

// Pop removes and returns the oldest element. Calling Pop on an empty
// ring panics.
func (r *Ring[T]) Pop() T {
	if r.count == 0 {
		panic("ring: Pop on empty ring")
	}
	var zero T
	v := r.buf[r.head]
	// Clear the slot so the ring does not pin released frames.
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return v
}

// Clear drops every element.
func (r *Ring[T]) Clear() {
	for r.count > 0 {
		r.Pop()
	}
	r.head = 0
}
