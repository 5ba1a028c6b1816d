package retention

import "fmt"

// Ring is a fixed-capacity FIFO. Pushing onto a full ring overwrites the
// oldest element. It is not safe for concurrent use; Store guards its rings.
type Ring[T any] struct {
	buf   []T
	start int // index of the oldest element
	size  int
}

// NewRing allocates a ring holding at most capacity elements. The capacity
// must be positive.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic(fmt.Sprintf("retention: ring capacity must be positive, got %d", capacity))
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v at the tail and reports whether the oldest element was
// evicted to make room.
func (r *Ring[T]) Push(v T) (evicted bool) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = v
		r.size++
		return false
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
	return true
}

// Len returns the number of elements held.
func (r *Ring[T]) Len() int { return r.size }

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Last copies the n most recent elements, oldest first. n is clamped to
// [0, Len()].
func (r *Ring[T]) Last(n int) []T {
	if n > r.size {
		n = r.size
	}
	if n < 0 {
		n = 0
	}
	out := make([]T, n)
	first := r.start + r.size - n
	for i := range out {
		out[i] = r.buf[(first+i)%len(r.buf)]
	}
	return out
}

// All copies every element, oldest first.
func (r *Ring[T]) All() []T {
	return r.Last(r.size)
}
