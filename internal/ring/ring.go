// Package ring provides a fixed-capacity, oldest-evicting collection.
package ring

// Ring is a bounded FIFO. Pushing into a full Ring evicts the oldest element.
// A Ring is not safe for concurrent use; callers guard it with their own lock.
type Ring[T any] struct {
	buf  []T
	head int // index of the oldest element
	n    int
}

// New returns an empty Ring holding at most capacity elements.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("ring: capacity must be positive")
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v. If the ring was full, the oldest element is removed and
// returned with evicted=true.
func (r *Ring[T]) Push(v T) (old T, evicted bool) {
	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = v
		r.n++
		return old, false
	}
	old = r.buf[r.head]
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	return old, true
}

// Len reports the number of stored elements.
func (r *Ring[T]) Len() int { return r.n }

// Cap reports the maximum number of stored elements.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Oldest returns a copy of the contents, oldest first.
func (r *Ring[T]) Oldest() []T {
	out := make([]T, r.n)
	for i := range out {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Newest returns a copy of the contents, newest first.
func (r *Ring[T]) Newest() []T {
	out := make([]T, r.n)
	for i := range out {
		out[i] = r.buf[(r.head+r.n-1-i)%len(r.buf)]
	}
	return out
}
