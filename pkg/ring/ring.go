// Package ring provides a fixed-capacity FIFO buffer used for audit trails,
// restart histories and sample windows. Once full, each Push evicts the
// oldest element.
//
// A Ring is not safe for concurrent use; owners guard it with their own lock
// when it is shared.
package ring

// Ring is a bounded, oldest-first buffer.
type Ring[T any] struct {
	buf   []T
	head  int // index of the oldest element
	count int
}

// New creates a ring holding at most capacity elements. A non-positive
// capacity is treated as 1.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest element when the ring is full.
// It reports whether an element was evicted.
func (r *Ring[T]) Push(v T) bool {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = v
		r.count++
		return false
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	return true
}

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int { return r.count }

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// At returns the i-th element counting from the oldest.
func (r *Ring[T]) At(i int) T {
	if i < 0 || i >= r.count {
		panic("ring: index out of range")
	}
	return r.buf[(r.head+i)%len(r.buf)]
}

// Newest returns the most recently pushed element.
func (r *Ring[T]) Newest() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	return r.At(r.count - 1), true
}

// Items returns a copy of the contents, oldest first.
func (r *Ring[T]) Items() []T {
	out := make([]T, r.count)
	for i := range out {
		out[i] = r.At(i)
	}
	return out
}

// DropOldestWhile evicts elements from the old end for as long as drop
// returns true. It returns the number of evicted elements.
func (r *Ring[T]) DropOldestWhile(drop func(T) bool) int {
	var zero T
	n := 0
	for r.count > 0 && drop(r.buf[r.head]) {
		r.buf[r.head] = zero
		r.head = (r.head + 1) % len(r.buf)
		r.count--
		n++
	}
	if r.count == 0 {
		r.head = 0
	}
	return n
}

// Clear removes every element.
func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head, r.count = 0, 0
}

// Load replaces the contents with items, keeping only the newest Cap()
// elements when items is longer than the ring.
func (r *Ring[T]) Load(items []T) {
	r.Clear()
	if len(items) > len(r.buf) {
		items = items[len(items)-len(r.buf):]
	}
	for _, v := range items {
		r.Push(v)
	}
}
