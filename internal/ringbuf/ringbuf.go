// Package ringbuf provides a fixed-capacity, index-based FIFO ring buffer.
// When full, Push overwrites the oldest element. It is not safe for
// concurrent use; owners guard it with their own lock.
package ringbuf

// Ring holds up to Cap() values in insertion order.
type Ring[T any] struct {
	buf   []T
	head  int // physical index of the oldest element
	count int
}

// New creates a ring with the given capacity. Capacity below 1 is raised to 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v. If the ring was full the oldest value is evicted and
// returned with ok=true.
func (r *Ring[T]) Push(v T) (evicted T, ok bool) {
	if r.count == len(r.buf) {
		evicted = r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return evicted, true
	}
	r.buf[r.physical(r.count)] = v
	r.count++
	return evicted, false
}

// At returns the element at logical index i (0 = oldest). Panics if out of range.
func (r *Ring[T]) At(i int) T {
	if i < 0 || i >= r.count {
		panic("ringbuf: index out of range")
	}
	return r.buf[r.physical(i)]
}

// Last returns a pointer to the newest element for in-place updates,
// or nil when empty. The pointer is invalidated by the next Push.
func (r *Ring[T]) Last() *T {
	if r.count == 0 {
		return nil
	}
	return &r.buf[r.physical(r.count-1)]
}

// AppendTo appends all elements, oldest first, to dst and returns it.
func (r *Ring[T]) AppendTo(dst []T) []T {
	for i := 0; i < r.count; i++ {
		dst = append(dst, r.buf[r.physical(i)])
	}
	return dst
}

// Slice returns a fresh copy of all elements, oldest first.
func (r *Ring[T]) Slice() []T {
	return r.AppendTo(make([]T, 0, r.count))
}

// Reset empties the ring without reallocating.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head = 0
	r.count = 0
}

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int { return r.count }

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

func (r *Ring[T]) physical(logical int) int {
	return (r.head + logical) % len(r.buf)
}
