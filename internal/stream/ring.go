package stream

import "sync"

// Ring is a thread-safe bounded ring queue. Send fails when the ring
// is full; the caller decides the overflow policy.
type Ring[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	closed   bool

	totalReceived int64
	totalSent     int64
}

// NewRing creates a ring with the given fixed capacity.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
	}
}

// Send adds an item. Returns false when the ring is full or closed.
func (r *Ring[T]) Send(item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.count == r.capacity {
		return false
	}

	r.buf[r.tail] = item
	r.tail = (r.tail + 1) % r.capacity
	r.count++
	r.totalReceived++
	return true
}

// TryReceive removes and returns an item without blocking.
func (r *Ring[T]) TryReceive() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		var zero T
		return zero, false
	}

	item := r.buf[r.head]
	var zero T
	r.buf[r.head] = zero // clear reference for GC
	r.head = (r.head + 1) % r.capacity
	r.count--
	r.totalSent++
	return item, true
}

// DrainTo removes up to max items (all when max <= 0) in FIFO order.
func (r *Ring[T]) DrainTo(max int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}

	n := r.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	for i := 0; i < n; i++ {
		result[i] = r.buf[r.head]
		var zero T
		r.buf[r.head] = zero
		r.head = (r.head + 1) % r.capacity
		r.count--
		r.totalSent++
	}
	return result
}

// Close marks the ring closed. After closing, Send returns false.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// Len returns the current number of queued items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return r.capacity
}
