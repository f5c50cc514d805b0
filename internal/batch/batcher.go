package batch

import (
	"sync"
	"time"
)

// Batcher accumulates items until either size items are pending or maxWait
// has elapsed since the first pending item was added.
type Batcher[T any] struct {
	mu      sync.Mutex
	items   []T
	first   time.Time
	size    int
	maxWait time.Duration
	now     func() time.Time
}

// New creates a Batcher. size and maxWait must be positive.
func New[T any](size int, maxWait time.Duration) *Batcher[T] {
	return NewWithClock[T](size, maxWait, time.Now)
}

// NewWithClock is New with an injectable clock.
func NewWithClock[T any](size int, maxWait time.Duration, now func() time.Time) *Batcher[T] {
	if size <= 0 {
		size = 1
	}
	return &Batcher[T]{
		items:   make([]T, 0, size),
		size:    size,
		maxWait: maxWait,
		now:     now,
	}
}

// Add appends an item and reports whether the count threshold is reached.
func (b *Batcher[T]) Add(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		b.first = b.now()
	}
	b.items = append(b.items, item)
	return len(b.items) >= b.size
}

// Due reports whether a flush is needed by either threshold.
func (b *Batcher[T]) Due() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		return false
	}
	if len(b.items) >= b.size {
		return true
	}
	return b.maxWait > 0 && b.now().Sub(b.first) >= b.maxWait
}

// Flush hands over the pending items in insertion order and starts an empty
// buffer. No item is ever returned by two flushes.
func (b *Batcher[T]) Flush() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		return nil
	}
	out := b.items
	b.items = make([]T, 0, b.size)
	b.first = time.Time{}
	return out
}

// Len returns the number of pending items.
func (b *Batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
