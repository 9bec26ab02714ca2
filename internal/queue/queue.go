// Package queue provides the bounded FIFO the adapters use to hand events
// and frames between their I/O goroutines and consumers without blocking
// the producer.
package queue

import (
	"sync"
	"sync/atomic"
)

// FIFO is a size-bounded queue. Each item is weighed by the sizer given to
// New; a nil sizer counts every item as 1.
type FIFO[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxSize int
	curSize int
	items   []T
	sizer   func(T) int

	drops atomic.Uint64
}

func New[T any](maxSize int, sizer func(T) int) *FIFO[T] {
	if sizer == nil {
		sizer = func(T) int { return 1 }
	}
	q := &FIFO[T]{maxSize: maxSize, sizer: sizer}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *FIFO[T]) DropCount() uint64 {
	return q.drops.Load()
}

// Enqueue appends item if it fits within the budget. It never blocks.
func (q *FIFO[T]) Enqueue(item T) bool {
	size := q.sizer(item)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || size > q.maxSize || q.curSize+size > q.maxSize {
		q.drops.Add(1)
		return false
	}

	q.items = append(q.items, item)
	q.curSize += size
	q.notEmpty.Signal()
	return true
}

// Dequeue blocks until an item is available or the queue is closed and
// drained.
func (q *FIFO[T]) Dequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	q.curSize -= q.sizer(item)
	return item, true
}

func (q *FIFO[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close discards pending items and wakes blocked consumers.
func (q *FIFO[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.curSize = 0
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
