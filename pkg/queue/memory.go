package queue

import "sync"

const (
	// DefaultCapacity bounds the outbound relay queue.
	DefaultCapacity = 100
)

// BoundedQueue is an in-memory FIFO that drops its oldest item when full.
type BoundedQueue[T any] struct {
	items    []T
	capacity int
	lock     sync.RWMutex
}

// NewBoundedQueue creates a queue holding at most capacity items.
func NewBoundedQueue[T any](capacity int) *BoundedQueue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &BoundedQueue[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Enqueue adds an item to the end of the queue.
func (q *BoundedQueue[T]) Enqueue(item T) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	dropped := false
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, item)
	return dropped
}

// Size returns the current size of the queue.
func (q *BoundedQueue[T]) Size() int {
	q.lock.RLock()
	defer q.lock.RUnlock()
	return len(q.items)
}

// ReadAllMessages reads all pending messages in the queue
func (q *BoundedQueue[T]) ReadAllMessages() []T {
	q.lock.Lock()
	defer q.lock.Unlock()
	items := q.items
	q.items = make([]T, 0, q.capacity)
	return items
}

// ClearQueue clears all messages from the queue.
func (q *BoundedQueue[T]) ClearQueue() {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.items = make([]T, 0, q.capacity)
}
