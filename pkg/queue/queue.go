package queue

// Queue represents a basic FIFO queue.
type Queue[T any] interface {
	// Enqueue appends item. It reports whether an older item was dropped to make room.
	Enqueue(item T) bool
	Size() int
	// ReadAllMessages removes and returns every queued item, oldest first.
	ReadAllMessages() []T
	ClearQueue()
}
