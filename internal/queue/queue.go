// Package queue provides the non-concurrent queues used by the engine.
//
// Callers own synchronization: the reply FIFO is guarded by the receiver's
// correlation lock and the command queue by the command service lock.
package queue

// Queue is a FIFO queue of T.
type Queue[T any] interface {
	// Enqueue adds an item to the tail of the queue.
	Enqueue(item T)
	// Dequeue removes and returns the item at the head of the queue.
	// ok is false when the queue is empty.
	Dequeue() (item T, ok bool)
	// Peek returns the head item without removing it.
	Peek() (item T, ok bool)
	// Range calls fn for each queued item from head to tail until fn returns false.
	Range(fn func(item T) bool)
	// Reset empties the queue.
	Reset()
	// IsEmpty reports whether the queue has no items.
	IsEmpty() bool
	// Length returns the number of queued items.
	Length() int
}
