package queue

// PriorityQueue is a tiered FIFO queue. Items leave the queue from the highest
// non-empty tier first and in insertion order within a tier.
type PriorityQueue[T any] struct {
	tiers []Queue[T]
}

// NewPriorityQueue creates a PriorityQueue with the given number of tiers.
// Tier 0 is the lowest priority.
func NewPriorityQueue[T any](tiers int) *PriorityQueue[T] {
	if tiers < 1 {
		tiers = 1
	}

	pq := &PriorityQueue[T]{tiers: make([]Queue[T], tiers)}
	for i := range pq.tiers {
		pq.tiers[i] = NewSliceQueue[T](8)
	}

	return pq
}

// Enqueue adds item to the tail of tier. Out of range tiers are clamped.
func (pq *PriorityQueue[T]) Enqueue(tier int, item T) {
	pq.tiers[pq.clamp(tier)].Enqueue(item)
}

// Dequeue removes the head of the highest non-empty tier.
func (pq *PriorityQueue[T]) Dequeue() (T, bool) {
	for i := len(pq.tiers) - 1; i >= 0; i-- {
		if item, ok := pq.tiers[i].Dequeue(); ok {
			return item, true
		}
	}

	var zero T

	return zero, false
}

// Peek returns the item Dequeue would return, without removing it.
func (pq *PriorityQueue[T]) Peek() (T, bool) {
	for i := len(pq.tiers) - 1; i >= 0; i-- {
		if item, ok := pq.tiers[i].Peek(); ok {
			return item, true
		}
	}

	var zero T

	return zero, false
}

// Range visits items in dequeue order until fn returns false.
func (pq *PriorityQueue[T]) Range(fn func(item T) bool) {
	stopped := false
	for i := len(pq.tiers) - 1; i >= 0 && !stopped; i-- {
		pq.tiers[i].Range(func(item T) bool {
			if !fn(item) {
				stopped = true
				return false
			}

			return true
		})
	}
}

// Reset empties every tier.
func (pq *PriorityQueue[T]) Reset() {
	for _, q := range pq.tiers {
		q.Reset()
	}
}

// Length returns the total number of queued items.
func (pq *PriorityQueue[T]) Length() int {
	n := 0
	for _, q := range pq.tiers {
		n += q.Length()
	}

	return n
}

// IsEmpty reports whether all tiers are empty.
func (pq *PriorityQueue[T]) IsEmpty() bool {
	return pq.Length() == 0
}

func (pq *PriorityQueue[T]) clamp(tier int) int {
	switch {
	case tier < 0:
		return 0
	case tier >= len(pq.tiers):
		return len(pq.tiers) - 1
	default:
		return tier
	}
}
