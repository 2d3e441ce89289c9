package bus

import "sync"

// queue is an unbounded FIFO. Push never blocks; Pop suspends until an item
// is available or the queue is stopped. Unbounded growth when a consumer
// stalls is accepted for bursty, low-volume chat traffic.
type queue[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []T
	stopped bool
}

func newQueue[T any]() *queue[T] {
	q := &queue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues item without blocking the producer.
// Items pushed after Stop are dropped.
func (q *queue[T]) Push(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.items = append(q.items, item)
	q.cond.Signal()
}

// Pop dequeues the oldest item, blocking until one is available.
// It returns ok=false once the queue is stopped and drained.
func (q *queue[T]) Pop() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.stopped {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return item, false
	}
	item = q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Len returns the current queue depth.
func (q *queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stop wakes all blocked consumers. Already-queued items can still be
// drained; new pushes are dropped.
func (q *queue[T]) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	q.cond.Broadcast()
}
