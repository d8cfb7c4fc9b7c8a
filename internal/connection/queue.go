package connection

import "sync"

// queue is the unbounded FIFO of work for the manager's dispatch
// goroutine. push never blocks, so handlers running on the dispatch
// goroutine can enqueue follow-up work (e.g. unsubscribe themselves)
// without deadlocking.
type queue struct {
	mu     sync.Mutex
	items  []func()
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

func (q *queue) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// drain removes and returns everything queued so far, in push order.
func (q *queue) drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
