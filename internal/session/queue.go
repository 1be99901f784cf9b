package session

import "sync"

// queue is an unbounded FIFO of loop events. Producers never block, so
// collaborators may post from inside the loop goroutine itself.
type queue struct {
	mu     sync.Mutex
	items  []any
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

func (q *queue) push(ev any) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// drain removes and returns all queued events.
func (q *queue) drain() []any {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// wait returns a channel that receives after a push.
func (q *queue) wait() <-chan struct{} {
	return q.signal
}
