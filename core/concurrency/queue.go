// File: core/concurrency/queue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Unbounded FIFO task queue over eapache/queue with a mutex and condition variable.

package concurrency

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-mrcp/api"
)

type msgQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  *queue.Queue
	closed bool
}

func newMsgQueue() *msgQueue {
	q := &msgQueue{items: queue.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends msg; it fails once the queue is closed.
func (q *msgQueue) push(msg *api.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.items.Add(msg)
	q.cond.Signal()
	return nil
}

// pop blocks until a message arrives or the queue closes.
func (q *msgQueue) pop() (*api.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Length() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.items.Length() == 0 {
		return nil, false
	}
	return q.items.Remove().(*api.Message), true
}

// tryPop never blocks.
func (q *msgQueue) tryPop() (*api.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Length() == 0 {
		return nil, false
	}
	return q.items.Remove().(*api.Message), true
}

func (q *msgQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// close rejects further pushes and hands back whatever was left.
func (q *msgQueue) close() []*api.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	rest := make([]*api.Message, 0, q.items.Length())
	for q.items.Length() > 0 {
		rest = append(rest, q.items.Remove().(*api.Message))
	}
	q.cond.Broadcast()
	return rest
}
