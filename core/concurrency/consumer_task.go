// File: core/concurrency/consumer_task.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ConsumerTask blocks on its queue and dispatches messages one at a time.

package concurrency

import "github.com/momentics/hioload-mrcp/api"

// ConsumerTask is a task whose loop is a blocking receive.
type ConsumerTask struct {
	*Task
}

type consumerLoop struct {
	queue *msgQueue
}

// NewConsumerTask creates an idle consumer task.
func NewConsumerTask(name string, handler MessageHandler, opts ...Option) *ConsumerTask {
	t := newTask(name, handler, opts...)
	t.loop = &consumerLoop{queue: newMsgQueue()}
	return &ConsumerTask{Task: t}
}

func (l *consumerLoop) push(msg *api.Message) error { return l.queue.push(msg) }

func (l *consumerLoop) pending() int { return l.queue.len() }

func (l *consumerLoop) run(t *Task) {
	for !t.stopping {
		msg, ok := l.queue.pop()
		if !ok {
			break
		}
		t.dispatch(msg)
	}
	releaseAll(l.queue.close())
}
