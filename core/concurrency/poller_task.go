// File: core/concurrency/poller_task.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// PollerTask multiplexes its message queue, registered descriptors and a timer
// wheel on one goroutine. Messages are signalled through the pollset wake
// descriptor; the wheel is advanced by wall-clock time after every wait.

package concurrency

import (
	"errors"
	"time"

	"github.com/momentics/hioload-mrcp/api"
	"github.com/momentics/hioload-mrcp/reactor"
)

// IOHandler receives ready descriptors other than the wake descriptor.
type IOHandler func(d *reactor.Descriptor)

// PollerTask is a task whose loop waits on a pollset.
type PollerTask struct {
	*Task
	pollset *reactor.Pollset
	wheel   *TimerWheel
}

type pollerLoop struct {
	queue   *msgQueue
	pollset *reactor.Pollset
	wheel   *TimerWheel
	io      IOHandler
	task    *Task
}

// NewPollerTask creates an idle poller task able to watch capacity descriptors.
func NewPollerTask(name string, capacity int, handler MessageHandler, io IOHandler, opts ...Option) (*PollerTask, error) {
	ps, err := reactor.NewPollset(capacity)
	if err != nil {
		return nil, err
	}
	t := newTask(name, handler, opts...)
	wheel := newClockedWheel(time.Now)
	l := &pollerLoop{queue: newMsgQueue(), pollset: ps, wheel: wheel, io: io, task: t}
	t.loop = l
	return &PollerTask{Task: t, pollset: ps, wheel: wheel}, nil
}

// CreateTimer binds a timer to this task. Use only from the task goroutine.
func (p *PollerTask) CreateTimer(cb TimerFunc, ctx any) *Timer {
	return p.wheel.CreateTimer(cb, ctx)
}

// AddDescriptor registers d. Use only from the task goroutine or before Start.
func (p *PollerTask) AddDescriptor(d *reactor.Descriptor) error {
	return p.pollset.Add(d)
}

// ModifyDescriptor changes the events watched for d.
func (p *PollerTask) ModifyDescriptor(d *reactor.Descriptor, events reactor.EventType) error {
	return p.pollset.Modify(d, events)
}

// RemoveDescriptor unregisters d; it will not be dispatched again.
func (p *PollerTask) RemoveDescriptor(d *reactor.Descriptor) error {
	return p.pollset.Remove(d)
}

func (l *pollerLoop) push(msg *api.Message) error {
	if err := l.queue.push(msg); err != nil {
		return err
	}
	if err := l.pollset.Wake(); err != nil {
		l.task.logger.Warn("pollset wake failed", "err", err)
	}
	return nil
}

func (l *pollerLoop) pending() int { return l.queue.len() }

func (l *pollerLoop) run(t *Task) {
	last := time.Now()
	l.wheel.stamp = last
	var carry time.Duration
	for !t.stopping {
		timeout := -1
		if ms, ok := l.wheel.NextTimeout(); ok {
			timeout = int(ms)
		}
		ready, err := l.pollset.Wait(timeout)
		now := time.Now()
		carry += now.Sub(last)
		last = now
		elapsed := carry.Milliseconds()
		carry -= time.Duration(elapsed) * time.Millisecond
		if errors.Is(err, reactor.ErrTimeout) {
			// a timed-out wait covers at least the nominal timeout
			if int64(timeout) > elapsed {
				elapsed = int64(timeout)
				carry = 0
			}
			l.wheel.stamp = now.Add(-carry)
			l.wheel.Advance(elapsed)
			continue
		}
		if err != nil {
			t.logger.Error("pollset wait failed", "err", err)
			break
		}
		// Advance before dispatch; timers armed by handlers add the time
		// spent since stamp.
		l.wheel.stamp = now.Add(-carry)
		l.wheel.Advance(elapsed)
		for i := 0; i < len(ready) && !t.stopping; i++ {
			d := ready[i]
			if d == nil {
				continue
			}
			if l.pollset.IsWake(d) {
				l.drain(t)
				continue
			}
			if l.io != nil {
				l.io(d)
			}
		}
	}
	releaseAll(l.queue.close())
	if err := l.pollset.Close(); err != nil {
		t.logger.Warn("pollset close failed", "err", err)
	}
}

func (l *pollerLoop) drain(t *Task) {
	for !t.stopping {
		msg, ok := l.queue.tryPop()
		if !ok {
			return
		}
		t.dispatch(msg)
	}
}
