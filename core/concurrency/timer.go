// File: core/concurrency/timer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TimerWheel keeps one-shot timers ordered by (deadline, arming order).
// Deadlines are relative to an elapsed counter advanced by the owning poller;
// the counter rebases to zero whenever the wheel empties.

package concurrency

import (
	"sort"
	"time"
)

// TimerFunc is invoked on the poller goroutine when a timer expires.
type TimerFunc func(t *Timer, ctx any)

// Timer is bound to one wheel and has at most one pending fire.
type Timer struct {
	wheel    *TimerWheel
	cb       TimerFunc
	ctx      any
	deadline int64
	seq      uint64
	armed    bool
	due      bool
}

// Set arms the timer timeoutMs from now, replacing any previous arming.
func (t *Timer) Set(timeoutMs int64) {
	if timeoutMs < 0 {
		timeoutMs = 0
	}
	w := t.wheel
	if t.armed {
		w.unlink(t)
	}
	t.due = false
	w.seq++
	t.seq = w.seq
	t.deadline = w.elapsed + w.lag() + timeoutMs
	t.armed = true
	w.insert(t)
}

// Kill disarms the timer. Killing an idle or fired timer is a no-op.
func (t *Timer) Kill() {
	t.due = false
	if !t.armed {
		return
	}
	t.wheel.unlink(t)
	t.armed = false
}

// Armed reports whether the timer is pending.
func (t *Timer) Armed() bool { return t.armed || t.due }

// Context returns the opaque value passed at creation.
func (t *Timer) Context() any { return t.ctx }

// TimerWheel is not safe for concurrent use; it belongs to one poller.
type TimerWheel struct {
	timers  []*Timer
	elapsed int64
	seq     uint64

	// clock, when set, measures time since stamp, the instant elapsed was
	// last brought up to date, so arming mid-dispatch counts from now.
	clock func() time.Time
	stamp time.Time
}

// NewTimerWheel creates an empty wheel driven only by Advance.
func NewTimerWheel() *TimerWheel {
	return &TimerWheel{}
}

func newClockedWheel(clock func() time.Time) *TimerWheel {
	return &TimerWheel{clock: clock, stamp: clock()}
}

// lag is the ms between stamp and now not yet folded into elapsed.
func (w *TimerWheel) lag() int64 {
	if w.clock == nil {
		return 0
	}
	d := w.clock().Sub(w.stamp).Milliseconds()
	if d < 0 {
		return 0
	}
	return d
}

// CreateTimer binds a new idle timer to the wheel.
func (w *TimerWheel) CreateTimer(cb TimerFunc, ctx any) *Timer {
	return &Timer{wheel: w, cb: cb, ctx: ctx}
}

// Len returns the number of armed timers.
func (w *TimerWheel) Len() int { return len(w.timers) }

// NextTimeout returns ms until the earliest deadline, false when empty.
func (w *TimerWheel) NextTimeout() (int64, bool) {
	if len(w.timers) == 0 {
		return 0, false
	}
	d := w.timers[0].deadline - w.elapsed - w.lag()
	if d < 0 {
		d = 0
	}
	return d, true
}

// Advance moves time forward and fires every timer whose deadline passed,
// in deadline order. Timers armed by callbacks wait for the next Advance.
func (w *TimerWheel) Advance(elapsedMs int64) {
	if len(w.timers) == 0 {
		w.elapsed = 0
		return
	}
	w.elapsed += elapsedMs
	n := sort.Search(len(w.timers), func(i int) bool {
		return w.timers[i].deadline > w.elapsed
	})
	expired := make([]*Timer, n)
	copy(expired, w.timers[:n])
	w.timers = append(w.timers[:0], w.timers[n:]...)
	for _, t := range expired {
		t.armed = false
		t.due = true
	}
	for _, t := range expired {
		if !t.due {
			continue
		}
		t.due = false
		if t.cb != nil {
			t.cb(t, t.ctx)
		}
	}
	if len(w.timers) == 0 {
		w.elapsed = 0
	}
}

func (w *TimerWheel) less(a, b *Timer) bool {
	if a.deadline != b.deadline {
		return a.deadline < b.deadline
	}
	return a.seq < b.seq
}

func (w *TimerWheel) insert(t *Timer) {
	i := sort.Search(len(w.timers), func(i int) bool { return w.less(t, w.timers[i]) })
	w.timers = append(w.timers, nil)
	copy(w.timers[i+1:], w.timers[i:])
	w.timers[i] = t
}

func (w *TimerWheel) unlink(t *Timer) {
	for i, cur := range w.timers {
		if cur == t {
			w.timers = append(w.timers[:i], w.timers[i+1:]...)
			return
		}
	}
}
