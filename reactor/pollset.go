// File: reactor/pollset.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral Pollset: descriptor registry, ready snapshot and wake coalescing.
// Add/Modify/Remove/Wait belong to the owning goroutine; Wake is safe from anywhere.

package reactor

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/momentics/hioload-mrcp/api"
)

// EventType is a bitmask of readiness conditions.
type EventType uint32

const (
	EventRead EventType = 1 << iota
	EventWrite
	EventError
)

// ErrTimeout is returned by Wait when nothing became ready in time.
var ErrTimeout = errors.New("pollset: wait timed out")

// Descriptor is one registered file descriptor.
type Descriptor struct {
	Fd     int
	Events EventType
	Data   any

	// Ready is filled by Wait.
	Ready EventType

	id int32
}

type readyEvent struct {
	id int32
	ev EventType
}

// backend is the OS multiplexer.
type backend interface {
	add(fd int, ev EventType, id int32) error
	modify(fd int, ev EventType, id int32) error
	remove(fd int) error
	wait(timeoutMs int, out []readyEvent) (int, error)
	signal() error
	drain()
	close() error
}

const wakeID int32 = 0

// Pollset multiplexes descriptors plus one reserved wake descriptor.
type Pollset struct {
	be       backend
	capacity int
	descs    map[int32]*Descriptor
	nextID   int32
	events   []readyEvent
	ready    []*Descriptor
	wake     *Descriptor
	pending  atomic.Bool
	closed   atomic.Bool
}

// NewPollset creates a pollset able to hold capacity descriptors besides the wake one.
func NewPollset(capacity int) (*Pollset, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("pollset capacity %d: %w", capacity, api.ErrInvalidArgument)
	}
	be, err := newBackend(capacity)
	if err != nil {
		return nil, err
	}
	return &Pollset{
		be:       be,
		capacity: capacity,
		descs:    make(map[int32]*Descriptor, capacity),
		nextID:   wakeID + 1,
		events:   make([]readyEvent, capacity+1),
		ready:    make([]*Descriptor, 0, capacity+1),
		wake:     &Descriptor{Fd: -1, Events: EventRead, id: wakeID},
	}, nil
}

// Add registers d. It fails with ErrResourceExhausted once capacity is reached.
func (p *Pollset) Add(d *Descriptor) error {
	if d == nil || d.Fd < 0 {
		return api.ErrInvalidArgument
	}
	if len(p.descs) >= p.capacity {
		return fmt.Errorf("pollset add fd %d: %w", d.Fd, api.ErrResourceExhausted)
	}
	id := p.nextID
	p.nextID++
	if p.nextID <= wakeID {
		p.nextID = wakeID + 1
	}
	if err := p.be.add(d.Fd, d.Events, id); err != nil {
		return fmt.Errorf("pollset add fd %d: %w", d.Fd, err)
	}
	d.id = id
	p.descs[id] = d
	return nil
}

// Modify changes the requested events of a registered descriptor.
func (p *Pollset) Modify(d *Descriptor, events EventType) error {
	if _, ok := p.descs[d.id]; !ok || d.id == wakeID {
		return api.ErrNotFound
	}
	if err := p.be.modify(d.Fd, events, d.id); err != nil {
		return fmt.Errorf("pollset modify fd %d: %w", d.Fd, err)
	}
	d.Events = events
	return nil
}

// Remove unregisters d and scrubs it from the ready snapshot of the current Wait.
func (p *Pollset) Remove(d *Descriptor) error {
	if cur, ok := p.descs[d.id]; !ok || cur != d {
		return api.ErrNotFound
	}
	delete(p.descs, d.id)
	for i, r := range p.ready {
		if r == d {
			p.ready[i] = nil
		}
	}
	if err := p.be.remove(d.Fd); err != nil {
		return fmt.Errorf("pollset remove fd %d: %w", d.Fd, err)
	}
	return nil
}

// Len returns the number of registered descriptors, wake excluded.
func (p *Pollset) Len() int { return len(p.descs) }

// Wait blocks up to timeoutMs (negative blocks indefinitely) and returns the
// ready snapshot. Entries may become nil if removed while the snapshot is walked.
func (p *Pollset) Wait(timeoutMs int) ([]*Descriptor, error) {
	if p.closed.Load() {
		return nil, api.ErrClosed
	}
	n, err := p.be.wait(timeoutMs, p.events)
	if err != nil {
		return nil, fmt.Errorf("pollset wait: %w", err)
	}
	if n == 0 {
		return nil, ErrTimeout
	}
	p.ready = p.ready[:0]
	for _, ev := range p.events[:n] {
		if ev.id == wakeID {
			// drain before clearing: a Wake racing the drain must leave a signal behind
			p.be.drain()
			p.pending.Store(false)
			p.wake.Ready = EventRead
			p.ready = append(p.ready, p.wake)
			continue
		}
		d, ok := p.descs[ev.id]
		if !ok {
			continue
		}
		d.Ready = ev.ev
		p.ready = append(p.ready, d)
	}
	return p.ready, nil
}

// Wake interrupts a blocked Wait. Concurrent wakes coalesce into one.
func (p *Pollset) Wake() error {
	if p.closed.Load() {
		return api.ErrClosed
	}
	if !p.pending.CompareAndSwap(false, true) {
		return nil
	}
	if err := p.be.signal(); err != nil {
		p.pending.Store(false)
		return fmt.Errorf("pollset wake: %w", err)
	}
	return nil
}

// IsWake reports whether d is the reserved wake descriptor.
func (p *Pollset) IsWake(d *Descriptor) bool { return d == p.wake }

// Close releases the OS resources. Registered descriptors are not closed.
func (p *Pollset) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.descs = nil
	return p.be.close()
}
