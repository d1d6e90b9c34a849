// File: pool/message.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Task message pools. DynamicPool grows on demand; BoundedPool owns a fixed
// set of messages and reports exhaustion.

package pool

import (
	"sync/atomic"

	"github.com/momentics/hioload-mrcp/api"
)

// DynamicPool hands out messages backed by sync.Pool.
type DynamicPool struct {
	objs     *SyncPool[*api.Message]
	acquired atomic.Int64
	released atomic.Int64
}

// NewDynamicPool creates a growable message pool.
func NewDynamicPool() *DynamicPool {
	p := &DynamicPool{}
	p.objs = NewSyncPool(func() *api.Message {
		m := &api.Message{}
		m.Bind(p)
		return m
	})
	return p
}

// Acquire never returns nil.
func (p *DynamicPool) Acquire() *api.Message {
	m := p.objs.Get()
	m.Reset()
	p.acquired.Add(1)
	return m
}

// Release recycles the message.
func (p *DynamicPool) Release(m *api.Message) {
	if m == nil || m.Pool() != api.MessagePool(p) {
		return
	}
	m.Reset()
	p.released.Add(1)
	p.objs.Put(m)
}

// Outstanding returns messages acquired and not yet released.
func (p *DynamicPool) Outstanding() int64 {
	return p.acquired.Load() - p.released.Load()
}

// BoundedPool owns a fixed number of preallocated messages.
type BoundedPool struct {
	free *RingBuffer[*api.Message]
	size int
}

// NewBoundedPool preallocates size messages (rounded up to a power of two).
func NewBoundedPool(size int) *BoundedPool {
	n := NextPowerOfTwo(uint64(max(size, 1)))
	p := &BoundedPool{free: NewRingBuffer[*api.Message](n), size: int(n)}
	for i := uint64(0); i < n; i++ {
		m := &api.Message{}
		m.Bind(p)
		p.free.Enqueue(m)
	}
	return p
}

// Acquire returns nil when every message is in flight.
func (p *BoundedPool) Acquire() *api.Message {
	m, ok := p.free.Dequeue()
	if !ok {
		return nil
	}
	m.Reset()
	return m
}

// Release returns the message to the free ring.
func (p *BoundedPool) Release(m *api.Message) {
	if m == nil || m.Pool() != api.MessagePool(p) {
		return
	}
	m.Reset()
	p.free.Enqueue(m)
}

// Available returns the number of free messages.
func (p *BoundedPool) Available() int { return p.free.Len() }

// Size returns the pool capacity.
func (p *BoundedPool) Size() int { return p.size }

// New builds a pool by kind name: "bounded" or anything else for dynamic.
func New(kind string, size int) api.MessagePool {
	if kind == "bounded" {
		return NewBoundedPool(size)
	}
	return NewDynamicPool()
}
