// File: internal/session/store.go
// Package session
// Author: momentics <momentics@gmail.com>
//
// Sharded, thread-safe session table.

package session

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/momentics/hioload-mrcp/api"
)

// Table maps session ids to sessions.
type Table[T any] struct {
	shards []*tableShard[T]
	mask   uint32
}

type tableShard[T any] struct {
	mu      sync.RWMutex
	entries map[string]T
}

// NewTable constructs a sharded table with shardCount shards.
func NewTable[T any](shardCount int) *Table[T] {
	if shardCount <= 0 {
		shardCount = 16
	}
	// find power-of-two shards for bitmasking
	m := nextPowerOfTwo(uint32(shardCount))
	shards := make([]*tableShard[T], m)
	for i := range shards {
		shards[i] = &tableShard[T]{entries: make(map[string]T)}
	}
	return &Table[T]{shards: shards, mask: m - 1}
}

// shard picks the correct shard for a given id.
func (m *Table[T]) shard(id string) *tableShard[T] {
	return m.shards[fnv32(id)&m.mask]
}

// Put stores v under id; an existing id is rejected.
func (m *Table[T]) Put(id string, v T) error {
	sh := m.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.entries[id]; ok {
		return fmt.Errorf("session %s: %w", id, api.ErrAlreadyExists)
	}
	sh.entries[id] = v
	return nil
}

// Get fetches a session if present.
func (m *Table[T]) Get(id string) (T, bool) {
	sh := m.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	v, ok := sh.entries[id]
	return v, ok
}

// Delete removes and returns the session.
func (m *Table[T]) Delete(id string) (T, bool) {
	sh := m.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.entries[id]
	if ok {
		delete(sh.entries, id)
	}
	return v, ok
}

// Len returns the number of sessions.
func (m *Table[T]) Len() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Range applies fn to a snapshot of all sessions.
func (m *Table[T]) Range(fn func(id string, v T)) {
	type kv struct {
		id string
		v  T
	}
	var snap []kv
	for _, sh := range m.shards {
		sh.mu.RLock()
		for id, v := range sh.entries {
			snap = append(snap, kv{id, v})
		}
		sh.mu.RUnlock()
	}
	for _, e := range snap {
		fn(e.id, e.v)
	}
}

// fnv32 hashes a string to uint32.
func fnv32(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}

// nextPowerOfTwo returns the next power-of-two >= v.
func nextPowerOfTwo(v uint32) uint32 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}
