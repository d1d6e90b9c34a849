// File: api/pool.go
// Author: momentics <momentics@gmail.com>
//
// Defines abstract pooling APIs for message and object reuse.

package api

// MessagePool hands out task messages and takes them back after consumption.
type MessagePool interface {
	// Acquire returns a zeroed message bound to this pool, or nil when exhausted.
	Acquire() *Message

	// Release returns a message for reuse.
	Release(msg *Message)
}

// ObjectPool provides generic pooling of Go objects allocated transiently
type ObjectPool[T any] interface {
	// Get returns an available instance from pool
	Get() T

	// Put returns an instance for reuse
	Put(obj T)
}
