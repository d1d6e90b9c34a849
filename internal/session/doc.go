// Package session
// Author: momentics <momentics@gmail.com>
//
// Negotiation bookkeeping shared by the client and server session coordinators.
//
// A Saga tracks one session's in-flight request: the outstanding-leg counter,
// the aggregate status, the FIFO of queued requests and the disconnect latch.
// It is owned by the stack task goroutine and takes no locks. Table is the
// sharded id -> session registry.

package session
