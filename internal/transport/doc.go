// File: internal/transport/doc.go
// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Non-blocking IPv4 socket primitives for the poller-driven agents: TCP
// listen/dial/accept for control connections and UDP bind/recvfrom/sendto for
// RTP. Descriptors are plain fds registered with a reactor.Pollset; nothing
// here blocks. Platforms without x/sys/unix sockets get ErrNotSupported.

package transport
