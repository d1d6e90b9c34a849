// Package pool
// Author: momentics <momentics@gmail.com>
//
// Memory reuse layer for hioload-mrcp.
// Implements task message pools (dynamic and bounded), byte buffer pooling for
// socket I/O and a bounded ring buffer used for audio frame hand-off.
// See message.go, bytepool.go, ring.go for implementation details.
package pool
