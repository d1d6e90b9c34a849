// File: api/message.go
// Author: momentics <momentics@gmail.com>
//
// Task message envelope.

package api

// MessageType separates lifecycle traffic from application traffic.
type MessageType uint8

const (
	// MessageCore carries task lifecycle notifications.
	MessageCore MessageType = iota
	// MessageUser carries component traffic.
	MessageUser
)

// Core message subtypes.
const (
	CoreStartComplete = iota + 1
	CoreTerminateRequest
	CoreTerminateComplete
	CoreOfflineComplete
	CoreOnlineComplete
	CoreReady
)

// Message is the unit exchanged through task queues.
// It is consumed exactly once and then released to its pool.
type Message struct {
	Type    MessageType
	Subtype int
	Sender  string
	Payload any

	pool MessagePool
}

// Bind attaches the message to the pool it came from.
func (m *Message) Bind(p MessagePool) { m.pool = p }

// Pool returns the owning pool, nil for unpooled messages.
func (m *Message) Pool() MessagePool { return m.pool }

// Reset clears the envelope while keeping the pool back-reference.
func (m *Message) Reset() {
	m.Type = MessageUser
	m.Subtype = 0
	m.Sender = ""
	m.Payload = nil
}

// Release hands the message back to its pool.
func (m *Message) Release() {
	if m.pool == nil {
		return
	}
	m.pool.Release(m)
}
