// File: api/descriptor.go
// Author: momentics <momentics@gmail.com>
//
// Offer/answer descriptors shared by the signaling, connection and media layers.

package api

// StreamMode is the direction of an audio stream.
type StreamMode uint8

const (
	ModeNone        StreamMode = 0x0
	ModeSend        StreamMode = 0x1
	ModeReceive     StreamMode = 0x2
	ModeSendReceive StreamMode = ModeSend | ModeReceive
)

// Reverse flips the direction as seen from the peer.
func (m StreamMode) Reverse() StreamMode {
	var r StreamMode
	if m&ModeSend != 0 {
		r |= ModeReceive
	}
	if m&ModeReceive != 0 {
		r |= ModeSend
	}
	return r
}

// SetupType selects which side opens the control connection.
type SetupType uint8

const (
	SetupActive SetupType = iota
	SetupPassive
)

// ConnectionType tells whether a control channel may share a connection.
type ConnectionType uint8

const (
	ConnectionNew ConnectionType = iota
	ConnectionExisting
)

// ControlDescriptor describes one resource control channel (m=application).
// Port 0 marks a disabled channel.
type ControlDescriptor struct {
	ID           int
	IP           string
	Port         int
	Proto        string
	Setup        SetupType
	Connection   ConnectionType
	ResourceName string
	SessionID    string
	CMID         int
}

// Clone returns a shallow copy.
func (d *ControlDescriptor) Clone() *ControlDescriptor {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

// Codec is one RTP payload format.
type Codec struct {
	PayloadType uint8
	Name        string
	Rate        uint32
}

// RTPMediaDescriptor describes one audio stream (m=audio).
type RTPMediaDescriptor struct {
	ID      int
	MID     int
	IP      string
	Port    int
	Mode    StreamMode
	PTime   int
	Enabled bool
	Codecs  []Codec
}

// Clone returns a copy with its own codec list.
func (d *RTPMediaDescriptor) Clone() *RTPMediaDescriptor {
	if d == nil {
		return nil
	}
	c := *d
	c.Codecs = append([]Codec(nil), d.Codecs...)
	return &c
}

// RTPTerminationDescriptor pairs the local and remote view of an RTP stream.
type RTPTerminationDescriptor struct {
	Local  *RTPMediaDescriptor
	Remote *RTPMediaDescriptor
}

// SessionDescriptor is the offer or answer of one negotiation.
type SessionDescriptor struct {
	Origin       string
	IP           string
	Status       SessionStatus
	ControlMedia []*ControlDescriptor
	AudioMedia   []*RTPMediaDescriptor
}

// Clone deep-copies the descriptor.
func (d *SessionDescriptor) Clone() *SessionDescriptor {
	if d == nil {
		return nil
	}
	c := &SessionDescriptor{
		Origin: d.Origin,
		IP:     d.IP,
		Status: d.Status,
	}
	for _, cm := range d.ControlMedia {
		c.ControlMedia = append(c.ControlMedia, cm.Clone())
	}
	for _, am := range d.AudioMedia {
		c.AudioMedia = append(c.AudioMedia, am.Clone())
	}
	return c
}

// ResourceDescriptor lists what a server offers on discovery.
type ResourceDescriptor struct {
	Resources []string
	Codecs    []Codec
}
