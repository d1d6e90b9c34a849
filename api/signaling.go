// File: api/signaling.go
// Author: momentics <momentics@gmail.com>
//
// Signaling capability: offer/answer, termination, discovery and
// control-over-signaling between client and server stacks.

package api

// ClientSignalingAgent creates per-session signaling legs on the client side.
type ClientSignalingAgent interface {
	CreateSession(h ClientSignalingHandler) ClientSignalingSession
}

// ClientSignalingSession is the outbound half used by a client session.
// Every method is asynchronous; completions arrive on the handler.
type ClientSignalingSession interface {
	Offer(d *SessionDescriptor) error
	Terminate() error
	Control(m *ControlMessage) error
	Discover() error
}

// ClientSignalingHandler receives signaling completions for a client session.
type ClientSignalingHandler interface {
	OnAnswer(d *SessionDescriptor)
	OnTerminateResponse()
	OnControlResponse(m *ControlMessage)
	OnDiscoverResponse(d *ResourceDescriptor)
	OnTerminateEvent()
}

// ServerSessionFactory binds a new inbound signaling session to a server session.
type ServerSessionFactory interface {
	CreateSession(s ServerSignalingSession) ServerSignalingHandler
}

// ServerSignalingAgent accepts inbound signaling sessions.
type ServerSignalingAgent interface {
	SetSessionFactory(f ServerSessionFactory)
}

// ServerSignalingSession is the outbound half used by a server session.
type ServerSignalingSession interface {
	Answer(d *SessionDescriptor) error
	TerminateResponse() error
	ControlResponse(m *ControlMessage) error
	DiscoverResponse(d *ResourceDescriptor) error
}

// ServerSignalingHandler receives inbound signaling for a server session.
type ServerSignalingHandler interface {
	OnOffer(d *SessionDescriptor)
	OnTerminateRequest()
	OnControlRequest(m *ControlMessage)
	OnDiscoverRequest()
	OnDisconnect()
}
