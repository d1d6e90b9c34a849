// File: api/transport.go
// Author: momentics <momentics@gmail.com>
//
// Connection capability: control channels multiplexed over shared connections.

package api

// ConnectionAgent creates control channels.
type ConnectionAgent interface {
	CreateChannel(h ChannelEventHandler) ControlChannel
}

// ControlChannel is one resource control leg. Every method except Destroy is
// asynchronous and answered through the ChannelEventHandler.
type ControlChannel interface {
	Add(d *ControlDescriptor) error
	Modify(d *ControlDescriptor) error
	Remove() error
	Send(m *ControlMessage) error
	Destroy()
}

// ChannelEventHandler receives control channel completions and traffic.
type ChannelEventHandler interface {
	OnAdd(d *ControlDescriptor, status Status)
	OnModify(d *ControlDescriptor, status Status)
	OnRemove(status Status)
	OnReceive(m *ControlMessage)
	OnDisconnect()
}
