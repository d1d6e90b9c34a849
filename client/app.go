// File: client/app.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Application-facing messages raised by client sessions.

package client

import "github.com/momentics/hioload-mrcp/api"

// Command identifies an application request.
type Command int

const (
	CommandSessionUpdate Command = iota + 1
	CommandSessionTerminate
	CommandChannelAdd
	CommandChannelRemove
	CommandResourceDiscover
	CommandMessage
)

func (c Command) String() string {
	switch c {
	case CommandSessionUpdate:
		return "session-update"
	case CommandSessionTerminate:
		return "session-terminate"
	case CommandChannelAdd:
		return "channel-add"
	case CommandChannelRemove:
		return "channel-remove"
	case CommandResourceDiscover:
		return "resource-discover"
	case CommandMessage:
		return "message"
	default:
		return "unknown"
	}
}

// MessageKind separates request completions from unsolicited traffic.
type MessageKind int

const (
	// KindResponse completes exactly one application request.
	KindResponse MessageKind = iota + 1
	// KindTerminateEvent reports that the peer is gone; the application
	// is expected to terminate the session.
	KindTerminateEvent
	// KindControlEvent carries an unsolicited control event.
	KindControlEvent
)

// AppMessage is handed to the application handler on the client stack goroutine.
type AppMessage struct {
	Kind       MessageKind
	Command    Command
	Session    *Session
	Channel    *Channel
	Status     api.Status
	Descriptor *api.SessionDescriptor
	Resources  *api.ResourceDescriptor
	Control    *api.ControlMessage
}

// Handler consumes application messages. It must not block.
type Handler func(m *AppMessage)

// Dispatcher routes application messages to per-kind callbacks.
type Dispatcher struct {
	OnSessionUpdate    func(s *Session, status api.Status)
	OnSessionTerminate func(s *Session, status api.Status)
	OnChannelAdd       func(s *Session, ch *Channel, status api.Status)
	OnChannelRemove    func(s *Session, ch *Channel, status api.Status)
	OnMessageReceive   func(s *Session, ch *Channel, m *api.ControlMessage)
	OnTerminateEvent   func(s *Session, ch *Channel)
	OnResourceDiscover func(s *Session, d *api.ResourceDescriptor, status api.Status)
}

// Handle dispatches m and reports whether a callback consumed it.
func (d *Dispatcher) Handle(m *AppMessage) bool {
	switch m.Kind {
	case KindTerminateEvent:
		if d.OnTerminateEvent != nil {
			d.OnTerminateEvent(m.Session, m.Channel)
			return true
		}
	case KindControlEvent:
		if d.OnMessageReceive != nil {
			d.OnMessageReceive(m.Session, m.Channel, m.Control)
			return true
		}
	case KindResponse:
		return d.response(m)
	}
	return false
}

func (d *Dispatcher) response(m *AppMessage) bool {
	switch m.Command {
	case CommandSessionUpdate:
		if d.OnSessionUpdate != nil {
			d.OnSessionUpdate(m.Session, m.Status)
			return true
		}
	case CommandSessionTerminate:
		if d.OnSessionTerminate != nil {
			d.OnSessionTerminate(m.Session, m.Status)
			return true
		}
	case CommandChannelAdd:
		if d.OnChannelAdd != nil {
			d.OnChannelAdd(m.Session, m.Channel, m.Status)
			return true
		}
	case CommandChannelRemove:
		if d.OnChannelRemove != nil {
			d.OnChannelRemove(m.Session, m.Channel, m.Status)
			return true
		}
	case CommandResourceDiscover:
		if d.OnResourceDiscover != nil {
			d.OnResourceDiscover(m.Session, m.Resources, m.Status)
			return true
		}
	case CommandMessage:
		if d.OnMessageReceive != nil {
			d.OnMessageReceive(m.Session, m.Channel, m.Control)
			return true
		}
	}
	return false
}

// AsHandler adapts the dispatcher to a Handler.
func (d *Dispatcher) AsHandler() Handler {
	return func(m *AppMessage) { d.Handle(m) }
}
