// File: api/control.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Resource control messages carried over control channels.

package api

import "fmt"

// ControlKind tells requests, responses and events apart.
type ControlKind uint8

const (
	ControlRequest ControlKind = iota + 1
	ControlResponse
	ControlEvent
)

// RequestState is the progress reported by responses and events.
type RequestState uint8

const (
	RequestPending RequestState = iota
	RequestInProgress
	RequestComplete
)

// Status codes used by control responses.
const (
	StatusCodeSuccess          = 200
	StatusCodeSuccessIgnored   = 201
	StatusCodeMethodNotAllowed = 401
	StatusCodeMethodNotValid   = 402
	StatusCodeMethodFailed     = 407
	StatusCodeServerError      = 501
)

// ControlMessage is a request, response or event on a resource channel.
type ControlMessage struct {
	Kind         ControlKind       `msgpack:"k"`
	SessionID    string            `msgpack:"sid"`
	Resource     string            `msgpack:"res"`
	RequestID    uint32            `msgpack:"rid"`
	Method       string            `msgpack:"m"`
	StatusCode   int               `msgpack:"sc,omitempty"`
	RequestState RequestState      `msgpack:"rs,omitempty"`
	Headers      map[string]string `msgpack:"h,omitempty"`
	Body         string            `msgpack:"b,omitempty"`
}

// ChannelID returns the sessionid@resource identifier.
func (m *ControlMessage) ChannelID() string {
	return ChannelID(m.SessionID, m.Resource)
}

// NewResponse builds a response correlated with the request.
func (m *ControlMessage) NewResponse(code int, state RequestState) *ControlMessage {
	return &ControlMessage{
		Kind:         ControlResponse,
		SessionID:    m.SessionID,
		Resource:     m.Resource,
		RequestID:    m.RequestID,
		Method:       m.Method,
		StatusCode:   code,
		RequestState: state,
	}
}

// NewEvent builds an event for the request's channel.
func (m *ControlMessage) NewEvent(name string, state RequestState) *ControlMessage {
	return &ControlMessage{
		Kind:         ControlEvent,
		SessionID:    m.SessionID,
		Resource:     m.Resource,
		RequestID:    m.RequestID,
		Method:       name,
		StatusCode:   StatusCodeSuccess,
		RequestState: state,
	}
}

// Header returns a header value or "".
func (m *ControlMessage) Header(name string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[name]
}

// SetHeader sets a header value.
func (m *ControlMessage) SetHeader(name, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[name] = value
}

func (m *ControlMessage) String() string {
	switch m.Kind {
	case ControlRequest:
		return fmt.Sprintf("request %s %d %s", m.Method, m.RequestID, m.ChannelID())
	case ControlResponse:
		return fmt.Sprintf("response %s %d %d %s", m.Method, m.RequestID, m.StatusCode, m.ChannelID())
	default:
		return fmt.Sprintf("event %s %d %s", m.Method, m.RequestID, m.ChannelID())
	}
}

// ChannelID joins a session id and resource name.
func ChannelID(sessionID, resource string) string {
	return sessionID + "@" + resource
}
