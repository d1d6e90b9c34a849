// File: api/engine.go
// Author: momentics <momentics@gmail.com>
//
// Resource engine capability used by the server stack.

package api

// ResourceEngine serves one resource (synthesizer, recognizer, ...).
type ResourceEngine interface {
	Resource() string
	Codecs() []Codec
	CreateChannel(h EngineChannelHandler) (EngineChannel, error)
}

// EngineChannel is the engine side of one server control channel.
type EngineChannel interface {
	Open() error
	Close() error
	ProcessRequest(m *ControlMessage) error
	Termination() *Termination
}

// EngineChannelHandler receives engine completions and traffic.
type EngineChannelHandler interface {
	OnOpen(status Status)
	OnClose()
	OnMessage(m *ControlMessage)
}
