// File: api/media.go
// Author: momentics <momentics@gmail.com>
//
// Media capability: contexts, terminations, associations and topology.

package api

// MediaCommand is the operation carried by a MediaRequest.
type MediaCommand uint8

const (
	MediaAdd MediaCommand = iota + 1
	MediaModify
	MediaSubtract
	MediaAddAssociation
	MediaRemoveAssociation
	MediaApplyTopology
	MediaDestroyTopology
)

func (c MediaCommand) String() string {
	switch c {
	case MediaAdd:
		return "add"
	case MediaModify:
		return "modify"
	case MediaSubtract:
		return "subtract"
	case MediaAddAssociation:
		return "add-association"
	case MediaRemoveAssociation:
		return "remove-association"
	case MediaApplyTopology:
		return "apply-topology"
	case MediaDestroyTopology:
		return "destroy-topology"
	default:
		return "unknown"
	}
}

// AudioStream is the engine side of a termination.
// ReadFrame fills frame for outbound audio; WriteFrame consumes inbound audio.
// Both may be called from the media engine goroutine.
type AudioStream interface {
	Mode() StreamMode
	ReadFrame(frame []byte) bool
	WriteFrame(frame []byte) bool
}

// MediaContext groups the terminations of one session.
type MediaContext struct {
	ID      string
	Handler MediaEventHandler
}

// Termination is one media endpoint inside a context.
type Termination struct {
	ID     string
	Name   string
	Stream AudioStream
}

// IsRTP reports whether the termination is network facing.
func (t *Termination) IsRTP() bool { return t.Stream == nil }

// MediaRequest is posted to the media engine.
type MediaRequest struct {
	Command     MediaCommand
	Context     *MediaContext
	Termination *Termination
	Associated  *Termination
	Descriptor  *RTPTerminationDescriptor
}

// MediaResponse completes one MediaRequest.
type MediaResponse struct {
	Command     MediaCommand
	Context     *MediaContext
	Termination *Termination
	Descriptor  *RTPTerminationDescriptor
	Status      Status
}

// MediaEngine processes media requests asynchronously.
type MediaEngine interface {
	CreateContext(name string, h MediaEventHandler) *MediaContext
	CreateRTPTermination(name string) *Termination
	Request(req *MediaRequest) error
}

// MediaEventHandler receives media responses for a context.
type MediaEventHandler interface {
	OnMediaResponse(resp *MediaResponse)
}
