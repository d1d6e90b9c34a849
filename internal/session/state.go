// File: internal/session/state.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package session

// State is the negotiation state of a session.
type State int

const (
	StateIdle State = iota
	StateGeneratingOffer
	StateAwaitingAnswer
	StateGeneratingAnswer
	StateApplyingMedia
	StateDeactivating
	StateDiscovering
	StateAwaitingResponse
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGeneratingOffer:
		return "generating-offer"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateGeneratingAnswer:
		return "generating-answer"
	case StateApplyingMedia:
		return "applying-media"
	case StateDeactivating:
		return "deactivating"
	case StateDiscovering:
		return "discovering"
	case StateAwaitingResponse:
		return "awaiting-response"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
