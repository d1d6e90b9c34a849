// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations and constants.

package api

// Status is the outward completion status of a session request.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
	StatusCancel
	StatusTerminate
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusCancel:
		return "cancel"
	case StatusTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// SessionStatus is carried by a server answer.
type SessionStatus int

const (
	SessionOK SessionStatus = iota
	SessionNoSuchResource
	SessionUnacceptableResource
	SessionUnavailableResource
	SessionError
)

func (s SessionStatus) String() string {
	switch s {
	case SessionOK:
		return "ok"
	case SessionNoSuchResource:
		return "no-such-resource"
	case SessionUnacceptableResource:
		return "unacceptable-resource"
	case SessionUnavailableResource:
		return "unavailable-resource"
	default:
		return "error"
	}
}

// TaskState enumerates the lifecycle of a task.
type TaskState int32

const (
	TaskIdle TaskState = iota
	TaskStarting
	TaskRunning
	TaskOffline
	TaskTerminating
	TaskTerminated
)

func (s TaskState) String() string {
	switch s {
	case TaskIdle:
		return "idle"
	case TaskStarting:
		return "starting"
	case TaskRunning:
		return "running"
	case TaskOffline:
		return "offline"
	case TaskTerminating:
		return "terminating"
	case TaskTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
