// File: internal/session/saga.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Saga: outstanding-leg accounting for one session.
//
// Every asynchronous sub-request (signaling, control channel, media, engine)
// is a leg: Issue before sending, Complete on its completion. The coordinator
// advances only when Legs() is zero. Exactly one active request exists at a
// time; others wait in FIFO order.

package session

import (
	"io"

	"github.com/charmbracelet/log"
	"github.com/eapache/queue"

	"github.com/momentics/hioload-mrcp/api"
)

// Saga is owned by one goroutine.
type Saga struct {
	id      string
	state   State
	legs    int
	status  api.Status
	active  any
	pending *queue.Queue
	closed  bool

	disconnected bool
	eventRaised  bool

	logger *log.Logger
	diag   Diagnostics
}

// NewSaga creates an idle saga. logger and diag may be nil.
func NewSaga(id string, logger *log.Logger, diag Diagnostics) *Saga {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if diag == nil {
		diag = nopDiagnostics{}
	}
	return &Saga{id: id, pending: queue.New(), logger: logger, diag: diag}
}

// SetID updates the identifier used in diagnostics.
func (s *Saga) SetID(id string) { s.id = id }

// State returns the negotiation state.
func (s *Saga) State() State { return s.state }

// Legs returns the outstanding-leg count.
func (s *Saga) Legs() int { return s.legs }

// Status returns the aggregate status of the active request.
func (s *Saga) Status() api.Status { return s.status }

// Active returns the request being negotiated, nil when idle.
func (s *Saga) Active() any { return s.active }

// Queued returns the number of requests waiting behind the active one.
func (s *Saga) Queued() int { return s.pending.Length() }

// Closed reports whether the session reached Terminated.
func (s *Saga) Closed() bool { return s.closed }

// Submit makes req active when idle, otherwise queues it.
// It reports whether req became active.
func (s *Saga) Submit(req any) bool {
	if s.active != nil {
		s.pending.Add(req)
		return false
	}
	s.active = req
	s.status = api.StatusSuccess
	return true
}

// Enter moves to state. Changing state with legs pending is an invariant
// violation; the counter is reset so the session can make progress.
func (s *Saga) Enter(state State) {
	if s.legs != 0 {
		s.violation(ViolationPendingOnShift, "from", s.state, "to", state, "legs", s.legs)
	}
	s.state = state
}

// Issue accounts one outstanding leg.
func (s *Saga) Issue() {
	s.legs++
	s.diag.LegIssued()
}

// IssueInvalid accounts a leg that failed before it could be sent.
// It never resolves by itself; the caller checks Legs() after dispatching.
func (s *Saga) IssueInvalid() {
	s.Issue()
	s.Complete(api.StatusFailure)
}

// Complete settles one leg and reports whether the counter reached zero.
// A completion with no outstanding leg is an invariant violation.
func (s *Saga) Complete(status api.Status) bool {
	if s.legs <= 0 {
		s.violation(ViolationLegUnderflow, "state", s.state)
		return false
	}
	s.legs--
	s.diag.LegCompleted()
	if status != api.StatusSuccess {
		s.Fail(status)
	}
	return s.legs == 0
}

// Fail records a failure in the aggregate status. Failure overrides success.
func (s *Saga) Fail(status api.Status) {
	if status == api.StatusSuccess {
		return
	}
	if s.status == api.StatusSuccess {
		s.status = status
	}
}

// Disconnect latches peer loss. It reports whether the terminate event must
// be raised now, which is the case only when nothing is in flight.
func (s *Saga) Disconnect() bool {
	s.disconnected = true
	if s.active == nil && !s.eventRaised && !s.closed {
		s.eventRaised = true
		return true
	}
	return false
}

// Disconnected reports whether peer loss was observed.
func (s *Saga) Disconnected() bool { return s.disconnected }

// TakeTerminateEvent reports, once, that a latched disconnect must replace
// the response of the request being resolved.
func (s *Saga) TakeTerminateEvent() bool {
	if !s.disconnected || s.eventRaised {
		return false
	}
	s.eventRaised = true
	return true
}

// Next resolves the active request and activates the next queued one.
func (s *Saga) Next() any {
	if s.active != nil {
		s.diag.Resolved(s.status)
	}
	if s.legs != 0 {
		s.violation(ViolationPendingOnShift, "from", s.state, "to", StateIdle, "legs", s.legs)
	}
	s.active = nil
	s.status = api.StatusSuccess
	if !s.closed {
		s.state = StateIdle
	}
	if s.pending.Length() == 0 {
		return nil
	}
	s.active = s.pending.Remove()
	return s.active
}

// Close marks the session Terminated. Queued requests stay queued so the
// coordinator can fail them one by one.
func (s *Saga) Close() {
	s.closed = true
	s.state = StateTerminated
}

func (s *Saga) violation(kind string, kv ...any) {
	s.logger.Error("session invariant violated", append([]any{"session", s.id, "kind", kind}, kv...)...)
	s.legs = 0
	s.diag.InvariantViolation(kind, s.id)
}
