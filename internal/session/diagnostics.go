// File: internal/session/diagnostics.go
// Author: momentics <momentics@gmail.com>

package session

import "github.com/momentics/hioload-mrcp/api"

// Violation kinds reported through Diagnostics.
const (
	ViolationLegUnderflow   = "leg-underflow"
	ViolationPendingOnShift = "state-change-with-pending-legs"
)

// Diagnostics observes saga bookkeeping.
type Diagnostics interface {
	LegIssued()
	LegCompleted()
	Resolved(status api.Status)
	InvariantViolation(kind, sessionID string)
}

type nopDiagnostics struct{}

func (nopDiagnostics) LegIssued() {}
func (nopDiagnostics) LegCompleted() {}
func (nopDiagnostics) Resolved(api.Status) {}
func (nopDiagnostics) InvariantViolation(string, string) {}
