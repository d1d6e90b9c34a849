package session_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-mrcp/api"
	"github.com/momentics/hioload-mrcp/internal/session"
)

type countingDiag struct {
	issued, completed int
	resolved          []api.Status
	violations        []string
}

func (d *countingDiag) LegIssued() { d.issued++ }
func (d *countingDiag) LegCompleted() { d.completed++ }
func (d *countingDiag) Resolved(s api.Status) { d.resolved = append(d.resolved, s) }
func (d *countingDiag) InvariantViolation(k, _ string) { d.violations = append(d.violations, k) }

func TestSagaResolvesOnlyAtZero(t *testing.T) {
	d := &countingDiag{}
	s := session.NewSaga("s1", nil, d)
	require.True(t, s.Submit("offer"))
	s.Enter(session.StateGeneratingOffer)
	s.Issue()
	s.Issue()
	s.Issue()

	assert.False(t, s.Complete(api.StatusSuccess))
	assert.False(t, s.Complete(api.StatusSuccess))
	assert.True(t, s.Complete(api.StatusSuccess))
	assert.Equal(t, api.StatusSuccess, s.Status())
	assert.Nil(t, s.Next())
	assert.Equal(t, 3, d.issued)
	assert.Equal(t, 3, d.completed)
	assert.Equal(t, []api.Status{api.StatusSuccess}, d.resolved)
}

func TestSagaFailureOverridesSuccess(t *testing.T) {
	s := session.NewSaga("s1", nil, nil)
	s.Submit("offer")
	s.Issue()
	s.Issue()
	s.Complete(api.StatusFailure)
	s.Complete(api.StatusSuccess)
	assert.Equal(t, api.StatusFailure, s.Status())
}

func TestSagaSyncInvalidLeg(t *testing.T) {
	s := session.NewSaga("s1", nil, nil)
	s.Submit("offer")
	s.Issue()
	s.IssueInvalid()
	assert.Equal(t, 1, s.Legs())
	assert.Equal(t, api.StatusFailure, s.Status())
	assert.True(t, s.Complete(api.StatusSuccess))
	assert.Equal(t, api.StatusFailure, s.Status())
}

func TestSagaUnderflowResetsAndReports(t *testing.T) {
	d := &countingDiag{}
	s := session.NewSaga("s1", nil, d)
	s.Submit("offer")
	assert.False(t, s.Complete(api.StatusSuccess))
	assert.Zero(t, s.Legs())
	assert.Equal(t, []string{session.ViolationLegUnderflow}, d.violations)
}

func TestSagaStateShiftWithPendingLegs(t *testing.T) {
	d := &countingDiag{}
	s := session.NewSaga("s1", nil, d)
	s.Submit("offer")
	s.Issue()
	s.Enter(session.StateApplyingMedia)
	assert.Zero(t, s.Legs())
	assert.Equal(t, []string{session.ViolationPendingOnShift}, d.violations)
}

func TestSagaFIFO(t *testing.T) {
	s := session.NewSaga("s1", nil, nil)
	assert.True(t, s.Submit("a"))
	assert.False(t, s.Submit("b"))
	assert.False(t, s.Submit("c"))
	assert.Equal(t, 2, s.Queued())
	assert.Equal(t, "a", s.Active())
	assert.Equal(t, "b", s.Next())
	assert.Equal(t, "c", s.Next())
	assert.Nil(t, s.Next())
	assert.Nil(t, s.Active())
}

func TestSagaDisconnectWhileIdle(t *testing.T) {
	s := session.NewSaga("s1", nil, nil)
	assert.True(t, s.Disconnect())
	assert.False(t, s.Disconnect())
	assert.False(t, s.TakeTerminateEvent())
}

func TestSagaDisconnectLatchedInFlight(t *testing.T) {
	s := session.NewSaga("s1", nil, nil)
	s.Submit("offer")
	s.Issue()
	assert.False(t, s.Disconnect())
	assert.True(t, s.Disconnected())
	assert.True(t, s.Complete(api.StatusFailure))
	assert.True(t, s.TakeTerminateEvent())
	assert.False(t, s.TakeTerminateEvent())
}

func TestSagaCloseKeepsTerminated(t *testing.T) {
	s := session.NewSaga("s1", nil, nil)
	s.Submit("terminate")
	s.Submit("late")
	s.Close()
	assert.Equal(t, "late", s.Next())
	assert.Equal(t, session.StateTerminated, s.State())
	assert.True(t, s.Closed())
}
