package client_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-mrcp/api"
	"github.com/momentics/hioload-mrcp/client"
	"github.com/momentics/hioload-mrcp/pool"
)

func TestAddChannelCountsEveryLeg(t *testing.T) {
	h := newHarness(t, true)
	ch := h.addChannel(t, "speechsynth")

	assert.True(t, ch.Active())
	assert.Equal(t, testSessionID, h.sess.ID())
	assert.Equal(t, testSessionID+"@speechsynth", ch.ID())
	require.NotNil(t, ch.LocalRTP())
	require.NotNil(t, ch.RemoteRTP())
	assert.Equal(t, api.ModeSend, ch.RemoteRTP().Mode)

	// termination add, rtp add, offer, control add, rtp modify, association, topology
	assert.EqualValues(t, 7, h.diag.issued.Load())
	assert.EqualValues(t, 7, h.diag.completed.Load())
	assert.EqualValues(t, 1, h.diag.resolved.Load())
	assert.Zero(t, h.diag.violations.Load())
	assert.Equal(t, []api.MediaCommand{
		api.MediaAdd, api.MediaAdd, api.MediaModify, api.MediaAddAssociation, api.MediaApplyTopology,
	}, h.media.commands())

	offer := h.sig.lastOffer()
	require.Len(t, offer.ControlMedia, 1)
	assert.Equal(t, "speechsynth", offer.ControlMedia[0].ResourceName)
	assert.Equal(t, api.SetupActive, offer.ControlMedia[0].Setup)
	require.Len(t, offer.AudioMedia, 1)
	assert.Equal(t, offer.AudioMedia[0].MID, offer.ControlMedia[0].CMID)
}

func TestRequestsAreSerializedInOrder(t *testing.T) {
	h := newHarness(t, false)
	h.sig.manual = true

	ch, err := h.sess.CreateChannel("speechsynth", nil)
	require.NoError(t, err)
	require.NoError(t, h.sess.AddChannel(ch))
	require.NoError(t, h.sess.Discover())
	require.NoError(t, h.sess.Update())

	h.sig.release(t) // answer to the add offer
	m := h.next(t)
	assert.Equal(t, client.CommandChannelAdd, m.Command)
	assert.Equal(t, api.StatusSuccess, m.Status)
	assert.Equal(t, 1, h.sig.offerCount())

	h.sig.release(t) // discover
	m = h.next(t)
	assert.Equal(t, client.CommandResourceDiscover, m.Command)
	require.NotNil(t, m.Resources)
	assert.Equal(t, []string{"speechsynth", "speechrecog"}, m.Resources.Resources)

	h.sig.release(t) // answer to the update offer
	m = h.next(t)
	assert.Equal(t, client.CommandSessionUpdate, m.Command)
	assert.Equal(t, 2, h.sig.offerCount())
	assert.Equal(t, h.diag.issued.Load(), h.diag.completed.Load())
}

func TestFailedLegRollsBackAdd(t *testing.T) {
	h := newHarness(t, true)
	h.media.fail = func(req *api.MediaRequest) bool {
		return req.Command == api.MediaAdd && req.Termination.IsRTP()
	}
	ch, err := h.sess.CreateChannel("speechsynth", fakeStream{mode: api.ModeReceive})
	require.NoError(t, err)
	require.NoError(t, h.sess.AddChannel(ch))

	m := h.next(t)
	assert.Equal(t, client.CommandChannelAdd, m.Command)
	assert.Equal(t, api.StatusFailure, m.Status)
	assert.False(t, ch.Active())
	assert.Zero(t, h.sig.offerCount())
	assert.Equal(t, []api.MediaCommand{api.MediaAdd, api.MediaAdd, api.MediaSubtract}, h.media.commands())
	assert.Equal(t, h.diag.issued.Load(), h.diag.completed.Load())
	assert.Zero(t, h.diag.violations.Load())
}

func TestRejectedAnswerFailsAdd(t *testing.T) {
	h := newHarness(t, false)
	h.sig.status = api.SessionNoSuchResource
	ch, err := h.sess.CreateChannel("speakverify", nil)
	require.NoError(t, err)
	require.NoError(t, h.sess.AddChannel(ch))

	m := h.next(t)
	assert.Equal(t, api.StatusFailure, m.Status)
	assert.False(t, ch.Active())
	assert.Equal(t, 1, h.conn.destroyed)
}

func TestMessageRoundTripAndEvents(t *testing.T) {
	h := newHarness(t, false)
	ch := h.addChannel(t, "speechsynth")

	req := h.sess.NewRequest(ch, "SPEAK")
	req.Body = "hello"
	require.NoError(t, h.sess.SendMessage(ch, req))

	resp := h.next(t)
	assert.Equal(t, client.KindResponse, resp.Kind)
	assert.Equal(t, client.CommandMessage, resp.Command)
	assert.Equal(t, api.StatusSuccess, resp.Status)
	require.NotNil(t, resp.Control)
	assert.Equal(t, req.RequestID, resp.Control.RequestID)
	assert.Equal(t, "SPEAK", resp.Control.Method)

	ev := h.next(t)
	assert.Equal(t, client.KindControlEvent, ev.Kind)
	assert.Equal(t, "SPEAK-COMPLETE", ev.Control.Method)
	assert.Same(t, ch, ev.Channel)

	next := h.sess.NewRequest(ch, "STOP")
	assert.Greater(t, next.RequestID, req.RequestID)
}

func TestMessageBeforeAnswerFailsWithMethodFailed(t *testing.T) {
	h := newHarness(t, false)
	ch, err := h.sess.CreateChannel("speechsynth", nil)
	require.NoError(t, err)
	require.NoError(t, h.sess.SendMessage(ch, h.sess.NewRequest(ch, "SPEAK")))

	m := h.next(t)
	assert.Equal(t, api.StatusFailure, m.Status)
	require.NotNil(t, m.Control)
	assert.Equal(t, api.StatusCodeMethodFailed, m.Control.StatusCode)
	assert.Zero(t, h.conn.sentCount())
}

func TestDisconnectWhileIdleRaisesEventOnce(t *testing.T) {
	h := newHarness(t, false)
	ch := h.addChannel(t, "speechrecog")

	ch.OnDisconnect()
	m := h.next(t)
	assert.Equal(t, client.KindTerminateEvent, m.Kind)

	ch.OnDisconnect()
	require.NoError(t, h.sess.Discover())
	m = h.next(t)
	assert.Equal(t, client.KindResponse, m.Kind)
	assert.Equal(t, client.CommandResourceDiscover, m.Command)
	assert.Equal(t, api.StatusFailure, m.Status)
}

func TestDisconnectDuringRequestReplacesResponse(t *testing.T) {
	h := newHarness(t, false)
	ch := h.addChannel(t, "speechsynth")
	h.conn.mu.Lock()
	h.conn.respond = false
	h.conn.mu.Unlock()

	require.NoError(t, h.sess.SendMessage(ch, h.sess.NewRequest(ch, "SPEAK")))
	require.NoError(t, h.sess.SendMessage(ch, h.sess.NewRequest(ch, "STOP")))
	require.Eventually(t, func() bool { return h.conn.sentCount() == 1 }, time.Second, 5*time.Millisecond)

	ch.OnDisconnect()
	m := h.next(t)
	assert.Equal(t, client.KindTerminateEvent, m.Kind)

	// the queued request fails instead of reaching the lost connection
	m = h.next(t)
	assert.Equal(t, client.KindResponse, m.Kind)
	assert.Equal(t, api.StatusFailure, m.Status)
	assert.Equal(t, "STOP", m.Control.Method)
	assert.Equal(t, 1, h.conn.sentCount())

	require.NoError(t, h.sess.Terminate())
	m = h.next(t)
	assert.Equal(t, client.CommandSessionTerminate, m.Command)
	assert.Equal(t, api.StatusSuccess, m.Status)
	assert.Zero(t, h.stack.Sessions())
	assert.Equal(t, h.diag.issued.Load(), h.diag.completed.Load())
	assert.Zero(t, h.diag.violations.Load())
	h.none(t)
}

func TestTerminateInFlightKeepsItsResponse(t *testing.T) {
	h := newHarness(t, false)
	h.addChannel(t, "speechsynth")
	h.sig.manual = true

	require.NoError(t, h.sess.Terminate())
	require.NoError(t, h.sess.Discover())
	require.Eventually(t, func() bool { return len(h.sig.pending) == 1 }, time.Second, 5*time.Millisecond)

	h.sig.handler.OnTerminateEvent()
	m := h.next(t)
	assert.Equal(t, client.KindResponse, m.Kind)
	assert.Equal(t, client.CommandSessionTerminate, m.Command)

	m = h.next(t)
	assert.Equal(t, client.CommandResourceDiscover, m.Command)
	assert.Equal(t, api.StatusFailure, m.Status)
	h.none(t)
}

func TestTerminateAfterSignalingLossStillResponds(t *testing.T) {
	h := newHarness(t, false)
	h.addChannel(t, "speechsynth")

	h.sig.disconnect()
	m := h.next(t)
	assert.Equal(t, client.KindTerminateEvent, m.Kind)

	require.NoError(t, h.sess.Terminate())
	m = h.next(t)
	assert.Equal(t, client.KindResponse, m.Kind)
	assert.Equal(t, client.CommandSessionTerminate, m.Command)
	assert.Equal(t, api.StatusFailure, m.Status)
	assert.Zero(t, h.stack.Sessions())
	assert.Equal(t, h.diag.issued.Load(), h.diag.completed.Load())
	assert.Zero(t, h.diag.violations.Load())
	h.none(t)
}

func TestQueuedTerminateAfterCloseSucceeds(t *testing.T) {
	h := newHarness(t, false)
	h.addChannel(t, "speechsynth")
	h.sig.manual = true

	require.NoError(t, h.sess.Terminate())
	require.NoError(t, h.sess.Terminate())
	h.sig.release(t)

	for i := 0; i < 2; i++ {
		m := h.next(t)
		assert.Equal(t, client.CommandSessionTerminate, m.Command)
		assert.Equal(t, api.StatusSuccess, m.Status)
	}
	require.NoError(t, h.sess.Terminate())
	m := h.next(t)
	assert.Equal(t, api.StatusSuccess, m.Status)
	assert.Equal(t, 1, h.sig.terminates)
	h.none(t)
}

func TestSessionIDReadableWhileNegotiating(t *testing.T) {
	h := newHarness(t, false)
	ch, err := h.sess.CreateChannel("speechsynth", nil)
	require.NoError(t, err)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				_ = h.sess.ID()
				_ = ch.ID()
			}
		}
	}()
	require.NoError(t, h.sess.AddChannel(ch))
	m := h.next(t)
	close(stop)
	<-done

	require.Equal(t, api.StatusSuccess, m.Status)
	assert.Equal(t, testSessionID, h.sess.ID())
	assert.Equal(t, api.ChannelID(testSessionID, "speechsynth"), ch.ID())
}

func TestStrayCompletionsAreIgnored(t *testing.T) {
	h := newHarness(t, false)
	ch := h.addChannel(t, "speechsynth")

	h.sess.OnAnswer(h.sig.lastOffer())
	ch.OnAdd(nil, api.StatusSuccess)
	ch.OnReceive(&api.ControlMessage{Kind: api.ControlResponse, RequestID: 99, StatusCode: 200})
	require.NoError(t, h.sess.Discover())

	m := h.next(t)
	assert.Equal(t, client.CommandResourceDiscover, m.Command)
	assert.Equal(t, api.StatusSuccess, m.Status)
	assert.Zero(t, h.diag.violations.Load())
	assert.Equal(t, h.diag.issued.Load(), h.diag.completed.Load())
}

func TestRemoveChannelOffersDisabledSlot(t *testing.T) {
	h := newHarness(t, true)
	ch := h.addChannel(t, "speechsynth")

	require.NoError(t, h.sess.RemoveChannel(ch))
	m := h.next(t)
	assert.Equal(t, client.CommandChannelRemove, m.Command)
	assert.Equal(t, api.StatusSuccess, m.Status)
	assert.False(t, ch.Active())

	offer := h.sig.lastOffer()
	require.Len(t, offer.ControlMedia, 1)
	assert.Zero(t, offer.ControlMedia[0].Port)
	assert.Equal(t, api.ModeNone, offer.AudioMedia[0].Mode)

	cmds := h.media.commands()
	assert.Equal(t, []api.MediaCommand{
		api.MediaRemoveAssociation, api.MediaApplyTopology, api.MediaSubtract, api.MediaSubtract,
	}, cmds[len(cmds)-4:])

	require.NoError(t, h.sess.RemoveChannel(ch))
	m = h.next(t)
	assert.Equal(t, api.StatusFailure, m.Status)
}

func TestTerminatedSessionRejectsRequests(t *testing.T) {
	h := newHarness(t, true)
	h.addChannel(t, "speechsynth")
	require.NoError(t, h.sess.Terminate())
	m := h.next(t)
	assert.Equal(t, api.StatusSuccess, m.Status)
	assert.Equal(t, 1, h.sig.terminates)

	require.NoError(t, h.sess.Update())
	m = h.next(t)
	assert.Equal(t, client.CommandSessionUpdate, m.Command)
	assert.Equal(t, api.StatusFailure, m.Status)
}

func TestCompletionsSurviveExhaustedPool(t *testing.T) {
	h := newHarness(t, false, client.WithPool(pool.NewBoundedPool(1)))
	// requests still need the pooled envelope; only completions fall back
	submit := func(fn func() error) {
		require.Eventually(t, func() bool { return fn() == nil }, time.Second, time.Millisecond)
	}

	ch, err := h.sess.CreateChannel("speechsynth", nil)
	require.NoError(t, err)
	submit(func() error { return h.sess.AddChannel(ch) })
	m := h.next(t)
	assert.Equal(t, client.CommandChannelAdd, m.Command)
	assert.Equal(t, api.StatusSuccess, m.Status)

	submit(h.sess.Discover)
	m = h.next(t)
	assert.Equal(t, client.CommandResourceDiscover, m.Command)
	assert.Equal(t, api.StatusSuccess, m.Status)

	submit(h.sess.Terminate)
	m = h.next(t)
	assert.Equal(t, client.CommandSessionTerminate, m.Command)
	assert.Equal(t, api.StatusSuccess, m.Status)
	assert.Equal(t, h.diag.issued.Load(), h.diag.completed.Load())
	assert.Zero(t, h.diag.violations.Load())
}

func TestMaxSessions(t *testing.T) {
	st := client.NewStack("bounded", client.WithMaxSessions(1))
	profile := &client.Profile{Signaling: newFakeSignaling()}
	_, err := st.CreateSession(profile, func(*client.AppMessage) {})
	require.NoError(t, err)
	_, err = st.CreateSession(profile, func(*client.AppMessage) {})
	assert.ErrorIs(t, err, api.ErrResourceExhausted)
	_, err = st.CreateSession(nil, nil)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}
