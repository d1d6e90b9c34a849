//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package media_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-mrcp/api"
	"github.com/momentics/hioload-mrcp/internal/media"
)

type responses struct{ ch chan *api.MediaResponse }

func (r *responses) OnMediaResponse(resp *api.MediaResponse) { r.ch <- resp }

func (r *responses) next(t *testing.T) *api.MediaResponse {
	t.Helper()
	select {
	case resp := <-r.ch:
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for media response")
		return nil
	}
}

// source produces constant frames; sink collects what arrives.
type source struct{ reads atomic.Int64 }

func (s *source) Mode() api.StreamMode { return api.ModeSend }
func (s *source) ReadFrame(frame []byte) bool {
	for i := range frame {
		frame[i] = 0x7f
	}
	s.reads.Add(1)
	return true
}
func (s *source) WriteFrame([]byte) bool { return false }

type sink struct{ frames chan int }

func (s *sink) Mode() api.StreamMode { return api.ModeReceive }
func (s *sink) ReadFrame([]byte) bool { return false }
func (s *sink) WriteFrame(frame []byte) bool {
	select {
	case s.frames <- len(frame):
	default:
	}
	return true
}

type packets struct{ in, out atomic.Int64 }

func (p *packets) RTPPacket(inbound bool) {
	if inbound {
		p.in.Add(1)
		return
	}
	p.out.Add(1)
}

func newEngine(t *testing.T, m media.Metrics) *media.Engine {
	t.Helper()
	e, err := media.NewEngine("media", media.Config{RTPIP: "127.0.0.1", PTime: 20}, media.WithMetrics(m))
	require.NoError(t, err)
	require.NoError(t, e.Task().Start())
	<-e.Task().Running()
	t.Cleanup(func() { _ = e.Task().Terminate(true) })
	return e
}

type leg struct {
	ctx  *api.MediaContext
	rtp  *api.Termination
	term *api.Termination
	resp *responses
}

func newLeg(e *media.Engine, name string, stream api.AudioStream) *leg {
	r := &responses{ch: make(chan *api.MediaResponse, 8)}
	return &leg{
		ctx:  e.CreateContext(name, r),
		rtp:  e.CreateRTPTermination(name),
		term: &api.Termination{ID: name + "-stream", Name: name, Stream: stream},
		resp: r,
	}
}

func (l *leg) do(t *testing.T, e *media.Engine, req *api.MediaRequest) *api.MediaResponse {
	t.Helper()
	req.Context = l.ctx
	require.NoError(t, e.Request(req))
	resp := l.resp.next(t)
	require.Equal(t, req.Command, resp.Command)
	return resp
}

func TestAudioFlowsBetweenTerminations(t *testing.T) {
	m := &packets{}
	e := newEngine(t, m)
	src := &source{}
	dst := &sink{frames: make(chan int, 4)}
	speaker := newLeg(e, "speaker", src)
	listener := newLeg(e, "listener", dst)

	pcmu := []api.Codec{{PayloadType: 0, Name: "PCMU", Rate: 8000}}
	addRTP := func(l *leg, mode api.StreamMode) *api.RTPMediaDescriptor {
		resp := l.do(t, e, &api.MediaRequest{
			Command:     api.MediaAdd,
			Termination: l.rtp,
			Descriptor:  &api.RTPTerminationDescriptor{Local: &api.RTPMediaDescriptor{Mode: mode, Enabled: true, Codecs: pcmu}},
		})
		require.Equal(t, api.StatusSuccess, resp.Status)
		require.NotNil(t, resp.Descriptor)
		require.NotZero(t, resp.Descriptor.Local.Port)
		return resp.Descriptor.Local
	}
	out := addRTP(speaker, api.ModeSend)
	in := addRTP(listener, api.ModeReceive)
	assert.Equal(t, 2, e.Terminations())

	for _, step := range []struct {
		l      *leg
		remote *api.RTPMediaDescriptor
	}{{speaker, in}, {listener, out}} {
		l := step.l
		resp := l.do(t, e, &api.MediaRequest{Command: api.MediaModify, Termination: l.rtp, Descriptor: &api.RTPTerminationDescriptor{Remote: step.remote}})
		assert.Equal(t, api.StatusSuccess, resp.Status)
		assert.Equal(t, api.StatusSuccess, l.do(t, e, &api.MediaRequest{Command: api.MediaAdd, Termination: l.term}).Status)
		assert.Equal(t, api.StatusSuccess, l.do(t, e, &api.MediaRequest{Command: api.MediaAddAssociation, Termination: l.rtp, Associated: l.term}).Status)
		assert.Equal(t, api.StatusSuccess, l.do(t, e, &api.MediaRequest{Command: api.MediaApplyTopology, Termination: l.rtp}).Status)
	}

	select {
	case n := <-dst.frames:
		assert.Equal(t, 160, n)
	case <-time.After(2 * time.Second):
		t.Fatal("no audio reached the listener")
	}
	assert.Positive(t, src.reads.Load())
	assert.Positive(t, m.out.Load())
	assert.Positive(t, m.in.Load())

	// tearing the speaker down releases its socket and stops pacing
	speaker.do(t, e, &api.MediaRequest{Command: api.MediaRemoveAssociation, Termination: speaker.rtp, Associated: speaker.term})
	speaker.do(t, e, &api.MediaRequest{Command: api.MediaSubtract, Termination: speaker.rtp})
	speaker.do(t, e, &api.MediaRequest{Command: api.MediaSubtract, Termination: speaker.term})
	assert.Equal(t, 1, e.Terminations())
}

func TestUnknownTerminationFails(t *testing.T) {
	e := newEngine(t, nil)
	l := newLeg(e, "ghost", &source{})
	resp := l.do(t, e, &api.MediaRequest{Command: api.MediaModify, Termination: l.rtp})
	assert.Equal(t, api.StatusFailure, resp.Status)
	resp = l.do(t, e, &api.MediaRequest{Command: api.MediaAddAssociation, Termination: l.rtp, Associated: l.term})
	assert.Equal(t, api.StatusFailure, resp.Status)
}

func TestDuplicateAddFails(t *testing.T) {
	e := newEngine(t, nil)
	l := newLeg(e, "dup", &source{})
	assert.Equal(t, api.StatusSuccess, l.do(t, e, &api.MediaRequest{Command: api.MediaAdd, Termination: l.rtp}).Status)
	assert.Equal(t, api.StatusFailure, l.do(t, e, &api.MediaRequest{Command: api.MediaAdd, Termination: l.rtp}).Status)
}

func TestEngineRejectsBadRange(t *testing.T) {
	_, err := media.NewEngine("media", media.Config{PortMin: 6000, PortMax: 5000})
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
	e := newEngine(t, nil)
	assert.ErrorIs(t, e.Request(nil), api.ErrInvalidArgument)
}
