package client_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-mrcp/api"
	"github.com/momentics/hioload-mrcp/client"
)

const testSessionID = "0123456789abcdef"

// fakeSignaling answers every offer by mirroring it. In manual mode responses
// are parked on pending until the test releases them.
type fakeSignaling struct {
	mu         sync.Mutex
	handler    api.ClientSignalingHandler
	offers     []*api.SessionDescriptor
	discovers  int
	terminates int
	controls   []*api.ControlMessage
	manual     bool
	closed     bool
	status     api.SessionStatus
	pending    chan func()
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{pending: make(chan func(), 16)}
}

func (f *fakeSignaling) CreateSession(h api.ClientSignalingHandler) api.ClientSignalingSession {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
	return f
}

func (f *fakeSignaling) respond(fn func()) {
	if f.manual {
		f.pending <- fn
		return
	}
	fn()
}

func (f *fakeSignaling) Offer(d *api.SessionDescriptor) error {
	f.mu.Lock()
	f.offers = append(f.offers, d)
	status := f.status
	h := f.handler
	f.mu.Unlock()
	answer := mirror(d, status)
	f.respond(func() { h.OnAnswer(answer) })
	return nil
}

func (f *fakeSignaling) Terminate() error {
	f.mu.Lock()
	f.terminates++
	h := f.handler
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return api.ErrClosed
	}
	f.respond(h.OnTerminateResponse)
	return nil
}

func (f *fakeSignaling) Control(m *api.ControlMessage) error {
	f.mu.Lock()
	f.controls = append(f.controls, m)
	h := f.handler
	f.mu.Unlock()
	resp := m.NewResponse(api.StatusCodeSuccess, api.RequestComplete)
	f.respond(func() { h.OnControlResponse(resp) })
	return nil
}

func (f *fakeSignaling) Discover() error {
	f.mu.Lock()
	f.discovers++
	h := f.handler
	f.mu.Unlock()
	f.respond(func() {
		h.OnDiscoverResponse(&api.ResourceDescriptor{Resources: []string{"speechsynth", "speechrecog"}})
	})
	return nil
}

// disconnect drops the signaling peer: later sends fail with ErrClosed.
func (f *fakeSignaling) disconnect() {
	f.mu.Lock()
	f.closed = true
	h := f.handler
	f.mu.Unlock()
	h.OnTerminateEvent()
}

func (f *fakeSignaling) offerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offers)
}

func (f *fakeSignaling) lastOffer() *api.SessionDescriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers[len(f.offers)-1]
}

func (f *fakeSignaling) release(t *testing.T) {
	t.Helper()
	select {
	case fn := <-f.pending:
		fn()
	case <-time.After(2 * time.Second):
		t.Fatal("no signaling response pending")
	}
}

func mirror(offer *api.SessionDescriptor, status api.SessionStatus) *api.SessionDescriptor {
	answer := offer.Clone()
	answer.IP = "127.0.0.2"
	answer.Status = status
	for _, cd := range answer.ControlMedia {
		cd.SessionID = testSessionID
		cd.Setup = api.SetupPassive
		if cd.Port != 0 {
			cd.Port = 1544
		}
	}
	for i, am := range answer.AudioMedia {
		am.Mode = am.Mode.Reverse()
		if am.Port != 0 || am.Enabled {
			am.Port = 7000 + 2*i
		}
	}
	return answer
}

// fakeConnection completes channel operations at once.
type fakeConnection struct {
	mu        sync.Mutex
	channels  []*fakeControl
	sent      []*api.ControlMessage
	destroyed int
	respond   bool
	failAdd   bool
}

type fakeControl struct {
	agent   *fakeConnection
	handler api.ChannelEventHandler
}

func (f *fakeConnection) CreateChannel(h api.ChannelEventHandler) api.ControlChannel {
	c := &fakeControl{agent: f, handler: h}
	f.mu.Lock()
	f.channels = append(f.channels, c)
	f.mu.Unlock()
	return c
}

func (f *fakeConnection) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (c *fakeControl) Add(d *api.ControlDescriptor) error {
	c.agent.mu.Lock()
	fail := c.agent.failAdd
	c.agent.mu.Unlock()
	if fail {
		c.handler.OnAdd(d, api.StatusFailure)
		return nil
	}
	c.handler.OnAdd(d, api.StatusSuccess)
	return nil
}

func (c *fakeControl) Modify(d *api.ControlDescriptor) error {
	c.handler.OnModify(d, api.StatusSuccess)
	return nil
}

func (c *fakeControl) Remove() error {
	c.handler.OnRemove(api.StatusSuccess)
	return nil
}

func (c *fakeControl) Send(m *api.ControlMessage) error {
	c.agent.mu.Lock()
	c.agent.sent = append(c.agent.sent, m)
	respond := c.agent.respond
	c.agent.mu.Unlock()
	if respond {
		c.handler.OnReceive(m.NewResponse(api.StatusCodeSuccess, api.RequestInProgress))
		c.handler.OnReceive(m.NewEvent("SPEAK-COMPLETE", api.RequestComplete))
	}
	return nil
}

func (c *fakeControl) Destroy() {
	c.agent.mu.Lock()
	c.agent.destroyed++
	c.agent.mu.Unlock()
}

// fakeMedia completes media requests at once; fail selects requests that fail.
type fakeMedia struct {
	mu       sync.Mutex
	requests []*api.MediaRequest
	fail     func(req *api.MediaRequest) bool
	port     int
}

func (f *fakeMedia) CreateContext(name string, h api.MediaEventHandler) *api.MediaContext {
	return &api.MediaContext{ID: name, Handler: h}
}

func (f *fakeMedia) CreateRTPTermination(name string) *api.Termination {
	return &api.Termination{ID: "rtp-" + name, Name: name}
}

func (f *fakeMedia) Request(req *api.MediaRequest) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fail := f.fail != nil && f.fail(req)
	f.port += 2
	port := 6000 + f.port
	f.mu.Unlock()

	resp := &api.MediaResponse{
		Command:     req.Command,
		Context:     req.Context,
		Termination: req.Termination,
		Descriptor:  req.Descriptor,
		Status:      api.StatusSuccess,
	}
	if fail {
		resp.Status = api.StatusFailure
	}
	if req.Command == api.MediaAdd && req.Descriptor != nil && req.Descriptor.Local != nil {
		local := req.Descriptor.Local.Clone()
		local.Port = port
		resp.Descriptor = &api.RTPTerminationDescriptor{Local: local}
	}
	req.Context.Handler.OnMediaResponse(resp)
	return nil
}

func (f *fakeMedia) commands() []api.MediaCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]api.MediaCommand, 0, len(f.requests))
	for _, r := range f.requests {
		out = append(out, r.Command)
	}
	return out
}

// fakeDiag counts saga bookkeeping.
type fakeDiag struct {
	issued     atomic.Int64
	completed  atomic.Int64
	resolved   atomic.Int64
	violations atomic.Int64
}

func (d *fakeDiag) LegIssued() { d.issued.Add(1) }
func (d *fakeDiag) LegCompleted() { d.completed.Add(1) }
func (d *fakeDiag) Resolved(api.Status) { d.resolved.Add(1) }
func (d *fakeDiag) InvariantViolation(string, string) { d.violations.Add(1) }

// fakeStream is a local audio source.
type fakeStream struct{ mode api.StreamMode }

func (s fakeStream) Mode() api.StreamMode { return s.mode }
func (fakeStream) ReadFrame(frame []byte) bool { return false }
func (fakeStream) WriteFrame(frame []byte) bool { return true }

type harness struct {
	stack *client.Stack
	diag  *fakeDiag
	sig   *fakeSignaling
	conn  *fakeConnection
	media *fakeMedia
	msgs  chan *client.AppMessage
	sess  *client.Session
}

func newHarness(t *testing.T, withMedia bool, opts ...client.Option) *harness {
	t.Helper()
	h := &harness{
		diag: &fakeDiag{},
		sig:  newFakeSignaling(),
		conn: &fakeConnection{respond: true},
		msgs: make(chan *client.AppMessage, 32),
	}
	h.stack = client.NewStack("mrcp-client", append([]client.Option{client.WithDiagnostics(h.diag)}, opts...)...)
	require.NoError(t, h.stack.Task().Start())
	select {
	case <-h.stack.Task().Running():
	case <-time.After(2 * time.Second):
		t.Fatal("client stack did not start")
	}
	t.Cleanup(func() { _ = h.stack.Task().Terminate(true) })

	profile := &client.Profile{
		Name:       "test",
		Signaling:  h.sig,
		Connection: h.conn,
		Codecs:     []api.Codec{{PayloadType: 0, Name: "PCMU", Rate: 8000}},
		PTime:      20,
	}
	if withMedia {
		h.media = &fakeMedia{}
		profile.Media = h.media
	}
	sess, err := h.stack.CreateSession(profile, func(m *client.AppMessage) { h.msgs <- m })
	require.NoError(t, err)
	h.sess = sess
	return h
}

func (h *harness) next(t *testing.T) *client.AppMessage {
	t.Helper()
	select {
	case m := <-h.msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for application message")
		return nil
	}
}

func (h *harness) none(t *testing.T) {
	t.Helper()
	select {
	case m := <-h.msgs:
		t.Fatalf("unexpected application message kind=%d command=%s", m.Kind, m.Command)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) addChannel(t *testing.T, resource string) *client.Channel {
	t.Helper()
	var stream api.AudioStream
	if h.media != nil {
		stream = fakeStream{mode: api.ModeReceive}
	}
	ch, err := h.sess.CreateChannel(resource, stream)
	require.NoError(t, err)
	require.NoError(t, h.sess.AddChannel(ch))
	m := h.next(t)
	require.Equal(t, client.KindResponse, m.Kind)
	require.Equal(t, client.CommandChannelAdd, m.Command)
	require.Equal(t, api.StatusSuccess, m.Status)
	return ch
}
