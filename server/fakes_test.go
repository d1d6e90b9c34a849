package server_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-mrcp/api"
	"github.com/momentics/hioload-mrcp/server"
)

// fakeSignaling hands every server response to out.
type fakeSignaling struct {
	factory api.ServerSessionFactory
	out     chan any
}

type terminateResponse struct{}

func (f *fakeSignaling) SetSessionFactory(factory api.ServerSessionFactory) { f.factory = factory }

func (f *fakeSignaling) connect() api.ServerSignalingHandler { return f.factory.CreateSession(f) }

func (f *fakeSignaling) Answer(d *api.SessionDescriptor) error {
	f.out <- d
	return nil
}

func (f *fakeSignaling) TerminateResponse() error {
	f.out <- terminateResponse{}
	return nil
}

func (f *fakeSignaling) ControlResponse(m *api.ControlMessage) error {
	f.out <- m
	return nil
}

func (f *fakeSignaling) DiscoverResponse(d *api.ResourceDescriptor) error {
	f.out <- d
	return nil
}

// fakeConnection binds control channels to port 1544 and forwards sends to out.
type fakeConnection struct {
	out      chan *api.ControlMessage
	mu       sync.Mutex
	channels []*fakeControl
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

func (f *fakeConnection) channel(i int) *fakeControl {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[i]
}

func (c *fakeControl) Add(d *api.ControlDescriptor) error {
	local := d.Clone()
	local.IP = "127.0.0.2"
	local.Port = 1544
	local.Setup = api.SetupPassive
	c.handler.OnAdd(local, api.StatusSuccess)
	return nil
}

func (c *fakeControl) Modify(d *api.ControlDescriptor) error {
	c.handler.OnModify(nil, api.StatusSuccess)
	return nil
}

func (c *fakeControl) Remove() error {
	c.handler.OnRemove(api.StatusSuccess)
	return nil
}

func (c *fakeControl) Send(m *api.ControlMessage) error {
	c.agent.out <- m
	return nil
}

func (c *fakeControl) Destroy() {}

// fakeEngine opens channels at once unless hold parks the open on pending.
type fakeEngine struct {
	resource string
	codecs   []api.Codec
	failOpen bool
	hold     bool
	pending  chan func()
	opened   atomic.Int32
	closed   atomic.Int32
}

type fakeEngineChannel struct {
	engine  *fakeEngine
	handler api.EngineChannelHandler
	term    *api.Termination
}

func newFakeEngine(resource string) *fakeEngine {
	return &fakeEngine{
		resource: resource,
		codecs:   []api.Codec{{PayloadType: 0, Name: "PCMU", Rate: 8000}},
		pending:  make(chan func(), 8),
	}
}

func (e *fakeEngine) Resource() string { return e.resource }

func (e *fakeEngine) Codecs() []api.Codec { return e.codecs }

func (e *fakeEngine) CreateChannel(h api.EngineChannelHandler) (api.EngineChannel, error) {
	return &fakeEngineChannel{
		engine:  e,
		handler: h,
		term:    &api.Termination{ID: e.resource + "-source", Name: e.resource, Stream: fakeStream{}},
	}, nil
}

func (c *fakeEngineChannel) Open() error {
	status := api.StatusSuccess
	if c.engine.failOpen {
		status = api.StatusFailure
	} else {
		c.engine.opened.Add(1)
	}
	respond := func() { c.handler.OnOpen(status) }
	if c.engine.hold {
		c.engine.pending <- respond
		return nil
	}
	respond()
	return nil
}

func (c *fakeEngineChannel) Close() error {
	c.engine.closed.Add(1)
	c.handler.OnClose()
	return nil
}

func (c *fakeEngineChannel) ProcessRequest(m *api.ControlMessage) error {
	c.handler.OnMessage(m.NewResponse(api.StatusCodeSuccess, api.RequestInProgress))
	c.handler.OnMessage(m.NewEvent("SPEAK-COMPLETE", api.RequestComplete))
	return nil
}

func (c *fakeEngineChannel) Termination() *api.Termination { return c.term }

type fakeStream struct{}

func (fakeStream) Mode() api.StreamMode { return api.ModeSend }
func (fakeStream) ReadFrame(frame []byte) bool { return true }
func (fakeStream) WriteFrame(frame []byte) bool { return false }

// fakeMedia completes media requests at once.
type fakeMedia struct {
	mu       sync.Mutex
	requests []*api.MediaRequest
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
	f.mu.Unlock()
	resp := &api.MediaResponse{
		Command:     req.Command,
		Context:     req.Context,
		Termination: req.Termination,
		Status:      api.StatusSuccess,
	}
	if req.Command == api.MediaAdd && req.Descriptor != nil && req.Descriptor.Local != nil {
		local := req.Descriptor.Local.Clone()
		local.IP = "127.0.0.2"
		local.Port = 5000
		resp.Descriptor = &api.RTPTerminationDescriptor{Local: local, Remote: req.Descriptor.Remote}
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

type fakeDiag struct {
	issued     atomic.Int64
	completed  atomic.Int64
	violations atomic.Int64
}

func (d *fakeDiag) LegIssued() { d.issued.Add(1) }
func (d *fakeDiag) LegCompleted() { d.completed.Add(1) }
func (d *fakeDiag) Resolved(api.Status) {}
func (d *fakeDiag) InvariantViolation(string, string) { d.violations.Add(1) }

type harness struct {
	stack   *server.Stack
	sig     *fakeSignaling
	conn    *fakeConnection
	media   *fakeMedia
	synth   *fakeEngine
	recog   *fakeEngine
	diag    *fakeDiag
	handler api.ServerSignalingHandler
}

func newHarness(t *testing.T, opts ...server.Option) *harness {
	t.Helper()
	h := &harness{
		sig:   &fakeSignaling{out: make(chan any, 16)},
		conn:  &fakeConnection{out: make(chan *api.ControlMessage, 16)},
		media: &fakeMedia{},
		synth: newFakeEngine("speechsynth"),
		recog: newFakeEngine("speechrecog"),
		diag:  &fakeDiag{},
	}
	profile := &server.Profile{
		Name:       "test",
		IP:         "127.0.0.2",
		Signaling:  h.sig,
		Connection: h.conn,
		Media:      h.media,
		Engines:    []api.ResourceEngine{h.synth, h.recog},
	}
	st, err := server.NewStack("mrcp-server", profile, append(opts, server.WithDiagnostics(h.diag))...)
	require.NoError(t, err)
	h.stack = st
	require.NoError(t, st.Task().Start())
	select {
	case <-st.Task().Running():
	case <-time.After(2 * time.Second):
		t.Fatal("server stack did not start")
	}
	t.Cleanup(func() { _ = st.Task().Terminate(true) })
	h.handler = h.sig.connect()
	return h
}

func (h *harness) next(t *testing.T) any {
	t.Helper()
	select {
	case v := <-h.sig.out:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for signaling response")
		return nil
	}
}

func (h *harness) answer(t *testing.T) *api.SessionDescriptor {
	t.Helper()
	v := h.next(t)
	d, ok := v.(*api.SessionDescriptor)
	require.True(t, ok, "expected answer, got %T", v)
	return d
}

func (h *harness) sent(t *testing.T) *api.ControlMessage {
	t.Helper()
	select {
	case m := <-h.conn.out:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for control message")
		return nil
	}
}

func offer(resources ...string) *api.SessionDescriptor {
	d := &api.SessionDescriptor{Origin: "client", IP: "127.0.0.1"}
	for i, r := range resources {
		d.ControlMedia = append(d.ControlMedia, &api.ControlDescriptor{
			ID: i, IP: "127.0.0.1", Port: 9, Proto: "TCP/MRCPv2",
			Setup: api.SetupActive, Connection: api.ConnectionNew,
			ResourceName: r, CMID: i + 1,
		})
		d.AudioMedia = append(d.AudioMedia, &api.RTPMediaDescriptor{
			ID: i, MID: i + 1, IP: "127.0.0.1", Port: 6000 + 2*i,
			Mode: api.ModeReceive, PTime: 20, Enabled: true,
			Codecs: []api.Codec{{PayloadType: 0, Name: "PCMU", Rate: 8000}},
		})
	}
	return d
}
