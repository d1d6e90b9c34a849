// File: internal/connection/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ServerAgent listens for control connections. A channel added by a server
// session is only registered; the connection carrying it is learned from the
// first message that names its sessionid@resource identifier. The listener is
// bound at construction and armed on the task goroutine, which then reports
// itself ready.

package connection

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/momentics/hioload-mrcp/api"
	"github.com/momentics/hioload-mrcp/core/concurrency"
	"github.com/momentics/hioload-mrcp/internal/transport"
	"github.com/momentics/hioload-mrcp/pool"
	"github.com/momentics/hioload-mrcp/reactor"
)

const controlProto = "TCP/MRCPv2"

// ServerAgent implements api.ConnectionAgent for the server stack.
type ServerAgent struct {
	task     *concurrency.PollerTask
	cfg      Config
	logger   *log.Logger
	metrics  Metrics
	buffers  *pool.BytePool
	listener *reactor.Descriptor
	local    transport.Addr

	open atomic.Int64

	// agent goroutine only
	channels map[string]*serverChannel
	conns    map[*conn]struct{}
}

// NewServerAgent binds the listener and creates an idle agent.
func NewServerAgent(name string, cfg Config, opts ...Option) (*ServerAgent, error) {
	o := buildOptions(opts)
	cfg = cfg.withDefaults()
	bind, err := transport.ParseAddr(cfg.ListenIP, cfg.ListenPort)
	if err != nil {
		return nil, fmt.Errorf("listen address: %w", err)
	}
	fd, local, err := transport.ListenTCP(bind)
	if err != nil {
		return nil, err
	}
	a := &ServerAgent{
		cfg:      cfg,
		metrics:  o.metrics,
		buffers:  readBuffers(),
		local:    local,
		listener: &reactor.Descriptor{Fd: fd, Events: reactor.EventRead},
		channels: make(map[string]*serverChannel),
		conns:    make(map[*conn]struct{}),
	}
	hooks := concurrency.Hooks{
		OnStartRequest: a.arm,
		OnPostRun:      func(*concurrency.Task) { a.closeAll() },
	}
	task, err := concurrency.NewPollerTask(name, cfg.MaxConnections+1, a.process, a.onIO,
		append(o.taskOptions(hooks), concurrency.WithAutoReady(false))...)
	if err != nil {
		_ = transport.Close(fd)
		return nil, err
	}
	a.task = task
	a.logger = task.Logger()
	return a, nil
}

// Task exposes the agent task for lifecycle control and parenting.
func (a *ServerAgent) Task() *concurrency.Task { return a.task.Task }

// Connections returns the number of open control connections.
func (a *ServerAgent) Connections() int { return int(a.open.Load()) }

// Addr returns the bound listen address.
func (a *ServerAgent) Addr() transport.Addr { return a.local }

func (a *ServerAgent) arm(t *concurrency.Task) {
	if err := a.task.AddDescriptor(a.listener); err != nil {
		a.logger.Error("listener registration failed", "err", err)
	} else {
		a.logger.Info("listening", "addr", a.local.String())
	}
	if err := t.Ready(); err != nil {
		a.logger.Error("ready failed", "err", err)
	}
}

// CreateChannel returns an unregistered control channel.
func (a *ServerAgent) CreateChannel(h api.ChannelEventHandler) api.ControlChannel {
	ch := &serverChannel{agent: a, handler: h}
	ch.ctl = opPoster{task: a.task.Task, target: ch}
	return ch
}

type serverChannel struct {
	agent   *ServerAgent
	handler api.ChannelEventHandler
	ctl     opPoster

	// agent goroutine only
	id    string
	local *api.ControlDescriptor
	conn  *conn
}

func (c *serverChannel) Add(d *api.ControlDescriptor) error { return c.ctl.post(msgAdd, d.Clone(), nil) }

func (c *serverChannel) Modify(d *api.ControlDescriptor) error {
	return c.ctl.post(msgModify, d.Clone(), nil)
}

func (c *serverChannel) Remove() error { return c.ctl.post(msgRemove, nil, nil) }

func (c *serverChannel) Send(m *api.ControlMessage) error { return c.ctl.post(msgSend, nil, m) }

func (c *serverChannel) Destroy() {
	if err := c.ctl.post(msgDestroy, nil, nil); err != nil {
		c.agent.logger.Debug("destroy dropped", "channel", c.id, "err", err)
	}
}

func (c *serverChannel) deliver(m *api.ControlMessage) { c.handler.OnReceive(m) }

func (c *serverChannel) lost() {
	c.conn = nil
	c.handler.OnDisconnect()
}

func (a *ServerAgent) process(msg *api.Message) {
	p := msg.Payload.(*postedOp)
	ch := p.target.(*serverChannel)
	switch msg.Subtype {
	case msgAdd:
		a.add(ch, p.op.desc)
	case msgModify:
		ch.handler.OnModify(ch.local.Clone(), api.StatusSuccess)
	case msgRemove:
		a.unregister(ch)
		ch.handler.OnRemove(api.StatusSuccess)
	case msgSend:
		a.send(ch, p.op.msg)
	case msgDestroy:
		a.unregister(ch)
	default:
		a.logger.Warn("unknown message", "subtype", msg.Subtype)
	}
}

func (a *ServerAgent) add(ch *serverChannel, d *api.ControlDescriptor) {
	id := api.ChannelID(d.SessionID, d.ResourceName)
	if d.SessionID == "" {
		a.logger.Warn("channel without session identifier", "resource", d.ResourceName)
		ch.handler.OnAdd(d, api.StatusFailure)
		return
	}
	if other, ok := a.channels[id]; ok && other != ch {
		a.logger.Warn("channel identifier already registered", "channel", id)
		ch.handler.OnAdd(d, api.StatusFailure)
		return
	}
	local := d.Clone()
	local.IP = a.local.Host()
	local.Port = a.local.Port
	local.Proto = controlProto
	local.Setup = api.SetupPassive
	local.Connection = api.ConnectionNew
	if a.reusable(d) {
		local.Connection = api.ConnectionExisting
	}
	ch.id = id
	ch.local = local
	a.channels[id] = ch
	a.logger.Debug("channel registered", "channel", id)
	ch.handler.OnAdd(local.Clone(), api.StatusSuccess)
}

// reusable reports whether a connection already carries a channel of the
// same session, so the client may multiplex the new one over it.
func (a *ServerAgent) reusable(d *api.ControlDescriptor) bool {
	if !a.cfg.ReuseConnections {
		return false
	}
	for _, ch := range a.channels {
		if ch.conn != nil && ch.local.SessionID == d.SessionID {
			return true
		}
	}
	return false
}

func (a *ServerAgent) unregister(ch *serverChannel) {
	if a.channels[ch.id] == ch {
		delete(a.channels, ch.id)
	}
	if c := ch.conn; c != nil {
		delete(c.channels, ch.id)
		c.accessCount--
		ch.conn = nil
	}
}

func (a *ServerAgent) send(ch *serverChannel, m *api.ControlMessage) {
	if ch.conn == nil {
		a.metrics.MessageDropped("unbound-channel")
		a.logger.Warn("no connection for channel", "channel", ch.id, "msg", m.String())
		return
	}
	frame, err := EncodeFrame(m)
	if err == nil {
		err = ch.conn.send(a.task, frame)
	}
	if err != nil {
		a.logger.Warn("send failed", "channel", ch.id, "err", err)
		a.drop(ch.conn)
	}
}

func (a *ServerAgent) onIO(d *reactor.Descriptor) {
	if d == a.listener {
		a.accept()
		return
	}
	c := d.Data.(*conn)
	if d.Ready&reactor.EventWrite != 0 {
		if err := c.flush(a.task); err != nil {
			a.logger.Warn("write failed", "remote", c.remote.String(), "err", err)
			a.drop(c)
			return
		}
	}
	if d.Ready&(reactor.EventRead|reactor.EventError) == 0 {
		return
	}
	buf := a.buffers.GetBuffer()
	msgs, err := c.receive(buf)
	a.buffers.PutBuffer(buf)
	for _, m := range msgs {
		a.route(c, m)
	}
	if err != nil {
		if !errors.Is(err, io.EOF) {
			a.logger.Warn("read failed", "remote", c.remote.String(), "err", err)
		}
		a.drop(c)
	}
}

// route binds the channel named by m to c on first use and delivers m.
func (a *ServerAgent) route(c *conn, m *api.ControlMessage) {
	id := m.ChannelID()
	ch, ok := a.channels[id]
	if !ok {
		a.metrics.MessageDropped("unknown-channel")
		a.logger.Warn("message for unknown channel dropped", "msg", m.String())
		return
	}
	if ch.conn != c {
		if ch.conn != nil {
			delete(ch.conn.channels, id)
			ch.conn.accessCount--
		}
		ch.conn = c
		c.channels[id] = ch
		c.accessCount++
		a.logger.Debug("channel attached", "channel", id, "remote", c.remote.String())
	}
	ch.deliver(m)
}

func (a *ServerAgent) accept() {
	for {
		fd, remote, err := transport.Accept(a.listener.Fd)
		if errors.Is(err, transport.ErrWouldBlock) {
			return
		}
		if err != nil {
			a.logger.Warn("accept failed", "err", err)
			return
		}
		if len(a.conns) >= a.cfg.MaxConnections {
			a.logger.Warn("connection limit reached", "remote", remote.String())
			_ = transport.Close(fd)
			continue
		}
		c := newConn(fd, remote, false)
		if err := a.task.AddDescriptor(c.desc); err != nil {
			a.logger.Warn("connection registration failed", "remote", remote.String(), "err", err)
			_ = transport.Close(fd)
			continue
		}
		a.conns[c] = struct{}{}
	a.open.Add(1)
		a.logger.Debug("connection accepted", "remote", remote.String())
	}
}

// drop closes c and fans the loss out to every channel it carried.
func (a *ServerAgent) drop(c *conn) {
	if c.closed {
		return
	}
	if err := c.close(a.task); err != nil {
		a.logger.Warn("close failed", "err", err)
	}
	delete(a.conns, c)
	a.open.Add(-1)
	bound := c.channels
	c.channels = nil
	for _, b := range bound {
		b.lost()
	}
}

func (a *ServerAgent) closeAll() {
	for c := range a.conns {
		a.drop(c)
	}
	if err := transport.Close(a.listener.Fd); err != nil {
		a.logger.Warn("listener close failed", "err", err)
	}
}
