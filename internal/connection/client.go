// File: internal/connection/client.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ClientAgent dials control connections on behalf of client channels.
// Channels towards the same server share one connection when reuse is on;
// a connection whose last channel left is closed after the grace period
// unless a new channel binds to it first. Every sent request arms a timer
// that answers it with a synthetic 407 if the server stays silent.

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

const (
	msgAdd = iota + 1
	msgModify
	msgRemove
	msgSend
	msgDestroy
)

type channelOp struct {
	desc *api.ControlDescriptor
	msg  *api.ControlMessage
}

// ClientAgent implements api.ConnectionAgent for the client stack.
type ClientAgent struct {
	task    *concurrency.PollerTask
	cfg     Config
	logger  *log.Logger
	metrics Metrics
	buffers *pool.BytePool

	open atomic.Int64

	// agent goroutine only
	byAddr map[transport.Addr]*conn
	conns  map[*conn]struct{}
}

// NewClientAgent creates an idle client agent.
func NewClientAgent(name string, cfg Config, opts ...Option) (*ClientAgent, error) {
	o := buildOptions(opts)
	a := &ClientAgent{
		cfg:     cfg.withDefaults(),
		metrics: o.metrics,
		buffers: readBuffers(),
		byAddr:  make(map[transport.Addr]*conn),
		conns:   make(map[*conn]struct{}),
	}
	task, err := concurrency.NewPollerTask(name, a.cfg.MaxConnections, a.process, a.onIO,
		o.taskOptions(concurrency.Hooks{OnPostRun: func(*concurrency.Task) { a.closeAll() }})...)
	if err != nil {
		return nil, err
	}
	a.task = task
	a.logger = task.Logger()
	return a, nil
}

// Task exposes the agent task for lifecycle control and parenting.
func (a *ClientAgent) Task() *concurrency.Task { return a.task.Task }

// Connections returns the number of open control connections.
func (a *ClientAgent) Connections() int { return int(a.open.Load()) }

// CreateChannel returns an unbound control channel.
func (a *ClientAgent) CreateChannel(h api.ChannelEventHandler) api.ControlChannel {
	ch := &clientChannel{agent: a, handler: h, pending: make(map[uint32]*concurrency.Timer)}
	ch.ctl = opPoster{task: a.task.Task, target: ch}
	return ch
}

type clientChannel struct {
	agent   *ClientAgent
	handler api.ChannelEventHandler
	ctl     opPoster

	// agent goroutine only
	id      string
	desc    *api.ControlDescriptor
	conn    *conn
	pending map[uint32]*concurrency.Timer
}

func (c *clientChannel) Add(d *api.ControlDescriptor) error { return c.ctl.post(msgAdd, d.Clone(), nil) }

func (c *clientChannel) Modify(d *api.ControlDescriptor) error {
	return c.ctl.post(msgModify, d.Clone(), nil)
}

func (c *clientChannel) Remove() error { return c.ctl.post(msgRemove, nil, nil) }

func (c *clientChannel) Send(m *api.ControlMessage) error { return c.ctl.post(msgSend, nil, m) }

func (c *clientChannel) Destroy() {
	if err := c.ctl.post(msgDestroy, nil, nil); err != nil {
		c.agent.logger.Debug("destroy dropped", "channel", c.id, "err", err)
	}
}

func (c *clientChannel) deliver(m *api.ControlMessage) {
	if m.Kind == api.ControlResponse {
		t, ok := c.pending[m.RequestID]
		if !ok {
			c.agent.metrics.MessageDropped("unknown-request")
			c.agent.logger.Warn("response without pending request dropped", "msg", m.String())
			return
		}
		t.Kill()
		delete(c.pending, m.RequestID)
	}
	c.handler.OnReceive(m)
}

func (c *clientChannel) lost() {
	c.killTimers()
	c.conn = nil
	c.handler.OnDisconnect()
}

func (c *clientChannel) killTimers() {
	for id, t := range c.pending {
		t.Kill()
		delete(c.pending, id)
	}
}

// opPoster posts channel operations to the owning agent task.
type opPoster struct {
	task   *concurrency.Task
	target any
}

type postedOp struct {
	target any
	op     channelOp
}

func (p opPoster) post(subtype int, d *api.ControlDescriptor, m *api.ControlMessage) error {
	if err := p.task.Post(subtype, &postedOp{target: p.target, op: channelOp{desc: d, msg: m}}); err != nil {
		return fmt.Errorf("connection agent: %w", err)
	}
	return nil
}

// process runs on the agent goroutine.
func (a *ClientAgent) process(msg *api.Message) {
	p := msg.Payload.(*postedOp)
	ch := p.target.(*clientChannel)
	switch msg.Subtype {
	case msgAdd:
		a.add(ch, p.op.desc)
	case msgModify:
		if p.op.desc != nil {
			ch.desc = p.op.desc
		}
		ch.handler.OnModify(p.op.desc, api.StatusSuccess)
	case msgRemove:
		a.unbind(ch)
		ch.handler.OnRemove(api.StatusSuccess)
	case msgSend:
		a.send(ch, p.op.msg)
	case msgDestroy:
		a.unbind(ch)
	default:
		a.logger.Warn("unknown message", "subtype", msg.Subtype)
	}
}

func (a *ClientAgent) add(ch *clientChannel, d *api.ControlDescriptor) {
	if ch.conn != nil {
		a.logger.Warn("channel already bound", "channel", ch.id)
		ch.handler.OnAdd(d, api.StatusFailure)
		return
	}
	remote, err := transport.ParseAddr(d.IP, d.Port)
	if err != nil || d.Port == 0 {
		a.logger.Warn("bad control address", "ip", d.IP, "port", d.Port, "err", err)
		ch.handler.OnAdd(d, api.StatusFailure)
		return
	}
	ch.id = api.ChannelID(d.SessionID, d.ResourceName)
	ch.desc = d

	c := a.byAddr[remote]
	if c == nil || !(a.cfg.ReuseConnections && d.Connection == api.ConnectionExisting) {
		if c, err = a.dial(remote); err != nil {
			a.logger.Warn("connect failed", "remote", remote.String(), "err", err)
			ch.handler.OnAdd(d, api.StatusFailure)
			return
		}
	}
	if _, dup := c.channels[ch.id]; dup {
		a.logger.Warn("channel identifier already bound", "channel", ch.id)
		ch.handler.OnAdd(d, api.StatusFailure)
		return
	}
	c.channels[ch.id] = ch
	c.accessCount++
	c.grace.Kill()
	ch.conn = c
	if !c.connecting {
		ch.handler.OnAdd(d, api.StatusSuccess)
	}
	a.logger.Debug("channel bound", "channel", ch.id, "remote", remote.String(), "access", c.accessCount)
}

func (a *ClientAgent) dial(remote transport.Addr) (*conn, error) {
	fd, pending, err := transport.DialTCP(remote)
	if err != nil {
		return nil, err
	}
	c := newConn(fd, remote, pending)
	if err := a.task.AddDescriptor(c.desc); err != nil {
		_ = transport.Close(fd)
		return nil, err
	}
	c.grace = a.task.CreateTimer(a.onGrace, c)
	a.conns[c] = struct{}{}
	a.open.Add(1)
	a.byAddr[remote] = c
	return c, nil
}

func (a *ClientAgent) unbind(ch *clientChannel) {
	ch.killTimers()
	c := ch.conn
	if c == nil {
		return
	}
	ch.conn = nil
	delete(c.channels, ch.id)
	c.accessCount--
	if c.accessCount > 0 {
		return
	}
	if a.cfg.CloseGrace == 0 {
		a.drop(c, false)
		return
	}
	c.grace.Set(a.cfg.CloseGrace.Milliseconds())
}

func (a *ClientAgent) onGrace(_ *concurrency.Timer, ctx any) {
	c := ctx.(*conn)
	if c.accessCount == 0 {
		a.logger.Debug("idle connection closed", "remote", c.remote.String())
		a.drop(c, false)
	}
}

func (a *ClientAgent) send(ch *clientChannel, m *api.ControlMessage) {
	if ch.conn == nil || ch.conn.connecting {
		a.logger.Warn("send on unconnected channel", "channel", ch.id, "msg", m.String())
		ch.handler.OnReceive(m.NewResponse(api.StatusCodeMethodFailed, api.RequestComplete))
		return
	}
	frame, err := EncodeFrame(m)
	if err == nil {
		err = ch.conn.send(a.task, frame)
	}
	if err != nil {
		a.logger.Warn("send failed", "channel", ch.id, "err", err)
		ch.handler.OnReceive(m.NewResponse(api.StatusCodeMethodFailed, api.RequestComplete))
		return
	}
	if m.Kind != api.ControlRequest {
		return
	}
	t := a.task.CreateTimer(a.onRequestTimeout, &timedRequest{channel: ch, msg: m})
	if old, ok := ch.pending[m.RequestID]; ok {
		old.Kill()
	}
	ch.pending[m.RequestID] = t
	t.Set(a.cfg.RequestTimeout.Milliseconds())
}

type timedRequest struct {
	channel *clientChannel
	msg     *api.ControlMessage
}

func (a *ClientAgent) onRequestTimeout(t *concurrency.Timer, ctx any) {
	r := ctx.(*timedRequest)
	if cur, ok := r.channel.pending[r.msg.RequestID]; !ok || cur != t {
		return
	}
	delete(r.channel.pending, r.msg.RequestID)
	a.metrics.RequestTimedOut()
	a.logger.Warn("request timed out", "msg", r.msg.String())
	r.channel.handler.OnReceive(r.msg.NewResponse(api.StatusCodeMethodFailed, api.RequestComplete))
}

func (a *ClientAgent) onIO(d *reactor.Descriptor) {
	c := d.Data.(*conn)
	if d.Ready&reactor.EventError != 0 && d.Ready&reactor.EventRead == 0 {
		a.drop(c, true)
		return
	}
	if c.connecting {
		if d.Ready&(reactor.EventWrite|reactor.EventError) == 0 {
			return
		}
		if err := c.finishConnect(a.task); err != nil {
			a.logger.Warn("connect failed", "remote", c.remote.String(), "err", err)
			a.drop(c, true)
			return
		}
		for _, b := range c.channels {
			ch := b.(*clientChannel)
			ch.handler.OnAdd(ch.desc, api.StatusSuccess)
		}
		return
	}
	if d.Ready&reactor.EventWrite != 0 {
		if err := c.flush(a.task); err != nil {
			a.logger.Warn("write failed", "remote", c.remote.String(), "err", err)
			a.drop(c, true)
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
		b, ok := c.channels[m.ChannelID()]
		if !ok {
			a.metrics.MessageDropped("unknown-channel")
			a.logger.Warn("message for unknown channel dropped", "msg", m.String())
			continue
		}
		b.deliver(m)
	}
	if err != nil {
		if !errors.Is(err, io.EOF) {
			a.logger.Warn("read failed", "remote", c.remote.String(), "err", err)
		}
		a.drop(c, true)
	}
}

// drop closes c. With notify every bound channel learns about the loss;
// channels still waiting for the connect get a failed add instead.
func (a *ClientAgent) drop(c *conn, notify bool) {
	if c.closed {
		return
	}
	connecting := c.connecting
	if err := c.close(a.task); err != nil {
		a.logger.Warn("close failed", "err", err)
	}
	delete(a.conns, c)
	a.open.Add(-1)
	if a.byAddr[c.remote] == c {
		delete(a.byAddr, c.remote)
	}
	bound := c.channels
	c.channels = nil
	for _, b := range bound {
		ch := b.(*clientChannel)
		if !notify {
			ch.conn = nil
			ch.killTimers()
			continue
		}
		if connecting {
			ch.conn = nil
			ch.handler.OnAdd(ch.desc, api.StatusFailure)
			continue
		}
		ch.lost()
	}
}

func (a *ClientAgent) closeAll() {
	for c := range a.conns {
		a.drop(c, true)
	}
}
