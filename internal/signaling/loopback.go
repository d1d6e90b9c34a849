// File: internal/signaling/loopback.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Loopback joins client and server signaling in one process. Descriptors
// travel as SDP text and control messages as msgpack, so both stacks see the
// same decoding a remote peer would force on them. Delivery happens on the
// loopback task goroutine, in posting order per pair.

package signaling

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/momentics/hioload-mrcp/api"
	"github.com/momentics/hioload-mrcp/core/concurrency"
	"github.com/momentics/hioload-mrcp/internal/sdp"
)

const (
	msgOffer = iota + 1
	msgTerminate
	msgControlRequest
	msgDiscover
	msgAnswer
	msgTerminateResponse
	msgControlResponse
	msgDiscoverResponse
	msgDisconnect
)

// envelope is one signaling message in flight.
type envelope struct {
	pair      *pair
	body      []byte
	status    api.SessionStatus
	resources *api.ResourceDescriptor
}

// Loopback implements api.ClientSignalingAgent and api.ServerSignalingAgent.
type Loopback struct {
	task    *concurrency.ConsumerTask
	logger  *log.Logger
	nextID  atomic.Uint64
	mu      sync.Mutex
	factory api.ServerSessionFactory
	pairs   map[uint64]*pair
}

// pair is one client session bound to one server session.
type pair struct {
	id     uint64
	loop   *Loopback
	client api.ClientSignalingHandler
	// loopback goroutine only
	server api.ServerSignalingHandler
	closed atomic.Bool
}

// NewLoopback creates an idle loopback agent.
func NewLoopback(name string, opts ...concurrency.Option) *Loopback {
	l := &Loopback{pairs: make(map[uint64]*pair)}
	l.task = concurrency.NewConsumerTask(name, l.process, opts...)
	l.logger = l.task.Logger()
	return l
}

// Task exposes the loopback task for lifecycle control and parenting.
func (l *Loopback) Task() *concurrency.Task { return l.task.Task }

// SetSessionFactory installs the server stack that accepts new sessions.
func (l *Loopback) SetSessionFactory(f api.ServerSessionFactory) {
	l.mu.Lock()
	l.factory = f
	l.mu.Unlock()
}

// CreateSession opens the client half of a new pair. The server half is
// created when the first message reaches it.
func (l *Loopback) CreateSession(h api.ClientSignalingHandler) api.ClientSignalingSession {
	p := &pair{id: l.nextID.Add(1), loop: l, client: h}
	l.mu.Lock()
	l.pairs[p.id] = p
	l.mu.Unlock()
	return &clientSide{p}
}

// Sessions returns the number of open pairs.
func (l *Loopback) Sessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pairs)
}

// Disconnect simulates loss of the signaling transport of every open pair:
// clients get OnTerminateEvent, servers get OnDisconnect.
func (l *Loopback) Disconnect() {
	l.mu.Lock()
	pairs := make([]*pair, 0, len(l.pairs))
	for _, p := range l.pairs {
		pairs = append(pairs, p)
	}
	l.mu.Unlock()
	for _, p := range pairs {
		if err := l.post(msgDisconnect, &envelope{pair: p}); err != nil {
			l.logger.Warn("disconnect dropped", "pair", p.id, "err", err)
		}
	}
}

func (l *Loopback) post(subtype int, env *envelope) error {
	if env.pair.closed.Load() && subtype != msgDisconnect {
		return fmt.Errorf("loopback signaling pair %d: %w", env.pair.id, api.ErrClosed)
	}
	send := l.task.Post
	if completes(subtype) {
		send = l.task.Deliver
	}
	if err := send(subtype, env); err != nil {
		return fmt.Errorf("loopback signaling: %w", err)
	}
	return nil
}

// completes reports whether subtype settles something a peer is waiting on.
// Those bypass pool exhaustion; fresh requests are refused instead.
func completes(subtype int) bool {
	switch subtype {
	case msgAnswer, msgTerminateResponse, msgControlResponse, msgDiscoverResponse, msgDisconnect:
		return true
	}
	return false
}

func (l *Loopback) process(msg *api.Message) {
	env := msg.Payload.(*envelope)
	p := env.pair
	if p.closed.Load() {
		l.logger.Debug("message for closed pair", "pair", p.id, "subtype", msg.Subtype)
		l.refuse(p, msg.Subtype)
		return
	}
	switch msg.Subtype {
	case msgOffer:
		d, err := sdp.Decode(env.body)
		if err != nil {
			l.logger.Warn("offer refused", "pair", p.id, "err", err)
			l.refuse(p, msg.Subtype)
			return
		}
		if s := l.server(p); s != nil {
			s.OnOffer(d)
		} else {
			l.refuse(p, msg.Subtype)
		}
	case msgTerminate:
		if s := l.server(p); s != nil {
			s.OnTerminateRequest()
		} else {
			l.refuse(p, msg.Subtype)
		}
	case msgControlRequest:
		m, ok := l.decodeControl(p, env.body)
		if !ok {
			l.refuse(p, msg.Subtype)
			return
		}
		if s := l.server(p); s != nil {
			s.OnControlRequest(m)
		} else {
			l.refuse(p, msg.Subtype)
		}
	case msgDiscover:
		if s := l.server(p); s != nil {
			s.OnDiscoverRequest()
		} else {
			l.refuse(p, msg.Subtype)
		}
	case msgAnswer:
		d, err := sdp.Decode(env.body)
		if err != nil {
			l.logger.Warn("answer unreadable", "pair", p.id, "err", err)
			p.client.OnAnswer(nil)
			return
		}
		d.Status = env.status
		p.client.OnAnswer(d)
	case msgTerminateResponse:
		p.closed.Store(true)
		l.release(p)
		p.client.OnTerminateResponse()
	case msgControlResponse:
		m, _ := l.decodeControl(p, env.body)
		p.client.OnControlResponse(m)
	case msgDiscoverResponse:
		p.client.OnDiscoverResponse(env.resources)
	case msgDisconnect:
		p.closed.Store(true)
		l.release(p)
		p.client.OnTerminateEvent()
		if p.server != nil {
			p.server.OnDisconnect()
		}
	default:
		l.logger.Warn("unknown message", "subtype", msg.Subtype)
	}
}

// refuse answers a client request that no server session will see. A nil
// payload is a failed completion; terminate always succeeds locally.
func (l *Loopback) refuse(p *pair, subtype int) {
	switch subtype {
	case msgOffer:
		p.client.OnAnswer(nil)
	case msgTerminate:
		p.closed.Store(true)
		l.release(p)
		p.client.OnTerminateResponse()
	case msgControlRequest:
		p.client.OnControlResponse(nil)
	case msgDiscover:
		p.client.OnDiscoverResponse(nil)
	default:
		l.logger.Debug("server message dropped", "pair", p.id, "subtype", subtype)
	}
}

// server returns the server half of p, creating it through the factory.
func (l *Loopback) server(p *pair) api.ServerSignalingHandler {
	if p.server != nil {
		return p.server
	}
	l.mu.Lock()
	f := l.factory
	l.mu.Unlock()
	if f == nil {
		l.logger.Warn("no server attached", "pair", p.id)
		return nil
	}
	p.server = f.CreateSession(&serverSide{p})
	return p.server
}

func (l *Loopback) release(p *pair) {
	l.mu.Lock()
	delete(l.pairs, p.id)
	l.mu.Unlock()
}

func (l *Loopback) decodeControl(p *pair, body []byte) (*api.ControlMessage, bool) {
	var m api.ControlMessage
	if err := msgpack.Unmarshal(body, &m); err != nil {
		l.logger.Warn("control message dropped", "pair", p.id, "err", err)
		return nil, false
	}
	return &m, true
}

type clientSide struct{ p *pair }

func (c *clientSide) Offer(d *api.SessionDescriptor) error {
	body, err := sdp.Encode(d)
	if err != nil {
		return err
	}
	return c.p.loop.post(msgOffer, &envelope{pair: c.p, body: body})
}

func (c *clientSide) Terminate() error {
	return c.p.loop.post(msgTerminate, &envelope{pair: c.p})
}

func (c *clientSide) Control(m *api.ControlMessage) error {
	body, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode control request: %w", err)
	}
	return c.p.loop.post(msgControlRequest, &envelope{pair: c.p, body: body})
}

func (c *clientSide) Discover() error {
	return c.p.loop.post(msgDiscover, &envelope{pair: c.p})
}

type serverSide struct{ p *pair }

func (s *serverSide) Answer(d *api.SessionDescriptor) error {
	body, err := sdp.Encode(d)
	if err != nil {
		return err
	}
	return s.p.loop.post(msgAnswer, &envelope{pair: s.p, body: body, status: d.Status})
}

func (s *serverSide) TerminateResponse() error {
	return s.p.loop.post(msgTerminateResponse, &envelope{pair: s.p})
}

func (s *serverSide) ControlResponse(m *api.ControlMessage) error {
	body, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode control response: %w", err)
	}
	return s.p.loop.post(msgControlResponse, &envelope{pair: s.p, body: body})
}

func (s *serverSide) DiscoverResponse(d *api.ResourceDescriptor) error {
	cp := &api.ResourceDescriptor{
		Resources: append([]string(nil), d.Resources...),
		Codecs:    append([]api.Codec(nil), d.Codecs...),
	}
	return s.p.loop.post(msgDiscoverResponse, &envelope{pair: s.p, resources: cp})
}
