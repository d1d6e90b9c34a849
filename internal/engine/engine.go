// File: internal/engine/engine.go
// Package engine provides demo resource engines for the server stack: a
// synthesizer that streams generated frames and a recognizer that consumes
// them. Both run their channels on one PollerTask and use its timers to end
// requests.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package engine

import (
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/momentics/hioload-mrcp/api"
	"github.com/momentics/hioload-mrcp/core/concurrency"
)

// Resource names served by this package.
const (
	Synthesizer = "speechsynth"
	Recognizer  = "speechrecog"
)

const (
	msgOpen = iota + 1
	msgClose
	msgRequest
	msgInput

	defaultPTime    = 20
	timerCapacity   = 1
	completionCause = "Completion-Cause"
)

var defaultCodecs = []api.Codec{
	{PayloadType: 0, Name: "PCMU", Rate: 8000},
	{PayloadType: 8, Name: "PCMA", Rate: 8000},
}

// behavior is the resource-specific request logic.
type behavior interface {
	stream(ch *channel) api.AudioStream
	request(ch *channel, m *api.ControlMessage)
	input(ch *channel)
	stop(ch *channel)
}

// Option customizes an engine.
type Option func(*Engine)

// WithLogger sets the base logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithPool sets the task message pool.
func WithPool(p api.MessagePool) Option {
	return func(e *Engine) { e.pool = p }
}

// WithCodecs overrides the advertised codecs.
func WithCodecs(c []api.Codec) Option {
	return func(e *Engine) { e.codecs = append([]api.Codec(nil), c...) }
}

// WithPTime sets the frame duration in ms used to time requests.
func WithPTime(ms int) Option {
	return func(e *Engine) {
		if ms > 0 {
			e.ptime = ms
		}
	}
}

// Engine implements api.ResourceEngine.
type Engine struct {
	task     *concurrency.PollerTask
	resource string
	codecs   []api.Codec
	ptime    int
	logger   *log.Logger
	pool     api.MessagePool
	behavior behavior
}

// New creates the engine serving resource.
func New(resource string, opts ...Option) (*Engine, error) {
	e := &Engine{resource: resource, codecs: defaultCodecs, ptime: defaultPTime}
	switch resource {
	case Synthesizer:
		e.behavior = synthesizer{}
	case Recognizer:
		e.behavior = recognizer{}
	default:
		return nil, fmt.Errorf("resource %q: %w", resource, api.ErrNotFound)
	}
	for _, opt := range opts {
		opt(e)
	}
	task, err := concurrency.NewPollerTask(resource+"-engine", timerCapacity, e.process, nil,
		concurrency.WithLogger(e.logger),
		concurrency.WithPool(e.pool))
	if err != nil {
		return nil, err
	}
	e.task = task
	e.logger = task.Logger()
	return e, nil
}

// Task exposes the engine task for lifecycle control and parenting.
func (e *Engine) Task() *concurrency.Task { return e.task.Task }

func (e *Engine) Resource() string { return e.resource }

func (e *Engine) Codecs() []api.Codec { return e.codecs }

// CreateChannel binds a new engine channel to h.
func (e *Engine) CreateChannel(h api.EngineChannelHandler) (api.EngineChannel, error) {
	if h == nil {
		return nil, api.ErrInvalidArgument
	}
	ch := &channel{engine: e, handler: h}
	ch.term = &api.Termination{ID: fmt.Sprintf("%s-%p", e.resource, ch), Name: e.resource, Stream: e.behavior.stream(ch)}
	return ch, nil
}

type channelOp struct {
	ch  *channel
	msg *api.ControlMessage
}

func (e *Engine) post(subtype int, op *channelOp) error {
	if err := e.task.Post(subtype, op); err != nil {
		return fmt.Errorf("%s engine: %w", e.resource, err)
	}
	return nil
}

func (e *Engine) process(msg *api.Message) {
	op := msg.Payload.(*channelOp)
	ch := op.ch
	switch msg.Subtype {
	case msgOpen:
		ch.open = true
		ch.timer = e.task.CreateTimer(e.onTimer, ch)
		ch.handler.OnOpen(api.StatusSuccess)
	case msgClose:
		if ch.open {
			e.behavior.stop(ch)
			ch.timer.Kill()
			ch.active = nil
			ch.open = false
		}
		ch.handler.OnClose()
	case msgRequest:
		if !ch.open {
			ch.handler.OnMessage(op.msg.NewResponse(api.StatusCodeMethodNotValid, api.RequestComplete))
			return
		}
		e.behavior.request(ch, op.msg)
	case msgInput:
		if ch.open && ch.active != nil {
			e.behavior.input(ch)
		}
	default:
		e.logger.Warn("unknown message", "subtype", msg.Subtype)
	}
}

// onTimer completes the in-progress request of a channel.
func (e *Engine) onTimer(_ *concurrency.Timer, v any) {
	ch := v.(*channel)
	if ch.active == nil {
		return
	}
	ch.complete()
}

// channel is one engine channel; its fields belong to the engine goroutine
// unless noted.
type channel struct {
	engine  *Engine
	handler api.EngineChannelHandler
	term    *api.Termination

	open   bool
	timer  *concurrency.Timer
	active *api.ControlMessage
	event  string
	cause  string
	body   string

	out *outStream
	in  *inStream
}

func (c *channel) Open() error { return c.engine.post(msgOpen, &channelOp{ch: c}) }

func (c *channel) Close() error { return c.engine.post(msgClose, &channelOp{ch: c}) }

func (c *channel) ProcessRequest(m *api.ControlMessage) error {
	return c.engine.post(msgRequest, &channelOp{ch: c, msg: m})
}

func (c *channel) Termination() *api.Termination { return c.term }

// start answers m in progress and arms the completion timer.
func (c *channel) start(m *api.ControlMessage, event string, afterMs int64) {
	c.active = m
	c.event = event
	c.cause = ""
	c.body = ""
	c.handler.OnMessage(m.NewResponse(api.StatusCodeSuccess, api.RequestInProgress))
	c.timer.Set(afterMs)
}

// complete raises the completion event of the active request.
func (c *channel) complete() {
	c.engine.behavior.stop(c)
	ev := c.active.NewEvent(c.event, api.RequestComplete)
	if c.cause != "" {
		ev.SetHeader(completionCause, c.cause)
	}
	ev.Body = c.body
	c.active = nil
	c.handler.OnMessage(ev)
}

// stopActive answers a STOP, cancelling whatever is in progress.
func (c *channel) stopActive(m *api.ControlMessage) {
	resp := m.NewResponse(api.StatusCodeSuccess, api.RequestComplete)
	if c.active != nil {
		resp.SetHeader("Active-Request-Id-List", fmt.Sprint(c.active.RequestID))
		c.active = nil
		c.timer.Kill()
		c.engine.behavior.stop(c)
	}
	c.handler.OnMessage(resp)
}

func (c *channel) reject(m *api.ControlMessage, code int) {
	c.handler.OnMessage(m.NewResponse(code, api.RequestComplete))
}
