// File: internal/media/engine.go
// Package media implements the media engine: RTP terminations on UDP sockets,
// engine-side audio stream terminations, associations between them and a
// per-context topology that paces outbound frames every ptime.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Requests are posted to the engine PollerTask and answered on its goroutine
// through the context handler. RTP sockets and ptime timers live on the same
// goroutine, so termination state needs no locking.

package media

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/momentics/hioload-mrcp/api"
	"github.com/momentics/hioload-mrcp/core/concurrency"
	"github.com/momentics/hioload-mrcp/internal/transport"
	"github.com/momentics/hioload-mrcp/pool"
	"github.com/momentics/hioload-mrcp/reactor"
)

const (
	msgRequest = iota + 1

	defaultPTime           = 20
	defaultMaxTerminations = 256
	datagramSize           = 1500
)

// ErrNoPorts is reported when the RTP port range is exhausted.
var ErrNoPorts = errors.New("media: no free rtp port")

// Config mirrors the [media] configuration section. PortMin 0 binds
// ephemeral ports.
type Config struct {
	RTPIP           string
	PortMin         int
	PortMax         int
	PTime           int
	MaxTerminations int
}

// Metrics receives per-packet counters.
type Metrics interface {
	RTPPacket(inbound bool)
}

type nopMetrics struct{}

func (nopMetrics) RTPPacket(bool) {}

// Option customizes the engine.
type Option func(*Engine)

// WithLogger sets the base logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithPool sets the task message pool.
func WithPool(p api.MessagePool) Option {
	return func(e *Engine) { e.pool = p }
}

// WithCPU pins the engine goroutine, which paces every outbound stream.
func WithCPU(cpu int) Option {
	return func(e *Engine) { e.cpu = cpu }
}

// WithMetrics installs the counter sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// Engine implements api.MediaEngine.
type Engine struct {
	task    *concurrency.PollerTask
	cfg     Config
	logger  *log.Logger
	pool    api.MessagePool
	metrics Metrics
	frames  *pool.BytePool
	active  atomic.Int64
	cpu     int

	// engine goroutine only
	contexts map[*api.MediaContext]*mediaContext
	nextPort int
}

// NewEngine creates an idle media engine.
func NewEngine(name string, cfg Config, opts ...Option) (*Engine, error) {
	if cfg.PTime <= 0 {
		cfg.PTime = defaultPTime
	}
	if cfg.MaxTerminations <= 0 {
		cfg.MaxTerminations = defaultMaxTerminations
	}
	if cfg.PortMin > 0 && cfg.PortMax < cfg.PortMin {
		return nil, fmt.Errorf("rtp port range %d-%d: %w", cfg.PortMin, cfg.PortMax, api.ErrInvalidArgument)
	}
	e := &Engine{
		cfg:      cfg,
		metrics:  nopMetrics{},
		frames:   pool.NewBytePool(datagramSize),
		contexts: make(map[*api.MediaContext]*mediaContext),
		nextPort: cfg.PortMin,
		cpu:      -1,
	}
	for _, opt := range opts {
		opt(e)
	}
	task, err := concurrency.NewPollerTask(name, cfg.MaxTerminations, e.process, e.onIO,
		concurrency.WithLogger(e.logger),
		concurrency.WithPool(e.pool),
		concurrency.WithCPU(e.cpu),
		concurrency.WithHooks(concurrency.Hooks{OnPostRun: func(*concurrency.Task) { e.releaseAll() }}))
	if err != nil {
		return nil, err
	}
	e.task = task
	e.logger = task.Logger()
	return e, nil
}

// Task exposes the engine task for lifecycle control and parenting.
func (e *Engine) Task() *concurrency.Task { return e.task.Task }

// Terminations returns the number of RTP terminations holding a socket.
func (e *Engine) Terminations() int { return int(e.active.Load()) }

// CreateContext returns a context whose responses go to h.
func (e *Engine) CreateContext(name string, h api.MediaEventHandler) *api.MediaContext {
	return &api.MediaContext{ID: name, Handler: h}
}

// CreateRTPTermination returns a network-facing termination.
func (e *Engine) CreateRTPTermination(name string) *api.Termination {
	return &api.Termination{ID: uuid.NewString(), Name: name}
}

// Request queues req; the response arrives on req.Context.Handler.
func (e *Engine) Request(req *api.MediaRequest) error {
	if req == nil || req.Context == nil || req.Context.Handler == nil || req.Termination == nil {
		return api.ErrInvalidArgument
	}
	if err := e.task.Post(msgRequest, req); err != nil {
		return fmt.Errorf("media engine: %w", err)
	}
	return nil
}

func (e *Engine) process(msg *api.Message) {
	if msg.Subtype != msgRequest {
		e.logger.Warn("unknown message", "subtype", msg.Subtype)
		return
	}
	req := msg.Payload.(*api.MediaRequest)
	resp := &api.MediaResponse{
		Command:     req.Command,
		Context:     req.Context,
		Termination: req.Termination,
		Status:      api.StatusSuccess,
	}
	ctx := e.context(req.Context)
	var err error
	switch req.Command {
	case api.MediaAdd:
		resp.Descriptor, err = e.add(ctx, req)
	case api.MediaModify:
		resp.Descriptor, err = e.modify(ctx, req)
	case api.MediaSubtract:
		err = e.subtract(ctx, req.Termination)
	case api.MediaAddAssociation:
		err = ctx.associate(req.Termination, req.Associated)
	case api.MediaRemoveAssociation:
		ctx.dissociate(req.Termination, req.Associated)
	case api.MediaApplyTopology:
		e.applyTopology(ctx)
	case api.MediaDestroyTopology:
		ctx.stop()
	default:
		err = api.ErrNotSupported
	}
	if err != nil {
		e.logger.Warn("media request failed", "context", req.Context.ID, "command", req.Command.String(), "err", err)
		resp.Status = api.StatusFailure
	}
	if ctx.empty() {
		ctx.stop()
		delete(e.contexts, req.Context)
	}
	req.Context.Handler.OnMediaResponse(resp)
}

func (e *Engine) context(mc *api.MediaContext) *mediaContext {
	ctx, ok := e.contexts[mc]
	if !ok {
		ctx = newMediaContext(mc)
		ctx.timer = e.task.CreateTimer(e.onPTime, ctx)
		e.contexts[mc] = ctx
	}
	return ctx
}

func (e *Engine) add(ctx *mediaContext, req *api.MediaRequest) (*api.RTPTerminationDescriptor, error) {
	t := req.Termination
	if _, ok := ctx.terms[t]; ok {
		return nil, fmt.Errorf("termination %s: %w", t.ID, api.ErrAlreadyExists)
	}
	if !t.IsRTP() {
		ctx.terms[t] = &termination{term: t}
		return nil, nil
	}
	fd, bound, err := e.bind()
	if err != nil {
		return nil, err
	}
	rt := newRTPTermination(t, fd)
	if err := e.task.AddDescriptor(rt.desc); err != nil {
		_ = transport.Close(fd)
		return nil, err
	}
	e.active.Add(1)
	local := &api.RTPMediaDescriptor{Mode: api.ModeSendReceive, PTime: e.cfg.PTime, Enabled: true}
	if req.Descriptor != nil && req.Descriptor.Local != nil {
		local = req.Descriptor.Local.Clone()
	}
	local.IP = bound.Host()
	local.Port = bound.Port
	if local.PTime == 0 {
		local.PTime = e.cfg.PTime
	}
	rt.local = local
	if req.Descriptor != nil {
		rt.setRemote(req.Descriptor.Remote)
	}
	ctx.terms[t] = &termination{term: t, rtp: rt}
	e.logger.Debug("rtp termination added", "context", ctx.mc.ID, "termination", t.ID, "port", bound.Port)
	return rt.descriptor(), nil
}

// bind walks the configured range in even steps from where it last stopped.
func (e *Engine) bind() (int, transport.Addr, error) {
	if e.cfg.PortMin == 0 {
		a, err := transport.ParseAddr(e.cfg.RTPIP, 0)
		if err != nil {
			return -1, transport.Addr{}, err
		}
		return transport.BindUDP(a)
	}
	span := (e.cfg.PortMax-e.cfg.PortMin)/2 + 1
	for i := 0; i < span; i++ {
		port := e.nextPort
		e.nextPort += 2
		if e.nextPort > e.cfg.PortMax {
			e.nextPort = e.cfg.PortMin
		}
		a, err := transport.ParseAddr(e.cfg.RTPIP, port)
		if err != nil {
			return -1, transport.Addr{}, err
		}
		fd, bound, err := transport.BindUDP(a)
		if err == nil {
			return fd, bound, nil
		}
	}
	return -1, transport.Addr{}, ErrNoPorts
}

func (e *Engine) modify(ctx *mediaContext, req *api.MediaRequest) (*api.RTPTerminationDescriptor, error) {
	tm, ok := ctx.terms[req.Termination]
	if !ok {
		return nil, fmt.Errorf("termination %s: %w", req.Termination.ID, api.ErrNotFound)
	}
	if tm.rtp == nil {
		return nil, nil
	}
	if req.Descriptor != nil {
		if l := req.Descriptor.Local; l != nil {
			tm.rtp.local.Mode = l.Mode
			tm.rtp.local.Codecs = append([]api.Codec(nil), l.Codecs...)
		}
		tm.rtp.setRemote(req.Descriptor.Remote)
	}
	return tm.rtp.descriptor(), nil
}

func (e *Engine) subtract(ctx *mediaContext, t *api.Termination) error {
	tm, ok := ctx.terms[t]
	if !ok {
		return fmt.Errorf("termination %s: %w", t.ID, api.ErrNotFound)
	}
	ctx.drop(t)
	if tm.rtp != nil {
		e.closeRTP(tm.rtp)
	}
	return nil
}

func (e *Engine) closeRTP(rt *rtpTermination) {
	if err := e.task.RemoveDescriptor(rt.desc); err != nil && !errors.Is(err, api.ErrNotFound) {
		e.logger.Warn("rtp descriptor removal failed", "termination", rt.term.ID, "err", err)
	}
	if err := transport.Close(rt.desc.Fd); err != nil {
		e.logger.Warn("rtp socket close failed", "termination", rt.term.ID, "err", err)
	}
	e.active.Add(-1)
}

// applyTopology starts pacing when some association feeds an RTP peer.
func (e *Engine) applyTopology(ctx *mediaContext) {
	ctx.applied = true
	if ctx.outbound() {
		if !ctx.timer.Armed() {
			ctx.timer.Set(int64(e.cfg.PTime))
		}
		return
	}
	ctx.timer.Kill()
}

func (e *Engine) onPTime(_ *concurrency.Timer, v any) {
	ctx := v.(*mediaContext)
	if !ctx.applied {
		return
	}
	frame := e.frames.GetBuffer()
	for _, b := range ctx.bridges() {
		if b.stream.Mode()&api.ModeSend == 0 || !b.rtp.canSend() {
			continue
		}
		payload := frame[:b.rtp.frameSize()]
		if !b.stream.ReadFrame(payload) {
			continue
		}
		if err := b.rtp.send(payload); err != nil {
			e.logger.Debug("rtp send failed", "termination", b.rtp.term.ID, "err", err)
			continue
		}
		e.metrics.RTPPacket(false)
	}
	e.frames.PutBuffer(frame)
	if ctx.outbound() {
		ctx.timer.Set(int64(e.cfg.PTime))
	}
}

func (e *Engine) onIO(d *reactor.Descriptor) {
	rt := d.Data.(*rtpTermination)
	buf := e.frames.GetBuffer()
	defer e.frames.PutBuffer(buf)
	for {
		payload, err := rt.receive(buf)
		if errors.Is(err, transport.ErrWouldBlock) {
			return
		}
		if err != nil {
			e.logger.Debug("rtp receive failed", "termination", rt.term.ID, "err", err)
			return
		}
		e.metrics.RTPPacket(true)
		if rt.sink != nil && rt.sink.Mode()&api.ModeReceive != 0 {
			rt.sink.WriteFrame(payload)
		}
	}
}

func (e *Engine) releaseAll() {
	for mc, ctx := range e.contexts {
		for _, tm := range ctx.terms {
			if tm.rtp != nil {
				e.closeRTP(tm.rtp)
			}
		}
		delete(e.contexts, mc)
	}
}
