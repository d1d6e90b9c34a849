// File: facade/stack.go
// Package facade assembles a complete client and server stack in one process.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stack owns a root task whose children are the collaborators (loopback
// signaling, control connection agents, media engines, resource engines) and
// the two stacks built on them. Starting the root starts the tree; stopping it
// terminates every child before Stop returns. Configuration comes from
// control.Config, diagnostics go to control.Metrics and every component
// registers a probe with control.DebugProbes.

package facade

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/momentics/hioload-mrcp/api"
	"github.com/momentics/hioload-mrcp/client"
	"github.com/momentics/hioload-mrcp/control"
	"github.com/momentics/hioload-mrcp/core/concurrency"
	"github.com/momentics/hioload-mrcp/internal/connection"
	"github.com/momentics/hioload-mrcp/internal/engine"
	"github.com/momentics/hioload-mrcp/internal/logging"
	"github.com/momentics/hioload-mrcp/internal/media"
	"github.com/momentics/hioload-mrcp/internal/signaling"
	"github.com/momentics/hioload-mrcp/pool"
	"github.com/momentics/hioload-mrcp/server"
)

// Option customizes New.
type Option func(*Stack)

// WithLogger replaces the logger built from the [log] section.
func WithLogger(l *log.Logger) Option {
	return func(s *Stack) { s.logger = l }
}

// WithMetrics installs a caller-owned metrics sink.
func WithMetrics(m *control.Metrics) Option {
	return func(s *Stack) { s.metrics = m }
}

// Stack aggregates every component of an in-process deployment.
type Stack struct {
	cfg     *control.Config
	logger  *log.Logger
	pool    api.MessagePool
	metrics *control.Metrics
	probes  *control.DebugProbes

	root       *concurrency.ConsumerTask
	signaling  *signaling.Loopback
	serverConn *connection.ServerAgent
	clientConn *connection.ClientAgent
	serverRTP  *media.Engine
	clientRTP  *media.Engine
	engines    []*engine.Engine
	server     *server.Stack
	client     *client.Stack

	mu      sync.Mutex
	started bool
}

// New wires the stack from cfg. Nothing runs until Start.
func New(cfg *control.Config, opts ...Option) (*Stack, error) {
	if cfg == nil {
		cfg = control.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Stack{cfg: cfg, probes: control.NewDebugProbes()}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		l, err := logging.New(os.Stderr, logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
		if err != nil {
			return nil, err
		}
		s.logger = l
	}
	if s.metrics == nil {
		m, err := control.NewMetrics()
		if err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		s.metrics = m
	}
	s.pool = pool.New(cfg.Pool.Kind, cfg.Pool.Size)
	s.root = concurrency.NewConsumerTask("mrcp", s.process,
		concurrency.WithLogger(s.logger),
		concurrency.WithPool(s.pool))

	if err := s.build(); err != nil {
		return nil, err
	}
	s.registerProbes()
	return s, nil
}

func (s *Stack) build() error {
	cfg := s.cfg
	taskOpts := []concurrency.Option{concurrency.WithLogger(s.logger), concurrency.WithPool(s.pool)}
	// engines first: a bad resource name must fail before the listener binds
	resources := make([]api.ResourceEngine, 0, len(cfg.Server.Resources))
	for _, name := range cfg.Server.Resources {
		e, err := engine.New(name,
			engine.WithLogger(s.logger),
			engine.WithPool(s.pool),
			engine.WithPTime(cfg.Media.PTime))
		if err != nil {
			return fmt.Errorf("server.resources: %w", err)
		}
		s.engines = append(s.engines, e)
		resources = append(resources, e)
	}

	s.signaling = signaling.NewLoopback("signaling", taskOpts...)

	connCfg := connection.Config{
		ListenIP:         cfg.Connection.ListenIP,
		ListenPort:       cfg.Connection.ListenPort,
		MaxConnections:   cfg.Connection.MaxConnections,
		ReuseConnections: cfg.Connection.ReuseConnections,
		RequestTimeout:   cfg.Connection.RequestTimeout,
		CloseGrace:       cfg.Connection.CloseGrace,
	}
	connOpts := []connection.Option{
		connection.WithLogger(s.logger),
		connection.WithPool(s.pool),
		connection.WithMetrics(s.metrics),
	}
	var err error
	if s.serverConn, err = connection.NewServerAgent("server-connection", connCfg, connOpts...); err != nil {
		return fmt.Errorf("server connection agent: %w", err)
	}
	if s.clientConn, err = connection.NewClientAgent("client-connection", connCfg, connOpts...); err != nil {
		return fmt.Errorf("client connection agent: %w", err)
	}

	mediaCfg := media.Config{
		RTPIP:           cfg.Media.RTPIP,
		PortMin:         cfg.Media.RTPPortMin,
		PortMax:         cfg.Media.RTPPortMax,
		PTime:           cfg.Media.PTime,
		MaxTerminations: cfg.Media.MaxTerminations,
	}
	mediaOpts := []media.Option{
		media.WithLogger(s.logger),
		media.WithPool(s.pool),
		media.WithMetrics(s.metrics),
		media.WithCPU(cfg.Media.CPU),
	}
	if s.serverRTP, err = media.NewEngine("server-media", mediaCfg, mediaOpts...); err != nil {
		return fmt.Errorf("server media engine: %w", err)
	}
	if s.clientRTP, err = media.NewEngine("client-media", mediaCfg, mediaOpts...); err != nil {
		return fmt.Errorf("client media engine: %w", err)
	}

	s.server, err = server.NewStack("server", &server.Profile{
		Name:       "server",
		IP:         cfg.Connection.ListenIP,
		Signaling:  s.signaling,
		Connection: s.serverConn,
		Media:      s.serverRTP,
		Engines:    resources,
	},
		server.WithLogger(s.logger),
		server.WithPool(s.pool),
		server.WithDiagnostics(s.metrics),
		server.WithMaxSessions(cfg.Server.MaxSessions))
	if err != nil {
		return fmt.Errorf("server stack: %w", err)
	}
	s.client = client.NewStack("client",
		client.WithLogger(s.logger),
		client.WithPool(s.pool),
		client.WithDiagnostics(s.metrics),
		client.WithMaxSessions(cfg.Client.MaxSessions))

	// collaborators first so they are running before the stacks use them
	children := []*concurrency.Task{
		s.signaling.Task(),
		s.serverConn.Task(),
		s.clientConn.Task(),
		s.serverRTP.Task(),
		s.clientRTP.Task(),
	}
	for _, e := range s.engines {
		children = append(children, e.Task())
	}
	children = append(children, s.server.Task(), s.client.Task())
	for _, child := range children {
		if err := s.root.AddChild(child); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stack) registerProbes() {
	s.probes.RegisterProbe("client.sessions", func() any { return s.client.Sessions() })
	s.probes.RegisterProbe("server.sessions", func() any { return s.server.Sessions() })
	s.probes.RegisterProbe("server.resources", func() any { return s.server.Resources() })
	s.probes.RegisterProbe("signaling.pairs", func() any { return s.signaling.Sessions() })
	s.probes.RegisterProbe("connection.client", func() any { return s.clientConn.Connections() })
	s.probes.RegisterProbe("connection.server", func() any { return s.serverConn.Connections() })
	s.probes.RegisterProbe("connection.listen", func() any { return s.serverConn.Addr().String() })
	s.probes.RegisterProbe("media.client.terminations", func() any { return s.clientRTP.Terminations() })
	s.probes.RegisterProbe("media.server.terminations", func() any { return s.serverRTP.Terminations() })
	s.probes.RegisterProbe("task.state", func() any { return s.root.State().String() })
	s.probes.RegisterMap("metrics", s.metrics.Snapshot)
}

// process handles user messages addressed to the root; children report
// lifecycle through core messages handled by the task itself.
func (s *Stack) process(msg *api.Message) {
	s.root.Logger().Warn("unexpected message", "subtype", msg.Subtype, "from", msg.Sender)
}

// Start runs the task tree and blocks until every child is running.
func (s *Stack) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if err := s.root.Start(); err != nil {
		return err
	}
	select {
	case <-s.root.Running():
	case <-ctx.Done():
		_ = s.root.Terminate(true)
		return ctx.Err()
	}
	s.started = true
	s.root.Logger().Info("stack running", "listen", s.serverConn.Addr().String(), "resources", s.server.Resources())
	return nil
}

// Stop terminates the task tree and waits for it. Stopping an idle stack
// is a no-op.
func (s *Stack) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	return s.root.Terminate(true)
}

// Watch applies reloaded configuration. Only the log level is live; other
// sections take effect on the next New.
func (s *Stack) Watch(r *control.Reloader) {
	r.OnReload(func(cfg *control.Config) {
		level, err := logging.ParseLevel(cfg.Log.Level)
		if err != nil {
			s.logger.Warn("reload ignored", "err", err)
			return
		}
		s.logger.SetLevel(level)
		s.logger.Info("log level reloaded", "level", level.String())
	})
}

// ClientProfile binds a client session to this stack's collaborators.
func (s *Stack) ClientProfile() *client.Profile {
	var codecs []api.Codec
	if len(s.engines) > 0 {
		codecs = s.engines[0].Codecs()
	}
	return &client.Profile{
		Name:       "loopback",
		LocalIP:    s.cfg.Media.RTPIP,
		Signaling:  s.signaling,
		Connection: s.clientConn,
		Media:      s.clientRTP,
		Codecs:     codecs,
		PTime:      s.cfg.Media.PTime,
	}
}

// Disconnect drops the signaling link under every open session.
func (s *Stack) Disconnect() { s.signaling.Disconnect() }

func (s *Stack) Task() *concurrency.Task { return s.root.Task }

func (s *Stack) Client() *client.Stack { return s.client }

func (s *Stack) Server() *server.Stack { return s.server }

func (s *Stack) Config() *control.Config { return s.cfg }

func (s *Stack) Logger() *log.Logger { return s.logger }

func (s *Stack) Metrics() *control.Metrics { return s.metrics }

func (s *Stack) Probes() *control.DebugProbes { return s.probes }

// DumpState evaluates every debug probe.
func (s *Stack) DumpState() map[string]any { return s.probes.DumpState() }

// ListenAddr returns the bound control listener address.
func (s *Stack) ListenAddr() string { return s.serverConn.Addr().String() }
