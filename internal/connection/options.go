// File: internal/connection/options.go
// Package connection implements the control-channel connection agents: a
// client agent dialing servers and a server agent accepting clients, both
// on a PollerTask multiplexing TCP sockets and request timers.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package connection

import (
	"time"

	"github.com/charmbracelet/log"

	"github.com/momentics/hioload-mrcp/api"
	"github.com/momentics/hioload-mrcp/core/concurrency"
	"github.com/momentics/hioload-mrcp/pool"
)

const (
	defaultMaxConnections = 128
	defaultRequestTimeout = 5 * time.Second
	defaultCloseGrace     = 2 * time.Second
	readBufferSize        = 16 * 1024
)

// Config mirrors the [connection] configuration section.
type Config struct {
	ListenIP         string
	ListenPort       int
	MaxConnections   int
	ReuseConnections bool
	RequestTimeout   time.Duration
	CloseGrace       time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaultMaxConnections
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.CloseGrace < 0 {
		c.CloseGrace = defaultCloseGrace
	}
	return c
}

// Metrics receives connection-level counters.
type Metrics interface {
	RequestTimedOut()
	MessageDropped(reason string)
}

type nopMetrics struct{}

func (nopMetrics) RequestTimedOut() {}
func (nopMetrics) MessageDropped(string) {}

// Option customizes an agent.
type Option func(*options)

type options struct {
	logger  *log.Logger
	pool    api.MessagePool
	metrics Metrics
}

// WithLogger sets the base logger.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPool sets the task message pool.
func WithPool(p api.MessagePool) Option {
	return func(o *options) { o.pool = p }
}

// WithMetrics installs the counter sink.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{metrics: nopMetrics{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) taskOptions(hooks concurrency.Hooks) []concurrency.Option {
	return []concurrency.Option{
		concurrency.WithLogger(o.logger),
		concurrency.WithPool(o.pool),
		concurrency.WithHooks(hooks),
	}
}

func readBuffers() *pool.BytePool { return pool.NewBytePool(readBufferSize) }
