// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime diagnostics: OpenTelemetry counters for negotiation legs, resolutions,
// connection and media events, plus invariant-violation span events. A local
// atomic mirror backs Snapshot for tests and debug probes.

package control

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/momentics/hioload-mrcp/api"
)

const instrumentationName = "github.com/momentics/hioload-mrcp"

// Metrics implements the session diagnostics contract and the transport
// counters. Safe for concurrent use.
type Metrics struct {
	tracer trace.Tracer

	legsIssued      metric.Int64Counter
	legsCompleted   metric.Int64Counter
	resolved        metric.Int64Counter
	violations      metric.Int64Counter
	requestTimeouts metric.Int64Counter
	dropped         metric.Int64Counter
	rtpPackets      metric.Int64Counter

	local struct {
		legsIssued      atomic.Int64
		legsCompleted   atomic.Int64
		resolved        atomic.Int64
		failed          atomic.Int64
		violations      atomic.Int64
		requestTimeouts atomic.Int64
		dropped         atomic.Int64
		rtpIn           atomic.Int64
		rtpOut          atomic.Int64
	}
}

// MetricsOption customizes NewMetrics.
type MetricsOption func(*metricsOptions)

type metricsOptions struct {
	meters  metric.MeterProvider
	tracers trace.TracerProvider
}

// WithMeterProvider overrides the global MeterProvider.
func WithMeterProvider(mp metric.MeterProvider) MetricsOption {
	return func(o *metricsOptions) { o.meters = mp }
}

// WithTracerProvider overrides the global TracerProvider.
func WithTracerProvider(tp trace.TracerProvider) MetricsOption {
	return func(o *metricsOptions) { o.tracers = tp }
}

// NewMetrics registers the instruments. Without options the global providers
// are used, which are no-ops unless the embedding program installs real ones.
func NewMetrics(opts ...MetricsOption) (*Metrics, error) {
	o := metricsOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.meters == nil {
		o.meters = otel.GetMeterProvider()
	}
	if o.tracers == nil {
		o.tracers = otel.GetTracerProvider()
	}
	meter := o.meters.Meter(instrumentationName)
	m := &Metrics{tracer: o.tracers.Tracer(instrumentationName)}

	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.legsIssued, "mrcp.session.legs_issued", "Sub-requests issued by session negotiations."},
		{&m.legsCompleted, "mrcp.session.legs_completed", "Sub-request completions accounted by session negotiations."},
		{&m.resolved, "mrcp.session.negotiations_resolved", "Negotiations resolved, by outward status."},
		{&m.violations, "mrcp.session.invariant_violations", "Leg counter invariant violations recovered by reset."},
		{&m.requestTimeouts, "mrcp.connection.request_timeouts", "Control requests answered by a synthetic timeout response."},
		{&m.dropped, "mrcp.connection.dropped_messages", "Inbound control messages dropped for lack of a correlation."},
		{&m.rtpPackets, "mrcp.media.rtp_packets", "RTP packets handled by the media engine, by direction."},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// LegIssued counts one issued leg.
func (m *Metrics) LegIssued() {
	m.legsIssued.Add(context.Background(), 1)
	m.local.legsIssued.Add(1)
}

// LegCompleted counts one settled leg.
func (m *Metrics) LegCompleted() {
	m.legsCompleted.Add(context.Background(), 1)
	m.local.legsCompleted.Add(1)
}

// Resolved counts one negotiation outcome.
func (m *Metrics) Resolved(status api.Status) {
	m.resolved.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status.String())))
	m.local.resolved.Add(1)
	if status != api.StatusSuccess {
		m.local.failed.Add(1)
	}
}

// InvariantViolation counts the violation and records it as a span event.
func (m *Metrics) InvariantViolation(kind, sessionID string) {
	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", kind),
		attribute.String("severity", "error"),
		attribute.String("session_id", sessionID),
	}
	m.violations.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
	m.local.violations.Add(1)

	_, span := m.tracer.Start(context.Background(), "session.invariant")
	span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
	span.End()
}

// RequestTimedOut counts a synthetic timeout response.
func (m *Metrics) RequestTimedOut() {
	m.requestTimeouts.Add(context.Background(), 1)
	m.local.requestTimeouts.Add(1)
}

// MessageDropped counts an inbound message with no correlation.
func (m *Metrics) MessageDropped(reason string) {
	m.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.local.dropped.Add(1)
}

// RTPPacket counts one packet; inbound selects the direction attribute.
func (m *Metrics) RTPPacket(inbound bool) {
	dir := "out"
	if inbound {
		dir = "in"
		m.local.rtpIn.Add(1)
	} else {
		m.local.rtpOut.Add(1)
	}
	m.rtpPackets.Add(context.Background(), 1, metric.WithAttributes(attribute.String("direction", dir)))
}

// Violations returns the number of invariant violations seen so far.
func (m *Metrics) Violations() int64 { return m.local.violations.Load() }

// Snapshot returns the local mirror of every counter.
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"session.legs_issued":         m.local.legsIssued.Load(),
		"session.legs_completed":      m.local.legsCompleted.Load(),
		"session.resolved":            m.local.resolved.Load(),
		"session.failed":              m.local.failed.Load(),
		"session.invariant_violations": m.local.violations.Load(),
		"connection.request_timeouts": m.local.requestTimeouts.Load(),
		"connection.dropped_messages": m.local.dropped.Load(),
		"media.rtp_in":                m.local.rtpIn.Load(),
		"media.rtp_out":               m.local.rtpOut.Load(),
	}
}
