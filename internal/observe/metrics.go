// Package observe provides application-wide observability primitives for
// haipd: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all haipd metrics.
const meterName = "github.com/haipio/haip"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// HandshakeDuration tracks time from transport accept to the session
	// reaching the open state.
	HandshakeDuration metric.Float64Histogram

	// HeartbeatLatency tracks the PING to PONG round trip per session.
	HeartbeatLatency metric.Float64Histogram

	// ToolExecutionDuration tracks tool handler latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// EnvelopesIn counts accepted inbound envelopes. Use with attributes:
	//   attribute.String("type", ...), attribute.String("channel", ...)
	EnvelopesIn metric.Int64Counter

	// EnvelopesOut counts envelopes written to the peer. Same attribute set
	// as EnvelopesIn.
	EnvelopesOut metric.Int64Counter

	// ProtocolErrors counts ERROR envelopes emitted. Use with attribute:
	//   attribute.String("code", ...)
	ProtocolErrors metric.Int64Counter

	// CreditDenials counts inbound envelopes rejected by flow control. Use
	// with attributes:
	//   attribute.String("channel", ...), attribute.String("reason", ...)
	CreditDenials metric.Int64Counter

	// ReplayedEnvelopes counts envelopes re-delivered for REPLAY_REQUEST.
	ReplayedEnvelopes metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live HAIP sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveTransactions tracks open transactions across all sessions.
	ActiveTransactions metric.Int64UpDownCounter

	// ActiveRuns tracks agent runs currently in the active state.
	ActiveRuns metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for interactive streaming latencies.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.HandshakeDuration, err = m.Float64Histogram("haip.handshake.duration",
		metric.WithDescription("Time from transport accept to session open."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HeartbeatLatency, err = m.Float64Histogram("haip.heartbeat.latency",
		metric.WithDescription("PING to PONG round-trip latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("haip.tool_execution.duration",
		metric.WithDescription("Latency of tool handler execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.EnvelopesIn, err = m.Int64Counter("haip.envelopes.in",
		metric.WithDescription("Accepted inbound envelopes by type and channel."),
	); err != nil {
		return nil, err
	}
	if met.EnvelopesOut, err = m.Int64Counter("haip.envelopes.out",
		metric.WithDescription("Outbound envelopes by type and channel."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("haip.protocol.errors",
		metric.WithDescription("ERROR envelopes emitted by error code."),
	); err != nil {
		return nil, err
	}
	if met.CreditDenials, err = m.Int64Counter("haip.flow.denials",
		metric.WithDescription("Inbound envelopes rejected by flow control, by channel and reason."),
	); err != nil {
		return nil, err
	}
	if met.ReplayedEnvelopes, err = m.Int64Counter("haip.replay.envelopes",
		metric.WithDescription("Envelopes re-delivered in response to REPLAY_REQUEST."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("haip.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("haip.active_sessions",
		metric.WithDescription("Number of live HAIP sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveTransactions, err = m.Int64UpDownCounter("haip.active_transactions",
		metric.WithDescription("Number of open transactions across all sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRuns, err = m.Int64UpDownCounter("haip.active_runs",
		metric.WithDescription("Number of agent runs currently active."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("haip.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordEnvelopeIn records one accepted inbound envelope.
func (m *Metrics) RecordEnvelopeIn(ctx context.Context, typ, channel string) {
	m.EnvelopesIn.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", typ),
			attribute.String("channel", channel),
		),
	)
}

// RecordEnvelopeOut records one envelope written to the peer.
func (m *Metrics) RecordEnvelopeOut(ctx context.Context, typ, channel string) {
	m.EnvelopesOut.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", typ),
			attribute.String("channel", channel),
		),
	)
}

// RecordProtocolError records an emitted ERROR envelope by code.
func (m *Metrics) RecordProtocolError(ctx context.Context, code string) {
	m.ProtocolErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("code", code)),
	)
}

// RecordCreditDenial records an inbound envelope rejected by flow control.
func (m *Metrics) RecordCreditDenial(ctx context.Context, channel, reason string) {
	m.CreditDenials.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("reason", reason),
		),
	)
}

// RecordToolCall records a tool invocation with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordHeartbeatLatency records one PING/PONG round trip.
func (m *Metrics) RecordHeartbeatLatency(ctx context.Context, d time.Duration) {
	m.HeartbeatLatency.Record(ctx, d.Seconds())
}
