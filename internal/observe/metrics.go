// Package observe provides the brain's OpenTelemetry metrics, exported via
// a Prometheus bridge so the existing /metrics scraping convention keeps
// working.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all brain metrics.
const meterName = "github.com/relaywire/brain"

// Metrics holds all OpenTelemetry metric instruments the brain records
// against. Names match the vocabulary in SPEC_FULL.md §6/§7. All fields are
// safe for concurrent use — the underlying OTel types handle their own
// synchronisation.
type Metrics struct {
	// --- Inbound ---

	// InboundBadSchema counts inbound frames whose interaction_type was
	// absent or unrecognized.
	InboundBadSchema metric.Int64Counter

	// InboundQueueEvictions counts inbound frames evicted from the bounded
	// inbound queue. Use with attribute: attribute.String("class", ...)
	InboundQueueEvictions metric.Int64Counter

	// --- Outbound ---

	// OutboundQueueEvictions counts outbound frames evicted from the
	// bounded outbound queue. Use with attribute: attribute.String("class", ...)
	OutboundQueueEvictions metric.Int64Counter

	// StaleSegmentDropped counts outbound frames the writer dropped for
	// carrying a superseded turn epoch or speak_gen.
	StaleSegmentDropped metric.Int64Counter

	// --- WebSocket transport ---

	// WSWriteAttempt counts attempted frame writes. Use with attribute:
	//   attribute.String("class", ...)
	WSWriteAttempt metric.Int64Counter

	// WSWriteTimeout counts writes that exceeded the write deadline.
	WSWriteTimeout metric.Int64Counter

	// WSCloseReason counts session closes. Use with attribute:
	//   attribute.String("reason", ...)
	WSCloseReason metric.Int64Counter

	// --- Keepalive ---

	PingPongWriteAttempt   metric.Int64Counter
	PingPongWriteTimeout   metric.Int64Counter
	PingPongMissedDeadline metric.Int64Counter
	PingPongQueueDelay     metric.Float64Histogram

	// --- Transcript memory ---

	TranscriptCompactions metric.Int64Counter

	// --- Turn latency ---

	TurnDuration metric.Float64Histogram

	// --- Gauges ---

	// ActiveSessions tracks the number of live call sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP surface (/healthz, /metrics) ---

	// HTTPRequestDuration tracks HTTP request processing time for the
	// brain's own admin surface. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// delayBuckets bounds keepalive.ping_pong_queue_delay_ms (milliseconds).
var delayBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

// turnBuckets bounds turn.duration (seconds).
var turnBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.InboundBadSchema, err = m.Int64Counter("inbound.bad_schema_total",
		metric.WithDescription("Inbound frames whose interaction_type was absent or unrecognized."),
	); err != nil {
		return nil, err
	}
	if met.InboundQueueEvictions, err = m.Int64Counter("inbound.queue_evictions_total",
		metric.WithDescription("Inbound frames evicted from the bounded inbound queue, by class."),
	); err != nil {
		return nil, err
	}
	if met.OutboundQueueEvictions, err = m.Int64Counter("outbound.queue_evictions_total",
		metric.WithDescription("Outbound frames evicted from the bounded outbound queue, by class."),
	); err != nil {
		return nil, err
	}
	if met.StaleSegmentDropped, err = m.Int64Counter("stale_segment_dropped_total",
		metric.WithDescription("Outbound frames dropped by the writer for carrying a superseded epoch."),
	); err != nil {
		return nil, err
	}
	if met.WSWriteAttempt, err = m.Int64Counter("ws.write_attempt_total",
		metric.WithDescription("Attempted WebSocket frame writes, by class."),
	); err != nil {
		return nil, err
	}
	if met.WSWriteTimeout, err = m.Int64Counter("ws.write_timeout_total",
		metric.WithDescription("WebSocket frame writes that exceeded the write deadline, by class."),
	); err != nil {
		return nil, err
	}
	if met.WSCloseReason, err = m.Int64Counter("ws_close_reason_total",
		metric.WithDescription("Session closes, by CloseReason."),
	); err != nil {
		return nil, err
	}
	if met.PingPongWriteAttempt, err = m.Int64Counter("keepalive.ping_pong_write_attempt_total",
		metric.WithDescription("Ping/pong frame writes attempted."),
	); err != nil {
		return nil, err
	}
	if met.PingPongWriteTimeout, err = m.Int64Counter("keepalive.ping_pong_write_timeout_total",
		metric.WithDescription("Ping/pong frame writes that exceeded the write deadline."),
	); err != nil {
		return nil, err
	}
	if met.PingPongMissedDeadline, err = m.Int64Counter("keepalive.ping_pong_missed_deadline_total",
		metric.WithDescription("Ping intervals in which no pong arrived before the next ping."),
	); err != nil {
		return nil, err
	}
	if met.PingPongQueueDelay, err = m.Float64Histogram("keepalive.ping_pong_queue_delay_ms",
		metric.WithDescription("Round-trip delay between an outbound ping and its pong."),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(delayBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptCompactions, err = m.Int64Counter("memory.transcript_compactions_total",
		metric.WithDescription("Transcript ring compactions triggered by exceeding a configured bound."),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("turn.duration",
		metric.WithDescription("Wall-clock time from response_required/reminder_required to the turn's terminal frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(turnBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("sessions.active",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("http.request.duration",
		metric.WithDescription("HTTP request latency on the brain's own admin surface, by method and path."),
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

// RecordInboundEviction increments InboundQueueEvictions for class.
func (m *Metrics) RecordInboundEviction(ctx context.Context, class string) {
	m.InboundQueueEvictions.Add(ctx, 1, metric.WithAttributes(Attr("class", class)))
}

// RecordOutboundEviction increments OutboundQueueEvictions for class.
func (m *Metrics) RecordOutboundEviction(ctx context.Context, class string) {
	m.OutboundQueueEvictions.Add(ctx, 1, metric.WithAttributes(Attr("class", class)))
}

// RecordStaleDropped increments StaleSegmentDropped for class.
func (m *Metrics) RecordStaleDropped(ctx context.Context, class string) {
	m.StaleSegmentDropped.Add(ctx, 1, metric.WithAttributes(Attr("class", class)))
}

// RecordWriteAttempt increments WSWriteAttempt, and additionally
// PingPongWriteAttempt when isPing.
func (m *Metrics) RecordWriteAttempt(ctx context.Context, class string, isPing bool) {
	m.WSWriteAttempt.Add(ctx, 1, metric.WithAttributes(Attr("class", class)))
	if isPing {
		m.PingPongWriteAttempt.Add(ctx, 1)
	}
}

// RecordWriteTimeout increments WSWriteTimeout, and additionally
// PingPongWriteTimeout when isPing.
func (m *Metrics) RecordWriteTimeout(ctx context.Context, class string, isPing bool) {
	m.WSWriteTimeout.Add(ctx, 1, metric.WithAttributes(Attr("class", class)))
	if isPing {
		m.PingPongWriteTimeout.Add(ctx, 1)
	}
}

// RecordClose increments WSCloseReason for reason.
func (m *Metrics) RecordClose(ctx context.Context, reason string) {
	m.WSCloseReason.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordMissedPing increments PingPongMissedDeadline.
func (m *Metrics) RecordMissedPing(ctx context.Context) {
	m.PingPongMissedDeadline.Add(ctx, 1)
}

// RecordPingDelay records a round-trip delay in milliseconds.
func (m *Metrics) RecordPingDelay(ctx context.Context, ms float64) {
	m.PingPongQueueDelay.Record(ctx, ms)
}

// RecordCompaction increments TranscriptCompactions.
func (m *Metrics) RecordCompaction(ctx context.Context) {
	m.TranscriptCompactions.Add(ctx, 1)
}

// RecordTurnDuration records how long a turn took, in seconds.
func (m *Metrics) RecordTurnDuration(ctx context.Context, seconds float64) {
	m.TurnDuration.Record(ctx, seconds)
}
