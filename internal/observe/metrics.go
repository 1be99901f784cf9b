// Package observe provides application-wide observability primitives for
// mirrorlive: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all mirrorlive metrics.
const meterName = "github.com/MrWong99/mirrorlive"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// ConnectDuration tracks how long opening the live connection took. Use
	// with attribute.String("status", ...).
	ConnectDuration metric.Float64Histogram

	// ChunksSent counts audio chunks delivered to the live service.
	ChunksSent metric.Int64Counter

	// SendErrors counts failed chunk sends. Use with
	// attribute.Bool("closing", ...).
	SendErrors metric.Int64Counter

	// ChunksDropped counts chunks that were never sent. Use with
	// attribute.String("reason", ...).
	ChunksDropped metric.Int64Counter

	// RecordingsActive is 1 while a capture episode runs.
	RecordingsActive metric.Int64UpDownCounter

	// EventsEmitted counts outward notifications. Use with
	// attribute.String("event", ...).
	EventsEmitted metric.Int64Counter

	// TurnsCompleted counts model turns that reached turnComplete.
	TurnsCompleted metric.Int64Counter

	// StateTransitions counts session state changes. Use with
	// attribute.String("from", ...), attribute.String("to", ...).
	StateTransitions metric.Int64Counter

	// Errors counts surfaced errors. Use with attribute.String("kind", ...).
	Errors metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// connectBuckets defines histogram bucket boundaries (in seconds) for
// connection setup.
var connectBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConnectDuration, err = m.Float64Histogram("mirrorlive.connect.duration",
		metric.WithDescription("Latency of opening the live connection."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(connectBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ChunksSent, err = m.Int64Counter("mirrorlive.chunks.sent",
		metric.WithDescription("Total audio chunks sent to the live service."),
	); err != nil {
		return nil, err
	}
	if met.SendErrors, err = m.Int64Counter("mirrorlive.chunks.send_errors",
		metric.WithDescription("Total failed chunk sends."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("mirrorlive.chunks.dropped",
		metric.WithDescription("Total chunks dropped before sending, by reason."),
	); err != nil {
		return nil, err
	}

	if met.RecordingsActive, err = m.Int64UpDownCounter("mirrorlive.recordings.active",
		metric.WithDescription("Number of running capture episodes."),
	); err != nil {
		return nil, err
	}

	if met.EventsEmitted, err = m.Int64Counter("mirrorlive.events.emitted",
		metric.WithDescription("Total notifications emitted to the presentation layer, by event."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCompleted, err = m.Int64Counter("mirrorlive.turns.completed",
		metric.WithDescription("Total completed model turns."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("mirrorlive.session.transitions",
		metric.WithDescription("Total session state transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.Errors, err = m.Int64Counter("mirrorlive.errors",
		metric.WithDescription("Total surfaced errors by kind."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("mirrorlive.http.request.duration",
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

// RecordConnect records one connection attempt.
func (m *Metrics) RecordConnect(ctx context.Context, seconds float64, status string) {
	m.ConnectDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordSendError records a failed chunk send.
func (m *Metrics) RecordSendError(ctx context.Context, closing bool) {
	m.SendErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("closing", closing)),
	)
}

// RecordDrop records a chunk that was dropped before sending.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	m.ChunksDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordEvent records one emitted notification.
func (m *Metrics) RecordEvent(ctx context.Context, event string) {
	m.EventsEmitted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event", event)),
	)
}

// RecordTransition records a session state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordError records a surfaced error.
func (m *Metrics) RecordError(ctx context.Context, kind string) {
	m.Errors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
