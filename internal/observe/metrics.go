// Package observe provides application-wide observability primitives for
// classbridge: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all classbridge metrics.
const meterName = "github.com/MrWong99/classbridge"

// Suppression reasons for [Metrics.RecordSuppressed].
const (
	ReasonThreshold = "threshold"
	ReasonDebounce  = "debounce"
)

// Outbound statuses for [Metrics.RecordOutbound].
const (
	StatusSent    = "sent"
	StatusDropped = "dropped"
	StatusFailed  = "failed"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Pipeline ---

	// Frames counts frames received from the detection source, including
	// empty ones.
	Frames metric.Int64Counter

	// DetectionsAccepted counts accepted labels. Use with attribute:
	//   attribute.String("label", ...)
	DetectionsAccepted metric.Int64Counter

	// DetectionsSuppressed counts labels dropped by the filter. Use with attribute:
	//   attribute.String("reason", ReasonThreshold|ReasonDebounce)
	DetectionsSuppressed metric.Int64Counter

	// CallbackFailures counts callbacks that returned an error or panicked.
	// Use with attribute:
	//   attribute.String("kind", "class"|"all")
	CallbackFailures metric.Int64Counter

	// CycleDuration tracks the time from filter start to UI enqueue for
	// non-empty frames.
	CycleDuration metric.Float64Histogram

	// --- UI bridge ---

	// ThresholdOverrides counts inbound threshold overrides. Use with attribute:
	//   attribute.String("status", "ok"|"invalid")
	ThresholdOverrides metric.Int64Counter

	// OutboundMessages counts outbound UI messages. Use with attributes:
	//   attribute.String("event", ...), attribute.String("status", StatusSent|StatusDropped|StatusFailed)
	OutboundMessages metric.Int64Counter

	// UIClients tracks the number of connected UI sessions.
	UIClients metric.Int64UpDownCounter

	// --- Sinks ---

	// SinkEvents counts work handed to asynchronous sinks (history, notify).
	// Use with attributes:
	//   attribute.String("sink", ...), attribute.String("status", ...)
	SinkEvents metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for a
// per-frame pipeline pass, which should stay well under a frame interval.
var latencyBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Pipeline.
	if met.Frames, err = m.Int64Counter("classbridge.frames",
		metric.WithDescription("Total frames received from the detection source."),
	); err != nil {
		return nil, err
	}
	if met.DetectionsAccepted, err = m.Int64Counter("classbridge.detections.accepted",
		metric.WithDescription("Total accepted detections by label."),
	); err != nil {
		return nil, err
	}
	if met.DetectionsSuppressed, err = m.Int64Counter("classbridge.detections.suppressed",
		metric.WithDescription("Total labels dropped by the filter, by reason."),
	); err != nil {
		return nil, err
	}
	if met.CallbackFailures, err = m.Int64Counter("classbridge.callback.failures",
		metric.WithDescription("Total failed detection callbacks by kind."),
	); err != nil {
		return nil, err
	}
	if met.CycleDuration, err = m.Float64Histogram("classbridge.cycle.duration",
		metric.WithDescription("Latency of one filter, dispatch and publish pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// UI bridge.
	if met.ThresholdOverrides, err = m.Int64Counter("classbridge.threshold.overrides",
		metric.WithDescription("Total threshold overrides by status."),
	); err != nil {
		return nil, err
	}
	if met.OutboundMessages, err = m.Int64Counter("classbridge.outbound.messages",
		metric.WithDescription("Total outbound UI messages by event and status."),
	); err != nil {
		return nil, err
	}
	if met.UIClients, err = m.Int64UpDownCounter("classbridge.ui.clients",
		metric.WithDescription("Number of connected UI sessions."),
	); err != nil {
		return nil, err
	}

	// Sinks.
	if met.SinkEvents, err = m.Int64Counter("classbridge.sink.events",
		metric.WithDescription("Total sink work items by sink and status."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("classbridge.http.request.duration",
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

// RecordAccepted records one accepted detection for label.
func (m *Metrics) RecordAccepted(ctx context.Context, label string) {
	m.DetectionsAccepted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("label", label)),
	)
}

// RecordSuppressed records n labels dropped for reason.
func (m *Metrics) RecordSuppressed(ctx context.Context, reason string, n int) {
	if n <= 0 {
		return
	}
	m.DetectionsSuppressed.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordCallbackFailure records a failed callback of the given kind.
func (m *Metrics) RecordCallbackFailure(ctx context.Context, kind string) {
	m.CallbackFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordOverride records a threshold override attempt.
func (m *Metrics) RecordOverride(ctx context.Context, ok bool) {
	status := "ok"
	if !ok {
		status = "invalid"
	}
	m.ThresholdOverrides.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordOutbound records the fate of one outbound UI message.
func (m *Metrics) RecordOutbound(ctx context.Context, event, status string) {
	m.OutboundMessages.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("event", event),
			attribute.String("status", status),
		),
	)
}

// RecordSinkEvent records one work item handled by an asynchronous sink.
func (m *Metrics) RecordSinkEvent(ctx context.Context, sink, status string) {
	m.SinkEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("sink", sink),
			attribute.String("status", status),
		),
	)
}
