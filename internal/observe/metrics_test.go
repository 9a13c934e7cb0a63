package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestCycleDurationHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.CycleDuration.Record(ctx, 0.0012)
	m.CycleDuration.Record(ctx, 0.0003)

	rm := collect(t, reader)
	met := findMetric(rm, "classbridge.cycle.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 2 {
		t.Errorf("sample count = %d, want 2", got)
	}
}

// sumFor returns the value of the data point of the named counter whose
// attribute key equals value.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) (int64, bool) {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value, true
			}
		}
	}
	return 0, false
}

func TestRecordHelpers(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAccepted(ctx, "person")
	m.RecordAccepted(ctx, "person")
	m.RecordAccepted(ctx, "cat")
	m.RecordSuppressed(ctx, ReasonThreshold, 3)
	m.RecordSuppressed(ctx, ReasonDebounce, 1)
	m.RecordSuppressed(ctx, ReasonDebounce, 0)
	m.RecordCallbackFailure(ctx, "class")
	m.RecordOverride(ctx, true)
	m.RecordOverride(ctx, false)
	m.RecordOverride(ctx, false)
	m.RecordOutbound(ctx, "classifications", StatusDropped)
	m.RecordSinkEvent(ctx, "history", "ok")

	rm := collect(t, reader)

	tests := []struct {
		metric, key, value string
		want               int64
	}{
		{"classbridge.detections.accepted", "label", "person", 2},
		{"classbridge.detections.accepted", "label", "cat", 1},
		{"classbridge.detections.suppressed", "reason", "threshold", 3},
		{"classbridge.detections.suppressed", "reason", "debounce", 1},
		{"classbridge.callback.failures", "kind", "class", 1},
		{"classbridge.threshold.overrides", "status", "ok", 1},
		{"classbridge.threshold.overrides", "status", "invalid", 2},
		{"classbridge.outbound.messages", "status", "dropped", 1},
		{"classbridge.sink.events", "sink", "history", 1},
	}
	for _, tc := range tests {
		t.Run(tc.metric+"/"+tc.value, func(t *testing.T) {
			got, ok := sumFor(t, rm, tc.metric, tc.key, tc.value)
			if !ok {
				t.Fatalf("data point with %s=%s not found", tc.key, tc.value)
			}
			if got != tc.want {
				t.Errorf("counter value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestUIClientsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive: two connects and one disconnect.
	m.UIClients.Add(ctx, 1)
	m.UIClients.Add(ctx, 1)
	m.UIClients.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "classbridge.ui.clients")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("gauge value = %d, want 1", got)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "classbridge.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
