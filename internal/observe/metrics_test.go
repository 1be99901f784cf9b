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

// sumWith returns the value of the int64 sum data point carrying key=value.
func sumWith(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
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
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.Emit() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestConnectDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordConnect(ctx, 0.3, "ok")
	m.RecordConnect(ctx, 1.2, "ok")
	m.RecordConnect(ctx, 15, "timeout")

	rm := collect(t, reader)
	met := findMetric(rm, "mirrorlive.connect.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 3 {
		t.Errorf("sample count = %d, want 3", total)
	}
}

func TestChunkCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ChunksSent.Add(ctx, 5)
	m.RecordSendError(ctx, true)
	m.RecordDrop(ctx, "queue_full")
	m.RecordDrop(ctx, "queue_full")
	m.RecordDrop(ctx, "detached")

	rm := collect(t, reader)
	if got := sumWith(t, rm, "mirrorlive.chunks.send_errors", "closing", "true"); got != 1 {
		t.Errorf("send errors = %d, want 1", got)
	}
	if got := sumWith(t, rm, "mirrorlive.chunks.dropped", "reason", "queue_full"); got != 2 {
		t.Errorf("queue_full drops = %d, want 2", got)
	}
	if got := sumWith(t, rm, "mirrorlive.chunks.dropped", "reason", "detached"); got != 1 {
		t.Errorf("detached drops = %d, want 1", got)
	}

	sent := findMetric(rm, "mirrorlive.chunks.sent")
	if sent == nil {
		t.Fatal("chunks.sent not found")
	}
	if v := sent.Data.(metricdata.Sum[int64]).DataPoints[0].Value; v != 5 {
		t.Errorf("chunks sent = %d, want 5", v)
	}
}

func TestEventAndErrorCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordEvent(ctx, "audioSent")
	m.RecordEvent(ctx, "audioSent")
	m.RecordEvent(ctx, "ready")
	m.RecordError(ctx, "SendError")
	m.TurnsCompleted.Add(ctx, 1)

	rm := collect(t, reader)
	if got := sumWith(t, rm, "mirrorlive.events.emitted", "event", "audioSent"); got != 2 {
		t.Errorf("audioSent = %d, want 2", got)
	}
	if got := sumWith(t, rm, "mirrorlive.errors", "kind", "SendError"); got != 1 {
		t.Errorf("SendError = %d, want 1", got)
	}
	if findMetric(rm, "mirrorlive.turns.completed") == nil {
		t.Error("turns.completed not found")
	}
}

func TestStateTransitions(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTransition(ctx, "uninitialized", "connecting")
	m.RecordTransition(ctx, "connecting", "open")

	rm := collect(t, reader)
	if got := sumWith(t, rm, "mirrorlive.session.transitions", "to", "open"); got != 1 {
		t.Errorf("transitions to open = %d, want 1", got)
	}
}

func TestRecordingsActiveGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive, so start and stop cancel out.
	m.RecordingsActive.Add(ctx, 1)
	m.RecordingsActive.Add(ctx, -1)
	m.RecordingsActive.Add(ctx, 1)

	rm := collect(t, reader)
	met := findMetric(rm, "mirrorlive.recordings.active")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
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
	met := findMetric(rm, "mirrorlive.http.request.duration")
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
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
