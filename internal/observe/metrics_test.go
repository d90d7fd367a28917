package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
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

// sumWith returns the int64 sum data point whose attribute key equals value,
// or the first point when key is empty.
func sumWith(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%q", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestFrameCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrameSent(ctx, 16000)
	m.RecordFrameSent(ctx, 6400)
	m.RecordFrameDropped(ctx, "busy")
	m.RecordFrameDropped(ctx, "busy")
	m.RecordFrameDropped(ctx, "not_open")

	rm := collect(t, reader)
	if got := sumWith(t, rm, "lecturepulse.frames.sent", "", ""); got != 2 {
		t.Errorf("frames.sent = %d, want 2", got)
	}
	if got := sumWith(t, rm, "lecturepulse.frames.bytes", "", ""); got != 22400 {
		t.Errorf("frames.bytes = %d, want 22400", got)
	}
	if got := sumWith(t, rm, "lecturepulse.frames.dropped", "reason", "busy"); got != 2 {
		t.Errorf("frames.dropped{busy} = %d, want 2", got)
	}
	if got := sumWith(t, rm, "lecturepulse.frames.dropped", "reason", "not_open"); got != 1 {
		t.Errorf("frames.dropped{not_open} = %d, want 1", got)
	}
}

func TestFeedbackCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFeedback(ctx, "voice_metrics")
	m.RecordFeedback(ctx, "voice_metrics")
	m.RecordFeedback(ctx, "ai_feedback")
	m.RecordFeedbackMalformed(ctx)

	rm := collect(t, reader)
	if got := sumWith(t, rm, "lecturepulse.feedback.messages", "type", "voice_metrics"); got != 2 {
		t.Errorf("feedback.messages{voice_metrics} = %d, want 2", got)
	}
	if got := sumWith(t, rm, "lecturepulse.feedback.malformed", "", ""); got != 1 {
		t.Errorf("feedback.malformed = %d, want 1", got)
	}
}

func TestSessionInstruments(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSessionStart(ctx, 250*time.Millisecond, "ok")
	m.RecordSessionStart(ctx, 2*time.Second, "ok")
	m.RecordCaptureError(ctx, "permission_denied")
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.SessionRestarts.Add(ctx, 1)

	rm := collect(t, reader)

	met := findMetric(rm, "lecturepulse.session.start.duration")
	if met == nil {
		t.Fatal("session.start.duration not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatal("session.start.duration is not a populated histogram")
	}
	if got := hist.DataPoints[0].Count; got != 2 {
		t.Errorf("session.start.duration count = %d, want 2", got)
	}

	if got := sumWith(t, rm, "lecturepulse.capture.errors", "kind", "permission_denied"); got != 1 {
		t.Errorf("capture.errors = %d, want 1", got)
	}
	if got := sumWith(t, rm, "lecturepulse.active_sessions", "", ""); got != 1 {
		t.Errorf("active_sessions = %d, want 1", got)
	}
	if got := sumWith(t, rm, "lecturepulse.session.restarts", "", ""); got != 1 {
		t.Errorf("session.restarts = %d, want 1", got)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a == nil || a != b {
		t.Error("DefaultMetrics should return the same non-nil instance")
	}
}

func TestAttr(t *testing.T) {
	kv := Attr("reason", "busy")
	if string(kv.Key) != "reason" || kv.Value.AsString() != "busy" {
		t.Errorf("Attr = %v", kv)
	}
}
