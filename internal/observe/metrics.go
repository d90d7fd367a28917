// Package observe provides application-wide observability primitives for
// lecturepulse: OpenTelemetry metrics, tracing, structured logging helpers,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed to
// Prometheus via the exporter bridge set up in [InitProvider]. A package-level
// [DefaultMetrics] instance is provided for convenience; tests should use
// [NewMetrics] with their own [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/MrWong99/lecturepulse"

// Metrics holds all OpenTelemetry instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Audio streaming ---

	// FramesSent counts audio frames written to the backend.
	FramesSent metric.Int64Counter

	// FrameBytes counts PCM payload bytes written to the backend.
	FrameBytes metric.Int64Counter

	// FramesDropped counts frames dropped instead of sent. Use with attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// CaptureErrors counts failed capture starts. Use with attribute:
	//   attribute.String("kind", ...)
	CaptureErrors metric.Int64Counter

	// --- Feedback ---

	// FeedbackMessages counts decoded backend messages. Use with attribute:
	//   attribute.String("type", ...)
	FeedbackMessages metric.Int64Counter

	// FeedbackMalformed counts backend messages that could not be decoded.
	FeedbackMalformed metric.Int64Counter

	// --- Sessions ---

	// SessionStartDuration tracks the time from StartSession to Recording.
	// Use with attribute:
	//   attribute.String("outcome", ...)
	SessionStartDuration metric.Float64Histogram

	// ActiveSessions tracks sessions currently connecting or recording.
	ActiveSessions metric.Int64UpDownCounter

	// SessionRestarts counts automatic restarts after a transport loss.
	SessionRestarts metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks local API request time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, sized for socket
// handshakes and permission prompts.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesSent, err = m.Int64Counter("lecturepulse.frames.sent",
		metric.WithDescription("Audio frames written to the analysis backend."),
	); err != nil {
		return nil, err
	}
	if met.FrameBytes, err = m.Int64Counter("lecturepulse.frames.bytes",
		metric.WithDescription("PCM payload bytes written to the analysis backend."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("lecturepulse.frames.dropped",
		metric.WithDescription("Audio frames dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.CaptureErrors, err = m.Int64Counter("lecturepulse.capture.errors",
		metric.WithDescription("Failed capture starts by error kind."),
	); err != nil {
		return nil, err
	}

	if met.FeedbackMessages, err = m.Int64Counter("lecturepulse.feedback.messages",
		metric.WithDescription("Feedback messages received by type."),
	); err != nil {
		return nil, err
	}
	if met.FeedbackMalformed, err = m.Int64Counter("lecturepulse.feedback.malformed",
		metric.WithDescription("Feedback messages dropped as malformed."),
	); err != nil {
		return nil, err
	}

	if met.SessionStartDuration, err = m.Float64Histogram("lecturepulse.session.start.duration",
		metric.WithDescription("Time from session start request to recording."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("lecturepulse.active_sessions",
		metric.WithDescription("Sessions currently connecting or recording."),
	); err != nil {
		return nil, err
	}
	if met.SessionRestarts, err = m.Int64Counter("lecturepulse.session.restarts",
		metric.WithDescription("Automatic session restarts after a transport loss."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("lecturepulse.http.request.duration",
		metric.WithDescription("Local API request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrameSent records one frame of n payload bytes written to the wire.
func (m *Metrics) RecordFrameSent(ctx context.Context, n int) {
	m.FramesSent.Add(ctx, 1)
	m.FrameBytes.Add(ctx, int64(n))
}

// RecordFrameDropped records one dropped frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordFeedback records one decoded feedback message of the given type.
func (m *Metrics) RecordFeedback(ctx context.Context, typ string) {
	m.FeedbackMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
}

// RecordFeedbackMalformed records one undecodable feedback message.
func (m *Metrics) RecordFeedbackMalformed(ctx context.Context) {
	m.FeedbackMalformed.Add(ctx, 1)
}

// RecordCaptureError records a failed capture start.
func (m *Metrics) RecordCaptureError(ctx context.Context, kind string) {
	m.CaptureErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSessionStart records how long a start attempt took and how it ended.
func (m *Metrics) RecordSessionStart(ctx context.Context, d time.Duration, outcome string) {
	m.SessionStartDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}
