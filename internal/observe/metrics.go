// Package observe provides application-wide observability primitives for
// FableVoice: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
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

// meterName is the instrumentation scope name used for all FableVoice metrics.
const meterName = "github.com/fable-audio/fablevoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// NarrationDuration tracks how long narrating a node's text takes.
	NarrationDuration metric.Float64Histogram

	// RecognitionDuration tracks the length of a listening run, from
	// start to final transcript or end.
	RecognitionDuration metric.Float64Histogram

	// SaveDuration tracks state persistence latency.
	SaveDuration metric.Float64Histogram

	// --- Counters ---

	// Narrations counts narration attempts. Use with attribute:
	//   attribute.String("status", "ok"|"interrupted"|"error")
	Narrations metric.Int64Counter

	// VoiceCommands counts spoken commands by outcome. Use with attribute:
	//   attribute.String("outcome", "accepted"|"low-confidence"|"no-match")
	VoiceCommands metric.Int64Counter

	// NodesVisited counts story node entries. Use with attribute:
	//   attribute.Bool("ending", ...)
	NodesVisited metric.Int64Counter

	// --- Error counters ---

	// Errors counts surfaced application errors by kind. Use with attribute:
	//   attribute.String("kind", ...)
	Errors metric.Int64Counter

	// --- Gauges ---

	// ActiveNarrations tracks in-flight narrations (0 or 1 per engine).
	ActiveNarrations metric.Int64UpDownCounter

	// ActiveRecognitions tracks in-flight listening runs.
	ActiveRecognitions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// speech interactions, which run much longer than API calls.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.NarrationDuration, err = m.Float64Histogram("fablevoice.narration.duration",
		metric.WithDescription("Duration of node narration."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RecognitionDuration, err = m.Float64Histogram("fablevoice.recognition.duration",
		metric.WithDescription("Duration of a speech recognition run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SaveDuration, err = m.Float64Histogram("fablevoice.save.duration",
		metric.WithDescription("Latency of state persistence."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Narrations, err = m.Int64Counter("fablevoice.narrations",
		metric.WithDescription("Total narration attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.VoiceCommands, err = m.Int64Counter("fablevoice.voice.commands",
		metric.WithDescription("Total spoken commands by outcome."),
	); err != nil {
		return nil, err
	}
	if met.NodesVisited, err = m.Int64Counter("fablevoice.nodes.visited",
		metric.WithDescription("Total story node entries."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.Errors, err = m.Int64Counter("fablevoice.errors",
		metric.WithDescription("Total surfaced application errors by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveNarrations, err = m.Int64UpDownCounter("fablevoice.active_narrations",
		metric.WithDescription("Number of in-flight narrations."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRecognitions, err = m.Int64UpDownCounter("fablevoice.active_recognitions",
		metric.WithDescription("Number of in-flight listening runs."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("fablevoice.http.request.duration",
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

// RecordNarration records one narration attempt with its status.
func (m *Metrics) RecordNarration(ctx context.Context, status string) {
	m.Narrations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordVoiceCommand records one spoken command with its outcome.
func (m *Metrics) RecordVoiceCommand(ctx context.Context, outcome string) {
	m.VoiceCommands.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordNodeVisit records entry into a story node.
func (m *Metrics) RecordNodeVisit(ctx context.Context, ending bool) {
	m.NodesVisited.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("ending", ending)),
	)
}

// RecordError records one surfaced application error by kind.
func (m *Metrics) RecordError(ctx context.Context, kind string) {
	m.Errors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
