// Package observe provides the observability primitives of the call loop:
// OpenTelemetry metrics and tracing, trace-aware structured logging, and HTTP
// middleware for the admin server.
//
// Metrics go through the OpenTelemetry Metrics API. [InitProvider] installs a
// Prometheus exporter bridge so they can be scraped from /metrics. Tests build
// their own [Metrics] with [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every aiphone metric.
const meterName = "github.com/aiphone/aiphone"

// Pipeline stages, used as the "stage" attribute.
const (
	StageRecord     = "record"
	StageTranscribe = "transcribe"
	StageDialogue   = "dialogue"
	StageSynthesize = "synthesize"
	StagePlay       = "play"
)

// Metrics holds the metric instruments of the application. The OTel
// instruments handle their own synchronisation.
type Metrics struct {
	// StageDuration is the latency of one pipeline stage. Attributes:
	// stage, status ("ok" or "error").
	StageDuration metric.Float64Histogram

	// RecordedAudio is the length of each accepted recording.
	RecordedAudio metric.Float64Histogram

	// RecordingStops counts finished recordings by stop reason. Attribute:
	// reason.
	RecordingStops metric.Int64Counter

	// Turns counts completed turns by outcome. Attribute: outcome.
	Turns metric.Int64Counter

	// StageErrors counts failed stages. Attributes: stage, kind.
	StageErrors metric.Int64Counter

	// TTSCacheLookups counts synthesis cache lookups. Attribute: result
	// ("hit" or "miss").
	TTSCacheLookups metric.Int64Counter

	// CallTrackingErrors counts swallowed call-tracking failures. Attribute:
	// op.
	CallTrackingErrors metric.Int64Counter

	// Calls counts finished calls by final status. Attribute: status.
	Calls metric.Int64Counter

	// ActiveCalls is the number of calls in progress.
	ActiveCalls metric.Int64UpDownCounter

	// HTTPRequestDuration is the admin server request latency. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds. Stages range from a
// cached synthesis (milliseconds) to a full recording (tens of seconds).
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StageDuration, err = m.Float64Histogram("aiphone.stage.duration",
		metric.WithDescription("Latency of one call-loop pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RecordedAudio, err = m.Float64Histogram("aiphone.recording.audio",
		metric.WithDescription("Length of accepted caller recordings."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RecordingStops, err = m.Int64Counter("aiphone.recording.stops",
		metric.WithDescription("Finished recordings by stop reason."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("aiphone.turns",
		metric.WithDescription("Completed turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.StageErrors, err = m.Int64Counter("aiphone.stage.errors",
		metric.WithDescription("Failed pipeline stages by stage and error kind."),
	); err != nil {
		return nil, err
	}
	if met.TTSCacheLookups, err = m.Int64Counter("aiphone.tts_cache.lookups",
		metric.WithDescription("Synthesis cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.CallTrackingErrors, err = m.Int64Counter("aiphone.calltrack.errors",
		metric.WithDescription("Call-tracking failures that were logged and ignored."),
	); err != nil {
		return nil, err
	}
	if met.Calls, err = m.Int64Counter("aiphone.calls",
		metric.WithDescription("Finished calls by final status."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCalls, err = m.Int64UpDownCounter("aiphone.active_calls",
		metric.WithDescription("Calls currently in progress."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("aiphone.http.request.duration",
		metric.WithDescription("Admin HTTP request latency by method and path."),
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

// DefaultMetrics returns a process-wide [Metrics] built on the global meter
// provider. It panics if instrument creation fails, which does not happen with
// the SDK or no-op providers.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStage records the latency of stage and, when err is non-nil, counts
// the failure under kind.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration, kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.StageErrors.Add(ctx, 1, metric.WithAttributes(Attr("stage", stage), Attr("kind", kind)))
	}
	m.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("stage", stage), Attr("status", status)))
}

// RecordRecording counts a finished recording and, when audio is positive,
// its length.
func (m *Metrics) RecordRecording(ctx context.Context, reason string, audio time.Duration) {
	m.RecordingStops.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
	if audio > 0 {
		m.RecordedAudio.Record(ctx, audio.Seconds())
	}
}

// RecordTurn counts a completed turn.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordCacheLookup counts a synthesis cache lookup.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.TTSCacheLookups.Add(ctx, 1, metric.WithAttributes(Attr("result", result)))
}

// RecordCallTrackingError counts a swallowed call-tracking failure.
func (m *Metrics) RecordCallTrackingError(ctx context.Context, op string) {
	m.CallTrackingErrors.Add(ctx, 1, metric.WithAttributes(Attr("op", op)))
}

// CallStarted increments the active call gauge.
func (m *Metrics) CallStarted(ctx context.Context) {
	m.ActiveCalls.Add(ctx, 1)
}

// CallEnded decrements the active call gauge and counts the call by status.
func (m *Metrics) CallEnded(ctx context.Context, status string) {
	m.ActiveCalls.Add(ctx, -1)
	m.Calls.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}
