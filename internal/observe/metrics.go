// Package observe provides the OpenTelemetry metrics and spans recorded by the
// capture pipeline and the SDK wiring that exports them: metrics to
// Prometheus, spans to an optional JSON trace file.
//
// Components receive a *Metrics explicitly. Tests should build one with
// [NewMetrics] over a ManualReader-backed provider; [Nop] returns instruments
// that record nothing.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope name used for all hearsay metrics.
const meterName = "github.com/petems/hearsay"

// Metrics holds the metric instruments for the capture pipeline. All fields
// are safe for concurrent use.
type Metrics struct {
	// FramesCaptured counts raw frames read from a device. Attribute: source.
	FramesCaptured metric.Int64Counter

	// FramesDropped counts frames lost before reaching the buffer.
	// Attributes: source, reason.
	FramesDropped metric.Int64Counter

	// ProcessingDuration tracks condition+mix+write time per output frame.
	ProcessingDuration metric.Float64Histogram

	// MixPeak records the post-rescale peak of each mixed frame (0..1).
	MixPeak metric.Float64Histogram

	// MixRescaled counts mixes where clipping protection engaged.
	MixRescaled metric.Int64Counter

	// BufferDroppedBytes counts bytes discarded by the latency buffer.
	BufferDroppedBytes metric.Int64Counter

	// BufferNotReady counts reads that found the buffer below target.
	BufferNotReady metric.Int64Counter

	// SinkChunks counts chunks handed to the transcriber. Attribute: status.
	SinkChunks metric.Int64Counter

	// ActiveCaptures is 1 while a capture session is running.
	ActiveCaptures metric.Int64UpDownCounter

	meter metric.Meter
}

// processingBuckets are histogram boundaries (seconds) for per-frame work,
// which should stay well under one 20 ms capture block.
var processingBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05,
}

var peakBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 0.75, 0.9, 0.99, 1}

// NewMetrics creates all instruments on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.FramesCaptured, err = m.Int64Counter("hearsay.capture.frames",
		metric.WithDescription("Raw frames read from capture devices by source."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("hearsay.capture.dropped_frames",
		metric.WithDescription("Frames dropped before buffering by source and reason."),
	); err != nil {
		return nil, err
	}
	if met.ProcessingDuration, err = m.Float64Histogram("hearsay.capture.processing.duration",
		metric.WithDescription("Time spent conditioning, mixing and buffering one frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(processingBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MixPeak, err = m.Float64Histogram("hearsay.mix.peak",
		metric.WithDescription("Peak amplitude of mixed frames relative to full scale."),
		metric.WithExplicitBucketBoundaries(peakBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MixRescaled, err = m.Int64Counter("hearsay.mix.rescaled",
		metric.WithDescription("Mixed frames rescaled to avoid clipping."),
	); err != nil {
		return nil, err
	}
	if met.BufferDroppedBytes, err = m.Int64Counter("hearsay.buffer.dropped_bytes",
		metric.WithDescription("Bytes discarded from the oldest end of the latency buffer."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.BufferNotReady, err = m.Int64Counter("hearsay.buffer.not_ready",
		metric.WithDescription("Chunk reads that found less than the target latency buffered."),
	); err != nil {
		return nil, err
	}
	if met.SinkChunks, err = m.Int64Counter("hearsay.sink.chunks",
		metric.WithDescription("Chunks sent to the transcription sink by status."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCaptures, err = m.Int64UpDownCounter("hearsay.capture.active",
		metric.WithDescription("Number of running capture sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// Nop returns Metrics backed by a no-op provider.
func Nop() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		panic("observe: noop metrics: " + err.Error())
	}
	return m
}

// RegisterBufferLatency exposes fn as the hearsay.buffer.latency gauge, in
// seconds. The returned function unregisters the callback.
func (m *Metrics) RegisterBufferLatency(fn func() time.Duration) (func() error, error) {
	gauge, err := m.meter.Float64ObservableGauge("hearsay.buffer.latency",
		metric.WithDescription("Audio currently held in the latency buffer."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	reg, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveFloat64(gauge, fn().Seconds())
		return nil
	}, gauge)
	if err != nil {
		return nil, err
	}
	return reg.Unregister, nil
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordDrop increments FramesDropped for source and reason.
func (m *Metrics) RecordDrop(ctx context.Context, source, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(Attr("source", source), Attr("reason", reason)))
}

// RecordCaptured increments FramesCaptured for source.
func (m *Metrics) RecordCaptured(ctx context.Context, source string) {
	m.FramesCaptured.Add(ctx, 1, metric.WithAttributes(Attr("source", source)))
}

// RecordMix records the peak of one mix and whether it was rescaled.
func (m *Metrics) RecordMix(ctx context.Context, peak float64, rescaled bool) {
	m.MixPeak.Record(ctx, peak)
	if rescaled {
		m.MixRescaled.Add(ctx, 1)
	}
}

// RecordSink increments SinkChunks with the given status.
func (m *Metrics) RecordSink(ctx context.Context, status string) {
	m.SinkChunks.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}
