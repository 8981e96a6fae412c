package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StageObserver receives one latency sample per completed stage call.
// The statistical-debugging collector implements it; a nil observer is
// valid and ignored.
type StageObserver interface {
	ObserveStage(stage string, latencyMs float64, bytes int)
}

// EndFunc closes a stage span. It must be called on every exit path;
// callers defer it immediately after StartStage.
type EndFunc func(err error, bytes int, attrs ...attribute.KeyValue)

// Emitter wraps pipeline stage calls in scoped spans and records their
// durations as metric samples. Span creation is gated by the sampling
// decision already carried in the context (made once at the session's
// root span); metric samples are recorded unconditionally.
type Emitter struct {
	tracer   trace.Tracer
	observer StageObserver
}

// NewEmitter creates an emitter over the given tracer. observer may be
// nil.
func NewEmitter(tracer trace.Tracer, observer StageObserver) *Emitter {
	return &Emitter{tracer: tracer, observer: observer}
}

// StartStage opens a span for one stage call and starts its clock. The
// returned EndFunc records the duration metric, attaches any final
// attributes, marks the span with the error if one occurred, and closes
// the span. It is safe to call exactly once on any exit path.
func (e *Emitter) StartStage(ctx context.Context, stage string) (context.Context, EndFunc) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, stage)

	end := func(err error, bytes int, attrs ...attribute.KeyValue) {
		latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

		if len(attrs) > 0 {
			span.SetAttributes(attrs...)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		StageDuration.WithLabelValues(stage).Observe(latencyMs)
		ChunksTransferred.WithLabelValues(stage).Inc()
		if e.observer != nil {
			e.observer.ObserveStage(stage, latencyMs, bytes)
		}
	}

	return ctx, end
}

// AddEvent attaches a named event to the span in ctx, if any is
// recording.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
