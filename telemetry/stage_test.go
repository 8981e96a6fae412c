package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type recordingObserver struct {
	stages []string
	totals []float64
}

func (r *recordingObserver) ObserveStage(stage string, latencyMs float64, bytes int) {
	r.stages = append(r.stages, stage)
	r.totals = append(r.totals, latencyMs)
}

func newTestTracer() (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(recorder),
	)
	return recorder, provider
}

func TestStartStageClosesSpanOnSuccess(t *testing.T) {
	recorder, provider := newTestTracer()
	defer provider.Shutdown(context.Background())

	observer := &recordingObserver{}
	emitter := NewEmitter(provider.Tracer("test"), observer)

	_, end := emitter.StartStage(context.Background(), StageCompress)
	end(nil, 1024)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 ended span, got %d", len(spans))
	}
	if spans[0].Name() != StageCompress {
		t.Errorf("span name = %q", spans[0].Name())
	}
	if len(observer.stages) != 1 || observer.stages[0] != StageCompress {
		t.Errorf("observer saw %v", observer.stages)
	}
}

func TestStartStageClosesSpanOnError(t *testing.T) {
	recorder, provider := newTestTracer()
	defer provider.Shutdown(context.Background())

	emitter := NewEmitter(provider.Tracer("test"), nil)

	stageErr := errors.New("tag mismatch")
	_, end := emitter.StartStage(context.Background(), StageDecrypt)
	end(stageErr, 0)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 ended span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("span status = %v, want error", spans[0].Status().Code)
	}
	if len(spans[0].Events()) == 0 {
		t.Error("expected a recorded error event on the span")
	}
}

func TestStartStageClosesSpanOnPanicUnwind(t *testing.T) {
	recorder, provider := newTestTracer()
	defer provider.Shutdown(context.Background())

	emitter := NewEmitter(provider.Tracer("test"), nil)

	func() {
		defer func() { recover() }()
		var end EndFunc
		_, end = emitter.StartStage(context.Background(), StageEncrypt)
		defer end(errors.New("unwound"), 0)
		panic("stage blew up")
	}()

	if len(recorder.Ended()) != 1 {
		t.Fatal("span was not closed during panic unwind")
	}
}

func TestAddEventOnContextSpan(t *testing.T) {
	recorder, provider := newTestTracer()
	defer provider.Shutdown(context.Background())

	emitter := NewEmitter(provider.Tracer("test"), nil)

	ctx, end := emitter.StartStage(context.Background(), StageSend)
	AddEvent(ctx, EventRetryAttempted)
	end(nil, 0)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 || events[0].Name != EventRetryAttempted {
		t.Errorf("events = %+v", events)
	}
}
