package telemetry

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		input    string
		wantErr  bool
		ratio    float64
		rendered string
	}{
		{"always_on", false, 1.0, "always_on"},
		{"0", false, 0, "0"},
		{"1", false, 1, "1"},
		{"0.2", false, 0.2, "0.2"},
		{"1.5", true, 0, ""},
		{"-0.1", true, 0, ""},
		{"sometimes", true, 0, ""},
		{"", true, 0, ""},
	}

	for _, tt := range tests {
		policy, err := ParsePolicy(tt.input)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidSampling) {
				t.Errorf("ParsePolicy(%q): expected ErrInvalidSampling, got %v", tt.input, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePolicy(%q) failed: %v", tt.input, err)
			continue
		}
		if policy.Ratio() != tt.ratio {
			t.Errorf("ParsePolicy(%q).Ratio() = %v, want %v", tt.input, policy.Ratio(), tt.ratio)
		}
		if policy.String() != tt.rendered {
			t.Errorf("ParsePolicy(%q).String() = %q, want %q", tt.input, policy.String(), tt.rendered)
		}
	}
}

func TestSamplingRatioStatistics(t *testing.T) {
	// Over 10,000 independent sessions at p = 0.2 the sampled fraction
	// must land within 3 standard errors of 0.2.
	const (
		n = 10000
		p = 0.2
	)

	policy, err := ParsePolicy("0.2")
	if err != nil {
		t.Fatalf("ParsePolicy failed: %v", err)
	}
	sampler := policy.Sampler()

	sampled := 0
	for i := 0; i < n; i++ {
		var traceID trace.TraceID
		if _, err := rand.Read(traceID[:]); err != nil {
			t.Fatalf("rand.Read failed: %v", err)
		}

		result := sampler.ShouldSample(sdktrace.SamplingParameters{
			ParentContext: context.Background(),
			TraceID:       traceID,
			Name:          SpanClientSendFile,
		})
		if result.Decision == sdktrace.RecordAndSample {
			sampled++
		}
	}

	fraction := float64(sampled) / float64(n)
	stderr := math.Sqrt(p * (1 - p) / float64(n))
	if math.Abs(fraction-p) > 3*stderr {
		t.Errorf("sampled fraction %.4f outside %.4f ± %.4f", fraction, p, 3*stderr)
	}
}

func TestAlwaysOnSamplesEverything(t *testing.T) {
	policy, err := ParsePolicy(AlwaysOn)
	if err != nil {
		t.Fatalf("ParsePolicy failed: %v", err)
	}
	sampler := policy.Sampler()

	for i := 0; i < 100; i++ {
		var traceID trace.TraceID
		rand.Read(traceID[:])
		result := sampler.ShouldSample(sdktrace.SamplingParameters{
			ParentContext: context.Background(),
			TraceID:       traceID,
		})
		if result.Decision != sdktrace.RecordAndSample {
			t.Fatal("always_on policy dropped a session")
		}
	}
}

func TestSamplingIsSessionAtomic(t *testing.T) {
	// Every span started under a session's root context must share the
	// root's sampling decision.
	for _, sampling := range []string{"0", "1"} {
		policy, err := ParsePolicy(sampling)
		if err != nil {
			t.Fatalf("ParsePolicy failed: %v", err)
		}

		provider := sdktrace.NewTracerProvider(sdktrace.WithSampler(policy.Sampler()))
		tracer := provider.Tracer("test")

		ctx, root := tracer.Start(context.Background(), SpanClientSendFile)
		rootSampled := root.SpanContext().IsSampled()

		for _, stage := range Stages {
			childCtx, child := tracer.Start(ctx, stage)
			if child.SpanContext().IsSampled() != rootSampled {
				t.Errorf("sampling %s: stage %s decision diverged from root", sampling, stage)
			}
			if IsSampled(childCtx) != rootSampled {
				t.Errorf("sampling %s: IsSampled(ctx) diverged from root", sampling)
			}
			child.End()
		}
		root.End()
		provider.Shutdown(context.Background())
	}
}
