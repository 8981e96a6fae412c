package telemetry

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Exporter kinds for span export.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// DefaultOTLPEndpoint is the collector address spans are exported to
// when none is configured.
const DefaultOTLPEndpoint = "localhost:4317"

// Config holds the telemetry settings read once at startup.
type Config struct {
	// Sampling is "always_on" or a decimal probability in [0, 1].
	Sampling string `yaml:"sampling"`
	// Exporter is one of "none", "stdout", "otlp".
	Exporter string `yaml:"exporter"`
	// Endpoint is the OTLP collector address (host:port).
	Endpoint string `yaml:"endpoint"`
}

// Provider bundles the tracer provider with its parsed sampling policy.
// Metric registration is independent of the Provider: prometheus
// collectors are process-wide and recorded unconditionally, regardless
// of the trace sampling decision.
type Provider struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	policy   Policy
}

// Setup configures tracing for a service: resource, sampler from the
// configured policy, and span exporter. The returned Provider must be
// shut down on process exit to flush batched spans.
func Setup(ctx context.Context, serviceName string, cfg Config) (*Provider, error) {
	policy, err := ParsePolicy(cfg.Sampling)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(sdkresource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		)),
		sdktrace.WithSampler(policy.Sampler()),
	}

	switch cfg.Exporter {
	case "", ExporterNone:
		// Spans stay in-process; useful for tests and air-gapped runs.
	case ExporterStdout:
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("creating stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	case ExporterOTLP:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = DefaultOTLPEndpoint
		}
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	default:
		return nil, fmt.Errorf("%w: unknown exporter %q", ErrInvalidSampling, cfg.Exporter)
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)

	logrus.WithFields(logrus.Fields{
		"function": "Setup",
		"service":  serviceName,
		"sampling": policy.String(),
		"exporter": cfg.Exporter,
	}).Info("Telemetry configured")

	return &Provider{
		tracer:   provider.Tracer(serviceName),
		provider: provider,
		policy:   policy,
	}, nil
}

// Noop returns a provider whose spans are never recorded. Metrics still
// work; only tracing is disabled.
func Noop() *Provider {
	return &Provider{
		tracer: noop.NewTracerProvider().Tracer("noop"),
		policy: Policy{alwaysOn: true, ratio: 1.0},
	}
}

// Tracer returns the service tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Policy returns the parsed sampling policy.
func (p *Provider) Policy() Policy {
	return p.policy
}

// Shutdown flushes and stops span export.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}

// IsSampled reports the session-atomic sampling decision carried by the
// context's span. All spans below a session's root span agree on it.
func IsSampled(ctx context.Context) bool {
	return trace.SpanContextFromContext(ctx).IsSampled()
}
