// Package telemetry wires OpenTelemetry tracing for the gateway.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"` // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Provider manages OpenTelemetry tracing.
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a telemetry provider per cfg. With telemetry
// disabled or exporter "none" spans are no-ops.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{config: cfg, tracer: otel.Tracer("veil")}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "veil"
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("OTLP exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		return &Provider{config: cfg, tracer: otel.Tracer("veil")}, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)

	return &Provider{
		config:   cfg,
		tracer:   tp.Tracer("veil"),
		provider: tp,
	}, nil
}

func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown flushes and stops the trace provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled reports whether spans are exported.
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// Span attributes.
const (
	AttrCaller         = "veil.caller"
	AttrRegion         = "veil.region"
	AttrProvider       = "veil.provider"
	AttrConversationID = "veil.conversation.id"
	AttrPolicyAction   = "veil.policy.action"
	AttrPolicyVersion  = "veil.policy.version"
	AttrRedactionCount = "veil.redactions.count"
	AttrRestoredCount  = "veil.restored.count"
	AttrRequestMethod  = "http.request.method"
	AttrRequestPath    = "url.path"
	AttrResponseCode   = "http.response.status_code"
	AttrStreaming      = "veil.streaming"
)

// StartRequestSpan starts a span for one proxied request.
func (p *Provider) StartRequestSpan(ctx context.Context, caller, region, providerName, method, path string, streaming bool) (context.Context, trace.Span) {
	ctx, span := p.tracer.Start(ctx, "gateway.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrCaller, caller),
			attribute.String(AttrRegion, region),
			attribute.String(AttrProvider, providerName),
			attribute.String(AttrRequestMethod, method),
			attribute.String(AttrRequestPath, path),
			attribute.Bool(AttrStreaming, streaming),
		),
	)
	return ctx, span
}

// EndRequestSpan ends a request span with outcome attributes.
func (p *Provider) EndRequestSpan(span trace.Span, statusCode int, policyAction string, redactions int, err error) {
	span.SetAttributes(
		attribute.Int(AttrResponseCode, statusCode),
		attribute.String(AttrPolicyAction, policyAction),
		attribute.Int(AttrRedactionCount, redactions),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// RecordPolicyDecision annotates the active span with the decision.
func (p *Provider) RecordPolicyDecision(ctx context.Context, action, target, version string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("policy.decision",
		trace.WithAttributes(
			attribute.String(AttrPolicyAction, action),
			attribute.String("target", target),
			attribute.String(AttrPolicyVersion, version),
		),
	)
}

// DefaultConfig returns the default telemetry configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Exporter:    "none",
		ServiceName: "veil",
	}
}

// NoopProvider returns a provider that records nothing (for testing).
func NoopProvider() *Provider {
	return &Provider{
		config: Config{Enabled: false},
		tracer: otel.Tracer("veil-noop"),
	}
}
