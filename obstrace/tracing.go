// Package obstrace wires OpenTelemetry distributed tracing and Prometheus
// metrics for the pipeline: one tracer span per phase transition, one
// histogram/counter set per phase and per action outcome.
package obstrace

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls the tracer provider's exporter target and sampling rate.
type Config struct {
	ServiceName   string
	Version       string
	Environment   string
	OTLPEndpoint  string  // default: http://localhost:4318
	SamplingRatio float64 // 0.0-1.0, default 1.0
	Enabled       bool
}

// Provider wraps the process-wide TracerProvider.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// InitFromEnv builds a Config from OTEL_* environment variables and
// initializes tracing. Returns nil if OTEL_ENABLED=false.
func InitFromEnv(serviceName, version string) *Provider {
	cfg := Config{
		ServiceName: serviceName,
		Version:     version,
		Enabled:     os.Getenv("OTEL_ENABLED") != "false",
	}
	if !cfg.Enabled {
		log.Println("opentelemetry disabled via OTEL_ENABLED=false")
		return nil
	}

	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = "http://localhost:4318"
	}
	cfg.Environment = os.Getenv("OTEL_ENVIRONMENT")
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	cfg.SamplingRatio = 1.0
	if ratio := os.Getenv("OTEL_SAMPLING_RATIO"); ratio != "" {
		if _, err := fmt.Sscanf(ratio, "%f", &cfg.SamplingRatio); err != nil {
			log.Printf("invalid OTEL_SAMPLING_RATIO %q, using 1.0", ratio)
		}
	}

	p, err := NewProvider(cfg)
	if err != nil {
		log.Printf("opentelemetry init failed: %v", err)
		return nil
	}
	return p
}

// NewProvider builds a TracerProvider exporting spans over OTLP/HTTP.
func NewProvider(cfg Config) (*Provider, error) {
	ctx := context.Background()

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(stripProtocol(cfg.OTLPEndpoint)),
		otlptracehttp.WithInsecure(),
	))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.Version),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRatio >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SamplingRatio <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRatio)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return &Provider{tp: tp}, nil
}

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.tp.Shutdown(shutdownCtx)
}

// Tracer returns a named tracer for starting phase spans.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

func stripProtocol(endpoint string) string {
	switch {
	case len(endpoint) > 7 && endpoint[:7] == "http://":
		return endpoint[7:]
	case len(endpoint) > 8 && endpoint[:8] == "https://":
		return endpoint[8:]
	default:
		return endpoint
	}
}
