package dispatch

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Standard OpenTelemetry variables read by TracingConfigFromEnv
const (
	EnvOtelServiceName    = "OTEL_SERVICE_NAME"
	EnvOtelTracesExporter = "OTEL_TRACES_EXPORTER"
	EnvOtelOTLPEndpoint   = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// Exporter names accepted by TracingConfig
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// DefaultTracingServiceName names the trace resource when none is configured
const DefaultTracingServiceName = "dispatch"

// TracingConfig selects the span exporter installed as the global tracer
// provider. Tracing is off unless Exporter is stdout or otlp.
type TracingConfig struct {
	ServiceName string
	Exporter    string

	// Endpoint is the OTLP/HTTP collector, either host:port or a full URL
	Endpoint string

	// Writer receives stdout exporter output; defaults to os.Stdout
	Writer io.Writer
}

// TracingConfigFromEnv reads the standard OTEL_* variables. The exporter
// defaults to none.
func TracingConfigFromEnv() TracingConfig {
	return TracingConfig{
		ServiceName: getEnv(EnvOtelServiceName, DefaultTracingServiceName),
		Exporter:    strings.ToLower(getEnv(EnvOtelTracesExporter, ExporterNone)),
		Endpoint:    os.Getenv(EnvOtelOTLPEndpoint),
	}
}

// InitTracing installs a batching tracer provider for cfg and returns its
// shutdown func, which flushes pending spans. With the none exporter nothing
// is installed and shutdown is a no-op.
func InitTracing(ctx context.Context, cfg TracingConfig) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.Exporter {
	case "", ExporterNone:
		return noop, nil
	case ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(w))
	case ExporterOTLP:
		exporter, err = newOTLPExporter(ctx, cfg.Endpoint)
	default:
		return noop, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
	if err != nil {
		return noop, fmt.Errorf("failed to create %s exporter: %w", cfg.Exporter, err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = DefaultTracingServiceName
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(name)))
	if err != nil {
		return noop, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
		}
		return tp.Shutdown(ctx)
	}, nil
}

func newOTLPExporter(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	var opts []otlptracehttp.Option
	switch {
	case strings.Contains(endpoint, "://"):
		opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
	case endpoint != "":
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
	}
	return otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
