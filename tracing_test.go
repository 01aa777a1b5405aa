package dispatch

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func keepGlobalTracerProvider(t *testing.T) {
	t.Helper()
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
}

func TestTracingConfigFromEnv(t *testing.T) {
	t.Run("off by default", func(t *testing.T) {
		t.Setenv(EnvOtelServiceName, "")
		t.Setenv(EnvOtelTracesExporter, "")
		t.Setenv(EnvOtelOTLPEndpoint, "")

		cfg := TracingConfigFromEnv()
		assert.Equal(t, TracingConfig{ServiceName: DefaultTracingServiceName, Exporter: ExporterNone}, cfg)
	})

	t.Run("standard variables", func(t *testing.T) {
		t.Setenv(EnvOtelServiceName, "users-host")
		t.Setenv(EnvOtelTracesExporter, "OTLP")
		t.Setenv(EnvOtelOTLPEndpoint, "http://collector:4318")

		cfg := TracingConfigFromEnv()
		assert.Equal(t, "users-host", cfg.ServiceName)
		assert.Equal(t, ExporterOTLP, cfg.Exporter)
		assert.Equal(t, "http://collector:4318", cfg.Endpoint)
	})
}

func TestInitTracing(t *testing.T) {
	ctx := context.Background()

	t.Run("none installs nothing", func(t *testing.T) {
		keepGlobalTracerProvider(t)
		before := otel.GetTracerProvider()

		shutdown, err := InitTracing(ctx, TracingConfig{Exporter: ExporterNone})
		require.NoError(t, err)
		assert.NoError(t, shutdown(ctx))
		assert.Equal(t, before, otel.GetTracerProvider())
	})

	t.Run("unknown exporter", func(t *testing.T) {
		keepGlobalTracerProvider(t)
		_, err := InitTracing(ctx, TracingConfig{Exporter: "jaeger"})
		assert.ErrorContains(t, err, "unknown trace exporter")
	})

	t.Run("otlp exporter is created lazily", func(t *testing.T) {
		keepGlobalTracerProvider(t)
		shutdown, err := InitTracing(ctx, TracingConfig{Exporter: ExporterOTLP, Endpoint: "http://127.0.0.1:1/v1/traces"})
		require.NoError(t, err)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_ = shutdown(cctx)
	})

	t.Run("host spans reach the stdout exporter", func(t *testing.T) {
		keepGlobalTracerProvider(t)
		var buf bytes.Buffer
		shutdown, err := InitTracing(ctx, TracingConfig{ServiceName: "users-host", Exporter: ExporterStdout, Writer: &buf})
		require.NoError(t, err)

		h := NewHost(newTestLibrary(), WithLogger(zerolog.Nop()))
		require.NoError(t, h.Init(ctx))
		mail, ch := recordingMail("caller")
		h.Invoke(ctx, mail, &InvocationRequest{ObjectName: "users", MethodName: "GetUserName", Args: []any{"x"}})
		require.NoError(t, awaitReply(t, ch).err)
		h.Wait()

		require.NoError(t, shutdown(ctx))
		out := buf.String()
		assert.Contains(t, out, `"Name":"dispatch.invoke"`)
		assert.Contains(t, out, "users-host")
		assert.Contains(t, out, "GetUserName")
	})
}
