package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetupWithoutEndpoint(t *testing.T) {
	ctx := context.Background()
	provider, err := Setup(ctx, Config{ServiceVersion: "test"}, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, provider)
	require.NoError(t, provider.Shutdown(ctx))
}

func TestSetupRejectsEmptyEndpoint(t *testing.T) {
	_, err := Setup(context.Background(), Config{Endpoint: "http://"}, zerolog.Nop())
	require.Error(t, err)
}

func TestLoggingExporterWritesSpan(t *testing.T) {
	var buf bytes.Buffer
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(newLoggingExporter(zerolog.New(&buf)))),
	)
	ctx := context.Background()
	_, span := provider.Tracer("test").Start(ctx, "executor.execute")
	span.SetAttributes(attribute.String("warden.code", "POLICY_DENY"))
	span.SetStatus(codes.Error, "POLICY_DENY")
	span.End()
	require.NoError(t, provider.Shutdown(ctx))

	out := buf.String()
	require.Contains(t, out, `"span_name":"executor.execute"`)
	require.Contains(t, out, `"warden.code":"POLICY_DENY"`)
	require.Contains(t, out, `"status":"Error"`)
}

func TestSpanRecorder(t *testing.T) {
	rec := NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	_, span := provider.Tracer("test").Start(context.Background(), "a")
	span.SetAttributes(attribute.Bool("ok", true))
	span.End()

	require.Len(t, rec.Completed(), 1)
	require.Nil(t, rec.FirstSpanNamed("b"))
	require.Equal(t, "true", Attributes(rec.FirstSpanNamed("a"))["ok"])
}
