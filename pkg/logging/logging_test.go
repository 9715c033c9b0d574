package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, zerolog.DebugLevel, ParseLevel(" DEBUG "))
	require.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	require.Equal(t, zerolog.InfoLevel, ParseLevel("loud"))
	require.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
}

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Config{Level: "warn", Format: "json"})
	logger.Info().Msg("hidden")
	logger.Warn().Str("component", "x").Msg("shown")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "shown", line["message"])
	require.Equal(t, "x", line["component"])
}

func TestContextHelpers(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	require.Equal(t, "req-1", RequestID(ctx))
	require.Empty(t, RequestID(context.Background()))

	var buf bytes.Buffer
	fallback := zerolog.Nop()
	attached := zerolog.New(&buf)
	require.Equal(t, fallback, FromContext(context.Background(), fallback))

	got := FromContext(attached.WithContext(context.Background()), fallback)
	got.Info().Msg("via context")
	require.Contains(t, buf.String(), "via context")
}
