package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/warden/pkg/protocol"
)

func TestParamsDigestIsKeyedAndOrderIndependent(t *testing.T) {
	h := NewHasher([]byte("salt-a"))
	a := h.ParamsDigest(map[string]any{"path": "/x", "letter": "X"})
	b := h.ParamsDigest(map[string]any{"letter": "X", "path": "/x"})
	require.Equal(t, a, b)
	require.NotEqual(t, a, NewHasher([]byte("salt-b")).ParamsDigest(map[string]any{"path": "/x", "letter": "X"}))
	require.NotEmpty(t, h.ParamsDigest(nil))
}

func TestRedact(t *testing.T) {
	out := Redact(map[string]string{
		"RecoveryPassword": "123",
		"api_token":        "abc",
		"helper_output":    "mounted",
		"privateKeyPath":   "/k",
	})
	require.Equal(t, "[REDACTED]", out["RecoveryPassword"])
	require.Equal(t, "[REDACTED]", out["api_token"])
	require.Equal(t, "[REDACTED]", out["privateKeyPath"])
	require.Equal(t, "mounted", out["helper_output"])
	require.Nil(t, Redact(nil))
}

func TestFileSinkAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.jsonl")
	sink, err := OpenFileSink(path)
	require.NoError(t, err)
	logger := NewLogger(sink, NewHasher([]byte("s")), zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, logger.Record(context.Background(), Entry{
				Kind:            KindCommand,
				CommandID:       "c",
				Code:            protocol.CodeOK,
				OutcomeMetadata: map[string]string{"secret": "x"},
			}))
		}()
	}
	wg.Wait()
	require.NoError(t, sink.Check(context.Background()))
	require.NoError(t, sink.Close())
	require.Error(t, sink.Check(context.Background()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		require.False(t, e.Timestamp.IsZero())
		require.Equal(t, "[REDACTED]", e.OutcomeMetadata["secret"])
		lines++
	}
	require.Equal(t, 20, lines)

	reopened, err := OpenFileSink(path)
	require.NoError(t, err)
	require.NoError(t, reopened.Append(context.Background(), Entry{CommandID: "d"}))
	require.NoError(t, reopened.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"commandId":"d"`)
}

func TestLoadOrCreateSalt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "audit.salt")
	first, err := LoadOrCreateSalt(path)
	require.NoError(t, err)
	require.Len(t, first, 32)

	second, err := LoadOrCreateSalt(path)
	require.NoError(t, err)
	require.Equal(t, first, second)

	require.NoError(t, os.WriteFile(path, []byte("short"), 0o600))
	_, err = LoadOrCreateSalt(path)
	require.Error(t, err)
}
