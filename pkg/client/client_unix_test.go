//go:build !windows

package client

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientDialsUnixSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "warden")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "w.sock")

	l, err := net.Listen("unix", sock)
	require.NoError(t, err)
	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"healthy":true,"checks":{"policy":"ok"}}`))
	}))
	ts.Listener = l
	ts.Start()
	defer ts.Close()

	st, err := New(Options{Address: sock}).Health(context.Background())
	require.NoError(t, err)
	require.True(t, st.Healthy)
	require.Equal(t, "ok", st.Checks["policy"])
}
