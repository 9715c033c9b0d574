package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/warden/pkg/health"
	"github.com/haasonsaas/warden/pkg/protocol"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(&globals{})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml")}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestParseParams(t *testing.T) {
	env := map[string]string{"RP": "123456-123456"}
	params, err := parseParams(
		[]string{"path=C:\\vhd\\a.vhdx", "disk=2", "force=true", "letter=X"},
		[]string{"recoveryPassword=RP"},
		func(k string) string { return env[k] },
	)
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"path":             "C:\\vhd\\a.vhdx",
		"disk":             float64(2),
		"force":            true,
		"letter":           "X",
		"recoveryPassword": "123456-123456",
	}, params)

	_, err = parseParams([]string{"novalue"}, nil, nil)
	require.Error(t, err)
	_, err = parseParams([]string{"a=1", "a=2"}, nil, nil)
	require.Error(t, err)
	_, err = parseParams(nil, []string{"pw=MISSING"}, func(string) string { return "" })
	require.Error(t, err)

	params, err = parseParams(nil, nil, nil)
	require.NoError(t, err)
	require.Nil(t, params)
}

func TestPolicySignAndVerify(t *testing.T) {
	dir := t.TempDir()
	key := filepath.Join(dir, "key.json")

	out, err := run(t, "--key", key, "keygen", "--id", "ops-1")
	require.NoError(t, err)
	require.Contains(t, out, `"ops-1"`)

	_, err = run(t, "--key", key, "keygen", "--id", "ops-1")
	require.Error(t, err)

	p1 := filepath.Join(dir, "p1.json")
	p2 := filepath.Join(dir, "p2.json")
	_, err = run(t, "--key", key, "policy", "init", "--version", "1", "--with-key", "-o", p1)
	require.NoError(t, err)
	_, err = run(t, "--key", key, "policy", "init", "--version", "2", "--with-key", "-o", p2)
	require.NoError(t, err)

	u2 := filepath.Join(dir, "u2.json")
	_, err = run(t, "--key", key, "policy", "sign", p2, "-o", u2)
	require.NoError(t, err)

	out, err = run(t, "policy", "verify", u2, "--trusted", p1)
	require.NoError(t, err)
	require.Contains(t, out, "ok: version 2 signed by ops-1")

	u1 := filepath.Join(dir, "u1.json")
	_, err = run(t, "--key", key, "policy", "sign", p1, "-o", u1)
	require.NoError(t, err)
	_, err = run(t, "policy", "verify", u1, "--trusted", p1)
	require.ErrorContains(t, err, "not newer")

	other := filepath.Join(dir, "other.json")
	_, err = run(t, "--key", other, "keygen", "--id", "intruder")
	require.NoError(t, err)
	forged := filepath.Join(dir, "forged.json")
	_, err = run(t, "--key", other, "policy", "sign", p2, "-o", forged)
	require.NoError(t, err)
	_, err = run(t, "policy", "verify", forged, "--trusted", p1)
	require.Error(t, err)
}

func TestExecSubmitsSignedPayload(t *testing.T) {
	dir := t.TempDir()
	key := filepath.Join(dir, "key.json")
	_, err := run(t, "--key", key, "keygen", "--id", "ui-1")
	require.NoError(t, err)

	var got protocol.CommandPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/commands", r.URL.Path)
		var req protocol.SignedCommandRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ui-1", req.Signature.KeyID)
		assert.NoError(t, json.Unmarshal(req.Payload, &got))

		resp := protocol.CommandResponse{SchemaVersion: 1, CommandID: got.CommandID, Code: protocol.CodeOK, OK: true, ExecutedAt: time.Now()}
		if got.Command == "query_service" {
			resp = protocol.CommandResponse{CommandID: got.CommandID, Code: protocol.CodePolicyDeny, Message: "denied"}
			w.WriteHeader(http.StatusForbidden)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	out, err := run(t, "--url", srv.URL, "--key", key, "--device", "host-1",
		"exec", "query_disk", "--id", "cmd-1", "-p", "disk=0")
	require.NoError(t, err)
	require.Contains(t, out, `"commandId": "cmd-1"`)
	require.Equal(t, "host-1", got.DeviceID)
	require.Equal(t, "query_disk", got.Command)
	require.Equal(t, map[string]any{"disk": float64(0)}, got.Params)
	require.NotEmpty(t, got.Nonce)

	_, err = run(t, "--url", srv.URL, "--key", key, "--device", "host-1", "session", "heartbeat", "sess-1")
	require.NoError(t, err)
	require.Equal(t, "heartbeat", got.Command)
	require.Equal(t, "sess-1", got.SessionID)

	_, err = run(t, "--url", srv.URL, "--key", key, "--device", "host-1", "exec", "query_service", "-p", "name=spooler")
	require.ErrorContains(t, err, string(protocol.CodePolicyDeny))

	_, err = run(t, "--url", srv.URL, "--key", key, "exec", "query_disk")
	require.ErrorContains(t, err, "no device id")
}

func TestStatusReportsHealth(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := health.Status{Healthy: healthy, CheckedAt: time.Now(), Checks: map[string]string{"policy": "ok", "state_db": "ok"}}
		if !healthy {
			status.Checks["policy"] = "no policy is installed"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	}))
	defer srv.Close()

	out, err := run(t, "--url", srv.URL, "status")
	require.NoError(t, err)
	require.Contains(t, out, "state_db")

	healthy = false
	out, err = run(t, "--url", srv.URL, "status")
	require.ErrorContains(t, err, "unhealthy")
	require.Contains(t, out, "no policy is installed")
}
