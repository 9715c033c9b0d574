package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeysAndStripsWhitespace(t *testing.T) {
	out, err := Canonicalize([]byte(`{ "b": 1, "a": {"y": true, "x": "s"}, "c": [3, 2] }`))
	require.NoError(t, err)
	require.Equal(t, `{"a":{"x":"s","y":true},"b":1,"c":[3,2]}`, string(out))
}

func TestCanonicalizeRejectsFloats(t *testing.T) {
	for _, raw := range []string{`{"a":1.5}`, `{"a":1e3}`, `[2E1]`} {
		_, err := Canonicalize([]byte(raw))
		require.Error(t, err, raw)
	}
}

func TestCanonicalizeRejectsTrailingData(t *testing.T) {
	_, err := Canonicalize([]byte(`{"a":1}{"b":2}`))
	require.Error(t, err)
}

func payloadJSON(overrides map[string]any) []byte {
	p := map[string]any{
		"schemaVersion": 1,
		"commandId":     "cmd-1",
		"nonce":         "n-1",
		"issuedAt":      "2026-10-18T10:00:00Z",
		"expiresAt":     "2026-10-18T10:01:00Z",
		"deviceId":      "host-1",
		"command":       "query_disk",
		"params":        map[string]any{"count": 3, "name": "x", "flag": true},
	}
	for k, v := range overrides {
		if v == nil {
			delete(p, k)
			continue
		}
		p[k] = v
	}
	b, _ := json.Marshal(p)
	return b
}

func TestDecodeNormalizesParams(t *testing.T) {
	req := &SignedCommandRequest{Payload: payloadJSON(nil)}
	p, canon, err := req.Decode()
	require.NoError(t, err)
	require.Equal(t, int64(3), p.Params["count"])
	require.Equal(t, "x", p.Params["name"])
	require.Equal(t, true, p.Params["flag"])
	require.NotEmpty(t, canon)
}

func TestDecodeRejectsBadPayloads(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
	}{
		{"wrong schema version", map[string]any{"schemaVersion": 2}},
		{"missing nonce", map[string]any{"nonce": nil}},
		{"missing command id", map[string]any{"commandId": nil}},
		{"missing expiry", map[string]any{"expiresAt": nil}},
		{"nested param", map[string]any{"params": map[string]any{"x": map[string]any{"y": 1}}}},
		{"array param", map[string]any{"params": map[string]any{"x": []int{1}}}},
		{"unknown field", map[string]any{"extra": "boom"}},
		{"expiry before issue", map[string]any{"expiresAt": "2026-10-18T09:00:00Z"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &SignedCommandRequest{Payload: payloadJSON(tt.overrides)}
			_, _, err := req.Decode()
			require.Error(t, err)
			require.Equal(t, CodeInvalidSchema, CodeOf(err))
		})
	}
}

func TestDecodeRejectsFloatParam(t *testing.T) {
	req := &SignedCommandRequest{Payload: payloadJSON(map[string]any{"params": map[string]any{"size": 1.5}})}
	_, _, err := req.Decode()
	require.Equal(t, CodeInvalidSchema, CodeOf(err))
}

func TestOperationHashIgnoresNonceAndWindow(t *testing.T) {
	a := &SignedCommandRequest{Payload: payloadJSON(nil)}
	b := &SignedCommandRequest{Payload: payloadJSON(map[string]any{
		"nonce":     "n-2",
		"issuedAt":  "2026-10-18T10:05:00Z",
		"expiresAt": "2026-10-18T10:06:00Z",
	})}
	c := &SignedCommandRequest{Payload: payloadJSON(map[string]any{"params": map[string]any{"name": "y"}})}

	pa, _, err := a.Decode()
	require.NoError(t, err)
	pb, _, err := b.Decode()
	require.NoError(t, err)
	pc, _, err := c.Decode()
	require.NoError(t, err)

	ha, err := OperationHash(pa)
	require.NoError(t, err)
	hb, err := OperationHash(pb)
	require.NoError(t, err)
	hc, err := OperationHash(pc)
	require.NoError(t, err)

	require.Equal(t, ha, hb)
	require.NotEqual(t, ha, hc)
}

func TestCodeOfAndMessageOf(t *testing.T) {
	require.Equal(t, CodeOK, CodeOf(nil))
	require.Equal(t, CodeInternalError, CodeOf(errors.New("disk on fire")))
	require.Equal(t, "internal error", MessageOf(errors.New("disk on fire")))

	wrapped := fmt.Errorf("outer: %w", FieldError(CodeInvalidParameter, "letter", "value not allowed"))
	require.Equal(t, CodeInvalidParameter, CodeOf(wrapped))
	require.Contains(t, MessageOf(wrapped), `"letter"`)
}

func TestDecodeCommandRequestRejectsGarbage(t *testing.T) {
	_, err := DecodeCommandRequest([]byte(`{"payload":`))
	require.Equal(t, CodeInvalidSchema, CodeOf(err))

	_, err = DecodeCommandRequest([]byte(`{"signature":{}}`))
	require.Equal(t, CodeInvalidSchema, CodeOf(err))
}
