package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, 120, cfg.Listen.RateLimitPerMinute)
	require.Equal(t, 30*time.Second, cfg.Replay.MaxClockSkew)
	require.Equal(t, 5*time.Minute, cfg.Replay.MaxRequestLifetime)
	require.Zero(t, cfg.Idempotency.Retention)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
device_id: host-1
policy:
  path: /srv/policy.json
  bootstrap_public_keys:
    ops-root: {algorithm: ed25519, key: AAAA}
replay:
  max_clock_skew: 10s
idempotency:
  retention: 720h
session:
  ttl: 5m
backends:
  vhd_root: /srv/vhd
  log_sources: [/var/log/warden]
logging:
  level: debug
`), 0o600))

	t.Setenv("WARDEN_DEVICE_ID", "host-2")
	t.Setenv("WARDEN_STATE_DB", "/tmp/warden-state.db")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "host-2", cfg.DeviceID)
	require.Equal(t, "/srv/policy.json", cfg.Policy.Path)
	require.Equal(t, "/tmp/warden-state.db", cfg.State.DBPath)
	require.Equal(t, 10*time.Second, cfg.Replay.MaxClockSkew)
	require.Equal(t, 720*time.Hour, cfg.Idempotency.Retention)
	require.Equal(t, 5*time.Minute, cfg.Session.TTL)
	require.Equal(t, time.Hour, cfg.Session.Tombstone)
	require.Equal(t, []string{"/var/log/warden"}, cfg.Backends.LogSources)
	require.Equal(t, "ed25519", cfg.Policy.BootstrapPublicKeys["ops-root"].Algorithm)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device_id: [unterminated"), 0o600))
	_, err := Load(path)
	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.True(t, errors.Is(cfg.Validate(), ErrMissingDeviceID))

	cfg.DeviceID = "host-1"
	cfg.Policy.Path = ""
	require.True(t, errors.Is(cfg.Validate(), ErrMissingPolicyPath))

	cfg = DefaultConfig()
	cfg.DeviceID = "host-1"
	cfg.Replay.MaxClockSkew = -time.Second
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.DeviceID = "host-1"
	cfg.Policy.BootstrapPublicKeys = map[string]KeyConfig{"k": {Algorithm: "ed25519"}}
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.DeviceID = "host-1"
	cfg.Session.TTL = 0
	cfg.Listen.RateLimitPerMinute = 0
	require.NoError(t, cfg.Validate())
	require.Equal(t, 15*time.Minute, cfg.Session.TTL)
	require.Equal(t, 120, cfg.Listen.RateLimitPerMinute)
}
