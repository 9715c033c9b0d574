package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the daemon looks for its config file.
var DefaultPath = defaultPath()

type Config struct {
	DeviceID    string            `yaml:"device_id"`
	Listen      ListenConfig      `yaml:"listen"`
	Policy      PolicyConfig      `yaml:"policy"`
	State       StateConfig       `yaml:"state"`
	Audit       AuditConfig       `yaml:"audit"`
	Replay      ReplayConfig      `yaml:"replay"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Session     SessionConfig     `yaml:"session"`
	Backends    BackendsConfig    `yaml:"backends"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

type ListenConfig struct {
	// Socket is a unix socket path, or a named pipe (\\.\pipe\name) on Windows.
	Socket             string `yaml:"socket"`
	SocketMode         uint32 `yaml:"socket_mode"`
	PipeSDDL           string `yaml:"pipe_sddl"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
}

type KeyConfig struct {
	Algorithm string `yaml:"algorithm"`
	Key       string `yaml:"key"`
}

type PolicyConfig struct {
	Path string `yaml:"path"`
	// BootstrapPublicKeys verify the first policy update when no policy is
	// installed yet.
	BootstrapPublicKeys map[string]KeyConfig `yaml:"bootstrap_public_keys"`
}

type StateConfig struct {
	DBPath string `yaml:"db_path"`
}

type AuditConfig struct {
	Path     string `yaml:"path"`
	SaltFile string `yaml:"salt_file"`
}

type ReplayConfig struct {
	MaxClockSkew       time.Duration `yaml:"max_clock_skew"`
	MaxRequestLifetime time.Duration `yaml:"max_request_lifetime"`
	PruneInterval      time.Duration `yaml:"prune_interval"`
}

type IdempotencyConfig struct {
	// Retention prunes persisted records older than this at startup. Zero
	// keeps them forever.
	Retention time.Duration `yaml:"retention"`
}

type SessionConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	Tombstone     time.Duration `yaml:"tombstone"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type BackendsConfig struct {
	VHDRoot    string        `yaml:"vhd_root"`
	VHDHelper  string        `yaml:"vhd_helper"`
	LogSources []string      `yaml:"log_sources"`
	BundleDir  string        `yaml:"bundle_dir"`
	Timeout    time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans"`
}

func defaultPath() string {
	if runtime.GOOS == "windows" {
		return `C:\ProgramData\Warden\warden.yaml`
	}
	return "/etc/warden/warden.yaml"
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	stateDir, logDir := "/var/lib/warden", "/var/log/warden"
	socket := "/run/warden/warden.sock"
	policyPath := "/etc/warden/policy.json"
	if runtime.GOOS == "windows" {
		stateDir = `C:\ProgramData\Warden\state`
		logDir = `C:\ProgramData\Warden\logs`
		socket = `\\.\pipe\warden`
		policyPath = `C:\ProgramData\Warden\policy.json`
	}
	return &Config{
		Listen: ListenConfig{
			Socket:             socket,
			SocketMode:         0o660,
			RateLimitPerMinute: 120,
		},
		Policy: PolicyConfig{Path: policyPath},
		State:  StateConfig{DBPath: filepath.Join(stateDir, "state.db")},
		Audit: AuditConfig{
			Path:     filepath.Join(logDir, "audit.jsonl"),
			SaltFile: filepath.Join(stateDir, "audit.salt"),
		},
		Replay: ReplayConfig{
			MaxClockSkew:       30 * time.Second,
			MaxRequestLifetime: 5 * time.Minute,
			PruneInterval:      time.Minute,
		},
		Session: SessionConfig{
			TTL:           15 * time.Minute,
			Tombstone:     time.Hour,
			SweepInterval: time.Minute,
		},
		Backends: BackendsConfig{
			BundleDir: filepath.Join(stateDir, "bundles"),
			Timeout:   2 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info"},
		Tracing: TracingConfig{SampleRatio: 1},
	}
}

// Load reads path over the defaults, then applies WARDEN_* environment
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, &Error{"parse " + path + ": " + err.Error()}
			}
		}
	}

	cfg.applyEnv(os.Getenv)
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, name string) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			*dst = v
		}
	}
	set(&c.Policy.Path, "WARDEN_POLICY_PATH")
	set(&c.Listen.Socket, "WARDEN_SOCKET")
	set(&c.DeviceID, "WARDEN_DEVICE_ID")
	set(&c.Logging.Level, "WARDEN_LOG_LEVEL")
	set(&c.State.DBPath, "WARDEN_STATE_DB")
	set(&c.Audit.Path, "WARDEN_AUDIT_LOG")
}

// Validate rejects unusable settings and fills zero values with defaults.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DeviceID) == "" {
		return ErrMissingDeviceID
	}
	if c.Policy.Path == "" {
		return ErrMissingPolicyPath
	}
	if c.State.DBPath == "" {
		return &Error{"state.db_path is required"}
	}
	if c.Audit.Path == "" {
		return &Error{"audit.path is required"}
	}
	if c.Listen.Socket == "" {
		return &Error{"listen.socket is required"}
	}
	for id, k := range c.Policy.BootstrapPublicKeys {
		if k.Algorithm == "" || k.Key == "" {
			return &Error{"bootstrap key " + id + " needs algorithm and key"}
		}
	}

	def := DefaultConfig()
	if c.Listen.RateLimitPerMinute <= 0 {
		c.Listen.RateLimitPerMinute = def.Listen.RateLimitPerMinute
	}
	if c.Listen.SocketMode == 0 {
		c.Listen.SocketMode = def.Listen.SocketMode
	}
	if c.Audit.SaltFile == "" {
		c.Audit.SaltFile = filepath.Join(filepath.Dir(c.State.DBPath), "audit.salt")
	}
	if c.Replay.MaxClockSkew < 0 {
		return &Error{"replay.max_clock_skew must not be negative"}
	}
	if c.Replay.MaxRequestLifetime <= 0 {
		c.Replay.MaxRequestLifetime = def.Replay.MaxRequestLifetime
	}
	if c.Replay.PruneInterval <= 0 {
		c.Replay.PruneInterval = def.Replay.PruneInterval
	}
	if c.Idempotency.Retention < 0 {
		return &Error{"idempotency.retention must not be negative"}
	}
	if c.Session.TTL <= 0 {
		c.Session.TTL = def.Session.TTL
	}
	if c.Session.Tombstone <= 0 {
		c.Session.Tombstone = def.Session.Tombstone
	}
	if c.Session.SweepInterval <= 0 {
		c.Session.SweepInterval = def.Session.SweepInterval
	}
	if c.Backends.Timeout <= 0 {
		c.Backends.Timeout = def.Backends.Timeout
	}
	if c.Backends.BundleDir == "" {
		c.Backends.BundleDir = filepath.Join(filepath.Dir(c.State.DBPath), "bundles")
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

var (
	ErrMissingDeviceID   = &Error{"device_id is required"}
	ErrMissingPolicyPath = &Error{"policy.path is required"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
