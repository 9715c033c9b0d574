package backend

import (
	"runtime"
	"time"

	"github.com/haasonsaas/warden/pkg/dispatch"
)

// Config selects how the backends reach the operating system.
type Config struct {
	// Platform defaults to runtime.GOOS.
	Platform string
	// VHDRoot is the default root offered in the policy template.
	VHDRoot string
	// VHDHelper is the mount helper on non-Windows hosts. It is called as
	// "helper mount <path> <letter>" and "helper unmount <path>".
	VHDHelper string
	// LogSources are files and directories gathered by collect_logs.
	LogSources []string
	// BundleDir receives collect_logs archives.
	BundleDir string
	Timeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Platform == "" {
		c.Platform = runtime.GOOS
	}
	if c.VHDRoot == "" {
		if c.Platform == "windows" {
			c.VHDRoot = `C:\ProgramData\Warden\vhd`
		} else {
			c.VHDRoot = "/var/lib/warden/vhd"
		}
	}
	if c.VHDHelper == "" {
		c.VHDHelper = "/usr/libexec/warden/vhd-helper"
	}
	if c.BundleDir == "" {
		if c.Platform == "windows" {
			c.BundleDir = `C:\ProgramData\Warden\bundles`
		} else {
			c.BundleDir = "/var/lib/warden/bundles"
		}
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	return c
}

// All returns every built-in backend.
func All(cfg Config, runner Runner) []dispatch.Backend {
	cfg = cfg.withDefaults()
	if runner == nil {
		runner = ExecRunner{Timeout: cfg.Timeout}
	}
	return []dispatch.Backend{
		&MountVHD{cfg: cfg, run: runner},
		&UnmountVHD{cfg: cfg, run: runner},
		&BitLockerStatus{cfg: cfg, run: runner},
		&BitLockerUnlock{cfg: cfg, run: runner},
		&BitLockerLock{cfg: cfg, run: runner},
		&QueryDisk{cfg: cfg, run: runner},
		&QueryService{cfg: cfg, run: runner},
		&CollectLogs{cfg: cfg},
	}
}

// RegisterAll registers every built-in backend with reg.
func RegisterAll(reg *dispatch.Registry, cfg Config, runner Runner) error {
	for _, b := range All(cfg, runner) {
		if err := reg.Register(b); err != nil {
			return err
		}
	}
	return nil
}
