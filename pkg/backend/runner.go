// Package backend holds the command backends that perform privileged
// operating-system work once a request has been authorized.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/haasonsaas/warden/pkg/dispatch"
)

// ArgEnvPrefix prefixes non-secret parameters handed to PowerShell scripts.
// Scripts read $env:WARDEN_ARG_* so request values never become script text.
const ArgEnvPrefix = "WARDEN_ARG_"

// Runner executes an external program. env is appended to the process
// environment.
type Runner interface {
	Run(ctx context.Context, name string, args []string, env []string) ([]byte, error)
}

// ExecRunner runs programs with a per-call timeout.
type ExecRunner struct {
	Timeout time.Duration
}

func (r ExecRunner) Run(ctx context.Context, name string, args []string, env []string) ([]byte, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(out.String())
		if len(detail) > 512 {
			detail = detail[:512]
		}
		if ctx.Err() != nil {
			return out.Bytes(), fmt.Errorf("%s: %w", name, ctx.Err())
		}
		if detail == "" {
			return out.Bytes(), fmt.Errorf("%s: %w", name, err)
		}
		return out.Bytes(), fmt.Errorf("%s: %w: %s", name, err, detail)
	}
	return out.Bytes(), nil
}

// powershell runs script with params exported as WARDEN_ARG_* variables
// alongside the secret environment from the invocation.
func powershell(ctx context.Context, r Runner, script string, params map[string]any, secretEnv []string) ([]byte, error) {
	env := make([]string, 0, len(params)+len(secretEnv))
	for k, v := range params {
		env = append(env, dispatch.EnvName(ArgEnvPrefix, k)+"="+fmt.Sprint(v))
	}
	env = append(env, secretEnv...)
	return r.Run(ctx, "powershell.exe", []string{"-NoProfile", "-NonInteractive", "-Command", script}, env)
}

func stringParam(params map[string]any, name string) (string, error) {
	v, ok := params[name].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing parameter %q", name)
	}
	return v, nil
}

func unsupported(command, goos string) error {
	return fmt.Errorf("%s is not supported on %s", command, goos)
}
