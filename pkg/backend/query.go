package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/haasonsaas/warden/pkg/dispatch"
	"github.com/haasonsaas/warden/pkg/policy"
)

const diskScript = `Get-Disk | Select-Object Number,FriendlyName,Size,OperationalStatus,PartitionStyle | ConvertTo-Json -Compress`

const serviceScript = `(Get-Service -Name $env:WARDEN_ARG_NAME -ErrorAction Stop).Status.ToString()`

// QueryDisk lists block devices.
type QueryDisk struct {
	cfg Config
	run Runner
}

func (b *QueryDisk) Describe() dispatch.Descriptor {
	return dispatch.Descriptor{
		Name:        "query_disk",
		Description: "List disks and block devices",
	}
}

func (b *QueryDisk) Execute(ctx context.Context, inv dispatch.Invocation) (dispatch.Outcome, error) {
	var (
		out []byte
		err error
	)
	switch b.cfg.Platform {
	case "windows":
		out, err = powershell(ctx, b.run, diskScript, nil, inv.Env)
	case "linux":
		out, err = b.run.Run(ctx, "lsblk", []string{"--json", "--bytes", "-o", "NAME,SIZE,TYPE,MOUNTPOINT,FSTYPE"}, inv.Env)
	default:
		return dispatch.Outcome{}, unsupported(inv.Command, b.cfg.Platform)
	}
	if err != nil {
		return dispatch.Outcome{}, err
	}

	var parsed any
	if err := json.Unmarshal(out, &parsed); err != nil {
		return dispatch.Outcome{}, fmt.Errorf("parse disk listing: %w", err)
	}
	var disks any
	switch t := parsed.(type) {
	case map[string]any:
		if bd, ok := t["blockdevices"]; ok {
			disks = bd
		} else {
			// ConvertTo-Json emits a bare object for a single disk.
			disks = []any{t}
		}
	default:
		disks = t
	}
	return dispatch.Outcome{Result: map[string]any{"disks": disks}}, nil
}

// QueryService reports whether a system service is running.
type QueryService struct {
	cfg Config
	run Runner
}

func (b *QueryService) Describe() dispatch.Descriptor {
	return dispatch.Descriptor{
		Name:        "query_service",
		Description: "Report the state of a system service",
		Constraints: map[string]policy.Constraint{
			"name": {Required: true, Pattern: `^[A-Za-z0-9][A-Za-z0-9_.@-]{0,127}$`},
		},
	}
}

func (b *QueryService) Execute(ctx context.Context, inv dispatch.Invocation) (dispatch.Outcome, error) {
	name, err := stringParam(inv.Params, "name")
	if err != nil {
		return dispatch.Outcome{}, err
	}

	var state string
	switch b.cfg.Platform {
	case "windows":
		out, err := powershell(ctx, b.run, serviceScript, map[string]any{"name": name}, inv.Env)
		if err != nil {
			return dispatch.Outcome{}, err
		}
		state = strings.ToLower(strings.TrimSpace(string(out)))
	case "linux":
		out, err := b.run.Run(ctx, "systemctl", []string{"is-active", "--", name}, inv.Env)
		state = strings.TrimSpace(string(out))
		// is-active exits non-zero for any state other than active.
		var exitErr *exec.ExitError
		if err != nil && !(errors.As(err, &exitErr) && state != "") {
			return dispatch.Outcome{}, err
		}
	default:
		return dispatch.Outcome{}, unsupported(inv.Command, b.cfg.Platform)
	}
	return dispatch.Outcome{Result: map[string]any{
		"name":    name,
		"state":   state,
		"running": state == "active" || state == "running",
	}}, nil
}
