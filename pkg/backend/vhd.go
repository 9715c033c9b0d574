package backend

import (
	"context"
	"strings"

	"github.com/haasonsaas/warden/pkg/dispatch"
	"github.com/haasonsaas/warden/pkg/policy"
)

const mountScript = `$img = Mount-DiskImage -ImagePath $env:WARDEN_ARG_PATH -NoDriveLetter -PassThru
$part = $img | Get-Disk | Get-Partition | Where-Object { $_.Type -ne 'Reserved' } | Select-Object -First 1
$part | Set-Partition -NewDriveLetter $env:WARDEN_ARG_LETTER
"mounted"`

const unmountScript = `Dismount-DiskImage -ImagePath $env:WARDEN_ARG_PATH | Out-Null
"unmounted"`

func vhdPathConstraint(root string) policy.Constraint {
	return policy.Constraint{Type: policy.TypePath, Required: true, Root: root, Extensions: []string{".vhd", ".vhdx"}}
}

// MountVHD attaches a virtual disk and assigns it a drive letter.
type MountVHD struct {
	cfg Config
	run Runner
}

func (b *MountVHD) Describe() dispatch.Descriptor {
	return dispatch.Descriptor{
		Name:            "mount_vhd",
		Description:     "Attach a virtual disk image",
		RequiresSession: true,
		Constraints: map[string]policy.Constraint{
			"path":   vhdPathConstraint(b.cfg.VHDRoot),
			"letter": {Required: true, Pattern: `^[D-Z]$`},
		},
	}
}

func (b *MountVHD) Execute(ctx context.Context, inv dispatch.Invocation) (dispatch.Outcome, error) {
	path, err := stringParam(inv.Params, "path")
	if err != nil {
		return dispatch.Outcome{}, err
	}
	letter, err := stringParam(inv.Params, "letter")
	if err != nil {
		return dispatch.Outcome{}, err
	}

	var out []byte
	if b.cfg.Platform == "windows" {
		out, err = powershell(ctx, b.run, mountScript, map[string]any{"path": path, "letter": letter}, inv.Env)
	} else {
		out, err = b.run.Run(ctx, b.cfg.VHDHelper, []string{"mount", "--", path, letter}, inv.Env)
	}
	if err != nil {
		return dispatch.Outcome{}, err
	}
	return dispatch.Outcome{
		Result:   map[string]any{"path": path, "letter": letter, "mounted": true},
		Metadata: map[string]string{"helper_output": strings.TrimSpace(string(out))},
	}, nil
}

// UnmountVHD detaches a virtual disk.
type UnmountVHD struct {
	cfg Config
	run Runner
}

func (b *UnmountVHD) Describe() dispatch.Descriptor {
	return dispatch.Descriptor{
		Name:            "unmount_vhd",
		Description:     "Detach a virtual disk image",
		RequiresSession: true,
		Constraints: map[string]policy.Constraint{
			"path": vhdPathConstraint(b.cfg.VHDRoot),
		},
	}
}

func (b *UnmountVHD) Execute(ctx context.Context, inv dispatch.Invocation) (dispatch.Outcome, error) {
	path, err := stringParam(inv.Params, "path")
	if err != nil {
		return dispatch.Outcome{}, err
	}
	var out []byte
	if b.cfg.Platform == "windows" {
		out, err = powershell(ctx, b.run, unmountScript, map[string]any{"path": path}, inv.Env)
	} else {
		out, err = b.run.Run(ctx, b.cfg.VHDHelper, []string{"unmount", "--", path}, inv.Env)
	}
	if err != nil {
		return dispatch.Outcome{}, err
	}
	return dispatch.Outcome{
		Result:   map[string]any{"path": path, "mounted": false},
		Metadata: map[string]string{"helper_output": strings.TrimSpace(string(out))},
	}, nil
}
