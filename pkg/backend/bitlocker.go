package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/warden/pkg/dispatch"
	"github.com/haasonsaas/warden/pkg/policy"
)

const (
	bitlockerStatusScript = `Get-BitLockerVolume -MountPoint $env:WARDEN_ARG_MOUNT_POINT |
Select-Object MountPoint,VolumeStatus,ProtectionStatus,LockStatus,EncryptionPercentage |
ConvertTo-Json -Compress`

	bitlockerUnlockScript = `Unlock-BitLocker -MountPoint $env:WARDEN_ARG_MOUNT_POINT -RecoveryPassword $env:WARDEN_SECRET_RECOVERY_PASSWORD | Out-Null
"unlocked"`

	bitlockerLockScript = `Lock-BitLocker -MountPoint $env:WARDEN_ARG_MOUNT_POINT -ForceDismount | Out-Null
"locked"`
)

var mountPointConstraint = policy.Constraint{Required: true, Pattern: `^[A-Z]:$`}

// BitLockerStatus reports the protection state of a volume.
type BitLockerStatus struct {
	cfg Config
	run Runner
}

func (b *BitLockerStatus) Describe() dispatch.Descriptor {
	return dispatch.Descriptor{
		Name:        "bitlocker_status",
		Description: "Query BitLocker state of a volume",
		Constraints: map[string]policy.Constraint{"mountPoint": mountPointConstraint},
	}
}

func (b *BitLockerStatus) Execute(ctx context.Context, inv dispatch.Invocation) (dispatch.Outcome, error) {
	if b.cfg.Platform != "windows" {
		return dispatch.Outcome{}, unsupported(inv.Command, b.cfg.Platform)
	}
	mp, err := stringParam(inv.Params, "mountPoint")
	if err != nil {
		return dispatch.Outcome{}, err
	}
	out, err := powershell(ctx, b.run, bitlockerStatusScript, map[string]any{"mountPoint": mp}, inv.Env)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	var status map[string]any
	if err := json.Unmarshal(out, &status); err != nil {
		return dispatch.Outcome{}, fmt.Errorf("parse Get-BitLockerVolume output: %w", err)
	}
	return dispatch.Outcome{Result: status}, nil
}

// BitLockerUnlock unlocks a volume with a recovery password. The password
// reaches PowerShell only through WARDEN_SECRET_RECOVERY_PASSWORD.
type BitLockerUnlock struct {
	cfg Config
	run Runner
}

func (b *BitLockerUnlock) Describe() dispatch.Descriptor {
	return dispatch.Descriptor{
		Name:            "bitlocker_unlock",
		Description:     "Unlock a BitLocker volume",
		RequiresSession: true,
		Constraints: map[string]policy.Constraint{
			"mountPoint":       mountPointConstraint,
			"recoveryPassword": {Required: true, Secret: true, Pattern: `^[0-9]{6}(-[0-9]{6}){7}$`},
		},
	}
}

func (b *BitLockerUnlock) Execute(ctx context.Context, inv dispatch.Invocation) (dispatch.Outcome, error) {
	if b.cfg.Platform != "windows" {
		return dispatch.Outcome{}, unsupported(inv.Command, b.cfg.Platform)
	}
	mp, err := stringParam(inv.Params, "mountPoint")
	if err != nil {
		return dispatch.Outcome{}, err
	}
	if !hasEnv(inv.Env, dispatch.SecretEnvName("recoveryPassword")) {
		return dispatch.Outcome{}, fmt.Errorf("recovery password was not supplied")
	}
	if _, err := powershell(ctx, b.run, bitlockerUnlockScript, map[string]any{"mountPoint": mp}, inv.Env); err != nil {
		return dispatch.Outcome{}, err
	}
	return dispatch.Outcome{Result: map[string]any{"mountPoint": mp, "locked": false}}, nil
}

// BitLockerLock locks a volume, dismounting it if needed.
type BitLockerLock struct {
	cfg Config
	run Runner
}

func (b *BitLockerLock) Describe() dispatch.Descriptor {
	return dispatch.Descriptor{
		Name:            "bitlocker_lock",
		Description:     "Lock a BitLocker volume",
		RequiresSession: true,
		Constraints:     map[string]policy.Constraint{"mountPoint": mountPointConstraint},
	}
}

func (b *BitLockerLock) Execute(ctx context.Context, inv dispatch.Invocation) (dispatch.Outcome, error) {
	if b.cfg.Platform != "windows" {
		return dispatch.Outcome{}, unsupported(inv.Command, b.cfg.Platform)
	}
	mp, err := stringParam(inv.Params, "mountPoint")
	if err != nil {
		return dispatch.Outcome{}, err
	}
	if _, err := powershell(ctx, b.run, bitlockerLockScript, map[string]any{"mountPoint": mp}, inv.Env); err != nil {
		return dispatch.Outcome{}, err
	}
	return dispatch.Outcome{Result: map[string]any{"mountPoint": mp, "locked": true}}, nil
}

func hasEnv(env []string, name string) bool {
	for _, kv := range env {
		if strings.HasPrefix(kv, name+"=") && len(kv) > len(name)+1 {
			return true
		}
	}
	return false
}
