package backend

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/warden/pkg/dispatch"
)

type call struct {
	name string
	args []string
	env  []string
}

type recordingRunner struct {
	calls  []call
	output string
	err    error
}

func (r *recordingRunner) Run(_ context.Context, name string, args []string, env []string) ([]byte, error) {
	r.calls = append(r.calls, call{name: name, args: args, env: env})
	return []byte(r.output), r.err
}

func TestMountVHDPassesArgvOnPosix(t *testing.T) {
	r := &recordingRunner{output: "ok\n"}
	b := &MountVHD{cfg: Config{Platform: "linux"}.withDefaults(), run: r}

	out, err := b.Execute(context.Background(), dispatch.Invocation{
		Command: "mount_vhd",
		Params:  map[string]any{"path": "/var/lib/warden/vhd/a b;rm -rf.vhdx", "letter": "X"},
	})
	require.NoError(t, err)
	require.Len(t, r.calls, 1)
	require.Equal(t, "/usr/libexec/warden/vhd-helper", r.calls[0].name)
	require.Equal(t, []string{"mount", "--", "/var/lib/warden/vhd/a b;rm -rf.vhdx", "X"}, r.calls[0].args)
	require.Equal(t, true, out.Result["mounted"])
	require.Equal(t, "ok", out.Metadata["helper_output"])
}

func TestMountVHDWindowsUsesEnvironment(t *testing.T) {
	r := &recordingRunner{}
	b := &MountVHD{cfg: Config{Platform: "windows"}.withDefaults(), run: r}

	_, err := b.Execute(context.Background(), dispatch.Invocation{
		Command: "mount_vhd",
		Params:  map[string]any{"path": `D:\vhd\x'; Remove-Item C:\ -Recurse; '.vhdx`, "letter": "X"},
	})
	require.NoError(t, err)
	c := r.calls[0]
	require.Equal(t, "powershell.exe", c.name)
	require.Equal(t, mountScript, c.args[len(c.args)-1])
	require.NotContains(t, strings.Join(c.args, " "), "Remove-Item")
	require.Contains(t, c.env, `WARDEN_ARG_PATH=D:\vhd\x'; Remove-Item C:\ -Recurse; '.vhdx`)
	require.Contains(t, c.env, "WARDEN_ARG_LETTER=X")
}

func TestBitLockerUnlockKeepsSecretOffCommandLine(t *testing.T) {
	r := &recordingRunner{output: "unlocked"}
	b := &BitLockerUnlock{cfg: Config{Platform: "windows"}.withDefaults(), run: r}
	secret := dispatch.SecretEnvName("recoveryPassword") + "=111111-222222-333333-444444-555555-666666-777777-888888"

	out, err := b.Execute(context.Background(), dispatch.Invocation{
		Command: "bitlocker_unlock",
		Params:  map[string]any{"mountPoint": "E:"},
		Env:     []string{secret},
	})
	require.NoError(t, err)
	require.Equal(t, false, out.Result["locked"])
	c := r.calls[0]
	require.Contains(t, c.env, secret)
	require.NotContains(t, strings.Join(c.args, " "), "111111")

	_, err = b.Execute(context.Background(), dispatch.Invocation{Command: "bitlocker_unlock", Params: map[string]any{"mountPoint": "E:"}})
	require.Error(t, err)
}

func TestBitLockerUnsupportedOffWindows(t *testing.T) {
	r := &recordingRunner{}
	b := &BitLockerStatus{cfg: Config{Platform: "linux"}.withDefaults(), run: r}
	_, err := b.Execute(context.Background(), dispatch.Invocation{Command: "bitlocker_status", Params: map[string]any{"mountPoint": "E:"}})
	require.Error(t, err)
	require.Empty(t, r.calls)
}

func TestBitLockerStatusParsesJSON(t *testing.T) {
	r := &recordingRunner{output: `{"MountPoint":"E:","LockStatus":"Locked","EncryptionPercentage":100}`}
	b := &BitLockerStatus{cfg: Config{Platform: "windows"}.withDefaults(), run: r}
	out, err := b.Execute(context.Background(), dispatch.Invocation{Command: "bitlocker_status", Params: map[string]any{"mountPoint": "E:"}})
	require.NoError(t, err)
	require.Equal(t, "Locked", out.Result["LockStatus"])
}

func TestQueryDiskLinux(t *testing.T) {
	r := &recordingRunner{output: `{"blockdevices":[{"name":"sda","size":1000,"type":"disk"}]}`}
	b := &QueryDisk{cfg: Config{Platform: "linux"}.withDefaults(), run: r}
	out, err := b.Execute(context.Background(), dispatch.Invocation{Command: "query_disk"})
	require.NoError(t, err)
	disks, ok := out.Result["disks"].([]any)
	require.True(t, ok)
	require.Len(t, disks, 1)
	require.Equal(t, "lsblk", r.calls[0].name)
}

func TestQueryServiceInactiveIsNotAnError(t *testing.T) {
	r := &recordingRunner{output: "inactive\n", err: &os.PathError{Op: "x", Path: "y", Err: errors.New("z")}}
	b := &QueryService{cfg: Config{Platform: "linux"}.withDefaults(), run: r}
	_, err := b.Execute(context.Background(), dispatch.Invocation{Command: "query_service", Params: map[string]any{"name": "sshd"}})
	require.Error(t, err)

	r.err = nil
	r.output = "active\n"
	out, err := b.Execute(context.Background(), dispatch.Invocation{Command: "query_service", Params: map[string]any{"name": "sshd"}})
	require.NoError(t, err)
	require.Equal(t, true, out.Result["running"])
	require.Equal(t, []string{"is-active", "--", "sshd"}, r.calls[1].args)
}

func TestCollectLogsWritesZstdTar(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.log"), []byte("alpha\n"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "b.log"), []byte("bravo\n"), 0o600))
	bundles := t.TempDir()

	b := &CollectLogs{cfg: Config{LogSources: []string{src}, BundleDir: bundles}.withDefaults()}
	out, err := b.Execute(context.Background(), dispatch.Invocation{Command: "collect_logs", Params: map[string]any{"label": "support"}})
	require.NoError(t, err)
	require.Equal(t, int64(2), out.Result["files"])
	require.Equal(t, int64(12), out.Result["bytes"])

	path := out.Result["bundle"].(string)
	require.True(t, strings.HasPrefix(filepath.Base(path), "warden-logs-support-"))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	zr, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer zr.Close()

	contents := map[string]string{}
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		b, err := io.ReadAll(tr)
		require.NoError(t, err)
		contents[hdr.Name] = string(b)
	}
	base := filepath.Base(src)
	require.Equal(t, "alpha\n", contents[base+"/a.log"])
	require.Equal(t, "bravo\n", contents[base+"/nested/b.log"])
}

func TestRegisterAllDescriptors(t *testing.T) {
	reg := dispatch.NewRegistry()
	require.NoError(t, RegisterAll(reg, Config{Platform: "linux"}, &recordingRunner{}))

	names := []string{}
	for _, d := range reg.Descriptors() {
		names = append(names, d.Name)
	}
	require.Equal(t, []string{
		"bitlocker_lock", "bitlocker_status", "bitlocker_unlock", "collect_logs",
		"mount_vhd", "query_disk", "query_service", "unmount_vhd",
	}, names)
	require.True(t, reg.RequiresSession("bitlocker_unlock"))
	require.False(t, reg.RequiresSession("query_disk"))
}
