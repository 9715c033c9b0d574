package backend

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/xid"

	"github.com/haasonsaas/warden/pkg/dispatch"
	"github.com/haasonsaas/warden/pkg/policy"
)

// maxBundleInput caps the uncompressed bytes read into one bundle.
const maxBundleInput = 512 << 20

// CollectLogs archives the configured log sources into a zstd-compressed
// tarball under BundleDir.
type CollectLogs struct {
	cfg Config
	now func() time.Time
}

func (b *CollectLogs) Describe() dispatch.Descriptor {
	return dispatch.Descriptor{
		Name:        "collect_logs",
		Description: "Bundle diagnostic logs",
		Constraints: map[string]policy.Constraint{
			"label": {Pattern: `^[a-z0-9-]{1,32}$`},
		},
	}
}

func (b *CollectLogs) Execute(ctx context.Context, inv dispatch.Invocation) (dispatch.Outcome, error) {
	if len(b.cfg.LogSources) == 0 {
		return dispatch.Outcome{}, fmt.Errorf("no log sources configured")
	}
	label, _ := inv.Params["label"].(string)
	if label == "" {
		label = "bundle"
	}
	now := time.Now
	if b.now != nil {
		now = b.now
	}

	if err := os.MkdirAll(b.cfg.BundleDir, 0o700); err != nil {
		return dispatch.Outcome{}, fmt.Errorf("create bundle directory: %w", err)
	}
	name := fmt.Sprintf("warden-logs-%s-%s-%s.tar.zst", label, now().UTC().Format("20060102T150405Z"), xid.New().String())
	final := filepath.Join(b.cfg.BundleDir, name)
	tmp := final + ".partial"

	files, total, err := writeBundle(ctx, tmp, b.cfg.LogSources)
	if err != nil {
		os.Remove(tmp)
		return dispatch.Outcome{}, err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return dispatch.Outcome{}, fmt.Errorf("finalize bundle: %w", err)
	}

	info, err := os.Stat(final)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	return dispatch.Outcome{
		Result: map[string]any{
			"bundle":          final,
			"files":           int64(files),
			"bytes":           total,
			"compressedBytes": info.Size(),
		},
	}, nil
}

func writeBundle(ctx context.Context, dest string, sources []string) (int, int64, error) {
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, 0, fmt.Errorf("create bundle: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return 0, 0, fmt.Errorf("could not create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	var files int
	var total int64
	for _, src := range sources {
		base := filepath.Dir(filepath.Clean(src))
		err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// Unreadable entries are skipped; a bundle is best effort.
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if total+info.Size() > maxBundleInput {
				return fmt.Errorf("log bundle would exceed %d bytes", maxBundleInput)
			}
			rel, err := filepath.Rel(base, path)
			if err != nil {
				return nil
			}
			src, err := os.Open(path)
			if err != nil {
				return nil
			}
			n, err := addFile(tw, src, filepath.ToSlash(rel), info)
			src.Close()
			if err != nil {
				return err
			}
			files++
			total += n
			return nil
		})
		if err != nil {
			return 0, 0, err
		}
	}

	if err := tw.Close(); err != nil {
		return 0, 0, err
	}
	if err := zw.Close(); err != nil {
		return 0, 0, err
	}
	if err := f.Sync(); err != nil {
		return 0, 0, err
	}
	return files, total, nil
}

func addFile(tw *tar.Writer, src io.Reader, name string, info fs.FileInfo) (int64, error) {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return 0, err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return 0, err
	}
	// A log that grows while being read is truncated to the header size.
	return io.CopyN(tw, src, hdr.Size)
}
