package policy

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/warden/pkg/protocol"
)

// FileSystem is the slice of the OS the path rule needs. Tests substitute it
// to exercise Windows layouts on any host.
type FileSystem interface {
	// EvalSymlinks resolves every link in path. A missing target reports an
	// error matching fs.ErrNotExist.
	EvalSymlinks(path string) (string, error)
}

// OSFileSystem resolves paths against the real filesystem.
type OSFileSystem struct{}

func (OSFileSystem) EvalSymlinks(path string) (string, error) {
	return filepath.EvalSymlinks(path)
}

// lexPath is a lexically cleaned absolute path. Windows paths compare
// case-insensitively; POSIX paths compare exactly.
type lexPath struct {
	windows bool
	volume  string
	parts   []string
}

func (p lexPath) String() string {
	if p.windows {
		return p.volume + `\` + strings.Join(p.parts, `\`)
	}
	return "/" + strings.Join(p.parts, "/")
}

func (p lexPath) ext() string {
	if len(p.parts) == 0 {
		return ""
	}
	last := p.parts[len(p.parts)-1]
	i := strings.LastIndexByte(last, '.')
	if i <= 0 {
		return ""
	}
	return strings.ToLower(last[i:])
}

func (p lexPath) equalPart(a, b string) bool {
	if p.windows {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// under reports whether p is a strict descendant of root.
func (p lexPath) under(root lexPath) bool {
	if p.windows != root.windows || !p.equalPart(p.volume, root.volume) {
		return false
	}
	if len(p.parts) <= len(root.parts) {
		return false
	}
	for i := range root.parts {
		if !p.equalPart(p.parts[i], root.parts[i]) {
			return false
		}
	}
	return true
}

func isWindowsPath(p string) bool {
	if len(p) >= 3 && isLetter(p[0]) && p[1] == ':' && (p[2] == '\\' || p[2] == '/') {
		return true
	}
	return strings.HasPrefix(p, `\\`) || strings.HasPrefix(p, `//`)
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func notAllowed(format string, args ...any) error {
	return protocol.Errorf(protocol.CodePathNotAllowed, format, args...)
}

func parseRoot(root string) (lexPath, error) {
	if isWindowsPath(root) {
		return parseWindows(root, nil)
	}
	if !strings.HasPrefix(root, "/") {
		return lexPath{}, fmt.Errorf("root %q is not absolute", root)
	}
	return parsePosix(root, nil)
}

func parsePath(windows bool, p string, base *lexPath) (lexPath, error) {
	if windows {
		return parseWindows(p, base)
	}
	return parsePosix(p, base)
}

func parsePosix(p string, base *lexPath) (lexPath, error) {
	out := lexPath{}
	if !strings.HasPrefix(p, "/") {
		if base == nil {
			return out, notAllowed("path is not absolute")
		}
		out.parts = append(out.parts, base.parts...)
	}
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out.parts) == 0 {
				return out, notAllowed("path escapes the filesystem root")
			}
			out.parts = out.parts[:len(out.parts)-1]
			continue
		}
		out.parts = append(out.parts, seg)
	}
	return out, nil
}

var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true, "CONIN$": true, "CONOUT$": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true, "COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true, "LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

func parseWindows(p string, base *lexPath) (lexPath, error) {
	p = strings.ReplaceAll(p, "/", `\`)
	if strings.HasPrefix(p, `\\?\`) || strings.HasPrefix(p, `\\.\`) {
		return lexPath{}, notAllowed("device namespace paths are not allowed")
	}

	out := lexPath{windows: true}
	var rest string
	switch {
	case len(p) >= 2 && isLetter(p[0]) && p[1] == ':':
		out.volume = strings.ToUpper(p[:2])
		rest = p[2:]
		if !strings.HasPrefix(rest, `\`) {
			return out, notAllowed("drive-relative paths are not allowed")
		}
	case strings.HasPrefix(p, `\\`):
		segs := strings.SplitN(p[2:], `\`, 3)
		if len(segs) < 2 || segs[0] == "" || segs[1] == "" {
			return out, notAllowed("malformed UNC path")
		}
		if strings.Contains(segs[0], ":") || strings.Contains(segs[1], ":") {
			return out, notAllowed("alternate data streams are not allowed")
		}
		out.volume = `\\` + segs[0] + `\` + segs[1]
		if len(segs) == 3 {
			rest = segs[2]
		}
	case strings.HasPrefix(p, `\`):
		return out, notAllowed("path has no drive")
	default:
		if base == nil {
			return out, notAllowed("path is not absolute")
		}
		out.volume = base.volume
		out.parts = append(out.parts, base.parts...)
		rest = p
	}

	if strings.Contains(rest, ":") {
		return out, notAllowed("alternate data streams are not allowed")
	}
	for _, seg := range strings.Split(rest, `\`) {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out.parts) == 0 {
				return out, notAllowed("path escapes the volume root")
			}
			out.parts = out.parts[:len(out.parts)-1]
			continue
		}
		if err := checkWindowsComponent(seg); err != nil {
			return out, err
		}
		out.parts = append(out.parts, seg)
	}
	return out, nil
}

func checkWindowsComponent(seg string) error {
	if strings.HasSuffix(seg, ".") || strings.HasSuffix(seg, " ") {
		return notAllowed("path component %q has a trailing dot or space", seg)
	}
	if strings.ContainsAny(seg, `<>"|?*`) {
		return notAllowed("path component %q contains a wildcard or reserved character", seg)
	}
	base := seg
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	if reservedNames[strings.ToUpper(strings.TrimRight(base, " "))] {
		return notAllowed("path component %q is a reserved device name", seg)
	}
	return nil
}

// ResolvePath canonicalizes candidate against root and returns the resolved
// path. The candidate is first cleaned lexically and checked for containment,
// then symlinks are resolved and the result is checked again so a link cannot
// point outside the root. Relative candidates are taken relative to root.
// When extensions is non-empty both the requested and the resolved name must
// carry one of them.
func ResolvePath(fsys FileSystem, root, candidate string, extensions []string) (string, error) {
	rootLex, err := parseRoot(root)
	if err != nil {
		return "", notAllowed("allowed root is not usable")
	}
	lex, err := parsePath(rootLex.windows, candidate, &rootLex)
	if err != nil {
		return "", err
	}
	if !lex.under(rootLex) {
		return "", notAllowed("path is outside the allowed root")
	}
	if err := checkExtension(lex, extensions); err != nil {
		return "", err
	}

	resolved, err := fsys.EvalSymlinks(lex.String())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", protocol.Errorf(protocol.CodePathNotFound, "path does not exist")
		}
		return "", notAllowed("path could not be canonicalized")
	}

	resolvedRoot := rootLex
	if rr, err := fsys.EvalSymlinks(rootLex.String()); err == nil {
		if parsed, err := parsePath(rootLex.windows, rr, nil); err == nil {
			resolvedRoot = parsed
		}
	}
	final, err := parsePath(rootLex.windows, resolved, nil)
	if err != nil {
		return "", err
	}
	if !final.under(resolvedRoot) {
		return "", notAllowed("path resolves outside the allowed root")
	}
	if err := checkExtension(final, extensions); err != nil {
		return "", err
	}
	return final.String(), nil
}

func checkExtension(p lexPath, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	ext := p.ext()
	for _, a := range allowed {
		if ext == a {
			return nil
		}
	}
	return protocol.Errorf(protocol.CodeInvalidParameter, "file extension %q is not allowed", ext)
}
