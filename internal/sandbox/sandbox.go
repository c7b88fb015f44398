// Package sandbox confines untrusted relative paths to a fixed root directory.
//
// Every resolution canonicalizes the joined path (cleaning "." and "..", and
// following symlinks, including dangling ones) before checking that the result
// is the root itself or lies beneath it. Callers must use the returned path for
// all filesystem access.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// ErrPathEscape is returned when a path resolves outside its root.
var ErrPathEscape = errors.New("path escapes root")

// ErrInvalidPath is returned for paths the filesystem cannot resolve at all:
// a regular file used as a directory, a NUL byte, an over-long name or a
// symlink loop.
var ErrInvalidPath = errors.New("invalid path")

// maxLinkHops bounds symlink chains while canonicalizing.
const maxLinkHops = 40

// Root is a canonical directory that relative paths are resolved against.
type Root struct {
	path string
}

// New returns a Root for dir. The directory must exist; it is canonicalized
// once so later prefix checks compare like with like.
func New(dir string) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("sandbox root %q: %w", dir, err)
	}

	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("sandbox root %q: %w", dir, err)
	}

	info, err := os.Stat(canon)
	if err != nil {
		return nil, fmt.Errorf("sandbox root %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sandbox root %q: not a directory", dir)
	}

	return &Root{path: canon}, nil
}

// Path returns the canonical absolute root directory.
func (r *Root) Path() string {
	return r.path
}

// Resolve maps rel onto an absolute path inside the root.
// Leading separators are ignored so "/a/b" and "a/b" are equivalent, and the
// empty string resolves to the root itself.
func (r *Root) Resolve(rel string) (string, error) {
	return resolve(r.path, rel)
}

// Rel expresses an absolute path inside the root as a slash-separated
// relative path. The root itself yields "".
func (r *Root) Rel(abs string) (string, error) {
	if !contains(r.path, abs) {
		return "", ErrPathEscape
	}

	rel, err := filepath.Rel(r.path, abs)
	if err != nil {
		return "", err
	}
	if rel == "." {
		return "", nil
	}

	return filepath.ToSlash(rel), nil
}

// Contains reports whether abs (already canonical) lies within the root.
func (r *Root) Contains(abs string) bool {
	return contains(r.path, abs)
}

// Within resolves rel against an arbitrary base directory using the same
// rules as Root.Resolve. It is used for share targets that are themselves
// sandboxed paths.
func Within(base, rel string) (string, error) {
	canonBase, err := canonicalize(base)
	if err != nil {
		return "", err
	}
	return resolve(canonBase, rel)
}

func resolve(base, rel string) (string, error) {
	if strings.ContainsRune(rel, 0) {
		return "", ErrInvalidPath
	}
	rel = strings.TrimLeft(rel, "/"+string(filepath.Separator))
	joined := filepath.Join(base, filepath.FromSlash(rel))

	canon, err := canonicalize(joined)
	if err != nil {
		return "", err
	}

	if !contains(base, canon) {
		return "", ErrPathEscape
	}

	return canon, nil
}

func contains(base, p string) bool {
	if p == base {
		return true
	}
	prefix := base
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(p, prefix)
}

// canonicalize resolves every symlink in p. Path components that do not exist
// yet are re-appended to the canonical form of their deepest existing
// ancestor. Dangling links are followed through their target text.
func canonicalize(p string) (string, error) {
	cur := filepath.Clean(p)
	var rest []string
	hops := 0

	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return joinRest(resolved, rest), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", classify(p, err)
		}

		info, lerr := os.Lstat(cur)
		if lerr == nil && info.Mode()&fs.ModeSymlink != 0 {
			hops++
			if hops > maxLinkHops {
				return "", fmt.Errorf("%s: too many levels of symbolic links: %w", p, ErrInvalidPath)
			}
			target, rerr := os.Readlink(cur)
			if rerr != nil {
				return "", classify(p, rerr)
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(cur), target)
			}
			cur = filepath.Clean(target)
			continue
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			return joinRest(cur, rest), nil
		}
		rest = append(rest, filepath.Base(cur))
		cur = parent
	}
}

// classify wraps resolution failures caused by the shape of the path itself
// in ErrInvalidPath. Other errors (permissions, I/O) pass through.
func classify(p string, err error) error {
	var pe *fs.PathError
	if !errors.As(err, &pe) {
		// EvalSymlinks reports link loops as a plain error.
		return fmt.Errorf("%s: %w: %w", p, ErrInvalidPath, err)
	}
	for _, errno := range []syscall.Errno{syscall.ENOTDIR, syscall.EINVAL, syscall.ENAMETOOLONG, syscall.ELOOP} {
		if errors.Is(err, errno) {
			return fmt.Errorf("%w: %w", ErrInvalidPath, err)
		}
	}
	return err
}

func joinRest(head string, rest []string) string {
	parts := make([]string, 0, len(rest)+1)
	parts = append(parts, head)
	for i := len(rest) - 1; i >= 0; i-- {
		parts = append(parts, rest[i])
	}
	return filepath.Join(parts...)
}
