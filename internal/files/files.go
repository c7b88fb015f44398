// Package files implements the file manager operations over a sandboxed root.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/koalacloud/koalacloud/internal/fileutil"
	"github.com/koalacloud/koalacloud/internal/sandbox"
	"github.com/koalacloud/koalacloud/internal/transfer"
)

// Errors returned by Manager operations.
var (
	ErrNotFound            = errors.New("not found")
	ErrNotDir              = errors.New("not a directory")
	ErrNotFile             = errors.New("not a file")
	ErrRootProtected       = errors.New("the root directory cannot be changed")
	ErrExtensionNotAllowed = errors.New("file type not allowed")
	ErrTooLarge            = errors.New("file too large")
	ErrMissingName         = errors.New("missing name")
)

// Entry types.
const (
	TypeFile = "file"
	TypeDir  = "dir"
)

// Entry is one listed filesystem entry. Path is relative to the root.
type Entry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Type  string `json:"type"`
	Size  int64  `json:"size"`
	MTime int64  `json:"mtime"`
}

// Listing is the result of List: a single file, or a directory with its items.
// Directory listings report Path "/" for the root.
type Listing struct {
	Type  string  `json:"type"`
	Name  string  `json:"name,omitempty"`
	Path  string  `json:"path"`
	Size  int64   `json:"size,omitempty"`
	MTime int64   `json:"mtime,omitempty"`
	Items []Entry `json:"items,omitempty"`
}

// Properties describes a single entry including its mime type.
type Properties struct {
	Entry

	MIME string `json:"mime"`
}

// Folder is a subdirectory in a Folders listing.
type Folder struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Folders lists only the subdirectories of a directory, for destination pickers.
type Folders struct {
	Cwd    string   `json:"cwd"`
	Parent string   `json:"parent"`
	Dirs   []Folder `json:"dirs"`
}

// Manager performs file operations confined to a sandbox root.
type Manager struct {
	root             *sandbox.Root
	copier           transfer.Copier
	logger           zerolog.Logger
	allowed          []string
	maxUploadBytes   int64
	defaultUploadDir string
}

// Option is a functional option for configuring the Manager.
type Option func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithAllowedExtensions limits uploads to the given extensions.
func WithAllowedExtensions(exts []string) Option {
	return func(m *Manager) {
		m.allowed = exts
	}
}

// WithMaxUploadBytes caps the size of a single upload. Zero means unlimited.
func WithMaxUploadBytes(n int64) Option {
	return func(m *Manager) {
		m.maxUploadBytes = n
	}
}

// WithDefaultUploadDir sets the directory uploads go to when none is given.
func WithDefaultUploadDir(rel string) Option {
	return func(m *Manager) {
		m.defaultUploadDir = rel
	}
}

// NewManager creates a Manager over root. copier backs Copy and Move.
func NewManager(root *sandbox.Root, copier transfer.Copier, opts ...Option) *Manager {
	m := &Manager{
		root:   root,
		copier: copier,
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Root returns the sandbox the manager operates in.
func (m *Manager) Root() *sandbox.Root {
	return m.root
}

// List returns file metadata when rel is a file, or the directory's entries
// (directories first, then case-insensitive by name) when it is a directory.
func (m *Manager) List(rel string) (Listing, error) {
	abs, info, err := m.stat(rel)
	if err != nil {
		return Listing{}, err
	}

	relPath := m.rel(abs)

	if !info.IsDir {
		return Listing{
			Type:  TypeFile,
			Name:  info.Name,
			Path:  relPath,
			Size:  info.Size,
			MTime: info.ModTime.Unix(),
		}, nil
	}

	children, err := fileutil.ListDir(abs)
	if err != nil {
		return Listing{}, err
	}

	items := make([]Entry, 0, len(children))
	for _, c := range children {
		items = append(items, entryFrom(path.Join(relPath, c.Name), c))
	}

	if relPath == "" {
		relPath = "/"
	}

	return Listing{Type: TypeDir, Path: relPath, Items: items}, nil
}

// Properties returns metadata for rel including a mime type.
func (m *Manager) Properties(rel string) (Properties, error) {
	abs, info, err := m.stat(rel)
	if err != nil {
		return Properties{}, err
	}

	props := Properties{Entry: entryFrom(m.rel(abs), info)}
	if info.IsDir {
		props.MIME = "inode/directory"
	} else {
		props.MIME = fileutil.DetectMIME(abs)
	}

	return props, nil
}

// OpenFile resolves rel to an absolute path that is known to be a regular file.
func (m *Manager) OpenFile(rel string) (string, error) {
	abs, info, err := m.stat(rel)
	if err != nil {
		return "", err
	}
	if info.IsDir {
		return "", ErrNotFile
	}
	return abs, nil
}

// Upload stores r as filename inside dirRel (or the default upload directory
// when dirRel is empty), creating the directory if needed. It returns the
// saved path relative to the root.
func (m *Manager) Upload(dirRel, filename string, r io.Reader) (string, error) {
	if filename == "" {
		return "", ErrMissingName
	}
	if !fileutil.HasAllowedExtension(filename, m.allowed) {
		return "", ErrExtensionNotAllowed
	}

	name, err := fileutil.SecureFilename(filename)
	if err != nil {
		return "", err
	}

	if dirRel == "" {
		dirRel = m.defaultUploadDir
	}
	dir, err := m.root.Resolve(dirRel)
	if err != nil {
		return "", err
	}
	if err = os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // shared media directories are world-readable
		return "", err
	}

	dst, err := m.root.Resolve(path.Join(m.rel(dir), name))
	if err != nil {
		return "", err
	}

	if m.maxUploadBytes > 0 {
		r = &limitedReader{r: r, remaining: m.maxUploadBytes}
	}

	written, err := fileutil.SaveReader(dst, r)
	if err != nil {
		return "", err
	}

	saved := m.rel(dst)
	m.logger.Info().
		Str("path", saved).
		Int64("size", written).
		Msg("file uploaded")

	return saved, nil
}

// Mkdir creates name inside parentRel. The parent must exist and the new
// directory must not.
func (m *Manager) Mkdir(parentRel, name string) (string, error) {
	if name == "" {
		return "", ErrMissingName
	}
	clean, err := fileutil.SecureFilename(name)
	if err != nil {
		return "", err
	}

	parent, err := m.root.Resolve(parentRel)
	if err != nil {
		return "", err
	}

	dir, err := m.root.Resolve(path.Join(m.rel(parent), clean))
	if err != nil {
		return "", err
	}

	if err = os.Mkdir(dir, 0o755); err != nil { //nolint:gosec // shared media directories are world-readable
		if errors.Is(err, iofs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}

	return m.rel(dir), nil
}

// Delete removes rel, recursively for directories.
func (m *Manager) Delete(rel string) error {
	abs, _, err := m.stat(rel)
	if err != nil {
		return err
	}
	if abs == m.root.Path() {
		return ErrRootProtected
	}

	if err = os.RemoveAll(abs); err != nil {
		return err
	}

	m.logger.Info().Str("path", m.rel(abs)).Msg("deleted")
	return nil
}

// Move relocates src to dst. An existing directory at dst receives src inside it.
func (m *Manager) Move(ctx context.Context, srcRel, dstRel string) (string, error) {
	return m.relocate(ctx, srcRel, dstRel, m.copier.Move)
}

// Copy duplicates src at dst, recursively for directories.
func (m *Manager) Copy(ctx context.Context, srcRel, dstRel string) (string, error) {
	return m.relocate(ctx, srcRel, dstRel, m.copier.Copy)
}

func (m *Manager) relocate(
	ctx context.Context,
	srcRel, dstRel string,
	op func(ctx context.Context, src, dst string) (transfer.Result, error),
) (string, error) {
	src, _, err := m.stat(srcRel)
	if err != nil {
		return "", err
	}
	if src == m.root.Path() {
		return "", ErrRootProtected
	}

	dst, err := m.target(src, dstRel)
	if err != nil {
		return "", err
	}

	res, err := op(ctx, src, dst)
	if err != nil {
		return "", err
	}
	if !m.root.Contains(res.Dst) {
		return "", sandbox.ErrPathEscape
	}

	out := m.rel(res.Dst)
	m.logger.Info().
		Str("src", m.rel(src)).
		Str("dst", out).
		Msg("relocated")

	return out, nil
}

// target resolves the final destination of a copy or move. An existing
// directory at dstRel receives the source under its own name; that derived
// path is resolved through the sandbox again. The result is never an
// existing directory, so the copier writes exactly there.
func (m *Manager) target(src, dstRel string) (string, error) {
	dst, err := m.root.Resolve(dstRel)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(dst)
	if err != nil || !info.IsDir() {
		return dst, nil //nolint:nilerr // a missing destination is created by the copier
	}

	dst, err = m.root.Resolve(path.Join(m.rel(dst), filepath.Base(src)))
	if err != nil {
		return "", err
	}
	if info, err = os.Stat(dst); err == nil && info.IsDir() {
		return "", fmt.Errorf("%s: %w", m.rel(dst), iofs.ErrExist)
	}

	return dst, nil
}

// Folders lists the subdirectories of rel together with its parent, for
// destination pickers. The root reports Cwd "/" and Parent "".
func (m *Manager) Folders(rel string) (Folders, error) {
	abs, info, err := m.stat(rel)
	if err != nil {
		return Folders{}, err
	}
	if !info.IsDir {
		return Folders{}, ErrNotDir
	}

	children, err := fileutil.ListDir(abs)
	if err != nil {
		return Folders{}, err
	}

	relPath := m.rel(abs)
	out := Folders{Cwd: "/", Dirs: []Folder{}}
	if relPath != "" {
		out.Cwd = relPath
		out.Parent = path.Dir(relPath)
		if out.Parent == "." {
			out.Parent = ""
		}
	}

	for _, c := range children {
		if c.IsDir {
			out.Dirs = append(out.Dirs, Folder{Name: c.Name, Path: path.Join(relPath, c.Name)})
		}
	}

	return out, nil
}

// stat resolves rel and maps a missing path to ErrNotFound.
func (m *Manager) stat(rel string) (string, fileutil.Info, error) {
	abs, err := m.root.Resolve(rel)
	if err != nil {
		return "", fileutil.Info{}, err
	}

	info, err := fileutil.Stat(abs)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return "", fileutil.Info{}, fmt.Errorf("%s: %w", rel, ErrNotFound)
		}
		return "", fileutil.Info{}, err
	}

	return abs, info, nil
}

// rel converts a resolved absolute path back to a root-relative one.
func (m *Manager) rel(abs string) string {
	r, err := m.root.Rel(abs)
	if err != nil {
		return ""
	}
	return r
}

func entryFrom(relPath string, info fileutil.Info) Entry {
	e := Entry{
		Name:  info.Name,
		Path:  relPath,
		Type:  TypeFile,
		Size:  info.Size,
		MTime: info.ModTime.Unix(),
	}
	if info.IsDir {
		e.Type = TypeDir
	}
	return e
}

// limitedReader fails with ErrTooLarge once more than remaining bytes are read.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, ErrTooLarge
	}
	return n, err
}
