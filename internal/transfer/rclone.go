package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"log" //nolint:depguard // needed to suppress rclone's internal error logging during shutdown
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rclone/rclone/fs"
	"github.com/rclone/rclone/fs/accounting"
	"github.com/rclone/rclone/fs/operations"
	rclonesync "github.com/rclone/rclone/fs/sync"
	"github.com/rs/zerolog"

	// Import backends we need.
	_ "github.com/rclone/rclone/backend/local"
)

// rcloneGlobalsOnce ensures global rclone configuration is only set once.
//
//nolint:gochecknoglobals // sync primitives for thread-safe rclone initialization
var rcloneGlobalsOnce sync.Once

// rcloneNewFsMu serializes fs.NewFs calls to work around race conditions in rclone's
// config loading (github.com/rclone/rclone/issues/8666).
//
//nolint:gochecknoglobals // sync primitives for thread-safe rclone initialization
var rcloneNewFsMu sync.Mutex

// rcloneCopier implements Copier using rclone's local backend.
type rcloneCopier struct {
	logger zerolog.Logger
	rename func(oldpath, newpath string) error
}

// setLogger implements configurable for shared options.
func (c *rcloneCopier) setLogger(logger zerolog.Logger) {
	c.logger = logger
}

// NewRclone creates a new rclone copier and returns it as Copier.
func NewRclone(options ...Option) Copier {
	c := &rcloneCopier{
		logger: zerolog.Nop(),
		rename: os.Rename,
	}

	for _, opt := range options {
		opt(c)
	}

	rcloneGlobalsOnce.Do(func() {
		ci := fs.GetConfig(context.Background())
		ci.Transfers = 1
		ci.Checkers = 1
		ci.LogLevel = fs.LogLevelError
	})

	return c
}

// Name returns the name of the copy backend.
func (c *rcloneCopier) Name() string {
	return string(BackendRclone)
}

// PrepareShutdown suppresses rclone error logging during shutdown.
func (c *rcloneCopier) PrepareShutdown() {
	log.SetOutput(io.Discard)

	ci := fs.GetConfig(context.Background())
	ci.LogLevel = fs.LogLevelEmergency
}

// Copy implements Copier.
func (c *rcloneCopier) Copy(ctx context.Context, src, dst string) (Result, error) {
	info, dst, err := c.prepare(src, dst)
	if err != nil {
		return Result{}, err
	}

	var bytes int64
	if info.IsDir() {
		if _, statErr := os.Lstat(dst); statErr == nil {
			return Result{}, fmt.Errorf("%s: %w", filepath.Base(dst), iofs.ErrExist)
		}
		bytes, err = c.copyDir(ctx, src, dst)
	} else {
		bytes, err = c.copyFile(ctx, src, dst)
	}
	if err != nil {
		return Result{}, err
	}

	c.logger.Debug().
		Str("src", src).
		Str("dst", dst).
		Int64("bytes", bytes).
		Msg("copy complete")

	return Result{Dst: dst, Bytes: bytes}, nil
}

// Move implements Copier.
func (c *rcloneCopier) Move(ctx context.Context, src, dst string) (Result, error) {
	_, dst, err := c.prepare(src, dst)
	if err != nil {
		return Result{}, err
	}

	err = c.rename(src, dst)
	if err == nil {
		c.logger.Debug().Str("src", src).Str("dst", dst).Msg("renamed")
		return Result{Dst: dst}, nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return Result{}, err
	}

	c.logger.Debug().Str("src", src).Str("dst", dst).Msg("cross-device move, copying")

	res, err := c.Copy(ctx, src, dst)
	if err != nil {
		return Result{}, err
	}
	if err = os.RemoveAll(src); err != nil {
		return res, fmt.Errorf("copied but failed to remove source: %w", err)
	}

	return res, nil
}

// prepare stats src, redirects dst into an existing directory and rejects
// moves of a directory into its own subtree.
func (c *rcloneCopier) prepare(src, dst string) (iofs.FileInfo, string, error) {
	info, err := os.Stat(src)
	if err != nil {
		return nil, "", err
	}

	if dstInfo, statErr := os.Stat(dst); statErr == nil && dstInfo.IsDir() {
		dst = filepath.Join(dst, filepath.Base(src))
	}

	if src == dst {
		return nil, "", fmt.Errorf("%s: source and destination are the same", filepath.Base(src))
	}

	if info.IsDir() && strings.HasPrefix(dst, src+string(filepath.Separator)) {
		return nil, "", ErrIntoSelf
	}

	parent, err := os.Stat(filepath.Dir(dst))
	if err != nil {
		return nil, "", fmt.Errorf("destination directory: %w", err)
	}
	if !parent.IsDir() {
		return nil, "", fmt.Errorf("destination directory %q is not a directory", filepath.Dir(dst))
	}

	return info, dst, nil
}

func (c *rcloneCopier) copyFile(ctx context.Context, src, dst string) (int64, error) {
	srcFs, err := newFs(ctx, filepath.Dir(src))
	if err != nil {
		return 0, err
	}
	dstFs, err := newFs(ctx, filepath.Dir(dst))
	if err != nil {
		return 0, err
	}

	srcObj, err := srcFs.NewObject(ctx, filepath.Base(src))
	if err != nil {
		return 0, fmt.Errorf("failed to open %q: %w", src, err)
	}

	ctx, stats := statsContext(ctx, filepath.Base(dst))
	if _, err = operations.Copy(ctx, dstFs, nil, filepath.Base(dst), srcObj); err != nil {
		return 0, fmt.Errorf("copy failed: %w", err)
	}

	return stats.GetBytes(), nil
}

func (c *rcloneCopier) copyDir(ctx context.Context, src, dst string) (int64, error) {
	if err := os.Mkdir(dst, 0o755); err != nil { //nolint:gosec // shared media directories are world-readable
		return 0, err
	}

	srcFs, err := newFs(ctx, src)
	if err != nil {
		return 0, err
	}
	dstFs, err := newFs(ctx, dst)
	if err != nil {
		return 0, err
	}

	ctx, stats := statsContext(ctx, filepath.Base(dst))
	if err = rclonesync.CopyDir(ctx, dstFs, srcFs, true); err != nil {
		_ = os.RemoveAll(dst)
		return 0, fmt.Errorf("copy failed: %w", err)
	}

	return stats.GetBytes(), nil
}

// statsContext gives each copy its own stats group so concurrent copies do
// not share byte counters.
func statsContext(ctx context.Context, name string) (context.Context, *accounting.StatsInfo) {
	group := fmt.Sprintf("copy-%s-%d", name, time.Now().UnixNano())
	ctx = accounting.WithStatsGroup(ctx, group)
	return ctx, accounting.StatsGroup(ctx, group)
}

func newFs(ctx context.Context, dir string) (fs.Fs, error) {
	rcloneNewFsMu.Lock()
	defer rcloneNewFsMu.Unlock()

	f, err := fs.NewFs(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open %q: %w", dir, err)
	}
	return f, nil
}
