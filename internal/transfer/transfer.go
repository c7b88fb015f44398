// Package transfer copies and moves files and directory trees on local disk.
package transfer

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// ErrIntoSelf is returned when a directory would be copied or moved into its own subtree.
var ErrIntoSelf = errors.New("cannot copy or move a directory into itself")

// configurable is implemented by all copiers to support shared options.
type configurable interface {
	setLogger(zerolog.Logger)
}

// Option is a functional option for configuring copiers.
type Option func(configurable)

// WithLogger sets the logger for any copier.
func WithLogger(logger zerolog.Logger) Option {
	return func(c configurable) {
		c.setLogger(logger)
	}
}

// Backend represents a copy engine type.
type Backend string

const (
	// BackendRclone uses rclone's local backend.
	BackendRclone Backend = "rclone"
)

// Result reports what a copy or move did.
type Result struct {
	// Dst is the final destination path. It differs from the requested
	// destination when that was an existing directory.
	Dst string

	// Bytes is the number of bytes written; zero for a plain rename.
	Bytes int64
}

// Copier copies and moves absolute local paths. Callers are responsible for
// confining both paths to a sandbox first.
//
// When dst is an existing directory the source is placed inside it under its
// own name. Copying a file over an existing file replaces it; copying a
// directory over anything that exists fails with fs.ErrExist.
type Copier interface {
	// Copy duplicates src at dst. Directories are copied recursively,
	// including empty subdirectories.
	Copy(ctx context.Context, src, dst string) (Result, error)

	// Move relocates src to dst, renaming when possible and falling back to
	// copy-then-delete across filesystems.
	Move(ctx context.Context, src, dst string) (Result, error)

	// Name returns the name of the copy backend.
	Name() string

	// PrepareShutdown is called before context cancellation to allow the backend
	// to suppress expected error messages during graceful shutdown.
	PrepareShutdown()
}
