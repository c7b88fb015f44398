// Package share issues and resolves public, time-limited links to sandboxed storage paths.
package share

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/koalacloud/koalacloud/internal/events"
	"github.com/koalacloud/koalacloud/internal/fileutil"
	"github.com/koalacloud/koalacloud/internal/sandbox"
	"github.com/koalacloud/koalacloud/internal/store"
)

// tokenBytes is the amount of randomness in a token (256 bits).
const tokenBytes = 32

// ErrNotFound is returned for unknown, expired or vanished shares.
var ErrNotFound = errors.New("share not found")

// Link is a resolved share.
type Link struct {
	Token     string
	Target    string
	IsDir     bool
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// URL returns the public path for the link.
func (l Link) URL() string {
	return "/s/" + l.Token
}

// Entry is what a share exposes at a given child path.
type Entry struct {
	// Path is the absolute filesystem path.
	Path string
	// Rel is the slash-separated path relative to the share target ("" for the target itself).
	Rel      string
	IsDir    bool
	Info     fileutil.Info
	Children []fileutil.Info
}

// Repository is the persistence the registry needs.
type Repository interface {
	Create(ctx context.Context, s store.Share) error
	Get(ctx context.Context, token string) (store.Share, error)
}

// Registry issues and resolves share links.
type Registry struct {
	repo     Repository
	eventBus *events.Bus
	now      func() time.Time
	logger   zerolog.Logger
}

// Option is a functional option for configuring the registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithEventBus publishes a share.issued event for every issued link.
func WithEventBus(bus *events.Bus) Option {
	return func(r *Registry) {
		r.eventBus = bus
	}
}

// WithClock overrides the time source. Useful for testing expiry.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates a registry backed by repo.
func NewRegistry(repo Repository, opts ...Option) *Registry {
	r := &Registry{
		repo:   repo,
		now:    time.Now,
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Issue creates and persists a share for target, which must already be a
// sandboxed absolute path. A ttl of zero or less means the link never expires.
// The link is durable before Issue returns.
func (r *Registry) Issue(ctx context.Context, target string, isDir bool, ttlHours float64) (Link, error) {
	token, err := newToken()
	if err != nil {
		return Link{}, fmt.Errorf("failed to generate share token: %w", err)
	}

	now := r.now()
	link := Link{
		Token:     token,
		Target:    target,
		IsDir:     isDir,
		CreatedAt: now.Truncate(time.Second),
	}

	if ttlHours > 0 && !math.IsInf(ttlHours, 1) {
		expires := now.Add(time.Duration(ttlHours * float64(time.Hour))).Truncate(time.Second)
		link.ExpiresAt = &expires
	}

	err = r.repo.Create(ctx, store.Share{
		Token:      link.Token,
		TargetPath: link.Target,
		IsDir:      link.IsDir,
		ExpiresAt:  link.ExpiresAt,
		CreatedAt:  link.CreatedAt,
	})
	if err != nil {
		return Link{}, err
	}

	r.logger.Info().
		Str("target", target).
		Bool("is_dir", isDir).
		Float64("ttl_hours", ttlHours).
		Msg("share issued")

	if r.eventBus != nil {
		r.eventBus.Publish(events.Event{
			Type:    events.ShareIssued,
			Subject: filepath.Base(target),
			Data:    map[string]any{"token": token, "is_dir": isDir},
		})
	}

	return link, nil
}

// Resolve looks up a token. Unknown and expired tokens are indistinguishable,
// and a share whose target no longer exists is reported the same way.
func (r *Registry) Resolve(ctx context.Context, token string) (Link, error) {
	s, err := r.repo.Get(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return Link{}, ErrNotFound
	}
	if err != nil {
		return Link{}, err
	}

	if s.ExpiresAt != nil && r.now().After(*s.ExpiresAt) {
		r.logger.Debug().Str("target", s.TargetPath).Msg("share expired")
		return Link{}, ErrNotFound
	}

	if _, statErr := os.Stat(s.TargetPath); statErr != nil {
		return Link{}, ErrNotFound
	}

	return Link{
		Token:     s.Token,
		Target:    s.TargetPath,
		IsDir:     s.IsDir,
		ExpiresAt: s.ExpiresAt,
		CreatedAt: s.CreatedAt,
	}, nil
}

// Browse returns the entry reachable from link at child. File shares ignore
// child. For directory shares, child is confined to the share target with the
// same rules as the storage sandbox; escapes return sandbox.ErrPathEscape.
func (r *Registry) Browse(link Link, child string) (Entry, error) {
	if !link.IsDir {
		info, err := fileutil.Stat(link.Target)
		if err != nil {
			return Entry{}, ErrNotFound
		}
		return Entry{Path: link.Target, Info: info}, nil
	}

	target, err := filepath.EvalSymlinks(link.Target)
	if err != nil {
		return Entry{}, ErrNotFound
	}

	abs, err := sandbox.Within(target, child)
	if err != nil {
		return Entry{}, err
	}

	info, err := fileutil.Stat(abs)
	if err != nil {
		return Entry{}, ErrNotFound
	}

	rel, err := filepath.Rel(target, abs)
	if err != nil {
		return Entry{}, err
	}
	if rel == "." {
		rel = ""
	}

	entry := Entry{
		Path:  abs,
		Rel:   filepath.ToSlash(rel),
		IsDir: info.IsDir,
		Info:  info,
	}

	if info.IsDir {
		children, listErr := fileutil.ListDir(abs)
		if listErr != nil {
			return Entry{}, listErr
		}
		entry.Children = children
	}

	return entry, nil
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
