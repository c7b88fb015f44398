package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/koalacloud/koalacloud/internal/events"
	"github.com/koalacloud/koalacloud/internal/sandbox"
	"github.com/koalacloud/koalacloud/internal/store"
)

// Default configuration values.
const (
	defaultPollInterval = 2 * time.Second
)

// ErrEmptyURI is returned by Submit when no link was given.
var ErrEmptyURI = errors.New("link is required")

// HistoryStore records finished downloads.
type HistoryStore interface {
	InsertIfAbsent(ctx context.Context, rec store.HistoryRecord) (bool, error)
}

// Controller polls aria2, keeps the in-progress view current and commits
// completed jobs to history exactly once.
type Controller struct {
	client    Client
	history   HistoryStore
	eventBus  *events.Bus
	root      *sandbox.Root
	interval  time.Duration
	listLimit int
	now       func() time.Time
	logger    zerolog.Logger

	live atomic.Pointer[[]Job]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ControllerOption is a functional option for configuring the Controller.
type ControllerOption func(*Controller)

// WithControllerLogger sets the logger for the controller.
func WithControllerLogger(logger zerolog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithPollInterval sets the poll interval.
func WithPollInterval(d time.Duration) ControllerOption {
	return func(c *Controller) {
		c.interval = d
	}
}

// WithListLimit sets how many waiting and stopped entries are fetched per tick.
func WithListLimit(n int) ControllerOption {
	return func(c *Controller) {
		c.listLimit = n
	}
}

// WithClock overrides the time source used for history timestamps.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		c.now = now
	}
}

// NewController creates a reconciler for client. root is the download root
// that submitted destinations are resolved against.
func NewController(
	client Client,
	history HistoryStore,
	eventBus *events.Bus,
	root *sandbox.Root,
	opts ...ControllerOption,
) *Controller {
	c := &Controller{
		client:    client,
		history:   history,
		eventBus:  eventBus,
		root:      root,
		interval:  defaultPollInterval,
		listLimit: DefaultListLimit,
		now:       time.Now,
		logger:    zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	empty := []Job{}
	c.live.Store(&empty)

	return c
}

// Start begins the controller's polling loop.
func (c *Controller) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.pollLoop(ctx)

	c.logger.Info().
		Dur("interval", c.interval).
		Msg("download controller started")

	return nil
}

// Stop stops the controller and waits for the polling loop to finish.
func (c *Controller) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info().Msg("download controller stopped")
	return nil
}

func (c *Controller) pollLoop(ctx context.Context) {
	defer c.wg.Done()

	c.poll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.poll(ctx)
		}
	}
}

// TriggerPoll runs one reconciliation tick synchronously.
func (c *Controller) TriggerPoll(ctx context.Context) {
	c.poll(ctx)
}

// Snapshot returns the current in-progress jobs. The slice must not be modified.
func (c *Controller) Snapshot() []Job {
	return *c.live.Load()
}

func (c *Controller) poll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("recovered from panic in download poll")
		}
	}()

	var active, waiting, stopped []Job

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		active, err = c.client.TellActive(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		waiting, err = c.client.TellWaiting(gctx, 0, c.listLimit)
		return err
	})
	g.Go(func() error {
		var err error
		stopped, err = c.client.TellStopped(gctx, 0, c.listLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() == nil {
			c.logger.Warn().Err(err).Msg("failed to poll aria2")
		}
		return
	}

	progress := make([]Job, 0, len(active)+len(waiting))
	for _, list := range [][]Job{active, waiting} {
		for _, j := range list {
			if !j.Status.InProgress() {
				continue
			}
			j.Enrich()
			progress = append(progress, j)
		}
	}
	c.live.Store(&progress)

	for _, j := range stopped {
		if j.Status != StatusComplete {
			continue
		}
		j.Enrich()
		c.commit(ctx, j)
	}

	c.logger.Debug().
		Int("in_progress", len(progress)).
		Int("stopped", len(stopped)).
		Msg("polled aria2")
}

// commit writes a finished job to history and asks aria2 to forget it. The
// forget also runs for rows that already existed so that a failed earlier
// attempt is retried on the next tick.
func (c *Controller) commit(ctx context.Context, j Job) {
	now := c.now().UTC().Truncate(time.Second)
	rec := store.HistoryRecord{
		Name:        j.Name,
		ExternalID:  j.GID,
		Destination: DestinationFolder(c.rootPath(), j.Files),
		SizeBytes:   int64(j.TotalLength),
		AddedAt:     now,
		CompletedAt: &now,
	}

	inserted, err := c.history.InsertIfAbsent(ctx, rec)
	if err != nil {
		c.logger.Error().Err(err).
			Str("gid", j.GID).
			Str("download", j.Name).
			Msg("failed to record completed download")
		return
	}

	if inserted {
		c.logger.Info().
			Str("gid", j.GID).
			Str("download", j.Name).
			Str("dest", rec.Destination).
			Int64("size", rec.SizeBytes).
			Msg("download complete")

		c.publish(events.DownloadComplete, j.Name, map[string]any{
			"gid":        j.GID,
			"dest":       rec.Destination,
			"size_bytes": rec.SizeBytes,
		})
	}

	if err = c.client.RemoveDownloadResult(ctx, j.GID); err != nil {
		c.logger.Warn().Err(err).Str("gid", j.GID).Msg("failed to forget completed download")
	}
}

// Submit resolves destRel under the download root, creates it and queues uri.
// It returns the gid assigned by aria2 and the absolute destination.
func (c *Controller) Submit(ctx context.Context, uri, destRel string) (string, string, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return "", "", ErrEmptyURI
	}

	dir, err := c.root.Resolve(destRel)
	if err != nil {
		return "", "", err
	}

	if err = os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create destination: %w", err)
	}

	gid, err := c.client.AddURI(ctx, uri, dir)
	if err != nil {
		return "", "", err
	}

	c.logger.Info().Str("gid", gid).Str("dest", dir).Msg("download submitted")
	c.publish(events.DownloadAdded, uri, map[string]any{"gid": gid, "dest": dir})

	return gid, dir, nil
}

// Remove stops gid and drops its result from aria2. A job that already
// stopped cannot be removed but can still be forgotten, so the call
// succeeds when either step does.
func (c *Controller) Remove(ctx context.Context, gid string) error {
	removeErr := c.client.Remove(ctx, gid)
	forgetErr := c.client.RemoveDownloadResult(ctx, gid)

	if removeErr != nil && forgetErr != nil {
		return removeErr
	}

	c.logger.Info().Str("gid", gid).Msg("download removed")
	c.publish(events.DownloadRemoved, gid, map[string]any{"gid": gid})

	return nil
}

func (c *Controller) rootPath() string {
	if c.root == nil {
		return ""
	}
	return c.root.Path()
}

func (c *Controller) publish(t events.Type, subject string, data map[string]any) {
	if c.eventBus == nil {
		return
	}
	c.eventBus.Publish(events.Event{Type: t, Subject: subject, Data: data})
}
