// Package broadcast pushes live job snapshots to connected clients.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/koalacloud/koalacloud/internal/download"
	"github.com/koalacloud/koalacloud/internal/events"
	"github.com/koalacloud/koalacloud/internal/media"
)

// Default configuration values.
const (
	defaultInterval = 2 * time.Second
)

// DownloadSource provides the reconciler's in-progress view.
type DownloadSource interface {
	Snapshot() []download.Job
}

// MediaSource provides the tracker's task handles.
type MediaSource interface {
	Snapshot() []media.Task
}

// TorrentPayload is the data of a torrent.status event.
type TorrentPayload struct {
	Progress []download.Job `json:"progress"`
}

// MediaPayload is the data of a media.status event.
type MediaPayload struct {
	Tasks []media.Task `json:"tasks"`
}

// Scheduler publishes full snapshots on a fixed interval.
type Scheduler struct {
	downloads DownloadSource
	media     MediaSource
	eventBus  *events.Bus
	interval  time.Duration
	logger    zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option is a functional option for configuring the Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger for the scheduler.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithInterval sets the push interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.interval = d
	}
}

// NewScheduler creates a scheduler. Either source may be nil.
func NewScheduler(downloads DownloadSource, mediaSrc MediaSource, eventBus *events.Bus, opts ...Option) *Scheduler {
	s := &Scheduler{
		downloads: downloads,
		media:     mediaSrc,
		eventBus:  eventBus,
		interval:  defaultInterval,
		logger:    zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start begins the broadcast loop.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info().Dur("interval", s.interval).Msg("broadcast scheduler started")

	return nil
}

// Stop stops the loop and waits for it to exit.
func (s *Scheduler) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info().Msg("broadcast scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick publishes one snapshot of each source.
func (s *Scheduler) Tick() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("recovered from panic in broadcast tick")
		}
	}()

	now := time.Now()

	if s.downloads != nil {
		progress := s.downloads.Snapshot()
		if progress == nil {
			progress = []download.Job{}
		}
		s.eventBus.Publish(events.Event{
			Type:      events.TorrentStatus,
			Timestamp: now,
			Data:      TorrentPayload{Progress: progress},
		})
	}

	if s.media != nil {
		tasks := s.media.Snapshot()
		if tasks == nil {
			tasks = []media.Task{}
		}
		s.eventBus.Publish(events.Event{
			Type:      events.MediaStatus,
			Timestamp: now,
			Data:      MediaPayload{Tasks: tasks},
		})
	}
}
