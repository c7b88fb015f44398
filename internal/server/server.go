// Package server provides the main application server.
package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/koalacloud/koalacloud/internal/auth"
	"github.com/koalacloud/koalacloud/internal/broadcast"
	"github.com/koalacloud/koalacloud/internal/config"
	"github.com/koalacloud/koalacloud/internal/download"
	"github.com/koalacloud/koalacloud/internal/events"
	"github.com/koalacloud/koalacloud/internal/files"
	"github.com/koalacloud/koalacloud/internal/media"
	"github.com/koalacloud/koalacloud/internal/sandbox"
	"github.com/koalacloud/koalacloud/internal/services"
	"github.com/koalacloud/koalacloud/internal/share"
	"github.com/koalacloud/koalacloud/internal/store"
	"github.com/koalacloud/koalacloud/internal/timeline"
	"github.com/koalacloud/koalacloud/internal/transfer"
)

// sharePurgeInterval is how often expired share rows are deleted.
const sharePurgeInterval = time.Hour

// Options holds additional server options not in config.
type Options struct {
	// UI filesystem (optional)
	UIFS   embed.FS
	UIPath string

	Logger  zerolog.Logger
	Version string

	// Runner and Fetcher replace the host command runner and the yt-dlp
	// fetcher when set.
	Runner  services.Runner
	Fetcher media.Fetcher
}

type lifecycle interface {
	Start(ctx context.Context) error
	Stop() error
}

// Server is the main application server.
type Server struct {
	cfg     config.Config
	logger  zerolog.Logger
	store   *store.Store
	bus     *events.Bus
	copier  transfer.Copier
	http    *HTTPServer
	workers []lifecycle

	purgeWG sync.WaitGroup
}

// New creates a new server with the given configuration.
//
//nolint:funlen // initialization function needs to set up multiple components
func New(cfg config.Config, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}
	component := func(name string) zerolog.Logger {
		return logger.With().Str("component", name).Logger()
	}

	storageRoot, err := openRoot(cfg.Storage.Root)
	if err != nil {
		return nil, fmt.Errorf("storage root: %w", err)
	}
	downloadRoot, err := openRoot(cfg.Downloads.Root)
	if err != nil {
		return nil, fmt.Errorf("downloads root: %w", err)
	}

	st, err := store.OpenSQLite(context.Background(), cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	bus := events.New(events.WithLogger(component("events")))
	recorder := timeline.NewRecorder(timeline.WithLogger(component("timeline")))
	activity := events.NewController(bus, recorder,
		events.WithControllerLogger(component("activity")),
	)

	aria2 := download.NewAria2(cfg.Aria2.URL,
		download.WithLogger(component("aria2")),
		download.WithSecret(cfg.Aria2.Secret),
		download.WithTimeout(cfg.Aria2.Timeout),
	)
	downloads := download.NewController(aria2, st.History, bus, downloadRoot,
		download.WithControllerLogger(component("downloads")),
		download.WithPollInterval(cfg.Aria2.PollInterval),
		download.WithListLimit(cfg.Aria2.ListLimit),
	)

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = media.NewYTDLP(cfg.Media.Binary, media.WithYTDLPLogger(component("ytdlp")))
	}
	grace := cfg.Media.GraceWindow
	if grace <= 0 {
		grace = cfg.Broadcast.Interval
	}
	tracker := media.NewTracker(fetcher, st.MediaJobs, bus, downloadRoot,
		media.WithLogger(component("media")),
		media.WithGraceWindow(grace),
	)

	scheduler := broadcast.NewScheduler(downloads, tracker, bus,
		broadcast.WithLogger(component("broadcast")),
		broadcast.WithInterval(cfg.Broadcast.Interval),
	)
	live := broadcast.NewHandler(bus, broadcast.WithHandlerLogger(component("websocket")))

	copier := transfer.NewRclone(transfer.WithLogger(component("transfer")))
	storageFiles := files.NewManager(storageRoot, copier,
		files.WithLogger(component("files")),
		files.WithAllowedExtensions(cfg.Storage.AllowedExtensions),
		files.WithMaxUploadBytes(cfg.Storage.MaxUploadMB<<20),
		files.WithDefaultUploadDir(cfg.Storage.DefaultUploadDir),
	)
	downloadFolders := files.NewManager(downloadRoot, copier,
		files.WithLogger(component("download-folders")),
	)

	runner := opts.Runner
	if runner == nil {
		runner = services.NewHostRunner(
			services.WithNsenter(cfg.Host.UseNsenter),
			services.WithRunnerLogger(component("runner")),
		)
	}
	drive := services.NewDriveState()
	svcManager, err := services.NewManager(cfg.Services, runner, drive, bus,
		services.WithLogger(component("services")),
	)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	authenticator := auth.New(cfg.Auth.Users,
		auth.WithLogger(component("auth")),
		auth.WithSessionTTL(cfg.Auth.SessionTTL),
		auth.WithSecureCookie(cfg.Auth.SecureCookie),
	)
	if !authenticator.Enabled() {
		logger.Warn().Msg("no users configured - authentication is disabled")
	}

	shares := share.NewRegistry(st.Shares,
		share.WithLogger(component("shares")),
		share.WithEventBus(bus),
	)

	httpServer := NewHTTPServer(Deps{
		Files:           storageFiles,
		DownloadFolders: downloadFolders,
		Downloads:       downloads,
		History:         st.History,
		Media:           tracker,
		MediaJobs:       st.MediaJobs,
		Shares:          shares,
		Services:        svcManager,
		Drive:           drive,
		Auth:            authenticator,
		Activity:        recorder,
		Live:            live,
	},
		WithHTTPLogger(component("http")),
		WithLogFile(cfg.Log.File),
		WithVersion(opts.Version),
		WithMaxUploadBytes(cfg.Storage.MaxUploadMB<<20),
		withUIOption(opts),
	)

	logger.Info().
		Str("storage_root", storageRoot.Path()).
		Str("downloads_root", downloadRoot.Path()).
		Int("services", len(cfg.Services)).
		Int("users", len(cfg.Auth.Users)).
		Msg("configuration loaded")

	return &Server{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		bus:     bus,
		copier:  copier,
		http:    httpServer,
		workers: []lifecycle{activity, downloads, tracker, scheduler},
	}, nil
}

func withUIOption(opts Options) HTTPOption {
	return func(s *HTTPServer) {
		if opts.UIFS != (embed.FS{}) {
			WithUI(opts.UIFS, opts.UIPath)(s)
		}
	}
}

// openRoot creates dir if needed and returns it as a sandbox root.
func openRoot(dir string) (*sandbox.Root, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return sandbox.New(dir)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.http
}

// Run starts the background workers and the HTTP server, and blocks until
// the context is cancelled or the server fails.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info().
		Str("listen", s.cfg.Server.Listen).
		Str("app", s.cfg.Server.AppName).
		Msg("starting koalacloud")

	for _, w := range s.workers {
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
	}

	s.purgeWG.Add(1)
	go func() {
		defer s.purgeWG.Done()
		s.purgeShares(ctx)
	}()

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.Start(s.cfg.Server.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// purgeShares deletes expired share rows until ctx is cancelled.
func (s *Server) purgeShares(ctx context.Context) {
	ticker := time.NewTicker(sharePurgeInterval)
	defer ticker.Stop()

	for {
		n, err := s.store.Shares.DeleteExpired(ctx, time.Now())
		switch {
		case err != nil && ctx.Err() == nil:
			s.logger.Warn().Err(err).Msg("failed to purge expired shares")
		case n > 0:
			s.logger.Info().Int64("count", n).Msg("purged expired shares")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PrepareShutdown prepares for graceful shutdown by suppressing expected errors.
// Call this before cancelling the main context.
func (s *Server) PrepareShutdown() {
	s.copier.PrepareShutdown()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down...")

	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("http shutdown error")
	}

	for i := len(s.workers) - 1; i >= 0; i-- {
		if err := s.workers[i].Stop(); err != nil {
			s.logger.Error().Err(err).Msg("worker stop error")
		}
	}

	s.purgeWG.Wait()
	s.bus.Close()

	if err := s.store.Close(); err != nil {
		s.logger.Error().Err(err).Msg("database close error")
	}

	s.logger.Info().Msg("shutdown complete")
	return nil
}
