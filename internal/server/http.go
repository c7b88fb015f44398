package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/koalacloud/koalacloud/apitypes"
	"github.com/koalacloud/koalacloud/internal/auth"
	"github.com/koalacloud/koalacloud/internal/download"
	"github.com/koalacloud/koalacloud/internal/files"
	"github.com/koalacloud/koalacloud/internal/fileutil"
	"github.com/koalacloud/koalacloud/internal/media"
	"github.com/koalacloud/koalacloud/internal/sandbox"
	"github.com/koalacloud/koalacloud/internal/services"
	"github.com/koalacloud/koalacloud/internal/share"
	"github.com/koalacloud/koalacloud/internal/store"
	"github.com/koalacloud/koalacloud/internal/timeline"
	"github.com/koalacloud/koalacloud/internal/transfer"
)

// HistoryStore lists and deletes completed download records.
type HistoryStore interface {
	List(ctx context.Context, limit int) ([]store.HistoryRecord, error)
	Delete(ctx context.Context, id int64) error
}

// MediaJobLister lists media job records.
type MediaJobLister interface {
	List(ctx context.Context, limit int) ([]store.MediaJob, error)
}

// Deps are the components the HTTP API serves.
type Deps struct {
	Files           *files.Manager
	DownloadFolders *files.Manager
	Downloads       *download.Controller
	History         HistoryStore
	Media           *media.Tracker
	MediaJobs       MediaJobLister
	Shares          *share.Registry
	Services        *services.Manager
	Drive           *services.DriveState
	Auth            *auth.Authenticator
	Activity        timeline.Recorder
	Live            http.Handler
}

// HTTPServer is the HTTP API server.
type HTTPServer struct {
	echo           *echo.Echo
	deps           Deps
	logger         zerolog.Logger
	uiFS           fs.FS
	logFile        string
	version        string
	maxUploadBytes int64
}

// HTTPOption is a functional option for configuring the HTTP server.
type HTTPOption func(*HTTPServer)

// WithHTTPLogger sets the logger.
func WithHTTPLogger(logger zerolog.Logger) HTTPOption {
	return func(s *HTTPServer) {
		s.logger = logger
	}
}

// WithUI sets the embedded UI filesystem.
func WithUI(uiFS embed.FS, subdir string) HTTPOption {
	return func(s *HTTPServer) {
		sub, err := fs.Sub(uiFS, subdir)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to get ui subdirectory")
			return
		}
		s.uiFS = sub
	}
}

// WithLogFile sets the file tailed by the log endpoint.
func WithLogFile(path string) HTTPOption {
	return func(s *HTTPServer) {
		s.logFile = path
	}
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(version string) HTTPOption {
	return func(s *HTTPServer) {
		s.version = version
	}
}

// WithMaxUploadBytes caps the request body of uploads.
func WithMaxUploadBytes(n int64) HTTPOption {
	return func(s *HTTPServer) {
		s.maxUploadBytes = n
	}
}

// NewHTTPServer creates a new HTTP API server.
func NewHTTPServer(deps Deps, opts ...HTTPOption) *HTTPServer {
	s := &HTTPServer{
		echo:   echo.New(),
		deps:   deps,
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *HTTPServer) setupMiddleware() {
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.errorHandler

	// Request logging
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Err(v.Error).
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Msg("request error")
			} else {
				s.logger.Debug().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Msg("request")
			}
			return nil
		},
	}))

	// Recovery
	s.echo.Use(middleware.Recover())
}

func (s *HTTPServer) setupRoutes() {
	requireAuth := s.deps.Auth.RequireAuth()
	drive := s.requireDrive

	s.echo.GET("/health", s.healthHandler)

	// Session
	s.echo.POST("/auth/login", s.loginHandler)
	s.echo.POST("/auth/logout", s.logoutHandler)
	s.echo.GET("/auth/status", s.authStatusHandler)

	// File manager
	api := s.echo.Group("/api", requireAuth, drive)
	api.GET("/list", s.listHandler)
	api.GET("/properties", s.propertiesHandler)
	api.GET("/download", s.downloadHandler)
	uploadMW := []echo.MiddlewareFunc{}
	if s.maxUploadBytes > 0 {
		uploadMW = append(uploadMW, middleware.BodyLimit(fmt.Sprintf("%dB", s.maxUploadBytes+multipartOverhead)))
	}
	api.POST("/upload", s.uploadHandler, uploadMW...)
	api.POST("/mkdir", s.mkdirHandler)
	api.POST("/delete", s.deleteHandler)
	api.POST("/move", s.moveHandler)
	api.POST("/copy", s.copyHandler)
	api.POST("/share", s.issueShareHandler)

	// Public shares
	s.echo.GET("/s/:token", s.shareHandler, drive)

	// Admin
	admin := s.echo.Group("/admin", requireAuth)
	admin.POST("/torrents/add", s.torrentAddHandler)
	admin.POST("/torrents/remove", s.torrentRemoveHandler)
	admin.GET("/torrents/progress", s.torrentProgressHandler)
	admin.GET("/torrents/history", s.torrentHistoryHandler)
	admin.POST("/torrents/history/delete", s.torrentHistoryDeleteHandler)
	admin.GET("/torrents/browse", s.torrentBrowseHandler)
	admin.POST("/torrents/mkdir", s.torrentMkdirHandler)

	admin.POST("/youtubedl/add", s.mediaAddHandler)
	admin.GET("/youtubedl/tasks", s.mediaTasksHandler)
	admin.POST("/youtubedl/cancel", s.mediaCancelHandler)
	admin.GET("/youtubedl/history", s.mediaHistoryHandler)

	admin.GET("/services/list", s.servicesListHandler)
	admin.POST("/services/toggle", s.servicesToggleHandler)

	admin.GET("/logs", s.logsHandler)
	admin.GET("/activity", s.activityHandler)

	// Live push
	if s.deps.Live != nil {
		s.echo.GET("/ws/live", echo.WrapHandler(s.deps.Live), requireAuth)
	}

	// Serve UI if available
	if s.uiFS != nil {
		s.echo.GET("/*", echo.WrapHandler(http.FileServer(http.FS(s.uiFS))))
	}
}

// multipartOverhead leaves room for multipart headers around an upload of the maximum size.
const multipartOverhead = 1 << 20

// Start starts the server.
func (s *HTTPServer) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("starting http server")
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// requireDrive answers 503 while the drive toggle is off.
func (s *HTTPServer) requireDrive(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.deps.Drive != nil && !s.deps.Drive.Enabled() {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "Drive is disabled by admin")
		}
		return next(c)
	}
}

// errorHandler renders every error as {"ok": false, "error": msg, "code": status}.
func (s *HTTPServer) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error().
			Err(err).
			Str("method", c.Request().Method).
			Str("uri", c.Request().RequestURI).
			Int("status", code).
			Msg("request failed")
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, apitypes.ErrorResponse{OK: false, Error: msg, Code: code})
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to write error response")
	}
}

// statusFor maps domain errors onto HTTP status codes.
//
//nolint:cyclop // flat error table
func statusFor(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok && m != "" {
			msg = m
		}
		return he.Code, msg
	}

	switch {
	case errors.Is(err, sandbox.ErrPathEscape),
		errors.Is(err, sandbox.ErrInvalidPath):
		return http.StatusBadRequest, "invalid path"
	case errors.Is(err, files.ErrNotFound),
		errors.Is(err, share.ErrNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, media.ErrTaskUnknown),
		errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound, "not found"
	case errors.Is(err, files.ErrNotDir),
		errors.Is(err, files.ErrNotFile),
		errors.Is(err, files.ErrRootProtected),
		errors.Is(err, files.ErrExtensionNotAllowed),
		errors.Is(err, files.ErrMissingName),
		errors.Is(err, fileutil.ErrInvalidName),
		errors.Is(err, transfer.ErrIntoSelf),
		errors.Is(err, download.ErrEmptyURI),
		errors.Is(err, media.ErrInvalidURL),
		errors.Is(err, services.ErrUnknownService):
		return http.StatusBadRequest, rootMessage(err)
	case errors.Is(err, fs.ErrExist):
		return http.StatusConflict, "already exists"
	case errors.Is(err, media.ErrNotRunning):
		return http.StatusConflict, rootMessage(err)
	case errors.Is(err, files.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, rootMessage(err)
	case errors.Is(err, download.ErrRPC):
		return http.StatusBadGateway, err.Error()
	case errors.Is(err, services.ErrCommandFailed):
		return http.StatusInternalServerError, err.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// rootMessage returns the message of the innermost wrapped error.
func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
