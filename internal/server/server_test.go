package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koalacloud/koalacloud/internal/auth"
	"github.com/koalacloud/koalacloud/internal/config"
	"github.com/koalacloud/koalacloud/internal/download"
	"github.com/koalacloud/koalacloud/internal/events"
	"github.com/koalacloud/koalacloud/internal/files"
	"github.com/koalacloud/koalacloud/internal/media"
	"github.com/koalacloud/koalacloud/internal/sandbox"
	"github.com/koalacloud/koalacloud/internal/server"
	"github.com/koalacloud/koalacloud/internal/services"
	"github.com/koalacloud/koalacloud/internal/share"
	"github.com/koalacloud/koalacloud/internal/store"
	mockpkg "github.com/koalacloud/koalacloud/internal/testing"
	"github.com/koalacloud/koalacloud/internal/timeline"
	"github.com/koalacloud/koalacloud/internal/transfer"
)

const testVersion = "1.2.3"

type fixture struct {
	srv       *server.HTTPServer
	downloads *download.Controller
	db        *store.Store
	aria2     *mockpkg.Aria2Server
	fetcher   *mockpkg.MockFetcher
	runner    *mockpkg.MockRunner
	drive     *services.DriveState
	storage   string
	driveDir  string
	logFile   string
	cookie    *http.Cookie
}

// newFixture wires the HTTP API over real components in a temp dir, with a
// fake aria2 daemon, a fake fetcher and a fake host command runner.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	f := &fixture{
		storage:  filepath.Join(dir, "storage"),
		driveDir: filepath.Join(dir, "drive"),
		logFile:  filepath.Join(dir, "koalacloud.log"),
	}
	require.NoError(t, os.MkdirAll(f.storage, 0o755))
	require.NoError(t, os.MkdirAll(f.driveDir, 0o755))

	storageRoot, err := sandbox.New(f.storage)
	require.NoError(t, err)
	driveRoot, err := sandbox.New(f.driveDir)
	require.NoError(t, err)

	f.db = mockpkg.NewTestDB(t)

	bus := events.New()
	t.Cleanup(bus.Close)
	recorder := timeline.NewRecorder()
	activity := events.NewController(bus, recorder)
	require.NoError(t, activity.Start(t.Context()))
	t.Cleanup(func() { _ = activity.Stop() })

	f.aria2 = mockpkg.NewAria2Server("")
	t.Cleanup(f.aria2.Close)
	f.downloads = download.NewController(download.NewAria2(f.aria2.RPCURL()), f.db.History, bus, driveRoot)

	f.fetcher = mockpkg.NewMockFetcher("Big Buck Bunny")
	tracker := media.NewTracker(f.fetcher, f.db.MediaJobs, bus, driveRoot, media.WithGraceWindow(time.Minute))
	t.Cleanup(func() { _ = tracker.Stop() })

	copier := transfer.NewRclone()

	var running atomic.Bool
	f.runner = mockpkg.NewMockRunner()
	f.runner.OnRun = func(argv []string) (services.Result, error) {
		switch strings.Join(argv, " ") {
		case "systemctl start jellyfin.service":
			running.Store(true)
		case "systemctl stop jellyfin.service":
			running.Store(false)
		case "systemctl is-active --quiet jellyfin.service":
			if !running.Load() {
				return services.Result{ExitCode: 3}, nil
			}
		}
		return services.Result{}, nil
	}
	f.drive = services.NewDriveState()
	svc, err := services.NewManager(map[string]config.ServiceConfig{
		"jellyfin": {Type: config.ServiceSystemd, Unit: "jellyfin.service"},
	}, f.runner, f.drive, bus)
	require.NoError(t, err)

	f.srv = server.NewHTTPServer(server.Deps{
		Files:           files.NewManager(storageRoot, copier, files.WithAllowedExtensions([]string{"txt", "mp4"})),
		DownloadFolders: files.NewManager(driveRoot, copier),
		Downloads:       f.downloads,
		History:         f.db.History,
		Media:           tracker,
		MediaJobs:       f.db.MediaJobs,
		Shares:          share.NewRegistry(f.db.Shares, share.WithEventBus(bus)),
		Services:        svc,
		Drive:           f.drive,
		Auth:            auth.New(map[string]string{"admin": mockpkg.HashPassword(t, mockpkg.TestPassword)}),
		Activity:        recorder,
	},
		server.WithLogFile(f.logFile),
		server.WithVersion(testVersion),
		server.WithMaxUploadBytes(1<<20),
	)

	rec := f.do(t, http.MethodPost, "/auth/login", map[string]string{
		"username": "admin",
		"password": mockpkg.TestPassword,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.CookieName {
			f.cookie = c
		}
	}
	require.NotNil(t, f.cookie)

	return f
}

func (f *fixture) request(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()

	if f.cookie != nil {
		req.AddCookie(f.cookie)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

// do sends body as JSON (or no body when nil) with the session cookie.
func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}

	req := httptest.NewRequestWithContext(t.Context(), method, target, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return f.request(t, req)
}

// anonymous sends a request without the session cookie.
func (f *fixture) anonymous(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequestWithContext(t.Context(), method, target, nil)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) upload(t *testing.T, dir, filename, content string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequestWithContext(t.Context(), http.MethodPost, "/api/upload?path="+dir, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return f.request(t, req)
}

func (f *fixture) writeFile(t *testing.T, rel, content string) {
	t.Helper()

	p := filepath.Join(f.storage, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func TestNew(t *testing.T) {
	cfg := mockpkg.ValidConfig(t)
	aria2 := mockpkg.NewAria2Server(cfg.Aria2.Secret)
	t.Cleanup(aria2.Close)
	cfg.Aria2.URL = aria2.RPCURL()

	srv, err := server.New(cfg, server.Options{
		Version: testVersion,
		Runner:  mockpkg.NewMockRunner(),
		Fetcher: mockpkg.NewMockFetcher("clip"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	assert.DirExists(t, cfg.Storage.Root)
	assert.DirExists(t, cfg.Downloads.Root)
	assert.FileExists(t, cfg.Database.Path)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequestWithContext(t.Context(), http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","version":"1.2.3"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequestWithContext(t.Context(), http.MethodGet, "/api/list", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNewRejectsReservedServiceName(t *testing.T) {
	cfg := mockpkg.ValidConfig(t)
	cfg.Services[config.DriveServiceName] = config.ServiceConfig{Type: config.ServiceSystemd, Unit: "drive.service"}

	_, err := server.New(cfg, server.Options{Runner: mockpkg.NewMockRunner()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved")
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := mockpkg.ValidConfig(t)
	aria2 := mockpkg.NewAria2Server(cfg.Aria2.Secret)
	t.Cleanup(aria2.Close)
	cfg.Aria2.URL = aria2.RPCURL()

	srv, err := server.New(cfg, server.Options{
		Runner:  mockpkg.NewMockRunner(),
		Fetcher: mockpkg.NewMockFetcher("clip"),
	})
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(t.Context())
	defer stop()

	done := make(chan error, 1)
	go func() { done <- srv.Run(runCtx) }()

	time.Sleep(50 * time.Millisecond)
	srv.PrepareShutdown()
	stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	require.NoError(t, srv.Shutdown(context.Background()))
}
