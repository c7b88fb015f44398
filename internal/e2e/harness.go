//go:build e2e

// Package e2e provides end-to-end testing infrastructure.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/koalacloud/koalacloud/apitypes"
	"github.com/koalacloud/koalacloud/internal/server"
	testutil "github.com/koalacloud/koalacloud/internal/testing"
)

// Test configuration constants.
const (
	serverShutdownTimeout = 10 * time.Second
	containerCleanup      = 30 * time.Second
	pollSleepInterval     = 100 * time.Millisecond
)

// Harness provides a complete test environment for end-to-end tests.
// It runs a real aria2 daemon in a container, a host file server the daemon
// downloads from, and the application server.
type Harness struct {
	t *testing.T

	// aria2 container
	Aria2 *testutil.Aria2Container

	// Origin serves payload files to the daemon.
	Origin     *httptest.Server
	OriginDir  string
	originPort int

	// Application server and an HTTP front for it
	Server *server.Server
	API    *httptest.Server
	Client *http.Client

	// Fakes for the host-side collaborators
	Runner  *testutil.MockRunner
	Fetcher *testutil.MockFetcher

	// File paths
	TempDir       string
	StoragePath   string
	DownloadsPath string

	// Internal
	ctx       context.Context
	ctxCancel context.CancelFunc
	logger    zerolog.Logger
}

// Config configures the E2E test harness.
type Config struct {
	// PollInterval is how often the download controller polls aria2.
	PollInterval time.Duration

	// BroadcastInterval is how often live snapshots are pushed.
	BroadcastInterval time.Duration

	// Logger for the test harness
	Logger zerolog.Logger
}

// DefaultConfig returns sensible defaults for E2E tests.
func DefaultConfig() Config {
	return Config{
		PollInterval:      500 * time.Millisecond,
		BroadcastInterval: 200 * time.Millisecond,
		Logger:            zerolog.Nop(),
	}
}

// NewHarness creates a new E2E test harness.
// Call Start() to initialize all components.
func NewHarness(t *testing.T, cfg Config) *Harness {
	t.Helper()

	return &Harness{
		t:      t,
		logger: cfg.Logger,
	}
}

// Start initializes all components of the test harness.
func (h *Harness) Start(ctx context.Context, cfg Config) {
	h.t.Helper()

	h.ctx, h.ctxCancel = context.WithCancel(ctx)

	h.TempDir = h.t.TempDir()
	h.OriginDir = filepath.Join(h.TempDir, "origin")
	require.NoError(h.t, os.MkdirAll(h.OriginDir, 0o755))

	// The origin must listen before the container starts so its port can be exposed.
	h.Origin = httptest.NewServer(http.FileServer(http.Dir(h.OriginDir)))
	_, port, err := net.SplitHostPort(h.Origin.Listener.Addr().String())
	require.NoError(h.t, err)
	h.originPort, err = strconv.Atoi(port)
	require.NoError(h.t, err)

	aria2Cfg := testutil.DefaultAria2ContainerConfig()
	aria2Cfg.HostPorts = []int{h.originPort}
	h.Aria2, err = testutil.StartAria2Container(h.ctx, aria2Cfg)
	require.NoError(h.t, err, "failed to start aria2 container")

	appCfg := testutil.ValidConfig(h.t)
	appCfg.Server.Listen = "127.0.0.1:0"
	appCfg.Aria2.URL = h.Aria2.URL
	appCfg.Aria2.Secret = h.Aria2.Secret
	if cfg.PollInterval > 0 {
		appCfg.Aria2.PollInterval = cfg.PollInterval
	}
	if cfg.BroadcastInterval > 0 {
		appCfg.Broadcast.Interval = cfg.BroadcastInterval
	}
	// aria2 writes inside the container; the download root only has to be
	// a path both sides accept.
	appCfg.Downloads.Root = filepath.Join(h.TempDir, "drive")
	appCfg.Services = nil
	h.StoragePath = appCfg.Storage.Root
	h.DownloadsPath = appCfg.Downloads.Root

	h.Runner = testutil.NewMockRunner()
	h.Fetcher = testutil.NewMockFetcher("E2E Clip")

	h.Server, err = server.New(appCfg, server.Options{
		Logger:  cfg.Logger,
		Version: "e2e",
		Runner:  h.Runner,
		Fetcher: h.Fetcher,
	})
	require.NoError(h.t, err, "failed to create server")

	go func() {
		_ = h.Server.Run(h.ctx)
	}()

	h.API = httptest.NewServer(h.Server.Handler())

	jar, err := cookiejar.New(nil)
	require.NoError(h.t, err)
	h.Client = &http.Client{Jar: jar, Timeout: 10 * time.Second}

	h.login()
}

func (h *Harness) login() {
	h.t.Helper()

	var resp apitypes.Response
	status := h.PostJSON("/auth/login", apitypes.LoginRequest{
		Username: "admin",
		Password: testutil.TestPassword,
	}, &resp)
	require.Equal(h.t, http.StatusOK, status, "login failed")
}

// Stop shuts down all components.
func (h *Harness) Stop() {
	h.t.Helper()

	if h.ctxCancel != nil {
		h.ctxCancel()
	}

	if h.API != nil {
		h.API.Close()
	}

	if h.Server != nil {
		h.Server.PrepareShutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		_ = h.Server.Shutdown(shutdownCtx)
	}

	if h.Origin != nil {
		h.Origin.Close()
	}

	if h.Aria2 != nil {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), containerCleanup)
		defer cancel()
		_ = h.Aria2.Cleanup(cleanupCtx)
	}
}

// ServeFile writes a payload of sizeBytes to the origin and returns the URL
// the aria2 container can download it from.
func (h *Harness) ServeFile(name string, sizeBytes int) string {
	h.t.Helper()

	data := bytes.Repeat([]byte{'k'}, sizeBytes)
	require.NoError(h.t, os.WriteFile(filepath.Join(h.OriginDir, name), data, 0o644))

	return fmt.Sprintf("http://%s:%d/%s", testcontainers.HostInternal, h.originPort, url.PathEscape(name))
}

// GetJSON fetches path and decodes the body into out. It returns the status code.
func (h *Harness) GetJSON(path string, out any) int {
	h.t.Helper()

	req, err := http.NewRequestWithContext(h.ctx, http.MethodGet, h.API.URL+path, nil)
	require.NoError(h.t, err)
	return h.send(req, out)
}

// PostJSON posts body as JSON and decodes the response into out. It returns the status code.
func (h *Harness) PostJSON(path string, body, out any) int {
	h.t.Helper()

	data, err := json.Marshal(body)
	require.NoError(h.t, err)

	req, err := http.NewRequestWithContext(h.ctx, http.MethodPost, h.API.URL+path, bytes.NewReader(data))
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	return h.send(req, out)
}

func (h *Harness) send(req *http.Request, out any) int {
	h.t.Helper()

	resp, err := h.Client.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(h.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// WaitForHistory waits until a download with gid is committed to history.
func (h *Harness) WaitForHistory(gid string, timeout time.Duration) apitypes.HistoryItem {
	h.t.Helper()

	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		var resp apitypes.HistoryResponse
		if h.GetJSON("/admin/torrents/history", &resp) == http.StatusOK {
			for _, item := range resp.History {
				if item.GID == gid {
					return item
				}
			}
		}
		h.logger.Debug().Str("gid", gid).Msg("waiting for history entry")

		time.Sleep(pollSleepInterval)
	}

	h.t.Fatalf("timeout waiting for download %s to reach history", gid)
	return apitypes.HistoryItem{}
}

// WaitForActivity waits for an activity entry whose message starts with prefix.
func (h *Harness) WaitForActivity(prefix string, timeout time.Duration) apitypes.ActivityItem {
	h.t.Helper()

	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		var resp apitypes.ActivityResponse
		if h.GetJSON("/admin/activity", &resp) == http.StatusOK {
			for _, item := range resp.Activity {
				if strings.HasPrefix(item.Message, prefix) {
					return item
				}
			}
		}

		time.Sleep(pollSleepInterval)
	}

	h.t.Fatalf("timeout waiting for activity %q", prefix)
	return apitypes.ActivityItem{}
}

// DialLive opens the live websocket with the harness session.
func (h *Harness) DialLive() *websocket.Conn {
	h.t.Helper()

	u, err := url.Parse(h.API.URL)
	require.NoError(h.t, err)

	header := http.Header{}
	for _, c := range h.Client.Jar.Cookies(u) {
		header.Add("Cookie", c.String())
	}

	wsURL := "ws" + strings.TrimPrefix(h.API.URL, "http") + "/ws/live"
	conn, resp, err := websocket.DefaultDialer.DialContext(h.ctx, wsURL, header)
	require.NoError(h.t, err, "failed to dial live websocket")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	return conn
}

// ActivityMessages extracts messages from activity items.
func ActivityMessages(items []apitypes.ActivityItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Message
	}
	return out
}
