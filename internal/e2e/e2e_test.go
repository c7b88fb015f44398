//go:build e2e

package e2e_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koalacloud/koalacloud/apitypes"
	"github.com/koalacloud/koalacloud/internal/broadcast"
	"github.com/koalacloud/koalacloud/internal/e2e"
	"github.com/koalacloud/koalacloud/internal/events"
)

func startHarness(t *testing.T) *e2e.Harness {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	t.Cleanup(cancel)

	cfg := e2e.DefaultConfig()
	cfg.Logger = zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)

	h := e2e.NewHarness(t, cfg)
	h.Start(ctx, cfg)
	t.Cleanup(h.Stop)

	return h
}

// TestE2E_DownloadCompletes tests the remote download workflow:
// 1. A URL is queued on the aria2 daemon through the admin API.
// 2. The daemon downloads it from the host origin.
// 3. The reconciler commits it to history and makes the daemon forget it.
// 4. The activity feed records both steps.
func TestE2E_DownloadCompletes(t *testing.T) {
	h := startHarness(t)

	const payload = "koala-e2e.bin"
	link := h.ServeFile(payload, 256*1024)

	var added apitypes.TorrentAddResponse
	status := h.PostJSON("/admin/torrents/add", apitypes.TorrentAddRequest{Link: link, Dest: "Incoming"}, &added)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, added.GID)
	t.Logf("queued %s as %s", link, added.GID)

	item := h.WaitForHistory(added.GID, 2*time.Minute)
	assert.Equal(t, payload, item.Name)
	assert.Equal(t, int64(256*1024), item.SizeBytes)
	require.NotNil(t, item.CompletedAt)

	// Forgotten jobs leave the live view.
	require.Eventually(t, func() bool {
		var progress struct {
			Progress []json.RawMessage `json:"progress"`
		}
		h.GetJSON("/admin/torrents/progress", &progress)
		return len(progress.Progress) == 0
	}, 30*time.Second, 200*time.Millisecond)

	h.WaitForActivity("Download queued", 10*time.Second)
	h.WaitForActivity("Download complete", 10*time.Second)

	// A second commit of the same job must not duplicate history.
	time.Sleep(2 * time.Second)
	var history apitypes.HistoryResponse
	h.GetJSON("/admin/torrents/history", &history)
	count := 0
	for _, it := range history.History {
		if it.GID == added.GID {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

// TestE2E_RemoveQueuedDownload tests removing a download the daemon cannot finish.
func TestE2E_RemoveQueuedDownload(t *testing.T) {
	h := startHarness(t)

	var added apitypes.TorrentAddResponse
	status := h.PostJSON("/admin/torrents/add", apitypes.TorrentAddRequest{
		Link: "http://203.0.113.1:9/never.bin",
	}, &added)
	require.Equal(t, http.StatusOK, status)

	var resp apitypes.Response
	status = h.PostJSON("/admin/torrents/remove", apitypes.GIDRequest{GID: added.GID}, &resp)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, resp.OK)

	h.WaitForActivity("Download removed", 10*time.Second)

	var history apitypes.HistoryResponse
	h.GetJSON("/admin/torrents/history", &history)
	for _, it := range history.History {
		assert.NotEqual(t, added.GID, it.GID, "removed download must not reach history")
	}
}

// TestE2E_LivePush tests that the websocket receives periodic snapshots.
func TestE2E_LivePush(t *testing.T) {
	h := startHarness(t)

	conn := h.DialLive()
	defer conn.Close()

	seen := make(map[events.Type]bool)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	for !seen[events.TorrentStatus] || !seen[events.MediaStatus] {
		var frame broadcast.Frame
		require.NoError(t, conn.ReadJSON(&frame))
		seen[frame.Type] = true
	}
}

// TestE2E_MediaJobAndActivity tests a local media job end to end with the fake fetcher.
func TestE2E_MediaJobAndActivity(t *testing.T) {
	h := startHarness(t)

	var added apitypes.MediaAddResponse
	status := h.PostJSON("/admin/youtubedl/add", apitypes.MediaAddRequest{
		Link: "https://videos.example.com/watch?v=e2e",
	}, &added)
	require.Equal(t, http.StatusOK, status)

	h.WaitForActivity("Media job finished", 30*time.Second)

	var history apitypes.MediaHistoryResponse
	h.GetJSON("/admin/youtubedl/history", &history)
	require.Len(t, history.History, 1)
	assert.Equal(t, "E2E Clip", history.History[0].Name)
	assert.NotNil(t, history.History[0].CompletedAt)

	var activity apitypes.ActivityResponse
	h.GetJSON("/admin/activity", &activity)
	t.Logf("activity: %v", e2e.ActivityMessages(activity.Activity))
}
