package server_test

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koalacloud/koalacloud/apitypes"
	"github.com/koalacloud/koalacloud/internal/files"
)

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.anonymous(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decode[apitypes.HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, testVersion, resp.Version)
}

func TestAuth(t *testing.T) {
	f := newFixture(t)

	t.Run("protected routes reject anonymous requests", func(t *testing.T) {
		for _, target := range []string{
			"/api/list",
			"/admin/torrents/progress",
			"/admin/youtubedl/tasks",
			"/admin/services/list",
			"/admin/logs",
		} {
			rec := f.anonymous(t, http.MethodGet, target)
			assert.Equal(t, http.StatusUnauthorized, rec.Code, target)
			env := decode[envelope](t, rec)
			assert.False(t, env.OK)
			assert.Equal(t, http.StatusUnauthorized, env.Code)
		}
	})

	t.Run("status reports the session", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/auth/status", nil)
		status := decode[apitypes.AuthStatus](t, rec)
		assert.True(t, status.LoggedIn)
		assert.Equal(t, "admin", status.User)

		rec = f.anonymous(t, http.MethodGet, "/auth/status")
		assert.False(t, decode[apitypes.AuthStatus](t, rec).LoggedIn)
	})

	t.Run("login errors", func(t *testing.T) {
		tests := []struct {
			name string
			body map[string]string
			code int
			msg  string
		}{
			{"missing password", map[string]string{"username": "admin"}, http.StatusBadRequest, "Missing credentials"},
			{"wrong password", map[string]string{"username": "admin", "password": "nope"}, http.StatusUnauthorized, "Invalid credentials"},
			{"unknown user", map[string]string{"username": "root", "password": "x"}, http.StatusUnauthorized, "Invalid credentials"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rec := f.do(t, http.MethodPost, "/auth/login", tt.body)
				assert.Equal(t, tt.code, rec.Code)
				assert.Equal(t, tt.msg, decode[envelope](t, rec).Error)
			})
		}
	})

	t.Run("logout ends the session", func(t *testing.T) {
		g := newFixture(t)
		rec := g.do(t, http.MethodPost, "/auth/logout", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = g.do(t, http.MethodGet, "/api/list", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestListAndProperties(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, "Video/a.mp4", "movie")
	f.writeFile(t, "notes.txt", "hello")

	rec := f.do(t, http.MethodGet, "/api/list", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listing := decode[files.Listing](t, rec)
	assert.Equal(t, files.TypeDir, listing.Type)
	assert.Equal(t, "/", listing.Path)
	names := make([]string, 0, len(listing.Items))
	for _, it := range listing.Items {
		names = append(names, it.Name)
	}
	assert.ElementsMatch(t, []string{"Video", "notes.txt"}, names)

	rec = f.do(t, http.MethodGet, "/api/list?path=notes.txt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, files.TypeFile, decode[files.Listing](t, rec).Type)

	rec = f.do(t, http.MethodGet, "/api/properties?path=Video/a.mp4", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	props := decode[files.Properties](t, rec)
	assert.Equal(t, int64(5), props.Size)
	assert.NotEmpty(t, props.MIME)

	rec = f.do(t, http.MethodGet, "/api/properties?path=Video", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "inode/directory", decode[files.Properties](t, rec).MIME)

	tests := []struct {
		target string
		code   int
	}{
		{"/api/list?path=missing", http.StatusNotFound},
		{"/api/list?path=../../etc", http.StatusBadRequest},
		{"/api/properties?path=nope.txt", http.StatusNotFound},
		{"/api/list?path=notes.txt/child", http.StatusBadRequest},
		{"/api/properties?path=Video/a.mp4/deeper", http.StatusBadRequest},
		{"/api/list?path=a%00b", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec = f.do(t, http.MethodGet, tt.target, nil)
		assert.Equal(t, tt.code, rec.Code, tt.target)
		assert.False(t, decode[envelope](t, rec).OK)
	}
}

func TestDownload(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, "notes.txt", "hello")

	rec := f.do(t, http.MethodGet, "/api/download?path=notes.txt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")

	rec = f.do(t, http.MethodGet, "/api/download?path=.", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpload(t *testing.T) {
	f := newFixture(t)

	rec := f.upload(t, "", "../my clip.mp4", "data")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Video/my_clip.mp4", decode[apitypes.UploadResponse](t, rec).SavedAs)
	assert.FileExists(t, filepath.Join(f.storage, "Video", "my_clip.mp4"))

	rec = f.upload(t, "", "../my clip.mp4", "again")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.upload(t, "", "script.sh", "#!/bin/sh")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.upload(t, "", "big.txt", strings.Repeat("x", 2<<20))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/upload", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No file part", decode[envelope](t, rec).Error)
}

func TestMkdirDeleteMoveCopy(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, "docs/a.txt", "a")

	rec := f.do(t, http.MethodPost, "/api/mkdir", apitypes.MkdirRequest{Parent: "", Name: "New Folder"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "New_Folder", decode[apitypes.MkdirResponse](t, rec).Path)

	rec = f.do(t, http.MethodPost, "/api/mkdir", apitypes.MkdirRequest{Name: " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/copy", apitypes.TransferRequest{Src: "docs/a.txt", Dst: "New_Folder"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "New_Folder/a.txt", decode[apitypes.TransferResponse](t, rec).Path)
	assert.FileExists(t, filepath.Join(f.storage, "docs", "a.txt"))

	rec = f.do(t, http.MethodPost, "/api/move", apitypes.TransferRequest{Src: "docs", Dst: "archive"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NoDirExists(t, filepath.Join(f.storage, "docs"))
	assert.FileExists(t, filepath.Join(f.storage, "archive", "a.txt"))

	rec = f.do(t, http.MethodPost, "/api/move", apitypes.TransferRequest{Src: "archive", Dst: "archive/inner"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/copy", apitypes.TransferRequest{Src: "archive"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/delete", apitypes.PathRequest{Path: "archive"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NoDirExists(t, filepath.Join(f.storage, "archive"))

	rec = f.do(t, http.MethodPost, "/api/delete", apitypes.PathRequest{Path: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/delete", apitypes.PathRequest{Path: "archive"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestShares(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, "album/one.txt", "1")
	f.writeFile(t, "album/sub/two.txt", "2")
	f.writeFile(t, "secret.txt", "s")

	rec := f.do(t, http.MethodPost, "/api/share", apitypes.ShareRequest{Path: "album", ExpiresHours: 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[apitypes.ShareResponse](t, rec)
	require.NotEmpty(t, resp.Token)
	assert.Equal(t, "/s/"+resp.Token, resp.URL)
	require.NotNil(t, resp.ExpiresAt)

	t.Run("directory listing", func(t *testing.T) {
		rec := f.anonymous(t, http.MethodGet, resp.URL)
		require.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.Contains(t, body, "one.txt")
		assert.Contains(t, body, "sub")
	})

	t.Run("file inside the share", func(t *testing.T) {
		rec := f.anonymous(t, http.MethodGet, resp.URL+"?p=sub/two.txt")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Body.String())
	})

	t.Run("escape is rejected", func(t *testing.T) {
		rec := f.anonymous(t, http.MethodGet, resp.URL+"?p=../secret.txt")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("file used as directory is rejected", func(t *testing.T) {
		rec := f.anonymous(t, http.MethodGet, resp.URL+"?p=one.txt/x")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown token", func(t *testing.T) {
		rec := f.anonymous(t, http.MethodGet, "/s/does-not-exist")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("missing target", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/share", apitypes.ShareRequest{Path: "gone.txt"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("never expiring file share", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/share", apitypes.ShareRequest{Path: "secret.txt"})
		require.Equal(t, http.StatusOK, rec.Code)
		file := decode[apitypes.ShareResponse](t, rec)
		assert.Nil(t, file.ExpiresAt)

		rec = f.anonymous(t, http.MethodGet, file.URL)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "s", rec.Body.String())
	})
}

func TestDriveToggleGatesFiles(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, "a.txt", "a")

	rec := f.do(t, http.MethodPost, "/api/share", apitypes.ShareRequest{Path: "a.txt"})
	require.Equal(t, http.StatusOK, rec.Code)
	link := decode[apitypes.ShareResponse](t, rec).URL

	rec = f.do(t, http.MethodPost, "/admin/services/toggle", apitypes.ToggleRequest{Service: "drive", State: false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[apitypes.ToggleResponse](t, rec).Status)

	for _, target := range []string{"/api/list", link} {
		rec = f.do(t, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, target)
		assert.Equal(t, "Drive is disabled by admin", decode[envelope](t, rec).Error)
	}

	// Admin routes stay available.
	rec = f.do(t, http.MethodGet, "/admin/services/list", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.drive.Set(true)
	rec = f.do(t, http.MethodGet, "/api/list", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestErrorEnvelopeForUnknownRoute(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	env := decode[envelope](t, rec)
	assert.False(t, env.OK)
	assert.Equal(t, http.StatusNotFound, env.Code)
	assert.NotEmpty(t, env.Error)
}

func TestLogs(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/admin/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Log file not found.", decode[apitypes.LogsResponse](t, rec).Logs)

	var sb strings.Builder
	for i := range 150 {
		sb.WriteString("line ")
		sb.WriteString(strings.Repeat("x", i%3))
		sb.WriteString("\n")
	}
	sb.WriteString("last line\n")
	require.NoError(t, os.WriteFile(f.logFile, []byte(sb.String()), 0o644))

	rec = f.do(t, http.MethodGet, "/admin/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decode[apitypes.LogsResponse](t, rec).Logs
	lines := strings.Split(strings.TrimSuffix(logs, "\n"), "\n")
	assert.Len(t, lines, 100)
	assert.Equal(t, "last line", lines[len(lines)-1])
}
