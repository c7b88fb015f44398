package media_test

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/unicode/norm"

	"github.com/koalacloud/koalacloud/internal/media"
)

func TestOutputTemplate(t *testing.T) {
	tests := []struct {
		name       string
		dest       string
		collection bool
		want       string
	}{
		{
			name: "single",
			dest: "/mnt/drive/Music/",
			want: "/mnt/drive/Music/%(title)s.%(ext)s",
		},
		{
			name:       "collection",
			dest:       "/mnt/drive/Music",
			collection: true,
			want:       "/mnt/drive/Music/%(playlist_title)s/%(playlist_index)s - %(title)s.%(ext)s",
		},
		{
			name: "percent in destination",
			dest: "/mnt/drive/100% Hits",
			want: "/mnt/drive/100%% Hits/%(title)s.%(ext)s",
		},
		{
			name:       "field-like destination",
			dest:       "/mnt/drive/%(id)s",
			collection: true,
			want:       "/mnt/drive/%%(id)s/%(playlist_title)s/%(playlist_index)s - %(title)s.%(ext)s",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, media.OutputTemplate(tt.dest, tt.collection))
		})
	}
}

func TestFetchArgs(t *testing.T) {
	tests := []struct {
		name    string
		req     media.FetchRequest
		want    []string
		notWant []string
	}{
		{
			name:    "audio single",
			req:     media.FetchRequest{URL: "https://e.x/v", OutputTemplate: "/d/%(title)s.%(ext)s", AudioOnly: true},
			want:    []string{"-x", "--audio-format", "mp3", "--audio-quality", "192K", "--no-playlist", "bestaudio/best"},
			notWant: []string{"--ignore-errors"},
		},
		{
			name:    "video collection",
			req:     media.FetchRequest{URL: "https://e.x/l", OutputTemplate: "/d/x", Collection: true},
			want:    []string{"bestvideo[height<=1080]+bestaudio/best", "--yes-playlist", "--ignore-errors"},
			notWant: []string{"-x", "--no-playlist"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := media.FetchArgs(tt.req)
			for _, w := range tt.want {
				assert.Contains(t, args, w)
			}
			for _, nw := range tt.notWant {
				assert.NotContains(t, args, nw)
			}
			assert.Equal(t, tt.req.URL, args[len(args)-1], "url comes last, after --")
			assert.Equal(t, "--", args[len(args)-2])
			assert.Contains(t, args, tt.req.OutputTemplate)
			assert.Contains(t, args, "after_move:filepath")
		})
	}
}

func TestNormalizeNames(t *testing.T) {
	dest := t.TempDir()
	nfdDir := norm.NFD.String("앨범")
	nfdFile := norm.NFD.String("노래.mp3")

	require.NoError(t, os.MkdirAll(filepath.Join(dest, nfdDir), 0o755))
	written := filepath.Join(dest, nfdDir, nfdFile)
	require.NoError(t, os.WriteFile(written, []byte("x"), 0o644))

	got, err := media.NormalizeNames(dest, written)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "앨범", "노래.mp3"), got)
	assert.FileExists(t, got)

	t.Run("already normalized is untouched", func(t *testing.T) {
		again, err := media.NormalizeNames(dest, got)
		require.NoError(t, err)
		assert.Equal(t, got, again)
	})

	t.Run("outside dest is untouched", func(t *testing.T) {
		other := filepath.Join(t.TempDir(), nfdFile)
		out, err := media.NormalizeNames(dest, other)
		require.NoError(t, err)
		assert.Equal(t, other, out)
	})
}

// writeFakeYTDLP writes a shell script standing in for yt-dlp.
func writeFakeYTDLP(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture")
	}
	path := filepath.Join(t.TempDir(), "yt-dlp")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestYTDLPProbe(t *testing.T) {
	t.Run("single", func(t *testing.T) {
		bin := writeFakeYTDLP(t, `echo '{"_type":"video","title":"Hello"}'`)
		meta, err := media.NewYTDLP(bin).Probe(t.Context(), "https://e.x/v")
		require.NoError(t, err)
		assert.Equal(t, media.Metadata{Title: "Hello"}, meta)
	})

	t.Run("playlist", func(t *testing.T) {
		bin := writeFakeYTDLP(t, `echo '{"_type":"playlist","title":"Mix","entries":[{},{},{}]}'`)
		meta, err := media.NewYTDLP(bin).Probe(t.Context(), "https://e.x/l")
		require.NoError(t, err)
		assert.Equal(t, media.Metadata{Title: "Mix", IsCollection: true, Entries: 3}, meta)
	})

	t.Run("failure carries stderr", func(t *testing.T) {
		bin := writeFakeYTDLP(t, "echo 'ERROR: Unsupported URL' >&2\nexit 1\n")
		_, err := media.NewYTDLP(bin).Probe(t.Context(), "https://e.x/v")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Unsupported URL")
	})
}

func TestYTDLPFetch(t *testing.T) {
	t.Run("reports written files", func(t *testing.T) {
		bin := writeFakeYTDLP(t, "echo /d/a.mp3\necho /d/b.mp3\n")
		files, err := media.NewYTDLP(bin).Fetch(t.Context(), media.FetchRequest{URL: "https://e.x/v", OutputTemplate: "/d/x"})
		require.NoError(t, err)
		assert.Equal(t, []string{"/d/a.mp3", "/d/b.mp3"}, files)
	})

	t.Run("collection with partial failure succeeds", func(t *testing.T) {
		bin := writeFakeYTDLP(t, "echo /d/a.mp3\necho 'ERROR: item 2 unavailable' >&2\nexit 1\n")
		files, err := media.NewYTDLP(bin).Fetch(t.Context(), media.FetchRequest{URL: "https://e.x/l", Collection: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"/d/a.mp3"}, files)
	})

	t.Run("single item failure is an error", func(t *testing.T) {
		bin := writeFakeYTDLP(t, "echo 'ERROR: 403' >&2\nexit 1\n")
		_, err := media.NewYTDLP(bin).Fetch(t.Context(), media.FetchRequest{URL: "https://e.x/v"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "403")
	})
}
