package download_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/koalacloud/koalacloud/internal/download"
)

func files(paths ...string) []download.File {
	out := make([]download.File, 0, len(paths))
	for _, p := range paths {
		out = append(out, download.File{Path: p})
	}
	return out
}

func torrent(name string) *download.BitTorrent {
	bt := &download.BitTorrent{}
	bt.Info.Name = name
	return bt
}

func TestInferName(t *testing.T) {
	tests := []struct {
		name  string
		files []download.File
		bt    *download.BitTorrent
		want  string
	}{
		{
			name:  "torrent name wins",
			files: files("/mnt/drive/x/a.mkv"),
			bt:    torrent("Big.Show.S01"),
			want:  "Big.Show.S01",
		},
		{
			name:  "empty torrent name falls through",
			files: files("Show/S01/e1.mkv", "Show/S01/e2.mkv"),
			bt:    torrent(""),
			want:  "S01",
		},
		{
			name:  "common folder of relative paths",
			files: files("Show/S01/e1.mkv", "Show/S01/e2.mkv"),
			want:  "S01",
		},
		{
			name:  "common folder of absolute paths",
			files: files("/mnt/drive/Movies/Film/film.mkv", "/mnt/drive/Movies/Film/film.srt"),
			want:  "Film",
		},
		{
			name:  "no common prefix uses first file",
			files: files("a/e1.mkv", "b/e2.mkv"),
			want:  "e1.mkv",
		},
		{
			name:  "absolute paths sharing only root use first file",
			files: files("/a/e1.mkv", "/b/e2.mkv"),
			want:  "e1.mkv",
		},
		{
			name:  "single file",
			files: files("/mnt/drive/ubuntu.iso"),
			want:  "ubuntu.iso",
		},
		{
			name:  "empty paths are skipped",
			files: files("", "Show/e1.mkv", "Show/e2.mkv"),
			want:  "Show",
		},
		{
			name: "no files",
			want: download.UnknownName,
		},
		{
			name:  "only empty paths",
			files: files(""),
			want:  download.UnknownName,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, download.InferName(tt.files, tt.bt))
		})
	}
}

func TestDestinationFolder(t *testing.T) {
	tests := []struct {
		name  string
		root  string
		files []download.File
		want  string
	}{
		{name: "nested folder", root: "/mnt/drive", files: files("/mnt/drive/Movies/Film/film.mkv"), want: "/Movies/Film"},
		{name: "file directly in root", root: "/mnt/drive", files: files("/mnt/drive/film.mkv"), want: "/"},
		{name: "outside root", root: "/mnt/drive", files: files("/tmp/film.mkv"), want: "/"},
		{name: "sibling with shared prefix", root: "/mnt/drive", files: files("/mnt/drive2/x/film.mkv"), want: "/"},
		{name: "relative path", root: "/mnt/drive", files: files("film.mkv"), want: "/"},
		{name: "no files", root: "/mnt/drive", want: "/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, download.DestinationFolder(tt.root, tt.files))
		})
	}
}
