// Package media runs local media extraction jobs and tracks their progress.
package media

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Metadata is what a probe learns about a source before fetching it.
type Metadata struct {
	Title        string
	IsCollection bool
	Entries      int
}

// FetchRequest describes one fetch.
type FetchRequest struct {
	URL            string
	OutputTemplate string
	AudioOnly      bool
	Collection     bool
}

// Fetcher probes and downloads media sources.
type Fetcher interface {
	Probe(ctx context.Context, url string) (Metadata, error)
	// Fetch downloads the source and returns the paths of the files it wrote.
	// For collections, failed items are skipped; an error is returned only
	// when nothing could be fetched.
	Fetch(ctx context.Context, req FetchRequest) ([]string, error)
}

// OutputTemplate returns the yt-dlp output template for dest. Collections are
// nested under their title with an index prefix. A literal '%' in dest is
// escaped so yt-dlp does not read it as a field.
func OutputTemplate(dest string, collection bool) string {
	dest = strings.TrimRight(filepath.ToSlash(dest), "/")
	dest = strings.ReplaceAll(dest, "%", "%%")
	if collection {
		return dest + "/%(playlist_title)s/%(playlist_index)s - %(title)s.%(ext)s"
	}
	return dest + "/%(title)s.%(ext)s"
}

// NormalizeNames renames every path component of written below dest to its
// NFC form and returns the resulting path. Components that are already NFC,
// or whose NFC twin already exists, are left alone.
func NormalizeNames(dest, written string) (string, error) {
	rel, err := filepath.Rel(dest, written)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return written, nil //nolint:nilerr // paths outside dest are not touched
	}

	current := dest
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		from := filepath.Join(current, part)
		nfc := norm.NFC.String(part)
		if nfc == part {
			current = from
			continue
		}

		to := filepath.Join(current, nfc)
		if _, statErr := os.Lstat(to); statErr == nil {
			current = from
			continue
		}
		if err = os.Rename(from, to); err != nil {
			return written, err
		}
		current = to
	}

	return current, nil
}
