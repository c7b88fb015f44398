// Package fileutil provides common file operation utilities.
package fileutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalidName is returned when a filename has nothing usable left after sanitizing.
var ErrInvalidName = errors.New("invalid file name")

// Info describes a single filesystem entry.
type Info struct {
	Name    string
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// Stat returns Info for path.
func Stat(path string) (Info, error) {
	st, err := os.Stat(path)
	if err != nil {
		return Info{}, err
	}
	return infoFrom(st), nil
}

// ListDir returns the entries of dir with directories first, then by
// case-insensitive name. Entries that vanish while listing are skipped.
func ListDir(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		// Follow symlinks so a link to a directory lists as a directory.
		st, statErr := os.Stat(filepath.Join(dir, e.Name()))
		if statErr != nil {
			if errors.Is(statErr, fs.ErrNotExist) {
				continue
			}
			return nil, statErr
		}
		out = append(out, infoFrom(st))
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})

	return out, nil
}

func infoFrom(st fs.FileInfo) Info {
	return Info{
		Name:    st.Name(),
		IsDir:   st.IsDir(),
		Size:    st.Size(),
		ModTime: st.ModTime(),
	}
}

// SecureFilename reduces name to a single safe path component.
// Separators become spaces, whitespace runs become underscores and only
// letters, digits, '.', '-' and '_' survive. Leading and trailing dots and
// underscores are trimmed so the result can never be "." or "..".
func SecureFilename(name string) (string, error) {
	name = norm.NFC.String(name)
	name = strings.NewReplacer("/", " ", "\\", " ").Replace(name)

	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}

	cleaned := strings.Join(strings.Fields(b.String()), "_")
	cleaned = strings.Trim(cleaned, "._")
	if cleaned == "" {
		return "", ErrInvalidName
	}

	return cleaned, nil
}

// HasAllowedExtension reports whether name ends in one of the given
// extensions (without the dot, case-insensitive). An empty list allows everything.
func HasAllowedExtension(name string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if ext == "" {
		return false
	}

	for _, a := range allowed {
		if strings.EqualFold(strings.TrimPrefix(a, "."), ext) {
			return true
		}
	}
	return false
}

// DetectMIME guesses the content type of path from its extension, falling
// back to sniffing the first 512 bytes.
func DetectMIME(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}

	f, err := os.Open(path)
	if err != nil {
		return "application/octet-stream"
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, _ := io.ReadFull(f, buf)
	if n == 0 {
		return "application/octet-stream"
	}
	return http.DetectContentType(buf[:n])
}

// SaveReader writes r to dst through a temporary file in the same directory
// and renames it into place, so readers never observe a partial file.
// Existing files are not overwritten.
func SaveReader(dst string, r io.Reader) (written int64, retErr error) {
	if _, err := os.Lstat(dst); err == nil {
		return 0, fmt.Errorf("%s: %w", filepath.Base(dst), fs.ErrExist)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	defer func() {
		if retErr != nil {
			_ = os.Remove(tmpName)
		}
	}()

	written, err = io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()
		return written, err
	}
	if err = tmp.Close(); err != nil {
		return written, err
	}
	if err = os.Chmod(tmpName, 0o644); err != nil { //nolint:gosec // shared media files are world-readable
		return written, err
	}

	if err = os.Rename(tmpName, dst); err != nil {
		return written, err
	}

	return written, nil
}
