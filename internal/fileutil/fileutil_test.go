package fileutil_test

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koalacloud/koalacloud/internal/fileutil"
)

func TestListDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "zeta"), 0750))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "Alpha"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("bb"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "A.txt"), []byte("a"), 0600))
	require.NoError(t, os.Symlink(filepath.Join(dir, "missing"), filepath.Join(dir, "broken")))

	entries, err := fileutil.ListDir(dir)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"Alpha", "zeta", "A.txt", "b.txt"}, names)
	assert.True(t, entries[0].IsDir)
	assert.Equal(t, int64(2), entries[3].Size)
}

func TestSecureFilename(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain", input: "movie.mkv", want: "movie.mkv"},
		{name: "spaces become underscores", input: "My  Holiday Video.mp4", want: "My_Holiday_Video.mp4"},
		{name: "path components flattened", input: "../../etc/passwd", want: "etc_passwd"},
		{name: "windows separators", input: `C:\Users\me\file.txt`, want: "C_Users_me_file.txt"},
		{name: "unicode letters kept", input: "노래 모음.mp3", want: "노래_모음.mp3"},
		{name: "punctuation dropped", input: "a<b>c|d?.txt", want: "abcd.txt"},
		{name: "hidden dot trimmed", input: ".bashrc", want: "bashrc"},
		{name: "only dots", input: "..", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "only symbols", input: "***", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fileutil.SecureFilename(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, fileutil.ErrInvalidName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHasAllowedExtension(t *testing.T) {
	allowed := []string{"txt", "mkv", ".srt"}

	assert.True(t, fileutil.HasAllowedExtension("a.TXT", allowed))
	assert.True(t, fileutil.HasAllowedExtension("subs.srt", allowed))
	assert.False(t, fileutil.HasAllowedExtension("run.sh", allowed))
	assert.False(t, fileutil.HasAllowedExtension("noext", allowed))
	assert.True(t, fileutil.HasAllowedExtension("anything.bin", nil))
}

func TestDetectMIME(t *testing.T) {
	dir := t.TempDir()

	txt := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("hello"), 0600))
	assert.True(t, strings.HasPrefix(fileutil.DetectMIME(txt), "text/plain"))

	noExt := filepath.Join(dir, "blob")
	require.NoError(t, os.WriteFile(noExt, []byte("%PDF-1.7 rest"), 0600))
	assert.Equal(t, "application/pdf", fileutil.DetectMIME(noExt))

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0600))
	assert.Equal(t, "application/octet-stream", fileutil.DetectMIME(empty))
}

func TestSaveReader(t *testing.T) {
	t.Run("SuccessCases", func(t *testing.T) {
		tests := []struct {
			name    string
			content []byte
		}{
			{name: "small file", content: []byte("hello world")},
			{name: "empty file", content: []byte{}},
			{name: "binary content", content: []byte{0x00, 0x01, 0x02, 0xFF, 0xFE, 0xFD}},
			{name: "large file", content: make([]byte, 1024*1024)},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				dst := filepath.Join(t.TempDir(), "out.bin")

				n, err := fileutil.SaveReader(dst, bytes.NewReader(tt.content))
				require.NoError(t, err)
				assert.Equal(t, int64(len(tt.content)), n)

				got, err := os.ReadFile(dst)
				require.NoError(t, err)
				assert.Equal(t, tt.content, got)
			})
		}
	})

	t.Run("refuses to overwrite", func(t *testing.T) {
		dst := filepath.Join(t.TempDir(), "exists.txt")
		require.NoError(t, os.WriteFile(dst, []byte("old"), 0600))

		_, err := fileutil.SaveReader(dst, strings.NewReader("new"))
		require.ErrorIs(t, err, fs.ErrExist)

		got, err := os.ReadFile(dst)
		require.NoError(t, err)
		assert.Equal(t, "old", string(got))
	})

	t.Run("leaves no temp file on failure", func(t *testing.T) {
		dir := t.TempDir()
		_, err := fileutil.SaveReader(filepath.Join(dir, "missing", "x.txt"), strings.NewReader("x"))
		require.Error(t, err)

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}
