package transfer_test

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koalacloud/koalacloud/internal/transfer"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestNewRclone(t *testing.T) {
	c := transfer.NewRclone(transfer.WithLogger(zerolog.Nop()))
	require.NotNil(t, c)
	assert.Equal(t, string(transfer.BackendRclone), c.Name())
}

func TestCopy(t *testing.T) {
	c := transfer.NewRclone()

	t.Run("file to new name", func(t *testing.T) {
		dir := t.TempDir()
		src := filepath.Join(dir, "movie.mkv")
		writeFile(t, src, "frames")

		res, err := c.Copy(t.Context(), src, filepath.Join(dir, "copy.mkv"))
		require.NoError(t, err)

		assert.Equal(t, filepath.Join(dir, "copy.mkv"), res.Dst)
		assert.Equal(t, "frames", readFile(t, res.Dst))
		assert.FileExists(t, src)
	})

	t.Run("file into existing directory", func(t *testing.T) {
		dir := t.TempDir()
		src := filepath.Join(dir, "a.srt")
		writeFile(t, src, "subs")
		require.NoError(t, os.Mkdir(filepath.Join(dir, "Subs"), 0o755))

		res, err := c.Copy(t.Context(), src, filepath.Join(dir, "Subs"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "Subs", "a.srt"), res.Dst)
		assert.Equal(t, "subs", readFile(t, res.Dst))
	})

	t.Run("file replaces existing file", func(t *testing.T) {
		dir := t.TempDir()
		src := filepath.Join(dir, "new.txt")
		dst := filepath.Join(dir, "old.txt")
		writeFile(t, src, "new contents")
		writeFile(t, dst, "old")

		_, err := c.Copy(t.Context(), src, dst)
		require.NoError(t, err)
		assert.Equal(t, "new contents", readFile(t, dst))
	})

	t.Run("directory recursively", func(t *testing.T) {
		dir := t.TempDir()
		src := filepath.Join(dir, "Show")
		writeFile(t, filepath.Join(src, "S01", "e1.mkv"), "one")
		writeFile(t, filepath.Join(src, "S01", "e2.mkv"), "two")
		require.NoError(t, os.MkdirAll(filepath.Join(src, "Extras"), 0o755))

		_, err := c.Copy(t.Context(), src, filepath.Join(dir, "Backup"))
		require.NoError(t, err)

		assert.Equal(t, "one", readFile(t, filepath.Join(dir, "Backup", "S01", "e1.mkv")))
		assert.Equal(t, "two", readFile(t, filepath.Join(dir, "Backup", "S01", "e2.mkv")))
		assert.DirExists(t, filepath.Join(dir, "Backup", "Extras"))
	})

	t.Run("directory onto existing name fails", func(t *testing.T) {
		dir := t.TempDir()
		src := filepath.Join(dir, "Show")
		writeFile(t, filepath.Join(src, "e1.mkv"), "one")
		writeFile(t, filepath.Join(dir, "Taken"), "file")

		_, err := c.Copy(t.Context(), src, filepath.Join(dir, "Taken"))
		require.ErrorIs(t, err, fs.ErrExist)
	})

	t.Run("directory into itself fails", func(t *testing.T) {
		dir := t.TempDir()
		src := filepath.Join(dir, "Show")
		writeFile(t, filepath.Join(src, "e1.mkv"), "one")

		_, err := c.Copy(t.Context(), src, filepath.Join(src, "nested"))
		require.ErrorIs(t, err, transfer.ErrIntoSelf)
	})

	t.Run("missing source", func(t *testing.T) {
		dir := t.TempDir()
		_, err := c.Copy(t.Context(), filepath.Join(dir, "nope"), filepath.Join(dir, "dst"))
		require.ErrorIs(t, err, fs.ErrNotExist)
	})

	t.Run("missing destination parent", func(t *testing.T) {
		dir := t.TempDir()
		src := filepath.Join(dir, "a.txt")
		writeFile(t, src, "x")

		_, err := c.Copy(t.Context(), src, filepath.Join(dir, "no", "such", "a.txt"))
		require.ErrorIs(t, err, fs.ErrNotExist)
	})
}

func TestMove(t *testing.T) {
	c := transfer.NewRclone()

	t.Run("renames file", func(t *testing.T) {
		dir := t.TempDir()
		src := filepath.Join(dir, "a.txt")
		writeFile(t, src, "payload")

		res, err := c.Move(t.Context(), src, filepath.Join(dir, "b.txt"))
		require.NoError(t, err)

		assert.NoFileExists(t, src)
		assert.Equal(t, "payload", readFile(t, res.Dst))
		assert.Equal(t, int64(0), res.Bytes)
	})

	t.Run("into existing directory", func(t *testing.T) {
		dir := t.TempDir()
		src := filepath.Join(dir, "Season 1")
		writeFile(t, filepath.Join(src, "e1.mkv"), "one")
		require.NoError(t, os.Mkdir(filepath.Join(dir, "Show"), 0o755))

		res, err := c.Move(t.Context(), src, filepath.Join(dir, "Show"))
		require.NoError(t, err)

		assert.Equal(t, filepath.Join(dir, "Show", "Season 1"), res.Dst)
		assert.Equal(t, "one", readFile(t, filepath.Join(res.Dst, "e1.mkv")))
		assert.NoDirExists(t, src)
	})

	t.Run("directory into itself fails", func(t *testing.T) {
		dir := t.TempDir()
		src := filepath.Join(dir, "Show")
		writeFile(t, filepath.Join(src, "S01", "e1.mkv"), "one")

		_, err := c.Move(t.Context(), src, filepath.Join(src, "S01"))
		require.ErrorIs(t, err, transfer.ErrIntoSelf)
		assert.DirExists(t, src)
	})

	t.Run("missing source", func(t *testing.T) {
		dir := t.TempDir()
		_, err := c.Move(t.Context(), filepath.Join(dir, "nope"), filepath.Join(dir, "dst"))
		require.ErrorIs(t, err, fs.ErrNotExist)
	})
}

func TestPrepareShutdown(_ *testing.T) {
	transfer.NewRclone().PrepareShutdown()
}
