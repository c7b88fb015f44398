package sandbox_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koalacloud/koalacloud/internal/sandbox"
)

func newRoot(t *testing.T) (*sandbox.Root, string) {
	t.Helper()

	base := t.TempDir()
	rootDir := filepath.Join(base, "root")
	require.NoError(t, os.MkdirAll(filepath.Join(rootDir, "movies", "2024"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(rootDir, "movies", "a.mkv"), []byte("x"), 0600))

	outside := filepath.Join(base, "outside")
	require.NoError(t, os.MkdirAll(outside, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s"), 0600))

	root, err := sandbox.New(rootDir)
	require.NoError(t, err)

	return root, outside
}

func TestNew(t *testing.T) {
	t.Run("rejects missing directory", func(t *testing.T) {
		_, err := sandbox.New(filepath.Join(t.TempDir(), "nope"))
		require.Error(t, err)
	})

	t.Run("rejects regular file", func(t *testing.T) {
		f := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(f, nil, 0600))
		_, err := sandbox.New(f)
		require.Error(t, err)
	})

	t.Run("canonicalizes symlinked root", func(t *testing.T) {
		base := t.TempDir()
		realDir := filepath.Join(base, "real")
		require.NoError(t, os.Mkdir(realDir, 0750))
		link := filepath.Join(base, "link")
		require.NoError(t, os.Symlink(realDir, link))

		root, err := sandbox.New(link)
		require.NoError(t, err)

		want, err := filepath.EvalSymlinks(realDir)
		require.NoError(t, err)
		assert.Equal(t, want, root.Path())
	})
}

func TestResolve(t *testing.T) {
	root, _ := newRoot(t)

	tests := []struct {
		name string
		rel  string
		want string
	}{
		{name: "empty is root", rel: "", want: ""},
		{name: "slash is root", rel: "/", want: ""},
		{name: "many slashes is root", rel: "///", want: ""},
		{name: "dot is root", rel: ".", want: ""},
		{name: "existing directory", rel: "movies", want: "movies"},
		{name: "leading slash ignored", rel: "/movies/a.mkv", want: "movies/a.mkv"},
		{name: "internal dotdot stays inside", rel: "movies/2024/../a.mkv", want: "movies/a.mkv"},
		{name: "non-existent leaf", rel: "movies/new.txt", want: "movies/new.txt"},
		{name: "non-existent nested", rel: "x/y/z", want: "x/y/z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := root.Resolve(tt.rel)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(root.Path(), filepath.FromSlash(tt.want)), got)
		})
	}
}

func TestResolveRejectsEscapes(t *testing.T) {
	root, outside := newRoot(t)

	require.NoError(t, os.Symlink(outside, filepath.Join(root.Path(), "escape")))
	require.NoError(t, os.Symlink(
		filepath.Join(outside, "missing.txt"),
		filepath.Join(root.Path(), "dangling"),
	))
	require.NoError(t, os.Symlink("../outside", filepath.Join(root.Path(), "relative")))

	tests := []struct {
		name string
		rel  string
	}{
		{name: "parent", rel: ".."},
		{name: "parent of parent", rel: "../../etc/passwd"},
		{name: "leading slash parent", rel: "/../outside/secret.txt"},
		{name: "climb out of subdir", rel: "movies/../../outside"},
		{name: "sibling with root prefix", rel: "../root-other"},
		{name: "symlink to outside dir", rel: "escape"},
		{name: "file through symlink", rel: "escape/secret.txt"},
		{name: "new file through symlink", rel: "escape/new.txt"},
		{name: "dangling symlink to outside", rel: "dangling"},
		{name: "relative symlink to outside", rel: "relative/secret.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := root.Resolve(tt.rel)
			require.ErrorIs(t, err, sandbox.ErrPathEscape)
		})
	}
}

func TestResolveRejectsInvalidPaths(t *testing.T) {
	root, _ := newRoot(t)

	require.NoError(t, os.Symlink("loop-b", filepath.Join(root.Path(), "loop-a")))
	require.NoError(t, os.Symlink("loop-a", filepath.Join(root.Path(), "loop-b")))

	tests := []struct {
		name string
		rel  string
	}{
		{name: "file used as directory", rel: "movies/a.mkv/child"},
		{name: "nested below file", rel: "movies/a.mkv/x/y"},
		{name: "nul byte", rel: "movies/a\x00b"},
		{name: "over-long name", rel: strings.Repeat("n", 4096)},
		{name: "symlink loop", rel: "loop-a/inside"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := root.Resolve(tt.rel)
			require.ErrorIs(t, err, sandbox.ErrInvalidPath)
			assert.NotErrorIs(t, err, sandbox.ErrPathEscape)
		})
	}
}

func TestWithinRejectsInvalidPaths(t *testing.T) {
	root, _ := newRoot(t)
	shareTarget := filepath.Join(root.Path(), "movies")

	_, err := sandbox.Within(shareTarget, "a.mkv/child")
	require.ErrorIs(t, err, sandbox.ErrInvalidPath)

	_, err = sandbox.Within(shareTarget, "a\x00b")
	require.ErrorIs(t, err, sandbox.ErrInvalidPath)
}

func TestResolveFollowsInternalSymlink(t *testing.T) {
	root, _ := newRoot(t)
	require.NoError(t, os.Symlink(
		filepath.Join(root.Path(), "movies"),
		filepath.Join(root.Path(), "shortcut"),
	))

	got, err := root.Resolve("shortcut/a.mkv")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root.Path(), "movies", "a.mkv"), got)
}

func TestRel(t *testing.T) {
	root, outside := newRoot(t)

	rel, err := root.Rel(root.Path())
	require.NoError(t, err)
	assert.Empty(t, rel)

	rel, err = root.Rel(filepath.Join(root.Path(), "movies", "2024"))
	require.NoError(t, err)
	assert.Equal(t, "movies/2024", rel)

	_, err = root.Rel(outside)
	require.ErrorIs(t, err, sandbox.ErrPathEscape)
}

func TestWithin(t *testing.T) {
	root, _ := newRoot(t)
	shareTarget := filepath.Join(root.Path(), "movies")

	got, err := sandbox.Within(shareTarget, "2024")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(shareTarget, "2024"), got)

	got, err = sandbox.Within(shareTarget, "")
	require.NoError(t, err)
	assert.Equal(t, shareTarget, got)

	// A share of "movies" must not expose its siblings even though they are in the root.
	_, err = sandbox.Within(shareTarget, "../")
	require.ErrorIs(t, err, sandbox.ErrPathEscape)
}
