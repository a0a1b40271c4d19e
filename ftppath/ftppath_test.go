package ftppath

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestWithCwd(t *testing.T) {
	require.Equal(t, "/a/b", WithCwd("/a", "b"))
	require.Equal(t, "/a", WithCwd("/a/b", ".."))
	require.Equal(t, "/x/y", WithCwd("/unused", "/x/y"))
	require.Equal(t, "/", WithCwd("/", "."))
}

func TestPathEscape(t *testing.T) {
	require.Equal(t, "/some/dir", PathEscape("/some/dir"))
	require.Equal(t, `/some""dir`, PathEscape(`/some"dir`))
}

func TestStripOptions(t *testing.T) {
	require.Equal(t, "/foo", StripOptions("-la /foo"))
	require.Equal(t, "/foo", StripOptions("-l -a /foo"))
	require.Equal(t, "/foo", StripOptions("/foo"))
	require.Equal(t, "", StripOptions("-la"))
}

func TestHasListOption(t *testing.T) {
	require.True(t, HasListOption("-la /foo"))
	require.True(t, HasListOption("-A"))
	require.False(t, HasListOption("/foo"))
}

func TestGlobNoMeta(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/dir/file.txt", []byte("x"), 0o644))

	matches, err := Glob(context.Background(), fs, "/", "/dir/file.txt", 0)
	require.NoError(t, err)
	require.Equal(t, []string{"/dir/file.txt"}, matches)

	_, err = Glob(context.Background(), fs, "/", "/dir/nope.txt", 0)
	require.Error(t, err)
}

func TestGlobWildcard(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/dir/a.txt", []byte("x"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/dir/b.txt", []byte("x"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/dir/c.log", []byte("x"), 0o644))

	matches, err := Glob(context.Background(), fs, "/dir", "*.txt", 0)
	require.NoError(t, err)
	require.Equal(t, []string{"/dir/a.txt", "/dir/b.txt"}, matches)
}

func TestGlobNoMatches(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/dir/a.txt", []byte("x"), 0o644))

	matches, err := Glob(context.Background(), fs, "/dir", "*.log", 0)
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestIsNotExist(t *testing.T) {
	fs := afero.NewMemMapFs()

	_, err := fs.Stat("/missing")
	require.True(t, IsNotExist(err))
}
