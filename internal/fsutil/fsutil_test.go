package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minas/internal/apperr"
)

func canonRoot(t *testing.T) string {
	t.Helper()
	root, err := Canonical(t.TempDir())
	require.NoError(t, err)
	return root
}

func TestCleanRelPath(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", ""},
		{"/", ""},
		{".", ""},
		{"/a/b", "a/b"},
		{"a//b/", "a/b"},
		{"\\a\\b", "a/b"},
		{"/../x", "x"},
		{"/docs/ notes.txt ", "docs/ notes.txt "},
		{"a/./b/../c", "a/c"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CleanRelPath(c.in), "input %q", c.in)
	}
}

func TestResolve_InsideRoot(t *testing.T) {
	root := canonRoot(t)
	for _, p := range []string{"", "/", ".", "a", "/a/b/c.txt", "a/./b", "a/b/../c", "new folder/x.bin"} {
		got, err := Resolve(root, p)
		require.NoError(t, err, "path %q", p)
		assert.True(t, got == root || strings.HasPrefix(got, root+string(filepath.Separator)), "path %q resolved to %q", p, got)
	}
}

func TestResolve_TraversalDenied(t *testing.T) {
	root := canonRoot(t)
	for _, p := range []string{"..", "/../../etc", "../" + filepath.Base(root) + "-2", "a/../../..", "/a/b/../../../x"} {
		_, err := Resolve(root, p)
		require.Error(t, err, "path %q", p)
		assert.Equal(t, apperr.KindAccessDenied, apperr.KindOf(err), "path %q", p)
	}
}

func TestResolve_NULRejected(t *testing.T) {
	root := canonRoot(t)
	_, err := Resolve(root, "a\x00b")
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestResolve_SiblingPrefixDenied(t *testing.T) {
	parent := canonRoot(t)
	root := filepath.Join(parent, "data")
	sibling := filepath.Join(parent, "data-2")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.MkdirAll(sibling, 0o755))

	_, err := Resolve(root, "../data-2/secret")
	require.Error(t, err)
	assert.Equal(t, apperr.KindAccessDenied, apperr.KindOf(err))
	assert.False(t, Within(root, sibling))
	assert.True(t, Within(root, root))
	assert.True(t, Within(root, filepath.Join(root, "x")))
}

func TestResolve_SymlinkEscapeDenied(t *testing.T) {
	parent := canonRoot(t)
	root := filepath.Join(parent, "root")
	outside := filepath.Join(parent, "outside")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	_, err := Resolve(root, "/link/file.txt")
	require.Error(t, err)
	assert.Equal(t, apperr.KindAccessDenied, apperr.KindOf(err))

	inner := filepath.Join(root, "inner")
	require.NoError(t, os.MkdirAll(inner, 0o755))
	require.NoError(t, os.Symlink(inner, filepath.Join(root, "alias")))
	got, err := Resolve(root, "/alias/x")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(inner, "x"), got)
}

func TestSafeName(t *testing.T) {
	n, err := SafeName("photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, "photo.jpg", n)

	n, err = SafeName("dir/sub/photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, "photo.jpg", n)

	for _, bad := range []string{"", "..", ".", "/", "a\x00"} {
		_, err := SafeName(bad)
		assert.Error(t, err, "name %q", bad)
	}
}
