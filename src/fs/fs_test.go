package fs

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, filename, contents string) {
	t.Helper()
	require.NoError(t, EnsureDir(filename))
	require.NoError(t, os.WriteFile(filename, []byte(contents), 0644))
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "a", "b", "c.jar")
	require.NoError(t, WriteFile(strings.NewReader("hello"), dest, 0))
	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0664), info.Mode().Perm()&0664)

	// Overwriting leaves no temporary files behind.
	require.NoError(t, WriteFile(strings.NewReader("world"), dest, 0644))
	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	assert.Equal(t, 1, len(entries))
	b, _ = os.ReadFile(dest)
	assert.Equal(t, "world", string(b))
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	writeFile(t, src, "contents")
	dest := filepath.Join(dir, "out", "dest.txt")
	require.NoError(t, CopyFile(src, dest, 0))
	assert.True(t, FileExists(dest))
	assert.False(t, FileExists(filepath.Dir(dest)))
	assert.True(t, IsDirectory(filepath.Dir(dest)))
	assert.Equal(t, uint64(8), FileSize(dest))
	assert.Equal(t, uint64(0), FileSize(filepath.Join(dir, "missing")))
	assert.Error(t, CopyFile(filepath.Join(dir, "missing"), dest, 0))
}

func TestReplaceDir(t *testing.T) {
	dir := t.TempDir()
	to := filepath.Join(dir, "final")
	writeFile(t, filepath.Join(to, "old.txt"), "old")
	from := filepath.Join(dir, "staging")
	writeFile(t, filepath.Join(from, "new.txt"), "new")
	require.NoError(t, ReplaceDir(from, to))
	assert.True(t, FileExists(filepath.Join(to, "new.txt")))
	assert.False(t, PathExists(filepath.Join(to, "old.txt")))
	assert.False(t, PathExists(from))
	assert.False(t, PathExists(to+".old"))
}

func TestWalkAndRemoveAll(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "x", "a.txt"), "a")
	writeFile(t, filepath.Join(dir, "x", "y", "b.txt"), "bb")
	var files []string
	require.NoError(t, Walk(filepath.Join(dir, "x"), func(name string, isDir bool) error {
		if !isDir {
			files = append(files, name)
		}
		return nil
	}))
	sort.Strings(files)
	assert.Equal(t, []string{filepath.Join(dir, "x", "a.txt"), filepath.Join(dir, "x", "y", "b.txt")}, files)

	size, n, err := DirSize(filepath.Join(dir, "x"))
	require.NoError(t, err)
	assert.EqualValues(t, 3, size)
	assert.Equal(t, 2, n)

	removed, err := RemoveAll(filepath.Join(dir, "x"))
	require.NoError(t, err)
	sort.Strings(removed)
	assert.Equal(t, files, removed)
	assert.False(t, PathExists(filepath.Join(dir, "x")))

	size, n, err = DirSize(filepath.Join(dir, "x"))
	assert.NoError(t, err)
	assert.EqualValues(t, 0, size)
	assert.Equal(t, 0, n)
}

func TestDigests(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a"), "hello")
	writeFile(t, filepath.Join(dir, "b"), "hello")
	writeFile(t, filepath.Join(dir, "c"), "goodbye")
	a, err := FileDigest(filepath.Join(dir, "a"))
	require.NoError(t, err)
	b, _ := FileDigest(filepath.Join(dir, "b"))
	c, _ := FileDigest(filepath.Join(dir, "c"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, a, BytesDigest([]byte("hello")))
	assert.Equal(t, 64, len(a))
	_, err = FileDigest(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
