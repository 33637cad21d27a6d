package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryReadWriteRoundTrip(t *testing.T) {
	fs := NewMemoryFileSystem()
	require.NoError(t, fs.MkdirAll("data/refs", 0o755))
	require.NoError(t, fs.WriteFile("data/refs/pb.json", []byte(`{"lap":91.5}`), 0o644))

	data, err := fs.ReadFile("data/refs/pb.json")
	require.NoError(t, err)
	assert.Equal(t, `{"lap":91.5}`, string(data))
}

func TestMemoryReadMissingFile(t *testing.T) {
	fs := NewMemoryFileSystem()
	_, err := fs.ReadFile("data/nope.json")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMemoryWriteWithoutParentDir(t *testing.T) {
	fs := NewMemoryFileSystem()
	err := fs.WriteFile("data/sessions/1.json", []byte("x"), 0o644)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMemoryMkdirAllCreatesParents(t *testing.T) {
	fs := NewMemoryFileSystem()
	require.NoError(t, fs.MkdirAll("a/b/c", 0o755))
	assert.True(t, fs.Exists("a"))
	assert.True(t, fs.Exists("a/b"))
	assert.True(t, fs.Exists("a/b/c"))
	assert.False(t, fs.Exists("a/b/c/d"))
}

func TestMemoryExists(t *testing.T) {
	fs := NewMemoryFileSystem()
	require.NoError(t, fs.MkdirAll("data", 0o755))
	require.NoError(t, fs.WriteFile("data/f.json", []byte("x"), 0o644))
	assert.True(t, fs.Exists("data/f.json"))
	assert.True(t, fs.Exists("data"))
	assert.False(t, fs.Exists("data/g.json"))
}

func TestMemoryReadsAreCopies(t *testing.T) {
	fs := NewMemoryFileSystem()
	require.NoError(t, fs.MkdirAll("d", 0o755))
	require.NoError(t, fs.WriteFile("d/f", []byte("abc"), 0o644))

	got, err := fs.ReadFile("d/f")
	require.NoError(t, err)
	got[0] = 'z'

	again, err := fs.ReadFile("d/f")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again))
}

func TestMemoryList(t *testing.T) {
	fs := NewMemoryFileSystem()
	require.NoError(t, fs.MkdirAll("data/reference_data", 0o755))
	require.NoError(t, fs.WriteFile("data/index.json", []byte("[]"), 0o644))
	require.NoError(t, fs.WriteFile("data/reference_data/corners.json", []byte("{}"), 0o644))

	assert.Equal(t, []string{
		filepath.Clean("data/index.json"),
		filepath.Clean("data/reference_data/corners.json"),
	}, fs.List("data"))
	assert.Empty(t, fs.List("other"))
}

func TestOSFileSystem(t *testing.T) {
	fs := OSFileSystem{}
	dir := t.TempDir()
	sub := filepath.Join(dir, "refs")
	require.NoError(t, fs.MkdirAll(sub, 0o755))

	path := filepath.Join(sub, "pb.json")
	assert.False(t, fs.Exists(path))
	require.NoError(t, fs.WriteFile(path, []byte("x"), 0o644))
	assert.True(t, fs.Exists(path))

	data, err := fs.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}
