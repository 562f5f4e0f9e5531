package disk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilePoolOpenReusesHandle(t *testing.T) {
	dir := t.TempDir()
	pool := NewFilePool(4)
	path := filepath.Join(dir, "a", "piece.dat")

	h1, err := pool.Open(path)
	require.NoError(t, err)
	h2, err := pool.Open(path)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Equal(t, 1, pool.Len())
}

func TestFilePoolReadWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	pool := NewFilePool(4)
	path := filepath.Join(dir, "piece.dat")

	h, err := pool.Open(path)
	require.NoError(t, err)

	_, err = h.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = h.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}

func TestFilePoolEvictsLRUBeyondCapacity(t *testing.T) {
	dir := t.TempDir()
	pool := NewFilePool(2)

	pathA := filepath.Join(dir, "a.dat")
	pathB := filepath.Join(dir, "b.dat")
	pathC := filepath.Join(dir, "c.dat")

	_, err := pool.Open(pathA)
	require.NoError(t, err)
	_, err = pool.Open(pathB)
	require.NoError(t, err)
	_, err = pool.Open(pathC)
	require.NoError(t, err)

	assert.LessOrEqual(t, pool.Len(), 2)
}

func TestFilePoolReleaseForDirClosesHandles(t *testing.T) {
	dir := t.TempDir()
	pool := NewFilePool(4)
	path := filepath.Join(dir, "piece.dat")

	_, err := pool.Open(path)
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Len())

	pool.ReleaseForDir(parentDir(path))
	assert.Equal(t, 0, pool.Len())
}

func TestFilePoolNeverClosesLockedHandleOnEvict(t *testing.T) {
	dir := t.TempDir()
	pool := NewFilePool(1)

	pathA := filepath.Join(dir, "a.dat")
	h, err := pool.Open(pathA)
	require.NoError(t, err)

	locked := h.(*pooledHandle)
	locked.mu.Lock()
	locked.inUse = 1
	locked.mu.Unlock()

	pathB := filepath.Join(dir, "b.dat")
	_, err = pool.Open(pathB)
	require.NoError(t, err)

	// The locked handle for a.dat must have been re-added rather than
	// closed, so its file must still be usable.
	buf := make([]byte, 1)
	_, err = locked.file.ReadAt(buf, 0)
	assert.NotErrorIs(t, err, os.ErrClosed)
}
