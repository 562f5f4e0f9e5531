package disk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestReleaseFilesFlushesOutstandingWritesFirst exercises the fenced
// release_files path against a storage with writes still outstanding:
// async_release_files must not race ahead of dirty blocks that
// haven't made it to disk yet.
func TestReleaseFilesFlushesOutstandingWritesFirst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheSizeBlocks = 64
	cfg.CacheLowWatermarkBlocks = 32
	require.NoError(t, cfg.Validate())

	e, err := NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	const numBlocks = 8
	dir := t.TempDir()
	pool := NewFilePool(cfg.FilePoolSize)
	backend := NewFileStorage(dir, []string{"piece0.dat"}, []int64{int64(numBlocks * BlockSize)}, pool)
	e.AddStorage("storage-1", backend)

	pieceSize := int64(numBlocks * BlockSize)
	writeDone := make(chan Result, numBlocks)
	for i := 0; i < numBlocks; i++ {
		buf := make([]byte, BlockSize)
		buf[0] = byte(i + 1)
		e.AsyncWrite("storage-1", 0, int64(i)*BlockSize, buf, pieceSize, func(r Result) { writeDone <- r })
	}

	releaseDone := make(chan Result, 1)
	e.AsyncReleaseFiles("storage-1", func(r Result) { releaseDone <- r })

	for i := 0; i < numBlocks; i++ {
		select {
		case r := <-writeDone:
			require.NoError(t, r.Error)
		case <-time.After(2 * time.Second):
			t.Fatal("write did not complete")
		}
	}
	select {
	case r := <-releaseDone:
		require.NoError(t, r.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("release did not complete")
	}

	readBuf := make([]byte, numBlocks*BlockSize)
	n, err := backend.Readv([][]byte{readBuf}, 0, 0, 0)
	require.NoError(t, err)
	require.Equal(t, len(readBuf), n)
	for i := 0; i < numBlocks; i++ {
		require.Equalf(t, byte(i+1), readBuf[i*BlockSize], "block %d was never flushed to disk before release_files ran", i)
	}
}

func TestFlushExpiredBoundedTo200PiecesPerPass(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	e, err := NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	for i := 0; i < 250; i++ {
		job := &Job{Action: JobWrite, Storage: "storage-1", Piece: i, Offset: 0, Buffer: []byte("x")}
		pe, err := e.pool.cache.AddDirtyBlock(job, BlockSize)
		require.NoError(t, err)
		pe.ExpireTime = cfg.Clock.Now().Add(-time.Second)
	}

	before := len(e.pool.queue)
	e.pool.flushExpired()
	after := len(e.pool.queue)
	require.LessOrEqual(t, after-before, maxExpiredFlushPerPass)
}
