package disk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *BlockCache {
	t.Helper()
	cfg := DefaultConfig()
	cfg.CacheSizeBlocks = 8
	cfg.CacheLowWatermarkBlocks = 4
	require.NoError(t, cfg.Validate())
	return NewBlockCache(cfg)
}

func TestAllocateBufferRespectsHighWaterMark(t *testing.T) {
	c := newTestCache(t)
	for i := 0; i < 8; i++ {
		_, err := c.AllocateBuffer("test")
		require.NoError(t, err)
	}
	_, err := c.AllocateBuffer("test")
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestAddDirtyBlockCreatesPieceAndRejectsDoubleWrite(t *testing.T) {
	c := newTestCache(t)
	job := &Job{Storage: "s1", Piece: 0, Offset: 0, Buffer: make([]byte, BlockSize)}

	pe, err := c.AddDirtyBlock(job, 2*BlockSize)
	require.NoError(t, err)
	assert.Equal(t, WriteLRU, pe.State)
	assert.Equal(t, 1, pe.NumDirty)

	job2 := &Job{Storage: "s1", Piece: 0, Offset: 0, Buffer: make([]byte, BlockSize)}
	_, err = c.AddDirtyBlock(job2, 2*BlockSize)
	assert.ErrorIs(t, err, ErrBlockDoubleWrite)
}

func TestTryReadHitAndMiss(t *testing.T) {
	c := newTestCache(t)
	job := &Job{Storage: "s1", Piece: 0, Offset: 0, Length: BlockSize, Buffer: []byte("payload")}

	_, ok := c.TryRead(job, "")
	assert.False(t, ok, "no piece cached yet")

	buf := make([]byte, BlockSize)
	copy(buf, "hello world")
	writeJob := &Job{Storage: "s1", Piece: 0, Offset: 0, Buffer: buf}
	_, err := c.AddDirtyBlock(writeJob, BlockSize)
	require.NoError(t, err)

	readJob := &Job{Storage: "s1", Piece: 0, Offset: 0, Length: 11}
	data, ok := c.TryRead(readJob, "peer-1")
	require.True(t, ok)
	assert.Equal(t, "hello world", string(data))
}

func TestPromoteOnHitMovesReadLRU1ToReadLRU2(t *testing.T) {
	c := newTestCache(t)
	pe := c.getOrCreate("s1", 0, BlockSize)
	c.move(pe, ReadLRU1)

	c.promoteOnHit(pe)
	assert.Equal(t, ReadLRU2, pe.State)
}

func TestEvictPieceRefusesWhilePinned(t *testing.T) {
	c := newTestCache(t)
	pe := c.getOrCreate("s1", 0, BlockSize)
	pe.pin()

	_, ok := c.EvictPiece(pe)
	assert.False(t, ok)

	pe.unpin()
	_, ok = c.EvictPiece(pe)
	assert.True(t, ok)
	assert.True(t, pe.State.isGhost())
}

func TestEvictPieceDrainsLocalQueue(t *testing.T) {
	c := newTestCache(t)
	pe := c.getOrCreate("s1", 0, BlockSize)
	waiting := &Job{Storage: "s1", Piece: 0, owner: ownerPieceLocalQueue}
	pe.LocalQueue = append(pe.LocalQueue, waiting)

	drained, ok := c.EvictPiece(pe)
	require.True(t, ok)
	require.Len(t, drained, 1)
	assert.Equal(t, ownerNone, drained[0].owner)
	assert.Empty(t, pe.LocalQueue)
}

func TestDoTrimCacheEvictsDownToLowWatermark(t *testing.T) {
	c := newTestCache(t)
	for i := 0; i < 6; i++ {
		buf, err := c.AllocateBuffer("read")
		require.NoError(t, err)
		pe := c.getOrCreate("s1", i, BlockSize)
		c.InsertBlocks(pe, 0, [][]byte{buf})
	}
	assert.Equal(t, 6, c.ResidentBlocks())

	c.DoTrimCache()
	assert.LessOrEqual(t, c.ResidentBlocks(), c.cfg.CacheLowWatermarkBlocks)
}

func TestSubscribeToDiskFiresOnPressureRelief(t *testing.T) {
	c := newTestCache(t)
	for i := 0; i < 8; i++ {
		_, err := c.AllocateBuffer("test")
		require.NoError(t, err)
	}

	fired := make(chan struct{}, 1)
	c.SubscribeToDisk(func() { fired <- struct{}{} })

	// Release until resident count drops below the low watermark, the
	// condition that fires pressure-relief subscribers.
	for i := 0; i < 8-c.cfg.CacheLowWatermarkBlocks+1; i++ {
		c.releaseBuffer()
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected pressure-relief subscriber to fire")
	}
}

func TestPadJobAlignsToClosestCacheLine(t *testing.T) {
	c := newTestCache(t)
	job := &Job{Offset: 2 * BlockSize}
	n := c.PadJob(job, 8, 4)
	assert.Equal(t, 4, n)
}

func TestMarkForDeletionClearsDirtyBits(t *testing.T) {
	c := newTestCache(t)
	pe := c.getOrCreate("s1", 0, 2*BlockSize)
	pe.Blocks[0] = &Block{Dirty: true}
	pe.Blocks[1] = &Block{Dirty: true}
	pe.recomputeNumDirty()
	require.Equal(t, 2, pe.NumDirty)

	c.MarkForDeletion(pe)
	assert.Equal(t, 0, pe.NumDirty)
	assert.False(t, pe.Blocks[0].Dirty)
}
