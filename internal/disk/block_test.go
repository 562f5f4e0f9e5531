package disk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlocksInPiece(t *testing.T) {
	assert.Equal(t, 1, blocksInPiece(1))
	assert.Equal(t, 1, blocksInPiece(BlockSize))
	assert.Equal(t, 2, blocksInPiece(BlockSize+1))
	assert.Equal(t, 4, blocksInPiece(4*BlockSize))
}

func TestPieceHandleValid(t *testing.T) {
	var zero PieceHandle
	assert.False(t, zero.Valid())
	assert.True(t, PieceHandle{index: 3, gen: 1}.Valid())
}

func TestCachedPieceRecomputeNumDirty(t *testing.T) {
	pe := newCachedPiece(PieceHandle{gen: 1}, "s", 0, 3*BlockSize)
	pe.Blocks[0] = &Block{Dirty: true}
	pe.Blocks[1] = &Block{Dirty: true, Pending: true}
	pe.Blocks[2] = &Block{Dirty: false}

	pe.recomputeNumDirty()
	assert.Equal(t, 1, pe.NumDirty) // block 1 is dirty but pending, doesn't count
}

func TestCachedPieceFullyDirtyAndPending(t *testing.T) {
	pe := newCachedPiece(PieceHandle{gen: 1}, "s", 0, 2*BlockSize)
	assert.False(t, pe.fullyDirty())
	assert.False(t, pe.anyPending())

	pe.Blocks[0] = &Block{Dirty: true}
	pe.Blocks[1] = &Block{Dirty: true, Pending: true}
	assert.True(t, pe.fullyDirty())
	assert.True(t, pe.anyPending())
}

func TestBlockPinUnpin(t *testing.T) {
	b := &Block{}
	assert.False(t, b.pinned())
	b.pin(refcountReading)
	assert.True(t, b.pinned())
	b.pin(refcountHashing)
	assert.True(t, b.pinned())
	b.unpin(refcountReading)
	assert.True(t, b.pinned())
	b.unpin(refcountHashing)
	assert.False(t, b.pinned())
}

func TestCacheStateString(t *testing.T) {
	assert.Equal(t, "write_lru", WriteLRU.String())
	assert.Equal(t, "read_lru1_ghost", ReadLRU1Ghost.String())
	assert.Equal(t, "unknown", CacheState(99).String())
}
