package disk

import "time"

// CacheState is the 2Q-style ladder a CachedPiece moves through.
type CacheState int

const (
	WriteLRU CacheState = iota
	VolatileReadLRU
	ReadLRU1
	ReadLRU2
	ReadLRU1Ghost
	ReadLRU2Ghost
)

func (s CacheState) String() string {
	switch s {
	case WriteLRU:
		return "write_lru"
	case VolatileReadLRU:
		return "volatile_read_lru"
	case ReadLRU1:
		return "read_lru1"
	case ReadLRU2:
		return "read_lru2"
	case ReadLRU1Ghost:
		return "read_lru1_ghost"
	case ReadLRU2Ghost:
		return "read_lru2_ghost"
	default:
		return "unknown"
	}
}

// isGhost reports whether the state carries no buffers, only metadata.
func (s CacheState) isGhost() bool {
	return s == ReadLRU1Ghost || s == ReadLRU2Ghost
}

// refcountBit names the typed per-block refcount_set bits a worker must
// raise before dropping cache_mutex to do I/O on a block.
type refcountBit uint8

const (
	refcountFlushing refcountBit = 1 << iota
	refcountHashing
	refcountReading
)

// Block is one BlockSize-sized slice of a piece.
type Block struct {
	Buffer      []byte
	Dirty       bool
	Pending     bool // owned by exactly one in-flight write
	RefcountSet refcountBit
}

func (b *Block) pin(bit refcountBit)   { b.RefcountSet |= bit }
func (b *Block) unpin(bit refcountBit) { b.RefcountSet &^= bit }
func (b *Block) pinned() bool          { return b.RefcountSet != 0 }

// PieceHandle is an index plus a generation counter attached to each
// CachedPiece. There is no piece arena: the cache sets gen from its own
// counter and leaves index at zero, and no method checks a handle
// against a live piece.
type PieceHandle struct {
	index uint32
	gen   uint32
}

// Valid reports whether the handle is non-zero. It does not prove the
// underlying piece is still live.
func (h PieceHandle) Valid() bool { return h.gen != 0 }

// CachedPiece is identified by (StorageID, PieceIndex) and is the unit
// the BlockCache maps to. All fields are guarded by the
// owning BlockCache's cache_mutex; CachedPiece itself carries no lock.
type CachedPiece struct {
	Handle    PieceHandle
	StorageID string
	Piece     int
	PieceSize int64

	Blocks   []*Block
	NumDirty int

	PieceRefcount int32 // pins the piece against eviction

	HashCursor   *HashCursor
	Hashing      bool
	HashingDone  bool
	StoredDigest *[20]byte

	State      CacheState
	ExpireTime time.Time

	NeedReadback     bool
	OutstandingFlush bool

	// LocalQueue holds jobs waiting on this piece specifically, so that
	// writes/hashes/flushes against the same piece can never be
	// reordered past each other.
	LocalQueue []*Job
}

func blocksInPiece(pieceSize int64) int {
	n := pieceSize / BlockSize
	if pieceSize%BlockSize != 0 {
		n++
	}
	return int(n)
}

func newCachedPiece(handle PieceHandle, storageID string, piece int, pieceSize int64) *CachedPiece {
	return &CachedPiece{
		Handle:    handle,
		StorageID: storageID,
		Piece:     piece,
		PieceSize: pieceSize,
		Blocks:    make([]*Block, blocksInPiece(pieceSize)),
		State:     WriteLRU,
	}
}

// recomputeNumDirty recomputes num_dirty from block state: the count
// of blocks that are dirty and not pending is always recomputable from
// scratch, never tracked as independent state.
func (p *CachedPiece) recomputeNumDirty() {
	n := 0
	for _, b := range p.Blocks {
		if b != nil && b.Dirty && !b.Pending {
			n++
		}
	}
	p.NumDirty = n
}

func (p *CachedPiece) pin()   { p.PieceRefcount++ }
func (p *CachedPiece) unpin() { p.PieceRefcount-- }

func (p *CachedPiece) fullyDirty() bool {
	for _, b := range p.Blocks {
		if b == nil || !b.Dirty {
			return false
		}
	}
	return true
}

func (p *CachedPiece) fullyHashed() bool {
	return p.HashingDone
}

func (p *CachedPiece) anyPending() bool {
	for _, b := range p.Blocks {
		if b != nil && b.Pending {
			return true
		}
	}
	return false
}
