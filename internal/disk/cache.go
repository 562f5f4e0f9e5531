package disk

import (
	"sync"

	"github.com/xlgjjff/torrentcore/internal/ambient/clock"
	"github.com/xlgjjff/torrentcore/internal/ambient/log"
)

var cacheLogger = log.Named("disk/cache")

type pieceKey struct {
	storage string
	piece   int
}

// BlockCache maintains a bounded pool of fixed-size block buffers and
// maps them into per-piece slots. The LRU ladder slices below are
// ordered MRU-first: insert at index 0, promote by
// remove-then-reinsert-at-front.
type BlockCache struct {
	mu sync.Mutex // cache_mutex

	cfg   *Config
	clock clock.Clock

	pieces map[pieceKey]*CachedPiece
	gen    uint32

	ladder map[CacheState][]*CachedPiece

	residentBlocks int // count of allocated block buffers (not ghosts)
	inFlightReads  int

	subscribers []func()
}

// NewBlockCache constructs an empty cache bounded by cfg.
func NewBlockCache(cfg *Config) *BlockCache {
	return &BlockCache{
		cfg:    cfg,
		clock:  cfg.Clock,
		pieces: make(map[pieceKey]*CachedPiece),
		ladder: make(map[CacheState][]*CachedPiece),
	}
}

// SubscribeToDisk registers fn to be called once cache pressure eases.
func (c *BlockCache) SubscribeToDisk(fn func()) {
	c.mu.Lock()
	c.subscribers = append(c.subscribers, fn)
	c.mu.Unlock()
}

func (c *BlockCache) notifySubscribers() {
	subs := c.subscribers
	c.subscribers = nil
	for _, fn := range subs {
		go fn()
	}
}

// AllocateBuffer returns a block-sized buffer, or ErrOutOfMemory if the
// pool is at its high-water mark.
func (c *BlockCache) AllocateBuffer(category string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.residentBlocks >= c.cfg.CacheSizeBlocks {
		cacheLogger.Debug("buffer pool exhausted", "category", category, "resident", c.residentBlocks)
		return nil, ErrOutOfMemory
	}
	c.residentBlocks++
	return make([]byte, BlockSize), nil
}

func (c *BlockCache) releaseBuffer() {
	if c.residentBlocks > 0 {
		c.residentBlocks--
	}
	if c.residentBlocks < c.cfg.CacheLowWatermarkBlocks {
		c.notifySubscribers()
	}
}

func (c *BlockCache) getOrCreate(storage string, piece int, pieceSize int64) *CachedPiece {
	key := pieceKey{storage, piece}
	if pe, ok := c.pieces[key]; ok {
		return pe
	}
	c.gen++
	pe := newCachedPiece(PieceHandle{gen: c.gen}, storage, piece, pieceSize)
	c.pieces[key] = pe
	c.pushFront(WriteLRU, pe)
	return pe
}

// Lookup returns the cached piece for (storage, piece), if any.
func (c *BlockCache) Lookup(storage string, piece int) *CachedPiece {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pieces[pieceKey{storage, piece}]
}

// AddDirtyBlock inserts job's payload into the owning piece, marking it
// dirty. Creates the piece (state WriteLRU) if absent.
// Rejects double-write of a slot that is non-nil or whose piece has
// HashingDone set.
func (c *BlockCache) AddDirtyBlock(job *Job, pieceSize int64) (*CachedPiece, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pe := c.getOrCreate(job.Storage, job.Piece, pieceSize)
	blockIdx := int(job.Offset / BlockSize)
	if blockIdx < 0 || blockIdx >= len(pe.Blocks) {
		return nil, NewError("add_dirty_block", job.Storage, ErrAllocCachePiece)
	}

	if pe.Blocks[blockIdx] != nil || pe.HashingDone {
		return nil, NewError("add_dirty_block", job.Storage, ErrBlockDoubleWrite)
	}

	pe.Blocks[blockIdx] = &Block{Buffer: job.Buffer, Dirty: true}
	c.residentBlocks++
	pe.recomputeNumDirty()
	pe.ExpireTime = c.clock.Now().Add(c.cfg.CacheExpiry)

	assertOwner(job, ownerGlobalQueue)
	job.owner = ownerPieceLocalQueue
	pe.LocalQueue = append(pe.LocalQueue, job)

	if pe.State != WriteLRU {
		c.move(pe, WriteLRU)
	} else {
		c.touch(pe)
	}

	return pe, nil
}

// TryRead serves a contiguous read from cached blocks when every
// required block is resident. Bumps the piece in the
// LRU. requester is accepted, but no per-requester hit or miss is
// recorded. Returns (data, true) on hit, (nil, false) on miss.
func (c *BlockCache) TryRead(job *Job, requester string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pe, ok := c.pieces[pieceKey{job.Storage, job.Piece}]
	if !ok || pe.State.isGhost() {
		return nil, false
	}

	firstBlock := int(job.Offset / BlockSize)
	blocksNeeded := blocksInPiece(job.Length + job.Offset%BlockSize)
	if firstBlock+blocksNeeded > len(pe.Blocks) {
		blocksNeeded = len(pe.Blocks) - firstBlock
	}

	out := make([]byte, 0, job.Length)
	for i := 0; i < blocksNeeded; i++ {
		b := pe.Blocks[firstBlock+i]
		if b == nil || b.Buffer == nil {
			return nil, false
		}
		out = append(out, b.Buffer...)
	}
	if int64(len(out)) > job.Length {
		out = out[:job.Length]
	}

	c.promoteOnHit(pe)
	_ = requester // not recorded; no per-requester stats exist
	return out, true
}

// promoteOnHit implements the 2Q promotion rule: ReadLRU1 -> ReadLRU2
// on a second hit, otherwise just touches the current ladder.
func (c *BlockCache) promoteOnHit(pe *CachedPiece) {
	switch pe.State {
	case ReadLRU1, ReadLRU1Ghost:
		c.move(pe, ReadLRU2)
	case ReadLRU2, ReadLRU2Ghost:
		c.touch(pe)
	case WriteLRU, VolatileReadLRU:
		c.touch(pe)
	default:
		c.move(pe, ReadLRU1)
	}
}

// InsertBlocks installs freshly read blocks.
func (c *BlockCache) InsertBlocks(pe *CachedPiece, firstBlock int, iov [][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, buf := range iov {
		idx := firstBlock + i
		if idx < 0 || idx >= len(pe.Blocks) {
			continue
		}
		if pe.Blocks[idx] == nil {
			pe.Blocks[idx] = &Block{Buffer: buf}
			c.residentBlocks++
		}
	}
	if pe.State == 0 && len(pe.LocalQueue) == 0 {
		c.move(pe, ReadLRU1)
	}
}

// EvictPiece succeeds iff piece_refcount == 0 and no pending blocks; it
// moves pe to the appropriate ghost state and returns jobs drained from
// its local queue.
func (c *BlockCache) EvictPiece(pe *CachedPiece) ([]*Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictPieceLocked(pe)
}

func (c *BlockCache) evictPieceLocked(pe *CachedPiece) ([]*Job, bool) {
	if pe.PieceRefcount > 0 || pe.anyPending() {
		return nil, false
	}

	for _, b := range pe.Blocks {
		if b != nil && b.Buffer != nil {
			c.releaseBuffer()
		}
	}

	var ghost CacheState
	switch pe.State {
	case ReadLRU2, ReadLRU2Ghost:
		ghost = ReadLRU2Ghost
	default:
		ghost = ReadLRU1Ghost
	}

	drained := pe.LocalQueue
	for _, j := range drained {
		j.owner = ownerNone
	}
	pe.LocalQueue = nil
	pe.Blocks = make([]*Block, len(pe.Blocks))

	c.move(pe, ghost)
	return drained, true
}

// NumToEvict reports how many pieces would need evicting to free at
// least `want` block buffers, without actually evicting anything.
func (c *BlockCache) NumToEvict(want int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	freed := 0
	count := 0
	for _, state := range []CacheState{ReadLRU1, ReadLRU2, WriteLRU, VolatileReadLRU} {
		for i := len(c.ladder[state]) - 1; i >= 0 && freed < want; i-- {
			pe := c.ladder[state][i]
			if pe.PieceRefcount > 0 || pe.anyPending() || (state == WriteLRU && pe.NumDirty > 0) {
				continue
			}
			freed += residentBlockCount(pe)
			count++
		}
	}
	return count
}

func residentBlockCount(pe *CachedPiece) int {
	n := 0
	for _, b := range pe.Blocks {
		if b != nil && b.Buffer != nil {
			n++
		}
	}
	return n
}

// TryEvictBlocks walks the read LRUs oldest-first, never evicting
// pinned pieces, and evicts up to n pieces worth of blocks. Dirty
// (write) pieces are skipped; they must be flushed first. Returns the
// number of pieces evicted and the jobs drained from them.
func (c *BlockCache) TryEvictBlocks(n int) (int, []*Job) {
	c.mu.Lock()
	var candidates []*CachedPiece
	for _, state := range []CacheState{ReadLRU1, ReadLRU2, VolatileReadLRU} {
		ladder := c.ladder[state]
		for i := len(ladder) - 1; i >= 0 && len(candidates) < n; i-- {
			pe := ladder[i]
			if pe.PieceRefcount == 0 && !pe.anyPending() {
				candidates = append(candidates, pe)
			}
		}
	}
	c.mu.Unlock()

	var drained []*Job
	evicted := 0
	for _, pe := range candidates {
		jobs, ok := c.EvictPiece(pe)
		if ok {
			evicted++
			drained = append(drained, jobs...)
		}
	}
	return evicted, drained
}

// DoTrimCache drops non-pinned read blocks until residentBlocks is at
// or below cfg.CacheLowWatermarkBlocks.
func (c *BlockCache) DoTrimCache() int {
	c.mu.Lock()
	over := c.residentBlocks - c.cfg.CacheLowWatermarkBlocks
	c.mu.Unlock()
	if over <= 0 {
		return 0
	}
	evicted, _ := c.TryEvictBlocks(over)
	return evicted
}

// ReclaimBlock decrements an external reference handed out to the
// network layer's zero-copy send path.
func (c *BlockCache) ReclaimBlock(pe *CachedPiece, blockIdx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if blockIdx < 0 || blockIdx >= len(pe.Blocks) {
		return
	}
	if b := pe.Blocks[blockIdx]; b != nil {
		b.unpin(refcountReading)
	}
}

// PadJob expands a single-block read into a cache-line-aligned
// read-ahead. Returns the expanded iovec length in blocks.
func (c *BlockCache) PadJob(job *Job, blocksInPieceN int, cacheLine int) int {
	if cacheLine <= 1 {
		return 1
	}
	firstBlock := int(job.Offset / BlockSize)
	alignedStart := (firstBlock / cacheLine) * cacheLine
	alignedEnd := alignedStart + cacheLine
	if alignedEnd > blocksInPieceN {
		alignedEnd = blocksInPieceN
	}
	return alignedEnd - alignedStart
}

// MarkForDeletion flags every block of pe so a subsequent evict
// bypasses the "needs flush first" dirty check.
func (c *BlockCache) MarkForDeletion(pe *CachedPiece) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range pe.Blocks {
		if b != nil {
			b.Dirty = false
		}
	}
	pe.recomputeNumDirty()
}

// AbortDirty clears dirty state on every block of pe without flushing,
// used by cancellation (async_delete_files/async_stop_torrent).
func (c *BlockCache) AbortDirty(pe *CachedPiece) {
	c.MarkForDeletion(pe)
}

// AllPieces returns every cached piece (snapshot).
func (c *BlockCache) AllPieces() []*CachedPiece {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*CachedPiece, 0, len(c.pieces))
	for _, pe := range c.pieces {
		out = append(out, pe)
	}
	return out
}

// WriteLRUPieces returns the pieces currently on the write ladder,
// oldest-first (for expiry-flush walks).
func (c *BlockCache) WriteLRUPieces() []*CachedPiece {
	c.mu.Lock()
	defer c.mu.Unlock()
	src := c.ladder[WriteLRU]
	out := make([]*CachedPiece, len(src))
	for i, pe := range src {
		out[len(src)-1-i] = pe // oldest first: ladder is MRU-first
	}
	return out
}

// ResidentBlocks reports the live buffer count (tests/stats).
func (c *BlockCache) ResidentBlocks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.residentBlocks
}

// --- ladder bookkeeping -----------------------------------------------

func (c *BlockCache) pushFront(state CacheState, pe *CachedPiece) {
	pe.State = state
	c.ladder[state] = append([]*CachedPiece{pe}, c.ladder[state]...)
}

func (c *BlockCache) removeFromLadder(pe *CachedPiece) {
	ladder := c.ladder[pe.State]
	for i, p := range ladder {
		if p == pe {
			c.ladder[pe.State] = append(ladder[:i], ladder[i+1:]...)
			return
		}
	}
}

// move transitions pe to a new state, placing it at the front (MRU) of
// the new ladder.
func (c *BlockCache) move(pe *CachedPiece, state CacheState) {
	c.removeFromLadder(pe)
	c.pushFront(state, pe)
}

// touch re-inserts pe at the front of its current ladder.
func (c *BlockCache) touch(pe *CachedPiece) {
	c.move(pe, pe.State)
}
