package disk

// This file holds the per-JobAction handler bodies dispatched by
// pool.go's dispatch table. Each handler takes the pool
// (for cache/storage/fence access) and the job, and returns the
// outcome plus an optional companion job, a result value, and an error.

func handleRead(p *DiskIOThreadPool, job *Job) (HandlerOutcome, *Job, any, error) {
	if data, ok := p.cache.TryRead(job, job.Requester); ok {
		job.Flags |= FlagCacheHit
		return OutcomeOK, nil, data, nil
	}

	backend := p.storage(job.Storage)
	if backend == nil {
		return OutcomeError, nil, nil, NewError("read", job.Storage, ErrStorageClosed)
	}

	pe := p.cache.Lookup(job.Storage, job.Piece)
	blocksN := 1
	if pe != nil {
		blocksN = p.cache.PadJob(job, len(pe.Blocks), p.cfg.WriteCacheLineBlocks)
	}

	buf := make([]byte, job.Length)
	iov := [][]byte{buf}
	n, err := backend.Readv(iov, job.Piece, job.Offset, job.Flags)
	if err != nil {
		return OutcomeError, nil, nil, NewError("read", job.Storage, err)
	}

	if pe != nil {
		firstBlock := int(job.Offset / BlockSize)
		p.cache.InsertBlocks(pe, firstBlock, chunkBuffer(buf[:n], blocksN))
	}

	return OutcomeOK, nil, buf[:n], nil
}

func chunkBuffer(buf []byte, n int) [][]byte {
	if n <= 0 {
		n = 1
	}
	out := make([][]byte, 0, n)
	for off := 0; off < len(buf); off += BlockSize {
		end := off + BlockSize
		if end > len(buf) {
			end = len(buf)
		}
		out = append(out, buf[off:end])
	}
	return out
}

func handleWrite(p *DiskIOThreadPool, job *Job) (HandlerOutcome, *Job, any, error) {
	pieceSize := job.Length
	if sz, ok := job.Extra.(int64); ok && sz > 0 {
		pieceSize = sz
	}
	if pe := p.cache.Lookup(job.Storage, job.Piece); pe != nil {
		pieceSize = pe.PieceSize
	}
	if _, err := p.cache.AddDirtyBlock(job, pieceSize); err != nil {
		return OutcomeError, nil, nil, err
	}
	// The write is now resident and dirty; completion is reported
	// immediately (write-back), the actual flush happens later via
	// flush_piece/flush_hashed/expiry/pressure paths.
	return OutcomeOK, nil, nil, nil
}

func handleHash(p *DiskIOThreadPool, job *Job) (HandlerOutcome, *Job, any, error) {
	pe := p.cache.Lookup(job.Storage, job.Piece)
	if pe == nil {
		return OutcomeError, nil, nil, NewError("hash", job.Storage, ErrNoSuchPiece)
	}
	if pe.HashCursor == nil {
		pe.HashCursor = NewHashCursor()
	}
	for _, b := range pe.Blocks {
		if b == nil || b.Buffer == nil {
			return OutcomeRetryLater, nil, nil, nil
		}
	}
	for _, b := range pe.Blocks {
		pe.HashCursor.Update(b.Buffer)
	}
	digest := pe.HashCursor.Finalize()
	pe.StoredDigest = &digest
	pe.HashingDone = true
	return OutcomeOK, nil, digest, nil
}

func handleMoveStorage(p *DiskIOThreadPool, job *Job) (HandlerOutcome, *Job, any, error) {
	backend := p.storage(job.Storage)
	if backend == nil {
		return OutcomeError, nil, nil, NewError("move_storage", job.Storage, ErrStorageClosed)
	}
	dest, _ := job.Extra.(string)
	if err := backend.MoveStorage(dest); err != nil {
		return OutcomeError, nil, nil, err
	}
	return OutcomeOK, nil, nil, nil
}

func handleReleaseFiles(p *DiskIOThreadPool, job *Job) (HandlerOutcome, *Job, any, error) {
	backend := p.storage(job.Storage)
	if backend == nil {
		return OutcomeOK, nil, nil, nil
	}
	return OutcomeOK, nil, nil, backend.ReleaseFiles()
}

func handleDeleteFiles(p *DiskIOThreadPool, job *Job) (HandlerOutcome, *Job, any, error) {
	backend := p.storage(job.Storage)
	if backend == nil {
		return OutcomeOK, nil, nil, nil
	}
	for _, pe := range p.cache.AllPieces() {
		if pe.StorageID != job.Storage {
			continue
		}
		p.cache.AbortDirty(pe)
		p.cache.MarkForDeletion(pe)
	}
	return OutcomeOK, nil, nil, backend.DeleteFiles()
}

func handleCheckFastresume(p *DiskIOThreadPool, job *Job) (HandlerOutcome, *Job, any, error) {
	backend := p.storage(job.Storage)
	if backend == nil {
		return OutcomeError, nil, nil, NewError("check_fastresume", job.Storage, ErrStorageClosed)
	}
	entry, _ := job.Extra.(ResumeEntry)
	if err := backend.CheckFastresume(entry); err != nil {
		return OutcomeError, nil, nil, err
	}
	return OutcomeOK, nil, nil, nil
}

func handleSaveResumeData(p *DiskIOThreadPool, job *Job) (HandlerOutcome, *Job, any, error) {
	backend := p.storage(job.Storage)
	if backend == nil {
		return OutcomeError, nil, nil, NewError("save_resume_data", job.Storage, ErrStorageClosed)
	}
	entry, _ := job.Extra.(ResumeEntry)
	if err := backend.WriteResumeData(entry); err != nil {
		return OutcomeError, nil, nil, err
	}
	return OutcomeOK, nil, nil, nil
}

func handleRenameFile(p *DiskIOThreadPool, job *Job) (HandlerOutcome, *Job, any, error) {
	backend := p.storage(job.Storage)
	if backend == nil {
		return OutcomeError, nil, nil, NewError("rename_file", job.Storage, ErrStorageClosed)
	}
	params, _ := job.Extra.(renameParams)
	if err := backend.RenameFile(params.index, params.name); err != nil {
		return OutcomeError, nil, nil, err
	}
	return OutcomeOK, nil, nil, nil
}

type renameParams struct {
	index int
	name  string
}

func handleStopTorrent(p *DiskIOThreadPool, job *Job) (HandlerOutcome, *Job, any, error) {
	for _, pe := range p.cache.AllPieces() {
		if pe.StorageID == job.Storage {
			p.cache.AbortDirty(pe)
		}
	}
	return OutcomeOK, nil, nil, nil
}

func handleFinalizeFile(p *DiskIOThreadPool, job *Job) (HandlerOutcome, *Job, any, error) {
	backend := p.storage(job.Storage)
	if backend == nil {
		return OutcomeError, nil, nil, NewError("finalize_file", job.Storage, ErrStorageClosed)
	}
	idx, _ := job.Extra.(int)
	return OutcomeOK, nil, nil, backend.FinalizeFile(idx)
}

// handleFlushPiece writes every dirty block of one piece back to
// storage, coalesced into WriteCacheLineBlocks-sized runs.
func handleFlushPiece(p *DiskIOThreadPool, job *Job) (HandlerOutcome, *Job, any, error) {
	pe := p.cache.Lookup(job.Storage, job.Piece)
	if pe == nil {
		return OutcomeOK, nil, nil, nil
	}
	backend := p.storage(job.Storage)
	if backend == nil {
		return OutcomeError, nil, nil, NewError("flush_piece", job.Storage, ErrStorageClosed)
	}
	if err := flushDirtyRuns(backend, pe, p.cfg.WriteCacheLineBlocks); err != nil {
		return OutcomeError, nil, nil, err
	}
	return OutcomeOK, nil, nil, nil
}

// handleFlushHashed implements the hash-gated stripe flush: when the
// write cache line (ContiguousHashedBlocksForStripe blocks) spans more
// than one piece, hold off flushing job.Piece alone and instead look
// at the whole contiguous range of cont_pieces = cont_block /
// blocks_in_piece pieces it belongs to. Only once every member of that
// exact range is present and either fully dirty or already hashed do
// they get written back, each contiguous run of members built from a
// single iovec so the pieces land on disk without another writer
// interleaving between them. Members already off the write ladder are
// skipped. With AllowPartialDiskWrites set, job.Piece is flushed on its
// own and the stripe path is not used.
func handleFlushHashed(p *DiskIOThreadPool, job *Job) (HandlerOutcome, *Job, any, error) {
	pe := p.cache.Lookup(job.Storage, job.Piece)
	if pe == nil || pe.NumDirty == 0 {
		return OutcomeOK, nil, nil, nil
	}

	backend := p.storage(job.Storage)
	if backend == nil {
		return OutcomeError, nil, nil, NewError("flush_hashed", job.Storage, ErrStorageClosed)
	}

	blocksInPieceN := len(pe.Blocks)
	contPieces := 0
	if p.cfg.ContiguousHashedBlocksForStripe > 0 && blocksInPieceN > 0 {
		contPieces = p.cfg.ContiguousHashedBlocksForStripe / blocksInPieceN
	}
	if contPieces <= 1 || p.cfg.AllowPartialDiskWrites {
		if err := flushDirtyRuns(backend, pe, p.cfg.WriteCacheLineBlocks); err != nil {
			return OutcomeError, nil, nil, err
		}
		return OutcomeOK, nil, nil, nil
	}

	rangeStart := (job.Piece / contPieces) * contPieces
	rangeEnd := rangeStart + contPieces

	members := make([]*CachedPiece, rangeEnd-rangeStart)
	rangeFull := true
	for idx := rangeStart; idx < rangeEnd; idx++ {
		member := pe
		if idx != job.Piece {
			member = p.cache.Lookup(job.Storage, idx)
		}
		if member == nil {
			rangeFull = false
			break
		}
		if member.State != WriteLRU {
			continue // already off the write ladder; this slot stays nil
		}
		if member.NumDirty != len(member.Blocks) && !member.HashingDone {
			rangeFull = false
			break
		}
		members[idx-rangeStart] = member
	}

	if !rangeFull {
		// The stripe isn't ready yet; flush what was actually asked for
		// rather than holding job.Piece's dirty blocks indefinitely.
		if err := flushDirtyRuns(backend, pe, p.cfg.WriteCacheLineBlocks); err != nil {
			return OutcomeError, nil, nil, err
		}
		return OutcomeOK, nil, nil, nil
	}

	if err := flushStripe(backend, members); err != nil {
		return OutcomeError, nil, nil, err
	}
	return OutcomeOK, nil, nil, nil
}

// flushStripe writes every contiguous run of non-nil members in one
// Writev call each, so a fully-dirty multi-piece stripe with no gaps
// goes out as exactly one iovec instead of one per piece.
func flushStripe(backend StorageBackend, members []*CachedPiece) error {
	i := 0
	for i < len(members) {
		if members[i] == nil {
			i++
			continue
		}
		start := i
		var iov [][]byte
		for i < len(members) && members[i] != nil {
			member := members[i]
			for _, b := range member.Blocks {
				if b == nil {
					continue
				}
				if b.Dirty {
					b.Pending = true
				}
				iov = append(iov, b.Buffer)
			}
			i++
		}
		if len(iov) == 0 {
			continue
		}
		first := members[start]
		offset := int64(first.Piece) * first.PieceSize
		if _, err := backend.Writev(iov, first.Piece, offset, 0); err != nil {
			for j := start; j < i; j++ {
				clearPending(members[j])
			}
			return NewError("flush_hashed", first.StorageID, err)
		}
		for j := start; j < i; j++ {
			clearDirty(members[j])
		}
	}
	return nil
}

func clearPending(pe *CachedPiece) {
	if pe == nil {
		return
	}
	for _, b := range pe.Blocks {
		if b != nil {
			b.Pending = false
		}
	}
}

func clearDirty(pe *CachedPiece) {
	if pe == nil {
		return
	}
	for _, b := range pe.Blocks {
		if b == nil || !b.Pending {
			continue
		}
		b.Dirty = false
		b.Pending = false
	}
	pe.recomputeNumDirty()
}

// flushDirtyRuns walks pe's blocks, writing contiguous dirty runs up to
// cacheLine blocks at a time, then clears their dirty/pending bits.
func flushDirtyRuns(backend StorageBackend, pe *CachedPiece, cacheLine int) error {
	i := 0
	for i < len(pe.Blocks) {
		b := pe.Blocks[i]
		if b == nil || !b.Dirty {
			i++
			continue
		}
		run := [][]byte{}
		start := i
		for i < len(pe.Blocks) && len(run) < cacheLine {
			cur := pe.Blocks[i]
			if cur == nil || !cur.Dirty {
				break
			}
			cur.Pending = true
			run = append(run, cur.Buffer)
			i++
		}
		offset := int64(pe.Piece)*pe.PieceSize + int64(start)*BlockSize
		if _, err := backend.Writev(run, pe.Piece, offset, 0); err != nil {
			for j := start; j < i; j++ {
				pe.Blocks[j].Pending = false
			}
			return NewError("flush_piece", pe.StorageID, err)
		}
		for j := start; j < i; j++ {
			pe.Blocks[j].Dirty = false
			pe.Blocks[j].Pending = false
		}
	}
	pe.recomputeNumDirty()
	return nil
}

func handleFlushStorage(p *DiskIOThreadPool, job *Job) (HandlerOutcome, *Job, any, error) {
	backend := p.storage(job.Storage)
	if backend == nil {
		return OutcomeOK, nil, nil, nil
	}
	for _, pe := range p.cache.AllPieces() {
		if pe.StorageID != job.Storage || pe.NumDirty == 0 {
			continue
		}
		if err := flushDirtyRuns(backend, pe, p.cfg.WriteCacheLineBlocks); err != nil {
			return OutcomeError, nil, nil, err
		}
	}
	return OutcomeOK, nil, nil, nil
}

func handleTrimCache(p *DiskIOThreadPool, job *Job) (HandlerOutcome, *Job, any, error) {
	return OutcomeOK, nil, p.cache.DoTrimCache(), nil
}

func handleFilePriority(p *DiskIOThreadPool, job *Job) (HandlerOutcome, *Job, any, error) {
	backend := p.storage(job.Storage)
	if backend == nil {
		return OutcomeError, nil, nil, NewError("file_priority", job.Storage, ErrStorageClosed)
	}
	priorities, _ := job.Extra.([]int)
	return OutcomeOK, nil, nil, backend.SetFilePriority(priorities)
}

// handleClearPiece evicts a piece on request (e.g. a failed hash
// check). If eviction fails because the piece is pinned or has
// in-flight blocks, the job retries rather than panicking.
func handleClearPiece(p *DiskIOThreadPool, job *Job) (HandlerOutcome, *Job, any, error) {
	pe := p.cache.Lookup(job.Storage, job.Piece)
	if pe == nil {
		return OutcomeOK, nil, nil, nil
	}
	if _, ok := p.cache.EvictPiece(pe); !ok {
		return OutcomeRetryLater, nil, nil, nil
	}
	return OutcomeOK, nil, nil, nil
}

func handleTick(p *DiskIOThreadPool, job *Job) (HandlerOutcome, *Job, any, error) {
	p.storagesMu.RLock()
	defer p.storagesMu.RUnlock()
	for _, backend := range p.storages {
		_ = backend.Tick()
	}
	return OutcomeOK, nil, nil, nil
}
