package disk

import (
	"github.com/xlgjjff/torrentcore/internal/ambient/log"
)

var engineLogger = log.Named("disk/engine")

// Engine is the host-facing entry point for the disk core.
// It owns the cache, the thread pool, and the alert queue, and exposes
// one async_* method per job action as the single wrapper a caller
// holds onto.
type Engine struct {
	cfg    *Config
	cache  *BlockCache
	pool   *DiskIOThreadPool
	alerts *AlertQueue
}

// NewEngine builds and starts a disk Engine.
func NewEngine(cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cache := NewBlockCache(cfg)
	alerts := NewAlertQueue(cfg.AlertQueueCapacity)
	pool := NewDiskIOThreadPool(cfg, cache, alerts)

	e := &Engine{cfg: cfg, cache: cache, pool: pool, alerts: alerts}
	cache.SubscribeToDisk(pool.TriggerPressureFlush)
	pool.Start()

	engineLogger.Info("disk engine started", "threads", cfg.NumThreads, "cache_blocks", cfg.CacheSizeBlocks)
	return e, nil
}

// Close stops the pool and joins its worker goroutines.
func (e *Engine) Close() {
	e.pool.Stop()
}

// AddStorage registers a StorageBackend under storageRef.
func (e *Engine) AddStorage(storageRef string, backend StorageBackend) {
	e.pool.RegisterStorage(storageRef, backend)
}

// Alerts returns the engine's alert queue for polling.
func (e *Engine) Alerts() *AlertQueue { return e.alerts }

func (e *Engine) submit(job *Job, cb func(Result)) {
	job.Callback = cb
	e.pool.Submit(job)
}

// AsyncRead schedules a read and invokes cb with the resulting bytes.
func (e *Engine) AsyncRead(storageRef string, piece int, offset, length int64, requester string, cb func(Result)) {
	j := newJob(JobRead, storageRef)
	j.Piece, j.Offset, j.Length, j.Requester = piece, offset, length, requester
	e.submit(j, cb)
}

// AsyncWrite schedules a write-back of buf at (piece, offset). pieceSize
// tells the cache how many blocks the owning piece has, so it can
// allocate the CachedPiece on first touch.
func (e *Engine) AsyncWrite(storageRef string, piece int, offset int64, buf []byte, pieceSize int64, cb func(Result)) {
	j := newJob(JobWrite, storageRef)
	j.Piece, j.Offset, j.Length, j.Buffer, j.Extra = piece, offset, int64(len(buf)), buf, pieceSize
	e.submit(j, cb)
}

// AsyncHash schedules a whole-piece SHA-1 over its cached blocks,
// blocking (via OutcomeRetryLater) until every block is resident.
func (e *Engine) AsyncHash(storageRef string, piece int, cb func(Result)) {
	j := newJob(JobHash, storageRef)
	j.Piece = piece
	e.submit(j, cb)
}

// AsyncMoveStorage schedules a fenced move of storageRef's files to dest.
func (e *Engine) AsyncMoveStorage(storageRef, dest string, cb func(Result)) {
	j := newJob(JobMoveStorage, storageRef)
	j.Extra = dest
	e.submit(j, cb)
}

// AsyncReleaseFiles schedules releasing storageRef's open file handles.
func (e *Engine) AsyncReleaseFiles(storageRef string, cb func(Result)) {
	e.submit(newJob(JobReleaseFiles, storageRef), cb)
}

// AsyncDeleteFiles schedules deleting storageRef's on-disk files.
func (e *Engine) AsyncDeleteFiles(storageRef string, cb func(Result)) {
	e.submit(newJob(JobDeleteFiles, storageRef), cb)
}

// AsyncCheckFastresume schedules validating a resume entry.
func (e *Engine) AsyncCheckFastresume(storageRef string, entry ResumeEntry, cb func(Result)) {
	j := newJob(JobCheckFastresume, storageRef)
	j.Extra = entry
	e.submit(j, cb)
}

// AsyncSaveResumeData schedules writing a resume entry.
func (e *Engine) AsyncSaveResumeData(storageRef string, entry ResumeEntry, cb func(Result)) {
	j := newJob(JobSaveResumeData, storageRef)
	j.Extra = entry
	e.submit(j, cb)
}

// AsyncRenameFile schedules renaming one file within storageRef.
func (e *Engine) AsyncRenameFile(storageRef string, index int, name string, cb func(Result)) {
	j := newJob(JobRenameFile, storageRef)
	j.Extra = renameParams{index: index, name: name}
	e.submit(j, cb)
}

// AsyncStopTorrent schedules abandoning dirty state for storageRef
// without flushing.
func (e *Engine) AsyncStopTorrent(storageRef string, cb func(Result)) {
	e.submit(newJob(JobStopTorrent, storageRef), cb)
}

// AsyncFinalizeFile schedules any post-completion fix-up for one file
// (permission bits, extension rename, etc; backend-defined).
func (e *Engine) AsyncFinalizeFile(storageRef string, index int, cb func(Result)) {
	j := newJob(JobFinalizeFile, storageRef)
	j.Extra = index
	e.submit(j, cb)
}

// AsyncSetFilePriority schedules a file-priority vector update.
func (e *Engine) AsyncSetFilePriority(storageRef string, priorities []int, cb func(Result)) {
	j := newJob(JobFilePriority, storageRef)
	j.Extra = priorities
	e.submit(j, cb)
}

// AsyncClearPiece schedules evicting a single cached piece, e.g. after
// a failed hash check forces a re-download.
func (e *Engine) AsyncClearPiece(storageRef string, piece int, cb func(Result)) {
	j := newJob(JobClearPiece, storageRef)
	j.Piece = piece
	e.submit(j, cb)
}

// FlushPiece forces an immediate flush of one piece's dirty blocks.
func (e *Engine) FlushPiece(storageRef string, piece int, cb func(Result)) {
	j := newJob(JobFlushPiece, storageRef)
	j.Piece = piece
	e.submit(j, cb)
}

// FlushStorage forces an immediate flush of every dirty piece under storageRef.
func (e *Engine) FlushStorage(storageRef string, cb func(Result)) {
	e.submit(newJob(JobFlushStorage, storageRef), cb)
}

// TrimCache forces an immediate cache trim down to the low watermark.
func (e *Engine) TrimCache(cb func(Result)) {
	e.submit(newJob(JobTrimCache, ""), cb)
}

// Stats reports point-in-time cache occupancy for monitoring.
type Stats struct {
	ResidentBlocks int
	AlertsDropped  int64
}

func (e *Engine) Stats() Stats {
	return Stats{
		ResidentBlocks: e.cache.ResidentBlocks(),
		AlertsDropped:  e.alerts.Dropped(),
	}
}
