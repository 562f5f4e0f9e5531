package disk

import (
	"sync"
	"time"

	"github.com/xlgjjff/torrentcore/internal/ambient/log"
)

var poolLogger = log.Named("disk/pool")

// handlerFunc performs one job's work. It returns the outcome plus an
// optional companion job that run enqueues after the job itself.
type handlerFunc func(p *DiskIOThreadPool, job *Job) (HandlerOutcome, *Job, any, error)

// dispatch is the JobAction -> handler table.
var dispatch map[JobAction]handlerFunc

func init() {
	dispatch = map[JobAction]handlerFunc{
		JobRead:            handleRead,
		JobWrite:           handleWrite,
		JobHash:            handleHash,
		JobMoveStorage:     handleMoveStorage,
		JobReleaseFiles:    handleReleaseFiles,
		JobDeleteFiles:     handleDeleteFiles,
		JobCheckFastresume: handleCheckFastresume,
		JobSaveResumeData:  handleSaveResumeData,
		JobRenameFile:      handleRenameFile,
		JobStopTorrent:     handleStopTorrent,
		JobFinalizeFile:    handleFinalizeFile,
		JobFlushPiece:      handleFlushPiece,
		JobFlushHashed:     handleFlushHashed,
		JobFlushStorage:    handleFlushStorage,
		JobTrimCache:       handleTrimCache,
		JobFilePriority:    handleFilePriority,
		JobClearPiece:      handleClearPiece,
		JobTick:            handleTick,
	}
}

// DiskIOThreadPool is the worker-thread pool: NumThreads generic
// workers pulling off a shared job queue, with every
// 4th thread also servicing a dedicated hash sub-queue. Modeled on
// ticker-driven background-loop goroutines generalized to a worker-pool
// shape.
type DiskIOThreadPool struct {
	cfg   *Config
	cache *BlockCache

	storages   map[string]StorageBackend
	storagesMu sync.RWMutex

	fences   map[string]*FencedStorage
	fencesMu sync.Mutex

	queue     chan *Job
	hashQueue chan *Job
	alerts    *AlertQueue

	wg     sync.WaitGroup
	quit   chan struct{}
	once   sync.Once
}

// NewDiskIOThreadPool wires a pool against cfg and cache, ready to Start.
func NewDiskIOThreadPool(cfg *Config, cache *BlockCache, alerts *AlertQueue) *DiskIOThreadPool {
	return &DiskIOThreadPool{
		cfg:       cfg,
		cache:     cache,
		storages:  make(map[string]StorageBackend),
		fences:    make(map[string]*FencedStorage),
		queue:     make(chan *Job, cfg.JobQueueCapacity),
		hashQueue: make(chan *Job, cfg.HashQueueCapacity),
		alerts:    alerts,
		quit:      make(chan struct{}),
	}
}

// RegisterStorage binds storageRef to a backend, creating its fence gate.
func (p *DiskIOThreadPool) RegisterStorage(storageRef string, backend StorageBackend) {
	p.storagesMu.Lock()
	p.storages[storageRef] = backend
	p.storagesMu.Unlock()

	p.fencesMu.Lock()
	p.fences[storageRef] = NewFencedStorage()
	p.fencesMu.Unlock()
}

func (p *DiskIOThreadPool) storage(ref string) StorageBackend {
	p.storagesMu.RLock()
	defer p.storagesMu.RUnlock()
	return p.storages[ref]
}

func (p *DiskIOThreadPool) fence(ref string) *FencedStorage {
	p.fencesMu.Lock()
	defer p.fencesMu.Unlock()
	f, ok := p.fences[ref]
	if !ok {
		f = NewFencedStorage()
		p.fences[ref] = f
	}
	return f
}

// Start launches NumThreads workers; every 4th (1-based index) also
// drains the hash sub-queue, plus a maintenance goroutine driving
// expiry-flush and stats-flip on ExpiryFlushInterval/StatsFlipInterval
// ticks.
func (p *DiskIOThreadPool) Start() {
	for i := 1; i <= p.cfg.NumThreads; i++ {
		p.wg.Add(1)
		isHasher := i%4 == 0
		go p.worker(i, isHasher)
	}
	p.wg.Add(1)
	go p.maintenanceLoop()
}

// Stop signals every goroutine to exit and joins them; jobs still
// waiting in the queues are not run.
func (p *DiskIOThreadPool) Stop() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}

// Submit enqueues job, first running raise_fence if the action is
// fenced. Every job that actually enters the queue here gets
// JobStarted recorded against its storage's fence gate, matching
// num_outstanding_jobs(): a job counts as outstanding from the moment
// it is queued, not from the moment a worker picks it up, so a fence
// raised immediately after a burst of writes still sees them pending.
func (p *DiskIOThreadPool) Submit(job *Job) {
	f := p.fence(job.Storage)
	if isFencedAction(job.Action) {
		outcome, companion := f.RaiseFence(job)
		switch outcome {
		case Blocked:
			return // queued on the fence's own wait list; released later
		case PostFlush:
			job.owner = ownerGlobalQueue
			f.JobStarted()
			p.enqueue(companion)
			f.JobStarted()
			p.enqueue(job)
			return
		case PostFence:
			// falls through to normal enqueue below
		}
	}
	f.JobStarted()
	job.owner = ownerGlobalQueue
	p.enqueue(job)
}

func (p *DiskIOThreadPool) enqueue(job *Job) {
	select {
	case p.queue <- job:
	case <-p.quit:
	}
}

func (p *DiskIOThreadPool) enqueueHash(job *Job) {
	select {
	case p.hashQueue <- job:
	case <-p.quit:
	}
}

// worker drains the shared job queue; a hasher thread additionally
// drains the hash sub-queue and redirects any JobHash it pulls off the
// shared queue there instead of running it directly.
func (p *DiskIOThreadPool) worker(id int, isHasher bool) {
	defer p.wg.Done()

	hashCh := p.hashQueueIfHasher(isHasher)
	for {
		select {
		case <-p.quit:
			return
		case job := <-hashCh:
			p.run(job)
		case job := <-p.queue:
			if job.Action == JobHash && !isHasher {
				p.enqueueHash(job)
				continue
			}
			p.run(job)
		}
	}
}

// hashQueueIfHasher returns the hash sub-queue for hasher threads and a
// nil (never-ready) channel otherwise, letting a single select
// statement cover both sources without busy-waiting.
func (p *DiskIOThreadPool) hashQueueIfHasher(isHasher bool) chan *Job {
	if isHasher {
		return p.hashQueue
	}
	return nil
}

func (p *DiskIOThreadPool) run(job *Job) {
	job.owner = ownerNone
	h, ok := dispatch[job.Action]
	if !ok {
		p.complete(job, Result{Job: job, Error: NewError(job.Action.String(), job.Storage, ErrOperationAborted)})
		return
	}

	outcome, companion, value, err := h(p, job)
	switch outcome {
	case OutcomeRetryLater:
		// Re-enqueue directly: the job is already counted outstanding
		// and, if fenced, already holds the fence, so this must not
		// go back through Submit/RaiseFence (which would block it
		// behind its own still-active fence).
		job.owner = ownerGlobalQueue
		go func() {
			select {
			case <-time.After(time.Millisecond):
				p.enqueue(job)
			case <-p.quit:
			}
		}()
		return
	case OutcomeDeferred:
		// A flush path will post the completion once the real work lands.
		return
	}

	if companion != nil {
		p.enqueue(companion)
	}

	if isFencedAction(job.Action) {
		if f := p.fence(job.Storage); f != nil {
			f.ClearFence()
		}
	}

	p.postAlert(job, value, err)
	p.complete(job, Result{Job: job, Error: err, Value: value})
}

// postAlert surfaces job outcomes the host would want to observe
// without polling every individual callback.
func (p *DiskIOThreadPool) postAlert(job *Job, value any, err error) {
	if p.alerts == nil {
		return
	}
	if err != nil {
		if job.Action == JobCheckFastresume {
			p.alerts.Post(Alert{Category: AlertFastresumeRejected, Storage: job.Storage, Message: "fastresume rejected", Err: err})
			return
		}
		p.alerts.Post(Alert{Category: AlertFileError, Storage: job.Storage, Piece: job.Piece, Message: job.Action.String(), Err: err})
		return
	}
	switch job.Action {
	case JobHash:
		p.alerts.Post(Alert{Category: AlertPieceFinished, Storage: job.Storage, Piece: job.Piece, Message: "hash complete"})
	case JobMoveStorage:
		p.alerts.Post(Alert{Category: AlertStorageMoved, Storage: job.Storage, Message: "storage moved"})
	case JobRenameFile:
		p.alerts.Post(Alert{Category: AlertFileRenamed, Storage: job.Storage, Message: "file renamed"})
	case JobStopTorrent:
		p.alerts.Post(Alert{Category: AlertTorrentPaused, Storage: job.Storage, Message: "torrent stopped"})
	case JobSaveResumeData:
		p.alerts.Post(Alert{Category: AlertSaveResumeData, Storage: job.Storage, Message: "resume data saved"})
	}
	_ = value
}

func (p *DiskIOThreadPool) complete(job *Job, res Result) {
	f := p.fence(job.Storage)
	for _, released := range f.JobComplete() {
		f.JobStarted()
		released.owner = ownerGlobalQueue
		p.enqueue(released)
	}
	if job.Callback != nil {
		job.Callback(res)
	}
}

// maintenanceLoop runs thread-0's periodic duties: expired dirty-piece
// flush and stats-flip, on independent tickers.
func (p *DiskIOThreadPool) maintenanceLoop() {
	defer p.wg.Done()

	expiry := p.cfg.Clock.Ticker(p.cfg.ExpiryFlushInterval)
	stats := p.cfg.Clock.Ticker(p.cfg.StatsFlipInterval)
	defer expiry.Stop()
	defer stats.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-expiry.C:
			p.flushExpired()
		case <-stats.C:
			p.flipStats()
		}
	}
}

// maxExpiredFlushPerPass bounds flushExpired to at most this many
// pieces per tick, so a torrent with a huge dirty backlog can't starve
// the queue on a single maintenance pass.
const maxExpiredFlushPerPass = 200

// flushExpired walks the write ladder oldest-first and enqueues a
// flush_piece job for every piece whose ExpireTime has passed, up to
// maxExpiredFlushPerPass pieces. The ladder is ordered oldest-expiry
// first, so the first piece that hasn't expired yet means nothing
// after it has either.
func (p *DiskIOThreadPool) flushExpired() {
	now := p.cfg.Clock.Now()
	flushed := 0
	for _, pe := range p.cache.WriteLRUPieces() {
		if flushed >= maxExpiredFlushPerPass {
			break
		}
		if pe.ExpireTime.After(now) {
			break
		}
		if pe.NumDirty == 0 {
			continue
		}
		j := newJob(JobFlushPiece, pe.StorageID)
		j.Piece = pe.Piece
		p.fence(pe.StorageID).JobStarted()
		p.enqueue(j)
		flushed++
	}
}

func (p *DiskIOThreadPool) flipStats() {
	poolLogger.Debug("stats flip", "resident_blocks", p.cache.ResidentBlocks())
}

// TriggerPressureFlush picks the largest dirty piece and forces a
// flush. NewEngine registers it through SubscribeToDisk, so it runs
// once, when releasing a buffer brings the resident count below the low
// watermark; an allocation failure does not call it.
func (p *DiskIOThreadPool) TriggerPressureFlush() {
	var best *CachedPiece
	for _, pe := range p.cache.WriteLRUPieces() {
		if pe.NumDirty == 0 {
			continue
		}
		if best == nil || pe.NumDirty > best.NumDirty {
			best = pe
		}
	}
	if best != nil {
		j := newJob(JobFlushPiece, best.StorageID)
		j.Piece = best.Piece
		p.fence(best.StorageID).JobStarted()
		p.enqueue(j)
	}
}
