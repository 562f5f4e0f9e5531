package disk

import "sync"

// FenceOutcome is the result of FencedStorage.RaiseFence.
type FenceOutcome int

const (
	PostFence FenceOutcome = iota
	PostFlush
	Blocked
)

// FencedStorage is the per-torrent mutual-exclusion gate for
// destructive/global operations against inflight read/write/hash jobs.
// One instance exists per storage_ref.
type FencedStorage struct {
	mu sync.Mutex

	outstanding int // jobs currently in flight against this storage
	fenceActive bool

	// waitList holds primaries blocked behind an in-flight fence
	// (RaiseFence returned Blocked); released in JobComplete once
	// outstanding reaches zero.
	waitList []*Job
}

// NewFencedStorage constructs an unfenced, idle gate.
func NewFencedStorage() *FencedStorage {
	return &FencedStorage{}
}

// JobStarted records that one more job is now in flight against this storage.
func (f *FencedStorage) JobStarted() {
	f.mu.Lock()
	f.outstanding++
	f.mu.Unlock()
}

// RaiseFence decides whether the fenced primary job can run now
// (PostFence), must wait for a flush to
// drain outstanding work first (PostFlush), or is blocked behind an
// already in-flight fence (Blocked).
func (f *FencedStorage) RaiseFence(primary *Job) (FenceOutcome, *Job) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fenceActive {
		primary.owner = ownerFenceWaitList
		f.waitList = append(f.waitList, primary)
		return Blocked, nil
	}

	f.fenceActive = true

	if f.outstanding == 0 {
		// No outstanding jobs: the fence job runs now, with no flush
		// companion. The caller enqueues it at the tail of the shared
		// FIFO queue; there is no front-of-queue insertion.
		return PostFence, nil
	}

	// Outstanding jobs exist: return a flush_storage companion. The
	// caller enqueues it, then the primary, at the tail of the shared
	// FIFO queue.
	flush := newJob(JobFlushStorage, primary.Storage)
	return PostFlush, flush
}

// JobComplete is called as each outstanding job against this storage
// finishes. Once the count reaches zero, it releases any primaries
// queued behind the fence, in FIFO order.
func (f *FencedStorage) JobComplete() []*Job {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.outstanding--
	if f.outstanding > 0 {
		return nil
	}

	released := f.waitList
	f.waitList = nil
	for _, j := range released {
		j.owner = ownerNone
	}
	return released
}

// ClearFence releases the fence itself, called once the fenced
// primary's action has actually run.
func (f *FencedStorage) ClearFence() {
	f.mu.Lock()
	f.fenceActive = false
	f.mu.Unlock()
}

// Outstanding reports the current in-flight job count (tests / stats).
func (f *FencedStorage) Outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outstanding
}
