package disk

import "github.com/google/uuid"

// JobAction tags the action a Job performs.
type JobAction int

const (
	JobRead JobAction = iota
	JobWrite
	JobHash
	JobMoveStorage
	JobReleaseFiles
	JobDeleteFiles
	JobCheckFastresume
	JobSaveResumeData
	JobRenameFile
	JobStopTorrent
	JobCachePiece
	JobFinalizeFile
	JobFlushPiece
	JobFlushHashed
	JobFlushStorage
	JobTrimCache
	JobFilePriority
	JobLoadTorrent
	JobClearPiece
	JobTick
)

func (a JobAction) String() string {
	names := [...]string{
		"read", "write", "hash", "move_storage", "release_files",
		"delete_files", "check_fastresume", "save_resume_data",
		"rename_file", "stop_torrent", "cache_piece", "finalize_file",
		"flush_piece", "flush_hashed", "flush_storage", "trim_cache",
		"file_priority", "load_torrent", "clear_piece", "tick",
	}
	if int(a) < len(names) {
		return names[a]
	}
	return "unknown"
}

// JobFlags is a bitmask of per-job modifiers.
type JobFlags uint32

const (
	FlagFence JobFlags = 1 << iota
	FlagForceCopy
	FlagVolatileRead
	FlagCacheHit
	FlagInProgress
)

func (f JobFlags) has(bit JobFlags) bool { return f&bit != 0 }

// fencedActions are the JobActions that raise_fence gates.
var fencedActions = map[JobAction]bool{
	JobMoveStorage:      true,
	JobReleaseFiles:     true,
	JobDeleteFiles:      true,
	JobCheckFastresume:  true,
	JobSaveResumeData:   true,
	JobRenameFile:       true,
	JobStopTorrent:      true,
	JobFilePriority:     true,
	JobClearPiece:       true,
}

func isFencedAction(a JobAction) bool { return fencedActions[a] }

// HandlerOutcome is what a job dispatch handler returns.
type HandlerOutcome int

const (
	OutcomeOK HandlerOutcome = iota
	OutcomeError
	OutcomeRetryLater
	OutcomeDeferred // DeferHandler: a later flush path will post completion
)

// Job is a tagged unit of disk work.
type Job struct {
	ID     string
	Action JobAction
	Flags  JobFlags

	Storage string // storage_ref
	Piece   int
	Offset  int64
	Length  int64
	Buffer  []byte

	// Extra carries action-specific parameters (rename target, file
	// priority vector, resume entry, new storage path, ...).
	Extra any

	Callback func(Result)

	// Requester is passed to the cache on reads; no per-requester
	// hit/miss stats are recorded for it.
	Requester string

	Error  error
	Result any

	// bound to a CachedPiece's LocalQueue or a FencedStorage's wait
	// list at most once at a time.
	owner ownerTag
}

// ownerTag is the debug-assertion hook backing the invariant that a
// job lives in at most one intrusive queue at a time.
type ownerTag int

const (
	ownerNone ownerTag = iota
	ownerGlobalQueue
	ownerHashQueue
	ownerPieceLocalQueue
	ownerFenceWaitList
)

func newJob(action JobAction, storage string) *Job {
	return &Job{ID: uuid.NewString(), Action: action, Storage: storage}
}

// Result is delivered to the host via Job.Callback.
type Result struct {
	Job    *Job
	Error  error
	Value  any
}
