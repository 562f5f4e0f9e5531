package disk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRaiseFenceNoOutstandingGoesStraightThrough(t *testing.T) {
	f := NewFencedStorage()
	primary := &Job{Storage: "s1", Action: JobMoveStorage}

	outcome, companion := f.RaiseFence(primary)
	assert.Equal(t, PostFence, outcome)
	assert.Nil(t, companion)
}

func TestRaiseFenceWithOutstandingReturnsFlushCompanion(t *testing.T) {
	f := NewFencedStorage()
	f.JobStarted()

	primary := &Job{Storage: "s1", Action: JobDeleteFiles}
	outcome, companion := f.RaiseFence(primary)
	assert.Equal(t, PostFlush, outcome)
	require.NotNil(t, companion)
	assert.Equal(t, JobFlushStorage, companion.Action)
}

func TestRaiseFenceBlocksSecondFence(t *testing.T) {
	f := NewFencedStorage()
	first := &Job{Storage: "s1", Action: JobMoveStorage}
	f.RaiseFence(first)

	second := &Job{Storage: "s1", Action: JobRenameFile}
	outcome, companion := f.RaiseFence(second)
	assert.Equal(t, Blocked, outcome)
	assert.Nil(t, companion)
	assert.Equal(t, ownerFenceWaitList, second.owner)
}

func TestJobCompleteReleasesWaitListAtZero(t *testing.T) {
	f := NewFencedStorage()
	f.JobStarted()
	f.JobStarted()

	blocked := &Job{Storage: "s1"}
	f.RaiseFence(&Job{Storage: "s1", Action: JobMoveStorage}) // fenceActive = true
	_, _ = f.RaiseFence(blocked)                              // Blocked, appended to waitList

	assert.Empty(t, f.JobComplete()) // outstanding 2 -> 1
	released := f.JobComplete()      // outstanding 1 -> 0
	require.Len(t, released, 1)
	assert.Same(t, blocked, released[0])
	assert.Equal(t, ownerNone, blocked.owner)
}

func TestClearFenceAllowsNextFence(t *testing.T) {
	f := NewFencedStorage()
	f.RaiseFence(&Job{Storage: "s1", Action: JobMoveStorage})
	f.ClearFence()

	outcome, _ := f.RaiseFence(&Job{Storage: "s1", Action: JobRenameFile})
	assert.Equal(t, PostFence, outcome)
}
