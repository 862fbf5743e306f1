package fsm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryproject/quarry/pkg/bitmap"
	"github.com/quarryproject/quarry/pkg/types"
)

func newRunnableJob() *types.Job {
	bm := bitmap.New(4)
	bm.Set(0)
	bm.Set(1)
	return &types.Job{
		ID:         7,
		State:      types.JobPending,
		NodeBitmap: bm,
		NodeCount:  2,
		Details:    &types.JobDetails{Requeue: true, MaxRestarts: 1},
	}
}

func TestJobTransitionTable(t *testing.T) {
	tests := []struct {
		name string
		from types.JobState
		to   types.JobState
		ok   bool
	}{
		{"pending to running", types.JobPending, types.JobRunning, true},
		{"pending to cancelled", types.JobPending, types.JobCancelled, true},
		{"pending to complete", types.JobPending, types.JobComplete, false},
		{"pending to suspended", types.JobPending, types.JobSuspended, false},
		{"running to suspended", types.JobRunning, types.JobSuspended, true},
		{"running to complete", types.JobRunning, types.JobComplete, true},
		{"running to nodefail", types.JobRunning, types.JobNodeFail, true},
		{"suspended to running", types.JobSuspended, types.JobRunning, true},
		{"suspended to complete", types.JobSuspended, types.JobComplete, false},
		{"complete to running", types.JobComplete, types.JobRunning, false},
		{"complete to pending without requeue", types.JobComplete, types.JobPending, false},
		{"same state is a no-op", types.JobRunning, types.JobRunning, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &types.Job{ID: 1, State: tt.from}
			err := JobTransition(j, tt.to)
			if tt.ok {
				assert.NoError(t, err)
				assert.Equal(t, tt.to, j.State)
			} else {
				assert.Error(t, err)
				assert.Equal(t, tt.from, j.State)
			}
		})
	}
}

func TestStartAndPrologFanIn(t *testing.T) {
	now := time.Now()
	j := newRunnableJob()

	require.NoError(t, StartJob(j, now))
	assert.True(t, j.IsRunning())
	assert.True(t, j.IsConfiguring())

	assert.False(t, PrologDone(j))
	assert.True(t, j.IsConfiguring())
	assert.True(t, PrologDone(j))
	assert.False(t, j.IsConfiguring())

	// Further prolog reports are ignored once configured.
	assert.False(t, PrologDone(j))
}

func TestFinishAndEpilogFanIn(t *testing.T) {
	now := time.Now()
	j := newRunnableJob()
	require.NoError(t, StartJob(j, now))

	require.NoError(t, FinishJob(j, types.JobComplete, now))
	assert.True(t, j.IsCompleting())
	assert.False(t, j.IsCompleted())
	assert.Equal(t, uint32(2), j.EpilogWait)

	assert.False(t, EpilogDone(j))
	assert.True(t, EpilogDone(j))
	assert.False(t, j.IsCompleting())
	assert.True(t, j.IsCompleted())
}

func TestRequeueBudget(t *testing.T) {
	now := time.Now()
	j := newRunnableJob()
	require.NoError(t, StartJob(j, now))
	require.NoError(t, FinishJob(j, types.JobNodeFail, now))
	EpilogDone(j)
	EpilogDone(j)

	require.NoError(t, Requeue(j, true, now))
	assert.True(t, j.IsPending())
	assert.Equal(t, uint32(1), j.RestartCount)
	assert.Nil(t, j.NodeBitmap)
	assert.Equal(t, types.JobFlags(0), j.Flags)

	// Budget of 1 is now spent.
	require.NoError(t, StartJob(j, now))
	j.NodeBitmap = bitmap.New(4)
	require.NoError(t, FinishJob(j, types.JobNodeFail, now))
	j.Flags &^= types.JobFlagCompleting
	assert.Error(t, Requeue(j, true, now))

	// Admin requeue ignores the budget.
	assert.NoError(t, Requeue(j, false, now))
	assert.Equal(t, uint32(1), j.RestartCount)
}

func TestRequeueWhileCompletingRefused(t *testing.T) {
	now := time.Now()
	j := newRunnableJob()
	require.NoError(t, StartJob(j, now))
	require.NoError(t, FinishJob(j, types.JobCancelled, now))
	assert.Error(t, Requeue(j, false, now))
}

func TestSuspendResume(t *testing.T) {
	now := time.Now()
	j := newRunnableJob()
	require.NoError(t, StartJob(j, now))

	require.NoError(t, Suspend(j, now))
	assert.True(t, j.IsSuspended())
	assert.Error(t, Resume(&types.Job{State: types.JobRunning}, now))
	require.NoError(t, Resume(j, now))
	assert.True(t, j.IsRunning())
}

func TestNodeLifecycle(t *testing.T) {
	now := time.Now()
	n := &types.Node{Name: "n1", State: types.NodeUnknown}

	NodeRegistered(n, false, now)
	assert.Equal(t, types.NodeIdle, n.State)

	require.NoError(t, AllocateNode(n, 10, false))
	assert.Equal(t, types.NodeAllocated, n.State)

	require.NoError(t, AllocateNode(n, 11, true))
	assert.Equal(t, types.NodeMixed, n.State)

	ReleaseNode(n, 11)
	assert.Equal(t, types.NodeAllocated, n.State)
	ReleaseNode(n, 10)
	assert.Equal(t, types.NodeIdle, n.State)
}

func TestDrainPredicates(t *testing.T) {
	n := &types.Node{Name: "n1", State: types.NodeAllocated}
	DrainNode(n, "bad disk")

	assert.True(t, n.IsDraining())
	assert.False(t, n.IsDrained())

	ReleaseNode(n, 0)
	n.State = types.NodeIdle
	assert.False(t, n.IsDraining())
	assert.True(t, n.IsDrained())
	assert.False(t, n.IsAvailable(), "drained node must not accept allocations")

	ResumeNode(n)
	assert.True(t, n.IsAvailable())
}

func TestDownNodeRegistersWithJobs(t *testing.T) {
	n := &types.Node{Name: "n2", State: types.NodeDown, Flags: types.NodeFlagNoRespond}
	NodeRegistered(n, true, time.Now())
	assert.Equal(t, types.NodeAllocated, n.State)
	assert.Zero(t, n.Flags&types.NodeFlagNoRespond)
}

func TestAllocateRefusedOnDownNode(t *testing.T) {
	n := &types.Node{Name: "n3", State: types.NodeDown}
	assert.Error(t, AllocateNode(n, 1, false))
}
