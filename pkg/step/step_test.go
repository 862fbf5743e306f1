package step

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryproject/quarry/pkg/acct"
	"github.com/quarryproject/quarry/pkg/clock"
	"github.com/quarryproject/quarry/pkg/config"
	"github.com/quarryproject/quarry/pkg/cred"
	"github.com/quarryproject/quarry/pkg/fsm"
	"github.com/quarryproject/quarry/pkg/plugins"
	"github.com/quarryproject/quarry/pkg/store"
	"github.com/quarryproject/quarry/pkg/types"
	"github.com/quarryproject/quarry/pkg/wire"
)

type fixture struct {
	mgr    *Manager
	store  *store.Store
	signer *cred.Signer
	job    *types.Job
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Snapshot{
		FirstJobID: 1,
		MaxJobID:   1000,
		Nodes: []config.NodeDef{
			{Name: "n1", CPUs: 8, Sockets: 2, Cores: 4, RealMemory: 32 << 30},
			{Name: "n2", CPUs: 8, Sockets: 2, Cores: 4, RealMemory: 32 << 30},
			{Name: "n3", CPUs: 8, Sockets: 2, Cores: 4, RealMemory: 32 << 30},
			{Name: "n4", CPUs: 8, Sockets: 2, Cores: 4, RealMemory: 32 << 30},
		},
		Partitions: []config.PartitionDef{
			{Name: "batch", Nodes: []string{"n1", "n2", "n3", "n4"}, Default: true},
		},
	}
	st := store.New(cfg, clock.Real{})
	signer, err := cred.NewSigner()
	require.NoError(t, err)
	mgr := NewManager(st, signer, plugins.NopSwitch{}, acct.Nop{})

	job := &types.Job{UserID: 1000, GroupID: 1000, Name: "t", Priority: 1}
	job.Request.Partition = "batch"
	job.Request.MinNodes = 4
	job.Request.TimeLimit = time.Hour
	_, err = st.InsertJob(job)
	require.NoError(t, err)

	job.NodeBitmap = st.BitmapFor([]string{"n1", "n2", "n3", "n4"})
	job.NodeCount = 4
	job.Resources = &types.JobResources{
		CPUs:   map[int]uint32{0: 8, 1: 8, 2: 8, 3: 8},
		Memory: map[int]uint64{0: 32 << 30, 1: 32 << 30, 2: 32 << 30, 3: 32 << 30},
	}
	require.NoError(t, fsm.StartJob(job, time.Now()))
	for i := 0; i < 4; i++ {
		fsm.PrologDone(job)
	}
	require.False(t, job.IsConfiguring())

	return &fixture{mgr: mgr, store: st, signer: signer, job: job}
}

func TestCreateStep(t *testing.T) {
	f := newFixture(t)

	s, signed, err := f.mgr.Create(f.job, &wire.StepCreateRequest{
		TaskCount:   10,
		CPUsPerTask: 1,
	}, time.Now())
	require.NoError(t, err)

	assert.Equal(t, uint32(0), s.StepID)
	assert.Equal(t, 4, s.NodeBitmap.Count())
	assert.True(t, s.NodeBitmap.IsSubsetOf(f.job.NodeBitmap))
	assert.Equal(t, []uint32{3, 3, 2, 2}, s.Layout.TasksPerNode)
	assert.Same(t, s, f.store.FindStep(f.job.ID, 0))

	arg, err := f.signer.Verify(signed, time.Now())
	require.NoError(t, err)
	assert.Equal(t, f.job.ID, arg.JobID)
	assert.Equal(t, uint32(0), arg.StepID)
	assert.Equal(t, []string{"n1", "n2", "n3", "n4"}, arg.NodeList)
	assert.Equal(t, []uint16{4}, arg.CoresPerSocket)
	assert.Equal(t, []uint16{2}, arg.SocketsPerNode)
	assert.Equal(t, []uint32{4}, arg.SockCoreRepCount)

	// Step ids never repeat within a job.
	s2, _, err := f.mgr.Create(f.job, &wire.StepCreateRequest{TaskCount: 1, MinNodes: 1}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, uint32(1), s2.StepID)
	assert.Equal(t, 1, s2.NodeBitmap.Count())
}

func TestCreateStepWhileConfiguring(t *testing.T) {
	f := newFixture(t)
	f.job.Flags |= types.JobFlagConfiguring

	_, _, err := f.mgr.Create(f.job, &wire.StepCreateRequest{TaskCount: 1}, time.Now())
	assert.Equal(t, wire.ErrPrologRunning, wire.CodeOf(err))
}

func TestCreateStepWhileSuspended(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, fsm.Suspend(f.job, time.Now()))

	_, _, err := f.mgr.Create(f.job, &wire.StepCreateRequest{TaskCount: 1}, time.Now())
	assert.Equal(t, wire.ErrDisabled, wire.CodeOf(err))
}

func TestCreateStepOverAllocation(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.mgr.Create(f.job, &wire.StepCreateRequest{
		TaskCount:   64,
		CPUsPerTask: 2,
	}, time.Now())
	assert.Equal(t, wire.ErrResourceBusy, wire.CodeOf(err))
}

func TestPortReservation(t *testing.T) {
	f := newFixture(t)
	s, _, err := f.mgr.Create(f.job, &wire.StepCreateRequest{
		TaskCount:    4,
		ReservePorts: 8,
	}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, uint16(8), s.PortLast-s.PortFirst+1)
	assert.GreaterOrEqual(t, s.PortFirst, uint16(12000))
}

func TestCompleteRangeFanIn(t *testing.T) {
	f := newFixture(t)
	s, _, err := f.mgr.Create(f.job, &wire.StepCreateRequest{TaskCount: 4}, time.Now())
	require.NoError(t, err)

	done, err := f.mgr.CompleteRange(f.job, s, 0, 1, 0)
	require.NoError(t, err)
	assert.False(t, done)

	done, err = f.mgr.CompleteRange(f.job, s, 2, 3, 0)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Nil(t, f.store.FindStep(f.job.ID, s.StepID), "finished step is dropped from the job")
}

func TestCompleteRangeDuplicate(t *testing.T) {
	f := newFixture(t)
	s, _, err := f.mgr.Create(f.job, &wire.StepCreateRequest{TaskCount: 4}, time.Now())
	require.NoError(t, err)

	_, err = f.mgr.CompleteRange(f.job, s, 0, 1, 0)
	require.NoError(t, err)

	// Same range again: explicit no-op.
	_, err = f.mgr.CompleteRange(f.job, s, 0, 1, 0)
	assert.Equal(t, wire.ErrAlreadyDone, wire.CodeOf(err))

	done, err := f.mgr.CompleteRange(f.job, s, 2, 3, 5)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, int32(5), s.ExitCode)

	// Delivery after finalization is also acknowledged as already done.
	_, err = f.mgr.CompleteRange(f.job, s, 0, 1, 0)
	assert.Equal(t, wire.ErrAlreadyDone, wire.CodeOf(err))
}

func TestCompleteRangeOutOfBounds(t *testing.T) {
	f := newFixture(t)
	s, _, err := f.mgr.Create(f.job, &wire.StepCreateRequest{TaskCount: 4}, time.Now())
	require.NoError(t, err)

	_, err = f.mgr.CompleteRange(f.job, s, 2, 9, 0)
	assert.Error(t, err)
	assert.NotEqual(t, wire.ErrAlreadyDone, wire.CodeOf(err))
}

func TestBatchAndSbcastCredentials(t *testing.T) {
	f := newFixture(t)
	f.job.BatchHost = "n1"

	signed, err := f.mgr.BatchCredential(f.job)
	require.NoError(t, err)
	arg, err := f.signer.Verify(signed, time.Now())
	require.NoError(t, err)
	assert.Equal(t, wire.BatchScriptStep, arg.StepID)
	assert.Equal(t, []string{"n1"}, arg.NodeList)

	signed, expires, err := f.mgr.SbcastCredential(f.job, time.Now())
	require.NoError(t, err)
	arg, err = f.signer.Verify(signed, time.Now())
	require.NoError(t, err)
	assert.Equal(t, arg.ExpiresAt, expires)
	assert.Equal(t, f.job.StartTime.Add(time.Hour).Unix(), expires)
}
