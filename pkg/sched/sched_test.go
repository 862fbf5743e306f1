package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryproject/quarry/pkg/acct"
	"github.com/quarryproject/quarry/pkg/agent"
	"github.com/quarryproject/quarry/pkg/clock"
	"github.com/quarryproject/quarry/pkg/config"
	"github.com/quarryproject/quarry/pkg/cred"
	"github.com/quarryproject/quarry/pkg/fsm"
	"github.com/quarryproject/quarry/pkg/locks"
	"github.com/quarryproject/quarry/pkg/plugins"
	"github.com/quarryproject/quarry/pkg/store"
	"github.com/quarryproject/quarry/pkg/types"
	"github.com/quarryproject/quarry/pkg/wire"
)

type fixture struct {
	sched    *Scheduler
	store    *store.Store
	recorder *agent.Recorder
	queue    *agent.Queue
	clk      *clock.Manual
}

func testConfig() *config.Snapshot {
	return &config.Snapshot{
		FirstJobID: 1,
		MaxJobID:   100000,
		Nodes: []config.NodeDef{
			{Name: "n1", CPUs: 8, RealMemory: 32 << 30, Weight: 1},
			{Name: "n2", CPUs: 8, RealMemory: 32 << 30, Weight: 1},
			{Name: "n3", CPUs: 8, RealMemory: 32 << 30, Weight: 2},
			{Name: "n4", CPUs: 8, RealMemory: 32 << 30, Weight: 2, Features: []string{"gpu"}},
		},
		Partitions: []config.PartitionDef{
			{Name: "batch", Nodes: []string{"n1", "n2", "n3", "n4"},
				MaxTime: 24 * time.Hour, DefaultTime: time.Hour, Default: true},
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testConfig()
	mgr := config.NewManager("", cfg)
	clk := clock.NewManual(time.Unix(1700000000, 0))
	st := store.New(cfg, clk)
	signer, err := cred.NewSigner()
	require.NoError(t, err)
	rec := agent.NewRecorder()
	queue := agent.NewQueue(rec, 64, 1)
	t.Cleanup(queue.Stop)

	s := New(st, locks.NewDomain(), mgr, clk, signer, queue, PerNode{},
		plugins.NewMultifactorLite(), plugins.WeightOrder{}, acct.Nop{})

	// Nodes come up.
	for _, n := range st.Nodes() {
		fsm.NodeRegistered(n, false, clk.Now())
	}
	return &fixture{sched: s, store: st, recorder: rec, queue: queue, clk: clk}
}

func (f *fixture) submit(t *testing.T, req *wire.JobSubmitRequest) *types.Job {
	t.Helper()
	job := JobFromRequest(req, 1000, 1000)
	_, err := f.sched.Admit(job)
	require.NoError(t, err)
	return job
}

func TestAdmitDefaultsAndValidation(t *testing.T) {
	f := newFixture(t)

	job := f.submit(t, &wire.JobSubmitRequest{MinNodes: 1})
	assert.Equal(t, "batch", job.Request.Partition)
	assert.Equal(t, time.Hour, job.Request.TimeLimit, "partition default time applies")
	assert.True(t, job.IsPending())

	_, err := f.sched.Admit(JobFromRequest(&wire.JobSubmitRequest{
		MinNodes: 1, Partition: "absent",
	}, 1000, 1000))
	assert.Equal(t, wire.ErrInvalidPartitionName, wire.CodeOf(err))

	_, err = f.sched.Admit(JobFromRequest(&wire.JobSubmitRequest{
		MinNodes: 1, TimeLimit: int64((48 * time.Hour) / time.Second),
	}, 1000, 1000))
	assert.Equal(t, wire.ErrInvalidTimeLimit, wire.CodeOf(err))

	_, err = f.sched.Admit(JobFromRequest(&wire.JobSubmitRequest{MinNodes: 9}, 1000, 1000))
	assert.Equal(t, wire.ErrNodeNotAvail, wire.CodeOf(err))
}

func TestSchedulePassStartsJob(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, &wire.JobSubmitRequest{MinNodes: 2, Script: "#!/bin/sh\ntrue\n"})

	started := f.sched.SchedulePass(f.clk.Now())
	assert.Equal(t, 1, started)

	assert.True(t, job.IsRunning())
	assert.True(t, job.IsConfiguring())
	assert.Equal(t, uint32(2), job.NodeCount)
	assert.Equal(t, 2, job.NodeBitmap.Count())
	assert.Equal(t, "n1", job.BatchHost, "lowest-weight node hosts the batch script")

	// Every selected node is allocated and the bitmap matches.
	for _, idx := range job.NodeBitmap.Indices() {
		node := f.store.NodeAt(idx)
		assert.Equal(t, types.NodeAllocated, node.State)
		assert.Contains(t, node.RunningJobs, job.ID)
	}
	require.NoError(t, f.store.CheckIntegrity())

	f.queue.Stop()
	assert.Equal(t, 2, f.recorder.CountType(wire.MsgLaunchProlog))
}

func TestWeightOrderPrefersCheapNodes(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, &wire.JobSubmitRequest{MinNodes: 2})
	require.Equal(t, 1, f.sched.SchedulePass(f.clk.Now()))
	assert.Equal(t, []string{"n1", "n2"}, f.store.NamesFor(job.NodeBitmap))
}

func TestFeatureFilter(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, &wire.JobSubmitRequest{MinNodes: 1, Features: []string{"gpu"}})
	require.Equal(t, 1, f.sched.SchedulePass(f.clk.Now()))
	assert.Equal(t, []string{"n4"}, f.store.NamesFor(job.NodeBitmap))
}

func TestNoCapacityLeavesJobPendingWithReason(t *testing.T) {
	f := newFixture(t)
	first := f.submit(t, &wire.JobSubmitRequest{MinNodes: 4})
	require.Equal(t, 1, f.sched.SchedulePass(f.clk.Now()))
	require.True(t, first.IsRunning())

	second := f.submit(t, &wire.JobSubmitRequest{MinNodes: 1})
	assert.Equal(t, 0, f.sched.SchedulePass(f.clk.Now()))
	assert.True(t, second.IsPending())
	assert.Equal(t, types.ReasonResources, second.Reason)
}

func TestImmediatePlacementFailure(t *testing.T) {
	f := newFixture(t)
	f.submit(t, &wire.JobSubmitRequest{MinNodes: 4})
	require.Equal(t, 1, f.sched.SchedulePass(f.clk.Now()))

	job := JobFromRequest(&wire.JobSubmitRequest{MinNodes: 1}, 1000, 1000)
	job.Request.Partition = "batch"
	err := f.sched.TryStart(job, f.clk.Now())
	assert.Error(t, err)
	assert.Equal(t, wire.ErrResourceBusy, wire.CodeOf(err))
}

func TestHeldJobNotScheduled(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, &wire.JobSubmitRequest{MinNodes: 1, Hold: true})
	assert.Equal(t, 0, f.sched.SchedulePass(f.clk.Now()))
	assert.True(t, job.IsPending())
	assert.Equal(t, types.ReasonHeld, job.Reason)

	// Release: restore priority and the next pass starts it.
	job.Priority = 100
	assert.Equal(t, 1, f.sched.SchedulePass(f.clk.Now()))
}

func TestDrainedNodeExcluded(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"n1", "n2", "n3"} {
		fsm.DrainNode(f.store.FindNode(name), "maintenance")
	}
	job := f.submit(t, &wire.JobSubmitRequest{MinNodes: 1})
	require.Equal(t, 1, f.sched.SchedulePass(f.clk.Now()))
	assert.Equal(t, []string{"n4"}, f.store.NamesFor(job.NodeBitmap))
}

func TestReservationGate(t *testing.T) {
	f := newFixture(t)
	now := f.clk.Now()
	f.store.AddReservation(&types.Reservation{
		Name:       "team-a",
		Nodes:      []string{"n1", "n2", "n3", "n4"},
		NodeBitmap: f.store.BitmapFor([]string{"n1", "n2", "n3", "n4"}),
		StartTime:  now.Add(-time.Hour),
		EndTime:    now.Add(time.Hour),
		Users:      []uint32{2000},
	})

	// uid 1000 is locked out of every node.
	job := f.submit(t, &wire.JobSubmitRequest{MinNodes: 1})
	assert.Equal(t, 0, f.sched.SchedulePass(f.clk.Now()))
	assert.True(t, job.IsPending())

	// Naming the reservation as an allowed user works.
	resvJob := JobFromRequest(&wire.JobSubmitRequest{MinNodes: 1, Reservation: "team-a"}, 2000, 2000)
	_, err := f.sched.Admit(resvJob)
	require.NoError(t, err)
	require.Equal(t, 1, f.sched.SchedulePass(f.clk.Now()))
	assert.True(t, resvJob.IsRunning())
}

func TestReservationNotUsableForOutsider(t *testing.T) {
	f := newFixture(t)
	now := f.clk.Now()
	f.store.AddReservation(&types.Reservation{
		Name:       "team-a",
		Nodes:      []string{"n1"},
		NodeBitmap: f.store.BitmapFor([]string{"n1"}),
		StartTime:  now.Add(-time.Hour),
		EndTime:    now.Add(time.Hour),
		Users:      []uint32{2000},
	})
	_, err := f.sched.Admit(JobFromRequest(&wire.JobSubmitRequest{
		MinNodes: 1, Reservation: "team-a",
	}, 1000, 1000))
	assert.Equal(t, wire.ErrReservationNotUsable, wire.CodeOf(err))
}

func TestPriorityOrdering(t *testing.T) {
	f := newFixture(t)
	small := f.submit(t, &wire.JobSubmitRequest{MinNodes: 1})
	wide := f.submit(t, &wire.JobSubmitRequest{MinNodes: 4})

	// Only one can start: the wide job carries the larger size factor.
	started := f.sched.SchedulePass(f.clk.Now())
	assert.Equal(t, 1, started)
	assert.True(t, wide.IsRunning())
	assert.True(t, small.IsPending())
}

func TestWillRun(t *testing.T) {
	f := newFixture(t)
	now := f.clk.Now()

	est, err := f.sched.WillRun(&wire.JobSubmitRequest{MinNodes: 2}, 1000, now)
	require.NoError(t, err)
	assert.Equal(t, now, est, "idle cluster starts immediately")

	f.submit(t, &wire.JobSubmitRequest{MinNodes: 4, TimeLimit: 600})
	require.Equal(t, 1, f.sched.SchedulePass(now))

	est, err = f.sched.WillRun(&wire.JobSubmitRequest{MinNodes: 1}, 1000, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(10*time.Minute), est, "estimate is the earliest running end time")
}

func TestDeferModeSuppressesKicks(t *testing.T) {
	cfg := testConfig()
	cfg.DeferSched = true
	mgr := config.NewManager("", cfg)
	clk := clock.NewManual(time.Unix(1700000000, 0))
	st := store.New(cfg, clk)
	signer, err := cred.NewSigner()
	require.NoError(t, err)
	queue := agent.NewQueue(agent.NewRecorder(), 64, 1)
	t.Cleanup(queue.Stop)

	s := New(st, locks.NewDomain(), mgr, clk, signer, queue, PerNode{},
		plugins.NewMultifactorLite(), plugins.WeightOrder{}, acct.Nop{})

	// In defer mode a completion-event kick leaves the channel empty; only
	// the interval timer schedules.
	s.Kick()
	select {
	case <-s.kickCh:
		t.Fatal("kick delivered despite defer mode")
	default:
	}
}

func TestRequeueReleasesNodes(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, &wire.JobSubmitRequest{MinNodes: 2, Requeue: true, MaxRestarts: 1})
	require.Equal(t, 1, f.sched.SchedulePass(f.clk.Now()))

	require.NoError(t, fsm.FinishJob(job, types.JobNodeFail, f.clk.Now()))
	job.Flags &^= types.JobFlagCompleting // epilogs already accounted in this test

	require.NoError(t, f.sched.Requeue(job, true, f.clk.Now()))
	assert.True(t, job.IsPending())
	assert.Equal(t, uint32(1), job.RestartCount)
	for _, n := range f.store.Nodes() {
		assert.NotContains(t, n.RunningJobs, job.ID)
	}
	require.NoError(t, f.store.CheckIntegrity())
}
