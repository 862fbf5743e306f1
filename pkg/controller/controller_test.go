package controller

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryproject/quarry/pkg/acct"
	"github.com/quarryproject/quarry/pkg/agent"
	"github.com/quarryproject/quarry/pkg/auth"
	"github.com/quarryproject/quarry/pkg/clock"
	"github.com/quarryproject/quarry/pkg/config"
	"github.com/quarryproject/quarry/pkg/cred"
	"github.com/quarryproject/quarry/pkg/types"
	"github.com/quarryproject/quarry/pkg/wire"
)

const (
	agentUID    = 1500
	operatorUID = 2500
	userUID     = 1000
	otherUID    = 2000
)

type fixture struct {
	t        *testing.T
	c        *Controller
	verifier *auth.HMACVerifier
	recorder *agent.Recorder
	clk      *clock.Manual
	cfgPath  string
}

const testConfigYAML = `
cluster_name: test
control_addr: "127.0.0.1:0"
agent_user: 1500
operators: [2500]
auth_key: "test-secret"
min_job_age: 300s
fast_schedule: true
state_save_dir: %q
acct_db_path: ""
node_table:
  - name: n1
    addr: "127.0.0.1:16818"
    cpus: 8
    real_memory: 34359738368
    weight: 1
  - name: n2
    addr: "127.0.0.1:16819"
    cpus: 8
    real_memory: 34359738368
    weight: 1
  - name: n3
    addr: "127.0.0.1:16820"
    cpus: 8
    real_memory: 34359738368
    weight: 2
  - name: n4
    addr: "127.0.0.1:16821"
    cpus: 8
    real_memory: 34359738368
    weight: 2
partition_table:
  - name: batch
    nodes: [n1, n2, n3, n4]
    max_time: 24h
    default_time: 1h
    default: true
`

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "quarry.yaml")
	content := fmt.Sprintf(testConfigYAML, filepath.Join(dir, "state"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))
	return newFixtureAt(t, cfgPath)
}

func newFixtureAt(t *testing.T, cfgPath string) *fixture {
	t.Helper()
	snap, err := config.Load(cfgPath)
	require.NoError(t, err)
	mgr := config.NewManager(cfgPath, snap)

	verifier := auth.NewHMACVerifier(snap.AuthKey)
	recorder := agent.NewRecorder()
	clk := clock.NewManual(time.Unix(1700000000, 0))
	signer, err := cred.NewSigner()
	require.NoError(t, err)

	c, err := New(mgr, Options{
		Clock:     clk,
		Transport: recorder,
		Sink:      acct.Nop{},
		Signer:    signer,
		Verifier:  verifier,
	})
	require.NoError(t, err)
	t.Cleanup(c.queue.Stop)

	return &fixture{t: t, c: c, verifier: verifier, recorder: recorder, clk: clk, cfgPath: cfgPath}
}

// call signs and dispatches one request as the given uid.
func (f *fixture) call(uid uint32, t wire.MsgType, body any) *wire.Msg {
	f.t.Helper()
	msg := wire.NewMsg(t, body)
	credBytes, err := f.verifier.Sign(uid, uid)
	require.NoError(f.t, err)
	msg.Header.AuthCred = credBytes
	return f.c.Dispatch(msg)
}

func rcOf(t *testing.T, msg *wire.Msg) wire.ReturnCode {
	t.Helper()
	rc, ok := msg.Body.(*wire.RCResponse)
	require.True(t, ok, "expected RC response, got %s", msg.Header.Type)
	return rc.Code
}

func (f *fixture) registerNodes(names ...string) {
	f.t.Helper()
	for _, name := range names {
		resp := f.call(agentUID, wire.MsgNodeRegistration, &wire.NodeRegistrationRequest{
			NodeName:   name,
			CPUs:       8,
			RealMemory: 34359738368,
		})
		require.Equal(f.t, wire.Success, rcOf(f.t, resp))
	}
}

func (f *fixture) allNodes() []string {
	return []string{"n1", "n2", "n3", "n4"}
}

// waitSent blocks until the recorder has delivered at least n messages of a
// type; the agent queue is asynchronous.
func (f *fixture) waitSent(t wire.MsgType, n int) {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		return f.recorder.CountType(t) >= n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d %s messages", n, t)
}

// --- S1: submit → run → complete ---

func TestScenarioSubmitRunComplete(t *testing.T) {
	f := newFixture(t)
	f.registerNodes(f.allNodes()...)

	resp := f.call(userUID, wire.MsgSubmitBatchJob, &wire.JobSubmitRequest{
		Name:      "s1",
		MinNodes:  2,
		TimeLimit: 600,
		Partition: "batch",
		Script:    "#!/bin/sh\ntrue\n",
	})
	sub, ok := resp.Body.(*wire.SubmitBatchJobResponse)
	require.True(t, ok)
	jobID := sub.JobID
	require.NotZero(t, jobID)

	job := f.c.Store().FindJob(jobID)
	require.NotNil(t, job)
	assert.True(t, job.IsRunning())
	assert.True(t, job.IsConfiguring())
	assert.Equal(t, uint32(2), job.NodeCount)

	// Prolog launch fans out to both selected nodes.
	f.waitSent(wire.MsgLaunchProlog, 2)
	nodes := f.c.Store().NamesFor(job.NodeBitmap)
	assert.Equal(t, []string{"n1", "n2"}, nodes)

	// Both prologs complete: Configuring clears and the batch script
	// launches on the batch host.
	for _, name := range nodes {
		rc := rcOf(t, f.call(agentUID, wire.MsgCompleteProlog, &wire.CompletePrologRequest{
			JobID: jobID, NodeName: name,
		}))
		require.Equal(t, wire.Success, rc)
	}
	assert.False(t, job.IsConfiguring())
	f.waitSent(wire.MsgLaunchBatchJob, 1)
	batch := f.recorder.SentTo("n1", wire.MsgLaunchBatchJob)
	require.Len(t, batch, 1)

	// Batch script exits zero: job completes with Completing set.
	rc := rcOf(t, f.call(agentUID, wire.MsgCompleteBatchScript, &wire.CompleteBatchScriptRequest{
		JobID: jobID, NodeName: "n1",
	}))
	require.Equal(t, wire.Success, rc)
	assert.Equal(t, types.JobComplete, job.State)
	assert.True(t, job.IsCompleting())

	// Epilogs complete on both nodes: Completing clears, nodes return to
	// idle.
	for _, name := range nodes {
		rc := rcOf(t, f.call(agentUID, wire.MsgEpilogComplete, &wire.EpilogCompleteRequest{
			JobID: jobID, NodeName: name,
		}))
		require.Equal(t, wire.Success, rc)
	}
	assert.False(t, job.IsCompleting())
	assert.True(t, job.IsCompleted())
	for _, name := range nodes {
		assert.Equal(t, types.NodeIdle, f.c.Store().FindNode(name).State)
	}
	require.NoError(t, f.c.Store().CheckIntegrity())
}

// --- S2: requeue on batch host epilog failure ---

func TestScenarioRequeueOnEpilogFailure(t *testing.T) {
	f := newFixture(t)
	f.registerNodes(f.allNodes()...)

	resp := f.call(userUID, wire.MsgSubmitBatchJob, &wire.JobSubmitRequest{
		MinNodes:    2,
		Script:      "#!/bin/sh\ntrue\n",
		Requeue:     true,
		MaxRestarts: 1,
	})
	jobID := resp.Body.(*wire.SubmitBatchJobResponse).JobID
	job := f.c.Store().FindJob(jobID)
	require.True(t, job.IsRunning())
	nodes := f.c.Store().NamesFor(job.NodeBitmap)
	require.Equal(t, []string{"n1", "n2"}, nodes)

	for _, name := range nodes {
		rcOf(t, f.call(agentUID, wire.MsgCompleteProlog, &wire.CompletePrologRequest{
			JobID: jobID, NodeName: name,
		}))
	}
	rcOf(t, f.call(agentUID, wire.MsgCompleteBatchScript, &wire.CompleteBatchScriptRequest{
		JobID: jobID, NodeName: "n1",
	}))
	require.True(t, job.IsCompleting())

	// Batch host epilog fails; the peer's epilog is clean.
	rc := rcOf(t, f.call(agentUID, wire.MsgEpilogComplete, &wire.EpilogCompleteRequest{
		JobID: jobID, NodeName: "n1", RC: 5,
	}))
	require.Equal(t, wire.Success, rc)
	rc = rcOf(t, f.call(agentUID, wire.MsgEpilogComplete, &wire.EpilogCompleteRequest{
		JobID: jobID, NodeName: "n2",
	}))
	require.Equal(t, wire.Success, rc)

	assert.True(t, job.IsPending(), "job requeued after failed epilog")
	assert.Equal(t, uint32(1), job.RestartCount)
	assert.False(t, job.IsCompleting())

	n1 := f.c.Store().FindNode("n1")
	assert.NotZero(t, n1.Flags&types.NodeFlagDrain)
	assert.Equal(t, "batch job complete failure", n1.Reason)
	require.NoError(t, f.c.Store().CheckIntegrity())
}

// --- S3: duplicate step-complete ---

func TestScenarioDuplicateStepComplete(t *testing.T) {
	f := newFixture(t)
	f.registerNodes(f.allNodes()...)

	resp := f.call(userUID, wire.MsgSubmitBatchJob, &wire.JobSubmitRequest{
		MinNodes: 4,
		Script:   "#!/bin/sh\ntrue\n",
	})
	jobID := resp.Body.(*wire.SubmitBatchJobResponse).JobID
	job := f.c.Store().FindJob(jobID)
	for _, name := range f.allNodes() {
		rcOf(t, f.call(agentUID, wire.MsgCompleteProlog, &wire.CompletePrologRequest{
			JobID: jobID, NodeName: name,
		}))
	}

	stepResp := f.call(userUID, wire.MsgStepCreate, &wire.StepCreateRequest{
		JobID:     jobID,
		TaskCount: 4,
	})
	sc, ok := stepResp.Body.(*wire.StepCreateResponse)
	require.True(t, ok, "step create failed: %v", stepResp.Body)

	complete := func(first, last uint32) wire.ReturnCode {
		return rcOf(t, f.call(agentUID, wire.MsgStepComplete, &wire.StepCompleteRequest{
			JobID: jobID, StepID: sc.StepID, RangeFirst: first, RangeLast: last,
		}))
	}

	require.Equal(t, wire.Success, complete(0, 1))
	require.Equal(t, wire.Success, complete(2, 3))
	assert.Nil(t, f.c.Store().FindStep(jobID, sc.StepID), "step finalized once")

	// Third delivery of the first range: explicit no-op.
	assert.Equal(t, wire.ErrAlreadyDone, complete(0, 1))
	assert.True(t, job.IsRunning(), "duplicate completion does not disturb the job")
}

// --- S4: immediate allocate with no capacity ---

func TestScenarioImmediateAllocateNoCapacity(t *testing.T) {
	f := newFixture(t)
	f.registerNodes(f.allNodes()...)

	// Fill the cluster.
	resp := f.call(userUID, wire.MsgSubmitBatchJob, &wire.JobSubmitRequest{
		MinNodes: 4,
		Script:   "#!/bin/sh\ntrue\n",
	})
	require.NotZero(t, resp.Body.(*wire.SubmitBatchJobResponse).JobID)

	before := len(f.c.Store().JobIDs())
	resp = f.call(userUID, wire.MsgResourceAllocation, &wire.JobSubmitRequest{
		MinNodes:  1,
		Immediate: true,
	})
	assert.Equal(t, wire.ErrCanNotStartImmediately, rcOf(t, resp))
	assert.Len(t, f.c.Store().JobIDs(), before, "no job record kept")
}

// --- S5: cancel propagation ---

func TestScenarioCancelPropagation(t *testing.T) {
	f := newFixture(t)
	f.registerNodes(f.allNodes()...)

	resp := f.call(userUID, wire.MsgSubmitBatchJob, &wire.JobSubmitRequest{
		MinNodes: 2,
		Script:   "#!/bin/sh\nsleep 60\n",
	})
	jobID := resp.Body.(*wire.SubmitBatchJobResponse).JobID
	job := f.c.Store().FindJob(jobID)
	require.True(t, job.IsRunning())

	rc := rcOf(t, f.call(userUID, wire.MsgJobStepKill, &wire.JobStepKillRequest{
		JobID:  jobID,
		StepID: wire.BatchScriptStep,
		Signal: int32(syscall.SIGKILL),
	}))
	require.Equal(t, wire.Success, rc)

	assert.Equal(t, types.JobCancelled, job.State)
	assert.True(t, job.IsCompleting())

	// Kill messages queued for every node in the bitmap.
	f.waitSent(wire.MsgTerminateJob, 2)

	status := f.call(userUID, wire.MsgDaemonStatus, nil)
	ds := status.Body.(*wire.DaemonStatusResponse)
	assert.Equal(t, uint64(1), ds.JobsCanceled)
}

// --- S6: reconfigure under load ---

func TestScenarioReconfigureUnderLoad(t *testing.T) {
	f := newFixture(t)
	f.registerNodes(f.allNodes()...)

	const submits = 20
	var wg sync.WaitGroup
	codes := make([]wire.ReturnCode, submits)
	for i := 0; i < submits; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := f.call(userUID, wire.MsgSubmitBatchJob, &wire.JobSubmitRequest{
				Name:     fmt.Sprintf("load-%d", i),
				MinNodes: 1,
				Script:   "#!/bin/sh\ntrue\n",
			})
			if body, ok := resp.Body.(*wire.SubmitBatchJobResponse); ok && body.JobID != 0 {
				codes[i] = wire.Success
			} else {
				codes[i] = rcOf(t, resp)
			}
		}(i)
	}

	reconfDone := make(chan wire.ReturnCode, 1)
	go func() {
		reconfDone <- rcOf(t, f.call(0, wire.MsgReconfigure, nil))
	}()

	wg.Wait()
	assert.Equal(t, wire.Success, <-reconfDone, "reconfigure succeeds")

	// Every submit was accepted; none were lost across the reconfigure.
	accepted := 0
	for _, code := range codes {
		if code == wire.Success {
			accepted++
		}
	}
	assert.Equal(t, submits, accepted)
	assert.Len(t, f.c.Store().JobIDs(), submits)
	require.NoError(t, f.c.Store().CheckIntegrity())
}

// --- dispatcher policy ---

func TestNodeOriginRequiresAgentIdentity(t *testing.T) {
	f := newFixture(t)
	f.registerNodes("n1")

	rc := rcOf(t, f.call(userUID, wire.MsgEpilogComplete, &wire.EpilogCompleteRequest{
		JobID: 1, NodeName: "n1",
	}))
	assert.Equal(t, wire.ErrAccessDenied, rc)
}

func TestAdminRequiresSuperUser(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, wire.ErrAccessDenied, rcOf(t, f.call(userUID, wire.MsgRebootNodes,
		&wire.RebootNodesRequest{NodeNames: []string{"n1"}})))
	assert.Equal(t, wire.ErrAccessDenied, rcOf(t, f.call(operatorUID, wire.MsgReconfigure, nil)))
	assert.Equal(t, wire.ErrAccessDenied, rcOf(t, f.call(userUID, wire.MsgStatsReset, nil)))
}

func TestBadCredentialRejected(t *testing.T) {
	f := newFixture(t)
	msg := wire.NewMsg(wire.MsgPing, nil)
	msg.Header.AuthCred = []byte("garbage")
	rc := rcOf(t, f.c.Dispatch(msg))
	assert.Equal(t, wire.ErrUserIDMissing, rc)
}

func TestCancelRequiresOwnershipOrOperator(t *testing.T) {
	f := newFixture(t)
	f.registerNodes(f.allNodes()...)

	resp := f.call(userUID, wire.MsgSubmitBatchJob, &wire.JobSubmitRequest{
		MinNodes: 1, Script: "#!/bin/sh\ntrue\n",
	})
	jobID := resp.Body.(*wire.SubmitBatchJobResponse).JobID

	assert.Equal(t, wire.ErrAccessDenied, rcOf(t, f.call(otherUID, wire.MsgCancelJob,
		&wire.CancelJobRequest{JobID: jobID})))
	assert.Equal(t, wire.Success, rcOf(t, f.call(operatorUID, wire.MsgCancelJob,
		&wire.CancelJobRequest{JobID: jobID})))
}

func TestPrivacyMaskOnJobInfo(t *testing.T) {
	f := newFixture(t)
	f.registerNodes(f.allNodes()...)

	f.call(userUID, wire.MsgSubmitBatchJob, &wire.JobSubmitRequest{
		MinNodes: 1, Script: "#!/bin/sh\ntrue\n",
	})
	f.call(otherUID, wire.MsgSubmitBatchJob, &wire.JobSubmitRequest{
		MinNodes: 1, Script: "#!/bin/sh\ntrue\n",
	})

	snap := *f.c.cfg.Current()
	snap.PrivateData = config.PrivateJobs
	f.c.cfg.Swap(&snap)

	resp := f.call(userUID, wire.MsgJobInfo, &wire.JobInfoRequest{})
	info := resp.Body.(*wire.JobInfoResponse)
	require.Len(t, info.Jobs, 1, "non-operator sees only own jobs")
	assert.Equal(t, uint32(userUID), info.Jobs[0].UserID)

	resp = f.call(operatorUID, wire.MsgJobInfo, &wire.JobInfoRequest{})
	assert.Len(t, resp.Body.(*wire.JobInfoResponse).Jobs, 2)
}

// --- node registration & health ---

func TestRegistrationRecoversDownNode(t *testing.T) {
	f := newFixture(t)
	node := f.c.Store().FindNode("n1")
	require.Equal(t, types.NodeUnknown, node.State)

	f.registerNodes("n1")
	assert.Equal(t, types.NodeIdle, node.State)

	rc := rcOf(t, f.call(agentUID, wire.MsgNodeRegistration, &wire.NodeRegistrationRequest{
		NodeName: "nope",
	}))
	assert.Equal(t, wire.ErrInvalidNodeName, rc)
}

func TestRegistrationLostJobFails(t *testing.T) {
	f := newFixture(t)
	f.registerNodes(f.allNodes()...)

	resp := f.call(userUID, wire.MsgSubmitBatchJob, &wire.JobSubmitRequest{
		MinNodes: 1, Script: "#!/bin/sh\ntrue\n", Requeue: true, MaxRestarts: 1,
	})
	jobID := resp.Body.(*wire.SubmitBatchJobResponse).JobID
	job := f.c.Store().FindJob(jobID)
	rcOf(t, f.call(agentUID, wire.MsgCompleteProlog, &wire.CompletePrologRequest{
		JobID: jobID, NodeName: "n1",
	}))
	require.True(t, job.IsRunning())
	require.False(t, job.IsConfiguring())

	// n1 re-registers without the job: the controller fails and requeues it.
	rcOf(t, f.call(agentUID, wire.MsgNodeRegistration, &wire.NodeRegistrationRequest{
		NodeName: "n1", CPUs: 8, RealMemory: 34359738368,
	}))
	assert.True(t, job.IsPending(), "lost job requeued")
	assert.Equal(t, uint32(1), job.RestartCount)
}

func TestRegistrationOrphanJobAborted(t *testing.T) {
	f := newFixture(t)
	f.registerNodes(f.allNodes()...)

	rcOf(t, f.call(agentUID, wire.MsgNodeRegistration, &wire.NodeRegistrationRequest{
		NodeName: "n2", CPUs: 8, RealMemory: 34359738368,
		JobIDs: []uint32{424242},
	}))
	f.waitSent(wire.MsgTerminateJob, 1)
	aborts := f.recorder.SentTo("n2", wire.MsgTerminateJob)
	require.Len(t, aborts, 1)
	assert.Equal(t, uint32(424242), aborts[0].Body.(*wire.TerminateJobRequest).JobID)
}

func TestRebootNodesSetsMaint(t *testing.T) {
	f := newFixture(t)
	f.registerNodes(f.allNodes()...)

	rc := rcOf(t, f.call(0, wire.MsgRebootNodes, &wire.RebootNodesRequest{
		NodeNames: []string{"n1", "n2"},
	}))
	require.Equal(t, wire.Success, rc)

	for _, name := range []string{"n1", "n2"} {
		node := f.c.Store().FindNode(name)
		assert.NotZero(t, node.Flags&types.NodeFlagMaint)
		assert.False(t, node.IsAvailable())
	}
	f.waitSent(wire.MsgRebootNode, 2)
}

func TestUpdateNodeDrainAndResume(t *testing.T) {
	f := newFixture(t)
	f.registerNodes(f.allNodes()...)
	node := f.c.Store().FindNode("n3")

	assert.Equal(t, wire.ErrUnexpected, rcOf(t, f.call(0, wire.MsgUpdateNode,
		&wire.UpdateNodeRequest{NodeNames: []string{"n3"}, State: "drain"})),
		"drain without a reason is refused")

	require.Equal(t, wire.Success, rcOf(t, f.call(0, wire.MsgUpdateNode,
		&wire.UpdateNodeRequest{NodeNames: []string{"n3"}, State: "drain", Reason: "disk"})))
	assert.True(t, node.IsDrained())

	require.Equal(t, wire.Success, rcOf(t, f.call(0, wire.MsgUpdateNode,
		&wire.UpdateNodeRequest{NodeNames: []string{"n3"}, State: "resume"})))
	assert.True(t, node.IsAvailable())
}

// --- suspend/resume ---

func TestSuspendResume(t *testing.T) {
	f := newFixture(t)
	f.registerNodes(f.allNodes()...)

	resp := f.call(userUID, wire.MsgSubmitBatchJob, &wire.JobSubmitRequest{
		MinNodes: 1, Script: "#!/bin/sh\ntrue\n",
	})
	jobID := resp.Body.(*wire.SubmitBatchJobResponse).JobID
	job := f.c.Store().FindJob(jobID)

	require.Equal(t, wire.Success, rcOf(t, f.call(userUID, wire.MsgSuspend,
		&wire.SuspendRequest{JobID: jobID, Op: wire.SuspendOpSuspend})))
	assert.True(t, job.IsSuspended())

	// Steps cannot be created against a suspended job.
	stepResp := f.call(userUID, wire.MsgStepCreate, &wire.StepCreateRequest{
		JobID: jobID, TaskCount: 1,
	})
	assert.Equal(t, wire.ErrDisabled, rcOf(t, stepResp))

	require.Equal(t, wire.Success, rcOf(t, f.call(userUID, wire.MsgSuspend,
		&wire.SuspendRequest{JobID: jobID, Op: wire.SuspendOpResume})))
	assert.True(t, job.IsRunning())
}

// --- state save/restore ---

func TestStateSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	f.registerNodes(f.allNodes()...)

	resp := f.call(userUID, wire.MsgSubmitBatchJob, &wire.JobSubmitRequest{
		Name: "persist", MinNodes: 1, Script: "#!/bin/sh\ntrue\n",
	})
	jobID := resp.Body.(*wire.SubmitBatchJobResponse).JobID
	f.call(0, wire.MsgUpdateNode, &wire.UpdateNodeRequest{
		NodeNames: []string{"n4"}, State: "drain", Reason: "flaky",
	})
	f.c.saveState()

	f2 := newFixtureAt(t, f.cfgPath)
	restored := f2.c.Store().FindJob(jobID)
	require.NotNil(t, restored)
	assert.Equal(t, "persist", restored.Name)
	assert.True(t, f2.c.Store().FindNode("n4").IsDrained())

	// The id counter continues past restored records.
	resp = f2.call(userUID, wire.MsgSubmitBatchJob, &wire.JobSubmitRequest{
		MinNodes: 1, Script: "#!/bin/sh\ntrue\n",
	})
	assert.Greater(t, resp.Body.(*wire.SubmitBatchJobResponse).JobID, jobID)
}

// --- array jobs ---

func TestArraySubmit(t *testing.T) {
	f := newFixture(t)
	f.registerNodes(f.allNodes()...)

	resp := f.call(userUID, wire.MsgSubmitBatchJob, &wire.JobSubmitRequest{
		Name: "arr", MinNodes: 1, Script: "#!/bin/sh\ntrue\n", ArraySpec: "0-3",
	})
	sub := resp.Body.(*wire.SubmitBatchJobResponse)
	require.Len(t, sub.ArrayJobIDs, 4)

	for i, id := range sub.ArrayJobIDs {
		job := f.c.Store().FindJob(id)
		require.NotNil(t, job)
		assert.Equal(t, sub.JobID, job.ArrayJobID)
		assert.Equal(t, uint32(i), job.ArrayTaskID)
	}
}

// --- admin surface ---

func TestShutdownRPC(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, wire.Success, rcOf(t, f.call(0, wire.MsgShutdown, &wire.ShutdownRequest{})))
	select {
	case <-f.c.shutdownCh:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown not signalled")
	}
}

func TestStatsRPC(t *testing.T) {
	f := newFixture(t)
	f.call(userUID, wire.MsgPing, nil)
	f.call(userUID, wire.MsgPing, nil)

	resp := f.call(userUID, wire.MsgStatsInfo, nil)
	stats := resp.Body.(*wire.StatsInfoResponse)
	var pings uint64
	for _, e := range stats.ByType {
		if e.ID == uint32(wire.MsgPing) {
			pings = e.Count
		}
	}
	assert.Equal(t, uint64(2), pings)

	require.Equal(t, wire.Success, rcOf(t, f.call(0, wire.MsgStatsReset, nil)))
	resp = f.call(userUID, wire.MsgStatsInfo, nil)
	// Only the reset and this stats call itself may remain.
	for _, e := range resp.Body.(*wire.StatsInfoResponse).ByType {
		assert.NotEqual(t, uint32(wire.MsgPing), e.ID)
	}
}

func TestWillRunRPC(t *testing.T) {
	f := newFixture(t)
	f.registerNodes(f.allNodes()...)

	resp := f.call(userUID, wire.MsgJobWillRun, &wire.JobSubmitRequest{MinNodes: 2})
	est := resp.Body.(*wire.JobWillRunResponse)
	assert.Equal(t, f.clk.Now().Unix(), est.StartTime)
}

func TestJobReadyRPC(t *testing.T) {
	f := newFixture(t)
	f.registerNodes(f.allNodes()...)

	resp := f.call(userUID, wire.MsgSubmitBatchJob, &wire.JobSubmitRequest{
		MinNodes: 2, Script: "#!/bin/sh\ntrue\n",
	})
	jobID := resp.Body.(*wire.SubmitBatchJobResponse).JobID

	ready := f.call(userUID, wire.MsgJobReady, &wire.JobReadyRequest{JobID: jobID})
	jr := ready.Body.(*wire.JobReadyResponse)
	assert.False(t, jr.Ready)

	for _, name := range []string{"n1", "n2"} {
		rcOf(t, f.call(agentUID, wire.MsgCompleteProlog, &wire.CompletePrologRequest{
			JobID: jobID, NodeName: name,
		}))
	}
	ready = f.call(userUID, wire.MsgJobReady, &wire.JobReadyRequest{JobID: jobID})
	assert.True(t, ready.Body.(*wire.JobReadyResponse).Ready)
}

func TestReservationRPCs(t *testing.T) {
	f := newFixture(t)
	f.registerNodes(f.allNodes()...)
	now := f.clk.Now()

	resp := f.call(0, wire.MsgCreateReservation, &wire.ReservationDesc{
		Name:      "win",
		Nodes:     []string{"n1", "n2"},
		StartTime: now.Unix(),
		EndTime:   now.Add(time.Hour).Unix(),
		Users:     []uint32{userUID},
	})
	created, ok := resp.Body.(*wire.CreateReservationResponse)
	require.True(t, ok)
	assert.Equal(t, "win", created.Name)

	info := f.call(userUID, wire.MsgReservationInfo, &wire.ReservationInfoRequest{})
	assert.Len(t, info.Body.(*wire.ReservationInfoResponse).Reservations, 1)

	require.Equal(t, wire.Success, rcOf(t, f.call(0, wire.MsgDeleteReservation,
		&wire.DeleteReservationRequest{Name: "win"})))
	assert.Nil(t, f.c.Store().FindReservation("win"))
}
