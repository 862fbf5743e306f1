package fsm

import (
	"fmt"
	"time"

	"github.com/quarryproject/quarry/pkg/types"
)

// Job base-state transitions are checked against the table below. A few
// writes happen outside this package: the controller sets the Requeue flag
// and clears Completing on forced requeue and epilog bypass, clears
// NoRespond on a node ping, and moves a Down node to Unknown on admin
// resume; the store writes State and Flags when it builds nodes and restores
// saved state.

// jobTransitions is the allowed base-state graph. Terminal states may only
// move back to Pending, and only through Requeue.
var jobTransitions = map[types.JobState][]types.JobState{
	types.JobPending: {
		types.JobRunning, types.JobCancelled, types.JobFailed, types.JobTimeout,
	},
	types.JobRunning: {
		types.JobSuspended, types.JobComplete, types.JobCancelled,
		types.JobFailed, types.JobTimeout, types.JobNodeFail,
	},
	types.JobSuspended: {
		types.JobRunning, types.JobCancelled, types.JobFailed, types.JobTimeout,
	},
	types.JobComplete:  {types.JobPending},
	types.JobCancelled: {types.JobPending},
	types.JobFailed:    {types.JobPending},
	types.JobTimeout:   {types.JobPending},
	types.JobNodeFail:  {types.JobPending},
}

// JobTransition moves a job to a new base state, rejecting anything outside
// the table. A terminal → Pending move must come through Requeue, which
// passes allowRequeue.
func JobTransition(j *types.Job, to types.JobState) error {
	return jobTransition(j, to, false)
}

func jobTransition(j *types.Job, to types.JobState, allowRequeue bool) error {
	if j.State == to {
		return nil
	}
	if to == types.JobPending && j.IsFinished() && !allowRequeue {
		return fmt.Errorf("job %d: %s -> PENDING only via requeue", j.ID, j.State)
	}
	for _, ok := range jobTransitions[j.State] {
		if ok == to {
			j.State = to
			return nil
		}
	}
	return fmt.Errorf("job %d: illegal transition %s -> %s", j.ID, j.State, to)
}

// StartJob marks an allocated job running with Configuring set until every
// node's prolog reports.
func StartJob(j *types.Job, now time.Time) error {
	if err := JobTransition(j, types.JobRunning); err != nil {
		return err
	}
	j.Flags |= types.JobFlagConfiguring
	j.PrologDone = 0
	j.StartTime = now
	j.LastActive = now
	j.Reason = types.ReasonNone
	return nil
}

// PrologDone records one node's prolog completion; Configuring clears when
// the last node reports. Returns true when the job became fully configured.
func PrologDone(j *types.Job) bool {
	if !j.IsConfiguring() {
		return false
	}
	j.PrologDone++
	if j.PrologDone >= j.NodeCount {
		j.Flags &^= types.JobFlagConfiguring
		return true
	}
	return false
}

// FinishJob moves a running or suspended job to a terminal state and starts
// the Completing window. EpilogWait arms the per-node epilog fan-in.
func FinishJob(j *types.Job, to types.JobState, now time.Time) error {
	if err := JobTransition(j, to); err != nil {
		return err
	}
	j.Flags |= types.JobFlagCompleting
	j.Flags &^= types.JobFlagConfiguring
	j.EndTime = now
	j.LastActive = now
	if j.NodeBitmap != nil {
		j.EpilogWait = uint32(j.NodeBitmap.Count())
	}
	return nil
}

// EpilogDone records one node's epilog completion. Returns true when the
// last epilog cleared Completing.
func EpilogDone(j *types.Job) bool {
	if !j.IsCompleting() {
		return false
	}
	if j.EpilogWait > 0 {
		j.EpilogWait--
	}
	if j.EpilogWait == 0 {
		j.Flags &^= types.JobFlagCompleting
		return true
	}
	return false
}

// Requeue resets a terminal job to Pending, clearing modifiers and its
// allocation. consumeBudget is false for admin-initiated requeues.
func Requeue(j *types.Job, consumeBudget bool, now time.Time) error {
	if j.IsCompleting() {
		return fmt.Errorf("job %d: cannot requeue while completing", j.ID)
	}
	if !j.IsFinished() {
		return fmt.Errorf("job %d: cannot requeue in state %s", j.ID, j.State)
	}
	if consumeBudget {
		budget := uint32(0)
		if j.Details != nil {
			budget = j.Details.MaxRestarts
		}
		if j.RestartCount >= budget {
			return fmt.Errorf("job %d: restart budget exhausted (%d)", j.ID, j.RestartCount)
		}
		j.RestartCount++
	}
	if err := jobTransition(j, types.JobPending, true); err != nil {
		return err
	}
	j.Flags = 0
	j.Reason = types.ReasonNone
	j.NodeBitmap = nil
	j.Resources = nil
	j.BatchHost = ""
	j.StartTime = time.Time{}
	j.EndTime = time.Time{}
	j.LastActive = now
	j.PrologDone = 0
	j.EpilogWait = 0
	return nil
}

// Suspend and Resume are driven exclusively by the suspend/resume RPC.

func Suspend(j *types.Job, now time.Time) error {
	if err := JobTransition(j, types.JobSuspended); err != nil {
		return err
	}
	j.LastActive = now
	return nil
}

func Resume(j *types.Job, now time.Time) error {
	if j.State != types.JobSuspended {
		return fmt.Errorf("job %d: resume in state %s", j.ID, j.State)
	}
	if err := JobTransition(j, types.JobRunning); err != nil {
		return err
	}
	j.LastActive = now
	return nil
}
