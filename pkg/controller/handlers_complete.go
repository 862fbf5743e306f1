package controller

import (
	"time"

	"github.com/quarryproject/quarry/pkg/fsm"
	"github.com/quarryproject/quarry/pkg/log"
	"github.com/quarryproject/quarry/pkg/telemetry"
	"github.com/quarryproject/quarry/pkg/types"
	"github.com/quarryproject/quarry/pkg/wire"
)

// Completion reconciliation: the asynchronous node-origin events that drive
// a job out of its allocation. Epilog fan-in clears Completing, batch exit
// codes pick requeue vs terminate, prolog fan-in clears Configuring.

func (c *Controller) handleStepComplete(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.StepCompleteRequest)
	job := c.store.FindJob(req.JobID)
	if job == nil {
		return fail(wire.Err(wire.ErrInvalidJobID))
	}
	stp := c.store.FindStep(req.JobID, req.StepID)
	if stp == nil {
		// The step finished earlier (or never existed); a late duplicate
		// range lands here and is acknowledged as a no-op.
		return fail(wire.Err(wire.ErrAlreadyDone))
	}

	done, err := c.steps.CompleteRange(job, stp, req.RangeFirst, req.RangeLast, req.ExitCode)
	if err != nil {
		return fail(err)
	}
	if done {
		log.WithJobID(job.ID).Info().Uint32("step_id", stp.StepID).
			Int32("exit", stp.ExitCode).Msg("step complete")
		c.sched.Kick()
	}
	return ok()
}

// batchTransient are node return codes treated as non-fatal at batch
// completion; they may trigger one requeue instead of failing the job.
func batchTransient(code wire.ReturnCode) bool {
	switch code {
	case wire.ErrAlreadyDone, wire.ErrCredentialRevoked, wire.ErrReservationNotUsable:
		return true
	}
	return false
}

// batchLoggedOnly are node-side failures that indicate a sick request, not
// a sick node: logged, never drained.
func batchLoggedOnly(code wire.ReturnCode) bool {
	switch code {
	case wire.ErrCommError, wire.ErrUserIDMissing, wire.ErrUIDNotFound,
		wire.ErrGIDNotFound, wire.ErrInvalidAcctFreq:
		return true
	}
	return false
}

func (c *Controller) handleCompleteBatchScript(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.CompleteBatchScriptRequest)
	job := c.store.FindJob(req.JobID)
	if job == nil {
		return fail(wire.Err(wire.ErrInvalidJobID))
	}
	if job.IsFinished() {
		return fail(wire.Err(wire.ErrAlreadyDone))
	}
	node := c.store.FindNode(req.NodeName)
	if node == nil {
		return fail(wire.Err(wire.ErrInvalidNodeName))
	}
	now := c.clk.Now()
	logger := log.WithJobID(job.ID)

	if req.AgentRC != wire.Success {
		switch {
		case batchTransient(req.AgentRC):
			logger.Warn().Stringer("rc", req.AgentRC).Msg("transient batch launch failure")
			if job.RestartCount == 0 && c.requeueBatch(job, now) == nil {
				return ok()
			}
		case batchLoggedOnly(req.AgentRC):
			logger.Error().Stringer("rc", req.AgentRC).Str("node", req.NodeName).
				Msg("batch launch failure")
		default:
			fsm.DrainNode(node, "batch job complete failure")
			logger.Error().Stringer("rc", req.AgentRC).Str("node", req.NodeName).
				Msg("batch failure, node drained")
		}
	}

	final := types.JobComplete
	switch {
	case req.AgentRC != wire.Success && batchTransient(req.AgentRC):
		// Requeue was refused above: the launch never happened.
		final = types.JobNodeFail
	case req.ScriptRC != 0 || req.AgentRC != wire.Success:
		final = types.JobFailed
	}

	// A failing script on a requeue-able batch job goes back to pending
	// instead of failing, within the restart budget.
	if final == types.JobFailed && job.Details != nil && job.Details.Requeue &&
		!job.Details.HoldOnExitCode {
		if err := c.requeueBatch(job, now); err == nil {
			return ok()
		}
	}

	if err := fsm.FinishJob(job, final, now); err != nil {
		return fail(err)
	}
	// Epilogs now run on every allocated node; Completing clears as they
	// report in.
	return ok()
}

// requeueBatch tears the allocation down and puts the job back in pending,
// consuming one restart.
func (c *Controller) requeueBatch(job *types.Job, now time.Time) error {
	budget := uint32(0)
	if job.Details != nil {
		budget = job.Details.MaxRestarts
	}
	if job.RestartCount >= budget {
		return wire.Errf(wire.ErrDisabled, "restart budget exhausted")
	}
	if !job.IsFinished() {
		if err := fsm.FinishJob(job, types.JobNodeFail, now); err != nil {
			return err
		}
	}
	job.Flags &^= types.JobFlagCompleting
	job.EpilogWait = 0
	return c.sched.Requeue(job, true, now)
}

func (c *Controller) handleCompleteJobAllocation(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.CompleteJobAllocationRequest)
	job, err := c.resolveOwnedJob(ctx, req.JobID)
	if err != nil {
		return fail(err)
	}
	if job.IsFinished() {
		return fail(wire.Err(wire.ErrAlreadyDone))
	}
	if job.IsPending() {
		return fail(wire.Err(wire.ErrJobPending))
	}

	final := types.JobComplete
	if req.ExitCode != 0 {
		final = types.JobFailed
	}
	if err := fsm.FinishJob(job, final, c.clk.Now()); err != nil {
		return fail(err)
	}
	c.queue.EnqueueAll(c.store.NamesFor(job.NodeBitmap), wire.MsgTerminateJob,
		&wire.TerminateJobRequest{JobID: job.ID})
	return ok()
}

func (c *Controller) handleCompleteProlog(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.CompletePrologRequest)
	job := c.store.FindJob(req.JobID)
	if job == nil {
		return fail(wire.Err(wire.ErrInvalidJobID))
	}
	node := c.store.FindNode(req.NodeName)
	if node == nil {
		return fail(wire.Err(wire.ErrInvalidNodeName))
	}

	if req.RC != 0 {
		// A failing prolog poisons the node, not the job: drain it and move
		// the job elsewhere.
		fsm.DrainNode(node, "prolog error")
		log.WithJobID(job.ID).Error().Str("node", req.NodeName).Int32("rc", req.RC).
			Msg("prolog failed, node drained")
		if job.IsRunning() {
			if err := fsm.FinishJob(job, types.JobNodeFail, c.clk.Now()); err != nil {
				return fail(err)
			}
			c.finishBypassEpilog(job, job.Details != nil && job.Details.Requeue)
		}
		return ok()
	}

	if fsm.PrologDone(job) {
		// All prologs reported: queued steps become eligible, and a batch
		// job's script launches on its batch host.
		log.WithJobID(job.ID).Debug().Msg("configuring complete")
		if job.BatchHost != "" && job.Details != nil && job.Details.Script != "" {
			signed, err := c.steps.BatchCredential(job)
			if err != nil {
				log.WithJobID(job.ID).Error().Err(err).Msg("batch credential mint failed")
			}
			c.queue.Enqueue(job.BatchHost, wire.MsgLaunchBatchJob, &wire.LaunchBatchJobRequest{
				JobID:      job.ID,
				UserID:     job.UserID,
				Script:     job.Details.Script,
				WorkDir:    job.Details.WorkDir,
				SpankEnv:   job.SpankEnv,
				Credential: signed,
			})
		}
	}
	return ok()
}

func (c *Controller) handleEpilogComplete(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.EpilogCompleteRequest)
	job := c.store.FindJob(req.JobID)
	if job == nil {
		return fail(wire.Err(wire.ErrInvalidJobID))
	}
	node := c.store.FindNode(req.NodeName)
	if node == nil {
		return fail(wire.Err(wire.ErrInvalidNodeName))
	}
	if _, hosts := node.RunningJobs[job.ID]; !hosts {
		// Duplicate epilog for an already-released node.
		return fail(wire.Err(wire.ErrAlreadyDone))
	}

	now := c.clk.Now()
	if req.RC != 0 {
		job.EpilogFailed = true
		reason := "epilog error"
		if job.Details != nil && job.Details.Script != "" {
			reason = "batch job complete failure"
		}
		fsm.DrainNode(node, reason)
		log.WithJobID(job.ID).Error().Str("node", req.NodeName).Int32("rc", req.RC).
			Msg("epilog failed, node drained")
	}

	fsm.ReleaseNode(node, job.ID)

	if fsm.EpilogDone(job) {
		c.jobFullyCleaned(job, now)
	}
	return ok()
}

// jobFullyCleaned runs once the last epilog clears Completing: decide
// requeue vs terminal, account the end, and wake the scheduler.
func (c *Controller) jobFullyCleaned(job *types.Job, now time.Time) {
	requeued := false
	if job.EpilogFailed || job.Flags&types.JobFlagRequeue != 0 ||
		job.State == types.JobNodeFail {
		if job.Flags&types.JobFlagRequeue != 0 {
			// Admin-initiated requeue queued while the job was completing.
			if err := c.sched.Requeue(job, false, now); err == nil {
				requeued = true
			}
		} else if job.Details != nil && job.Details.Requeue {
			if err := c.sched.Requeue(job, true, now); err == nil {
				requeued = true
			}
		}
	}

	if requeued {
		job.EpilogFailed = false
		log.WithJobID(job.ID).Info().Uint32("restarts", job.RestartCount).Msg("job requeued")
		return
	}

	job.EpilogFailed = false
	c.jobsCompleted.Add(1)
	telemetry.JobsCompleted.Inc()
	c.sink.JobEnd(job)
	log.WithJobID(job.ID).Info().Stringer("state", job.State).Msg("job cleanup complete")
	c.sched.Kick()
}
