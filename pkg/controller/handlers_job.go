package controller

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"github.com/quarryproject/quarry/pkg/auth"
	"github.com/quarryproject/quarry/pkg/fsm"
	"github.com/quarryproject/quarry/pkg/log"
	"github.com/quarryproject/quarry/pkg/sched"
	"github.com/quarryproject/quarry/pkg/telemetry"
	"github.com/quarryproject/quarry/pkg/types"
	"github.com/quarryproject/quarry/pkg/wire"
)

// transientSubmitError reports the capacity conditions that leave a
// non-immediate submission pending instead of failing it.
func transientSubmitError(code wire.ReturnCode) bool {
	switch code {
	case wire.ErrNodeNotAvail, wire.ErrPartConfigUnavailable, wire.ErrQosThreshold,
		wire.ErrJobHeld, wire.ErrReservationNotUsable, wire.ErrResourceBusy:
		return true
	}
	return false
}

func (c *Controller) handleSubmitBatch(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.JobSubmitRequest)
	if req.Script == "" {
		return fail(wire.Errf(wire.ErrUnexpected, "batch submission without script"))
	}

	if req.ArraySpec != "" {
		return c.submitArray(ctx, req)
	}

	job := sched.JobFromRequest(req, ctx.UID, ctx.GID)
	id, err := c.sched.Admit(job)
	if err != nil {
		return fail(err)
	}
	c.jobsSubmitted.Add(1)

	resp := &wire.SubmitBatchJobResponse{JobID: id}
	if err := c.sched.TryStart(job, c.clk.Now()); err != nil {
		code := wire.CodeOf(err)
		if !transientSubmitError(code) {
			c.removeRejectedJob(id)
			return fail(err)
		}
		if req.Immediate {
			c.removeRejectedJob(id)
			return fail(wire.Err(wire.ErrCanNotStartImmediately))
		}
		// Accepted into pending: partial success with the reason attached.
		resp.Code = code
		resp.Reason = job.Reason.String()
	} else {
		c.jobsStarted.Add(1)
	}
	return wire.MsgSubmitBatchJobResponse, resp, nil
}

// submitArray expands an array specification like "0-15" into one task
// record per index, all sharing the first task's id as the master.
func (c *Controller) submitArray(ctx *handlerContext, req *wire.JobSubmitRequest) (wire.MsgType, any, error) {
	first, last, err := parseArraySpec(req.ArraySpec)
	if err != nil {
		return fail(err)
	}

	var master uint32
	var ids []uint32
	for task := first; task <= last; task++ {
		job := sched.JobFromRequest(req, ctx.UID, ctx.GID)
		job.ArrayTaskID = task
		id, err := c.sched.Admit(job)
		if err != nil {
			return fail(err)
		}
		if master == 0 {
			master = id
		}
		job.ArrayJobID = master
		job.Name = fmt.Sprintf("%s[%d]", req.Name, task)
		ids = append(ids, id)
		c.jobsSubmitted.Add(1)
	}
	c.sched.Kick()
	return wire.MsgSubmitBatchJobResponse, &wire.SubmitBatchJobResponse{
		JobID:       master,
		ArrayJobIDs: ids,
	}, nil
}

func parseArraySpec(spec string) (uint32, uint32, error) {
	parts := strings.SplitN(spec, "-", 2)
	first, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, wire.Errf(wire.ErrUnexpected, "bad array spec %q", spec)
	}
	last := first
	if len(parts) == 2 {
		last, err = strconv.ParseUint(parts[1], 10, 32)
		if err != nil || last < first {
			return 0, 0, wire.Errf(wire.ErrUnexpected, "bad array spec %q", spec)
		}
	}
	if last-first > 9999 {
		return 0, 0, wire.Errf(wire.ErrUnexpected, "array spec %q too wide", spec)
	}
	return uint32(first), uint32(last), nil
}

func (c *Controller) handleAllocate(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.JobSubmitRequest)
	job := sched.JobFromRequest(req, ctx.UID, ctx.GID)

	id, err := c.sched.Admit(job)
	if err != nil {
		return fail(err)
	}
	c.jobsSubmitted.Add(1)

	resp := &wire.ResourceAllocationResponse{JobID: id}
	if err := c.sched.TryStart(job, c.clk.Now()); err != nil {
		code := wire.CodeOf(err)
		if !transientSubmitError(code) {
			c.removeRejectedJob(id)
			return fail(err)
		}
		if req.Immediate {
			// Immediate allocation keeps no job record on failure.
			c.removeRejectedJob(id)
			return fail(wire.Err(wire.ErrCanNotStartImmediately))
		}
		resp.Code = code
		resp.Reason = job.Reason.String()
	} else {
		c.jobsStarted.Add(1)
		resp.NodeList = strings.Join(c.store.NamesFor(job.NodeBitmap), ",")
	}
	return wire.MsgResourceAllocationResponse, resp, nil
}

func (c *Controller) removeRejectedJob(id uint32) {
	if err := c.store.DeleteJob(id); err != nil {
		log.WithJobID(id).Warn().Err(err).Msg("failed to drop rejected job")
	}
}

func (c *Controller) handleWillRun(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.JobSubmitRequest)
	est, err := c.sched.WillRun(req, ctx.UID, c.clk.Now())
	if err != nil {
		if req.Immediate {
			return fail(wire.Err(wire.ErrCanNotStartImmediately))
		}
		return fail(err)
	}
	return wire.MsgJobWillRunResponse, &wire.JobWillRunResponse{StartTime: est.Unix()}, nil
}

// resolveOwnedJob fetches a job and enforces ownership-or-operator for
// mutating requests.
func (c *Controller) resolveOwnedJob(ctx *handlerContext, id uint32) (*types.Job, error) {
	job := c.store.FindJob(id)
	if job == nil {
		return nil, wire.Err(wire.ErrInvalidJobID)
	}
	if job.UserID != ctx.UID && !auth.IsAtLeast(ctx.Role, auth.RoleOperator) {
		return nil, wire.Err(wire.ErrAccessDenied)
	}
	return job, nil
}

func (c *Controller) handleCancelJob(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.CancelJobRequest)
	job, err := c.resolveOwnedJob(ctx, req.JobID)
	if err != nil {
		return fail(err)
	}
	if err := c.cancelJob(job); err != nil {
		return fail(err)
	}
	return ok()
}

// handleJobStepKill delivers a signal to a step, or cancels the whole job
// when the target is the batch script and the signal is SIGKILL.
func (c *Controller) handleJobStepKill(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.JobStepKillRequest)
	job, err := c.resolveOwnedJob(ctx, req.JobID)
	if err != nil {
		return fail(err)
	}

	if req.StepID == wire.BatchScriptStep && req.Signal == int32(syscall.SIGKILL) {
		if err := c.cancelJob(job); err != nil {
			return fail(err)
		}
		return ok()
	}

	if !job.IsRunning() {
		return fail(wire.Err(wire.ErrDisabled))
	}
	targets := c.store.NamesFor(job.NodeBitmap)
	if req.StepID != wire.BatchScriptStep {
		stp := c.store.FindStep(job.ID, req.StepID)
		if stp == nil {
			return fail(wire.Err(wire.ErrNoSteps))
		}
		targets = c.store.NamesFor(stp.NodeBitmap)
	}
	c.queue.EnqueueAll(targets, wire.MsgSignalJob, &wire.SignalJobRequest{
		JobID:  job.ID,
		StepID: req.StepID,
		Signal: req.Signal,
	})
	return ok()
}

// cancelJob moves a job to Cancelled with Completing set and queues kill
// messages for every allocated node. A pending job simply ends.
func (c *Controller) cancelJob(job *types.Job) error {
	now := c.clk.Now()

	if job.IsFinished() {
		return wire.Err(wire.ErrAlreadyDone)
	}
	if job.IsPending() {
		if err := fsm.JobTransition(job, types.JobCancelled); err != nil {
			return err
		}
		job.EndTime = now
		c.jobsCanceled.Add(1)
		telemetry.JobsCanceled.Inc()
		c.sink.JobEnd(job)
		return nil
	}

	if err := fsm.FinishJob(job, types.JobCancelled, now); err != nil {
		return err
	}
	c.jobsCanceled.Add(1)
	telemetry.JobsCanceled.Inc()

	c.queue.EnqueueAll(c.store.NamesFor(job.NodeBitmap), wire.MsgTerminateJob,
		&wire.TerminateJobRequest{JobID: job.ID})
	log.WithJobID(job.ID).Info().Msg("job canceled")
	return nil
}

func (c *Controller) handleJobRequeue(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.JobRequeueRequest)
	job, err := c.resolveOwnedJob(ctx, req.JobID)
	if err != nil {
		return fail(err)
	}

	if job.IsRunning() || job.IsSuspended() {
		// End the allocation first; the requeue lands once cleanup is done.
		if err := fsm.FinishJob(job, types.JobCancelled, c.clk.Now()); err != nil {
			return fail(err)
		}
		c.queue.EnqueueAll(c.store.NamesFor(job.NodeBitmap), wire.MsgTerminateJob,
			&wire.TerminateJobRequest{JobID: job.ID})
		job.Flags |= types.JobFlagRequeue
		return ok()
	}

	// Admin/user-initiated requeue does not consume the restart budget.
	if err := c.sched.Requeue(job, false, c.clk.Now()); err != nil {
		return fail(wire.Errf(wire.ErrDisabled, "%v", err))
	}
	return ok()
}

func (c *Controller) handleSuspend(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.SuspendRequest)
	job, err := c.resolveOwnedJob(ctx, req.JobID)
	if err != nil {
		return fail(err)
	}

	now := c.clk.Now()
	switch req.Op {
	case wire.SuspendOpSuspend:
		if err := fsm.Suspend(job, now); err != nil {
			return fail(wire.Errf(wire.ErrDisabled, "%v", err))
		}
		c.queue.EnqueueAll(c.store.NamesFor(job.NodeBitmap), wire.MsgSignalJob,
			&wire.SignalJobRequest{JobID: job.ID, Signal: int32(syscall.SIGSTOP)})
	case wire.SuspendOpResume:
		if err := fsm.Resume(job, now); err != nil {
			return fail(wire.Errf(wire.ErrDisabled, "%v", err))
		}
		c.queue.EnqueueAll(c.store.NamesFor(job.NodeBitmap), wire.MsgSignalJob,
			&wire.SignalJobRequest{JobID: job.ID, Signal: int32(syscall.SIGCONT)})
	default:
		return fail(wire.Errf(wire.ErrUnexpected, "unknown suspend op %d", req.Op))
	}
	return ok()
}

func (c *Controller) handleUpdateJob(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.UpdateJobRequest)
	job, err := c.resolveOwnedJob(ctx, req.JobID)
	if err != nil {
		return fail(err)
	}

	changed := false
	if req.TimeLimit > 0 {
		limit := timeLimitDuration(req.TimeLimit)
		part := c.store.FindPartition(job.Request.Partition)
		if part != nil && part.MaxTime > 0 && limit > part.MaxTime {
			return fail(wire.Err(wire.ErrInvalidTimeLimit))
		}
		// Only operators may raise a limit.
		if limit > job.Request.TimeLimit && !auth.IsAtLeast(ctx.Role, auth.RoleOperator) {
			return fail(wire.Err(wire.ErrAccessDenied))
		}
		job.Request.TimeLimit = limit
		changed = true
	}
	if req.SetPriority {
		if !job.IsPending() {
			return fail(wire.Err(wire.ErrDisabled))
		}
		if req.Priority == 0 {
			job.Priority = 0
			job.Reason = types.ReasonHeld
		} else {
			// Owners release to the base priority; operators set any value.
			if auth.IsAtLeast(ctx.Role, auth.RoleOperator) {
				job.Priority = req.Priority
			} else {
				job.Priority = 1
			}
			job.Reason = types.ReasonPriority
		}
		changed = true
	}
	if req.Partition != "" && req.Partition != job.Request.Partition {
		if !job.IsPending() {
			return fail(wire.Err(wire.ErrDisabled))
		}
		if c.store.FindPartition(req.Partition) == nil {
			return fail(wire.Err(wire.ErrInvalidPartitionName))
		}
		c.store.MoveJobPartition(job, req.Partition)
		changed = true
	}

	if !changed {
		return fail(wire.Err(wire.ErrNoChangeInData))
	}
	c.sched.Kick()
	return ok()
}

func (c *Controller) handleStepCreate(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.StepCreateRequest)
	job, err := c.resolveOwnedJob(ctx, req.JobID)
	if err != nil {
		return fail(err)
	}

	stp, signed, err := c.steps.Create(job, req, c.clk.Now())
	if err != nil {
		return fail(err)
	}
	return wire.MsgStepCreateResponse, &wire.StepCreateResponse{
		StepID:       stp.StepID,
		NodeList:     strings.Join(c.store.NamesFor(stp.NodeBitmap), ","),
		TasksPerNode: stp.Layout.TasksPerNode,
		Credential:   signed,
		PortFirst:    stp.PortFirst,
		PortLast:     stp.PortLast,
	}, nil
}

func (c *Controller) handleCancelStep(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.CancelStepRequest)
	job, err := c.resolveOwnedJob(ctx, req.JobID)
	if err != nil {
		return fail(err)
	}
	stp := c.store.FindStep(job.ID, req.StepID)
	if stp == nil {
		return fail(wire.Err(wire.ErrNoSteps))
	}

	sig := req.Signal
	if sig == 0 {
		sig = int32(syscall.SIGKILL)
	}
	c.queue.EnqueueAll(c.store.NamesFor(stp.NodeBitmap), wire.MsgSignalJob,
		&wire.SignalJobRequest{JobID: job.ID, StepID: stp.StepID, Signal: sig})
	return ok()
}

func (c *Controller) handleSbcastCred(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.SbcastCredRequest)
	job, err := c.resolveOwnedJob(ctx, req.JobID)
	if err != nil {
		return fail(err)
	}
	if !job.IsRunning() {
		return fail(wire.Err(wire.ErrDisabled))
	}
	signed, expires, err := c.steps.SbcastCredential(job, c.clk.Now())
	if err != nil {
		return fail(err)
	}
	return wire.MsgJobSbcastCredResponse, &wire.SbcastCredResponse{
		Credential: signed,
		ExpiresAt:  expires,
	}, nil
}

func (c *Controller) handleJobNotify(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.JobNotifyRequest)
	job, err := c.resolveOwnedJob(ctx, req.JobID)
	if err != nil {
		return fail(err)
	}
	log.WithJobID(job.ID).Info().Str("message", req.Message).Msg("job notify")
	return ok()
}
