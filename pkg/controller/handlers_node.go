package controller

import (
	"bytes"
	"time"

	"github.com/quarryproject/quarry/pkg/fsm"
	"github.com/quarryproject/quarry/pkg/log"
	"github.com/quarryproject/quarry/pkg/types"
	"github.com/quarryproject/quarry/pkg/wire"
)

// handleNodeRegistration validates a node self-report, reconciles the
// reported job set against the controller's view, and brings the node up.
func (c *Controller) handleNodeRegistration(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.NodeRegistrationRequest)
	node := c.store.FindNode(req.NodeName)
	if node == nil {
		return fail(wire.Err(wire.ErrInvalidNodeName))
	}
	now := c.clk.Now()
	logger := log.WithNode(node.Name)

	if len(req.ConfigHash) > 0 && !bytes.Equal(req.ConfigHash, ctx.Snap.Hash()) {
		if !ctx.Snap.NoConfHash {
			logger.Warn().Msg("node config hash mismatch")
		}
	}

	if !ctx.Snap.FastSchedule {
		if reason := hardwareMismatch(node, req); reason != "" {
			fsm.DrainNode(node, reason)
			logger.Warn().Str("reason", reason).Msg("node drained on registration")
		}
	}

	c.reconcileNodeJobs(node, req, now)

	wasDown := node.State == types.NodeDown || node.State == types.NodeUnknown ||
		node.State == types.NodeFuture
	fsm.NodeRegistered(node, len(req.JobIDs) > 0, now)

	if node.Flags&types.NodeFlagMaint != 0 && req.BootTime > 0 &&
		time.Unix(req.BootTime, 0).After(node.BootTime) && !node.BootTime.IsZero() {
		// The reboot we asked for happened.
		fsm.ClearMaint(node)
		logger.Info().Msg("node rebooted, maintenance cleared")
	}

	if req.BootTime > 0 {
		node.BootTime = time.Unix(req.BootTime, 0)
	}
	node.Version = req.Version
	node.CPULoad = req.CPULoad

	if wasDown {
		logger.Info().Stringer("state", node.State).Msg("node up")
		c.sched.Kick()
	}
	return ok()
}

// hardwareMismatch compares a report against the configured shape; any
// shortfall is a drain reason.
func hardwareMismatch(node *types.Node, req *wire.NodeRegistrationRequest) string {
	if req.CPUs < node.CPUs {
		return "low cpu count"
	}
	if node.RealMemory > 0 && req.RealMemory < node.RealMemory {
		return "low memory"
	}
	if node.TmpDisk > 0 && req.TmpDisk < node.TmpDisk {
		return "low tmp disk"
	}
	if node.Sockets > 0 && req.Sockets > 0 && req.Sockets != node.Sockets {
		return "socket count mismatch"
	}
	return ""
}

// reconcileNodeJobs aligns the node's reported jobs with the controller's
// view: jobs we placed there that the node lost are failed; jobs the node
// reports that we do not know are told to abort.
func (c *Controller) reconcileNodeJobs(node *types.Node, req *wire.NodeRegistrationRequest, now time.Time) {
	reported := make(map[uint32]struct{}, len(req.JobIDs))
	for _, id := range req.JobIDs {
		reported[id] = struct{}{}
	}

	for jobID := range node.RunningJobs {
		if _, has := reported[jobID]; has {
			continue
		}
		job := c.store.FindJob(jobID)
		if job == nil {
			delete(node.RunningJobs, jobID)
			continue
		}
		// Configuring jobs may not have reached the node yet; completing
		// ones have legitimately exited.
		if !job.IsRunning() || job.IsConfiguring() {
			continue
		}
		log.WithJobID(jobID).Warn().Str("node", node.Name).
			Msg("node lost job, failing")
		if err := fsm.FinishJob(job, types.JobNodeFail, now); err == nil {
			c.finishBypassEpilog(job, job.Details != nil && job.Details.Requeue)
		}
	}

	for id := range reported {
		job := c.store.FindJob(id)
		if job == nil || !job.IsStarted() ||
			(job.NodeBitmap != nil && !job.NodeBitmap.Test(node.Index)) {
			// Orphan: the node runs something we did not place there.
			log.WithNode(node.Name).Warn().Uint32("job_id", id).
				Msg("unknown job reported, sending abort")
			c.queue.Enqueue(node.Name, wire.MsgTerminateJob, &wire.TerminateJobRequest{JobID: id})
		}
	}
}

func (c *Controller) handleNodePing(ctx *handlerContext) (wire.MsgType, any, error) {
	// A bare ping refreshes liveness without the full report.
	name := ctx.Msg.Header.OrigAddr
	if node := c.store.FindNode(name); node != nil {
		node.LastRegistered = c.clk.Now()
		node.Flags &^= types.NodeFlagNoRespond
	}
	return ok()
}

// handleRebootNodes schedules a reboot on the named nodes: Maint blocks new
// allocations and the agent gets a reboot order.
func (c *Controller) handleRebootNodes(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.RebootNodesRequest)

	var targets []string
	for _, name := range req.NodeNames {
		node := c.store.FindNode(name)
		if node == nil {
			return fail(wire.Errf(wire.ErrInvalidNodeName, "unknown node %s", name))
		}
		if node.State == types.NodeDown || node.State == types.NodeFuture {
			continue
		}
		if node.Flags&types.NodeFlagCloud != 0 && node.Flags&types.NodeFlagPowerSave != 0 {
			continue
		}
		fsm.SetMaint(node)
		targets = append(targets, name)
	}
	if len(targets) == 0 {
		return fail(wire.Err(wire.ErrNoChangeInData))
	}
	for _, name := range targets {
		c.queue.Enqueue(name, wire.MsgRebootNode, &wire.RebootNodeRequest{NodeName: name})
	}
	return ok()
}

// handleUpdateNode is the admin state change path: drain, resume, down.
func (c *Controller) handleUpdateNode(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.UpdateNodeRequest)

	nodes := make([]*types.Node, 0, len(req.NodeNames))
	for _, name := range req.NodeNames {
		node := c.store.FindNode(name)
		if node == nil {
			return fail(wire.Errf(wire.ErrInvalidNodeName, "unknown node %s", name))
		}
		nodes = append(nodes, node)
	}

	switch req.State {
	case "drain":
		if req.Reason == "" {
			return fail(wire.Errf(wire.ErrUnexpected, "drain requires a reason"))
		}
		for _, node := range nodes {
			fsm.DrainNode(node, req.Reason)
		}
	case "resume":
		for _, node := range nodes {
			fsm.ResumeNode(node)
			if node.State == types.NodeDown {
				node.State = types.NodeUnknown
			}
		}
		c.sched.Kick()
	case "down":
		reason := req.Reason
		if reason == "" {
			reason = "set down by administrator"
		}
		for _, node := range nodes {
			fsm.NodeDown(node, reason)
			c.sink.NodeDown(node, reason)
			c.failJobsOnNode(node)
		}
	default:
		return fail(wire.Errf(wire.ErrUnexpected, "unknown node state %q", req.State))
	}
	return ok()
}
