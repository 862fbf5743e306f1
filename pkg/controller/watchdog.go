package controller

import (
	"context"
	"time"

	"github.com/quarryproject/quarry/pkg/fsm"
	"github.com/quarryproject/quarry/pkg/locks"
	"github.com/quarryproject/quarry/pkg/log"
	"github.com/quarryproject/quarry/pkg/telemetry"
	"github.com/quarryproject/quarry/pkg/types"
)

// watchdog runs the periodic jobs that live outside the RPC path: node
// heartbeat expiry, terminal job purge, and state save.
func (c *Controller) watchdog(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	saveTicker := time.NewTicker(time.Minute)
	defer saveTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-saveTicker.C:
			c.saveState()
		case <-ticker.C:
			c.checkNodeHealth()
			c.purgeOldJobs()
		}
	}
}

// checkNodeHealth sets NoRespond past the heartbeat timeout and downs nodes
// past the down timeout, failing their jobs.
func (c *Controller) checkNodeHealth() {
	snap := c.cfg.Current()
	now := c.clk.Now()
	logger := log.WithComponent("watchdog")

	set := locks.Set{Job: locks.Write, Node: locks.Write}
	c.domain.Lock(set)
	defer c.domain.Unlock(set)

	stateCounts := make(map[string]int)
	for _, node := range c.store.Nodes() {
		stateCounts[node.State.String()]++
		if node.State == types.NodeDown || node.State == types.NodeFuture {
			continue
		}
		if node.LastRegistered.IsZero() {
			continue
		}
		silent := now.Sub(node.LastRegistered)
		if silent > snap.DownTimeout {
			logger.Warn().Str("node", node.Name).Dur("silent", silent).Msg("node down")
			fsm.NodeDown(node, "not responding")
			c.sink.NodeDown(node, "not responding")
			c.failJobsOnNode(node)
		} else if silent > snap.NodeTimeout && node.Flags&types.NodeFlagNoRespond == 0 {
			logger.Warn().Str("node", node.Name).Dur("silent", silent).Msg("node not responding")
			fsm.NodeMissedHeartbeat(node)
		}
	}
	for state, n := range stateCounts {
		telemetry.NodesTotal.WithLabelValues(state).Set(float64(n))
	}
}

// failJobsOnNode ends every job allocated on a dead node with NodeFail and
// requeues the ones that allow it. Caller holds job and node write locks.
func (c *Controller) failJobsOnNode(node *types.Node) {
	now := c.clk.Now()
	for jobID := range node.RunningJobs {
		job := c.store.FindJob(jobID)
		if job == nil {
			delete(node.RunningJobs, jobID)
			continue
		}
		if !job.IsRunning() && !job.IsSuspended() {
			continue
		}
		if err := fsm.FinishJob(job, types.JobNodeFail, now); err != nil {
			continue
		}
		log.WithJobID(jobID).Warn().Str("node", node.Name).Msg("job failed, node down")
		c.finishBypassEpilog(job, true)
	}
}

// finishBypassEpilog force-releases a job's nodes when the epilog path
// cannot run (dead node, abort). Requeues when allowed, else leaves the
// terminal state standing.
func (c *Controller) finishBypassEpilog(job *types.Job, tryRequeue bool) {
	now := c.clk.Now()
	if job.NodeBitmap != nil {
		for _, idx := range job.NodeBitmap.Indices() {
			if n := c.store.NodeAt(idx); n != nil {
				fsm.ReleaseNode(n, job.ID)
			}
		}
	}
	job.Flags &^= types.JobFlagCompleting
	job.EpilogWait = 0

	if tryRequeue && job.Details != nil && job.Details.Requeue {
		if err := c.sched.Requeue(job, true, now); err == nil {
			return
		}
	}
	c.jobsCompleted.Add(1)
	telemetry.JobsCompleted.Inc()
	c.sink.JobEnd(job)
	c.sched.Kick()
}

// purgeOldJobs destroys terminal jobs once Completing has cleared and the
// retention window has elapsed.
func (c *Controller) purgeOldJobs() {
	minAge := c.cfg.Current().MinJobAge
	if minAge <= 0 {
		return
	}
	now := c.clk.Now()

	c.domain.Lock(locks.JobWrite())
	defer c.domain.Unlock(locks.JobWrite())

	for _, id := range c.store.JobIDs() {
		job := c.store.FindJob(id)
		if job == nil || !job.IsFinished() || job.IsCompleting() {
			continue
		}
		if job.EndTime.IsZero() || now.Sub(job.EndTime) < minAge {
			continue
		}
		if err := c.store.DeleteJob(id); err == nil {
			log.WithJobID(id).Debug().Msg("purged job record")
		}
	}
}
