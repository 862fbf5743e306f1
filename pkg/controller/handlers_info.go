package controller

import (
	"os"
	"strings"
	"time"

	"github.com/quarryproject/quarry/pkg/auth"
	"github.com/quarryproject/quarry/pkg/config"
	"github.com/quarryproject/quarry/pkg/telemetry"
	"github.com/quarryproject/quarry/pkg/types"
	"github.com/quarryproject/quarry/pkg/wire"
)

// Info queries honor the private-data mask: with the relevant bit set,
// non-operators only see objects they own.

func (c *Controller) maskHides(ctx *handlerContext, bit uint32, ownerUID uint32) bool {
	if ctx.Snap.PrivateData&bit == 0 {
		return false
	}
	if auth.IsAtLeast(ctx.Role, auth.RoleOperator) {
		return false
	}
	return ownerUID != ctx.UID
}

// maskHidesClass applies the mask to ownerless object classes (nodes,
// partitions): set bit hides them from plain users entirely.
func (c *Controller) maskHidesClass(ctx *handlerContext, bit uint32) bool {
	return ctx.Snap.PrivateData&bit != 0 && !auth.IsAtLeast(ctx.Role, auth.RoleOperator)
}

func (c *Controller) jobInfoOf(job *types.Job) wire.JobInfo {
	return wire.JobInfo{
		JobID:        job.ID,
		ArrayJobID:   job.ArrayJobID,
		ArrayTaskID:  job.ArrayTaskID,
		Name:         job.Name,
		UserID:       job.UserID,
		GroupID:      job.GroupID,
		State:        uint8(job.State),
		Flags:        uint16(job.Flags),
		Reason:       job.Reason.String(),
		Partition:    job.Request.Partition,
		NodeList:     strings.Join(c.store.NamesFor(job.NodeBitmap), ","),
		NodeCount:    job.NodeCount,
		Priority:     job.Priority,
		SubmitTime:   wire.Timestamp(job.SubmitTime),
		StartTime:    wire.Timestamp(job.StartTime),
		EndTime:      wire.Timestamp(job.EndTime),
		TimeLimit:    int64(job.Request.TimeLimit / time.Second),
		RestartCount: job.RestartCount,
		BatchHost:    job.BatchHost,
	}
}

func (c *Controller) handleJobInfo(ctx *handlerContext) (wire.MsgType, any, error) {
	var jobs []wire.JobInfo
	for _, id := range c.store.JobIDs() {
		job := c.store.FindJob(id)
		if job == nil || c.maskHides(ctx, config.PrivateJobs, job.UserID) {
			continue
		}
		jobs = append(jobs, c.jobInfoOf(job))
	}
	return wire.MsgJobInfoResponse, &wire.JobInfoResponse{
		Jobs:       jobs,
		LastUpdate: c.clk.Now().Unix(),
	}, nil
}

func (c *Controller) handleJobInfoSingle(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.JobInfoRequest)
	job := c.store.FindJob(req.JobID)
	if job == nil {
		return fail(wire.Err(wire.ErrInvalidJobID))
	}
	if c.maskHides(ctx, config.PrivateJobs, job.UserID) {
		return fail(wire.Err(wire.ErrAccessDenied))
	}
	return wire.MsgJobInfoResponse, &wire.JobInfoResponse{
		Jobs:       []wire.JobInfo{c.jobInfoOf(job)},
		LastUpdate: c.clk.Now().Unix(),
	}, nil
}

func (c *Controller) handleJobUserInfo(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.JobInfoRequest)
	uid := req.UserID
	if c.maskHides(ctx, config.PrivateJobs, uid) {
		return fail(wire.Err(wire.ErrAccessDenied))
	}
	var jobs []wire.JobInfo
	for _, id := range c.store.JobIDsByUser(uid) {
		if job := c.store.FindJob(id); job != nil {
			jobs = append(jobs, c.jobInfoOf(job))
		}
	}
	return wire.MsgJobInfoResponse, &wire.JobInfoResponse{
		Jobs:       jobs,
		LastUpdate: c.clk.Now().Unix(),
	}, nil
}

func (c *Controller) handleNodeInfo(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.NodeInfoRequest)
	if c.maskHidesClass(ctx, config.PrivateNodes) {
		return fail(wire.Err(wire.ErrAccessDenied))
	}

	var nodes []wire.NodeInfo
	for _, node := range c.store.Nodes() {
		if req.NodeName != "" && node.Name != req.NodeName {
			continue
		}
		nodes = append(nodes, wire.NodeInfo{
			Name:       node.Name,
			Addr:       node.Addr,
			State:      uint8(node.State),
			Flags:      uint16(node.Flags),
			Reason:     node.Reason,
			CPUs:       node.CPUs,
			RealMemory: node.RealMemory,
			CPULoad:    node.CPULoad,
			Features:   node.Features,
			Weight:     node.Weight,
			Version:    node.Version,
		})
	}
	if req.NodeName != "" && len(nodes) == 0 {
		return fail(wire.Err(wire.ErrInvalidNodeName))
	}
	return wire.MsgNodeInfoResponse, &wire.NodeInfoResponse{Nodes: nodes}, nil
}

func (c *Controller) handlePartitionInfo(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.PartitionInfoRequest)
	if c.maskHidesClass(ctx, config.PrivatePartitions) {
		return fail(wire.Err(wire.ErrAccessDenied))
	}

	var parts []wire.PartitionInfo
	for _, p := range c.store.Partitions() {
		if req.Name != "" && p.Name != req.Name {
			continue
		}
		parts = append(parts, wire.PartitionInfo{
			Name:        p.Name,
			Nodes:       strings.Join(p.Nodes, ","),
			MaxTime:     int64(p.MaxTime / time.Second),
			DefaultTime: int64(p.DefaultTime / time.Second),
			Priority:    p.Priority,
			Default:     p.Default,
			Up:          p.Up,
		})
	}
	if req.Name != "" && len(parts) == 0 {
		return fail(wire.Err(wire.ErrInvalidPartitionName))
	}
	return wire.MsgPartitionInfoResponse, &wire.PartitionInfoResponse{Partitions: parts}, nil
}

func (c *Controller) handleReservationInfo(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.ReservationInfoRequest)
	var resvs []wire.ReservationInfo
	for _, r := range c.store.Reservations() {
		if req.Name != "" && r.Name != req.Name {
			continue
		}
		if ctx.Snap.PrivateData&config.PrivateReservations != 0 &&
			!auth.IsAtLeast(ctx.Role, auth.RoleOperator) && !r.AllowsUser(ctx.UID) {
			continue
		}
		resvs = append(resvs, wire.ReservationInfo{
			Name:      r.Name,
			Nodes:     strings.Join(r.Nodes, ","),
			StartTime: r.StartTime.Unix(),
			EndTime:   r.EndTime.Unix(),
			Users:     r.Users,
			Accounts:  r.Accounts,
			Maint:     r.Maint,
		})
	}
	if req.Name != "" && len(resvs) == 0 {
		return fail(wire.Err(wire.ErrInvalidReservationName))
	}
	return wire.MsgReservationInfoResponse, &wire.ReservationInfoResponse{Reservations: resvs}, nil
}

func (c *Controller) handleBuildInfo(ctx *handlerContext) (wire.MsgType, any, error) {
	return wire.MsgBuildInfoResponse, &wire.BuildInfoResponse{
		Version:     Version,
		ClusterName: ctx.Snap.ClusterName,
		ControlAddr: ctx.Snap.ControlAddr,
		BootTime:    c.bootTime.Unix(),
	}, nil
}

func (c *Controller) handleJobReady(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.JobReadyRequest)
	job := c.store.FindJob(req.JobID)
	if job == nil {
		return fail(wire.Err(wire.ErrInvalidJobID))
	}
	return wire.MsgJobReadyResponse, &wire.JobReadyResponse{
		Ready:      job.IsRunning() && !job.IsConfiguring(),
		PrologDone: job.PrologDone,
		NodeCount:  job.NodeCount,
	}, nil
}

func (c *Controller) handlePriorityFactors(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.PriorityFactorsRequest)
	job := c.store.FindJob(req.JobID)
	if job == nil {
		return fail(wire.Err(wire.ErrInvalidJobID))
	}
	part := c.store.FindPartition(job.Request.Partition)
	f := c.sched.Factors(job, part, c.clk.Now())
	return wire.MsgPriorityFactorsResponse, &wire.PriorityFactorsResponse{
		Age:       f.Age,
		FairShare: f.FairShare,
		JobSize:   f.JobSize,
		Partition: f.Partition,
		QOS:       f.QOS,
	}, nil
}

func (c *Controller) handleStatsInfo(ctx *handlerContext) (wire.MsgType, any, error) {
	byType, byUser := c.stats.Dump()
	return wire.MsgStatsInfoResponse, &wire.StatsInfoResponse{
		ByType: statsEntries(byType),
		ByUser: statsEntries(byUser),
	}, nil
}

func statsEntries(in []telemetry.Entry) []wire.StatsEntry {
	out := make([]wire.StatsEntry, len(in))
	for i, e := range in {
		out[i] = wire.StatsEntry{ID: e.ID, Count: e.Count, TotalNS: e.TotalNS}
	}
	return out
}

func (c *Controller) handleStatsReset(ctx *handlerContext) (wire.MsgType, any, error) {
	c.stats.Reset()
	return ok()
}

func (c *Controller) handleDaemonStatus(ctx *handlerContext) (wire.MsgType, any, error) {
	return wire.MsgDaemonStatusResponse, &wire.DaemonStatusResponse{
		StartTime:      c.bootTime.Unix(),
		PID:            int32(os.Getpid()),
		Version:        Version,
		JobsSubmitted:  c.jobsSubmitted.Load(),
		JobsStarted:    c.jobsStarted.Load(),
		JobsCompleted:  c.jobsCompleted.Load(),
		JobsCanceled:   c.jobsCanceled.Load(),
		ScheduleCycles: c.sched.Cycles(),
	}, nil
}
