package controller

import (
	"time"

	"github.com/quarryproject/quarry/pkg/auth"
	"github.com/quarryproject/quarry/pkg/log"
	"github.com/quarryproject/quarry/pkg/types"
	"github.com/quarryproject/quarry/pkg/wire"
)

func timeLimitDuration(seconds int64) time.Duration {
	return time.Duration(seconds) * time.Second
}

func (c *Controller) handlePing(ctx *handlerContext) (wire.MsgType, any, error) {
	return ok()
}

// handleReconfigure rereads the config file under the full write-lock set,
// so in-flight handlers finish against the old snapshot first. Jobs and
// nodes survive; only policy and tables refresh.
func (c *Controller) handleReconfigure(ctx *handlerContext) (wire.MsgType, any, error) {
	snap, err := c.cfg.Reload()
	if err != nil {
		return fail(wire.Errf(wire.ErrUnexpected, "reconfigure failed: %v", err))
	}
	c.classify = auth.NewClassifier(snap.AgentUser, snap.Operators)
	log.SetNumericLevel(snap.DebugLevel)
	c.sched.Reconfigure()
	logger := log.WithComponent("controller")
	logger.Info().Msg("reconfigured")
	c.sched.Kick()
	return ok()
}

func (c *Controller) handleShutdown(ctx *handlerContext) (wire.MsgType, any, error) {
	req, _ := ctx.Msg.Body.(*wire.ShutdownRequest)
	immediate := ctx.Msg.Header.Type == wire.MsgShutdownImmediate ||
		(req != nil && req.Immediate)
	logger := log.WithComponent("controller")
	logger.Info().Bool("immediate", immediate).
		Msg("shutdown requested")
	// The response goes out before the listener closes; state saves on the
	// way down.
	go c.Shutdown()
	return ok()
}

// handleTakeover acknowledges a backup controller taking over. With a
// single active controller this is a clean state flush.
func (c *Controller) handleTakeover(ctx *handlerContext) (wire.MsgType, any, error) {
	c.saveState()
	logger := log.WithComponent("controller")
	logger.Info().Msg("takeover acknowledged, state flushed")
	return ok()
}

func (c *Controller) handleSetDebugLevel(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.SetDebugLevelRequest)
	log.SetNumericLevel(int(req.Level))
	logger := log.WithComponent("controller")
	logger.Info().Int32("level", req.Level).Msg("debug level set")
	return ok()
}

func (c *Controller) handleSetDebugFlags(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.SetDebugFlagsRequest)
	snap := *c.cfg.Current()
	snap.DebugFlags = (snap.DebugFlags | req.SetMask) &^ req.ClearMask
	c.cfg.Swap(&snap)
	logger := log.WithComponent("controller")
	logger.Info().
		Uint64("flags", snap.DebugFlags).Msg("debug flags updated")
	return ok()
}

func (c *Controller) handleSetSchedLogLevel(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.SetSchedLogLevelRequest)
	snap := *c.cfg.Current()
	snap.SchedLogLevel = int(req.Level)
	c.cfg.Swap(&snap)
	return ok()
}

// --- partitions ---

func (c *Controller) handleCreatePartition(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.PartitionDesc)
	if req.Name == "" {
		return fail(wire.Err(wire.ErrInvalidPartitionName))
	}
	if c.store.FindPartition(req.Name) != nil {
		return fail(wire.Errf(wire.ErrInvalidPartitionName, "partition %s exists", req.Name))
	}
	for _, name := range req.Nodes {
		if c.store.FindNode(name) == nil {
			return fail(wire.Errf(wire.ErrInvalidNodeName, "unknown node %s", name))
		}
	}
	p := &types.Partition{
		Name:        req.Name,
		Nodes:       req.Nodes,
		MaxTime:     timeLimitDuration(req.MaxTime),
		DefaultTime: timeLimitDuration(req.DefaultTime),
		Priority:    req.Priority,
		Default:     req.Default,
		Up:          req.Up,
	}
	p.NodeBitmap = c.store.BitmapFor(req.Nodes)
	c.store.AddPartition(p)
	return ok()
}

func (c *Controller) handleUpdatePartition(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.PartitionDesc)
	p := c.store.FindPartition(req.Name)
	if p == nil {
		return fail(wire.Err(wire.ErrInvalidPartitionName))
	}
	if len(req.Nodes) > 0 {
		for _, name := range req.Nodes {
			if c.store.FindNode(name) == nil {
				return fail(wire.Errf(wire.ErrInvalidNodeName, "unknown node %s", name))
			}
		}
		p.Nodes = req.Nodes
		p.NodeBitmap = c.store.BitmapFor(req.Nodes)
	}
	if req.MaxTime > 0 {
		p.MaxTime = timeLimitDuration(req.MaxTime)
	}
	if req.DefaultTime > 0 {
		p.DefaultTime = timeLimitDuration(req.DefaultTime)
	}
	if req.Priority > 0 {
		p.Priority = req.Priority
	}
	p.Default = req.Default
	p.Up = req.Up
	c.sched.Kick()
	return ok()
}

func (c *Controller) handleDeletePartition(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.DeletePartitionRequest)
	// Refuse while any live job references the partition.
	for _, id := range c.store.JobIDs() {
		job := c.store.FindJob(id)
		if job != nil && job.Request.Partition == req.Name && !job.IsCompleted() {
			return fail(wire.Errf(wire.ErrResourceBusy, "job %d uses partition %s", id, req.Name))
		}
	}
	if err := c.store.DeletePartition(req.Name); err != nil {
		return fail(err)
	}
	return ok()
}

// --- reservations ---

func (c *Controller) handleCreateReservation(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.ReservationDesc)
	r, err := c.resv.Create(req, c.clk.Now())
	if err != nil {
		return fail(err)
	}
	return wire.MsgCreateReservationResponse, &wire.CreateReservationResponse{Name: r.Name}, nil
}

func (c *Controller) handleUpdateReservation(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.ReservationDesc)
	if err := c.resv.Update(req, c.clk.Now()); err != nil {
		return fail(err)
	}
	return ok()
}

func (c *Controller) handleDeleteReservation(ctx *handlerContext) (wire.MsgType, any, error) {
	req := ctx.Msg.Body.(*wire.DeleteReservationRequest)
	// A reservation with running jobs inside it is busy.
	if r := c.store.FindReservation(req.Name); r != nil {
		for _, id := range c.store.JobIDs() {
			job := c.store.FindJob(id)
			if job != nil && job.Request.Reservation == req.Name && !job.IsFinished() {
				return fail(wire.Err(wire.ErrReservationBusy))
			}
		}
	}
	if err := c.resv.Delete(req.Name); err != nil {
		return fail(err)
	}
	return ok()
}
