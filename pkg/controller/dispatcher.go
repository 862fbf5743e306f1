package controller

import (
	"fmt"
	"time"

	"github.com/quarryproject/quarry/pkg/auth"
	"github.com/quarryproject/quarry/pkg/config"
	"github.com/quarryproject/quarry/pkg/locks"
	"github.com/quarryproject/quarry/pkg/log"
	"github.com/quarryproject/quarry/pkg/telemetry"
	"github.com/quarryproject/quarry/pkg/wire"
)

// handlerContext is what one RPC invocation sees: the authenticated caller,
// its role, and the config snapshot in effect when the request arrived.
type handlerContext struct {
	UID  uint32
	GID  uint32
	Role auth.Role
	Snap *config.Snapshot
	Msg  *wire.Msg
}

type handlerFunc func(ctx *handlerContext) (wire.MsgType, any, error)

type handlerEntry struct {
	locks      locks.Set
	minRole    auth.Role
	nodeOrigin bool // restricted to the node agent identity and super-users
	throttled  bool // writer-heavy: passes through the throttle gate
	fn         handlerFunc
}

// Dispatch authenticates, authorizes, locks, runs the handler and shapes
// the response. Every path records telemetry.
func (c *Controller) Dispatch(msg *wire.Msg) *wire.Msg {
	start := time.Now()
	snap := c.cfg.Current()

	entry, known := c.handlers[uint16(msg.Header.Type)]
	if !known {
		return rcMsg(wire.Err(wire.ErrUnexpected))
	}

	uid, gid, err := c.verifier.Verify(msg.Header.AuthCred)
	if err != nil {
		logger := log.WithComponent("rpc")
		logger.Warn().Stringer("type", msg.Header.Type).
			Str("detail", c.verifier.ErrorString(msg.Header.AuthCred)).
			Msg("authentication failed")
		return rcMsg(wire.Err(wire.ErrUserIDMissing))
	}
	role := c.classify.Classify(uid)

	defer func() {
		d := time.Since(start)
		c.stats.Record(uint16(msg.Header.Type), uid, d)
		telemetry.RPCDuration.WithLabelValues(msg.Header.Type.String()).Observe(d.Seconds())
	}()

	if entry.nodeOrigin && role != auth.RoleAgent && role != auth.RoleSuperUser {
		c.countRC(msg.Header.Type, wire.ErrAccessDenied)
		return rcMsg(wire.Err(wire.ErrAccessDenied))
	}
	if !entry.nodeOrigin && !auth.IsAtLeast(role, entry.minRole) {
		c.countRC(msg.Header.Type, wire.ErrAccessDenied)
		return rcMsg(wire.Err(wire.ErrAccessDenied))
	}

	if entry.throttled {
		c.throttle.Start()
		defer c.throttle.Done()
	}
	c.domain.Lock(entry.locks)
	defer c.domain.Unlock(entry.locks)

	ctx := &handlerContext{UID: uid, GID: gid, Role: role, Snap: snap, Msg: msg}

	respType, body, err := func() (respType wire.MsgType, body any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger := log.WithComponent("rpc")
				logger.Error().Stringer("type", msg.Header.Type).
					Interface("panic", r).Msg("handler panic")
				err = wire.Errf(wire.ErrUnexpected, "internal error")
			}
		}()
		return entry.fn(ctx)
	}()

	if err != nil {
		code := wire.CodeOf(err)
		if code == wire.ErrUnexpected {
			logger := log.WithComponent("rpc")
			logger.Error().Err(err).
				Stringer("type", msg.Header.Type).Msg("handler failed")
		}
		c.countRC(msg.Header.Type, code)
		return rcMsg(err)
	}
	c.countRC(msg.Header.Type, wire.Success)
	if body == nil {
		return wire.NewMsg(wire.MsgReturnCode, &wire.RCResponse{Code: wire.Success})
	}
	return wire.NewMsg(respType, body)
}

func (c *Controller) countRC(t wire.MsgType, code wire.ReturnCode) {
	telemetry.RPCRequestsTotal.WithLabelValues(t.String(), fmt.Sprintf("%d", uint32(code))).Inc()
}

func rcMsg(err error) *wire.Msg {
	resp := &wire.RCResponse{Code: wire.CodeOf(err)}
	if we, ok := err.(*wire.Error); ok {
		resp.Detail = we.Detail
	}
	return wire.NewMsg(wire.MsgReturnCode, resp)
}

// ok is the canonical success return for handlers with no payload.
func ok() (wire.MsgType, any, error) {
	return wire.MsgReturnCode, nil, nil
}

// fail wraps an error return.
func fail(err error) (wire.MsgType, any, error) {
	return 0, nil, err
}

// buildHandlerTable declares, for every message type, its lock set, its
// authorization class and whether it passes the throttle gate.
func (c *Controller) buildHandlerTable() map[uint16]handlerEntry {
	jobW := locks.Set{Job: locks.Write, Node: locks.Write, Partition: locks.Read}
	t := map[uint16]handlerEntry{
		// Allocation (writer-heavy paths are throttled).
		uint16(wire.MsgSubmitBatchJob): {
			locks: jobW, throttled: true, fn: c.handleSubmitBatch,
		},
		uint16(wire.MsgResourceAllocation): {
			locks: jobW, throttled: true, fn: c.handleAllocate,
		},
		uint16(wire.MsgJobWillRun): {
			locks: locks.Set{Job: locks.Read, Node: locks.Read, Partition: locks.Read},
			fn:    c.handleWillRun,
		},
		uint16(wire.MsgCancelJob): {
			locks: locks.Set{Job: locks.Write, Node: locks.Write}, fn: c.handleCancelJob,
		},
		uint16(wire.MsgJobStepKill): {
			locks: locks.Set{Job: locks.Write, Node: locks.Write}, fn: c.handleJobStepKill,
		},
		uint16(wire.MsgJobRequeue): {
			locks: locks.Set{Job: locks.Write, Node: locks.Write}, fn: c.handleJobRequeue,
		},
		uint16(wire.MsgSuspend): {
			locks: locks.Set{Job: locks.Write, Node: locks.Read}, fn: c.handleSuspend,
		},
		uint16(wire.MsgUpdateJob): {
			locks: locks.Set{Job: locks.Write, Partition: locks.Read}, fn: c.handleUpdateJob,
		},
		uint16(wire.MsgJobSbcastCred): {
			locks: locks.Set{Job: locks.Read, Node: locks.Read}, fn: c.handleSbcastCred,
		},
		uint16(wire.MsgJobNotify): {
			locks: locks.JobRead(), fn: c.handleJobNotify,
		},

		// Steps.
		uint16(wire.MsgStepCreate): {
			locks: locks.Set{Job: locks.Write, Node: locks.Read}, fn: c.handleStepCreate,
		},
		uint16(wire.MsgCancelStep): {
			locks: locks.Set{Job: locks.Write, Node: locks.Read}, fn: c.handleCancelStep,
		},

		// Completion (node-origin, writer-heavy).
		uint16(wire.MsgStepComplete): {
			locks: locks.Set{Job: locks.Write, Node: locks.Write},
			nodeOrigin: true, throttled: true, fn: c.handleStepComplete,
		},
		uint16(wire.MsgCompleteBatchScript): {
			locks: locks.Set{Job: locks.Write, Node: locks.Write},
			nodeOrigin: true, throttled: true, fn: c.handleCompleteBatchScript,
		},
		uint16(wire.MsgCompleteJobAllocation): {
			locks: locks.Set{Job: locks.Write, Node: locks.Write},
			throttled: true, fn: c.handleCompleteJobAllocation,
		},
		uint16(wire.MsgCompleteProlog): {
			locks: locks.Set{Job: locks.Write, Node: locks.Write},
			nodeOrigin: true, fn: c.handleCompleteProlog,
		},
		uint16(wire.MsgEpilogComplete): {
			locks: locks.Set{Job: locks.Write, Node: locks.Write},
			nodeOrigin: true, fn: c.handleEpilogComplete,
		},

		// Node lifecycle.
		uint16(wire.MsgNodeRegistration): {
			locks: locks.Set{Job: locks.Write, Node: locks.Write},
			nodeOrigin: true, fn: c.handleNodeRegistration,
		},
		uint16(wire.MsgNodePing): {
			locks: locks.NodeWrite(), nodeOrigin: true, fn: c.handleNodePing,
		},
		uint16(wire.MsgRebootNodes): {
			locks: locks.NodeWrite(), minRole: auth.RoleSuperUser, fn: c.handleRebootNodes,
		},
		uint16(wire.MsgUpdateNode): {
			locks: locks.Set{Job: locks.Write, Node: locks.Write},
			minRole: auth.RoleSuperUser, fn: c.handleUpdateNode,
		},

		// Info queries.
		uint16(wire.MsgJobInfo):       {locks: locks.JobRead(), fn: c.handleJobInfo},
		uint16(wire.MsgJobInfoSingle): {locks: locks.JobRead(), fn: c.handleJobInfoSingle},
		uint16(wire.MsgJobUserInfo):   {locks: locks.JobRead(), fn: c.handleJobUserInfo},
		uint16(wire.MsgNodeInfo):      {locks: locks.NodeRead(), fn: c.handleNodeInfo},
		uint16(wire.MsgNodeInfoSingle): {locks: locks.NodeRead(), fn: c.handleNodeInfo},
		uint16(wire.MsgPartitionInfo): {locks: locks.PartRead(), fn: c.handlePartitionInfo},
		uint16(wire.MsgReservationInfo): {
			locks: locks.NodeRead(), fn: c.handleReservationInfo,
		},
		uint16(wire.MsgBuildInfo): {locks: locks.ConfigRead(), fn: c.handleBuildInfo},
		uint16(wire.MsgJobReady):  {locks: locks.JobRead(), fn: c.handleJobReady},
		uint16(wire.MsgPriorityFactors): {
			locks: locks.Set{Job: locks.Read, Partition: locks.Read}, fn: c.handlePriorityFactors,
		},
		uint16(wire.MsgStatsInfo):  {fn: c.handleStatsInfo},
		uint16(wire.MsgStatsReset): {minRole: auth.RoleSuperUser, fn: c.handleStatsReset},
		uint16(wire.MsgDaemonStatus): {fn: c.handleDaemonStatus},

		// Admin.
		uint16(wire.MsgPing): {fn: c.handlePing},
		uint16(wire.MsgReconfigure): {
			locks: locks.Set{Config: locks.Write, Job: locks.Write, Node: locks.Write, Partition: locks.Write},
			minRole: auth.RoleSuperUser, fn: c.handleReconfigure,
		},
		uint16(wire.MsgShutdown): {
			minRole: auth.RoleSuperUser, fn: c.handleShutdown,
		},
		uint16(wire.MsgShutdownImmediate): {
			minRole: auth.RoleSuperUser, fn: c.handleShutdown,
		},
		uint16(wire.MsgTakeover): {
			minRole: auth.RoleSuperUser, fn: c.handleTakeover,
		},
		uint16(wire.MsgSetDebugLevel): {
			minRole: auth.RoleSuperUser, fn: c.handleSetDebugLevel,
		},
		uint16(wire.MsgSetDebugFlags): {
			locks: locks.ConfigWrite(), minRole: auth.RoleSuperUser, fn: c.handleSetDebugFlags,
		},
		uint16(wire.MsgSetSchedLogLevel): {
			minRole: auth.RoleSuperUser, fn: c.handleSetSchedLogLevel,
		},

		// Partitions and reservations (admin-only mutations).
		uint16(wire.MsgCreatePartition): {
			locks: locks.Set{Node: locks.Read, Partition: locks.Write},
			minRole: auth.RoleSuperUser, fn: c.handleCreatePartition,
		},
		uint16(wire.MsgUpdatePartition): {
			locks: locks.Set{Node: locks.Read, Partition: locks.Write},
			minRole: auth.RoleSuperUser, fn: c.handleUpdatePartition,
		},
		uint16(wire.MsgDeletePartition): {
			locks: locks.Set{Job: locks.Read, Partition: locks.Write},
			minRole: auth.RoleSuperUser, fn: c.handleDeletePartition,
		},
		uint16(wire.MsgCreateReservation): {
			locks: locks.Set{Node: locks.Write, Partition: locks.Read},
			minRole: auth.RoleSuperUser, fn: c.handleCreateReservation,
		},
		uint16(wire.MsgUpdateReservation): {
			locks: locks.Set{Node: locks.Write, Partition: locks.Read},
			minRole: auth.RoleSuperUser, fn: c.handleUpdateReservation,
		},
		uint16(wire.MsgDeleteReservation): {
			locks: locks.Set{Job: locks.Read, Node: locks.Write},
			minRole: auth.RoleSuperUser, fn: c.handleDeleteReservation,
		},
	}
	return t
}
