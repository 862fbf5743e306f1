package fsm

import (
	"fmt"
	"time"

	"github.com/quarryproject/quarry/pkg/types"
)

// Node mutators. A node's base state moves on registration, allocation, job
// completion and NodeDown (watchdog expiry or admin down); admin resume also
// moves a Down node to Unknown.

// NodeRegistered applies a valid registration: NoRespond clears, Unknown,
// Down and Future nodes come up. hasJobs selects Allocated over Idle for a
// node that reports running work.
func NodeRegistered(n *types.Node, hasJobs bool, now time.Time) {
	n.Flags &^= types.NodeFlagNoRespond
	n.LastRegistered = now

	switch n.State {
	case types.NodeUnknown, types.NodeDown, types.NodeFuture:
		if hasJobs {
			n.State = types.NodeAllocated
		} else {
			n.State = types.NodeIdle
		}
	}
}

// DrainNode sets the Drain flag with a reason; the base state is untouched.
func DrainNode(n *types.Node, reason string) {
	n.Flags |= types.NodeFlagDrain
	n.Reason = reason
}

// ResumeNode clears an admin drain.
func ResumeNode(n *types.Node) {
	n.Flags &^= types.NodeFlagDrain | types.NodeFlagFail
	n.Reason = ""
}

// AllocateNode moves a node into the allocated shape when a job lands on it.
// shared selects Mixed for a node hosting multiple jobs.
func AllocateNode(n *types.Node, jobID uint32, shared bool) error {
	switch n.State {
	case types.NodeIdle, types.NodeAllocated, types.NodeMixed:
	default:
		return fmt.Errorf("node %s: allocate in state %s", n.Name, n.State)
	}
	if n.RunningJobs == nil {
		n.RunningJobs = make(map[uint32]struct{})
	}
	n.RunningJobs[jobID] = struct{}{}
	if shared || len(n.RunningJobs) > 1 {
		n.State = types.NodeMixed
	} else {
		n.State = types.NodeAllocated
	}
	return nil
}

// ReleaseNode removes a finished job from the node. When the last job's
// epilog completes the node returns to Idle; a drained node keeps its Drain
// flag and simply stops hosting work.
func ReleaseNode(n *types.Node, jobID uint32) {
	delete(n.RunningJobs, jobID)
	n.Flags &^= types.NodeFlagCompleting
	if len(n.RunningJobs) == 0 {
		if n.State == types.NodeAllocated || n.State == types.NodeMixed {
			n.State = types.NodeIdle
		}
	} else if len(n.RunningJobs) == 1 && n.State == types.NodeMixed {
		n.State = types.NodeAllocated
	}
}

// NodeMissedHeartbeat sets NoRespond; the watchdog downs the node on
// further delay via NodeDown.
func NodeMissedHeartbeat(n *types.Node) {
	n.Flags |= types.NodeFlagNoRespond
}

// NodeDown forces a node down with a reason.
func NodeDown(n *types.Node, reason string) {
	n.State = types.NodeDown
	n.Reason = reason
}

// SetMaint marks a node for maintenance/reboot; Maint blocks new
// allocations until the node re-registers.
func SetMaint(n *types.Node) {
	n.Flags |= types.NodeFlagMaint
}

// ClearMaint is applied when a rebooted node registers again.
func ClearMaint(n *types.Node) {
	n.Flags &^= types.NodeFlagMaint
}
