package sched

import (
	"time"

	"github.com/quarryproject/quarry/pkg/bitmap"
	"github.com/quarryproject/quarry/pkg/types"
	"github.com/quarryproject/quarry/pkg/wire"
)

// selectNodes resolves a pending job against the cluster: partition node
// set, feature filter, availability, reservation gates, topology ordering,
// then a minimal-weight subset satisfying the node and CPU counts. Nothing
// is committed; the caller owns the transition.
func (s *Scheduler) selectNodes(job *types.Job, now time.Time) (*bitmap.Bitmap, *types.JobResources, error) {
	part := s.store.FindPartition(job.Request.Partition)
	if part == nil {
		return nil, nil, wire.Err(wire.ErrInvalidPartitionName)
	}
	if !part.Up {
		return nil, nil, wire.Err(wire.ErrPartConfigUnavailable)
	}

	var jobResv *types.Reservation
	if name := job.Request.Reservation; name != "" {
		jobResv = s.store.FindReservation(name)
		if jobResv == nil {
			return nil, nil, wire.Err(wire.ErrInvalidReservationName)
		}
		if !jobResv.AllowsUser(job.UserID) || !jobResv.Active(now) {
			return nil, nil, wire.Err(wire.ErrReservationNotUsable)
		}
	}

	// Candidate set: partition nodes, feature-matched, available, and
	// clear of foreign active reservations.
	var cands []*types.Node
	anyDown := false
	for _, idx := range part.NodeBitmap.Indices() {
		node := s.store.NodeAt(idx)
		if node == nil {
			continue
		}
		if node.State == types.NodeDown || node.Flags&types.NodeFlagNoRespond != 0 {
			anyDown = true
			continue
		}
		if !node.IsAvailable() {
			continue
		}
		if !hasFeatures(node, job.Request.Features) {
			continue
		}
		if jobResv != nil {
			if !jobResv.NodeBitmap.Test(idx) {
				continue
			}
		} else if s.gatedByReservation(idx, job.UserID, now) {
			continue
		}
		// A Mixed node already hosting work is skipped: the selector hands
		// out whole nodes only.
		if node.State == types.NodeMixed && len(node.RunningJobs) > 0 {
			continue
		}
		cands = append(cands, node)
	}

	if uint32(len(cands)) < job.Request.MinNodes {
		if anyDown {
			return nil, nil, wire.Err(wire.ErrNodeNotAvail)
		}
		return nil, nil, wire.Errf(wire.ErrResourceBusy, "%d of %d required nodes available",
			len(cands), job.Request.MinNodes)
	}

	// Preferred ordering from the topology plugin, then take the cheapest
	// subset that satisfies the request.
	ordered := s.topology.OrderNodes(cands)

	want := job.Request.MinNodes
	maxNodes := job.Request.MaxNodes
	if maxNodes < want {
		maxNodes = want
	}

	selected := bitmap.New(s.store.NodeCount())
	res := &types.JobResources{
		CPUs:   make(map[int]uint32),
		Memory: make(map[int]uint64),
	}
	var cpus uint32
	var picked uint32
	for _, node := range ordered {
		if picked >= maxNodes {
			break
		}
		if picked >= want && cpus >= job.Request.MinCPUs {
			break
		}
		selected.Set(node.Index)
		res.CPUs[node.Index] = node.CPUs
		res.Memory[node.Index] = memoryFor(job, node)
		cpus += node.CPUs
		picked++
	}

	if picked < want || cpus < job.Request.MinCPUs {
		return nil, nil, wire.Errf(wire.ErrResourceBusy, "insufficient resources: %d nodes/%d cpus",
			picked, cpus)
	}
	return selected, res, nil
}

// gatedByReservation reports whether an active reservation excludes the
// user from the node.
func (s *Scheduler) gatedByReservation(nodeIndex int, uid uint32, now time.Time) bool {
	for _, r := range s.store.ReservationsOn(nodeIndex) {
		if r.Active(now) && !r.AllowsUser(uid) {
			return true
		}
	}
	return false
}

func hasFeatures(node *types.Node, want []string) bool {
	for _, f := range want {
		if !node.HasFeature(f) {
			return false
		}
	}
	return true
}

func memoryFor(job *types.Job, node *types.Node) uint64 {
	if job.Request.MemPerNode > 0 {
		return job.Request.MemPerNode
	}
	if job.Request.MemPerCPU > 0 {
		return job.Request.MemPerCPU * uint64(node.CPUs)
	}
	return node.RealMemory
}
