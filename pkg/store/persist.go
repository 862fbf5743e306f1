package store

import (
	"time"

	"github.com/quarryproject/quarry/pkg/types"
	"github.com/quarryproject/quarry/pkg/wire"
)

// Persistence shadows. Bitmaps persist as node-name lists so a state file
// survives node-table reordering across a reconfigure.

type JobShadow struct {
	ID           uint32   `cbor:"1,keyasint"`
	ArrayJobID   uint32   `cbor:"2,keyasint,omitempty"`
	ArrayTaskID  uint32   `cbor:"3,keyasint,omitempty"`
	Name         string   `cbor:"4,keyasint,omitempty"`
	UserID       uint32   `cbor:"5,keyasint"`
	GroupID      uint32   `cbor:"6,keyasint"`
	State        uint8    `cbor:"7,keyasint"`
	Flags        uint16   `cbor:"8,keyasint,omitempty"`
	Reason       uint8    `cbor:"9,keyasint,omitempty"`
	Priority     uint32   `cbor:"10,keyasint,omitempty"`
	Nodes        []string `cbor:"11,keyasint,omitempty"`
	NodeCount    uint32   `cbor:"12,keyasint,omitempty"`
	BatchHost    string   `cbor:"13,keyasint,omitempty"`
	SubmitTime   int64    `cbor:"14,keyasint,omitempty"`
	StartTime    int64    `cbor:"15,keyasint,omitempty"`
	EndTime      int64    `cbor:"16,keyasint,omitempty"`
	RestartCount uint32   `cbor:"17,keyasint,omitempty"`
	NextStepID   uint32   `cbor:"18,keyasint,omitempty"`
	MinNodes     uint32   `cbor:"19,keyasint,omitempty"`
	MaxNodes     uint32   `cbor:"20,keyasint,omitempty"`
	MinCPUs      uint32   `cbor:"21,keyasint,omitempty"`
	MemPerCPU    uint64   `cbor:"22,keyasint,omitempty"`
	MemPerNode   uint64   `cbor:"23,keyasint,omitempty"`
	Features     []string `cbor:"24,keyasint,omitempty"`
	Gres         []string `cbor:"25,keyasint,omitempty"`
	Partition    string   `cbor:"26,keyasint,omitempty"`
	Reservation  string   `cbor:"27,keyasint,omitempty"`
	TimeLimitSec int64    `cbor:"28,keyasint,omitempty"`
	SpankEnv     []string `cbor:"29,keyasint,omitempty"`
	Requeue      bool     `cbor:"30,keyasint,omitempty"`
	MaxRestarts  uint32   `cbor:"31,keyasint,omitempty"`
	Script       string   `cbor:"32,keyasint,omitempty"`
	WorkDir      string   `cbor:"33,keyasint,omitempty"`
}

type NodeShadow struct {
	Name   string `cbor:"1,keyasint"`
	State  uint8  `cbor:"2,keyasint"`
	Flags  uint16 `cbor:"3,keyasint,omitempty"`
	Reason string `cbor:"4,keyasint,omitempty"`
}

type PartitionShadow struct {
	Name        string   `cbor:"1,keyasint"`
	Nodes       []string `cbor:"2,keyasint,omitempty"`
	MaxTimeSec  int64    `cbor:"3,keyasint,omitempty"`
	DefaultSec  int64    `cbor:"4,keyasint,omitempty"`
	Priority    uint16   `cbor:"5,keyasint,omitempty"`
	Default     bool     `cbor:"6,keyasint,omitempty"`
	Up          bool     `cbor:"7,keyasint"`
}

type ReservationShadow struct {
	Name      string   `cbor:"1,keyasint"`
	Nodes     []string `cbor:"2,keyasint,omitempty"`
	StartTime int64    `cbor:"3,keyasint"`
	EndTime   int64    `cbor:"4,keyasint"`
	Users     []uint32 `cbor:"5,keyasint,omitempty"`
	Accounts  []string `cbor:"6,keyasint,omitempty"`
	Maint     bool     `cbor:"7,keyasint,omitempty"`
}

// DumpJobs snapshots every job for the state save.
func (s *Store) DumpJobs() []JobShadow {
	out := make([]JobShadow, 0, len(s.jobs))
	for _, id := range s.JobIDs() {
		j := s.jobs[id]
		sh := JobShadow{
			ID:           j.ID,
			ArrayJobID:   j.ArrayJobID,
			ArrayTaskID:  j.ArrayTaskID,
			Name:         j.Name,
			UserID:       j.UserID,
			GroupID:      j.GroupID,
			State:        uint8(j.State),
			Flags:        uint16(j.Flags),
			Reason:       uint8(j.Reason),
			Priority:     j.Priority,
			Nodes:        s.NamesFor(j.NodeBitmap),
			NodeCount:    j.NodeCount,
			BatchHost:    j.BatchHost,
			SubmitTime:   wire.Timestamp(j.SubmitTime),
			StartTime:    wire.Timestamp(j.StartTime),
			EndTime:      wire.Timestamp(j.EndTime),
			RestartCount: j.RestartCount,
			NextStepID:   j.NextStepID,
			MinNodes:     j.Request.MinNodes,
			MaxNodes:     j.Request.MaxNodes,
			MinCPUs:      j.Request.MinCPUs,
			MemPerCPU:    j.Request.MemPerCPU,
			MemPerNode:   j.Request.MemPerNode,
			Features:     j.Request.Features,
			Gres:         j.Request.Gres,
			Partition:    j.Request.Partition,
			Reservation:  j.Request.Reservation,
			TimeLimitSec: int64(j.Request.TimeLimit / time.Second),
			SpankEnv:     j.SpankEnv,
		}
		if j.Details != nil {
			sh.Requeue = j.Details.Requeue
			sh.MaxRestarts = j.Details.MaxRestarts
			sh.Script = j.Details.Script
			sh.WorkDir = j.Details.WorkDir
		}
		out = append(out, sh)
	}
	return out
}

// RestoreJobs reinserts persisted jobs with the state and flags they were
// saved with; a job saved Running or Completing comes back that way.
func (s *Store) RestoreJobs(shadows []JobShadow) error {
	for _, sh := range shadows {
		j := &types.Job{
			ID:          sh.ID,
			ArrayJobID:  sh.ArrayJobID,
			ArrayTaskID: sh.ArrayTaskID,
			Name:        sh.Name,
			UserID:      sh.UserID,
			GroupID:     sh.GroupID,
			State:       types.JobState(sh.State),
			Flags:       types.JobFlags(sh.Flags),
			Reason:      types.ReasonCode(sh.Reason),
			Priority:    sh.Priority,
			NodeCount:   sh.NodeCount,
			BatchHost:   sh.BatchHost,
			RestartCount: sh.RestartCount,
			NextStepID:  sh.NextStepID,
			SpankEnv:    sh.SpankEnv,
			Details: &types.JobDetails{
				Requeue:     sh.Requeue,
				MaxRestarts: sh.MaxRestarts,
				Script:      sh.Script,
				WorkDir:     sh.WorkDir,
			},
			Request: types.AllocRequest{
				MinNodes:    sh.MinNodes,
				MaxNodes:    sh.MaxNodes,
				MinCPUs:     sh.MinCPUs,
				MemPerCPU:   sh.MemPerCPU,
				MemPerNode:  sh.MemPerNode,
				Features:    sh.Features,
				Gres:        sh.Gres,
				Partition:   sh.Partition,
				Reservation: sh.Reservation,
				TimeLimit:   time.Duration(sh.TimeLimitSec) * time.Second,
			},
		}
		if sh.SubmitTime != 0 {
			j.SubmitTime = time.Unix(sh.SubmitTime, 0)
		}
		if sh.StartTime != 0 {
			j.StartTime = time.Unix(sh.StartTime, 0)
		}
		if sh.EndTime != 0 {
			j.EndTime = time.Unix(sh.EndTime, 0)
		}
		if len(sh.Nodes) > 0 {
			j.NodeBitmap = s.BitmapFor(sh.Nodes)
		}
		if err := s.InsertRestoredJob(j); err != nil {
			return err
		}
	}
	return nil
}

// DumpNodes snapshots dynamic node state; hardware comes from config.
func (s *Store) DumpNodes() []NodeShadow {
	out := make([]NodeShadow, 0, len(s.nodeTable))
	for _, n := range s.nodeTable {
		out = append(out, NodeShadow{
			Name:   n.Name,
			State:  uint8(n.State),
			Flags:  uint16(n.Flags),
			Reason: n.Reason,
		})
	}
	return out
}

// RestoreNodes applies persisted node state onto the config-built table.
// Unknown names are skipped: the node table is config-owned.
func (s *Store) RestoreNodes(shadows []NodeShadow) {
	for _, sh := range shadows {
		n := s.byName[sh.Name]
		if n == nil {
			continue
		}
		n.State = types.NodeState(sh.State)
		n.Flags = types.NodeFlags(sh.Flags)
		n.Reason = sh.Reason
	}
}

// DumpPartitions snapshots runtime partition state.
func (s *Store) DumpPartitions() []PartitionShadow {
	parts := s.Partitions()
	out := make([]PartitionShadow, 0, len(parts))
	for _, p := range parts {
		out = append(out, PartitionShadow{
			Name:       p.Name,
			Nodes:      p.Nodes,
			MaxTimeSec: int64(p.MaxTime / time.Second),
			DefaultSec: int64(p.DefaultTime / time.Second),
			Priority:   p.Priority,
			Default:    p.Default,
			Up:         p.Up,
		})
	}
	return out
}

// RestorePartitions merges persisted partitions over the config table,
// recreating ones added at runtime.
func (s *Store) RestorePartitions(shadows []PartitionShadow) {
	for _, sh := range shadows {
		p := s.partitions[sh.Name]
		if p == nil {
			p = &types.Partition{Name: sh.Name, Nodes: sh.Nodes}
			p.NodeBitmap = s.BitmapFor(sh.Nodes)
			s.partitions[sh.Name] = p
		}
		p.MaxTime = time.Duration(sh.MaxTimeSec) * time.Second
		p.DefaultTime = time.Duration(sh.DefaultSec) * time.Second
		p.Priority = sh.Priority
		p.Default = sh.Default
		p.Up = sh.Up
	}
}

// DumpReservations snapshots all reservations.
func (s *Store) DumpReservations() []ReservationShadow {
	resvs := s.Reservations()
	out := make([]ReservationShadow, 0, len(resvs))
	for _, r := range resvs {
		out = append(out, ReservationShadow{
			Name:      r.Name,
			Nodes:     r.Nodes,
			StartTime: r.StartTime.Unix(),
			EndTime:   r.EndTime.Unix(),
			Users:     r.Users,
			Accounts:  r.Accounts,
			Maint:     r.Maint,
		})
	}
	return out
}

// RestoreReservations reinstalls persisted reservations.
func (s *Store) RestoreReservations(shadows []ReservationShadow) {
	for _, sh := range shadows {
		r := &types.Reservation{
			Name:      sh.Name,
			Nodes:     sh.Nodes,
			StartTime: time.Unix(sh.StartTime, 0),
			EndTime:   time.Unix(sh.EndTime, 0),
			Users:     sh.Users,
			Accounts:  sh.Accounts,
			Maint:     sh.Maint,
		}
		r.NodeBitmap = s.BitmapFor(sh.Nodes)
		s.reservations[sh.Name] = r
	}
}
