package store

import (
	"fmt"
	"sort"

	"github.com/quarryproject/quarry/pkg/bitmap"
	"github.com/quarryproject/quarry/pkg/clock"
	"github.com/quarryproject/quarry/pkg/config"
	"github.com/quarryproject/quarry/pkg/types"
	"github.com/quarryproject/quarry/pkg/wire"
)

// Store is the in-memory entity graph: jobs, steps, nodes, front-ends,
// partitions and reservations with their lookup indices. It owns every
// record; other components keep ids only and re-resolve under the lock
// domain. The store itself is not internally synchronized — callers hold
// the appropriate lock axes.
type Store struct {
	clk   clock.Clock
	jobID *clock.JobIDAllocator

	jobs   map[uint32]*types.Job
	byUser map[uint32]map[uint32]struct{}
	byPart map[string]map[uint32]struct{}

	// nodeTable index == bitmap index; nodes are created at config load and
	// never destroyed at runtime.
	nodeTable []*types.Node
	byName    map[string]*types.Node

	frontEnds    map[string]*types.FrontEnd
	partitions   map[string]*types.Partition
	reservations map[string]*types.Reservation
}

// New builds a store from the config snapshot's node, partition and
// front-end tables.
func New(cfg *config.Snapshot, clk clock.Clock) *Store {
	s := &Store{
		clk:          clk,
		jobs:         make(map[uint32]*types.Job),
		byUser:       make(map[uint32]map[uint32]struct{}),
		byPart:       make(map[string]map[uint32]struct{}),
		byName:       make(map[string]*types.Node),
		frontEnds:    make(map[string]*types.FrontEnd),
		partitions:   make(map[string]*types.Partition),
		reservations: make(map[string]*types.Reservation),
	}
	s.jobID = clock.NewJobIDAllocator(cfg.FirstJobID, cfg.MaxJobID, func(id uint32) bool {
		_, live := s.jobs[id]
		return live
	})

	for _, def := range cfg.Nodes {
		n := &types.Node{
			Name:       def.Name,
			Addr:       def.Addr,
			Index:      len(s.nodeTable),
			Boards:     def.Boards,
			Sockets:    def.Sockets,
			Cores:      def.Cores,
			Threads:    def.Threads,
			CPUs:       def.CPUs,
			RealMemory: def.RealMemory,
			TmpDisk:    def.TmpDisk,
			Features:   def.Features,
			Weight:     def.Weight,
			State:      types.NodeUnknown,
			RunningJobs: make(map[uint32]struct{}),
		}
		if def.Future {
			n.State = types.NodeFuture
		}
		if def.Cloud {
			n.Flags |= types.NodeFlagCloud
		}
		s.nodeTable = append(s.nodeTable, n)
		s.byName[def.Name] = n
	}

	for _, def := range cfg.Partitions {
		p := &types.Partition{
			Name:          def.Name,
			Nodes:         def.Nodes,
			MaxTime:       def.MaxTime,
			DefaultTime:   def.DefaultTime,
			Priority:      def.Priority,
			Default:       def.Default,
			Up:            true,
			AllowUsers:    def.AllowUsers,
			AllowAccounts: def.AllowAccounts,
		}
		p.NodeBitmap = s.BitmapFor(def.Nodes)
		s.partitions[def.Name] = p
	}

	for _, def := range cfg.FrontEnds {
		s.frontEnds[def.Name] = &types.FrontEnd{
			Name:      def.Name,
			Addr:      def.Addr,
			NodeNames: def.Nodes,
			State:     types.NodeUnknown,
		}
	}
	return s
}

// NodeCount is the size every node bitmap must have.
func (s *Store) NodeCount() int {
	return len(s.nodeTable)
}

// BitmapFor builds a bitmap over the named nodes, ignoring unknown names.
func (s *Store) BitmapFor(names []string) *bitmap.Bitmap {
	bm := bitmap.New(len(s.nodeTable))
	for _, name := range names {
		if n, ok := s.byName[name]; ok {
			bm.Set(n.Index)
		}
	}
	return bm
}

// NamesFor resolves a bitmap back to node names.
func (s *Store) NamesFor(bm *bitmap.Bitmap) []string {
	if bm == nil {
		return nil
	}
	var names []string
	for _, i := range bm.Indices() {
		names = append(names, s.nodeTable[i].Name)
	}
	return names
}

// --- lookups ---

func (s *Store) FindJob(id uint32) *types.Job {
	return s.jobs[id]
}

func (s *Store) FindNode(name string) *types.Node {
	return s.byName[name]
}

func (s *Store) NodeAt(index int) *types.Node {
	if index < 0 || index >= len(s.nodeTable) {
		return nil
	}
	return s.nodeTable[index]
}

func (s *Store) FindStep(jobID, stepID uint32) *types.Step {
	job := s.jobs[jobID]
	if job == nil {
		return nil
	}
	return job.Steps[stepID]
}

func (s *Store) FindPartition(name string) *types.Partition {
	return s.partitions[name]
}

// DefaultPartition returns the partition flagged default, if any.
func (s *Store) DefaultPartition() *types.Partition {
	for _, p := range s.partitions {
		if p.Default {
			return p
		}
	}
	return nil
}

func (s *Store) FindReservation(name string) *types.Reservation {
	return s.reservations[name]
}

func (s *Store) FindFrontEnd(name string) *types.FrontEnd {
	return s.frontEnds[name]
}

// FrontEndFor returns the front-end owning a node, or nil under per-node
// dispatch.
func (s *Store) FrontEndFor(nodeName string) *types.FrontEnd {
	for _, fe := range s.frontEnds {
		for _, n := range fe.NodeNames {
			if n == nodeName {
				return fe
			}
		}
	}
	return nil
}

// --- mutation ---

// InsertJob assigns an id and adds the job to the primary and secondary
// indices.
func (s *Store) InsertJob(job *types.Job) (uint32, error) {
	id, err := s.jobID.Next()
	if err != nil {
		return 0, err
	}
	job.ID = id
	if job.Steps == nil {
		job.Steps = make(map[uint32]*types.Step)
	}
	job.SubmitTime = s.clk.Now()
	job.LastActive = job.SubmitTime
	s.index(job)
	return id, nil
}

// InsertRestoredJob re-adds a job recovered from the state save, keeping its
// id.
func (s *Store) InsertRestoredJob(job *types.Job) error {
	if _, exists := s.jobs[job.ID]; exists {
		return wire.Errf(wire.ErrDuplicateJobID, "job %d already present", job.ID)
	}
	if job.Steps == nil {
		job.Steps = make(map[uint32]*types.Step)
	}
	s.index(job)
	return nil
}

func (s *Store) index(job *types.Job) {
	s.jobs[job.ID] = job
	if s.byUser[job.UserID] == nil {
		s.byUser[job.UserID] = make(map[uint32]struct{})
	}
	s.byUser[job.UserID][job.ID] = struct{}{}
	part := job.Request.Partition
	if s.byPart[part] == nil {
		s.byPart[part] = make(map[uint32]struct{})
	}
	s.byPart[part][job.ID] = struct{}{}
}

// MoveJobPartition reindexes a pending job into a new partition.
func (s *Store) MoveJobPartition(job *types.Job, part string) {
	delete(s.byPart[job.Request.Partition], job.ID)
	job.Request.Partition = part
	if s.byPart[part] == nil {
		s.byPart[part] = make(map[uint32]struct{})
	}
	s.byPart[part][job.ID] = struct{}{}
}

// DeleteJob removes a job; refused while cleanup is still in flight.
func (s *Store) DeleteJob(id uint32) error {
	job := s.jobs[id]
	if job == nil {
		return wire.Err(wire.ErrInvalidJobID)
	}
	if job.IsCompleting() {
		return wire.Errf(wire.ErrInProgress, "job %d still completing", id)
	}
	delete(s.jobs, id)
	delete(s.byUser[job.UserID], id)
	delete(s.byPart[job.Request.Partition], id)
	return nil
}

// NextStepID allocates the per-job monotonic step id.
func (s *Store) NextStepID(job *types.Job) uint32 {
	id := job.NextStepID
	job.NextStepID++
	return id
}

// NextJobID exposes the id counter for state save.
func (s *Store) NextJobID() uint32 {
	return s.jobID.NextPending()
}

// RestoreJobID repositions the id counter after restart.
func (s *Store) RestoreJobID(next uint32) {
	s.jobID.Restore(next)
}

// AddReservation installs a reservation record.
func (s *Store) AddReservation(r *types.Reservation) {
	s.reservations[r.Name] = r
}

func (s *Store) DeleteReservation(name string) error {
	if _, ok := s.reservations[name]; !ok {
		return wire.Err(wire.ErrInvalidReservationName)
	}
	delete(s.reservations, name)
	return nil
}

// AddPartition installs a partition created at runtime.
func (s *Store) AddPartition(p *types.Partition) {
	s.partitions[p.Name] = p
}

func (s *Store) DeletePartition(name string) error {
	if _, ok := s.partitions[name]; !ok {
		return wire.Err(wire.ErrInvalidPartitionName)
	}
	delete(s.partitions, name)
	return nil
}

// --- iteration (stable ids; callers re-resolve under lock) ---

// JobIDs returns every job id in ascending order.
func (s *Store) JobIDs() []uint32 {
	ids := make([]uint32, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// JobIDsByUser returns the user's job ids in ascending order.
func (s *Store) JobIDsByUser(uid uint32) []uint32 {
	ids := make([]uint32, 0, len(s.byUser[uid]))
	for id := range s.byUser[uid] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PendingJobIDs returns ids of pending jobs in ascending order.
func (s *Store) PendingJobIDs() []uint32 {
	var ids []uint32
	for id, j := range s.jobs {
		if j.IsPending() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Nodes returns the node table; index equals bitmap position.
func (s *Store) Nodes() []*types.Node {
	return s.nodeTable
}

// Partitions returns all partitions sorted by name.
func (s *Store) Partitions() []*types.Partition {
	out := make([]*types.Partition, 0, len(s.partitions))
	for _, p := range s.partitions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reservations returns all reservations sorted by name.
func (s *Store) Reservations() []*types.Reservation {
	out := make([]*types.Reservation, 0, len(s.reservations))
	for _, r := range s.reservations {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ReservationsOn returns reservations covering the node, for overlap checks.
func (s *Store) ReservationsOn(nodeIndex int) []*types.Reservation {
	var out []*types.Reservation
	for _, r := range s.reservations {
		if r.NodeBitmap != nil && r.NodeBitmap.Test(nodeIndex) {
			out = append(out, r)
		}
	}
	return out
}

// CheckIntegrity validates the referential invariants: step membership,
// bitmap sizing, index agreement. Called from tests after store mutations
// and at the end of several controller scenarios.
func (s *Store) CheckIntegrity() error {
	for id, job := range s.jobs {
		if job.ID != id {
			return fmt.Errorf("job %d indexed under %d", job.ID, id)
		}
		if _, ok := s.byUser[job.UserID][id]; !ok {
			return fmt.Errorf("job %d missing from user index", id)
		}
		if _, ok := s.byPart[job.Request.Partition][id]; !ok {
			return fmt.Errorf("job %d missing from partition index", id)
		}
		if job.NodeBitmap != nil {
			if job.NodeBitmap.Size() != len(s.nodeTable) {
				return fmt.Errorf("job %d bitmap size %d, node table %d",
					id, job.NodeBitmap.Size(), len(s.nodeTable))
			}
			if job.IsRunning() && uint32(job.NodeBitmap.Count()) != job.NodeCount {
				return fmt.Errorf("job %d bitmap cardinality %d != node_cnt %d",
					id, job.NodeBitmap.Count(), job.NodeCount)
			}
		}
		for stepID, step := range job.Steps {
			if step.JobID != id {
				return fmt.Errorf("step %d.%d back-reference %d", id, stepID, step.JobID)
			}
			if step.NodeBitmap != nil && job.NodeBitmap != nil &&
				!step.NodeBitmap.IsSubsetOf(job.NodeBitmap) {
				return fmt.Errorf("step %d.%d bitmap not within job allocation", id, stepID)
			}
		}
	}
	for uid, ids := range s.byUser {
		for id := range ids {
			job := s.jobs[id]
			if job == nil || job.UserID != uid {
				return fmt.Errorf("user index %d holds stale job %d", uid, id)
			}
		}
	}
	return nil
}
