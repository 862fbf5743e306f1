package step

import (
	"sync"
	"time"

	"github.com/quarryproject/quarry/pkg/acct"
	"github.com/quarryproject/quarry/pkg/bitmap"
	"github.com/quarryproject/quarry/pkg/cred"
	"github.com/quarryproject/quarry/pkg/plugins"
	"github.com/quarryproject/quarry/pkg/store"
	"github.com/quarryproject/quarry/pkg/types"
	"github.com/quarryproject/quarry/pkg/wire"
)

// Manager creates steps against live jobs and mints their credentials.
// Callers hold job write + node read locks.
type Manager struct {
	store  *store.Store
	signer *cred.Signer
	swtch  plugins.Switch
	sink   acct.Sink

	portMu   sync.Mutex
	nextPort uint16
}

// Port range reserved for MPI step communication.
const (
	portFirst uint16 = 12000
	portLast  uint16 = 13999
)

// NewManager wires the step manager.
func NewManager(st *store.Store, signer *cred.Signer, swtch plugins.Switch, sink acct.Sink) *Manager {
	return &Manager{
		store:    st,
		signer:   signer,
		swtch:    swtch,
		sink:     sink,
		nextPort: portFirst,
	}
}

// Create validates the request against the job's state and allocation,
// assigns a step id, computes the task layout, reserves MPI ports when
// asked, and mints the step credential.
func (m *Manager) Create(job *types.Job, req *wire.StepCreateRequest, now time.Time) (*types.Step, []byte, error) {
	if job.IsSuspended() {
		return nil, nil, wire.Err(wire.ErrDisabled)
	}
	if !job.IsRunning() {
		return nil, nil, wire.Errf(wire.ErrInvalidJobID, "job %d not running", job.ID)
	}
	if job.IsConfiguring() {
		return nil, nil, wire.Err(wire.ErrPrologRunning)
	}
	if req.TaskCount == 0 {
		return nil, nil, wire.Errf(wire.ErrUnexpected, "zero tasks requested")
	}

	// Node subset: the first MinNodes nodes of the allocation, or all of it.
	want := req.MinNodes
	if want == 0 || want > job.NodeCount {
		want = job.NodeCount
	}
	stepBM := bitmap.New(job.NodeBitmap.Size())
	var cpusAvail uint32
	taken := uint32(0)
	for _, idx := range job.NodeBitmap.Indices() {
		if taken >= want {
			break
		}
		stepBM.Set(idx)
		if job.Resources != nil {
			cpusAvail += job.Resources.CPUs[idx]
		}
		taken++
	}

	cpusPerTask := req.CPUsPerTask
	if cpusPerTask == 0 {
		cpusPerTask = 1
	}
	if job.Resources != nil && req.TaskCount*cpusPerTask > cpusAvail {
		return nil, nil, wire.Errf(wire.ErrResourceBusy,
			"step wants %d cpus, allocation holds %d", req.TaskCount*cpusPerTask, cpusAvail)
	}
	if req.MemPerNode > 0 && job.Request.MemPerNode > 0 && req.MemPerNode > job.Request.MemPerNode {
		return nil, nil, wire.Errf(wire.ErrResourceBusy,
			"step memory %d exceeds job limit %d", req.MemPerNode, job.Request.MemPerNode)
	}

	s := &types.Step{
		JobID:      job.ID,
		StepID:     m.store.NextStepID(job),
		NodeBitmap: stepBM,
		MemPerNode: req.MemPerNode,
		Layout:     layout(req.TaskCount, cpusPerTask, int(taken)),
		CreatedAt:  now,
	}
	s.Unfinished = bitmap.New(int(taken))
	for i := 0; i < int(taken); i++ {
		s.Unfinished.Set(i)
	}

	if req.ReservePorts > 0 {
		first, last, err := m.reservePorts(req.ReservePorts)
		if err != nil {
			return nil, nil, err
		}
		s.PortFirst, s.PortLast = first, last
	}

	s.SwitchInfo = m.swtch.BuildStepInfo(job, s)

	signed, err := m.mintStepCredential(job, s)
	if err != nil {
		return nil, nil, err
	}

	job.Steps[s.StepID] = s
	job.LastActive = now
	m.sink.StepStart(s)
	return s, signed, nil
}

// layout block-distributes tasks over the step's nodes: earlier nodes take
// the remainder.
func layout(tasks, cpusPerTask uint32, nodes int) *types.StepLayout {
	l := &types.StepLayout{
		TaskCount:    tasks,
		CPUsPerTask:  cpusPerTask,
		TasksPerNode: make([]uint32, nodes),
	}
	base := tasks / uint32(nodes)
	rem := tasks % uint32(nodes)
	for i := range l.TasksPerNode {
		l.TasksPerNode[i] = base
		if uint32(i) < rem {
			l.TasksPerNode[i]++
		}
	}
	return l
}

func (m *Manager) reservePorts(count uint16) (uint16, uint16, error) {
	m.portMu.Lock()
	defer m.portMu.Unlock()
	if m.nextPort+count-1 > portLast {
		m.nextPort = portFirst
	}
	first := m.nextPort
	m.nextPort += count
	return first, first + count - 1, nil
}

func (m *Manager) mintStepCredential(job *types.Job, s *types.Step) ([]byte, error) {
	expire := time.Now().Add(24 * time.Hour)
	if !job.StartTime.IsZero() && job.Request.TimeLimit > 0 {
		expire = job.StartTime.Add(job.Request.TimeLimit)
	}
	mem := s.MemPerNode
	if mem == 0 {
		mem = job.Request.MemPerNode
	}
	arg := &cred.Arg{
		JobID:     job.ID,
		StepID:    s.StepID,
		UserID:    job.UserID,
		NodeList:  m.store.NamesFor(s.NodeBitmap),
		MemLimit:  mem,
		GresList:  job.Request.Gres,
		ExpiresAt: expire.Unix(),
	}
	arg.CoreBitmap, arg.CoresPerSocket, arg.SocketsPerNode, arg.SockCoreRepCount =
		m.coreTopology(s)
	return m.signer.Mint(arg)
}

// coreTopology summarizes the step nodes' socket/core shape for the
// credential; homogeneous nodes compress into one repetition group.
func (m *Manager) coreTopology(s *types.Step) ([]byte, []uint16, []uint16, []uint32) {
	var cores, sockets []uint16
	var reps []uint32
	totalCores := 0
	for _, idx := range s.NodeBitmap.Indices() {
		n := m.store.NodeAt(idx)
		if n == nil {
			continue
		}
		c, sk := n.Cores, n.Sockets
		if c == 0 {
			c = 1
		}
		if sk == 0 {
			sk = 1
		}
		totalCores += int(c) * int(sk)
		if len(cores) > 0 && cores[len(cores)-1] == c && sockets[len(sockets)-1] == sk {
			reps[len(reps)-1]++
			continue
		}
		cores = append(cores, c)
		sockets = append(sockets, sk)
		reps = append(reps, 1)
	}
	raw := make([]byte, (totalCores+7)/8)
	for i := 0; i < totalCores; i++ {
		raw[i/8] |= 1 << uint(i%8)
	}
	return raw, cores, sockets, reps
}

// BatchCredential mints the credential used at batch job dispatch.
func (m *Manager) BatchCredential(job *types.Job) ([]byte, error) {
	expire := time.Now().Add(24 * time.Hour)
	if !job.StartTime.IsZero() && job.Request.TimeLimit > 0 {
		expire = job.StartTime.Add(job.Request.TimeLimit)
	}
	return m.signer.Mint(&cred.Arg{
		JobID:     job.ID,
		StepID:    wire.BatchScriptStep,
		UserID:    job.UserID,
		NodeList:  []string{job.BatchHost},
		MemLimit:  job.Request.MemPerNode,
		ExpiresAt: expire.Unix(),
	})
}

// SbcastCredential mints a broadcast-file credential expiring at the job's
// end time.
func (m *Manager) SbcastCredential(job *types.Job, now time.Time) ([]byte, int64, error) {
	end := now.Add(time.Hour)
	if !job.StartTime.IsZero() && job.Request.TimeLimit > 0 {
		end = job.StartTime.Add(job.Request.TimeLimit)
	}
	signed, err := m.signer.Mint(&cred.Arg{
		JobID:     job.ID,
		StepID:    wire.BatchScriptStep,
		UserID:    job.UserID,
		NodeList:  m.store.NamesFor(job.NodeBitmap),
		ExpiresAt: end.Unix(),
	})
	return signed, end.Unix(), err
}

// CompleteRange applies a step-complete report for node-local indices
// [first..last]. The binomial fan-in tracks unfinished indices; a duplicate
// range returns ErrAlreadyDone and changes nothing. The boolean reports
// whether this delivery finished the step.
func (m *Manager) CompleteRange(job *types.Job, s *types.Step, first, last uint32, rc int32) (bool, error) {
	if s.Finished {
		return false, wire.Err(wire.ErrAlreadyDone)
	}
	if first > last || last >= uint32(s.Unfinished.Size()) {
		return false, wire.Errf(wire.ErrUnexpected, "range [%d..%d] outside step width %d",
			first, last, s.Unfinished.Size())
	}

	any := false
	for i := first; i <= last; i++ {
		if s.Unfinished.Test(int(i)) {
			any = true
			break
		}
	}
	if !any {
		// Duplicate delivery: acknowledged as a no-op.
		return false, wire.Err(wire.ErrAlreadyDone)
	}

	for i := first; i <= last; i++ {
		s.Unfinished.Clear(int(i))
	}
	if rc > s.ExitCode {
		s.ExitCode = rc
	}
	if !s.Unfinished.Any() {
		s.Finished = true
		m.sink.StepEnd(s)
		delete(job.Steps, s.StepID)
		return true, nil
	}
	return false, nil
}
