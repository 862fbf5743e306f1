package types

import (
	"time"

	"github.com/quarryproject/quarry/pkg/bitmap"
)

// NoArrayTask marks a job that is not an array task.
const NoArrayTask = ^uint32(0)

// AllocRequest is what a job asks for at submit/allocate time.
type AllocRequest struct {
	MinNodes   uint32
	MaxNodes   uint32
	MinCPUs    uint32
	MemPerCPU  uint64 // bytes; 0 when MemPerNode is set
	MemPerNode uint64 // bytes; 0 when MemPerCPU is set
	Features   []string
	Gres       []string
	Partition  string
	Reservation string
	TimeLimit  time.Duration
}

// JobDetails carries batch-specific settings consulted at completion time.
type JobDetails struct {
	Requeue        bool   // requeue on batch host failure
	MaxRestarts    uint32 // retry budget
	HoldOnExitCode bool   // hold instead of requeue when the script exits non-zero
	Script         string // batch script body
	WorkDir        string
}

// Job is a long-lived unit of resource demand.
type Job struct {
	ID          uint32
	ArrayJobID  uint32 // master id, 0 when not an array job
	ArrayTaskID uint32 // NoArrayTask when not an array task
	Name        string
	UserID      uint32
	GroupID     uint32

	Request  AllocRequest
	SpankEnv []string
	Details  *JobDetails

	State JobState
	Flags JobFlags
	Reason ReasonCode

	Priority uint32

	// Allocation. NodeBitmap indexes into the store's node table; Resources
	// records each assigned node's CPU and memory share.
	NodeBitmap *bitmap.Bitmap
	NodeCount  uint32
	Resources  *JobResources
	BatchHost  string

	SubmitTime time.Time
	StartTime  time.Time
	EndTime    time.Time
	LastActive time.Time

	RestartCount uint32

	// Steps by step id. NextStepID is the per-job step id counter.
	Steps      map[uint32]*Step
	NextStepID uint32

	// PrologDone counts nodes whose prolog has reported; Configuring clears
	// when it reaches NodeCount.
	PrologDone uint32

	// EpilogWait counts nodes whose epilog has not yet reported;
	// EpilogFailed remembers a non-zero epilog return for the requeue
	// decision once Completing clears.
	EpilogWait   uint32
	EpilogFailed bool

	SelectInfo *PluginData
}

// JobResources maps each assigned node (by bitmap index) to its share.
type JobResources struct {
	CPUs   map[int]uint32
	Memory map[int]uint64
}

// Derived job predicates (base state plus flags).

func (j *Job) IsPending() bool    { return j.State == JobPending }
func (j *Job) IsRunning() bool    { return j.State == JobRunning }
func (j *Job) IsSuspended() bool  { return j.State == JobSuspended }
func (j *Job) IsStarted() bool    { return j.State > JobPending }
func (j *Job) IsFinished() bool   { return j.State > JobSuspended }
func (j *Job) IsCompleted() bool  { return j.IsFinished() && !j.IsCompleting() }
func (j *Job) IsCompleting() bool { return j.Flags&JobFlagCompleting != 0 }
func (j *Job) IsConfiguring() bool { return j.Flags&JobFlagConfiguring != 0 }
func (j *Job) IsRequeueable() bool { return j.Flags&JobFlagRequeue != 0 }

// Step is a unit of parallel execution inside a job.
type Step struct {
	JobID  uint32
	StepID uint32

	NodeBitmap *bitmap.Bitmap
	Layout     *StepLayout
	MemPerNode uint64
	PortFirst  uint16 // reserved MPI port range, inclusive
	PortLast   uint16

	SwitchInfo *PluginData

	CreatedAt time.Time

	// Completion fan-in: node-local indices [0, NodeCount) not yet reported.
	// Ranges arrive as [first..last] over these indices.
	Unfinished *bitmap.Bitmap
	ExitCode        int32
	Finished        bool
}

// StepLayout maps tasks onto the step's nodes.
type StepLayout struct {
	TaskCount   uint32
	CPUsPerTask uint32
	// TasksPerNode[i] is the task count on the step's i-th node (node-local
	// index, ordered by bitmap position).
	TasksPerNode []uint32
}

// Node is a compute resource. Created at configuration load, never destroyed
// at runtime.
type Node struct {
	Name    string
	Addr    string
	Aliases []string
	Index   int // position in the store's node table and in every bitmap

	Boards  uint16
	Sockets uint16
	Cores   uint16
	Threads uint16
	CPUs    uint32
	RealMemory uint64
	TmpDisk    uint64

	Features []string
	Weight   uint32

	State  NodeState
	Flags  NodeFlags
	Reason string

	LastRegistered time.Time
	BootTime       time.Time
	Version        string
	CPULoad        float64
	CoreSpecCount  uint16

	// Jobs currently allocated on this node.
	RunningJobs map[uint32]struct{}
}

// Derived node predicates.

func (n *Node) IsDrained() bool {
	return n.Flags&NodeFlagDrain != 0 && !n.IsDraining()
}

func (n *Node) IsDraining() bool {
	return n.Flags&NodeFlagDrain != 0 &&
		(n.State == NodeAllocated || n.State == NodeError || n.State == NodeMixed)
}

func (n *Node) IsAvailable() bool {
	if n.Flags&(NodeFlagDrain|NodeFlagNoRespond|NodeFlagFail|NodeFlagMaint|NodeFlagPowerSave) != 0 {
		return false
	}
	return n.State == NodeIdle || n.State == NodeMixed
}

func (n *Node) HasFeature(f string) bool {
	for _, have := range n.Features {
		if have == f {
			return true
		}
	}
	return false
}

// FrontEnd is a proxy daemon owning several compute nodes. Treated as a
// dispatch target, stored separately from the node table.
type FrontEnd struct {
	Name      string
	Addr      string
	NodeNames []string
	State     NodeState
	Reason    string
}

// Partition is a named queueing bucket with policy.
type Partition struct {
	Name        string
	Nodes       []string
	NodeBitmap  *bitmap.Bitmap
	MaxTime     time.Duration
	DefaultTime time.Duration
	Priority    uint16
	PreemptMode string
	Default     bool
	Up          bool
	AllowAccounts []string // empty means all
	AllowUsers    []uint32 // empty means all
}

// AllowsUser reports whether uid may submit into the partition.
func (p *Partition) AllowsUser(uid uint32) bool {
	if len(p.AllowUsers) == 0 {
		return true
	}
	for _, u := range p.AllowUsers {
		if u == uid {
			return true
		}
	}
	return false
}

// Reservation is a named hold on a node set for a time window.
type Reservation struct {
	Name       string
	Nodes      []string
	NodeBitmap *bitmap.Bitmap
	StartTime  time.Time
	EndTime    time.Time
	Users      []uint32 // empty means unrestricted
	Accounts   []string
	Maint      bool
}

// Active reports whether the window covers t.
func (r *Reservation) Active(t time.Time) bool {
	return !t.Before(r.StartTime) && t.Before(r.EndTime)
}

// AllowsUser reports whether uid may run inside the reservation.
func (r *Reservation) AllowsUser(uid uint32) bool {
	if len(r.Users) == 0 {
		return true
	}
	for _, u := range r.Users {
		if u == uid {
			return true
		}
	}
	return false
}

// PluginData is an opaque blob owned by the job or step that carries it.
// Plugins consume it through pack/unpack/copy only.
type PluginData struct {
	Kind  uint16
	Bytes []byte
}

// Copy returns an independent copy of the blob.
func (p *PluginData) Copy() *PluginData {
	if p == nil {
		return nil
	}
	b := make([]byte, len(p.Bytes))
	copy(b, p.Bytes)
	return &PluginData{Kind: p.Kind, Bytes: b}
}
