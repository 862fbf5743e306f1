package wire

import "time"

// Payload structs. Every request/response body is CBOR-encoded; integer keys
// keep frames compact and stable across versions (append new fields with new
// keys, never renumber).

// RCResponse answers any request whose only result is a return code.
type RCResponse struct {
	Code   ReturnCode `cbor:"1,keyasint"`
	Detail string     `cbor:"2,keyasint,omitempty"`
}

// --- 1001-series ---

// NodeRegistrationRequest is a node agent's self-report.
type NodeRegistrationRequest struct {
	NodeName   string   `cbor:"1,keyasint"`
	Arch       string   `cbor:"2,keyasint,omitempty"`
	Boards     uint16   `cbor:"3,keyasint"`
	Sockets    uint16   `cbor:"4,keyasint"`
	Cores      uint16   `cbor:"5,keyasint"`
	Threads    uint16   `cbor:"6,keyasint"`
	CPUs       uint32   `cbor:"7,keyasint"`
	RealMemory uint64   `cbor:"8,keyasint"`
	TmpDisk    uint64   `cbor:"9,keyasint"`
	Uptime     uint64   `cbor:"10,keyasint"`
	CPULoad    float64  `cbor:"11,keyasint"`
	JobIDs     []uint32 `cbor:"12,keyasint,omitempty"`
	StepIDs    []uint32 `cbor:"13,keyasint,omitempty"`
	Version    string   `cbor:"14,keyasint,omitempty"`
	ConfigHash []byte   `cbor:"15,keyasint,omitempty"`
	BootTime   int64    `cbor:"16,keyasint,omitempty"` // unix seconds
}

// ShutdownRequest carries the admin shutdown options.
type ShutdownRequest struct {
	Immediate bool `cbor:"1,keyasint,omitempty"`
}

type SetDebugLevelRequest struct {
	Level int32 `cbor:"1,keyasint"`
}

type SetDebugFlagsRequest struct {
	SetMask   uint64 `cbor:"1,keyasint,omitempty"`
	ClearMask uint64 `cbor:"2,keyasint,omitempty"`
}

type SetSchedLogLevelRequest struct {
	Level int32 `cbor:"1,keyasint"`
}

type RebootNodesRequest struct {
	NodeNames []string `cbor:"1,keyasint"`
}

type DaemonStatusResponse struct {
	StartTime     int64  `cbor:"1,keyasint"`
	PID           int32  `cbor:"2,keyasint"`
	Version       string `cbor:"3,keyasint"`
	JobsSubmitted uint64 `cbor:"4,keyasint"`
	JobsStarted   uint64 `cbor:"5,keyasint"`
	JobsCompleted uint64 `cbor:"6,keyasint"`
	JobsCanceled  uint64 `cbor:"7,keyasint"`
	ScheduleCycles uint64 `cbor:"8,keyasint"`
}

// --- 2001-series ---

type JobInfoRequest struct {
	JobID  uint32 `cbor:"1,keyasint,omitempty"` // 0 means all
	UserID uint32 `cbor:"2,keyasint,omitempty"`
	ByUser bool   `cbor:"3,keyasint,omitempty"`
}

// JobInfo is the wire view of one job.
type JobInfo struct {
	JobID        uint32 `cbor:"1,keyasint"`
	ArrayJobID   uint32 `cbor:"2,keyasint,omitempty"`
	ArrayTaskID  uint32 `cbor:"3,keyasint,omitempty"`
	Name         string `cbor:"4,keyasint,omitempty"`
	UserID       uint32 `cbor:"5,keyasint"`
	GroupID      uint32 `cbor:"6,keyasint"`
	State        uint8  `cbor:"7,keyasint"`
	Flags        uint16 `cbor:"8,keyasint"`
	Reason       string `cbor:"9,keyasint,omitempty"`
	Partition    string `cbor:"10,keyasint,omitempty"`
	NodeList     string `cbor:"11,keyasint,omitempty"`
	NodeCount    uint32 `cbor:"12,keyasint,omitempty"`
	Priority     uint32 `cbor:"13,keyasint,omitempty"`
	SubmitTime   int64  `cbor:"14,keyasint,omitempty"`
	StartTime    int64  `cbor:"15,keyasint,omitempty"`
	EndTime      int64  `cbor:"16,keyasint,omitempty"`
	TimeLimit    int64  `cbor:"17,keyasint,omitempty"` // seconds
	RestartCount uint32 `cbor:"18,keyasint,omitempty"`
	BatchHost    string `cbor:"19,keyasint,omitempty"`
}

type JobInfoResponse struct {
	Jobs       []JobInfo `cbor:"1,keyasint,omitempty"`
	LastUpdate int64     `cbor:"2,keyasint"`
}

type NodeInfoRequest struct {
	NodeName string `cbor:"1,keyasint,omitempty"` // empty means all
}

type NodeInfo struct {
	Name       string  `cbor:"1,keyasint"`
	Addr       string  `cbor:"2,keyasint,omitempty"`
	State      uint8   `cbor:"3,keyasint"`
	Flags      uint16  `cbor:"4,keyasint"`
	Reason     string  `cbor:"5,keyasint,omitempty"`
	CPUs       uint32  `cbor:"6,keyasint"`
	RealMemory uint64  `cbor:"7,keyasint"`
	CPULoad    float64 `cbor:"8,keyasint,omitempty"`
	Features   []string `cbor:"9,keyasint,omitempty"`
	Weight     uint32  `cbor:"10,keyasint,omitempty"`
	Version    string  `cbor:"11,keyasint,omitempty"`
}

type NodeInfoResponse struct {
	Nodes []NodeInfo `cbor:"1,keyasint,omitempty"`
}

type PartitionInfoRequest struct {
	Name string `cbor:"1,keyasint,omitempty"`
}

type PartitionInfo struct {
	Name        string `cbor:"1,keyasint"`
	Nodes       string `cbor:"2,keyasint,omitempty"`
	MaxTime     int64  `cbor:"3,keyasint,omitempty"`
	DefaultTime int64  `cbor:"4,keyasint,omitempty"`
	Priority    uint16 `cbor:"5,keyasint,omitempty"`
	Default     bool   `cbor:"6,keyasint,omitempty"`
	Up          bool   `cbor:"7,keyasint"`
}

type PartitionInfoResponse struct {
	Partitions []PartitionInfo `cbor:"1,keyasint,omitempty"`
}

type ReservationInfoRequest struct {
	Name string `cbor:"1,keyasint,omitempty"`
}

type ReservationInfo struct {
	Name      string   `cbor:"1,keyasint"`
	Nodes     string   `cbor:"2,keyasint,omitempty"`
	StartTime int64    `cbor:"3,keyasint"`
	EndTime   int64    `cbor:"4,keyasint"`
	Users     []uint32 `cbor:"5,keyasint,omitempty"`
	Accounts  []string `cbor:"6,keyasint,omitempty"`
	Maint     bool     `cbor:"7,keyasint,omitempty"`
}

type ReservationInfoResponse struct {
	Reservations []ReservationInfo `cbor:"1,keyasint,omitempty"`
}

type BuildInfoResponse struct {
	Version     string `cbor:"1,keyasint"`
	ClusterName string `cbor:"2,keyasint,omitempty"`
	ControlAddr string `cbor:"3,keyasint,omitempty"`
	BootTime    int64  `cbor:"4,keyasint,omitempty"`
}

// StatsEntry is one telemetry table slot.
type StatsEntry struct {
	ID      uint32 `cbor:"1,keyasint"`
	Count   uint64 `cbor:"2,keyasint"`
	TotalNS uint64 `cbor:"3,keyasint"`
}

type StatsInfoResponse struct {
	ByType []StatsEntry `cbor:"1,keyasint,omitempty"`
	ByUser []StatsEntry `cbor:"2,keyasint,omitempty"`
}

type JobReadyRequest struct {
	JobID uint32 `cbor:"1,keyasint"`
}

type JobReadyResponse struct {
	Ready        bool   `cbor:"1,keyasint"`
	PrologDone   uint32 `cbor:"2,keyasint"`
	NodeCount    uint32 `cbor:"3,keyasint"`
}

type PriorityFactorsRequest struct {
	JobID uint32 `cbor:"1,keyasint"`
}

type PriorityFactorsResponse struct {
	Age       uint32 `cbor:"1,keyasint"`
	FairShare uint32 `cbor:"2,keyasint"`
	JobSize   uint32 `cbor:"3,keyasint"`
	Partition uint32 `cbor:"4,keyasint"`
	QOS       uint32 `cbor:"5,keyasint"`
}

// --- 3001-series ---

type UpdateJobRequest struct {
	JobID     uint32 `cbor:"1,keyasint"`
	TimeLimit int64  `cbor:"2,keyasint,omitempty"` // seconds; 0 leaves unchanged
	Priority  uint32 `cbor:"3,keyasint,omitempty"`
	SetPriority bool `cbor:"4,keyasint,omitempty"` // hold with Priority==0, release otherwise
	Partition string `cbor:"5,keyasint,omitempty"`
}

type UpdateNodeRequest struct {
	NodeNames []string `cbor:"1,keyasint"`
	State     string   `cbor:"2,keyasint"` // "drain", "resume", "down"
	Reason    string   `cbor:"3,keyasint,omitempty"`
}

type PartitionDesc struct {
	Name        string   `cbor:"1,keyasint"`
	Nodes       []string `cbor:"2,keyasint,omitempty"`
	MaxTime     int64    `cbor:"3,keyasint,omitempty"`
	DefaultTime int64    `cbor:"4,keyasint,omitempty"`
	Priority    uint16   `cbor:"5,keyasint,omitempty"`
	Default     bool     `cbor:"6,keyasint,omitempty"`
	Up          bool     `cbor:"7,keyasint,omitempty"`
}

type DeletePartitionRequest struct {
	Name string `cbor:"1,keyasint"`
}

// ReservationDesc creates or updates a reservation.
type ReservationDesc struct {
	Name      string   `cbor:"1,keyasint,omitempty"` // empty on create lets the controller pick
	Nodes     []string `cbor:"2,keyasint,omitempty"`
	StartTime int64    `cbor:"3,keyasint"`
	EndTime   int64    `cbor:"4,keyasint"`
	Users     []uint32 `cbor:"5,keyasint,omitempty"`
	Accounts  []string `cbor:"6,keyasint,omitempty"`
	Maint     bool     `cbor:"7,keyasint,omitempty"`
}

type CreateReservationResponse struct {
	Name string `cbor:"1,keyasint"`
}

type DeleteReservationRequest struct {
	Name string `cbor:"1,keyasint"`
}

// --- 4001-series ---

// JobSubmitRequest is shared by allocate and batch submit.
type JobSubmitRequest struct {
	Name        string   `cbor:"1,keyasint,omitempty"`
	MinNodes    uint32   `cbor:"2,keyasint"`
	MaxNodes    uint32   `cbor:"3,keyasint,omitempty"`
	MinCPUs     uint32   `cbor:"4,keyasint,omitempty"`
	MemPerCPU   uint64   `cbor:"5,keyasint,omitempty"`
	MemPerNode  uint64   `cbor:"6,keyasint,omitempty"`
	Features    []string `cbor:"7,keyasint,omitempty"`
	Gres        []string `cbor:"8,keyasint,omitempty"`
	Partition   string   `cbor:"9,keyasint,omitempty"`
	Reservation string   `cbor:"10,keyasint,omitempty"`
	TimeLimit   int64    `cbor:"11,keyasint,omitempty"` // seconds
	Script      string   `cbor:"12,keyasint,omitempty"`
	WorkDir     string   `cbor:"13,keyasint,omitempty"`
	SpankEnv    []string `cbor:"14,keyasint,omitempty"`
	Immediate   bool     `cbor:"15,keyasint,omitempty"`
	Requeue     bool     `cbor:"16,keyasint,omitempty"`
	MaxRestarts uint32   `cbor:"17,keyasint,omitempty"`
	Hold        bool     `cbor:"18,keyasint,omitempty"`
	ArraySpec   string   `cbor:"19,keyasint,omitempty"` // e.g. "0-15"
}

type ResourceAllocationResponse struct {
	JobID    uint32     `cbor:"1,keyasint"`
	NodeList string     `cbor:"2,keyasint,omitempty"`
	Code     ReturnCode `cbor:"3,keyasint,omitempty"`
	Reason   string     `cbor:"4,keyasint,omitempty"`
}

type SubmitBatchJobResponse struct {
	JobID  uint32     `cbor:"1,keyasint"`
	Code   ReturnCode `cbor:"2,keyasint,omitempty"`
	Reason string     `cbor:"3,keyasint,omitempty"`
	// ArrayJobIDs lists every task of an array submission.
	ArrayJobIDs []uint32 `cbor:"4,keyasint,omitempty"`
}

type JobWillRunResponse struct {
	StartTime int64 `cbor:"1,keyasint"` // unix seconds estimate
}

type CancelJobRequest struct {
	JobID  uint32 `cbor:"1,keyasint"`
	Signal int32  `cbor:"2,keyasint,omitempty"`
}

type SbcastCredRequest struct {
	JobID uint32 `cbor:"1,keyasint"`
}

type SbcastCredResponse struct {
	Credential []byte `cbor:"1,keyasint"`
	ExpiresAt  int64  `cbor:"2,keyasint"`
}

// --- 5001-series ---

type StepCreateRequest struct {
	JobID       uint32 `cbor:"1,keyasint"`
	TaskCount   uint32 `cbor:"2,keyasint"`
	CPUsPerTask uint32 `cbor:"3,keyasint,omitempty"`
	MinNodes    uint32 `cbor:"4,keyasint,omitempty"`
	MemPerNode  uint64 `cbor:"5,keyasint,omitempty"`
	ReservePorts uint16 `cbor:"6,keyasint,omitempty"` // number of MPI ports
}

type StepCreateResponse struct {
	StepID     uint32   `cbor:"1,keyasint"`
	NodeList   string   `cbor:"2,keyasint"`
	TasksPerNode []uint32 `cbor:"3,keyasint,omitempty"`
	Credential []byte   `cbor:"4,keyasint"`
	PortFirst  uint16   `cbor:"5,keyasint,omitempty"`
	PortLast   uint16   `cbor:"6,keyasint,omitempty"`
}

type CancelStepRequest struct {
	JobID  uint32 `cbor:"1,keyasint"`
	StepID uint32 `cbor:"2,keyasint"`
	Signal int32  `cbor:"3,keyasint,omitempty"`
}

const (
	SuspendOpSuspend uint16 = 0
	SuspendOpResume  uint16 = 1
)

type SuspendRequest struct {
	JobID uint32 `cbor:"1,keyasint"`
	Op    uint16 `cbor:"2,keyasint"`
}

// StepCompleteRequest reports a contiguous node-local range done.
type StepCompleteRequest struct {
	JobID      uint32 `cbor:"1,keyasint"`
	StepID     uint32 `cbor:"2,keyasint"`
	RangeFirst uint32 `cbor:"3,keyasint"`
	RangeLast  uint32 `cbor:"4,keyasint"`
	ExitCode   int32  `cbor:"5,keyasint,omitempty"`
	Accounting []byte `cbor:"6,keyasint,omitempty"`
}

type CompleteJobAllocationRequest struct {
	JobID    uint32 `cbor:"1,keyasint"`
	ExitCode int32  `cbor:"2,keyasint,omitempty"`
}

type CompleteBatchScriptRequest struct {
	JobID      uint32     `cbor:"1,keyasint"`
	NodeName   string     `cbor:"2,keyasint"`
	ScriptRC   int32      `cbor:"3,keyasint,omitempty"`
	AgentRC    ReturnCode `cbor:"4,keyasint,omitempty"`
	Accounting []byte     `cbor:"5,keyasint,omitempty"`
}

type JobRequeueRequest struct {
	JobID uint32 `cbor:"1,keyasint"`
}

// BatchScriptStep is the pseudo step id naming the batch script itself in a
// kill request.
const BatchScriptStep = ^uint32(0)

type JobStepKillRequest struct {
	JobID  uint32 `cbor:"1,keyasint"`
	StepID uint32 `cbor:"2,keyasint"`
	Signal int32  `cbor:"3,keyasint"`
}

// --- 6001-series ---

type LaunchPrologRequest struct {
	JobID      uint32 `cbor:"1,keyasint"`
	UserID     uint32 `cbor:"2,keyasint"`
	Credential []byte `cbor:"3,keyasint,omitempty"`
}

type LaunchBatchJobRequest struct {
	JobID      uint32   `cbor:"1,keyasint"`
	UserID     uint32   `cbor:"2,keyasint"`
	Script     string   `cbor:"3,keyasint"`
	WorkDir    string   `cbor:"4,keyasint,omitempty"`
	SpankEnv   []string `cbor:"5,keyasint,omitempty"`
	Credential []byte   `cbor:"6,keyasint"`
}

type TerminateJobRequest struct {
	JobID uint32 `cbor:"1,keyasint"`
}

type SignalJobRequest struct {
	JobID  uint32 `cbor:"1,keyasint"`
	StepID uint32 `cbor:"2,keyasint,omitempty"`
	Signal int32  `cbor:"3,keyasint"`
}

type RebootNodeRequest struct {
	NodeName string `cbor:"1,keyasint"`
}

type CompletePrologRequest struct {
	JobID    uint32 `cbor:"1,keyasint"`
	NodeName string `cbor:"2,keyasint"`
	RC       int32  `cbor:"3,keyasint,omitempty"`
}

type EpilogCompleteRequest struct {
	JobID    uint32 `cbor:"1,keyasint"`
	NodeName string `cbor:"2,keyasint"`
	RC       int32  `cbor:"3,keyasint,omitempty"`
}

// --- 7001-series ---

type JobNotifyRequest struct {
	JobID   uint32 `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`
}

// empty is the body for messages that carry no payload.
type empty struct{}

// payloadFactories maps each message type to its body constructor.
var payloadFactories = map[MsgType]func() any{
	MsgNodeRegistration:           func() any { return &NodeRegistrationRequest{} },
	MsgReconfigure:                func() any { return &empty{} },
	MsgReconfigureResponse:        func() any { return &RCResponse{} },
	MsgShutdown:                   func() any { return &ShutdownRequest{} },
	MsgShutdownImmediate:          func() any { return &ShutdownRequest{} },
	MsgPing:                       func() any { return &empty{} },
	MsgTakeover:                   func() any { return &empty{} },
	MsgSetDebugLevel:              func() any { return &SetDebugLevelRequest{} },
	MsgSetDebugFlags:              func() any { return &SetDebugFlagsRequest{} },
	MsgSetSchedLogLevel:           func() any { return &SetSchedLogLevelRequest{} },
	MsgRebootNodes:                func() any { return &RebootNodesRequest{} },
	MsgHealthCheck:                func() any { return &empty{} },
	MsgDaemonStatus:               func() any { return &empty{} },
	MsgDaemonStatusResponse:       func() any { return &DaemonStatusResponse{} },
	MsgJobInfo:                    func() any { return &JobInfoRequest{} },
	MsgJobInfoResponse:            func() any { return &JobInfoResponse{} },
	MsgJobInfoSingle:              func() any { return &JobInfoRequest{} },
	MsgJobUserInfo:                func() any { return &JobInfoRequest{} },
	MsgStepInfo:                   func() any { return &JobInfoRequest{} },
	MsgNodeInfo:                   func() any { return &NodeInfoRequest{} },
	MsgNodeInfoResponse:           func() any { return &NodeInfoResponse{} },
	MsgNodeInfoSingle:             func() any { return &NodeInfoRequest{} },
	MsgPartitionInfo:              func() any { return &PartitionInfoRequest{} },
	MsgPartitionInfoResponse:      func() any { return &PartitionInfoResponse{} },
	MsgReservationInfo:            func() any { return &ReservationInfoRequest{} },
	MsgReservationInfoResponse:    func() any { return &ReservationInfoResponse{} },
	MsgBuildInfo:                  func() any { return &empty{} },
	MsgBuildInfoResponse:          func() any { return &BuildInfoResponse{} },
	MsgStatsInfo:                  func() any { return &empty{} },
	MsgStatsInfoResponse:          func() any { return &StatsInfoResponse{} },
	MsgStatsReset:                 func() any { return &empty{} },
	MsgJobReady:                   func() any { return &JobReadyRequest{} },
	MsgJobReadyResponse:           func() any { return &JobReadyResponse{} },
	MsgPriorityFactors:            func() any { return &PriorityFactorsRequest{} },
	MsgPriorityFactorsResponse:    func() any { return &PriorityFactorsResponse{} },
	MsgUpdateJob:                  func() any { return &UpdateJobRequest{} },
	MsgUpdateNode:                 func() any { return &UpdateNodeRequest{} },
	MsgCreatePartition:            func() any { return &PartitionDesc{} },
	MsgDeletePartition:            func() any { return &DeletePartitionRequest{} },
	MsgUpdatePartition:            func() any { return &PartitionDesc{} },
	MsgCreateReservation:          func() any { return &ReservationDesc{} },
	MsgCreateReservationResponse:  func() any { return &CreateReservationResponse{} },
	MsgDeleteReservation:          func() any { return &DeleteReservationRequest{} },
	MsgUpdateReservation:          func() any { return &ReservationDesc{} },
	MsgResourceAllocation:         func() any { return &JobSubmitRequest{} },
	MsgResourceAllocationResponse: func() any { return &ResourceAllocationResponse{} },
	MsgSubmitBatchJob:             func() any { return &JobSubmitRequest{} },
	MsgSubmitBatchJobResponse:     func() any { return &SubmitBatchJobResponse{} },
	MsgBatchJobLaunch:             func() any { return &LaunchBatchJobRequest{} },
	MsgCancelJob:                  func() any { return &CancelJobRequest{} },
	MsgJobWillRun:                 func() any { return &JobSubmitRequest{} },
	MsgJobWillRunResponse:         func() any { return &JobWillRunResponse{} },
	MsgJobSbcastCred:              func() any { return &SbcastCredRequest{} },
	MsgJobSbcastCredResponse:      func() any { return &SbcastCredResponse{} },
	MsgStepCreate:                 func() any { return &StepCreateRequest{} },
	MsgStepCreateResponse:         func() any { return &StepCreateResponse{} },
	MsgCancelStep:                 func() any { return &CancelStepRequest{} },
	MsgSuspend:                    func() any { return &SuspendRequest{} },
	MsgStepComplete:               func() any { return &StepCompleteRequest{} },
	MsgCompleteJobAllocation:      func() any { return &CompleteJobAllocationRequest{} },
	MsgCompleteBatchScript:        func() any { return &CompleteBatchScriptRequest{} },
	MsgJobRequeue:                 func() any { return &JobRequeueRequest{} },
	MsgJobStepKill:                func() any { return &JobStepKillRequest{} },
	MsgLaunchProlog:               func() any { return &LaunchPrologRequest{} },
	MsgLaunchBatchJob:             func() any { return &LaunchBatchJobRequest{} },
	MsgTerminateJob:               func() any { return &TerminateJobRequest{} },
	MsgSignalJob:                  func() any { return &SignalJobRequest{} },
	MsgRebootNode:                 func() any { return &RebootNodeRequest{} },
	MsgCompleteProlog:             func() any { return &CompletePrologRequest{} },
	MsgEpilogComplete:             func() any { return &EpilogCompleteRequest{} },
	MsgNodePing:                   func() any { return &empty{} },
	MsgJobNotify:                  func() any { return &JobNotifyRequest{} },
	MsgReturnCode:                 func() any { return &RCResponse{} },
}

func newPayload(t MsgType) any {
	if f, ok := payloadFactories[t]; ok {
		return f()
	}
	return nil
}

// Timestamp converts a time to wire seconds, zero time to 0.
func Timestamp(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
