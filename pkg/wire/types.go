package wire

import "fmt"

// ProtocolVersion is negotiated per connection; the controller speaks this
// version and accepts the previous one.
const (
	ProtocolVersion     uint16 = 0x0203
	MinProtocolVersion  uint16 = 0x0202
)

// NoForward is the initialization sentinel for the forwarding descriptor.
const NoForward uint16 = 0xfffe

// MsgType identifies a message body. Values are drawn from a closed numbered
// enumeration partitioned into ranges; new types must be appended at the end
// of their range so old peers keep decoding.
type MsgType uint16

// 1001-series: cluster admin.
const (
	MsgNodeRegistration MsgType = 1001 + iota
	MsgReconfigure
	MsgReconfigureResponse
	MsgShutdown
	MsgShutdownImmediate
	MsgPing
	MsgTakeover
	MsgSetDebugLevel
	MsgSetDebugFlags
	MsgSetSchedLogLevel
	MsgRebootNodes
	MsgHealthCheck
	MsgDaemonStatus
	MsgDaemonStatusResponse
)

// 2001-series: info queries.
const (
	MsgJobInfo MsgType = 2001 + iota
	MsgJobInfoResponse
	MsgJobInfoSingle
	MsgJobUserInfo
	MsgStepInfo
	MsgStepInfoResponse
	MsgNodeInfo
	MsgNodeInfoResponse
	MsgNodeInfoSingle
	MsgPartitionInfo
	MsgPartitionInfoResponse
	MsgReservationInfo
	MsgReservationInfoResponse
	MsgBuildInfo
	MsgBuildInfoResponse
	MsgStatsInfo
	MsgStatsInfoResponse
	MsgStatsReset
	MsgJobReady
	MsgJobReadyResponse
	MsgPriorityFactors
	MsgPriorityFactorsResponse
)

// 3001-series: configuration updates.
const (
	MsgUpdateJob MsgType = 3001 + iota
	MsgUpdateNode
	MsgCreatePartition
	MsgDeletePartition
	MsgUpdatePartition
	MsgCreateReservation
	MsgCreateReservationResponse
	MsgDeleteReservation
	MsgUpdateReservation
	MsgUpdateFrontEnd
)

// 4001-series: allocation.
const (
	MsgResourceAllocation MsgType = 4001 + iota
	MsgResourceAllocationResponse
	MsgSubmitBatchJob
	MsgSubmitBatchJobResponse
	MsgBatchJobLaunch
	MsgCancelJob
	MsgJobWillRun
	MsgJobWillRunResponse
	MsgJobAllocationInfo
	MsgJobAllocationInfoResponse
	MsgJobSbcastCred
	MsgJobSbcastCredResponse
)

// 5001-series: steps and completion.
const (
	MsgStepCreate MsgType = 5001 + iota
	MsgStepCreateResponse
	MsgCancelStep
	MsgSuspend
	MsgStepComplete
	MsgCompleteJobAllocation
	MsgCompleteBatchScript
	MsgJobRequeue
	MsgJobStepKill
)

// 6001-series: task launch and signalling (controller → node agent, plus the
// node-origin completion notifications that answer them).
const (
	MsgLaunchProlog MsgType = 6001 + iota
	MsgLaunchBatchJob
	MsgTerminateJob
	MsgSignalJob
	MsgRebootNode
	MsgCompleteProlog
	MsgEpilogComplete
	MsgNodePing
)

// 7001-series: client-to-controller notifications.
const (
	MsgJobNotify MsgType = 7001 + iota
)

// 7201-series: key-value store for PMI.
const (
	MsgKVSPut MsgType = 7201 + iota
	MsgKVSFence
)

// 8001-series: generic return codes.
const (
	MsgReturnCode MsgType = 8001 + iota
)

// 9001-series: forwarding failures.
const (
	MsgForwardFailure MsgType = 9001 + iota
)

// 10001-series: accounting pushes.
const (
	MsgAccountingUpdate MsgType = 10001 + iota
)

func (t MsgType) String() string {
	if name, ok := msgNames[t]; ok {
		return name
	}
	return fmt.Sprintf("msg(%d)", uint16(t))
}

var msgNames = map[MsgType]string{
	MsgNodeRegistration:           "NODE_REGISTRATION",
	MsgReconfigure:                "RECONFIGURE",
	MsgShutdown:                   "SHUTDOWN",
	MsgShutdownImmediate:          "SHUTDOWN_IMMEDIATE",
	MsgPing:                       "PING",
	MsgTakeover:                   "TAKEOVER",
	MsgSetDebugLevel:              "SET_DEBUG_LEVEL",
	MsgSetDebugFlags:              "SET_DEBUG_FLAGS",
	MsgSetSchedLogLevel:           "SET_SCHEDLOG_LEVEL",
	MsgRebootNodes:                "REBOOT_NODES",
	MsgHealthCheck:                "HEALTH_CHECK",
	MsgDaemonStatus:               "DAEMON_STATUS",
	MsgJobInfo:                    "JOB_INFO",
	MsgJobInfoSingle:              "JOB_INFO_SINGLE",
	MsgJobUserInfo:                "JOB_USER_INFO",
	MsgStepInfo:                   "STEP_INFO",
	MsgNodeInfo:                   "NODE_INFO",
	MsgNodeInfoSingle:             "NODE_INFO_SINGLE",
	MsgPartitionInfo:              "PARTITION_INFO",
	MsgReservationInfo:            "RESERVATION_INFO",
	MsgBuildInfo:                  "BUILD_INFO",
	MsgStatsInfo:                  "STATS_INFO",
	MsgStatsReset:                 "STATS_RESET",
	MsgJobReady:                   "JOB_READY",
	MsgPriorityFactors:            "PRIORITY_FACTORS",
	MsgUpdateJob:                  "UPDATE_JOB",
	MsgUpdateNode:                 "UPDATE_NODE",
	MsgCreatePartition:            "CREATE_PARTITION",
	MsgDeletePartition:            "DELETE_PARTITION",
	MsgUpdatePartition:            "UPDATE_PARTITION",
	MsgCreateReservation:          "CREATE_RESERVATION",
	MsgDeleteReservation:          "DELETE_RESERVATION",
	MsgUpdateReservation:          "UPDATE_RESERVATION",
	MsgResourceAllocation:         "RESOURCE_ALLOCATION",
	MsgResourceAllocationResponse: "RESOURCE_ALLOCATION_RESPONSE",
	MsgSubmitBatchJob:             "SUBMIT_BATCH_JOB",
	MsgSubmitBatchJobResponse:     "SUBMIT_BATCH_JOB_RESPONSE",
	MsgBatchJobLaunch:             "BATCH_JOB_LAUNCH",
	MsgCancelJob:                  "CANCEL_JOB",
	MsgJobWillRun:                 "JOB_WILL_RUN",
	MsgJobSbcastCred:              "JOB_SBCAST_CRED",
	MsgStepCreate:                 "STEP_CREATE",
	MsgCancelStep:                 "CANCEL_STEP",
	MsgSuspend:                    "SUSPEND",
	MsgStepComplete:               "STEP_COMPLETE",
	MsgCompleteJobAllocation:      "COMPLETE_JOB_ALLOCATION",
	MsgCompleteBatchScript:        "COMPLETE_BATCH_SCRIPT",
	MsgJobRequeue:                 "JOB_REQUEUE",
	MsgJobStepKill:                "JOB_STEP_KILL",
	MsgLaunchProlog:               "LAUNCH_PROLOG",
	MsgLaunchBatchJob:             "LAUNCH_BATCH_JOB",
	MsgTerminateJob:               "TERMINATE_JOB",
	MsgSignalJob:                  "SIGNAL_JOB",
	MsgRebootNode:                 "REBOOT_NODE",
	MsgCompleteProlog:             "COMPLETE_PROLOG",
	MsgEpilogComplete:             "EPILOG_COMPLETE",
	MsgNodePing:                   "NODE_PING",
	MsgReturnCode:                 "RETURN_CODE",
}
