package wire

import (
	"errors"
	"fmt"
)

// ReturnCode is the numeric result carried by a RETURN_CODE message.
type ReturnCode uint32

const (
	Success ReturnCode = 0

	ErrUnexpected ReturnCode = 9000 + iota
	ErrUserIDMissing
	ErrAccessDenied
	ErrInvalidJobID
	ErrInvalidNodeName
	ErrInvalidPartitionName
	ErrInvalidReservationName
	ErrAlreadyDone
	ErrDisabled
	ErrInProgress
	ErrNoChangeInData
	ErrCanNotStartImmediately
	ErrReservationBusy
	ErrReservationNotUsable
	ErrResourceBusy
	ErrDuplicateJobID
	ErrNodeNotAvail
	ErrPartConfigUnavailable
	ErrQosThreshold
	ErrJobHeld
	ErrPrologRunning
	ErrCredentialInvalid
	ErrCredentialRevoked
	ErrCommError
	ErrUIDNotFound
	ErrGIDNotFound
	ErrInvalidAcctFreq
	ErrNotSuperUser
	ErrJobPending
	ErrJobFinished
	ErrNoSteps
	ErrInvalidTimeLimit
)

var rcNames = map[ReturnCode]string{
	Success:                   "success",
	ErrUnexpected:             "unexpected error",
	ErrUserIDMissing:          "user id missing or unauthorized",
	ErrAccessDenied:           "access denied",
	ErrInvalidJobID:           "invalid job id",
	ErrInvalidNodeName:        "invalid node name",
	ErrInvalidPartitionName:   "invalid partition name",
	ErrInvalidReservationName: "invalid reservation name",
	ErrAlreadyDone:            "already done",
	ErrDisabled:               "operation disabled in current state",
	ErrInProgress:             "operation already in progress",
	ErrNoChangeInData:         "no change in data",
	ErrCanNotStartImmediately: "cannot start immediately",
	ErrReservationBusy:        "reservation busy",
	ErrReservationNotUsable:   "reservation not usable",
	ErrResourceBusy:           "resource busy",
	ErrDuplicateJobID:         "duplicate job id",
	ErrNodeNotAvail:           "required nodes not available",
	ErrPartConfigUnavailable:  "partition configuration unavailable",
	ErrQosThreshold:           "qos threshold reached",
	ErrJobHeld:                "job held",
	ErrPrologRunning:          "prolog still running",
	ErrCredentialInvalid:      "invalid credential",
	ErrCredentialRevoked:      "credential revoked",
	ErrCommError:              "communication error",
	ErrUIDNotFound:            "uid not found on node",
	ErrGIDNotFound:            "gid not found on node",
	ErrInvalidAcctFreq:        "invalid accounting frequency",
	ErrNotSuperUser:           "super-user required",
	ErrJobPending:             "job still pending",
	ErrJobFinished:            "job already finished",
	ErrNoSteps:                "no steps for job",
	ErrInvalidTimeLimit:       "invalid time limit",
}

func (c ReturnCode) String() string {
	if s, ok := rcNames[c]; ok {
		return s
	}
	return fmt.Sprintf("rc(%d)", uint32(c))
}

// Error is a wire-visible failure: a return code plus optional detail. It is
// the only error type handlers surface to clients.
type Error struct {
	Code   ReturnCode
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Errf builds a wire error with formatted detail.
func Errf(code ReturnCode, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Err builds a bare wire error.
func Err(code ReturnCode) *Error {
	return &Error{Code: code}
}

// CodeOf extracts the return code from an error: wire errors keep their
// code, nil maps to Success, anything else to ErrUnexpected.
func CodeOf(err error) ReturnCode {
	if err == nil {
		return Success
	}
	var we *Error
	if errors.As(err, &we) {
		return we.Code
	}
	return ErrUnexpected
}
