package proto

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// OpsErr is the result code carried in response messages and surfaced to
// operators. The zero value is success.
type OpsErr int32

const (
	OpsSuccess OpsErr = iota
	OpsInternal
	OpsInterrupted
	OpsCommunication
	OpsCommTimeout
	OpsUnknownNode
	OpsUnknownTarget
	OpsPathNotExists
	OpsAgain
	OpsInval
	OpsExists
	OpsNoData
	OpsAlreadyRunning
)

var opsErrNames = map[OpsErr]string{
	OpsSuccess:        "success",
	OpsInternal:       "internal error",
	OpsInterrupted:    "interrupted",
	OpsCommunication:  "communication error",
	OpsCommTimeout:    "communication timeout",
	OpsUnknownNode:    "unknown node",
	OpsUnknownTarget:  "unknown target",
	OpsPathNotExists:  "path does not exist",
	OpsAgain:          "try again",
	OpsInval:          "invalid argument",
	OpsExists:         "already exists",
	OpsNoData:         "no data",
	OpsAlreadyRunning: "already running",
}

func (e OpsErr) Error() string {
	if name, ok := opsErrNames[e]; ok {
		return name
	}
	return fmt.Sprintf("unknown error code %d", int32(e))
}

func (e OpsErr) String() string { return e.Error() }

// Is makes timeouts match OpsCommunication so retry logic only has to test
// for one transient class.
func (e OpsErr) Is(target error) bool {
	t, ok := target.(OpsErr)
	if !ok {
		return false
	}
	if e == t {
		return true
	}
	return e == OpsCommTimeout && t == OpsCommunication
}

// Err returns nil for OpsSuccess and e otherwise.
func (e OpsErr) Err() error {
	if e == OpsSuccess {
		return nil
	}
	return e
}

// FromError maps an arbitrary error onto the wire enum.
func FromError(err error) OpsErr {
	if err == nil {
		return OpsSuccess
	}
	var ops OpsErr
	if errors.As(err, &ops) {
		return ops
	}
	switch {
	case errors.Is(err, context.Canceled):
		return OpsInterrupted
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return OpsCommTimeout
	case errors.Is(err, fs.ErrNotExist):
		return OpsPathNotExists
	case errors.Is(err, fs.ErrExist):
		return OpsExists
	case errors.Is(err, fs.ErrInvalid):
		return OpsInval
	}
	return OpsInternal
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, OpsCommunication)
}

// ExitCode maps an error onto the process exit code used by the CLI.
func ExitCode(err error) int {
	switch FromError(err) {
	case OpsSuccess:
		return 0
	case OpsCommunication, OpsCommTimeout:
		return 2
	case OpsUnknownTarget, OpsUnknownNode:
		return 3
	case OpsInterrupted:
		return 4
	default:
		return 1
	}
}
