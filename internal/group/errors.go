package group

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrStartFailure    = errors.New("service start failure")
	ErrRuntimeFailure  = errors.New("service runtime failure")
	ErrShutdownTimeout = errors.New("shutdown timeout")
	ErrInvalidState    = errors.New("invalid group state")
)

// StartFailureError reports a service that could not initialize.
type StartFailureError struct {
	Service string
	Cause   error
}

func (e *StartFailureError) Error() string {
	return fmt.Sprintf("service %s failed to start: %v", e.Service, e.Cause)
}

func (e *StartFailureError) Unwrap() []error { return []error{ErrStartFailure, e.Cause} }

// RuntimeFailureError reports a service that terminated abnormally while running.
type RuntimeFailureError struct {
	Service string
	Cause   error
}

func (e *RuntimeFailureError) Error() string {
	return fmt.Sprintf("service %s failed: %v", e.Service, e.Cause)
}

func (e *RuntimeFailureError) Unwrap() []error { return []error{ErrRuntimeFailure, e.Cause} }

// ShutdownTimeoutError lists services still running when the grace period elapsed.
type ShutdownTimeoutError struct {
	Remaining []string
}

func (e *ShutdownTimeoutError) Error() string {
	return "shutdown grace period elapsed with services still running: " + strings.Join(e.Remaining, ", ")
}

func (e *ShutdownTimeoutError) Unwrap() error { return ErrShutdownTimeout }

// InvalidStateError is returned when an operation is not allowed in the current group state.
type InvalidStateError struct {
	Op     string
	State  State
	Reason string
}

func (e *InvalidStateError) Error() string {
	msg := fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// failedService extracts the service name from a start or runtime failure.
func failedService(err error) (string, bool) {
	var sf *StartFailureError
	if errors.As(err, &sf) {
		return sf.Service, true
	}
	var rf *RuntimeFailureError
	if errors.As(err, &rf) {
		return rf.Service, true
	}
	return "", false
}
