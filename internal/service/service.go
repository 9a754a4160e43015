package service

import (
	"context"
	"errors"
)

// Service is a long-running unit of work that can be started, awaited and
// asked to stop. A Service instance belongs to at most one group at a time.
//
// Start blocks until the service has entered its main loop, or returns an
// error if it cannot initialize. Wait blocks until the service has stopped for
// any reason. RequestStop must not block; it only signals intent.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Wait() Exit
	RequestStop()
}

// State is the lifecycle state of a single service as tracked by its group.
type State string

const (
	StateNotStarted   State = "not_started"
	StateRunning      State = "running"
	StateShuttingDown State = "shutting_down"
	StateStopped      State = "stopped"
	StateFailed       State = "failed"
)

func (s State) String() string { return string(s) }

// Terminal reports whether the state is Stopped or Failed.
func (s State) Terminal() bool { return s == StateStopped || s == StateFailed }

// ExitKind tells why a service stopped.
type ExitKind string

const (
	// ExitNormal means the service returned on its own without an error.
	ExitNormal ExitKind = "normal"
	// ExitStopped means the service honored a stop request.
	ExitStopped ExitKind = "stopped"
	// ExitFailed means the service terminated abnormally.
	ExitFailed ExitKind = "failed"
)

// Exit is the result reported by Service.Wait.
type Exit struct {
	Kind ExitKind
	Err  error
}

func (e Exit) Failed() bool { return e.Kind == ExitFailed }

// State maps the exit to the terminal service state.
func (e Exit) State() State {
	if e.Failed() {
		return StateFailed
	}
	return StateStopped
}

func (e Exit) String() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

// ErrPanic is wrapped into the exit error of a service whose run function panicked.
var ErrPanic = errors.New("service panicked")

// Stopped, Normal and Failed build Exit values.
func Stopped() Exit         { return Exit{Kind: ExitStopped} }
func Normal() Exit          { return Exit{Kind: ExitNormal} }
func Failed(err error) Exit { return Exit{Kind: ExitFailed, Err: err} }
