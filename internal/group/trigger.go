package group

import (
	"fmt"
	"time"

	"github.com/loykin/svcgroup/internal/service"
	"github.com/loykin/svcgroup/internal/signals"
)

// TriggerKind discriminates shutdown triggers.
type TriggerKind string

const (
	TriggerSignal        TriggerKind = "signal"
	TriggerServiceExited TriggerKind = "service_exited"
	TriggerExplicit      TriggerKind = "explicit"
)

// Trigger is an event that starts (or would have started) a coordinated shutdown.
type Trigger struct {
	Kind TriggerKind
	At   time.Time

	// set for TriggerSignal
	Signal signals.Kind

	// set for TriggerServiceExited
	Service      string
	Exit         service.Exit
	StartFailure bool

	// optional detail for TriggerExplicit, e.g. "context canceled"
	Reason string

	rank int
}

// IsFailure reports whether the trigger is a service start or runtime failure.
func (t Trigger) IsFailure() bool {
	return t.Kind == TriggerServiceExited && t.Exit.Failed()
}

// Err returns the typed failure for failure triggers and nil otherwise.
func (t Trigger) Err() error {
	if !t.IsFailure() {
		return nil
	}
	if t.StartFailure {
		return &StartFailureError{Service: t.Service, Cause: t.Exit.Err}
	}
	return &RuntimeFailureError{Service: t.Service, Cause: t.Exit.Err}
}

func (t Trigger) String() string {
	switch t.Kind {
	case TriggerSignal:
		return fmt.Sprintf("signal(%s)", t.Signal)
	case TriggerServiceExited:
		if t.StartFailure {
			return fmt.Sprintf("start_failure(%s: %v)", t.Service, t.Exit.Err)
		}
		return fmt.Sprintf("service_exited(%s: %s)", t.Service, t.Exit)
	case TriggerExplicit:
		if t.Reason != "" {
			return "explicit(" + t.Reason + ")"
		}
		return "explicit"
	}
	return string(t.Kind)
}
