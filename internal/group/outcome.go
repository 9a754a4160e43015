package group

import (
	"errors"
	"time"

	"github.com/loykin/svcgroup/internal/service"
)

// ServiceReport is the final state of one member.
type ServiceReport struct {
	Name  string
	State service.State
	Err   error
}

// Outcome is the terminal result of Group.Run.
type Outcome struct {
	Group     string
	RunID     string
	Trigger   Trigger
	Secondary []Trigger
	Abandoned []string
	Failures  []error
	Services  []ServiceReport
	StartedAt time.Time
	StoppedAt time.Time
}

// Success reports a clean run: non-failure trigger, no service failures and
// every service stopped within the grace period.
func (o *Outcome) Success() bool {
	return !o.Trigger.IsFailure() && len(o.Failures) == 0 && len(o.Abandoned) == 0
}

// Err joins the trigger failure, every other service failure and the
// shutdown timeout, in that order. It is nil on success.
func (o *Outcome) Err() error {
	if o.Success() {
		return nil
	}
	var errs []error
	trig := o.Trigger.Err()
	if trig != nil {
		errs = append(errs, trig)
	}
	for _, err := range o.Failures {
		if trig != nil {
			if name, ok := failedService(err); ok && name == o.Trigger.Service {
				continue
			}
		}
		errs = append(errs, err)
	}
	if len(o.Abandoned) > 0 {
		errs = append(errs, &ShutdownTimeoutError{Remaining: append([]string(nil), o.Abandoned...)})
	}
	return errors.Join(errs...)
}

func (o *Outcome) Duration() time.Duration { return o.StoppedAt.Sub(o.StartedAt) }
