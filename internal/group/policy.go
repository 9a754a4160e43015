package group

import "time"

const DefaultGracePeriod = 10 * time.Second

// Policy decides which events start a shutdown and how long shutdown may take.
type Policy struct {
	// GracePeriod bounds the Stopping phase. Services still running afterwards are abandoned.
	GracePeriod time.Duration
	// CascadeStartFailure makes a failed Start a shutdown trigger. When false the
	// failure is recorded in the outcome and the remaining services keep running.
	CascadeStartFailure bool
	// ExitTriggersShutdown makes a clean service exit a shutdown trigger.
	// Failures always trigger.
	ExitTriggersShutdown bool
	// IgnoreSignals disables the signal source subscription.
	IgnoreSignals bool
}

func DefaultPolicy() Policy {
	return Policy{
		GracePeriod:          DefaultGracePeriod,
		CascadeStartFailure:  true,
		ExitTriggersShutdown: true,
	}
}

func (p Policy) grace() time.Duration {
	if p.GracePeriod <= 0 {
		return DefaultGracePeriod
	}
	return p.GracePeriod
}
