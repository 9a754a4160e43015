package group

import "time"

type EventType string

const (
	EventGroupState   EventType = "group_state"
	EventServiceState EventType = "service_state"
	EventTrigger      EventType = "trigger"
	EventOutcome      EventType = "outcome"
)

// Event describes one observable step of a group run. Observers are called
// synchronously from the monitoring routine and must return quickly.
type Event struct {
	Type    EventType
	Group   string
	RunID   string
	At      time.Time
	Service string

	// From/To carry group or service states depending on Type.
	From string
	To   string

	Trigger    *Trigger
	Initiating bool
	Err        error
	Outcome    *Outcome
}

type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }
