package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventGroupState   EventType = "group_state"
	EventServiceState EventType = "service_state"
	EventTrigger      EventType = "trigger"
	EventOutcome      EventType = "outcome"
)

// Record is one row of group history. Service is empty for group-level events.
type Record struct {
	Group      string `json:"group"`
	RunID      string `json:"run_id"`
	Service    string `json:"service,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	Trigger    string `json:"trigger,omitempty"`
	Initiating bool   `json:"initiating,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// TableName is the table used by the SQL and ClickHouse sinks.
const TableName = "service_group_history"
