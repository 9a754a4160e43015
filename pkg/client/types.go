package client

import "time"

// Trigger describes why a group began shutting down.
type Trigger struct {
	Kind         string    `json:"kind"`
	At           time.Time `json:"at"`
	Signal       string    `json:"signal,omitempty"`
	Service      string    `json:"service,omitempty"`
	Exit         string    `json:"exit,omitempty"`
	StartFailure bool      `json:"start_failure,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Failure      bool      `json:"failure"`
	Description  string    `json:"description"`
}

// ServiceStatus represents the state of a single group member
type ServiceStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// GroupStatus is the response of GET /status
type GroupStatus struct {
	Group    string          `json:"group"`
	RunID    string          `json:"run_id"`
	State    string          `json:"state"`
	Trigger  *Trigger        `json:"trigger,omitempty"`
	Services []ServiceStatus `json:"services"`
}

// Outcome is the terminal result of a group run
type Outcome struct {
	Group      string          `json:"group"`
	RunID      string          `json:"run_id"`
	Success    bool            `json:"success"`
	Trigger    Trigger         `json:"trigger"`
	Secondary  []Trigger       `json:"secondary,omitempty"`
	Abandoned  []string        `json:"abandoned,omitempty"`
	Failures   []string        `json:"failures,omitempty"`
	Services   []ServiceStatus `json:"services"`
	StartedAt  time.Time       `json:"started_at"`
	StoppedAt  time.Time       `json:"stopped_at"`
	DurationMS int64           `json:"duration_ms"`
	Error      string          `json:"error,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
