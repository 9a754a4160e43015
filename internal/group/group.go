package group

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loykin/svcgroup/internal/metrics"
	"github.com/loykin/svcgroup/internal/service"
	"github.com/loykin/svcgroup/internal/signals"
)

// State is the coordinator state. Transitions are monotonic:
// Idle -> Starting -> Running -> Stopping -> Terminated.
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateTerminated State = "terminated"
)

func (s State) String() string { return string(s) }

var allStates = []State{StateIdle, StateStarting, StateRunning, StateStopping, StateTerminated}

// Group runs a fixed set of services under one shutdown protocol.
// A Group runs once; build a new one to run again.
type Group struct {
	name      string
	runID     string
	policy    Policy
	source    signals.Source
	observers []Observer
	log       *slog.Logger

	mu       sync.RWMutex
	services []service.Service
	states   []service.State
	state    State
	trigger  *Trigger
	outcome  *Outcome

	stopOnce sync.Once
	stopAt   time.Time
	stopCh   chan struct{}
	done     chan struct{}
}

type Option func(*Group)

func WithPolicy(p Policy) Option { return func(g *Group) { g.policy = p } }

// WithSignalSource subscribes the group to src for the duration of Run.
func WithSignalSource(src signals.Source) Option { return func(g *Group) { g.source = src } }

func WithObserver(o Observer) Option {
	return func(g *Group) {
		if o != nil {
			g.observers = append(g.observers, o)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Group) {
		if l != nil {
			g.log = l
		}
	}
}

// New builds an idle group. Service names must be unique.
func New(name string, services []service.Service, opts ...Option) (*Group, error) {
	g := &Group{
		name:   name,
		runID:  uuid.NewString(),
		policy: DefaultPolicy(),
		log:    slog.Default(),
		state:  StateIdle,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.With("group", name)
	for _, s := range services {
		if err := g.add(s); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *Group) Name() string   { return g.name }
func (g *Group) RunID() string  { return g.runID }
func (g *Group) Policy() Policy { return g.policy }

// Add appends a service. It is only allowed before Run.
func (g *Group) Add(s service.Service) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateIdle {
		return &InvalidStateError{Op: "add", State: g.state}
	}
	return g.addLocked(s)
}

func (g *Group) add(s service.Service) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addLocked(s)
}

func (g *Group) addLocked(s service.Service) error {
	if s == nil {
		return fmt.Errorf("group %s: nil service", g.name)
	}
	for _, existing := range g.services {
		if existing.Name() == s.Name() {
			return fmt.Errorf("group %s: duplicate service name %q", g.name, s.Name())
		}
	}
	g.services = append(g.services, s)
	g.states = append(g.states, service.StateNotStarted)
	return nil
}

// Stop requests an orderly shutdown. It never blocks and may be called any
// number of times, before or during Run.
func (g *Group) Stop() {
	g.stopOnce.Do(func() {
		g.stopAt = time.Now()
		close(g.stopCh)
	})
}

// stoppedAt is the time of the first Stop call. Only valid once stopCh is closed.
func (g *Group) stoppedAt() time.Time { return g.stopAt }

// Done is closed once the group reaches Terminated.
func (g *Group) Done() <-chan struct{} { return g.done }

func (g *Group) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Outcome returns the terminal outcome, or nil before the group has terminated.
func (g *Group) Outcome() *Outcome {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.outcome
}

// ServiceStatus is a point-in-time view of one member.
type ServiceStatus struct {
	Name  string
	State service.State
}

// Snapshot is a point-in-time view of the group, safe to take concurrently with Run.
type Snapshot struct {
	Group    string
	RunID    string
	State    State
	Trigger  *Trigger
	Services []ServiceStatus
}

func (g *Group) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	snap := Snapshot{Group: g.name, RunID: g.runID, State: g.state}
	if g.trigger != nil {
		t := *g.trigger
		snap.Trigger = &t
	}
	snap.Services = make([]ServiceStatus, len(g.services))
	for i, s := range g.services {
		snap.Services[i] = ServiceStatus{Name: s.Name(), State: g.states[i]}
	}
	return snap
}

// Run starts every service, waits for the first shutdown trigger, stops the
// remaining services and returns the terminal outcome. The returned error is
// outcome.Err(), or an *InvalidStateError when the group cannot run.
// Cancelling ctx is treated as an explicit stop request.
func (g *Group) Run(ctx context.Context) (*Outcome, error) {
	g.mu.Lock()
	if g.state != StateIdle {
		st := g.state
		g.mu.Unlock()
		return nil, &InvalidStateError{Op: "run", State: st}
	}
	if len(g.services) == 0 {
		g.mu.Unlock()
		return nil, &InvalidStateError{Op: "run", State: StateIdle, Reason: "group has no services"}
	}
	services := append([]service.Service(nil), g.services...)
	g.state = StateStarting
	g.mu.Unlock()
	g.noteTransition(StateIdle, StateStarting)

	out := newRun(g, services).run(ctx)

	g.mu.Lock()
	g.outcome = out
	g.mu.Unlock()
	g.setState(StateTerminated)
	close(g.done)

	g.emit(Event{Type: EventOutcome, Outcome: out, Err: out.Err()})
	if out.Success() {
		metrics.IncGroupRun(g.name, "success")
		g.log.Info("Service group terminated", "trigger", out.Trigger.String(), "duration", out.Duration())
	} else {
		metrics.IncGroupRun(g.name, "failure")
		g.log.Error("Service group terminated with failure", "trigger", out.Trigger.String(),
			"abandoned", out.Abandoned, "error", out.Err())
	}
	return out, out.Err()
}

func (g *Group) setState(to State) {
	g.mu.Lock()
	from := g.state
	g.state = to
	g.mu.Unlock()
	g.noteTransition(from, to)
}

func (g *Group) noteTransition(from, to State) {
	if from == to {
		return
	}
	metrics.RecordGroupTransition(g.name, string(from), string(to))
	for _, s := range allStates {
		metrics.SetGroupState(g.name, string(s), s == to)
	}
	g.log.Debug("Group state changed", "from", from, "to", to)
	g.emit(Event{Type: EventGroupState, From: string(from), To: string(to)})
}

func (g *Group) setServiceState(i int, to service.State, err error) {
	g.mu.Lock()
	from := g.states[i]
	g.states[i] = to
	name := g.services[i].Name()
	g.mu.Unlock()
	if from == to {
		return
	}
	g.emit(Event{Type: EventServiceState, Service: name, From: string(from), To: string(to), Err: err})
}

func (g *Group) setTrigger(t Trigger) {
	g.mu.Lock()
	g.trigger = &t
	g.mu.Unlock()
}

func (g *Group) emit(e Event) {
	if len(g.observers) == 0 {
		return
	}
	e.Group = g.name
	e.RunID = g.runID
	if e.At.IsZero() {
		e.At = time.Now()
	}
	for _, o := range g.observers {
		g.observe(o, e)
	}
}

func (g *Group) observe(o Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("Observer panicked", "event", e.Type, "panic", r)
		}
	}()
	o.Observe(e)
}
