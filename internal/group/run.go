package group

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loykin/svcgroup/internal/metrics"
	"github.com/loykin/svcgroup/internal/service"
	"github.com/loykin/svcgroup/internal/signals"
)

type eventKind int

const (
	evStarted eventKind = iota
	evStartFailed
	evExited
	evSignal
	evCanceled
)

// tieWindow is how close two triggers must be to count as simultaneous.
// Within it the lower rank wins.
const tieWindow = time.Millisecond

type runEvent struct {
	kind   eventKind
	index  int
	err    error
	exit   service.Exit
	signal signals.Kind
	took   time.Duration
	at     time.Time
}

// run is the state of one Group.Run. It is owned by the monitoring routine;
// service goroutines only send on events.
type run struct {
	g        *Group
	services []service.Service
	events   chan runEvent

	live  []bool
	liveN int
	errs  []error

	stopCh <-chan struct{}

	startedAt   time.Time
	stopBegan   time.Time
	cancelStart context.CancelFunc
	stopping    bool

	trigger    *Trigger
	candidates []Trigger
	secondary  []Trigger
	failures   []error
	abandoned  []string
	last       *Trigger
}

func newRun(g *Group, services []service.Service) *run {
	live := make([]bool, len(services))
	for i := range live {
		live[i] = true
	}
	return &run{
		g:        g,
		services: services,
		// each service sends at most two events, the signal watcher and the
		// ctx watcher one each, so senders never block even after the
		// monitor has returned
		events: make(chan runEvent, 2*len(services)+2),
		live:   live,
		liveN:  len(services),
		errs:   make([]error, len(services)),
	}
}

func (r *run) run(ctx context.Context) *Outcome {
	r.startedAt = time.Now()
	r.stopCh = r.g.stopCh

	startCtx, cancelStart := context.WithCancel(context.Background())
	r.cancelStart = cancelStart
	defer cancelStart()

	// watchers are armed before any observer runs so their events carry
	// arrival times
	if r.g.source != nil && !r.g.policy.IgnoreSignals {
		sigCtx, cancelSig := context.WithCancel(context.Background())
		defer cancelSig()
		go r.watchSignal(sigCtx)
	}
	stopWatch := context.AfterFunc(ctx, func() {
		r.events <- runEvent{kind: evCanceled, err: ctx.Err(), at: time.Now()}
	})
	defer stopWatch()

	var issued sync.WaitGroup
	issued.Add(len(r.services))
	for i, svc := range r.services {
		go r.drive(startCtx, i, svc, issued.Done)
	}
	// every Start has been issued; none has necessarily returned
	issued.Wait()
	r.g.setState(StateRunning)

	var (
		grace <-chan time.Time
		timer *time.Timer
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

loop:
	for r.liveN > 0 {
		select {
		case ev := <-r.events:
			r.handle(ev)
		case <-r.stopCh:
			r.stopCh = nil
			r.offer(r.explicit("", r.g.stoppedAt()))
		case <-grace:
			r.abandon()
			break loop
		}
		if r.trigger == nil && len(r.candidates) > 0 {
			r.drainPending()
			r.elect()
		}
		if r.trigger != nil && !r.stopping {
			r.beginStopping()
			timer = time.NewTimer(r.g.policy.grace())
			grace = timer.C
		}
	}

	if r.trigger == nil {
		// the group drained without any trigger; the last termination stands in
		r.candidates = append(r.candidates, *r.last)
		r.elect()
	}
	if !r.stopping {
		r.beginStopping()
	}
	metrics.ObserveShutdownDuration(r.g.name, time.Since(r.stopBegan).Seconds())
	return r.outcome()
}

// drive starts one service and reports its lifecycle to the monitor.
func (r *run) drive(ctx context.Context, i int, svc service.Service, issued func()) {
	begin := time.Now()
	issued()
	if err := safeStart(ctx, svc); err != nil {
		r.events <- runEvent{kind: evStartFailed, index: i, err: err, at: time.Now()}
		return
	}
	r.events <- runEvent{kind: evStarted, index: i, took: time.Since(begin), at: time.Now()}
	exit := safeWait(svc)
	r.events <- runEvent{kind: evExited, index: i, exit: exit, at: time.Now()}
}

func (r *run) watchSignal(ctx context.Context) {
	kind, err := r.g.source.Wait(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.g.log.Warn("Signal source failed", "error", err)
		}
		return
	}
	r.events <- runEvent{kind: evSignal, signal: kind, at: time.Now()}
}

func (r *run) handle(ev runEvent) {
	switch ev.kind {
	case evStarted:
		name := r.services[ev.index].Name()
		metrics.IncServiceStart(name)
		metrics.ObserveServiceStartDuration(name, ev.took.Seconds())
		r.g.log.Info("Service started", "service", name, "took", ev.took)
		if r.stopping {
			r.g.setServiceState(ev.index, service.StateShuttingDown, nil)
		} else {
			r.g.setServiceState(ev.index, service.StateRunning, nil)
		}

	case evStartFailed:
		name := r.services[ev.index].Name()
		r.terminate(ev.index)
		if r.stopping && errors.Is(ev.err, context.Canceled) {
			r.g.setServiceState(ev.index, service.StateStopped, nil)
			return
		}
		metrics.IncServiceStartFailure(name)
		sf := &StartFailureError{Service: name, Cause: ev.err}
		r.fail(ev.index, sf)
		r.g.log.Error("Service failed to start", "service", name, "error", ev.err)
		r.g.setServiceState(ev.index, service.StateFailed, sf)
		t := Trigger{Kind: TriggerServiceExited, At: ev.at, Service: name, Exit: service.Failed(ev.err), StartFailure: true, rank: ev.index}
		r.last = &t
		if r.g.policy.CascadeStartFailure || r.trigger != nil {
			r.offer(t)
		}

	case evExited:
		name := r.services[ev.index].Name()
		r.terminate(ev.index)
		metrics.IncServiceExit(name, string(ev.exit.Kind))
		var err error
		if ev.exit.Failed() {
			err = &RuntimeFailureError{Service: name, Cause: ev.exit.Err}
			r.fail(ev.index, err)
			r.g.log.Error("Service failed", "service", name, "error", ev.exit.Err)
		} else {
			r.g.log.Info("Service stopped", "service", name, "exit", ev.exit.Kind)
		}
		r.g.setServiceState(ev.index, ev.exit.State(), err)
		t := Trigger{Kind: TriggerServiceExited, At: ev.at, Service: name, Exit: ev.exit, rank: ev.index}
		r.last = &t
		switch {
		case r.trigger != nil:
			// acknowledgements of our own stop request are not triggers
			if ev.exit.Kind != service.ExitStopped {
				r.offer(t)
			}
		case ev.exit.Failed() || r.g.policy.ExitTriggersShutdown:
			r.offer(t)
		}

	case evSignal:
		r.g.log.Info("Received shutdown signal", "signal", ev.signal)
		r.offer(Trigger{Kind: TriggerSignal, At: ev.at, Signal: ev.signal, rank: len(r.services)})

	case evCanceled:
		r.offer(r.explicit(ev.err.Error(), ev.at))
	}
}

func (r *run) explicit(reason string, at time.Time) Trigger {
	return Trigger{Kind: TriggerExplicit, At: at, Reason: reason, rank: len(r.services) + 1}
}

// offer queues t as an initiating candidate, or records it as a secondary
// cause once the initiating trigger is known.
func (r *run) offer(t Trigger) {
	if r.trigger == nil {
		r.candidates = append(r.candidates, t)
		return
	}
	r.secondary = append(r.secondary, t)
	metrics.IncTrigger(r.g.name, string(t.Kind), false)
	r.g.log.Debug("Secondary shutdown trigger", "trigger", t.String())
	r.g.emit(Event{Type: EventTrigger, At: t.At, Service: t.Service, Trigger: &t, Err: t.Err()})
}

// drainPending handles everything that is already queued, so that a
// trigger delayed behind a slow observer still competes on its arrival time.
func (r *run) drainPending() {
	for {
		select {
		case ev := <-r.events:
			r.handle(ev)
			continue
		default:
		}
		break
	}
	select {
	case <-r.stopCh:
		r.stopCh = nil
		r.offer(r.explicit("", r.g.stoppedAt()))
	default:
	}
}

// elect picks the initiating trigger among candidates: the earliest one
// wins. Candidates within tieWindow of the earliest are ordered by rank
// (services in registration order, then signal, then explicit request).
func (r *run) elect() {
	first := r.candidates[0].At
	for _, c := range r.candidates[1:] {
		if c.At.Before(first) {
			first = c.At
		}
	}
	best := -1
	for i, c := range r.candidates {
		if c.At.Sub(first) > tieWindow {
			continue
		}
		if best < 0 || c.rank < r.candidates[best].rank {
			best = i
		}
	}
	t := r.candidates[best]
	r.trigger = &t
	r.g.setTrigger(t)
	metrics.IncTrigger(r.g.name, string(t.Kind), true)
	r.g.log.Info("Shutdown triggered", "trigger", t.String())
	r.g.emit(Event{Type: EventTrigger, At: t.At, Service: t.Service, Trigger: &t, Initiating: true, Err: t.Err()})

	rest := r.candidates
	r.candidates = nil
	for i, c := range rest {
		if i != best {
			r.offer(c)
		}
	}
}

func (r *run) beginStopping() {
	r.stopping = true
	r.stopBegan = time.Now()
	r.g.setState(StateStopping)
	r.cancelStart()
	for i, svc := range r.services {
		if !r.live[i] {
			continue
		}
		r.g.setServiceState(i, service.StateShuttingDown, nil)
		r.requestStop(svc)
	}
}

func (r *run) requestStop(svc service.Service) {
	defer func() {
		if p := recover(); p != nil {
			r.g.log.Error("RequestStop panicked", "service", svc.Name(), "panic", p)
		}
	}()
	svc.RequestStop()
}

func (r *run) abandon() {
	for i, svc := range r.services {
		if r.live[i] {
			r.abandoned = append(r.abandoned, svc.Name())
		}
	}
	metrics.AddAbandoned(r.g.name, len(r.abandoned))
	r.g.log.Warn("Grace period elapsed, abandoning services",
		"grace", r.g.policy.grace(), "services", r.abandoned)
}

func (r *run) terminate(i int) {
	if r.live[i] {
		r.live[i] = false
		r.liveN--
	}
}

func (r *run) fail(i int, err error) {
	r.errs[i] = err
	r.failures = append(r.failures, err)
}

func (r *run) outcome() *Outcome {
	snap := r.g.Snapshot()
	out := &Outcome{
		Group:     r.g.name,
		RunID:     r.g.runID,
		Trigger:   *r.trigger,
		Secondary: r.secondary,
		Abandoned: r.abandoned,
		Failures:  r.failures,
		Services:  make([]ServiceReport, len(r.services)),
		StartedAt: r.startedAt,
		StoppedAt: time.Now(),
	}
	for i, s := range snap.Services {
		out.Services[i] = ServiceReport{Name: s.Name, State: s.State, Err: r.errs[i]}
	}
	return out
}

func safeStart(ctx context.Context, svc service.Service) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", service.ErrPanic, p)
		}
	}()
	return svc.Start(ctx)
}

func safeWait(svc service.Service) (exit service.Exit) {
	defer func() {
		if p := recover(); p != nil {
			exit = service.Failed(fmt.Errorf("%w: %v", service.ErrPanic, p))
		}
	}()
	return svc.Wait()
}
