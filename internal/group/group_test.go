package group

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/svcgroup/internal/service"
	"github.com/loykin/svcgroup/internal/signals"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeService is a hand-driven service: tests decide when it exits.
type fakeService struct {
	name       string
	startErr   error
	ignoreStop bool

	stopOnce sync.Once
	stopCh   chan struct{}
	exitCh   chan service.Exit
}

func newFake(name string) *fakeService {
	return &fakeService{name: name, stopCh: make(chan struct{}), exitCh: make(chan service.Exit, 1)}
}

func (f *fakeService) Name() string                { return f.name }
func (f *fakeService) Start(context.Context) error { return f.startErr }
func (f *fakeService) RequestStop()                { f.stopOnce.Do(func() { close(f.stopCh) }) }

func (f *fakeService) Wait() service.Exit {
	if f.ignoreStop {
		return <-f.exitCh
	}
	select {
	case e := <-f.exitCh:
		return e
	case <-f.stopCh:
		return service.Stopped()
	}
}

func (f *fakeService) exit(e service.Exit) { f.exitCh <- e }

// forever runs until its stop request.
func forever(name string) *service.Func {
	return service.NewFunc(name, func(ctx context.Context, ready func()) error {
		ready()
		<-ctx.Done()
		return nil
	})
}

func failOnStart(name string, err error) *service.Func {
	return service.NewFunc(name, func(ctx context.Context, ready func()) error {
		return err
	})
}

func fastPolicy() Policy {
	p := DefaultPolicy()
	p.GracePeriod = 2 * time.Second
	return p
}

type result struct {
	out *Outcome
	err error
}

func runAsync(ctx context.Context, g *Group) <-chan result {
	ch := make(chan result, 1)
	go func() {
		out, err := g.Run(ctx)
		ch <- result{out, err}
	}()
	return ch
}

func waitResult(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("group did not terminate")
	}
	return result{}
}

func waitServiceState(t *testing.T, g *Group, name string, want service.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, s := range g.Snapshot().Services {
			if s.Name == name {
				return s.State == want
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "service %s never reached %s", name, want)
}

func TestNewRejectsDuplicateAndNil(t *testing.T) {
	_, err := New("g", []service.Service{forever("a"), forever("a")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")

	_, err = New("g", []service.Service{nil})
	require.Error(t, err)
}

func TestRunEmptyGroupIsInvalid(t *testing.T) {
	g, err := New("empty", nil)
	require.NoError(t, err)
	_, err = g.Run(context.Background())
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StateIdle, g.State())
}

func TestExplicitStopAfterBothRunning(t *testing.T) {
	g, err := New("g", []service.Service{forever("ServiceA"), forever("ServiceB")}, WithPolicy(fastPolicy()))
	require.NoError(t, err)

	ch := runAsync(context.Background(), g)
	waitServiceState(t, g, "ServiceA", service.StateRunning)
	waitServiceState(t, g, "ServiceB", service.StateRunning)
	g.Stop()

	r := waitResult(t, ch)
	require.NoError(t, r.err)
	require.NotNil(t, r.out)
	assert.True(t, r.out.Success())
	assert.Empty(t, r.out.Abandoned)
	assert.Equal(t, TriggerExplicit, r.out.Trigger.Kind)
	for _, s := range r.out.Services {
		assert.Equal(t, service.StateStopped, s.State, s.Name)
		assert.NoError(t, s.Err)
	}
	assert.Equal(t, StateTerminated, g.State())
	select {
	case <-g.Done():
	default:
		t.Fatal("Done not closed after Run returned")
	}
}

func TestNoTriggerKeepsRunning(t *testing.T) {
	g, err := New("g", []service.Service{forever("a"), forever("b")}, WithPolicy(fastPolicy()))
	require.NoError(t, err)
	ch := runAsync(context.Background(), g)
	waitServiceState(t, g, "a", service.StateRunning)
	waitServiceState(t, g, "b", service.StateRunning)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateRunning, g.State())
	assert.Nil(t, g.Outcome())

	g.Stop()
	r := waitResult(t, ch)
	require.NoError(t, r.err)
}

func TestCascadingStartFailure(t *testing.T) {
	cause := errors.New("bind failed")
	g, err := New("g", []service.Service{failOnStart("ServiceA", cause)}, WithPolicy(fastPolicy()))
	require.NoError(t, err)

	out, err := g.Run(context.Background())
	require.Error(t, err)
	require.NotNil(t, out)
	assert.False(t, out.Success())
	assert.True(t, out.Trigger.StartFailure)
	assert.Equal(t, "ServiceA", out.Trigger.Service)

	var sf *StartFailureError
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, "ServiceA", sf.Service)
	assert.ErrorIs(t, err, ErrStartFailure)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, service.StateFailed, out.Services[0].State)
}

func TestCascadingStartFailureStopsSiblings(t *testing.T) {
	g, err := New("g", []service.Service{forever("db"), failOnStart("api", errors.New("port in use"))},
		WithPolicy(fastPolicy()))
	require.NoError(t, err)

	out, err := g.Run(context.Background())
	require.ErrorIs(t, err, ErrStartFailure)
	assert.Equal(t, "api", out.Trigger.Service)
	assert.Empty(t, out.Abandoned)
	assert.Equal(t, service.StateStopped, out.Services[0].State)
}

func TestStartFailureWithoutCascade(t *testing.T) {
	p := fastPolicy()
	p.CascadeStartFailure = false
	g, err := New("g", []service.Service{forever("db"), failOnStart("api", errors.New("port in use"))},
		WithPolicy(p))
	require.NoError(t, err)

	ch := runAsync(context.Background(), g)
	waitServiceState(t, g, "api", service.StateFailed)
	waitServiceState(t, g, "db", service.StateRunning)
	assert.Equal(t, StateRunning, g.State())

	g.Stop()
	r := waitResult(t, ch)
	assert.Equal(t, TriggerExplicit, r.out.Trigger.Kind)
	assert.False(t, r.out.Success())
	require.ErrorIs(t, r.err, ErrStartFailure)
	require.Len(t, r.out.Failures, 1)
}

func TestShutdownTimeoutAbandonsService(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	stubborn := service.NewFunc("ServiceA", func(ctx context.Context, ready func()) error {
		ready()
		<-release
		return nil
	})
	p := DefaultPolicy()
	p.GracePeriod = 50 * time.Millisecond
	g, err := New("g", []service.Service{stubborn}, WithPolicy(p))
	require.NoError(t, err)

	ch := runAsync(context.Background(), g)
	waitServiceState(t, g, "ServiceA", service.StateRunning)
	g.Stop()

	r := waitResult(t, ch)
	require.Error(t, r.err)
	assert.Equal(t, TriggerExplicit, r.out.Trigger.Kind)
	assert.False(t, r.out.Success())
	assert.Equal(t, []string{"ServiceA"}, r.out.Abandoned)

	var te *ShutdownTimeoutError
	require.ErrorAs(t, r.err, &te)
	assert.Equal(t, []string{"ServiceA"}, te.Remaining)
	assert.ErrorIs(t, r.err, ErrShutdownTimeout)
	assert.Equal(t, service.StateShuttingDown, r.out.Services[0].State)
}

func TestRunTwiceIsInvalidState(t *testing.T) {
	g, err := New("g", []service.Service{forever("a")}, WithPolicy(fastPolicy()))
	require.NoError(t, err)
	g.Stop()
	first, err := g.Run(context.Background())
	require.NoError(t, err)

	out, err := g.Run(context.Background())
	assert.Nil(t, out)
	var ise *InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, StateTerminated, ise.State)
	assert.Same(t, first, g.Outcome())
	assert.True(t, g.Outcome().Success())
}

func TestAddAfterStartIsInvalidState(t *testing.T) {
	g, err := New("g", []service.Service{forever("a")}, WithPolicy(fastPolicy()))
	require.NoError(t, err)
	require.NoError(t, g.Add(forever("b")))

	ch := runAsync(context.Background(), g)
	waitServiceState(t, g, "b", service.StateRunning)
	err = g.Add(forever("c"))
	require.ErrorIs(t, err, ErrInvalidState)

	g.Stop()
	r := waitResult(t, ch)
	require.NoError(t, r.err)
	assert.Len(t, r.out.Services, 2)
}

func TestFirstFailureWinsAndLaterAreSecondary(t *testing.T) {
	a := newFake("a")
	a.ignoreStop = true
	b := newFake("b")
	g, err := New("g", []service.Service{a, b}, WithPolicy(fastPolicy()))
	require.NoError(t, err)

	ch := runAsync(context.Background(), g)
	waitServiceState(t, g, "a", service.StateRunning)
	waitServiceState(t, g, "b", service.StateRunning)

	bErr := errors.New("b crashed")
	b.exit(service.Failed(bErr))
	require.Eventually(t, func() bool { return g.State() == StateStopping }, 2*time.Second, 5*time.Millisecond)
	aErr := errors.New("a crashed while stopping")
	a.exit(service.Failed(aErr))

	r := waitResult(t, ch)
	assert.Equal(t, "b", r.out.Trigger.Service)
	require.Len(t, r.out.Secondary, 1)
	assert.Equal(t, "a", r.out.Secondary[0].Service)
	assert.Len(t, r.out.Failures, 2)

	// the initiating failure comes first in the joined error
	var rf *RuntimeFailureError
	require.ErrorAs(t, r.err, &rf)
	assert.Equal(t, "b", rf.Service)
	assert.ErrorIs(t, r.err, aErr)
	assert.ErrorIs(t, r.err, ErrRuntimeFailure)
}

func TestSignalTrigger(t *testing.T) {
	src := signals.NewManual()
	g, err := New("g", []service.Service{forever("a"), forever("b")},
		WithPolicy(fastPolicy()), WithSignalSource(src))
	require.NoError(t, err)

	ch := runAsync(context.Background(), g)
	waitServiceState(t, g, "a", service.StateRunning)
	src.Fire(signals.KindTerminate)

	r := waitResult(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, TriggerSignal, r.out.Trigger.Kind)
	assert.Equal(t, signals.KindTerminate, r.out.Trigger.Signal)
	assert.Empty(t, r.out.Secondary)
}

func TestSignalsIgnoredByPolicy(t *testing.T) {
	src := signals.NewManual()
	p := fastPolicy()
	p.IgnoreSignals = true
	g, err := New("g", []service.Service{forever("a")}, WithPolicy(p), WithSignalSource(src))
	require.NoError(t, err)

	ch := runAsync(context.Background(), g)
	waitServiceState(t, g, "a", service.StateRunning)
	src.Fire(signals.KindInterrupt)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateRunning, g.State())

	g.Stop()
	r := waitResult(t, ch)
	assert.Equal(t, TriggerExplicit, r.out.Trigger.Kind)
}

func TestCleanExitTriggersShutdown(t *testing.T) {
	oneShot := service.NewFunc("migrate", func(ctx context.Context, ready func()) error {
		ready()
		return nil
	})
	g, err := New("g", []service.Service{forever("api"), oneShot}, WithPolicy(fastPolicy()))
	require.NoError(t, err)

	out, err := g.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, out.Success())
	assert.Equal(t, TriggerServiceExited, out.Trigger.Kind)
	assert.Equal(t, "migrate", out.Trigger.Service)
	assert.Equal(t, service.ExitNormal, out.Trigger.Exit.Kind)
}

func TestCleanExitIgnoredWhenPolicyDisabled(t *testing.T) {
	p := fastPolicy()
	p.ExitTriggersShutdown = false
	oneShot := service.NewFunc("migrate", func(ctx context.Context, ready func()) error {
		ready()
		return nil
	})
	g, err := New("g", []service.Service{forever("api"), oneShot}, WithPolicy(p))
	require.NoError(t, err)

	ch := runAsync(context.Background(), g)
	waitServiceState(t, g, "migrate", service.StateStopped)
	assert.Equal(t, StateRunning, g.State())

	g.Stop()
	r := waitResult(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, TriggerExplicit, r.out.Trigger.Kind)
}

func TestAllServicesFinishWithoutTrigger(t *testing.T) {
	p := fastPolicy()
	p.ExitTriggersShutdown = false
	g, err := New("g", []service.Service{
		service.NewFunc("only", func(ctx context.Context, ready func()) error { ready(); return nil }),
	}, WithPolicy(p))
	require.NoError(t, err)

	out, err := g.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TriggerServiceExited, out.Trigger.Kind)
	assert.Equal(t, "only", out.Trigger.Service)
}

func TestContextCancelIsExplicitStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g, err := New("g", []service.Service{forever("a")}, WithPolicy(fastPolicy()))
	require.NoError(t, err)

	ch := runAsync(ctx, g)
	waitServiceState(t, g, "a", service.StateRunning)
	cancel()

	r := waitResult(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, TriggerExplicit, r.out.Trigger.Kind)
	assert.Equal(t, context.Canceled.Error(), r.out.Trigger.Reason)
}

func TestRuntimePanicIsFailure(t *testing.T) {
	g, err := New("g", []service.Service{
		forever("a"),
		service.NewFunc("b", func(ctx context.Context, ready func()) error {
			ready()
			panic("boom")
		}),
	}, WithPolicy(fastPolicy()))
	require.NoError(t, err)

	out, err := g.Run(context.Background())
	require.ErrorIs(t, err, ErrRuntimeFailure)
	assert.ErrorIs(t, err, service.ErrPanic)
	assert.Equal(t, "b", out.Trigger.Service)
}

func TestObserverSeesLifecycle(t *testing.T) {
	var (
		mu     sync.Mutex
		events []Event
	)
	obs := ObserverFunc(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	panicky := ObserverFunc(func(Event) { panic("observer bug") })

	g, err := New("obs", []service.Service{forever("a")},
		WithPolicy(fastPolicy()), WithObserver(obs), WithObserver(panicky))
	require.NoError(t, err)
	g.Stop()
	_, err = g.Run(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	var transitions []string
	initiating := 0
	for _, e := range events {
		assert.Equal(t, "obs", e.Group)
		assert.Equal(t, g.RunID(), e.RunID)
		switch e.Type {
		case EventGroupState:
			transitions = append(transitions, e.From+">"+e.To)
		case EventTrigger:
			if e.Initiating {
				initiating++
			}
		}
	}
	assert.Equal(t, []string{
		"idle>starting", "starting>running", "running>stopping", "stopping>terminated",
	}, transitions)
	assert.Equal(t, 1, initiating)
	last := events[len(events)-1]
	assert.Equal(t, EventOutcome, last.Type)
	require.NotNil(t, last.Outcome)
	assert.True(t, last.Outcome.Success())
}

func TestElectPrefersRegistrationOrder(t *testing.T) {
	a, b := newFake("a"), newFake("b")
	g, err := New("g", []service.Service{a, b})
	require.NoError(t, err)
	r := newRun(g, g.services)

	now := time.Now()
	r.offer(r.explicit("", time.Now()))
	r.offer(Trigger{Kind: TriggerSignal, At: now, Signal: signals.KindInterrupt, rank: 2})
	r.offer(Trigger{Kind: TriggerServiceExited, At: now, Service: "b", Exit: service.Stopped(), rank: 1})
	r.elect()

	require.NotNil(t, r.trigger)
	assert.Equal(t, "b", r.trigger.Service)
	assert.Len(t, r.secondary, 2)
	assert.Empty(t, r.candidates)

	// a later candidate never replaces the elected trigger
	r.offer(Trigger{Kind: TriggerServiceExited, At: now, Service: "a", Exit: service.Failed(errors.New("x")), rank: 0})
	assert.Equal(t, "b", r.trigger.Service)
	assert.Len(t, r.secondary, 3)
}

// startCounter counts Start calls and then runs until stopped.
type startCounter struct {
	*fakeService
	calls *atomic.Int32
}

func (s *startCounter) Start(ctx context.Context) error {
	s.calls.Add(1)
	return s.fakeService.Start(ctx)
}

func TestEveryStartIssuedBeforeRunning(t *testing.T) {
	const n = 64
	var calls atomic.Int32
	services := make([]service.Service, n)
	for i := range services {
		services[i] = &startCounter{fakeService: newFake(fmt.Sprintf("s%d", i)), calls: &calls}
	}
	seen := make(chan int32, 1)
	g, err := New("g", services, WithPolicy(fastPolicy()), WithObserver(ObserverFunc(func(e Event) {
		if e.Type == EventGroupState && e.To == string(StateRunning) {
			seen <- calls.Load()
		}
	})))
	require.NoError(t, err)

	ch := runAsync(context.Background(), g)
	var atRunning int32
	select {
	case atRunning = <-seen:
	case <-time.After(5 * time.Second):
		t.Fatal("group never reached running")
	}
	g.Stop()
	waitResult(t, ch)
	assert.Equal(t, int32(n), atRunning)
}

// stallOnRunning blocks the monitoring routine on the Running transition
// and runs each action at its offset while blocked.
func stallOnRunning(stall time.Duration, actions map[time.Duration]func()) Observer {
	var once sync.Once
	return ObserverFunc(func(e Event) {
		if e.Type != EventGroupState || e.To != string(StateRunning) {
			return
		}
		once.Do(func() {
			for after, fn := range actions {
				time.AfterFunc(after, fn)
			}
			time.Sleep(stall)
		})
	})
}

func TestEarlierSignalWinsOverQueuedFailure(t *testing.T) {
	src := signals.NewManual()
	a, b := newFake("a"), newFake("b")
	boom := errors.New("boom")
	g, err := New("g", []service.Service{a, b}, WithPolicy(fastPolicy()), WithSignalSource(src),
		WithObserver(stallOnRunning(300*time.Millisecond, map[time.Duration]func(){
			50 * time.Millisecond:  func() { src.Fire(signals.KindTerminate) },
			150 * time.Millisecond: func() { a.exit(service.Failed(boom)) },
		})))
	require.NoError(t, err)

	r := waitResult(t, runAsync(context.Background(), g))
	assert.Equal(t, TriggerSignal, r.out.Trigger.Kind)
	require.Len(t, r.out.Secondary, 1)
	assert.Equal(t, "a", r.out.Secondary[0].Service)
	assert.True(t, r.out.Secondary[0].At.After(r.out.Trigger.At))
	// a's failure still fails the run
	assert.ErrorIs(t, r.err, boom)
}

func TestExplicitStopTimedAtCall(t *testing.T) {
	a, b := newFake("a"), newFake("b")
	var g *Group
	g, err := New("g", []service.Service{a, b}, WithPolicy(fastPolicy()),
		WithObserver(stallOnRunning(300*time.Millisecond, map[time.Duration]func(){
			50 * time.Millisecond:  func() { g.Stop() },
			150 * time.Millisecond: func() { a.exit(service.Failed(errors.New("boom"))) },
		})))
	require.NoError(t, err)

	r := waitResult(t, runAsync(context.Background(), g))
	assert.Equal(t, TriggerExplicit, r.out.Trigger.Kind)
	require.Len(t, r.out.Secondary, 1)
	assert.Equal(t, "a", r.out.Secondary[0].Service)
}
