package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrAlreadyStarted is returned when Start is called more than once on the same instance.
var ErrAlreadyStarted = errors.New("service already started")

// RunFunc is the body of a function-backed service. It must call ready once
// its main loop is running and return when ctx is cancelled.
type RunFunc func(ctx context.Context, ready func()) error

// Func adapts a RunFunc to the Service interface.
//
// A non-nil error returned before ready is called is reported by Start as an
// initialization failure. After ready, the returned error decides the exit:
// nil after a stop request is ExitStopped, nil otherwise ExitNormal, and any
// other error (including a recovered panic) is ExitFailed.
type Func struct {
	name string
	run  RunFunc

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	stopReq atomic.Bool

	ready chan struct{}
	done  chan struct{}
	exit  Exit
}

func NewFunc(name string, run RunFunc) *Func {
	ctx, cancel := context.WithCancel(context.Background())
	return &Func{
		name:   name,
		run:    run,
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (f *Func) Name() string { return f.name }

func (f *Func) Start(ctx context.Context) error {
	if !f.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	var once sync.Once
	go f.loop(func() { once.Do(func() { close(f.ready) }) })

	startCtx := ctx.Done()
	for {
		select {
		case <-f.ready:
			return nil
		case <-f.done:
			select {
			case <-f.ready:
				return nil
			default:
			}
			if f.exit.Failed() {
				return f.exit.Err
			}
			return nil
		case <-startCtx:
			// keep waiting so the run function is never orphaned
			f.RequestStop()
			startCtx = nil
		}
	}
}

func (f *Func) Wait() Exit {
	<-f.done
	return f.exit
}

// Done is closed once the run function has returned.
func (f *Func) Done() <-chan struct{} { return f.done }

func (f *Func) RequestStop() {
	f.stopReq.Store(true)
	f.cancel()
}

func (f *Func) loop(ready func()) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
		f.exit = f.classify(err)
		f.cancel()
		close(f.done)
	}()
	err = f.run(f.ctx, ready)
}

func (f *Func) classify(err error) Exit {
	stopped := f.stopReq.Load()
	switch {
	case err == nil && stopped:
		return Stopped()
	case err == nil:
		return Normal()
	case stopped && errors.Is(err, context.Canceled):
		return Stopped()
	default:
		return Failed(err)
	}
}
