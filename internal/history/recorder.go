package history

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/svcgroup/internal/group"
)

const (
	DefaultQueueSize   = 256
	DefaultSendTimeout = 5 * time.Second
)

// Recorder is a group.Observer that ships events to a Sink in the background.
// Observe never blocks: when the queue is full the event is dropped and counted.
type Recorder struct {
	sink    Sink
	log     *slog.Logger
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	queue   chan Event
	done    chan struct{}
	dropped atomic.Int64
	failed  atomic.Int64
}

func NewRecorder(sink Sink, queueSize int, log *slog.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		sink:    sink,
		log:     log.With("component", "history"),
		timeout: DefaultSendTimeout,
		queue:   make(chan Event, queueSize),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Recorder) Observe(e group.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- Convert(e):
	default:
		if r.dropped.Add(1) == 1 {
			r.log.Warn("History queue full, dropping events")
		}
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Failed reports how many events the sink rejected.
func (r *Recorder) Failed() int64 { return r.failed.Load() }

// Close stops accepting events and waits until the queue is drained or ctx ends.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := r.sink.Send(ctx, e)
		cancel()
		if err != nil {
			r.failed.Add(1)
			r.log.Warn("History sink send failed", "event", e.Type, "error", err)
		}
	}
}

// Convert maps a coordinator event to a history event.
func Convert(e group.Event) Event {
	rec := Record{
		Group:      e.Group,
		RunID:      e.RunID,
		Service:    e.Service,
		From:       e.From,
		To:         e.To,
		Initiating: e.Initiating,
	}
	if e.Trigger != nil {
		rec.Trigger = e.Trigger.String()
	}
	if e.Err != nil {
		rec.Error = e.Err.Error()
	}
	if e.Outcome != nil {
		rec.Trigger = e.Outcome.Trigger.String()
		rec.Initiating = true
		rec.To = "success"
		if !e.Outcome.Success() {
			rec.To = "failure"
		}
	}
	return Event{Type: EventType(e.Type), OccurredAt: e.At, Record: rec}
}
