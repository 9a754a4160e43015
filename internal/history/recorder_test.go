package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loykin/svcgroup/internal/group"
	"github.com/loykin/svcgroup/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
	err    error
}

func (m *memorySink) Send(ctx context.Context, e Event) error {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memorySink) snapshot() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

func TestRecorderShipsGroupRun(t *testing.T) {
	sink := &memorySink{}
	rec := NewRecorder(sink, 64, nil)

	svc := service.NewFunc("worker", func(ctx context.Context, ready func()) error {
		ready()
		<-ctx.Done()
		return nil
	})
	g, err := group.New("history-test", []service.Service{svc}, group.WithObserver(rec))
	require.NoError(t, err)
	g.Stop()
	_, err = g.Run(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rec.Close(ctx))

	events := sink.snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, EventGroupState, events[0].Type)
	assert.Equal(t, "idle", events[0].Record.From)
	last := events[len(events)-1]
	assert.Equal(t, EventOutcome, last.Type)
	assert.Equal(t, "success", last.Record.To)
	assert.Equal(t, "explicit", last.Record.Trigger)
	for _, e := range events {
		assert.Equal(t, g.RunID(), e.Record.RunID)
		assert.Equal(t, "history-test", e.Record.Group)
	}
	assert.Zero(t, rec.Dropped())

	// closed recorders ignore late events
	rec.Observe(group.Event{Type: group.EventGroupState})
	assert.Len(t, sink.snapshot(), len(events))
}

func TestRecorderDropsWhenFull(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	rec := NewRecorder(sink, 1, nil)

	for i := 0; i < 10; i++ {
		rec.Observe(group.Event{Type: group.EventServiceState, Service: "s"})
	}
	assert.Positive(t, rec.Dropped())

	close(sink.block)
	require.NoError(t, rec.Close(context.Background()))
}

func TestRecorderCountsSinkFailures(t *testing.T) {
	sink := &memorySink{err: errors.New("disk full")}
	rec := NewRecorder(sink, 4, nil)
	rec.Observe(group.Event{Type: group.EventTrigger})
	require.NoError(t, rec.Close(context.Background()))
	assert.Equal(t, int64(1), rec.Failed())
}

func TestConvert(t *testing.T) {
	at := time.Now()
	trig := group.Trigger{Kind: group.TriggerServiceExited, Service: "db", Exit: service.Failed(errors.New("boom"))}
	e := Convert(group.Event{
		Type: group.EventTrigger, Group: "g", RunID: "r", At: at, Service: "db",
		Trigger: &trig, Initiating: true, Err: trig.Err(),
	})
	assert.Equal(t, EventTrigger, e.Type)
	assert.Equal(t, at, e.OccurredAt)
	assert.True(t, e.Record.Initiating)
	assert.Equal(t, "service_exited(db: failed: boom)", e.Record.Trigger)
	assert.Contains(t, e.Record.Error, "boom")
}
