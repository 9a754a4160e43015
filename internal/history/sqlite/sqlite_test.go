package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/svcgroup/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := t.TempDir() + "/test.db"

	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	runID := uuid.NewString()

	events := []history.Event{
		{
			Type:       history.EventGroupState,
			OccurredAt: time.Now().UTC(),
			Record:     history.Record{Group: "g", RunID: runID, From: "idle", To: "starting"},
		},
		{
			Type:       history.EventServiceState,
			OccurredAt: time.Now().UTC(),
			Record:     history.Record{Group: "g", RunID: runID, Service: "db", From: "running", To: "failed", Error: "connection reset"},
		},
		{
			Type:       history.EventTrigger,
			OccurredAt: time.Now().UTC(),
			Record:     history.Record{Group: "g", RunID: runID, Service: "db", Trigger: "service_exited(db: failed)", Initiating: true},
		},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}

	n, err := sink.CountRun(ctx, runID)
	if err != nil {
		t.Fatalf("Failed to count events: %v", err)
	}
	if n != len(events) {
		t.Fatalf("expected %d events, got %d", len(events), n)
	}

	var errText string
	if err := sink.db.QueryRowContext(ctx,
		`SELECT error FROM `+history.TableName+` WHERE run_id = ? AND event = ?`,
		runID, string(history.EventServiceState)).Scan(&errText); err != nil {
		t.Fatalf("Failed to query error column: %v", err)
	}
	if errText != "connection reset" {
		t.Fatalf("unexpected error column: %q", errText)
	}
}

func TestSQLiteSink_Memory(t *testing.T) {
	sink, err := New("sqlite://:memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	e := history.Event{Type: history.EventOutcome, OccurredAt: time.Now(), Record: history.Record{Group: "g", RunID: "r1", To: "success"}}
	if err := sink.Send(context.Background(), e); err != nil {
		t.Fatalf("send: %v", err)
	}
	n, err := sink.CountRun(context.Background(), "r1")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 row, got %d (%v)", n, err)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}
