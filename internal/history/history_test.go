package history

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (r *recordingSink) Send(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func sampleEvent(id string) Event {
	code := 0
	start := time.Now().Add(-2 * time.Second).UTC()
	return Event{
		Type:       EventCompleted,
		OccurredAt: time.Now().UTC(),
		Record: Record{
			ExecutionID: id, UserID: "u1", Category: "scripting", Scenario: "hello",
			Status: "success", ExitCode: &code, StartedAt: start, CompletedAt: start.Add(2 * time.Second),
			DurationSeconds: 2,
		},
	}
}

func TestDispatcherFansOutAndDrainsOnClose(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{err: errors.New("backend down")}
	d := NewDispatcher([]Sink{a, b}, 16, nil)
	for i := 0; i < 5; i++ {
		if !d.Publish(sampleEvent("e")) {
			t.Fatalf("publish %d refused", i)
		}
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(a.events) != 5 || len(b.events) != 5 {
		t.Fatalf("expected 5 events per sink, got %d and %d", len(a.events), len(b.events))
	}
	if !a.closed || !b.closed {
		t.Fatalf("sinks not closed")
	}
	if d.Publish(sampleEvent("late")) {
		t.Fatalf("publish after close accepted")
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestDispatcherWithoutSinks(t *testing.T) {
	d := NewDispatcher(nil, 0, nil)
	if d.Len() != 0 || d.Publish(sampleEvent("e")) {
		t.Fatalf("empty dispatcher should refuse events")
	}
	_ = d.Close()
}

type blockingSink struct{ release chan struct{} }

func (b *blockingSink) Send(ctx context.Context, _ Event) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	bs := &blockingSink{release: make(chan struct{})}
	d := NewDispatcher([]Sink{bs}, 1, nil)
	accepted := 0
	for i := 0; i < 10; i++ {
		if d.Publish(sampleEvent("e")) {
			accepted++
		}
	}
	if accepted >= 10 {
		t.Fatalf("expected drops with a full queue, accepted %d", accepted)
	}
	close(bs.release)
	_ = d.Close()
}

func TestSQLSinkSQLite(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	ctx := context.Background()
	s, err := NewSQLSink(ctx, db, DialectSQLite)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer func() { _ = s.Close() }()
	// schema creation is idempotent
	if _, err := NewSQLSink(ctx, db, DialectSQLite); err != nil {
		t.Fatalf("ensure schema twice: %v", err)
	}

	if err := s.Send(ctx, sampleEvent("e1")); err != nil {
		t.Fatalf("send: %v", err)
	}
	failed := sampleEvent("e1")
	failed.Type = EventFailed
	failed.Record.Status = "failed"
	failed.Record.ExitCode = nil
	failed.Record.Error = "Scenario not found"
	if err := s.Send(ctx, failed); err != nil {
		t.Fatalf("send failed event: %v", err)
	}
	n, err := s.Count(ctx, "e1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}
	var exit sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT exit_code FROM execution_history WHERE event = 'failed'`).Scan(&exit); err != nil {
		t.Fatalf("query: %v", err)
	}
	if exit.Valid {
		t.Fatalf("exit code should be NULL for a failed resolution")
	}
}
