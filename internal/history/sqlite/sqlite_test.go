package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/playground/internal/history"
)

func TestSQLiteSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + path)
	if err != nil {
		t.Fatalf("Failed to create SQLite sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	code := 1
	e := history.Event{
		Type:       history.EventCompleted,
		OccurredAt: time.Now().UTC(),
		Record: history.Record{
			ExecutionID: "exec-1", UserID: "u1", Category: "scripting", Scenario: "hello", Script: "hello",
			Status: "failed", ExitCode: &code, StartedAt: time.Now().Add(-time.Second).UTC(), CompletedAt: time.Now().UTC(),
			DurationSeconds: 1,
		},
	}
	if err := sink.Send(ctx, e); err != nil {
		t.Fatalf("Failed to send event: %v", err)
	}
	n, err := sink.Count(ctx, "exec-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
}

func TestSQLiteSinkDSNForms(t *testing.T) {
	for _, dsn := range []string{":memory:", "sqlite://:memory:", filepath.Join(t.TempDir(), "plain.db")} {
		sink, err := New(dsn)
		if err != nil {
			t.Fatalf("dsn %q: %v", dsn, err)
		}
		_ = sink.Close()
	}
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
	if _, err := New("sqlite://"); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
