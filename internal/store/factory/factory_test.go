package factory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/loykin/playground/internal/store"
)

func TestOpenSelectsStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for _, dsn := range []string{
		"sqlite://" + filepath.Join(dir, "a.db"),
		"SQLITE3://" + filepath.Join(dir, "b.db"),
		"  " + filepath.Join(dir, "c.db") + " ",
	} {
		st, err := Open(ctx, dsn)
		if err != nil {
			t.Fatalf("open %q: %v", dsn, err)
		}
		// the schema exists once Open returns
		if _, err := st.GetExecution(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("%q: expected ErrNotFound, got %v", dsn, err)
		}
		_ = st.Close()
	}
}

func TestOpenRejectsBadDSN(t *testing.T) {
	ctx := context.Background()
	if _, err := Open(ctx, " "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
	if _, err := Open(ctx, "sqlite://"); err == nil {
		t.Fatalf("expected error for sqlite DSN without path")
	}
	if _, err := Open(ctx, "mysql://root@localhost/db"); !errors.Is(err, ErrUnsupportedDSN) {
		t.Fatalf("expected ErrUnsupportedDSN, got %v", err)
	}
}

func TestOpenPostgresSchemeNeedsServer(t *testing.T) {
	// sql.Open is lazy; the schema step is what reaches the server
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Open(ctx, "postgres://user@127.0.0.1:1/db?connect_timeout=1"); err == nil {
		t.Fatalf("expected schema creation to fail without a server")
	}
}
