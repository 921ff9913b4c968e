// Package factory opens the execution store named by a DSN.
package factory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/playground/internal/store"
	"github.com/loykin/playground/internal/store/postgres"
	"github.com/loykin/playground/internal/store/sqlite"
)

// ErrUnsupportedDSN is returned for a DSN scheme no store handles.
var ErrUnsupportedDSN = errors.New("unsupported store DSN")

// Open connects to the store for dsn and creates its schema. A DSN with
// a postgres:// or postgresql:// scheme opens PostgreSQL; sqlite:// or a
// scheme-less path opens SQLite.
func Open(ctx context.Context, dsn string) (store.Store, error) {
	st, err := open(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return st, nil
}

func open(dsn string) (store.Store, error) {
	if dsn == "" {
		return nil, errors.New("store dsn is empty")
	}
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return sqlite.New(dsn)
	}
	switch strings.ToLower(scheme) {
	case "postgres", "postgresql":
		return postgres.New(dsn)
	case "sqlite", "sqlite3":
		if rest == "" {
			return nil, errors.New("sqlite dsn has no path")
		}
		return sqlite.New(rest)
	}
	return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedDSN, scheme)
}
