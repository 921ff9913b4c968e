package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/playground/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
type DB struct {
	*store.SQL
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// a single connection serializes writers and keeps ":memory:" to one database
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{SQL: store.NewSQL(d, store.DialectSQLite)}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	return s.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS users(
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS user_sessions(
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_user_sessions_user ON user_sessions(user_id);`,
		`CREATE TABLE IF NOT EXISTS playground_executions(
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			playground_type TEXT NOT NULL,
			scenario_name TEXT NOT NULL,
			script_name TEXT NULL,
			status TEXT NOT NULL,
			logs TEXT NOT NULL DEFAULT '',
			exit_code INTEGER NULL,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_playground_executions_user ON playground_executions(user_id, started_at);`,
		`CREATE INDEX IF NOT EXISTS idx_playground_executions_status ON playground_executions(status);`,
	)
}
