package postgres

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/playground/internal/store"
)

type DB struct {
	*store.SQL
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{SQL: store.NewSQL(d, store.DialectPostgres)}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	return p.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS users(
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS user_sessions(
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
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
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_playground_executions_user ON playground_executions(user_id, started_at);`,
		`CREATE INDEX IF NOT EXISTS idx_playground_executions_status ON playground_executions(status);`,
	)
}
