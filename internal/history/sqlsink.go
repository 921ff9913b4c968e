package history

import (
	"context"
	"database/sql"
	"fmt"
)

// Dialect selects SQL flavour for SQLSink.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLSink appends history events to the execution_history table. It is
// independent from the execution store and only ever inserts.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLSink wraps an open database and creates the table if missing.
func NewSQLSink(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLSink, error) {
	s := &SQLSink{db: db, dialect: dialect}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLSink) Name() string { return string(s.dialect) }

func (s *SQLSink) DB() *sql.DB { return s.db }

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	ts, id := "TIMESTAMP", "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		ts, id = "TIMESTAMPTZ", "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS execution_history(
			id %s,
			occurred_at %s NOT NULL,
			event TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			playground_type TEXT NOT NULL,
			scenario_name TEXT NOT NULL,
			script_name TEXT NULL,
			status TEXT NOT NULL,
			exit_code INTEGER NULL,
			error TEXT NULL,
			started_at %s NOT NULL,
			completed_at %s NOT NULL,
			duration_seconds DOUBLE PRECISION NOT NULL
		);`, id, ts, ts, ts),
		`CREATE INDEX IF NOT EXISTS idx_execution_history_execution ON execution_history(execution_id);`,
		`CREATE INDEX IF NOT EXISTS idx_execution_history_scenario ON execution_history(playground_type, scenario_name);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	q := `INSERT INTO execution_history(occurred_at, event, execution_id, user_id, playground_type, scenario_name,
		script_name, status, exit_code, error, started_at, completed_at, duration_seconds)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`
	if s.dialect == DialectPostgres {
		q = `INSERT INTO execution_history(occurred_at, event, execution_id, user_id, playground_type, scenario_name,
		script_name, status, exit_code, error, started_at, completed_at, duration_seconds)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);`
	}
	r := e.Record
	_, err := s.db.ExecContext(ctx, q,
		e.OccurredAt.UTC(), string(e.Type), r.ExecutionID, r.UserID, r.Category, r.Scenario,
		nullableString(r.Script), r.Status, exitCodeValue(r.ExitCode), nullableString(r.Error),
		r.StartedAt.UTC(), r.CompletedAt.UTC(), r.DurationSeconds)
	return err
}

// Count returns the number of events stored for an execution.
func (s *SQLSink) Count(ctx context.Context, executionID string) (int, error) {
	q := `SELECT COUNT(*) FROM execution_history WHERE execution_id = ?;`
	if s.dialect == DialectPostgres {
		q = `SELECT COUNT(*) FROM execution_history WHERE execution_id = $1;`
	}
	var n int
	err := s.db.QueryRowContext(ctx, q, executionID).Scan(&n)
	return n, err
}

func (s *SQLSink) Close() error { return s.db.Close() }
