package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// SQL implements everything in Store except EnsureSchema on top of
// database/sql. Queries are written with '?' placeholders and rebound
// for the dialect.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQL(db *sql.DB, d Dialect) *SQL { return &SQL{db: db, dialect: d} }

func (s *SQL) DB() *sql.DB { return s.db }

func (s *SQL) Dialect() Dialect { return s.dialect }

func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Exec runs statements in order, stopping at the first error.
func (s *SQL) Exec(ctx context.Context, stmts ...string) error {
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Rebind converts '?' placeholders to $n for PostgreSQL.
func (s *SQL) Rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

const executionColumns = `id, user_id, playground_type, scenario_name, script_name, status, logs, exit_code, started_at, completed_at`

func (s *SQL) CreateExecution(ctx context.Context, e *Execution) error {
	if e.ID == "" {
		return errors.New("execution id required")
	}
	e.Status = StatusPending
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}
	e.StartedAt = e.StartedAt.UTC()
	e.CompletedAt = nil
	e.ExitCode = nil
	_, err := s.db.ExecContext(ctx, s.Rebind(`
		INSERT INTO playground_executions(`+executionColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, '', NULL, ?, NULL);`),
		e.ID, e.UserID, e.Category, e.Scenario, nullString(e.Script), string(e.Status), e.StartedAt)
	return err
}

func (s *SQL) MarkRunning(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.Rebind(`
		UPDATE playground_executions SET status=? WHERE id=? AND status=?;`),
		string(StatusRunning), id, string(StatusPending))
	if err != nil {
		return err
	}
	return s.checkAffected(ctx, res, id)
}

// CompleteExecution writes the terminal status, logs, exit code and
// completion time in one statement. It fails with ErrAlreadyTerminal if the
// execution already finished, so at most one terminal state is ever stored.
func (s *SQL) CompleteExecution(ctx context.Context, id string, c Completion) error {
	if !c.Status.Terminal() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, c.Status)
	}
	if c.CompletedAt.IsZero() {
		c.CompletedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, s.Rebind(`
		UPDATE playground_executions
		SET status=?, logs=?, exit_code=?, completed_at=?
		WHERE id=? AND status IN (?, ?);`),
		string(c.Status), c.Logs, nullInt(c.ExitCode), c.CompletedAt.UTC(), id,
		string(StatusPending), string(StatusRunning))
	if err != nil {
		return err
	}
	return s.checkAffected(ctx, res, id)
}

func (s *SQL) checkAffected(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	cur, err := s.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	return fmt.Errorf("%w: execution %s is %s", ErrInvalidStatus, id, cur.Status)
}

func (s *SQL) GetExecution(ctx context.Context, id string) (Execution, error) {
	rows, err := s.db.QueryContext(ctx, s.Rebind(`
		SELECT `+executionColumns+` FROM playground_executions WHERE id=?;`), id)
	if err != nil {
		return Execution{}, err
	}
	defer func() { _ = rows.Close() }()
	out, err := scanExecutions(rows)
	if err != nil {
		return Execution{}, err
	}
	if len(out) == 0 {
		return Execution{}, ErrNotFound
	}
	return out[0], nil
}

// ListExecutions returns executions newest first without their logs. An
// empty userID lists every user.
func (s *SQL) ListExecutions(ctx context.Context, userID string, limit, offset int) ([]Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	q := `SELECT id, user_id, playground_type, scenario_name, script_name, status, '', exit_code, started_at, completed_at
		FROM playground_executions`
	args := []any{}
	if userID != "" {
		q += ` WHERE user_id=?`
		args = append(args, userID)
	}
	q += ` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?;`
	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx, s.Rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanExecutions(rows)
}

func (s *SQL) CountOutcomes(ctx context.Context) ([]OutcomeCount, error) {
	rows, err := s.db.QueryContext(ctx, s.Rebind(`
		SELECT playground_type, scenario_name, status, COUNT(*)
		FROM playground_executions
		WHERE status IN (?, ?)
		GROUP BY playground_type, scenario_name, status
		ORDER BY playground_type, scenario_name, status;`),
		string(StatusSuccess), string(StatusFailed))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]OutcomeCount, 0)
	for rows.Next() {
		var oc OutcomeCount
		var st string
		if err := rows.Scan(&oc.Category, &oc.Scenario, &st, &oc.Count); err != nil {
			return nil, err
		}
		oc.Status = Status(st)
		out = append(out, oc)
	}
	return out, rows.Err()
}

// UserStatistics counts the executions of userID by outcome. A user
// without executions gets zero counts and no last execution.
func (s *SQL) UserStatistics(ctx context.Context, userID string) (UserStats, error) {
	var st UserStats
	err := s.db.QueryRowContext(ctx, s.Rebind(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status=? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status=? THEN 1 ELSE 0 END), 0)
		FROM playground_executions WHERE user_id=?;`),
		string(StatusSuccess), string(StatusFailed), userID).
		Scan(&st.Total, &st.Successful, &st.Failed)
	if err != nil || st.Total == 0 {
		return st, err
	}
	var last time.Time
	err = s.db.QueryRowContext(ctx, s.Rebind(`
		SELECT started_at FROM playground_executions WHERE user_id=?
		ORDER BY started_at DESC LIMIT 1;`), userID).Scan(&last)
	if err != nil {
		return UserStats{}, err
	}
	last = last.UTC()
	st.LastExecution = &last
	return st, nil
}

// ListRunning returns the running executions of every user, newest first.
func (s *SQL) ListRunning(ctx context.Context) ([]RunningExecution, error) {
	rows, err := s.db.QueryContext(ctx, s.Rebind(`
		SELECT e.id, e.user_id, COALESCE(u.username, ''), e.playground_type, e.scenario_name, e.status, e.started_at
		FROM playground_executions e
		LEFT JOIN users u ON u.id = e.user_id
		WHERE e.status=?
		ORDER BY e.started_at DESC, e.id DESC;`), string(StatusRunning))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]RunningExecution, 0)
	for rows.Next() {
		var (
			r  RunningExecution
			st string
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.Username, &r.Category, &r.Scenario, &st, &r.StartedAt); err != nil {
			return nil, err
		}
		r.Status = Status(st)
		r.StartedAt = r.StartedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// FailOrphaned marks executions left pending or running by a previous
// process as failed, appending reason to their logs.
func (s *SQL) FailOrphaned(ctx context.Context, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.Rebind(`
		UPDATE playground_executions
		SET status=?, logs=logs || ?, completed_at=?
		WHERE status IN (?, ?);`),
		string(StatusFailed), reason, time.Now().UTC(), string(StatusPending), string(StatusRunning))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQL) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users;`).Scan(&n)
	return n, err
}

// CountActiveUsers counts distinct users that started an execution since the given time.
func (s *SQL) CountActiveUsers(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.Rebind(`
		SELECT COUNT(DISTINCT user_id) FROM playground_executions WHERE started_at >= ?;`),
		since.UTC()).Scan(&n)
	return n, err
}

func (s *SQL) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" || u.Username == "" {
		return errors.New("user id and username required")
	}
	if _, err := s.GetUserByUsername(ctx, u.Username); err == nil {
		return fmt.Errorf("%w: %s", ErrUserExists, u.Username)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	u.CreatedAt = u.CreatedAt.UTC()
	_, err := s.db.ExecContext(ctx, s.Rebind(`
		INSERT INTO users(id, username, password_hash, active, created_at) VALUES(?, ?, ?, ?, ?);`),
		u.ID, u.Username, u.PasswordHash, u.Active, u.CreatedAt)
	return err
}

func (s *SQL) GetUser(ctx context.Context, id string) (User, error) {
	return s.getUser(ctx, `id=?`, id)
}

func (s *SQL) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return s.getUser(ctx, `username=?`, username)
}

func (s *SQL) getUser(ctx context.Context, where string, arg any) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, s.Rebind(`
		SELECT id, username, password_hash, active, created_at FROM users WHERE `+where+`;`), arg).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Active, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

func (s *SQL) CreateSession(ctx context.Context, ss Session) error {
	if ss.CreatedAt.IsZero() {
		ss.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.Rebind(`
		INSERT INTO user_sessions(id, user_id, created_at, expires_at) VALUES(?, ?, ?, ?);`),
		ss.ID, ss.UserID, ss.CreatedAt.UTC(), ss.ExpiresAt.UTC())
	return err
}

func (s *SQL) GetSession(ctx context.Context, id string) (Session, error) {
	var ss Session
	err := s.db.QueryRowContext(ctx, s.Rebind(`
		SELECT id, user_id, created_at, expires_at FROM user_sessions WHERE id=?;`), id).
		Scan(&ss.ID, &ss.UserID, &ss.CreatedAt, &ss.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return ss, err
}

func (s *SQL) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.Rebind(`DELETE FROM user_sessions WHERE id=?;`), id)
	return err
}

func scanExecutions(rows *sql.Rows) ([]Execution, error) {
	out := make([]Execution, 0)
	for rows.Next() {
		var (
			e         Execution
			status    string
			script    sql.NullString
			exitCode  sql.NullInt64
			completed sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Category, &e.Scenario, &script, &status, &e.Logs, &exitCode, &e.StartedAt, &completed); err != nil {
			return nil, err
		}
		e.Status = Status(status)
		e.Script = script.String
		if exitCode.Valid {
			c := int(exitCode.Int64)
			e.ExitCode = &c
		}
		if completed.Valid {
			t := completed.Time.UTC()
			e.CompletedAt = &t
		}
		e.StartedAt = e.StartedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}
