package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyTerminal = errors.New("execution already terminal")
	ErrUserExists      = errors.New("user already exists")
	ErrInvalidStatus   = errors.New("invalid status")
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool { return s == StatusSuccess || s == StatusFailed }

// Execution is one run of a scenario. CompletedAt is set iff Status is terminal.
type Execution struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	Category    string     `json:"playgroundType"`
	Scenario    string     `json:"scenarioName"`
	Script      string     `json:"scriptName,omitempty"`
	Status      Status     `json:"status"`
	Logs        string     `json:"logs,omitempty"`
	ExitCode    *int       `json:"exitCode"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt"`
}

// Completion is the terminal state written once by the execution owner.
type Completion struct {
	Status      Status
	Logs        string
	ExitCode    *int
	CompletedAt time.Time
}

// OutcomeCount is the number of terminal executions per category, scenario and status.
type OutcomeCount struct {
	Category string
	Scenario string
	Status   Status
	Count    int64
}

// UserStats summarizes the executions of one user.
type UserStats struct {
	Total         int64      `json:"total_executions"`
	Successful    int64      `json:"successful_executions"`
	Failed        int64      `json:"failed_executions"`
	LastExecution *time.Time `json:"last_execution"`
}

// RunningExecution is a running execution with its owner's name. Username
// is empty for owners without a user row, such as local CLI runs.
type RunningExecution struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Category  string    `json:"playground_type"`
	Scenario  string    `json:"scenario_name"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Session backs one issued token. ID is the token's JWT id.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ExecutionStore is the persistence used by the execution service.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e *Execution) error
	MarkRunning(ctx context.Context, id string) error
	CompleteExecution(ctx context.Context, id string, c Completion) error
	GetExecution(ctx context.Context, id string) (Execution, error)
	ListExecutions(ctx context.Context, userID string, limit, offset int) ([]Execution, error)
}

// Store is the full persistence collaborator.
type Store interface {
	ExecutionStore
	EnsureSchema(ctx context.Context) error
	CountOutcomes(ctx context.Context) ([]OutcomeCount, error)
	FailOrphaned(ctx context.Context, reason string) (int64, error)
	UserStatistics(ctx context.Context, userID string) (UserStats, error)
	ListRunning(ctx context.Context) ([]RunningExecution, error)
	CountUsers(ctx context.Context) (int64, error)
	CountActiveUsers(ctx context.Context, since time.Time) (int64, error)
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	DeleteSession(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}
