// Package history exports finished executions to analytics systems.
package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Record is the exported view of one finished execution. Logs are not
// exported.
type Record struct {
	ExecutionID     string    `json:"execution_id"`
	UserID          string    `json:"user_id"`
	Category        string    `json:"playground"`
	Scenario        string    `json:"scenario"`
	Script          string    `json:"script,omitempty"`
	Status          string    `json:"status"`
	ExitCode        *int      `json:"exit_code"`
	Error           string    `json:"error,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

func exitCodeValue(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
