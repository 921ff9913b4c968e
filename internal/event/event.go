// Package event defines the live events an execution emits to its owner's connections.
package event

import "github.com/loykin/playground/internal/process"

// Event is one of LogLine, ExecutionStarted, ExecutionCompleted or ExecutionFailed.
type Event interface {
	Execution() string
	// Terminal reports whether no further events follow for the execution.
	Terminal() bool
	isEvent()
}

type LogLine struct {
	ExecutionID string
	Stream      process.Stream
	Text        string
}

type ExecutionStarted struct {
	ExecutionID string
}

type ExecutionCompleted struct {
	ExecutionID string
	Status      string
	ExitCode    int
}

type ExecutionFailed struct {
	ExecutionID string
	Reason      string
}

func (e LogLine) Execution() string            { return e.ExecutionID }
func (e ExecutionStarted) Execution() string   { return e.ExecutionID }
func (e ExecutionCompleted) Execution() string { return e.ExecutionID }
func (e ExecutionFailed) Execution() string    { return e.ExecutionID }

func (LogLine) Terminal() bool            { return false }
func (ExecutionStarted) Terminal() bool   { return false }
func (ExecutionCompleted) Terminal() bool { return true }
func (ExecutionFailed) Terminal() bool    { return true }

func (LogLine) isEvent()            {}
func (ExecutionStarted) isEvent()   {}
func (ExecutionCompleted) isEvent() {}
func (ExecutionFailed) isEvent()    {}
