package live

import (
	"encoding/json"
	"fmt"

	"github.com/loykin/playground/internal/event"
)

// Message types exchanged on the live channel.
const (
	TypeAuth              = "auth"
	TypeAuthSuccess       = "auth_success"
	TypeWelcome           = "welcome"
	TypeError             = "error"
	TypePing              = "ping"
	TypePong              = "pong"
	TypeLog               = "log"
	TypeExecutionStarted  = "execution_started"
	TypeExecutionComplete = "execution_complete"
	TypeExecutionError    = "execution_error"
)

const (
	welcomeText     = "Connected to DevOps Playground WebSocket. Please authenticate."
	authSuccessText = "WebSocket authenticated"
)

type inbound struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

type controlMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	UserID  string `json:"userId,omitempty"`
}

type logMessage struct {
	Type        string `json:"type"`
	ExecutionID string `json:"executionId"`
	Stream      string `json:"stream"`
	Data        string `json:"data"`
}

type startedMessage struct {
	Type        string `json:"type"`
	ExecutionID string `json:"executionId"`
}

type completeMessage struct {
	Type        string `json:"type"`
	ExecutionID string `json:"executionId"`
	Status      string `json:"status"`
	ExitCode    int    `json:"exitCode"`
}

type executionErrorMessage struct {
	Type        string `json:"type"`
	ExecutionID string `json:"executionId"`
	Error       string `json:"error"`
}

// Encode renders ev as a live channel text frame.
func Encode(ev event.Event) ([]byte, error) {
	var v any
	switch e := ev.(type) {
	case event.LogLine:
		v = logMessage{Type: TypeLog, ExecutionID: e.ExecutionID, Stream: string(e.Stream), Data: e.Text}
	case event.ExecutionStarted:
		v = startedMessage{Type: TypeExecutionStarted, ExecutionID: e.ExecutionID}
	case event.ExecutionCompleted:
		v = completeMessage{Type: TypeExecutionComplete, ExecutionID: e.ExecutionID, Status: e.Status, ExitCode: e.ExitCode}
	case event.ExecutionFailed:
		v = executionErrorMessage{Type: TypeExecutionError, ExecutionID: e.ExecutionID, Error: e.Reason}
	default:
		return nil, fmt.Errorf("unknown event %T", ev)
	}
	return json.Marshal(v)
}

func control(typ, message, userID string) []byte {
	b, _ := json.Marshal(controlMessage{Type: typ, Message: message, UserID: userID})
	return b
}
