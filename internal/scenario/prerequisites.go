package scenario

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/playground/internal/process"
)

// prerequisiteChecks holds the tool version command per category.
var prerequisiteChecks = map[string][]string{
	"terraform":  {"terraform", "version"},
	"docker":     {"docker", "--version"},
	"kubernetes": {"kubectl", "version", "--client"},
	"scripting":  {"bash", "--version"},
	"monitoring": {"docker", "--version"},
}

const prerequisiteTimeout = 15 * time.Second

// Prerequisite reports whether the tooling of a category is installed.
type Prerequisite struct {
	Ready   bool   `json:"ready"`
	Message string `json:"message"`
	Command string `json:"command,omitempty"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CheckPrerequisites runs the version command of category and reports the
// first line it printed. Failures are reported in the result, not as errors.
func (r *Resolver) CheckPrerequisites(ctx context.Context, category string) Prerequisite {
	argv, ok := prerequisiteChecks[category]
	if !ok {
		return Prerequisite{Message: fmt.Sprintf("Unknown playground type: %s", category)}
	}
	command := strings.Join(argv, " ")

	ctx, cancel := context.WithTimeout(ctx, prerequisiteTimeout)
	defer cancel()
	h, err := process.Start(ctx, process.LaunchSpec{Command: argv[0], Args: argv[1:], Env: r.env.Merge(nil)})
	if err != nil {
		return Prerequisite{
			Message: fmt.Sprintf("Failed to check %s", category),
			Command: command,
			Error:   errorText(err),
		}
	}
	var stdout, stderr []string
	for rec := range h.Records() {
		if rec.Stream == process.Stdout {
			stdout = append(stdout, rec.Text)
		} else {
			stderr = append(stderr, rec.Text)
		}
	}
	exit := <-h.Done()
	if !exit.Success() {
		msg := strings.Join(stderr, "\n")
		if msg == "" {
			msg = "Command failed"
		}
		return Prerequisite{
			Message: fmt.Sprintf("%s is not installed or not accessible", category),
			Command: command,
			Error:   msg,
		}
	}
	version := ""
	if len(stdout) > 0 {
		version = strings.TrimSpace(stdout[0])
	}
	return Prerequisite{
		Ready:   true,
		Message: fmt.Sprintf("%s is ready!", category),
		Command: command,
		Version: version,
	}
}

func errorText(err error) string {
	var se *process.SpawnError
	if errors.As(err, &se) {
		return se.Err.Error()
	}
	return err.Error()
}
