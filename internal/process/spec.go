package process

import (
	"errors"
	"os/exec"
	"strings"
)

var ErrEmptyCommand = errors.New("launch spec has no command")

// LaunchSpec describes one external process to run. Env is the complete
// environment of the child in KEY=VALUE form; nothing is inherited from the
// parent process.
type LaunchSpec struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir"`
	Env     []string `json:"env"`
}

func (s LaunchSpec) Validate() error {
	if strings.TrimSpace(s.Command) == "" {
		return ErrEmptyCommand
	}
	return nil
}

// String renders the command line for logs. It is not meant to be re-parsed.
func (s LaunchSpec) String() string {
	if len(s.Args) == 0 {
		return s.Command
	}
	return s.Command + " " + strings.Join(s.Args, " ")
}

// buildCommand never goes through a shell on its own: arguments are passed as argv.
func (s LaunchSpec) buildCommand() *exec.Cmd {
	// #nosec G204 -- command and args come from the scenario resolver, not raw user input
	cmd := exec.Command(s.Command, s.Args...)
	cmd.Dir = s.Dir
	// A non-nil slice keeps exec from falling back to os.Environ().
	cmd.Env = make([]string, 0, len(s.Env))
	cmd.Env = append(cmd.Env, s.Env...)
	return cmd
}
