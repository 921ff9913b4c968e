package scenario

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"
)

const defaultScript = "script"

// Launch is the command part of a launch spec, before the environment is attached.
type Launch struct {
	Command string
	Args    []string
	Dir     string
}

// Strategy builds the launch for a scenario directory. It may check the
// filesystem but must not execute anything.
type Strategy func(dir string, req Request) (Launch, error)

func defaultStrategies() map[string]Strategy {
	compose := fixed("docker-compose", "up", "-d")
	return map[string]Strategy{
		"scripting":  scriptingStrategy,
		"terraform":  fixed("bash", "-c", "terraform init && terraform plan"),
		"docker":     compose,
		"monitoring": compose,
		"kubernetes": kubernetesStrategy,
	}
}

// fixed runs the same command in the scenario directory.
func fixed(command string, args ...string) Strategy {
	return func(dir string, _ Request) (Launch, error) {
		return Launch{Command: command, Args: append([]string(nil), args...), Dir: dir}, nil
	}
}

func scriptingStrategy(dir string, req Request) (Launch, error) {
	name := req.Script
	if name == "" {
		name = defaultScript
	}
	script := filepath.Join(dir, name+".sh")
	st, err := os.Stat(script)
	if err != nil || st.IsDir() {
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return Launch{}, fmt.Errorf("%w: %s.sh: %v", ErrScriptNotFound, name, err)
		}
		return Launch{}, fmt.Errorf("%w: %s.sh", ErrScriptNotFound, name)
	}
	return Launch{Command: "bash", Args: []string{script}, Dir: dir}, nil
}

func kubernetesStrategy(dir string, _ Request) (Launch, error) {
	return Launch{Command: "kubectl", Args: []string{"apply", "-f", dir}, Dir: dir}, nil
}

func splitCommand(s string) (string, []string, error) {
	words, err := shellquote.Split(strings.TrimSpace(s))
	if err != nil {
		return "", nil, err
	}
	if len(words) == 0 {
		return "", nil, errors.New("empty command")
	}
	return words[0], words[1:], nil
}

// CommandStrategy parses a shell-quoted command line into a strategy that
// runs it in the scenario directory.
func CommandStrategy(command string) (Strategy, error) {
	cmd, args, err := splitCommand(command)
	if err != nil {
		return nil, fmt.Errorf("command %q: %w", command, err)
	}
	return fixed(cmd, args...), nil
}
