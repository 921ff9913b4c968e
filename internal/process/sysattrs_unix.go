//go:build !windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the child in its own process group so that
// killGroup reaches anything the scenario forks.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killGroup sends SIGKILL to the process group led by p, falling back to p alone.
func killGroup(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err != nil {
		return p.Kill()
	}
	return nil
}
