//go:build !windows

package upgrade

import (
	"os"
	"os/exec"
	"syscall"
)

// detach puts the replacement in its own session so it outlives this process
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func interrupt(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
