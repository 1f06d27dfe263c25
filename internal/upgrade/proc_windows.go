//go:build windows

package upgrade

import (
	"os"
	"os/exec"
	"syscall"
)

func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// There is no SIGTERM on Windows.
func interrupt(p *os.Process) error {
	return p.Kill()
}
