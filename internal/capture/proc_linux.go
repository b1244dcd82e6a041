//go:build linux

package capture

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureCommand puts the program in its own process group and asks the
// kernel to kill it if the controller dies first.
func configureCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}

// killProcess kills the program's whole process group.
func killProcess(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}
