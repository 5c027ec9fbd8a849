package player

import (
	"os/exec"
	"syscall"
)

// bindToParent has the kernel KILL the engine if the player dies first
func bindToParent(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Pdeathsig = syscall.SIGKILL
}
