package escalator

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// CmdProcess adapts a started exec.Cmd to Process. A single goroutine owns
// cmd.Wait; everyone else observes Done.
type CmdProcess struct {
	cmd   *exec.Cmd
	group bool

	done chan struct{}
	once sync.Once
	err  error
}

// FromCmd starts reaping cmd, which must already be started
func FromCmd(cmd *exec.Cmd) (*CmdProcess, error) {
	if cmd == nil || cmd.Process == nil {
		return nil, fmt.Errorf("command has not been started")
	}

	p := &CmdProcess{
		cmd:   cmd,
		group: cmd.SysProcAttr != nil && cmd.SysProcAttr.Setpgid,
		done:  make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		p.once.Do(func() {
			p.err = err
			close(p.done)
		})
	}()

	return p, nil
}

// SetProcessGroup makes cmd lead its own process group so KILL also reaches
// anything it spawned
func SetProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.SysProcAttr.Pgid = 0
}

// Pid returns the process id
func (p *CmdProcess) Pid() int {
	return p.cmd.Process.Pid
}

// Signal delivers sig to the process. KILL goes to the whole group when the
// process leads one.
func (p *CmdProcess) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}

	if sig == unix.SIGKILL && p.group {
		if err := unix.Kill(-p.Pid(), unix.SIGKILL); err == nil {
			return nil
		}
	}
	return p.cmd.Process.Signal(sig)
}

// Done is closed once cmd.Wait has returned
func (p *CmdProcess) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process is reaped and returns the cmd.Wait error
func (p *CmdProcess) Wait() error {
	<-p.done
	return p.err
}

// Err returns the cmd.Wait error once Done is closed
func (p *CmdProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// ExitCode returns the exit code, or -1 while running or when killed by a signal
func (p *CmdProcess) ExitCode() int {
	select {
	case <-p.done:
	default:
		return -1
	}
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}
