package escalator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DefaultTimeout is how long each graceful stage waits for the process to exit
const DefaultTimeout = time.Second

// Stage is a state of the shutdown state machine
type Stage int

const (
	StageRequested Stage = iota
	StageUsr1            // USR1 sent, waiting for exit
	StageTerm            // TERM sent, waiting for exit
	StageKilled          // KILL sent, terminal
	StageExited
)

func (s Stage) String() string {
	switch s {
	case StageRequested:
		return "requested"
	case StageUsr1:
		return "waiting_usr1"
	case StageTerm:
		return "waiting_term"
	case StageKilled:
		return "killed"
	case StageExited:
		return "exited"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Process is the view of a child process the escalator needs
type Process interface {
	Pid() int
	Signal(sig os.Signal) error
	// Done is closed once the process has been reaped
	Done() <-chan struct{}
}

// Result reports how a shutdown ended
type Result struct {
	// Stage is the stage that stopped the process: StageUsr1 or StageTerm when
	// it exited during that wait, StageKilled when it had to be killed, and
	// StageRequested when it was already gone
	Stage Stage
	// Signals lists every signal sent, in order
	Signals []os.Signal
	// Transitions lists every state entered, starting with StageRequested
	Transitions []Stage
	Elapsed     time.Duration
}

// Graceful reports whether the process stopped without KILL
func (r Result) Graceful() bool {
	return r.Stage != StageKilled
}

// SignalNames returns the sent signals as strings, for logging
func (r Result) SignalNames() []string {
	names := make([]string, len(r.Signals))
	for i, sig := range r.Signals {
		names[i] = sig.String()
	}
	return names
}

// Escalator drives USR1 -> TERM -> KILL with a bounded wait per stage
type Escalator struct {
	timeout time.Duration
	logger  logrus.FieldLogger
}

// Option configures an Escalator
type Option func(*Escalator)

// WithTimeout sets the wait after USR1 and after TERM
func WithTimeout(d time.Duration) Option {
	return func(e *Escalator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(e *Escalator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an escalator with a 1s stage timeout unless overridden
func New(opts ...Option) *Escalator {
	nop := logrus.New()
	nop.SetOutput(io.Discard)

	e := &Escalator{
		timeout: DefaultTimeout,
		logger:  nop,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Shutdown stops p, escalating only when a stage times out. Stages are never
// skipped unless ctx is cancelled, in which case the process is killed at once
// and ctx.Err() is returned alongside the result.
func (e *Escalator) Shutdown(ctx context.Context, p Process) (Result, error) {
	if p == nil {
		return Result{}, fmt.Errorf("process is required")
	}

	start := time.Now()
	res := Result{Stage: StageRequested, Transitions: []Stage{StageRequested}}
	logger := e.logger.WithField("pid", p.Pid())

	finish := func(stage Stage) (Result, error) {
		res.Stage = stage
		res.Transitions = append(res.Transitions, StageExited)
		res.Elapsed = time.Since(start)
		return res, nil
	}

	select {
	case <-p.Done():
		return finish(StageRequested)
	default:
	}

	graceful := []struct {
		stage Stage
		sig   os.Signal
	}{
		{StageUsr1, unix.SIGUSR1},
		{StageTerm, unix.SIGTERM},
	}

	for _, step := range graceful {
		res.Transitions = append(res.Transitions, step.stage)
		res.Signals = append(res.Signals, step.sig)

		if err := p.Signal(step.sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
			logger.WithError(err).WithField("signal", step.sig.String()).Warn("Failed to signal process")
		}

		exited, err := e.wait(ctx, p)
		if exited {
			logger.WithField("stage", step.stage.String()).Debug("Process exited")
			return finish(step.stage)
		}
		if err != nil {
			res, killErr := e.kill(p, res, start)
			if killErr != nil {
				return res, killErr
			}
			return res, err
		}
	}

	return e.kill(p, res, start)
}

// wait races the stage timer against process exit
func (e *Escalator) wait(ctx context.Context, p Process) (bool, error) {
	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case <-p.Done():
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		// exit may have raced the cancellation
		select {
		case <-p.Done():
			return true, nil
		default:
		}
		return false, ctx.Err()
	}
}

// kill is terminal: KILL is assumed to succeed and is not waited on
func (e *Escalator) kill(p Process, res Result, start time.Time) (Result, error) {
	res.Transitions = append(res.Transitions, StageKilled)
	res.Signals = append(res.Signals, unix.SIGKILL)
	res.Stage = StageKilled
	res.Elapsed = time.Since(start)

	if err := p.Signal(unix.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return res, fmt.Errorf("failed to kill process %d: %w", p.Pid(), err)
	}
	return res, nil
}
