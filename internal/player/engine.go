package player

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"

	"spotify-remote/internal/escalator"
	"spotify-remote/internal/types"
)

// DeviceIDEnv carries the derived device id to the engine
const DeviceIDEnv = "SPOTIFY_REMOTE_DEVICE_ID"

// Engine plays a credential bundle. Run writes PCM to pcm, sends player
// events on events, and returns once playback ends or ctx is cancelled.
// It must not close events.
type Engine interface {
	Run(ctx context.Context, bundle types.CredentialBundle, pcm io.Writer, events chan<- types.PlayerEvent) error
}

// ExecEngine runs a streaming client as a child process. The bundle goes to
// its stdin, PCM comes from its stdout and newline-delimited JSON player
// events are read from file descriptor 3.
//
// The engine stays in the player's process group, so a group KILL aimed at
// the player takes the engine down with it.
type ExecEngine struct {
	Path        string
	Args        []string
	DeviceName  string
	StopTimeout time.Duration
	// Abort, once closed, ends the engine's stop grace and kills it at once
	Abort  <-chan struct{}
	Logger logrus.FieldLogger
}

// Run implements Engine
func (e *ExecEngine) Run(ctx context.Context, bundle types.CredentialBundle, pcm io.Writer, events chan<- types.PlayerEvent) error {
	if e.Path == "" {
		return fmt.Errorf("engine path is required")
	}
	logger := e.Logger
	if logger == nil {
		logger = logrus.New()
	}

	payload, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	eventsR, eventsW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create event pipe: %w", err)
	}
	defer eventsR.Close()

	args := append(append([]string{}, e.Args...), "--name", e.DeviceName)
	cmd := exec.Command(e.Path, args...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = pcm
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{eventsW}
	cmd.Env = append(os.Environ(), DeviceIDEnv+"="+DeviceID(e.DeviceName))
	bindToParent(cmd)

	if err := cmd.Start(); err != nil {
		eventsW.Close()
		return fmt.Errorf("failed to start engine: %w", err)
	}
	eventsW.Close()

	proc, err := escalator.FromCmd(cmd)
	if err != nil {
		return err
	}
	logger = logger.WithField("engine_pid", proc.Pid())
	logger.Debug("Engine started")

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		scanEvents(eventsR, events, logger)
	}()

	select {
	case <-proc.Done():
	case <-ctx.Done():
		e.stop(proc, logger)
	}

	<-proc.Done()
	<-scanned

	if ctx.Err() != nil {
		return nil
	}
	if err := proc.Err(); err != nil {
		return fmt.Errorf("engine exited: %w", err)
	}
	return nil
}

// stop escalates the engine, cutting the grace short when Abort closes
func (e *ExecEngine) stop(proc *escalator.CmdProcess, logger logrus.FieldLogger) {
	stopCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if e.Abort != nil {
		go func() {
			select {
			case <-e.Abort:
				cancel()
			case <-stopCtx.Done():
			}
		}()
	}

	esc := escalator.New(escalator.WithTimeout(e.StopTimeout), escalator.WithLogger(logger))
	res, err := esc.Shutdown(stopCtx, proc)
	switch {
	case errors.Is(err, context.Canceled):
		logger.Warn("Engine killed on abort")
	case err != nil:
		logger.WithError(err).Warn("Failed to stop engine")
	}
	logger.WithField("stage", res.Stage.String()).Info("Engine stopped")
}

// scanEvents forwards every well-formed event line until r is exhausted
func scanEvents(r io.Reader, events chan<- types.PlayerEvent, logger logrus.FieldLogger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, err := types.UnmarshalPlayerEvent(line)
		if err != nil {
			logger.WithError(err).Warn("Skipping malformed engine event")
			continue
		}
		events <- ev
	}
	if err := scanner.Err(); err != nil {
		logger.WithError(err).Warn("Engine event stream failed")
	}
}
