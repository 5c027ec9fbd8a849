package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"spotify-remote/internal/escalator"
	"spotify-remote/internal/types"
)

// Source yields captured credential bundles. Next returns io.EOF once no
// more bundles will arrive.
type Source interface {
	Next(ctx context.Context) (types.CredentialBundle, error)
	Close() error
}

type scanResult struct {
	bundle types.CredentialBundle
	err    error
}

// ReaderSource decodes newline-delimited bundle JSON from a reader
type ReaderSource struct {
	results chan scanResult
	closer  io.Closer
	once    sync.Once
	stop    chan struct{}
}

// NewReaderSource starts decoding r. If r is an io.Closer, Close closes it.
func NewReaderSource(r io.Reader) *ReaderSource {
	s := &ReaderSource{
		results: make(chan scanResult),
		stop:    make(chan struct{}),
	}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}

	go s.scan(r)
	return s
}

func (s *ReaderSource) scan(r io.Reader) {
	defer close(s.results)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var res scanResult
		if err := json.Unmarshal([]byte(line), &res.bundle); err != nil {
			res.err = fmt.Errorf("invalid credential line: %w", err)
		} else if res.bundle.IsEmpty() {
			res.err = fmt.Errorf("credential line has no auth_data")
		}

		select {
		case s.results <- res:
		case <-s.stop:
			return
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case s.results <- scanResult{err: err}:
		case <-s.stop:
		}
	}
}

// Next returns the next bundle
func (s *ReaderSource) Next(ctx context.Context) (types.CredentialBundle, error) {
	select {
	case res, ok := <-s.results:
		if !ok {
			return types.CredentialBundle{}, io.EOF
		}
		return res.bundle, res.err
	case <-ctx.Done():
		return types.CredentialBundle{}, ctx.Err()
	}
}

// Close stops decoding
func (s *ReaderSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		if s.closer != nil {
			err = s.closer.Close()
		}
	})
	return err
}

// ProcessSource runs a discovery helper that prints one bundle per line
type ProcessSource struct {
	*ReaderSource
	proc      *escalator.CmdProcess
	escalator *escalator.Escalator
	logger    logrus.FieldLogger
}

// StartProcessSource launches the helper. Its stderr is inherited for
// diagnostics.
func StartProcessSource(path string, args []string, esc *escalator.Escalator, logger logrus.FieldLogger) (*ProcessSource, error) {
	if path == "" {
		return nil, fmt.Errorf("discovery command is required")
	}
	if esc == nil {
		esc = escalator.New()
	}

	// The reaper owns cmd.Wait, which would close a StdoutPipe under the reader
	stdout, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery pipe: %w", err)
	}

	cmd := exec.Command(path, args...)
	cmd.Stdout = w
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		stdout.Close()
		w.Close()
		return nil, fmt.Errorf("failed to start discovery command: %w", err)
	}
	w.Close()

	proc, err := escalator.FromCmd(cmd)
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"command": path,
		"pid":     proc.Pid(),
	}).Info("Discovery helper started")

	return &ProcessSource{
		ReaderSource: NewReaderSource(stdout),
		proc:         proc,
		escalator:    esc,
		logger:       logger,
	}, nil
}

// Close stops the helper through the shutdown escalator
func (s *ProcessSource) Close() error {
	s.ReaderSource.Close()

	res, err := s.escalator.Shutdown(context.Background(), s.proc)
	s.logger.WithFields(logrus.Fields{
		"pid":   s.proc.Pid(),
		"stage": res.Stage.String(),
	}).Info("Discovery helper stopped")
	return err
}
