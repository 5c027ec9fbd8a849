package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"spotify-remote/internal/escalator"
	"spotify-remote/internal/history"
	"spotify-remote/internal/logging"
	"spotify-remote/internal/registry"
	"spotify-remote/internal/types"
)

var (
	// ErrStreamNotFound is returned when no credentials are pending for a key
	ErrStreamNotFound = errors.New("no stream found")
	// ErrSessionNotFound is returned for an unknown correlation token
	ErrSessionNotFound = errors.New("session not found")
	// ErrShuttingDown is returned by Start once Shutdown has begun
	ErrShuttingDown = errors.New("supervisor is shutting down")
)

// SpawnError reports a child process that could not be started
type SpawnError struct {
	Process string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Process, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Command is an executable plus its fixed arguments
type Command struct {
	Path string
	Args []string
}

// TokenIssuer mints the per-session status relay credential
type TokenIssuer interface {
	Issue(correlationToken string) (string, error)
}

// Recorder receives session lifecycle records
type Recorder interface {
	SessionStarted(ctx context.Context, rec history.Record) error
	HandleAttached(ctx context.Context, correlationToken string, handle types.MsgHandle) error
	SessionEnded(ctx context.Context, correlationToken, stage string, endedAt time.Time) error
}

// Config wires the supervisor to its children
type Config struct {
	Player    Command
	Resampler Command
	StatusURL string
}

// StartRequest asks for playback of the bundle stored under Key
type StartRequest struct {
	Key     string
	GuildID string
}

// Session is a snapshot of one running player/resampler pair
type Session struct {
	CorrelationToken string           `json:"correlation_token"`
	Key              string           `json:"key"`
	GuildID          string           `json:"guild_id"`
	DeviceName       string           `json:"device_name"`
	PlayerPid        int              `json:"player_pid"`
	ResamplerPid     int              `json:"resampler_pid"`
	StartedAt        time.Time        `json:"started_at"`
	Handle           *types.MsgHandle `json:"handle,omitempty"`
	Stopping         bool             `json:"stopping"`

	PlayerAlive    bool   `json:"player_alive"`
	PlayerRSS      uint64 `json:"player_rss_bytes"`
	ResamplerAlive bool   `json:"resampler_alive"`
	ResamplerRSS   uint64 `json:"resampler_rss_bytes"`
}

// StopResult carries the escalation outcome for both children
type StopResult struct {
	Player    escalator.Result `json:"player"`
	Resampler escalator.Result `json:"resampler"`
}

type session struct {
	info      Session
	player    *escalator.CmdProcess
	resampler *escalator.CmdProcess
	stage     string
	// stopped is closed once a requested stop has settled stage
	stopped chan struct{}
	done    chan struct{}
}

// Supervisor owns every playback session. The session table is guarded by
// mu; no lock is held while signalling or waiting on children.
type Supervisor struct {
	cfg      Config
	store    registry.Store
	tokens   TokenIssuer
	esc      *escalator.Escalator
	recorder Recorder
	onExit   []func(Session)
	logger   *logrus.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	wg sync.WaitGroup
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithRecorder stores session lifecycle in rec
func WithRecorder(rec Recorder) Option {
	return func(s *Supervisor) {
		s.recorder = rec
	}
}

// WithExitHook calls fn after a session's children have both exited
func WithExitHook(fn func(Session)) Option {
	return func(s *Supervisor) {
		if fn != nil {
			s.onExit = append(s.onExit, fn)
		}
	}
}

// New creates a supervisor
func New(cfg Config, store registry.Store, tokens TokenIssuer, esc *escalator.Escalator, logger *logrus.Logger, opts ...Option) (*Supervisor, error) {
	if cfg.Player.Path == "" {
		return nil, fmt.Errorf("player command is required")
	}
	if cfg.Resampler.Path == "" {
		return nil, fmt.Errorf("resampler command is required")
	}
	if store == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token issuer is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if esc == nil {
		esc = escalator.New(escalator.WithLogger(logger))
	}

	s := &Supervisor{
		cfg:      cfg,
		store:    store,
		tokens:   tokens,
		esc:      esc,
		logger:   logger,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start claims the bundle for req.Key and launches a player piped into a
// resampler. The returned reader yields the resampled PCM; the caller owns it.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (*Session, io.ReadCloser, error) {
	if req.Key == "" {
		return nil, nil, fmt.Errorf("key is required")
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, nil, ErrShuttingDown
	}

	creds, err := s.store.Take(ctx, req.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to claim credentials: %w", err)
	}
	if creds == nil {
		return nil, nil, fmt.Errorf("%w for %s", ErrStreamNotFound, req.Key)
	}

	corrToken := uuid.NewString()
	logger := logging.NewSessionLogger(s.logger, corrToken, req.Key)

	sess, pcm, err := s.spawn(corrToken, req, creds)
	if err != nil {
		var spawnErr *SpawnError
		if errors.As(err, &spawnErr) {
			logging.LogSpawnError(logger, spawnErr.Err, req.Key, spawnErr.Process)
		}
		// the bundle was never delivered, so the key stays usable
		if ok, insErr := s.store.Insert(ctx, *creds); insErr != nil || !ok {
			logger.WithError(insErr).Warn("Failed to return credentials after spawn failure")
		}
		return nil, nil, err
	}

	if s.recorder != nil {
		if err := s.recorder.SessionStarted(ctx, history.Record{
			CorrelationToken: corrToken,
			Key:              req.Key,
			GuildID:          req.GuildID,
			DeviceName:       creds.DeviceName,
			PlayerPid:        sess.info.PlayerPid,
			ResamplerPid:     sess.info.ResamplerPid,
			StartedAt:        sess.info.StartedAt,
		}); err != nil {
			logging.LogStorageError(logger, err, "session_started", true)
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sess.player.Signal(unix.SIGKILL)
		_ = sess.resampler.Signal(unix.SIGKILL)
		_ = sess.player.Wait()
		_ = sess.resampler.Wait()
		pcm.Close()
		return nil, nil, ErrShuttingDown
	}
	s.sessions[corrToken] = sess
	s.wg.Add(1)
	s.mu.Unlock()

	go s.reap(sess)

	logger.WithFields(logrus.Fields{
		"guild_id":      req.GuildID,
		"device_name":   creds.DeviceName,
		"player_pid":    sess.info.PlayerPid,
		"resampler_pid": sess.info.ResamplerPid,
	}).Info("Playback session started")

	info := sess.info
	return &info, pcm, nil
}

func (s *Supervisor) spawn(corrToken string, req StartRequest, creds *types.ForwardCreds) (*session, io.ReadCloser, error) {
	authToken, err := s.tokens.Issue(corrToken)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to issue session token: %w", err)
	}

	bundle, err := json.Marshal(creds.Creds)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode credentials: %w", err)
	}

	// player stdout -> resampler stdin
	midR, midW, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// resampler stdout -> caller
	outR, outW, err := os.Pipe()
	if err != nil {
		midR.Close()
		midW.Close()
		return nil, nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	closeAll := func() {
		midR.Close()
		midW.Close()
		outR.Close()
		outW.Close()
	}

	playerArgs := append(append([]string{}, s.cfg.Player.Args...),
		"--player-updates-token", corrToken,
		"--player-updates-auth", authToken,
		"--player-updates-addr", s.cfg.StatusURL,
		"--device-name", creds.DeviceName,
	)
	playerCmd := exec.Command(s.cfg.Player.Path, playerArgs...)
	playerCmd.Stdin = bytes.NewReader(bundle)
	playerCmd.Stdout = midW
	playerCmd.Stderr = os.Stderr
	escalator.SetProcessGroup(playerCmd)

	if err := playerCmd.Start(); err != nil {
		closeAll()
		return nil, nil, &SpawnError{Process: "player", Err: err}
	}
	player, err := escalator.FromCmd(playerCmd)
	if err != nil {
		closeAll()
		return nil, nil, &SpawnError{Process: "player", Err: err}
	}

	resamplerCmd := exec.Command(s.cfg.Resampler.Path, s.cfg.Resampler.Args...)
	resamplerCmd.Stdin = midR
	resamplerCmd.Stdout = outW
	resamplerCmd.Stderr = os.Stderr
	escalator.SetProcessGroup(resamplerCmd)

	if err := resamplerCmd.Start(); err != nil {
		closeAll()
		_ = player.Signal(unix.SIGKILL)
		_ = player.Wait()
		return nil, nil, &SpawnError{Process: "resampler", Err: err}
	}
	resampler, err := escalator.FromCmd(resamplerCmd)
	if err != nil {
		closeAll()
		_ = player.Signal(unix.SIGKILL)
		_ = player.Wait()
		return nil, nil, &SpawnError{Process: "resampler", Err: err}
	}

	// the children hold their own copies now
	midR.Close()
	midW.Close()
	outW.Close()

	sess := &session{
		info: Session{
			CorrelationToken: corrToken,
			Key:              req.Key,
			GuildID:          req.GuildID,
			DeviceName:       creds.DeviceName,
			PlayerPid:        player.Pid(),
			ResamplerPid:     resampler.Pid(),
			StartedAt:        time.Now().UTC(),
		},
		player:    player,
		resampler: resampler,
		stage:     escalator.StageExited.String(),
		stopped:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	return sess, outR, nil
}

// reap waits for both children, then retires the session
func (s *Supervisor) reap(sess *session) {
	defer s.wg.Done()
	defer close(sess.done)

	<-sess.player.Done()
	<-sess.resampler.Done()

	s.mu.Lock()
	stopping := sess.info.Stopping
	s.mu.Unlock()
	if stopping {
		<-sess.stopped
	}

	s.mu.Lock()
	delete(s.sessions, sess.info.CorrelationToken)
	info := sess.info
	stage := sess.stage
	s.mu.Unlock()

	logger := logging.NewSessionLogger(s.logger, info.CorrelationToken, info.Key)
	logger.WithFields(logrus.Fields{
		"player_exit":    sess.player.ExitCode(),
		"resampler_exit": sess.resampler.ExitCode(),
		"stage":          stage,
	}).Info("Playback session ended")

	if s.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.recorder.SessionEnded(ctx, info.CorrelationToken, stage, time.Now().UTC()); err != nil {
			logging.LogStorageError(logger, err, "session_ended", true)
		}
		cancel()
	}

	for _, fn := range s.onExit {
		fn(info)
	}
}

// Stop escalates shutdown of the player, then the resampler, and waits for
// the session to be retired
func (s *Supervisor) Stop(ctx context.Context, corrToken string) (StopResult, error) {
	s.mu.Lock()
	sess, ok := s.sessions[corrToken]
	already := ok && sess.info.Stopping
	if ok {
		sess.info.Stopping = true
	}
	s.mu.Unlock()
	if !ok {
		return StopResult{}, fmt.Errorf("%w: %s", ErrSessionNotFound, corrToken)
	}

	if already {
		select {
		case <-sess.done:
			return StopResult{}, nil
		case <-ctx.Done():
			return StopResult{}, ctx.Err()
		}
	}
	return s.stop(ctx, sess)
}

// stop must be called exactly once per session, after Stopping was set
func (s *Supervisor) stop(ctx context.Context, sess *session) (StopResult, error) {
	logger := logging.NewSessionLogger(s.logger, sess.info.CorrelationToken, sess.info.Key)

	res, err := s.escalate(ctx, sess, logger)

	s.mu.Lock()
	sess.stage = res.Player.Stage.String()
	s.mu.Unlock()
	close(sess.stopped)

	if err != nil {
		return res, err
	}

	select {
	case <-sess.done:
	case <-ctx.Done():
		return res, ctx.Err()
	}

	logger.WithFields(logrus.Fields{
		"player_stage":    res.Player.Stage.String(),
		"resampler_stage": res.Resampler.Stage.String(),
	}).Info("Playback session stopped")
	return res, nil
}

func (s *Supervisor) escalate(ctx context.Context, sess *session, logger logrus.FieldLogger) (StopResult, error) {
	var res StopResult
	var err error

	res.Player, err = s.esc.Shutdown(ctx, sess.player)
	if res.Player.Stage == escalator.StageKilled {
		logging.LogUnresponsiveProcess(logger, sess.info.CorrelationToken, sess.info.PlayerPid, res.Player.SignalNames())
	}
	if err != nil {
		// make sure the resampler does not outlive the player
		_ = sess.resampler.Signal(unix.SIGKILL)
		return res, fmt.Errorf("failed to stop player: %w", err)
	}

	res.Resampler, err = s.esc.Shutdown(ctx, sess.resampler)
	if res.Resampler.Stage == escalator.StageKilled {
		logging.LogUnresponsiveProcess(logger, sess.info.CorrelationToken, sess.info.ResamplerPid, res.Resampler.SignalNames())
	}
	if err != nil {
		return res, fmt.Errorf("failed to stop resampler: %w", err)
	}
	return res, nil
}

// StopGuild stops every session playing into guildID and returns how many
// were stopped
func (s *Supervisor) StopGuild(ctx context.Context, guildID string) (int, error) {
	var targets []*session
	s.mu.Lock()
	for _, sess := range s.sessions {
		if sess.info.GuildID == guildID && !sess.info.Stopping {
			sess.info.Stopping = true
			targets = append(targets, sess)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, sess := range targets {
		if _, err := s.stop(ctx, sess); err != nil {
			errs = append(errs, err)
		}
	}
	return len(targets), errors.Join(errs...)
}

// AttachHandle records the status message that belongs to a session
func (s *Supervisor) AttachHandle(ctx context.Context, corrToken string, handle types.MsgHandle) error {
	s.mu.Lock()
	sess, ok := s.sessions[corrToken]
	if ok {
		h := handle
		sess.info.Handle = &h
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, corrToken)
	}

	if s.recorder != nil {
		if err := s.recorder.HandleAttached(ctx, corrToken, handle); err != nil {
			logging.LogStorageError(s.logger, err, "handle_attached", true)
		}
	}
	return nil
}

// Sessions returns a snapshot of running sessions with process liveness
func (s *Supervisor) Sessions() []Session {
	s.mu.Lock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.info)
	}
	s.mu.Unlock()

	for i := range out {
		out[i].PlayerAlive, out[i].PlayerRSS = inspect(out[i].PlayerPid)
		out[i].ResamplerAlive, out[i].ResamplerRSS = inspect(out[i].ResamplerPid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Count returns the number of live sessions
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown refuses new sessions, stops every running one and waits for all
// reapers
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	targets := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if !sess.info.Stopping {
			sess.info.Stopping = true
			targets = append(targets, sess)
		}
	}
	s.mu.Unlock()

	s.logger.WithField("sessions", len(targets)).Info("Stopping playback sessions")

	var wg sync.WaitGroup
	errCh := make(chan error, len(targets))
	for _, sess := range targets {
		wg.Add(1)
		go func(sess *session) {
			defer wg.Done()
			if _, err := s.stop(ctx, sess); err != nil {
				errCh <- err
			}
		}(sess)
	}
	wg.Wait()
	close(errCh)

	reaped := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(reaped)
	}()
	select {
	case <-reaped:
	case <-ctx.Done():
		return ctx.Err()
	}

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// inspect reports whether pid is running and its resident set size
func inspect(pid int) (bool, uint64) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false, 0
	}
	running, err := proc.IsRunning()
	if err != nil || !running {
		return false, 0
	}
	if status, err := proc.Status(); err == nil && len(status) > 0 && status[0] == process.Zombie {
		return false, 0
	}
	var rss uint64
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		rss = mem.RSS
	}
	return true, rss
}
