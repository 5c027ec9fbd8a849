package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"spotify-remote/internal/logging"
	"spotify-remote/internal/supervisor"
	"spotify-remote/internal/types"
)

// Reply texts posted back to the requesting channel
const (
	ReplyGuildOnly      = "This command can only be used in a guild"
	ReplyNotInVoice     = "Not in a voice channel"
	ReplyPlaying        = "playing.."
	ReplyStopped        = "stopped playback"
	ReplyLeft           = "left"
	ReplyNotConnected   = "not connected"
	replyStreamNotFound = "No stream found for %s"
)

// Supervisor is the playback side of the service
type Supervisor interface {
	Start(ctx context.Context, req supervisor.StartRequest) (*supervisor.Session, io.ReadCloser, error)
	Stop(ctx context.Context, corrToken string) (supervisor.StopResult, error)
	StopGuild(ctx context.Context, guildID string) (int, error)
	AttachHandle(ctx context.Context, corrToken string, handle types.MsgHandle) error
	Sessions() []supervisor.Session
}

// Voice is the audio sink
type Voice interface {
	Join(ctx context.Context, guildID string) error
	Play(guildID string, src io.ReadCloser) error
	Stop(guildID string) bool
	Leave(guildID string) bool
	Joined(guildID string) bool
}

// Poster sends messages to a text channel
type Poster interface {
	Send(ctx context.Context, channelID, content string) (types.MsgHandle, error)
}

// HandleRegistrar links a session's status events to a message
type HandleRegistrar interface {
	RegisterHandle(ctx context.Context, token string, handle types.MsgHandle) error
	ForgetToken(ctx context.Context, token string) error
}

// PlayRequest starts playback of the stream stored under Key
type PlayRequest struct {
	GuildID        string `json:"guild_id"`
	ChannelID      string `json:"channel_id"`
	VoiceChannelID string `json:"voice_channel_id"`
	Key            string `json:"key"`
}

// GuildRequest targets whatever is playing in a guild
type GuildRequest struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
}

// Reply is what a command answered
type Reply struct {
	ChannelID        string           `json:"channel_id,omitempty"`
	Content          string           `json:"content"`
	Handle           *types.MsgHandle `json:"handle,omitempty"`
	CorrelationToken string           `json:"correlation_token,omitempty"`
	Stopped          int              `json:"stopped,omitempty"`
}

// Service implements play, stop and leave on top of the supervisor, the
// voice sink and the status board
type Service struct {
	sup    Supervisor
	voice  Voice
	poster Poster
	status HandleRegistrar
	logger logrus.FieldLogger
}

// NewService creates a command service
func NewService(sup Supervisor, voice Voice, poster Poster, status HandleRegistrar, logger logrus.FieldLogger) (*Service, error) {
	if sup == nil {
		return nil, fmt.Errorf("supervisor is required")
	}
	if voice == nil {
		return nil, fmt.Errorf("voice sink is required")
	}
	if poster == nil {
		return nil, fmt.Errorf("poster is required")
	}
	if status == nil {
		return nil, fmt.Errorf("handle registrar is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Service{sup: sup, voice: voice, poster: poster, status: status, logger: logger}, nil
}

// Play joins the guild's voice room, starts a session for req.Key and posts
// the status placeholder that later player events edit.
// A missing stream is answered, not returned as an error.
func (s *Service) Play(ctx context.Context, req PlayRequest) (Reply, error) {
	logger := s.logger.WithFields(logrus.Fields{
		"guild_id": req.GuildID,
		"key":      req.Key,
	})

	if req.GuildID == "" {
		return s.say(ctx, req.ChannelID, ReplyGuildOnly), nil
	}
	if req.VoiceChannelID == "" {
		return s.say(ctx, req.ChannelID, ReplyNotInVoice), nil
	}
	if req.Key == "" {
		return Reply{}, fmt.Errorf("key is required")
	}

	if err := s.voice.Join(ctx, req.GuildID); err != nil {
		return s.fail(ctx, req.ChannelID, fmt.Errorf("failed to join voice: %w", err))
	}

	sess, pcm, err := s.sup.Start(ctx, supervisor.StartRequest{Key: req.Key, GuildID: req.GuildID})
	if errors.Is(err, supervisor.ErrStreamNotFound) {
		logger.Info("No stream pending for key")
		return s.say(ctx, req.ChannelID, fmt.Sprintf(replyStreamNotFound, req.Key)), nil
	}
	if err != nil {
		return s.fail(ctx, req.ChannelID, fmt.Errorf("failed to start playback: %w", err))
	}
	logger = logger.WithField("correlation_token", sess.CorrelationToken)

	if err := s.voice.Play(req.GuildID, pcm); err != nil {
		pcm.Close()
		if _, stopErr := s.sup.Stop(ctx, sess.CorrelationToken); stopErr != nil {
			logger.WithError(stopErr).Warn("Failed to stop orphaned session")
		}
		return s.fail(ctx, req.ChannelID, fmt.Errorf("failed to play source: %w", err))
	}
	logger.Debug("Playing source")

	reply := s.say(ctx, req.ChannelID, ReplyPlaying)
	reply.CorrelationToken = sess.CorrelationToken
	if reply.Handle == nil {
		// status updates are best effort
		return reply, nil
	}

	// Registered before attaching: once the attach succeeds the session's
	// exit releases the mapping after this registration.
	if err := s.status.RegisterHandle(ctx, sess.CorrelationToken, *reply.Handle); err != nil {
		logger.WithError(err).Warn("Failed to register status message")
		return reply, nil
	}
	err = s.sup.AttachHandle(ctx, sess.CorrelationToken, *reply.Handle)
	switch {
	case errors.Is(err, supervisor.ErrSessionNotFound):
		logger.Debug("Session ended before its status message was attached")
		if err := s.status.ForgetToken(ctx, sess.CorrelationToken); err != nil {
			logger.WithError(err).Warn("Failed to release status message")
		}
	case err != nil:
		logger.WithError(err).Warn("Failed to attach status message")
	}
	return reply, nil
}

// Stop ends playback in a guild but stays in the voice room
func (s *Service) Stop(ctx context.Context, req GuildRequest) (Reply, error) {
	if req.GuildID == "" {
		return s.say(ctx, req.ChannelID, ReplyGuildOnly), nil
	}
	if !s.voice.Joined(req.GuildID) {
		return Reply{ChannelID: req.ChannelID, Content: ReplyNotConnected}, nil
	}

	s.voice.Stop(req.GuildID)
	stopped, err := s.sup.StopGuild(ctx, req.GuildID)
	if err != nil {
		s.logger.WithError(err).WithField("guild_id", req.GuildID).Warn("Failed to stop every session cleanly")
	}

	reply := s.say(ctx, req.ChannelID, ReplyStopped)
	reply.Stopped = stopped
	return reply, nil
}

// Leave ends playback and disconnects the guild's voice listeners
func (s *Service) Leave(ctx context.Context, req GuildRequest) (Reply, error) {
	if req.GuildID == "" {
		return s.say(ctx, req.ChannelID, ReplyGuildOnly), nil
	}
	if !s.voice.Joined(req.GuildID) {
		return Reply{ChannelID: req.ChannelID, Content: ReplyNotConnected}, nil
	}

	stopped, err := s.sup.StopGuild(ctx, req.GuildID)
	if err != nil {
		s.logger.WithError(err).WithField("guild_id", req.GuildID).Warn("Failed to stop every session cleanly")
	}
	s.voice.Leave(req.GuildID)

	reply := s.say(ctx, req.ChannelID, ReplyLeft)
	reply.Stopped = stopped
	return reply, nil
}

// Sessions lists running playback sessions
func (s *Service) Sessions() []supervisor.Session {
	return s.sup.Sessions()
}

// say posts content to channelID when one was given
func (s *Service) say(ctx context.Context, channelID, content string) Reply {
	reply := Reply{ChannelID: channelID, Content: content}
	if channelID == "" {
		return reply
	}

	handle, err := s.poster.Send(ctx, channelID, content)
	if err != nil {
		s.logger.WithError(err).WithField("channel_id", channelID).Warn("Failed to post reply")
		return reply
	}
	reply.Handle = &handle
	return reply
}

// fail answers the channel with err and returns it
func (s *Service) fail(ctx context.Context, channelID string, err error) (Reply, error) {
	s.logger.WithError(err).WithFields(logrus.Fields{
		"channel_id":     channelID,
		"error_category": logging.ClassifyError(err),
	}).Warn("Command failed")
	return s.say(ctx, channelID, err.Error()), err
}
