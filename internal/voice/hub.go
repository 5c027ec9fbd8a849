package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// FrameSize is 20ms of 48kHz stereo s16le PCM
	FrameSize = 3840
	// FrameInterval is the playout time of one frame
	FrameInterval = 20 * time.Millisecond
)

var (
	// ErrNotJoined is returned when playing into a room that was never joined
	ErrNotJoined = errors.New("not connected to voice")
	// ErrClosed is returned after Shutdown
	ErrClosed = errors.New("voice hub closed")
)

// Topic names the sink topic carrying a guild's PCM
func Topic(guildID string) string {
	return "voice:" + guildID
}

// Sink receives PCM frames for a room. The websocket manager implements it.
type Sink interface {
	// PublishBinary delivers frame to every listener of topic without blocking
	// and returns how many listeners got it
	PublishBinary(topic string, frame []byte) int
	// CloseTopic disconnects every listener of topic
	CloseTopic(topic string)
}

// Hub is the voice transport: one room per guild, at most one source
// playing in a room.
type Hub struct {
	mu     sync.Mutex
	rooms  map[string]*room
	closed bool

	sink     Sink
	interval time.Duration
	logger   logrus.FieldLogger
	wg       sync.WaitGroup
}

type room struct {
	guildID string
	current *playback
}

type playback struct {
	src    io.ReadCloser
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
	frames uint64
}

func (p *playback) halt() {
	p.once.Do(func() {
		close(p.stop)
		p.src.Close()
	})
}

// Option configures a Hub
type Option func(*Hub)

// WithFrameInterval overrides pacing; zero pumps as fast as the source allows
func WithFrameInterval(d time.Duration) Option {
	return func(h *Hub) {
		h.interval = d
	}
}

// NewHub creates a voice hub that paces frames into sink
func NewHub(sink Sink, logger logrus.FieldLogger, opts ...Option) (*Hub, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	h := &Hub{
		rooms:    make(map[string]*room),
		sink:     sink,
		interval: FrameInterval,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Join connects to the room of guildID. Joining twice is a no-op.
func (h *Hub) Join(ctx context.Context, guildID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if guildID == "" {
		return fmt.Errorf("guild id is required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	if _, ok := h.rooms[guildID]; !ok {
		h.rooms[guildID] = &room{guildID: guildID}
		h.logger.WithField("guild_id", guildID).Info("Joined voice")
	}
	return nil
}

// Play starts pumping src into the room, replacing whatever was playing.
// The hub owns src from here on and closes it when playback ends.
func (h *Hub) Play(guildID string, src io.ReadCloser) error {
	if src == nil {
		return fmt.Errorf("source is required")
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	r, ok := h.rooms[guildID]
	if !ok {
		h.mu.Unlock()
		return ErrNotJoined
	}
	previous := r.current
	pb := &playback{
		src:  src,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	r.current = pb
	h.wg.Add(1)
	h.mu.Unlock()

	if previous != nil {
		previous.halt()
		<-previous.done
	}

	go h.pump(guildID, pb)
	return nil
}

// pump reads whole frames from the source and hands them to the sink
// at playout pace. Partial trailing frames are padded with silence.
func (h *Hub) pump(guildID string, pb *playback) {
	defer h.wg.Done()
	defer close(pb.done)
	defer pb.halt()

	logger := h.logger.WithField("guild_id", guildID)
	logger.Debug("Playback started")

	var tick <-chan time.Time
	if h.interval > 0 {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	frame := make([]byte, FrameSize)
	for {
		n, err := io.ReadFull(pb.src, frame)
		if n > 0 {
			for i := n; i < FrameSize; i++ {
				frame[i] = 0
			}
			if tick != nil {
				select {
				case <-tick:
				case <-pb.stop:
					return
				}
			}
			h.sink.PublishBinary(Topic(guildID), append([]byte(nil), frame...))
			pb.frames++
		}
		if err != nil {
			select {
			case <-pb.stop:
				logger.WithField("frames", pb.frames).Debug("Playback stopped")
			default:
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					logger.WithError(err).Warn("Audio source failed")
				}
				logger.WithField("frames", pb.frames).Info("Playback finished")
			}
			return
		}
	}
}

// Stop halts the current source of the room, if any
func (h *Hub) Stop(guildID string) bool {
	h.mu.Lock()
	r, ok := h.rooms[guildID]
	if !ok || r.current == nil {
		h.mu.Unlock()
		return false
	}
	pb := r.current
	r.current = nil
	h.mu.Unlock()

	pb.halt()
	<-pb.done
	return true
}

// Leave stops playback, disconnects listeners and forgets the room
func (h *Hub) Leave(guildID string) bool {
	h.Stop(guildID)

	h.mu.Lock()
	_, ok := h.rooms[guildID]
	delete(h.rooms, guildID)
	h.mu.Unlock()

	if ok {
		h.sink.CloseTopic(Topic(guildID))
		h.logger.WithField("guild_id", guildID).Info("Left voice")
	}
	return ok
}

// Playing reports whether a source is currently pumping in the room
func (h *Hub) Playing(guildID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[guildID]
	if !ok || r.current == nil {
		return false
	}
	select {
	case <-r.current.done:
		return false
	default:
		return true
	}
}

// Joined reports whether the room of guildID is connected
func (h *Hub) Joined(guildID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.rooms[guildID]
	return ok
}

// Run blocks until ctx is cancelled, then leaves every room and waits for
// all pumps to exit
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()
	h.Shutdown()
	return nil
}

// Shutdown leaves every room and waits for all pumps
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	guilds := make([]string, 0, len(h.rooms))
	for g := range h.rooms {
		guilds = append(guilds, g)
	}
	h.mu.Unlock()

	for _, g := range guilds {
		h.Leave(g)
	}
	h.wg.Wait()
}
