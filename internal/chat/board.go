package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"spotify-remote/internal/types"
)

// DefaultChannelHistory is how many messages a channel keeps
const DefaultChannelHistory = 100

// ErrMessageNotFound is returned when editing an unknown or evicted message
var ErrMessageNotFound = errors.New("message not found")

// Message is a status line posted to a channel
type Message struct {
	Handle    types.MsgHandle `json:"handle"`
	Content   string          `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Edits     int             `json:"edits"`
}

// Observer is told about every sent or edited message
type Observer func(kind string, msg Message)

const (
	KindSent   = "message_sent"
	KindEdited = "message_edited"
)

// Board is the channel where command replies and status placeholders live.
// Status updates edit messages in place.
type Board struct {
	mu        sync.RWMutex
	messages  map[types.MsgHandle]*Message
	order     map[string][]types.MsgHandle
	observers []Observer
	history   int
	logger    logrus.FieldLogger
}

// NewBoard creates an empty board
func NewBoard(logger logrus.FieldLogger) *Board {
	return &Board{
		messages: make(map[types.MsgHandle]*Message),
		order:    make(map[string][]types.MsgHandle),
		history:  DefaultChannelHistory,
		logger:   logger,
	}
}

// Subscribe registers an observer. Observers run synchronously outside the lock.
func (b *Board) Subscribe(obs Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, obs)
}

// Send posts content to channelID and returns its handle
func (b *Board) Send(ctx context.Context, channelID, content string) (types.MsgHandle, error) {
	if err := ctx.Err(); err != nil {
		return types.MsgHandle{}, err
	}
	if channelID == "" {
		return types.MsgHandle{}, fmt.Errorf("channel id is required")
	}

	now := time.Now().UTC()
	msg := &Message{
		Handle:    types.MsgHandle{ChannelID: channelID, MessageID: uuid.NewString()},
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}

	b.mu.Lock()
	b.messages[msg.Handle] = msg
	b.order[channelID] = append(b.order[channelID], msg.Handle)
	if overflow := len(b.order[channelID]) - b.history; overflow > 0 {
		for _, old := range b.order[channelID][:overflow] {
			delete(b.messages, old)
		}
		b.order[channelID] = append([]types.MsgHandle(nil), b.order[channelID][overflow:]...)
	}
	snapshot := *msg
	observers := b.observers
	b.mu.Unlock()

	b.logger.WithFields(logrus.Fields{
		"channel_id": channelID,
		"message_id": msg.Handle.MessageID,
	}).Debug("Message sent")

	b.notify(observers, KindSent, snapshot)
	return snapshot.Handle, nil
}

// EditMessage replaces the content of a previously sent message
func (b *Board) EditMessage(ctx context.Context, handle types.MsgHandle, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	msg, ok := b.messages[handle]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrMessageNotFound, handle.ChannelID, handle.MessageID)
	}
	msg.Content = content
	msg.UpdatedAt = time.Now().UTC()
	msg.Edits++
	snapshot := *msg
	observers := b.observers
	b.mu.Unlock()

	b.notify(observers, KindEdited, snapshot)
	return nil
}

// Get returns a message by handle
func (b *Board) Get(handle types.MsgHandle) (Message, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	msg, ok := b.messages[handle]
	if !ok {
		return Message{}, false
	}
	return *msg, true
}

// List returns the messages of a channel, oldest first
func (b *Board) List(channelID string) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Message, 0, len(b.order[channelID]))
	for _, h := range b.order[channelID] {
		if msg, ok := b.messages[h]; ok {
			out = append(out, *msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (b *Board) notify(observers []Observer, kind string, msg Message) {
	for _, obs := range observers {
		obs(kind, msg)
	}
}
