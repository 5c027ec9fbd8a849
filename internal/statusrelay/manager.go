package statusrelay

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"spotify-remote/internal/types"
)

// DefaultEditTimeout bounds one message edit
const DefaultEditTimeout = 5 * time.Second

// MessageEditor updates a previously sent status message
type MessageEditor interface {
	EditMessage(ctx context.Context, handle types.MsgHandle, content string) error
}

// registration binds or, with forget set, releases a token. Both travel on
// one channel so a release never overtakes the binding it undoes.
type registration struct {
	token  string
	handle types.MsgHandle
	forget bool
}

// Stats counts what the manager did with incoming events
type Stats struct {
	Edited    uint64 `json:"edited"`
	Dropped   uint64 `json:"dropped"`
	EditFails uint64 `json:"edit_failures"`
}

// Manager maps correlation tokens to status messages and applies player
// events to them. All state is owned by the Run loop.
type Manager struct {
	editor      MessageEditor
	editTimeout time.Duration
	logger      logrus.FieldLogger

	handles   chan registration
	events    chan types.PlayerEventWithToken
	snapshots chan chan map[string]types.MsgHandle

	edited    atomic.Uint64
	dropped   atomic.Uint64
	editFails atomic.Uint64
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithEditTimeout bounds each message edit
func WithEditTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.editTimeout = d
		}
	}
}

// NewManager creates a manager that edits messages through editor
func NewManager(editor MessageEditor, logger logrus.FieldLogger, opts ...ManagerOption) (*Manager, error) {
	if editor == nil {
		return nil, fmt.Errorf("message editor is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	m := &Manager{
		editor:      editor,
		editTimeout: DefaultEditTimeout,
		logger:      logger,
		handles:     make(chan registration, 16),
		events:      make(chan types.PlayerEventWithToken, 64),
		snapshots:   make(chan chan map[string]types.MsgHandle),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// RegisterHandle tells the loop which message token's events should edit
func (m *Manager) RegisterHandle(ctx context.Context, token string, handle types.MsgHandle) error {
	if token == "" {
		return fmt.Errorf("correlation token is required")
	}
	select {
	case m.handles <- registration{token: token, handle: handle}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues a player event for the loop
func (m *Manager) Submit(ctx context.Context, ev types.PlayerEventWithToken) error {
	if ev.Event == nil {
		return fmt.Errorf("player event is required")
	}
	select {
	case m.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForgetToken drops the mapping of a finished session
func (m *Manager) ForgetToken(ctx context.Context, token string) error {
	select {
	case m.handles <- registration{token: token, forget: true}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handles returns a copy of the token to message mapping, read by the loop
func (m *Manager) Handles(ctx context.Context) (map[string]types.MsgHandle, error) {
	reply := make(chan map[string]types.MsgHandle, 1)
	select {
	case m.snapshots <- reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats returns event counters
func (m *Manager) Stats() Stats {
	return Stats{
		Edited:    m.edited.Load(),
		Dropped:   m.dropped.Load(),
		EditFails: m.editFails.Load(),
	}
}

// Run is the single event loop. Registrations and events are each handled
// in arrival order; cancellation wins over pending work.
func (m *Manager) Run(ctx context.Context) error {
	mapping := make(map[string]types.MsgHandle)
	m.logger.Info("Status relay manager started")

	for {
		select {
		case <-ctx.Done():
			m.logger.WithField("tracked", len(mapping)).Info("Status relay manager stopped")
			return nil
		default:
		}

		select {
		case <-ctx.Done():
			m.logger.WithField("tracked", len(mapping)).Info("Status relay manager stopped")
			return nil

		case reg := <-m.handles:
			if reg.forget {
				delete(mapping, reg.token)
				continue
			}
			mapping[reg.token] = reg.handle
			m.logger.WithFields(logrus.Fields{
				"correlation_token": reg.token,
				"channel_id":        reg.handle.ChannelID,
				"message_id":        reg.handle.MessageID,
			}).Debug("Status message registered")

		case reply := <-m.snapshots:
			snap := make(map[string]types.MsgHandle, len(mapping))
			for k, v := range mapping {
				snap[k] = v
			}
			reply <- snap

		case ev := <-m.events:
			m.apply(ctx, mapping, ev)
		}
	}
}

func (m *Manager) apply(ctx context.Context, mapping map[string]types.MsgHandle, ev types.PlayerEventWithToken) {
	logger := m.logger.WithFields(logrus.Fields{
		"correlation_token": ev.Token,
		"event":             string(ev.Event.Type()),
	})

	handle, ok := mapping[ev.Token]
	if !ok {
		// no placeholder registered (yet); status is best effort
		m.dropped.Add(1)
		logger.Warn("Received event for unknown token")
		return
	}

	editCtx, cancel := context.WithTimeout(ctx, m.editTimeout)
	defer cancel()

	if err := m.editor.EditMessage(editCtx, handle, RenderEvent(ev.Event)); err != nil {
		m.editFails.Add(1)
		logger.WithError(err).Warn("Failed to update status message")
		return
	}
	m.edited.Add(1)
}
