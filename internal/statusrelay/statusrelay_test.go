package statusrelay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotify-remote/internal/client"
	"spotify-remote/internal/logging"
	"spotify-remote/internal/types"
)

var fooTrack = types.TrackInfo{Name: "Foo", Artists: []string{"A", "B"}, Album: "X"}

func TestRenderEvent(t *testing.T) {
	playing := RenderEvent(types.Playing{Track: fooTrack})
	paused := RenderEvent(types.Paused{Track: fooTrack})
	stopped := RenderEvent(types.Stopped{})

	for _, want := range []string{"Foo", "A, B", "X"} {
		assert.Contains(t, playing, want)
		assert.Contains(t, paused, want)
	}
	assert.Equal(t, "▶️ Foo - A, B - X", playing)

	glyph := func(s string) string { return strings.Fields(s)[0] }
	assert.NotEqual(t, glyph(playing), glyph(paused))
	assert.NotEqual(t, glyph(playing), glyph(stopped))
	assert.NotEqual(t, glyph(paused), glyph(stopped))
}

type edit struct {
	handle  types.MsgHandle
	content string
}

type fakeEditor struct {
	mu    sync.Mutex
	edits []edit
	fail  error
	seen  chan struct{}
}

func newFakeEditor() *fakeEditor {
	return &fakeEditor{seen: make(chan struct{}, 16)}
}

func (e *fakeEditor) EditMessage(_ context.Context, handle types.MsgHandle, content string) error {
	e.mu.Lock()
	defer func() {
		e.mu.Unlock()
		e.seen <- struct{}{}
	}()
	if e.fail != nil {
		return e.fail
	}
	e.edits = append(e.edits, edit{handle, content})
	return nil
}

func (e *fakeEditor) all() []edit {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]edit(nil), e.edits...)
}

type runningManager struct {
	*Manager
	cancel   context.CancelFunc
	finished chan struct{}
	err      error
}

func startManager(t *testing.T, editor MessageEditor) *runningManager {
	t.Helper()
	m, err := NewManager(editor, logging.NewTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	rm := &runningManager{Manager: m, cancel: cancel, finished: make(chan struct{})}
	go func() {
		rm.err = m.Run(ctx)
		close(rm.finished)
	}()
	t.Cleanup(func() {
		cancel()
		<-rm.finished
	})
	return rm
}

// waitRegistered blocks until the loop has applied a registration; the
// registration and event channels are not ordered relative to each other
func waitRegistered(t *testing.T, m *runningManager, token string) {
	t.Helper()
	require.Eventually(t, func() bool {
		handles, err := m.Handles(context.Background())
		require.NoError(t, err)
		_, ok := handles[token]
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestManagerEditsRegisteredHandle(t *testing.T) {
	ctx := context.Background()
	editor := newFakeEditor()
	m := startManager(t, editor)

	handle := types.MsgHandle{ChannelID: "c1", MessageID: "m1"}
	require.NoError(t, m.RegisterHandle(ctx, "tok", handle))
	waitRegistered(t, m, "tok")
	require.NoError(t, m.Submit(ctx, types.PlayerEventWithToken{Token: "tok", Event: types.Playing{Track: fooTrack}}))
	require.NoError(t, m.Submit(ctx, types.PlayerEventWithToken{Token: "tok", Event: types.Stopped{}}))

	require.Eventually(t, func() bool { return m.Stats().Edited == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []edit{
		{handle, "▶️ Foo - A, B - X"},
		{handle, "⏹️"},
	}, editor.all(), "events for one token are applied in order")
}

func TestManagerDropsUnknownToken(t *testing.T) {
	ctx := context.Background()
	editor := newFakeEditor()
	m := startManager(t, editor)

	require.NoError(t, m.RegisterHandle(ctx, "known", types.MsgHandle{ChannelID: "c", MessageID: "m"}))
	waitRegistered(t, m, "known")
	before, err := m.Handles(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Submit(ctx, types.PlayerEventWithToken{Token: "stranger", Event: types.Paused{Track: fooTrack}}))

	require.Eventually(t, func() bool { return m.Stats().Dropped == 1 }, time.Second, 5*time.Millisecond)
	after, err := m.Handles(ctx)
	require.NoError(t, err)

	assert.Equal(t, before, after)
	assert.Empty(t, editor.all())
}

func TestManagerContinuesAfterEditFailure(t *testing.T) {
	ctx := context.Background()
	editor := newFakeEditor()
	editor.fail = errors.New("message deleted")
	m := startManager(t, editor)

	require.NoError(t, m.RegisterHandle(ctx, "tok", types.MsgHandle{ChannelID: "c", MessageID: "m"}))
	waitRegistered(t, m, "tok")
	require.NoError(t, m.Submit(ctx, types.PlayerEventWithToken{Token: "tok", Event: types.Stopped{}}))
	<-editor.seen

	editor.mu.Lock()
	editor.fail = nil
	editor.mu.Unlock()

	require.NoError(t, m.Submit(ctx, types.PlayerEventWithToken{Token: "tok", Event: types.Stopped{}}))
	require.Eventually(t, func() bool { return m.Stats().Edited == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), m.Stats().EditFails)
}

type stallingEditor struct{}

func (stallingEditor) EditMessage(ctx context.Context, _ types.MsgHandle, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestManagerEditTimeout(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(stallingEditor{}, logging.NewTestLogger(), WithEditTimeout(20*time.Millisecond))
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- m.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, m.RegisterHandle(ctx, "tok", types.MsgHandle{ChannelID: "c", MessageID: "m"}))
	require.Eventually(t, func() bool {
		handles, err := m.Handles(ctx)
		require.NoError(t, err)
		return len(handles) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Submit(ctx, types.PlayerEventWithToken{Token: "tok", Event: types.Stopped{}}))
	require.NoError(t, m.Submit(ctx, types.PlayerEventWithToken{Token: "tok", Event: types.Stopped{}}))

	// a stalled edit must not hold up the loop past its deadline
	require.Eventually(t, func() bool { return m.Stats().EditFails == 2 }, time.Second, 5*time.Millisecond)
}

func TestManagerForgetToken(t *testing.T) {
	ctx := context.Background()
	m := startManager(t, newFakeEditor())

	require.NoError(t, m.RegisterHandle(ctx, "tok", types.MsgHandle{ChannelID: "c", MessageID: "m"}))
	waitRegistered(t, m, "tok")
	require.NoError(t, m.ForgetToken(ctx, "tok"))

	require.Eventually(t, func() bool {
		handles, err := m.Handles(ctx)
		require.NoError(t, err)
		return len(handles) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestManagerForgetNeverOvertakesRegistration(t *testing.T) {
	ctx := context.Background()
	m := startManager(t, newFakeEditor())

	require.NoError(t, m.RegisterHandle(ctx, "ended", types.MsgHandle{ChannelID: "c", MessageID: "m1"}))
	require.NoError(t, m.ForgetToken(ctx, "ended"))
	require.NoError(t, m.RegisterHandle(ctx, "live", types.MsgHandle{ChannelID: "c", MessageID: "m2"}))
	waitRegistered(t, m, "live")

	handles, err := m.Handles(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]types.MsgHandle{"live": {ChannelID: "c", MessageID: "m2"}}, handles)
}

func TestManagerStopsOnCancel(t *testing.T) {
	m := startManager(t, newFakeEditor())
	m.cancel()

	select {
	case <-m.finished:
		assert.NoError(t, m.err)
	case <-time.After(time.Second):
		t.Fatal("manager did not stop")
	}

	// nothing drains the loop anymore; callers give up with their context
	ctx, stop := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer stop()
	_, err := m.Handles(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManagerValidation(t *testing.T) {
	_, err := NewManager(nil, logging.NewTestLogger())
	assert.Error(t, err)

	m, err := NewManager(newFakeEditor(), logging.NewTestLogger())
	require.NoError(t, err)
	assert.Error(t, m.RegisterHandle(context.Background(), "", types.MsgHandle{}))
	assert.Error(t, m.Submit(context.Background(), types.PlayerEventWithToken{Token: "t"}))
}

func TestPublisher(t *testing.T) {
	var gotAuth, gotToken, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotToken = r.URL.Query().Get("token")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		if gotToken == "reject" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c, err := client.NewHTTPClient(&client.ClientConfig{BaseURL: server.URL}, logging.NewTestLogger())
	require.NoError(t, err)

	pub, err := NewPublisher(c, "corr-1", "jwt-1", logging.NewTestLogger())
	require.NoError(t, err)

	require.NoError(t, pub.Publish(context.Background(), types.Playing{Track: fooTrack}))
	assert.Equal(t, "Bearer jwt-1", gotAuth)
	assert.Equal(t, "corr-1", gotToken)
	assert.JSONEq(t, `{"type":"Playing","name":"Foo","artists":["A","B"],"album":"X"}`, gotBody)

	rejected, err := NewPublisher(c, "reject", "jwt-1", logging.NewTestLogger())
	require.NoError(t, err)
	err = rejected.Publish(context.Background(), types.Stopped{})
	var statusErr *client.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)

	_, err = NewPublisher(c, "", "x", logging.NewTestLogger())
	assert.Error(t, err)
}
