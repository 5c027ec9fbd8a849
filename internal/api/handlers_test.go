package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotify-remote/internal/auth"
	"spotify-remote/internal/commands"
	"spotify-remote/internal/history"
	"spotify-remote/internal/logging"
	"spotify-remote/internal/registry"
	"spotify-remote/internal/supervisor"
	"spotify-remote/internal/types"
)

type failingStore struct{}

func (failingStore) Insert(context.Context, types.ForwardCreds) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func (failingStore) Len(context.Context) (int, error) {
	return 0, errors.New("redis: connection refused")
}

type recordingSubmitter struct {
	mu     sync.Mutex
	events []types.PlayerEventWithToken
	err    error
}

func (s *recordingSubmitter) Submit(_ context.Context, ev types.PlayerEventWithToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

type fakeCommands struct {
	mu       sync.Mutex
	plays    []commands.PlayRequest
	stops    []commands.GuildRequest
	leaves   []commands.GuildRequest
	playErr  error
	sessions []supervisor.Session
}

func (c *fakeCommands) Play(_ context.Context, req commands.PlayRequest) (commands.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plays = append(c.plays, req)
	if c.playErr != nil {
		return commands.Reply{Content: c.playErr.Error()}, c.playErr
	}
	return commands.Reply{ChannelID: req.ChannelID, Content: commands.ReplyPlaying, CorrelationToken: "corr-1"}, nil
}

func (c *fakeCommands) Stop(_ context.Context, req commands.GuildRequest) (commands.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops = append(c.stops, req)
	return commands.Reply{Content: commands.ReplyStopped, Stopped: 1}, nil
}

func (c *fakeCommands) Leave(_ context.Context, req commands.GuildRequest) (commands.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaves = append(c.leaves, req)
	return commands.Reply{Content: commands.ReplyLeft}, nil
}

func (c *fakeCommands) Sessions() []supervisor.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions
}

type fakeHistory struct {
	records []history.Record
	limit   int
}

func (h *fakeHistory) Recent(_ context.Context, limit int) ([]history.Record, error) {
	h.limit = limit
	return h.records, nil
}

type checkFunc func(context.Context) error

func (f checkFunc) Health(ctx context.Context) error { return f(ctx) }

type harness struct {
	server   *Server
	store    *registry.MemoryStore
	tokens   *auth.SessionTokens
	events   *recordingSubmitter
	commands *fakeCommands
	history  *fakeHistory
}

func newHarness(t *testing.T, apiKeys ...string) *harness {
	t.Helper()

	tokens, err := auth.NewSessionTokens([]byte("0123456789abcdef0123456789abcdef"), time.Hour)
	require.NoError(t, err)

	h := &harness{
		store:    registry.NewMemoryStore(),
		tokens:   tokens,
		events:   &recordingSubmitter{},
		commands: &fakeCommands{},
		history:  &fakeHistory{},
	}

	cfg := DefaultServerConfig()
	cfg.APIKeys = apiKeys
	h.server, err = NewServer(cfg, Dependencies{
		Store:    h.store,
		Tokens:   h.tokens,
		Events:   h.events,
		Commands: h.commands,
		History:  h.history,
		Version:  "test",
	}, nil, logging.NewTestLogger())
	require.NoError(t, err)
	return h
}

func (h *harness) do(t *testing.T, method, target string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func validCreds(key string) types.ForwardCreds {
	return types.ForwardCreds{
		DeviceName: "danube",
		Key:        key,
		Creds:      types.CredentialBundle{Username: "alice", AuthType: 1, AuthData: []byte("secret-blob")},
	}
}

func TestForwardCreds(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/forward_creds", validCreds("abc12"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ForwardCredsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "abc12", resp.Key)
	assert.Equal(t, "stored", resp.Status)

	pending, err := h.store.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestForwardCredsDuplicateKeepsOriginal(t *testing.T) {
	h := newHarness(t)

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/forward_creds", validCreds("dup"), nil).Code)

	second := validCreds("dup")
	second.DeviceName = "intruder"
	rec := h.do(t, http.MethodPost, "/api/forward_creds", second, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t, `{"error":"key conflict"}`, rec.Body.String())

	stored, err := h.store.Take(context.Background(), "dup")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "danube", stored.DeviceName)
}

func TestForwardCredsRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body interface{}
		code string
	}{
		{name: "malformed json", body: `{"key":`, code: string(ErrorCodeInvalidJSON)},
		{name: "missing key", body: validCreds(""), code: string(ErrorCodeValidationFailed)},
		{name: "missing device", body: types.ForwardCreds{Key: "k", Creds: types.CredentialBundle{AuthData: []byte("x")}}, code: string(ErrorCodeValidationFailed)},
		{name: "empty bundle", body: types.ForwardCreds{Key: "k", DeviceName: "d"}, code: string(ErrorCodeValidationFailed)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			rec := h.do(t, http.MethodPost, "/api/forward_creds", tt.body, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.RequestID)
		})
	}
}

func TestForwardCredsStorageFailure(t *testing.T) {
	h := newHarness(t)
	h.server.handlers.store = failingStore{}

	rec := h.do(t, http.MethodPost, "/api/forward_creds", validCreds("k"), nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret-blob")
}

func TestPlayerEvents(t *testing.T) {
	h := newHarness(t)
	jwt, err := h.tokens.Issue("corr-1")
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/api/player_events?token=corr-1",
		`{"type":"Playing","name":"Song","artists":["A"],"album":"Alb"}`,
		map[string]string{"Authorization": "Bearer " + jwt})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, h.events.events, 1)
	got := h.events.events[0]
	assert.Equal(t, "corr-1", got.Token)
	assert.Equal(t, types.Playing{Track: types.TrackInfo{Name: "Song", Artists: []string{"A"}, Album: "Alb"}}, got.Event)
}

func TestPlayerEventsRejected(t *testing.T) {
	h := newHarness(t)
	jwt, err := h.tokens.Issue("corr-1")
	require.NoError(t, err)
	other, err := h.tokens.Issue("corr-2")
	require.NoError(t, err)

	tests := []struct {
		name   string
		target string
		auth   string
		body   string
		status int
	}{
		{name: "missing token", target: "/api/player_events", auth: jwt, body: `{"type":"Stopped"}`, status: http.StatusBadRequest},
		{name: "missing bearer", target: "/api/player_events?token=corr-1", body: `{"type":"Stopped"}`, status: http.StatusUnauthorized},
		{name: "garbage bearer", target: "/api/player_events?token=corr-1", auth: "not-a-jwt", body: `{"type":"Stopped"}`, status: http.StatusUnauthorized},
		{name: "token for another session", target: "/api/player_events?token=corr-1", auth: other, body: `{"type":"Stopped"}`, status: http.StatusUnauthorized},
		{name: "unknown event type", target: "/api/player_events?token=corr-1", auth: jwt, body: `{"type":"Rewound"}`, status: http.StatusBadRequest},
		{name: "malformed body", target: "/api/player_events?token=corr-1", auth: jwt, body: `{"type":`, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.auth != "" {
				headers["Authorization"] = "Bearer " + tt.auth
			}
			rec := h.do(t, http.MethodPost, tt.target, tt.body, headers)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
	assert.Empty(t, h.events.events)
}

func TestPlayerEventsRelayClosed(t *testing.T) {
	h := newHarness(t)
	h.events.err = context.Canceled
	jwt, err := h.tokens.Issue("corr-1")
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/api/player_events?token=corr-1", `{"type":"Stopped"}`,
		map[string]string{"Authorization": "Bearer " + jwt})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthCheck(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.Insert(context.Background(), validCreds("k1"))
	require.NoError(t, err)
	h.commands.sessions = []supervisor.Session{{CorrelationToken: "c1"}}

	rec := h.do(t, http.MethodGet, "/api/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, 1, resp.Pending)
	assert.Equal(t, 1, resp.Sessions)
	assert.Equal(t, "test", resp.Version)
}

func TestHealthCheckDegraded(t *testing.T) {
	h := newHarness(t)
	h.server.handlers.checks = map[string]HealthChecker{
		"history": checkFunc(func(context.Context) error { return errors.New("database is locked") }),
	}

	rec := h.do(t, http.MethodGet, "/api/health", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "database is locked", resp.Checks["history"])
}

func TestCommands(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/commands/play",
		commands.PlayRequest{GuildID: "g1", ChannelID: "c1", VoiceChannelID: "v1", Key: "abc"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var reply commands.Reply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Equal(t, commands.ReplyPlaying, reply.Content)
	assert.Equal(t, "corr-1", reply.CorrelationToken)

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/commands/stop", commands.GuildRequest{GuildID: "g1"}, nil).Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/commands/leave", commands.GuildRequest{GuildID: "g1"}, nil).Code)

	assert.Len(t, h.commands.plays, 1)
	assert.Equal(t, []commands.GuildRequest{{GuildID: "g1"}}, h.commands.stops)
	assert.Equal(t, []commands.GuildRequest{{GuildID: "g1"}}, h.commands.leaves)
}

func TestPlayCommandErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   interface{}
		err    error
		status int
		code   ErrorCode
	}{
		{name: "missing key", body: commands.PlayRequest{GuildID: "g1"}, status: http.StatusBadRequest, code: ErrorCodeValidationFailed},
		{name: "bad json", body: `nope`, status: http.StatusBadRequest, code: ErrorCodeInvalidJSON},
		{name: "spawn failure", body: commands.PlayRequest{Key: "k"}, err: &supervisor.SpawnError{Process: "player", Err: errors.New("exec: not found")}, status: http.StatusInternalServerError, code: ErrorCodeSpawnFailed},
		{name: "shutting down", body: commands.PlayRequest{Key: "k"}, err: supervisor.ErrShuttingDown, status: http.StatusServiceUnavailable, code: ErrorCodeServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.commands.playErr = tt.err

			rec := h.do(t, http.MethodPost, "/api/commands/play", tt.body, nil)
			require.Equal(t, tt.status, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, string(tt.code), resp.Code)
		})
	}
}

func TestListSessions(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/sessions", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sessions":[]`)

	h.commands.sessions = []supervisor.Session{{CorrelationToken: "c1", Key: "k", GuildID: "g1", PlayerAlive: true}}
	rec = h.do(t, http.MethodGet, "/api/sessions", nil, nil)

	var resp SessionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "c1", resp.Sessions[0].CorrelationToken)
	assert.True(t, resp.Sessions[0].PlayerAlive)
}

func TestListHistory(t *testing.T) {
	h := newHarness(t)
	ended := time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)
	h.history.records = []history.Record{{
		CorrelationToken: "c1",
		Key:              "k",
		GuildID:          "g1",
		StartedAt:        time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Handle:           types.MsgHandle{ChannelID: "ch", MessageID: "m1"},
		EndedAt:          &ended,
		ShutdownStage:    "usr1",
	}}

	rec := h.do(t, http.MethodGet, "/api/history?limit=5", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, h.history.limit)

	var resp HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "m1", resp.Sessions[0].MessageID)
	assert.Equal(t, "usr1", resp.Sessions[0].ShutdownStage)

	for _, bad := range []string{"0", "-1", "abc", "501"} {
		rec := h.do(t, http.MethodGet, "/api/history?limit="+bad, nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", bad)
	}
}

func TestListHistoryDisabled(t *testing.T) {
	h := newHarness(t)
	h.server.handlers.history = nil

	rec := h.do(t, http.MethodGet, "/api/history", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json"))
}
