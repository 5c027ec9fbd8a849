package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"spotify-remote/internal/commands"
	"spotify-remote/internal/history"
	"spotify-remote/internal/supervisor"
	"spotify-remote/internal/types"
	"spotify-remote/internal/voice"
)

const (
	maxCredsBodyBytes = 1 << 20
	maxEventBodyBytes = 64 << 10
	defaultHistory    = 20
	maxHistory        = 500
)

// CredentialStore is the pending credential registry
type CredentialStore interface {
	Insert(ctx context.Context, creds types.ForwardCreds) (bool, error)
	Len(ctx context.Context) (int, error)
}

// TokenValidator checks the per-session credential of a status post
type TokenValidator interface {
	Validate(tokenString, correlationToken string) error
}

// EventSubmitter accepts player events for the status relay
type EventSubmitter interface {
	Submit(ctx context.Context, ev types.PlayerEventWithToken) error
}

// CommandService executes operator commands
type CommandService interface {
	Play(ctx context.Context, req commands.PlayRequest) (commands.Reply, error)
	Stop(ctx context.Context, req commands.GuildRequest) (commands.Reply, error)
	Leave(ctx context.Context, req commands.GuildRequest) (commands.Reply, error)
	Sessions() []supervisor.Session
}

// HistoryReader lists recorded sessions
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Record, error)
}

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Handlers contains all HTTP handlers for the API
type Handlers struct {
	logger       *logrus.Logger
	errorHandler *ErrorHandler
	store        CredentialStore
	tokens       TokenValidator
	events       EventSubmitter
	commands     CommandService
	history      HistoryReader
	checks       map[string]HealthChecker
	wsManager    *WebSocketManager
	startTime    time.Time
	version      string
}

// NewHandlers creates a new handlers instance
func NewHandlers(deps Dependencies, logger *logrus.Logger, errorHandler *ErrorHandler, wsManager *WebSocketManager) *Handlers {
	return &Handlers{
		logger:       logger,
		errorHandler: errorHandler,
		store:        deps.Store,
		tokens:       deps.Tokens,
		events:       deps.Events,
		commands:     deps.Commands,
		history:      deps.History,
		checks:       deps.Checks,
		wsManager:    wsManager,
		startTime:    time.Now(),
		version:      deps.Version,
	}
}

// ForwardCreds handles POST /api/forward_creds
func (h *Handlers) ForwardCreds(w http.ResponseWriter, r *http.Request) {
	var creds types.ForwardCreds
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCredsBodyBytes)).Decode(&creds); err != nil {
		h.errorHandler.WriteErrorResponse(w, r, ErrorCodeInvalidJSON, "Invalid JSON in request body")
		return
	}
	if err := creds.Validate(); err != nil {
		h.errorHandler.WriteErrorResponse(w, r, ErrorCodeValidationFailed, err.Error())
		return
	}

	logger := h.logger.WithFields(logrus.Fields{
		"device_name": creds.DeviceName,
		"key":         creds.Key,
	})

	inserted, err := h.store.Insert(r.Context(), creds)
	if err != nil {
		logger.WithError(err).Error("Failed to store credentials")
		h.errorHandler.WriteErrorResponse(w, r, ErrorCodeStorageError, "Failed to store credentials")
		return
	}
	if !inserted {
		logger.Info("Rejected credentials for a key already pending")
		h.writeJSONResponse(w, keyConflictResponse{Error: "key conflict"}, http.StatusConflict)
		return
	}

	logger.Info("Received credentials")
	h.writeJSONResponse(w, ForwardCredsResponse{Key: creds.Key, Status: "stored"}, http.StatusOK)
}

// PlayerEvents handles POST /api/player_events?token=
func (h *Handlers) PlayerEvents(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		h.errorHandler.WriteErrorResponse(w, r, ErrorCodeValidationFailed, "token query parameter is required")
		return
	}

	bearer := bearerToken(r)
	if bearer == "" {
		h.errorHandler.WriteErrorResponse(w, r, ErrorCodeUnauthorized, "Authentication required")
		return
	}
	if err := h.tokens.Validate(bearer, token); err != nil {
		h.logger.WithError(err).Warn("Rejected player event with invalid session token")
		h.errorHandler.WriteErrorResponse(w, r, ErrorCodeInvalidToken, "Invalid session token")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBodyBytes))
	if err != nil {
		h.errorHandler.WriteErrorResponse(w, r, ErrorCodeInvalidJSON, "Failed to read request body")
		return
	}
	ev, err := types.UnmarshalPlayerEvent(body)
	if err != nil {
		h.errorHandler.WriteErrorResponse(w, r, ErrorCodeUnknownEvent, err.Error())
		return
	}

	if err := h.events.Submit(r.Context(), types.PlayerEventWithToken{Token: token, Event: ev}); err != nil {
		h.errorHandler.WriteErrorResponse(w, r, ErrorCodeServiceUnavailable, "Status relay is not accepting events")
		return
	}

	w.WriteHeader(http.StatusOK)
}

// HealthCheck handles GET /api/health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Sessions:  len(h.commands.Sessions()),
		Listeners: h.wsManager.GetConnectionCount(),
	}

	pending, err := h.store.Len(ctx)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to count pending credentials")
		response.Status = "degraded"
	}
	response.Pending = pending

	if len(h.checks) > 0 {
		response.Checks = make(map[string]string, len(h.checks))
		for name, checker := range h.checks {
			if err := checker.Health(ctx); err != nil {
				response.Checks[name] = err.Error()
				response.Status = "degraded"
				continue
			}
			response.Checks[name] = "ok"
		}
	}

	statusCode := http.StatusOK
	if response.Status != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}
	h.writeJSONResponse(w, response, statusCode)
}

// ListSessions handles GET /api/sessions
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.commands.Sessions()
	if sessions == nil {
		sessions = []supervisor.Session{}
	}
	h.writeJSONResponse(w, SessionsResponse{
		Sessions:  sessions,
		Count:     len(sessions),
		Timestamp: time.Now().UTC(),
	}, http.StatusOK)
}

// ListHistory handles GET /api/history?limit=
func (h *Handlers) ListHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.errorHandler.WriteErrorResponse(w, r, ErrorCodeServiceUnavailable, "Session history is disabled")
		return
	}

	limit := defaultHistory
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxHistory {
			h.errorHandler.WriteErrorResponse(w, r, ErrorCodeValidationFailed, "limit must be between 1 and 500")
			return
		}
		limit = parsed
	}

	records, err := h.history.Recent(r.Context(), limit)
	if err != nil {
		h.logger.WithError(err).Error("Failed to read session history")
		h.errorHandler.WriteErrorResponse(w, r, ErrorCodeStorageError, "Failed to read session history")
		return
	}

	entries := make([]HistoryEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, newHistoryEntry(rec))
	}
	h.writeJSONResponse(w, HistoryResponse{Sessions: entries, Count: len(entries)}, http.StatusOK)
}

// Play handles POST /api/commands/play
func (h *Handlers) Play(w http.ResponseWriter, r *http.Request) {
	var req commands.PlayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorHandler.WriteErrorResponse(w, r, ErrorCodeInvalidJSON, "Invalid JSON in request body")
		return
	}
	if req.Key == "" {
		h.errorHandler.WriteErrorResponse(w, r, ErrorCodeValidationFailed, "key is required")
		return
	}

	reply, err := h.commands.Play(r.Context(), req)
	if err != nil {
		h.writeCommandError(w, r, err)
		return
	}
	h.writeJSONResponse(w, reply, http.StatusOK)
}

// Stop handles POST /api/commands/stop
func (h *Handlers) Stop(w http.ResponseWriter, r *http.Request) {
	h.guildCommand(w, r, h.commands.Stop)
}

// Leave handles POST /api/commands/leave
func (h *Handlers) Leave(w http.ResponseWriter, r *http.Request) {
	h.guildCommand(w, r, h.commands.Leave)
}

func (h *Handlers) guildCommand(w http.ResponseWriter, r *http.Request, run func(context.Context, commands.GuildRequest) (commands.Reply, error)) {
	var req commands.GuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorHandler.WriteErrorResponse(w, r, ErrorCodeInvalidJSON, "Invalid JSON in request body")
		return
	}

	reply, err := run(r.Context(), req)
	if err != nil {
		h.writeCommandError(w, r, err)
		return
	}
	h.writeJSONResponse(w, reply, http.StatusOK)
}

// writeCommandError maps a failed command to an error response
func (h *Handlers) writeCommandError(w http.ResponseWriter, r *http.Request, err error) {
	var spawnErr *supervisor.SpawnError
	switch {
	case errors.As(err, &spawnErr):
		h.errorHandler.WriteErrorResponse(w, r, ErrorCodeSpawnFailed, err.Error())
	case errors.Is(err, supervisor.ErrShuttingDown):
		h.errorHandler.WriteErrorResponse(w, r, ErrorCodeServiceUnavailable, err.Error())
	default:
		h.errorHandler.WriteErrorResponse(w, r, ErrorCodeInternalError, err.Error())
	}
}

// StatusWebSocket handles GET /api/status/ws
func (h *Handlers) StatusWebSocket(w http.ResponseWriter, r *http.Request) {
	if err := h.wsManager.HandleWebSocketConnection(w, r, StatusTopic); err != nil {
		h.logger.WithError(err).Debug("Status WebSocket connection rejected")
	}
}

// VoiceWebSocket handles GET /api/voice/{guild}/ws
func (h *Handlers) VoiceWebSocket(w http.ResponseWriter, r *http.Request) {
	guild := mux.Vars(r)["guild"]
	if err := h.wsManager.HandleWebSocketConnection(w, r, voice.Topic(guild)); err != nil {
		h.logger.WithError(err).WithField("guild_id", guild).Debug("Voice WebSocket connection rejected")
	}
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
