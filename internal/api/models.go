package api

import (
	"net/http"
	"time"

	"spotify-remote/internal/history"
	"spotify-remote/internal/supervisor"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"requestId,omitempty"`
	Path      string    `json:"path,omitempty"`
	Method    string    `json:"method,omitempty"`
	Status    int       `json:"status"`
}

// ErrorCode represents standardized error codes
type ErrorCode string

const (
	// Authentication Errors
	ErrorCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrorCodeInvalidToken ErrorCode = "INVALID_TOKEN"

	// Validation Errors
	ErrorCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrorCodeInvalidJSON      ErrorCode = "INVALID_JSON"
	ErrorCodeUnknownEvent     ErrorCode = "UNKNOWN_EVENT"

	// Resource Errors
	ErrorCodeNotFound    ErrorCode = "NOT_FOUND"
	ErrorCodeKeyConflict ErrorCode = "KEY_CONFLICT"

	// Service Errors
	ErrorCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrorCodeInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrorCodeSpawnFailed        ErrorCode = "SPAWN_FAILED"
	ErrorCodeStorageError       ErrorCode = "STORAGE_ERROR"
)

// HTTPStatusMapping maps error codes to HTTP status codes
var HTTPStatusMapping = map[ErrorCode]int{
	ErrorCodeValidationFailed: http.StatusBadRequest,
	ErrorCodeInvalidJSON:      http.StatusBadRequest,
	ErrorCodeUnknownEvent:     http.StatusBadRequest,

	ErrorCodeUnauthorized: http.StatusUnauthorized,
	ErrorCodeInvalidToken: http.StatusUnauthorized,

	ErrorCodeNotFound:    http.StatusNotFound,
	ErrorCodeKeyConflict: http.StatusConflict,

	ErrorCodeInternalError: http.StatusInternalServerError,
	ErrorCodeSpawnFailed:   http.StatusInternalServerError,
	ErrorCodeStorageError:  http.StatusInternalServerError,

	ErrorCodeServiceUnavailable: http.StatusServiceUnavailable,
}

// GetHTTPStatus returns the appropriate HTTP status code for an error code
func (ec ErrorCode) GetHTTPStatus() int {
	if status, exists := HTTPStatusMapping[ec]; exists {
		return status
	}
	return http.StatusInternalServerError
}

// NewErrorResponse creates a standardized error response
func NewErrorResponse(code ErrorCode, message string, r *http.Request, requestID string) *ErrorResponse {
	response := &ErrorResponse{
		Error:     "true",
		Code:      string(code),
		Message:   message,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
		Status:    code.GetHTTPStatus(),
	}

	if r != nil {
		response.Path = r.URL.Path
		response.Method = r.Method
	}

	return response
}

// keyConflictResponse is the body the relay client recognizes on 409
type keyConflictResponse struct {
	Error string `json:"error"`
}

// ForwardCredsResponse acknowledges a stored bundle
type ForwardCredsResponse struct {
	Key    string `json:"key"`
	Status string `json:"status"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Pending   int               `json:"pending"`
	Sessions  int               `json:"sessions"`
	Listeners int               `json:"listeners"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// SessionsResponse lists running playback sessions
type SessionsResponse struct {
	Sessions  []supervisor.Session `json:"sessions"`
	Count     int                  `json:"count"`
	Timestamp time.Time            `json:"timestamp"`
}

// HistoryEntry is one finished or running session from the audit trail
type HistoryEntry struct {
	CorrelationToken string     `json:"correlation_token"`
	Key              string     `json:"key"`
	GuildID          string     `json:"guild_id"`
	DeviceName       string     `json:"device_name"`
	PlayerPid        int        `json:"player_pid"`
	ResamplerPid     int        `json:"resampler_pid"`
	StartedAt        time.Time  `json:"started_at"`
	ChannelID        string     `json:"channel_id,omitempty"`
	MessageID        string     `json:"message_id,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	ShutdownStage    string     `json:"shutdown_stage,omitempty"`
}

// HistoryResponse lists recent sessions
type HistoryResponse struct {
	Sessions []HistoryEntry `json:"sessions"`
	Count    int            `json:"count"`
}

func newHistoryEntry(rec history.Record) HistoryEntry {
	return HistoryEntry{
		CorrelationToken: rec.CorrelationToken,
		Key:              rec.Key,
		GuildID:          rec.GuildID,
		DeviceName:       rec.DeviceName,
		PlayerPid:        rec.PlayerPid,
		ResamplerPid:     rec.ResamplerPid,
		StartedAt:        rec.StartedAt,
		ChannelID:        rec.Handle.ChannelID,
		MessageID:        rec.Handle.MessageID,
		EndedAt:          rec.EndedAt,
		ShutdownStage:    rec.ShutdownStage,
	}
}
