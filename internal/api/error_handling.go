package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"spotify-remote/internal/logging"
)

// ErrorHandler writes structured error responses and recovers panics
type ErrorHandler struct {
	logger *logrus.Logger
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// WriteErrorResponse writes a standardized error response
func (eh *ErrorHandler) WriteErrorResponse(w http.ResponseWriter, r *http.Request, code ErrorCode, message string) {
	requestID := requestIDFrom(r)
	errorResponse := NewErrorResponse(code, message, r, requestID)

	entry := eh.logger.WithFields(logrus.Fields{
		"error_code":  code,
		"message":     message,
		"status_code": errorResponse.Status,
		"path":        errorResponse.Path,
		"method":      errorResponse.Method,
		"request_id":  requestID,
		"client_ip":   getClientIP(r),
	})
	if errorResponse.Status >= http.StatusInternalServerError {
		entry.Error("API error response")
	} else {
		entry.Debug("API error response")
	}

	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.WriteHeader(errorResponse.Status)

	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		eh.logger.WithError(err).Error("Failed to encode error response")
	}
}

// RecoveryMiddleware provides panic recovery with structured logging
func (eh *ErrorHandler) RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				eh.logger.WithFields(logrus.Fields{
					"stack":      string(debug.Stack()),
					"path":       r.URL.Path,
					"method":     r.Method,
					"request_id": requestIDFrom(r),
					"client_ip":  getClientIP(r),
				}).Error("Panic recovered in HTTP handler")

				logging.LogStructuredError(eh.logger, logging.NewStructuredError(
					fmt.Errorf("panic in HTTP handler: %v", rec),
					logging.ErrorContext{
						Category:    logging.ErrorCategoryService,
						Severity:    logging.ErrorSeverityCritical,
						Component:   "api_server",
						Operation:   "request_handling",
						Recoverable: false,
						Metadata: map[string]interface{}{
							"path":   r.URL.Path,
							"method": r.Method,
						},
					},
				))

				eh.WriteErrorResponse(w, r, ErrorCodeInternalError, "Internal Server Error")
			}
		}()

		next.ServeHTTP(w, r)
	})
}
