package api

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// requestIDFrom returns the id assigned by the logging middleware
func requestIDFrom(r *http.Request) string {
	if r == nil {
		return ""
	}
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// RequestLogger logs every request with structured fields
type RequestLogger struct {
	logger *logrus.Logger
}

// NewRequestLogger creates a new request logger
func NewRequestLogger(logger *logrus.Logger) *RequestLogger {
	return &RequestLogger{logger: logger}
}

// LoggingResponseWriter wraps http.ResponseWriter to capture response data
type LoggingResponseWriter struct {
	http.ResponseWriter
	statusCode   int
	responseSize int64
}

// NewLoggingResponseWriter creates a new logging response writer
func NewLoggingResponseWriter(w http.ResponseWriter) *LoggingResponseWriter {
	return &LoggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (lrw *LoggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *LoggingResponseWriter) Write(b []byte) (int, error) {
	size, err := lrw.ResponseWriter.Write(b)
	lrw.responseSize += int64(size)
	return size, err
}

// Hijack lets websocket upgrades pass through the wrapper
func (lrw *LoggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := lrw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("ResponseWriter does not support hijacking")
}

// RequestMetrics holds metrics about a request
type RequestMetrics struct {
	RequestID    string        `json:"request_id"`
	Method       string        `json:"method"`
	Path         string        `json:"path"`
	StatusCode   int           `json:"status_code"`
	ResponseSize int64         `json:"response_size"`
	Duration     time.Duration `json:"duration"`
	ClientIP     string        `json:"client_ip"`
	UserAgent    string        `json:"user_agent"`
	RequestSize  int64         `json:"request_size"`
	AuthMethod   string        `json:"auth_method,omitempty"`
}

// StructuredLoggingMiddleware assigns a request id and logs the outcome
func (rl *RequestLogger) StructuredLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		requestID := uuid.NewString()

		r = r.WithContext(context.WithValue(r.Context(), requestIDKey, requestID))

		lrw := NewLoggingResponseWriter(w)
		lrw.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(lrw, r)

		var requestSize int64
		if r.ContentLength > 0 {
			requestSize = r.ContentLength
		}

		rl.logRequest(RequestMetrics{
			RequestID:    requestID,
			Method:       r.Method,
			Path:         r.URL.Path,
			StatusCode:   lrw.statusCode,
			ResponseSize: lrw.responseSize,
			Duration:     time.Since(startTime),
			ClientIP:     getClientIP(r),
			UserAgent:    r.UserAgent(),
			RequestSize:  requestSize,
			AuthMethod:   getAuthMethod(r),
		})
	})
}

// logRequest logs the request with a level derived from status and duration.
// Query strings are never logged; they carry correlation tokens.
func (rl *RequestLogger) logRequest(metrics RequestMetrics) {
	logLevel := logrus.InfoLevel
	switch {
	case metrics.StatusCode >= 500:
		logLevel = logrus.ErrorLevel
	case metrics.StatusCode >= 400:
		logLevel = logrus.WarnLevel
	case metrics.Duration > 5*time.Second:
		logLevel = logrus.WarnLevel
	case metrics.Path == "/api/health":
		logLevel = logrus.DebugLevel
	}

	entry := rl.logger.WithFields(logrus.Fields{
		"request_id":    metrics.RequestID,
		"method":        metrics.Method,
		"path":          metrics.Path,
		"status_code":   metrics.StatusCode,
		"duration_ms":   metrics.Duration.Milliseconds(),
		"response_size": metrics.ResponseSize,
		"client_ip":     metrics.ClientIP,
		"user_agent":    metrics.UserAgent,
	})
	if metrics.AuthMethod != "" {
		entry = entry.WithField("auth_method", metrics.AuthMethod)
	}
	if metrics.RequestSize > 0 {
		entry = entry.WithField("request_size", metrics.RequestSize)
	}

	entry.Log(logLevel, fmt.Sprintf("%s %s %d %dms",
		metrics.Method,
		metrics.Path,
		metrics.StatusCode,
		metrics.Duration.Milliseconds()))
}

// getAuthMethod extracts authentication method from request
func getAuthMethod(r *http.Request) string {
	if r.Header.Get("X-API-Key") != "" {
		return "api_key"
	}
	if strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		return "bearer"
	}
	return ""
}

// getClientIP extracts the client IP, honoring proxy headers
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
