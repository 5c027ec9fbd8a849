package logging

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorCategory represents different categories of errors for classification
type ErrorCategory string

const (
	// Key already registered; retried by the relay client
	ErrorCategoryCollision ErrorCategory = "collision"
	// Key unknown when a playback command resolves it
	ErrorCategoryNotFound ErrorCategory = "not_found"
	// Child process could not be created
	ErrorCategorySpawn ErrorCategory = "spawn"
	// Network call to the relay or status endpoint failed
	ErrorCategoryTransport ErrorCategory = "transport"
	// Child ignored graceful signals and had to be killed
	ErrorCategoryProcess ErrorCategory = "process"
	// Authentication/Security errors
	ErrorCategorySecurity ErrorCategory = "security"
	// Database/Storage errors
	ErrorCategoryStorage ErrorCategory = "storage"
	// Configuration errors
	ErrorCategoryConfig ErrorCategory = "config"
	// Service/Application errors
	ErrorCategoryService ErrorCategory = "service"
	// Unknown/Uncategorized errors
	ErrorCategoryUnknown ErrorCategory = "unknown"
)

// ErrorSeverity represents the severity level of an error
type ErrorSeverity string

const (
	ErrorSeverityCritical ErrorSeverity = "critical"
	ErrorSeverityHigh     ErrorSeverity = "high"
	ErrorSeverityMedium   ErrorSeverity = "medium"
	ErrorSeverityLow      ErrorSeverity = "low"
	ErrorSeverityInfo     ErrorSeverity = "info"
)

// ErrorContext provides additional context for error logging
type ErrorContext struct {
	Category         ErrorCategory          `json:"category"`
	Severity         ErrorSeverity          `json:"severity"`
	Component        string                 `json:"component"`
	Operation        string                 `json:"operation"`
	Key              string                 `json:"key,omitempty"`
	CorrelationToken string                 `json:"correlation_token,omitempty"`
	Recoverable      bool                   `json:"recoverable"`
	RetryCount       int                    `json:"retry_count,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// StructuredError represents a structured error with context
type StructuredError struct {
	Err       error        `json:"error"`
	Context   ErrorContext `json:"context"`
	Timestamp time.Time    `json:"timestamp"`
	Stack     string       `json:"stack,omitempty"`
}

// Error implements the error interface
func (se *StructuredError) Error() string {
	if se.Err != nil {
		return se.Err.Error()
	}
	return "unknown error"
}

// Unwrap returns the underlying error
func (se *StructuredError) Unwrap() error {
	return se.Err
}

// NewStructuredError creates a new structured error with context
func NewStructuredError(err error, context ErrorContext) *StructuredError {
	structuredErr := &StructuredError{
		Err:       err,
		Context:   context,
		Timestamp: time.Now(),
	}

	// Capture stack trace for critical errors
	if context.Severity == ErrorSeverityCritical {
		structuredErr.Stack = captureStackTrace()
	}

	return structuredErr
}

// LogStructuredError logs a structured error with appropriate level and context
func LogStructuredError(logger logrus.FieldLogger, structuredErr *StructuredError) {
	if logger == nil || structuredErr == nil {
		return
	}

	entry := logger.WithFields(logrus.Fields{
		"error_category": structuredErr.Context.Category,
		"error_severity": structuredErr.Context.Severity,
		"component":      structuredErr.Context.Component,
		"operation":      structuredErr.Context.Operation,
		"recoverable":    structuredErr.Context.Recoverable,
	})

	if structuredErr.Context.Key != "" {
		entry = entry.WithField("key", structuredErr.Context.Key)
	}
	if structuredErr.Context.CorrelationToken != "" {
		entry = entry.WithField("correlation_token", structuredErr.Context.CorrelationToken)
	}
	if structuredErr.Context.RetryCount > 0 {
		entry = entry.WithField("retry_count", structuredErr.Context.RetryCount)
	}
	for key, value := range structuredErr.Context.Metadata {
		entry = entry.WithField(fmt.Sprintf("meta_%s", key), value)
	}
	if structuredErr.Stack != "" {
		entry = entry.WithField("stack_trace", structuredErr.Stack)
	}

	switch structuredErr.Context.Severity {
	case ErrorSeverityCritical, ErrorSeverityHigh:
		entry.Error(structuredErr.Error())
	case ErrorSeverityMedium, ErrorSeverityLow:
		entry.Warn(structuredErr.Error())
	case ErrorSeverityInfo:
		entry.Info(structuredErr.Error())
	default:
		entry.Error(structuredErr.Error())
	}
}

// LogTransportError logs a failed relay or status network call
func LogTransportError(logger logrus.FieldLogger, err error, operation string, recoverable bool) {
	severity := ErrorSeverityLow
	if !recoverable {
		severity = ErrorSeverityHigh
	}

	LogStructuredError(logger, NewStructuredError(err, ErrorContext{
		Category:    ErrorCategoryTransport,
		Severity:    severity,
		Component:   "client",
		Operation:   operation,
		Recoverable: recoverable,
	}))
}

// LogSpawnError logs a child process that could not be started
func LogSpawnError(logger logrus.FieldLogger, err error, key, process string) {
	LogStructuredError(logger, NewStructuredError(err, ErrorContext{
		Category:    ErrorCategorySpawn,
		Severity:    ErrorSeverityHigh,
		Component:   "supervisor",
		Operation:   "spawn",
		Key:         key,
		Recoverable: false,
		Metadata: map[string]interface{}{
			"process": process,
		},
	}))
}

// LogUnresponsiveProcess logs a child that only died to an unconditional kill
func LogUnresponsiveProcess(logger logrus.FieldLogger, correlationToken string, pid int, signals []string) {
	err := fmt.Errorf("process %d ignored graceful shutdown", pid)
	LogStructuredError(logger, NewStructuredError(err, ErrorContext{
		Category:         ErrorCategoryProcess,
		Severity:         ErrorSeverityMedium,
		Component:        "escalator",
		Operation:        "shutdown",
		CorrelationToken: correlationToken,
		Recoverable:      true,
		Metadata: map[string]interface{}{
			"pid":     pid,
			"signals": strings.Join(signals, ","),
		},
	}))
}

// LogStorageError logs database/storage-related errors
func LogStorageError(logger logrus.FieldLogger, err error, operation string, recoverable bool) {
	severity := ErrorSeverityHigh
	if !recoverable {
		severity = ErrorSeverityCritical
	}

	LogStructuredError(logger, NewStructuredError(err, ErrorContext{
		Category:    ErrorCategoryStorage,
		Severity:    severity,
		Component:   "storage",
		Operation:   operation,
		Recoverable: recoverable,
	}))
}

// captureStackTrace captures the current stack trace
func captureStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// ClassifyError attempts to classify an error based on its type and message
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}

	var se *StructuredError
	if errors.As(err, &se) {
		return se.Context.Category
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCategoryTransport
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorCategoryTransport
	}

	errMsg := strings.ToLower(err.Error())

	keywords := []struct {
		category ErrorCategory
		words    []string
	}{
		{ErrorCategoryCollision, []string{"key conflict", "already registered"}},
		{ErrorCategorySpawn, []string{"failed to start", "executable file not found", "spawn"}},
		{ErrorCategoryNotFound, []string{"no stream found", "not found"}},
		{ErrorCategoryTransport, []string{
			"connection refused", "connection reset", "no such host",
			"network is unreachable", "i/o timeout", "dial tcp", "tls handshake",
		}},
		{ErrorCategorySecurity, []string{"unauthorized", "forbidden", "invalid token", "signature", "expired"}},
		{ErrorCategoryStorage, []string{"database", "sqlite", "sql", "redis"}},
		{ErrorCategoryConfig, []string{"config", "yaml", "setting"}},
	}

	for _, group := range keywords {
		for _, word := range group.words {
			if strings.Contains(errMsg, word) {
				return group.category
			}
		}
	}

	return ErrorCategoryUnknown
}
