package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Dependencies are the services the HTTP surface exposes. History and
// Checks are optional.
type Dependencies struct {
	Store    CredentialStore
	Tokens   TokenValidator
	Events   EventSubmitter
	Commands CommandService
	History  HistoryReader
	Checks   map[string]HealthChecker
	Version  string
}

// ServerConfig holds API server specific configuration
type ServerConfig struct {
	Host         string
	Port         int
	APIKeys      []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns default API server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:        "0.0.0.0",
		Port:        8080,
		ReadTimeout: 30 * time.Second,
		// websocket listeners outlive any write timeout; writes carry their own deadline
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
}

// Server represents the HTTP API server
type Server struct {
	logger        *logrus.Logger
	router        *mux.Router
	httpServer    *http.Server
	handlers      *Handlers
	wsManager     *WebSocketManager
	errorHandler  *ErrorHandler
	requestLogger *RequestLogger
	apiKeys       []string
}

// NewServer creates a new API server instance
func NewServer(cfg ServerConfig, deps Dependencies, wsManager *WebSocketManager, logger *logrus.Logger) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if deps.Tokens == nil {
		return nil, fmt.Errorf("token validator is required")
	}
	if deps.Events == nil {
		return nil, fmt.Errorf("event submitter is required")
	}
	if deps.Commands == nil {
		return nil, fmt.Errorf("command service is required")
	}
	if wsManager == nil {
		wsManager = NewWebSocketManager(logger)
	}

	server := &Server{
		logger:        logger,
		router:        mux.NewRouter(),
		wsManager:     wsManager,
		errorHandler:  NewErrorHandler(logger),
		requestLogger: NewRequestLogger(logger),
		apiKeys:       cfg.APIKeys,
	}
	server.handlers = NewHandlers(deps, logger, server.errorHandler, wsManager)

	server.setupMiddleware()
	server.setupRoutes()

	server.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		Handler:      server.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return server, nil
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// WebSocketManager returns the listener hub behind the websocket routes
func (s *Server) WebSocketManager() *WebSocketManager {
	return s.wsManager
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")

	s.wsManager.Start(ctx)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err, ok := <-errChan:
		s.wsManager.Stop()
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	}
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Gracefully shutting down API server")

	// hijacked websocket connections are not tracked by http.Server
	s.wsManager.Stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Error during server shutdown")
		return err
	}

	s.logger.Info("API server shutdown complete")
	return nil
}

// setupMiddleware configures middleware for the router
func (s *Server) setupMiddleware() {
	s.router.Use(s.requestLogger.StructuredLoggingMiddleware)
	s.router.Use(s.errorHandler.RecoveryMiddleware)
	s.router.Use(s.securityHeadersMiddleware)
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Authenticated by their own credentials, never by API key
	api.HandleFunc("/health", s.handlers.HealthCheck).Methods(http.MethodGet)
	api.HandleFunc("/forward_creds", s.handlers.ForwardCreds).Methods(http.MethodPost)
	api.HandleFunc("/player_events", s.handlers.PlayerEvents).Methods(http.MethodPost)

	protected := api.NewRoute().Subrouter()
	protected.Use(s.apiKeyMiddleware)

	protected.HandleFunc("/sessions", s.handlers.ListSessions).Methods(http.MethodGet)
	protected.HandleFunc("/history", s.handlers.ListHistory).Methods(http.MethodGet)
	protected.HandleFunc("/commands/play", s.handlers.Play).Methods(http.MethodPost)
	protected.HandleFunc("/commands/stop", s.handlers.Stop).Methods(http.MethodPost)
	protected.HandleFunc("/commands/leave", s.handlers.Leave).Methods(http.MethodPost)
	protected.HandleFunc("/status/ws", s.handlers.StatusWebSocket).Methods(http.MethodGet)
	protected.HandleFunc("/voice/{guild}/ws", s.handlers.VoiceWebSocket).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, r, ErrorCodeNotFound, "Endpoint not found")
	})
}
